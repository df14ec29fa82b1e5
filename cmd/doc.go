// Package cmd provides the command-line interface for env360.
//
// This package implements a Cobra-based CLI with two subcommands:
//   - serve: Starts the orchestrator (default behavior when no subcommand is provided)
//   - version: Displays the application version
//
// Command Structure:
//
//	env360                # Starts the orchestrator (default)
//	env360 serve          # Explicitly starts the orchestrator
//	env360 version        # Shows version information
//	env360 help [command] # Shows help information
//
// The serve command reads its configuration from the environment; DATABASE_URL
// and SECRETS_ENCRYPTION_KEY are required, everything else has defaults. See
// internal/config for the full list of settings.
package cmd
