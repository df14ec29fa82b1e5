// Package cmd wires the env360 orchestrator's command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "env360",
	Short: "Multi-tenant environment and service deployment orchestrator",
	Long: `env360 manages projects, environments and services, publishes
immutable service versions and deploys them to registered Kubernetes
clusters through durable workflows.`,
	SilenceUsage: true,
}

// SetVersion sets the binary version shown by the version command and stamped
// on new workflow instances.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI. Without arguments it defaults to serve.
func Execute() {
	if len(os.Args) == 1 {
		rootCmd.SetArgs([]string{"serve"})
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newServeCmd())
}
