package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/env360/env360/internal/authz"
	"github.com/env360/env360/internal/config"
	"github.com/env360/env360/internal/deploy"
	"github.com/env360/env360/internal/instrumentation"
	"github.com/env360/env360/internal/k8s"
	"github.com/env360/env360/internal/logging"
	"github.com/env360/env360/internal/secrets"
	"github.com/env360/env360/internal/server"
	"github.com/env360/env360/internal/store"
	"github.com/env360/env360/internal/version"
	"github.com/env360/env360/internal/workflow"
)

func newServeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		Long: `Connects to the database, recovers interrupted workflows, starts the
queue dispatchers and serves health and metrics endpoints until
terminated.`,
		RunE: runServe,
	}
	c.Flags().Bool("debug", false, "enable debug logging")
	c.Flags().Bool("json-log", false, "emit logs as JSON")
	return c
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, err := config.FromEnv()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("debug") {
		settings.Debug, _ = cmd.Flags().GetBool("debug")
	}
	if cmd.Flags().Changed("json-log") {
		settings.JSONLog, _ = cmd.Flags().GetBool("json-log")
	}
	logger := logging.New(settings.Debug, settings.JSONLog)

	if settings.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if settings.EncryptionKey == "" {
		return fmt.Errorf("SECRETS_ENCRYPTION_KEY is required")
	}
	enc, err := secrets.New(settings.EncryptionKey)
	if err != nil {
		return err
	}

	st, err := store.NewPostgres(ctx, settings.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	manager := config.NewManager(settings)
	if err := manager.Refresh(ctx, st); err != nil {
		logger.Warn("admin config unavailable, using environment settings", logging.Err(err))
	}

	shutdownTracing, err := instrumentation.SetupTracing(ctx,
		instrumentation.TracingConfigFromEnv(rootCmd.Version))
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(cmd.Context()); err != nil {
			logger.Error("failed to shut down tracing", logging.Err(err))
		}
	}()
	metrics := instrumentation.NewMetrics()

	engine := workflow.NewEngine(st, logger,
		workflow.WithAppVersion(rootCmd.Version),
		workflow.WithObserver(metrics))
	engine.RegisterQueue(settings.QueueName, settings.QueueConcurrency)

	versions := version.NewEngine(st, enc, logger)
	gate := authz.NewGate(authz.NewEvaluator(st))
	gateways := deploy.NewGatewayFactory(enc, logger,
		settings.PollTimeout, settings.PollInterval, k8s.WithObserver(metrics))
	deploy.NewService(st, engine, versions, gate, manager, gateways, logger)

	if err := engine.Start(ctx); err != nil {
		return err
	}

	srv := server.New(settings.ListenAddr, rootCmd.Version, metrics.Handler(), logger)
	srv.AddReadinessCheck("database", st.Ping)
	srv.SetReady(true)

	err = srv.Run(ctx)
	engine.Wait()
	logger.Info("shutdown complete")
	return err
}
