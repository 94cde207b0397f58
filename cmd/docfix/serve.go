package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jxucoder/docfix"
	"github.com/jxucoder/docfix/internal/config"
	"github.com/jxucoder/docfix/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the DocFix server",
	Long:  "Start the DocFix API server that manages sessions, sandboxes and pull requests.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	app, err := docfix.NewBuilder(cfg).WithLogger(logger).Build()
	if err != nil {
		return fmt.Errorf("building app: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.SlackEnabled() {
		logger.Info("slack channel enabled", zap.String("notify_channel", cfg.Slack.NotifyChannel))
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "Shut down.")
	return nil
}
