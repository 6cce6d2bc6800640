package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sawmill/internal/config"
	"sawmill/internal/logger"
)

var (
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ingest-service",
		Short: "Log ingestion service",
		Long:  "Ingest service buffers, batches and durably persists log records into PostgreSQL",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(replaySpillCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfigAndLogger() (*config.Config, logger.Logger, error) {
	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
		if configFile == "" {
			return nil, nil, fmt.Errorf("config file is required: use --config flag or CONFIG_FILE environment variable")
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.Logging.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init logger: %w", err)
	}

	return cfg, log, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ingest service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.Info("Starting ingest service")

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.Fatalf("Failed to initialize application: %v", err)
			}

			log.Info("Service running")
			if err := app.Run(ctx); err != nil && err != context.Canceled {
				log.Errorw("Service stopped with error", "error", err)
				return err
			}

			if err := app.Shutdown(context.Background()); err != nil {
				log.Errorw("Shutdown finished with error", "error", err)
				return err
			}

			log.Info("Service shutdown complete")
			return nil
		},
	}
}

// replaySpillCmd re-applies batches spilled by a previous run: it starts the
// writer path without any intake, lets the recovered batches drain, and
// exits.
func replaySpillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay-spill",
		Short: "Re-apply spilled batches from a previous run and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			app := NewApp(cfg, log)
			if err := app.InitializePipelineOnly(ctx); err != nil {
				log.Fatalf("Failed to initialize pipeline: %v", err)
			}

			// Recovery already queued the spilled batches; draining through
			// shutdown commits them (or re-spills what still cannot commit).
			if err := app.Shutdown(context.Background()); err != nil {
				log.Errorw("Replay finished with error", "error", err)
				return err
			}

			log.Info("Spill replay complete")
			return nil
		},
	}
}
