package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"visitoverlay/internal/config"
	"visitoverlay/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Set up by the root command before any subcommand runs
	cfg       *config.Config
	logger    *zap.Logger
	sessionID string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "visit-overlay",
	Short: "Adds client columns to the scheduled visits table",
	Long: `visit-overlay augments the scheduled visits table of a running scheduling
application with columns derived from client records: caregiver preference and
vital tags, city, and optionally the active care plan.

It watches the page's own network traffic for visit batches, looks up each
visit's client in the background and writes the derived values into cells it
owns, without changing anything else on the page.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", configPath, err)
		}
		cfg = loaded

		logCfg := cfg.Logging.ToLogging()
		if verbose {
			logCfg.Level = "debug"
		}
		root, err := logging.New(logCfg)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		sessionID = uuid.NewString()
		logger = root.With(zap.String("session_id", sessionID))
		logging.For(logger, logging.CategoryBoot).Debug("config loaded", zap.String("path", configPath))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(columnsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
