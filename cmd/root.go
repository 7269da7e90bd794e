// Package cmd defines and implements the CLI commands for the wfsharvest
// executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wfsharvest/internal/config"
	"wfsharvest/internal/logging"
	"wfsharvest/internal/metrics"
)

var (
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wfsharvest",
		Short: "Harvest a capped WFS layer into deduplicated SQLite datasets",
		Long: `wfsharvest downloads every feature of a WFS layer from a service that
caps response sizes. It covers the configured extent with a tile grid,
adaptively splits tiles whose responses hit the cap, converts each tile
into a SQLite artifact, and merges the artifacts into a single
deduplicated dataset. Interrupted runs resume from the artifacts already
on disk.`,

		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			var err error
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err = logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			metrics.Init()
			return nil
		},

		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./wfsharvest.yaml)")

	cmd.AddCommand(newHarvestCmd())
	cmd.AddCommand(newMergeCmd())

	return cmd
}

// Execute is the main entry point. Interrupts cancel the run; artifacts
// already on disk are picked up by the next invocation.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if logger != nil {
			logger.Error("command failed", zap.Error(err))
			_ = logger.Sync()
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
