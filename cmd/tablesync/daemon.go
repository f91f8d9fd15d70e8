package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/harunnryd/tablesync/internal/config"
	"github.com/harunnryd/tablesync/internal/daemon"
	"github.com/harunnryd/tablesync/internal/daemon/components"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run tablesync as a long-lived service",
	Long: `Starts the sync engine with component lifecycle orchestration. It keeps
the status store on disk, runs scheduled refresh jobs and serves the HTTP API
with live status events.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		forceClean, _ := cmd.Flags().GetBool("force-clean-locks")

		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		daemonMgr, err := daemon.NewDaemon(cfg)
		if err != nil {
			return fmt.Errorf("failed to create daemon manager: %w", err)
		}
		daemonMgr.SetForceCleanup(forceClean)

		stateComp := components.NewStateComponent(daemonMgr.StateDir(), cfg.Daemon)
		engineComp := components.NewEngineComponent(cfg, stateComp)
		schedulerComp := components.NewSchedulerComponent(cfg, engineComp, daemonMgr.StateDir())
		httpComp := components.NewHTTPServerComponent(daemonMgr, &cfg.Server, engineComp, schedulerComp)

		daemonMgr.AddComponent(stateComp)
		daemonMgr.AddComponent(engineComp)
		daemonMgr.AddComponent(schedulerComp)
		daemonMgr.AddComponent(httpComp)

		slog.Info("tablesync daemon starting up...", "port", cfg.Server.Port, "remote", cfg.Remote.BaseURL)
		err = daemonMgr.Start(context.Background())
		if err != nil {
			// Cancellation via signal/context is a graceful shutdown case for CLI.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("tablesync daemon stopped gracefully")
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		slog.Info("tablesync daemon stopped gracefully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().Int("server.port", config.DefaultServerPort, "HTTP API port")
	daemonCmd.Flags().Bool("force-clean-locks", false, "Force cleanup of stale lock files (default: warn-only)")
}
