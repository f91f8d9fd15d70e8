package main

import (
	"context"
	"fmt"
	"time"

	"github.com/harunnryd/tablesync/internal/config"
	"github.com/harunnryd/tablesync/internal/engine"
	"github.com/harunnryd/tablesync/internal/scheduler"
	"github.com/harunnryd/tablesync/internal/store"

	"github.com/spf13/cobra"
)

// newEngine is swapped in tests to run commands against a fake table service.
var newEngine = func(cfg *config.Config) (*engine.Engine, error) {
	return engine.New(cfg)
}

// executeWithEngine runs fn with an engine and a context that is cancelled
// on interrupt. Monitor sessions are stopped before it returns.
func executeWithEngine(cmd *cobra.Command, fn func(ctx context.Context, eng *engine.Engine) error) error {
	if cfg == nil {
		return fmt.Errorf("config not loaded")
	}

	eng, err := newEngine(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	signals := NewSignalHandler(ctx)
	signals.Start()
	defer signals.Stop()

	runErr := fn(signals.Context(), eng)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// withJobStore opens the refresh job file while holding the state directory
// lock, so edits never race a running daemon that owns the same file.
func withJobStore(fn func(jobs *scheduler.Store) error) error {
	if cfg == nil {
		return fmt.Errorf("config not loaded")
	}

	stateDir, err := store.ResolveStateDir(cfg.Daemon)
	if err != nil {
		return fmt.Errorf("resolve state dir: %w", err)
	}

	lock, err := store.NewFileLock(stateDir, &store.FileLockConfig{
		LockTimeout: 500 * time.Millisecond,
		LockRetry:   50 * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("%w (while the daemon runs, manage jobs through its /v1/jobs endpoints)", err)
	}
	defer lock.Unlock()

	jobs, err := scheduler.NewStore(store.GetJobsPath(stateDir))
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	return fn(jobs)
}

func outputFormat(cmd *cobra.Command) string {
	format, err := cmd.Flags().GetString("output")
	if err != nil || format == "" {
		return "table"
	}
	return format
}
