package store

import (
	"path/filepath"

	"github.com/harunnryd/tablesync/internal/config"
)

const (
	lockFileName     = "tablesync.lock"
	snapshotFileName = "status.json"
	jobsFileName     = "jobs.json"
)

// ResolveStateDir resolves the configured state directory.
// If empty, it falls back to ~/.tablesync/state.
func ResolveStateDir(cfg config.DaemonConfig) (string, error) {
	return config.StateDir(cfg)
}

// GetLockPath returns the single-instance lock file of a state directory.
func GetLockPath(stateDir string) string {
	return filepath.Join(stateDir, lockFileName)
}

// GetSnapshotPath returns the status snapshot file of a state directory.
func GetSnapshotPath(stateDir string) string {
	return filepath.Join(stateDir, snapshotFileName)
}

// GetSchedulerDir returns the scheduler directory of a state directory.
func GetSchedulerDir(stateDir string) string {
	return filepath.Join(stateDir, "scheduler")
}

// GetJobsPath returns the refresh job file of a state directory.
func GetJobsPath(stateDir string) string {
	return filepath.Join(GetSchedulerDir(stateDir), jobsFileName)
}
