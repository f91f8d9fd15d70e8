package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/harunnryd/tablesync/internal/config"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process holds the state directory.
var ErrLocked = errors.New("state directory is locked by another instance")

// FileLock guarantees a single daemon per state directory.
type FileLock struct {
	fileLock   *flock.Flock
	lockPath   string
	stateDir   string
	acquiredAt time.Time
	mu         sync.RWMutex
}

type FileLockConfig struct {
	LockTimeout time.Duration
	LockRetry   time.Duration
}

func DefaultFileLockConfig() *FileLockConfig {
	lockTimeout, _ := config.DurationOrDefault("", config.DefaultDaemonLockTimeout)
	lockRetry, _ := config.DurationOrDefault("", config.DefaultDaemonLockRetry)
	return &FileLockConfig{
		LockTimeout: lockTimeout,
		LockRetry:   lockRetry,
	}
}

// FileLockConfigFrom reads lock timings from the daemon section.
func FileLockConfigFrom(cfg config.DaemonConfig) (*FileLockConfig, error) {
	lockTimeout, err := config.DurationOrDefault(cfg.LockTimeout, config.DefaultDaemonLockTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse lock timeout: %w", err)
	}
	lockRetry, err := config.IntervalOrDefault(cfg.LockRetry, config.DefaultDaemonLockRetry)
	if err != nil {
		return nil, fmt.Errorf("parse lock retry: %w", err)
	}
	return &FileLockConfig{LockTimeout: lockTimeout, LockRetry: lockRetry}, nil
}

// NewFileLock takes the lock of stateDir, retrying until cfg.LockTimeout.
func NewFileLock(stateDir string, cfg *FileLockConfig) (*FileLock, error) {
	if cfg == nil {
		cfg = DefaultFileLockConfig()
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	lockPath := GetLockPath(stateDir)
	fl := &FileLock{
		fileLock: flock.New(lockPath),
		lockPath: lockPath,
		stateDir: stateDir,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.LockTimeout)
	defer cancel()

	locked, err := fl.fileLock.TryLockContext(ctx, cfg.LockRetry)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("failed to attempt lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s (timeout after %v)", ErrLocked, stateDir, cfg.LockTimeout)
	}

	// Touch the file so stale-lock detection sees the acquisition time.
	now := time.Now()
	_ = os.Chtimes(lockPath, now, now)

	fl.acquiredAt = now
	slog.Info("File lock acquired", "path", lockPath)
	return fl, nil
}

func (fl *FileLock) Unlock() {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.fileLock == nil {
		slog.Warn("FileLock already unlocked", "path", fl.lockPath)
		return
	}

	if err := fl.fileLock.Unlock(); err != nil {
		slog.Error("Failed to release file lock", "path", fl.lockPath, "error", err)
	} else {
		slog.Info("File lock released", "path", fl.lockPath, "held", time.Since(fl.acquiredAt))
	}
	fl.fileLock = nil
}

func (fl *FileLock) IsLocked() bool {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return fl.fileLock != nil
}

func (fl *FileLock) HeldDuration() time.Duration {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	if fl.acquiredAt.IsZero() {
		return 0
	}
	return time.Since(fl.acquiredAt)
}

func (fl *FileLock) Path() string {
	return fl.lockPath
}

// CleanupStaleLocks reports a lock file older than maxAge that nobody holds,
// and removes it when forceCleanup is set. A lock still held by a live
// process is never removed.
func CleanupStaleLocks(stateDir string, maxAge time.Duration, forceCleanup bool) error {
	lockPath := GetLockPath(stateDir)
	info, err := os.Stat(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	age := time.Since(info.ModTime())
	if age <= maxAge {
		return nil
	}

	probe := flock.New(lockPath)
	locked, err := probe.TryLock()
	if err != nil {
		return fmt.Errorf("probe lock: %w", err)
	}
	if !locked {
		slog.Warn("Old lock file is still held", "path", lockPath, "age", age)
		return nil
	}
	_ = probe.Unlock()

	slog.Warn("Found stale lock file", "path", lockPath, "age", age, "max_age", maxAge)
	if !forceCleanup {
		slog.Info("Stale lock detected but not cleaning (use --force-clean-locks to remove)", "path", lockPath)
		return nil
	}

	if err := os.Remove(lockPath); err != nil {
		slog.Error("Failed to remove stale lock file", "path", lockPath, "error", err)
		return err
	}
	slog.Info("Stale lock file removed", "path", lockPath)
	return nil
}
