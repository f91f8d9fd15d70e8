package components

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/tablesync/internal/config"
	"github.com/harunnryd/tablesync/internal/daemon"
	"github.com/harunnryd/tablesync/internal/status"
	"github.com/harunnryd/tablesync/internal/store"
)

// StateComponent owns the state directory: it holds the instance lock,
// restores the status store from the last snapshot and saves it
// periodically and on stop.
type StateComponent struct {
	stateDir  string
	cfg       config.DaemonConfig
	status    *status.Store
	lock      *store.FileLock
	snapshots *store.SnapshotStore
	interval  time.Duration

	initialized bool
	started     bool
	lastSave    time.Time
	lastErr     error
	mu          sync.RWMutex
	stop        chan struct{}
	done        chan struct{}
}

func NewStateComponent(stateDir string, cfg config.DaemonConfig) *StateComponent {
	return &StateComponent{
		stateDir: stateDir,
		cfg:      cfg,
		status:   status.NewStore(),
	}
}

func (s *StateComponent) Name() string {
	return "State"
}

func (s *StateComponent) Dependencies() []string {
	return []string{}
}

func (s *StateComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("State init cancelled: %w", ctx.Err())
	default:
	}

	interval, err := config.IntervalOrDefault(s.cfg.SnapshotInterval, config.DefaultDaemonSnapshotInterval)
	if err != nil {
		return fmt.Errorf("parse snapshot interval: %w", err)
	}
	lockCfg, err := store.FileLockConfigFrom(s.cfg)
	if err != nil {
		return err
	}

	lock, err := store.NewFileLock(s.stateDir, lockCfg)
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			return fmt.Errorf("state dir %s is locked by another instance: %w", s.stateDir, err)
		}
		return fmt.Errorf("failed to lock state dir: %w", err)
	}

	snapshots, err := store.NewSnapshotStore(s.stateDir)
	if err != nil {
		lock.Unlock()
		return fmt.Errorf("failed to open snapshot store: %w", err)
	}

	restored, err := snapshots.Restore(s.status)
	if err != nil {
		// A corrupt snapshot only costs cached values; start empty.
		slog.Warn("Failed to restore status snapshot", "component", s.Name(), "path", snapshots.Path(), "error", err)
	}

	s.lock = lock
	s.snapshots = snapshots
	s.interval = interval
	s.initialized = true
	slog.Info("State initialized", "component", s.Name(), "state_dir", s.stateDir, "restored", restored)
	return nil
}

func (s *StateComponent) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return fmt.Errorf("State not initialized")
	}
	if s.started {
		return nil
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)

	s.started = true
	slog.Info("State started", "component", s.Name(), "snapshot_interval", s.interval)
	return nil
}

func (s *StateComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		slog.Info("State not initialized, skipping stop", "component", s.Name())
		return nil
	}
	if s.started {
		close(s.stop)
		s.started = false
	}
	done := s.done
	s.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := s.save()

	s.mu.Lock()
	if s.lock != nil {
		s.lock.Unlock()
	}
	s.initialized = false
	s.mu.Unlock()

	slog.Info("State stopped", "component", s.Name())
	return err
}

func (s *StateComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	health := &daemon.ComponentHealth{Name: s.Name()}
	switch {
	case !s.initialized:
		health.Error = fmt.Errorf("not initialized")
	case !s.started:
		health.Error = fmt.Errorf("not started")
	case !s.lock.IsLocked():
		health.Error = fmt.Errorf("lock not held")
	case s.lastErr != nil:
		health.Error = fmt.Errorf("last snapshot failed: %w", s.lastErr)
	default:
		health.Healthy = true
	}
	return health, nil
}

// Store is the status store shared by every other component.
func (s *StateComponent) Store() *status.Store {
	return s.status
}

// SaveNow writes a snapshot immediately.
func (s *StateComponent) SaveNow() error {
	return s.save()
}

func (s *StateComponent) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.save(); err != nil {
				slog.Error("Failed to save status snapshot", "component", s.Name(), "error", err)
			}
		}
	}
}

func (s *StateComponent) save() error {
	s.mu.RLock()
	snapshots := s.snapshots
	s.mu.RUnlock()
	if snapshots == nil {
		return nil
	}

	saved, err := snapshots.Save(s.status)

	s.mu.Lock()
	s.lastErr = err
	if err == nil {
		s.lastSave = time.Now()
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("save status snapshot: %w", err)
	}
	slog.Debug("Status snapshot saved", "component", s.Name(), "entries", saved)
	return nil
}
