package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/harunnryd/tablesync/internal/status"

	"github.com/natefinch/atomic"
)

const snapshotVersion = 1

// Snapshot is the on-disk form of the status store.
type Snapshot struct {
	Version int            `json:"version"`
	SavedAt time.Time      `json:"saved_at"`
	Entries []status.Entry `json:"entries"`
}

// SnapshotStore persists status snapshots as a single JSON file replaced atomically.
type SnapshotStore struct {
	path string
	mu   sync.Mutex
}

func NewSnapshotStore(stateDir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &SnapshotStore{path: GetSnapshotPath(stateDir)}, nil
}

func (s *SnapshotStore) Path() string {
	return s.path
}

// Save writes every entry of st.
func (s *SnapshotStore) Save(st *status.Store) (int, error) {
	entries := st.Snapshot()
	snap := Snapshot{
		Version: snapshotVersion,
		SavedAt: time.Now().UTC(),
		Entries: entries,
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return 0, fmt.Errorf("write snapshot: %w", err)
	}
	return len(entries), nil
}

// Load reads the snapshot file. A missing file yields an empty snapshot.
func (s *SnapshotStore) Load() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Snapshot{Version: snapshotVersion}, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", s.path, err)
	}
	if snap.Version > snapshotVersion {
		return nil, fmt.Errorf("snapshot version %d is newer than supported %d", snap.Version, snapshotVersion)
	}
	return &snap, nil
}

// Restore loads the snapshot file into st.
func (s *SnapshotStore) Restore(st *status.Store) (int, error) {
	snap, err := s.Load()
	if err != nil {
		return 0, err
	}
	st.Restore(snap.Entries)
	if len(snap.Entries) > 0 {
		slog.Info("Status snapshot restored", "entries", len(snap.Entries), "saved_at", snap.SavedAt)
	}
	return len(snap.Entries), nil
}
