// Package propagate applies record edits and records the derived values the
// remote side recomputed while handling them.
package propagate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/harunnryd/tablesync/internal/compute"
	tserrors "github.com/harunnryd/tablesync/internal/errors"
	"github.com/harunnryd/tablesync/internal/status"
)

// Updater performs a record mutation.
type Updater interface {
	UpdateRecord(ctx context.Context, recordID string, values map[string]any) (*compute.UpdatedRecord, error)
}

type Propagator struct {
	store   *status.Store
	updater Updater
	now     func() time.Time
}

func New(store *status.Store, updater Updater) *Propagator {
	return &Propagator{
		store:   store,
		updater: updater,
		now:     time.Now,
	}
}

// ApplyUpdate sends the edit. On success every field the response marks as
// recomputed is written as cached with its returned value. Other fields are
// left untouched. A failed mutation is returned as is and writes nothing.
func (p *Propagator) ApplyUpdate(ctx context.Context, recordID string, values map[string]any) (*compute.UpdatedRecord, error) {
	if recordID == "" {
		return nil, tserrors.InvalidInput("record id is required")
	}

	// Sequences are taken before the request leaves so a compute issued while
	// the edit is in flight still wins. Fields the store has never seen keep
	// sequence 0: it lands on an untouched entry and loses to any compute that
	// applied in the meantime.
	issued := make(map[string]uint64)
	for fieldID := range p.store.Record(recordID) {
		issued[fieldID] = p.store.NextSeq(status.Key(recordID, fieldID))
	}

	updated, err := p.updater.UpdateRecord(ctx, recordID, values)
	if err != nil {
		slog.Debug("Record update failed", "record_id", recordID, "error", err)
		return nil, err
	}

	at := p.now()
	written := 0
	for _, fieldID := range updated.RecomputedFields {
		value, ok := updated.Record.Fields[fieldID]
		if !ok {
			continue
		}
		key := status.Key(recordID, fieldID)
		if err := p.store.Apply(key, issued[fieldID], status.Cached(value, at)); err != nil {
			if !errors.Is(err, tserrors.ErrStaleWrite) {
				slog.Warn("Status write failed", "key", key.String(), "error", err)
			}
			continue
		}
		written++
	}

	slog.Debug("Record updated", "record_id", recordID, "recomputed", len(updated.RecomputedFields), "cached", written)
	return updated, nil
}
