// Package dispatch fans a batch of derived fields of one record out into
// concurrent compute requests and records each outcome as it lands.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/tablesync/internal/compute"
	tserrors "github.com/harunnryd/tablesync/internal/errors"
	"github.com/harunnryd/tablesync/internal/status"

	"golang.org/x/sync/errgroup"
)

// Computer issues a single compute request.
type Computer interface {
	RequestCompute(ctx context.Context, fieldID string, opts compute.CalculateOptions) compute.Outcome
}

// Request is an ordered set of keys that all belong to one record.
type Request struct {
	Keys  []status.FieldKey
	Force bool
}

// NewRequest builds a Request for fieldIDs of recordID.
func NewRequest(recordID string, fieldIDs []string, force bool) Request {
	keys := make([]status.FieldKey, 0, len(fieldIDs))
	for _, fieldID := range fieldIDs {
		keys = append(keys, status.Key(recordID, fieldID))
	}
	return Request{Keys: keys, Force: force}
}

// Result aggregates a dispatched batch. It is only returned once every member resolved.
type Result struct {
	RecordID     string
	AllSucceeded bool
	PerField     map[status.FieldKey]compute.Outcome
	Keys         []status.FieldKey
}

// Failed lists the keys whose request failed, in request order.
func (r *Result) Failed() []status.FieldKey {
	var failed []status.FieldKey
	for _, key := range r.Keys {
		if !r.PerField[key].Success {
			failed = append(failed, key)
		}
	}
	return failed
}

type Option func(*Dispatcher)

// WithMaxParallel bounds the number of requests in flight per batch. Zero or
// less means unbounded.
func WithMaxParallel(n int) Option {
	return func(d *Dispatcher) {
		d.maxParallel = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

type Dispatcher struct {
	store       *status.Store
	client      Computer
	maxParallel int
	now         func() time.Time
}

func New(store *status.Store, client Computer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:  store,
		client: client,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch issues one compute request per key concurrently. Every key is
// marked calculating before any request leaves, and each key's terminal
// status is written as soon as its own request resolves. A member failure
// never cancels its siblings.
//
// The only error returned is ErrInvalidInput for a malformed request.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	keys, recordID, err := normalize(req.Keys)
	if err != nil {
		return nil, err
	}

	res := &Result{
		RecordID:     recordID,
		AllSucceeded: true,
		PerField:     make(map[status.FieldKey]compute.Outcome, len(keys)),
		Keys:         keys,
	}
	if len(keys) == 0 {
		return res, nil
	}

	start := d.now()
	slog.Debug("Dispatching batch", "record_id", recordID, "fields", len(keys), "force", req.Force)

	seqs := make([]uint64, len(keys))
	for i, key := range keys {
		seqs[i] = d.store.NextSeq(key)
		d.apply(key, seqs[i], status.Calculating())
	}

	outcomes := make([]compute.Outcome, len(keys))
	var g errgroup.Group
	if d.maxParallel > 0 {
		g.SetLimit(d.maxParallel)
	}
	for i, key := range keys {
		g.Go(func() error {
			out := d.client.RequestCompute(ctx, key.FieldID, compute.CalculateOptions{Force: req.Force})
			outcomes[i] = out
			d.apply(key, seqs[i], d.terminalStatus(key, out))
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, key := range keys {
		res.PerField[key] = outcomes[i]
		if !outcomes[i].Success {
			res.AllSucceeded = false
			failed++
		}
	}

	slog.Info("Batch dispatched",
		"record_id", recordID,
		"fields", len(keys),
		"failed", failed,
		"duration", d.now().Sub(start))
	return res, nil
}

func (d *Dispatcher) terminalStatus(key status.FieldKey, out compute.Outcome) status.Status {
	if !out.Success {
		if errors.Is(out.Err, context.Canceled) {
			return status.Errored(tserrors.CalculationCancelled)
		}
		return status.Errored(out.ErrorMessage())
	}

	value, ok := out.ValueFor(key.RecordID)
	if !ok {
		// Remote did not echo a value; keep the last known-good one.
		value, _ = d.store.Value(key)
	}
	return status.Cached(value, d.now())
}

func (d *Dispatcher) apply(key status.FieldKey, seq uint64, st status.Status) {
	if err := d.store.Apply(key, seq, st); err != nil && !errors.Is(err, tserrors.ErrStaleWrite) {
		slog.Warn("Status write failed", "key", key.String(), "error", err)
	}
}

// normalize validates that keys share one record and collapses duplicates,
// keeping first-occurrence order.
func normalize(keys []status.FieldKey) ([]status.FieldKey, string, error) {
	if len(keys) == 0 {
		return nil, "", nil
	}

	recordID := keys[0].RecordID
	seen := make(map[status.FieldKey]struct{}, len(keys))
	out := make([]status.FieldKey, 0, len(keys))
	for _, key := range keys {
		if strings.TrimSpace(key.RecordID) == "" || strings.TrimSpace(key.FieldID) == "" {
			return nil, "", tserrors.InvalidInput(fmt.Sprintf("incomplete field key %q", key.String()))
		}
		if key.RecordID != recordID {
			return nil, "", tserrors.InvalidInput(fmt.Sprintf("batch spans records %q and %q", recordID, key.RecordID))
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out, recordID, nil
}
