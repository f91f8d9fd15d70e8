// Package engine wires the status store, compute client, dispatcher, monitor
// and propagator into one handle built from configuration.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/harunnryd/tablesync/internal/compute"
	"github.com/harunnryd/tablesync/internal/config"
	"github.com/harunnryd/tablesync/internal/dispatch"
	tserrors "github.com/harunnryd/tablesync/internal/errors"
	"github.com/harunnryd/tablesync/internal/monitor"
	"github.com/harunnryd/tablesync/internal/propagate"
	"github.com/harunnryd/tablesync/internal/status"
)

// RemoteClient is everything the engine needs from the table service.
type RemoteClient interface {
	dispatch.Computer
	monitor.Querier
	propagate.Updater
	BatchRefresh(ctx context.Context, recordIDs []string) (*compute.BatchRefreshResult, error)
}

type Option func(*Engine)

// WithClient replaces the HTTP client built from configuration.
func WithClient(client RemoteClient) Option {
	return func(e *Engine) {
		e.client = client
	}
}

// WithStore shares an existing status store.
func WithStore(store *status.Store) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// EditResult reports an edit and the follow-up dispatch of the fields the
// remote side did not recompute.
type EditResult struct {
	Updated  *compute.UpdatedRecord
	Dispatch *dispatch.Result
}

type Engine struct {
	store      *status.Store
	client     RemoteClient
	dispatcher *dispatch.Dispatcher
	monitor    *monitor.Monitor
	propagator *propagate.Propagator

	force           bool
	pollInterval    time.Duration
	shutdownTimeout time.Duration

	// ctx bounds monitor sessions so they outlive the request that started them.
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, tserrors.InvalidInput("config is required")
	}

	e := &Engine{force: cfg.Dispatch.Force}
	for _, opt := range opts {
		opt(e)
	}

	if e.store == nil {
		e.store = status.NewStore()
	}
	if e.client == nil {
		client, err := compute.NewClientFromConfig(cfg.Remote)
		if err != nil {
			return nil, fmt.Errorf("create compute client: %w", err)
		}
		e.client = client
	}

	pollInterval, err := config.IntervalOrDefault(cfg.Monitor.PollInterval, config.DefaultMonitorPollInterval)
	if err != nil {
		return nil, fmt.Errorf("parse monitor poll interval: %w", err)
	}
	shutdownTimeout, err := config.DurationOrDefault(cfg.Monitor.ShutdownTimeout, config.DefaultMonitorShutdownTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse monitor shutdown timeout: %w", err)
	}
	e.pollInterval = pollInterval
	e.shutdownTimeout = shutdownTimeout

	e.dispatcher = dispatch.New(e.store, e.client, dispatch.WithMaxParallel(cfg.Dispatch.MaxParallel))
	e.monitor = monitor.New(e.store, e.client, monitor.Options{
		Interval:             pollInterval,
		MaxTransportFailures: cfg.Monitor.MaxTransportFailures,
		MaxPolls:             cfg.Monitor.MaxPolls,
	})
	e.propagator = propagate.New(e.store, e.client)
	e.ctx, e.cancel = context.WithCancel(context.Background())

	return e, nil
}

func (e *Engine) Store() *status.Store {
	return e.store
}

func (e *Engine) Monitor() *monitor.Monitor {
	return e.monitor
}

// DefaultForce is the configured force flag for dispatches that do not set one.
func (e *Engine) DefaultForce() bool {
	return e.force
}

// Dispatch computes fieldIDs of recordID concurrently.
func (e *Engine) Dispatch(ctx context.Context, recordID string, fieldIDs []string, force bool) (*dispatch.Result, error) {
	return e.dispatcher.Dispatch(ctx, dispatch.NewRequest(recordID, fieldIDs, force))
}

// Watch starts polling key. A zero interval uses the configured poll interval.
func (e *Engine) Watch(key status.FieldKey, interval time.Duration) (*monitor.Session, error) {
	if interval <= 0 {
		interval = e.pollInterval
	}
	return e.monitor.Start(e.ctx, key, interval)
}

func (e *Engine) Unwatch(key status.FieldKey) bool {
	return e.monitor.Stop(key)
}

// QueryStatus asks the table service for the current status of key without
// touching the store.
func (e *Engine) QueryStatus(ctx context.Context, key status.FieldKey) (compute.FieldStatus, error) {
	if key.FieldID == "" {
		return compute.FieldStatus{}, tserrors.InvalidInput("field id is required")
	}
	return e.client.QueryStatus(ctx, key.FieldID)
}

// ApplyUpdate sends a record edit and caches the fields recomputed with it.
func (e *Engine) ApplyUpdate(ctx context.Context, recordID string, values map[string]any) (*compute.UpdatedRecord, error) {
	return e.propagator.ApplyUpdate(ctx, recordID, values)
}

// EditAndRefresh applies the edit, then dispatches the derived fields among
// derivedFieldIDs that the remote side did not recompute synchronously.
func (e *Engine) EditAndRefresh(ctx context.Context, recordID string, values map[string]any, derivedFieldIDs []string) (*EditResult, error) {
	updated, err := e.propagator.ApplyUpdate(ctx, recordID, values)
	if err != nil {
		return nil, err
	}

	recomputed := make(map[string]struct{}, len(updated.RecomputedFields))
	for _, fieldID := range updated.RecomputedFields {
		recomputed[fieldID] = struct{}{}
	}
	var pending []string
	for _, fieldID := range derivedFieldIDs {
		if _, ok := recomputed[fieldID]; !ok {
			pending = append(pending, fieldID)
		}
	}

	result := &EditResult{Updated: updated}
	if len(pending) == 0 {
		return result, nil
	}

	res, err := e.Dispatch(ctx, recordID, pending, e.force)
	if err != nil {
		return result, err
	}
	result.Dispatch = res
	return result, nil
}

// RefreshRecords asks the remote side to recompute every derived field of
// recordIDs, then watches the fields already known for those records so the
// store picks up the new values.
func (e *Engine) RefreshRecords(ctx context.Context, recordIDs []string) (*compute.BatchRefreshResult, error) {
	res, err := e.client.BatchRefresh(ctx, recordIDs)
	if err != nil {
		return res, err
	}

	watched := 0
	for _, recordID := range recordIDs {
		fields := e.store.Record(recordID)
		fieldIDs := make([]string, 0, len(fields))
		for fieldID := range fields {
			fieldIDs = append(fieldIDs, fieldID)
		}
		sort.Strings(fieldIDs)
		for _, fieldID := range fieldIDs {
			if _, err := e.Watch(status.Key(recordID, fieldID), 0); err != nil {
				slog.Warn("Failed to watch refreshed field", "record_id", recordID, "field_id", fieldID, "error", err)
				continue
			}
			watched++
		}
	}

	slog.Info("Records refreshed", "records", len(recordIDs), "refreshed", res.RefreshedCount, "watched", watched)
	return res, nil
}

// Close stops every monitor session.
func (e *Engine) Close(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.shutdownTimeout)
		defer cancel()
	}
	err := e.monitor.Shutdown(ctx)
	e.cancel()
	return err
}
