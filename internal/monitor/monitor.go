// Package monitor polls the remote status of derived fields that are being
// computed out of band, writing every observation into the status store.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/tablesync/internal/compute"
	"github.com/harunnryd/tablesync/internal/concurrency"
	"github.com/harunnryd/tablesync/internal/config"
	tserrors "github.com/harunnryd/tablesync/internal/errors"
	"github.com/harunnryd/tablesync/internal/logger"
	"github.com/harunnryd/tablesync/internal/status"

	"github.com/oklog/ulid/v2"
)

// Querier reads the remote status of a field.
type Querier interface {
	QueryStatus(ctx context.Context, fieldID string) (compute.FieldStatus, error)
}

type Options struct {
	// Interval is used when Start is called with a zero interval.
	Interval time.Duration

	// MaxTransportFailures is the number of consecutive transport failures
	// after which a session gives up with "status unavailable".
	MaxTransportFailures int

	// MaxPolls caps the number of queries per session. Zero means unbounded.
	MaxPolls int
}

type Monitor struct {
	store  *status.Store
	client Querier
	opts   Options
	now    func() time.Time

	mu       sync.Mutex
	sessions map[status.FieldKey]*Session
	closed   bool
	wg       sync.WaitGroup
}

func New(store *status.Store, client Querier, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval, _ = config.DurationOrDefault("", config.DefaultMonitorPollInterval)
	}
	if opts.MaxTransportFailures <= 0 {
		opts.MaxTransportFailures = config.DefaultMonitorMaxTransportFailures
	}
	if opts.MaxPolls < 0 {
		opts.MaxPolls = 0
	}
	return &Monitor{
		store:    store,
		client:   client,
		opts:     opts,
		now:      time.Now,
		sessions: make(map[status.FieldKey]*Session),
	}
}

func NewFromConfig(store *status.Store, client Querier, cfg config.MonitorConfig) (*Monitor, error) {
	interval, err := config.IntervalOrDefault(cfg.PollInterval, config.DefaultMonitorPollInterval)
	if err != nil {
		return nil, fmt.Errorf("parse monitor poll interval: %w", err)
	}
	return New(store, client, Options{
		Interval:             interval,
		MaxTransportFailures: cfg.MaxTransportFailures,
		MaxPolls:             cfg.MaxPolls,
	}), nil
}

// Start begins polling key every interval, cancelling any session already
// running for it. The key is marked calculating before Start returns.
// The session ends when ctx is done, on Stop, or once the field resolves.
func (m *Monitor) Start(ctx context.Context, key status.FieldKey, interval time.Duration) (*Session, error) {
	if strings.TrimSpace(key.RecordID) == "" || strings.TrimSpace(key.FieldID) == "" {
		return nil, tserrors.InvalidInput(fmt.Sprintf("incomplete field key %q", key.String()))
	}
	if interval <= 0 {
		interval = m.opts.Interval
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, tserrors.Internal("monitor is shut down")
	}
	if old, ok := m.sessions[key]; ok {
		old.Cancel()
		slog.Debug("Superseded monitor session", "key", key.String(), "session_id", old.ID)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	s := newSession(ulid.Make().String(), key, interval, cancel, m.now())
	m.sessions[key] = s
	m.wg.Add(1)
	m.mu.Unlock()

	seq := m.store.NextSeq(key)
	s.writeIfActive(func() { m.apply(key, seq, status.Calculating()) })

	sessionCtx = logger.WithSessionID(sessionCtx, s.ID)
	concurrency.SafeGo("monitor "+key.String(), func() {
		m.run(sessionCtx, s)
	}, func(err error) {
		s.writeIfActive(func() { m.store.Set(key, status.Errored(tserrors.StatusUnavailable)) })
		m.finish(s)
	})

	logger.FromContext(sessionCtx).Debug("Monitor session started", "key", key.String(), "interval", interval)
	return s, nil
}

// Stop cancels the active session for key. It reports whether one existed.
func (m *Monitor) Stop(key status.FieldKey) bool {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	s.Cancel()
	slog.Debug("Monitor session stopped", "key", key.String(), "session_id", s.ID)
	return true
}

// StopRecord cancels every session of recordID.
func (m *Monitor) StopRecord(recordID string) int {
	stopped := 0
	for _, key := range m.Active() {
		if key.RecordID == recordID && m.Stop(key) {
			stopped++
		}
	}
	return stopped
}

// Session returns the active session for key.
func (m *Monitor) Session(key status.FieldKey) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Active lists the keys with a running session.
func (m *Monitor) Active() []status.FieldKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]status.FieldKey, 0, len(m.sessions))
	for key := range m.sessions {
		keys = append(keys, key)
	}
	return keys
}

// Shutdown cancels every session, refuses new ones, and waits for all
// session goroutines to exit or ctx to end.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for key, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Monitor stopped", "cancelled_sessions", len(sessions))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("monitor shutdown: %w", ctx.Err())
	}
}

func (m *Monitor) run(ctx context.Context, s *Session) {
	defer m.finish(s)

	log := logger.FromContext(ctx).With("key", s.Key.String())
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	transportFailures := 0
	for {
		select {
		case <-ctx.Done():
			m.abandon(s)
			return
		case <-ticker.C:
		}

		if s.Cancelled() {
			return
		}
		s.setState(SessionPolling)

		seq := m.store.NextSeq(s.Key)
		observed, err := m.client.QueryStatus(ctx, s.Key.FieldID)
		polls := s.countPoll()

		if s.Cancelled() {
			log.Debug("Discarding poll result of cancelled session", "poll", polls)
			return
		}

		if errors.Is(err, context.Canceled) {
			m.abandon(s)
			return
		}
		next, resolved := m.evaluate(s.Key, observed, err, &transportFailures)
		if !resolved && m.opts.MaxPolls > 0 && polls >= m.opts.MaxPolls {
			log.Warn("Monitor poll limit reached", "polls", polls)
			next, resolved = status.Errored(tserrors.StatusUnavailable), true
		}

		if !s.writeIfActive(func() { m.apply(s.Key, seq, next) }) {
			return
		}

		if resolved {
			s.setState(SessionResolved)
			log.Debug("Monitor session resolved", "state", next.State, "polls", polls)
			return
		}
	}
}

// evaluate turns one poll into the status to write and whether the session ends.
func (m *Monitor) evaluate(key status.FieldKey, observed compute.FieldStatus, err error, transportFailures *int) (status.Status, bool) {
	if err != nil {
		if !tserrors.IsTransport(err) {
			return status.Errored(tserrors.UserMessage(err)), true
		}
		*transportFailures++
		if *transportFailures >= m.opts.MaxTransportFailures {
			return status.Errored(tserrors.StatusUnavailable), true
		}
		return status.Errored(tserrors.UserMessage(err)), false
	}
	*transportFailures = 0

	switch observed.State {
	case status.StateCached:
		value := observed.Value
		if !observed.HasValue {
			value, _ = m.store.Value(key)
		}
		at := observed.CachedAt
		if at.IsZero() {
			at = m.now()
		}
		return status.Cached(value, at), true
	case status.StateErrored:
		return status.Errored(observed.ErrorMessage), true
	default:
		// Not registered remotely yet, or still pending.
		return status.Calculating(), false
	}
}

// abandon ends s after its context was cancelled from outside. Unless the
// session was stopped or superseded, the calculating status it wrote is
// replaced so the key does not stay calculating with nobody polling it.
func (m *Monitor) abandon(s *Session) {
	seq := m.store.NextSeq(s.Key)
	s.writeIfActive(func() { m.apply(s.Key, seq, status.Errored(tserrors.CalculationCancelled)) })
	s.Cancel()
}

func (m *Monitor) apply(key status.FieldKey, seq uint64, st status.Status) {
	if err := m.store.Apply(key, seq, st); err != nil && !errors.Is(err, tserrors.ErrStaleWrite) {
		slog.Warn("Status write failed", "key", key.String(), "error", err)
	}
}

func (m *Monitor) finish(s *Session) {
	s.cancel()

	m.mu.Lock()
	if cur, ok := m.sessions[s.Key]; ok && cur == s {
		delete(m.sessions, s.Key)
	}
	m.mu.Unlock()

	select {
	case <-s.done:
		return
	default:
		close(s.done)
	}
	m.wg.Done()
}
