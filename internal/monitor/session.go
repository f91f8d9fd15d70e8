package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/tablesync/internal/status"
)

type SessionState string

const (
	SessionStarted   SessionState = "started"
	SessionPolling   SessionState = "polling"
	SessionResolved  SessionState = "resolved"
	SessionCancelled SessionState = "cancelled"
)

// Session is one polling loop bound to a single FieldKey.
type Session struct {
	ID        string
	Key       status.FieldKey
	Interval  time.Duration
	StartedAt time.Time

	cancelled atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}

	// writeMu orders the cancelled check against the status write-back, so a
	// cancelled session can never land a write after Cancel returns.
	writeMu sync.Mutex

	mu    sync.Mutex
	state SessionState
	polls int
}

func newSession(id string, key status.FieldKey, interval time.Duration, cancel context.CancelFunc, now time.Time) *Session {
	return &Session{
		ID:        id,
		Key:       key,
		Interval:  interval,
		StartedAt: now,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     SessionStarted,
	}
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Polls returns the number of status queries the session has issued.
func (s *Session) Polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

// Done is closed once the session's goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Cancelled reports whether Cancel was called.
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// Cancel stops future ticks. A poll already in flight is allowed to finish
// but its result is dropped.
func (s *Session) Cancel() {
	s.writeMu.Lock()
	first := s.cancelled.CompareAndSwap(false, true)
	s.writeMu.Unlock()
	if !first {
		return
	}

	s.mu.Lock()
	if s.state != SessionResolved {
		s.state = SessionCancelled
	}
	s.mu.Unlock()
	s.cancel()
}

// Wait blocks until the session exits or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionCancelled || s.state == SessionResolved {
		return
	}
	s.state = state
}

func (s *Session) countPoll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	return s.polls
}

// writeIfActive runs write unless the session was cancelled.
func (s *Session) writeIfActive(write func()) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.cancelled.Load() {
		return false
	}
	write()
	return true
}
