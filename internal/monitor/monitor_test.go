package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/tablesync/internal/compute"
	tserrors "github.com/harunnryd/tablesync/internal/errors"
	"github.com/harunnryd/tablesync/internal/status"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	st  compute.FieldStatus
	err error
	// block, when set, is waited on before the reply is returned.
	block chan struct{}
}

// scriptedQuerier replays replies in order; the last one repeats.
type scriptedQuerier struct {
	mu      sync.Mutex
	replies []reply
	calls   int
	entered chan int
}

func newScriptedQuerier(replies ...reply) *scriptedQuerier {
	return &scriptedQuerier{replies: replies, entered: make(chan int, 64)}
}

func (q *scriptedQuerier) QueryStatus(_ context.Context, fieldID string) (compute.FieldStatus, error) {
	q.mu.Lock()
	idx := q.calls
	q.calls++
	r := q.replies[len(q.replies)-1]
	if idx < len(q.replies) {
		r = q.replies[idx]
	}
	q.mu.Unlock()

	select {
	case q.entered <- idx + 1:
	default:
	}
	if r.block != nil {
		<-r.block
	}
	r.st.FieldID = fieldID
	return r.st, r.err
}

func (q *scriptedQuerier) callCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

func cached(v any) reply {
	return reply{st: compute.FieldStatus{State: status.StateCached, Value: v, HasValue: true, CachedAt: time.Now()}}
}

func pending() reply {
	return reply{st: compute.FieldStatus{State: status.StateCalculating}}
}

func transportFailure() reply {
	return reply{err: tserrors.Transport("GET /fields/f1/virtual-info", context.DeadlineExceeded)}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session %s did not finish", s.ID)
	}
}

func TestMonitor_ResolvesOnFirstCachedPoll(t *testing.T) {
	store := status.NewStore()
	q := newScriptedQuerier(cached(7))
	m := New(store, q, Options{})
	key := status.Key("r1", "f1")

	s, err := m.Start(context.Background(), key, 10*time.Millisecond)
	require.NoError(t, err)
	waitDone(t, s)

	assert.Equal(t, SessionResolved, s.State())
	assert.Equal(t, 1, s.Polls())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, q.callCount())
	assert.Equal(t, status.StateCached, store.Get(key).State)
	assert.Equal(t, 7, store.Get(key).Value)
	assert.Empty(t, m.Active())
}

func TestMonitor_RecoversAfterTransientTransportFailures(t *testing.T) {
	store := status.NewStore()
	q := newScriptedQuerier(transportFailure(), transportFailure(), cached(7))
	m := New(store, q, Options{MaxTransportFailures: 3})
	key := status.Key("r1", "f1")

	var mu sync.Mutex
	var states []status.State
	store.Subscribe("r1", func(_ status.FieldKey, st status.Status) {
		mu.Lock()
		states = append(states, st.State)
		mu.Unlock()
	})

	s, err := m.Start(context.Background(), key, 100*time.Millisecond)
	require.NoError(t, err)
	waitDone(t, s)

	assert.Equal(t, 3, q.callCount())
	assert.Equal(t, SessionResolved, s.State())
	assert.Equal(t, status.StateCached, store.Get(key).State)
	assert.Equal(t, 7, store.Get(key).Value)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []status.State{
		status.StateCalculating,
		status.StateErrored,
		status.StateErrored,
		status.StateCached,
	}, states)
}

func TestMonitor_GivesUpAfterConsecutiveTransportFailures(t *testing.T) {
	store := status.NewStore()
	q := newScriptedQuerier(transportFailure())
	m := New(store, q, Options{MaxTransportFailures: 3})
	key := status.Key("r1", "f1")

	s, err := m.Start(context.Background(), key, 10*time.Millisecond)
	require.NoError(t, err)
	waitDone(t, s)

	assert.Equal(t, SessionResolved, s.State())
	assert.Equal(t, 3, q.callCount())

	st := store.Get(key)
	assert.Equal(t, status.StateErrored, st.State)
	assert.Equal(t, tserrors.StatusUnavailable, st.Error)
}

func TestMonitor_SuccessResetsTransportFailureCount(t *testing.T) {
	store := status.NewStore()
	q := newScriptedQuerier(transportFailure(), transportFailure(), pending(), transportFailure(), transportFailure(), cached("ok"))
	m := New(store, q, Options{MaxTransportFailures: 3})

	s, err := m.Start(context.Background(), status.Key("r1", "f1"), 5*time.Millisecond)
	require.NoError(t, err)
	waitDone(t, s)

	assert.Equal(t, 6, q.callCount())
	assert.Equal(t, "ok", store.Get(status.Key("r1", "f1")).Value)
}

func TestMonitor_RemoteErrors(t *testing.T) {
	t.Run("field reports failure", func(t *testing.T) {
		store := status.NewStore()
		q := newScriptedQuerier(pending(), reply{st: compute.FieldStatus{State: status.StateErrored, ErrorMessage: "lookup target unreachable"}})
		s, err := New(store, q, Options{}).Start(context.Background(), status.Key("r1", "f1"), 5*time.Millisecond)
		require.NoError(t, err)
		waitDone(t, s)

		st := store.Get(status.Key("r1", "f1"))
		assert.Equal(t, status.StateErrored, st.State)
		assert.Equal(t, "lookup target unreachable", st.Error)
		assert.Equal(t, 2, q.callCount())
	})

	t.Run("status query rejected", func(t *testing.T) {
		store := status.NewStore()
		q := newScriptedQuerier(reply{err: tserrors.Remote(404, "field not found")})
		s, err := New(store, q, Options{}).Start(context.Background(), status.Key("r1", "f1"), 5*time.Millisecond)
		require.NoError(t, err)
		waitDone(t, s)

		st := store.Get(status.Key("r1", "f1"))
		assert.Equal(t, "field not found", st.Error)
		assert.Equal(t, 1, q.callCount())
	})
}

func TestMonitor_IdleKeepsPollingUntilPollCap(t *testing.T) {
	store := status.NewStore()
	q := newScriptedQuerier(reply{st: compute.FieldStatus{State: status.StateIdle}})
	m := New(store, q, Options{MaxPolls: 4})
	key := status.Key("r1", "f1")

	s, err := m.Start(context.Background(), key, 5*time.Millisecond)
	require.NoError(t, err)
	waitDone(t, s)

	assert.Equal(t, 4, q.callCount())
	assert.Equal(t, status.StateErrored, store.Get(key).State)
	assert.Equal(t, tserrors.StatusUnavailable, store.Get(key).Error)
}

func TestMonitor_CancelledPollResultDiscarded(t *testing.T) {
	store := status.NewStore()
	key := status.Key("r1", "f1")
	release := make(chan struct{})
	q := newScriptedQuerier(
		reply{st: compute.FieldStatus{State: status.StateCached, Value: "stale", HasValue: true}, block: release},
		cached("fresh"),
	)
	m := New(store, q, Options{})

	var mu sync.Mutex
	var values []any
	store.Subscribe("r1", func(_ status.FieldKey, st status.Status) {
		mu.Lock()
		values = append(values, st.Value)
		mu.Unlock()
	})

	s1, err := m.Start(context.Background(), key, 5*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 1, <-q.entered)

	s2, err := m.Start(context.Background(), key, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, SessionCancelled, s1.State())
	waitDone(t, s2)
	assert.Equal(t, "fresh", store.Get(key).Value)

	close(release)
	waitDone(t, s1)

	assert.Equal(t, "fresh", store.Get(key).Value)
	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, values, "stale")
}

func TestMonitor_Stop(t *testing.T) {
	store := status.NewStore()
	q := newScriptedQuerier(pending())
	m := New(store, q, Options{})
	key := status.Key("r1", "f1")

	s, err := m.Start(context.Background(), key, 5*time.Millisecond)
	require.NoError(t, err)
	<-q.entered

	assert.True(t, m.Stop(key))
	waitDone(t, s)
	assert.Equal(t, SessionCancelled, s.State())
	assert.False(t, m.Stop(key))

	calls := q.callCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, q.callCount())
}

func TestMonitor_StartReplacesExistingSession(t *testing.T) {
	store := status.NewStore()
	q := newScriptedQuerier(pending())
	m := New(store, q, Options{})
	key := status.Key("r1", "f1")

	s1, err := m.Start(context.Background(), key, 5*time.Millisecond)
	require.NoError(t, err)
	s2, err := m.Start(context.Background(), key, 5*time.Millisecond)
	require.NoError(t, err)

	waitDone(t, s1)
	assert.True(t, s1.Cancelled())
	assert.Equal(t, []status.FieldKey{key}, m.Active())

	current, ok := m.Session(key)
	require.True(t, ok)
	assert.Equal(t, s2.ID, current.ID)

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestMonitor_ContextCancellationEndsSession(t *testing.T) {
	store := status.NewStore()
	q := newScriptedQuerier(pending())
	m := New(store, q, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	s, err := m.Start(ctx, status.Key("r1", "f1"), 5*time.Millisecond)
	require.NoError(t, err)

	cancel()
	waitDone(t, s)
	assert.Equal(t, SessionCancelled, s.State())
	assert.Empty(t, m.Active())

	st := store.Get(status.Key("r1", "f1"))
	assert.Equal(t, status.StateErrored, st.State)
	assert.Equal(t, tserrors.CalculationCancelled, st.Error)
}

func TestMonitor_ContextCancelledDuringPollReleasesKey(t *testing.T) {
	store := status.NewStore()
	block := make(chan struct{})
	q := newScriptedQuerier(reply{err: context.Canceled, block: block})
	m := New(store, q, Options{})
	key := status.Key("r1", "f1")

	ctx, cancel := context.WithCancel(context.Background())
	s, err := m.Start(ctx, key, 5*time.Millisecond)
	require.NoError(t, err)
	<-q.entered

	cancel()
	close(block)
	waitDone(t, s)

	st := store.Get(key)
	assert.Equal(t, status.StateErrored, st.State)
	assert.Equal(t, tserrors.CalculationCancelled, st.Error)
	assert.Empty(t, m.Active())
}

func TestMonitor_StoppedSessionDoesNotMarkCancelled(t *testing.T) {
	store := status.NewStore()
	q := newScriptedQuerier(pending())
	m := New(store, q, Options{})
	key := status.Key("r1", "f1")

	s, err := m.Start(context.Background(), key, 5*time.Millisecond)
	require.NoError(t, err)
	require.True(t, m.Stop(key))
	waitDone(t, s)

	assert.NotEqual(t, status.StateErrored, store.Get(key).State)
}

func TestMonitor_ShutdownStopsEverything(t *testing.T) {
	store := status.NewStore()
	q := newScriptedQuerier(pending())
	m := New(store, q, Options{})

	for _, fieldID := range []string{"f1", "f2", "f3"} {
		_, err := m.Start(context.Background(), status.Key("r1", fieldID), 5*time.Millisecond)
		require.NoError(t, err)
	}
	assert.Len(t, m.Active(), 3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.Empty(t, m.Active())

	_, err := m.Start(context.Background(), status.Key("r1", "f4"), 0)
	assert.ErrorIs(t, err, tserrors.ErrInternal)
}

func TestMonitor_StopRecord(t *testing.T) {
	store := status.NewStore()
	q := newScriptedQuerier(pending())
	m := New(store, q, Options{})

	_, _ = m.Start(context.Background(), status.Key("r1", "f1"), 5*time.Millisecond)
	_, _ = m.Start(context.Background(), status.Key("r1", "f2"), 5*time.Millisecond)
	_, _ = m.Start(context.Background(), status.Key("r2", "f1"), 5*time.Millisecond)

	assert.Equal(t, 2, m.StopRecord("r1"))
	assert.Equal(t, []status.FieldKey{status.Key("r2", "f1")}, m.Active())
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestMonitor_StartWritesCalculatingImmediately(t *testing.T) {
	store := status.NewStore()
	key := status.Key("r1", "f1")
	store.Set(key, status.Cached("Adult", time.Now()))

	q := newScriptedQuerier(pending())
	m := New(store, q, Options{})
	_, err := m.Start(context.Background(), key, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, status.StateCalculating, store.Get(key).State)
	v, ok := store.Value(key)
	require.True(t, ok)
	assert.Equal(t, "Adult", v)

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestMonitor_InvalidKey(t *testing.T) {
	m := New(status.NewStore(), newScriptedQuerier(pending()), Options{})
	_, err := m.Start(context.Background(), status.Key("", "f1"), 0)
	assert.ErrorIs(t, err, tserrors.ErrInvalidInput)
}
