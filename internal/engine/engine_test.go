package engine

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/tablesync/internal/compute"
	"github.com/harunnryd/tablesync/internal/config"
	tserrors "github.com/harunnryd/tablesync/internal/errors"
	"github.com/harunnryd/tablesync/internal/status"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	mu         sync.Mutex
	computed   []string
	queried    []string
	refreshed  [][]string
	values     map[string]any
	updateResp *compute.UpdatedRecord
	updateErr  error
}

func (f *fakeRemote) RequestCompute(_ context.Context, fieldID string, _ compute.CalculateOptions) compute.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.computed = append(f.computed, fieldID)
	return compute.Outcome{FieldID: fieldID, Success: true, Values: map[string]any{"r1": f.values[fieldID]}}
}

func (f *fakeRemote) QueryStatus(_ context.Context, fieldID string) (compute.FieldStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queried = append(f.queried, fieldID)
	return compute.FieldStatus{FieldID: fieldID, State: status.StateCached, Value: f.values[fieldID], HasValue: true, CachedAt: time.Now()}, nil
}

func (f *fakeRemote) UpdateRecord(_ context.Context, _ string, _ map[string]any) (*compute.UpdatedRecord, error) {
	return f.updateResp, f.updateErr
}

func (f *fakeRemote) BatchRefresh(_ context.Context, recordIDs []string) (*compute.BatchRefreshResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, recordIDs)
	return &compute.BatchRefreshResult{Success: true, RefreshedCount: len(recordIDs)}, nil
}

func (f *fakeRemote) computedFields() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.computed...)
	sort.Strings(out)
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Remote:   config.RemoteConfig{BaseURL: "http://localhost:8000/api"},
		Dispatch: config.DispatchConfig{Force: true},
		Monitor:  config.MonitorConfig{PollInterval: "5ms", MaxTransportFailures: 3},
	}
}

func newTestEngine(t *testing.T, remote *fakeRemote) *Engine {
	t.Helper()
	e, err := New(testConfig(), WithClient(remote))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func TestNew(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, tserrors.ErrInvalidInput)

	e, err := New(testConfig())
	require.NoError(t, err)
	assert.NotNil(t, e.Store())
	assert.True(t, e.DefaultForce())
	require.NoError(t, e.Close(context.Background()))

	cfg := testConfig()
	cfg.Monitor.PollInterval = "often"
	_, err = New(cfg, WithClient(&fakeRemote{}))
	assert.Error(t, err)
}

func TestEditAndRefresh_DispatchesOnlyFieldsNotRecomputed(t *testing.T) {
	remote := &fakeRemote{
		values: map[string]any{"total": 99, "summary": "ok"},
		updateResp: &compute.UpdatedRecord{
			Record:           compute.Record{ID: "r1", Fields: map[string]any{"category": "Adult"}},
			RecomputedFields: []string{"category"},
		},
	}
	e := newTestEngine(t, remote)

	res, err := e.EditAndRefresh(context.Background(), "r1", map[string]any{"age": 30}, []string{"category", "total", "summary"})
	require.NoError(t, err)
	require.NotNil(t, res.Dispatch)
	assert.True(t, res.Dispatch.AllSucceeded)

	assert.Equal(t, []string{"summary", "total"}, remote.computedFields())
	assert.Equal(t, "Adult", e.Store().Get(status.Key("r1", "category")).Value)
	assert.Equal(t, 99, e.Store().Get(status.Key("r1", "total")).Value)
}

func TestEditAndRefresh_NothingPending(t *testing.T) {
	remote := &fakeRemote{updateResp: &compute.UpdatedRecord{
		Record:           compute.Record{ID: "r1", Fields: map[string]any{"category": "Adult"}},
		RecomputedFields: []string{"category"},
	}}
	e := newTestEngine(t, remote)

	res, err := e.EditAndRefresh(context.Background(), "r1", map[string]any{"age": 30}, []string{"category"})
	require.NoError(t, err)
	assert.Nil(t, res.Dispatch)
	assert.Empty(t, remote.computedFields())
}

func TestEditAndRefresh_UpdateFailure(t *testing.T) {
	remote := &fakeRemote{updateErr: tserrors.Remote(400, "invalid age")}
	e := newTestEngine(t, remote)

	_, err := e.EditAndRefresh(context.Background(), "r1", map[string]any{"age": -1}, []string{"category"})
	assert.True(t, tserrors.IsRemote(err))
	assert.Empty(t, remote.computedFields())
}

func TestWatch_ResolvesThroughStore(t *testing.T) {
	remote := &fakeRemote{values: map[string]any{"f1": 7}}
	e := newTestEngine(t, remote)

	s, err := e.Watch(status.Key("r1", "f1"), 0)
	require.NoError(t, err)
	require.NoError(t, s.Wait(context.Background()))

	assert.Equal(t, 7, e.Store().Get(status.Key("r1", "f1")).Value)
	assert.False(t, e.Unwatch(status.Key("r1", "f1")))
}

func TestRefreshRecords_WatchesKnownFields(t *testing.T) {
	remote := &fakeRemote{values: map[string]any{"f1": "new", "f2": "other"}}
	e := newTestEngine(t, remote)
	e.Store().Set(status.Key("r1", "f1"), status.Cached("old", time.Now()))
	e.Store().Set(status.Key("r1", "f2"), status.Cached("old", time.Now()))

	res, err := e.RefreshRecords(context.Background(), []string{"r1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RefreshedCount)

	assert.Eventually(t, func() bool {
		return e.Store().Get(status.Key("r1", "f1")).Value == "new" &&
			e.Store().Get(status.Key("r1", "f2")).Value == "other"
	}, time.Second, 5*time.Millisecond)
}

func TestClose_RejectsNewWatches(t *testing.T) {
	e, err := New(testConfig(), WithClient(&fakeRemote{}))
	require.NoError(t, err)
	require.NoError(t, e.Close(context.Background()))

	_, err = e.Watch(status.Key("r1", "f1"), 0)
	assert.Error(t, err)
}

func TestQueryStatus_LeavesStoreUntouched(t *testing.T) {
	remote := &fakeRemote{values: map[string]any{"f1": 3}}
	e := newTestEngine(t, remote)

	got, err := e.QueryStatus(context.Background(), status.Key("r1", "f1"))
	require.NoError(t, err)
	assert.Equal(t, status.StateCached, got.State)
	assert.Equal(t, 3, got.Value)
	assert.Equal(t, status.StateIdle, e.Store().Get(status.Key("r1", "f1")).State)

	_, err = e.QueryStatus(context.Background(), status.Key("r1", ""))
	assert.ErrorIs(t, err, tserrors.ErrInvalidInput)
}
