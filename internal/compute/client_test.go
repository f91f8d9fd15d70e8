package compute

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	tserrors "github.com/harunnryd/tablesync/internal/errors"
	"github.com/harunnryd/tablesync/internal/status"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, baseURL string, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{BaseURL: baseURL, TableID: "t1", Timeout: 2 * time.Second}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := NewClient(opts)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Options{})
	assert.ErrorIs(t, err, tserrors.ErrInvalidInput)

	_, err = NewClient(Options{BaseURL: "not a url"})
	assert.ErrorIs(t, err, tserrors.ErrInvalidInput)

	c, err := NewClient(Options{BaseURL: "http://localhost:8000/api/"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000/api", c.baseURL)
	assert.Equal(t, 30*time.Second, c.timeout)
}

func TestRequestCompute_Success(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/fields/f1/calculate", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

		var body calculateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Force)

		writeJSON(w, http.StatusOK, map[string]any{
			"success":          true,
			"calculated_count": 1,
			"values":           map[string]any{"r1": 42},
		})
	})

	c := newTestClient(t, srv.URL, func(o *Options) { o.Token = "secret" })
	out := c.RequestCompute(context.Background(), "f1", CalculateOptions{Force: true})

	require.NoError(t, out.Err)
	assert.True(t, out.Success)
	assert.Equal(t, 1, out.CalculatedCount)
	v, ok := out.ValueFor("r1")
	require.True(t, ok)
	assert.Equal(t, float64(42), v)
	assert.Empty(t, out.ErrorMessage())
}

func TestRequestCompute_NoTokenOmitsAuthorization(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})

	out := newTestClient(t, srv.URL, nil).RequestCompute(context.Background(), "f1", CalculateOptions{})
	assert.True(t, out.Success)
}

func TestRequestCompute_EnvelopeUnwrapped(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"data": map[string]any{"success": true, "values": map[string]any{"r1": "Adult"}},
		})
	})

	out := newTestClient(t, srv.URL, nil).RequestCompute(context.Background(), "f1", CalculateOptions{})
	require.True(t, out.Success)
	v, _ := out.ValueFor("r1")
	assert.Equal(t, "Adult", v)
}

func TestRequestCompute_RemoteFailure(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "division by zero"})
	})

	out := newTestClient(t, srv.URL, nil).RequestCompute(context.Background(), "f2", CalculateOptions{})
	assert.False(t, out.Success)
	assert.True(t, tserrors.IsRemote(out.Err))
	assert.Equal(t, "division by zero", out.ErrorMessage())
}

func TestRequestCompute_HTTPErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      any
		transport bool
		message   string
	}{
		{name: "server error with error field", status: http.StatusInternalServerError, body: map[string]any{"error": "formula invalid"}, message: "formula invalid"},
		{name: "bad request with detail", status: http.StatusBadRequest, body: map[string]any{"detail": "unknown field"}, message: "unknown field"},
		{name: "nested error object", status: http.StatusUnprocessableEntity, body: map[string]any{"error": map[string]any{"message": "bad type"}}, message: "bad type"},
		{name: "service unavailable", status: http.StatusServiceUnavailable, body: map[string]any{"message": "down"}, transport: true},
		{name: "bad gateway", status: http.StatusBadGateway, body: nil, transport: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})

			out := newTestClient(t, srv.URL, nil).RequestCompute(context.Background(), "f1", CalculateOptions{})
			require.Error(t, out.Err)
			assert.False(t, out.Success)
			if tt.transport {
				assert.True(t, tserrors.IsTransport(out.Err))
				assert.False(t, tserrors.IsRemote(out.Err))
				return
			}
			assert.True(t, tserrors.IsRemote(out.Err))
			assert.Equal(t, tt.message, out.ErrorMessage())
		})
	}
}

func TestRequestCompute_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	c := newTestClient(t, srv.URL, func(o *Options) { o.Timeout = 50 * time.Millisecond })
	out := c.RequestCompute(context.Background(), "f1", CalculateOptions{})
	assert.True(t, tserrors.IsTransport(out.Err))
}

func TestRequestCompute_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	out := newTestClient(t, url, nil).RequestCompute(context.Background(), "f1", CalculateOptions{})
	assert.True(t, tserrors.IsTransport(out.Err))
	assert.True(t, tserrors.IsRetryable(out.Err))
}

func TestRequestCompute_EmptyFieldID(t *testing.T) {
	out := newTestClient(t, "http://localhost:1", nil).RequestCompute(context.Background(), " ", CalculateOptions{})
	assert.ErrorIs(t, out.Err, tserrors.ErrInvalidInput)
}

func TestQueryStatus_Mapping(t *testing.T) {
	tests := []struct {
		name     string
		body     map[string]any
		state    status.State
		errMsg   string
		hasValue bool
	}{
		{name: "pending", body: map[string]any{"is_pending": true}, state: status.StateCalculating},
		{name: "pending wins over old error", body: map[string]any{"is_pending": true, "has_error": true, "error_message": "old"}, state: status.StateCalculating},
		{name: "errored", body: map[string]any{"has_error": true, "error_message": "lookup target unreachable"}, state: status.StateErrored, errMsg: "lookup target unreachable"},
		{name: "cached", body: map[string]any{"last_calculated_at": "2026-10-01T12:00:00Z", "value": 42}, state: status.StateCached, hasValue: true},
		{name: "cached naive timestamp", body: map[string]any{"last_calculated_at": "2026-10-01T12:00:00.123456"}, state: status.StateCached},
		{name: "never calculated", body: map[string]any{}, state: status.StateIdle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/fields/f1/virtual-info", r.URL.Path)
				writeJSON(w, http.StatusOK, tt.body)
			})

			fs, err := newTestClient(t, srv.URL, nil).QueryStatus(context.Background(), "f1")
			require.NoError(t, err)
			assert.Equal(t, tt.state, fs.State)
			assert.Equal(t, tt.errMsg, fs.ErrorMessage)
			assert.Equal(t, tt.hasValue, fs.HasValue)
			if tt.state == status.StateCached {
				assert.False(t, fs.CachedAt.IsZero())
			}
		})
	}
}

func TestQueryStatus_TransportFailure(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusGatewayTimeout, nil)
	})

	_, err := newTestClient(t, srv.URL, nil).QueryStatus(context.Background(), "f1")
	assert.True(t, tserrors.IsTransport(err))
}

func TestUpdateRecord(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/records/r1/with-virtual-fields", r.URL.Path)
		assert.Equal(t, "t1", r.URL.Query().Get("table_id"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(20), body["age"])

		writeJSON(w, http.StatusOK, map[string]any{
			"record": map[string]any{"id": "r1", "fields": map[string]any{"age": 20, "category": "Adult"}},
			"meta":   map[string]any{"recomputed_fields": []string{"category"}},
		})
	})

	updated, err := newTestClient(t, srv.URL, nil).UpdateRecord(context.Background(), "r1", map[string]any{"age": 20})
	require.NoError(t, err)
	assert.Equal(t, "r1", updated.Record.ID)
	assert.Equal(t, "Adult", updated.Record.Fields["category"])
	assert.Equal(t, []string{"category"}, updated.RecomputedFields)
}

func TestUpdateRecord_NotFound(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "record not found"})
	})

	_, err := newTestClient(t, srv.URL, nil).UpdateRecord(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, tserrors.ErrNotFound)
	assert.True(t, tserrors.IsRemote(err))
	assert.Equal(t, "record not found", tserrors.UserMessage(err))
}

func TestBatchRefresh(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/records/batch-refresh-virtual-fields", r.URL.Path)

		var body batchRefreshRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"r1", "r2"}, body.RecordIDs)

		writeJSON(w, http.StatusOK, map[string]any{"success": true, "refreshed_count": 2})
	})

	res, err := newTestClient(t, srv.URL, nil).BatchRefresh(context.Background(), []string{"r1", "r2"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.RefreshedCount)

	_, err = newTestClient(t, srv.URL, nil).BatchRefresh(context.Background(), nil)
	assert.ErrorIs(t, err, tserrors.ErrInvalidInput)
}

func TestBatchRefresh_Unsuccessful(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "table locked"})
	})

	res, err := newTestClient(t, srv.URL, nil).BatchRefresh(context.Background(), []string{"r1"})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, "table locked", tserrors.UserMessage(err))
}
