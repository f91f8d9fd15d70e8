package compute

import (
	"encoding/json"
	"strings"
	"time"

	tserrors "github.com/harunnryd/tablesync/internal/errors"
	"github.com/harunnryd/tablesync/internal/status"
)

// CalculateOptions controls a single compute request.
type CalculateOptions struct {
	// Force asks the remote side to recompute even when a cached value exists.
	Force bool
}

// Outcome is the result of a compute request. Failures never surface as Go
// errors from RequestCompute; Err carries a transport or remote category instead.
type Outcome struct {
	FieldID         string
	Success         bool
	Message         string
	CalculatedCount int
	Values          map[string]any
	Err             error
}

// ValueFor returns the computed value the remote side reported for recordID.
func (o Outcome) ValueFor(recordID string) (any, bool) {
	if o.Values == nil {
		return nil, false
	}
	v, ok := o.Values[recordID]
	return v, ok
}

// ErrorMessage returns the user-facing failure description.
func (o Outcome) ErrorMessage() string {
	if o.Success {
		return ""
	}
	if msg := tserrors.UserMessage(o.Err); msg != "" {
		return msg
	}
	if o.Message != "" {
		return o.Message
	}
	return "calculation failed"
}

// FieldStatus is the remote view of a derived field's computation.
type FieldStatus struct {
	FieldID      string
	State        status.State
	CachedAt     time.Time
	ErrorMessage string
	Value        any
	HasValue     bool
}

// Record is a stored record as returned by the remote service.
type Record struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// UpdatedRecord is the response to a record mutation. RecomputedFields lists the
// derived fields the remote side recomputed while applying the edit.
type UpdatedRecord struct {
	Record           Record
	RecomputedFields []string
}

// BatchRefreshResult is the response to a batch refresh of whole records.
type BatchRefreshResult struct {
	Success        bool
	RefreshedCount int
	Message        string
}

// --- wire formats ---

type calculateRequest struct {
	Force bool `json:"force"`
}

type calculateResponse struct {
	Success         bool           `json:"success"`
	Message         string         `json:"message,omitempty"`
	CalculatedCount int            `json:"calculated_count,omitempty"`
	Values          map[string]any `json:"values,omitempty"`
}

type virtualInfoResponse struct {
	IsPending        bool            `json:"is_pending"`
	HasError         bool            `json:"has_error"`
	LastCalculatedAt string          `json:"last_calculated_at"`
	ErrorMessage     string          `json:"error_message"`
	Value            json.RawMessage `json:"value,omitempty"`
}

type updateResponse struct {
	Record Record `json:"record"`
	Meta   struct {
		RecomputedFields []string `json:"recomputed_fields"`
	} `json:"meta"`
}

type batchRefreshRequest struct {
	RecordIDs []string `json:"record_ids"`
}

type batchRefreshResponse struct {
	Success        bool   `json:"success"`
	RefreshedCount int    `json:"refreshed_count"`
	Message        string `json:"message,omitempty"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05",
}

func parseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func (r virtualInfoResponse) toFieldStatus(fieldID string) FieldStatus {
	fs := FieldStatus{FieldID: fieldID}
	cachedAt, calculated := parseTimestamp(r.LastCalculatedAt)

	switch {
	case r.IsPending:
		fs.State = status.StateCalculating
	case r.HasError:
		fs.State = status.StateErrored
		fs.ErrorMessage = r.ErrorMessage
		if fs.ErrorMessage == "" {
			fs.ErrorMessage = "calculation failed"
		}
	case calculated:
		fs.State = status.StateCached
		fs.CachedAt = cachedAt
	default:
		fs.State = status.StateIdle
	}

	if len(r.Value) > 0 && string(r.Value) != "null" {
		var v any
		if err := json.Unmarshal(r.Value, &v); err == nil {
			fs.Value = v
			fs.HasValue = true
		}
	}
	return fs
}
