package status

import (
	"fmt"
	"time"
)

type State string

const (
	StateIdle        State = "idle"
	StateCalculating State = "calculating"
	StateCached      State = "cached"
	StateErrored     State = "errored"
)

// Terminal reports whether s ends a request lifecycle.
func (s State) Terminal() bool {
	return s == StateCached || s == StateErrored
}

// FieldKey identifies one derived field of one record.
type FieldKey struct {
	RecordID string `json:"record_id"`
	FieldID  string `json:"field_id"`
}

func Key(recordID, fieldID string) FieldKey {
	return FieldKey{RecordID: recordID, FieldID: fieldID}
}

func (k FieldKey) String() string {
	return fmt.Sprintf("%s/%s", k.RecordID, k.FieldID)
}

// Status is the computation status of a single FieldKey. Value is only set
// for cached statuses; the last known-good value survives later writes and
// is read with Store.Value.
type Status struct {
	State    State     `json:"state"`
	Value    any       `json:"value,omitempty"`
	CachedAt time.Time `json:"cached_at,omitempty"`
	Error    string    `json:"error,omitempty"`
	Seq      uint64    `json:"seq"`
}

func Idle() Status {
	return Status{State: StateIdle}
}

func Calculating() Status {
	return Status{State: StateCalculating}
}

func Cached(value any, at time.Time) Status {
	return Status{State: StateCached, Value: value, CachedAt: at}
}

func Errored(message string) Status {
	return Status{State: StateErrored, Error: message}
}

// Listener receives every applied status change of the record it subscribed to.
type Listener func(key FieldKey, st Status)

// Entry is the persisted form of one store entry.
type Entry struct {
	Key      FieldKey  `json:"key"`
	State    State     `json:"state"`
	Value    any       `json:"value,omitempty"`
	HasValue bool      `json:"has_value,omitempty"`
	CachedAt time.Time `json:"cached_at,omitempty"`
	Error    string    `json:"error,omitempty"`
}
