package status

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	tserrors "github.com/harunnryd/tablesync/internal/errors"
)

type entry struct {
	status   Status
	value    any
	hasValue bool
	issued   uint64
	applied  uint64
}

// Store maps FieldKeys to their computation status.
//
// Writers obtain a sequence number with NextSeq when they issue a request and
// hand it back to Apply when the request resolves. A write whose sequence is
// lower than the last applied one for the key is dropped with ErrStaleWrite,
// so a slow superseded request can never revert fresher state.
//
// The mutex is never held across a listener call or a network round-trip.
// Listeners run in apply order and must not write to the store themselves.
type Store struct {
	mu      sync.Mutex
	records map[string]map[string]*entry
	subs    map[string]map[uint64]Listener
	nextSub uint64

	notifyMu sync.Mutex
}

func NewStore() *Store {
	return &Store{
		records: make(map[string]map[string]*entry),
		subs:    make(map[string]map[uint64]Listener),
	}
}

// Get returns the status for key, or Idle when the key was never referenced.
func (s *Store) Get(key FieldKey) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.lookup(key); e != nil {
		return e.status
	}
	return Idle()
}

// Value returns the last known-good value for key, independent of its current state.
func (s *Store) Value(key FieldKey) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.lookup(key); e != nil && e.hasValue {
		return e.value, true
	}
	return nil, false
}

// NextSeq issues the next sequence number for key. Call it when the request
// is issued, not when it resolves.
func (s *Store) NextSeq(key FieldKey) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.materialize(key)
	e.issued++
	return e.issued
}

// Apply writes st for key if seq is not older than the last applied write.
func (s *Store) Apply(key FieldKey, seq uint64, st Status) error {
	s.mu.Lock()
	e := s.materialize(key)
	if seq < e.applied {
		applied := e.applied
		s.mu.Unlock()
		slog.Debug("Stale status write discarded", "key", key.String(), "seq", seq, "applied", applied, "state", st.State)
		return fmt.Errorf("%s seq %d < %d: %w", key, seq, applied, tserrors.ErrStaleWrite)
	}

	if seq > e.issued {
		e.issued = seq
	}
	e.applied = seq
	st.Seq = seq
	if st.State != StateCached {
		st.Value = nil
	} else {
		e.value = st.Value
		e.hasValue = true
	}
	e.status = st
	listeners := s.listenersLocked(key.RecordID)

	// Take notifyMu before releasing mu so notifications keep apply order.
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	for _, l := range listeners {
		l(key, st)
	}
	return nil
}

// Set overwrites the status for key. It always wins over requests issued
// before the call.
func (s *Store) Set(key FieldKey, st Status) {
	seq := s.NextSeq(key)
	if err := s.Apply(key, seq, st); err != nil {
		slog.Debug("Status set discarded", "key", key.String(), "error", err)
	}
}

// Subscribe registers l for every status change of recordID's fields.
func (s *Store) Subscribe(recordID string, l Listener) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSub++
	id := s.nextSub
	if s.subs[recordID] == nil {
		s.subs[recordID] = make(map[uint64]Listener)
	}
	s.subs[recordID][id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs[recordID], id)
			if len(s.subs[recordID]) == 0 {
				delete(s.subs, recordID)
			}
		})
	}
}

// Record returns a copy of every known status of recordID keyed by field ID.
func (s *Store) Record(recordID string) map[string]Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields := s.records[recordID]
	out := make(map[string]Status, len(fields))
	for fieldID, e := range fields {
		out[fieldID] = e.status
	}
	return out
}

// Records lists the record IDs that have at least one entry.
func (s *Store) Records() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DropRecord evicts every entry of recordID. Requests still in flight for
// the record will materialize fresh entries when they resolve.
func (s *Store) DropRecord(recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, recordID)
}

// Snapshot returns every entry ordered by key.
func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0)
	for recordID, fields := range s.records {
		for fieldID, e := range fields {
			entries = append(entries, Entry{
				Key:      Key(recordID, fieldID),
				State:    e.status.State,
				Value:    e.value,
				HasValue: e.hasValue,
				CachedAt: e.status.CachedAt,
				Error:    e.status.Error,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key.String() < entries[j].Key.String()
	})
	return entries
}

// Restore loads entries into an empty key space. Entries that were
// calculating when the snapshot was taken come back idle, since nothing in
// this process is waiting on them.
func (s *Store) Restore(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, in := range entries {
		if in.Key.RecordID == "" || in.Key.FieldID == "" {
			continue
		}
		e := s.materialize(in.Key)
		if e.issued > 0 {
			continue
		}

		switch in.State {
		case StateCached:
			e.status = Status{State: StateCached, Value: in.Value, CachedAt: in.CachedAt}
		case StateErrored:
			e.status = Errored(in.Error)
		default:
			e.status = Idle()
		}
		e.value = in.Value
		e.hasValue = in.HasValue
	}
}

func (s *Store) lookup(key FieldKey) *entry {
	fields, ok := s.records[key.RecordID]
	if !ok {
		return nil
	}
	return fields[key.FieldID]
}

func (s *Store) materialize(key FieldKey) *entry {
	fields, ok := s.records[key.RecordID]
	if !ok {
		fields = make(map[string]*entry)
		s.records[key.RecordID] = fields
	}
	e, ok := fields[key.FieldID]
	if !ok {
		e = &entry{status: Idle()}
		fields[key.FieldID] = e
	}
	return e
}

func (s *Store) listenersLocked(recordID string) []Listener {
	subs := s.subs[recordID]
	if len(subs) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, subs[id])
	}
	return out
}
