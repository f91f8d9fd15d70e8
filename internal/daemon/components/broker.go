package components

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/tablesync/internal/status"
)

// statusEvent is the SSE payload for one applied status change.
type statusEvent struct {
	RecordID string       `json:"record_id"`
	FieldID  string       `json:"field_id"`
	State    status.State `json:"state"`
	Value    any          `json:"value,omitempty"`
	CachedAt *time.Time   `json:"cached_at,omitempty"`
	Error    string       `json:"error,omitempty"`
	Seq      uint64       `json:"seq"`
}

type subscription struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
	unsub  func()
}

func (s *subscription) send(event []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		// Slow reader: drop rather than stall the store's notifications.
	}
}

func (s *subscription) close() {
	s.unsub()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Broker fans status changes of the store out to SSE subscribers, one
// store listener per subscriber.
type Broker struct {
	store *status.Store

	mu          sync.Mutex
	subscribers map[chan []byte]*subscription
}

func NewBroker(store *status.Store) *Broker {
	return &Broker{
		store:       store,
		subscribers: make(map[chan []byte]*subscription),
	}
}

// Subscribe returns a channel of SSE-formatted status events for recordID.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(recordID string) chan []byte {
	sub := &subscription{ch: make(chan []byte, 64)}
	sub.unsub = b.store.Subscribe(recordID, func(key status.FieldKey, st status.Status) {
		event, err := formatStatusEvent(key, st)
		if err != nil {
			slog.Warn("broker: encode status event", "key", key.String(), "error", err)
			return
		}
		sub.send(event)
	})

	b.mu.Lock()
	b.subscribers[sub.ch] = sub
	b.mu.Unlock()
	return sub.ch
}

// Unsubscribe detaches ch from the store and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	sub, ok := b.subscribers[ch]
	delete(b.subscribers, ch)
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// CloseAll ends every subscription so streaming handlers return.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subscribers))
	for ch, sub := range b.subscribers {
		subs = append(subs, sub)
		delete(b.subscribers, ch)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func formatStatusEvent(key status.FieldKey, st status.Status) ([]byte, error) {
	ev := statusEvent{
		RecordID: key.RecordID,
		FieldID:  key.FieldID,
		State:    st.State,
		Value:    st.Value,
		Error:    st.Error,
		Seq:      st.Seq,
	}
	if !st.CachedAt.IsZero() {
		at := st.CachedAt
		ev.CachedAt = &at
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return formatSSE("status", payload), nil
}

func formatSSE(eventType string, data []byte) []byte {
	out := make([]byte, 0, len(eventType)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, eventType...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	out = append(out, "\n\n"...)
	return out
}
