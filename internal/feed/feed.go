// Package feed is an in-memory observation feed of what the supervisor does.
// It backs the API's server-sent events stream and the monitor.
package feed

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Entry kinds published by the supervisor.
const (
	KindEmitted    = "event.emitted"
	KindDropped    = "event.dropped"
	KindTranslated = "event.translated"
	KindUnmapped   = "event.unmapped"
	KindPhase      = "supervisor.phase"
	KindBusy       = "supervisor.busy"
	KindIdle       = "supervisor.idle"
	KindRemoved    = "plugin.removed"
	KindMapChanged = "eventmap.changed"
)

// Entry is one published observation.
type Entry struct {
	ID   int64           `json:"id"`
	Kind string          `json:"kind"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Entry
	start int
	size  int

	subs      map[int]chan Entry
	nextSubID int
}

// NewHub returns a hub remembering the last capacity entries.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Entry, capacity),
		subs: make(map[int]chan Entry),
	}
}

// Publish records data under kind and fans it out. Slow subscribers miss
// entries rather than block the publisher.
func (h *Hub) Publish(kind string, data any) {
	id := h.nextID.Add(1)

	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	e := Entry{
		ID:   id,
		Kind: kind,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	h.pushLocked(e)
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe returns a channel of new entries and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Entry, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Entry, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// SnapshotSince returns buffered entries with ID > lastID, oldest first.
// If lastID is 0, the full ring buffer is returned.
func (h *Hub) SnapshotSince(lastID int64) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Entry, 0, h.size)
	for i := 0; i < h.size; i++ {
		e := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || e.ID > lastID {
			out = append(out, e)
		}
	}
	return out
}

func (h *Hub) pushLocked(e Entry) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = e
		h.size++
		return
	}
	// Overwrite oldest.
	h.ring[h.start] = e
	h.start = (h.start + 1) % capacity
}
