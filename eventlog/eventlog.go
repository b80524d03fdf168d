// Package eventlog provides the replayable event store backing each
// session's client-facing stream. Events carry monotonically increasing ids
// that are never reused, so a reconnecting client can hand back the last id
// it saw and receive exactly the retained events newer than it.
package eventlog

import (
	"context"
	"sync"
)

// Event is a single replayable stream event.
type Event struct {
	// ID increases monotonically for the life of the store and is never
	// reused, even after the event is evicted.
	ID uint64
	// Type is a short tag distinguishing notification events from
	// server-initiated request events.
	Type string
	// Data is the opaque serialized payload.
	Data []byte
}

// Store is the event store contract shared by the in-memory ring buffer and
// the Redis-backed implementation.
type Store interface {
	// Append stores an event and returns it with its assigned id.
	Append(ctx context.Context, eventType string, data []byte) (Event, error)
	// After returns, in ascending id order, every retained event with an id
	// strictly greater than afterID. An afterID of zero (or one that has been
	// evicted) yields the full retained history rather than an error.
	After(ctx context.Context, afterID uint64) ([]Event, error)
	// Exists reports whether the event with the given id is still retained.
	Exists(ctx context.Context, id uint64) (bool, error)
	// Len returns the number of currently retained events.
	Len(ctx context.Context) (int, error)
}

// Destroyer is implemented by stores that hold external resources (keys,
// connections) which must be released when the owning session ends. Callers
// that tear a store down should check for it alongside io.Closer.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

// Log is a fixed-capacity, append-only ring buffer of events. Insertion
// beyond capacity evicts the oldest event; its id becomes permanently
// unknown. Safe for concurrent producers and readers.
type Log struct {
	mu       sync.RWMutex
	events   []Event // ring storage, len == capacity once full
	capacity int
	head     int    // index of the oldest retained event
	size     int    // number of retained events
	nextID   uint64 // id the next Append will assign
}

var _ Store = (*Log)(nil)

const DefaultCapacity = 1024

// NewLog constructs a ring-buffer Log with the given capacity. Capacities
// below one fall back to DefaultCapacity.
func NewLog(capacity int) *Log {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Log{
		events:   make([]Event, capacity),
		capacity: capacity,
		nextID:   1,
	}
}

// Append implements Store.
func (l *Log) Append(ctx context.Context, eventType string, data []byte) (Event, error) {
	ev := Event{Type: eventType, Data: append([]byte(nil), data...)}

	l.mu.Lock()
	ev.ID = l.nextID
	l.nextID++
	if l.size < l.capacity {
		l.events[(l.head+l.size)%l.capacity] = ev
		l.size++
	} else {
		// Full: overwrite the oldest slot and advance the head.
		l.events[l.head] = ev
		l.head = (l.head + 1) % l.capacity
	}
	l.mu.Unlock()

	return ev, nil
}

// After implements Store.
func (l *Log) After(ctx context.Context, afterID uint64) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, 0, l.size)
	for i := 0; i < l.size; i++ {
		ev := l.events[(l.head+i)%l.capacity]
		if ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Exists implements Store.
func (l *Log) Exists(ctx context.Context, id uint64) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.size == 0 {
		return false, nil
	}
	oldest := l.events[l.head].ID
	newest := oldest + uint64(l.size) - 1
	return id >= oldest && id <= newest, nil
}

// Len implements Store.
func (l *Log) Len(ctx context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size, nil
}
