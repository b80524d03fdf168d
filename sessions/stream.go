package sessions

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/sergiobayona/vector-mcp/eventlog"
)

// Event type tags recorded in the event store.
const (
	// EventTypeMessage tags server notifications and async responses.
	EventTypeMessage = "message"
	// EventTypeRequest tags server-initiated requests (sampling round-trips).
	EventTypeRequest = "request"
)

var (
	// ErrStreamClosed indicates a publish or subscribe against a closed stream.
	ErrStreamClosed = errors.New("stream closed")
	// ErrStreamBusy indicates the stream already has a live consumer.
	ErrStreamBusy = errors.New("stream already has a subscriber")
)

// subscriberBuffer bounds undelivered events per consumer. Overflow is
// recovered from the store, never skipped.
const subscriberBuffer = 64

// Stream is a session's client-facing event channel: an append-only event
// store for replay plus at most one live consumer draining it. Within one
// stream, delivery preserves store insertion order; nothing is promised
// across streams.
type Stream struct {
	sessionID string
	store     eventlog.Store

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool
}

type subscriber struct {
	ch chan eventlog.Event
	// wake signals that at least one event missed the buffer and must be
	// recovered from the store.
	wake chan struct{}
}

// NewStream constructs a Stream over the given event store.
func NewStream(sessionID string, store eventlog.Store) *Stream {
	return &Stream{
		sessionID:   sessionID,
		store:       store,
		subscribers: make(map[*subscriber]struct{}),
	}
}

// SessionID returns the owning session's id.
func (st *Stream) SessionID() string { return st.sessionID }

// HasSubscribers reports whether a live client connection is draining the
// stream right now. Server-initiated requests are only routable when true.
func (st *Stream) HasSubscribers() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return !st.closed && len(st.subscribers) > 0
}

// Publish appends an event to the store and hands it to the live consumer. A
// consumer whose buffer is full is signaled to recover the event from the
// store instead; every retained event reaches the consumer either way.
func (st *Stream) Publish(ctx context.Context, eventType string, data []byte) (eventlog.Event, error) {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return eventlog.Event{}, ErrStreamClosed
	}
	st.mu.Unlock()

	ev, err := st.store.Append(ctx, eventType, data)
	if err != nil {
		return eventlog.Event{}, err
	}

	st.mu.Lock()
	for sub := range st.subscribers {
		select {
		case sub.ch <- ev:
		default:
			select {
			case sub.wake <- struct{}{}:
			default:
			}
		}
	}
	st.mu.Unlock()

	return ev, nil
}

// Subscription is the exclusive hold one consumer has on a stream between
// Attach and Close.
type Subscription struct {
	st      *Stream
	sub     *subscriber
	afterID uint64
	once    sync.Once
}

// Attach reserves the stream for a single consumer and registers its buffer,
// so no event published after this point is missed. At most one consumer may
// hold the stream at a time; a concurrent Attach fails with ErrStreamBusy.
func (st *Stream) Attach(afterID uint64) (*Subscription, error) {
	sub := &subscriber{
		ch:   make(chan eventlog.Event, subscriberBuffer),
		wake: make(chan struct{}, 1),
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, ErrStreamClosed
	}
	if len(st.subscribers) > 0 {
		return nil, ErrStreamBusy
	}
	st.subscribers[sub] = struct{}{}
	return &Subscription{st: st, sub: sub, afterID: afterID}, nil
}

// Subscribe attaches and drains in one call; see Attach and
// Subscription.Drain.
func (st *Stream) Subscribe(ctx context.Context, afterID uint64, handler func(ctx context.Context, ev eventlog.Event) error) error {
	sub, err := st.Attach(afterID)
	if err != nil {
		return err
	}
	return sub.Drain(ctx, handler)
}

// Close releases the subscription's hold on the stream. Idempotent; Drain
// releases it on return as well.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.st.mu.Lock()
		delete(s.st.subscribers, s.sub)
		s.st.mu.Unlock()
	})
}

// Drain replays every retained event with an id greater than the attach
// point, then delivers live events until ctx is canceled or the stream
// closes. An attach point that was evicted (or never existed) degrades to a
// full replay of the retained history. The handler is invoked from the
// calling goroutine, in id order, with no duplicates; events that missed the
// buffer under backpressure are recovered from the store rather than skipped.
func (s *Subscription) Drain(ctx context.Context, handler func(ctx context.Context, ev eventlog.Event) error) error {
	defer s.Close()

	st := s.st
	lastID := s.afterID

	// The buffer was registered in Attach, before this replay: events
	// published meanwhile land in it and are deduplicated below via lastID.
	replay, err := st.store.After(ctx, lastID)
	if err != nil {
		return err
	}
	for _, ev := range replay {
		if err := handler(ctx, ev); err != nil {
			return err
		}
		lastID = ev.ID
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.sub.ch:
			if !ok {
				return ErrStreamClosed
			}
			if ev.ID <= lastID {
				continue
			}
			// Ids are contiguous within one store; a gap means events
			// overflowed the buffer and must be recovered first.
			if ev.ID > lastID+1 {
				lastID, err = s.redeliver(ctx, lastID, handler)
				if err != nil {
					return err
				}
				if ev.ID <= lastID {
					continue
				}
			}
			if err := handler(ctx, ev); err != nil {
				return err
			}
			lastID = ev.ID
		case <-s.sub.wake:
			lastID, err = s.redeliver(ctx, lastID, handler)
			if err != nil {
				return err
			}
		}
	}
}

// redeliver fetches everything retained past lastID from the store and hands
// it to the handler, returning the new high-water mark.
func (s *Subscription) redeliver(ctx context.Context, lastID uint64, handler func(ctx context.Context, ev eventlog.Event) error) (uint64, error) {
	events, err := s.st.store.After(ctx, lastID)
	if err != nil {
		return lastID, err
	}
	for _, ev := range events {
		if ev.ID <= lastID {
			continue
		}
		if err := handler(ctx, ev); err != nil {
			return lastID, err
		}
		lastID = ev.ID
	}
	return lastID, nil
}

// Close tears the stream down, disconnecting the consumer and releasing any
// external resources its store holds. Idempotent.
func (st *Stream) Close() {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	subs := make([]*subscriber, 0, len(st.subscribers))
	for sub := range st.subscribers {
		subs = append(subs, sub)
	}
	st.subscribers = make(map[*subscriber]struct{})
	st.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}

	if d, ok := st.store.(eventlog.Destroyer); ok {
		_ = d.Destroy(context.Background())
	}
	if c, ok := st.store.(io.Closer); ok {
		_ = c.Close()
	}
}
