package sessions

import (
	"errors"
	"sync"
	"time"
)

// ErrSessionExists indicates a registration collision on session id.
var ErrSessionExists = errors.New("session already registered")

// Registry owns every live session and its stream. Lookup is always by
// explicit session id; the registry never hands out "some" session, so
// insertion order cannot leak into routing decisions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	streams  map[string]*Stream
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		streams:  make(map[string]*Stream),
	}
}

// Register adds a session. The id must be unique within the registry.
func (r *Registry) Register(sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sess.ID()]; exists {
		return ErrSessionExists
	}
	r.sessions[sess.ID()] = sess
	return nil
}

// Lookup returns the session for the id, if registered.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// AttachStream binds a stream to the session id. A session without a stream
// is valid (handshake-only); server-initiated requests against it fail fast.
func (r *Registry) AttachStream(id string, st *Stream) {
	r.mu.Lock()
	r.streams[id] = st
	r.mu.Unlock()
}

// StreamFor returns the stream bound to the session id, if any.
func (r *Registry) StreamFor(id string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.streams[id]
	return st, ok
}

// ActiveStreamFor returns the session's stream only when a live subscriber
// is currently draining it.
func (r *Registry) ActiveStreamFor(id string) (*Stream, bool) {
	st, ok := r.StreamFor(id)
	if !ok || !st.HasSubscribers() {
		return nil, false
	}
	return st, true
}

// Remove terminates and unregisters the session, closing its stream and
// waking any goroutines blocked on its pending requests. Removing an unknown
// id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	sess := r.sessions[id]
	st := r.streams[id]
	delete(r.sessions, id)
	delete(r.streams, id)
	r.mu.Unlock()

	if sess != nil {
		sess.Terminate()
	}
	if st != nil {
		st.Close()
	}
}

// ExpireIdle removes every session idle for longer than ttl, except those
// with a live stream subscriber. Returns the number removed.
func (r *Registry) ExpireIdle(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	var stale []string
	r.mu.RLock()
	for id, sess := range r.sessions {
		if st, ok := r.streams[id]; ok && st.HasSubscribers() {
			continue
		}
		if sess.LastAccess().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.Remove(id)
	}
	return len(stale)
}

// All returns a snapshot of every registered session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
