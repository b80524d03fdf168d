package sessions

import (
	"errors"
	"sync"
	"time"

	"github.com/sergiobayona/vector-mcp/internal/jsonrpc"
	"github.com/sergiobayona/vector-mcp/mcp"
)

var (
	// ErrSessionNotFound indicates the session id is unknown or revoked.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionTerminated indicates the session was deleted or its stream
	// closed while an operation was in flight.
	ErrSessionTerminated = errors.New("session terminated")
	// ErrNoStreamingSession indicates a server-initiated request could not be
	// routed because the session has no open stream.
	ErrNoStreamingSession = errors.New("no streaming session available")
	// ErrRequestTimeout indicates the client did not answer a
	// server-initiated request before its deadline.
	ErrRequestTimeout = errors.New("timed out waiting for client response")
	// ErrPendingExists indicates a waiter is already registered for the id.
	ErrPendingExists = errors.New("pending request already registered")
	// ErrNotInitialized indicates a transition or request arrived before the
	// handshake completed.
	ErrNotInitialized = errors.New("session not initialized")
	// ErrAlreadyInitialized indicates a redundant initialize attempt.
	ErrAlreadyInitialized = errors.New("session already initialized")
)

// State is the lifecycle state of a session.
type State string

const (
	// StateUninitialized is the state at first contact, before initialize.
	StateUninitialized State = "uninitialized"
	// StateInitializing is entered on receipt of the initialize request.
	StateInitializing State = "initializing"
	// StateInitialized is entered on receipt of notifications/initialized.
	StateInitialized State = "initialized"
	// StateTerminated is entered on explicit deletion or cleanup.
	StateTerminated State = "terminated"
)

// Session is the per-client state machine. All methods are safe for
// concurrent use; sessions are owned by the Registry and handlers only ever
// hold a reference for the duration of one dispatch.
type Session struct {
	id     string
	userID string

	mu              sync.Mutex
	state           State
	protocolVersion string
	clientCaps      mcp.ClientCapabilities
	serverCaps      mcp.ServerCapabilities
	createdAt       time.Time
	lastAccess      time.Time
	pending         map[string]*Pending
	subscriptions   map[string]struct{}
	terminated      chan struct{}
}

// New constructs a Session in the Uninitialized state.
func New(id, userID string) *Session {
	now := time.Now().UTC()
	return &Session{
		id:            id,
		userID:        userID,
		state:         StateUninitialized,
		createdAt:     now,
		lastAccess:    now,
		pending:       make(map[string]*Pending),
		subscriptions: make(map[string]struct{}),
		terminated:    make(chan struct{}),
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.userID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ProtocolVersion returns the negotiated protocol version, empty before the
// handshake.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// ClientCapabilities returns the capabilities recorded during the handshake.
func (s *Session) ClientCapabilities() mcp.ClientCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientCaps
}

// ServerCapabilities returns the capabilities advertised to this session.
func (s *Session) ServerCapabilities() mcp.ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverCaps
}

// Touch records access time for idle-cleanup policies.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastAccess = time.Now().UTC()
	s.mu.Unlock()
}

// LastAccess returns the last touch time.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// BeginInitialize records the handshake negotiation outcome and moves the
// session from Uninitialized to Initializing. The negotiated values are
// immutable afterwards.
func (s *Session) BeginInitialize(protocolVersion string, client mcp.ClientCapabilities, server mcp.ServerCapabilities) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateTerminated:
		return ErrSessionTerminated
	case StateInitializing, StateInitialized:
		return ErrAlreadyInitialized
	}

	s.state = StateInitializing
	s.protocolVersion = protocolVersion
	s.clientCaps = client
	s.serverCaps = server
	return nil
}

// MarkInitialized completes the handshake on receipt of the initialized
// notification. Idempotent once initialized.
func (s *Session) MarkInitialized() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateTerminated:
		return ErrSessionTerminated
	case StateInitialized:
		return nil
	case StateUninitialized:
		return ErrNotInitialized
	}

	s.state = StateInitialized
	return nil
}

// Terminate moves the session to Terminated, wakes every goroutine blocked on
// a pending server-initiated request with a disconnection error, and clears
// the subscription set. Safe to call more than once.
func (s *Session) Terminate() {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = StateTerminated
	pending := s.pending
	s.pending = make(map[string]*Pending)
	s.subscriptions = make(map[string]struct{})
	close(s.terminated)
	s.mu.Unlock()

	for _, p := range pending {
		p.close()
	}
}

// Terminated returns a channel closed when the session terminates.
func (s *Session) Terminated() <-chan struct{} {
	return s.terminated
}

// Pending is a one-shot waiter for the response to a server-initiated
// request. The response channel yields exactly one value, or is closed when
// the session terminates before the client answers.
type Pending struct {
	ID       string
	Method   string
	Deadline time.Time

	once sync.Once
	ch   chan *jsonrpc.Response
}

// Response returns the channel the matching client response is delivered on.
// A closed channel means the session disconnected while waiting.
func (p *Pending) Response() <-chan *jsonrpc.Response { return p.ch }

func (p *Pending) deliver(res *jsonrpc.Response) {
	p.once.Do(func() {
		p.ch <- res
		close(p.ch)
	})
}

func (p *Pending) close() {
	p.once.Do(func() { close(p.ch) })
}

// RegisterPending records a waiter for the given request id. Each concurrent
// server-initiated request holds its own entry; ids never collide because
// they come from the process-wide generator.
func (s *Session) RegisterPending(id, method string, deadline time.Time) (*Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTerminated {
		return nil, ErrSessionTerminated
	}
	if _, exists := s.pending[id]; exists {
		return nil, ErrPendingExists
	}

	p := &Pending{ID: id, Method: method, Deadline: deadline, ch: make(chan *jsonrpc.Response, 1)}
	s.pending[id] = p
	return p, nil
}

// ResolvePending delivers a client response to the waiter registered for its
// id. Returns false when no waiter exists (already resolved, timed out, or
// never registered); resolving one waiter never affects another.
func (s *Session) ResolvePending(res *jsonrpc.Response) bool {
	if res == nil || res.ID.IsNil() {
		return false
	}

	s.mu.Lock()
	p, ok := s.pending[res.ID.String()]
	if ok {
		delete(s.pending, res.ID.String())
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	p.deliver(res)
	return true
}

// RemovePending withdraws a waiter, typically after its deadline elapsed. The
// entry is removed exactly once regardless of racing resolution.
func (s *Session) RemovePending(id string) {
	s.mu.Lock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if ok {
		p.close()
	}
}

// PendingCount reports the number of outstanding server-initiated requests.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Subscribe records a resource subscription for this session.
func (s *Session) Subscribe(uri string) {
	s.mu.Lock()
	s.subscriptions[uri] = struct{}{}
	s.mu.Unlock()
}

// Unsubscribe removes a resource subscription. Removing an absent
// subscription is a no-op.
func (s *Session) Unsubscribe(uri string) {
	s.mu.Lock()
	delete(s.subscriptions, uri)
	s.mu.Unlock()
}

// Subscribed reports whether the session subscribes to the URI.
func (s *Session) Subscribed(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[uri]
	return ok
}
