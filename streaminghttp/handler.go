// Package streaminghttp exposes the protocol engine over HTTP: POST carries
// client-to-server JSON-RPC messages, GET opens the session's server-to-client
// event stream with resumable replay, and DELETE terminates the session.
package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/sergiobayona/vector-mcp/auth"
	"github.com/sergiobayona/vector-mcp/eventlog"
	"github.com/sergiobayona/vector-mcp/internal/engine"
	"github.com/sergiobayona/vector-mcp/internal/jsonrpc"
	"github.com/sergiobayona/vector-mcp/internal/logctx"
	"github.com/sergiobayona/vector-mcp/mcpserver"
	"github.com/sergiobayona/vector-mcp/sessions"
)

const (
	// SessionIDHeader carries the session id on every request after creation.
	SessionIDHeader = "Mcp-Session-Id"
	// ProtocolVersionHeader pins the negotiated protocol version.
	ProtocolVersionHeader = "Mcp-Protocol-Version"
	// LastEventIDHeader resumes a stream after the given event id.
	LastEventIDHeader = "Last-Event-ID"

	maxBodyBytes = 4 << 20
)

var (
	jsonMediaType = contenttype.NewMediaType("application/json")
	sseMediaType  = contenttype.NewMediaType("text/event-stream")
	sseMediaTypes = []contenttype.MediaType{sseMediaType}
)

// Handler is the HTTP transport in front of one protocol engine.
type Handler struct {
	log           *slog.Logger
	engine        *engine.Engine
	authenticator auth.Authenticator
	storeFactory  func(sessionID string) eventlog.Store
	keepAlive     time.Duration

	engineOpts []engine.Option
}

// Option customizes a Handler.
type Option func(*Handler)

// WithAuthenticator requires a valid bearer token on every request. Without
// one, callers are treated as a single anonymous principal.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(h *Handler) { h.authenticator = a }
}

// WithEventStoreFactory overrides the per-session event store constructor,
// e.g. to back streams with Redis instead of the in-memory ring buffer. The
// session id names the store.
func WithEventStoreFactory(f func(sessionID string) eventlog.Store) Option {
	return func(h *Handler) { h.storeFactory = f }
}

// WithKeepAliveInterval sets the SSE comment ping interval. Zero disables
// pings.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(h *Handler) { h.keepAlive = d }
}

// WithAuthorizer installs an authorization policy consulted before every
// capability operation.
func WithAuthorizer(a auth.Authorizer) Option {
	return func(h *Handler) { h.engineOpts = append(h.engineOpts, engine.WithAuthorizer(a)) }
}

// WithSamplingTimeout bounds server-initiated requests whose context carries
// no deadline.
func WithSamplingTimeout(d time.Duration) Option {
	return func(h *Handler) { h.engineOpts = append(h.engineOpts, engine.WithSamplingTimeout(d)) }
}

// New constructs the transport, wiring a protocol engine over the given
// server and session registry.
func New(log *slog.Logger, server *mcpserver.Server, registry *sessions.Registry, opts ...Option) *Handler {
	h := &Handler{
		log:          log,
		storeFactory: func(string) eventlog.Store { return eventlog.NewLog(eventlog.DefaultCapacity) },
		keepAlive:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.engine = engine.New(log, server, registry, h.engineOpts...)
	return h
}

// Close detaches the underlying engine from capability callbacks.
func (h *Handler) Close() {
	h.engine.Close()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	r = r.WithContext(ctx)

	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		h.writeError(w, http.StatusMethodNotAllowed, jsonrpc.ErrorCodeInvalidRequest, "method not allowed", nil)
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.With(slog.String("remote_addr", r.RemoteAddr))
	log.Debug("http.post.start")

	user, ok := h.checkAuthentication(w, r)
	if !ok {
		return
	}

	if ct, err := contenttype.GetMediaType(r); err != nil || !ct.Matches(jsonMediaType) {
		h.writeError(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeInvalidRequest, "Content-Type must be application/json", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "failed to read request body", nil)
		return
	}

	// Batch envelopes are rejected outright; the runtime speaks single
	// messages only.
	if isBatch(body) {
		h.writeError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "batch requests are not supported", nil)
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Debug("http.post.parse_error", slog.String("err", err.Error()))
		h.writeResponse(w, http.StatusBadRequest,
			jsonrpc.NewErrorResponse(jsonrpc.RecoverID(body), jsonrpc.ErrorCodeParseError, "parse error: "+err.Error(), nil))
		return
	}

	sessionID := r.Header.Get(SessionIDHeader)
	isInitialize := msg.Type() == "request" && msg.Method == "initialize"

	var sess *sessions.Session
	switch {
	case isInitialize && sessionID == "":
		sess, err = h.createSession(user)
		if err != nil {
			log.Error("http.post.session_create_failed", slog.String("err", err.Error()))
			h.writeError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to create session", nil)
			return
		}
		log.Info("http.session.created",
			slog.String("session_id", sess.ID()),
			slog.String("user_id", user.UserID()))

	case isInitialize:
		h.writeError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "initialize must not carry a session id", nil)
		return

	default:
		sess, ok = h.resolveSession(w, r, user)
		if !ok {
			return
		}
		if !h.checkProtocolVersion(w, r, sess) {
			return
		}
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID(),
		UserID:    sess.UserID(),
		State:     string(sess.State()),
	})

	res := h.engine.HandleMessage(ctx, sess, &msg)
	if res == nil {
		// Notifications and client responses are accepted with no body.
		w.Header().Set(SessionIDHeader, sess.ID())
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set(SessionIDHeader, sess.ID())
	if v := sess.ProtocolVersion(); v != "" {
		w.Header().Set(ProtocolVersionHeader, v)
	}
	h.writeResponse(w, statusForResponse(res), res)
	log.Debug("http.post.done")
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	log := h.log.With(slog.String("remote_addr", r.RemoteAddr))
	log.Debug("http.get.start")

	user, ok := h.checkAuthentication(w, r)
	if !ok {
		return
	}

	if _, _, err := contenttype.GetAcceptableMediaType(r, sseMediaTypes); err != nil {
		h.writeError(w, http.StatusNotAcceptable, jsonrpc.ErrorCodeInvalidRequest, "Accept must include text/event-stream", nil)
		return
	}

	sess, ok := h.resolveSession(w, r, user)
	if !ok {
		return
	}
	if !h.checkProtocolVersion(w, r, sess) {
		return
	}

	stream, ok := h.engine.Registry().StreamFor(sess.ID())
	if !ok {
		h.writeError(w, http.StatusServiceUnavailable, jsonrpc.ErrorCodeNoStreamingSession, "no stream bound to session", nil)
		return
	}

	var lastEventID uint64
	if raw := r.Header.Get(LastEventIDHeader); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "malformed Last-Event-ID", nil)
			return
		}
		lastEventID = id
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "streaming unsupported by connection", nil)
		return
	}

	// One consumer per session stream; the attach reservation is atomic, so
	// two racing GETs can never both win and split delivery.
	sub, err := stream.Attach(lastEventID)
	switch {
	case errors.Is(err, sessions.ErrStreamBusy):
		h.writeError(w, http.StatusConflict, jsonrpc.ErrorCodeInvalidRequest, "session already has an open stream", nil)
		return
	case errors.Is(err, sessions.ErrStreamClosed):
		h.writeError(w, http.StatusServiceUnavailable, jsonrpc.ErrorCodeNoStreamingSession, "no stream bound to session", nil)
		return
	case err != nil:
		h.writeError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(SessionIDHeader, sess.ID())
	if v := sess.ProtocolVersion(); v != "" {
		w.Header().Set(ProtocolVersionHeader, v)
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lw := &lockedWriteFlusher{w: w, f: flusher}

	ctx := r.Context()
	if h.keepAlive > 0 {
		ticker := time.NewTicker(h.keepAlive)
		defer ticker.Stop()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					lw.writeComment("ping")
				}
			}
		}()
	}

	log.Info("http.stream.open",
		slog.String("session_id", sess.ID()),
		slog.Uint64("last_event_id", lastEventID))

	err = sub.Drain(ctx, func(_ context.Context, ev eventlog.Event) error {
		return lw.writeEvent(ev)
	})
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, sessions.ErrStreamClosed):
		log.Info("http.stream.closed", slog.String("session_id", sess.ID()))
	default:
		log.Warn("http.stream.failed",
			slog.String("session_id", sess.ID()),
			slog.String("err", err.Error()))
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	log := h.log.With(slog.String("remote_addr", r.RemoteAddr))

	user, ok := h.checkAuthentication(w, r)
	if !ok {
		return
	}
	sess, ok := h.resolveSession(w, r, user)
	if !ok {
		return
	}

	h.engine.Registry().Remove(sess.ID())
	log.Info("http.session.deleted", slog.String("session_id", sess.ID()))
	w.WriteHeader(http.StatusNoContent)
}

// createSession registers a fresh session and binds its event stream.
func (h *Handler) createSession(user auth.UserInfo) (*sessions.Session, error) {
	id := uuid.NewString()
	sess, err := h.engine.NewSession(id, user.UserID())
	if err != nil {
		return nil, err
	}
	h.engine.Registry().AttachStream(id, sessions.NewStream(id, h.storeFactory(id)))
	return sess, nil
}

// resolveSession maps the session header to a live session owned by the
// caller. Missing header is a 400; unknown or foreign session is a 404.
func (h *Handler) resolveSession(w http.ResponseWriter, r *http.Request, user auth.UserInfo) (*sessions.Session, bool) {
	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		h.writeError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "missing "+SessionIDHeader+" header", nil)
		return nil, false
	}

	sess, ok := h.engine.Registry().Lookup(sessionID)
	if !ok || sess.UserID() != user.UserID() {
		// A foreign user's session id is indistinguishable from an unknown
		// one.
		h.writeError(w, http.StatusNotFound, jsonrpc.ErrorCodeNotFound, "session not found", nil)
		return nil, false
	}
	return sess, true
}

// checkProtocolVersion rejects requests pinning a version other than the one
// this session negotiated. An absent header is accepted.
func (h *Handler) checkProtocolVersion(w http.ResponseWriter, r *http.Request, sess *sessions.Session) bool {
	header := r.Header.Get(ProtocolVersionHeader)
	if header == "" {
		return true
	}
	if negotiated := sess.ProtocolVersion(); negotiated != "" && header != negotiated {
		h.writeError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest,
			fmt.Sprintf("protocol version %q does not match negotiated %q", header, negotiated), nil)
		return false
	}
	return true
}

func (h *Handler) checkAuthentication(w http.ResponseWriter, r *http.Request) (auth.UserInfo, bool) {
	if h.authenticator == nil {
		return anonymousUser{}, true
	}

	token, ok := bearerToken(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", "Bearer")
		h.writeError(w, http.StatusUnauthorized, jsonrpc.ErrorCodeUnauthorized, "Authentication required", nil)
		return nil, false
	}

	user, err := h.authenticator.CheckAuthentication(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			w.Header().Set("WWW-Authenticate", "Bearer error=\"invalid_token\"")
			h.writeError(w, http.StatusUnauthorized, jsonrpc.ErrorCodeUnauthorized, "Authentication required", nil)
			return nil, false
		}
		h.log.Error("http.auth.failed", slog.String("err", err.Error()))
		h.writeError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		return nil, false
	}
	return user, true
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

type anonymousUser struct{}

func (anonymousUser) UserID() string       { return "anonymous" }
func (anonymousUser) Claims(ref any) error { return errors.New("anonymous user has no claims") }

// statusForResponse maps wire error codes to transport status. Domain errors
// that complete a normal RPC cycle stay 200.
func statusForResponse(res *jsonrpc.Response) int {
	if res.Error == nil {
		return http.StatusOK
	}
	switch res.Error.Code {
	case jsonrpc.ErrorCodeParseError, jsonrpc.ErrorCodeInvalidRequest:
		return http.StatusBadRequest
	case jsonrpc.ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	case jsonrpc.ErrorCodeForbidden:
		return http.StatusForbidden
	case jsonrpc.ErrorCodeRequestTimeout:
		return http.StatusRequestTimeout
	case jsonrpc.ErrorCodeNoStreamingSession:
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}

func (h *Handler) writeResponse(w http.ResponseWriter, status int, res *jsonrpc.Response) {
	body, err := json.Marshal(res)
	if err != nil {
		h.log.Error("http.response.marshal_failed", slog.String("err", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, message string, id *jsonrpc.RequestID) {
	h.writeResponse(w, status, jsonrpc.NewErrorResponse(id, code, message, nil))
}

// isBatch reports whether the body is a JSON array envelope.
func isBatch(body []byte) bool {
	for _, b := range body {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

// lockedWriteFlusher serializes SSE frame writes from the subscriber loop and
// the keep-alive ticker.
type lockedWriteFlusher struct {
	mu sync.Mutex
	w  io.Writer
	f  http.Flusher
}

func (lw *lockedWriteFlusher) writeEvent(ev eventlog.Event) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if _, err := fmt.Fprintf(lw.w, "id: %d\n", ev.ID); err != nil {
		return err
	}
	for _, line := range strings.Split(string(ev.Data), "\n") {
		if _, err := fmt.Fprintf(lw.w, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(lw.w, "\n"); err != nil {
		return err
	}
	lw.f.Flush()
	return nil
}

func (lw *lockedWriteFlusher) writeComment(text string) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	fmt.Fprintf(lw.w, ": %s\n\n", text)
	lw.f.Flush()
}
