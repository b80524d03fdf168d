// Package engine is the protocol core: it owns the handshake state machine,
// the per-session in-flight ledger, and the dispatch of every JSON-RPC
// message to the server's capabilities. Transports hand it parsed messages
// and write back whatever response it produces; the engine never touches a
// socket.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sergiobayona/vector-mcp/auth"
	"github.com/sergiobayona/vector-mcp/internal/jsonrpc"
	"github.com/sergiobayona/vector-mcp/internal/logctx"
	"github.com/sergiobayona/vector-mcp/internal/reqid"
	"github.com/sergiobayona/vector-mcp/mcp"
	"github.com/sergiobayona/vector-mcp/mcpserver"
	"github.com/sergiobayona/vector-mcp/sessions"
)

// DefaultSamplingTimeout bounds the wait for a client's answer to a
// server-initiated request when the caller's context carries no deadline.
const DefaultSamplingTimeout = 30 * time.Second

// SupportedProtocolVersions lists the protocol revisions the engine accepts,
// newest first.
var SupportedProtocolVersions = []string{
	"2025-06-18",
	"2025-03-26",
	"2024-11-05",
}

// Engine dispatches protocol messages for all sessions of one server.
type Engine struct {
	log      *slog.Logger
	server   *mcpserver.Server
	registry *sessions.Registry
	reqGen   *reqid.Generator

	authorizer      auth.Authorizer
	samplingTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]map[string]context.CancelCauseFunc

	unsubscribeResources func()
}

// Option customizes an Engine.
type Option func(*Engine)

// WithAuthorizer installs an authorization policy consulted before every
// capability operation. Without one, everything is allowed.
func WithAuthorizer(a auth.Authorizer) Option {
	return func(e *Engine) { e.authorizer = a }
}

// WithSamplingTimeout overrides the default deadline applied to
// server-initiated sampling requests whose context has none.
func WithSamplingTimeout(d time.Duration) Option {
	return func(e *Engine) { e.samplingTimeout = d }
}

// New constructs an Engine over the given server and session registry.
func New(log *slog.Logger, server *mcpserver.Server, registry *sessions.Registry, opts ...Option) *Engine {
	e := &Engine{
		log:             log,
		server:          server,
		registry:        registry,
		reqGen:          reqid.New(),
		samplingTimeout: DefaultSamplingTimeout,
		inflight:        make(map[string]map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(e)
	}

	if res := server.Resources(); res != nil && res.Subscribable() {
		e.unsubscribeResources = res.OnResourceUpdated(e.notifyResourceUpdated)
	}

	return e
}

// Close detaches the engine from capability callbacks.
func (e *Engine) Close() {
	if e.unsubscribeResources != nil {
		e.unsubscribeResources()
	}
}

// Registry returns the session registry the engine dispatches against.
func (e *Engine) Registry() *sessions.Registry { return e.registry }

// NewSession registers a fresh uninitialized session for the user.
func (e *Engine) NewSession(id, userID string) (*sessions.Session, error) {
	sess := sessions.New(id, userID)
	if err := e.registry.Register(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// HandleMessage dispatches one parsed message for the session. The returned
// response is non-nil exactly when the message was a request; notifications
// and client responses produce no reply (their failures are logged and
// swallowed, as the wire offers nowhere to report them).
func (e *Engine) HandleMessage(ctx context.Context, sess *sessions.Session, msg *jsonrpc.AnyMessage) *jsonrpc.Response {
	sess.Touch()

	msgID := ""
	if msg.ID != nil {
		msgID = msg.ID.String()
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msgID,
		Type:   msg.Type(),
	})
	log := e.log.With(slog.String("method", msg.Method), slog.String("session_id", sess.ID()))

	switch msg.Type() {
	case "response":
		if !sess.ResolvePending(msg.AsResponse()) {
			log.Debug("engine.response.unmatched", slog.String("id", msgID))
		}
		return nil

	case "notification":
		if err := e.handleNotification(ctx, sess, msg.AsRequest()); err != nil {
			log.Warn("engine.notification.failed", slog.String("err", err.Error()))
		}
		return nil

	default:
		log.Debug("engine.request.start")
		res := e.handleRequest(ctx, sess, msg.AsRequest())
		if res.Error != nil {
			log.Debug("engine.request.error",
				slog.Int("code", int(res.Error.Code)),
				slog.String("message", res.Error.Message))
		} else {
			log.Debug("engine.request.ok")
		}
		return res
	}
}

func (e *Engine) handleRequest(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	method := mcp.Method(req.Method)

	// Until the handshake completes, initialize (and ping) are the only
	// requests the session will accept.
	if method != mcp.InitializeMethod && method != mcp.PingMethod {
		if sess.State() != sessions.StateInitialized {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeNotInitialized, "session not initialized", nil)
		}
	}

	ctx, finish := e.trackInflight(ctx, sess, req.ID)
	defer finish()

	result, err := e.dispatch(ctx, sess, method, req)
	if err != nil {
		return e.errorResponse(ctx, req, err)
	}

	res, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return e.errorResponse(ctx, req, err)
	}
	return res
}

func (e *Engine) dispatch(ctx context.Context, sess *sessions.Session, method mcp.Method, req *jsonrpc.Request) (any, error) {
	switch method {
	case mcp.InitializeMethod:
		return e.handleInitialize(ctx, sess, req)
	case mcp.PingMethod:
		return mcp.EmptyResult{}, nil

	case mcp.ToolsListMethod:
		return e.handleToolsList(ctx, sess)
	case mcp.ToolsCallMethod:
		return e.handleToolsCall(ctx, sess, req)

	case mcp.ResourcesListMethod:
		return e.handleResourcesList(ctx, sess)
	case mcp.ResourcesTemplatesListMethod:
		return e.handleResourcesTemplatesList(ctx, sess)
	case mcp.ResourcesReadMethod:
		return e.handleResourcesRead(ctx, sess, req)
	case mcp.ResourcesSubscribeMethod:
		return e.handleResourcesSubscribe(ctx, sess, req)
	case mcp.ResourcesUnsubscribeMethod:
		return e.handleResourcesUnsubscribe(ctx, sess, req)

	case mcp.PromptsListMethod:
		return e.handlePromptsList(ctx, sess)
	case mcp.PromptsGetMethod:
		return e.handlePromptsGet(ctx, sess, req)

	default:
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeMethodNotFound, "method not found: "+string(method))
	}
}

func (e *Engine) handleNotification(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) error {
	switch req.Method {
	case string(mcp.InitializedNotificationMethod):
		return sess.MarkInitialized()

	// The canonical cancellation method plus the aliases some clients send.
	case string(mcp.CancelledNotificationMethod), "$/cancelRequest", "cancelled":
		var params mcp.CancelledNotification
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return err
		}
		e.cancelInflight(sess, params)
		return nil

	default:
		// Unknown notifications are ignored per JSON-RPC semantics.
		e.log.Debug("engine.notification.unknown", slog.String("method", req.Method))
		return nil
	}
}

// trackInflight registers a cancelable context for the request id so a later
// cancellation notification can interrupt the handler. Notifications (nil id)
// pass through untracked.
func (e *Engine) trackInflight(ctx context.Context, sess *sessions.Session, id *jsonrpc.RequestID) (context.Context, func()) {
	if id.IsNil() {
		return ctx, func() {}
	}

	ctx, cancel := context.WithCancelCause(ctx)

	e.mu.Lock()
	byID, ok := e.inflight[sess.ID()]
	if !ok {
		byID = make(map[string]context.CancelCauseFunc)
		e.inflight[sess.ID()] = byID
	}
	byID[id.String()] = cancel
	e.mu.Unlock()

	return ctx, func() {
		e.mu.Lock()
		if byID, ok := e.inflight[sess.ID()]; ok {
			delete(byID, id.String())
			if len(byID) == 0 {
				delete(e.inflight, sess.ID())
			}
		}
		e.mu.Unlock()
		cancel(nil)
	}
}

// cancelInflight cancels the tracked request named by the notification.
// Unknown or already-completed ids are a no-op.
func (e *Engine) cancelInflight(sess *sessions.Session, params mcp.CancelledNotification) {
	id := jsonrpc.NewRequestID(params.RequestID)
	if id.IsNil() {
		return
	}

	e.mu.Lock()
	var cancel context.CancelCauseFunc
	if byID, ok := e.inflight[sess.ID()]; ok {
		cancel = byID[id.String()]
	}
	e.mu.Unlock()

	if cancel != nil {
		reason := params.Reason
		if reason == "" {
			reason = "canceled by client"
		}
		cancel(errors.New(reason))
		e.log.Debug("engine.request.canceled",
			slog.String("session_id", sess.ID()),
			slog.String("id", id.String()),
			slog.String("reason", reason))
	}
}

// errorResponse maps an error to its wire form. Domain errors keep their
// code; known sentinels map to stable codes; everything else collapses to a
// generic internal error so internals never leak to clients.
func (e *Engine) errorResponse(ctx context.Context, req *jsonrpc.Request, err error) *jsonrpc.Response {
	if de, ok := jsonrpc.AsDomainError(err); ok {
		return &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Error: de, ID: req.ID}
	}

	switch {
	case errors.Is(err, mcpserver.ErrToolNotFound),
		errors.Is(err, mcpserver.ErrResourceNotFound),
		errors.Is(err, mcpserver.ErrPromptNotFound):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeNotFound, err.Error(), nil)

	case errors.Is(err, mcpserver.ErrInvalidArguments):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)

	case errors.Is(err, sessions.ErrNoStreamingSession):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeNoStreamingSession, "no streaming session available", nil)

	case errors.Is(err, sessions.ErrRequestTimeout):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeRequestTimeout, "timed out waiting for client response", nil)

	case errors.Is(err, sessions.ErrAlreadyInitialized):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil)

	case errors.Is(err, sessions.ErrSessionTerminated):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session terminated", nil)

	case errors.Is(err, context.Canceled):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "request canceled", nil)

	case errors.Is(err, context.DeadlineExceeded):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "request deadline exceeded", nil)
	}

	e.log.Error("engine.request.internal_error", slog.String("err", err.Error()))
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
}

// authorize consults the configured policy. The wire message is fixed so
// policy detail never leaks.
func (e *Engine) authorize(ctx context.Context, sess *sessions.Session, action, target string) error {
	if e.authorizer == nil {
		return nil
	}
	if !e.authorizer.Authorize(ctx, sess.ID(), sess.UserID(), action, target) {
		return jsonrpc.NewError(jsonrpc.ErrorCodeForbidden, "Access denied")
	}
	return nil
}
