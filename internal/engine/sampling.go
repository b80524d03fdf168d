package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sergiobayona/vector-mcp/internal/jsonrpc"
	"github.com/sergiobayona/vector-mcp/mcp"
	"github.com/sergiobayona/vector-mcp/mcpserver"
	"github.com/sergiobayona/vector-mcp/sessions"
)

// clientSession is the handle tool handlers receive for the session that
// invoked them. Sampling routes strictly through this session's own stream.
type clientSessionHandle struct {
	engine *Engine
	sess   *sessions.Session
}

var _ mcpserver.ClientSession = (*clientSessionHandle)(nil)

func (e *Engine) clientSession(sess *sessions.Session) mcpserver.ClientSession {
	return &clientSessionHandle{engine: e, sess: sess}
}

func (h *clientSessionHandle) SessionID() string { return h.sess.ID() }
func (h *clientSessionHandle) UserID() string    { return h.sess.UserID() }

// Sample issues a sampling/createMessage request to this session's client and
// blocks for the answer. The context deadline bounds the wait; without one,
// the engine's default sampling timeout applies. Routing requires a live
// stream for this exact session; without one the call fails immediately
// rather than queueing.
func (h *clientSessionHandle) Sample(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
	e := h.engine
	sess := h.sess

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(e.samplingTimeout)
	}

	// Fail fast when no client connection is draining this session's stream.
	stream, ok := e.registry.ActiveStreamFor(sess.ID())
	if !ok {
		return nil, sessions.ErrNoStreamingSession
	}

	id := e.reqGen.Next()
	pending, err := sess.RegisterPending(id, string(mcp.SamplingCreateMessageMethod), deadline)
	if err != nil {
		return nil, err
	}

	rpcReq, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), string(mcp.SamplingCreateMessageMethod), req)
	if err != nil {
		sess.RemovePending(id)
		return nil, fmt.Errorf("failed to build sampling request: %w", err)
	}
	body, err := json.Marshal(rpcReq)
	if err != nil {
		sess.RemovePending(id)
		return nil, fmt.Errorf("failed to marshal sampling request: %w", err)
	}

	if _, err := stream.Publish(ctx, sessions.EventTypeRequest, body); err != nil {
		sess.RemovePending(id)
		return nil, fmt.Errorf("failed to publish sampling request: %w", err)
	}

	e.log.Debug("engine.sampling.sent",
		slog.String("session_id", sess.ID()),
		slog.String("id", id))

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case res, ok := <-pending.Response():
		if !ok {
			return nil, sessions.ErrSessionTerminated
		}
		if res.Error != nil {
			return nil, res.Error
		}
		var result mcp.CreateMessageResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			return nil, fmt.Errorf("failed to decode sampling result: %w", err)
		}
		return &result, nil

	case <-timer.C:
		sess.RemovePending(id)
		return nil, sessions.ErrRequestTimeout

	case <-sess.Terminated():
		sess.RemovePending(id)
		return nil, sessions.ErrSessionTerminated

	case <-ctx.Done():
		sess.RemovePending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, sessions.ErrRequestTimeout
		}
		return nil, ctx.Err()
	}
}
