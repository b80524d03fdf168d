package engine

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/sergiobayona/vector-mcp/internal/jsonrpc"
	"github.com/sergiobayona/vector-mcp/mcp"
	"github.com/sergiobayona/vector-mcp/sessions"
)

func (e *Engine) handleInitialize(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (any, error) {
	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid initialize params")
	}

	// Version negotiation: echo a supported requested version, otherwise
	// counter-offer the newest the engine speaks.
	version := mcp.LatestProtocolVersion
	if slices.Contains(SupportedProtocolVersions, params.ProtocolVersion) {
		version = params.ProtocolVersion
	}

	caps := e.server.Capabilities()
	if err := sess.BeginInitialize(version, params.Capabilities, caps); err != nil {
		return nil, err
	}

	return mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    caps,
		ServerInfo:      e.server.Info(),
		Instructions:    e.server.Instructions(),
	}, nil
}

func (e *Engine) handleToolsList(ctx context.Context, sess *sessions.Session) (any, error) {
	tools := e.server.Tools()
	if tools == nil {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeMethodNotFound, "tools capability not supported")
	}
	if err := e.authorize(ctx, sess, string(mcp.ToolsListMethod), ""); err != nil {
		return nil, err
	}

	list, err := tools.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []mcp.Tool{}
	}
	return mcp.ListToolsResult{Tools: list}, nil
}

func (e *Engine) handleToolsCall(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (any, error) {
	tools := e.server.Tools()
	if tools == nil {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeMethodNotFound, "tools capability not supported")
	}

	var params mcp.CallToolRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params")
	}
	if params.Name == "" {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "tool name is required")
	}
	if err := e.authorize(ctx, sess, string(mcp.ToolsCallMethod), params.Name); err != nil {
		return nil, err
	}

	return tools.CallTool(ctx, e.clientSession(sess), &params)
}

func (e *Engine) handleResourcesList(ctx context.Context, sess *sessions.Session) (any, error) {
	res := e.server.Resources()
	if res == nil {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeMethodNotFound, "resources capability not supported")
	}
	if err := e.authorize(ctx, sess, string(mcp.ResourcesListMethod), ""); err != nil {
		return nil, err
	}

	list, err := res.ListResources(ctx)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []mcp.Resource{}
	}
	return mcp.ListResourcesResult{Resources: list}, nil
}

func (e *Engine) handleResourcesTemplatesList(ctx context.Context, sess *sessions.Session) (any, error) {
	res := e.server.Resources()
	if res == nil {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeMethodNotFound, "resources capability not supported")
	}
	if err := e.authorize(ctx, sess, string(mcp.ResourcesTemplatesListMethod), ""); err != nil {
		return nil, err
	}

	list, err := res.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []mcp.ResourceTemplate{}
	}
	return mcp.ListResourceTemplatesResult{ResourceTemplates: list}, nil
}

func (e *Engine) handleResourcesRead(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (any, error) {
	res := e.server.Resources()
	if res == nil {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeMethodNotFound, "resources capability not supported")
	}

	var params mcp.ReadResourceRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "resource uri is required")
	}
	if err := e.authorize(ctx, sess, string(mcp.ResourcesReadMethod), params.URI); err != nil {
		return nil, err
	}

	contents, err := res.ReadResource(ctx, params.URI)
	if err != nil {
		return nil, err
	}
	return mcp.ReadResourceResult{Contents: contents}, nil
}

func (e *Engine) handleResourcesSubscribe(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (any, error) {
	res := e.server.Resources()
	if res == nil || !res.Subscribable() {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeMethodNotFound, "resource subscriptions not supported")
	}

	var params mcp.SubscribeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "resource uri is required")
	}
	if err := e.authorize(ctx, sess, string(mcp.ResourcesSubscribeMethod), params.URI); err != nil {
		return nil, err
	}

	sess.Subscribe(params.URI)
	return mcp.EmptyResult{}, nil
}

func (e *Engine) handleResourcesUnsubscribe(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (any, error) {
	res := e.server.Resources()
	if res == nil || !res.Subscribable() {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeMethodNotFound, "resource subscriptions not supported")
	}

	var params mcp.UnsubscribeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "resource uri is required")
	}

	sess.Unsubscribe(params.URI)
	return mcp.EmptyResult{}, nil
}

func (e *Engine) handlePromptsList(ctx context.Context, sess *sessions.Session) (any, error) {
	prompts := e.server.Prompts()
	if prompts == nil {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeMethodNotFound, "prompts capability not supported")
	}
	if err := e.authorize(ctx, sess, string(mcp.PromptsListMethod), ""); err != nil {
		return nil, err
	}

	list, err := prompts.ListPrompts(ctx)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []mcp.Prompt{}
	}
	return mcp.ListPromptsResult{Prompts: list}, nil
}

func (e *Engine) handlePromptsGet(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (any, error) {
	prompts := e.server.Prompts()
	if prompts == nil {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeMethodNotFound, "prompts capability not supported")
	}

	var params mcp.GetPromptRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "prompt name is required")
	}
	if err := e.authorize(ctx, sess, string(mcp.PromptsGetMethod), params.Name); err != nil {
		return nil, err
	}

	return prompts.GetPrompt(ctx, &params)
}

// notifyResourceUpdated fans a resource change out to every session
// subscribed to the URI. The notification lands in the session's event store,
// so a briefly disconnected client still receives it on reconnect.
func (e *Engine) notifyResourceUpdated(uri string) {
	ctx := context.Background()

	note, err := jsonrpc.NewRequest(nil, string(mcp.ResourcesUpdatedNotificationMethod), mcp.ResourceUpdatedNotification{URI: uri})
	if err != nil {
		return
	}
	body, err := json.Marshal(note)
	if err != nil {
		return
	}

	for _, sess := range e.registry.All() {
		if !sess.Subscribed(uri) {
			continue
		}
		st, ok := e.registry.StreamFor(sess.ID())
		if !ok {
			continue
		}
		if _, err := st.Publish(ctx, sessions.EventTypeMessage, body); err != nil {
			e.log.Warn("engine.resource_updated.publish_failed",
				"session_id", sess.ID(), "uri", uri, "err", err.Error())
		}
	}
}
