package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/sergiobayona/vector-mcp/mcp"
)

// ToolHandlerFunc is the raw tool invocation signature. Arguments arrive as
// the undecoded JSON from the request.
type ToolHandlerFunc func(ctx context.Context, session ClientSession, req *mcp.CallToolRequest) (*mcp.CallToolResult, error)

// ServerTool pairs a tool's wire description with its handler.
type ServerTool struct {
	Tool    mcp.Tool
	Handler ToolHandlerFunc
}

// ToolsContainer is a static, registration-order tools capability.
type ToolsContainer struct {
	mu    sync.RWMutex
	order []string
	tools map[string]*ServerTool
}

var _ ToolsCapability = (*ToolsContainer)(nil)

// NewToolsContainer constructs a container with the given tools registered in
// order.
func NewToolsContainer(tools ...*ServerTool) *ToolsContainer {
	c := &ToolsContainer{tools: make(map[string]*ServerTool)}
	for _, st := range tools {
		c.Register(st)
	}
	return c
}

// Register adds or replaces a tool by name.
func (c *ToolsContainer) Register(st *ServerTool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tools[st.Tool.Name]; !exists {
		c.order = append(c.order, st.Tool.Name)
	}
	c.tools[st.Tool.Name] = st
}

// ListTools implements ToolsCapability.
func (c *ToolsContainer) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.tools[name].Tool)
	}
	return out, nil
}

// CallTool implements ToolsCapability.
func (c *ToolsContainer) CallTool(ctx context.Context, session ClientSession, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c.mu.RLock()
	st, ok := c.tools[req.Name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, req.Name)
	}
	return st.Handler(ctx, session, req)
}

// NewTool builds a ServerTool whose input schema is reflected from T and
// whose handler receives decoded arguments. Arguments that do not decode into
// T fail with ErrInvalidArguments before the handler runs.
func NewTool[T any](name, description string, handler func(ctx context.Context, session ClientSession, args T) (*mcp.CallToolResult, error)) *ServerTool {
	var zero T
	schema := reflectInputSchema(zero)

	return &ServerTool{
		Tool: mcp.Tool{
			Name:        name,
			Description: description,
			InputSchema: schema,
		},
		Handler: func(ctx context.Context, session ClientSession, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args T
			if len(req.Arguments) > 0 {
				if err := json.Unmarshal(req.Arguments, &args); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
				}
			}
			return handler(ctx, session, args)
		},
	}
}

// TextResult is a convenience constructor for a single-text-block tool result.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: text}},
	}
}

// ErrorResult wraps a message in a tool-level error result. Tool-level errors
// travel as successful responses with isError set, distinct from protocol
// errors.
func ErrorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func reflectInputSchema(v any) mcp.ToolInputSchema {
	r := jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(v)

	out := mcp.ToolInputSchema{
		Type:     "object",
		Required: s.Required,
	}
	if s.Properties != nil && s.Properties.Len() > 0 {
		out.Properties = make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
			out.Properties[pair.Key] = convertSchema(pair.Value)
		}
	}
	return out
}

func convertSchema(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	out := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
		Enum:        s.Enum,
	}
	if s.Items != nil {
		items := convertSchema(s.Items)
		out.Items = &items
	}
	if s.Properties != nil && s.Properties.Len() > 0 {
		out.Properties = make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
			out.Properties[pair.Key] = convertSchema(pair.Value)
		}
	}
	return out
}
