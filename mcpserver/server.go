// Package mcpserver declares what a concrete server offers: its identity,
// instructions, and the tool, resource, and prompt capabilities the protocol
// engine dispatches into. Capability containers are plain values wired
// together with functional options; nothing here knows about transports or
// sessions beyond the ClientSession handle passed to tool handlers.
package mcpserver

import (
	"context"
	"errors"

	"github.com/sergiobayona/vector-mcp/mcp"
)

var (
	// ErrToolNotFound indicates a call against an unregistered tool name.
	ErrToolNotFound = errors.New("tool not found")
	// ErrResourceNotFound indicates a read against an unknown resource URI.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrPromptNotFound indicates a get against an unknown prompt name.
	ErrPromptNotFound = errors.New("prompt not found")
	// ErrInvalidArguments indicates tool or prompt arguments that do not
	// decode into the declared shape.
	ErrInvalidArguments = errors.New("invalid arguments")
)

// ClientSession is the handle a tool handler receives for the session that
// invoked it. Sample issues a server-initiated sampling request routed to
// this session's stream and blocks for the client's answer; the context
// deadline bounds the wait.
type ClientSession interface {
	SessionID() string
	UserID() string
	Sample(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error)
}

// ToolsCapability lists and invokes tools.
type ToolsCapability interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, session ClientSession, req *mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// ResourcesCapability lists, reads, and optionally watches resources.
type ResourcesCapability interface {
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	ListTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error)
	ReadResource(ctx context.Context, uri string) ([]mcp.ResourceContents, error)
	// Subscribable reports whether the capability emits update callbacks.
	Subscribable() bool
	// OnResourceUpdated registers a callback fired when a resource's content
	// changes. The returned function unregisters it.
	OnResourceUpdated(fn func(uri string)) (unregister func())
}

// PromptsCapability lists and renders prompts.
type PromptsCapability interface {
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	GetPrompt(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
}

// Server bundles an implementation's identity with its capabilities. Absent
// capabilities are simply not advertised during the handshake.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string

	tools     ToolsCapability
	resources ResourcesCapability
	prompts   PromptsCapability
}

// Option customizes a Server.
type Option func(*Server)

// WithInstructions sets the instructions string returned from initialize.
func WithInstructions(s string) Option {
	return func(srv *Server) { srv.instructions = s }
}

// WithTools wires the tools capability.
func WithTools(t ToolsCapability) Option {
	return func(srv *Server) { srv.tools = t }
}

// WithResources wires the resources capability.
func WithResources(r ResourcesCapability) Option {
	return func(srv *Server) { srv.resources = r }
}

// WithPrompts wires the prompts capability.
func WithPrompts(p PromptsCapability) Option {
	return func(srv *Server) { srv.prompts = p }
}

// NewServer constructs a Server with the given identity and options.
func NewServer(name, version string, opts ...Option) *Server {
	srv := &Server{info: mcp.ImplementationInfo{Name: name, Version: version}}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// Info returns the server's implementation identity.
func (s *Server) Info() mcp.ImplementationInfo { return s.info }

// Instructions returns the optional initialize instructions.
func (s *Server) Instructions() string { return s.instructions }

// Tools returns the tools capability, or nil.
func (s *Server) Tools() ToolsCapability { return s.tools }

// Resources returns the resources capability, or nil.
func (s *Server) Resources() ResourcesCapability { return s.resources }

// Prompts returns the prompts capability, or nil.
func (s *Server) Prompts() PromptsCapability { return s.prompts }

// Capabilities derives the handshake advertisement from the wired
// capabilities.
func (s *Server) Capabilities() mcp.ServerCapabilities {
	var caps mcp.ServerCapabilities
	if s.tools != nil {
		caps.Tools = &struct {
			ListChanged bool `json:"listChanged"`
		}{}
	}
	if s.resources != nil {
		caps.Resources = &struct {
			ListChanged bool `json:"listChanged"`
			Subscribe   bool `json:"subscribe"`
		}{Subscribe: s.resources.Subscribable()}
	}
	if s.prompts != nil {
		caps.Prompts = &struct {
			ListChanged bool `json:"listChanged"`
		}{}
	}
	return caps
}
