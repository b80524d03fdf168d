package mcpserver

import (
	"context"
	"fmt"
	"sync"

	"github.com/sergiobayona/vector-mcp/mcp"
)

// PromptRenderFunc renders a prompt with the supplied arguments.
type PromptRenderFunc func(ctx context.Context, args map[string]string) (*mcp.GetPromptResult, error)

// ServerPrompt pairs a prompt's wire description with its renderer.
type ServerPrompt struct {
	Prompt mcp.Prompt
	Render PromptRenderFunc
}

// PromptsContainer is a static, registration-order prompts capability.
type PromptsContainer struct {
	mu      sync.RWMutex
	order   []string
	prompts map[string]*ServerPrompt
}

var _ PromptsCapability = (*PromptsContainer)(nil)

// NewPromptsContainer constructs a container with the given prompts.
func NewPromptsContainer(prompts ...*ServerPrompt) *PromptsContainer {
	c := &PromptsContainer{prompts: make(map[string]*ServerPrompt)}
	for _, sp := range prompts {
		c.Register(sp)
	}
	return c
}

// Register adds or replaces a prompt by name.
func (c *PromptsContainer) Register(sp *ServerPrompt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.prompts[sp.Prompt.Name]; !exists {
		c.order = append(c.order, sp.Prompt.Name)
	}
	c.prompts[sp.Prompt.Name] = sp
}

// ListPrompts implements PromptsCapability.
func (c *PromptsContainer) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mcp.Prompt, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.prompts[name].Prompt)
	}
	return out, nil
}

// GetPrompt implements PromptsCapability.
func (c *PromptsContainer) GetPrompt(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	c.mu.RLock()
	sp, ok := c.prompts[req.Name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPromptNotFound, req.Name)
	}

	// Missing required arguments fail before the renderer runs.
	for _, arg := range sp.Prompt.Arguments {
		if !arg.Required {
			continue
		}
		if _, ok := req.Arguments[arg.Name]; !ok {
			return nil, fmt.Errorf("%w: missing required argument %q", ErrInvalidArguments, arg.Name)
		}
	}

	return sp.Render(ctx, req.Arguments)
}
