package mcpserver

import (
	"context"
	"fmt"
	"sync"

	"github.com/sergiobayona/vector-mcp/mcp"
)

// ResourceReaderFunc produces the contents for one resource.
type ResourceReaderFunc func(ctx context.Context) ([]mcp.ResourceContents, error)

// ServerResource pairs a resource's wire description with its reader.
type ServerResource struct {
	Resource mcp.Resource
	Reader   ResourceReaderFunc
}

// StaticResources is a fixed-set resources capability. It supports
// subscriptions so that callers (a file watcher, a background job) can push
// updates through NotifyUpdated.
type StaticResources struct {
	mu        sync.RWMutex
	order     []string
	resources map[string]*ServerResource
	templates []mcp.ResourceTemplate
	listeners map[int]func(uri string)
	nextToken int
}

var _ ResourcesCapability = (*StaticResources)(nil)

// NewStaticResources constructs a capability with the given resources
// registered in order.
func NewStaticResources(resources ...*ServerResource) *StaticResources {
	c := &StaticResources{
		resources: make(map[string]*ServerResource),
		listeners: make(map[int]func(uri string)),
	}
	for _, sr := range resources {
		c.Register(sr)
	}
	return c
}

// Register adds or replaces a resource by URI.
func (c *StaticResources) Register(sr *ServerResource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.resources[sr.Resource.URI]; !exists {
		c.order = append(c.order, sr.Resource.URI)
	}
	c.resources[sr.Resource.URI] = sr
}

// AddTemplate registers a resource template.
func (c *StaticResources) AddTemplate(tpl mcp.ResourceTemplate) {
	c.mu.Lock()
	c.templates = append(c.templates, tpl)
	c.mu.Unlock()
}

// ListResources implements ResourcesCapability.
func (c *StaticResources) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mcp.Resource, 0, len(c.order))
	for _, uri := range c.order {
		out = append(out, c.resources[uri].Resource)
	}
	return out, nil
}

// ListTemplates implements ResourcesCapability.
func (c *StaticResources) ListTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]mcp.ResourceTemplate(nil), c.templates...), nil
}

// ReadResource implements ResourcesCapability.
func (c *StaticResources) ReadResource(ctx context.Context, uri string) ([]mcp.ResourceContents, error) {
	c.mu.RLock()
	sr, ok := c.resources[uri]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrResourceNotFound, uri)
	}
	return sr.Reader(ctx)
}

// Subscribable implements ResourcesCapability.
func (c *StaticResources) Subscribable() bool { return true }

// OnResourceUpdated implements ResourcesCapability.
func (c *StaticResources) OnResourceUpdated(fn func(uri string)) func() {
	c.mu.Lock()
	token := c.nextToken
	c.nextToken++
	c.listeners[token] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, token)
		c.mu.Unlock()
	}
}

// NotifyUpdated fires every registered update listener for the URI.
func (c *StaticResources) NotifyUpdated(uri string) {
	c.mu.RLock()
	fns := make([]func(string), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()

	for _, fn := range fns {
		fn(uri)
	}
}

// TextResource builds a ServerResource serving a fixed string.
func TextResource(uri, name, mimeType, text string) *ServerResource {
	return &ServerResource{
		Resource: mcp.Resource{URI: uri, Name: name, MimeType: mimeType},
		Reader: func(ctx context.Context) ([]mcp.ResourceContents, error) {
			return []mcp.ResourceContents{{URI: uri, MimeType: mimeType, Text: text}}, nil
		},
	}
}
