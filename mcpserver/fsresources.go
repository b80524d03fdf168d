package mcpserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/sergiobayona/vector-mcp/mcp"
)

// DirResources serves the files under a root directory as resources and
// watches the tree for changes, firing update callbacks so subscribed
// sessions can be notified. URIs take the form file:///<path relative to
// root>.
type DirResources struct {
	root    string
	log     *slog.Logger
	watcher *fsnotify.Watcher

	mu        sync.RWMutex
	listeners map[int]func(uri string)
	nextToken int
	closed    bool
}

var _ ResourcesCapability = (*DirResources)(nil)

// NewDirResources constructs a DirResources over root and starts watching it.
// The caller must Close it when done.
func NewDirResources(root string, log *slog.Logger) (*DirResources, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", abs)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	d := &DirResources{
		root:      abs,
		log:       log,
		watcher:   watcher,
		listeners: make(map[int]func(uri string)),
	}

	// Watch the root and every subdirectory present at startup. Directories
	// created later are added from the event loop.
	err = filepath.WalkDir(abs, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch tree: %w", err)
	}

	go d.watch()
	return d, nil
}

func (d *DirResources) watch() {
	for {
		select {
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := d.watcher.Add(ev.Name); err != nil {
						d.log.Warn("fsresources.watch.add_failed",
							slog.String("path", ev.Name),
							slog.String("err", err.Error()))
					}
					continue
				}
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				if uri, ok := d.uriFor(ev.Name); ok {
					d.log.Debug("fsresources.updated", slog.String("uri", uri))
					d.fire(uri)
				}
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Warn("fsresources.watch.error", slog.String("err", err.Error()))
		}
	}
}

// Close stops the watcher. Subsequent reads still work; updates stop firing.
func (d *DirResources) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	return d.watcher.Close()
}

// ListResources implements ResourcesCapability.
func (d *DirResources) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	var out []mcp.Resource
	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		uri, ok := d.uriFor(path)
		if !ok {
			return nil
		}
		out = append(out, mcp.Resource{
			URI:      uri,
			Name:     entry.Name(),
			MimeType: mimeTypeFor(path),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", d.root, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out, nil
}

// ListTemplates implements ResourcesCapability.
func (d *DirResources) ListTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	return []mcp.ResourceTemplate{{
		URITemplate: "file:///{path}",
		Name:        "file",
		Description: "A file under the served directory",
	}}, nil
}

// ReadResource implements ResourcesCapability.
func (d *DirResources) ReadResource(ctx context.Context, uri string) ([]mcp.ResourceContents, error) {
	path, ok := d.pathFor(uri)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrResourceNotFound, uri)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrResourceNotFound, uri)
		}
		return nil, fmt.Errorf("failed to read %q: %w", uri, err)
	}

	mimeType := mimeTypeFor(path)
	contents := mcp.ResourceContents{URI: uri, MimeType: mimeType}
	if isTextMime(mimeType) {
		contents.Text = string(data)
	} else {
		contents.Blob = base64.StdEncoding.EncodeToString(data)
	}
	return []mcp.ResourceContents{contents}, nil
}

// Subscribable implements ResourcesCapability.
func (d *DirResources) Subscribable() bool { return true }

// OnResourceUpdated implements ResourcesCapability.
func (d *DirResources) OnResourceUpdated(fn func(uri string)) func() {
	d.mu.Lock()
	token := d.nextToken
	d.nextToken++
	d.listeners[token] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.listeners, token)
		d.mu.Unlock()
	}
}

func (d *DirResources) fire(uri string) {
	d.mu.RLock()
	fns := make([]func(string), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.mu.RUnlock()

	for _, fn := range fns {
		fn(uri)
	}
}

func (d *DirResources) uriFor(path string) (string, bool) {
	rel, err := filepath.Rel(d.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return "file:///" + filepath.ToSlash(rel), true
}

func (d *DirResources) pathFor(uri string) (string, bool) {
	rel, ok := strings.CutPrefix(uri, "file:///")
	if !ok || rel == "" {
		return "", false
	}
	path := filepath.Join(d.root, filepath.FromSlash(rel))
	// Joined paths that escape the root are rejected.
	if canonical, err := filepath.Rel(d.root, path); err != nil || strings.HasPrefix(canonical, "..") {
		return "", false
	}
	return path, true
}

func mimeTypeFor(path string) string {
	if mt := mime.TypeByExtension(filepath.Ext(path)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

func isTextMime(mimeType string) bool {
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	switch {
	case strings.Contains(mimeType, "json"),
		strings.Contains(mimeType, "xml"),
		strings.Contains(mimeType, "yaml"):
		return true
	}
	return false
}
