package mcpserver

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestDirResources(t *testing.T) (*DirResources, string) {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "readme.md"), []byte("# hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err := NewDirResources(root, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	if err != nil {
		t.Fatalf("NewDirResources: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, root
}

func TestDirResourcesListAndRead(t *testing.T) {
	d, _ := newTestDirResources(t)

	resources, err := d.ListResources(context.Background())
	if err != nil {
		t.Fatalf("ListResources: %v", err)
	}
	if len(resources) != 1 || resources[0].URI != "file:///readme.md" {
		t.Fatalf("unexpected listing: %+v", resources)
	}

	contents, err := d.ReadResource(context.Background(), "file:///readme.md")
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if contents[0].Text != "# hello\n" {
		t.Fatalf("unexpected contents: %+v", contents[0])
	}
}

func TestDirResourcesRejectsEscape(t *testing.T) {
	d, _ := newTestDirResources(t)

	if _, err := d.ReadResource(context.Background(), "file:///../etc/passwd"); !errors.Is(err, ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound for traversal, got %v", err)
	}
	if _, err := d.ReadResource(context.Background(), "file:///missing.txt"); !errors.Is(err, ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound for missing file, got %v", err)
	}
}

func TestDirResourcesFiresUpdateOnWrite(t *testing.T) {
	d, root := newTestDirResources(t)

	updates := make(chan string, 8)
	unregister := d.OnResourceUpdated(func(uri string) { updates <- uri })
	defer unregister()

	if err := os.WriteFile(filepath.Join(root, "readme.md"), []byte("# changed\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case uri := <-updates:
		if uri != "file:///readme.md" {
			t.Fatalf("unexpected update uri %q", uri)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update fired for file write")
	}
}
