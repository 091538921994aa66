package workspace_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/seantiz/foreman/internal/workspace"
)

func TestResolveDefaultRoot(t *testing.T) {
	root := t.TempDir()
	r := workspace.NewDirResolver(root)

	dir, err := r.Resolve("chat-1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if dir != root {
		t.Errorf("Resolve = %q, want default root %q", dir, root)
	}
}

func TestSelectOverridesPerChat(t *testing.T) {
	root := t.TempDir()
	override := t.TempDir()
	r := workspace.NewDirResolver(root)

	if err := r.Select("chat-1", override); err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	dir, err := r.Resolve("chat-1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if dir != override {
		t.Errorf("Resolve = %q, want override %q", dir, override)
	}

	other, err := r.Resolve("chat-2")
	if err != nil {
		t.Fatalf("Resolve for other chat failed: %v", err)
	}
	if other != root {
		t.Errorf("Resolve for other chat = %q, want default root %q", other, root)
	}
}

func TestSelectEmptyClearsOverride(t *testing.T) {
	root := t.TempDir()
	r := workspace.NewDirResolver(root)

	if err := r.Select("chat-1", t.TempDir()); err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if err := r.Select("chat-1", ""); err != nil {
		t.Fatalf("clearing Select failed: %v", err)
	}

	dir, err := r.Resolve("chat-1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if dir != root {
		t.Errorf("Resolve = %q, want default root after clear", dir)
	}
}

func TestSelectRejectsMissingDir(t *testing.T) {
	r := workspace.NewDirResolver(t.TempDir())

	if err := r.Select("chat-1", filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("Select accepted a missing directory")
	}
}

func TestSelectRejectsFile(t *testing.T) {
	r := workspace.NewDirResolver(t.TempDir())

	file := filepath.Join(t.TempDir(), "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	if err := r.Select("chat-1", file); err == nil {
		t.Fatal("Select accepted a plain file")
	}
}

func TestResolveNoRootConfigured(t *testing.T) {
	r := workspace.NewDirResolver("")

	_, err := r.Resolve("chat-1")
	if err == nil {
		t.Fatal("Resolve returned nil error with no root and no override")
	}
	if !errors.Is(err, workspace.ErrNotConfigured) {
		t.Errorf("error = %v, want ErrNotConfigured", err)
	}

	override := t.TempDir()
	if err := r.Select("chat-1", override); err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	dir, err := r.Resolve("chat-1")
	if err != nil {
		t.Fatalf("Resolve failed after Select: %v", err)
	}
	if dir != override {
		t.Errorf("Resolve = %q, want override %q", dir, override)
	}
}
