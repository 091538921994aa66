// Package workspace resolves the working directory a job executes in. The
// directory is captured once, at enqueue time, and stored on the job record;
// later override changes never move an already-enqueued job.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrNotConfigured reports that a chat context has no working directory: no
// override is set and no default root was configured.
var ErrNotConfigured = errors.New("no workspace configured")

// Resolver maps a chat context to its current working directory.
type Resolver interface {
	Resolve(chatContextID string) (string, error)
}

// DirResolver serves a configured default root with per-chat overrides.
type DirResolver struct {
	mu        sync.RWMutex
	root      string
	overrides map[string]string
}

// NewDirResolver creates a resolver rooted at the given default directory.
func NewDirResolver(root string) *DirResolver {
	return &DirResolver{
		root:      root,
		overrides: make(map[string]string),
	}
}

// Select sets the working directory override for a chat context. The
// directory must exist. An empty dir clears the override.
func (r *DirResolver) Select(chatContextID, dir string) error {
	if dir == "" {
		r.mu.Lock()
		delete(r.overrides, chatContextID)
		r.mu.Unlock()
		return nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace: %s is not a directory", dir)
	}

	r.mu.Lock()
	r.overrides[chatContextID] = dir
	r.mu.Unlock()
	return nil
}

// Resolve returns the working directory for a chat context: the override if
// one is set, the default root otherwise.
func (r *DirResolver) Resolve(chatContextID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if dir, ok := r.overrides[chatContextID]; ok {
		return dir, nil
	}
	if r.root == "" {
		return "", fmt.Errorf("workspace: chat %s: %w", chatContextID, ErrNotConfigured)
	}
	return r.root, nil
}

var _ Resolver = (*DirResolver)(nil)
