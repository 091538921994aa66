// Package tools provides the tool registry consumed by the tool-calling
// provider: named tool definitions plus execution by name.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownTool is returned when a call names a tool that is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// Handler executes one tool invocation.
type Handler func(ctx context.Context, input json.RawMessage) (string, error)

// Tool describes a callable tool exposed to the generative backend.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	Handler     Handler         `json:"-"`
}

// Registry provides tool definitions and executes tool calls by name.
type Registry interface {
	List() []Tool
	Call(ctx context.Context, name string, input json.RawMessage) (string, error)
}

// StaticRegistry is an in-memory Registry.
type StaticRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewStaticRegistry creates a registry holding the given tools.
func NewStaticRegistry(ts ...Tool) *StaticRegistry {
	r := &StaticRegistry{tools: make(map[string]Tool)}
	for _, t := range ts {
		r.tools[t.Name] = t
	}
	return r
}

// Register adds or replaces a tool.
func (r *StaticRegistry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// List returns all registered tools sorted by name.
func (r *StaticRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call executes the named tool. A handler panic is recovered and reported as
// an ordinary error so one misbehaving tool cannot take down the loop.
func (r *StaticRegistry) Call(ctx context.Context, name string, input json.RawMessage) (output string, err error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %q panicked: %v", name, rec)
		}
	}()
	return t.Handler(ctx, input)
}
