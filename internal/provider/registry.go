package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Info pairs a provider name with its registry role.
type Info struct {
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

// Registry holds registered providers and resolves which one runs a given
// job. Unknown names fall back to the configured default so a job enqueued
// with a stale provider name still runs.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
}

// NewRegistry creates an empty provider registry with the given default name.
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		providers:   make(map[string]Provider),
		defaultName: defaultName,
	}
}

// Register adds a provider to the registry under the given name.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Resolve returns the provider registered under name, or the default provider
// when name is empty or unknown. It errors only when the fallback itself is
// not registered.
func (r *Registry) Resolve(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	if p, ok := r.providers[r.defaultName]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("provider %q is not registered and default %q is missing", name, r.defaultName)
}

// DefaultName returns the configured fallback provider name.
func (r *Registry) DefaultName() string {
	return r.defaultName
}

// List returns information about all registered providers, sorted by name
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.providers))
	for name := range r.providers {
		infos = append(infos, Info{
			Name:    name,
			Default: name == r.defaultName,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
