package backend

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Settings carries everything a backend factory needs to construct a
// backend for a run.
type Settings struct {
	WorkingDir string
	Host       string
	Port       int
	// OptionDefaults are merged under each target's own options before
	// script generation, like a default walltime.
	OptionDefaults map[string]string
	Logger         *slog.Logger
}

// Factory constructs a backend of one kind.
type Factory func(s Settings) (Backend, error)

// Registry holds the closed set of backend kinds and resolves which one to
// construct for a run.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a backend kind under the given name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Resolve returns the factory for the named backend kind.
func (r *Registry) Resolve(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("backend %q is not registered", name)
	}
	return f, nil
}

// List returns the registered backend names, sorted for stable output.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
