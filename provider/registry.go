package provider

import (
	"sort"
	"sync"

	"github.com/hupe1980/agentcoord/core"
)

// Registry resolves providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]core.Provider
}

// NewRegistry creates a registry holding ps.
func NewRegistry(ps ...core.Provider) *Registry {
	r := &Registry{providers: make(map[string]core.Provider, len(ps))}
	for _, p := range ps {
		r.providers[p.Name()] = p
	}
	return r
}

// Register adds or replaces p.
func (r *Registry) Register(p core.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider called name.
func (r *Registry) Get(name string) (core.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, core.Errorf(core.KindConfiguration, "provider.get", "unknown provider %q", name)
	}
	return p, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// Chain resolves names in order.
func (r *Registry) Chain(names []string) ([]core.Provider, error) {
	out := make([]core.Provider, 0, len(names))
	for _, n := range names {
		p, err := r.Get(n)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for n := range r.providers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
