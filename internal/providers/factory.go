package providers

import (
	"fmt"
	"sync"
)

// Registry holds the set of configured Providers and resolves which one
// should serve a given Version (explicit Provider pin, or inferred from the
// model id), mirroring the teacher's routing.Router provider map.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string // registration order, used as SupportsModel fallback scan order
}

// NewRegistry builds an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds p under its Name(). Re-registering the same name replaces it.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Name()]; !exists {
		r.order = append(r.order, p.Name())
	}
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Resolve picks a provider for model. If explicitProvider is non-empty, it is
// used directly (spec §4.2's Version.Provider pin). Otherwise each registered
// provider's SupportsModel is probed in registration order.
func (r *Registry) Resolve(explicitProvider, model string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if explicitProvider != "" {
		p, ok := r.providers[explicitProvider]
		if !ok {
			return nil, fmt.Errorf("provider %q is not configured", explicitProvider)
		}
		return p, nil
	}

	for _, name := range r.order {
		p := r.providers[name]
		if p.SupportsModel(model) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no configured provider supports model %q", model)
}

// Names returns every registered provider name in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
