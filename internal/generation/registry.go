package generation

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry resolves adapters by provider name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter under its name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[strings.ToLower(a.Name())] = a
	r.mu.Unlock()
}

// Get returns the adapter for provider.
func (r *Registry) Get(provider string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(provider)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return a, nil
}

// Has reports whether an adapter is registered for provider.
func (r *Registry) Has(provider string) bool {
	_, err := r.Get(provider)
	return err == nil
}

// Decoder returns the provider's native callback decoder, falling back to
// the generic JSON decoder.
func (r *Registry) Decoder(provider string) CallbackDecoder {
	a, err := r.Get(provider)
	if err == nil {
		if d, ok := a.(CallbackDecoder); ok {
			return d
		}
	}
	return GenericDecoder{Provider: strings.ToLower(provider)}
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
