package ordertype

import (
	"fmt"
	"sort"
	"sync"

	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
)

// Registry maps type names to handlers. Populated at startup, read-only
// thereafter; Register after the first Get is a programming error.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under its name. Duplicate names fail loudly to
// surface wiring mistakes at startup.
func (r *Registry) Register(h Handler) error {
	name := h.Name()
	if name == "" {
		return fmt.Errorf("order type handler has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("order type %q is already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister registers a handler and panics on conflict. For startup wiring.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Get looks up a handler by type name.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, apperrors.ErrTypeNotFoundf(name)
	}
	return h, nil
}

// Names returns the registered type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
