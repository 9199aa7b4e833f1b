// Package registry holds the set of known backends and their descriptors.
package registry

import (
	"fmt"
	"sync"

	"github.com/blueberrycongee/ocrmux/pkg/backend"
	ocrerrors "github.com/blueberrycongee/ocrmux/pkg/errors"
	"github.com/blueberrycongee/ocrmux/pkg/types"
)

// Entry pairs a registered backend with its descriptor and registration index.
type Entry struct {
	Descriptor backend.Descriptor
	Backend    backend.Backend
	Order      int
}

// Name returns the backend name.
func (e Entry) Name() string {
	return e.Descriptor.Name
}

// Registry manages backend descriptors and instances.
// It never holds health state.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
	}
}

// Register adds or replaces a backend. Registration is idempotent by name:
// re-registering overwrites the descriptor and instance but keeps the
// original registration order.
func (r *Registry) Register(desc backend.Descriptor, b backend.Backend) error {
	if b == nil {
		return fmt.Errorf("register %q: backend is nil", desc.Name)
	}
	desc = desc.Clone()
	desc.Normalize()
	if err := desc.Validate(); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if b.Name() != desc.Name {
		return fmt.Errorf("register %q: backend reports name %q", desc.Name, b.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[desc.Name]; ok {
		existing.Descriptor = desc
		existing.Backend = b
		return nil
	}
	r.entries[desc.Name] = &Entry{
		Descriptor: desc,
		Backend:    b,
		Order:      len(r.order),
	}
	r.order = append(r.order, desc.Name)
	return nil
}

// Get returns the entry for name, or an UnknownBackendError.
func (r *Registry) Get(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return Entry{}, &ocrerrors.UnknownBackendError{Name: name}
	}
	return e.copy(), nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// ListEligible returns, in registration order, every backend that supports
// the request's task type and whose payload limit admits the request.
func (r *Registry) ListEligible(req *types.Request) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		if e.Descriptor.Supports(req) {
			out = append(out, e.copy())
		}
	}
	return out
}

// List returns every entry in registration order.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].copy())
	}
	return out
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (e *Entry) copy() Entry {
	return Entry{
		Descriptor: e.Descriptor.Clone(),
		Backend:    e.Backend,
		Order:      e.Order,
	}
}
