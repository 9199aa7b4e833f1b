// Package backends creates backend implementations from configuration.
package backends

import (
	"fmt"
	"sort"
	"sync"

	"github.com/blueberrycongee/ocrmux/backends/httpbackend"
	"github.com/blueberrycongee/ocrmux/backends/tesseract"
	"github.com/blueberrycongee/ocrmux/pkg/backend"
)

// Built-in backend types.
const (
	TypeHTTP      = "http"
	TypeTesseract = "tesseract"
)

// Config describes one backend instance to create.
type Config struct {
	Name    string
	Type    string
	Options map[string]string
}

// Factory creates a backend from its name and type-specific options.
type Factory func(name string, options map[string]string) (backend.Backend, error)

// Registry maps backend types to factories.
// It allows dynamic registration of new backend types.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty factory registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Default returns a registry with the built-in backend types.
func Default() *Registry {
	r := NewRegistry()
	r.RegisterFactory(TypeHTTP, httpbackend.NewFromOptions)
	r.RegisterFactory(TypeTesseract, tesseract.NewFromOptions)
	return r
}

// RegisterFactory registers a factory for a backend type, replacing any
// previous one.
func (r *Registry) RegisterFactory(backendType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[backendType] = factory
}

// Create builds a backend using the factory registered for cfg.Type.
func (r *Registry) Create(cfg Config) (backend.Backend, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}

	b, err := factory(cfg.Name, cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("create backend %s: %w", cfg.Name, err)
	}
	if b.Name() != cfg.Name {
		return nil, fmt.Errorf("create backend %s: factory returned backend named %q", cfg.Name, b.Name())
	}
	return b, nil
}

// Types returns the registered backend types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
