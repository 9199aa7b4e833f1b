//go:build !tesseract

package tesseract

import (
	"context"
	"errors"
	"fmt"

	"github.com/blueberrycongee/ocrmux/pkg/backend"
	ocrerrors "github.com/blueberrycongee/ocrmux/pkg/errors"
	"github.com/blueberrycongee/ocrmux/pkg/types"
)

// Backend stands in for the Tesseract engine in builds without the tesseract
// tag. It stays registered so configurations load unchanged, but it never
// reports healthy and every request fails as unavailable, which keeps its
// circuit open and routes traffic to the other backends.
type Backend struct {
	name string
	opts Options
}

// New creates the placeholder backend.
func New(name string, opts Options) (*Backend, error) {
	if name == "" {
		return nil, errors.New("backend name is required")
	}
	if len(opts.Languages) == 0 {
		opts.Languages = []string{defaultLanguage}
	}
	return &Backend{name: name, opts: opts}, nil
}

// NewFromOptions is the factory entry point for configuration-driven creation.
func NewFromOptions(name string, raw map[string]string) (backend.Backend, error) {
	opts, err := ParseOptions(raw)
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", name, err)
	}
	return New(name, opts)
}

// Name implements backend.Backend.
func (b *Backend) Name() string {
	return b.name
}

// Process implements backend.Backend.
func (b *Backend) Process(context.Context, *types.Request) (*types.Result, error) {
	be := ocrerrors.NewBackendUnavailable(b.name, ErrNotCompiled.Error())
	be.Cause = ErrNotCompiled
	return nil, be
}

// Health implements backend.Backend.
func (b *Backend) Health(context.Context) backend.HealthReport {
	return backend.HealthReport{OK: false, Detail: ErrNotCompiled.Error()}
}
