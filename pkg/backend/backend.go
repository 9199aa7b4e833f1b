// Package backend defines the public contract for document processing backends.
// Each backend (an on-device OCR engine, a remote OCR service, etc.) implements
// Backend and is registered with a Descriptor that states its capabilities.
package backend

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/blueberrycongee/ocrmux/pkg/types"
)

// Backend is a pluggable processing service.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Name returns the backend identifier. It must match the descriptor name.
	Name() string

	// Process executes the request. Implementations must honor ctx cancellation.
	Process(ctx context.Context, req *types.Request) (*types.Result, error)

	// Health runs a lightweight liveness probe.
	Health(ctx context.Context) HealthReport
}

// HealthReport is the result of a Health probe.
type HealthReport struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Kind tells where a backend runs.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindLocal || k == KindRemote
}

// Descriptor holds the static capability metadata of a backend.
// It is immutable once registered.
type Descriptor struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	// Capability scores, each in [0,1].
	Quality float64 `json:"quality"`
	Speed   float64 `json:"speed"`
	Cost    float64 `json:"cost"`
	Privacy float64 `json:"privacy"`

	// Tasks maps each supported task type to its affinity in [0,1].
	Tasks map[types.TaskType]float64 `json:"tasks"`

	MaxPayloadBytes int64 `json:"max_payload_bytes,omitempty"` // 0 = unlimited
	MaxConcurrent   int   `json:"max_concurrent"`

	// Timeout overrides the dispatcher's default per-call timeout when > 0.
	Timeout time.Duration `json:"timeout,omitempty"`

	// RateLimit is the sustained request rate in requests per second (0 = unlimited).
	RateLimit float64 `json:"rate_limit,omitempty"`
	Burst     int     `json:"burst,omitempty"`
}

// Validate checks the descriptor for errors.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("backend name is required")
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("backend %q: unknown kind %q", d.Name, d.Kind)
	}
	scores := []struct {
		name  string
		value float64
	}{
		{"quality", d.Quality},
		{"speed", d.Speed},
		{"cost", d.Cost},
		{"privacy", d.Privacy},
	}
	for _, s := range scores {
		if !unit(s.value) {
			return fmt.Errorf("backend %q: %s must be in [0,1], got %v", d.Name, s.name, s.value)
		}
	}
	if len(d.Tasks) == 0 {
		return fmt.Errorf("backend %q: at least one task type is required", d.Name)
	}
	for task, affinity := range d.Tasks {
		if task == "" {
			return fmt.Errorf("backend %q: empty task type", d.Name)
		}
		if !unit(affinity) {
			return fmt.Errorf("backend %q: affinity for %q must be in [0,1], got %v", d.Name, task, affinity)
		}
	}
	if d.MaxPayloadBytes < 0 {
		return fmt.Errorf("backend %q: max_payload_bytes cannot be negative", d.Name)
	}
	if d.MaxConcurrent < 0 {
		return fmt.Errorf("backend %q: max_concurrent cannot be negative", d.Name)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("backend %q: timeout cannot be negative", d.Name)
	}
	if d.RateLimit < 0 || d.Burst < 0 {
		return fmt.Errorf("backend %q: rate_limit and burst cannot be negative", d.Name)
	}
	return nil
}

// Normalize fills defaults for optional fields.
func (d *Descriptor) Normalize() {
	if d.MaxConcurrent <= 0 {
		d.MaxConcurrent = 1
	}
	if d.RateLimit > 0 && d.Burst <= 0 {
		d.Burst = int(math.Max(1, math.Ceil(d.RateLimit)))
	}
}

// Supports reports whether the backend can take the request:
// the task type is declared and the payload fits.
func (d *Descriptor) Supports(req *types.Request) bool {
	if _, ok := d.Tasks[req.TaskType]; !ok {
		return false
	}
	if d.MaxPayloadBytes > 0 && req.Size() > d.MaxPayloadBytes {
		return false
	}
	return true
}

// TaskTypes returns the supported task types in sorted order.
func (d *Descriptor) TaskTypes() []types.TaskType {
	out := make([]types.TaskType, 0, len(d.Tasks))
	for t := range d.Tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns a deep copy of d.
func (d Descriptor) Clone() Descriptor {
	if d.Tasks != nil {
		tasks := make(map[types.TaskType]float64, len(d.Tasks))
		for k, v := range d.Tasks {
			tasks[k] = v
		}
		d.Tasks = tasks
	}
	return d
}

func unit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
