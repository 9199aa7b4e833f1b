// Package routers implements the decision engine: eligibility, availability,
// hard override rules, weighted scoring, and optional load-aware ordering.
package routers

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/ocrmux/internal/registry"
	"github.com/blueberrycongee/ocrmux/pkg/backend"
	ocrerrors "github.com/blueberrycongee/ocrmux/pkg/errors"
	"github.com/blueberrycongee/ocrmux/pkg/router"
	"github.com/blueberrycongee/ocrmux/pkg/types"
)

// Catalog lists the backends able to take a request.
type Catalog interface {
	ListEligible(req *types.Request) []registry.Entry
}

// HealthView reports whether a backend may currently receive traffic.
type HealthView interface {
	IsAvailable(name string) bool
}

// LoadView reports whether every concurrency slot of a backend is taken.
type LoadView interface {
	Saturated(name string) bool
}

// Engine is the decision engine. It is safe for concurrent use; the policy
// is an immutable snapshot swapped atomically.
type Engine struct {
	catalog Catalog
	health  HealthView
	load    LoadView
	policy  atomic.Pointer[router.Policy]
	now     func() time.Time
}

var _ router.Router = (*Engine)(nil)

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLoadView enables saturation lookups for load-aware ordering.
func WithLoadView(l LoadView) EngineOption {
	return func(e *Engine) { e.load = l }
}

// WithClock overrides the clock used to stamp decisions.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a decision engine with the given policy.
func NewEngine(catalog Catalog, health HealthView, policy router.Policy, opts ...EngineOption) (*Engine, error) {
	if catalog == nil || health == nil {
		return nil, fmt.Errorf("decision engine requires a catalog and a health view")
	}
	e := &Engine{
		catalog: catalog,
		health:  health,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.SetPolicy(policy); err != nil {
		return nil, err
	}
	return e, nil
}

// Policy returns the routing policy currently in effect.
func (e *Engine) Policy() router.Policy {
	return *e.policy.Load()
}

// SetPolicy validates and atomically installs p.
func (e *Engine) SetPolicy(p router.Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid routing policy: %w", err)
	}
	p.Rules = append([]router.Rule(nil), p.Rules...)
	e.policy.Store(&p)
	return nil
}

// Decide ranks the backends for req.
//
// Without an override the pool is every eligible backend that is available;
// when none is, the whole eligible set is used and the decision is degraded.
// Kind and name overrides restrict the eligible set first and apply the same
// availability fallback inside the restricted subset, so they are never
// relaxed to find an available backend. Selector overrides pick the maximum
// among available backends; see selectAvailable.
func (e *Engine) Decide(ctx context.Context, req *types.Request) (*router.Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	policy := e.policy.Load()

	eligible := e.catalog.ListEligible(req)
	if len(eligible) == 0 {
		return nil, &ocrerrors.NoEligibleBackendError{
			TaskType:    req.TaskType,
			PayloadSize: req.Size(),
			Reason:      "no registered backend supports the task type and payload size",
		}
	}

	pool := eligible
	target, reason, overridden := matchOverride(policy.Rules, req)
	if overridden {
		if target.Select != "" {
			pool = e.selectAvailable(target, eligible)
		} else {
			pool = applyTarget(target, eligible)
		}
		if len(pool) == 0 {
			return nil, &ocrerrors.NoEligibleBackendError{
				TaskType:    req.TaskType,
				PayloadSize: req.Size(),
				Reason:      fmt.Sprintf("override %q matched but no eligible backend satisfies it", reason),
			}
		}
	}

	available := e.available(pool)
	degraded := false
	if len(available) == 0 {
		available = pool
		degraded = true
	}

	ranked := rank(policy.Weights, available, req)
	candidates := make([]router.Candidate, len(ranked))
	for i, s := range ranked {
		candidates[i] = s.candidate
	}
	if policy.LoadAware && e.load != nil {
		candidates = demoteSaturated(candidates, e.load)
	}

	return &router.Decision{
		Candidates:     candidates,
		Winner:         candidates[0].Backend,
		OverrideReason: reason,
		Degraded:       degraded,
		CreatedAt:      e.now(),
	}, nil
}

func (e *Engine) available(entries []registry.Entry) []registry.Entry {
	return filter(entries, func(en registry.Entry) bool {
		return e.health.IsAvailable(en.Name())
	})
}

// selectAvailable applies a selector override to the available backends.
// A max_privacy selection stays inside the kinds that hold the eligible
// maximum, so an unavailable on-device backend is replaced by another
// on-device one but never by a remote one. When nothing qualifies the
// selector runs over the whole eligible set and the caller degrades.
func (e *Engine) selectAvailable(target router.RuleTarget, eligible []registry.Entry) []registry.Entry {
	best := applyTarget(target, eligible)
	scope := e.available(eligible)
	if target.Select == router.SelectMaxPrivacy {
		kinds := make(map[backend.Kind]bool, len(best))
		for _, en := range best {
			kinds[en.Descriptor.Kind] = true
		}
		scope = filter(scope, func(en registry.Entry) bool { return kinds[en.Descriptor.Kind] })
	}
	if sel := applyTarget(target, scope); len(sel) > 0 {
		return sel
	}
	return best
}

// demoteSaturated moves saturated candidates behind unsaturated ones while
// keeping the relative order inside both groups.
func demoteSaturated(candidates []router.Candidate, load LoadView) []router.Candidate {
	free := make([]router.Candidate, 0, len(candidates))
	var busy []router.Candidate
	for _, c := range candidates {
		if load.Saturated(c.Backend) {
			c.Saturated = true
			busy = append(busy, c)
			continue
		}
		free = append(free, c)
	}
	return append(free, busy...)
}
