// Package dispatch executes routing decisions: it walks the ranked
// candidates, gates on backend health, bounds concurrency, enforces per-call
// timeouts, and reports every outcome back to the health monitor.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/ocrmux/internal/observability"
	"github.com/blueberrycongee/ocrmux/internal/registry"
	"github.com/blueberrycongee/ocrmux/internal/resilience"
	ocrerrors "github.com/blueberrycongee/ocrmux/pkg/errors"
	"github.com/blueberrycongee/ocrmux/pkg/router"
	"github.com/blueberrycongee/ocrmux/pkg/types"
)

// Attempt outcomes reported to observers.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeLimit   = "limit"
	OutcomeSkipped = "skipped"
)

// Health is the part of the health monitor the dispatcher drives.
type Health interface {
	Admit(name string, lastResort bool) (resilience.Permit, bool)
	Complete(name string, p resilience.Permit, success bool)
	Release(name string, p resilience.Permit)
}

// Catalog resolves backend names.
type Catalog interface {
	Get(name string) (registry.Entry, error)
}

// Limits hands out concurrency slots and rate-limit tokens.
type Limits interface {
	AcquireSlot(ctx context.Context, name string) (func(), error)
	WaitRate(ctx context.Context, name string) error
}

// AttemptObserver is told about every attempt, including skipped candidates.
type AttemptObserver func(backend, outcome string, latency time.Duration)

// Dispatcher executes decisions. It is safe for concurrent use.
type Dispatcher struct {
	cfg      Config
	catalog  Catalog
	health   Health
	limits   Limits
	logger   *slog.Logger
	tracer   trace.Tracer
	redactor *observability.Redactor
	observe  AttemptObserver
	backoff  *backoff
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithTracer sets the tracer used for attempt spans.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

// WithRedactor masks sensitive data in logged backend errors.
func WithRedactor(r *observability.Redactor) Option {
	return func(d *Dispatcher) { d.redactor = r }
}

// WithObserver registers an attempt observer.
func WithObserver(fn AttemptObserver) Option {
	return func(d *Dispatcher) { d.observe = fn }
}

// New creates a dispatcher.
func New(cfg Config, catalog Catalog, health Health, limits Limits, opts ...Option) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:     cfg,
		catalog: catalog,
		health:  health,
		limits:  limits,
		logger:  slog.Default(),
		tracer:  observability.DefaultTracer(),
		backoff: newBackoff(cfg.Backoff, cfg.MaxBackoff, cfg.Jitter),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// Execute runs req against the decision's candidates in rank order.
//
// At most min(MaxAttempts, len(candidates)) backends are invoked, each at
// most once. Candidates rejected by the health gate are recorded as skipped
// and do not consume an attempt. Degraded decisions may reach a backend whose
// circuit is open as a last resort, but never one running a half-open trial.
func (d *Dispatcher) Execute(ctx context.Context, decision *router.Decision, req *types.Request) (*types.Result, error) {
	if decision == nil || len(decision.Candidates) == 0 {
		return nil, &ocrerrors.NoEligibleBackendError{
			TaskType:    req.TaskType,
			PayloadSize: req.Size(),
			Reason:      "decision has no candidates",
		}
	}

	start := time.Now()
	maxAttempts := min(d.cfg.MaxAttempts, len(decision.Candidates))
	attempted := 0
	var (
		failures []ocrerrors.AttemptFailure
		history  []types.Attempt
	)

	for _, cand := range decision.Candidates {
		if attempted >= maxAttempts {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := cand.Backend

		entry, err := d.catalog.Get(name)
		if err != nil {
			failures = append(failures, ocrerrors.AttemptFailure{
				Backend: name, Type: ocrerrors.TypeUnavailable, Reason: "backend not registered", Skipped: true,
			})
			history = append(history, types.Attempt{Backend: name, Skipped: true, Reason: "backend not registered"})
			continue
		}

		permit, ok := d.health.Admit(name, decision.Degraded)
		if !ok {
			reason := "circuit open"
			if decision.Degraded {
				reason = "half-open trial in flight"
			}
			failures = append(failures, ocrerrors.AttemptFailure{
				Backend: name, Type: ocrerrors.TypeUnavailable, Reason: reason, Skipped: true,
			})
			history = append(history, types.Attempt{Backend: name, Skipped: true, Reason: reason})
			d.notify(name, OutcomeSkipped, 0)
			continue
		}

		if attempted > 0 {
			if err := d.sleep(ctx, d.backoff.next(attempted)); err != nil {
				d.health.Release(name, permit)
				return nil, err
			}
		}
		attempted++

		attemptStart := time.Now()
		res, err := d.attempt(ctx, entry, req, attempted, permit)
		latency := time.Since(attemptStart)

		if err == nil {
			history = append(history, types.Attempt{Backend: name, Success: true, Latency: latency})
			return d.finish(res, decision, req, history, start), nil
		}
		if ctx.Err() != nil {
			// The caller is gone; any in-flight call reports its own outcome.
			return nil, ctx.Err()
		}

		failure := ocrerrors.FailureFrom(name, err)
		failures = append(failures, failure)
		history = append(history, types.Attempt{Backend: name, Reason: failure.Reason, Latency: latency})
		d.logger.Warn("backend attempt failed",
			"request_id", req.ID,
			"backend", name,
			"attempt", attempted,
			"type", failure.Type,
			"error", d.redact(err.Error()),
		)
	}

	return nil, &ocrerrors.AllBackendsFailedError{Failures: failures}
}

// attempt runs one backend call. The slot and any half-open trial are
// settled on every path.
func (d *Dispatcher) attempt(ctx context.Context, entry registry.Entry, req *types.Request, n int, permit resilience.Permit) (*types.Result, error) {
	name := entry.Name()
	ctx, span := observability.StartAttemptSpan(ctx, d.tracer, name, n)
	defer span.End()

	waitCtx := ctx
	if d.cfg.QueueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, d.cfg.QueueTimeout)
		defer cancel()
	}

	release, err := d.limits.AcquireSlot(waitCtx, name)
	if err == nil {
		if err = d.limits.WaitRate(waitCtx, name); err != nil {
			release()
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			d.health.Release(name, permit)
			return nil, ctx.Err()
		}
		d.health.Complete(name, permit, false)
		d.notify(name, OutcomeLimit, 0)
		limitErr := ocrerrors.NewBackendLimit(name, err)
		observability.RecordError(span, limitErr)
		return nil, limitErr
	}

	timeout := d.cfg.Timeout
	if entry.Descriptor.Timeout > 0 {
		timeout = entry.Descriptor.Timeout
	}
	call := newCall(name, permit, d.health, d.notify)
	res, err := call.run(ctx, entry, req, timeout, release)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Float64("ocrmux.result.confidence", res.Confidence))
	return res, nil
}

func (d *Dispatcher) finish(res *types.Result, decision *router.Decision, req *types.Request, history []types.Attempt, start time.Time) *types.Result {
	out := res.Clone()
	out.RequestID = req.ID
	out.Backend = history[len(history)-1].Backend
	out.OverrideReason = decision.OverrideReason
	out.Degraded = decision.Degraded
	out.Attempts = history
	out.Latency = time.Since(start)
	if decision.Degraded {
		out.Warnings = append(out.Warnings, ocrerrors.ErrDegraded.Error())
	}
	return out
}

func (d *Dispatcher) notify(name, outcome string, latency time.Duration) {
	if d.observe != nil {
		d.observe(name, outcome, latency)
	}
}

func (d *Dispatcher) redact(s string) string {
	if d.redactor == nil {
		return s
	}
	return d.redactor.Redact(s)
}

func sleepContext(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// errNoResult is returned when a backend reports success without a result.
var errNoResult = errors.New("backend returned no result")

func panicError(v any) error {
	return fmt.Errorf("backend panicked: %v", v)
}
