package ocrmux

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/ocrmux/backends"
	"github.com/blueberrycongee/ocrmux/internal/cache"
	"github.com/blueberrycongee/ocrmux/internal/dispatch"
	"github.com/blueberrycongee/ocrmux/internal/healthcheck"
	"github.com/blueberrycongee/ocrmux/internal/metrics"
	"github.com/blueberrycongee/ocrmux/internal/observability"
	"github.com/blueberrycongee/ocrmux/internal/registry"
	"github.com/blueberrycongee/ocrmux/internal/resilience"
	ocrerrors "github.com/blueberrycongee/ocrmux/pkg/errors"
	"github.com/blueberrycongee/ocrmux/pkg/router"
	"github.com/blueberrycongee/ocrmux/pkg/types"
	"github.com/blueberrycongee/ocrmux/routers"
)

// Cache kinds used in metrics and logs.
const (
	cacheKindResult   = "result"
	cacheKindDecision = "decision"
)

// Client is the main entry point for ocrmux library mode.
// It manages backends, health, routing, caching, and request execution.
//
// Client is safe for concurrent use by multiple goroutines.
type Client struct {
	registry   *registry.Registry
	monitor    *healthcheck.Monitor
	limits     *resilience.Manager
	engine     *routers.Engine
	dispatcher *dispatch.Dispatcher
	cache      *cache.Handler
	prober     *healthcheck.Prober
	metrics    *metrics.Collector
	tracer     trace.Tracer
	logger     *slog.Logger
	config     *ClientConfig

	// policyGen is part of every decision cache key, so that decisions made
	// under a replaced policy are never served.
	policyGen atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// New creates a new ocrmux client with the given options.
//
// Example:
//
//	client, err := ocrmux.New(
//	    ocrmux.WithBackend(localDesc, localEngine),
//	    ocrmux.WithBackendConfig(ocrmux.BackendConfig{
//	        Descriptor: cloudDesc,
//	        Type:       "http",
//	        Options:    map[string]string{"endpoint": "https://ocr.example.com"},
//	    }),
//	    ocrmux.WithLoadAware(true),
//	)
func New(opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Factories == nil {
		cfg.Factories = backends.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.DefaultTracer()
	}

	c := &Client{
		registry: registry.New(),
		limits:   resilience.NewManager(),
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
		config:   cfg,
	}
	if cfg.MetricsEnabled {
		c.metrics = metrics.NewCollector()
	}

	// Register backends
	for _, inst := range cfg.Instances {
		if err := c.registry.Register(inst.Descriptor, inst.Backend); err != nil {
			return nil, fmt.Errorf("add backend %s: %w", inst.Descriptor.Name, err)
		}
	}
	for _, bcfg := range cfg.Backends {
		b, err := cfg.Factories.Create(backends.Config{
			Name:    bcfg.Descriptor.Name,
			Type:    bcfg.Type,
			Options: bcfg.Options,
		})
		if err != nil {
			return nil, err
		}
		if err := c.registry.Register(bcfg.Descriptor, b); err != nil {
			return nil, fmt.Errorf("add backend %s: %w", bcfg.Descriptor.Name, err)
		}
	}
	if c.registry.Len() == 0 {
		return nil, fmt.Errorf("at least one backend is required")
	}
	if err := c.checkRefs(cfg.Policy); err != nil {
		return nil, err
	}

	// Health
	breaker := cfg.Breaker
	breaker.Clock = cfg.Clock
	c.monitor = healthcheck.NewMonitor(breaker, c.logger)
	if c.metrics != nil {
		c.monitor.OnTransition(c.metrics.RecordTransition)
	}
	for _, e := range c.registry.List() {
		c.monitor.Track(e.Name())
		c.limits.Configure(e.Name(), e.Descriptor.MaxConcurrent, e.Descriptor.RateLimit, e.Descriptor.Burst)
		if c.metrics != nil {
			c.metrics.InitBackend(e.Name())
		}
	}

	// Routing
	engine, err := routers.NewEngine(c.registry, c.monitor, cfg.Policy,
		routers.WithLoadView(c.limits),
		routers.WithClock(cfg.Clock),
	)
	if err != nil {
		return nil, err
	}
	c.engine = engine

	if err := cfg.Dispatch.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatch config: %w", err)
	}
	c.dispatcher = dispatch.New(cfg.Dispatch, c.registry, c.monitor, c.limits,
		dispatch.WithLogger(c.logger),
		dispatch.WithTracer(c.tracer),
		dispatch.WithRedactor(cfg.Redactor),
		dispatch.WithObserver(c.observeAttempt),
	)

	// Caching
	handler, err := c.newCacheHandler()
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}
	c.cache = handler

	// Probing
	c.prober = healthcheck.NewProber(cfg.Probe, c.registry, c.monitor, c.logger)
	if c.metrics != nil {
		c.prober.SetObserver(c.metrics.RecordProbe)
	}

	c.logger.Info("ocrmux client initialized",
		"backends", c.registry.Names(),
		"rules", len(cfg.Policy.Rules),
		"load_aware", cfg.Policy.LoadAware,
		"cache_enabled", c.cache.Enabled(),
		"probe_enabled", cfg.Probe.Enabled,
	)
	return c, nil
}

func (c *Client) newCacheHandler() (*cache.Handler, error) {
	cc := c.config.CacheConfig
	hcfg := cache.HandlerConfig{
		ResultTTL:   cc.TTL,
		DecisionTTL: cc.DecisionTTL,
		HashLimit:   cc.HashLimit,
	}
	if c.config.Cache != nil {
		return cache.NewHandler(c.config.Cache, hcfg), nil
	}
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	return cache.NewCacheHandler(cc)
}

// Start begins background health probing until ctx is canceled.
func (c *Client) Start(ctx context.Context) {
	c.prober.Start(ctx)
}

// RouteAndExecute routes req to a backend and returns its result.
//
// A cached result short-circuits routing. Otherwise a cached decision is
// reused while its winner is still available, or the decision engine ranks
// the backends, and the dispatcher tries the candidates in order.
func (c *Client) RouteAndExecute(ctx context.Context, req *Request) (*Result, error) {
	r, err := prepare(req)
	if err != nil {
		return nil, err
	}
	ctx = observability.EnsureRequestID(ctx, r)
	logger := observability.WithRequestID(ctx, c.logger)

	ctx, span := observability.StartRequestSpan(ctx, c.tracer, "ocrmux.RouteAndExecute", r)
	defer span.End()

	rm := &metrics.RequestMetrics{TaskType: r.TaskType, StartTime: time.Now()}
	defer func() {
		rm.EndTime = time.Now()
		if c.metrics != nil {
			c.metrics.RecordRequest(rm)
		}
	}()

	fp := c.cache.Fingerprint(r)
	if res, ok := c.lookupResult(ctx, logger, r, fp); ok {
		span.SetAttributes(attribute.Bool("ocrmux.cache.hit", true))
		rm.Success, rm.CacheHit, rm.Backend = true, true, res.Backend
		return res, nil
	}

	decision, err := c.decide(ctx, logger, r, fp)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	observability.RecordDecision(span, decision)
	rm.Winner = decision.Winner

	res, err := c.dispatcher.Execute(ctx, decision, r)
	if err != nil {
		observability.RecordError(span, err)
		var all *ocrerrors.AllBackendsFailedError
		if stderrors.As(err, &all) {
			_ = c.cache.InvalidateDecision(ctx, c.decisionFingerprint(fp))
			logger.Error("all backends failed", "candidates", decision.Names(), "error", err)
		}
		return nil, err
	}

	rm.Success, rm.Backend = true, res.Backend
	span.SetAttributes(attribute.String("ocrmux.result.backend", res.Backend))
	if res.Degraded {
		logger.Warn("request served in degraded mode", "backend", res.Backend, "warning", ocrerrors.ErrDegraded.Error())
	}
	if res.Backend != decision.Winner {
		logger.Info("request failed over", "winner", decision.Winner, "backend", res.Backend, "attempts", len(res.Attempts))
	}

	if err := c.cache.StoreResult(ctx, r, fp, res); err != nil {
		logger.Warn("failed to cache result", "error", err)
		if c.metrics != nil {
			c.metrics.RecordCacheStoreError(cacheKindResult)
		}
	}
	return res, nil
}

// Decide returns the routing decision for req without executing it or
// touching the cache.
func (c *Client) Decide(ctx context.Context, req *Request) (*Decision, error) {
	r, err := prepare(req)
	if err != nil {
		return nil, err
	}
	ctx = observability.EnsureRequestID(ctx, r)

	ctx, span := observability.StartRequestSpan(ctx, c.tracer, "ocrmux.Decide", r)
	defer span.End()

	d, err := c.engine.Decide(ctx, r)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	observability.RecordDecision(span, d)
	return d, nil
}

func (c *Client) lookupResult(ctx context.Context, logger *slog.Logger, r *types.Request, fp cache.Fingerprint) (*types.Result, bool) {
	if !c.cache.Enabled() || !cache.ResultCacheable(r, fp) {
		return nil, false
	}
	res, ok, err := c.cache.LookupResult(ctx, r, fp)
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(cacheKindResult, ok, err)
	}
	if err != nil {
		logger.Warn("result cache lookup failed", "error", err)
		return nil, false
	}
	return res, ok
}

// decide returns a cached decision whose winner is still available, or a
// fresh one from the engine.
func (c *Client) decide(ctx context.Context, logger *slog.Logger, r *types.Request, fp cache.Fingerprint) (*router.Decision, error) {
	dfp := c.decisionFingerprint(fp)
	if c.cache.Enabled() {
		d, ok, err := c.cache.LookupDecision(ctx, dfp)
		if err != nil {
			logger.Warn("decision cache lookup failed", "error", err)
		}
		if ok && !c.usable(d) {
			ok = false
			_ = c.cache.InvalidateDecision(ctx, dfp)
		}
		if c.metrics != nil {
			c.metrics.RecordCacheLookup(cacheKindDecision, ok, err)
		}
		if ok {
			return d, nil
		}
	}

	d, err := c.engine.Decide(ctx, r)
	if err != nil {
		var none *ocrerrors.NoEligibleBackendError
		if stderrors.As(err, &none) {
			logger.Warn("no eligible backend", "task_type", r.TaskType, "payload_size", r.Size())
			if c.metrics != nil {
				c.metrics.RecordNoEligible(r.TaskType)
			}
		}
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.RecordDecision(d)
	}
	if d.Degraded {
		logger.Warn("no healthy backend available", "candidates", d.Names())
	}

	if err := c.cache.StoreDecision(ctx, dfp, d); err != nil {
		logger.Warn("failed to cache decision", "error", err)
		if c.metrics != nil {
			c.metrics.RecordCacheStoreError(cacheKindDecision)
		}
	}
	return d, nil
}

// usable reports whether a cached decision may still be used: its winner is
// registered and available.
func (c *Client) usable(d *router.Decision) bool {
	return d.Winner != "" && c.registry.Has(d.Winner) && c.monitor.IsAvailable(d.Winner)
}

func (c *Client) decisionFingerprint(fp cache.Fingerprint) cache.Fingerprint {
	fp.Route = fp.Route + ":p" + strconv.FormatUint(c.policyGen.Load(), 10)
	return fp
}

func (c *Client) observeAttempt(name, outcome string, latency time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordAttempt(name, outcome, latency)
	c.metrics.SetSlotsInUse(name, c.limits.Stats(name).ConcurrentCurrent)
}

// Status returns the health state of every registered backend.
func (c *Client) Status() map[string]HealthState {
	return c.monitor.Snapshot()
}

// Ready reports whether at least one backend may receive traffic.
func (c *Client) Ready() bool {
	for _, name := range c.registry.Names() {
		if c.monitor.IsAvailable(name) {
			return true
		}
	}
	return false
}

// Backends returns the registered descriptors in registration order.
func (c *Client) Backends() []Descriptor {
	entries := c.registry.List()
	out := make([]Descriptor, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Descriptor)
	}
	return out
}

// Load returns the concurrency and rate-limit state of a backend.
func (c *Client) Load(name string) (resilience.ResilienceStats, error) {
	if !c.registry.Has(name) {
		return resilience.ResilienceStats{}, &ocrerrors.UnknownBackendError{Name: name}
	}
	return c.limits.Stats(name), nil
}

// ResetBackend forces a backend's circuit back to closed.
func (c *Client) ResetBackend(name string) error {
	if !c.registry.Has(name) {
		return &ocrerrors.UnknownBackendError{Name: name}
	}
	c.monitor.Reset(name)
	c.logger.Info("backend circuit reset", "backend", name)
	return nil
}

// Policy returns the routing policy currently in effect.
func (c *Client) Policy() Policy {
	return c.engine.Policy()
}

// SetPolicy atomically replaces the routing policy. Cached decisions made
// under the previous policy are no longer served.
func (c *Client) SetPolicy(p Policy) error {
	if err := c.checkRefs(p); err != nil {
		return err
	}
	if err := c.engine.SetPolicy(p); err != nil {
		return err
	}
	c.policyGen.Add(1)
	c.logger.Info("routing policy updated",
		"rules", len(p.Rules),
		"load_aware", p.LoadAware,
	)
	return nil
}

func (c *Client) checkRefs(p Policy) error {
	for _, name := range p.BackendRefs() {
		if !c.registry.Has(name) {
			return fmt.Errorf("invalid routing policy: %w", &ocrerrors.UnknownBackendError{Name: name})
		}
	}
	return nil
}

// CacheStats returns cache statistics and publishes them as metrics.
func (c *Client) CacheStats() CacheStats {
	stats := c.cache.Stats()
	if c.metrics != nil && c.cache.Enabled() {
		metrics.UpdateCacheStats(stats)
	}
	return stats
}

// PingCache checks the cache store.
func (c *Client) PingCache(ctx context.Context) error {
	return c.cache.Ping(ctx)
}

// Close releases the cache store. Probing stops with the context given to
// Start. Close is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.cache.Close()
		c.logger.Info("ocrmux client closed")
	})
	return c.closeErr
}

// prepare copies, normalizes and validates a caller's request.
func prepare(req *types.Request) (*types.Request, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is nil", types.ErrInvalidRequest)
	}
	r := *req
	r.Normalize()
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}
