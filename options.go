package ocrmux

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/ocrmux/backends"
	"github.com/blueberrycongee/ocrmux/internal/cache"
	"github.com/blueberrycongee/ocrmux/internal/dispatch"
	"github.com/blueberrycongee/ocrmux/internal/healthcheck"
	"github.com/blueberrycongee/ocrmux/internal/observability"
	"github.com/blueberrycongee/ocrmux/internal/resilience"
	"github.com/blueberrycongee/ocrmux/pkg/router"
)

// BackendConfig describes a backend created by a registered factory.
type BackendConfig struct {
	Descriptor Descriptor
	Type       string
	Options    map[string]string
}

// ClientConfig holds all configuration for the ocrmux client.
type ClientConfig struct {
	// Backends created from configuration through Factories.
	Backends []BackendConfig

	// Pre-built backend instances (for advanced use and tests).
	Instances []backendInstance

	// Factories maps backend types to constructors. Defaults to the
	// built-in http and tesseract factories.
	Factories *backends.Registry

	// Routing
	Policy   router.Policy
	Breaker  resilience.CircuitBreakerConfig
	Probe    healthcheck.Config
	Dispatch dispatch.Config

	// Caching. Cache overrides the store built from CacheConfig.
	CacheConfig cache.Config
	Cache       cache.Cache

	// Observability
	Logger         *slog.Logger
	Tracer         trace.Tracer
	Redactor       *observability.Redactor
	MetricsEnabled bool

	// Clock drives breaker cooldowns and decision timestamps.
	Clock func() time.Time
}

// backendInstance holds a pre-configured backend with its descriptor.
type backendInstance struct {
	Descriptor Descriptor
	Backend    Backend
}

// Option is a function that configures the Client.
type Option func(*ClientConfig)

// defaultConfig returns sensible defaults.
func defaultConfig() *ClientConfig {
	return &ClientConfig{
		Policy:  router.DefaultPolicy(),
		Breaker: resilience.DefaultCircuitBreakerConfig(),
		Probe: healthcheck.Config{
			Enabled:     true,
			Interval:    60 * time.Second,
			Timeout:     10 * time.Second,
			Concurrency: 4,
		},
		Dispatch:       dispatch.DefaultConfig(),
		CacheConfig:    cache.DefaultConfig(),
		Logger:         slog.Default(),
		MetricsEnabled: true,
		Clock:          time.Now,
	}
}

// WithBackend registers a pre-built backend under desc.
//
// Example:
//
//	ocrmux.WithBackend(ocrmux.Descriptor{
//	    Name:    "local",
//	    Kind:    ocrmux.KindLocal,
//	    Quality: 0.6,
//	    Privacy: 1.0,
//	    Tasks:   map[ocrmux.TaskType]float64{ocrmux.TaskTextExtraction: 1},
//	}, engine)
func WithBackend(desc Descriptor, b Backend) Option {
	return func(c *ClientConfig) {
		c.Instances = append(c.Instances, backendInstance{Descriptor: desc, Backend: b})
	}
}

// WithBackendConfig adds a backend built by the factory registered for
// cfg.Type.
//
// Example:
//
//	ocrmux.WithBackendConfig(ocrmux.BackendConfig{
//	    Descriptor: cloudDesc,
//	    Type:       "http",
//	    Options:    map[string]string{"endpoint": "https://ocr.example.com"},
//	})
func WithBackendConfig(cfg BackendConfig) Option {
	return func(c *ClientConfig) {
		c.Backends = append(c.Backends, cfg)
	}
}

// WithFactories replaces the backend factory registry.
func WithFactories(r *backends.Registry) Option {
	return func(c *ClientConfig) {
		c.Factories = r
	}
}

// WithPolicy sets the routing policy.
func WithPolicy(p Policy) Option {
	return func(c *ClientConfig) {
		c.Policy = p
	}
}

// WithWeights sets the scoring weights, keeping the override rules.
func WithWeights(w Weights) Option {
	return func(c *ClientConfig) {
		c.Policy.Weights = w
	}
}

// WithRules sets the override rules, in priority order.
func WithRules(rules ...Rule) Option {
	return func(c *ClientConfig) {
		c.Policy.Rules = append([]Rule(nil), rules...)
	}
}

// WithLoadAware enables demotion of saturated backends.
func WithLoadAware(enabled bool) Option {
	return func(c *ClientConfig) {
		c.Policy.LoadAware = enabled
	}
}

// WithBreaker sets the circuit breaker configuration.
func WithBreaker(cfg BreakerConfig) Option {
	return func(c *ClientConfig) {
		c.Breaker = cfg
	}
}

// WithProbe sets the active health probe configuration.
func WithProbe(cfg ProbeConfig) Option {
	return func(c *ClientConfig) {
		c.Probe = cfg
	}
}

// WithDispatch sets attempt limits, timeouts and backoff.
func WithDispatch(cfg DispatchConfig) Option {
	return func(c *ClientConfig) {
		c.Dispatch = cfg
	}
}

// WithCacheConfig sets the cache configuration.
func WithCacheConfig(cfg CacheConfig) Option {
	return func(c *ClientConfig) {
		c.CacheConfig = cfg
	}
}

// WithCache sets a custom cache store. It enables caching regardless of
// CacheConfig.Enabled; TTLs and the hash limit still come from CacheConfig.
func WithCache(store Cache) Option {
	return func(c *ClientConfig) {
		c.Cache = store
	}
}

// WithoutCache disables the decision and result cache.
func WithoutCache() Option {
	return func(c *ClientConfig) {
		c.CacheConfig.Enabled = false
		c.Cache = nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *ClientConfig) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithTracer sets the tracer used for request and attempt spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *ClientConfig) {
		c.Tracer = t
	}
}

// WithRedactor masks sensitive data in logged backend errors.
func WithRedactor(r *observability.Redactor) Option {
	return func(c *ClientConfig) {
		c.Redactor = r
	}
}

// WithMetrics enables or disables Prometheus metrics recording.
func WithMetrics(enabled bool) Option {
	return func(c *ClientConfig) {
		c.MetricsEnabled = enabled
	}
}

// WithClock overrides the clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *ClientConfig) {
		if now != nil {
			c.Clock = now
		}
	}
}
