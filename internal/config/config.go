// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for zero-downtime updates.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/ocrmux/internal/cache"
	"github.com/blueberrycongee/ocrmux/internal/dispatch"
	"github.com/blueberrycongee/ocrmux/internal/healthcheck"
	"github.com/blueberrycongee/ocrmux/internal/observability"
	"github.com/blueberrycongee/ocrmux/internal/resilience"
	"github.com/blueberrycongee/ocrmux/pkg/backend"
	ocrerrors "github.com/blueberrycongee/ocrmux/pkg/errors"
	"github.com/blueberrycongee/ocrmux/pkg/router"
	"github.com/blueberrycongee/ocrmux/pkg/types"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Backends  []BackendConfig `yaml:"backends"`
	Weights   router.Weights  `yaml:"weights"`
	Overrides []router.Rule   `yaml:"overrides"`
	LoadAware bool            `yaml:"load_aware"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Probe     ProbeConfig     `yaml:"probe"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Cache     CacheConfig     `yaml:"cache"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Secrets   SecretsConfig   `yaml:"secrets"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// BackendConfig declares one processing backend and its capabilities.
type BackendConfig struct {
	Name            string                     `yaml:"name"`
	Type            string                     `yaml:"type"` // factory type: http, tesseract
	Kind            backend.Kind               `yaml:"kind"`
	Quality         float64                    `yaml:"quality"`
	Speed           float64                    `yaml:"speed"`
	Cost            float64                    `yaml:"cost"`
	Privacy         float64                    `yaml:"privacy"`
	Tasks           map[types.TaskType]float64 `yaml:"tasks"`
	MaxPayloadBytes int64                      `yaml:"max_payload_bytes"`
	MaxConcurrent   int                        `yaml:"max_concurrent"`
	TimeoutS        float64                    `yaml:"timeout_s"`
	RateLimit       float64                    `yaml:"rate_limit"`
	Burst           int                        `yaml:"burst"`
	Options         map[string]string          `yaml:"options"`
}

// Descriptor converts the entry to a normalized backend descriptor.
func (b BackendConfig) Descriptor() backend.Descriptor {
	d := backend.Descriptor{
		Name:            b.Name,
		Kind:            b.Kind,
		Quality:         b.Quality,
		Speed:           b.Speed,
		Cost:            b.Cost,
		Privacy:         b.Privacy,
		Tasks:           b.Tasks,
		MaxPayloadBytes: b.MaxPayloadBytes,
		MaxConcurrent:   b.MaxConcurrent,
		Timeout:         seconds(b.TimeoutS),
		RateLimit:       b.RateLimit,
		Burst:           b.Burst,
	}
	d = d.Clone()
	d.Normalize()
	return d
}

// BreakerConfig holds the circuit breaker settings shared by all backends.
type BreakerConfig struct {
	FailureThreshold  int     `yaml:"failure_threshold"`
	CooldownS         float64 `yaml:"cooldown_s"`
	MaxCooldownS      float64 `yaml:"max_cooldown_s"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// ProbeConfig controls active health probing.
type ProbeConfig struct {
	Enabled     bool    `yaml:"enabled"`
	IntervalS   float64 `yaml:"interval_s"`
	TimeoutS    float64 `yaml:"timeout_s"`
	Concurrency int     `yaml:"concurrency"`
}

// DispatchConfig controls attempts, timeouts and backoff.
type DispatchConfig struct {
	MaxAttempts   int     `yaml:"max_attempts"`
	TimeoutS      float64 `yaml:"timeout_s"`
	QueueTimeoutS float64 `yaml:"queue_timeout_s"`
	BackoffMS     int     `yaml:"backoff_ms"`
	MaxBackoffMS  int     `yaml:"max_backoff_ms"`
	Jitter        float64 `yaml:"jitter"`
}

// CacheConfig controls the decision and result cache.
type CacheConfig struct {
	Enabled        bool                   `yaml:"enabled"`
	Type           cache.CacheType        `yaml:"type"` // local, redis, dual
	Namespace      string                 `yaml:"namespace"`
	TTLS           float64                `yaml:"ttl_s"`
	DecisionTTLS   float64                `yaml:"decision_ttl_s"`
	Capacity       int                    `yaml:"capacity"`
	HashLimitBytes int                    `yaml:"hash_limit_bytes"`
	Redis          cache.RedisCacheConfig `yaml:"redis"`
	Dual           cache.DualCacheConfig  `yaml:"dual"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string  `yaml:"service_name"` // Service name for traces
	SampleRate  float64 `yaml:"sample_rate"`  // Sampling rate (0.0 to 1.0)
	Insecure    bool    `yaml:"insecure"`     // Use insecure connection (no TLS)
}

// SecretsConfig configures resolution of env:// and vault:// references in
// backend options. References are resolved once at startup.
type SecretsConfig struct {
	CacheTTLS float64     `yaml:"cache_ttl_s"`
	Vault     VaultConfig `yaml:"vault"`
}

// VaultConfig contains HashiCorp Vault settings. Vault is disabled when
// Address is empty.
type VaultConfig struct {
	Address    string `yaml:"address"`
	AuthMethod string `yaml:"auth_method"` // approle, cert
	RoleID     string `yaml:"role_id"`
	SecretID   string `yaml:"secret_id"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	breaker := resilience.DefaultCircuitBreakerConfig()
	disp := dispatch.DefaultConfig()
	cc := cache.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    64 << 20,
		},
		Weights:   router.DefaultWeights(),
		Overrides: router.DefaultRules(),
		Breaker: BreakerConfig{
			FailureThreshold:  breaker.FailureThreshold,
			CooldownS:         breaker.Cooldown.Seconds(),
			MaxCooldownS:      breaker.MaxCooldown.Seconds(),
			BackoffMultiplier: breaker.BackoffMultiplier,
		},
		Probe: ProbeConfig{
			Enabled:     true,
			IntervalS:   60,
			TimeoutS:    10,
			Concurrency: 4,
		},
		Dispatch: DispatchConfig{
			MaxAttempts:   disp.MaxAttempts,
			TimeoutS:      disp.Timeout.Seconds(),
			QueueTimeoutS: disp.QueueTimeout.Seconds(),
			BackoffMS:     int(disp.Backoff / time.Millisecond),
			MaxBackoffMS:  int(disp.MaxBackoff / time.Millisecond),
			Jitter:        disp.Jitter,
		},
		Cache: CacheConfig{
			Enabled:        cc.Enabled,
			Type:           cc.Type,
			Namespace:      cc.Namespace,
			TTLS:           cc.TTL.Seconds(),
			DecisionTTLS:   cc.DecisionTTL.Seconds(),
			Capacity:       cc.Capacity,
			HashLimitBytes: cc.HashLimit,
			Redis:          cc.Redis,
			Dual:           cc.Dual,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "ocrmux",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Load(data)
}

// Load parses and validates a YAML configuration document.
func Load(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend must be configured")
	}

	names := make(map[string]struct{}, len(c.Backends))
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backends[%d]: name is required", i)
		}
		if b.Type == "" {
			return fmt.Errorf("backends[%d] %q: type is required", i, b.Name)
		}
		if _, dup := names[b.Name]; dup {
			return fmt.Errorf("backends[%d]: duplicate backend name %q", i, b.Name)
		}
		names[b.Name] = struct{}{}
		if b.TimeoutS < 0 {
			return fmt.Errorf("backends[%d] %q: timeout_s cannot be negative", i, b.Name)
		}
		desc := b.Descriptor()
		if err := desc.Validate(); err != nil {
			return fmt.Errorf("backends[%d]: %w", i, err)
		}
	}

	policy := c.Policy()
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("routing policy: %w", err)
	}
	for _, ref := range policy.BackendRefs() {
		if _, ok := names[ref]; !ok {
			return fmt.Errorf("overrides: %w", &ocrerrors.UnknownBackendError{Name: ref})
		}
	}

	if err := c.Breaker.validate(); err != nil {
		return fmt.Errorf("breaker: %w", err)
	}

	if c.Probe.Enabled {
		if c.Probe.IntervalS <= 0 || c.Probe.TimeoutS <= 0 {
			return fmt.Errorf("probe: interval_s and timeout_s must be positive")
		}
		if c.Probe.Concurrency < 0 {
			return fmt.Errorf("probe: concurrency cannot be negative")
		}
	}

	if c.Dispatch.TimeoutS < 0 || c.Dispatch.QueueTimeoutS < 0 {
		return fmt.Errorf("dispatch: timeouts cannot be negative")
	}
	if c.Dispatch.BackoffMS > c.Dispatch.MaxBackoffMS && c.Dispatch.MaxBackoffMS > 0 {
		return fmt.Errorf("dispatch: backoff_ms cannot exceed max_backoff_ms")
	}
	if err := c.DispatchConfig().Validate(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	if err := c.CacheConfig().Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	if _, err := observability.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging: unknown format %q", c.Logging.Format)
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing: sample_rate must be within [0, 1]")
	}

	if c.Secrets.CacheTTLS < 0 {
		return fmt.Errorf("secrets: cache_ttl_s cannot be negative")
	}
	switch c.Secrets.Vault.AuthMethod {
	case "", "approle", "cert":
	default:
		return fmt.Errorf("secrets: unknown vault auth_method %q", c.Secrets.Vault.AuthMethod)
	}

	return nil
}

func (b BreakerConfig) validate() error {
	if b.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1, got %d", b.FailureThreshold)
	}
	if b.CooldownS <= 0 {
		return fmt.Errorf("cooldown_s must be positive")
	}
	if b.MaxCooldownS < b.CooldownS {
		return fmt.Errorf("max_cooldown_s (%v) cannot be below cooldown_s (%v)", b.MaxCooldownS, b.CooldownS)
	}
	if b.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be at least 1, got %v", b.BackoffMultiplier)
	}
	return nil
}

// Backend returns the backend entry with the given name.
func (c *Config) Backend(name string) (BackendConfig, bool) {
	for _, b := range c.Backends {
		if b.Name == name {
			return b, true
		}
	}
	return BackendConfig{}, false
}

// Descriptors returns the normalized descriptors of all backends in
// declaration order.
func (c *Config) Descriptors() []backend.Descriptor {
	out := make([]backend.Descriptor, 0, len(c.Backends))
	for _, b := range c.Backends {
		out = append(out, b.Descriptor())
	}
	return out
}

// Policy returns the routing policy snapshot.
func (c *Config) Policy() router.Policy {
	rules := make([]router.Rule, len(c.Overrides))
	copy(rules, c.Overrides)
	return router.Policy{
		Weights:   c.Weights,
		Rules:     rules,
		LoadAware: c.LoadAware,
	}
}

// BreakerConfig converts the breaker section.
func (c *Config) BreakerConfig() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		FailureThreshold:  c.Breaker.FailureThreshold,
		Cooldown:          seconds(c.Breaker.CooldownS),
		MaxCooldown:       seconds(c.Breaker.MaxCooldownS),
		BackoffMultiplier: c.Breaker.BackoffMultiplier,
	}
}

// ProbeConfig converts the probe section.
func (c *Config) ProbeConfig() healthcheck.Config {
	return healthcheck.Config{
		Enabled:     c.Probe.Enabled,
		Interval:    seconds(c.Probe.IntervalS),
		Timeout:     seconds(c.Probe.TimeoutS),
		Concurrency: c.Probe.Concurrency,
	}
}

// DispatchConfig converts the dispatch section.
func (c *Config) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		MaxAttempts:  c.Dispatch.MaxAttempts,
		Timeout:      seconds(c.Dispatch.TimeoutS),
		QueueTimeout: seconds(c.Dispatch.QueueTimeoutS),
		Backoff:      time.Duration(c.Dispatch.BackoffMS) * time.Millisecond,
		MaxBackoff:   time.Duration(c.Dispatch.MaxBackoffMS) * time.Millisecond,
		Jitter:       c.Dispatch.Jitter,
	}
}

// CacheConfig converts the cache section.
func (c *Config) CacheConfig() cache.Config {
	cc := cache.DefaultConfig()
	cc.Enabled = c.Cache.Enabled
	cc.Type = c.Cache.Type
	if c.Cache.Namespace != "" {
		cc.Namespace = c.Cache.Namespace
	}
	cc.TTL = seconds(c.Cache.TTLS)
	cc.DecisionTTL = seconds(c.Cache.DecisionTTLS)
	cc.Capacity = c.Cache.Capacity
	cc.HashLimit = c.Cache.HashLimitBytes
	cc.Redis = c.Cache.Redis
	cc.Dual = c.Cache.Dual
	return cc
}

// LoggerConfig converts the logging section. Output defaults to stdout when w is nil.
func (c *Config) LoggerConfig(w io.Writer) observability.LoggerConfig {
	level, _ := observability.ParseLevel(c.Logging.Level)
	return observability.LoggerConfig{
		Level:      level,
		Output:     w,
		JSONFormat: !strings.EqualFold(c.Logging.Format, "text"),
	}
}

// TracingConfig converts the tracing section.
func (c *Config) TracingConfig() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:     c.Tracing.Enabled,
		Endpoint:    c.Tracing.Endpoint,
		ServiceName: c.Tracing.ServiceName,
		SampleRate:  c.Tracing.SampleRate,
		Insecure:    c.Tracing.Insecure,
	}
}

// SecretCacheTTL returns how long resolved vault secrets are cached.
func (c *Config) SecretCacheTTL() time.Duration {
	return seconds(c.Secrets.CacheTTLS)
}

func seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
