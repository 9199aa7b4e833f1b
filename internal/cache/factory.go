package cache

import (
	"fmt"
	"time"
)

// Config holds the complete cache configuration.
type Config struct {
	Enabled     bool              `yaml:"enabled"`
	Type        CacheType         `yaml:"type"`
	Namespace   string            `yaml:"namespace"`
	TTL         time.Duration     `yaml:"-"`
	DecisionTTL time.Duration     `yaml:"-"`
	Capacity    int               `yaml:"capacity"`
	HashLimit   int               `yaml:"hash_limit_bytes"`
	Redis       RedisCacheConfig  `yaml:"redis"`
	Dual        DualCacheConfig   `yaml:"dual"`
	Memory      MemoryCacheConfig `yaml:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Type:        CacheTypeLocal,
		Namespace:   "ocrmux",
		TTL:         5 * time.Minute,
		DecisionTTL: 30 * time.Second,
		Capacity:    1024,
		HashLimit:   DefaultHashLimit,
		Redis:       DefaultRedisCacheConfig(),
		Dual:        DefaultDualCacheConfig(),
		Memory:      DefaultMemoryCacheConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Type {
	case CacheTypeLocal, CacheTypeRedis, CacheTypeDual:
	default:
		return fmt.Errorf("unsupported cache type: %q", c.Type)
	}
	if c.TTL < 0 || c.DecisionTTL < 0 {
		return fmt.Errorf("cache ttls must not be negative")
	}
	if c.Capacity < 0 || c.HashLimit < 0 {
		return fmt.Errorf("cache capacity and hash limit must not be negative")
	}
	return nil
}

// NewCache creates a cache instance based on configuration. It returns nil
// when caching is disabled.
func NewCache(cfg Config) (Cache, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	memCfg := cfg.Memory
	if cfg.Capacity > 0 {
		memCfg.MaxSize = cfg.Capacity
	}
	if cfg.TTL > 0 {
		memCfg.DefaultTTL = cfg.TTL
	}

	redisCfg := cfg.Redis
	if cfg.Namespace != "" {
		redisCfg.Namespace = cfg.Namespace
	}
	if cfg.TTL > 0 {
		redisCfg.DefaultTTL = cfg.TTL
	}

	switch cfg.Type {
	case CacheTypeLocal, "":
		return NewMemoryCache(memCfg), nil

	case CacheTypeRedis:
		remote, err := NewRedisCache(redisCfg)
		if err != nil {
			return nil, err
		}
		return remote, nil

	case CacheTypeDual:
		remote, err := NewRedisCache(redisCfg)
		if err != nil {
			return nil, fmt.Errorf("create redis cache: %w", err)
		}
		dualCfg := cfg.Dual
		if cfg.TTL > 0 {
			dualCfg.RemoteTTL = cfg.TTL
		}
		return NewDualCache(NewMemoryCache(memCfg), remote, dualCfg), nil

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// NewCacheHandler creates a complete cache handler with the given configuration.
func NewCacheHandler(cfg Config) (*Handler, error) {
	c, err := NewCache(cfg)
	if err != nil {
		return nil, err
	}
	return NewHandler(c, HandlerConfig{
		ResultTTL:   cfg.TTL,
		DecisionTTL: cfg.DecisionTTL,
		HashLimit:   cfg.HashLimit,
	}), nil
}
