package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DualCache implements a two-tier cache with in-memory (L1) and a shared
// remote tier (L2, normally Redis). Writes go to both tiers, reads check L1
// first then L2 with backfill.
type DualCache struct {
	local  *MemoryCache
	remote Cache
	config DualCacheConfig
	now    func() time.Time

	// Keys that recently missed in L2 are not queried again until the
	// throttle window passes or the key is written.
	mu         sync.RWMutex
	lastMissAt map[string]time.Time

	localHits  atomic.Int64
	remoteHits atomic.Int64
	misses     atomic.Int64
	backfills  atomic.Int64
}

// DualCacheConfig holds configuration for DualCache.
type DualCacheConfig struct {
	LocalTTL           time.Duration `yaml:"local_ttl"`            // TTL for L1 (default: 1 minute)
	RemoteTTL          time.Duration `yaml:"remote_ttl"`           // TTL for L2 when none is given (default: 5 minutes)
	MissThrottle       time.Duration `yaml:"miss_throttle"`        // Suppress repeated L2 misses (default: 1 second)
	MaxThrottleEntries int           `yaml:"max_throttle_entries"` // Max entries in throttle map (default: 10000)
}

// DefaultDualCacheConfig returns sensible defaults.
func DefaultDualCacheConfig() DualCacheConfig {
	return DualCacheConfig{
		LocalTTL:           time.Minute,
		RemoteTTL:          5 * time.Minute,
		MissThrottle:       time.Second,
		MaxThrottleEntries: 10000,
	}
}

// NewDualCache creates a new dual-tier cache.
func NewDualCache(local *MemoryCache, remote Cache, cfg DualCacheConfig) *DualCache {
	def := DefaultDualCacheConfig()
	if cfg.LocalTTL <= 0 {
		cfg.LocalTTL = def.LocalTTL
	}
	if cfg.RemoteTTL <= 0 {
		cfg.RemoteTTL = def.RemoteTTL
	}
	if cfg.MissThrottle < 0 {
		cfg.MissThrottle = 0
	}
	if cfg.MaxThrottleEntries <= 0 {
		cfg.MaxThrottleEntries = def.MaxThrottleEntries
	}
	return &DualCache{
		local:      local,
		remote:     remote,
		config:     cfg,
		now:        time.Now,
		lastMissAt: make(map[string]time.Time),
	}
}

// Get retrieves a value, checking the local tier first.
func (c *DualCache) Get(ctx context.Context, key string) ([]byte, error) {
	if val, err := c.local.Get(ctx, key); err == nil && val != nil {
		c.localHits.Add(1)
		return val, nil
	}

	if c.remote != nil && !c.throttled(key) {
		val, err := c.remote.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if val != nil {
			c.remoteHits.Add(1)
			_ = c.local.Set(ctx, key, val, c.config.LocalTTL) //nolint:errcheck // backfill is best-effort
			c.backfills.Add(1)
			return val, nil
		}
		c.recordMiss(key)
	}

	c.misses.Add(1)
	return nil, nil
}

// Set stores a value in both tiers. The local copy never outlives ttl.
func (c *DualCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	remoteTTL := ttl
	if remoteTTL <= 0 {
		remoteTTL = c.config.RemoteTTL
	}
	localTTL := min(c.config.LocalTTL, remoteTTL)

	if err := c.local.Set(ctx, key, value, localTTL); err != nil {
		return err
	}
	c.clearMiss(key)
	if c.remote != nil {
		return c.remote.Set(ctx, key, value, remoteTTL)
	}
	return nil
}

// Delete removes a key from both tiers.
func (c *DualCache) Delete(ctx context.Context, key string) error {
	_ = c.local.Delete(ctx, key) //nolint:errcheck // best-effort local delete
	if c.remote != nil {
		return c.remote.Delete(ctx, key)
	}
	return nil
}

func (c *DualCache) throttled(key string) bool {
	if c.config.MissThrottle == 0 {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	at, ok := c.lastMissAt[key]
	return ok && c.now().Sub(at) < c.config.MissThrottle
}

func (c *DualCache) recordMiss(key string) {
	if c.config.MissThrottle == 0 {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastMissAt[key] = now
	if len(c.lastMissAt) > c.config.MaxThrottleEntries {
		threshold := now.Add(-c.config.MissThrottle)
		for k, t := range c.lastMissAt {
			if t.Before(threshold) {
				delete(c.lastMissAt, k)
			}
		}
	}
}

func (c *DualCache) clearMiss(key string) {
	c.mu.Lock()
	delete(c.lastMissAt, key)
	c.mu.Unlock()
}

// Ping checks both tiers.
func (c *DualCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return err
	}
	if c.remote != nil {
		return c.remote.Ping(ctx)
	}
	return nil
}

// Close closes both tiers.
func (c *DualCache) Close() error {
	_ = c.local.Close()
	if c.remote != nil {
		return c.remote.Close()
	}
	return nil
}

// Stats returns combined cache statistics.
func (c *DualCache) Stats() CacheStats {
	localStats := c.local.Stats()
	var remoteStats CacheStats
	if c.remote != nil {
		remoteStats = c.remote.Stats()
	}
	hits := c.localHits.Load() + c.remoteHits.Load()
	misses := c.misses.Load()
	return CacheStats{
		Hits:      hits,
		Misses:    misses,
		Sets:      localStats.Sets + remoteStats.Sets,
		Evictions: localStats.Evictions,
		Errors:    remoteStats.Errors,
		HitRate:   hitRate(hits, misses),
	}
}

// DualCacheStats returns detailed statistics for both tiers.
type DualCacheStats struct {
	LocalHits   int64      `json:"local_hits"`
	RemoteHits  int64      `json:"remote_hits"`
	Misses      int64      `json:"misses"`
	Backfills   int64      `json:"backfills"`
	HitRate     float64    `json:"hit_rate"`
	LocalStats  CacheStats `json:"local_stats"`
	RemoteStats CacheStats `json:"remote_stats"`
}

// DetailedStats returns detailed statistics for both cache tiers.
func (c *DualCache) DetailedStats() DualCacheStats {
	localHits, remoteHits, misses := c.localHits.Load(), c.remoteHits.Load(), c.misses.Load()
	stats := DualCacheStats{
		LocalHits:  localHits,
		RemoteHits: remoteHits,
		Misses:     misses,
		Backfills:  c.backfills.Load(),
		HitRate:    hitRate(localHits+remoteHits, misses),
		LocalStats: c.local.Stats(),
	}
	if c.remote != nil {
		stats.RemoteStats = c.remote.Stats()
	}
	return stats
}
