// Package cache stores recent routing decisions and processing results.
// It supports an in-memory LRU, Redis, and a two-tier combination of both.
package cache

import (
	"context"
	"time"

	"github.com/blueberrycongee/ocrmux/pkg/router"
	"github.com/blueberrycongee/ocrmux/pkg/types"
)

// CacheType represents the type of cache backend.
type CacheType string

const (
	CacheTypeLocal CacheType = "local" // In-memory LRU
	CacheTypeRedis CacheType = "redis" // Redis
	CacheTypeDual  CacheType = "dual"  // In-memory + Redis
)

// Entry is one cached routing decision or result.
type Entry struct {
	Fingerprint string           `json:"fingerprint"`
	Decision    *router.Decision `json:"decision,omitempty"`
	Result      *types.Result    `json:"result,omitempty"`
	InsertedAt  time.Time        `json:"inserted_at"`
	TTL         time.Duration    `json:"ttl_ns"`
}

// Expired reports whether e is past its TTL at now.
func (e *Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && !now.Before(e.InsertedAt.Add(e.TTL))
}

// CacheStats holds cache statistics for monitoring.
type CacheStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Sets      int64   `json:"sets"`
	Evictions int64   `json:"evictions"`
	Errors    int64   `json:"errors"`
	HitRate   float64 `json:"hit_rate"`
}

func hitRate(hits, misses int64) float64 {
	if total := hits + misses; total > 0 {
		return float64(hits) / float64(total)
	}
	return 0
}

// Cache is a byte-oriented key/value store with TTLs.
type Cache interface {
	// Get retrieves a value from the cache.
	// Returns nil, nil if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in the cache with the given TTL.
	// If TTL is 0, the default TTL is used.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key from the cache.
	Delete(ctx context.Context, key string) error

	// Ping checks if the cache is healthy.
	Ping(ctx context.Context) error

	// Close releases any resources held by the cache.
	Close() error

	// Stats returns cache statistics.
	Stats() CacheStats
}
