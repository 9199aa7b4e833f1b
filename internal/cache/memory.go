package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryCache is an in-memory cache with LRU capacity eviction and per-entry
// TTLs. Expired entries are dropped lazily on read and by a background sweep.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List // front is most recently used

	maxSize     int
	defaultTTL  time.Duration
	maxItemSize int
	now         func() time.Time

	stopOnce    sync.Once
	stopCleanup chan struct{}

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	evictions atomic.Int64
}

type memoryItem struct {
	key        string
	value      []byte
	expiration time.Time
}

// MemoryCacheConfig holds configuration for MemoryCache.
type MemoryCacheConfig struct {
	MaxSize         int           `yaml:"capacity"`      // Maximum number of items (default: 1024)
	DefaultTTL      time.Duration `yaml:"ttl"`           // Default TTL (default: 5 minutes)
	MaxItemSize     int           `yaml:"max_item_size"` // Maximum size per item in bytes (default: 4MB)
	CleanupInterval time.Duration `yaml:"cleanup"`       // Sweep interval (default: 1 minute)

	// Clock overrides time.Now in tests.
	Clock func() time.Time `yaml:"-"`
}

// DefaultMemoryCacheConfig returns sensible defaults.
func DefaultMemoryCacheConfig() MemoryCacheConfig {
	return MemoryCacheConfig{
		MaxSize:         1024,
		DefaultTTL:      5 * time.Minute,
		MaxItemSize:     4 << 20,
		CleanupInterval: time.Minute,
	}
}

// NewMemoryCache creates a new in-memory cache and starts its sweeper.
func NewMemoryCache(cfg MemoryCacheConfig) *MemoryCache {
	def := DefaultMemoryCacheConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.MaxItemSize <= 0 {
		cfg.MaxItemSize = def.MaxItemSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	c := &MemoryCache{
		items:       make(map[string]*list.Element),
		lru:         list.New(),
		maxSize:     cfg.MaxSize,
		defaultTTL:  cfg.DefaultTTL,
		maxItemSize: cfg.MaxItemSize,
		now:         cfg.Clock,
		stopCleanup: make(chan struct{}),
	}
	go c.cleanupLoop(cfg.CleanupInterval)
	return c
}

func (c *MemoryCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-c.stopCleanup:
			return
		}
	}
}

// evictExpired removes all expired entries.
func (c *MemoryCache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		if item := el.Value.(*memoryItem); !now.Before(item.expiration) {
			c.removeElement(el)
		}
		el = prev
	}
}

func (c *MemoryCache) removeElement(el *list.Element) {
	item := c.lru.Remove(el).(*memoryItem)
	delete(c.items, item.key)
}

// Get retrieves a value from the cache and marks it recently used.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, nil
	}
	item := el.Value.(*memoryItem)
	if !c.now().Before(item.expiration) {
		c.removeElement(el)
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, nil
	}
	c.lru.MoveToFront(el)
	result := make([]byte, len(item.value))
	copy(result, item.value)
	c.mu.Unlock()

	c.hits.Add(1)
	return result, nil
}

// Set stores a value, evicting the least recently used entry when full.
// Values larger than the item size limit are silently skipped.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if len(value) > c.maxItemSize {
		return nil
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	expiration := c.now().Add(ttl)
	if el, ok := c.items[key]; ok {
		item := el.Value.(*memoryItem)
		item.value = valueCopy
		item.expiration = expiration
		c.lru.MoveToFront(el)
		c.sets.Add(1)
		return nil
	}

	for c.lru.Len() >= c.maxSize {
		c.removeElement(c.lru.Back())
		c.evictions.Add(1)
	}
	c.items[key] = c.lru.PushFront(&memoryItem{key: key, value: valueCopy, expiration: expiration})
	c.sets.Add(1)
	return nil
}

// Delete removes a key from the cache.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	return nil
}

// Ping always returns nil for memory cache.
func (c *MemoryCache) Ping(context.Context) error {
	return nil
}

// Close stops the sweeper. It is safe to call more than once.
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
	return nil
}

// Stats returns cache statistics.
func (c *MemoryCache) Stats() CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	return CacheStats{
		Hits:      hits,
		Misses:    misses,
		Sets:      c.sets.Load(),
		Evictions: c.evictions.Load(),
		HitRate:   hitRate(hits, misses),
	}
}

// Len returns the number of items in the cache, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Flush removes all entries from the cache.
func (c *MemoryCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.lru.Init()
}
