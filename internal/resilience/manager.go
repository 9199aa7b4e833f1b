package resilience

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Manager owns the per-backend concurrency slots and rate limiters.
type Manager struct {
	mu       sync.RWMutex
	slots    map[string]*Semaphore
	limiters map[string]*rate.Limiter
}

// NewManager creates a new resilience manager.
func NewManager() *Manager {
	return &Manager{
		slots:    make(map[string]*Semaphore),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Configure sets up the slots and rate limit for a backend. Calling it again
// with the same capacity keeps the existing semaphore so in-flight permits
// stay accounted for. A non-positive rps removes the rate limit.
func (m *Manager) Configure(key string, maxConcurrent int, rps float64, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.slots[key]; !ok || s.Capacity() != normalizeCapacity(maxConcurrent) {
		m.slots[key] = NewSemaphore(maxConcurrent)
	}

	if rps <= 0 {
		delete(m.limiters, key)
		return
	}
	if burst <= 0 {
		burst = 1
	}
	if l, ok := m.limiters[key]; ok {
		l.SetLimit(rate.Limit(rps))
		l.SetBurst(burst)
		return
	}
	m.limiters[key] = rate.NewLimiter(rate.Limit(rps), burst)
}

// GetSemaphore returns or creates a semaphore for the given key.
func (m *Manager) GetSemaphore(key string) *Semaphore {
	m.mu.RLock()
	s, ok := m.slots[key]
	m.mu.RUnlock()

	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if s, ok = m.slots[key]; ok {
		return s
	}

	s = NewSemaphore(1)
	m.slots[key] = s
	return s
}

// GetRateLimiter returns the rate limiter for key, or nil when unlimited.
func (m *Manager) GetRateLimiter(key string) *rate.Limiter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limiters[key]
}

// AcquireSlot blocks until a concurrency slot for key is free or ctx ends.
// The returned release function is idempotent and must be called on every
// exit path.
func (m *Manager) AcquireSlot(ctx context.Context, key string) (func(), error) {
	release, err := m.GetSemaphore(key).AcquireScoped(ctx)
	if err != nil {
		return release, fmt.Errorf("%w: %w", ErrSemaphoreFull, err)
	}
	return release, nil
}

// WaitRate blocks until the rate limiter for key admits one request.
func (m *Manager) WaitRate(ctx context.Context, key string) error {
	l := m.GetRateLimiter(key)
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return nil
}

// Saturated reports whether every slot of key is taken.
func (m *Manager) Saturated(key string) bool {
	m.mu.RLock()
	s, ok := m.slots[key]
	m.mu.RUnlock()
	return ok && s.Saturated()
}

// Stats returns current statistics for a key.
func (m *Manager) Stats(key string) ResilienceStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := ResilienceStats{Key: key}

	if rl, ok := m.limiters[key]; ok {
		stats.RateLimitTokens = rl.Tokens()
		stats.RateLimit = float64(rl.Limit())
	}

	if s, ok := m.slots[key]; ok {
		stats.ConcurrentCurrent = s.Current()
		stats.ConcurrentCapacity = s.Capacity()
		stats.Waiting = s.Waiting()
	}

	return stats
}

// ResilienceStats contains current resilience statistics.
type ResilienceStats struct {
	Key                string  `json:"key"`
	RateLimit          float64 `json:"rate_limit,omitempty"`
	RateLimitTokens    float64 `json:"rate_limit_tokens,omitempty"`
	ConcurrentCurrent  int     `json:"concurrent_current"`
	ConcurrentCapacity int     `json:"concurrent_capacity"`
	Waiting            int     `json:"waiting"`
}

// ErrRateLimited is returned when a rate limit wait cannot complete.
var ErrRateLimited = &RateLimitError{}

// RateLimitError indicates a rate limit was exceeded.
type RateLimitError struct{}

func (e *RateLimitError) Error() string {
	return "rate limit exceeded"
}

func normalizeCapacity(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
