package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/ocrmux/pkg/router"
	"github.com/blueberrycongee/ocrmux/pkg/types"
)

const (
	resultPrefix   = "result:"
	decisionPrefix = "decision:"
)

// Handler provides the routing-level cache operations. It wraps a Cache
// and handles fingerprinting, serialization, and cacheability rules.
type Handler struct {
	cache  Cache
	config HandlerConfig
	now    func() time.Time
}

// HandlerConfig holds configuration for the cache handler.
type HandlerConfig struct {
	ResultTTL   time.Duration `yaml:"ttl"`
	DecisionTTL time.Duration `yaml:"decision_ttl"`
	HashLimit   int           `yaml:"hash_limit_bytes"`
}

// DefaultHandlerConfig returns sensible defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		ResultTTL:   5 * time.Minute,
		DecisionTTL: 30 * time.Second,
		HashLimit:   DefaultHashLimit,
	}
}

// NewHandler creates a new cache handler. A nil cache disables caching.
func NewHandler(cache Cache, cfg HandlerConfig) *Handler {
	def := DefaultHandlerConfig()
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = def.ResultTTL
	}
	if cfg.DecisionTTL <= 0 {
		cfg.DecisionTTL = def.DecisionTTL
	}
	if cfg.HashLimit <= 0 {
		cfg.HashLimit = def.HashLimit
	}
	return &Handler{cache: cache, config: cfg, now: time.Now}
}

// Enabled reports whether a cache store is attached.
func (h *Handler) Enabled() bool {
	return h != nil && h.cache != nil
}

// Fingerprint computes the cache fingerprint of req.
func (h *Handler) Fingerprint(req *types.Request) Fingerprint {
	return NewFingerprint(req, h.config.HashLimit)
}

// ResultCacheable reports whether results for req may be cached: the caller
// opted in, privacy is not high, and the payload content is part of the key.
func ResultCacheable(req *types.Request, fp Fingerprint) bool {
	return req.Cacheable && req.Privacy != types.PrivacyHigh && fp.ContentHashed
}

// LookupResult returns a cached result for req, marked as cached.
func (h *Handler) LookupResult(ctx context.Context, req *types.Request, fp Fingerprint) (*types.Result, bool, error) {
	if !h.Enabled() || !ResultCacheable(req, fp) {
		return nil, false, nil
	}
	entry, err := h.load(ctx, resultPrefix+fp.Key)
	if err != nil || entry == nil || entry.Result == nil {
		return nil, false, err
	}
	res := entry.Result.Clone()
	res.RequestID = req.ID
	res.Cached = true
	res.Attempts = nil
	return res, true, nil
}

// StoreResult caches res for req when the request is result-cacheable.
// Results served in degraded mode are not stored.
func (h *Handler) StoreResult(ctx context.Context, req *types.Request, fp Fingerprint, res *types.Result) error {
	if !h.Enabled() || !ResultCacheable(req, fp) || res == nil || res.Degraded {
		return nil
	}
	stored := res.Clone()
	stored.RequestID = ""
	stored.Cached = false
	return h.store(ctx, resultPrefix+fp.Key, &Entry{
		Fingerprint: fp.Key,
		Result:      stored,
		InsertedAt:  h.now(),
		TTL:         h.config.ResultTTL,
	})
}

// LookupDecision returns a cached routing decision for req.
func (h *Handler) LookupDecision(ctx context.Context, fp Fingerprint) (*router.Decision, bool, error) {
	if !h.Enabled() {
		return nil, false, nil
	}
	entry, err := h.load(ctx, decisionPrefix+fp.Route)
	if err != nil || entry == nil || entry.Decision == nil || len(entry.Decision.Candidates) == 0 {
		return nil, false, err
	}
	return entry.Decision, true, nil
}

// StoreDecision caches d. Degraded decisions are not stored.
func (h *Handler) StoreDecision(ctx context.Context, fp Fingerprint, d *router.Decision) error {
	if !h.Enabled() || d == nil || d.Degraded {
		return nil
	}
	return h.store(ctx, decisionPrefix+fp.Route, &Entry{
		Fingerprint: fp.Route,
		Decision:    d.Clone(),
		InsertedAt:  h.now(),
		TTL:         h.config.DecisionTTL,
	})
}

// InvalidateDecision drops the cached decision for fp.
func (h *Handler) InvalidateDecision(ctx context.Context, fp Fingerprint) error {
	if !h.Enabled() {
		return nil
	}
	return h.cache.Delete(ctx, decisionPrefix+fp.Route)
}

func (h *Handler) load(ctx context.Context, key string) (*Entry, error) {
	data, err := h.cache.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// Undecodable entries are treated as misses and dropped.
		_ = h.cache.Delete(ctx, key)
		return nil, nil
	}
	if entry.Expired(h.now()) {
		return nil, nil
	}
	return &entry, nil
}

func (h *Handler) store(ctx context.Context, key string, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := h.cache.Set(ctx, key, data, entry.TTL); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Stats returns cache statistics.
func (h *Handler) Stats() CacheStats {
	if !h.Enabled() {
		return CacheStats{}
	}
	return h.cache.Stats()
}

// Ping checks cache health.
func (h *Handler) Ping(ctx context.Context) error {
	if !h.Enabled() {
		return nil
	}
	return h.cache.Ping(ctx)
}

// Close releases cache resources.
func (h *Handler) Close() error {
	if !h.Enabled() {
		return nil
	}
	return h.cache.Close()
}
