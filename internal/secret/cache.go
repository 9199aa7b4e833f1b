package secret

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachedProvider memoizes resolved references for a remote provider, keyed by
// the full reference including any #key fragment. Backends that share a Vault
// secret path still memoize each key separately. Errors are never memoized.
type CachedProvider struct {
	inner Provider
	refs  *cache.Cache

	hits   atomic.Uint64
	misses atomic.Uint64
}

// CacheStats counts memo lookups.
type CacheStats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// NewCachedProvider wraps inner; resolved values live for ttl.
func NewCachedProvider(inner Provider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		refs:  cache.New(ttl, 2*ttl),
	}
}

// Get resolves ref, the part of the reference after the scheme.
func (p *CachedProvider) Get(ctx context.Context, ref string) (string, error) {
	if v, ok := p.refs.Get(ref); ok {
		p.hits.Add(1)
		return v.(string), nil
	}
	p.misses.Add(1)

	val, err := p.inner.Get(ctx, ref)
	if err != nil {
		return "", err
	}
	p.refs.SetDefault(ref, val)
	return val, nil
}

// Stats reports memo hits, misses and the number of live entries.
func (p *CachedProvider) Stats() CacheStats {
	return CacheStats{
		Hits:   p.hits.Load(),
		Misses: p.misses.Load(),
		Size:   p.refs.ItemCount(),
	}
}

// Close forgets memoized values and closes the wrapped provider.
func (p *CachedProvider) Close() error {
	p.refs.Flush()
	return p.inner.Close()
}
