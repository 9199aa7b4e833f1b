package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/ocrmux/pkg/router"
	"github.com/blueberrycongee/ocrmux/pkg/types"
)

func newTestHandler(t *testing.T) (*Handler, *MemoryCache) {
	t.Helper()
	mem := newTestMemory(t, 32, nil)
	return NewHandler(mem, HandlerConfig{}), mem
}

func cacheableRequest() *types.Request {
	return &types.Request{
		ID:        "req-1",
		TaskType:  types.TaskTextExtraction,
		Quality:   types.QualityMedium,
		Privacy:   types.PrivacyNormal,
		Payload:   []byte("page one"),
		Cacheable: true,
	}
}

func sampleResult() *types.Result {
	return &types.Result{
		RequestID:  "req-1",
		Text:       "page one",
		Confidence: 0.97,
		Pages:      1,
		Backend:    "local",
		Attempts:   []types.Attempt{{Backend: "local", Success: true}},
	}
}

func TestHandler_ResultRoundTrip(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()
	req := cacheableRequest()
	fp := h.Fingerprint(req)

	_, hit, err := h.LookupResult(ctx, req, fp)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, h.StoreResult(ctx, req, fp, sampleResult()))

	next := cacheableRequest()
	next.ID = "req-2"
	res, hit, err := h.LookupResult(ctx, next, h.Fingerprint(next))
	require.NoError(t, err)
	require.True(t, hit)
	assert.True(t, res.Cached)
	assert.Equal(t, "req-2", res.RequestID)
	assert.Equal(t, "page one", res.Text)
	assert.Equal(t, "local", res.Backend)
	assert.Empty(t, res.Attempts)
}

func TestHandler_ResultNotCachedWhenIneligible(t *testing.T) {
	ctx := context.Background()
	cases := map[string]func(*types.Request){
		"not cacheable": func(r *types.Request) { r.Cacheable = false },
		"privacy high":  func(r *types.Request) { r.Privacy = types.PrivacyHigh },
		"no content":    func(r *types.Request) { r.Payload = nil; r.PayloadSize = 10 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h, mem := newTestHandler(t)
			req := cacheableRequest()
			mutate(req)
			fp := h.Fingerprint(req)

			require.NoError(t, h.StoreResult(ctx, req, fp, sampleResult()))
			assert.Equal(t, 0, mem.Len())

			_, hit, err := h.LookupResult(ctx, req, fp)
			require.NoError(t, err)
			assert.False(t, hit)
		})
	}
}

func TestHandler_DegradedResultNotStored(t *testing.T) {
	h, mem := newTestHandler(t)
	req := cacheableRequest()
	res := sampleResult()
	res.Degraded = true

	require.NoError(t, h.StoreResult(context.Background(), req, h.Fingerprint(req), res))
	assert.Equal(t, 0, mem.Len())
}

func TestHandler_DecisionRoundTrip(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()
	req := cacheableRequest()
	req.Cacheable = false
	req.Privacy = types.PrivacyHigh
	fp := h.Fingerprint(req)

	d := &router.Decision{
		Candidates:     []router.Candidate{{Backend: "local", Score: 0.9}, {Backend: "cloud", Score: 0.5}},
		Winner:         "local",
		OverrideReason: "privacy-high",
		CreatedAt:      time.Now(),
	}
	require.NoError(t, h.StoreDecision(ctx, fp, d))

	got, hit, err := h.LookupDecision(ctx, fp)
	require.NoError(t, err)
	require.True(t, hit, "decisions are cached regardless of result cacheability")
	assert.Equal(t, []string{"local", "cloud"}, got.Names())
	assert.Equal(t, "privacy-high", got.OverrideReason)

	require.NoError(t, h.InvalidateDecision(ctx, fp))
	_, hit, _ = h.LookupDecision(ctx, fp)
	assert.False(t, hit)
}

func TestHandler_DegradedDecisionNotStored(t *testing.T) {
	h, mem := newTestHandler(t)
	fp := h.Fingerprint(cacheableRequest())

	require.NoError(t, h.StoreDecision(context.Background(), fp, &router.Decision{
		Candidates: []router.Candidate{{Backend: "a"}}, Winner: "a", Degraded: true,
	}))
	assert.Equal(t, 0, mem.Len())
}

func TestHandler_ExpiredEntryIsMiss(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()
	req := cacheableRequest()
	fp := h.Fingerprint(req)

	require.NoError(t, h.StoreResult(ctx, req, fp, sampleResult()))
	h.now = func() time.Time { return time.Now().Add(time.Hour) }

	_, hit, err := h.LookupResult(ctx, req, fp)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestHandler_CorruptEntryIsDropped(t *testing.T) {
	h, mem := newTestHandler(t)
	ctx := context.Background()
	req := cacheableRequest()
	fp := h.Fingerprint(req)

	require.NoError(t, mem.Set(ctx, resultPrefix+fp.Key, []byte("{not json"), 0))

	_, hit, err := h.LookupResult(ctx, req, fp)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 0, mem.Len())
}

func TestHandler_Disabled(t *testing.T) {
	h := NewHandler(nil, HandlerConfig{})
	ctx := context.Background()
	req := cacheableRequest()
	fp := h.Fingerprint(req)

	assert.False(t, h.Enabled())
	require.NoError(t, h.StoreResult(ctx, req, fp, sampleResult()))
	_, hit, err := h.LookupResult(ctx, req, fp)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.NoError(t, h.Ping(ctx))
	assert.NoError(t, h.Close())
}

func TestHandler_RedisBackedRoundTrip(t *testing.T) {
	remote, _ := newTestRedis(t)
	h := NewHandler(remote, HandlerConfig{})
	ctx := context.Background()
	req := cacheableRequest()
	fp := h.Fingerprint(req)

	require.NoError(t, h.StoreResult(ctx, req, fp, sampleResult()))
	res, hit, err := h.LookupResult(ctx, req, fp)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, 0.97, res.Confidence)
}

func TestNewCacheHandler(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	h, err := NewCacheHandler(cfg)
	require.NoError(t, err)
	defer h.Close()
	assert.True(t, h.Enabled())

	cfg.Enabled = false
	h, err = NewCacheHandler(cfg)
	require.NoError(t, err)
	assert.False(t, h.Enabled())

	assert.Error(t, Config{Enabled: true, Type: "memcached"}.Validate())
}
