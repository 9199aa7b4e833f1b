package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/blueberrycongee/ocrmux/internal/cache"
)

// =============================================================================
// Cache Metrics
// =============================================================================

var (
	// CacheLookups counts cache lookups by entry kind and result.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by kind (result, decision) and result (hit, miss, error)",
		},
		[]string{"kind", "result"},
	)

	// CacheStoreErrors counts failed cache writes.
	CacheStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_store_errors_total",
			Help:      "Failed cache writes by kind",
		},
		[]string{"kind"},
	)

	// CacheEntries reports cache store counters sampled from the store itself.
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_store_stats",
			Help:      "Cache store counters (hits, misses, sets, evictions, errors)",
		},
		[]string{"stat"},
	)
)

// UpdateCacheStats updates cache store gauges from a stats snapshot.
func UpdateCacheStats(stats cache.CacheStats) {
	CacheEntries.WithLabelValues("hits").Set(float64(stats.Hits))
	CacheEntries.WithLabelValues("misses").Set(float64(stats.Misses))
	CacheEntries.WithLabelValues("sets").Set(float64(stats.Sets))
	CacheEntries.WithLabelValues("evictions").Set(float64(stats.Evictions))
	CacheEntries.WithLabelValues("errors").Set(float64(stats.Errors))
}

// =============================================================================
// HTTP Server Metrics
// =============================================================================

var (
	// HTTPRequestDuration tracks HTTP request duration by route.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"method", "route", "status_code"},
	)

	// HTTPRequestsInFlight tracks currently processing HTTP requests.
	HTTPRequestsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
		[]string{"route"},
	)

	// HTTPRequestSize tracks HTTP request body size.
	HTTPRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request body size in bytes",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10), // 1KiB to 256MiB
		},
		[]string{"route"},
	)
)
