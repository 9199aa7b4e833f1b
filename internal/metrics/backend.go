package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Circuit state gauge values.
const (
	CircuitStateClosed   = 0
	CircuitStateOpen     = 1
	CircuitStateHalfOpen = 2
)

// =============================================================================
// Backend Attempt Metrics
// =============================================================================

var (
	// BackendAttempts counts dispatch attempts per backend and outcome
	// (success, error, timeout, limit, skipped).
	BackendAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_attempts_total",
			Help:      "Total dispatch attempts per backend",
		},
		[]string{"backend", "outcome"},
	)

	// BackendLatency tracks backend call latency.
	BackendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_latency_seconds",
			Help:      "Backend call latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"backend", "outcome"},
	)
)

// =============================================================================
// Backend Health Metrics
// =============================================================================

var (
	// CircuitBreakerState tracks circuit breaker status.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"backend"},
	)

	// CircuitTransitions counts circuit breaker state changes.
	CircuitTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Number of circuit breaker state transitions",
		},
		[]string{"backend", "from", "to"},
	)

	// ProbesTotal counts active health probes.
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Total health probes per backend and result",
		},
		[]string{"backend", "result"},
	)

	// ProbeLatency tracks health probe latency.
	ProbeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_probe_latency_seconds",
			Help:      "Health probe latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"backend"},
	)

	// BackendSlotsInUse tracks occupied concurrency slots.
	BackendSlotsInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_slots_in_use",
			Help:      "Concurrency slots currently held per backend",
		},
		[]string{"backend"},
	)
)
