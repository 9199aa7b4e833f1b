// Package metrics provides Prometheus metrics collection for the OCR gateway.
// It tracks requests, routing decisions, backend attempts, circuit breaker
// state, health probes and cache effectiveness.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "ocrmux"
)

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
// OCR calls range from tens of milliseconds on-device to minutes for large
// remote jobs.
var LatencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.0, 3.0, 5.0, 7.5, 10.0,
	15.0, 20.0, 30.0, 45.0, 60.0, 120.0, 300.0,
}

// =============================================================================
// Request Metrics
// =============================================================================

var (
	// RequestsTotal counts facade requests by task type and outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of processing requests",
		},
		[]string{"task_type", "outcome", "cached"},
	)

	// RequestLatency tracks end-to-end request latency.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "End-to-end request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"task_type"},
	)
)

// =============================================================================
// Routing Metrics
// =============================================================================

var (
	// DecisionsTotal counts routing decisions by winner and override.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total routing decisions by winning backend",
		},
		[]string{"winner", "override", "degraded"},
	)

	// NoEligibleTotal counts requests no backend could take.
	NoEligibleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_eligible_backend_total",
			Help:      "Requests rejected because no backend was eligible",
		},
		[]string{"task_type"},
	)

	// FailoversTotal counts requests served by a backend other than the winner.
	FailoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Requests served after failing over from the first choice",
		},
		[]string{"from", "to"},
	)
)
