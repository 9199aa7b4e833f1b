package metrics

import (
	"strconv"
	"time"

	"github.com/blueberrycongee/ocrmux/internal/resilience"
	"github.com/blueberrycongee/ocrmux/pkg/router"
	"github.com/blueberrycongee/ocrmux/pkg/types"
)

// Request outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// RequestMetrics contains metrics for a single facade request.
type RequestMetrics struct {
	TaskType  types.TaskType
	StartTime time.Time
	EndTime   time.Time
	Success   bool
	CacheHit  bool

	// Winner is the first choice of the decision, Backend the backend that
	// produced the result. They differ after a failover.
	Winner  string
	Backend string
}

// Collector records gateway metrics. Its methods match the observer hooks of
// the dispatcher, health monitor and prober so it can be wired directly.
type Collector struct{}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordRequest records all metrics for a completed request.
func (c *Collector) RecordRequest(m *RequestMetrics) {
	task := sanitizeLabel(string(m.TaskType))
	outcome := OutcomeSuccess
	if !m.Success {
		outcome = OutcomeError
	}

	RequestsTotal.WithLabelValues(task, outcome, strconv.FormatBool(m.CacheHit)).Inc()
	RequestLatency.WithLabelValues(task).Observe(m.EndTime.Sub(m.StartTime).Seconds())

	if m.Success && m.Winner != "" && m.Backend != "" && m.Winner != m.Backend {
		FailoversTotal.WithLabelValues(m.Winner, m.Backend).Inc()
	}
}

// RecordDecision records a routing decision.
func (c *Collector) RecordDecision(d *router.Decision) {
	if d == nil {
		return
	}
	override := d.OverrideReason
	if override == "" {
		override = "none"
	}
	DecisionsTotal.WithLabelValues(d.Winner, sanitizeLabel(override), strconv.FormatBool(d.Degraded)).Inc()
}

// RecordNoEligible records a request no backend could take.
func (c *Collector) RecordNoEligible(task types.TaskType) {
	NoEligibleTotal.WithLabelValues(sanitizeLabel(string(task))).Inc()
}

// RecordAttempt records one dispatch attempt.
func (c *Collector) RecordAttempt(backend, outcome string, latency time.Duration) {
	BackendAttempts.WithLabelValues(backend, outcome).Inc()
	if latency > 0 {
		BackendLatency.WithLabelValues(backend, outcome).Observe(latency.Seconds())
	}
}

// RecordTransition records a circuit breaker state change.
func (c *Collector) RecordTransition(tr resilience.Transition) {
	CircuitTransitions.WithLabelValues(tr.Name, tr.From.String(), tr.To.String()).Inc()
	CircuitBreakerState.WithLabelValues(tr.Name).Set(circuitGauge(tr.To))
}

// InitBackend publishes a closed circuit for a newly tracked backend.
func (c *Collector) InitBackend(name string) {
	CircuitBreakerState.WithLabelValues(name).Set(CircuitStateClosed)
	BackendSlotsInUse.WithLabelValues(name).Set(0)
}

// RecordProbe records one health probe.
func (c *Collector) RecordProbe(backend string, ok bool, latency time.Duration) {
	result := "ok"
	if !ok {
		result = "fail"
	}
	ProbesTotal.WithLabelValues(backend, result).Inc()
	ProbeLatency.WithLabelValues(backend).Observe(latency.Seconds())
}

// RecordCacheLookup records a cache lookup of the given kind.
func (c *Collector) RecordCacheLookup(kind string, hit bool, err error) {
	result := "miss"
	switch {
	case err != nil:
		result = "error"
	case hit:
		result = "hit"
	}
	CacheLookups.WithLabelValues(kind, result).Inc()
}

// RecordCacheStoreError records a failed cache write.
func (c *Collector) RecordCacheStoreError(kind string) {
	CacheStoreErrors.WithLabelValues(kind).Inc()
}

// SetSlotsInUse publishes the number of held concurrency slots.
func (c *Collector) SetSlotsInUse(backend string, n int) {
	BackendSlotsInUse.WithLabelValues(backend).Set(float64(n))
}

func circuitGauge(s resilience.CircuitState) float64 {
	switch s {
	case resilience.StateOpen:
		return CircuitStateOpen
	case resilience.StateHalfOpen:
		return CircuitStateHalfOpen
	default:
		return CircuitStateClosed
	}
}
