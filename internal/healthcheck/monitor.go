// Package healthcheck tracks backend health through a per-backend circuit
// breaker and proactively probes backends in the background.
package healthcheck

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/blueberrycongee/ocrmux/internal/resilience"
	"github.com/blueberrycongee/ocrmux/pkg/backend"
	"github.com/blueberrycongee/ocrmux/pkg/router"
)

// TransitionFunc observes circuit state changes.
type TransitionFunc func(resilience.Transition)

type tracked struct {
	breaker *resilience.CircuitBreaker

	probeMu     sync.Mutex
	lastProbe   time.Time
	probeDetail string
}

// Monitor owns the health state of every backend. Passive outcomes reported
// by the dispatcher and active probe results share one state machine.
//
// Each backend has its own breaker lock; the map lock is only taken to look
// up or add a backend.
type Monitor struct {
	cfg    resilience.CircuitBreakerConfig
	logger *slog.Logger

	mu       sync.RWMutex
	backends map[string]*tracked

	listenersMu sync.RWMutex
	listeners   []TransitionFunc
}

// NewMonitor creates a health monitor.
func NewMonitor(cfg resilience.CircuitBreakerConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:      cfg,
		logger:   logger,
		backends: make(map[string]*tracked),
	}
}

// OnTransition registers fn to observe every state change.
func (m *Monitor) OnTransition(fn TransitionFunc) {
	if fn == nil {
		return
	}
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Track starts tracking name. It is idempotent and never resets state.
func (m *Monitor) Track(name string) {
	m.get(name)
}

// ReportOutcome feeds one success or failure that is not tied to a permit,
// such as a probe result, into the backend's breaker.
func (m *Monitor) ReportOutcome(name string, success bool) {
	t := m.get(name)
	if success {
		t.breaker.RecordSuccess()
		return
	}
	t.breaker.RecordFailure()
}

// RecordProbe stores a probe result and reports it as an outcome.
func (m *Monitor) RecordProbe(name string, report backend.HealthReport) {
	t := m.get(name)
	t.probeMu.Lock()
	t.lastProbe = m.now()
	t.probeDetail = report.Detail
	t.probeMu.Unlock()

	m.ReportOutcome(name, report.OK)
}

// IsAvailable reports whether name may receive traffic: closed, half-open
// with no trial in flight, or open with the cooldown elapsed. It never
// changes state. Untracked backends are available.
func (m *Monitor) IsAvailable(name string) bool {
	t := m.lookup(name)
	if t == nil {
		return true
	}
	return t.breaker.Available()
}

// Acquire asks permission to send a request to name. For a half-open
// backend it consumes the single trial slot.
func (m *Monitor) Acquire(name string) bool {
	_, ok := m.Admit(name, false)
	return ok
}

// Admit asks permission to send a request to name and returns the permit its
// outcome is reported with. A last-resort request, made when no backend is
// available, may reach an open backend still in cooldown but never joins an
// in-flight half-open trial.
func (m *Monitor) Admit(name string, lastResort bool) (resilience.Permit, bool) {
	b := m.get(name).breaker
	if lastResort {
		return b.AdmitLastResort()
	}
	return b.Admit()
}

// Complete reports the outcome of a request admitted with p.
func (m *Monitor) Complete(name string, p resilience.Permit, success bool) {
	m.get(name).breaker.Complete(p, success)
}

// Release gives back a permit that never reached the backend.
func (m *Monitor) Release(name string, p resilience.Permit) {
	if t := m.lookup(name); t != nil {
		t.breaker.Release(p)
	}
}

// Status returns the health state of name.
func (m *Monitor) Status(name string) (router.HealthState, bool) {
	t := m.lookup(name)
	if t == nil {
		return router.HealthState{}, false
	}
	return t.snapshot(), true
}

// Snapshot returns the health state of every tracked backend.
func (m *Monitor) Snapshot() map[string]router.HealthState {
	m.mu.RLock()
	all := make(map[string]*tracked, len(m.backends))
	for name, t := range m.backends {
		all[name] = t
	}
	m.mu.RUnlock()

	out := make(map[string]router.HealthState, len(all))
	for name, t := range all {
		out[name] = t.snapshot()
	}
	return out
}

// Names returns the tracked backend names in sorted order.
func (m *Monitor) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.backends))
	for name := range m.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset forces name back to closed.
func (m *Monitor) Reset(name string) {
	if t := m.lookup(name); t != nil {
		t.breaker.Reset()
	}
}

func (m *Monitor) lookup(name string) *tracked {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backends[name]
}

func (m *Monitor) get(name string) *tracked {
	if t := m.lookup(name); t != nil {
		return t
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if t, ok := m.backends[name]; ok {
		return t
	}

	cb := resilience.NewCircuitBreaker(name, m.cfg)
	cb.OnStateChange(m.handleTransition)
	t := &tracked{breaker: cb}
	m.backends[name] = t
	return t
}

func (m *Monitor) handleTransition(tr resilience.Transition) {
	attrs := []any{
		"backend", tr.Name,
		"from", tr.From.String(),
		"to", tr.To.String(),
	}
	if tr.To == resilience.StateOpen {
		hs, _ := m.Status(tr.Name)
		attrs = append(attrs, "open_until", hs.OpenUntil, "trips", hs.Trips)
		m.logger.Warn("circuit opened", attrs...)
	} else {
		m.logger.Info("circuit state changed", attrs...)
	}

	m.listenersMu.RLock()
	listeners := append([]TransitionFunc(nil), m.listeners...)
	m.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(tr)
	}
}

func (m *Monitor) now() time.Time {
	if m.cfg.Clock != nil {
		return m.cfg.Clock()
	}
	return time.Now()
}

func (t *tracked) snapshot() router.HealthState {
	hs := t.breaker.Snapshot()
	t.probeMu.Lock()
	hs.LastProbe = t.lastProbe
	hs.LastProbeDetail = t.probeDetail
	t.probeMu.Unlock()
	return hs
}
