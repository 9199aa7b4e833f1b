// Package resilience provides the failure-isolation and concurrency primitives
// used by the routing gateway: a per-backend circuit breaker, a counting
// semaphore for concurrency slots, and per-backend rate limits.
package resilience

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/blueberrycongee/ocrmux/pkg/router"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// StateClosed allows requests to pass through normally.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests until the cooldown elapses.
	StateOpen
	// StateHalfOpen allows a single trial request to test recovery.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Public returns the public representation of s.
func (s CircuitState) Public() router.CircuitState {
	return router.CircuitState(s.String())
}

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig contains configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open after the first trip.
	Cooldown time.Duration
	// MaxCooldown caps the cooldown after repeated trips.
	MaxCooldown time.Duration
	// BackoffMultiplier scales the cooldown on every consecutive trip.
	BackoffMultiplier float64
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		Cooldown:          300 * time.Second,
		MaxCooldown:       time.Hour,
		BackoffMultiplier: 2,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	def := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = c.Cooldown
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// CooldownFor returns the open duration for the given consecutive trip count.
func (c CircuitBreakerConfig) CooldownFor(trips int) time.Duration {
	if trips < 1 {
		trips = 1
	}
	d := float64(c.Cooldown) * math.Pow(c.BackoffMultiplier, float64(trips-1))
	if d > float64(c.MaxCooldown) || math.IsInf(d, 1) {
		return c.MaxCooldown
	}
	return time.Duration(d)
}

// Transition is a single recorded state change.
type Transition struct {
	Name string
	From CircuitState
	To   CircuitState
	At   time.Time
}

// CircuitBreaker implements the circuit breaker pattern for one backend.
//
// States move closed -> open -> half-open -> closed|open and never skip a
// step. While half-open exactly one trial may be in flight.
type CircuitBreaker struct {
	mu     sync.Mutex
	name   string
	config CircuitBreakerConfig

	state                CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	lastTransition       time.Time
	openUntil            time.Time
	trips                int
	trialInFlight        bool
	trialGen             uint64

	onStateChange func(Transition)
}

// NewCircuitBreaker creates a new circuit breaker with the given config.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg = cfg.withDefaults()
	return &CircuitBreaker{
		name:           name,
		state:          StateClosed,
		config:         cfg,
		lastTransition: cfg.Clock(),
	}
}

// OnStateChange sets a callback for state transitions.
// The callback runs synchronously, in transition order, without the lock held.
func (cb *CircuitBreaker) OnStateChange(fn func(Transition)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Available reports whether a request could be admitted right now.
// It never changes state.
func (cb *CircuitBreaker) Available() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return !cb.trialInFlight
	case StateOpen:
		return !cb.config.Clock().Before(cb.openUntil)
	default:
		return false
	}
}

// Permit is the admission handed out by Admit. A trial permit is bound to
// the half-open window it was issued for.
type Permit struct {
	Trial bool
	gen   uint64
}

// Allow checks if a request should be allowed through.
// When the cooldown has elapsed the breaker moves to half-open and the caller
// receives the single trial slot.
func (cb *CircuitBreaker) Allow() bool {
	_, ok := cb.Admit()
	return ok
}

// Admit is Allow returning the permit the outcome is reported with.
func (cb *CircuitBreaker) Admit() (Permit, bool) {
	return cb.admit(false)
}

// AdmitLastResort admits a request that has no healthier alternative. An
// open breaker still in cooldown lets it through without changing state.
// Past the cooldown, or while half-open, it competes for the single trial
// like any other request.
func (cb *CircuitBreaker) AdmitLastResort() (Permit, bool) {
	return cb.admit(true)
}

func (cb *CircuitBreaker) admit(lastResort bool) (Permit, bool) {
	cb.mu.Lock()
	var (
		fired   []Transition
		permit  Permit
		allowed bool
	)

	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		now := cb.config.Clock()
		if !now.Before(cb.openUntil) {
			fired = append(fired, cb.transitionTo(StateHalfOpen, now))
			permit = cb.takeTrial()
			allowed = true
		} else if lastResort {
			allowed = true
		}
	case StateHalfOpen:
		if !cb.trialInFlight {
			permit = cb.takeTrial()
			allowed = true
		}
	}

	cb.mu.Unlock()
	cb.notify(fired)
	return permit, allowed
}

func (cb *CircuitBreaker) takeTrial() Permit {
	cb.trialGen++
	cb.trialInFlight = true
	return Permit{Trial: true, gen: cb.trialGen}
}

// Complete reports the outcome of a request admitted with p.
//
// A trial outcome counts only while its half-open window is still current.
// Any other outcome counts only while the breaker is closed: a call that was
// admitted before a trip, or as a last resort during the cooldown, never
// decides the fate of an open or half-open breaker.
func (cb *CircuitBreaker) Complete(p Permit, success bool) {
	cb.mu.Lock()
	var fired []Transition
	now := cb.config.Clock()

	switch {
	case p.Trial:
		if cb.state == StateHalfOpen && cb.trialInFlight && p.gen == cb.trialGen {
			fired = cb.record(now, success)
		}
	case cb.state == StateClosed:
		fired = cb.record(now, success)
	}

	cb.mu.Unlock()
	cb.notify(fired)
}

// Release gives back the trial held by p without recording an outcome.
func (cb *CircuitBreaker) Release(p Permit) {
	if !p.Trial {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && p.gen == cb.trialGen {
		cb.trialInFlight = false
	}
}

// RecordSuccess records a successful outcome that is not tied to a permit,
// such as a health probe.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	fired := cb.record(cb.config.Clock(), true)
	cb.mu.Unlock()
	cb.notify(fired)
}

// RecordFailure records a failed outcome that is not tied to a permit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	fired := cb.record(cb.config.Clock(), false)
	cb.mu.Unlock()
	cb.notify(fired)
}

// record applies one outcome. The lock must be held.
func (cb *CircuitBreaker) record(now time.Time, success bool) []Transition {
	var fired []Transition
	if success {
		cb.consecutiveSuccesses++
		cb.consecutiveFailures = 0

		switch cb.state {
		case StateHalfOpen:
			fired = append(fired, cb.close(now))
		case StateOpen:
			// Outcomes that arrive before the cooldown elapses are not trials.
			if !now.Before(cb.openUntil) {
				fired = append(fired, cb.transitionTo(StateHalfOpen, now))
				fired = append(fired, cb.close(now))
			}
		}
		return fired
	}

	cb.consecutiveFailures++
	cb.consecutiveSuccesses = 0

	switch cb.state {
	case StateClosed:
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			fired = append(fired, cb.trip(now))
		}
	case StateHalfOpen:
		fired = append(fired, cb.trip(now))
	case StateOpen:
		// Failures while open never extend the cooldown. After it elapses the
		// failure counts as the trial.
		if !now.Before(cb.openUntil) {
			fired = append(fired, cb.transitionTo(StateHalfOpen, now))
			fired = append(fired, cb.trip(now))
		}
	}
	return fired
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Snapshot returns the breaker's health state.
func (cb *CircuitBreaker) Snapshot() router.HealthState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	hs := router.HealthState{
		Backend:              cb.name,
		State:                cb.state.Public(),
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		LastTransition:       cb.lastTransition,
		Trips:                cb.trips,
		TrialInFlight:        cb.trialInFlight,
	}
	switch cb.state {
	case StateClosed:
		hs.Available = true
	case StateHalfOpen:
		hs.Available = !cb.trialInFlight
	case StateOpen:
		hs.OpenUntil = cb.openUntil
		hs.Available = !cb.config.Clock().Before(cb.openUntil)
	}
	return hs
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var fired []Transition
	now := cb.config.Clock()
	if cb.state == StateOpen {
		fired = append(fired, cb.transitionTo(StateHalfOpen, now))
	}
	if cb.state == StateHalfOpen {
		fired = append(fired, cb.close(now))
	}
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.mu.Unlock()
	cb.notify(fired)
}

func (cb *CircuitBreaker) trip(now time.Time) Transition {
	cb.trips++
	cb.trialInFlight = false
	cb.openUntil = now.Add(cb.config.CooldownFor(cb.trips))
	return cb.transitionTo(StateOpen, now)
}

func (cb *CircuitBreaker) close(now time.Time) Transition {
	cb.trips = 0
	cb.trialInFlight = false
	cb.openUntil = time.Time{}
	cb.consecutiveFailures = 0
	return cb.transitionTo(StateClosed, now)
}

func (cb *CircuitBreaker) transitionTo(newState CircuitState, now time.Time) Transition {
	t := Transition{Name: cb.name, From: cb.state, To: newState, At: now}
	cb.state = newState
	cb.lastTransition = now
	return t
}

func (cb *CircuitBreaker) notify(fired []Transition) {
	if len(fired) == 0 {
		return
	}
	cb.mu.Lock()
	fn := cb.onStateChange
	cb.mu.Unlock()
	if fn == nil {
		return
	}
	for _, t := range fired {
		fn(t)
	}
}
