// Package router provides the public routing types: decisions, candidates,
// health snapshots, and the routing policy (weights and override rules).
package router

import (
	"context"
	"time"

	"github.com/blueberrycongee/ocrmux/pkg/backend"
	"github.com/blueberrycongee/ocrmux/pkg/types"
)

// Router selects and ranks backends for a request.
type Router interface {
	// Decide returns a ranked candidate list for the request.
	// Returns a NoEligibleBackendError when nothing can take the request.
	Decide(ctx context.Context, req *types.Request) (*Decision, error)

	// Policy returns the routing policy currently in effect.
	Policy() Policy

	// SetPolicy atomically replaces the routing policy.
	SetPolicy(p Policy) error
}

// CircuitState is the circuit breaker state of a backend.
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half-open"
)

// HealthState is a point-in-time snapshot of a backend's health.
// Readers must tolerate the state changing right after the snapshot is taken.
type HealthState struct {
	Backend              string       `json:"backend"`
	State                CircuitState `json:"state"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	LastTransition       time.Time    `json:"last_transition"`
	OpenUntil            time.Time    `json:"open_until,omitempty"`

	// Trips counts consecutive OPEN trips and drives the exponential cooldown.
	Trips         int  `json:"trips"`
	TrialInFlight bool `json:"trial_in_flight,omitempty"`
	Available     bool `json:"available"`

	LastProbe       time.Time `json:"last_probe,omitempty"`
	LastProbeDetail string    `json:"last_probe_detail,omitempty"`
}

// ScoreBreakdown holds the normalized attribute values behind a score.
type ScoreBreakdown struct {
	Privacy  float64 `json:"privacy"`
	Quality  float64 `json:"quality"`
	TaskType float64 `json:"task_type"`
	Size     float64 `json:"size"`
}

// Candidate is one ranked backend in a decision.
type Candidate struct {
	Backend   string         `json:"backend"`
	Kind      backend.Kind   `json:"kind"`
	Score     float64        `json:"score"`
	Cost      float64        `json:"cost"`
	Breakdown ScoreBreakdown `json:"breakdown"`
	Saturated bool           `json:"saturated,omitempty"`
}

// Decision is the output of the decision engine.
type Decision struct {
	Candidates     []Candidate `json:"candidates"`
	Winner         string      `json:"winner"`
	OverrideReason string      `json:"override_reason,omitempty"`
	Degraded       bool        `json:"degraded,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Names returns the candidate names in rank order.
func (d *Decision) Names() []string {
	out := make([]string, len(d.Candidates))
	for i, c := range d.Candidates {
		out[i] = c.Backend
	}
	return out
}

// Clone returns a deep copy of d.
func (d *Decision) Clone() *Decision {
	if d == nil {
		return nil
	}
	out := *d
	out.Candidates = append([]Candidate(nil), d.Candidates...)
	return &out
}
