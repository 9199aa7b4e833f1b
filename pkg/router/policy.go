package router

import (
	"fmt"
	"math"
	"slices"

	"github.com/blueberrycongee/ocrmux/pkg/backend"
	"github.com/blueberrycongee/ocrmux/pkg/types"
)

// weightTolerance bounds the rounding error accepted when weights are summed.
const weightTolerance = 1e-6

// Weights are the per-attribute scoring weights. They must sum to 1.0.
type Weights struct {
	Privacy  float64 `yaml:"privacy" json:"privacy"`
	Quality  float64 `yaml:"quality" json:"quality"`
	TaskType float64 `yaml:"task_type" json:"task_type"`
	Size     float64 `yaml:"size" json:"size"`
}

// DefaultWeights returns the default scoring weights.
// Privacy dominates because it is the only attribute with trust consequences.
func DefaultWeights() Weights {
	return Weights{
		Privacy:  0.35,
		Quality:  0.30,
		TaskType: 0.25,
		Size:     0.10,
	}
}

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	return w.Privacy + w.Quality + w.TaskType + w.Size
}

// Validate checks the weights for errors.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"privacy": w.Privacy, "quality": w.Quality, "task_type": w.TaskType, "size": w.Size,
	} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("weight %s must be non-negative, got %v", name, v)
		}
	}
	if sum := w.Sum(); math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("weights must sum to 1.0, got %.4f", sum)
	}
	return nil
}

// Selector picks a subset of candidates by extreme attribute value.
type Selector string

const (
	SelectMaxPrivacy Selector = "max_privacy"
	SelectMaxQuality Selector = "max_quality"
)

// RuleCondition is the predicate of an override rule.
// All non-empty fields must match.
type RuleCondition struct {
	Privacy         []types.PrivacyLevel `yaml:"privacy,omitempty" json:"privacy,omitempty"`
	Quality         []types.QualityLevel `yaml:"quality,omitempty" json:"quality,omitempty"`
	TaskTypes       []types.TaskType     `yaml:"task_types,omitempty" json:"task_types,omitempty"`
	MinPayloadBytes int64                `yaml:"min_payload_bytes,omitempty" json:"min_payload_bytes,omitempty"`
}

// Empty reports whether the condition has no constraints.
func (c RuleCondition) Empty() bool {
	return len(c.Privacy) == 0 && len(c.Quality) == 0 && len(c.TaskTypes) == 0 && c.MinPayloadBytes == 0
}

// Matches reports whether req satisfies the condition.
func (c RuleCondition) Matches(req *types.Request) bool {
	if len(c.Privacy) > 0 && !slices.Contains(c.Privacy, req.Privacy) {
		return false
	}
	if len(c.Quality) > 0 && !slices.Contains(c.Quality, req.Quality) {
		return false
	}
	if len(c.TaskTypes) > 0 && !slices.Contains(c.TaskTypes, req.TaskType) {
		return false
	}
	if c.MinPayloadBytes > 0 && req.Size() < c.MinPayloadBytes {
		return false
	}
	return true
}

// RuleTarget names the backend subset an override rule forces.
// Exactly one field is set.
type RuleTarget struct {
	Kind     backend.Kind `yaml:"kind,omitempty" json:"kind,omitempty"`
	Backends []string     `yaml:"backends,omitempty" json:"backends,omitempty"`
	Select   Selector     `yaml:"select,omitempty" json:"select,omitempty"`
}

// Rule is a hard override rule: when the condition matches, routing is
// restricted to the target subset.
type Rule struct {
	Name  string        `yaml:"name" json:"name"`
	When  RuleCondition `yaml:"when" json:"when"`
	Route RuleTarget    `yaml:"route" json:"route"`
}

// Validate checks the rule for errors.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.When.Empty() {
		return fmt.Errorf("rule %q: condition is empty", r.Name)
	}
	for _, p := range r.When.Privacy {
		if !p.Valid() {
			return fmt.Errorf("rule %q: unknown privacy level %q", r.Name, p)
		}
	}
	for _, q := range r.When.Quality {
		if !q.Valid() {
			return fmt.Errorf("rule %q: unknown quality level %q", r.Name, q)
		}
	}
	if r.When.MinPayloadBytes < 0 {
		return fmt.Errorf("rule %q: min_payload_bytes cannot be negative", r.Name)
	}

	set := 0
	if r.Route.Kind != "" {
		set++
		if !r.Route.Kind.Valid() {
			return fmt.Errorf("rule %q: unknown kind %q", r.Name, r.Route.Kind)
		}
	}
	if len(r.Route.Backends) > 0 {
		set++
	}
	if r.Route.Select != "" {
		set++
		if r.Route.Select != SelectMaxPrivacy && r.Route.Select != SelectMaxQuality {
			return fmt.Errorf("rule %q: unknown selector %q", r.Name, r.Route.Select)
		}
	}
	if set != 1 {
		return fmt.Errorf("rule %q: exactly one of kind, backends, select must be set", r.Name)
	}
	return nil
}

// DefaultRules returns the default override rules, in priority order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:  "privacy-high",
			When:  RuleCondition{Privacy: []types.PrivacyLevel{types.PrivacyHigh}},
			Route: RuleTarget{Select: SelectMaxPrivacy},
		},
		{
			Name:  "quality-ultra-high",
			When:  RuleCondition{Quality: []types.QualityLevel{types.QualityUltraHigh}},
			Route: RuleTarget{Select: SelectMaxQuality},
		},
		{
			Name:  "task-complex",
			When:  RuleCondition{TaskTypes: []types.TaskType{types.TaskComplex}},
			Route: RuleTarget{Select: SelectMaxQuality},
		},
	}
}

// Policy is the complete routing policy. It is swapped as a whole on reload.
type Policy struct {
	Weights   Weights `yaml:"weights" json:"weights"`
	Rules     []Rule  `yaml:"overrides" json:"overrides"`
	LoadAware bool    `yaml:"load_aware" json:"load_aware"`
}

// DefaultPolicy returns the default routing policy.
func DefaultPolicy() Policy {
	return Policy{
		Weights: DefaultWeights(),
		Rules:   DefaultRules(),
	}
}

// Validate checks the policy for errors.
func (p Policy) Validate() error {
	if err := p.Weights.Validate(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(p.Rules))
	for i, r := range p.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("overrides[%d]: %w", i, err)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("overrides[%d]: duplicate rule name %q", i, r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	return nil
}

// BackendRefs returns every backend name referenced by explicit rule targets.
func (p Policy) BackendRefs() []string {
	var out []string
	for _, r := range p.Rules {
		out = append(out, r.Route.Backends...)
	}
	return out
}
