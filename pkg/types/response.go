package types //nolint:revive // package name is intentional

import "time"

// Result is the outcome of a processed request.
// Backends fill the content fields; the engine fills the routing fields.
type Result struct {
	RequestID  string            `json:"request_id,omitempty"`
	Text       string            `json:"text"`
	Confidence float64           `json:"confidence,omitempty"`
	Pages      int               `json:"pages,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	// Routing information.
	Backend        string        `json:"backend"`
	OverrideReason string        `json:"override_reason,omitempty"`
	Cached         bool          `json:"cached,omitempty"`
	Degraded       bool          `json:"degraded,omitempty"`
	Attempts       []Attempt     `json:"attempts,omitempty"`
	Warnings       []string      `json:"warnings,omitempty"`
	Latency        time.Duration `json:"latency_ns,omitempty"`
}

// Attempt records one backend invocation made while serving a request.
type Attempt struct {
	Backend string        `json:"backend"`
	Success bool          `json:"success"`
	Skipped bool          `json:"skipped,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	Latency time.Duration `json:"latency_ns,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	out.Attempts = append([]Attempt(nil), r.Attempts...)
	out.Warnings = append([]string(nil), r.Warnings...)
	return &out
}
