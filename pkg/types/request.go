// Package types defines the request and result structures exchanged between
// callers, the routing engine, and processing backends.
package types //nolint:revive // package name is intentional

import (
	"errors"
	"fmt"
	"strings"
)

// TaskType names the kind of document work a request asks for.
// Backends declare the task types they support together with an affinity.
type TaskType string

// Well-known task types. Backends may declare additional ones.
const (
	TaskTextExtraction  TaskType = "text_extraction"
	TaskFormProcessing  TaskType = "form_processing"
	TaskTableExtraction TaskType = "table_extraction"
	TaskHandwriting     TaskType = "handwriting"
	TaskLayoutAnalysis  TaskType = "layout_analysis"
	TaskComplex         TaskType = "complex"
)

// QualityLevel is the output quality a caller requires.
type QualityLevel string

const (
	QualityLow       QualityLevel = "low"
	QualityMedium    QualityLevel = "medium"
	QualityHigh      QualityLevel = "high"
	QualityUltraHigh QualityLevel = "ultra_high"
)

// Valid reports whether q is a known quality level.
func (q QualityLevel) Valid() bool {
	switch q {
	case QualityLow, QualityMedium, QualityHigh, QualityUltraHigh:
		return true
	}
	return false
}

// Required returns the minimum backend quality score that fully satisfies q.
func (q QualityLevel) Required() float64 {
	switch q {
	case QualityLow:
		return 0.25
	case QualityHigh:
		return 0.75
	case QualityUltraHigh:
		return 1.0
	default:
		return 0.5
	}
}

// PrivacyLevel is the sensitivity of the submitted document.
type PrivacyLevel string

const (
	PrivacyLow    PrivacyLevel = "low"
	PrivacyNormal PrivacyLevel = "normal"
	PrivacyHigh   PrivacyLevel = "high"
)

// Valid reports whether p is a known privacy level.
func (p PrivacyLevel) Valid() bool {
	switch p {
	case PrivacyLow, PrivacyNormal, PrivacyHigh:
		return true
	}
	return false
}

// Required returns the minimum backend privacy score that fully satisfies p.
// Low privacy requests are satisfied by any backend.
func (p PrivacyLevel) Required() float64 {
	switch p {
	case PrivacyLow:
		return 0
	case PrivacyHigh:
		return 1.0
	default:
		return 0.5
	}
}

// ErrInvalidRequest is wrapped by every request validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// Request is a single unit of work submitted to the gateway.
// It is read-only once handed to the engine.
type Request struct {
	ID       string       `json:"id,omitempty"`
	TaskType TaskType     `json:"task_type"`
	Quality  QualityLevel `json:"quality,omitempty"`
	Privacy  PrivacyLevel `json:"privacy,omitempty"`

	// Payload holds the document bytes. PayloadSize is used when the
	// payload is not held in memory (for example when streamed by reference).
	Payload     []byte `json:"payload,omitempty"`
	PayloadSize int64  `json:"payload_size,omitempty"`

	Language string `json:"language,omitempty"`

	ForceLocal bool `json:"force_local,omitempty"`
	ForceCloud bool `json:"force_cloud,omitempty"`

	// Cacheable marks the request as idempotent and free of side effects.
	Cacheable bool `json:"cacheable,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Size returns the payload size used for routing decisions.
func (r *Request) Size() int64 {
	if n := int64(len(r.Payload)); n > 0 {
		return n
	}
	return r.PayloadSize
}

// Normalize fills defaults for optional attributes.
func (r *Request) Normalize() {
	if r.Quality == "" {
		r.Quality = QualityMedium
	}
	if r.Privacy == "" {
		r.Privacy = PrivacyNormal
	}
	r.Language = strings.ToLower(strings.TrimSpace(r.Language))
}

// Validate checks the request for errors. Call Normalize first.
func (r *Request) Validate() error {
	if r.TaskType == "" {
		return fmt.Errorf("%w: task_type is required", ErrInvalidRequest)
	}
	if !r.Quality.Valid() {
		return fmt.Errorf("%w: unknown quality level %q", ErrInvalidRequest, r.Quality)
	}
	if !r.Privacy.Valid() {
		return fmt.Errorf("%w: unknown privacy level %q", ErrInvalidRequest, r.Privacy)
	}
	if r.PayloadSize < 0 {
		return fmt.Errorf("%w: payload_size cannot be negative", ErrInvalidRequest)
	}
	if len(r.Payload) > 0 && r.PayloadSize > 0 && int64(len(r.Payload)) != r.PayloadSize {
		return fmt.Errorf("%w: payload_size %d does not match payload length %d",
			ErrInvalidRequest, r.PayloadSize, len(r.Payload))
	}
	if r.ForceLocal && r.ForceCloud {
		return fmt.Errorf("%w: force_local and force_cloud are mutually exclusive", ErrInvalidRequest)
	}
	return nil
}
