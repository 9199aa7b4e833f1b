// Package errors defines the typed failures surfaced by the routing gateway.
// Backend-specific errors are mapped to BackendError; callers only ever see
// the types declared here.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/blueberrycongee/ocrmux/pkg/types"
)

// Backend error types.
const (
	TypeTimeout     = "timeout"
	TypeError       = "error"
	TypeUnavailable = "unavailable"
	TypeLimit       = "limit"
)

// maxReasonLen bounds how much of a backend message reaches the caller.
const maxReasonLen = 200

var (
	// ErrInvalidRequest is wrapped by request validation failures.
	ErrInvalidRequest = types.ErrInvalidRequest

	// ErrDegraded marks a decision made while no eligible backend was healthy.
	// It is a warning, never returned as the error of a call.
	ErrDegraded = errors.New("degraded: no healthy backend available, attempting last resort")
)

// UnknownBackendError is returned when a backend name was never registered.
type UnknownBackendError struct {
	Name string `json:"name"`
}

func (e *UnknownBackendError) Error() string {
	return fmt.Sprintf("unknown backend %q", e.Name)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *UnknownBackendError) HTTPStatusCode() int {
	return http.StatusNotFound
}

// NoEligibleBackendError is returned when no registered backend can take a request.
// It is never retried.
type NoEligibleBackendError struct {
	TaskType    types.TaskType `json:"task_type"`
	PayloadSize int64          `json:"payload_size"`
	Reason      string         `json:"reason,omitempty"`
}

func (e *NoEligibleBackendError) Error() string {
	msg := fmt.Sprintf("no eligible backend for task_type=%s payload_size=%d", e.TaskType, e.PayloadSize)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *NoEligibleBackendError) HTTPStatusCode() int {
	return http.StatusUnprocessableEntity
}

// BackendError is a single failed backend attempt.
type BackendError struct {
	Backend string `json:"backend"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("[%s] %s (backend=%s)", e.Type, e.Message, e.Backend)
}

// Unwrap returns the underlying cause.
func (e *BackendError) Unwrap() error {
	return e.Cause
}

// IsTimeout reports whether the attempt timed out.
func (e *BackendError) IsTimeout() bool {
	return e.Type == TypeTimeout
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *BackendError) HTTPStatusCode() int {
	switch e.Type {
	case TypeTimeout:
		return http.StatusGatewayTimeout
	case TypeUnavailable:
		return http.StatusServiceUnavailable
	case TypeLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

// NewBackendTimeout creates a timeout error for backend.
func NewBackendTimeout(backend string, cause error) *BackendError {
	return &BackendError{
		Backend: backend,
		Type:    TypeTimeout,
		Message: "call timed out",
		Cause:   cause,
	}
}

// NewBackendError creates a generic failure for backend.
func NewBackendError(backend string, cause error) *BackendError {
	msg := "call failed"
	if cause != nil {
		msg = cause.Error()
	}
	return &BackendError{
		Backend: backend,
		Type:    TypeError,
		Message: msg,
		Cause:   cause,
	}
}

// NewBackendUnavailable creates an error for a backend that was gated out.
func NewBackendUnavailable(backend, message string) *BackendError {
	return &BackendError{
		Backend: backend,
		Type:    TypeUnavailable,
		Message: message,
	}
}

// NewBackendLimit creates an error for a slot or rate-limit wait that expired.
func NewBackendLimit(backend string, cause error) *BackendError {
	return &BackendError{
		Backend: backend,
		Type:    TypeLimit,
		Message: "concurrency limit wait expired",
		Cause:   cause,
	}
}

// AttemptFailure describes why one candidate did not produce a result.
type AttemptFailure struct {
	Backend string `json:"backend"`
	Type    string `json:"type"`
	Reason  string `json:"reason"`
	Skipped bool   `json:"skipped,omitempty"`
}

// FailureFrom converts err into an AttemptFailure with a truncated reason.
func FailureFrom(backend string, err error) AttemptFailure {
	f := AttemptFailure{Backend: backend, Type: TypeError}
	var be *BackendError
	if errors.As(err, &be) {
		f.Type = be.Type
		f.Reason = be.Message
		f.Skipped = be.Type == TypeUnavailable
	} else if err != nil {
		f.Reason = err.Error()
	}
	f.Reason = truncate(f.Reason)
	return f
}

// AllBackendsFailedError is returned after every attempted candidate failed.
type AllBackendsFailedError struct {
	Failures []AttemptFailure `json:"failures"`
}

func (e *AllBackendsFailedError) Error() string {
	if len(e.Failures) == 0 {
		return "all backends failed"
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		state := f.Type
		if f.Skipped {
			state = "skipped"
		}
		parts = append(parts, fmt.Sprintf("%s: %s (%s)", f.Backend, f.Reason, state))
	}
	return "all backends failed: " + strings.Join(parts, "; ")
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *AllBackendsFailedError) HTTPStatusCode() int {
	for _, f := range e.Failures {
		if !f.Skipped && f.Type != TypeTimeout {
			return http.StatusBadGateway
		}
	}
	for _, f := range e.Failures {
		if f.Type == TypeTimeout {
			return http.StatusGatewayTimeout
		}
	}
	return http.StatusServiceUnavailable
}

// Tried returns the names of the candidates that were actually invoked.
func (e *AllBackendsFailedError) Tried() []string {
	var out []string
	for _, f := range e.Failures {
		if !f.Skipped {
			out = append(out, f.Backend)
		}
	}
	return out
}

// HTTPStatus maps any error to an HTTP status code.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, ErrInvalidRequest) {
		return http.StatusBadRequest
	}
	var coded interface{ HTTPStatusCode() int }
	if errors.As(err, &coded) {
		return coded.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxReasonLen {
		return s
	}
	return s[:maxReasonLen] + "..."
}
