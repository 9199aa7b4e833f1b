package api //nolint:revive // package name is intentional

import (
	"errors"

	ocrerrors "github.com/blueberrycongee/ocrmux/pkg/errors"
)

// Error types reported in ErrorDetail.Type.
const (
	errorTypeInvalidRequest     = "invalid_request_error"
	errorTypeUnknownBackend     = "unknown_backend"
	errorTypeNoEligibleBackend  = "no_eligible_backend"
	errorTypeAllBackendsFailed  = "all_backends_failed"
	errorTypeInternal           = "internal_error"
	genericInternalErrorMessage = "internal server error"
)

// ErrorResponse is the error envelope returned by every endpoint.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes the error payload.
type ErrorDetail struct {
	Message string   `json:"message"`
	Type    string   `json:"type"`
	Code    string   `json:"code,omitempty"`
	Tried   []string `json:"tried,omitempty"`
}

// detailFor classifies err. Errors the gateway does not recognize are
// reported with a generic message so internal details never reach callers.
func detailFor(err error) ErrorDetail {
	var (
		unknown *ocrerrors.UnknownBackendError
		none    *ocrerrors.NoEligibleBackendError
		all     *ocrerrors.AllBackendsFailedError
	)
	switch {
	case errors.Is(err, ocrerrors.ErrInvalidRequest):
		return ErrorDetail{Message: err.Error(), Type: errorTypeInvalidRequest}
	case errors.As(err, &unknown):
		return ErrorDetail{Message: unknown.Error(), Type: errorTypeUnknownBackend, Code: unknown.Name}
	case errors.As(err, &none):
		return ErrorDetail{Message: none.Error(), Type: errorTypeNoEligibleBackend, Code: string(none.TaskType)}
	case errors.As(err, &all):
		return ErrorDetail{Message: all.Error(), Type: errorTypeAllBackendsFailed, Tried: all.Tried()}
	default:
		return ErrorDetail{Message: genericInternalErrorMessage, Type: errorTypeInternal}
	}
}
