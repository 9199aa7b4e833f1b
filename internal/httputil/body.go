// Package httputil provides helpers for reading HTTP bodies with a size cap.
package httputil

import (
	"errors"
	"io"
)

// ErrBodyTooLarge is returned when a body exceeds its cap.
var ErrBodyTooLarge = errors.New("body too large")

// ReadLimitedBody reads up to maxBytes from reader and returns ErrBodyTooLarge
// when exceeded. The returned slice is truncated to maxBytes in that case.
// A non-positive maxBytes reads everything.
func ReadLimitedBody(reader io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(reader)
	}

	limited := io.LimitReader(reader, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return body, err
	}
	if int64(len(body)) > maxBytes {
		return body[:int(maxBytes)], ErrBodyTooLarge
	}
	return body, nil
}

// Truncated reads up to maxBytes and ignores overflow and read errors.
// It is meant for upstream error bodies that are only logged or reported.
func Truncated(reader io.Reader, maxBytes int64) []byte {
	body, _ := ReadLimitedBody(reader, maxBytes) //nolint:errcheck // best effort
	return body
}
