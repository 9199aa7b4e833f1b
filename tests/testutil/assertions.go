package testutil

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/ocrmux/pkg/types"
)

// AssertStatusCode asserts the HTTP response status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	assert.Equal(t, expected, resp.StatusCode, "unexpected status code")
}

// AssertContentType asserts the Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	assert.True(t, strings.HasPrefix(contentType, expected),
		"expected Content-Type to start with %q, got %q", expected, contentType)
}

// AssertJSONResponse asserts the response is JSON.
func AssertJSONResponse(t *testing.T, resp *http.Response) {
	t.Helper()
	AssertContentType(t, resp, "application/json")
}

// RequireStatusOK requires the response status to be 200 OK.
func RequireStatusOK(t *testing.T, resp *http.Response) {
	t.Helper()
	require.Equal(t, http.StatusOK, resp.StatusCode, "expected 200 OK")
}

// AssertServedBy validates that a result was produced by the named backend.
func AssertServedBy(t *testing.T, res *types.Result, backend string) {
	t.Helper()
	require.NotNil(t, res, "result should not be nil")
	assert.Equal(t, backend, res.Backend, "unexpected serving backend")
	assert.NotEmpty(t, res.Text, "result text should not be empty")
}

// AssertAttemptOrder asserts the backends tried for a result, skipped ones included.
func AssertAttemptOrder(t *testing.T, res *types.Result, backends ...string) {
	t.Helper()
	require.NotNil(t, res, "result should not be nil")
	got := make([]string, 0, len(res.Attempts))
	for _, a := range res.Attempts {
		got = append(got, a.Backend)
	}
	assert.Equal(t, backends, got, "unexpected attempt order")
}

// AssertRequestRecorded asserts that the mock server received a specific request.
func AssertRequestRecorded(t *testing.T, mock *MockOCRServer, method, path string) {
	t.Helper()
	for _, req := range mock.GetRequests() {
		if req.Method == method && req.Path == path {
			return
		}
	}
	t.Errorf("expected request %s %s to be recorded", method, path)
}

// AssertNoRequests asserts that no requests were made to the mock server.
func AssertNoRequests(t *testing.T, mock *MockOCRServer) {
	t.Helper()
	assert.Empty(t, mock.GetRequests(), "expected no requests to mock server")
}

// AssertRequestCount asserts the number of requests made to the mock server.
func AssertRequestCount(t *testing.T, mock *MockOCRServer, expected int) {
	t.Helper()
	assert.Len(t, mock.GetRequests(), expected, "unexpected request count")
}
