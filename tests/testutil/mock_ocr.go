// Package testutil provides test doubles for backends and remote OCR services.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// RecordedRequest stores information about a received request.
type RecordedRequest struct {
	Method  string
	Path    string
	Body    []byte
	Headers http.Header
	Time    time.Time
}

// MockResponse defines a custom response for the mock server.
type MockResponse struct {
	Text       string
	Confidence float64
	Pages      int
	StatusCode int
	Error      *MockError
	Delay      time.Duration
}

// MockError defines an error response.
type MockError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// MockProcessRequest is the body the mock expects on the process endpoint.
type MockProcessRequest struct {
	ID       string            `json:"id"`
	TaskType string            `json:"task_type"`
	Quality  string            `json:"quality"`
	Privacy  string            `json:"privacy"`
	Language string            `json:"language"`
	Payload  []byte            `json:"payload"`
	Metadata map[string]string `json:"metadata"`
}

// MockOCRServer simulates a remote OCR service for testing.
type MockOCRServer struct {
	server   *httptest.Server
	requests []RecordedRequest
	mu       sync.Mutex

	latency       time.Duration
	healthy       bool
	healthCalls   int
	responseQueue []MockResponse
	nextError     *MockError
	nextStatus    int
}

// NewMockOCRServer creates and starts a new mock OCR server. It serves
// POST /v1/process and GET /health.
func NewMockOCRServer() *MockOCRServer {
	m := &MockOCRServer{
		requests: make([]RecordedRequest, 0),
		healthy:  true,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/process", m.handleProcess)
	mux.HandleFunc("/health", m.handleHealth)

	m.server = httptest.NewServer(mux)
	return m
}

// URL returns the mock server's URL.
func (m *MockOCRServer) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockOCRServer) Close() {
	m.server.Close()
}

// GetRequests returns all recorded process requests.
func (m *MockOCRServer) GetRequests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]RecordedRequest, len(m.requests))
	copy(result, m.requests)
	return result
}

// HealthCalls returns how many times the health endpoint was hit.
func (m *MockOCRServer) HealthCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthCalls
}

// Reset clears all recorded requests and resets configuration.
func (m *MockOCRServer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = m.requests[:0]
	m.responseQueue = m.responseQueue[:0]
	m.nextError = nil
	m.nextStatus = 0
	m.latency = 0
	m.healthy = true
	m.healthCalls = 0
}

// SetLatency sets the simulated latency for process requests.
func (m *MockOCRServer) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// SetHealthy controls the health endpoint status.
func (m *MockOCRServer) SetHealthy(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = ok
}

// SetNextResponse sets the text for the next response.
func (m *MockOCRServer) SetNextResponse(text string) {
	m.QueueResponse(MockResponse{Text: text, Confidence: 0.95, Pages: 1})
}

// SetNextError sets an error for the next request.
func (m *MockOCRServer) SetNextError(statusCode int, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextStatus = statusCode
	m.nextError = &MockError{
		Message: message,
		Code:    fmt.Sprintf("error_%d", statusCode),
	}
}

// QueueResponse adds a response to the queue.
func (m *MockOCRServer) QueueResponse(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responseQueue = append(m.responseQueue, resp)
}

func (m *MockOCRServer) recordRequest(r *http.Request, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Body:    body,
		Headers: r.Header.Clone(),
		Time:    time.Now(),
	})
}

func (m *MockOCRServer) getNextResponse() *MockResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.responseQueue) > 0 {
		resp := m.responseQueue[0]
		m.responseQueue = m.responseQueue[1:]
		return &resp
	}
	return nil
}

func (m *MockOCRServer) getAndClearError() (*MockError, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.nextError
	status := m.nextStatus
	m.nextError = nil
	m.nextStatus = 0
	return err, status
}

func (m *MockOCRServer) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, &MockError{Message: "method not allowed"})
		return
	}

	body, _ := io.ReadAll(r.Body) //nolint:errcheck // test code
	m.recordRequest(r, body)

	m.mu.Lock()
	latency := m.latency
	m.mu.Unlock()

	resp := m.getNextResponse()
	if resp != nil && resp.Delay > 0 {
		latency = resp.Delay
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-r.Context().Done():
			return
		}
	}

	if err, status := m.getAndClearError(); err != nil {
		writeErrorResponse(w, status, err)
		return
	}
	if resp != nil && resp.Error != nil {
		status := resp.StatusCode
		if status == 0 {
			status = http.StatusInternalServerError
		}
		writeErrorResponse(w, status, resp.Error)
		return
	}

	var req MockProcessRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, &MockError{Message: "invalid json: " + err.Error()})
		return
	}

	out := map[string]any{
		"text":       fmt.Sprintf("mock:%s:%d", req.TaskType, len(req.Payload)),
		"confidence": 0.9,
		"pages":      1,
	}
	if resp != nil {
		out["text"] = resp.Text
		out["confidence"] = resp.Confidence
		out["pages"] = resp.Pages
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out) //nolint:errcheck // test code
}

func (m *MockOCRServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.healthCalls++
	healthy := m.healthy
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unhealthy"}`)) //nolint:errcheck // test code
		return
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck // test code
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, err *MockError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": err}) //nolint:errcheck // test code
}
