package api //nolint:revive // package name is intentional

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/ocrmux"
	"github.com/blueberrycongee/ocrmux/internal/cache"
	"github.com/blueberrycongee/ocrmux/internal/resilience"
	"github.com/blueberrycongee/ocrmux/pkg/router"
	"github.com/blueberrycongee/ocrmux/pkg/types"
	"github.com/blueberrycongee/ocrmux/tests/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testGateway struct {
	handler *Handler
	mux     *http.ServeMux
	local   *testutil.FakeBackend
	cloud   *testutil.FakeBackend
}

func newTestGateway(t *testing.T, cfg *HandlerConfig) *testGateway {
	t.Helper()
	local := testutil.NewFakeBackend("local")
	cloud := testutil.NewFakeBackend("cloud")
	client, err := ocrmux.New(
		ocrmux.WithBackend(testutil.LocalDescriptor("local"), local),
		ocrmux.WithBackend(testutil.CloudDescriptor("cloud"), cloud),
		ocrmux.WithLogger(discardLogger()),
		ocrmux.WithMetrics(false),
		ocrmux.WithProbe(ocrmux.ProbeConfig{Enabled: false}),
		ocrmux.WithDispatch(ocrmux.DispatchConfig{MaxAttempts: 3, Timeout: time.Second}),
		ocrmux.WithoutCache(),
	)
	if err != nil {
		t.Fatalf("ocrmux.New() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	h := NewHandler(client, discardLogger(), cfg)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux, RouteOptions{MetricsPath: "/metrics", RequestTimeout: 5 * time.Second})
	return &testGateway{handler: h, mux: mux, local: local, cloud: cloud}
}

func (g *testGateway) do(t *testing.T, method, target, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	g.mux.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return resp.Error
}

func TestProcess_JSON(t *testing.T) {
	g := newTestGateway(t, nil)
	body, _ := json.Marshal(map[string]any{
		"task_type": "form_processing",
		"privacy":   "high",
		"payload":   base64.StdEncoding.EncodeToString([]byte("scan")),
	})

	rr := g.do(t, http.MethodPost, "/v1/process", "application/json", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var res types.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Backend != "local" || res.Text != "local:form_processing" {
		t.Errorf("result = %+v, want local form_processing", res)
	}
	if g.cloud.Calls() != 0 {
		t.Errorf("cloud calls = %d, want 0", g.cloud.Calls())
	}
}

func TestProcess_RawDocument(t *testing.T) {
	g := newTestGateway(t, nil)

	rr := g.do(t, http.MethodPost, "/v1/process?task_type=text_extraction&force_cloud=true&language=deu",
		"image/png", []byte("\x89PNG raw"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	reqs := g.cloud.Requests()
	if len(reqs) != 1 {
		t.Fatalf("cloud requests = %d, want 1", len(reqs))
	}
	if string(reqs[0].Payload) != "\x89PNG raw" || reqs[0].Language != "deu" {
		t.Errorf("forwarded request = %+v", reqs[0])
	}
}

func TestProcess_InvalidInput(t *testing.T) {
	tests := []struct {
		name        string
		target      string
		contentType string
		body        string
	}{
		{"malformed json", "/v1/process", "application/json", "{"},
		{"missing task type", "/v1/process", "application/json", `{"payload_size": 10}`},
		{"bad boolean", "/v1/process?task_type=text_extraction&cacheable=sometimes", "image/tiff", "doc"},
		{"conflicting overrides", "/v1/process?task_type=text_extraction&force_local=1&force_cloud=1", "image/tiff", "doc"},
		{"too large", "/v1/process", "application/json", `{"task_type":"text_extraction","payload_size":123456}`},
	}

	g := newTestGateway(t, &HandlerConfig{MaxBodySize: 48})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := g.do(t, http.MethodPost, tt.target, tt.contentType, []byte(tt.body))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
			}
			if got := decodeError(t, rr).Type; got != errorTypeInvalidRequest {
				t.Errorf("error type = %q", got)
			}
		})
	}
	if g.local.Calls()+g.cloud.Calls() != 0 {
		t.Error("invalid requests must not reach a backend")
	}
}

func TestProcess_NoEligibleBackend(t *testing.T) {
	g := newTestGateway(t, nil)

	rr := g.do(t, http.MethodPost, "/v1/process", "application/json",
		[]byte(`{"task_type":"layout_analysis","payload_size":10}`))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rr.Code)
	}
	detail := decodeError(t, rr)
	if detail.Type != errorTypeNoEligibleBackend || detail.Code != "layout_analysis" {
		t.Errorf("detail = %+v", detail)
	}
}

func TestProcess_AllBackendsFailed(t *testing.T) {
	g := newTestGateway(t, nil)
	g.local.SetFailure(testutil.ErrFakeFailure)
	g.cloud.SetFailure(testutil.ErrFakeFailure)

	rr := g.do(t, http.MethodPost, "/v1/process", "application/json",
		[]byte(`{"task_type":"text_extraction","payload_size":10}`))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
	detail := decodeError(t, rr)
	if detail.Type != errorTypeAllBackendsFailed {
		t.Errorf("error type = %q", detail.Type)
	}
	if strings.Join(detail.Tried, ",") != "local,cloud" {
		t.Errorf("tried = %v, want local,cloud", detail.Tried)
	}
}

func TestRoute_DryRun(t *testing.T) {
	g := newTestGateway(t, nil)

	rr := g.do(t, http.MethodPost, "/v1/route", "", []byte(`{"task_type":"text_extraction","payload_size":2048}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var d router.Decision
	if err := json.Unmarshal(rr.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if d.Winner != "local" || len(d.Candidates) != 2 {
		t.Errorf("decision = %v, want local first of 2", d.Names())
	}
	if g.local.Calls()+g.cloud.Calls() != 0 {
		t.Error("route must not invoke backends")
	}
}

func TestStatus(t *testing.T) {
	g := newTestGateway(t, nil)

	rr := g.do(t, http.MethodGet, "/v1/status", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var resp StatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !resp.Ready || len(resp.Backends) != 2 {
		t.Fatalf("status = %+v", resp)
	}
	if got := resp.Backends["cloud"].Load.ConcurrentCapacity; got != 8 {
		t.Errorf("cloud capacity = %d, want 8", got)
	}
	if resp.Backends["local"].Health.State != router.StateClosed {
		t.Errorf("local state = %s", resp.Backends["local"].Health.State)
	}
}

func TestResetBackend(t *testing.T) {
	g := newTestGateway(t, nil)

	rr := g.do(t, http.MethodPost, "/v1/backends/local/reset", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	rr = g.do(t, http.MethodPost, "/v1/backends/ghost/reset", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if got := decodeError(t, rr); got.Type != errorTypeUnknownBackend || got.Code != "ghost" {
		t.Errorf("detail = %+v", got)
	}
}

// stubGateway returns fixed answers for readiness and error paths.
type stubGateway struct {
	ready bool
	err   error
}

func (s stubGateway) RouteAndExecute(context.Context, *types.Request) (*types.Result, error) {
	return nil, s.err
}

func (s stubGateway) Decide(context.Context, *types.Request) (*router.Decision, error) {
	return nil, s.err
}

func (s stubGateway) Status() map[string]router.HealthState { return nil }

func (s stubGateway) Load(string) (resilience.ResilienceStats, error) {
	return resilience.ResilienceStats{}, nil
}

func (s stubGateway) Ready() bool { return s.ready }

func (s stubGateway) ResetBackend(string) error { return s.err }

func (s stubGateway) CacheStats() cache.CacheStats { return cache.CacheStats{} }

func TestHealthEndpoints(t *testing.T) {
	h := NewHandler(stubGateway{ready: false}, discardLogger(), nil)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux, RouteOptions{})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("live status = %d, want 200", rr.Code)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("ready status = %d, want 503", rr.Code)
	}
}

func TestWriteError_DoesNotLeakRawErrorMessage(t *testing.T) {
	h := NewHandler(stubGateway{err: errors.New("LEAKME: redis password=secret")}, discardLogger(), nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/process", strings.NewReader(`{"task_type":"text_extraction"}`))
	h.Process(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if got := rr.Body.String(); strings.Contains(got, "LEAKME") || strings.Contains(got, "password") {
		t.Fatalf("response leaked internal error details: %s", got)
	}
}

func TestRegisterRoutes_Patterns(t *testing.T) {
	g := newTestGateway(t, nil)

	tests := []struct {
		method, path, want string
	}{
		{http.MethodPost, "/v1/process", "POST /v1/process"},
		{http.MethodPost, "/v1/route", "POST /v1/route"},
		{http.MethodGet, "/v1/status", "GET /v1/status"},
		{http.MethodPost, "/v1/backends/local/reset", "POST /v1/backends/{name}/reset"},
		{http.MethodGet, "/metrics", "GET /metrics"},
	}
	for _, tt := range tests {
		_, pattern := g.mux.Handler(httptest.NewRequest(tt.method, tt.path, nil))
		if pattern != tt.want {
			t.Errorf("%s %s matched %q, want %q", tt.method, tt.path, pattern, tt.want)
		}
	}
}
