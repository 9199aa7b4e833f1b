package api //nolint:revive // package name is intentional

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/ocrmux/internal/metrics"
)

// RouteOptions controls optional endpoints.
type RouteOptions struct {
	// MetricsPath exposes Prometheus metrics when non-empty.
	MetricsPath string

	// RequestTimeout bounds /v1/process and /v1/route. Zero leaves the
	// request context untouched.
	RequestTimeout time.Duration
}

// RegisterRoutes registers all API routes on the given mux. Every route is
// instrumented under its pattern.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, opts RouteOptions) {
	handle := func(pattern string, next http.Handler) {
		mux.Handle(pattern, metrics.Middleware(pattern, next))
	}

	// Health endpoints
	handle("GET /health/live", http.HandlerFunc(h.Live))
	handle("GET /health/ready", http.HandlerFunc(h.Ready))

	// Processing
	handle("POST /v1/process", requestTimeout(http.HandlerFunc(h.Process), opts.RequestTimeout))
	handle("POST /v1/route", requestTimeout(http.HandlerFunc(h.Route), opts.RequestTimeout))

	// Operations
	handle("GET /v1/status", http.HandlerFunc(h.Status))
	handle("POST /v1/backends/{name}/reset", http.HandlerFunc(h.ResetBackend))

	if opts.MetricsPath != "" {
		mux.Handle("GET "+opts.MetricsPath, promhttp.Handler())
	}
}
