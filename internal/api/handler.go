// Package api provides the HTTP handlers of the OCR gateway.
package api //nolint:revive // package name is intentional

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/ocrmux/internal/cache"
	"github.com/blueberrycongee/ocrmux/internal/httputil"
	"github.com/blueberrycongee/ocrmux/internal/observability"
	"github.com/blueberrycongee/ocrmux/internal/resilience"
	ocrerrors "github.com/blueberrycongee/ocrmux/pkg/errors"
	"github.com/blueberrycongee/ocrmux/pkg/router"
	"github.com/blueberrycongee/ocrmux/pkg/types"
)

// Gateway is the part of ocrmux.Client the handlers depend on.
type Gateway interface {
	RouteAndExecute(ctx context.Context, req *types.Request) (*types.Result, error)
	Decide(ctx context.Context, req *types.Request) (*router.Decision, error)
	Status() map[string]router.HealthState
	Load(name string) (resilience.ResilienceStats, error)
	Ready() bool
	ResetBackend(name string) error
	CacheStats() cache.CacheStats
}

// Handler serves the gateway API on top of a Gateway.
type Handler struct {
	gateway     Gateway
	logger      *slog.Logger
	maxBodySize int64
}

// HandlerConfig contains configuration for Handler.
type HandlerConfig struct {
	MaxBodySize int64 // Maximum request body size in bytes
}

// NewHandler creates a handler backed by gw.
func NewHandler(gw Gateway, logger *slog.Logger, cfg *HandlerConfig) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	maxBodySize := int64(DefaultMaxBodySize)
	if cfg != nil && cfg.MaxBodySize > 0 {
		maxBodySize = cfg.MaxBodySize
	}
	return &Handler{
		gateway:     gw,
		logger:      logger,
		maxBodySize: maxBodySize,
	}
}

// Process handles POST /v1/process.
//
// A JSON body is decoded as a types.Request with a base64 payload. Any other
// content type is taken as the raw document, with the routing attributes in
// the query string.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	req, err := h.readRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.gateway.RouteAndExecute(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Route handles POST /v1/route. It returns the ranked decision without
// invoking any backend. Only the routing attributes of the body are used.
func (h *Handler) Route(w http.ResponseWriter, r *http.Request) {
	req, err := h.readRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	d, err := h.gateway.Decide(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// BackendStatus is one entry of the status report.
type BackendStatus struct {
	Health router.HealthState          `json:"health"`
	Load   resilience.ResilienceStats `json:"load"`
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Ready    bool                     `json:"ready"`
	Backends map[string]BackendStatus `json:"backends"`
	Cache    cache.CacheStats         `json:"cache"`
}

// Status handles GET /v1/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	health := h.gateway.Status()
	out := StatusResponse{
		Ready:    h.gateway.Ready(),
		Backends: make(map[string]BackendStatus, len(health)),
		Cache:    h.gateway.CacheStats(),
	}
	for name, hs := range health {
		load, err := h.gateway.Load(name)
		if err != nil {
			h.logger.Warn("load stats unavailable", "backend", name, "error", err)
		}
		out.Backends[name] = BackendStatus{Health: hs, Load: load}
	}
	writeJSON(w, http.StatusOK, out)
}

// ResetBackend handles POST /v1/backends/{name}/reset.
func (h *Handler) ResetBackend(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.gateway.ResetBackend(name); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("backend circuit reset", "backend", name)
	writeJSON(w, http.StatusOK, h.gateway.Status()[name])
}

// Live handles GET /health/live.
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /health/ready. It reports 503 while every backend
// circuit is open.
func (h *Handler) Ready(w http.ResponseWriter, _ *http.Request) {
	if !h.gateway.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) readRequest(r *http.Request) (*types.Request, error) {
	defer func() { _ = r.Body.Close() }()

	// Limit request body size to prevent OOM
	body, err := httputil.ReadLimitedBody(r.Body, h.maxBodySize)
	if errors.Is(err, httputil.ErrBodyTooLarge) {
		return nil, fmt.Errorf("%w: request body too large", ocrerrors.ErrInvalidRequest)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read request body", ocrerrors.ErrInvalidRequest)
	}

	if isJSON(r.Header.Get("Content-Type")) {
		req := &types.Request{}
		if err := json.Unmarshal(body, req); err != nil {
			return nil, fmt.Errorf("%w: invalid JSON: %s", ocrerrors.ErrInvalidRequest, err.Error())
		}
		if req.ID == "" {
			req.ID = observability.RequestIDFromContext(r.Context())
		}
		return req, nil
	}

	return rawRequest(r, body)
}

// rawRequest builds a request from a raw document body and query parameters.
func rawRequest(r *http.Request, body []byte) (*types.Request, error) {
	q := r.URL.Query()
	req := &types.Request{
		ID:       observability.RequestIDFromContext(r.Context()),
		TaskType: types.TaskType(q.Get("task_type")),
		Quality:  types.QualityLevel(q.Get("quality")),
		Privacy:  types.PrivacyLevel(q.Get("privacy")),
		Language: q.Get("language"),
		Payload:  body,
	}
	for name, dst := range map[string]*bool{
		"force_local": &req.ForceLocal,
		"force_cloud": &req.ForceCloud,
		"cacheable":   &req.Cacheable,
	} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be a boolean", ocrerrors.ErrInvalidRequest, name)
		}
		*dst = v
	}
	return req, nil
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == contentTypeJSON
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		// Client went away; nothing useful can be written.
		h.logger.Debug("request canceled", "path", r.URL.Path)
		return
	}
	status := ocrerrors.HTTPStatus(err)

	logger := observability.WithRequestID(r.Context(), h.logger)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		logger.Info("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}

	writeJSON(w, status, ErrorResponse{Error: detailFor(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestTimeout bounds a handler when the server has no write timeout.
func requestTimeout(next http.Handler, d time.Duration) http.Handler {
	if d <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
