// Package httpbackend implements a backend that forwards requests to a remote
// OCR service speaking a small JSON protocol:
//
//	POST {endpoint}/v1/process  {"id","task_type","quality","privacy","language","payload","metadata"}
//	  -> 200 {"text","confidence","pages","metadata"}
//	  -> 4xx/5xx {"error":{"message","code"}}
//	GET  {endpoint}/health      -> 2xx when the service is ready
package httpbackend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gocache "github.com/patrickmn/go-cache"

	"github.com/blueberrycongee/ocrmux/internal/httputil"
	"github.com/blueberrycongee/ocrmux/pkg/backend"
	ocrerrors "github.com/blueberrycongee/ocrmux/pkg/errors"
	"github.com/blueberrycongee/ocrmux/pkg/types"
)

const (
	defaultProcessPath = "/v1/process"
	defaultHealthPath  = "/health"
	defaultHealthTTL   = 5 * time.Second
	maxResponseBytes   = 64 << 20
	maxErrorBytes      = 16 << 10
	healthKey          = "health"
)

// Options configures a Backend.
type Options struct {
	Endpoint     string
	ProcessPath  string
	HealthPath   string
	APIKey       string
	APIKeyHeader string // default "Authorization" with a "Bearer " prefix
	AllowPrivate bool

	// HealthTTL memoizes Health results. Zero disables the memo.
	HealthTTL time.Duration

	Client *http.Client
}

// ParseOptions reads Options from a configuration options map.
//
// Recognized keys: endpoint (required), process_path, health_path, api_key,
// api_key_header, allow_private, health_cache_s.
func ParseOptions(raw map[string]string) (Options, error) {
	opts := Options{
		Endpoint:     raw["endpoint"],
		ProcessPath:  raw["process_path"],
		HealthPath:   raw["health_path"],
		APIKey:       raw["api_key"],
		APIKeyHeader: raw["api_key_header"],
		HealthTTL:    defaultHealthTTL,
	}
	if v, ok := raw["allow_private"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Options{}, fmt.Errorf("allow_private: %w", err)
		}
		opts.AllowPrivate = b
	}
	if v, ok := raw["health_cache_s"]; ok {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs < 0 {
			return Options{}, fmt.Errorf("health_cache_s must be a non-negative number, got %q", v)
		}
		opts.HealthTTL = time.Duration(secs * float64(time.Second))
	}
	return opts, nil
}

// Backend calls a remote OCR service.
type Backend struct {
	name       string
	opts       Options
	processURL string
	healthURL  string
	client     *http.Client
	health     *gocache.Cache
}

// New creates a remote backend.
func New(name string, opts Options) (*Backend, error) {
	if name == "" {
		return nil, errors.New("backend name is required")
	}
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("backend %q: endpoint is required", name)
	}
	base, err := validateEndpoint(opts.Endpoint, opts.AllowPrivate)
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", name, err)
	}

	if opts.ProcessPath == "" {
		opts.ProcessPath = defaultProcessPath
	}
	if opts.HealthPath == "" {
		opts.HealthPath = defaultHealthPath
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	b := &Backend{
		name:       name,
		opts:       opts,
		processURL: base.String() + "/" + strings.TrimPrefix(opts.ProcessPath, "/"),
		healthURL:  base.String() + "/" + strings.TrimPrefix(opts.HealthPath, "/"),
		client:     client,
	}
	if opts.HealthTTL > 0 {
		b.health = gocache.New(opts.HealthTTL, 2*opts.HealthTTL)
	}
	return b, nil
}

// NewFromOptions is the factory entry point for configuration-driven creation.
func NewFromOptions(name string, raw map[string]string) (backend.Backend, error) {
	opts, err := ParseOptions(raw)
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", name, err)
	}
	return New(name, opts)
}

// Name implements backend.Backend.
func (b *Backend) Name() string {
	return b.name
}

type processRequest struct {
	ID       string             `json:"id,omitempty"`
	TaskType types.TaskType     `json:"task_type"`
	Quality  types.QualityLevel `json:"quality,omitempty"`
	Privacy  types.PrivacyLevel `json:"privacy,omitempty"`
	Language string             `json:"language,omitempty"`
	Payload  []byte             `json:"payload"`
	Metadata map[string]string  `json:"metadata,omitempty"`
}

type processResponse struct {
	Text       string            `json:"text"`
	Confidence float64           `json:"confidence"`
	Pages      int               `json:"pages"`
	Metadata   map[string]string `json:"metadata"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Process implements backend.Backend.
func (b *Backend) Process(ctx context.Context, req *types.Request) (*types.Result, error) {
	if len(req.Payload) == 0 {
		return nil, ocrerrors.NewBackendError(b.name, errors.New("request carries no payload bytes"))
	}

	body, err := json.Marshal(processRequest{
		ID:       req.ID,
		TaskType: req.TaskType,
		Quality:  req.Quality,
		Privacy:  req.Privacy,
		Language: req.Language,
		Payload:  req.Payload,
		Metadata: req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.processURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.ID != "" {
		httpReq.Header.Set("X-Request-ID", req.ID)
	}
	b.authorize(httpReq)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		b.forgetHealth()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ocrerrors.NewBackendTimeout(b.name, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ocrerrors.NewBackendError(b.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, b.mapError(resp.StatusCode, httputil.Truncated(resp.Body, maxErrorBytes))
	}

	data, err := httputil.ReadLimitedBody(resp.Body, maxResponseBytes)
	if err != nil {
		return nil, ocrerrors.NewBackendError(b.name, fmt.Errorf("read response: %w", err))
	}
	var out processResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, ocrerrors.NewBackendError(b.name, fmt.Errorf("decode response: %w", err))
	}

	return &types.Result{
		Text:       out.Text,
		Confidence: out.Confidence,
		Pages:      out.Pages,
		Metadata:   out.Metadata,
	}, nil
}

// Health implements backend.Backend. Results are memoized for HealthTTL.
func (b *Backend) Health(ctx context.Context) backend.HealthReport {
	if b.health != nil {
		if v, ok := b.health.Get(healthKey); ok {
			return v.(backend.HealthReport)
		}
	}

	report := b.checkHealth(ctx)
	if b.health != nil && ctx.Err() == nil {
		b.health.SetDefault(healthKey, report)
	}
	return report
}

func (b *Backend) checkHealth(ctx context.Context) backend.HealthReport {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.healthURL, nil)
	if err != nil {
		return backend.HealthReport{OK: false, Detail: err.Error()}
	}
	b.authorize(httpReq)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return backend.HealthReport{OK: false, Detail: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBytes)) //nolint:errcheck // drain

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return backend.HealthReport{OK: false, Detail: fmt.Sprintf("health endpoint returned %d", resp.StatusCode)}
	}
	return backend.HealthReport{OK: true, Detail: fmt.Sprintf("health endpoint returned %d", resp.StatusCode)}
}

func (b *Backend) forgetHealth() {
	if b.health != nil {
		b.health.Delete(healthKey)
	}
}

func (b *Backend) authorize(r *http.Request) {
	if b.opts.APIKey == "" {
		return
	}
	header := b.opts.APIKeyHeader
	if header == "" || strings.EqualFold(header, "Authorization") {
		r.Header.Set("Authorization", "Bearer "+b.opts.APIKey)
		return
	}
	r.Header.Set(header, b.opts.APIKey)
}

// mapError converts a service error response to a typed backend error.
func (b *Backend) mapError(statusCode int, body []byte) error {
	message := http.StatusText(statusCode)
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}
	cause := fmt.Errorf("status %d: %s", statusCode, message)

	switch statusCode {
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ocrerrors.NewBackendTimeout(b.name, cause)
	case http.StatusTooManyRequests:
		return &ocrerrors.BackendError{
			Backend: b.name,
			Type:    ocrerrors.TypeLimit,
			Message: "rate limited by service: " + message,
			Cause:   cause,
		}
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		b.forgetHealth()
		return &ocrerrors.BackendError{
			Backend: b.name,
			Type:    ocrerrors.TypeUnavailable,
			Message: message,
			Cause:   cause,
		}
	default:
		return ocrerrors.NewBackendError(b.name, cause)
	}
}
