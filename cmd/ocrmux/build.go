package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/ocrmux"
	"github.com/blueberrycongee/ocrmux/backends"
	"github.com/blueberrycongee/ocrmux/internal/config"
	"github.com/blueberrycongee/ocrmux/internal/observability"
	"github.com/blueberrycongee/ocrmux/pkg/backend"
	"github.com/blueberrycongee/ocrmux/pkg/types"
)

// clientOptions translates the configuration into client options.
func clientOptions(cfg *config.Config, logger *slog.Logger, tracer trace.Tracer) []ocrmux.Option {
	opts := []ocrmux.Option{
		ocrmux.WithLogger(logger),
		ocrmux.WithPolicy(cfg.Policy()),
		ocrmux.WithBreaker(cfg.BreakerConfig()),
		ocrmux.WithProbe(cfg.ProbeConfig()),
		ocrmux.WithDispatch(cfg.DispatchConfig()),
		ocrmux.WithCacheConfig(cfg.CacheConfig()),
		ocrmux.WithMetrics(cfg.Metrics.Enabled),
		ocrmux.WithRedactor(observability.NewRedactor()),
	}
	if tracer != nil {
		opts = append(opts, ocrmux.WithTracer(tracer))
	}
	for _, b := range cfg.Backends {
		opts = append(opts, ocrmux.WithBackendConfig(ocrmux.BackendConfig{
			Descriptor: b.Descriptor(),
			Type:       b.Type,
			Options:    b.Options,
		}))
	}
	return opts
}

// buildClient creates the client for the gateway.
func buildClient(cfg *config.Config, logger *slog.Logger, tracer trace.Tracer, extra ...ocrmux.Option) (*ocrmux.Client, error) {
	client, err := ocrmux.New(append(clientOptions(cfg, logger, tracer), extra...)...)
	if err != nil {
		return nil, fmt.Errorf("build client: %w", err)
	}
	return client, nil
}

var errOffline = errors.New("offline backend does not process requests")

// offlineBackend stands in for a configured backend when only routing
// decisions are needed.
type offlineBackend struct {
	name string
}

func (b offlineBackend) Name() string { return b.name }

func (b offlineBackend) Process(context.Context, *types.Request) (*types.Result, error) {
	return nil, errOffline
}

func (b offlineBackend) Health(context.Context) backend.HealthReport {
	return backend.HealthReport{OK: true, Detail: "offline"}
}

// offlineFactories maps every configured backend type to offlineBackend so
// decisions can be computed without credentials, network or cgo engines.
func offlineFactories(cfg *config.Config) *backends.Registry {
	r := backends.NewRegistry()
	for _, b := range cfg.Backends {
		r.RegisterFactory(b.Type, func(name string, _ map[string]string) (backend.Backend, error) {
			return offlineBackend{name: name}, nil
		})
	}
	return r
}
