package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/blueberrycongee/ocrmux"
	"github.com/blueberrycongee/ocrmux/internal/api"
	"github.com/blueberrycongee/ocrmux/internal/config"
	"github.com/blueberrycongee/ocrmux/internal/observability"
)

const defaultShutdownTimeout = 30 * time.Second

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Long: `Runs the gateway. The configuration file is watched and routing policy
changes (weights, overrides, load_aware) are applied without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	boot := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfgManager, err := config.NewManager(configPath, boot)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer func() { _ = cfgManager.Close() }()
	cfg := cfgManager.Get()

	redactor := observability.NewRedactor()
	logger := observability.NewLogger(cfg.LoggerConfig(os.Stdout), redactor).Slog()
	slog.SetDefault(logger)
	logger.Info("starting ocrmux gateway", "version", ocrmux.Version)

	tp, err := observability.InitTracing(ctx, cfg.TracingConfig())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", "error", err)
		}
	}()

	secrets, err := newSecretManager(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = secrets.Close() }()
	resolved, err := resolveBackendSecrets(ctx, cfg, secrets)
	if err != nil {
		return err
	}

	client, err := buildClient(resolved, logger, tp.Tracer())
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()
	client.Start(ctx)

	cfgManager.OnChange(func(next *config.Config) {
		if err := client.SetPolicy(next.Policy()); err != nil {
			logger.Error("failed to apply reloaded routing policy", "error", err)
		}
	})
	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	server := newServer(cfg, client, cfgManager.Status, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return defaultShutdownTimeout
}

// newServer wires the API handlers. configStatus may be nil.
func newServer(cfg *config.Config, gw api.Gateway, configStatus func() config.Status, logger *slog.Logger) *http.Server {
	handler := api.NewHandler(gw, logger, &api.HandlerConfig{MaxBodySize: cfg.Server.MaxBodyBytes})

	var metricsPath string
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux, api.RouteOptions{
		MetricsPath:    metricsPath,
		RequestTimeout: cfg.Server.WriteTimeout,
	})
	if configStatus != nil {
		mux.HandleFunc("GET /v1/config", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(configStatus())
		})
	}

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      observability.RequestIDMiddleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}
