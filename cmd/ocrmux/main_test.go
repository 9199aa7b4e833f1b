package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/ocrmux"
	"github.com/blueberrycongee/ocrmux/backends"
	"github.com/blueberrycongee/ocrmux/internal/config"
)

const testConfig = `
server:
  port: 8089
backends:
  - name: local
    type: http
    kind: local
    quality: 0.6
    privacy: 1.0
    tasks:
      text_extraction: 1.0
      form_processing: 0.8
    max_concurrent: 2
    options:
      endpoint: https://local.example.com
  - name: cloud
    type: http
    kind: remote
    quality: 0.95
    privacy: 0.4
    cost: 0.8
    tasks:
      text_extraction: 0.9
      form_processing: 1.0
    options:
      endpoint: https://cloud.example.com
      api_key: ${OCRMUX_TEST_API_KEY}
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, ocrmux.Version+"\n", out)
}

func TestValidateCommand(t *testing.T) {
	t.Setenv("OCRMUX_TEST_API_KEY", "k")
	path := writeConfig(t, testConfig)

	out, err := runCLI(t, "--config", path, "validate", "--strict")
	require.NoError(t, err)
	assert.Contains(t, out, "configuration ok: 2 backends")
}

func TestValidateConfig_Warnings(t *testing.T) {
	cfg, err := config.Load([]byte(`
backends:
  - name: only
    type: http
    kind: remote
    quality: 0.9
    privacy: 0.5
    tasks: {text_extraction: 1.0}
    options: {endpoint: "https://ocr.example.com"}
`))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, validateConfig(&out, cfg, backends.Default(), false))
	assert.Contains(t, out.String(), "warning [single_backend]")

	out.Reset()
	err = validateConfig(&out, cfg, backends.Default(), true)
	assert.True(t, errors.Is(err, errWarnings))
}

func TestValidateConfig_FactoryError(t *testing.T) {
	cfg, err := config.Load([]byte(testConfig))
	require.NoError(t, err)
	cfg.Backends[1].Type = "fax"

	var out bytes.Buffer
	err = validateConfig(&out, cfg, backends.Default(), false)
	require.Error(t, err)
	assert.Contains(t, out.String(), "unknown backend type: fax")
	assert.NotContains(t, out.String(), "configuration ok")
}

func TestRouteCommand(t *testing.T) {
	path := writeConfig(t, testConfig)

	out, err := runCLI(t, "--config", path, "route", "--task", "form_processing", "--privacy", "high")
	require.NoError(t, err)
	assert.Contains(t, out, "override: privacy-high")
	assert.Contains(t, out, "winner: local")
	assert.NotContains(t, out, "cloud")

	out, err = runCLI(t, "--config", path, "route", "--task", "form_processing", "--force-cloud")
	require.NoError(t, err)
	assert.Contains(t, out, "winner: cloud")
}

func TestRouteCommand_NoEligibleBackend(t *testing.T) {
	path := writeConfig(t, testConfig)

	_, err := runCLI(t, "--config", path, "route", "--task", "handwriting")
	var none *ocrmux.NoEligibleBackendError
	assert.True(t, errors.As(err, &none), "got %v", err)
}

func TestNewServer(t *testing.T) {
	cfg, err := config.Load([]byte(testConfig))
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	client, err := buildClient(cfg, logger, nil,
		ocrmux.WithFactories(offlineFactories(cfg)),
		ocrmux.WithProbe(ocrmux.ProbeConfig{Enabled: false}),
		ocrmux.WithMetrics(false),
	)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	status := func() config.Status { return config.Status{Path: "/etc/ocrmux.yaml", ReloadCount: 3} }
	srv := httptest.NewServer(newServer(cfg, client, status, logger).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, err = http.Get(srv.URL + "/v1/config")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), `"reload_count":3`)

	resp, err = http.Post(srv.URL+"/v1/route", "application/json",
		strings.NewReader(`{"task_type":"text_extraction","payload_size":100}`))
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"winner":"local"`)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResolveBackendSecrets(t *testing.T) {
	t.Setenv("OCRMUX_TEST_CLOUD_KEY", "from-env")
	cfg, err := config.Load([]byte(testConfig))
	require.NoError(t, err)
	cfg.Backends[1].Options["api_key"] = "env://OCRMUX_TEST_CLOUD_KEY"

	secrets, err := newSecretManager(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	resolved, err := resolveBackendSecrets(context.Background(), cfg, secrets)
	require.NoError(t, err)

	assert.Equal(t, "from-env", resolved.Backends[1].Options["api_key"])
	assert.Equal(t, "https://cloud.example.com", resolved.Backends[1].Options["endpoint"])
	assert.Equal(t, "env://OCRMUX_TEST_CLOUD_KEY", cfg.Backends[1].Options["api_key"])

	cfg.Backends[0].Options["api_key"] = "vault://secret/data/ocr#key"
	_, err = resolveBackendSecrets(context.Background(), cfg, secrets)
	assert.ErrorContains(t, err, "backend local")
}

func TestBuildClient_ShippedConfig(t *testing.T) {
	t.Setenv("OCRMUX_CLOUD_API_KEY", "k")
	cfg, err := config.LoadFromFile(filepath.Join("..", "..", "config", "config.yaml"))
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	secrets, err := newSecretManager(context.Background(), cfg, logger)
	require.NoError(t, err)
	resolved, err := resolveBackendSecrets(context.Background(), cfg, secrets)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, validateConfig(&out, resolved, backends.Default(), false))

	client, err := buildClient(resolved, logger, nil, ocrmux.WithMetrics(false))
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	d, err := client.Decide(context.Background(), &ocrmux.Request{TaskType: ocrmux.TaskTextExtraction, PayloadSize: 1024})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"local", "cloud"}, d.Names())
}
