package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const managerConfig = `
server:
  port: 8080
backends:
  - name: local
    type: tesseract
    kind: local
    quality: 0.6
    privacy: 1.0
    tasks: {text_extraction: 1.0}
`

func newTestManager(t *testing.T, content string) (*Manager, string) {
	t.Helper()
	path := writeConfigFile(t, content)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := NewManager(path, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr, path
}

func TestManagerStatus(t *testing.T) {
	mgr, path := newTestManager(t, managerConfig)

	status := mgr.Status()
	if status.Path != path {
		t.Fatalf("Status().Path = %q, want %q", status.Path, path)
	}
	if status.Checksum == "" {
		t.Fatal("Status().Checksum is empty")
	}
	if status.LoadedAt.IsZero() {
		t.Fatal("Status().LoadedAt is zero")
	}
	if status.ReloadCount == 0 {
		t.Fatal("Status().ReloadCount should be > 0")
	}
}

func TestManagerInvalidInitialConfig(t *testing.T) {
	path := writeConfigFile(t, "server:\n  port: 8080\n")
	if _, err := NewManager(path, nil); err == nil {
		t.Fatal("NewManager() should reject a config without backends")
	}
}

func TestManagerReloadUpdatesChecksum(t *testing.T) {
	mgr, path := newTestManager(t, managerConfig)
	before := mgr.Status()

	var notified atomic.Int32
	mgr.OnChange(func(cfg *Config) {
		notified.Add(1)
		if !cfg.LoadAware {
			t.Error("listener should see the new configuration")
		}
	})

	updated := strings.Replace(managerConfig, "port: 8080", "port: 9090", 1) + "load_aware: true\n"
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := mgr.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	after := mgr.Status()
	if after.Checksum == before.Checksum {
		t.Fatal("expected checksum to change after reload")
	}
	if after.ReloadCount != before.ReloadCount+1 {
		t.Fatalf("expected reload count %d, got %d", before.ReloadCount+1, after.ReloadCount)
	}
	if mgr.Get().Server.Port != 9090 {
		t.Fatalf("expected server port 9090, got %d", mgr.Get().Server.Port)
	}
	if notified.Load() != 1 {
		t.Fatalf("listeners notified %d times, want 1", notified.Load())
	}
}

func TestManagerReloadKeepsCurrentOnError(t *testing.T) {
	mgr, path := newTestManager(t, managerConfig)
	before := mgr.Get()

	if err := os.WriteFile(path, []byte("weights: {privacy: 2}\n"+managerConfig), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := mgr.Reload(); err == nil {
		t.Fatal("Reload() should fail for invalid weights")
	}
	if mgr.Get() != before {
		t.Fatal("configuration must not change after a failed reload")
	}
	if mgr.Status().LastError == "" {
		t.Fatal("Status().LastError should record the failure")
	}
}

func TestManagerReloadIgnoresBackendChanges(t *testing.T) {
	mgr, path := newTestManager(t, managerConfig)

	updated := strings.Replace(managerConfig, "quality: 0.6", "quality: 0.9", 1) + "load_aware: true\n"
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := mgr.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	cfg := mgr.Get()
	if cfg.Backends[0].Quality != 0.6 {
		t.Errorf("backend quality = %v, want the startup value 0.6", cfg.Backends[0].Quality)
	}
	if !cfg.LoadAware {
		t.Error("policy changes should still apply")
	}
}

func TestManagerWatch(t *testing.T) {
	mgr, path := newTestManager(t, managerConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *Config, 1)
	mgr.OnChange(func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})
	if err := mgr.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(path, []byte(managerConfig+"load_aware: true\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	select {
	case cfg := <-changed:
		if !cfg.LoadAware {
			t.Fatal("watched reload should apply load_aware")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for hot reload")
	}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
