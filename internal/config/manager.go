package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manager handles configuration loading and hot-reload.
// It uses atomic pointer swaps to ensure thread-safe config updates.
//
// Only the routing policy is reloadable. Backend declarations are fixed at
// startup; a reload that changes them keeps the original backends and logs
// the change as ignored.
type Manager struct {
	config  atomic.Pointer[Config]
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu       sync.Mutex
	onChange []func(*Config)
	status   Status
}

// Status describes the currently loaded configuration file.
type Status struct {
	Path        string    `json:"path"`
	Checksum    string    `json:"checksum"`
	LoadedAt    time.Time `json:"loaded_at"`
	ReloadCount int       `json:"reload_count"`
	LastError   string    `json:"last_error,omitempty"`
}

// NewManager creates a new configuration manager.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	m := &Manager{
		path:   abs,
		logger: logger,
	}
	cfg, sum, err := m.read()
	if err != nil {
		return nil, err
	}
	m.config.Store(cfg)
	m.status = Status{Path: abs, Checksum: sum, LoadedAt: time.Now(), ReloadCount: 1}

	for _, w := range cfg.Warnings() {
		logger.Warn("configuration warning", "code", w.Code, "message", w.Message)
	}

	return m, nil
}

// Get returns the current configuration.
// This is safe to call concurrently from multiple goroutines.
func (m *Manager) Get() *Config {
	return m.config.Load()
}

// Status returns metadata about the loaded configuration.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnChange registers a callback to be invoked when configuration changes.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// Watch starts watching the configuration file for changes.
// It debounces rapid changes and reloads configuration atomically.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	// Editors commonly replace the file, so the directory is watched.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		_ = watcher.Close()
		return err
	}

	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	// Debounce timer to avoid rapid reloads
	const debounceDelay = 500 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != m.path {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					_ = m.Reload()
				})
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

// Reload re-reads the configuration file and swaps in the new policy.
// On error the current configuration is kept.
func (m *Manager) Reload() error {
	next, sum, err := m.read()
	if err != nil {
		m.logger.Error("failed to reload config, keeping current", "error", err)
		m.mu.Lock()
		m.status.LastError = err.Error()
		m.mu.Unlock()
		return err
	}

	current := m.config.Load()
	if !reflect.DeepEqual(current.Backends, next.Backends) {
		m.logger.Warn("backend changes require a restart, ignoring them",
			"path", m.path,
		)
		next.Backends = current.Backends
		if err := next.Validate(); err != nil {
			err = fmt.Errorf("validate reloaded policy against running backends: %w", err)
			m.logger.Error("failed to reload config, keeping current", "error", err)
			m.mu.Lock()
			m.status.LastError = err.Error()
			m.mu.Unlock()
			return err
		}
	}

	// Atomic swap
	m.config.Store(next)

	m.mu.Lock()
	m.status.Checksum = sum
	m.status.LoadedAt = time.Now()
	m.status.ReloadCount++
	m.status.LastError = ""
	listeners := make([]func(*Config), len(m.onChange))
	copy(listeners, m.onChange)
	m.mu.Unlock()

	m.logger.Info("configuration reloaded successfully", "checksum", sum[:12])

	// Notify listeners
	for _, fn := range listeners {
		fn(next)
	}
	return nil
}

// Close stops the configuration watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) read() (*Config, string, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, "", fmt.Errorf("read config file: %w", err)
	}
	cfg, err := Load(data)
	if err != nil {
		return nil, "", err
	}
	digest := sha256.Sum256(data)
	return cfg, hex.EncodeToString(digest[:]), nil
}
