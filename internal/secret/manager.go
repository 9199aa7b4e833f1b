package secret

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Scheme names recognized as secret references. A reference to one of them
// fails when no provider is registered for it.
const (
	SchemeEnv   = "env"
	SchemeVault = "vault"
)

var secretSchemes = map[string]struct{}{
	SchemeEnv:   {},
	SchemeVault: {},
}

// Manager handles multiple secret providers and routes requests based on URI schemes.
type Manager struct {
	providers map[string]Provider
	mu        sync.RWMutex
}

// NewManager creates a new secret manager.
func NewManager() *Manager {
	return &Manager{
		providers: make(map[string]Provider),
	}
}

// Register registers a provider for a specific scheme (e.g., "vault", "env").
func (m *Manager) Register(scheme string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[scheme] = provider
}

// Get resolves value. Values that are not secret references, such as plain
// strings or https URLs, are returned unchanged.
func (m *Manager) Get(ctx context.Context, value string) (string, error) {
	scheme, path, ok := strings.Cut(value, "://")
	if !ok {
		return value, nil
	}
	if _, isSecret := secretSchemes[scheme]; !isSecret {
		return value, nil
	}

	m.mu.RLock()
	provider, ok := m.providers[scheme]
	m.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("no secret provider registered for scheme: %s", scheme)
	}
	return provider.Get(ctx, path)
}

// ResolveOptions returns a copy of opts with every secret reference
// resolved. Errors name the option key, never the value.
func (m *Manager) ResolveOptions(ctx context.Context, opts map[string]string) (map[string]string, error) {
	if len(opts) == 0 {
		return opts, nil
	}
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(opts))
	for _, k := range keys {
		v, err := m.Get(ctx, opts[k])
		if err != nil {
			return nil, fmt.Errorf("resolve option %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// Close closes all registered providers.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []string
	for scheme, p := range m.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", scheme, err))
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("failed to close providers: %s", strings.Join(errs, "; "))
	}
	return nil
}
