package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/blueberrycongee/ocrmux/internal/config"
	"github.com/blueberrycongee/ocrmux/internal/secret"
	"github.com/blueberrycongee/ocrmux/internal/secret/env"
	"github.com/blueberrycongee/ocrmux/internal/secret/vault"
)

// newSecretManager registers the env provider and, when configured, Vault.
func newSecretManager(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*secret.Manager, error) {
	m := secret.NewManager()
	m.Register(secret.SchemeEnv, env.New())

	vc := cfg.Secrets.Vault
	if vc.Address == "" {
		return m, nil
	}
	p, err := vault.New(ctx, vault.Config{
		Address:    vc.Address,
		AuthMethod: vc.AuthMethod,
		RoleID:     vc.RoleID,
		SecretID:   vc.SecretID,
		CACert:     vc.CACert,
		ClientCert: vc.ClientCert,
		ClientKey:  vc.ClientKey,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init vault: %w", err)
	}

	var provider secret.Provider = p
	if ttl := cfg.SecretCacheTTL(); ttl > 0 {
		provider = secret.NewCachedProvider(p, ttl)
	}
	m.Register(secret.SchemeVault, provider)
	logger.Info("vault secret provider enabled", "address", vc.Address)
	return m, nil
}

// resolveBackendSecrets returns a copy of cfg whose backend options have
// their secret references resolved. cfg is not modified.
func resolveBackendSecrets(ctx context.Context, cfg *config.Config, m *secret.Manager) (*config.Config, error) {
	out := *cfg
	out.Backends = make([]config.BackendConfig, len(cfg.Backends))
	for i, b := range cfg.Backends {
		opts, err := m.ResolveOptions(ctx, b.Options)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", b.Name, err)
		}
		b.Options = opts
		out.Backends[i] = b
	}
	return &out, nil
}
