// Package vault implements a secret provider that reads from HashiCorp Vault.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

// Auth methods.
const (
	AuthAppRole = "approle"
	AuthCert    = "cert"
)

// defaultKey is read when a reference has no #key suffix.
const defaultKey = "value"

// Provider implements the secret.Provider interface for HashiCorp Vault.
type Provider struct {
	client *vault.Client
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config holds configuration for the Vault provider.
type Config struct {
	Address    string
	AuthMethod string // "approle", "cert"
	RoleID     string
	SecretID   string
	CACert     string
	ClientCert string
	ClientKey  string
	Logger     *slog.Logger
}

// New creates a new Vault provider and logs in.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Address == "" {
		return nil, errors.New("vault address is required")
	}
	method := cfg.AuthMethod
	if method == "" && cfg.RoleID != "" {
		method = AuthAppRole
	}
	if method != AuthAppRole && method != AuthCert {
		return nil, fmt.Errorf("unknown or missing auth method: %q", cfg.AuthMethod)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	vConfig := vault.DefaultConfig()
	vConfig.Address = cfg.Address

	if cfg.ClientCert != "" || cfg.ClientKey != "" || cfg.CACert != "" {
		tlsConfig := &vault.TLSConfig{
			ClientCert: cfg.ClientCert,
			ClientKey:  cfg.ClientKey,
			CACert:     cfg.CACert,
		}
		if err := vConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("configure tls: %w", err)
		}
	}

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	var secret *vault.Secret
	switch method {
	case AuthCert:
		secret, err = client.Logical().WriteWithContext(ctx, "auth/cert/login", nil)
	default:
		secret, err = client.Logical().WriteWithContext(ctx, "auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("vault login (%s): %w", method, err)
	}
	if secret == nil || secret.Auth == nil {
		return nil, errors.New("vault login returned no auth info")
	}

	client.SetToken(secret.Auth.ClientToken)

	p := &Provider{
		client: client,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	p.wg.Add(1)
	go p.startTokenRenewer(secret.Auth)

	return p, nil
}

// splitRef splits "path/to/secret#key" into its path and key.
func splitRef(ref string) (path, key string) {
	if idx := strings.LastIndex(ref, "#"); idx != -1 {
		return ref[:idx], ref[idx+1:]
	}
	return ref, defaultKey
}

// lookup extracts key from secret data, unwrapping the KV v2 "data" envelope.
func lookup(data map[string]interface{}, key string) (string, bool) {
	if v, ok := data["data"]; ok {
		if nested, ok := v.(map[string]interface{}); ok {
			data = nested
		}
	}
	val, ok := data[key]
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%v", val), true
}

// Get retrieves a secret from Vault.
// Path format: "path/to/secret#key". If #key is omitted, defaults to "value".
func (p *Provider) Get(ctx context.Context, ref string) (string, error) {
	secretPath, key := splitRef(ref)

	secret, err := p.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("read vault secret %q: %w", secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret %q not found", secretPath)
	}

	val, ok := lookup(secret.Data, key)
	if !ok {
		return "", fmt.Errorf("key %q not found in secret %q", key, secretPath)
	}
	return val, nil
}

// Close stops the token renewer and releases resources.
func (p *Provider) Close() error {
	close(p.stopCh)
	p.wg.Wait()
	return nil
}

func (p *Provider) startTokenRenewer(auth *vault.SecretAuth) {
	defer p.wg.Done()

	if !auth.Renewable {
		return
	}

	watcher, err := p.client.NewLifetimeWatcher(&vault.LifetimeWatcherInput{
		Secret: &vault.Secret{Auth: auth},
	})
	if err != nil {
		p.logger.Error("failed to create vault lifetime watcher", "error", err)
		return
	}

	go watcher.Start()
	defer watcher.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case err := <-watcher.DoneCh():
			if err != nil {
				p.logger.Error("vault token renewal stopped", "error", err)
			}
			return
		case <-watcher.RenewCh():
			p.logger.Debug("vault token renewed")
		}
	}
}
