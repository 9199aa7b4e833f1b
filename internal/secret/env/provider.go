// Package env resolves env:// references in backend options, such as
// "api_key: env://OCRMUX_CLOUD_API_KEY".
package env

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNotSet is returned when a referenced variable is unset or empty.
var ErrNotSet = errors.New("environment variable not set")

// Provider reads backend credentials from the process environment.
type Provider struct{}

// New returns an env provider.
func New() *Provider {
	return &Provider{}
}

// Get returns the value of the variable named by name. An empty value is
// treated like a missing one: no backend accepts a blank credential.
func (p *Provider) Get(_ context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("env:// reference has no variable name")
	}
	if strings.ContainsAny(name, "=/") {
		return "", fmt.Errorf("env://%s: invalid variable name", name)
	}
	val, ok := os.LookupEnv(name)
	if !ok || val == "" {
		return "", fmt.Errorf("env://%s: %w", name, ErrNotSet)
	}
	return val, nil
}

// Close is a no-op.
func (p *Provider) Close() error { return nil }
