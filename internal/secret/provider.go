// Package secret resolves secret references in backend options.
//
// A reference is a URI whose scheme names a provider, for example
// "env://OCR_API_KEY" or "vault://secret/data/ocr#api_key". Values with any
// other scheme, or none, are used as-is.
package secret

import "context"

// Provider defines the interface for retrieving secrets from various sources.
type Provider interface {
	// Get retrieves the secret value for the given path (the part after "://").
	Get(ctx context.Context, path string) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}
