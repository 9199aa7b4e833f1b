package api //nolint:revive // package name is intentional

const (
	// DefaultMaxBodySize is the default maximum request body size (64MB).
	// JSON bodies carry the document base64 encoded.
	DefaultMaxBodySize = 64 * 1024 * 1024

	contentTypeJSON = "application/json"
)
