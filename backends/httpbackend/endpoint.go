package httpbackend

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// validateEndpoint validates a remote OCR service base URL.
//
// It rejects userinfo, query and fragment and, unless allowPrivate is set,
// loopback, private and link-local hosts.
func validateEndpoint(raw string, allowPrivate bool) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid endpoint scheme %q (must be http or https)", u.Scheme)
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid endpoint host %q", u.Host)
	}

	if u.User != nil {
		return nil, fmt.Errorf("endpoint must not contain userinfo")
	}

	if u.RawQuery != "" {
		return nil, fmt.Errorf("endpoint must not contain query")
	}

	if u.Fragment != "" {
		return nil, fmt.Errorf("endpoint must not contain fragment")
	}

	if !allowPrivate && isPrivateOrLoopbackHost(u.Hostname()) {
		return nil, fmt.Errorf("endpoint host %q is private/loopback (set allow_private to override)", u.Hostname())
	}

	u.Path = strings.TrimSuffix(u.Path, "/")
	return u, nil
}

func isPrivateOrLoopbackHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return true
	}

	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}

	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}

	// Reject other non-global unicast ranges (e.g. multicast).
	return !ip.IsGlobalUnicast()
}
