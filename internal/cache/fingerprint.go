package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/bits"
	"sort"
	"strings"

	"github.com/blueberrycongee/ocrmux/pkg/types"
)

// DefaultHashLimit is the largest payload whose content is hashed.
const DefaultHashLimit = 1 << 20

// Fingerprint identifies a request for caching.
type Fingerprint struct {
	// Key covers the normalized attributes plus either the payload hash or,
	// for payloads over the hash limit, a power-of-two size bucket.
	Key string
	// Route covers the normalized attributes and the exact payload size.
	// Routing does not depend on payload content, so decisions are keyed on it.
	Route string
	// ContentHashed is true when Key includes a payload hash.
	ContentHashed bool
}

// NewFingerprint computes the fingerprint of req. A non-positive hashLimit
// uses DefaultHashLimit.
func NewFingerprint(req *types.Request, hashLimit int) Fingerprint {
	if hashLimit <= 0 {
		hashLimit = DefaultHashLimit
	}

	var attrs strings.Builder
	fmt.Fprintf(&attrs, "task=%s|quality=%s|privacy=%s|lang=%s|local=%t|cloud=%t",
		req.TaskType,
		defaultString(string(req.Quality), string(types.QualityMedium)),
		defaultString(string(req.Privacy), string(types.PrivacyNormal)),
		strings.ToLower(strings.TrimSpace(req.Language)),
		req.ForceLocal,
		req.ForceCloud,
	)
	if len(req.Metadata) > 0 {
		keys := make([]string, 0, len(req.Metadata))
		for k := range req.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&attrs, "|meta:%s=%s", k, req.Metadata[k])
		}
	}

	size := req.Size()
	fp := Fingerprint{Route: digest(fmt.Sprintf("%s|size=%d", attrs.String(), size))}

	if len(req.Payload) > 0 && len(req.Payload) <= hashLimit {
		sum := sha256.Sum256(req.Payload)
		fp.Key = digest(attrs.String() + "|content=" + hex.EncodeToString(sum[:]))
		fp.ContentHashed = true
	} else {
		fp.Key = digest(fmt.Sprintf("%s|bucket=%d", attrs.String(), sizeBucket(size)))
	}
	return fp
}

// sizeBucket rounds n up to the next power of two.
func sizeBucket(n int64) int64 {
	if n <= 1 {
		return n
	}
	return 1 << bits.Len64(uint64(n-1))
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
