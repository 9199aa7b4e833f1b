package config

import (
	"github.com/blueberrycongee/ocrmux/internal/cache"
	"github.com/blueberrycongee/ocrmux/pkg/backend"
)

// Warning codes for configurations that load but are probably unintended.
const (
	WarningSingleBackend     = "single_backend"
	WarningNoLocalBackend    = "no_local_backend"
	WarningNoRemoteBackend   = "no_remote_backend"
	WarningProbeDisabled     = "probe_disabled"
	WarningSharedResultCache = "shared_result_cache"
)

// Warning is a non-fatal configuration finding.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Warnings returns non-fatal findings about the configuration.
func (c *Config) Warnings() []Warning {
	var out []Warning

	if len(c.Backends) == 1 {
		out = append(out, Warning{
			Code:    WarningSingleBackend,
			Message: "only one backend is configured; failures cannot fail over",
		})
	}

	kinds := make(map[backend.Kind]int)
	for _, b := range c.Backends {
		kinds[b.Kind]++
	}
	if len(c.Backends) > 0 && kinds[backend.KindLocal] == 0 {
		out = append(out, Warning{
			Code:    WarningNoLocalBackend,
			Message: "no local backend is configured; force_local requests will be rejected",
		})
	}
	if len(c.Backends) > 0 && kinds[backend.KindRemote] == 0 {
		out = append(out, Warning{
			Code:    WarningNoRemoteBackend,
			Message: "no remote backend is configured; force_cloud requests will be rejected",
		})
	}

	if !c.Probe.Enabled {
		out = append(out, Warning{
			Code:    WarningProbeDisabled,
			Message: "health probing is disabled; open circuits recover only through live traffic",
		})
	}

	if c.Cache.Enabled && (c.Cache.Type == cache.CacheTypeRedis || c.Cache.Type == cache.CacheTypeDual) {
		out = append(out, Warning{
			Code:    WarningSharedResultCache,
			Message: "extracted text of cacheable requests is stored in redis",
		})
	}

	return out
}
