package routers

import (
	"math"
	"slices"

	"github.com/blueberrycongee/ocrmux/internal/registry"
	"github.com/blueberrycongee/ocrmux/pkg/backend"
	"github.com/blueberrycongee/ocrmux/pkg/router"
	"github.com/blueberrycongee/ocrmux/pkg/types"
)

// Reasons reported for the built-in overrides.
const (
	ReasonForceLocal = "force-local"
	ReasonForceCloud = "force-cloud"
)

// matchOverride returns the first override that applies to req and its name.
// The explicit force flags always win over configured rules.
func matchOverride(rules []router.Rule, req *types.Request) (router.RuleTarget, string, bool) {
	switch {
	case req.ForceLocal:
		return router.RuleTarget{Kind: backend.KindLocal}, ReasonForceLocal, true
	case req.ForceCloud:
		return router.RuleTarget{Kind: backend.KindRemote}, ReasonForceCloud, true
	}
	for _, r := range rules {
		if r.When.Matches(req) {
			return r.Route, r.Name, true
		}
	}
	return router.RuleTarget{}, "", false
}

// applyTarget restricts entries to the subset named by target,
// preserving order.
func applyTarget(target router.RuleTarget, entries []registry.Entry) []registry.Entry {
	switch {
	case target.Kind != "":
		return filter(entries, func(e registry.Entry) bool {
			return e.Descriptor.Kind == target.Kind
		})
	case len(target.Backends) > 0:
		return filter(entries, func(e registry.Entry) bool {
			return slices.Contains(target.Backends, e.Name())
		})
	case target.Select == router.SelectMaxPrivacy:
		return selectMax(entries, func(d backend.Descriptor) float64 { return d.Privacy })
	case target.Select == router.SelectMaxQuality:
		return selectMax(entries, func(d backend.Descriptor) float64 { return d.Quality })
	default:
		return nil
	}
}

// selectMax keeps every entry whose attribute equals the maximum.
func selectMax(entries []registry.Entry, attr func(backend.Descriptor) float64) []registry.Entry {
	if len(entries) == 0 {
		return nil
	}
	best := math.Inf(-1)
	for _, e := range entries {
		best = math.Max(best, attr(e.Descriptor))
	}
	return filter(entries, func(e registry.Entry) bool {
		return best-attr(e.Descriptor) < scoreEpsilon
	})
}

func filter(entries []registry.Entry, keep func(registry.Entry) bool) []registry.Entry {
	out := make([]registry.Entry, 0, len(entries))
	for _, e := range entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
