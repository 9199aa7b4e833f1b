package routers

import (
	"math"
	"sort"

	"github.com/blueberrycongee/ocrmux/internal/registry"
	"github.com/blueberrycongee/ocrmux/pkg/backend"
	"github.com/blueberrycongee/ocrmux/pkg/router"
	"github.com/blueberrycongee/ocrmux/pkg/types"
)

// scoreEpsilon is the tolerance under which two scores are considered equal.
const scoreEpsilon = 1e-9

// Score computes the weighted score of d for req together with the
// normalized attributes it was built from. Every attribute is in [0,1].
func Score(w router.Weights, d backend.Descriptor, req *types.Request) (float64, router.ScoreBreakdown) {
	b := router.ScoreBreakdown{
		Privacy:  fit(d.Privacy, req.Privacy.Required()),
		Quality:  fit(d.Quality, req.Quality.Required()),
		TaskType: clamp(d.Tasks[req.TaskType]),
		Size:     sizeFitness(req.Size(), d.MaxPayloadBytes),
	}
	score := w.Privacy*b.Privacy + w.Quality*b.Quality + w.TaskType*b.TaskType + w.Size*b.Size
	return score, b
}

// fit returns how well have covers need, saturating at 1.
func fit(have, need float64) float64 {
	if need <= 0 {
		return 1
	}
	return clamp(have / need)
}

func sizeFitness(size, limit int64) float64 {
	if limit <= 0 {
		return 1
	}
	return clamp(1 - float64(size)/float64(limit))
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

type scored struct {
	entry     registry.Entry
	candidate router.Candidate
}

// rank scores entries and orders them by descending score, then lower cost,
// then registration order.
func rank(w router.Weights, entries []registry.Entry, req *types.Request) []scored {
	out := make([]scored, len(entries))
	for i, e := range entries {
		s, b := Score(w, e.Descriptor, req)
		out[i] = scored{
			entry: e,
			candidate: router.Candidate{
				Backend:   e.Name(),
				Kind:      e.Descriptor.Kind,
				Score:     s,
				Cost:      e.Descriptor.Cost,
				Breakdown: b,
			},
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if diff := a.candidate.Score - b.candidate.Score; math.Abs(diff) >= scoreEpsilon {
			return diff > 0
		}
		if a.candidate.Cost != b.candidate.Cost {
			return a.candidate.Cost < b.candidate.Cost
		}
		return a.entry.Order < b.entry.Order
	})
	return out
}
