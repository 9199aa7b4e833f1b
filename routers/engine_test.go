package routers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/ocrmux/internal/registry"
	"github.com/blueberrycongee/ocrmux/pkg/backend"
	ocrerrors "github.com/blueberrycongee/ocrmux/pkg/errors"
	"github.com/blueberrycongee/ocrmux/pkg/router"
	"github.com/blueberrycongee/ocrmux/pkg/types"
	"github.com/blueberrycongee/ocrmux/tests/testutil"
)

type healthMap struct {
	mu   sync.Mutex
	down map[string]bool
}

func (h *healthMap) IsAvailable(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.down[name]
}

func (h *healthMap) setDown(names ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down == nil {
		h.down = map[string]bool{}
	}
	for _, n := range names {
		h.down[n] = true
	}
}

type loadMap map[string]bool

func (l loadMap) Saturated(name string) bool { return l[name] }

func newEngine(t *testing.T, descs ...backend.Descriptor) (*Engine, *healthMap) {
	t.Helper()
	reg := registry.New()
	for _, d := range descs {
		require.NoError(t, reg.Register(d, testutil.NewFakeBackend(d.Name)))
	}
	h := &healthMap{}
	e, err := NewEngine(reg, h, router.DefaultPolicy())
	require.NoError(t, err)
	return e, h
}

func req(task types.TaskType, q types.QualityLevel, p types.PrivacyLevel) *types.Request {
	return &types.Request{TaskType: task, Quality: q, Privacy: p}
}

func TestScore(t *testing.T) {
	w := router.DefaultWeights()
	r := req(types.TaskFormProcessing, types.QualityMedium, types.PrivacyNormal)

	local, lb := Score(w, testutil.LocalDescriptor("local"), r)
	cloud, cb := Score(w, testutil.CloudDescriptor("cloud"), r)

	assert.InDelta(t, 0.95, local, 1e-9)
	assert.InDelta(t, 0.93, cloud, 1e-9)
	assert.Equal(t, router.ScoreBreakdown{Privacy: 1, Quality: 1, TaskType: 0.8, Size: 1}, lb)
	assert.InDelta(t, 0.8, cb.Privacy, 1e-9)
}

func TestScore_AttributeFits(t *testing.T) {
	d := testutil.LocalDescriptor("local")
	d.MaxPayloadBytes = 1000

	tests := []struct {
		name string
		req  *types.Request
		want router.ScoreBreakdown
	}{
		{
			name: "low privacy always fits",
			req:  &types.Request{TaskType: types.TaskTextExtraction, Quality: types.QualityUltraHigh, Privacy: types.PrivacyLow, PayloadSize: 250},
			want: router.ScoreBreakdown{Privacy: 1, Quality: 0.6, TaskType: 1, Size: 0.75},
		},
		{
			name: "high quality partially met",
			req:  &types.Request{TaskType: types.TaskFormProcessing, Quality: types.QualityHigh, Privacy: types.PrivacyHigh, PayloadSize: 1000},
			want: router.ScoreBreakdown{Privacy: 1, Quality: 0.8, TaskType: 0.8, Size: 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, got := Score(router.DefaultWeights(), d, tt.req)
			assert.InDelta(t, tt.want.Privacy, got.Privacy, 1e-9)
			assert.InDelta(t, tt.want.Quality, got.Quality, 1e-9)
			assert.InDelta(t, tt.want.TaskType, got.TaskType, 1e-9)
			assert.InDelta(t, tt.want.Size, got.Size, 1e-9)
		})
	}
}

func TestDecide_ScoringOrder(t *testing.T) {
	e, _ := newEngine(t, testutil.CloudDescriptor("cloud"), testutil.LocalDescriptor("local"))

	d, err := e.Decide(context.Background(), req(types.TaskFormProcessing, types.QualityMedium, types.PrivacyNormal))
	require.NoError(t, err)

	assert.Equal(t, []string{"local", "cloud"}, d.Names())
	assert.Equal(t, "local", d.Winner)
	assert.Empty(t, d.OverrideReason)
	assert.False(t, d.Degraded)
	assert.False(t, d.CreatedAt.IsZero())
}

func TestDecide_PrivacyHighPicksLocal(t *testing.T) {
	e, _ := newEngine(t, testutil.LocalDescriptor("local"), testutil.CloudDescriptor("cloud"))

	d, err := e.Decide(context.Background(), req(types.TaskFormProcessing, types.QualityMedium, types.PrivacyHigh))
	require.NoError(t, err)

	assert.Equal(t, "local", d.Winner)
	assert.Equal(t, []string{"local"}, d.Names())
	assert.Equal(t, "privacy-high", d.OverrideReason)
}

func TestDecide_PrivacyHighNeverFallsBackToLessPrivate(t *testing.T) {
	e, h := newEngine(t, testutil.LocalDescriptor("local"), testutil.CloudDescriptor("cloud"))
	h.setDown("local")

	d, err := e.Decide(context.Background(), req(types.TaskFormProcessing, types.QualityMedium, types.PrivacyHigh))
	require.NoError(t, err)

	assert.Equal(t, []string{"local"}, d.Names())
	assert.True(t, d.Degraded)
}

func TestDecide_PrivacyHighSkipsOpenMaximum(t *testing.T) {
	best := testutil.LocalDescriptor("best")
	second := testutil.LocalDescriptor("second")
	second.Privacy = 0.9
	e, h := newEngine(t, best, second, testutil.CloudDescriptor("cloud"))
	h.setDown("best")

	d, err := e.Decide(context.Background(), req(types.TaskFormProcessing, types.QualityMedium, types.PrivacyHigh))
	require.NoError(t, err)

	assert.Equal(t, []string{"second"}, d.Names())
	assert.False(t, d.Degraded)
	assert.Equal(t, "privacy-high", d.OverrideReason)
}

func TestDecide_QualitySelectorUsesAvailableBackends(t *testing.T) {
	e, h := newEngine(t, testutil.LocalDescriptor("local"), testutil.CloudDescriptor("cloud"))
	h.setDown("cloud")

	d, err := e.Decide(context.Background(), req(types.TaskTextExtraction, types.QualityUltraHigh, types.PrivacyNormal))
	require.NoError(t, err)
	assert.Equal(t, []string{"local"}, d.Names())
	assert.False(t, d.Degraded)

	h.setDown("local")
	d, err = e.Decide(context.Background(), req(types.TaskTextExtraction, types.QualityUltraHigh, types.PrivacyNormal))
	require.NoError(t, err)
	assert.Equal(t, []string{"cloud"}, d.Names())
	assert.True(t, d.Degraded)
}

func TestDecide_PrivacyHighIsMaxAmongEligible(t *testing.T) {
	mid := testutil.CloudDescriptor("mid")
	mid.Privacy = 0.7
	low := testutil.CloudDescriptor("low")
	low.Privacy = 0.2
	e, _ := newEngine(t, low, mid)

	for _, task := range []types.TaskType{types.TaskFormProcessing, types.TaskHandwriting, types.TaskComplex} {
		d, err := e.Decide(context.Background(), req(task, types.QualityLow, types.PrivacyHigh))
		require.NoError(t, err)
		assert.Equal(t, "mid", d.Winner, "task %s", task)
	}
}

func TestDecide_QualityOverrides(t *testing.T) {
	e, _ := newEngine(t, testutil.LocalDescriptor("local"), testutil.CloudDescriptor("cloud"))

	d, err := e.Decide(context.Background(), req(types.TaskTextExtraction, types.QualityUltraHigh, types.PrivacyNormal))
	require.NoError(t, err)
	assert.Equal(t, "cloud", d.Winner)
	assert.Equal(t, "quality-ultra-high", d.OverrideReason)
}

func TestDecide_ForceFlagsWinOverRules(t *testing.T) {
	e, _ := newEngine(t, testutil.LocalDescriptor("local"), testutil.CloudDescriptor("cloud"))

	r := req(types.TaskFormProcessing, types.QualityMedium, types.PrivacyHigh)
	r.ForceCloud = true
	d, err := e.Decide(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "cloud", d.Winner)
	assert.Equal(t, ReasonForceCloud, d.OverrideReason)

	r = req(types.TaskFormProcessing, types.QualityUltraHigh, types.PrivacyNormal)
	r.ForceLocal = true
	d, err = e.Decide(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "local", d.Winner)
	assert.Equal(t, ReasonForceLocal, d.OverrideReason)
}

func TestDecide_OverrideWithEmptySubset(t *testing.T) {
	e, _ := newEngine(t, testutil.CloudDescriptor("cloud"))

	r := req(types.TaskFormProcessing, types.QualityMedium, types.PrivacyNormal)
	r.ForceLocal = true
	_, err := e.Decide(context.Background(), r)

	var noEligible *ocrerrors.NoEligibleBackendError
	require.True(t, errors.As(err, &noEligible))
	assert.Contains(t, noEligible.Reason, ReasonForceLocal)
}

func TestDecide_NoEligibleBackend(t *testing.T) {
	e, _ := newEngine(t, testutil.LocalDescriptor("local"))

	_, err := e.Decide(context.Background(), req(types.TaskHandwriting, types.QualityMedium, types.PrivacyNormal))
	var noEligible *ocrerrors.NoEligibleBackendError
	require.True(t, errors.As(err, &noEligible))
	assert.Equal(t, types.TaskHandwriting, noEligible.TaskType)
}

func TestDecide_OpenBackendExcluded(t *testing.T) {
	e, h := newEngine(t, testutil.LocalDescriptor("local"), testutil.CloudDescriptor("cloud"))
	h.setDown("local")

	d, err := e.Decide(context.Background(), req(types.TaskFormProcessing, types.QualityMedium, types.PrivacyNormal))
	require.NoError(t, err)
	assert.Equal(t, []string{"cloud"}, d.Names())
	assert.False(t, d.Degraded)
}

func TestDecide_AllUnavailableIsDegraded(t *testing.T) {
	e, h := newEngine(t, testutil.LocalDescriptor("local"), testutil.CloudDescriptor("cloud"))
	h.setDown("local", "cloud")

	d, err := e.Decide(context.Background(), req(types.TaskFormProcessing, types.QualityMedium, types.PrivacyNormal))
	require.NoError(t, err)
	assert.True(t, d.Degraded)
	assert.Equal(t, []string{"local", "cloud"}, d.Names())
}

func TestDecide_TieBreaks(t *testing.T) {
	a := testutil.CloudDescriptor("a")
	b := testutil.CloudDescriptor("b")
	b.Cost = 0.5
	c := testutil.CloudDescriptor("c")
	c.Cost = 0.5
	e, _ := newEngine(t, a, b, c)

	d, err := e.Decide(context.Background(), req(types.TaskTableExtraction, types.QualityMedium, types.PrivacyNormal))
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, d.Names())
}

func TestDecide_ExplicitBackendsRule(t *testing.T) {
	e, _ := newEngine(t, testutil.LocalDescriptor("local"), testutil.CloudDescriptor("cloud"))
	p := router.DefaultPolicy()
	p.Rules = append([]router.Rule{{
		Name:  "big-scans",
		When:  router.RuleCondition{MinPayloadBytes: 1 << 20},
		Route: router.RuleTarget{Backends: []string{"cloud"}},
	}}, p.Rules...)
	require.NoError(t, e.SetPolicy(p))

	r := req(types.TaskTextExtraction, types.QualityLow, types.PrivacyNormal)
	r.PayloadSize = 2 << 20
	d, err := e.Decide(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "cloud", d.Winner)
	assert.Equal(t, "big-scans", d.OverrideReason)
}

func TestDecide_LoadAwareDemotesSaturated(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(testutil.LocalDescriptor("local"), testutil.NewFakeBackend("local")))
	require.NoError(t, reg.Register(testutil.CloudDescriptor("cloud"), testutil.NewFakeBackend("cloud")))

	p := router.DefaultPolicy()
	p.LoadAware = true
	e, err := NewEngine(reg, &healthMap{}, p, WithLoadView(loadMap{"local": true}))
	require.NoError(t, err)

	d, err := e.Decide(context.Background(), req(types.TaskFormProcessing, types.QualityMedium, types.PrivacyNormal))
	require.NoError(t, err)
	assert.Equal(t, []string{"cloud", "local"}, d.Names())
	assert.True(t, d.Candidates[1].Saturated)

	p.LoadAware = false
	require.NoError(t, e.SetPolicy(p))
	d, err = e.Decide(context.Background(), req(types.TaskFormProcessing, types.QualityMedium, types.PrivacyNormal))
	require.NoError(t, err)
	assert.Equal(t, []string{"local", "cloud"}, d.Names())
}

func TestEngine_SetPolicyRejectsInvalid(t *testing.T) {
	e, _ := newEngine(t, testutil.LocalDescriptor("local"))
	before := e.Policy()

	bad := router.DefaultPolicy()
	bad.Weights.Privacy = 0.9
	assert.Error(t, e.SetPolicy(bad))
	assert.Equal(t, before, e.Policy())
}

func TestEngine_ClockAndCancellation(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(testutil.LocalDescriptor("local"), testutil.NewFakeBackend("local")))
	fixed := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	e, err := NewEngine(reg, &healthMap{}, router.DefaultPolicy(), WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	d, err := e.Decide(context.Background(), req(types.TaskTextExtraction, types.QualityLow, types.PrivacyLow))
	require.NoError(t, err)
	assert.Equal(t, fixed, d.CreatedAt)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Decide(ctx, req(types.TaskTextExtraction, types.QualityLow, types.PrivacyLow))
	assert.ErrorIs(t, err, context.Canceled)
}
