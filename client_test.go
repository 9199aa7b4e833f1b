package ocrmux

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	ocrerrors "github.com/blueberrycongee/ocrmux/pkg/errors"
	"github.com/blueberrycongee/ocrmux/pkg/router"
	"github.com/blueberrycongee/ocrmux/tests/testutil"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithLogger(discardLogger()),
		WithMetrics(false),
		WithProbe(ProbeConfig{Enabled: false}),
		WithDispatch(DispatchConfig{MaxAttempts: 3, Timeout: 2 * time.Second}),
	}
	c, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// localAndCloud registers the two backends used by most scenarios.
func localAndCloud() (*testutil.FakeBackend, *testutil.FakeBackend, []Option) {
	local := testutil.NewFakeBackend("local")
	cloud := testutil.NewFakeBackend("cloud")
	return local, cloud, []Option{
		WithBackend(testutil.LocalDescriptor("local"), local),
		WithBackend(testutil.CloudDescriptor("cloud"), cloud),
	}
}

func textRequest() *Request {
	return &Request{
		TaskType: TaskTextExtraction,
		Payload:  []byte("%PDF-1.7 scanned page"),
	}
}

func tripBreaker(c *Client, name string) {
	for i := 0; i < 5; i++ {
		c.monitor.ReportOutcome(name, false)
	}
}

func TestNew_NoBackends(t *testing.T) {
	_, err := New(WithLogger(discardLogger()))
	if err == nil {
		t.Fatal("New() should fail without backends")
	}
}

func TestNew_UnknownBackendInRule(t *testing.T) {
	_, _, backends := localAndCloud()
	opts := append(backends,
		WithLogger(discardLogger()),
		WithRules(router.Rule{
			Name:  "pin-handwriting",
			When:  router.RuleCondition{TaskTypes: []TaskType{TaskHandwriting}},
			Route: router.RuleTarget{Backends: []string{"ghost"}},
		}),
	)

	_, err := New(opts...)
	var unknown *UnknownBackendError
	if !errors.As(err, &unknown) {
		t.Fatalf("New() error = %v, want UnknownBackendError", err)
	}
	if unknown.Name != "ghost" {
		t.Errorf("unknown backend = %q, want ghost", unknown.Name)
	}
}

func TestNew_UnknownBackendType(t *testing.T) {
	_, err := New(
		WithLogger(discardLogger()),
		WithBackendConfig(BackendConfig{Descriptor: testutil.CloudDescriptor("cloud"), Type: "fax"}),
	)
	if err == nil || !strings.Contains(err.Error(), "unknown backend type") {
		t.Fatalf("New() error = %v, want unknown backend type", err)
	}
}

func TestNew_FactoryBackend(t *testing.T) {
	mock := testutil.NewMockOCRServer()
	defer mock.Close()

	c := newTestClient(t, WithBackendConfig(BackendConfig{
		Descriptor: testutil.CloudDescriptor("cloud"),
		Type:       "http",
		Options:    map[string]string{"endpoint": mock.URL(), "allow_private": "true"},
	}))

	res, err := c.RouteAndExecute(context.Background(), textRequest())
	if err != nil {
		t.Fatalf("RouteAndExecute() error = %v", err)
	}
	testutil.AssertServedBy(t, res, "cloud")
	testutil.AssertRequestCount(t, mock, 1)
}

func TestRouteAndExecute_InvalidRequest(t *testing.T) {
	_, _, backends := localAndCloud()
	c := newTestClient(t, backends...)

	if _, err := c.RouteAndExecute(context.Background(), nil); !errors.Is(err, ocrerrors.ErrInvalidRequest) {
		t.Fatalf("nil request error = %v, want ErrInvalidRequest", err)
	}
	if _, err := c.RouteAndExecute(context.Background(), &Request{}); !errors.Is(err, ocrerrors.ErrInvalidRequest) {
		t.Fatalf("empty request error = %v, want ErrInvalidRequest", err)
	}
}

func TestRouteAndExecute_DoesNotMutateRequest(t *testing.T) {
	_, _, backends := localAndCloud()
	c := newTestClient(t, backends...)

	req := textRequest()
	req.Language = "  ENG "
	res, err := c.RouteAndExecute(context.Background(), req)
	if err != nil {
		t.Fatalf("RouteAndExecute() error = %v", err)
	}
	if req.ID != "" || req.Quality != "" || req.Language != "  ENG " {
		t.Errorf("caller request was modified: %+v", req)
	}
	if res.RequestID == "" {
		t.Error("result should carry a generated request ID")
	}
}

func TestRouteAndExecute_NoEligibleBackend(t *testing.T) {
	_, _, backends := localAndCloud()
	c := newTestClient(t, backends...)

	_, err := c.RouteAndExecute(context.Background(), &Request{TaskType: TaskLayoutAnalysis, PayloadSize: 10})
	var none *NoEligibleBackendError
	if !errors.As(err, &none) {
		t.Fatalf("error = %v, want NoEligibleBackendError", err)
	}
}

func TestScenario_PrivacyHighSelectsLocal(t *testing.T) {
	local, cloud, backends := localAndCloud()
	c := newTestClient(t, backends...)

	req := &Request{
		TaskType: TaskFormProcessing,
		Privacy:  PrivacyHigh,
		Quality:  QualityMedium,
		Payload:  []byte("form"),
	}

	d, err := c.Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if d.Winner != "local" || len(d.Candidates) != 1 {
		t.Fatalf("decision = %v, want only local", d.Names())
	}

	res, err := c.RouteAndExecute(context.Background(), req)
	if err != nil {
		t.Fatalf("RouteAndExecute() error = %v", err)
	}
	testutil.AssertServedBy(t, res, "local")
	if res.OverrideReason != "privacy-high" {
		t.Errorf("override reason = %q, want privacy-high", res.OverrideReason)
	}
	if cloud.Calls() != 0 {
		t.Errorf("cloud calls = %d, want 0", cloud.Calls())
	}
	if local.Calls() != 1 {
		t.Errorf("local calls = %d, want 1", local.Calls())
	}
}

func TestScenario_FailoverUntilCooldown(t *testing.T) {
	clock := newTestClock()
	local, cloud, backends := localAndCloud()
	local.SetFailure(testutil.ErrFakeFailure)
	c := newTestClient(t, append(backends, WithClock(clock.Now), WithoutCache())...)
	ctx := context.Background()

	// Every request tries local first and fails over to cloud.
	for i := 0; i < 5; i++ {
		res, err := c.RouteAndExecute(ctx, textRequest())
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		testutil.AssertServedBy(t, res, "cloud")
		testutil.AssertAttemptOrder(t, res, "local", "cloud")
	}
	if hs := c.Status()["local"]; hs.State != router.StateOpen {
		t.Fatalf("local state = %s, want open", hs.State)
	}

	// While open, local is not even attempted.
	for i := 0; i < 3; i++ {
		res, err := c.RouteAndExecute(ctx, textRequest())
		if err != nil {
			t.Fatalf("open request %d: %v", i, err)
		}
		testutil.AssertAttemptOrder(t, res, "cloud")
	}
	if local.Calls() != 5 {
		t.Fatalf("local calls = %d, want 5", local.Calls())
	}

	// After the cooldown one trial reaches local and closes the circuit.
	local.SetFailure(nil)
	clock.Advance(300 * time.Second)

	res, err := c.RouteAndExecute(ctx, textRequest())
	if err != nil {
		t.Fatalf("trial request: %v", err)
	}
	testutil.AssertServedBy(t, res, "local")
	if hs := c.Status()["local"]; hs.State != router.StateClosed {
		t.Fatalf("local state = %s, want closed", hs.State)
	}
	if cloud.Calls() != 8 {
		t.Errorf("cloud calls = %d, want 8", cloud.Calls())
	}
}

func TestScenario_SingleHalfOpenTrial(t *testing.T) {
	clock := newTestClock()
	local, cloud, backends := localAndCloud()
	c := newTestClient(t, append(backends, WithClock(clock.Now), WithoutCache())...)

	tripBreaker(c, "local")
	clock.Advance(300 * time.Second)
	local.SetDelay(500 * time.Millisecond)

	const n = 8
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make(chan error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := c.RouteAndExecute(context.Background(), textRequest()); err != nil {
				errs <- err
			}
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("RouteAndExecute() error = %v", err)
	}
	if local.Calls() != 1 {
		t.Fatalf("local calls = %d, want exactly one trial", local.Calls())
	}
	if cloud.Calls() != n-1 {
		t.Errorf("cloud calls = %d, want %d", cloud.Calls(), n-1)
	}
}

func TestScenario_SingleTrialWhenOnlyBackendRecovers(t *testing.T) {
	clock := newTestClock()
	local := testutil.NewFakeBackend("local")
	c := newTestClient(t, WithBackend(testutil.LocalDescriptor("local"), local), WithClock(clock.Now), WithoutCache())

	tripBreaker(c, "local")
	clock.Advance(300 * time.Second)
	local.SetDelay(300 * time.Millisecond)

	const n = 6
	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		succeeded = make(chan struct{}, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			req := textRequest()
			req.Privacy = PrivacyHigh
			_, err := c.RouteAndExecute(context.Background(), req)
			if err == nil {
				succeeded <- struct{}{}
				return
			}
			var all *ocrerrors.AllBackendsFailedError
			if !errors.As(err, &all) {
				t.Errorf("RouteAndExecute() error = %v, want AllBackendsFailedError", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	close(succeeded)

	if local.Calls() != 1 {
		t.Fatalf("local calls = %d, want exactly one trial", local.Calls())
	}
	if local.MaxInFlight() != 1 {
		t.Errorf("max in flight = %d, want 1", local.MaxInFlight())
	}
	if len(succeeded) != 1 {
		t.Errorf("successful requests = %d, want 1", len(succeeded))
	}
	if st := c.Status()["local"]; st.State != router.StateClosed {
		t.Errorf("local state = %v, want closed after the trial", st.State)
	}
}

func TestScenario_AllOpenIsDegraded(t *testing.T) {
	local, _, backends := localAndCloud()
	c := newTestClient(t, backends...)

	tripBreaker(c, "local")
	tripBreaker(c, "cloud")
	if c.Ready() {
		t.Fatal("Ready() should be false with every circuit open")
	}

	d, err := c.Decide(context.Background(), textRequest())
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if !d.Degraded {
		t.Fatal("decision should be degraded")
	}

	res, err := c.RouteAndExecute(context.Background(), textRequest())
	if err != nil {
		t.Fatalf("RouteAndExecute() error = %v", err)
	}
	if !res.Degraded {
		t.Error("result should be tagged degraded")
	}
	if len(res.Warnings) == 0 || res.Warnings[0] != ErrDegraded.Error() {
		t.Errorf("warnings = %v, want degraded warning", res.Warnings)
	}
	if local.Calls() != 1 {
		t.Errorf("local calls = %d, want 1", local.Calls())
	}
}

func TestResultCache_IdenticalRequestsServedOnce(t *testing.T) {
	local, _, backends := localAndCloud()
	c := newTestClient(t, backends...)

	req := textRequest()
	req.Cacheable = true

	first, err := c.RouteAndExecute(context.Background(), req)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	second, err := c.RouteAndExecute(context.Background(), req)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}

	if first.Cached || !second.Cached {
		t.Fatalf("cached flags = %v/%v, want false/true", first.Cached, second.Cached)
	}
	if second.Text != first.Text || second.Backend != first.Backend {
		t.Errorf("cached result differs: %+v vs %+v", second, first)
	}
	if local.Calls() != 1 {
		t.Errorf("local calls = %d, want 1", local.Calls())
	}
}

func TestResultCache_HighPrivacyNeverCached(t *testing.T) {
	local, _, backends := localAndCloud()
	c := newTestClient(t, backends...)

	req := textRequest()
	req.Cacheable = true
	req.Privacy = PrivacyHigh

	for i := 0; i < 2; i++ {
		res, err := c.RouteAndExecute(context.Background(), req)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if res.Cached {
			t.Fatal("high privacy results must not be served from cache")
		}
	}
	if local.Calls() != 2 {
		t.Errorf("local calls = %d, want 2", local.Calls())
	}
}

func TestDispatch_AttemptsBounded(t *testing.T) {
	var (
		fakes []*testutil.FakeBackend
		opts  []Option
	)
	for _, name := range []string{"a", "b", "c", "d"} {
		f := testutil.NewFakeBackend(name)
		f.SetFailure(testutil.ErrFakeFailure)
		fakes = append(fakes, f)
		opts = append(opts, WithBackend(testutil.LocalDescriptor(name), f))
	}
	c := newTestClient(t, opts...)

	_, err := c.RouteAndExecute(context.Background(), textRequest())
	var all *AllBackendsFailedError
	if !errors.As(err, &all) {
		t.Fatalf("error = %v, want AllBackendsFailedError", err)
	}
	if len(all.Tried()) != 3 {
		t.Errorf("tried = %v, want 3 backends", all.Tried())
	}

	total := 0
	for _, f := range fakes {
		total += f.Calls()
	}
	if total != 3 {
		t.Errorf("total backend calls = %d, want 3", total)
	}
}

func TestDecisionCache_DiscardsUnavailableWinner(t *testing.T) {
	local, cloud, backends := localAndCloud()
	c := newTestClient(t, backends...)
	ctx := context.Background()

	res, err := c.RouteAndExecute(ctx, textRequest())
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	testutil.AssertServedBy(t, res, "local")

	tripBreaker(c, "local")

	res, err = c.RouteAndExecute(ctx, textRequest())
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	testutil.AssertAttemptOrder(t, res, "cloud")
	if local.Calls() != 1 || cloud.Calls() != 1 {
		t.Errorf("calls local=%d cloud=%d, want 1/1", local.Calls(), cloud.Calls())
	}
}

func TestSetPolicy(t *testing.T) {
	_, cloud, backends := localAndCloud()
	c := newTestClient(t, backends...)
	ctx := context.Background()

	res, err := c.RouteAndExecute(ctx, textRequest())
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	testutil.AssertServedBy(t, res, "local")

	p := c.Policy()
	p.Rules = append([]router.Rule{{
		Name:  "text-to-cloud",
		When:  router.RuleCondition{TaskTypes: []TaskType{TaskTextExtraction}},
		Route: router.RuleTarget{Backends: []string{"cloud"}},
	}}, p.Rules...)
	if err := c.SetPolicy(p); err != nil {
		t.Fatalf("SetPolicy() error = %v", err)
	}

	res, err = c.RouteAndExecute(ctx, textRequest())
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	testutil.AssertServedBy(t, res, "cloud")
	if res.OverrideReason != "text-to-cloud" {
		t.Errorf("override reason = %q, want text-to-cloud", res.OverrideReason)
	}
	if cloud.Calls() != 1 {
		t.Errorf("cloud calls = %d, want 1", cloud.Calls())
	}
}

func TestSetPolicy_Rejected(t *testing.T) {
	_, _, backends := localAndCloud()
	c := newTestClient(t, backends...)
	before := c.Policy()

	bad := before
	bad.Weights.Privacy = 0.9
	if err := c.SetPolicy(bad); err == nil {
		t.Error("SetPolicy() should reject weights that do not sum to 1")
	}

	ghost := before
	ghost.Rules = []router.Rule{{
		Name:  "ghost",
		When:  router.RuleCondition{TaskTypes: []TaskType{TaskComplex}},
		Route: router.RuleTarget{Backends: []string{"ghost"}},
	}}
	var unknown *UnknownBackendError
	if err := c.SetPolicy(ghost); !errors.As(err, &unknown) {
		t.Errorf("SetPolicy() error = %v, want UnknownBackendError", err)
	}

	if got := c.Policy(); len(got.Rules) != len(before.Rules) || got.Weights != before.Weights {
		t.Error("policy must not change after a rejected update")
	}
}

func TestStatusAndAccessors(t *testing.T) {
	_, _, backends := localAndCloud()
	c := newTestClient(t, backends...)

	status := c.Status()
	if len(status) != 2 {
		t.Fatalf("Status() has %d entries, want 2", len(status))
	}
	if !status["local"].Available || status["local"].State != router.StateClosed {
		t.Errorf("local status = %+v, want closed and available", status["local"])
	}
	if !c.Ready() {
		t.Error("Ready() should be true")
	}

	descs := c.Backends()
	if len(descs) != 2 || descs[0].Name != "local" || descs[1].Name != "cloud" {
		t.Errorf("Backends() = %v, want registration order", descs)
	}

	if _, err := c.Load("ghost"); err == nil {
		t.Error("Load() should reject unknown backends")
	}
	stats, err := c.Load("local")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if stats.ConcurrentCapacity != 2 {
		t.Errorf("local capacity = %d, want 2", stats.ConcurrentCapacity)
	}

	tripBreaker(c, "local")
	if err := c.ResetBackend("local"); err != nil {
		t.Fatalf("ResetBackend() error = %v", err)
	}
	if c.Status()["local"].State != router.StateClosed {
		t.Error("ResetBackend() should close the circuit")
	}
	if err := c.ResetBackend("ghost"); err == nil {
		t.Error("ResetBackend() should reject unknown backends")
	}
}

func TestStart_ProbesBackends(t *testing.T) {
	local, cloud, backends := localAndCloud()
	cloud.SetHealthy(false, "maintenance")
	c := newTestClient(t, append(backends,
		WithProbe(ProbeConfig{Enabled: true, Interval: time.Hour, Timeout: time.Second, Concurrency: 2}),
	)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for local.HealthCalls() == 0 || cloud.HealthCalls() == 0 || c.Status()["cloud"].LastProbe.IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the first probe round")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := c.Status()["cloud"].LastProbeDetail; got != "maintenance" {
		t.Errorf("cloud probe detail = %q, want maintenance", got)
	}
}

func TestClose_Idempotent(t *testing.T) {
	_, _, backends := localAndCloud()
	c, err := New(append(backends, WithLogger(discardLogger()))...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
