package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/ocrmux/pkg/backend"
	"github.com/blueberrycongee/ocrmux/pkg/types"
)

// ErrFakeFailure is the default error returned by a failing FakeBackend.
var ErrFakeFailure = errors.New("fake backend failure")

// FakeBackend is an in-process backend with programmable outcomes.
type FakeBackend struct {
	name string

	mu       sync.Mutex
	failErr  error   // returned by every call while set
	queue    []error // per-call outcomes consumed before failErr; nil entry means success
	delay    time.Duration
	healthy  bool
	detail   string
	requests []types.Request

	calls       atomic.Int64
	healthCalls atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

// NewFakeBackend creates a healthy, always-succeeding fake backend.
func NewFakeBackend(name string) *FakeBackend {
	return &FakeBackend{name: name, healthy: true}
}

// Name implements backend.Backend.
func (f *FakeBackend) Name() string { return f.name }

// Process implements backend.Backend.
func (f *FakeBackend) Process(ctx context.Context, req *types.Request) (*types.Result, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, *req)
	delay := f.delay
	var outcome error
	if len(f.queue) > 0 {
		outcome = f.queue[0]
		f.queue = f.queue[1:]
	} else {
		outcome = f.failErr
	}
	f.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if outcome != nil {
		return nil, outcome
	}
	return &types.Result{
		Text:       fmt.Sprintf("%s:%s", f.name, req.TaskType),
		Confidence: 0.9,
		Pages:      1,
	}, nil
}

// Health implements backend.Backend.
func (f *FakeBackend) Health(ctx context.Context) backend.HealthReport {
	f.healthCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return backend.HealthReport{OK: f.healthy, Detail: f.detail}
}

// SetFailure makes every subsequent call fail with err. A nil err restores success.
func (f *FakeBackend) SetFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
}

// QueueOutcomes queues per-call outcomes consumed before the standing failure.
// A nil entry is a success.
func (f *FakeBackend) QueueOutcomes(outcomes ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, outcomes...)
}

// SetDelay sets the simulated processing latency.
func (f *FakeBackend) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// SetHealthy sets the Health probe outcome.
func (f *FakeBackend) SetHealthy(ok bool, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = ok
	f.detail = detail
}

// Calls returns the number of Process invocations.
func (f *FakeBackend) Calls() int { return int(f.calls.Load()) }

// HealthCalls returns the number of Health invocations.
func (f *FakeBackend) HealthCalls() int { return int(f.healthCalls.Load()) }

// MaxInFlight returns the highest observed number of concurrent Process calls.
func (f *FakeBackend) MaxInFlight() int { return int(f.maxInFlight.Load()) }

// Requests returns copies of every request received.
func (f *FakeBackend) Requests() []types.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Request(nil), f.requests...)
}

// LocalDescriptor returns a descriptor for an on-device backend.
func LocalDescriptor(name string) backend.Descriptor {
	return backend.Descriptor{
		Name:    name,
		Kind:    backend.KindLocal,
		Quality: 0.6,
		Speed:   0.9,
		Cost:    0.1,
		Privacy: 1.0,
		Tasks: map[types.TaskType]float64{
			types.TaskTextExtraction: 1.0,
			types.TaskFormProcessing: 0.8,
		},
		MaxPayloadBytes: 10 << 20,
		MaxConcurrent:   2,
	}
}

// CloudDescriptor returns a descriptor for a remote backend.
func CloudDescriptor(name string) backend.Descriptor {
	return backend.Descriptor{
		Name:    name,
		Kind:    backend.KindRemote,
		Quality: 0.95,
		Speed:   0.5,
		Cost:    0.8,
		Privacy: 0.4,
		Tasks: map[types.TaskType]float64{
			types.TaskTextExtraction:  0.9,
			types.TaskFormProcessing:  1.0,
			types.TaskTableExtraction: 1.0,
			types.TaskHandwriting:     0.9,
			types.TaskComplex:         1.0,
		},
		MaxConcurrent: 8,
	}
}
