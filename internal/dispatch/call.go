package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blueberrycongee/ocrmux/internal/registry"
	"github.com/blueberrycongee/ocrmux/internal/resilience"
	ocrerrors "github.com/blueberrycongee/ocrmux/pkg/errors"
	"github.com/blueberrycongee/ocrmux/pkg/types"
)

type callOutcome struct {
	res *types.Result
	err error
}

// call is one in-flight backend invocation. Its outcome reaches the health
// monitor exactly once, whichever of completion, timeout, or caller
// cancellation happens first.
type call struct {
	name   string
	permit resilience.Permit
	health Health
	notify func(name, outcome string, latency time.Duration)
	once   sync.Once
	start  time.Time
}

func newCall(name string, permit resilience.Permit, health Health, notify func(string, string, time.Duration)) *call {
	return &call{name: name, permit: permit, health: health, notify: notify}
}

func (c *call) report(success bool, outcome string) {
	c.once.Do(func() {
		c.health.Complete(c.name, c.permit, success)
		c.notify(c.name, outcome, time.Since(c.start))
	})
}

// run invokes the backend on a context detached from the caller and bounded
// by timeout. release is called as soon as the backend returns.
func (c *call) run(ctx context.Context, entry registry.Entry, req *types.Request, timeout time.Duration, release func()) (*types.Result, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	c.start = time.Now()

	done := make(chan callOutcome, 1)
	go func() {
		defer cancel()
		res, err := safeProcess(callCtx, entry, req)
		release()
		if err == nil && res == nil {
			err = errNoResult
		}
		if err != nil {
			if callCtx.Err() == context.DeadlineExceeded {
				c.report(false, OutcomeTimeout)
			} else {
				c.report(false, OutcomeError)
			}
		} else {
			c.report(true, OutcomeSuccess)
		}
		done <- callOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return c.settle(out, callCtx)
	case <-callCtx.Done():
		select {
		case out := <-done:
			return c.settle(out, callCtx)
		default:
		}
		c.report(false, OutcomeTimeout)
		return nil, ocrerrors.NewBackendTimeout(c.name, fmt.Errorf("no response within %s", timeout))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *call) settle(out callOutcome, callCtx context.Context) (*types.Result, error) {
	if out.err == nil {
		return out.res, nil
	}
	var be *ocrerrors.BackendError
	if errors.As(out.err, &be) {
		return nil, be
	}
	if callCtx.Err() == context.DeadlineExceeded {
		return nil, ocrerrors.NewBackendTimeout(c.name, out.err)
	}
	return nil, ocrerrors.NewBackendError(c.name, out.err)
}

func safeProcess(ctx context.Context, entry registry.Entry, req *types.Request) (res *types.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, panicError(r)
		}
	}()
	return entry.Backend.Process(ctx, req)
}
