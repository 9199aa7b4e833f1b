package healthcheck

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blueberrycongee/ocrmux/internal/registry"
	"github.com/blueberrycongee/ocrmux/pkg/backend"
)

const (
	defaultProbeInterval    = 60 * time.Second
	defaultProbeTimeout     = 10 * time.Second
	defaultProbeConcurrency = 4
)

// Config controls the proactive health checker behavior.
type Config struct {
	Enabled     bool
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int
}

// Source supplies the backends to probe. Implementations return copies so
// that no lock is held while probes run.
type Source interface {
	List() []registry.Entry
}

// ProbeObserver is told about every finished probe.
type ProbeObserver func(name string, ok bool, latency time.Duration)

// Prober periodically calls each backend's Health probe and feeds the result
// into the Monitor.
type Prober struct {
	cfg      Config
	source   Source
	monitor  *Monitor
	logger   *slog.Logger
	observer ProbeObserver
	started  atomic.Bool
}

// NewProber creates a new health checker.
func NewProber(cfg Config, source Source, monitor *Monitor, logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultProbeConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Prober{
		cfg:     cfg,
		source:  source,
		monitor: monitor,
		logger:  logger,
	}
}

// SetObserver registers fn to observe probe results. Call before Start.
func (p *Prober) SetObserver(fn ProbeObserver) {
	p.observer = fn
}

// Start begins the probe loop until the context is canceled.
func (p *Prober) Start(ctx context.Context) {
	if p == nil || !p.cfg.Enabled {
		return
	}
	if p.source == nil || p.monitor == nil {
		p.logger.Warn("healthcheck prober missing backend source")
		return
	}
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	go p.run(ctx)
}

func (p *Prober) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			p.RunOnce(ctx)
		case <-ctx.Done():
			p.logger.Info("healthcheck prober stopped")
			return
		}
	}
}

// RunOnce probes every registered backend once, with bounded parallelism.
func (p *Prober) RunOnce(ctx context.Context) {
	entries := p.source.List()
	if len(entries) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		entry := entry
		g.Go(func() error {
			p.probe(ctx, entry)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Prober) probe(ctx context.Context, entry registry.Entry) {
	name := entry.Name()
	start := time.Now()
	report := p.check(ctx, entry.Backend)
	latency := time.Since(start)

	if ctx.Err() != nil {
		// Shutting down; a cancelled probe says nothing about the backend.
		return
	}

	p.monitor.RecordProbe(name, report)
	if p.observer != nil {
		p.observer(name, report.OK, latency)
	}
	if !report.OK {
		p.logger.Warn("healthcheck probe failed",
			"backend", name,
			"detail", report.Detail,
			"latency", latency,
		)
	}
}

// check runs the probe under the configured timeout. Backends that ignore
// context cancellation are abandoned once the timeout fires.
func (p *Prober) check(ctx context.Context, b backend.Backend) backend.HealthReport {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	done := make(chan backend.HealthReport, 1)
	go func() {
		done <- b.Health(probeCtx)
	}()

	select {
	case report := <-done:
		return report
	case <-probeCtx.Done():
		return backend.HealthReport{OK: false, Detail: "health probe timed out"}
	}
}
