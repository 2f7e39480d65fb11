// Package watcher runs the sample-and-export loop.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/HerbHall/memwatcher/internal/export"
	"github.com/HerbHall/memwatcher/internal/sampler"
	"github.com/HerbHall/memwatcher/pkg/models"
)

// DefaultInterval is the tick interval used when none is configured.
const DefaultInterval = 30 * time.Second

// exporterSink labels failures raised by the exporter itself rather than
// one of its sinks.
const exporterSink = "exporter"

// ErrAlreadyStarted is returned by Start and Run on an agent that has
// already left the suspended state.
var ErrAlreadyStarted = errors.New("watcher agent already started")

// State is the agent lifecycle state.
type State int32

const (
	StateSuspended State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateSuspended:
		return "suspended"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Exporter delivers a sample to the configured sinks.
type Exporter interface {
	Write(ctx context.Context, s models.Sample) error
}

// TickReport is the outcome of one tick. Sample is nil when the read failed.
type TickReport struct {
	Iteration uint64
	Started   time.Time
	Duration  time.Duration
	Sample    *models.Sample
	SampleErr error
	ExportErr error
}

// OK reports whether the tick read and exported without any failure.
func (r TickReport) OK() bool {
	return r.SampleErr == nil && r.ExportErr == nil
}

// Agent samples on a fixed interval and exports each sample. Failures in a
// tick are logged and never end the loop; only cancellation does.
type Agent struct {
	interval time.Duration
	sampler  sampler.Reader
	exporter Exporter
	logger   *zap.Logger
	metrics  *agentMetrics

	state     atomic.Int32
	iteration atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   *TickReport
}

// Option configures an Agent.
type Option func(*Agent)

// WithRegisterer registers the agent's self-metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *Agent) { a.metrics.register(reg, a.logger) }
}

// NewAgent creates a suspended agent. A non-positive interval falls back
// to DefaultInterval.
func NewAgent(interval time.Duration, s sampler.Reader, e Exporter, logger *zap.Logger, opts ...Option) *Agent {
	if interval <= 0 {
		interval = DefaultInterval
	}
	a := &Agent{
		interval: interval,
		sampler:  s,
		exporter: e,
		logger:   logger,
		metrics:  newAgentMetrics(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Interval returns the configured tick interval.
func (a *Agent) Interval() time.Duration { return a.interval }

// State returns the current lifecycle state.
func (a *Agent) State() State { return State(a.state.Load()) }

// Iteration returns the number of ticks started so far.
func (a *Agent) Iteration() uint64 { return a.iteration.Load() }

// LastReport returns the most recent tick report, if any tick has run.
func (a *Agent) LastReport() (TickReport, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return TickReport{}, false
	}
	return *a.last, true
}

// Start moves the agent from suspended to running and ticks in a
// background goroutine until ctx is cancelled or Stop is called.
func (a *Agent) Start(ctx context.Context) error {
	ctx, done, err := a.begin(ctx)
	if err != nil {
		return err
	}
	go a.loop(ctx, done)
	return nil
}

// Run is the blocking form of Start. It returns nil once cancelled.
func (a *Agent) Run(ctx context.Context) error {
	ctx, done, err := a.begin(ctx)
	if err != nil {
		return err
	}
	a.loop(ctx, done)
	return nil
}

// Stop cancels the loop and waits for the tick in progress, if any, to
// finish. Stopping a suspended agent prevents it from ever starting.
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.state.CompareAndSwap(int32(StateSuspended), int32(StateStopped)) {
		a.mu.Unlock()
		return
	}
	cancel, done := a.cancel, a.done
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (a *Agent) begin(ctx context.Context) (context.Context, chan struct{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.state.CompareAndSwap(int32(StateSuspended), int32(StateRunning)) {
		return nil, nil, ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	return ctx, a.done, nil
}

func (a *Agent) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer a.state.Store(int32(StateStopped))

	a.logger.Info("watcher agent running", zap.Duration("interval", a.interval))

	for ctx.Err() == nil {
		report := a.tick(ctx)
		a.record(report)
		if !sleep(ctx, a.interval-time.Since(report.Started)) {
			break
		}
	}

	a.logger.Info("watcher agent shutting down", zap.Uint64("iterations", a.Iteration()))
}

// tick runs one sample-and-export pass. The pass is not cancellable once
// started: sinks bound their own calls with timeouts. A panic is recorded
// against the phase it happened in.
func (a *Agent) tick(ctx context.Context) (report TickReport) {
	report = TickReport{
		Iteration: a.iteration.Add(1),
		Started:   time.Now(),
	}
	defer func() {
		if r := recover(); r != nil {
			perr := fmt.Errorf("panic: %v", r)
			if report.Sample == nil {
				report.SampleErr = &sampler.ReadError{Err: perr}
			} else {
				report.ExportErr = errors.Join(report.ExportErr, &export.Error{Sink: exporterSink, Err: perr})
			}
		}
		report.Duration = time.Since(report.Started)
	}()

	tickCtx := context.WithoutCancel(ctx)
	s, err := a.sampler.Read(tickCtx)
	if err != nil {
		report.SampleErr = err
		return report
	}
	report.Sample = &s
	report.ExportErr = a.exporter.Write(tickCtx, s)
	return report
}

// record logs and counts a tick's outcome, then keeps it as the latest.
func (a *Agent) record(r TickReport) {
	a.metrics.ticks.Inc()
	a.metrics.tickDuration.Observe(r.Duration.Seconds())

	a.logger.Info("iteration",
		zap.Uint64("iteration", r.Iteration),
		zap.Duration("duration", r.Duration),
	)
	if r.SampleErr != nil {
		a.metrics.sampleFailures.Inc()
		a.logger.Error("sample read failed; skipping export",
			zap.Uint64("iteration", r.Iteration),
			zap.Error(r.SampleErr),
		)
	}
	for _, f := range export.Failures(r.ExportErr) {
		a.metrics.exportFailures.WithLabelValues(f.Sink).Inc()
		a.logger.Error("export failed",
			zap.Uint64("iteration", r.Iteration),
			zap.String("sink", f.Sink),
			zap.Error(f.Err),
		)
	}

	a.mu.Lock()
	a.last = &r
	a.mu.Unlock()
}

// sleep waits for d or until ctx is done. It reports false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
