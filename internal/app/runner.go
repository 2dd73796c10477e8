package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"

	"github.com/bft-labs/niftysave/internal/domain"
	"github.com/bft-labs/niftysave/internal/metrics"
	"github.com/bft-labs/niftysave/internal/ports"
)

// RunnerConfig configures the continuous pipeline.
type RunnerConfig struct {
	// FillSchedule and PurgeSchedule are cron expressions.
	FillSchedule  string
	PurgeSchedule string

	// HealthInterval is how often health gauges are refreshed.
	HealthInterval time.Duration

	// IdleBackoffMax caps how long an idle worker loop sleeps between polls.
	IdleBackoffMax time.Duration

	// ShutdownTimeout bounds how long Run waits for loops to exit.
	ShutdownTimeout time.Duration

	Tuning Tuning
}

// Tuning holds the knobs that may change while the pipeline runs.
type Tuning struct {
	BatchSize       int
	Concurrency     int
	MaxSlicesPerRun int
	MaxAttempts     int
	MaxAge          time.Duration
}

// OnceSummary describes a single pass over the pipeline.
type OnceSummary struct {
	Fill    FillResult  `json:"fill" yaml:"fill"`
	FanOut  BatchResult `json:"fanout" yaml:"fanout"`
	Execute BatchResult `json:"execute" yaml:"execute"`
	Purge   SweepResult `json:"purge" yaml:"purge"`
}

// Runner drives the filler, workers and purge sweep until its context ends.
type Runner struct {
	config    RunnerConfig
	tuning    atomic.Pointer[Tuning]
	filler    *QueueFiller
	worker    *Worker
	purge     *PurgeSupervisor
	health    *HealthReporter
	clock     ports.Clock
	lifecycle *Lifecycle
	logger    ports.Logger
}

// NewRunner creates a runner. Cron expressions are validated here.
func NewRunner(
	config RunnerConfig,
	filler *QueueFiller,
	worker *Worker,
	purge *PurgeSupervisor,
	health *HealthReporter,
	clock ports.Clock,
	logger ports.Logger,
	m *metrics.Metrics,
) (*Runner, error) {
	for name, expr := range map[string]string{"fill": config.FillSchedule, "purge": config.PurgeSchedule} {
		if !gronx.IsValid(expr) {
			return nil, fmt.Errorf("%w: invalid %s schedule %q", domain.ErrInvalidConfig, name, expr)
		}
	}
	if config.HealthInterval <= 0 {
		config.HealthInterval = 30 * time.Second
	}
	if config.IdleBackoffMax <= 0 {
		config.IdleBackoffMax = DefaultBackoffMax
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = ShutdownTimeout
	}

	r := &Runner{
		config:    config,
		filler:    filler,
		worker:    worker,
		purge:     purge,
		health:    health,
		clock:     clock,
		lifecycle: NewLifecycle(logger, stateGauge{m}),
		logger:    logger,
	}
	r.Apply(config.Tuning)
	return r, nil
}

// Apply swaps in new tuning. Batches already running finish with the old values.
func (r *Runner) Apply(t Tuning) {
	if t.BatchSize <= 0 {
		t.BatchSize = 1
	}
	r.tuning.Store(&t)
	r.worker.SetConcurrency(t.Concurrency)
	r.worker.SetMaxAttempts(t.MaxAttempts)
	r.purge.SetLimits(PurgeConfig{MaxAttempts: t.MaxAttempts, MaxAge: t.MaxAge})
}

// Tuning returns the tuning currently in effect.
func (r *Runner) Tuning() Tuning {
	return *r.tuning.Load()
}

// State returns the lifecycle state.
func (r *Runner) State() State {
	return r.lifecycle.State()
}

// Run starts every loop and blocks until ctx ends or a loop fails fatally.
func (r *Runner) Run(ctx context.Context) error {
	if !r.lifecycle.CanStart() {
		return domain.ErrAlreadyRunning
	}
	if err := r.lifecycle.TransitionTo(StateStarting, "run"); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.lifecycle.SetCancel(cancel)
	g, gctx := errgroup.WithContext(ctx)

	r.spawn(g, func() error { return r.scheduleLoop(gctx, "fill", r.config.FillSchedule, r.fillOnce) })
	r.spawn(g, func() error { return r.scheduleLoop(gctx, "purge", r.config.PurgeSchedule, r.sweepOnce) })
	r.spawn(g, func() error { return r.pollLoop(gctx, domain.KindFanOut, r.worker.FanOut) })
	r.spawn(g, func() error { return r.pollLoop(gctx, domain.KindExecute, r.worker.Execute) })
	r.spawn(g, func() error { return r.healthLoop(gctx) })

	if err := r.lifecycle.TransitionTo(StateRunning, "loops started"); err != nil {
		return err
	}

	<-gctx.Done()
	_ = r.lifecycle.TransitionTo(StateStopping, "context done")

	if err := r.lifecycle.WaitWithTimeout(r.config.ShutdownTimeout); err != nil {
		_ = r.lifecycle.TransitionTo(StateCrashed, "shutdown timeout")
		return err
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		_ = r.lifecycle.TransitionTo(StateCrashed, err.Error())
		return err
	}
	_ = r.lifecycle.TransitionTo(StateStopped, "graceful shutdown")
	return nil
}

// Stop asks a running Run to shut down. Run returns once its loops exit.
func (r *Runner) Stop() error {
	if !r.lifecycle.CanStop() {
		return domain.ErrNotRunning
	}
	r.lifecycle.Cancel()
	return nil
}

// RunOnce fills once, drains the fan-out and execute queues, then sweeps.
// Commands that fail stay invisible for their visibility timeout, so draining
// stops rather than spinning on them.
func (r *Runner) RunOnce(ctx context.Context) (OnceSummary, error) {
	t := r.Tuning()
	var s OnceSummary

	fill, err := r.filler.Fill(ctx, t.MaxSlicesPerRun)
	if err != nil {
		return s, fmt.Errorf("fill: %w", err)
	}
	s.Fill = fill

	if s.FanOut, err = r.drain(ctx, domain.KindFanOut, r.worker.FanOut); err != nil {
		return s, err
	}
	if s.Execute, err = r.drain(ctx, domain.KindExecute, r.worker.Execute); err != nil {
		return s, err
	}

	s.Purge, err = r.purge.Sweep(ctx)
	if err != nil {
		return s, fmt.Errorf("purge: %w", err)
	}
	return s, nil
}

type batchFunc func(ctx context.Context, maxBatch int) (BatchResult, error)

func (r *Runner) drain(ctx context.Context, kind domain.CommandKind, fn batchFunc) (BatchResult, error) {
	total := BatchResult{Kind: kind}
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := fn(ctx, r.Tuning().BatchSize)
		if err != nil {
			return total, err
		}
		if res.Received == 0 {
			return total, nil
		}
		total.Received += res.Received
		total.Succeeded += res.Succeeded
		total.Failed += res.Failed
		total.RecordsWritten += res.RecordsWritten
		total.Enqueued += res.Enqueued
		total.Errors = append(total.Errors, res.Errors...)
	}
}

func (r *Runner) spawn(g *errgroup.Group, fn func() error) {
	r.lifecycle.AddWorker()
	g.Go(func() error {
		defer r.lifecycle.WorkerDone()
		return fn()
	})
}

// scheduleLoop runs fn at every tick of the cron expression.
func (r *Runner) scheduleLoop(ctx context.Context, name, expr string, fn func(context.Context) error) error {
	for {
		now := r.clock.Now()
		next, err := gronx.NextTickAfter(expr, now, false)
		if err != nil {
			return fmt.Errorf("%s schedule: %w", name, err)
		}

		t := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		if err := fn(ctx); err != nil {
			if errors.Is(err, domain.ErrInvalidRange) {
				return fmt.Errorf("%s: %w", name, err)
			}
			if ctx.Err() == nil {
				r.logger.Error(name+" failed", ports.Err(err))
			}
		}
	}
}

// pollLoop handles batches back to back while there is work and backs off
// while the queue is empty or failing.
func (r *Runner) pollLoop(ctx context.Context, kind domain.CommandKind, fn batchFunc) error {
	b := newBackoff(DefaultBackoffInitial, r.config.IdleBackoffMax)
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := fn(ctx, r.Tuning().BatchSize)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("worker poll failed", ports.String("kind", string(kind)), ports.Err(err))
		}
		if err != nil || res.Received == 0 {
			if b.Wait(ctx) != nil {
				return nil
			}
			continue
		}
		b.Reset()
	}
}

func (r *Runner) healthLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.config.HealthInterval)
	defer ticker.Stop()
	for {
		if _, err := r.health.Report(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("health report failed", ports.Err(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Runner) fillOnce(ctx context.Context) error {
	_, err := r.filler.Fill(ctx, r.Tuning().MaxSlicesPerRun)
	return err
}

func (r *Runner) sweepOnce(ctx context.Context) error {
	_, err := r.purge.Sweep(ctx)
	return err
}

// stateGauge publishes lifecycle transitions as a metric.
type stateGauge struct {
	m *metrics.Metrics
}

func (s stateGauge) OnStateChange(previous, current State, reason string) {
	s.m.SetState(int(current))
}
