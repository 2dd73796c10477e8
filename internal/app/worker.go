package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bft-labs/niftysave/internal/domain"
	"github.com/bft-labs/niftysave/internal/metrics"
	"github.com/bft-labs/niftysave/internal/ports"
)

// WorkerConfig configures a worker.
type WorkerConfig struct {
	// VisibilityTimeout hides received commands from other workers. It must
	// exceed the worst-case time to handle one command.
	VisibilityTimeout time.Duration

	// Concurrency bounds how many commands of a batch run at once.
	Concurrency int

	// MaxAttempts makes the worker decline deliveries past the purge ceiling
	// and leave them to the sweep. Zero handles every delivery.
	MaxAttempts int
}

// BatchResult aggregates the outcomes of one worker invocation.
type BatchResult struct {
	Kind           domain.CommandKind `json:"kind" yaml:"kind"`
	Received       int                `json:"received" yaml:"received"`
	Succeeded      int                `json:"succeeded" yaml:"succeeded"`
	Failed         int                `json:"failed" yaml:"failed"`
	RecordsWritten int                `json:"records_written" yaml:"records_written"`
	Enqueued       int                `json:"enqueued" yaml:"enqueued"`
	Errors         []error            `json:"-" yaml:"-"`
}

// commandOutcome is the immutable result of handling one delivery.
type commandOutcome struct {
	ok       bool
	records  int
	enqueued int
	err      error
}

// Worker receives batches of commands and runs them through the executors.
// Successful commands are acknowledged; failed ones are left to time out and
// be redelivered.
type Worker struct {
	config      WorkerConfig
	concurrency atomic.Int64
	maxAttempts atomic.Int64
	queue       ports.CommandQueue
	fanout      *FanOutExecutor
	executor    *SliceExecutor
	logger      ports.Logger
	metrics     *metrics.Metrics
}

// NewWorker creates a worker.
func NewWorker(
	config WorkerConfig,
	queue ports.CommandQueue,
	fanout *FanOutExecutor,
	executor *SliceExecutor,
	logger ports.Logger,
	m *metrics.Metrics,
) *Worker {
	w := &Worker{
		config:   config,
		queue:    queue,
		fanout:   fanout,
		executor: executor,
		logger:   logger,
		metrics:  m,
	}
	w.SetConcurrency(config.Concurrency)
	w.SetMaxAttempts(config.MaxAttempts)
	return w
}

// SetConcurrency changes the per-batch concurrency for later batches.
func (w *Worker) SetConcurrency(n int) {
	if n <= 0 {
		n = 1
	}
	w.concurrency.Store(int64(n))
}

// SetMaxAttempts changes the attempt ceiling for later batches.
func (w *Worker) SetMaxAttempts(n int) {
	w.maxAttempts.Store(int64(max(n, 0)))
}

// FanOut handles up to maxBatch fan-out commands.
func (w *Worker) FanOut(ctx context.Context, maxBatch int) (BatchResult, error) {
	return w.run(ctx, domain.KindFanOut, maxBatch, w.handleFanOut)
}

// Execute handles up to maxBatch execute commands.
func (w *Worker) Execute(ctx context.Context, maxBatch int) (BatchResult, error) {
	return w.run(ctx, domain.KindExecute, maxBatch, w.handleExecute)
}

func (w *Worker) run(
	ctx context.Context,
	kind domain.CommandKind,
	maxBatch int,
	handle func(context.Context, domain.Delivery) commandOutcome,
) (BatchResult, error) {
	deliveries, err := w.queue.Receive(ctx, kind, maxBatch, w.config.VisibilityTimeout)
	if err != nil {
		return BatchResult{Kind: kind}, fmt.Errorf("receive %s commands: %w", kind, err)
	}
	if len(deliveries) == 0 {
		return BatchResult{Kind: kind}, nil
	}

	outcomes := make([]commandOutcome, len(deliveries))
	ceiling := int(w.maxAttempts.Load())
	var g errgroup.Group
	g.SetLimit(int(w.concurrency.Load()))
	for i, d := range deliveries {
		if ceiling > 0 && d.Attempt > ceiling {
			outcomes[i] = w.declined(d, ceiling)
			continue
		}
		i, d := i, d
		g.Go(func() error {
			started := time.Now()
			outcomes[i] = handle(ctx, d)
			w.metrics.RecordCommand(string(kind), outcomes[i].ok, time.Since(started))
			return nil
		})
	}
	_ = g.Wait()

	result := BatchResult{Kind: kind, Received: len(deliveries)}
	for _, o := range outcomes {
		if o.ok {
			result.Succeeded++
		} else {
			result.Failed++
			result.Errors = append(result.Errors, o.err)
		}
		result.RecordsWritten += o.records
		result.Enqueued += o.enqueued
	}

	w.logger.Info("batch handled",
		ports.String("kind", string(kind)),
		ports.Int("received", result.Received),
		ports.Int("succeeded", result.Succeeded),
		ports.Int("failed", result.Failed),
		ports.Int("records", result.RecordsWritten),
		ports.Int("enqueued", result.Enqueued),
	)
	return result, nil
}

func (w *Worker) handleFanOut(ctx context.Context, d domain.Delivery) commandOutcome {
	cmd, err := d.FanOut()
	if err != nil {
		return w.poison(d, err)
	}

	res, err := w.fanout.Handle(ctx, cmd)
	if err != nil {
		return w.failed(d, cmd.Slice, err)
	}

	envelopes, err := res.Envelopes()
	if err != nil {
		return w.failed(d, cmd.Slice, err)
	}
	if err := w.queue.Enqueue(ctx, envelopes...); err != nil {
		return w.failed(d, cmd.Slice, fmt.Errorf("%w: children of %s: %w", domain.ErrEnqueueFailure, cmd.Slice, err))
	}
	if len(res.Split) > 0 {
		if err := w.fanout.CommitSplit(ctx, cmd.Slice); err != nil {
			return w.failed(d, cmd.Slice, err)
		}
	}

	if err := w.acknowledge(ctx, d); err != nil {
		return w.failed(d, cmd.Slice, err)
	}
	return commandOutcome{ok: true, enqueued: len(envelopes)}
}

func (w *Worker) handleExecute(ctx context.Context, d domain.Delivery) commandOutcome {
	cmd, err := d.Execute()
	if err != nil {
		return w.poison(d, err)
	}

	res, err := w.executor.Handle(ctx, d, cmd)
	if err != nil {
		return w.failed(d, cmd.Slice, err)
	}

	enqueued := 0
	if !res.NextCursor.IsZero() {
		enqueued = 1
	}
	if err := w.acknowledge(ctx, d); err != nil {
		return commandOutcome{records: res.RecordsWritten, enqueued: enqueued, err: err}
	}
	return commandOutcome{ok: true, records: res.RecordsWritten, enqueued: enqueued}
}

// acknowledge deletes the command. A command that is already gone was
// purged or finished by an overlapping delivery; its work is done either way.
func (w *Worker) acknowledge(ctx context.Context, d domain.Delivery) error {
	err := w.queue.Acknowledge(ctx, d.ID)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrMessageNotFound) {
		w.logger.Warn("acknowledged command already gone",
			ports.String("id", d.ID),
			ports.String("kind", string(d.Kind)),
		)
		return nil
	}
	return fmt.Errorf("acknowledge %s: %w", d.ID, err)
}

func (w *Worker) failed(d domain.Delivery, slice domain.TimeSlice, err error) commandOutcome {
	w.logger.Warn("command failed, leaving for redelivery",
		ports.String("id", d.ID),
		ports.String("kind", string(d.Kind)),
		ports.String("slice", slice.String()),
		ports.Int("attempt", d.Attempt),
		ports.Bool("retryable", domain.IsRetryable(err)),
		ports.Err(err),
	)
	return commandOutcome{err: err}
}

// declined leaves a delivery past the attempt ceiling untouched for the
// purge sweep.
func (w *Worker) declined(d domain.Delivery, ceiling int) commandOutcome {
	err := fmt.Errorf("%w: attempt %d exceeds %d", domain.ErrPermanentSliceFailure, d.Attempt, ceiling)
	w.logger.Warn("declining exhausted command",
		ports.String("id", d.ID),
		ports.String("kind", string(d.Kind)),
		ports.Int("attempt", d.Attempt),
	)
	return commandOutcome{err: err}
}

// poison logs an undecodable command. It stays queued until the purge sweep
// dead-letters it.
func (w *Worker) poison(d domain.Delivery, err error) commandOutcome {
	w.logger.Error("undecodable command",
		ports.String("id", d.ID),
		ports.String("kind", string(d.Kind)),
		ports.Int("attempt", d.Attempt),
		ports.Err(err),
	)
	return commandOutcome{err: err}
}
