package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bft-labs/niftysave/internal/domain"
	"github.com/bft-labs/niftysave/internal/metrics"
	"github.com/bft-labs/niftysave/internal/ports"
)

// ExecutorConfig configures page ingestion.
type ExecutorConfig struct {
	// PageSize is the number of entities requested per page.
	PageSize int

	// VisibilityTimeout is the timeout deliveries were received with. A page
	// that takes more than half of it extends the delivery before writing.
	VisibilityTimeout time.Duration
}

// ExecuteResult is the outcome of ingesting one page.
type ExecuteResult struct {
	Slice          domain.TimeSlice
	Cursor         domain.Cursor
	RecordsWritten int

	// NextCursor is set when another page was enqueued.
	NextCursor domain.Cursor

	// Completed is true when this was the slice's last page.
	Completed bool
}

// SliceExecutor ingests one page of a slice per command and chains the next
// page through the queue.
type SliceExecutor struct {
	config  ExecutorConfig
	source  ports.SubgraphSource
	store   ports.IngestStore
	queue   ports.CommandQueue
	clock   ports.Clock
	logger  ports.Logger
	metrics *metrics.Metrics
}

// NewSliceExecutor creates a slice executor.
func NewSliceExecutor(
	config ExecutorConfig,
	source ports.SubgraphSource,
	store ports.IngestStore,
	queue ports.CommandQueue,
	clock ports.Clock,
	logger ports.Logger,
	m *metrics.Metrics,
) *SliceExecutor {
	return &SliceExecutor{
		config:  config,
		source:  source,
		store:   store,
		queue:   queue,
		clock:   clock,
		logger:  logger,
		metrics: m,
	}
}

// Handle fetches the page at cmd.Cursor, upserts its entities and either
// enqueues the next page or marks the slice complete. Any error leaves the
// command for redelivery; nothing is reported as partial success.
func (e *SliceExecutor) Handle(ctx context.Context, d domain.Delivery, cmd domain.ExecuteCommand) (ExecuteResult, error) {
	slice := cmd.Slice
	if !slice.Start.Before(slice.End) {
		return ExecuteResult{}, fmt.Errorf("%w: execute of %s", domain.ErrInvalidRange, slice)
	}
	result := ExecuteResult{Slice: slice, Cursor: cmd.Cursor}

	started := e.clock.Now()
	page, err := e.source.Query(ctx, slice, cmd.Cursor, e.config.PageSize)
	if err != nil {
		e.recordFailure(ctx, slice, err)
		return ExecuteResult{}, fmt.Errorf("%w: query %s at %q: %w", domain.ErrSourceUnavailable, slice, cmd.Cursor, err)
	}

	if took := e.clock.Now().Sub(started); d.Receipt != "" && took > e.config.VisibilityTimeout/2 {
		e.extend(ctx, d, took)
	}

	now := e.clock.Now()
	records := make([]domain.IngestRecord, 0, len(page.Entities))
	for _, ent := range page.Entities {
		if !slice.Includes(ent.Timestamp) {
			e.logger.Warn("source returned entity outside slice",
				ports.String("slice", slice.String()),
				ports.String("id", ent.ID),
				ports.Time("timestamp", ent.Timestamp),
			)
		}
		records = append(records, domain.NewIngestRecord(ent, slice, now))
	}

	if err := e.store.UpsertRecords(ctx, records); err != nil {
		e.recordFailure(ctx, slice, err)
		return ExecuteResult{}, fmt.Errorf("%w: %d records for %s: %w", domain.ErrStoreWriteFailure, len(records), slice, err)
	}
	result.RecordsWritten = len(records)
	e.metrics.AddRecordsWritten(len(records))

	if !page.NextCursor.IsZero() {
		next := domain.ExecuteCommand{Slice: slice, Cursor: page.NextCursor, Attempt: 1}
		env, err := next.Envelope()
		if err != nil {
			return ExecuteResult{}, err
		}
		if err := e.queue.Enqueue(ctx, env); err != nil {
			return ExecuteResult{}, fmt.Errorf("%w: next page of %s: %w", domain.ErrEnqueueFailure, slice, err)
		}
		result.NextCursor = page.NextCursor
		e.logger.Debug("page ingested",
			ports.String("slice", slice.String()),
			ports.Int("records", len(records)),
			ports.String("next_cursor", string(page.NextCursor)),
		)
		return result, nil
	}

	_, err = e.store.UpdateSliceCompletion(ctx, slice, func(c domain.SliceCompletion, exists bool) domain.SliceCompletion {
		if !exists {
			c = domain.NewSliceCompletion(slice, now)
		}
		return c.MarkComplete(now)
	})
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("%w: complete %s: %w", domain.ErrStoreWriteFailure, slice, err)
	}
	result.Completed = true
	e.metrics.IncSlicesCompleted()
	e.logger.Info("slice complete",
		ports.String("slice", slice.String()),
		ports.Int("records", len(records)),
		ports.Int("attempt", cmd.Attempt),
	)
	return result, nil
}

func (e *SliceExecutor) extend(ctx context.Context, d domain.Delivery, took time.Duration) {
	err := e.queue.ExtendVisibility(ctx, d.Receipt, e.config.VisibilityTimeout)
	switch {
	case err == nil:
		e.logger.Debug("extended visibility",
			ports.String("id", d.ID),
			ports.Duration("query_took", took),
		)
	case errors.Is(err, domain.ErrStaleReceipt), errors.Is(err, domain.ErrMessageNotFound):
		// Another delivery may be running; the writes below are idempotent.
		e.logger.Warn("visibility already lapsed",
			ports.String("id", d.ID),
			ports.Duration("query_took", took),
			ports.Err(err),
		)
	default:
		e.logger.Warn("failed to extend visibility", ports.String("id", d.ID), ports.Err(err))
	}
}

func (e *SliceExecutor) recordFailure(ctx context.Context, slice domain.TimeSlice, cause error) {
	if err := recordSliceFailure(ctx, e.store, slice, cause, e.clock.Now()); err != nil {
		e.logger.Warn("failed to record slice failure",
			ports.String("slice", slice.String()),
			ports.Err(err),
		)
	}
}
