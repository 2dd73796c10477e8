package app

import (
	"context"
	"fmt"
	"time"

	"github.com/bft-labs/niftysave/internal/domain"
	"github.com/bft-labs/niftysave/internal/metrics"
	"github.com/bft-labs/niftysave/internal/ports"
)

// FanOutConfig bounds the work of a single execution.
type FanOutConfig struct {
	// MaxRecordsPerExecute is the largest slice, in entities, that is handed
	// to the executor without splitting.
	MaxRecordsPerExecute int
}

// FanOutResult is the outcome of sizing one slice. Exactly one of Execute
// and Split is non-empty.
type FanOutResult struct {
	Slice domain.TimeSlice

	// ApproxCount is the sampled size, or ports.UnknownCount when the slice
	// was not sampled.
	ApproxCount int

	Execute []domain.ExecuteCommand
	Split   []domain.FanOutCommand
}

// Envelopes returns the follow-up commands ready for the queue.
func (r FanOutResult) Envelopes() ([]domain.Envelope, error) {
	out := make([]domain.Envelope, 0, len(r.Execute)+len(r.Split))
	for _, cmd := range r.Execute {
		env, err := cmd.Envelope()
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	for _, cmd := range r.Split {
		env, err := cmd.Envelope()
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// FanOutExecutor sizes a slice against the source and decides whether it is
// executed as a whole or split into narrower fan-out commands. Children go
// back through the queue, so arbitrarily dense regions are refined one level
// per delivery.
type FanOutExecutor struct {
	config   FanOutConfig
	source   ports.SubgraphSource
	store    ports.IngestStore
	splitter domain.SplitStrategy
	clock    ports.Clock
	logger   ports.Logger
	metrics  *metrics.Metrics
}

// NewFanOutExecutor creates a fan-out executor.
func NewFanOutExecutor(
	config FanOutConfig,
	source ports.SubgraphSource,
	store ports.IngestStore,
	splitter domain.SplitStrategy,
	clock ports.Clock,
	logger ports.Logger,
	m *metrics.Metrics,
) *FanOutExecutor {
	return &FanOutExecutor{
		config:   config,
		source:   source,
		store:    store,
		splitter: splitter,
		clock:    clock,
		logger:   logger,
		metrics:  m,
	}
}

// Handle sizes cmd.Slice. It never enqueues anything itself; the caller
// enqueues the result, calls CommitSplit for a split, and then acknowledges
// the command.
func (e *FanOutExecutor) Handle(ctx context.Context, cmd domain.FanOutCommand) (FanOutResult, error) {
	slice := cmd.Slice
	if !slice.Start.Before(slice.End) {
		return FanOutResult{}, fmt.Errorf("%w: fan-out of %s", domain.ErrInvalidRange, slice)
	}
	result := FanOutResult{Slice: slice, ApproxCount: ports.UnknownCount}

	children := e.splitter.Split(slice)
	if len(children) == 0 {
		// Too narrow to split: execute it whatever its size.
		if err := e.ensurePending(ctx, slice); err != nil {
			return FanOutResult{}, err
		}
		result.Execute = []domain.ExecuteCommand{{Slice: slice, Attempt: 1}}
		e.logger.Debug("slice at minimum width, executing unsampled",
			ports.String("slice", slice.String()),
			ports.Int("attempt", cmd.Attempt),
		)
		return result, nil
	}

	limit := e.config.MaxRecordsPerExecute
	page, err := e.source.Query(ctx, slice, "", limit+1)
	if err != nil {
		e.recordFailure(ctx, slice, err)
		return FanOutResult{}, fmt.Errorf("%w: size %s: %w", domain.ErrSourceUnavailable, slice, err)
	}
	count := sampledCount(page, limit)
	result.ApproxCount = count

	if count <= limit {
		if err := e.ensurePending(ctx, slice); err != nil {
			return FanOutResult{}, err
		}
		result.Execute = []domain.ExecuteCommand{{Slice: slice, Attempt: 1}}
		e.logger.Debug("slice fits one execution",
			ports.String("slice", slice.String()),
			ports.Int("approx_count", count),
		)
		return result, nil
	}

	// The row stays Pending until CommitSplit: if the children never reach
	// the queue, the purge sweep can still fail it.
	if err := e.ensurePending(ctx, slice); err != nil {
		return FanOutResult{}, err
	}

	for _, child := range children {
		result.Split = append(result.Split, domain.FanOutCommand{Slice: child, Attempt: 1})
	}
	e.metrics.IncSlicesSplit()
	e.logger.Info("split dense slice",
		ports.String("slice", slice.String()),
		ports.Int("approx_count", count),
		ports.Int("children", len(children)),
	)
	return result, nil
}

// CommitSplit marks slice Split. Call it only after the children returned by
// Handle were accepted by the queue.
func (e *FanOutExecutor) CommitSplit(ctx context.Context, slice domain.TimeSlice) error {
	_, err := e.store.UpdateSliceCompletion(ctx, slice, func(c domain.SliceCompletion, exists bool) domain.SliceCompletion {
		return c.MarkSplit(e.clock.Now())
	})
	if err != nil {
		return fmt.Errorf("%w: mark %s split: %w", domain.ErrStoreWriteFailure, slice, err)
	}
	return nil
}

// sampledCount estimates the slice size from a sample of limit+1 entities.
func sampledCount(page ports.Page, limit int) int {
	if page.ApproxCount >= 0 {
		return page.ApproxCount
	}
	count := len(page.Entities)
	if !page.NextCursor.IsZero() && count <= limit {
		count = limit + 1
	}
	return count
}

// ensurePending creates a Pending row unless one already exists.
func (e *FanOutExecutor) ensurePending(ctx context.Context, slice domain.TimeSlice) error {
	_, err := e.store.UpdateSliceCompletion(ctx, slice, func(c domain.SliceCompletion, exists bool) domain.SliceCompletion {
		if exists {
			return c
		}
		return domain.NewSliceCompletion(slice, e.clock.Now())
	})
	if err != nil {
		return fmt.Errorf("%w: track %s: %w", domain.ErrStoreWriteFailure, slice, err)
	}
	return nil
}

func (e *FanOutExecutor) recordFailure(ctx context.Context, slice domain.TimeSlice, cause error) {
	if err := recordSliceFailure(ctx, e.store, slice, cause, e.clock.Now()); err != nil {
		e.logger.Warn("failed to record slice failure",
			ports.String("slice", slice.String()),
			ports.Err(err),
		)
	}
}

// recordSliceFailure counts a failed attempt on the slice's row, creating
// a Pending row when there is none.
func recordSliceFailure(ctx context.Context, store ports.IngestStore, slice domain.TimeSlice, cause error, now time.Time) error {
	_, err := store.UpdateSliceCompletion(ctx, slice, func(c domain.SliceCompletion, exists bool) domain.SliceCompletion {
		if !exists {
			c = domain.NewSliceCompletion(slice, now)
		}
		return c.RecordFailure(cause, now)
	})
	return err
}
