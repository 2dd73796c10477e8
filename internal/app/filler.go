package app

import (
	"context"
	"fmt"
	"time"

	"github.com/bft-labs/niftysave/internal/domain"
	"github.com/bft-labs/niftysave/internal/metrics"
	"github.com/bft-labs/niftysave/internal/ports"
)

// FillerConfig describes the ingestion domain.
type FillerConfig struct {
	// DomainStart is where ingestion begins when no cursor has been saved.
	DomainStart time.Time

	// DomainEnd fixes the right edge of the domain. When zero the domain
	// follows the wall clock, trailing it by SettleLag.
	DomainEnd time.Time

	// SliceWidth is the width of the slices handed to fan-out.
	SliceWidth time.Duration

	// SettleLag keeps the open edge away from data the source may still be
	// indexing.
	SettleLag time.Duration
}

// FillResult describes one filler run. From == To when there was nothing to do.
type FillResult struct {
	From   time.Time `json:"from" yaml:"from"`
	To     time.Time `json:"to" yaml:"to"`
	Slices int       `json:"slices" yaml:"slices"`
}

// QueueFiller turns the ingestion domain into fan-out commands, advancing a
// persistent cursor so each slice is enqueued once.
type QueueFiller struct {
	config  FillerConfig
	queue   ports.CommandQueue
	cursors ports.CursorRepository
	clock   ports.Clock
	logger  ports.Logger
	metrics *metrics.Metrics
}

// NewQueueFiller creates a filler.
func NewQueueFiller(
	config FillerConfig,
	queue ports.CommandQueue,
	cursors ports.CursorRepository,
	clock ports.Clock,
	logger ports.Logger,
	m *metrics.Metrics,
) *QueueFiller {
	return &QueueFiller{
		config:  config,
		queue:   queue,
		cursors: cursors,
		clock:   clock,
		logger:  logger,
		metrics: m,
	}
}

// Fill enqueues at most maxSlicesPerRun slices following the cursor. The
// cursor is saved only after the queue accepted every command; on
// ErrEnqueueFailure it is left where it was.
func (f *QueueFiller) Fill(ctx context.Context, maxSlicesPerRun int) (FillResult, error) {
	width := f.config.SliceWidth
	if width <= 0 {
		return FillResult{}, fmt.Errorf("%w: slice width %s must be positive", domain.ErrInvalidRange, width)
	}

	cursor, err := f.cursors.Load(ctx)
	if err != nil {
		return FillResult{}, fmt.Errorf("load cursor: %w", err)
	}

	start := f.config.DomainStart.UTC()
	if !cursor.IsEmpty() {
		start = cursor.Position
	}

	now := f.clock.Now()
	end := f.config.DomainEnd.UTC()
	if f.config.DomainEnd.IsZero() {
		end = domain.AlignedEnd(start, now.Add(-f.config.SettleLag), width)
	}
	if maxSlicesPerRun > 0 {
		if limit := start.Add(time.Duration(maxSlicesPerRun) * width); limit.Before(end) {
			end = limit
		}
	}
	if !start.Before(end) {
		f.logger.Debug("nothing to fill", ports.Time("cursor", start))
		return FillResult{From: start, To: start}, nil
	}

	slices, err := domain.Generate(start, end, width)
	if err != nil {
		return FillResult{}, err
	}

	envelopes := make([]domain.Envelope, 0, len(slices))
	for _, s := range slices {
		env, err := domain.FanOutCommand{Slice: s, Attempt: 1}.Envelope()
		if err != nil {
			return FillResult{}, err
		}
		envelopes = append(envelopes, env)
	}

	if err := f.queue.Enqueue(ctx, envelopes...); err != nil {
		f.logger.Error("enqueue failed, cursor unchanged",
			ports.Err(err),
			ports.Time("cursor", start),
			ports.Int("slices", len(slices)),
		)
		return FillResult{}, fmt.Errorf("%w: %d slices from %s: %w",
			domain.ErrEnqueueFailure, len(slices), start.Format(time.RFC3339), err)
	}

	next := cursor.Advance(end, len(slices), now)
	if err := f.cursors.Save(ctx, next); err != nil {
		// The slices are queued; the next run re-offers them and dedup drops them.
		return FillResult{}, fmt.Errorf("%w: save cursor: %w", domain.ErrStoreWriteFailure, err)
	}

	f.metrics.AddSlicesEnqueued(len(slices))
	f.logger.Info("filled queue",
		ports.Time("from", start),
		ports.Time("to", end),
		ports.Int("slices", len(slices)),
		ports.Int64("total_slices", next.SlicesEnqueued),
	)

	return FillResult{From: start, To: end, Slices: len(slices)}, nil
}
