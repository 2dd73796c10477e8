package app

import (
	"context"
	"time"

	"github.com/bft-labs/niftysave/internal/domain"
	"github.com/bft-labs/niftysave/internal/ports"
)

// Operations exposes each pipeline step as a single call for the CLI and
// the HTTP API. Batch sizes of zero fall back to the configured defaults.
type Operations struct {
	Filler   *QueueFiller
	Worker   *Worker
	Sweeper  *PurgeSupervisor
	Reporter *HealthReporter
	Store    ports.IngestStore

	DefaultBatch     int
	DefaultMaxSlices int
}

func (o *Operations) Fill(ctx context.Context, maxSlices int) (FillResult, error) {
	if maxSlices <= 0 {
		maxSlices = o.DefaultMaxSlices
	}
	return o.Filler.Fill(ctx, maxSlices)
}

func (o *Operations) FanOut(ctx context.Context, maxBatch int) (BatchResult, error) {
	return o.Worker.FanOut(ctx, o.batch(maxBatch))
}

func (o *Operations) Execute(ctx context.Context, maxBatch int) (BatchResult, error) {
	return o.Worker.Execute(ctx, o.batch(maxBatch))
}

func (o *Operations) Purge(ctx context.Context) (SweepResult, error) {
	return o.Sweeper.Sweep(ctx)
}

func (o *Operations) Report(ctx context.Context) (HealthReport, error) {
	return o.Reporter.Report(ctx)
}

// DeadLetters lists commands purged at or after since.
func (o *Operations) DeadLetters(ctx context.Context, since time.Time) ([]domain.DeadLetter, error) {
	return o.Store.ListDeadLetters(ctx, since)
}

func (o *Operations) batch(n int) int {
	if n > 0 {
		return n
	}
	if o.DefaultBatch > 0 {
		return o.DefaultBatch
	}
	return 1
}
