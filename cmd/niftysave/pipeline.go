package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/bft-labs/niftysave/internal/adapters/boltqueue"
	"github.com/bft-labs/niftysave/internal/adapters/fs"
	subgraph "github.com/bft-labs/niftysave/internal/adapters/http"
	"github.com/bft-labs/niftysave/internal/adapters/pebblestore"
	"github.com/bft-labs/niftysave/internal/adapters/postgres"
	"github.com/bft-labs/niftysave/internal/app"
	"github.com/bft-labs/niftysave/internal/cliconfig"
	"github.com/bft-labs/niftysave/internal/domain"
	"github.com/bft-labs/niftysave/internal/metrics"
	"github.com/bft-labs/niftysave/internal/ports"
)

// pipeline holds every wired component for one process.
type pipeline struct {
	ops     *app.Operations
	runner  *app.Runner
	metrics *metrics.Metrics

	closers []func() error
}

// openPipeline opens the queue, store and cursor named by cfg and wires the
// pipeline steps on top of them. Close releases everything it opened.
func openPipeline(ctx context.Context, cfg cliconfig.Config, logger ports.Logger) (*pipeline, error) {
	p := &pipeline{metrics: metrics.New()}
	clock := ports.SystemClock{}

	store, cursors, err := p.openStore(ctx, cfg)
	if err != nil {
		p.Close()
		return nil, err
	}

	queue, err := boltqueue.Open(filepath.Join(cfg.DataDir, "queue.db"),
		boltqueue.WithDedupWindow(cfg.DedupWindow),
		boltqueue.WithLogger(logger))
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}
	p.closers = append(p.closers, queue.Close)

	source := subgraph.NewSubgraphSource(subgraph.SubgraphConfig{
		URL:               cfg.SubgraphURL,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}, &http.Client{Timeout: cfg.HTTPTimeout}, logger)

	filler := app.NewQueueFiller(app.FillerConfig{
		DomainStart: cfg.DomainStart,
		DomainEnd:   cfg.DomainEnd,
		SliceWidth:  cfg.SliceWidth,
		SettleLag:   cfg.SettleLag,
	}, queue, cursors, clock, logger, p.metrics)

	fanout := app.NewFanOutExecutor(app.FanOutConfig{
		MaxRecordsPerExecute: cfg.MaxRecordsPerExecute,
	}, source, store, domain.Bisect{MinWidth: cfg.MinSliceWidth, Resolution: time.Second}, clock, logger, p.metrics)

	executor := app.NewSliceExecutor(app.ExecutorConfig{
		PageSize:          cfg.PageSize,
		VisibilityTimeout: cfg.VisibilityTimeout,
	}, source, store, queue, clock, logger, p.metrics)

	worker := app.NewWorker(app.WorkerConfig{
		VisibilityTimeout: cfg.VisibilityTimeout,
		Concurrency:       cfg.Concurrency,
		MaxAttempts:       cfg.MaxAttempts,
	}, queue, fanout, executor, logger, p.metrics)

	sweeper := app.NewPurgeSupervisor(app.PurgeConfig{
		MaxAttempts: cfg.MaxAttempts,
		MaxAge:      cfg.MaxAge,
	}, queue, store, clock, logger, p.metrics)

	reporter := app.NewHealthReporter(app.HealthConfig{
		DomainStart:       cfg.DomainStart,
		FailureWindow:     cfg.FailureWindow,
		MaxOldestUnacked:  cfg.MaxOldestUnacked,
		MaxCursorLag:      cfg.MaxCursorLag,
		MaxRecentFailures: cfg.MaxRecentFailures,
	}, queue, store, cursors, clock, p.metrics)

	p.ops = &app.Operations{
		Filler:           filler,
		Worker:           worker,
		Sweeper:          sweeper,
		Reporter:         reporter,
		Store:            store,
		DefaultBatch:     cfg.BatchSize,
		DefaultMaxSlices: cfg.MaxSlicesPerRun,
	}

	p.runner, err = app.NewRunner(app.RunnerConfig{
		FillSchedule:   cfg.FillSchedule,
		PurgeSchedule:  cfg.PurgeSchedule,
		HealthInterval: cfg.HealthInterval,
		IdleBackoffMax: cfg.IdleBackoff,
		Tuning:         cfg.Tuning(),
	}, filler, worker, sweeper, reporter, clock, logger, p.metrics)
	if err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *pipeline) openStore(ctx context.Context, cfg cliconfig.Config) (ports.IngestStore, ports.CursorRepository, error) {
	switch cfg.Store {
	case cliconfig.StorePostgres:
		s, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		p.closers = append(p.closers, s.Close)
		return s, s, nil
	default:
		s, err := pebblestore.Open(filepath.Join(cfg.DataDir, "store"))
		if err != nil {
			return nil, nil, err
		}
		p.closers = append(p.closers, s.Close)
		return s, fs.NewCursorFileRepository(cfg.DataDir), nil
	}
}

// Close releases resources in reverse order of opening.
func (p *pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}
