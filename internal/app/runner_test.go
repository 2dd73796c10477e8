package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/niftysave/internal/domain"
	"github.com/bft-labs/niftysave/internal/ports"
)

func newTestRunner(t *testing.T, h *harness, source ports.SubgraphSource, cfg RunnerConfig) *Runner {
	t.Helper()
	filler := newTestFiller(h, h.queue, FillerConfig{DomainStart: at(0), DomainEnd: at(300), SliceWidth: 100 * time.Second})
	worker := newTestWorker(h, source, 1000)
	purge := newTestPurge(h, PurgeConfig{})
	health := NewHealthReporter(HealthConfig{DomainStart: at(0)}, h.queue, h.store, h.cursors, h.clock, nil)

	r, err := NewRunner(cfg, filler, worker, purge, health, h.clock, mockLogger{}, nil)
	require.NoError(t, err)
	return r
}

func TestNewRunner_RejectsBadSchedule(t *testing.T) {
	h := newHarness(t)
	_, err := NewRunner(RunnerConfig{FillSchedule: "every minute", PurgeSchedule: "* * * * *"},
		nil, nil, nil, nil, h.clock, mockLogger{}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestRunner_RunOnce(t *testing.T) {
	h := newHarness(t)
	r := newTestRunner(t, h, scenarioSource(), RunnerConfig{
		FillSchedule:  "* * * * *",
		PurgeSchedule: "*/5 * * * *",
		Tuning:        Tuning{BatchSize: 2, Concurrency: 2, MaxAttempts: 5},
	})

	s, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, s.Fill.Slices)
	assert.Equal(t, 5, s.FanOut.Succeeded)
	assert.Equal(t, 5, s.Execute.Succeeded)
	assert.Equal(t, 6, s.Execute.RecordsWritten)
	assert.Empty(t, s.Purge.Purged)

	for _, sl := range []domain.TimeSlice{span(0, 50), span(50, 100), span(100, 200), span(200, 300)} {
		assert.Equal(t, domain.SliceComplete, h.completion(t, sl).Status, sl.String())
	}
}

func TestRunner_Apply(t *testing.T) {
	h := newHarness(t)
	r := newTestRunner(t, h, newMemSource(nil), RunnerConfig{FillSchedule: "* * * * *", PurgeSchedule: "* * * * *"})

	assert.Equal(t, 1, r.Tuning().BatchSize)

	r.Apply(Tuning{BatchSize: 50, Concurrency: 8, MaxSlicesPerRun: 10, MaxAttempts: 4, MaxAge: time.Hour})
	assert.Equal(t, 50, r.Tuning().BatchSize)
	assert.Equal(t, int64(8), r.worker.concurrency.Load())
	assert.Equal(t, PurgeConfig{MaxAttempts: 4, MaxAge: time.Hour}, r.purge.Limits())
}

func TestRunner_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	r := newTestRunner(t, h, newMemSource(nil), RunnerConfig{
		FillSchedule:    "* * * * *",
		PurgeSchedule:   "* * * * *",
		HealthInterval:  10 * time.Millisecond,
		IdleBackoffMax:  20 * time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return r.State() == StateRunning }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, r.Run(ctx), domain.ErrAlreadyRunning)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateStopped, r.State())
}

func TestRunner_Stop(t *testing.T) {
	h := newHarness(t)
	r := newTestRunner(t, h, newMemSource(nil), RunnerConfig{
		FillSchedule:   "* * * * *",
		PurgeSchedule:  "* * * * *",
		IdleBackoffMax: 20 * time.Millisecond,
	})
	assert.ErrorIs(t, r.Stop(), domain.ErrNotRunning)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	require.Eventually(t, func() bool { return r.State() == StateRunning }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.Stop())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
