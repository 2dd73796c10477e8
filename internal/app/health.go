package app

import (
	"context"
	"fmt"
	"time"

	"github.com/bft-labs/niftysave/internal/domain"
	"github.com/bft-labs/niftysave/internal/metrics"
	"github.com/bft-labs/niftysave/internal/ports"
)

// HealthConfig sets the thresholds a healthy pipeline stays within.
// A zero threshold is not checked.
type HealthConfig struct {
	// DomainStart stands in for the cursor before the first fill.
	DomainStart time.Time

	// FailureWindow is how far back dead letters count as recent.
	FailureWindow time.Duration

	MaxOldestUnacked  time.Duration
	MaxCursorLag      time.Duration
	MaxRecentFailures int
}

// HealthReport is a point-in-time view of the pipeline.
type HealthReport struct {
	GeneratedAt    time.Time     `json:"generated_at" yaml:"generated_at"`
	QueueDepth     int           `json:"queue_depth" yaml:"queue_depth"`
	FanOutDepth    int           `json:"fanout_depth" yaml:"fanout_depth"`
	ExecuteDepth   int           `json:"execute_depth" yaml:"execute_depth"`
	InFlight       int           `json:"in_flight" yaml:"in_flight"`
	OldestUnacked  time.Duration `json:"oldest_unacked" yaml:"oldest_unacked"`
	RecentFailures int           `json:"recent_failures" yaml:"recent_failures"`
	CursorPosition time.Time     `json:"cursor_position" yaml:"cursor_position"`
	CursorLag      time.Duration `json:"cursor_lag" yaml:"cursor_lag"`
	Healthy        bool          `json:"healthy" yaml:"healthy"`
	Reasons        []string      `json:"reasons,omitempty" yaml:"reasons,omitempty"`
}

// HealthReporter computes health reports. It never changes pipeline state.
type HealthReporter struct {
	config  HealthConfig
	queue   ports.CommandQueue
	store   ports.IngestStore
	cursors ports.CursorRepository
	clock   ports.Clock
	metrics *metrics.Metrics
}

// NewHealthReporter creates a health reporter.
func NewHealthReporter(
	config HealthConfig,
	queue ports.CommandQueue,
	store ports.IngestStore,
	cursors ports.CursorRepository,
	clock ports.Clock,
	m *metrics.Metrics,
) *HealthReporter {
	return &HealthReporter{
		config:  config,
		queue:   queue,
		store:   store,
		cursors: cursors,
		clock:   clock,
		metrics: m,
	}
}

// Report gathers queue, cursor and failure statistics and evaluates them
// against the thresholds.
func (h *HealthReporter) Report(ctx context.Context) (HealthReport, error) {
	now := h.clock.Now()

	stats, err := h.queue.Stats(ctx)
	if err != nil {
		return HealthReport{}, fmt.Errorf("queue stats: %w", err)
	}
	cursor, err := h.cursors.Load(ctx)
	if err != nil {
		return HealthReport{}, fmt.Errorf("load cursor: %w", err)
	}

	var recent []domain.DeadLetter
	if h.config.FailureWindow > 0 {
		recent, err = h.store.ListDeadLetters(ctx, now.Add(-h.config.FailureWindow))
		if err != nil {
			return HealthReport{}, fmt.Errorf("list dead letters: %w", err)
		}
	}

	r := HealthReport{
		GeneratedAt:    now,
		QueueDepth:     stats.Depth,
		FanOutDepth:    stats.ByKind[domain.KindFanOut],
		ExecuteDepth:   stats.ByKind[domain.KindExecute],
		InFlight:       stats.InFlight,
		RecentFailures: len(recent),
		CursorPosition: h.config.DomainStart.UTC(),
	}
	if stats.Depth > 0 && !stats.OldestQueued.IsZero() {
		r.OldestUnacked = now.Sub(stats.OldestQueued)
	}
	if !cursor.IsEmpty() {
		r.CursorPosition = cursor.Position
	}
	if !r.CursorPosition.IsZero() {
		r.CursorLag = max(now.Sub(r.CursorPosition), 0)
	}

	if limit := h.config.MaxOldestUnacked; limit > 0 && r.OldestUnacked > limit {
		r.Reasons = append(r.Reasons, fmt.Sprintf("oldest unacknowledged command is %s old (limit %s)", r.OldestUnacked.Round(time.Second), limit))
	}
	if limit := h.config.MaxCursorLag; limit > 0 && r.CursorLag > limit {
		r.Reasons = append(r.Reasons, fmt.Sprintf("cursor lags %s behind now (limit %s)", r.CursorLag.Round(time.Second), limit))
	}
	if limit := h.config.MaxRecentFailures; limit > 0 && r.RecentFailures > limit {
		r.Reasons = append(r.Reasons, fmt.Sprintf("%d slices failed within %s (limit %d)", r.RecentFailures, h.config.FailureWindow, limit))
	}
	r.Healthy = len(r.Reasons) == 0

	h.metrics.ObserveHealth(metrics.HealthSnapshot{
		DepthByKind: map[string]int{
			string(domain.KindFanOut):  r.FanOutDepth,
			string(domain.KindExecute): r.ExecuteDepth,
		},
		InFlight:       r.InFlight,
		OldestUnacked:  r.OldestUnacked,
		CursorLag:      r.CursorLag,
		RecentFailures: r.RecentFailures,
		Healthy:        r.Healthy,
	})
	return r, nil
}
