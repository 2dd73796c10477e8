package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bft-labs/niftysave/internal/domain"
	"github.com/bft-labs/niftysave/internal/metrics"
	"github.com/bft-labs/niftysave/internal/ports"
)

// PurgeConfig sets when a command is given up on.
type PurgeConfig struct {
	// MaxAttempts is the highest attempt number a command may be delivered with.
	MaxAttempts int

	// MaxAge bounds how long any command may stay queued. Zero disables it.
	MaxAge time.Duration
}

// SweepResult describes one purge sweep.
type SweepResult struct {
	Scanned     int                 `json:"scanned" yaml:"scanned"`
	Purged      []domain.DeadLetter `json:"purged" yaml:"purged"`
	DedupPruned int                 `json:"dedup_pruned" yaml:"dedup_pruned"`
}

// dedupPruner is implemented by queues that keep dedup keys after
// acknowledgment.
type dedupPruner interface {
	PruneDedup(ctx context.Context) (int, error)
}

// PurgeSupervisor removes commands that exhausted their attempts or outlived
// their maximum age, marks their slices Failed and keeps a dead letter for
// each.
type PurgeSupervisor struct {
	limits  atomic.Pointer[PurgeConfig]
	queue   ports.CommandQueue
	store   ports.IngestStore
	clock   ports.Clock
	logger  ports.Logger
	metrics *metrics.Metrics
}

// NewPurgeSupervisor creates a purge supervisor.
func NewPurgeSupervisor(
	config PurgeConfig,
	queue ports.CommandQueue,
	store ports.IngestStore,
	clock ports.Clock,
	logger ports.Logger,
	m *metrics.Metrics,
) *PurgeSupervisor {
	p := &PurgeSupervisor{
		queue:   queue,
		store:   store,
		clock:   clock,
		logger:  logger,
		metrics: m,
	}
	p.SetLimits(config)
	return p
}

// SetLimits replaces the purge limits. Safe to call during a sweep; the
// sweep in progress keeps the limits it started with.
func (p *PurgeSupervisor) SetLimits(config PurgeConfig) {
	p.limits.Store(&config)
}

// Limits returns the current purge limits.
func (p *PurgeSupervisor) Limits() PurgeConfig {
	return *p.limits.Load()
}

type purgeCandidate struct {
	cmd    domain.QueuedCommand
	reason domain.PurgeReason
}

// Sweep scans the queue once and purges what it must. Failures to purge
// individual commands are joined into the returned error; the rest of the
// sweep still runs.
func (p *PurgeSupervisor) Sweep(ctx context.Context) (SweepResult, error) {
	limits := p.Limits()
	now := p.clock.Now()

	var (
		result     SweepResult
		candidates []purgeCandidate
	)
	err := p.queue.Scan(ctx, func(cmd domain.QueuedCommand) error {
		result.Scanned++
		if reason, ok := purgeReason(cmd, limits, now); ok {
			candidates = append(candidates, purgeCandidate{cmd: cmd, reason: reason})
		}
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("scan queue: %w", err)
	}

	var errs []error
	for _, c := range candidates {
		dl, purged, err := p.purge(ctx, c, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if purged {
			result.Purged = append(result.Purged, dl)
		}
	}

	if pruner, ok := p.queue.(dedupPruner); ok {
		n, err := pruner.PruneDedup(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune dedup keys: %w", err))
		}
		result.DedupPruned = n
	}

	if len(result.Purged) > 0 || len(errs) > 0 {
		p.logger.Info("purge sweep",
			ports.Int("scanned", result.Scanned),
			ports.Int("purged", len(result.Purged)),
			ports.Int("errors", len(errs)),
		)
	}
	return result, errors.Join(errs...)
}

// purgeReason decides whether cmd must be purged. A delivery past the ceiling
// is purged even while in flight; the final allowed attempt is only given up
// on once its visibility lapsed, so it is never cut short.
func purgeReason(cmd domain.QueuedCommand, limits PurgeConfig, now time.Time) (domain.PurgeReason, bool) {
	if limits.MaxAttempts > 0 {
		if cmd.Attempt > limits.MaxAttempts {
			return domain.PurgeAttemptsExhausted, true
		}
		if !cmd.InFlight && cmd.NextAttempt() > limits.MaxAttempts {
			return domain.PurgeAttemptsExhausted, true
		}
	}
	if limits.MaxAge > 0 && now.Sub(cmd.EnqueuedAt) > limits.MaxAge {
		return domain.PurgeMaxAgeExceeded, true
	}
	return "", false
}

func (p *PurgeSupervisor) purge(ctx context.Context, c purgeCandidate, now time.Time) (domain.DeadLetter, bool, error) {
	cmd := c.cmd
	if err := p.queue.Remove(ctx, cmd.ID); err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			// Acknowledged since the scan.
			return domain.DeadLetter{}, false, nil
		}
		return domain.DeadLetter{}, false, fmt.Errorf("remove %s: %w", cmd.ID, err)
	}

	dl := domain.DeadLetter{
		CommandID:  cmd.ID,
		Kind:       cmd.Kind,
		Attempt:    cmd.Attempt,
		Reason:     c.reason,
		LastError:  string(c.reason),
		EnqueuedAt: cmd.EnqueuedAt,
		PurgedAt:   now,
	}

	slice, cursor, decodeErr := cmd.Slice()
	if decodeErr != nil {
		dl.LastError = decodeErr.Error()
	} else {
		dl.Slice = slice
		dl.Cursor = cursor
		row, err := p.store.UpdateSliceCompletion(ctx, slice, func(sc domain.SliceCompletion, exists bool) domain.SliceCompletion {
			lastError := string(c.reason)
			if sc.LastError != "" {
				lastError = sc.LastError
			}
			return sc.MarkFailed(lastError, now)
		})
		if err != nil {
			return domain.DeadLetter{}, false, fmt.Errorf("mark %s failed: %w", slice, err)
		}
		if row.LastError != "" {
			dl.LastError = row.LastError
		}
	}

	if err := p.store.AppendDeadLetter(ctx, dl); err != nil {
		return domain.DeadLetter{}, false, fmt.Errorf("append dead letter %s: %w", cmd.ID, err)
	}

	p.metrics.IncPurged(string(cmd.Kind), string(c.reason))
	p.logger.Error("command purged",
		ports.Err(fmt.Errorf("%w: %s", domain.ErrPermanentSliceFailure, c.reason)),
		ports.String("id", cmd.ID),
		ports.String("kind", string(cmd.Kind)),
		ports.String("slice", dl.Slice.String()),
		ports.String("cursor", string(dl.Cursor)),
		ports.Int("attempt", cmd.Attempt),
		ports.String("last_error", dl.LastError),
	)
	return dl, true, nil
}
