package ports

import (
	"context"
	"time"

	"github.com/bft-labs/niftysave/internal/domain"
)

// CommandQueue is a durable, at-least-once queue of pipeline commands.
//
// A received command stays invisible to other consumers until its visibility
// timeout expires; if it has not been acknowledged by then it is delivered
// again with its attempt number incremented. The visibility timeout is the
// only retry and crash-recovery mechanism in the pipeline.
type CommandQueue interface {
	// Enqueue stores the envelopes atomically: either every envelope is
	// accepted or none is. Envelopes whose dedup key is already live (queued,
	// in flight, or acknowledged within the dedup window) are skipped.
	Enqueue(ctx context.Context, envelopes ...domain.Envelope) error

	// Receive returns up to maxBatch visible commands of the given kind and
	// hides them for visibility.
	Receive(ctx context.Context, kind domain.CommandKind, maxBatch int, visibility time.Duration) ([]domain.Delivery, error)

	// Acknowledge deletes a delivered command. It returns
	// domain.ErrMessageNotFound when the command is already gone.
	Acknowledge(ctx context.Context, id string) error

	// ExtendVisibility pushes the visibility deadline of the delivery
	// identified by receipt to d from now. It fails with domain.ErrStaleReceipt
	// once that delivery's timeout has lapsed.
	ExtendVisibility(ctx context.Context, receipt string, d time.Duration) error

	// Scan visits every stored command, visible or not. Returning an error
	// from fn stops the scan.
	Scan(ctx context.Context, fn func(domain.QueuedCommand) error) error

	// Remove deletes a command regardless of its visibility.
	Remove(ctx context.Context, id string) error

	// Stats summarizes the queue.
	Stats(ctx context.Context) (domain.QueueStats, error)
}
