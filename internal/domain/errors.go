package domain

import "errors"

// Domain errors represent error conditions in the niftysave domain.
// These errors are returned by the public API and can be checked with errors.Is.
var (
	// ErrAlreadyRunning is returned when Start() is called on a running instance.
	ErrAlreadyRunning = errors.New("niftysave: already running")

	// ErrNotRunning is returned when Stop() is called on a stopped instance.
	ErrNotRunning = errors.New("niftysave: not running")

	// ErrShutdownTimeout is returned when graceful shutdown times out.
	ErrShutdownTimeout = errors.New("niftysave: shutdown timeout")

	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("niftysave: invalid configuration")
)

// Pipeline errors. Failures of the filler, the executors and the purge sweep
// wrap one of these, except cursor reads and envelope encoding.
var (
	// ErrInvalidRange is a caller configuration error and is never retried.
	ErrInvalidRange = errors.New("invalid range")

	// ErrEnqueueFailure means the queue did not accept a command. The filler
	// leaves its cursor untouched; executors leave their command unacknowledged.
	ErrEnqueueFailure = errors.New("enqueue failure")

	// ErrSourceUnavailable means the subgraph could not be queried. Retried by
	// queue redelivery, bounded by the attempt ceiling.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrStoreWriteFailure means records or slice state could not be written.
	// Retried by queue redelivery; upserts make the retry safe.
	ErrStoreWriteFailure = errors.New("store write failure")

	// ErrPermanentSliceFailure is raised by the purge sweep once a command has
	// exhausted its attempts or exceeded its maximum age, and by the worker
	// when it declines a delivery past the attempt ceiling.
	ErrPermanentSliceFailure = errors.New("permanent slice failure")
)

// IsRetryable reports whether err is a transient pipeline failure that queue
// redelivery (or the next filler run) is expected to resolve.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrEnqueueFailure) ||
		errors.Is(err, ErrSourceUnavailable) ||
		errors.Is(err, ErrStoreWriteFailure)
}

// Queue errors.
var (
	// ErrMessageNotFound is returned when a command is no longer in the queue,
	// for example because another delivery acknowledged it or purge removed it.
	ErrMessageNotFound = errors.New("message not found")

	// ErrStaleReceipt is returned when a receipt belongs to an earlier
	// delivery whose visibility timeout already lapsed.
	ErrStaleReceipt = errors.New("stale receipt")
)
