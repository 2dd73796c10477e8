package ports

import (
	"context"
	"time"

	"github.com/bft-labs/niftysave/internal/domain"
)

// IngestStore is the persistent home of ingested records and of the
// per-slice bookkeeping the pipeline needs.
type IngestStore interface {
	// UpsertRecords writes records keyed by ID. Writing the same record
	// twice leaves the store as if it had been written once.
	UpsertRecords(ctx context.Context, records []domain.IngestRecord) error

	// GetRecord returns the record with the given ID and whether it exists.
	GetRecord(ctx context.Context, id string) (domain.IngestRecord, bool, error)

	// GetSliceCompletion returns the completion row for slice and whether it exists.
	GetSliceCompletion(ctx context.Context, slice domain.TimeSlice) (domain.SliceCompletion, bool, error)

	// SetSliceCompletion writes the completion row for c.Slice.
	SetSliceCompletion(ctx context.Context, c domain.SliceCompletion) error

	// UpdateSliceCompletion applies fn to the current row for slice (the zero
	// value with exists=false when there is none) and writes the result,
	// atomically with respect to other updates of the same slice.
	UpdateSliceCompletion(ctx context.Context, slice domain.TimeSlice, fn CompletionUpdate) (domain.SliceCompletion, error)

	// AppendDeadLetter records a purged command.
	AppendDeadLetter(ctx context.Context, dl domain.DeadLetter) error

	// ListDeadLetters returns dead letters purged at or after since, oldest first.
	ListDeadLetters(ctx context.Context, since time.Time) ([]domain.DeadLetter, error)

	Close() error
}

// CompletionUpdate computes the next completion row from the current one.
type CompletionUpdate func(current domain.SliceCompletion, exists bool) domain.SliceCompletion
