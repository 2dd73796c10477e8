package ports

import (
	"context"

	"github.com/bft-labs/niftysave/internal/domain"
)

// CursorRepository handles ingest cursor persistence.
// Implementations persist the cursor to disk (or other storage) atomically.
type CursorRepository interface {
	// Load retrieves the last saved cursor.
	// Returns an empty cursor and nil error if no cursor exists.
	// Returns an error only for actual read failures.
	Load(ctx context.Context) (domain.IngestCursor, error)

	// Save persists the cursor atomically.
	Save(ctx context.Context, cursor domain.IngestCursor) error
}
