package ports

import (
	"context"

	"github.com/bft-labs/niftysave/internal/domain"
)

// UnknownCount is reported in Page.ApproxCount when the source cannot
// estimate the size of a slice.
const UnknownCount = -1

// Page is one page of entities for a slice.
type Page struct {
	Entities []domain.Entity

	// NextCursor is empty on the last page.
	NextCursor domain.Cursor

	// ApproxCount estimates the total entities in the slice, or UnknownCount.
	ApproxCount int
}

// SubgraphSource queries the external indexer for entities minted within a
// time slice. Pagination is stable: the same (slice, cursor) yields the same
// page as long as the underlying data does not change.
type SubgraphSource interface {
	Query(ctx context.Context, slice domain.TimeSlice, cursor domain.Cursor, pageSize int) (Page, error)
}
