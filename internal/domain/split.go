package domain

import "time"

// SplitStrategy decides how a slice that is too dense for a single execution
// is divided. Implementations must return children that exactly tile the
// parent, in order, or nil when the slice cannot be split any further.
type SplitStrategy interface {
	Split(parent TimeSlice) []TimeSlice
}

// Bisect splits a slice into two halves at its midpoint. Boundaries depend
// only on the parent, so a replayed command always produces the same children.
type Bisect struct {
	// MinWidth is the narrowest child Bisect will produce.
	MinWidth time.Duration

	// Resolution rounds the midpoint down to a multiple of itself (measured
	// from the parent start). Zero means no rounding.
	Resolution time.Duration
}

// Split returns [start, mid) and [mid, end), or nil when either half would be
// narrower than MinWidth.
func (b Bisect) Split(parent TimeSlice) []TimeSlice {
	half := parent.Width() / 2
	if b.Resolution > 0 {
		half = half.Truncate(b.Resolution)
	}
	if half <= 0 || half < b.MinWidth {
		return nil
	}
	mid := parent.Start.Add(half)
	if parent.End.Sub(mid) < b.MinWidth {
		return nil
	}
	return []TimeSlice{
		{Start: parent.Start, End: mid},
		{Start: mid, End: parent.End},
	}
}

var _ SplitStrategy = Bisect{}
