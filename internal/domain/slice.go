package domain

import (
	"fmt"
	"time"
)

// TimeSlice is a half-open window [Start, End) of the event timeline.
// Its identity is the pair of boundaries; a slice is never mutated once created.
type TimeSlice struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewTimeSlice returns the slice [start, end) or ErrInvalidRange when start >= end.
func NewTimeSlice(start, end time.Time) (TimeSlice, error) {
	if !start.Before(end) {
		return TimeSlice{}, fmt.Errorf("%w: start %s is not before end %s",
			ErrInvalidRange, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return TimeSlice{Start: start.UTC(), End: end.UTC()}, nil
}

// Width returns End - Start.
func (s TimeSlice) Width() time.Duration {
	return s.End.Sub(s.Start)
}

// Contains reports whether other lies entirely within s.
func (s TimeSlice) Contains(other TimeSlice) bool {
	return !other.Start.Before(s.Start) && !other.End.After(s.End)
}

// Includes reports whether t falls inside [Start, End).
func (s TimeSlice) Includes(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End)
}

// Equal reports whether both boundaries match.
func (s TimeSlice) Equal(other TimeSlice) bool {
	return s.Start.Equal(other.Start) && s.End.Equal(other.End)
}

// Key renders the slice identity as a fixed-width, lexically sortable string.
// Store adapters use it as the primary key of slice-scoped rows.
func (s TimeSlice) Key() string {
	return fmt.Sprintf("%020d-%020d", s.Start.UnixNano(), s.End.UnixNano())
}

// String returns a human-readable representation of the slice.
func (s TimeSlice) String() string {
	return "[" + s.Start.UTC().Format(time.RFC3339) + ", " + s.End.UTC().Format(time.RFC3339) + ")"
}

// Generate partitions [domainStart, domainEnd) into consecutive slices of the
// given width. The last slice is shorter when the domain is not a whole number
// of widths. The result is ordered, contiguous and covers the domain exactly.
func Generate(domainStart, domainEnd time.Time, width time.Duration) ([]TimeSlice, error) {
	if width <= 0 {
		return nil, fmt.Errorf("%w: width %s must be positive", ErrInvalidRange, width)
	}
	if !domainStart.Before(domainEnd) {
		return nil, fmt.Errorf("%w: domain start %s is not before end %s",
			ErrInvalidRange, domainStart.Format(time.RFC3339), domainEnd.Format(time.RFC3339))
	}

	n := domainEnd.Sub(domainStart) / width
	slices := make([]TimeSlice, 0, int(n)+1)
	for start := domainStart; start.Before(domainEnd); {
		end := start.Add(width)
		if end.After(domainEnd) {
			end = domainEnd
		}
		slices = append(slices, TimeSlice{Start: start.UTC(), End: end.UTC()})
		start = end
	}
	return slices, nil
}

// AlignedEnd returns the furthest point not after end that is a whole number of
// widths away from start. It returns start when not even one width fits.
func AlignedEnd(start, end time.Time, width time.Duration) time.Time {
	if width <= 0 || !start.Before(end) {
		return start
	}
	n := end.Sub(start) / width
	return start.Add(n * width)
}
