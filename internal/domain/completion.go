package domain

import "time"

// SliceStatus is the lifecycle state of a fanned-out slice.
type SliceStatus string

const (
	// SlicePending has executable work queued or running.
	SlicePending SliceStatus = "pending"

	// SliceSplit was too dense to execute and handed its work to child slices.
	SliceSplit SliceStatus = "split"

	// SliceComplete has had every page ingested.
	SliceComplete SliceStatus = "complete"

	// SliceFailed was given up on by the purge sweep.
	SliceFailed SliceStatus = "failed"
)

// SliceCompletion tracks one slice. Transitions are written so that replaying
// any of them, in any order a redelivering queue can produce, never loses a
// completed slice:
//
//	(none)  -> Pending | Split
//	Pending -> Split | Complete | Failed
//	Failed  -> Complete
//
// Complete is terminal.
type SliceCompletion struct {
	Slice     TimeSlice   `json:"slice"`
	Status    SliceStatus `json:"status"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// NewSliceCompletion returns a Pending row for slice.
func NewSliceCompletion(slice TimeSlice, now time.Time) SliceCompletion {
	return SliceCompletion{Slice: slice, Status: SlicePending, UpdatedAt: now.UTC()}
}

// MarkSplit records that the slice's work moved to its children.
func (c SliceCompletion) MarkSplit(now time.Time) SliceCompletion {
	if c.Status != SlicePending && c.Status != "" {
		return c
	}
	c.Status = SliceSplit
	c.UpdatedAt = now.UTC()
	return c
}

// MarkComplete records that the final page was written.
func (c SliceCompletion) MarkComplete(now time.Time) SliceCompletion {
	if c.Status == SliceComplete {
		return c
	}
	c.Status = SliceComplete
	c.UpdatedAt = now.UTC()
	return c
}

// RecordFailure counts a failed attempt without changing the status.
func (c SliceCompletion) RecordFailure(err error, now time.Time) SliceCompletion {
	if c.Status == SliceComplete {
		return c
	}
	c.Attempts++
	if err != nil {
		c.LastError = err.Error()
	}
	c.UpdatedAt = now.UTC()
	return c
}

// MarkFailed records that the purge sweep gave up on the slice. A slice that
// already completed (for example through a straggling redelivery) stays complete.
func (c SliceCompletion) MarkFailed(lastError string, now time.Time) SliceCompletion {
	if c.Status == SliceComplete || c.Status == SliceSplit {
		return c
	}
	c.Status = SliceFailed
	if lastError != "" {
		c.LastError = lastError
	}
	c.UpdatedAt = now.UTC()
	return c
}
