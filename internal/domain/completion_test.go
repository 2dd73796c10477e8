package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSliceCompletion_Transitions(t *testing.T) {
	slice := TimeSlice{Start: at(0), End: at(100)}
	now := at(1000)
	boom := errors.New("boom")

	tests := []struct {
		name  string
		apply func(SliceCompletion) SliceCompletion
		from  SliceStatus
		want  SliceStatus
	}{
		{"none to split", func(c SliceCompletion) SliceCompletion { return c.MarkSplit(now) }, "", SliceSplit},
		{"pending to split", func(c SliceCompletion) SliceCompletion { return c.MarkSplit(now) }, SlicePending, SliceSplit},
		{"pending to complete", func(c SliceCompletion) SliceCompletion { return c.MarkComplete(now) }, SlicePending, SliceComplete},
		{"failed to complete", func(c SliceCompletion) SliceCompletion { return c.MarkComplete(now) }, SliceFailed, SliceComplete},
		{"pending to failed", func(c SliceCompletion) SliceCompletion { return c.MarkFailed("gone", now) }, SlicePending, SliceFailed},
		{"complete stays on failed", func(c SliceCompletion) SliceCompletion { return c.MarkFailed("gone", now) }, SliceComplete, SliceComplete},
		{"complete stays on split", func(c SliceCompletion) SliceCompletion { return c.MarkSplit(now) }, SliceComplete, SliceComplete},
		{"split stays on failed", func(c SliceCompletion) SliceCompletion { return c.MarkFailed("gone", now) }, SliceSplit, SliceSplit},
		{"failure keeps status", func(c SliceCompletion) SliceCompletion { return c.RecordFailure(boom, now) }, SlicePending, SlicePending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := SliceCompletion{Slice: slice, Status: tt.from}
			assert.Equal(t, tt.want, tt.apply(c).Status)
		})
	}
}

func TestSliceCompletion_RecordFailure(t *testing.T) {
	c := NewSliceCompletion(TimeSlice{Start: at(0), End: at(1)}, at(0))
	c = c.RecordFailure(errors.New("timeout"), at(1))
	c = c.RecordFailure(errors.New("503"), at(2))

	assert.Equal(t, 2, c.Attempts)
	assert.Equal(t, "503", c.LastError)
	assert.True(t, c.UpdatedAt.Equal(at(2)))

	done := c.MarkComplete(at(3)).RecordFailure(errors.New("late"), at(4))
	assert.Equal(t, SliceComplete, done.Status)
	assert.Equal(t, 2, done.Attempts)
}

func TestSliceCompletion_ReplayCommutes(t *testing.T) {
	start := NewSliceCompletion(TimeSlice{Start: at(0), End: at(1)}, at(0))

	a := start.MarkComplete(at(1)).MarkFailed("stale", at(2))
	b := start.MarkFailed("stale", at(1)).MarkComplete(at(2))

	assert.Equal(t, SliceComplete, a.Status)
	assert.Equal(t, SliceComplete, b.Status)
}
