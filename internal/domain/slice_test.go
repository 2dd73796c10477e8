package domain

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2021, 4, 1, 0, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return epoch.Add(time.Duration(sec) * time.Second) }

func TestGenerate_ExactMultiple(t *testing.T) {
	slices, err := Generate(at(0), at(300), 100*time.Second)
	require.NoError(t, err)
	require.Len(t, slices, 3)

	assert.True(t, slices[0].Equal(TimeSlice{Start: at(0), End: at(100)}))
	assert.True(t, slices[1].Equal(TimeSlice{Start: at(100), End: at(200)}))
	assert.True(t, slices[2].Equal(TimeSlice{Start: at(200), End: at(300)}))
}

func TestGenerate_Remainder(t *testing.T) {
	slices, err := Generate(at(0), at(250), 100*time.Second)
	require.NoError(t, err)
	require.Len(t, slices, 3)
	assert.Equal(t, 50*time.Second, slices[2].Width())
}

func TestGenerate_InvalidRange(t *testing.T) {
	tests := []struct {
		name       string
		start, end time.Time
		width      time.Duration
	}{
		{"start equals end", at(10), at(10), time.Second},
		{"start after end", at(20), at(10), time.Second},
		{"zero width", at(0), at(10), 0},
		{"negative width", at(0), at(10), -time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Generate(tt.start, tt.end, tt.width)
			assert.True(t, errors.Is(err, ErrInvalidRange), "got %v", err)
		})
	}
}

func TestGenerate_TilesRandomDomains(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		start := at(rng.Intn(1_000_000))
		end := start.Add(time.Duration(1+rng.Intn(100_000)) * time.Millisecond)
		width := time.Duration(1+rng.Intn(20_000)) * time.Millisecond

		slices, err := Generate(start, end, width)
		require.NoError(t, err)
		require.NotEmpty(t, slices)

		assert.True(t, slices[0].Start.Equal(start))
		assert.True(t, slices[len(slices)-1].End.Equal(end))
		for j, s := range slices {
			require.True(t, s.Start.Before(s.End), "slice %d empty", j)
			require.LessOrEqual(t, s.Width(), width)
			if j > 0 {
				require.True(t, slices[j-1].End.Equal(s.Start), "gap before slice %d", j)
			}
			if j < len(slices)-1 {
				require.Equal(t, width, s.Width(), "only the last slice may be short")
			}
		}
	}
}

func TestAlignedEnd(t *testing.T) {
	tests := []struct {
		name  string
		start time.Time
		end   time.Time
		width time.Duration
		want  time.Time
	}{
		{"whole widths", at(0), at(300), 100 * time.Second, at(300)},
		{"partial width dropped", at(0), at(299), 100 * time.Second, at(200)},
		{"less than one width", at(0), at(99), 100 * time.Second, at(0)},
		{"end before start", at(100), at(0), 100 * time.Second, at(100)},
		{"zero width", at(0), at(300), 0, at(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, AlignedEnd(tt.start, tt.end, tt.width).Equal(tt.want))
		})
	}
}

func TestNewTimeSlice(t *testing.T) {
	s, err := NewTimeSlice(at(0), at(1))
	require.NoError(t, err)
	assert.Equal(t, time.Second, s.Width())

	_, err = NewTimeSlice(at(1), at(1))
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestTimeSlice_ContainsAndIncludes(t *testing.T) {
	parent := TimeSlice{Start: at(0), End: at(100)}

	assert.True(t, parent.Contains(TimeSlice{Start: at(0), End: at(50)}))
	assert.True(t, parent.Contains(parent))
	assert.False(t, parent.Contains(TimeSlice{Start: at(50), End: at(101)}))

	assert.True(t, parent.Includes(at(0)))
	assert.False(t, parent.Includes(at(100)))
}

func TestTimeSlice_KeySortsByStart(t *testing.T) {
	a := TimeSlice{Start: at(5), End: at(10)}
	b := TimeSlice{Start: at(50), End: at(60)}
	assert.Less(t, a.Key(), b.Key())
	assert.Equal(t, a.Key(), TimeSlice{Start: at(5), End: at(10)}.Key())
}
