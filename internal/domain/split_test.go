package domain

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBisect_Split(t *testing.T) {
	b := Bisect{MinWidth: 50 * time.Second}

	children := b.Split(TimeSlice{Start: at(0), End: at(100)})
	require.Len(t, children, 2)
	assert.True(t, children[0].Equal(TimeSlice{Start: at(0), End: at(50)}))
	assert.True(t, children[1].Equal(TimeSlice{Start: at(50), End: at(100)}))

	assert.Nil(t, b.Split(children[0]), "halves narrower than MinWidth must not be produced")
}

func TestBisect_Resolution(t *testing.T) {
	b := Bisect{MinWidth: time.Second, Resolution: time.Second}

	children := b.Split(TimeSlice{Start: at(0), End: at(7)})
	require.Len(t, children, 2)
	assert.True(t, children[0].End.Equal(at(3)))
	assert.True(t, children[1].Start.Equal(at(3)))
}

func TestBisect_NothingToSplit(t *testing.T) {
	b := Bisect{Resolution: time.Second}
	assert.Nil(t, b.Split(TimeSlice{Start: at(0), End: at(1)}))
}

func TestBisect_ChildrenTileParent(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 500; i++ {
		minWidth := time.Duration(1+rng.Intn(1000)) * time.Millisecond
		b := Bisect{MinWidth: minWidth, Resolution: time.Millisecond}
		parent := TimeSlice{Start: at(rng.Intn(10_000))}
		parent.End = parent.Start.Add(time.Duration(1+rng.Intn(100_000)) * time.Millisecond)

		children := b.Split(parent)
		if children == nil {
			assert.Less(t, parent.Width(), 2*minWidth+2*time.Millisecond)
			continue
		}
		require.Len(t, children, 2)
		assert.True(t, children[0].Start.Equal(parent.Start))
		assert.True(t, children[0].End.Equal(children[1].Start))
		assert.True(t, children[1].End.Equal(parent.End))
		for _, c := range children {
			assert.GreaterOrEqual(t, c.Width(), minWidth)
			assert.True(t, parent.Contains(c))
		}
	}
}
