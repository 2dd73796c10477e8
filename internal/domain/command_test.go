package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupKey_DependsOnBoundariesAndCursor(t *testing.T) {
	s := TimeSlice{Start: at(0), End: at(100)}

	a := ExecuteCommand{Slice: s, Attempt: 1}
	b := ExecuteCommand{Slice: s, Attempt: 4}
	c := ExecuteCommand{Slice: s, Cursor: "c1", Attempt: 1}
	f := FanOutCommand{Slice: s, Attempt: 1}

	assert.Equal(t, a.DedupKey(), b.DedupKey(), "attempt must not change the key")
	assert.NotEqual(t, a.DedupKey(), c.DedupKey())
	assert.NotEqual(t, a.DedupKey(), f.DedupKey())
}

func TestEnvelope_RoundTripsThroughDelivery(t *testing.T) {
	cmd := ExecuteCommand{Slice: TimeSlice{Start: at(0), End: at(50)}, Cursor: "c1", Attempt: 1}
	env, err := cmd.Envelope()
	require.NoError(t, err)
	assert.Equal(t, KindExecute, env.Kind)
	assert.Equal(t, 1, env.Attempt)

	d := Delivery{ID: "m1", Kind: env.Kind, Payload: env.Payload, Attempt: 3}
	got, err := d.Execute()
	require.NoError(t, err)
	assert.True(t, got.Slice.Equal(cmd.Slice))
	assert.Equal(t, Cursor("c1"), got.Cursor)
	assert.Equal(t, 3, got.Attempt, "delivery attempt wins")

	_, err = d.FanOut()
	assert.Error(t, err)
}

func TestDelivery_RejectsInvalidSlice(t *testing.T) {
	d := Delivery{ID: "m1", Kind: KindFanOut, Payload: []byte(`{"slice":{"start":"2021-04-01T00:01:00Z","end":"2021-04-01T00:00:00Z"}}`)}
	_, err := d.FanOut()
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestQueuedCommand_NextAttempt(t *testing.T) {
	assert.Equal(t, 1, QueuedCommand{Attempt: 1}.NextAttempt())
	assert.Equal(t, 3, QueuedCommand{Attempt: 2, Receives: 2}.NextAttempt())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrSourceUnavailable))
	assert.True(t, IsRetryable(ErrStoreWriteFailure))
	assert.True(t, IsRetryable(ErrEnqueueFailure))
	assert.False(t, IsRetryable(ErrInvalidRange))
	assert.False(t, IsRetryable(ErrPermanentSliceFailure))
	assert.False(t, IsRetryable(nil))
}
