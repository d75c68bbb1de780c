package signal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal_Value(t *testing.T) {
	now := time.Now()
	boom := errors.New("sensor disconnected")

	ok := New(now, "living", 21.5)
	assert.Equal(t, 21.5, ok.Value())
	assert.False(t, ok.IsError())

	partial := Partial(now, "living", 20.0, boom)
	assert.Equal(t, 20.0, partial.Value())
	assert.True(t, partial.IsError())
	assert.ErrorIs(t, partial.Err, boom)

	failed := Failure[string, float64](now, "living", boom)
	assert.Panics(t, func() { failed.Value() })
	_, found := failed.Lookup()
	assert.False(t, found)
}

func TestPropagate(t *testing.T) {
	now := time.Now()
	boom := errors.New("bus timeout")

	in := Failure[string, float64](now, "sensor-1", boom)
	out := Propagate[string, float64, bool](in, "zone-1")

	assert.Equal(t, now, out.Timestamp)
	assert.Equal(t, "zone-1", out.Address)
	assert.Equal(t, TotalFailure, out.Status)
	assert.ErrorIs(t, out.Err, boom)
	assert.False(t, out.HasValue())
}

func TestClock(t *testing.T) {
	var c Clock
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, c.Check(t0))
	c.Advance(t0)

	require.NoError(t, c.Check(t0), "equal timestamps are allowed")
	require.NoError(t, c.Check(t0.Add(time.Second)))

	err := c.Check(t0.Add(-time.Millisecond))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClockRegression)

	last, seen := c.Last()
	assert.True(t, seen)
	assert.Equal(t, t0, last, "a rejected sample must not move the clock")
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "ok", OK.String())
	assert.Equal(t, "partial_failure", PartialFailure.String())
	assert.Equal(t, "total_failure", TotalFailure.String())
}
