package actuator

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visifruit/core/internal/timeutil"
)

func TestHealth_RecordActivationAccumulates(t *testing.T) {
	h := &Health{}
	h.RecordActivation(250 * time.Millisecond)
	h.RecordActivation(250 * time.Millisecond)

	snap := h.Snapshot()
	assert.Equal(t, uint64(2), snap.Activations)
	assert.Equal(t, 500*time.Millisecond, snap.TotalActiveTime)
	assert.Greater(t, snap.WearScore, 0.0)
}

func TestHealth_RecordFault(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	h := &Health{}
	h.RecordFault(clock, "boom")

	snap := h.Snapshot()
	assert.Equal(t, uint64(1), snap.Errors)
	assert.Equal(t, "boom", snap.LastFault)
	assert.Equal(t, clock.Now(), snap.LastFaultAt)
}

func TestRateLimiter_AllowsUpToMaxPerWindow(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	rl := NewRateLimiter(clock, 2, time.Minute)

	assert.True(t, rl.Allow())
	rl.Record()
	assert.True(t, rl.Allow())
	rl.Record()
	assert.False(t, rl.Allow())
}

func TestRateLimiter_PrunesOldEventsOutsideWindow(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	rl := NewRateLimiter(clock, 1, time.Minute)

	rl.Record()
	assert.False(t, rl.Allow())

	clock.Advance(61 * time.Second)
	assert.True(t, rl.Allow())
}

func TestRetry_SucceedsWithinBudget(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	attempts := 0
	err := Retry(clock, 3, time.Millisecond, func() error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetry_ExhaustsBudgetAndReturnsLastError(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	attempts := 0
	err := Retry(clock, 3, time.Millisecond, func() error {
		attempts++
		return errors.New("persistent")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		Offline:      "offline",
		Initializing: "initializing",
		Idle:         "idle",
		Active:       "active",
		Calibrating:  "calibrating",
		Error:        "error",
		Emergency:    "emergency",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}
