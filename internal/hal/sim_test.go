package hal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visifruit/core/internal/timeutil"
)

func newTestSim() *SimHAL {
	return NewSimHAL(timeutil.NewMockClock(time.Unix(0, 0)))
}

func TestSimHAL_SetPinModeRejectsDoubleClaim(t *testing.T) {
	h := newTestSim()
	require.NoError(t, h.SetPinMode(1, PinConfig{Output: &OutputConfig{Initial: Low}}))
	err := h.SetPinMode(1, PinConfig{Output: &OutputConfig{Initial: Low}})
	assert.ErrorIs(t, err, ErrPinBusy)
}

func TestSimHAL_WriteRead(t *testing.T) {
	h := newTestSim()
	require.NoError(t, h.SetPinMode(2, PinConfig{Output: &OutputConfig{Initial: Low}}))
	require.NoError(t, h.Write(2, High))
	lvl, err := h.Read(2)
	require.NoError(t, err)
	assert.Equal(t, High, lvl)
}

func TestSimHAL_PWMLifecycle(t *testing.T) {
	h := newTestSim()
	require.NoError(t, h.SetPinMode(3, PinConfig{Output: &OutputConfig{Initial: Low}}))
	require.NoError(t, h.PWMStart(3, 500, 0.5))

	on, duty := h.PWMState(3)
	assert.True(t, on)
	assert.Equal(t, 0.5, duty)

	require.NoError(t, h.PWMSetDuty(3, 0.8))
	_, duty = h.PWMState(3)
	assert.Equal(t, 0.8, duty)

	require.NoError(t, h.PWMStop(3))
	on, duty = h.PWMState(3)
	assert.False(t, on)
	assert.Equal(t, 0.0, duty)
}

func TestSimHAL_PWMStartRejectsOutOfRangeDuty(t *testing.T) {
	h := newTestSim()
	require.NoError(t, h.SetPinMode(4, PinConfig{Output: &OutputConfig{Initial: Low}}))
	err := h.PWMStart(4, 500, 1.5)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestSimHAL_PulseTrainEmitsAllPulsesAndRespectsCancel(t *testing.T) {
	h := newTestSim()
	require.NoError(t, h.SetPinMode(5, PinConfig{Output: &OutputConfig{Initial: Low}}))

	emitted, err := h.PulseTrain(context.Background(), 5, 10, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, emitted)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	emitted, err = h.PulseTrain(ctx, 5, 10, 1000, 100)
	assert.Error(t, err)
	assert.Less(t, emitted, 10)
}

func TestSimHAL_OnEdgeFiresOnMatchingTransition(t *testing.T) {
	h := newTestSim()
	require.NoError(t, h.SetPinMode(6, PinConfig{Input: &InputConfig{Pull: PullDown}}))

	fired := make(chan Level, 1)
	cancel, err := h.OnEdge(6, EdgeRising, 0, func(l Level) { fired <- l })
	assert.ErrorIs(t, err, ErrEdgeUnsupported)
	defer cancel()

	h.InjectEdge(6, High)
	select {
	case l := <-fired:
		assert.Equal(t, High, l)
	case <-time.After(time.Second):
		t.Fatal("edge handler was not invoked")
	}
}

func TestSimHAL_CloseZeroesAllPins(t *testing.T) {
	h := newTestSim()
	require.NoError(t, h.SetPinMode(7, PinConfig{Output: &OutputConfig{Initial: Low}}))
	require.NoError(t, h.Write(7, High))
	require.NoError(t, h.Close())

	lvl, err := h.Read(7)
	require.NoError(t, err)
	assert.Equal(t, Low, lvl)
}

func TestSimHAL_FailPinsInjectsHardwareFault(t *testing.T) {
	h := newTestSim()
	h.FailPins[8] = ErrHardwareFault
	err := h.SetPinMode(8, PinConfig{Output: &OutputConfig{Initial: Low}})
	assert.ErrorIs(t, err, ErrHardwareFault)
}
