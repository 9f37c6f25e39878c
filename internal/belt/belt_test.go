package belt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visifruit/core/internal/actuator"
	"github.com/visifruit/core/internal/corekind"
	"github.com/visifruit/core/internal/hal"
	"github.com/visifruit/core/internal/timeutil"
)

func newTestDriver(t *testing.T, variant Variant) (*Driver, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	simHAL := hal.NewSimHAL(clock)
	cfg := HardwareConfig{
		Variant:                   variant,
		ForwardPin:                1,
		ReversePin:                2,
		EnablePin:                 3,
		DirPin:                    4,
		PWMFreqHz:                 500,
		StepPin:                   5,
		MinStepPulsePeriodUs:      200,
		MaxStepPulsePeriodUs:      2000,
		DirectionChangeQuiescence: 50 * time.Millisecond,
		DefaultSafetyTimeout:      time.Minute,
		RetryMaxAttempts:          2,
		RetryBackoffBase:          time.Millisecond,
	}
	d := New(simHAL, clock, cfg)
	require.NoError(t, d.Init())
	return d, clock
}

func TestDriver_StartRelayEngagesForwardRelay(t *testing.T) {
	d, _ := newTestDriver(t, RelayHBridge)
	require.NoError(t, d.Start(context.Background(), Forward, 1.0))
	snap := d.Snapshot()
	assert.Equal(t, actuator.Active, snap.State)
	assert.Equal(t, Forward, snap.Direction)
}

func TestDriver_StopReturnsToIdle(t *testing.T) {
	d, _ := newTestDriver(t, PWMHBridge)
	require.NoError(t, d.Start(context.Background(), Forward, 0.5))
	require.NoError(t, d.Stop())
	assert.Equal(t, actuator.Idle, d.Snapshot().State)
	assert.Equal(t, 0.0, d.Snapshot().SpeedFrac)
}

func TestDriver_StartRejectsDirectionChangeWithoutStop(t *testing.T) {
	d, _ := newTestDriver(t, PWMHBridge)
	require.NoError(t, d.Start(context.Background(), Forward, 0.5))
	err := d.Start(context.Background(), Reverse, 0.5)
	assert.ErrorIs(t, err, corekind.ErrBusy)
}

func TestDriver_SetSpeedRejectedOnRelayVariant(t *testing.T) {
	d, _ := newTestDriver(t, RelayHBridge)
	require.NoError(t, d.Start(context.Background(), Forward, 1.0))
	err := d.SetSpeed(0.5)
	assert.ErrorIs(t, err, corekind.ErrConfig)
}

func TestDriver_SetSpeedAdjustsPWMVariant(t *testing.T) {
	d, _ := newTestDriver(t, PWMHBridge)
	require.NoError(t, d.Start(context.Background(), Forward, 0.3))
	require.NoError(t, d.SetSpeed(0.9))
	assert.Equal(t, 0.9, d.Snapshot().SpeedFrac)
}

func TestDriver_SafetyTimeoutAutoStopsBelt(t *testing.T) {
	d, clock := newTestDriver(t, PWMHBridge)
	require.NoError(t, d.SetSafetyTimeout(10 * time.Millisecond))
	require.NoError(t, d.Start(context.Background(), Forward, 0.5))

	clock.Advance(11 * time.Millisecond)
	// Allow the AfterFunc goroutine scheduled by Advance to run.
	time.Sleep(10 * time.Millisecond)

	snap := d.Snapshot()
	assert.Equal(t, actuator.Idle, snap.State)
	assert.Equal(t, uint64(1), snap.Health.MissedDeadlines)
}

func TestDriver_EmergencyStopLatchesAndBlocksStart(t *testing.T) {
	d, _ := newTestDriver(t, RelayHBridge)
	require.NoError(t, d.Start(context.Background(), Forward, 1.0))
	require.NoError(t, d.EmergencyStop())

	err := d.Start(context.Background(), Forward, 1.0)
	assert.ErrorIs(t, err, corekind.ErrEmergencyLatched)

	require.NoError(t, d.ResetEmergency())
	assert.Equal(t, actuator.Idle, d.Snapshot().State)
}

func TestScaleStepPeriod_MapsSpeedInverselyToPeriod(t *testing.T) {
	assert.Equal(t, 2000, scaleStepPeriod(200, 2000, 0))
	assert.Equal(t, 200, scaleStepPeriod(200, 2000, 1))
}

func TestDriver_StepPulsedStartsStepLoop(t *testing.T) {
	d, _ := newTestDriver(t, StepPulsed)
	require.NoError(t, d.Start(context.Background(), Forward, 0.5))
	assert.Equal(t, actuator.Active, d.Snapshot().State)
	require.NoError(t, d.Stop())
	assert.Equal(t, actuator.Idle, d.Snapshot().State)
}
