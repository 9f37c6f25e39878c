package timing

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visifruit/core/internal/config"
	"github.com/visifruit/core/internal/corekind"
	"github.com/visifruit/core/internal/grouper"
	"github.com/visifruit/core/internal/timeutil"
)

func testCalibration() *config.Calibration {
	return &config.Calibration{
		BeltSpeedMPerS:       2.0,
		BaseActivation:       50 * time.Millisecond,
		PerFruitExtra:        10 * time.Millisecond,
		SafetyMargin:         20 * time.Millisecond,
		HighDensityThreshold: 100,
		DispatchSlack:        5 * time.Millisecond,
	}
}

func TestTravelTime_ComputesSecondsFromSpeedAndClusterPosition(t *testing.T) {
	cal := testCalibration()
	d, err := TravelTime(cal, 1.0, 0.0)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, d)
}

func TestTravelTime_SubtractsClusterCentroidFromOffset(t *testing.T) {
	cal := &config.Calibration{BeltSpeedMPerS: 0.15}
	d, err := TravelTime(cal, 0.80, 0.40)
	require.NoError(t, err)
	assert.InDelta(t, 2.667*float64(time.Second), float64(d), float64(10*time.Millisecond))
}

func TestTravelTime_ReportsLateWhenClusterAlreadyPastActuator(t *testing.T) {
	cal := testCalibration()
	_, err := TravelTime(cal, 0.5, 1.0)
	assert.ErrorIs(t, err, corekind.ErrLate)
}

func TestTravelTime_RejectsNonFiniteInputs(t *testing.T) {
	cal := testCalibration()
	_, err := TravelTime(cal, math.NaN(), 0)
	assert.ErrorIs(t, err, corekind.ErrConfig)
	_, err = TravelTime(cal, math.Inf(1), 0)
	assert.ErrorIs(t, err, corekind.ErrConfig)
	_, err = TravelTime(cal, 1, math.NaN())
	assert.ErrorIs(t, err, corekind.ErrConfig)
}

func TestActivationDuration_AddsSafetyMarginUnconditionally(t *testing.T) {
	cal := &config.Calibration{
		BaseActivation:       200 * time.Millisecond,
		PerFruitExtra:        150 * time.Millisecond,
		SafetyMargin:         50 * time.Millisecond,
		HighDensityThreshold: 100,
	}
	single := grouper.Cluster{Detections: make([]grouper.Detection, 1), Density: 1, Rows: 1, Cols: 1}
	assert.Equal(t, 250*time.Millisecond, ActivationDuration(cal, single))
}

func TestActivationDuration_ScalesByRowsAndCols(t *testing.T) {
	cal := &config.Calibration{
		BaseActivation:       200 * time.Millisecond,
		PerFruitExtra:        150 * time.Millisecond,
		SafetyMargin:         50 * time.Millisecond,
		HighDensityThreshold: 100,
	}
	threeInOneColumn := grouper.Cluster{Detections: make([]grouper.Detection, 3), Density: 1, Rows: 3, Cols: 1}
	got := ActivationDuration(cal, threeInOneColumn)
	want := time.Duration(float64(550*time.Millisecond) * 1.6)
	assert.Equal(t, want, got)
}

func TestActivationDuration_AppliesHighDensityMultiplier(t *testing.T) {
	cal := testCalibration()
	dense := grouper.Cluster{Detections: make([]grouper.Detection, 1), Density: 200, Rows: 1, Cols: 1}
	sparse := grouper.Cluster{Detections: make([]grouper.Detection, 1), Density: 1, Rows: 1, Cols: 1}
	got := ActivationDuration(cal, dense)
	base := ActivationDuration(cal, sparse)
	assert.Equal(t, time.Duration(float64(base)*1.4), got)
}

func TestCompute_DerivesFireAtFromFirstFrameTimeAndRemainingTravel(t *testing.T) {
	cal := testCalibration()
	base := time.Unix(100, 0)
	cluster := grouper.Cluster{
		Detections:     make([]grouper.Detection, 1),
		FirstFrameTime: base,
		Density:        1,
		Rows:           1,
		Cols:           1,
		CentroidYM:     0.5,
	}
	sched, err := Compute(cal, cluster, 1.5)
	require.NoError(t, err)
	assert.Equal(t, base.Add(500*time.Millisecond).Add(-5*time.Millisecond), sched.FireAt)
	assert.Equal(t, cal.BaseActivation+cal.SafetyMargin, sched.Duration)
}

func TestCompute_PropagatesLateErrorWhenClusterPastOffset(t *testing.T) {
	cal := testCalibration()
	cluster := grouper.Cluster{
		Detections:     make([]grouper.Detection, 1),
		FirstFrameTime: time.Unix(100, 0),
		CentroidYM:     2.0,
	}
	_, err := Compute(cal, cluster, 1.0)
	assert.ErrorIs(t, err, corekind.ErrLate)
}

func TestLate_ReportsElapsedFireAt(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	past := Schedule{FireAt: time.Unix(50, 0)}
	future := Schedule{FireAt: time.Unix(200, 0)}
	assert.True(t, Late(clock, past))
	assert.False(t, Late(clock, future))
}
