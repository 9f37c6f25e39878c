package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCalibration() *Calibration {
	return &Calibration{
		Version:         1,
		BeltSpeedMPerS:  0.15,
		PixelsPerMeterX: 800,
		PixelsPerMeterY: 800,
		Labeler: LabelerConfig{
			Enabled:                 true,
			OffsetM:                 0.80,
			MaxActivationsPerMinute: 90,
			MaxActivationTime:       2 * time.Second,
			DefaultIntensity:        1,
		},
		Diverters: map[FruitClass]DiverterConfig{
			ClassApple: {OffsetM: 0.95, Enabled: true, MaxActivationsPerMinute: 90, SmoothReturn: true, SmoothSteps: 12, MaxActivationTime: time.Second},
			ClassPear:  {OffsetM: 1.10, Enabled: true, MaxActivationsPerMinute: 90, SmoothReturn: true, SmoothSteps: 12, MaxActivationTime: time.Second},
			ClassLemon: {OffsetM: 1.25, Enabled: true, MaxActivationsPerMinute: 90, SmoothReturn: true, SmoothSteps: 12, MaxActivationTime: time.Second},
		},
		ClusterEpsM:          0.05,
		ClusterMinSamples:    1,
		RowToleranceM:        0.03,
		MinFruitExtentM:      0.06,
		BaseActivation:       200 * time.Millisecond,
		PerFruitExtra:        150 * time.Millisecond,
		SafetyMargin:         50 * time.Millisecond,
		HighDensityThreshold: 400,
		DispatchSlack:        100 * time.Millisecond,
		BeltSafetyTimeout:    30 * time.Second,
		Dedup: DedupConfig{
			IoUThreshold:     0.3,
			CenterDistancePx: 40,
			Window:           500 * time.Millisecond,
			MaxPerFrame:      64,
			RingCapacity:     256,
		},
	}
}

func TestCalibration_ValidateOK(t *testing.T) {
	require.NoError(t, validCalibration().Validate())
}

func TestCalibration_ValidateRejectsBadBeltSpeed(t *testing.T) {
	cal := validCalibration()
	cal.BeltSpeedMPerS = 0
	assert.Error(t, cal.Validate())
}

func TestCalibration_ValidateRequiresDiverterRateLimit(t *testing.T) {
	cal := validCalibration()
	d := cal.Diverters[ClassApple]
	d.MaxActivationsPerMinute = 0
	cal.Diverters[ClassApple] = d
	assert.Error(t, cal.Validate())
}

func TestCalibration_ValidateRequiresAllDiverters(t *testing.T) {
	cal := validCalibration()
	delete(cal.Diverters, ClassLemon)
	assert.Error(t, cal.Validate())
}

func TestCalibration_Clone(t *testing.T) {
	cal := validCalibration()
	clone := cal.Clone()

	d := clone.Diverters[ClassApple]
	d.OffsetM = 99
	clone.Diverters[ClassApple] = d

	assert.NotEqual(t, clone.Diverters[ClassApple].OffsetM, cal.Diverters[ClassApple].OffsetM)
}

func TestLoadCalibration_FromDefaultFile(t *testing.T) {
	cal, err := LoadCalibration("../../config/calibration.default.json", "../../config")
	require.NoError(t, err)
	assert.Equal(t, 0.15, cal.BeltSpeedMPerS)
	assert.Equal(t, 0.80, cal.Labeler.OffsetM)
	assert.Len(t, cal.Diverters, 3)
}

func TestLoadCalibration_RejectsPathOutsideSafeDir(t *testing.T) {
	_, err := LoadCalibration("/etc/passwd", "../../config")
	assert.Error(t, err)
}

func TestStore_SwapIsAtomic(t *testing.T) {
	store := NewStore(validCalibration())
	next := store.Load().Clone()
	next.Version = 2
	next.BeltSpeedMPerS = 0.2

	require.NoError(t, store.Swap(next))
	assert.Equal(t, uint64(2), store.Load().Version)
	assert.Equal(t, 0.2, store.Load().BeltSpeedMPerS)
}

func TestStore_SwapRejectsInvalid(t *testing.T) {
	store := NewStore(validCalibration())
	bad := store.Load().Clone()
	bad.BeltSpeedMPerS = -1

	err := store.Swap(bad)
	assert.Error(t, err)
	assert.Equal(t, 0.15, store.Load().BeltSpeedMPerS)
}

func TestFruitClass_JSONRoundTrip(t *testing.T) {
	for _, c := range []FruitClass{ClassUnknown, ClassApple, ClassPear, ClassLemon} {
		data, err := c.MarshalJSON()
		require.NoError(t, err)
		var got FruitClass
		require.NoError(t, got.UnmarshalJSON(data))
		assert.Equal(t, c, got)
	}
}
