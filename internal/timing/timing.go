// Package timing implements the timing model (§4.G): converting a
// grouped Cluster into a concrete activation Schedule — when an actuator
// at a given belt offset must fire, and for how long — using only SI
// units and never silently clamping an out-of-domain input.
package timing

import (
	"fmt"
	"math"
	"time"

	"github.com/visifruit/core/internal/config"
	"github.com/visifruit/core/internal/corekind"
	"github.com/visifruit/core/internal/grouper"
	"github.com/visifruit/core/internal/timeutil"
)

// Schedule is the computed dispatch plan for one cluster at one actuator.
type Schedule struct {
	FireAt   time.Time
	Duration time.Duration
}

// TravelTime computes how long a point currently at clusterCentroidYM
// meters from the camera origin takes to reach an actuator offsetM
// meters downstream, at the calibrated belt speed: (offset -
// cluster_center_y) / belt_speed. Returns ErrConfig if either input is
// NaN or infinite — the timing model never clamps an out-of-domain
// distance to a plausible-looking value. A cluster already at or past
// the actuator yields a negative distance, which is not a config error:
// it is reported as ErrLate so the caller drops the cluster instead of
// firing retroactively.
func TravelTime(cal *config.Calibration, offsetM, clusterCentroidYM float64) (time.Duration, error) {
	if math.IsNaN(offsetM) || math.IsInf(offsetM, 0) {
		return 0, fmt.Errorf("timing: %w: offset_m is not finite: %v", corekind.ErrConfig, offsetM)
	}
	if math.IsNaN(clusterCentroidYM) || math.IsInf(clusterCentroidYM, 0) {
		return 0, fmt.Errorf("timing: %w: cluster center_y_m is not finite: %v", corekind.ErrConfig, clusterCentroidYM)
	}
	distanceM := offsetM - clusterCentroidYM
	seconds := distanceM / cal.BeltSpeedMPerS
	travel := time.Duration(seconds * float64(time.Second))
	if travel < 0 {
		return 0, fmt.Errorf("timing: %w: cluster already past actuator offset %v", corekind.ErrLate, offsetM)
	}
	return travel, nil
}

// ActivationDuration computes how long the actuator should stay active
// for cluster: a base duration, extended per additional corroborating
// detection in the cluster, plus the configured safety margin
// (unconditional — every activation gets it, not just dense ones), then
// scaled up for clusters that span multiple rows or columns (each extra
// row adds 30%, each extra column adds 20%) and again by 1.4x when the
// cluster's point density exceeds the high-density threshold.
func ActivationDuration(cal *config.Calibration, cluster grouper.Cluster) time.Duration {
	extra := 0
	if n := len(cluster.Detections); n > 1 {
		extra = n - 1
	}
	d := cal.BaseActivation + time.Duration(extra)*cal.PerFruitExtra + cal.SafetyMargin

	rows := cluster.Rows
	if rows < 1 {
		rows = 1
	}
	cols := cluster.Cols
	if cols < 1 {
		cols = 1
	}
	multiplier := (1 + 0.3*float64(rows-1)) * (1 + 0.2*float64(cols-1))
	if cluster.Density > cal.HighDensityThreshold {
		multiplier *= 1.4
	}
	return time.Duration(float64(d) * multiplier)
}

// Compute returns the full Schedule for cluster at an actuator offsetM
// meters downstream of the camera origin: the instant the actuator must
// fire (the cluster's first detection time, plus the remaining travel
// time from the cluster's current position to the actuator, minus the
// configured dispatch slack to account for actuation latency) and how
// long it should stay active.
func Compute(cal *config.Calibration, cluster grouper.Cluster, offsetM float64) (Schedule, error) {
	travel, err := TravelTime(cal, offsetM, cluster.CentroidYM)
	if err != nil {
		return Schedule{}, err
	}
	fireAt := cluster.FirstFrameTime.Add(travel).Add(-cal.DispatchSlack)
	return Schedule{FireAt: fireAt, Duration: ActivationDuration(cal, cluster)}, nil
}

// Late reports whether sched's fire_at instant has already elapsed as
// observed by clock — a late cluster must be dropped, never fired
// retroactively.
func Late(clock timeutil.Clock, sched Schedule) bool {
	return timeutil.Elapsed(clock, sched.FireAt)
}
