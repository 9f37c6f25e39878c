// Package config loads and validates the Calibration value that parameterizes
// the timing model, spatial grouper, and drivers. Calibration is always
// replaced as a whole snapshot (see Store) — callers never see a partially
// updated value, matching the "full-snapshot swap" ownership rule.
package config

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/visifruit/core/internal/security"
)

// DefaultCalibrationPath is the canonical on-disk location for the
// calibration file when one isn't supplied explicitly.
const DefaultCalibrationPath = "config/calibration.json"

// FruitClass enumerates the classes the detector can report.
type FruitClass int

const (
	ClassUnknown FruitClass = iota
	ClassApple
	ClassPear
	ClassLemon
)

var classNames = map[FruitClass]string{
	ClassUnknown: "unknown",
	ClassApple:   "apple",
	ClassPear:    "pear",
	ClassLemon:   "lemon",
}

var namesToClass = map[string]FruitClass{
	"unknown": ClassUnknown,
	"apple":   ClassApple,
	"pear":    ClassPear,
	"lemon":   ClassLemon,
}

// AllClasses lists every class that can own a diverter, i.e. every class
// except Unknown.
var AllClasses = []FruitClass{ClassApple, ClassPear, ClassLemon}

func (c FruitClass) String() string {
	if n, ok := classNames[c]; ok {
		return n
	}
	return "unknown"
}

// MarshalJSON renders the class by name so calibration files stay readable.
func (c FruitClass) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts the class by name.
func (c *FruitClass) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	class, ok := namesToClass[s]
	if !ok {
		return fmt.Errorf("config: unknown fruit class %q", s)
	}
	*c = class
	return nil
}

// MarshalText renders the class by name; encoding/json uses it for the
// class-keyed Diverters map.
func (c FruitClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText accepts the class by name, including as a map key.
func (c *FruitClass) UnmarshalText(data []byte) error {
	class, ok := namesToClass[string(data)]
	if !ok {
		return fmt.Errorf("config: unknown fruit class %q", data)
	}
	*c = class
	return nil
}

// DedupConfig parameterizes the detection deduplicator (§4.H).
type DedupConfig struct {
	IoUThreshold      float64       `json:"iou_threshold"`
	CenterDistancePx  float64       `json:"center_distance_px"`
	Window            time.Duration `json:"window"`
	MaxPerFrame       int           `json:"max_per_frame"`
	RingCapacity      int           `json:"ring_capacity"`
}

// DiverterConfig parameterizes one class's diverter servo (§4.C).
type DiverterConfig struct {
	OffsetM                 float64       `json:"offset_m"`
	RestAngleDeg            float64       `json:"rest_angle_deg"`
	ActivationAngleDeg      float64       `json:"activation_angle_deg"`
	HoldDuration            time.Duration `json:"hold_duration"`
	SmoothReturn            bool          `json:"smooth_return"`
	SmoothSteps             int           `json:"smooth_steps"`
	MaxActivationsPerMinute int           `json:"max_activations_per_minute"`
	MaxActivationTime       time.Duration `json:"max_activation_time"`
	Enabled                 bool          `json:"enabled"`
}

// LabelerConfig parameterizes the labeler driver (§4.B).
type LabelerConfig struct {
	Enabled                 bool          `json:"enabled"`
	OffsetM                 float64       `json:"offset_m"`
	MaxActivationsPerMinute int           `json:"max_activations_per_minute"`
	MaxActivationTime       time.Duration `json:"max_activation_time"`
	DefaultIntensity        float64       `json:"default_intensity"`
}

// Calibration is the full tunable parameter set of §3. It is always read
// through a Store snapshot; no field is mutated in place.
type Calibration struct {
	// Version increases monotonically on every accepted update. The
	// Control-Channel uses this to make replayed messages idempotent.
	Version uint64 `json:"version"`

	BeltSpeedMPerS  float64    `json:"belt_speed_m_per_s"`
	PixelsPerMeterX float64    `json:"pixels_per_meter_x"`
	PixelsPerMeterY float64    `json:"pixels_per_meter_y"`
	CameraOriginXM  float64    `json:"camera_origin_x_m"`
	CameraOriginYM  float64    `json:"camera_origin_y_m"`

	Labeler   LabelerConfig                `json:"labeler"`
	Diverters map[FruitClass]DiverterConfig `json:"diverters"`

	ClusterEpsM         float64 `json:"cluster_eps_m"`
	ClusterMinSamples   int     `json:"cluster_min_samples"`
	RowToleranceM       float64 `json:"row_tolerance_m"`
	MinFruitExtentM     float64 `json:"min_fruit_extent_m"`

	BaseActivation         time.Duration `json:"base_activation"`
	PerFruitExtra          time.Duration `json:"per_fruit_extra"`
	SafetyMargin           time.Duration `json:"safety_margin"`
	HighDensityThreshold   float64       `json:"high_density_threshold"`
	DispatchSlack          time.Duration `json:"dispatch_slack"`

	BeltSafetyTimeout time.Duration `json:"belt_safety_timeout"`

	Dedup DedupConfig `json:"dedup"`
}

// Validate checks that every field is within the domain the timing model
// and drivers require. Out-of-domain calibration is a ConfigError (§7):
// fatal at construction, never silently clamped.
func (c *Calibration) Validate() error {
	if c.BeltSpeedMPerS <= 0 {
		return fmt.Errorf("config: belt_speed_m_per_s must be positive, got %v", c.BeltSpeedMPerS)
	}
	if c.PixelsPerMeterX <= 0 || c.PixelsPerMeterY <= 0 {
		return fmt.Errorf("config: pixels_per_meter must be positive")
	}
	if c.ClusterEpsM <= 0 {
		return fmt.Errorf("config: cluster_eps_m must be positive, got %v", c.ClusterEpsM)
	}
	if c.ClusterMinSamples < 1 {
		return fmt.Errorf("config: cluster_min_samples must be >= 1, got %d", c.ClusterMinSamples)
	}
	if c.RowToleranceM <= 0 {
		return fmt.Errorf("config: row_tolerance_m must be positive")
	}
	if c.MinFruitExtentM <= 0 {
		return fmt.Errorf("config: min_fruit_extent_m must be positive")
	}
	if c.BaseActivation <= 0 {
		return fmt.Errorf("config: base_activation must be positive")
	}
	if c.SafetyMargin < 0 {
		return fmt.Errorf("config: safety_margin must be non-negative")
	}
	if c.HighDensityThreshold <= 0 {
		return fmt.Errorf("config: high_density_threshold must be positive")
	}
	if c.Labeler.Enabled && c.Labeler.MaxActivationsPerMinute <= 0 {
		return fmt.Errorf("config: labeler.max_activations_per_minute is required and must be positive")
	}
	if c.Labeler.Enabled && c.Labeler.MaxActivationTime <= 0 {
		return fmt.Errorf("config: labeler.max_activation_time must be positive")
	}
	for _, class := range AllClasses {
		d, ok := c.Diverters[class]
		if !ok {
			return fmt.Errorf("config: missing diverter configuration for %s", class)
		}
		if d.Enabled && d.MaxActivationsPerMinute <= 0 {
			return fmt.Errorf("config: diverter[%s].max_activations_per_minute is required and must be positive", class)
		}
		if d.SmoothReturn && (d.SmoothSteps < 1) {
			return fmt.Errorf("config: diverter[%s].smooth_steps must be >= 1 when smooth_return is set", class)
		}
		if d.HoldDuration < 0 {
			return fmt.Errorf("config: diverter[%s].hold_duration must be non-negative", class)
		}
	}
	if c.Dedup.Window <= 0 {
		return fmt.Errorf("config: dedup.window must be positive")
	}
	if c.Dedup.IoUThreshold < 0 || c.Dedup.IoUThreshold > 1 {
		return fmt.Errorf("config: dedup.iou_threshold must be in [0,1]")
	}
	if c.Dedup.MaxPerFrame < 1 {
		return fmt.Errorf("config: dedup.max_per_frame must be >= 1")
	}
	return nil
}

// Clone returns a deep copy of c so a caller can mutate fields before
// submitting the result back through a Store.
func (c *Calibration) Clone() *Calibration {
	clone := *c
	clone.Diverters = make(map[FruitClass]DiverterConfig, len(c.Diverters))
	for k, v := range c.Diverters {
		clone.Diverters[k] = v
	}
	return &clone
}

// LoadCalibration reads and validates a Calibration from a JSON file. The
// path is checked against directory traversal before being opened, the same
// discipline the teacher's tuning loader applies to its own config file.
func LoadCalibration(path, safeDir string) (*Calibration, error) {
	if safeDir != "" {
		if err := security.ValidatePathWithinDirectory(path, safeDir); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	data, err := readFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read calibration file: %w", err)
	}

	cal := &Calibration{}
	if err := json.Unmarshal(data, cal); err != nil {
		return nil, fmt.Errorf("config: failed to parse calibration JSON: %w", err)
	}
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	return cal, nil
}

// Store holds the live Calibration snapshot shared read-only across the
// scheduling passes of the orchestrator. Swap is atomic: any in-flight pass
// observes either the entirely old value or the entirely new one, never a
// mix of the two.
type Store struct {
	v atomic.Pointer[Calibration]
}

// NewStore creates a Store seeded with the given initial snapshot.
func NewStore(initial *Calibration) *Store {
	s := &Store{}
	s.v.Store(initial)
	return s
}

// Load returns the current Calibration snapshot.
func (s *Store) Load() *Calibration {
	return s.v.Load()
}

// Swap atomically replaces the snapshot after validating it, returning an
// error (and leaving the old snapshot in place) if the new value is invalid.
func (s *Store) Swap(next *Calibration) error {
	if err := next.Validate(); err != nil {
		return err
	}
	s.v.Store(next)
	return nil
}
