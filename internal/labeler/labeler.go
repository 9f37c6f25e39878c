// Package labeler drives the single labeler actuator (§4.B): a solenoid
// stamp, a servo arm, or a stepper-driven applicator, all presented through
// one Driver behind the shared actuator state machine.
package labeler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visifruit/core/internal/actuator"
	"github.com/visifruit/core/internal/corekind"
	"github.com/visifruit/core/internal/hal"
	"github.com/visifruit/core/internal/timeutil"
)

// Variant selects which physical actuator the labeler drives.
type Variant int

const (
	Solenoid Variant = iota
	Servo
	Stepper
)

func (v Variant) String() string {
	switch v {
	case Solenoid:
		return "solenoid"
	case Servo:
		return "servo"
	case Stepper:
		return "stepper"
	default:
		return "unknown"
	}
}

// HardwareConfig wires a Driver to concrete HAL pins and physical limits.
// Which fields matter depends on Variant: Solenoid and Servo use Pin as a
// PWM-capable output; Stepper uses Pin as the step line and DirPin as the
// direction line.
type HardwareConfig struct {
	Variant Variant

	Pin    hal.Pin
	DirPin hal.Pin

	PWMFreqHz float64

	// Servo-only: the rest angle (as a duty fraction in [0,1]) and the
	// angle driven to during an activation.
	ServoRestDuty       float64
	ServoActivationDuty float64

	// Stepper-only: steps issued per activation and the pulse period at
	// full intensity; intensity scales the period linearly down to a
	// floor so a 0-intensity request still completes (never divides by
	// zero).
	StepsPerActivation    int
	StepPulsePeriodUs     int
	StepPulseWidthUs      int

	MaxActivationsPerMinute int
	MaxActivationTime       time.Duration

	RetryMaxAttempts  int
	RetryBackoffBase  time.Duration
	SelfTestDuration  time.Duration
	SelfTestIntensity float64
}

// Command is one accepted activation, returned to the caller (normally the
// orchestrator) for correlation with its originating cluster.
type Command struct {
	ID       uuid.UUID
	Duration time.Duration
	Intensity float64
	FiredAt  time.Time
}

// Driver owns the labeler's lifecycle, health, and rate limiting. It is
// safe for concurrent use; activations are serialized by mu exactly like
// the teacher serializes access to a single physical resource.
type Driver struct {
	cfg   HardwareConfig
	h     hal.HAL
	clock timeutil.Clock
	blobs actuator.BlobStore

	mu      sync.Mutex
	state   actuator.State
	health  actuator.Health
	limiter *actuator.RateLimiter
}

// New creates a Driver. It starts Offline; call Init before any activation.
func New(h hal.HAL, clock timeutil.Clock, blobs actuator.BlobStore, cfg HardwareConfig) *Driver {
	return &Driver{
		cfg:     cfg,
		h:       h,
		clock:   clock,
		blobs:   blobs,
		state:   actuator.Offline,
		limiter: actuator.NewRateLimiter(clock, cfg.MaxActivationsPerMinute, time.Minute),
	}
}

// State returns the current lifecycle state.
func (d *Driver) State() actuator.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Health returns a snapshot of the actuator health counters.
func (d *Driver) Health() actuator.Health {
	return d.health.Snapshot()
}

// Init claims the driver's HAL pins, runs a short self-test pulse, and
// loads the persisted calibration blob (never writes one — only calibrate
// does that), per §4.B and the §6 "core never edits blobs outside
// calibrate()" rule.
func (d *Driver) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != actuator.Offline {
		return fmt.Errorf("labeler: %w: init called from state %s", corekind.ErrConfig, d.state)
	}
	d.state = actuator.Initializing

	if err := d.configurePins(); err != nil {
		d.state = actuator.Error
		d.health.RecordFault(d.clock, err.Error())
		return fmt.Errorf("labeler: %w: %v", corekind.ErrHardwareFault, err)
	}

	if _, err := d.blobs.Load("labeler"); err != nil {
		d.state = actuator.Error
		d.health.RecordFault(d.clock, err.Error())
		return fmt.Errorf("labeler: %w: loading calibration blob: %v", corekind.ErrConfig, err)
	}

	if err := d.selfTest(); err != nil {
		d.state = actuator.Error
		d.health.RecordFault(d.clock, err.Error())
		return fmt.Errorf("labeler: %w: self-test: %v", corekind.ErrHardwareFault, err)
	}

	d.state = actuator.Idle
	return nil
}

func (d *Driver) configurePins() error {
	switch d.cfg.Variant {
	case Solenoid, Servo:
		if err := d.h.SetPinMode(d.cfg.Pin, hal.PinConfig{Output: &hal.OutputConfig{Initial: hal.Low}}); err != nil {
			return err
		}
	case Stepper:
		if err := d.h.SetPinMode(d.cfg.Pin, hal.PinConfig{Output: &hal.OutputConfig{Initial: hal.Low}}); err != nil {
			return err
		}
		if err := d.h.SetPinMode(d.cfg.DirPin, hal.PinConfig{Output: &hal.OutputConfig{Initial: hal.Low}}); err != nil {
			return err
		}
	}
	return nil
}

// selfTest runs one short, low-intensity activation outside the normal
// rate limiter and without allocating a Command, exercising the drive
// path before the driver is advertised as Idle.
func (d *Driver) selfTest() error {
	return actuator.Retry(d.clock, d.cfg.RetryMaxAttempts, d.cfg.RetryBackoffBase, func() error {
		return d.drive(context.Background(), d.cfg.SelfTestDuration, d.cfg.SelfTestIntensity)
	})
}

// ActivateFor drives the labeler at the given intensity in [0,1]. Solenoid
// and Servo stay active for duration; Stepper issues StepsPerActivation
// pulses at an intensity-scaled period, so for it duration is only checked
// against MaxActivationTime and does not size the pulse count.
// Rejects with ErrEmergencyLatched, ErrBusy (already active or rate
// limited), or ErrConfig (duration exceeds MaxActivationTime).
func (d *Driver) ActivateFor(ctx context.Context, duration time.Duration, intensity float64) (Command, error) {
	d.mu.Lock()
	if d.state == actuator.Emergency {
		d.mu.Unlock()
		return Command{}, fmt.Errorf("labeler: %w", corekind.ErrEmergencyLatched)
	}
	if d.state != actuator.Idle {
		d.health.RecordBusy()
		state := d.state
		d.mu.Unlock()
		return Command{}, fmt.Errorf("labeler: %w: driver is %s", corekind.ErrBusy, state)
	}
	if duration > d.cfg.MaxActivationTime {
		d.mu.Unlock()
		return Command{}, fmt.Errorf("labeler: %w: duration %s exceeds max_activation_time %s", corekind.ErrConfig, duration, d.cfg.MaxActivationTime)
	}
	if !d.limiter.Allow() {
		d.health.RecordBusy()
		d.mu.Unlock()
		return Command{}, fmt.Errorf("labeler: %w: rate limit exceeded", corekind.ErrBusy)
	}
	d.state = actuator.Active
	d.mu.Unlock()

	cmd := Command{ID: uuid.New(), Duration: duration, Intensity: intensity, FiredAt: d.clock.Now()}

	err := actuator.Retry(d.clock, d.cfg.RetryMaxAttempts, d.cfg.RetryBackoffBase, func() error {
		return d.drive(ctx, duration, intensity)
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.state = actuator.Error
		d.health.RecordFault(d.clock, err.Error())
		return cmd, fmt.Errorf("labeler: %w: %v", corekind.ErrHardwareFault, err)
	}
	d.limiter.Record()
	d.health.RecordActivation(duration)
	d.state = actuator.Idle
	return cmd, nil
}

// drive performs the variant-specific physical activation and always
// leaves the actuator de-energized on return, including on error — the
// forced-release path of §4.B applies even to a single failed attempt
// inside the retry loop.
func (d *Driver) drive(ctx context.Context, duration time.Duration, intensity float64) (err error) {
	switch d.cfg.Variant {
	case Solenoid:
		defer func() {
			if stopErr := d.h.PWMStop(d.cfg.Pin); err == nil {
				err = stopErr
			}
		}()
		if startErr := d.h.PWMStart(d.cfg.Pin, d.cfg.PWMFreqHz, intensity); startErr != nil {
			return startErr
		}
		d.clock.Sleep(duration)
		return nil

	case Servo:
		defer func() {
			if stopErr := d.h.PWMSetDuty(d.cfg.Pin, d.cfg.ServoRestDuty); err == nil {
				err = stopErr
			}
		}()
		if startErr := d.h.PWMStart(d.cfg.Pin, d.cfg.PWMFreqHz, d.cfg.ServoActivationDuty); startErr != nil {
			return startErr
		}
		d.clock.Sleep(duration)
		return nil

	case Stepper:
		period := scaleStepPeriod(d.cfg.StepPulsePeriodUs, intensity)
		_, err := d.h.PulseTrain(ctx, d.cfg.Pin, d.cfg.StepsPerActivation, period, d.cfg.StepPulseWidthUs)
		return err

	default:
		return fmt.Errorf("%w: unknown labeler variant %d", corekind.ErrConfig, d.cfg.Variant)
	}
}

// scaleStepPeriod linearly scales the configured full-intensity step
// period down to a floor of 1/4 of it at intensity 0, so a zero-intensity
// stepper activation still completes in finite time instead of stalling.
func scaleStepPeriod(fullIntensityPeriodUs int, intensity float64) int {
	if intensity < 0 {
		intensity = 0
	}
	if intensity > 1 {
		intensity = 1
	}
	floor := float64(fullIntensityPeriodUs) * 0.25
	span := float64(fullIntensityPeriodUs) - floor
	return int(floor + span*intensity)
}

// EmergencyStop forces the actuator off and latches Emergency. Idempotent:
// calling it while already in Emergency is a no-op success.
func (d *Driver) EmergencyStop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == actuator.Emergency {
		return nil
	}
	var releaseErr error
	switch d.cfg.Variant {
	case Solenoid, Servo:
		releaseErr = d.h.PWMStop(d.cfg.Pin)
	case Stepper:
		releaseErr = d.h.Write(d.cfg.Pin, hal.Low)
	}
	d.state = actuator.Emergency
	if releaseErr != nil {
		d.health.RecordFault(d.clock, releaseErr.Error())
		return fmt.Errorf("labeler: %w: forced release during emergency stop: %v", corekind.ErrHardwareFault, releaseErr)
	}
	return nil
}

// ResetEmergency clears the Emergency latch back to Idle. Only valid from
// Emergency.
func (d *Driver) ResetEmergency() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != actuator.Emergency {
		return fmt.Errorf("labeler: %w: reset_emergency called from state %s", corekind.ErrConfig, d.state)
	}
	d.state = actuator.Idle
	return nil
}

// Calibrate runs the variant-specific calibration sweep and persists the
// resulting blob. Only valid from Idle.
func (d *Driver) Calibrate(ctx context.Context) error {
	d.mu.Lock()
	if d.state != actuator.Idle {
		state := d.state
		d.mu.Unlock()
		return fmt.Errorf("labeler: %w: calibrate called from state %s", corekind.ErrConfig, state)
	}
	d.state = actuator.Calibrating
	d.mu.Unlock()

	values, err := d.runCalibrationSweep(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.state = actuator.Error
		d.health.RecordFault(d.clock, err.Error())
		return fmt.Errorf("labeler: %w: calibration sweep: %v", corekind.ErrHardwareFault, err)
	}

	existing, loadErr := d.blobs.Load("labeler")
	version := 1
	if loadErr == nil && existing != nil {
		version = existing.Version + 1
	}
	if err := d.blobs.Save("labeler", &actuator.Blob{Version: version, Values: values}); err != nil {
		d.state = actuator.Error
		d.health.RecordFault(d.clock, err.Error())
		return fmt.Errorf("labeler: %w: persisting calibration blob: %v", corekind.ErrHardwareFault, err)
	}

	d.state = actuator.Idle
	return nil
}

// runCalibrationSweep performs the variant-specific calibration motion and
// returns the measured parameters to persist.
func (d *Driver) runCalibrationSweep(ctx context.Context) (map[string]float64, error) {
	switch d.cfg.Variant {
	case Solenoid:
		// Response-time sweep: a short low, medium, and full-intensity
		// pulse in sequence, timing how long the drive path takes.
		start := d.clock.Now()
		for _, intensity := range []float64{0.25, 0.5, 1.0} {
			if err := d.drive(ctx, d.cfg.SelfTestDuration, intensity); err != nil {
				return nil, err
			}
		}
		return map[string]float64{"response_time_s": d.clock.Now().Sub(start).Seconds()}, nil

	case Servo:
		// Min-max-rest walk: sweep to the activation duty, then back to
		// rest, confirming both ends of travel are reachable.
		if err := d.h.PWMStart(d.cfg.Pin, d.cfg.PWMFreqHz, d.cfg.ServoActivationDuty); err != nil {
			return nil, err
		}
		d.clock.Sleep(d.cfg.SelfTestDuration)
		if err := d.h.PWMSetDuty(d.cfg.Pin, d.cfg.ServoRestDuty); err != nil {
			return nil, err
		}
		return map[string]float64{
			"rest_duty":       d.cfg.ServoRestDuty,
			"activation_duty": d.cfg.ServoActivationDuty,
		}, nil

	case Stepper:
		// Short move in both directions, confirming the direction line
		// is wired correctly before it is trusted during production runs.
		if err := d.h.Write(d.cfg.DirPin, hal.High); err != nil {
			return nil, err
		}
		if _, err := d.h.PulseTrain(ctx, d.cfg.Pin, d.cfg.StepsPerActivation, d.cfg.StepPulsePeriodUs, d.cfg.StepPulseWidthUs); err != nil {
			return nil, err
		}
		if err := d.h.Write(d.cfg.DirPin, hal.Low); err != nil {
			return nil, err
		}
		if _, err := d.h.PulseTrain(ctx, d.cfg.Pin, d.cfg.StepsPerActivation, d.cfg.StepPulsePeriodUs, d.cfg.StepPulseWidthUs); err != nil {
			return nil, err
		}
		return map[string]float64{"steps_per_activation": float64(d.cfg.StepsPerActivation)}, nil

	default:
		return nil, fmt.Errorf("%w: unknown labeler variant %d", corekind.ErrConfig, d.cfg.Variant)
	}
}
