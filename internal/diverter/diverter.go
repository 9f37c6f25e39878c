// Package diverter drives the bank of per-class diversion servos (§4.C).
// Each class owns an independent Driver with its own lock, so activating
// the apple diverter never blocks the pear diverter.
package diverter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visifruit/core/internal/actuator"
	"github.com/visifruit/core/internal/config"
	"github.com/visifruit/core/internal/corekind"
	"github.com/visifruit/core/internal/hal"
	"github.com/visifruit/core/internal/timeutil"
)

// smoothStepDelay is the pause between each interpolation step of a smooth
// return sweep. The overall sweep duration is therefore
// smoothStepDelay * SmoothSteps, layered on top of HoldDuration.
const smoothStepDelay = 5 * time.Millisecond

// servoPulseMinMs and servoPulseMaxMs are the standard hobby-servo pulse
// widths for 0 and 180 degrees at a 20ms (50Hz) frame, used to turn the
// calibration's angle-in-degrees fields into a PWM duty cycle.
const (
	servoPulseMinMs = 1.0
	servoPulseMaxMs = 2.0
	servoFrameMs    = 20.0
)

func angleToDuty(angleDeg float64) float64 {
	frac := angleDeg / 180.0
	pulseMs := servoPulseMinMs + frac*(servoPulseMaxMs-servoPulseMinMs)
	return pulseMs / servoFrameMs
}

// Command is one accepted diversion activation.
type Command struct {
	ID       uuid.UUID
	Class    config.FruitClass
	FiredAt  time.Time
}

// Driver owns one class's diversion servo.
type Driver struct {
	class config.FruitClass
	cfg   config.DiverterConfig
	pin   hal.Pin
	freqHz float64

	h     hal.HAL
	clock timeutil.Clock
	blobs actuator.BlobStore

	retryMaxAttempts int
	retryBackoffBase time.Duration

	mu      sync.Mutex
	state   actuator.State
	health  actuator.Health
	limiter *actuator.RateLimiter
}

func newDriver(class config.FruitClass, pin hal.Pin, freqHz float64, cfg config.DiverterConfig, h hal.HAL, clock timeutil.Clock, blobs actuator.BlobStore, retryMaxAttempts int, retryBackoffBase time.Duration) *Driver {
	return &Driver{
		class:            class,
		cfg:              cfg,
		pin:              pin,
		freqHz:           freqHz,
		h:                h,
		clock:            clock,
		blobs:            blobs,
		retryMaxAttempts: retryMaxAttempts,
		retryBackoffBase: retryBackoffBase,
		state:            actuator.Offline,
		limiter:          actuator.NewRateLimiter(clock, cfg.MaxActivationsPerMinute, time.Minute),
	}
}

// State returns the driver's current lifecycle state.
func (d *Driver) State() actuator.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Health returns a snapshot of the driver's health counters.
func (d *Driver) Health() actuator.Health {
	return d.health.Snapshot()
}

func (d *Driver) init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != actuator.Offline {
		return fmt.Errorf("diverter[%s]: %w: init called from state %s", d.class, corekind.ErrConfig, d.state)
	}
	d.state = actuator.Initializing

	if err := d.h.SetPinMode(d.pin, hal.PinConfig{Output: &hal.OutputConfig{Initial: hal.Low}}); err != nil {
		d.state = actuator.Error
		d.health.RecordFault(d.clock, err.Error())
		return fmt.Errorf("diverter[%s]: %w: %v", d.class, corekind.ErrHardwareFault, err)
	}
	if _, err := d.blobs.Load(blobKey(d.class)); err != nil {
		d.state = actuator.Error
		d.health.RecordFault(d.clock, err.Error())
		return fmt.Errorf("diverter[%s]: %w: loading calibration blob: %v", d.class, corekind.ErrConfig, err)
	}

	d.state = actuator.Idle
	return nil
}

func blobKey(class config.FruitClass) string {
	return "diverter." + class.String()
}

// Activate runs the three-phase diversion cycle: drive to the activation
// angle, hold, then either smoothly sweep back to rest or step directly,
// finally cutting PWM. Rejects with ErrEmergencyLatched, ErrBusy (already
// active or rate limited), or ErrConfig (driver disabled in calibration).
func (d *Driver) Activate(ctx context.Context) (Command, error) {
	d.mu.Lock()
	if !d.cfg.Enabled {
		d.mu.Unlock()
		return Command{}, fmt.Errorf("diverter[%s]: %w: disabled in calibration", d.class, corekind.ErrConfig)
	}
	if d.state == actuator.Emergency {
		d.mu.Unlock()
		return Command{}, fmt.Errorf("diverter[%s]: %w", d.class, corekind.ErrEmergencyLatched)
	}
	if d.state != actuator.Idle {
		d.health.RecordBusy()
		state := d.state
		d.mu.Unlock()
		return Command{}, fmt.Errorf("diverter[%s]: %w: driver is %s", d.class, corekind.ErrBusy, state)
	}
	if !d.limiter.Allow() {
		d.health.RecordBusy()
		d.mu.Unlock()
		return Command{}, fmt.Errorf("diverter[%s]: %w: rate limit exceeded", d.class, corekind.ErrBusy)
	}
	d.state = actuator.Active
	d.mu.Unlock()

	cmd := Command{ID: uuid.New(), Class: d.class, FiredAt: d.clock.Now()}

	err := actuator.Retry(d.clock, d.retryMaxAttempts, d.retryBackoffBase, func() error {
		return d.cycle(ctx)
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.state = actuator.Error
		d.health.RecordFault(d.clock, err.Error())
		return cmd, fmt.Errorf("diverter[%s]: %w: %v", d.class, corekind.ErrHardwareFault, err)
	}
	d.limiter.Record()
	d.health.RecordActivation(d.cfg.HoldDuration)
	d.state = actuator.Idle
	return cmd, nil
}

func (d *Driver) cycle(ctx context.Context) (err error) {
	defer func() {
		if stopErr := d.h.PWMStop(d.pin); err == nil {
			err = stopErr
		}
	}()

	if startErr := d.h.PWMStart(d.pin, d.freqHz, angleToDuty(d.cfg.ActivationAngleDeg)); startErr != nil {
		return startErr
	}
	if waitErr := sleepOrCancel(ctx, d.clock, d.cfg.HoldDuration); waitErr != nil {
		return waitErr
	}

	if !d.cfg.SmoothReturn {
		return d.h.PWMSetDuty(d.pin, angleToDuty(d.cfg.RestAngleDeg))
	}

	fromDuty := angleToDuty(d.cfg.ActivationAngleDeg)
	toDuty := angleToDuty(d.cfg.RestAngleDeg)
	steps := d.cfg.SmoothSteps
	for i := 1; i <= steps; i++ {
		frac := float64(i) / float64(steps)
		duty := fromDuty + (toDuty-fromDuty)*frac
		if setErr := d.h.PWMSetDuty(d.pin, duty); setErr != nil {
			return setErr
		}
		if waitErr := sleepOrCancel(ctx, d.clock, smoothStepDelay); waitErr != nil {
			return waitErr
		}
	}
	return nil
}

func sleepOrCancel(ctx context.Context, clock timeutil.Clock, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	clock.Sleep(d)
	return nil
}

// EmergencyStop forces PWM off and latches Emergency. Idempotent.
func (d *Driver) EmergencyStop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == actuator.Emergency {
		return nil
	}
	err := d.h.PWMStop(d.pin)
	d.state = actuator.Emergency
	if err != nil {
		d.health.RecordFault(d.clock, err.Error())
		return fmt.Errorf("diverter[%s]: %w: forced release during emergency stop: %v", d.class, corekind.ErrHardwareFault, err)
	}
	return nil
}

// ResetEmergency clears the Emergency latch back to Idle.
func (d *Driver) ResetEmergency() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != actuator.Emergency {
		return fmt.Errorf("diverter[%s]: %w: reset_emergency called from state %s", d.class, corekind.ErrConfig, d.state)
	}
	d.state = actuator.Idle
	return nil
}

// Bank owns one Driver per fruit class, each independently lockable so
// concurrent activations of different classes never contend.
type Bank struct {
	drivers map[config.FruitClass]*Driver
}

// PinAssignment maps each class to the HAL pin its servo is wired to.
type PinAssignment map[config.FruitClass]hal.Pin

// NewBank constructs a Driver per class in pins, initializes every one,
// and returns the resulting Bank. retryMaxAttempts/retryBackoffBase are
// shared across every class's driver.
func NewBank(h hal.HAL, clock timeutil.Clock, blobs actuator.BlobStore, cal *config.Calibration, pins PinAssignment, freqHz float64, retryMaxAttempts int, retryBackoffBase time.Duration) (*Bank, error) {
	b := &Bank{drivers: make(map[config.FruitClass]*Driver, len(pins))}
	for _, class := range config.AllClasses {
		pin, ok := pins[class]
		if !ok {
			continue
		}
		dc, ok := cal.Diverters[class]
		if !ok {
			return nil, fmt.Errorf("diverter: %w: no calibration for class %s", corekind.ErrConfig, class)
		}
		d := newDriver(class, pin, freqHz, dc, h, clock, blobs, retryMaxAttempts, retryBackoffBase)
		if err := d.init(); err != nil {
			return nil, err
		}
		b.drivers[class] = d
	}
	return b, nil
}

// Driver returns the driver for class, or nil if no pin was assigned to it.
func (b *Bank) Driver(class config.FruitClass) *Driver {
	return b.drivers[class]
}

// Activate runs the diversion cycle for class.
func (b *Bank) Activate(ctx context.Context, class config.FruitClass) (Command, error) {
	d, ok := b.drivers[class]
	if !ok {
		return Command{}, fmt.Errorf("diverter: %w: no driver assigned to class %s", corekind.ErrConfig, class)
	}
	return d.Activate(ctx)
}

// EmergencyStopAll forces every diverter in the bank off and latched.
// Returns the first error encountered, but still attempts every driver.
func (b *Bank) EmergencyStopAll() error {
	var first error
	for _, d := range b.drivers {
		if err := d.EmergencyStop(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ResetEmergencyAll clears every diverter's Emergency latch.
func (b *Bank) ResetEmergencyAll() error {
	var first error
	for _, d := range b.drivers {
		if err := d.ResetEmergency(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
