// Package belt drives the conveyor belt motor controller (§4.D): a relay
// H-bridge, a PWM H-bridge, or a step-pulsed stepper/servo drive, unified
// behind one Driver with a safety auto-stop timer.
package belt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/visifruit/core/internal/actuator"
	"github.com/visifruit/core/internal/corekind"
	"github.com/visifruit/core/internal/hal"
	"github.com/visifruit/core/internal/timeutil"
)

// Variant selects the belt's physical drive mechanism.
type Variant int

const (
	RelayHBridge Variant = iota
	PWMHBridge
	StepPulsed
)

func (v Variant) String() string {
	switch v {
	case RelayHBridge:
		return "relay_h_bridge"
	case PWMHBridge:
		return "pwm_h_bridge"
	case StepPulsed:
		return "step_pulsed"
	default:
		return "unknown"
	}
}

// Direction is the belt's direction of travel.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

// HardwareConfig wires a Driver to concrete HAL pins.
type HardwareConfig struct {
	Variant Variant

	// RelayHBridge: ForwardPin/ReversePin are driven High to engage that
	// direction's relay, mutually exclusive.
	ForwardPin hal.Pin
	ReversePin hal.Pin

	// PWMHBridge: EnablePin carries the speed PWM; DirPin selects
	// direction.
	EnablePin hal.Pin
	DirPin    hal.Pin
	PWMFreqHz float64

	// StepPulsed: StepPin/DirPin drive a step/dir stepper interface;
	// speed is expressed as a pulse period.
	StepPin               hal.Pin
	MinStepPulsePeriodUs  int
	MaxStepPulsePeriodUs  int

	// DirectionChangeQuiescence is the mandatory pause with the belt
	// stopped before reversing direction, protecting the drivetrain from
	// a direct forward-to-reverse transition.
	DirectionChangeQuiescence time.Duration

	DefaultSafetyTimeout time.Duration

	RetryMaxAttempts int
	RetryBackoffBase time.Duration
}

// Snapshot reports the belt's externally observable state.
type Snapshot struct {
	State     actuator.State
	Direction Direction
	SpeedFrac float64
	Health    actuator.Health
}

// Driver owns the belt's lifecycle, current speed/direction, and the
// safety-timeout auto-stop timer.
type Driver struct {
	cfg   HardwareConfig
	h     hal.HAL
	clock timeutil.Clock

	mu            sync.Mutex
	state         actuator.State
	health        actuator.Health
	direction     Direction
	speedFrac     float64
	safetyTimeout time.Duration
	safetyTimer   timeutil.Timer
	stepStop      context.CancelFunc
	stepDone      chan struct{}
}

// New creates a Driver. It starts Offline; call Init before Start.
func New(h hal.HAL, clock timeutil.Clock, cfg HardwareConfig) *Driver {
	return &Driver{
		cfg:           cfg,
		h:             h,
		clock:         clock,
		state:         actuator.Offline,
		direction:     Forward,
		safetyTimeout: cfg.DefaultSafetyTimeout,
	}
}

// Snapshot returns the belt's current externally observable state.
func (d *Driver) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		State:     d.state,
		Direction: d.direction,
		SpeedFrac: d.speedFrac,
		Health:    d.health.Snapshot(),
	}
}

// Init claims the belt's HAL pins.
func (d *Driver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != actuator.Offline {
		return fmt.Errorf("belt: %w: init called from state %s", corekind.ErrConfig, d.state)
	}
	d.state = actuator.Initializing

	if err := d.configurePins(); err != nil {
		d.state = actuator.Error
		d.health.RecordFault(d.clock, err.Error())
		return fmt.Errorf("belt: %w: %v", corekind.ErrHardwareFault, err)
	}

	d.state = actuator.Idle
	return nil
}

func (d *Driver) configurePins() error {
	low := hal.PinConfig{Output: &hal.OutputConfig{Initial: hal.Low}}
	switch d.cfg.Variant {
	case RelayHBridge:
		if err := d.h.SetPinMode(d.cfg.ForwardPin, low); err != nil {
			return err
		}
		return d.h.SetPinMode(d.cfg.ReversePin, low)
	case PWMHBridge:
		if err := d.h.SetPinMode(d.cfg.EnablePin, low); err != nil {
			return err
		}
		return d.h.SetPinMode(d.cfg.DirPin, low)
	case StepPulsed:
		if err := d.h.SetPinMode(d.cfg.StepPin, low); err != nil {
			return err
		}
		return d.h.SetPinMode(d.cfg.DirPin, low)
	default:
		return fmt.Errorf("%w: unknown belt variant %d", corekind.ErrConfig, d.cfg.Variant)
	}
}

// Start begins belt motion in direction at the given speed fraction in
// [0,1], arming the safety-timeout auto-stop. Reversing direction while
// running is rejected with ErrBusy: the belt must pass through Stop first.
// When a stopped belt is started in the opposite direction from its last
// run, Start first waits DirectionChangeQuiescence.
func (d *Driver) Start(ctx context.Context, dir Direction, speedFrac float64) error {
	if err := hal.ValidateDuty(speedFrac); err != nil {
		return fmt.Errorf("belt: %w", err)
	}

	d.mu.Lock()
	if d.state == actuator.Emergency {
		d.mu.Unlock()
		return fmt.Errorf("belt: %w", corekind.ErrEmergencyLatched)
	}
	if d.state == actuator.Active && d.direction != dir {
		d.mu.Unlock()
		return fmt.Errorf("belt: %w: must Stop before reversing direction", corekind.ErrBusy)
	}
	if d.state != actuator.Idle && d.state != actuator.Active {
		state := d.state
		d.mu.Unlock()
		return fmt.Errorf("belt: %w: start called from state %s", corekind.ErrBusy, state)
	}
	var pause time.Duration
	if d.state == actuator.Idle && d.direction != dir {
		pause = d.cfg.DirectionChangeQuiescence
	}
	d.mu.Unlock()
	if pause > 0 {
		d.clock.Sleep(pause)
	}

	err := actuator.Retry(d.clock, d.cfg.RetryMaxAttempts, d.cfg.RetryBackoffBase, func() error {
		return d.drive(ctx, dir, speedFrac)
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.state = actuator.Error
		d.health.RecordFault(d.clock, err.Error())
		return fmt.Errorf("belt: %w: %v", corekind.ErrHardwareFault, err)
	}
	d.direction = dir
	d.speedFrac = speedFrac
	d.state = actuator.Active
	d.armSafetyTimer()
	return nil
}

func (d *Driver) drive(ctx context.Context, dir Direction, speedFrac float64) error {
	switch d.cfg.Variant {
	case RelayHBridge:
		on, off := d.cfg.ForwardPin, d.cfg.ReversePin
		if dir == Reverse {
			on, off = off, on
		}
		if err := d.h.Write(off, hal.Low); err != nil {
			return err
		}
		return d.h.Write(on, hal.High)

	case PWMHBridge:
		level := hal.Low
		if dir == Reverse {
			level = hal.High
		}
		if err := d.h.Write(d.cfg.DirPin, level); err != nil {
			return err
		}
		if d.speedFrac == 0 {
			return d.h.PWMStart(d.cfg.EnablePin, d.cfg.PWMFreqHz, speedFrac)
		}
		return d.h.PWMSetDuty(d.cfg.EnablePin, speedFrac)

	case StepPulsed:
		level := hal.Low
		if dir == Reverse {
			level = hal.High
		}
		if err := d.h.Write(d.cfg.DirPin, level); err != nil {
			return err
		}
		return d.startStepLoop(ctx, speedFrac)

	default:
		return fmt.Errorf("%w: unknown belt variant %d", corekind.ErrConfig, d.cfg.Variant)
	}
}

// startStepLoop launches the continuous step-pulse goroutine for
// StepPulsed belts, replacing any previously running loop.
func (d *Driver) startStepLoop(ctx context.Context, speedFrac float64) error {
	d.stopStepLoop()

	period := scaleStepPeriod(d.cfg.MinStepPulsePeriodUs, d.cfg.MaxStepPulsePeriodUs, speedFrac)
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.stepStop = cancel
	d.stepDone = done

	go func() {
		defer close(done)
		for {
			if _, err := d.h.PulseTrain(loopCtx, d.cfg.StepPin, 1, period, period/2); err != nil {
				return
			}
		}
	}()
	return nil
}

func (d *Driver) stopStepLoop() {
	if d.stepStop != nil {
		d.stepStop()
		<-d.stepDone
		d.stepStop = nil
		d.stepDone = nil
	}
}

// scaleStepPeriod maps speedFrac in [0,1] linearly onto [maxPeriod,
// minPeriod] — higher speed means a shorter pulse period.
func scaleStepPeriod(minPeriodUs, maxPeriodUs int, speedFrac float64) int {
	if speedFrac < 0 {
		speedFrac = 0
	}
	if speedFrac > 1 {
		speedFrac = 1
	}
	return maxPeriodUs - int(float64(maxPeriodUs-minPeriodUs)*speedFrac)
}

// SetSpeed changes the running belt's speed without stopping it. Only
// valid while Active.
func (d *Driver) SetSpeed(speedFrac float64) error {
	if err := hal.ValidateDuty(speedFrac); err != nil {
		return fmt.Errorf("belt: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != actuator.Active {
		return fmt.Errorf("belt: %w: set_speed called from state %s", corekind.ErrBusy, d.state)
	}

	var err error
	switch d.cfg.Variant {
	case RelayHBridge:
		// Relay drive is on/off only; speed is not adjustable.
		return fmt.Errorf("belt: %w: relay_h_bridge variant has no adjustable speed", corekind.ErrConfig)
	case PWMHBridge:
		err = d.h.PWMSetDuty(d.cfg.EnablePin, speedFrac)
	case StepPulsed:
		err = d.startStepLoop(context.Background(), speedFrac)
	}
	if err != nil {
		d.state = actuator.Error
		d.health.RecordFault(d.clock, err.Error())
		return fmt.Errorf("belt: %w: %v", corekind.ErrHardwareFault, err)
	}
	d.speedFrac = speedFrac
	return nil
}

// Stop halts the belt and returns immediately; the
// DirectionChangeQuiescence pause before a reversal is taken by the next
// Start in the opposite direction.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == actuator.Emergency {
		return fmt.Errorf("belt: %w", corekind.ErrEmergencyLatched)
	}
	if d.state != actuator.Active && d.state != actuator.Idle {
		return fmt.Errorf("belt: %w: stop called from state %s", corekind.ErrBusy, d.state)
	}
	if err := d.haltDrive(); err != nil {
		d.state = actuator.Error
		d.health.RecordFault(d.clock, err.Error())
		return fmt.Errorf("belt: %w: %v", corekind.ErrHardwareFault, err)
	}
	d.disarmSafetyTimer()
	d.speedFrac = 0
	d.state = actuator.Idle
	return nil
}

func (d *Driver) haltDrive() error {
	switch d.cfg.Variant {
	case RelayHBridge:
		if err := d.h.Write(d.cfg.ForwardPin, hal.Low); err != nil {
			return err
		}
		return d.h.Write(d.cfg.ReversePin, hal.Low)
	case PWMHBridge:
		return d.h.PWMStop(d.cfg.EnablePin)
	case StepPulsed:
		d.stopStepLoop()
		return nil
	default:
		return fmt.Errorf("%w: unknown belt variant %d", corekind.ErrConfig, d.cfg.Variant)
	}
}

// EmergencyStop forcibly halts the belt regardless of current state and
// latches Emergency. Idempotent.
func (d *Driver) EmergencyStop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == actuator.Emergency {
		return nil
	}
	err := d.haltDrive()
	d.disarmSafetyTimer()
	d.speedFrac = 0
	d.state = actuator.Emergency
	if err != nil {
		d.health.RecordFault(d.clock, err.Error())
		return fmt.Errorf("belt: %w: forced release during emergency stop: %v", corekind.ErrHardwareFault, err)
	}
	return nil
}

// ResetEmergency clears the Emergency latch back to Idle.
func (d *Driver) ResetEmergency() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != actuator.Emergency {
		return fmt.Errorf("belt: %w: reset_emergency called from state %s", corekind.ErrConfig, d.state)
	}
	d.state = actuator.Idle
	return nil
}

// SetSafetyTimeout changes how long the belt is allowed to run
// uninterrupted before auto-stopping. Re-arms the timer immediately if
// the belt is currently Active.
func (d *Driver) SetSafetyTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("belt: %w: safety timeout must be positive", corekind.ErrConfig)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.safetyTimeout = timeout
	if d.state == actuator.Active {
		d.armSafetyTimer()
	}
	return nil
}

// armSafetyTimer must be called with mu held. It replaces any existing
// safety timer with one that force-stops the belt after safetyTimeout.
func (d *Driver) armSafetyTimer() {
	d.disarmSafetyTimerLocked()
	d.safetyTimer = d.clock.AfterFunc(d.safetyTimeout, func() {
		_ = d.autoStop()
	})
}

func (d *Driver) disarmSafetyTimer() {
	d.disarmSafetyTimerLocked()
}

func (d *Driver) disarmSafetyTimerLocked() {
	if d.safetyTimer != nil {
		d.safetyTimer.Stop()
		d.safetyTimer = nil
	}
}

// autoStop is invoked from the safety timer's own goroutine when the belt
// has been running longer than its configured safety timeout without a
// fresh command resetting the timer.
func (d *Driver) autoStop() error {
	d.mu.Lock()
	if d.state != actuator.Active {
		d.mu.Unlock()
		return nil
	}
	err := d.haltDrive()
	d.speedFrac = 0
	d.health.RecordMissedDeadline()
	if err != nil {
		d.state = actuator.Error
		d.health.RecordFault(d.clock, err.Error())
	} else {
		d.state = actuator.Idle
	}
	d.mu.Unlock()
	return err
}
