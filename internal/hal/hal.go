// Package hal is the Actuator HAL (§4.A): a thin, testable abstraction over
// digital GPIO, soft-PWM, and step-pulse trains. Three implementations
// satisfy the HAL contract — Sim, the Pi-5-class GPIO character-device
// driver, and a serial-bridge driver for actuator banks wired to an
// external microcontroller. Sim never blocks on external voltage, and the
// method docs below note where an implementation differs.
package hal

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Pin identifies a single GPIO line by its HAL-local number. What that
// number means (BCM GPIO number, character-device line offset, or a
// microcontroller-side pin index) is up to the implementation.
type Pin int

// Level is a digital pin level.
type Level int

const (
	Low Level = iota
	High
)

func (l Level) String() string {
	if l == High {
		return "high"
	}
	return "low"
}

// Pull is the input pin's bias resistor configuration.
type Pull int

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

// Edge selects which transition(s) an edge callback fires on.
type Edge int

const (
	EdgeRising Edge = iota
	EdgeFalling
	EdgeBoth
)

// InputConfig configures a pin set to Input mode.
type InputConfig struct {
	Pull Pull
}

// OutputConfig configures a pin set to Output mode.
type OutputConfig struct {
	Initial Level
}

// PinConfig is a tagged union: exactly one of Input/Output is non-nil.
type PinConfig struct {
	Input  *InputConfig
	Output *OutputConfig
}

// Errors returned by HAL implementations. Transient faults should be
// wrapped with corekind.ErrHardwareFault by the caller (the driver layer),
// not by the HAL itself — the HAL reports precisely what went wrong and
// lets the driver decide whether it's retryable.
var (
	// ErrPinBusy is returned when a pin is already claimed by another
	// caller (e.g. set_pin_mode called twice, or PWM already running on
	// the pin).
	ErrPinBusy = errors.New("hal: pin busy")

	// ErrEdgeUnsupported is returned by on_edge when the implementation
	// has no hardware-assisted edge detection; the caller falls back to
	// a polling loop with the same observable contract.
	ErrEdgeUnsupported = errors.New("hal: edge detection unsupported, falling back to polling")

	// ErrOutOfRange is returned for duty/frequency values outside the
	// implementation's domain.
	ErrOutOfRange = errors.New("hal: value out of range")

	// ErrHardwareFault wraps any lower-level I/O failure (ioctl, mmap,
	// serial write) that isn't one of the above well-known conditions.
	ErrHardwareFault = errors.New("hal: hardware fault")
)

// CancelFunc stops a running operation such as a pulse train or an edge
// polling loop. Calling it more than once is a no-op.
type CancelFunc func()

// EdgeHandler is invoked by the HAL (from a dedicated goroutine, never
// synchronously from the caller's goroutine) whenever edge fires.
type EdgeHandler func(level Level)

// HAL is the capability set every concrete implementation (Sim, the
// gpiochip character-device driver, and the serial-bridge driver)
// satisfies.
type HAL interface {
	// SetPinMode claims pin and configures it as Input or Output.
	// Returns ErrPinBusy if the pin is already claimed; SerialBridgeHAL
	// leaves the pin table to the board and never returns it.
	SetPinMode(pin Pin, cfg PinConfig) error

	// Write sets an output pin's level. Returns an error if pin was not
	// configured as Output.
	Write(pin Pin, level Level) error

	// Read returns an input pin's current level.
	Read(pin Pin) (Level, error)

	// PWMStart begins soft-PWM on pin at freqHz with the given duty
	// cycle in [0,1]. Returns ErrOutOfRange outside that domain.
	PWMStart(pin Pin, freqHz float64, duty float64) error

	// PWMSetDuty changes the duty cycle of an already-started PWM.
	PWMSetDuty(pin Pin, duty float64) error

	// PWMStop stops PWM on pin and drives it to Low.
	PWMStop(pin Pin) error

	// PulseTrain emits pulses step pulses at period periodUs with each
	// pulse held high for pulseWidthUs. It blocks the calling goroutine
	// (no dedicated OS thread is locked for it) until the train completes
	// or ctx is cancelled, and returns the number of pulses actually
	// emitted; SerialBridgeHAL returns 0 when ctx is cancelled.
	PulseTrain(ctx context.Context, pin Pin, pulses int, periodUs, pulseWidthUs int) (emitted int, err error)

	// OnEdge registers handler to be invoked on the given edge(s) of pin,
	// debounced by requiring the new level to hold stable for at least
	// debounceUs microseconds. Returns a CancelFunc to stop delivery.
	// Returns ErrEdgeUnsupported (along with a valid, working polling
	// based CancelFunc) when the implementation has no hardware-assisted
	// edge detection.
	OnEdge(pin Pin, edge Edge, debounceUs int, handler EdgeHandler) (CancelFunc, error)

	// Close stops soft-PWM and releases the pins claimed through this HAL
	// (SimHAL keeps them claimed and drives them Low). SimHAL and Pi5HAL
	// do not stop OnEdge polling loops on Close; each loop runs until its
	// CancelFunc is called.
	Close() error
}

// ValidateDuty returns ErrOutOfRange unless duty is in [0,1].
func ValidateDuty(duty float64) error {
	if !(duty >= 0 && duty <= 1) {
		return fmt.Errorf("%w: duty %v not in [0,1]", ErrOutOfRange, duty)
	}
	return nil
}

// ValidateFreq returns ErrOutOfRange unless freqHz is positive and finite.
func ValidateFreq(freqHz float64) error {
	if !(freqHz > 0) || math.IsInf(freqHz, 1) {
		return fmt.Errorf("%w: freq %v must be positive and finite", ErrOutOfRange, freqHz)
	}
	return nil
}
