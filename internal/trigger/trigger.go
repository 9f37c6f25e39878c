// Package trigger drives the belt-entry trigger sensor (§4.E): an
// object-present photoelectric or proximity sensor whose detections seed
// the spatial grouper. It prefers hardware-assisted edge detection and
// transparently falls back to a polling loop with the identical
// observable contract when the HAL has no edge IRQ support.
package trigger

import (
	"fmt"
	"sync"
	"time"

	"github.com/visifruit/core/internal/corekind"
	"github.com/visifruit/core/internal/hal"
	"github.com/visifruit/core/internal/timeutil"
)

// Config parameterizes one trigger sensor.
type Config struct {
	Pin hal.Pin

	// Pull and Edge are the as-wired assumption; Init runs a one-shot
	// auto-calibration pass that inverts Edge and toggles Pull together
	// if the sensor's resting level contradicts Pull.
	Pull hal.Pull
	Edge hal.Edge

	DebounceUs int

	// PollInterval is used only when the HAL falls back to polling.
	PollInterval time.Duration
}

// Event is one detection, timestamped on the driver's own Clock.
type Event struct {
	DetectedAt time.Time
	Level      hal.Level
}

// Handler receives each detection event. It is invoked from a dedicated
// goroutine, never the caller's.
type Handler func(Event)

// Driver owns one trigger sensor's calibrated wiring assumption and its
// active delivery mode (hardware edge IRQ or polling fallback).
type Driver struct {
	h     hal.HAL
	clock timeutil.Clock

	mu       sync.Mutex
	cfg      Config
	cal      bool
	polling  bool
	cancel   hal.CancelFunc
}

// New creates a Driver for cfg. Call Init before Start.
func New(h hal.HAL, clock timeutil.Clock, cfg Config) *Driver {
	return &Driver{h: h, clock: clock, cfg: cfg}
}

// Init claims the trigger's input pin and runs the one-shot auto-calibration
// pass: it samples the resting level once and, if it contradicts the
// configured Pull (High under PullDown, Low under PullUp), inverts Edge and
// toggles Pull together. It does not watch for triggers over time, and it
// never re-runs after Init returns.
func (d *Driver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cal {
		return fmt.Errorf("trigger: %w: init already ran", corekind.ErrConfig)
	}

	if err := d.h.SetPinMode(d.cfg.Pin, hal.PinConfig{Input: &hal.InputConfig{Pull: d.cfg.Pull}}); err != nil {
		return fmt.Errorf("trigger: %w: %v", corekind.ErrHardwareFault, err)
	}

	resting, err := d.h.Read(d.cfg.Pin)
	if err != nil {
		return fmt.Errorf("trigger: %w: reading resting level: %v", corekind.ErrHardwareFault, err)
	}

	restsHighUnderPullDown := d.cfg.Pull == hal.PullDown && resting == hal.High
	restsLowUnderPullUp := d.cfg.Pull == hal.PullUp && resting == hal.Low
	if restsHighUnderPullDown || restsLowUnderPullUp {
		// The resting level contradicts the assumed bias; the active
		// edge must be the opposite of what was configured.
		d.cfg.Edge = invertEdge(d.cfg.Edge)

		// The same contradiction is taken to mean the line is biased the
		// other way, so Pull is toggled together with Edge.
		d.cfg.Pull = invertPull(d.cfg.Pull)
		if err := d.h.SetPinMode(d.cfg.Pin, hal.PinConfig{Input: &hal.InputConfig{Pull: d.cfg.Pull}}); err != nil {
			return fmt.Errorf("trigger: %w: re-applying calibrated pull: %v", corekind.ErrHardwareFault, err)
		}
	}

	d.cal = true
	return nil
}

func invertEdge(e hal.Edge) hal.Edge {
	switch e {
	case hal.EdgeRising:
		return hal.EdgeFalling
	case hal.EdgeFalling:
		return hal.EdgeRising
	default:
		return e
	}
}

func invertPull(p hal.Pull) hal.Pull {
	switch p {
	case hal.PullUp:
		return hal.PullDown
	case hal.PullDown:
		return hal.PullUp
	default:
		return p
	}
}

// Start begins delivering detection events to handler. It first attempts
// hardware edge detection; if the HAL reports ErrEdgeUnsupported it falls
// back to a polling loop on the driver's own Clock, sampling every
// PollInterval and applying the same debounce/edge-match semantics by
// hand.
func (d *Driver) Start(handler Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.cal {
		return fmt.Errorf("trigger: %w: start called before init", corekind.ErrConfig)
	}
	if d.cancel != nil {
		return fmt.Errorf("trigger: %w: already started", corekind.ErrBusy)
	}

	wrapped := func(level hal.Level) {
		handler(Event{DetectedAt: d.clock.Now(), Level: level})
	}

	cancel, err := d.h.OnEdge(d.cfg.Pin, d.cfg.Edge, d.cfg.DebounceUs, wrapped)
	if err == nil {
		d.cancel = cancel
		d.polling = false
		return nil
	}
	if err != hal.ErrEdgeUnsupported {
		return fmt.Errorf("trigger: %w: %v", corekind.ErrHardwareFault, err)
	}

	// cancel is still a valid (working) handle per the HAL contract for
	// ErrEdgeUnsupported; the sensor already has polling wired through
	// it, so stop that and run our own poll loop on the driver's own
	// Clock instead, giving deterministic tests a MockClock to drive.
	cancel()
	d.cancel = d.startPollLoop(wrapped)
	d.polling = true
	return nil
}

func (d *Driver) startPollLoop(wrapped hal.EdgeHandler) hal.CancelFunc {
	ticker := d.clock.NewTicker(d.cfg.PollInterval)
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		var last hal.Level
		if lvl, err := d.h.Read(d.cfg.Pin); err == nil {
			last = lvl
		}
		debounce := time.Duration(d.cfg.DebounceUs) * time.Microsecond
		candidate, stableSince := last, d.clock.Now()
		for {
			select {
			case <-stop:
				ticker.Stop()
				return
			case <-ticker.C():
				lvl, err := d.h.Read(d.cfg.Pin)
				if err != nil {
					continue
				}
				if lvl != candidate {
					candidate, stableSince = lvl, d.clock.Now()
				}
				if lvl == last || d.clock.Now().Sub(stableSince) < debounce {
					continue
				}
				rising := last == hal.Low && lvl == hal.High
				falling := last == hal.High && lvl == hal.Low
				last = lvl
				if (d.cfg.Edge == hal.EdgeRising && rising) ||
					(d.cfg.Edge == hal.EdgeFalling && falling) ||
					(d.cfg.Edge == hal.EdgeBoth && (rising || falling)) {
					wrapped(lvl)
				}
			}
		}
	}()

	return func() {
		close(stop)
		<-done
	}
}

// IsPolling reports whether Start fell back to the polling loop.
func (d *Driver) IsPolling() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.polling
}

// Stop cancels event delivery.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}
