package hal

import (
	"context"
	"sync"
	"time"

	"github.com/visifruit/core/internal/timeutil"
)

// pinState tracks one claimed pin's mode and last known level/PWM state.
type pinState struct {
	cfg     PinConfig
	level   Level
	pwmOn   bool
	duty    float64
	freqHz  float64
	edgeCtl CancelFunc
}

// SimHAL is the in-memory HAL implementation used in tests and in
// simulation mode when no physical hardware is present. It never blocks on
// external voltage: OnEdge's delivery loop still runs on its own goroutine
// (to exercise the same concurrency contract other implementations have),
// and PulseTrain runs on the caller's goroutine, completing as fast as the
// clock allows.
type SimHAL struct {
	mu    sync.Mutex
	pins  map[Pin]*pinState
	clock timeutil.Clock

	// Injected returns lets tests simulate a failing pin without
	// reaching into SimHAL's internals.
	FailPins map[Pin]error

	// edgeLevels holds, per pin, the channel OnEdge's loop listens on;
	// InjectEdge feeds it so a test can synthesize a level transition.
	// Production code never calls InjectEdge.
	edgeLevels map[Pin]chan Level

	closed bool
}

// NewSimHAL creates a SimHAL driven by clock (use timeutil.RealClock{} in
// production-simulation mode, or a timeutil.MockClock in tests).
func NewSimHAL(clock timeutil.Clock) *SimHAL {
	return &SimHAL{
		pins:       make(map[Pin]*pinState),
		clock:      clock,
		FailPins:   make(map[Pin]error),
		edgeLevels: make(map[Pin]chan Level),
	}
}

func (s *SimHAL) fault(pin Pin) error {
	if err, ok := s.FailPins[pin]; ok && err != nil {
		return err
	}
	return nil
}

func (s *SimHAL) SetPinMode(pin Pin, cfg PinConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(pin); err != nil {
		return err
	}
	if _, exists := s.pins[pin]; exists {
		return ErrPinBusy
	}
	level := Low
	if cfg.Output != nil {
		level = cfg.Output.Initial
	}
	s.pins[pin] = &pinState{cfg: cfg, level: level}
	return nil
}

func (s *SimHAL) Write(pin Pin, level Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(pin); err != nil {
		return err
	}
	st, ok := s.pins[pin]
	if !ok || st.cfg.Output == nil {
		return ErrHardwareFault
	}
	st.level = level
	return nil
}

func (s *SimHAL) Read(pin Pin) (Level, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(pin); err != nil {
		return Low, err
	}
	st, ok := s.pins[pin]
	if !ok {
		return Low, ErrHardwareFault
	}
	return st.level, nil
}

func (s *SimHAL) PWMStart(pin Pin, freqHz, duty float64) error {
	if err := ValidateFreq(freqHz); err != nil {
		return err
	}
	if err := ValidateDuty(duty); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(pin); err != nil {
		return err
	}
	st, ok := s.pins[pin]
	if !ok || st.cfg.Output == nil {
		return ErrHardwareFault
	}
	st.pwmOn = true
	st.freqHz = freqHz
	st.duty = duty
	return nil
}

func (s *SimHAL) PWMSetDuty(pin Pin, duty float64) error {
	if err := ValidateDuty(duty); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(pin); err != nil {
		return err
	}
	st, ok := s.pins[pin]
	if !ok || !st.pwmOn {
		return ErrHardwareFault
	}
	st.duty = duty
	return nil
}

func (s *SimHAL) PWMStop(pin Pin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(pin); err != nil {
		return err
	}
	st, ok := s.pins[pin]
	if !ok {
		return ErrHardwareFault
	}
	st.pwmOn = false
	st.duty = 0
	st.level = Low
	return nil
}

// PWMState returns the last-known (on, duty) pair for pin, for test
// assertions.
func (s *SimHAL) PWMState(pin Pin) (on bool, duty float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.pins[pin]
	if !ok {
		return false, 0
	}
	return st.pwmOn, st.duty
}

func (s *SimHAL) PulseTrain(ctx context.Context, pin Pin, pulses int, periodUs, pulseWidthUs int) (int, error) {
	if err := s.fault(pin); err != nil {
		return 0, err
	}
	s.mu.Lock()
	_, ok := s.pins[pin]
	s.mu.Unlock()
	if !ok {
		return 0, ErrHardwareFault
	}

	emitted := 0
	period := time.Duration(periodUs) * time.Microsecond
	for i := 0; i < pulses; i++ {
		select {
		case <-ctx.Done():
			return emitted, ctx.Err()
		default:
		}
		_ = s.Write(pin, High)
		_ = s.Write(pin, Low)
		emitted++
		if period > 0 {
			s.clock.Sleep(period)
		}
	}
	return emitted, nil
}

// InjectEdge delivers level as the pin's next observed level for a test
// driving OnEdge's polling loop.
func (s *SimHAL) InjectEdge(pin Pin, level Level) {
	s.mu.Lock()
	ch, ok := s.edgeLevels[pin]
	s.mu.Unlock()
	if ok {
		ch <- level
	}
	_ = s.Write(pin, level)
}

// OnEdge always falls back to polling in SimHAL: there is no hardware to
// assist with debounce, matching how a HAL that lacks edge-IRQ support
// behaves for real implementations too.
func (s *SimHAL) OnEdge(pin Pin, edge Edge, debounceUs int, handler EdgeHandler) (CancelFunc, error) {
	s.mu.Lock()
	ch := make(chan Level, 8)
	s.edgeLevels[pin] = ch
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	var last Level
	if st, err := s.Read(pin); err == nil {
		last = st
	}

	go func() {
		debounce := time.Duration(debounceUs) * time.Microsecond
		for {
			select {
			case <-ctx.Done():
				return
			case lvl := <-ch:
				if debounce > 0 {
					s.clock.Sleep(debounce)
				}
				if lvl == last {
					continue
				}
				rising := last == Low && lvl == High
				falling := last == High && lvl == Low
				last = lvl
				if (edge == EdgeRising && rising) ||
					(edge == EdgeFalling && falling) ||
					(edge == EdgeBoth && (rising || falling)) {
					handler(lvl)
				}
			}
		}
	}()

	return CancelFunc(cancel), ErrEdgeUnsupported
}

func (s *SimHAL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for pin, st := range s.pins {
		st.pwmOn = false
		st.duty = 0
		st.level = Low
		s.pins[pin] = st
	}
	return nil
}
