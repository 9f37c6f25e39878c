//go:build linux

package hal

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux GPIO character-device ABI (linux/gpio.h, GPIO uAPI v2). Defined
// locally rather than imported because x/sys/unix does not expose the v2
// struct layout directly; the offsets below match the kernel header for
// 64-bit little/big-endian hosts, which is what every Pi-5-class board is.
const (
	gpioV2GetLineIoctl    = 0xc250b407
	gpioV2LineSetValsIoctl = 0xc040b40b
	gpioV2LineGetValsIoctl = 0xc040b40c
	gpioV2LineFlagOutput   = 1 << 1
	gpioV2LineFlagInput    = 1 << 0
	gpioV2LineFlagBiasUp   = 1 << 5
	gpioV2LineFlagBiasDown = 1 << 6
	gpioMaxLines           = 64
)

type gpioV2LineValues struct {
	Bits uint64
	Mask uint64
}

type gpioV2LineConfigAttr struct {
	Attr    [8]byte // union of flags/values/debounce, flags-only used here
	Mask    uint64
}

type gpioV2LineConfig struct {
	Flags      uint64
	NumAttrs   uint32
	Padding    [5]uint32
	Attrs      [10]gpioV2LineConfigAttr
}

type gpioV2LineRequest struct {
	Offsets     [gpioMaxLines]uint32
	Consumer    [32]byte
	Config      gpioV2LineConfig
	NumLines    uint32
	EventBufSize uint32
	Padding     [5]uint32
	Fd          int32
}

// Pi5HAL drives a kernel GPIO character device (/dev/gpiochipN), the
// interface every post-bcm2835 Raspberry Pi board (Pi 5 and later) exposes
// for userspace GPIO access; the old /dev/gpiomem register-mmap path is no
// longer available on those boards.
type Pi5HAL struct {
	mu       sync.Mutex
	chipPath string
	chipFd   int
	lineFds  map[Pin]int
	pwm      map[Pin]*softPWM
	closed   bool
}

// NewPi5HAL opens the GPIO character device at chipPath (typically
// "/dev/gpiochip0") immediately; each line is requested from it only when
// SetPinMode claims that pin, matching the HAL's per-pin ownership model.
func NewPi5HAL(chipPath string) (*Pi5HAL, error) {
	fd, err := unix.Open(chipPath, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrHardwareFault, chipPath, err)
	}
	return &Pi5HAL{
		chipPath: chipPath,
		chipFd:   fd,
		lineFds:  make(map[Pin]int),
		pwm:      make(map[Pin]*softPWM),
	}, nil
}

func (h *Pi5HAL) requestLine(pin Pin, flags uint64, initial Level) (int, error) {
	req := gpioV2LineRequest{
		NumLines: 1,
		Config:   gpioV2LineConfig{Flags: flags},
	}
	req.Offsets[0] = uint32(pin)
	copy(req.Consumer[:], "visifruit")

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(h.chipFd), uintptr(gpioV2GetLineIoctl), uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		return 0, fmt.Errorf("%w: request line %d: %v", ErrHardwareFault, pin, errno)
	}
	if flags&gpioV2LineFlagOutput != 0 {
		vals := gpioV2LineValues{Mask: 1}
		if initial == High {
			vals.Bits = 1
		}
		unix.Syscall(unix.SYS_IOCTL, uintptr(req.Fd), uintptr(gpioV2LineSetValsIoctl), uintptr(unsafe.Pointer(&vals)))
	}
	return int(req.Fd), nil
}

func (h *Pi5HAL) SetPinMode(pin Pin, cfg PinConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.lineFds[pin]; exists {
		return ErrPinBusy
	}

	var flags uint64
	var initial Level
	switch {
	case cfg.Output != nil:
		flags = gpioV2LineFlagOutput
		initial = cfg.Output.Initial
	case cfg.Input != nil:
		flags = gpioV2LineFlagInput
		switch cfg.Input.Pull {
		case PullUp:
			flags |= gpioV2LineFlagBiasUp
		case PullDown:
			flags |= gpioV2LineFlagBiasDown
		}
	default:
		return fmt.Errorf("%w: pin config must set Input or Output", ErrHardwareFault)
	}

	fd, err := h.requestLine(pin, flags, initial)
	if err != nil {
		return err
	}
	h.lineFds[pin] = fd
	return nil
}

func (h *Pi5HAL) Write(pin Pin, level Level) error {
	h.mu.Lock()
	fd, ok := h.lineFds[pin]
	h.mu.Unlock()
	if !ok {
		return ErrHardwareFault
	}
	vals := gpioV2LineValues{Mask: 1}
	if level == High {
		vals.Bits = 1
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(gpioV2LineSetValsIoctl), uintptr(unsafe.Pointer(&vals)))
	if errno != 0 {
		return fmt.Errorf("%w: write pin %d: %v", ErrHardwareFault, pin, errno)
	}
	return nil
}

func (h *Pi5HAL) Read(pin Pin) (Level, error) {
	h.mu.Lock()
	fd, ok := h.lineFds[pin]
	h.mu.Unlock()
	if !ok {
		return Low, ErrHardwareFault
	}
	vals := gpioV2LineValues{Mask: 1}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(gpioV2LineGetValsIoctl), uintptr(unsafe.Pointer(&vals)))
	if errno != 0 {
		return Low, fmt.Errorf("%w: read pin %d: %v", ErrHardwareFault, pin, errno)
	}
	if vals.Bits&1 != 0 {
		return High, nil
	}
	return Low, nil
}

// softPWM drives duty-cycle toggling from a timer goroutine: the character
// device ABI has no hardware PWM line assignment for arbitrary GPIO, so PWM
// is synthesized the same way the HAL contract requires of a soft-PWM
// implementation.
type softPWM struct {
	cancel context.CancelFunc
	duty   float64
	mu     sync.Mutex
}

func (h *Pi5HAL) PWMStart(pin Pin, freqHz, duty float64) error {
	if err := ValidateFreq(freqHz); err != nil {
		return err
	}
	if err := ValidateDuty(duty); err != nil {
		return err
	}
	h.mu.Lock()
	if _, exists := h.pwm[pin]; exists {
		h.mu.Unlock()
		return ErrPinBusy
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &softPWM{cancel: cancel, duty: duty}
	h.pwm[pin] = p
	h.mu.Unlock()

	period := time.Duration(float64(time.Second) / freqHz)
	go func() {
		for {
			p.mu.Lock()
			d := p.duty
			p.mu.Unlock()
			high := time.Duration(float64(period) * d)
			low := period - high
			if high > 0 {
				h.Write(pin, High)
				select {
				case <-time.After(high):
				case <-ctx.Done():
					h.Write(pin, Low)
					return
				}
			}
			if low > 0 {
				h.Write(pin, Low)
				select {
				case <-time.After(low):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return nil
}

func (h *Pi5HAL) PWMSetDuty(pin Pin, duty float64) error {
	if err := ValidateDuty(duty); err != nil {
		return err
	}
	h.mu.Lock()
	p, ok := h.pwm[pin]
	h.mu.Unlock()
	if !ok {
		return ErrHardwareFault
	}
	p.mu.Lock()
	p.duty = duty
	p.mu.Unlock()
	return nil
}

func (h *Pi5HAL) PWMStop(pin Pin) error {
	h.mu.Lock()
	p, ok := h.pwm[pin]
	delete(h.pwm, pin)
	h.mu.Unlock()
	if !ok {
		return ErrHardwareFault
	}
	p.cancel()
	return h.Write(pin, Low)
}

func (h *Pi5HAL) PulseTrain(ctx context.Context, pin Pin, pulses int, periodUs, pulseWidthUs int) (int, error) {
	emitted := 0
	period := time.Duration(periodUs) * time.Microsecond
	width := time.Duration(pulseWidthUs) * time.Microsecond
	for i := 0; i < pulses; i++ {
		select {
		case <-ctx.Done():
			return emitted, ctx.Err()
		default:
		}
		if err := h.Write(pin, High); err != nil {
			return emitted, err
		}
		time.Sleep(width)
		if err := h.Write(pin, Low); err != nil {
			return emitted, err
		}
		emitted++
		if rest := period - width; rest > 0 {
			time.Sleep(rest)
		}
	}
	return emitted, nil
}

// OnEdge always falls back to polling: the v2 line-request path used above
// claims the line without an edge-event fd, so every edge the HAL reports
// comes from a level-stable polling loop, same contract as SimHAL.
func (h *Pi5HAL) OnEdge(pin Pin, edge Edge, debounceUs int, handler EdgeHandler) (CancelFunc, error) {
	ctx, cancel := context.WithCancel(context.Background())
	last, err := h.Read(pin)
	if err != nil {
		cancel()
		return func() {}, err
	}

	go func() {
		ticker := time.NewTicker(time.Duration(debounceUs) * time.Microsecond / 4)
		defer ticker.Stop()
		var stableSince time.Time
		var candidate Level = last
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			lvl, err := h.Read(pin)
			if err != nil {
				continue
			}
			if lvl != candidate {
				candidate = lvl
				stableSince = time.Now()
				continue
			}
			if lvl == last {
				continue
			}
			if time.Since(stableSince) < time.Duration(debounceUs)*time.Microsecond {
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
	}()

	return CancelFunc(cancel), ErrEdgeUnsupported
}

func (h *Pi5HAL) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for pin, p := range h.pwm {
		p.cancel()
		delete(h.pwm, pin)
	}
	for _, fd := range h.lineFds {
		unix.Close(fd)
	}
	if h.chipFd != 0 {
		unix.Close(h.chipFd)
	}
	return nil
}
