package hal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialPorter is the minimal interface a serial-attached actuator board
// needs to satisfy. It mirrors the teacher's own SerialPorter abstraction so
// tests can substitute an in-memory pipe instead of a real port.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// DefaultSerialBridgeMode returns sensible serial parameters for a USB-CDC
// actuator board: 115200-8N1, adequate for the low command rate this HAL
// variant issues.
func DefaultSerialBridgeMode() *serial.Mode {
	return &serial.Mode{BaudRate: 115200, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
}

// OpenSerialBridge opens a real serial port at path and wraps it as a
// SerialBridgeHAL.
func OpenSerialBridge(path string, mode *serial.Mode) (*SerialBridgeHAL, error) {
	if mode == nil {
		mode = DefaultSerialBridgeMode()
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrHardwareFault, path, err)
	}
	return NewSerialBridgeHAL(port), nil
}

// SerialBridgeHAL drives an actuator bank wired to an external
// microcontroller over a single serial link, using a small text protocol:
//
//	W<pin>,<level>       -> "OK"                 digital write
//	R<pin>                -> "V<level>"           digital read
//	P<pin>,<freq>,<duty>  -> "OK"                 start PWM
//	C<pin>,<duty>         -> "OK"                 change PWM duty
//	S<pin>                -> "OK"                 stop PWM
//	T<pin>,<n>,<per>,<w>  -> "OK <emitted>"        pulse train, blocks board-side
//	unsolicited: "E<pin>,<level>" lines are edge notifications the board
//	emits on its own debounced input scanning.
//
// This is the same "line per event, single in-flight command" shape as the
// teacher's SerialMux, adapted so a single request also waits for its own
// reply instead of only fanning out to subscribers.
type SerialBridgeHAL struct {
	port SerialPorter

	commandMu sync.Mutex // serializes request/response pairs
	replies   chan string

	edgeMu   sync.Mutex
	edgeSub  map[Pin]map[int]EdgeHandler
	nextSubID int

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewSerialBridgeHAL wraps an already-open SerialPorter.
func NewSerialBridgeHAL(port SerialPorter) *SerialBridgeHAL {
	h := &SerialBridgeHAL{
		port:    port,
		replies: make(chan string, 1),
		edgeSub: make(map[Pin]map[int]EdgeHandler),
		closeCh: make(chan struct{}),
	}
	go h.readLoop()
	return h
}

func (h *SerialBridgeHAL) readLoop() {
	scanner := bufio.NewScanner(h.port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "E") {
			h.dispatchEdge(line)
			continue
		}
		select {
		case h.replies <- line:
		case <-h.closeCh:
			return
		}
	}
}

func (h *SerialBridgeHAL) dispatchEdge(line string) {
	// E<pin>,<level>
	body := strings.TrimPrefix(line, "E")
	parts := strings.SplitN(body, ",", 2)
	if len(parts) != 2 {
		return
	}
	pinN, err1 := strconv.Atoi(parts[0])
	lvlN, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return
	}
	pin := Pin(pinN)
	level := Low
	if lvlN != 0 {
		level = High
	}

	h.edgeMu.Lock()
	handlers := make([]EdgeHandler, 0, len(h.edgeSub[pin]))
	for _, handler := range h.edgeSub[pin] {
		handlers = append(handlers, handler)
	}
	h.edgeMu.Unlock()
	for _, handler := range handlers {
		handler(level)
	}
}

// sendCommand writes cmd and waits up to timeout for the board's reply.
// Only one command is ever in flight: commandMu serializes callers exactly
// like the teacher's SerialMux.SendCommand does for its own single-writer
// protocol.
func (h *SerialBridgeHAL) sendCommand(cmd string, timeout time.Duration) (string, error) {
	h.commandMu.Lock()
	defer h.commandMu.Unlock()

	if _, err := h.port.Write([]byte(cmd + "\n")); err != nil {
		return "", fmt.Errorf("%w: write %q: %v", ErrHardwareFault, cmd, err)
	}

	select {
	case reply := <-h.replies:
		if strings.HasPrefix(reply, "ERR") {
			return "", fmt.Errorf("%w: board rejected %q: %s", ErrHardwareFault, cmd, reply)
		}
		return reply, nil
	case <-time.After(timeout):
		return "", fmt.Errorf("%w: no reply to %q within %s", ErrHardwareFault, cmd, timeout)
	case <-h.closeCh:
		return "", ErrHardwareFault
	}
}

const defaultReplyTimeout = 500 * time.Millisecond

func (h *SerialBridgeHAL) SetPinMode(pin Pin, cfg PinConfig) error {
	// The board owns its own pin table; SetPinMode is advisory only for
	// output-initial-level purposes.
	if cfg.Output != nil {
		return h.Write(pin, cfg.Output.Initial)
	}
	return nil
}

func (h *SerialBridgeHAL) Write(pin Pin, level Level) error {
	lvl := 0
	if level == High {
		lvl = 1
	}
	_, err := h.sendCommand(fmt.Sprintf("W%d,%d", pin, lvl), defaultReplyTimeout)
	return err
}

func (h *SerialBridgeHAL) Read(pin Pin) (Level, error) {
	reply, err := h.sendCommand(fmt.Sprintf("R%d", pin), defaultReplyTimeout)
	if err != nil {
		return Low, err
	}
	if !strings.HasPrefix(reply, "V") {
		return Low, fmt.Errorf("%w: malformed read reply %q", ErrHardwareFault, reply)
	}
	if reply == "V1" {
		return High, nil
	}
	return Low, nil
}

func (h *SerialBridgeHAL) PWMStart(pin Pin, freqHz, duty float64) error {
	if err := ValidateFreq(freqHz); err != nil {
		return err
	}
	if err := ValidateDuty(duty); err != nil {
		return err
	}
	_, err := h.sendCommand(fmt.Sprintf("P%d,%.2f,%.4f", pin, freqHz, duty), defaultReplyTimeout)
	return err
}

func (h *SerialBridgeHAL) PWMSetDuty(pin Pin, duty float64) error {
	if err := ValidateDuty(duty); err != nil {
		return err
	}
	_, err := h.sendCommand(fmt.Sprintf("C%d,%.4f", pin, duty), defaultReplyTimeout)
	return err
}

func (h *SerialBridgeHAL) PWMStop(pin Pin) error {
	_, err := h.sendCommand(fmt.Sprintf("S%d", pin), defaultReplyTimeout)
	return err
}

func (h *SerialBridgeHAL) PulseTrain(ctx context.Context, pin Pin, pulses int, periodUs, pulseWidthUs int) (int, error) {
	// Board-side pulse trains can legitimately take longer than the
	// default reply timeout; size the wait to the expected duration.
	expected := time.Duration(pulses*periodUs) * time.Microsecond
	timeout := expected + 2*defaultReplyTimeout

	type result struct {
		reply string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := h.sendCommand(fmt.Sprintf("T%d,%d,%d,%d", pin, pulses, periodUs, pulseWidthUs), timeout)
		done <- result{reply, err}
	}()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return 0, r.err
		}
		fields := strings.Fields(r.reply)
		if len(fields) != 2 {
			return 0, fmt.Errorf("%w: malformed pulse-train reply %q", ErrHardwareFault, r.reply)
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, fmt.Errorf("%w: malformed pulse count %q", ErrHardwareFault, r.reply)
		}
		return n, nil
	}
}

// OnEdge subscribes to the board's self-reported debounced edge stream.
// The board performs its own hardware-assisted debounce, so this
// implementation never falls back to polling.
func (h *SerialBridgeHAL) OnEdge(pin Pin, edge Edge, debounceUs int, handler EdgeHandler) (CancelFunc, error) {
	if _, err := h.sendCommand(fmt.Sprintf("X%d,%d,%d", pin, int(edge), debounceUs), defaultReplyTimeout); err != nil {
		return func() {}, err
	}

	h.edgeMu.Lock()
	if h.edgeSub[pin] == nil {
		h.edgeSub[pin] = make(map[int]EdgeHandler)
	}
	h.nextSubID++
	id := h.nextSubID
	h.edgeSub[pin][id] = handler
	h.edgeMu.Unlock()

	cancel := func() {
		h.edgeMu.Lock()
		defer h.edgeMu.Unlock()
		delete(h.edgeSub[pin], id)
	}
	return cancel, nil
}

func (h *SerialBridgeHAL) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.closeCh)
		err = h.port.Close()
	})
	return err
}
