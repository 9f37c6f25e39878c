package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visifruit/core/internal/hal"
	"github.com/visifruit/core/internal/timeutil"
)

// fakeHAL is a minimal HAL test double that lets a test directly control
// the level Read returns, something SimHAL deliberately does not allow for
// Input-mode pins (it only ever reports the level it was configured or
// Written with, and Write rejects Input pins).
type fakeHAL struct {
	mu    sync.Mutex
	level hal.Level
}

func (f *fakeHAL) SetPinMode(hal.Pin, hal.PinConfig) error { return nil }
func (f *fakeHAL) Write(hal.Pin, hal.Level) error           { return nil }
func (f *fakeHAL) Read(hal.Pin) (hal.Level, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.level, nil
}
func (f *fakeHAL) set(l hal.Level) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.level = l
}
func (f *fakeHAL) PWMStart(hal.Pin, float64, float64) error { return nil }
func (f *fakeHAL) PWMSetDuty(hal.Pin, float64) error        { return nil }
func (f *fakeHAL) PWMStop(hal.Pin) error                    { return nil }
func (f *fakeHAL) PulseTrain(context.Context, hal.Pin, int, int, int) (int, error) {
	return 0, nil
}
func (f *fakeHAL) OnEdge(hal.Pin, hal.Edge, int, hal.EdgeHandler) (hal.CancelFunc, error) {
	return func() {}, hal.ErrEdgeUnsupported
}
func (f *fakeHAL) Close() error { return nil }

func TestInvertEdge(t *testing.T) {
	assert.Equal(t, hal.EdgeFalling, invertEdge(hal.EdgeRising))
	assert.Equal(t, hal.EdgeRising, invertEdge(hal.EdgeFalling))
	assert.Equal(t, hal.EdgeBoth, invertEdge(hal.EdgeBoth))
}

func TestInvertPull(t *testing.T) {
	assert.Equal(t, hal.PullDown, invertPull(hal.PullUp))
	assert.Equal(t, hal.PullUp, invertPull(hal.PullDown))
	assert.Equal(t, hal.PullNone, invertPull(hal.PullNone))
}

func TestDriver_InitNoCalibrationNeededWhenRestingMatchesPull(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	h := &fakeHAL{level: hal.Low}
	cfg := Config{Pin: 1, Pull: hal.PullDown, Edge: hal.EdgeRising, PollInterval: time.Millisecond}
	d := New(h, clock, cfg)
	require.NoError(t, d.Init())

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, hal.EdgeRising, d.cfg.Edge)
	assert.Equal(t, hal.PullDown, d.cfg.Pull)
}

func TestDriver_InitInvertsEdgeAndPullOnMismatch(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	h := &fakeHAL{level: hal.High}
	cfg := Config{Pin: 1, Pull: hal.PullDown, Edge: hal.EdgeRising, PollInterval: time.Millisecond}
	d := New(h, clock, cfg)
	require.NoError(t, d.Init())

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, hal.EdgeFalling, d.cfg.Edge)
	assert.Equal(t, hal.PullUp, d.cfg.Pull)
}

func TestDriver_StartFallsBackToPolling(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	h := &fakeHAL{level: hal.Low}
	cfg := Config{Pin: 1, Pull: hal.PullDown, Edge: hal.EdgeRising, PollInterval: time.Millisecond}
	d := New(h, clock, cfg)
	require.NoError(t, d.Init())
	require.NoError(t, d.Start(func(Event) {}))
	assert.True(t, d.IsPolling())
	d.Stop()
}

func TestDriver_PollLoopFiresOnRisingEdge(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	h := &fakeHAL{level: hal.Low}
	cfg := Config{Pin: 1, Pull: hal.PullDown, Edge: hal.EdgeRising, PollInterval: time.Millisecond}
	d := New(h, clock, cfg)
	require.NoError(t, d.Init())

	events := make(chan Event, 1)
	require.NoError(t, d.Start(func(e Event) { events <- e }))
	defer d.Stop()

	h.set(hal.High)
	clock.Advance(time.Millisecond)

	select {
	case e := <-events:
		assert.Equal(t, hal.High, e.Level)
	case <-time.After(time.Second):
		t.Fatal("poll loop did not fire on rising edge")
	}
}

func TestDriver_PollLoopIgnoresNonMatchingEdge(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	h := &fakeHAL{level: hal.High}
	cfg := Config{Pin: 1, Pull: hal.PullUp, Edge: hal.EdgeRising, PollInterval: time.Millisecond}
	d := New(h, clock, cfg)
	require.NoError(t, d.Init())

	events := make(chan Event, 1)
	require.NoError(t, d.Start(func(e Event) { events <- e }))
	defer d.Stop()

	h.set(hal.Low)
	clock.Advance(time.Millisecond)

	select {
	case <-events:
		t.Fatal("falling edge should not fire an edge configured for rising")
	case <-time.After(50 * time.Millisecond):
	}
}
