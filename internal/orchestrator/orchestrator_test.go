package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visifruit/core/internal/corekind"
	"github.com/visifruit/core/internal/timeutil"
)

func TestOrchestrator_DispatchesImmediateCommand(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	o := New(clock, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = o.Run(ctx)
		close(done)
	}()

	executed := make(chan struct{}, 1)
	require.NoError(t, o.Schedule(Command{
		Actuator: "labeler",
		FireAt:   clock.Now(),
		Exec: func(ctx context.Context) error {
			executed <- struct{}{}
			return nil
		},
	}))

	select {
	case <-executed:
	case <-time.After(time.Second):
		t.Fatal("command was never dispatched")
	}

	outcome := <-o.Results
	assert.NoError(t, outcome.Err)

	cancel()
	<-done
}

func TestOrchestrator_DropsExpiredCommandBeforeDispatch(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	o := New(clock, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = o.Run(ctx)
		close(done)
	}()

	ran := false
	require.NoError(t, o.Schedule(Command{
		Actuator:  "labeler",
		FireAt:    clock.Now(),
		ExpiresAt: time.Unix(50, 0), // already in the past relative to clock
		Exec: func(ctx context.Context) error {
			ran = true
			return nil
		},
	}))

	outcome := <-o.Results
	assert.ErrorIs(t, outcome.Err, corekind.ErrLate)
	assert.False(t, ran)

	cancel()
	<-done
}

func TestOrchestrator_ScheduleRejectsOverlapOnSameActuator(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	o := New(clock, 2)

	require.NoError(t, o.Schedule(Command{
		Actuator:  "labeler",
		FireAt:    clock.Now().Add(time.Second),
		ExpiresAt: clock.Now().Add(2 * time.Second),
		Exec:      func(ctx context.Context) error { return nil },
	}))

	err := o.Schedule(Command{
		Actuator: "labeler",
		FireAt:   clock.Now().Add(500 * time.Millisecond),
		Exec:     func(ctx context.Context) error { return nil },
	})
	assert.ErrorIs(t, err, corekind.ErrOverlap)
}

func TestOrchestrator_DifferentActuatorsDoNotOverlap(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	o := New(clock, 2)

	require.NoError(t, o.Schedule(Command{
		Actuator:  "labeler",
		FireAt:    clock.Now(),
		ExpiresAt: clock.Now().Add(2 * time.Second),
		Exec:      func(ctx context.Context) error { return nil },
	}))
	err := o.Schedule(Command{
		Actuator: "diverter.apple",
		FireAt:   clock.Now(),
		Exec:     func(ctx context.Context) error { return nil },
	})
	assert.NoError(t, err)
}

func TestOrchestrator_PropagatesExecError(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	o := New(clock, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = o.Run(ctx)
		close(done)
	}()

	boom := errors.New("boom")
	require.NoError(t, o.Schedule(Command{
		Actuator: "belt",
		FireAt:   clock.Now(),
		Exec:     func(ctx context.Context) error { return boom },
	}))

	outcome := <-o.Results
	assert.ErrorIs(t, outcome.Err, boom)

	cancel()
	<-done
}

func TestOrchestrator_RunReturnsWhenContextCancelledWithEmptyQueue(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	o := New(clock, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
