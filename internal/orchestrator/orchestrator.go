// Package orchestrator implements the scheduler (§4.I): the single
// logical point that turns fire_at-stamped commands into dispatched
// actuator calls, in order, dropping anything whose deadline has already
// passed and rejecting anything that would overlap a still-running
// command on the same actuator.
package orchestrator

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/visifruit/core/internal/actuator"
	"github.com/visifruit/core/internal/corekind"
	"github.com/visifruit/core/internal/monitoring"
	"github.com/visifruit/core/internal/timeutil"
)

// Command is one scheduled dispatch: Exec is called no earlier than
// FireAt, and only if ExpiresAt (when set) has not yet been reached when
// its turn comes up.
type Command struct {
	ID        uuid.UUID
	Actuator  string
	FireAt    time.Time
	ExpiresAt time.Time
	Exec      func(ctx context.Context) error
}

// Outcome reports what happened to one dispatched Command, delivered to
// the Orchestrator's Results channel.
type Outcome struct {
	Command Command
	Err     error
}

type pendingQueue []Command

func (q pendingQueue) Len() int           { return len(q) }
func (q pendingQueue) Less(i, j int) bool { return q[i].FireAt.Before(q[j].FireAt) }
func (q pendingQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *pendingQueue) Push(x any)        { *q = append(*q, x.(Command)) }
func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Orchestrator runs the single cooperative scheduling loop: a min-heap of
// pending commands ordered by FireAt, dispatched at most MaxConcurrent at
// a time via a weighted semaphore, with per-actuator overlap tracking so
// two commands for the same actuator never run concurrently.
type Orchestrator struct {
	clock          timeutil.Clock
	maxConcurrent  int64
	sem            *semaphore.Weighted
	Results        chan Outcome

	mu        sync.Mutex
	queue     pendingQueue
	busyUntil map[string]time.Time
	health    actuator.Health
	wake      chan struct{}
}

// New creates an Orchestrator that dispatches at most maxConcurrent
// commands concurrently.
func New(clock timeutil.Clock, maxConcurrent int) *Orchestrator {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	o := &Orchestrator{
		clock:         clock,
		maxConcurrent: int64(maxConcurrent),
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		Results:       make(chan Outcome, maxConcurrent*4),
		busyUntil:     make(map[string]time.Time),
		wake:          make(chan struct{}, 1),
	}
	heap.Init(&o.queue)
	return o
}

// Health returns a snapshot of the orchestrator's own counters (missed
// deadlines from late drops, overlap rejections counted as busy).
func (o *Orchestrator) Health() actuator.Health {
	return o.health.Snapshot()
}

// Schedule enqueues cmd. Returns ErrOverlap if cmd's actuator is already
// committed past cmd.FireAt by a previously scheduled command.
func (o *Orchestrator) Schedule(cmd Command) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if until, busy := o.busyUntil[cmd.Actuator]; busy && cmd.FireAt.Before(until) {
		o.health.RecordBusy()
		monitoring.Logf("orchestrator: rejecting command %s for actuator %s: busy until %s", cmd.ID, cmd.Actuator, until)
		return fmt.Errorf("orchestrator: %w: actuator %s busy until %s", corekind.ErrOverlap, cmd.Actuator, until)
	}

	heap.Push(&o.queue, cmd)
	endsAt := cmd.FireAt
	if cmd.ExpiresAt.After(endsAt) {
		endsAt = cmd.ExpiresAt
	}
	o.busyUntil[cmd.Actuator] = endsAt

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run drives the scheduling loop until ctx is cancelled. Each dispatched
// command runs in its own errgroup goroutine, with the semaphore bounding
// how many run at once; a panic in Exec is not recovered. Command errors
// are delivered on Results rather than to the errgroup, so after
// cancellation Run waits for in-flight commands and returns nil.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.mu.Unlock()
			select {
			case <-ctx.Done():
				return waitGroup(g)
			case <-o.wake:
				continue
			}
		}
		next := o.queue[0]
		o.mu.Unlock()

		wait := o.clock.Until(next.FireAt)
		if wait <= 0 {
			o.dispatchNext(ctx, g)
			continue
		}

		timer := o.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return waitGroup(g)
		case <-timer.C():
			o.dispatchNext(ctx, g)
		case <-o.wake:
			timer.Stop()
		}
	}
}

func waitGroup(g *errgroup.Group) error {
	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

// dispatchNext pops the earliest-due command and, if it hasn't already
// expired, runs it in a semaphore-bounded goroutine.
func (o *Orchestrator) dispatchNext(ctx context.Context, g *errgroup.Group) {
	o.mu.Lock()
	if len(o.queue) == 0 {
		o.mu.Unlock()
		return
	}
	cmd := heap.Pop(&o.queue).(Command)
	o.mu.Unlock()

	if !cmd.ExpiresAt.IsZero() && timeutil.Elapsed(o.clock, cmd.ExpiresAt) {
		o.health.RecordMissedDeadline()
		monitoring.Logf("orchestrator: dropping command %s for actuator %s: expired at %s before dispatch", cmd.ID, cmd.Actuator, cmd.ExpiresAt)
		o.emit(Outcome{Command: cmd, Err: fmt.Errorf("orchestrator: %w: command expired before dispatch", corekind.ErrLate)})
		return
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.emit(Outcome{Command: cmd, Err: err})
		return
	}

	g.Go(func() error {
		defer o.sem.Release(1)
		err := cmd.Exec(ctx)
		if err != nil && !corekind.Recoverable(err) {
			o.health.RecordFault(o.clock, err.Error())
			monitoring.Logf("orchestrator: command %s for actuator %s faulted: %v", cmd.ID, cmd.Actuator, err)
		}
		o.emit(Outcome{Command: cmd, Err: err})
		return nil
	})
}

func (o *Orchestrator) emit(outcome Outcome) {
	select {
	case o.Results <- outcome:
	default:
		// Results is a best-effort observability channel; a full buffer
		// means no one is draining it and must not block dispatch.
	}
}
