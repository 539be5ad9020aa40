package hostloop

import (
	"container/heap"
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-schedcore/internal/goid"
	"github.com/joeycumines/logiface"
)

// taskBudget is the maximum number of queued tasks executed per loop
// iteration before timers and the park deadline are re-examined.
const taskBudget = 1024

// parker blocks the loop goroutine until woken or timed out.
type parker interface {
	park(timeout time.Duration) error
	wake() error
	close() error
}

// timer is a delayed task waiting to come due.
type timer struct {
	when time.Time
	fn   func()
}

// timerHeap is a min-heap of timers, touched only on the loop goroutine.
type timerHeap []timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(timer))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

var loopIDCounter atomic.Uint64

// Loop is a serial task executor driven by a single goroutine.
type Loop struct {
	// Prevent copying
	_ [0]func()

	logger *logiface.Logger[logiface.Event]

	// State machine (cache-line padded internally)
	state fastState

	parker parker

	ingressMu sync.Mutex
	ingress   ingressQueue

	timers timerHeap

	// Wake-up deduplication: at most one wake signal is in flight while
	// the loop sleeps.
	wakePending atomic.Uint32

	// In-flight submit counter for shutdown synchronization.
	inflight atomic.Int64

	loopGoroutineID atomic.Uint64

	loopDone chan struct{}
	stopOnce sync.Once

	id uint64
}

// New creates a new loop. It does not start running until [Loop.Run].
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}
	p, err := newParker()
	if err != nil {
		return nil, err
	}
	return &Loop{
		id:       loopIDCounter.Add(1),
		logger:   cfg.logger,
		parker:   p,
		loopDone: make(chan struct{}),
	}, nil
}

// Run runs the loop and blocks until fully stopped (via [Loop.Shutdown],
// [Loop.Close], or ctx cancellation).
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopGoroutine() {
		return ErrReentrantRun
	}
	if !l.state.tryTransition(StateAwake, StateRunning) {
		if l.state.load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	defer close(l.loopDone)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(goid.Get())
	defer l.loopGoroutineID.Store(0)

	// Watcher wakes the loop when the context is canceled.
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.requestStop()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	l.logger.Debug().Uint64("loop_id", l.id).Log("loop running")

	for {
		switch l.state.load() {
		case StateTerminating, StateTerminated:
			l.drainAndTerminate()
			return ctx.Err()
		}
		l.tick()
	}
}

// tick is a single iteration of the loop: expired timers, a budgeted batch
// of queued tasks, then (if nothing is ready) parking until the next timer
// or wake-up.
func (l *Loop) tick() {
	l.runDueTimers()

	for i := 0; i < taskBudget; i++ {
		l.ingressMu.Lock()
		task, ok := l.ingress.pop()
		l.ingressMu.Unlock()
		if !ok {
			break
		}
		l.safeExecute(task)
	}

	l.maybePark()
}

// maybePark transitions Running → Sleeping and parks, unless work arrived
// in the meantime.
func (l *Loop) maybePark() {
	if l.state.load() != StateRunning {
		return
	}
	if !l.state.tryTransition(StateRunning, StateSleeping) {
		return
	}

	// Re-check after publishing Sleeping: a producer that pushed before
	// seeing Sleeping won't wake us, so we must see its task instead.
	l.ingressMu.Lock()
	pending := l.ingress.len()
	l.ingressMu.Unlock()
	if pending > 0 || l.state.load() == StateTerminating {
		l.state.tryTransition(StateSleeping, StateRunning)
		return
	}

	if err := l.parker.park(l.parkTimeout()); err != nil {
		l.logger.Err().Err(err).Log("park failed; terminating loop")
		l.state.tryTransition(StateSleeping, StateTerminating)
		return
	}

	l.wakePending.Store(0)
	l.state.tryTransition(StateSleeping, StateRunning)
}

// parkTimeout computes how long to park: until the next timer, or
// indefinitely when none is armed.
func (l *Loop) parkTimeout() time.Duration {
	if len(l.timers) == 0 {
		return -1
	}
	delay := time.Until(l.timers[0].when)
	if delay < 0 {
		delay = 0
	}
	return delay
}

// runDueTimers executes all timers that have come due.
func (l *Loop) runDueTimers() {
	now := time.Now()
	for len(l.timers) > 0 {
		if l.timers[0].when.After(now) {
			break
		}
		t := heap.Pop(&l.timers).(timer)
		l.safeExecute(t.fn)
	}
}

// Submit queues fn to run on the loop goroutine.
//
// Submission is allowed during StateTerminating so in-flight work drains
// rather than being dropped; only StateTerminated rejects.
func (l *Loop) Submit(fn func()) error {
	l.inflight.Add(1)
	defer l.inflight.Add(-1)

	if l.state.load() == StateTerminated {
		return ErrLoopTerminated
	}

	l.ingressMu.Lock()
	l.ingress.push(fn)
	l.ingressMu.Unlock()

	if l.state.load() == StateSleeping {
		if l.wakePending.CompareAndSwap(0, 1) {
			if err := l.parker.wake(); err != nil {
				// Wake failures are expected while the parker is being
				// torn down; the task is already queued and the drain
				// will run it.
				l.wakePending.Store(0)
			}
		}
	}
	return nil
}

// SubmitDelayed queues fn to run on the loop goroutine after delay.
func (l *Loop) SubmitDelayed(fn func(), delay time.Duration) error {
	when := time.Now().Add(delay)
	// The heap belongs to the loop goroutine; arm it there.
	return l.Submit(func() {
		heap.Push(&l.timers, timer{when: when, fn: fn})
	})
}

// PostTask implements the task runner contract over [Loop.Submit],
// dropping the error: a post to a terminated loop is a no-op.
func (l *Loop) PostTask(fn func()) {
	if err := l.Submit(fn); err != nil {
		l.logger.Debug().Err(err).Log("dropped posted task")
	}
}

// PostDelayedTask implements the task runner contract over
// [Loop.SubmitDelayed], dropping the error as for [Loop.PostTask].
func (l *Loop) PostDelayedTask(fn func(), delay time.Duration) {
	if err := l.SubmitDelayed(fn, delay); err != nil {
		l.logger.Debug().Err(err).Log("dropped posted delayed task")
	}
}

// Wake nudges a sleeping loop. It is a no-op in every other state.
func (l *Loop) Wake() error {
	if l.state.load() != StateSleeping {
		return nil
	}
	if l.wakePending.CompareAndSwap(0, 1) {
		if err := l.parker.wake(); err != nil {
			l.wakePending.Store(0)
		}
	}
	return nil
}

// RunsTasksInCurrentSequence reports whether the calling goroutine is the
// loop goroutine.
func (l *Loop) RunsTasksInCurrentSequence() bool {
	id := l.loopGoroutineID.Load()
	return id != 0 && id == goid.Get()
}

// State returns the current loop state.
func (l *Loop) State() LoopState {
	return l.state.load()
}

// Shutdown gracefully shuts down: queued tasks are drained, then the loop
// terminates. It blocks until termination completes or ctx expires.
func (l *Loop) Shutdown(ctx context.Context) error {
	if l.isLoopGoroutine() {
		// Waiting for the drain from inside the loop would deadlock.
		return ErrReentrantRun
	}
	var ran bool
	var err error
	l.stopOnce.Do(func() {
		ran = true
		err = l.shutdownImpl(ctx)
	})
	if ran {
		return err
	}
	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) shutdownImpl(ctx context.Context) error {
	if l.requestStop() == StateAwake {
		// Never ran; nothing to drain.
		l.state.store(StateTerminated)
		_ = l.parker.close()
		close(l.loopDone)
		return nil
	}
	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close requests termination without waiting for the drain to finish.
func (l *Loop) Close() error {
	if l.state.load() == StateTerminated {
		return ErrLoopTerminated
	}
	if l.requestStop() == StateAwake {
		l.state.store(StateTerminated)
		_ = l.parker.close()
		close(l.loopDone)
	}
	return nil
}

// requestStop transitions any live state to Terminating, waking a
// sleeping loop. It returns the state observed before the transition
// (Terminating/Terminated when already stopping).
func (l *Loop) requestStop() LoopState {
	for {
		current := l.state.load()
		if current == StateTerminating || current == StateTerminated {
			return current
		}
		if l.state.tryTransition(current, StateTerminating) {
			if current == StateSleeping {
				_ = l.parker.wake()
			}
			return current
		}
	}
}

// drainAndTerminate runs the shutdown sequence on the loop goroutine:
// terminate the state machine first so new submissions are rejected, then
// drain until the queue stays empty with no in-flight submits.
func (l *Loop) drainAndTerminate() {
	l.state.store(StateTerminated)

	emptyChecks := 0
	const requiredEmptyChecks = 3
	for emptyChecks < requiredEmptyChecks {
		spins := 0
		for l.inflight.Load() > 0 {
			spins++
			if spins > 1000 {
				time.Sleep(100 * time.Microsecond)
			} else {
				runtime.Gosched()
			}
		}

		drained := false
		for {
			l.ingressMu.Lock()
			task, ok := l.ingress.pop()
			l.ingressMu.Unlock()
			if !ok {
				break
			}
			l.safeExecute(task)
			drained = true
		}

		if drained || l.inflight.Load() > 0 {
			emptyChecks = 0
		} else {
			emptyChecks++
			runtime.Gosched()
		}
	}

	// Armed timers are delayed work; they die with the loop.
	l.timers = nil

	_ = l.parker.close()
	l.logger.Debug().Uint64("loop_id", l.id).Log("loop terminated")
}

// safeExecute executes a task with panic recovery.
func (l *Loop) safeExecute(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Err().Field("panic", r).Log("task panicked")
		}
	}()
	fn()
}

func (l *Loop) isLoopGoroutine() bool {
	id := l.loopGoroutineID.Load()
	return id != 0 && id == goid.Get()
}
