package seqctrl

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-schedcore/internal/goid"
	"github.com/joeycumines/logiface"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Controller decides when to invoke task execution on a sequence and how
// to re-arm itself, deduplicating wake-ups and handling nested run loops.
//
// Construction may happen on any goroutine; the controller binds to the
// first goroutine that performs a sequence-affine operation and panics on
// affinity violations thereafter.
type Controller struct {
	// Prevent copying
	_ [0]func()

	runner TaskRunner
	clock  Clock
	logger *logiface.Logger[logiface.Event]
	tracer trace.Tracer

	dedup WorkDeduplicator

	// immediateDoWork is the cached immediate continuation; posting it
	// never allocates.
	immediateDoWork func()

	// delayedEpoch invalidates outstanding delayed continuations: a posted
	// closure captures the epoch current at arm time and does nothing if
	// it no longer matches at fire time. Re-arming or canceling bumps the
	// epoch, so at most one delayed continuation is ever live.
	delayedEpoch atomic.Uint64

	// live is cleared by Invalidate; DoWork checks it at entry, for
	// continuations that outlive the controller, and after running each
	// task in case the task invalidated the controller.
	live atomic.Bool

	// boundGoroutine is the sequence goroutine's ID, bound lazily by the
	// first sequence-affine call.
	boundGoroutine atomic.Uint64

	// main holds state mutated only on the sequence goroutine.
	main struct {
		source            SequencedTaskSource
		nestingObserver   NestingObserver
		runLevels         runLevelTracker
		nextDelayedDoWork time.Time
		workBatchSize     int
	}
}

// New creates a Controller posting continuations to runner and reading
// time from clock (nil means [SystemClock]).
//
// The outermost run level is opened here and closed by
// [Controller.Invalidate]; DoWork is invoked at some future point when the
// host loop runs a posted continuation.
func New(runner TaskRunner, clock Clock, opts ...Option) (*Controller, error) {
	if runner == nil {
		return nil, ErrNilTaskRunner
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = SystemClock
	}

	x := &Controller{
		runner: runner,
		clock:  clock,
		logger: cfg.logger,
		tracer: cfg.tracer,
	}
	x.immediateDoWork = func() { x.DoWork(WorkImmediate) }
	x.main.nextDelayedDoWork = Never
	x.main.workBatchSize = cfg.workBatchSize
	x.main.runLevels.tracer = cfg.tracer
	x.main.runLevels.onRunLoopStarted(levelIdle)
	x.live.Store(true)
	x.dedup.BindToCurrentThread()
	return x, nil
}

// SetSequencedTaskSource attaches the task source. It must be called
// exactly once, on the sequence goroutine, before any work is scheduled.
func (x *Controller) SetSequencedTaskSource(source SequencedTaskSource) {
	x.checkSequence()
	if source == nil {
		panic("seqctrl: nil task source")
	}
	if x.main.source != nil {
		panic("seqctrl: task source already set")
	}
	x.main.source = source
}

// ScheduleWork requests an immediate work step. Safe to call from any
// goroutine; concurrent calls collapse into at most one outstanding
// continuation.
func (x *Controller) ScheduleWork() {
	if x.dedup.OnWorkRequested() == ScheduleImmediate {
		x.logger.Trace().Log("posting immediate continuation")
		x.runner.PostTask(x.immediateDoWork)
	}
}

// SetNextDelayedDoWork requests a work step at runTime. [Never] cancels
// any armed delayed wake-up. Arming a new time always supersedes the old,
// so only one delayed continuation is outstanding at a time.
//
// Sequence goroutine only.
func (x *Controller) SetNextDelayedDoWork(lazyNow *LazyClock, runTime time.Time) {
	x.checkSequence()
	if x.main.source == nil {
		panic("seqctrl: no task source")
	}

	if x.main.nextDelayedDoWork.Equal(runTime) {
		return
	}

	if runTime.Equal(Never) {
		x.cancelDelayedDoWork()
		x.main.nextDelayedDoWork = Never
		return
	}

	if x.dedup.OnDelayedWorkRequested() == NotNeeded {
		return
	}

	delay := runTime.Sub(lazyNow.Now())
	if delay < 0 {
		delay = 0
	}
	x.logger.Trace().Dur("delay", delay).Log("arming delayed continuation")
	x.main.nextDelayedDoWork = runTime
	x.postDelayedDoWork(delay)
}

// DoWork is the execution step, invoked by the host loop via a posted
// continuation. It runs up to the work batch size of tasks (one, while
// nested), then decides how to re-arm: immediately if the source has
// immediate work or a request raced in, at the source's next task time if
// the work is delayed, or not at all when idle.
//
// Sequence goroutine only. DoWork never blocks.
func (x *Controller) DoWork(kind WorkKind) {
	x.checkSequence()
	if !x.live.Load() {
		// A continuation posted before Invalidate may still fire; the
		// outermost run level is gone, so touch nothing.
		return
	}
	source := x.main.source
	if source == nil {
		panic("seqctrl: no task source")
	}

	x.dedup.OnWorkStarted()

	batch := x.main.workBatchSize
	for i := 0; i < batch; i++ {
		task, ok := source.SelectNextTask()
		if !ok {
			break
		}

		x.main.runLevels.onTaskStarted()
		x.runTask(task)
		if !x.live.Load() {
			// The task invalidated the controller; touch nothing further.
			return
		}
		source.DidRunTask()
		x.main.runLevels.onTaskEnded()

		// A task may have entered a nested run loop, which can quit at any
		// time; outstanding tasks must surface to the outer loop rather
		// than starve it, so the batch ends after one task while nested.
		if x.main.runLevels.numRunLevels() > 1 {
			break
		}
	}

	x.dedup.WillCheckForMoreWork()

	lazyNow := NewLazyClock(x.clock)
	source.RemoveAllCanceledDelayedTasksFromFront(&lazyNow)
	nextTaskTime := source.GetNextTaskTime(&lazyNow)

	// Idle processing may advance virtual time, in which case immediate
	// work now exists.
	if nextTaskTime.IsZero() || source.OnSystemIdle() {
		if x.dedup.DidCheckForMoreWork(NextTaskIsImmediate) == ScheduleImmediate {
			x.runner.PostTask(x.immediateDoWork)
		}
		return
	}

	// The next task has a non-zero delay, but another goroutine may have
	// scheduled immediate work while it was computed.
	if x.dedup.DidCheckForMoreWork(NextTaskIsDelayed) == ScheduleImmediate {
		x.runner.PostTask(x.immediateDoWork)
		return
	}

	// No more immediate work.
	x.main.runLevels.onIdle()

	if nextTaskTime.Equal(Never) {
		x.main.nextDelayedDoWork = Never
		x.cancelDelayedDoWork()
		return
	}

	if nextTaskTime.Equal(x.main.nextDelayedDoWork) {
		return
	}

	x.main.nextDelayedDoWork = nextTaskTime
	delay := nextTaskTime.Sub(lazyNow.Now())
	if delay < 0 {
		delay = 0
	}
	x.postDelayedDoWork(delay)
}

// OnBeginNestedRunLoop records entry into a nested run loop. Pending work
// from the outer loop must not starve, so a pending continuation is
// assumed and posted unconditionally.
//
// Sequence goroutine only.
func (x *Controller) OnBeginNestedRunLoop() {
	x.checkSequence()
	x.main.runLevels.onRunLoopStarted(levelSelectingNextTask)

	x.dedup.OnWorkRequested() // set the pending flag
	x.runner.PostTask(x.immediateDoWork)

	if x.main.nestingObserver != nil {
		x.main.nestingObserver.OnBeginNestedRunLoop()
	}
}

// OnExitNestedRunLoop records exit from a nested run loop.
//
// Sequence goroutine only.
func (x *Controller) OnExitNestedRunLoop() {
	x.checkSequence()
	if x.main.nestingObserver != nil {
		x.main.nestingObserver.OnExitNestedRunLoop()
	}
	x.main.runLevels.onRunLoopEnded()
}

// AddNestingObserver registers the single nesting observer slot. Double
// registration panics.
//
// Sequence goroutine only.
func (x *Controller) AddNestingObserver(observer NestingObserver) {
	x.checkSequence()
	if x.main.nestingObserver != nil {
		panic("seqctrl: nesting observer already registered")
	}
	x.main.nestingObserver = observer
}

// RemoveNestingObserver unregisters the nesting observer. Removing an
// observer that is not registered panics.
//
// Sequence goroutine only.
func (x *Controller) RemoveNestingObserver(observer NestingObserver) {
	x.checkSequence()
	if x.main.nestingObserver != observer {
		panic("seqctrl: removing unregistered nesting observer")
	}
	x.main.nestingObserver = nil
}

// SetWorkBatchSize sets the maximum number of tasks run per DoWork
// invocation. Values below 1 panic.
//
// Sequence goroutine only.
func (x *Controller) SetWorkBatchSize(n int) {
	x.checkSequence()
	if n < 1 {
		panic(ErrInvalidWorkBatchSize)
	}
	x.main.workBatchSize = n
}

// RunsTasksInCurrentSequence reports whether the calling goroutine is the
// sequence's task-running goroutine. Safe to call from any goroutine.
func (x *Controller) RunsTasksInCurrentSequence() bool {
	return x.runner.RunsTasksInCurrentSequence()
}

// NestingDepth returns the current run-level depth (>= 1 while alive).
//
// Sequence goroutine only.
func (x *Controller) NestingDepth() int {
	x.checkSequence()
	return x.main.runLevels.numRunLevels()
}

// Invalidate closes the outermost run level and detaches the controller.
// A task that invalidates its own controller mid-run is detected by DoWork
// via the liveness flag; DoWork returns without touching further state.
//
// Sequence goroutine only.
func (x *Controller) Invalidate() {
	x.checkSequence()
	if !x.live.Swap(false) {
		return
	}
	x.cancelDelayedDoWork()
	x.main.runLevels.onRunLoopEnded()
}

// postDelayedDoWork arms a delayed continuation, superseding any previous
// one via the epoch token.
func (x *Controller) postDelayedDoWork(delay time.Duration) {
	epoch := x.delayedEpoch.Add(1)
	x.runner.PostDelayedTask(func() {
		if x.delayedEpoch.Load() != epoch {
			return // canceled or superseded
		}
		x.DoWork(WorkDelayed)
	}, delay)
}

func (x *Controller) cancelDelayedDoWork() {
	x.delayedEpoch.Add(1)
}

// runTask executes one task with tracing and panic recovery. A panicking
// task is logged and otherwise treated as completed; the scheduling state
// machine must stay consistent regardless of task behavior.
func (x *Controller) runTask(task Task) {
	if x.tracer != nil {
		name := task.Name
		if name == "" {
			name = "RunTask"
		}
		_, span := x.tracer.Start(context.Background(), name,
			trace.WithAttributes(attribute.Int("run_level", x.main.runLevels.numRunLevels())))
		defer span.End()
	}

	defer func() {
		if r := recover(); r != nil {
			b := x.logger.Err().Field("panic", r)
			if task.Name != "" {
				b = b.Str("task", task.Name)
			}
			b.Log("task panicked")
		}
	}()

	if task.Runnable != nil {
		task.Runnable()
	}
}

// checkSequence binds the sequence goroutine on first use and panics on
// affinity violations.
func (x *Controller) checkSequence() {
	id := goid.Get()
	if x.boundGoroutine.CompareAndSwap(0, id) {
		return
	}
	if x.boundGoroutine.Load() != id {
		panic("seqctrl: sequence-affine call from the wrong goroutine")
	}
}
