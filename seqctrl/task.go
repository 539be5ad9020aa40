package seqctrl

import (
	"math"
	"time"
)

// Never is the "infinite" run time sentinel: no delayed work is scheduled.
// Compare against it with [time.Time.Equal].
var Never = time.Unix(0, math.MaxInt64)

// Task is a single unit of work. The zero value is a no-op.
type Task struct {
	// Runnable is the work itself. A nil Runnable runs as a no-op.
	Runnable func()

	// Name optionally identifies the task for tracing and logging.
	Name string
}

// WorkKind distinguishes why DoWork was invoked.
type WorkKind int

const (
	// WorkImmediate indicates an immediate continuation.
	WorkImmediate WorkKind = iota
	// WorkDelayed indicates a delayed continuation that came due.
	WorkDelayed
)

// String returns a human-readable representation of the work kind.
func (k WorkKind) String() string {
	switch k {
	case WorkImmediate:
		return "immediate"
	case WorkDelayed:
		return "delayed"
	default:
		return "unknown"
	}
}

// SequencedTaskSource supplies ordered, time-aware units of work.
//
// All methods are called on the sequence goroutine only. Ownership of a
// selected task transfers to the caller for execution.
type SequencedTaskSource interface {
	// SelectNextTask returns the next task to run, or false if there is
	// none ready.
	SelectNextTask() (Task, bool)

	// DidRunTask performs post-run bookkeeping for the most recently
	// selected task (e.g. draining continuations enqueued by it).
	DidRunTask()

	// RemoveAllCanceledDelayedTasksFromFront drops canceled delayed tasks
	// from the front of the source so they don't distort the next task
	// time.
	RemoveAllCanceledDelayedTasksFromFront(lazyNow *LazyClock)

	// GetNextTaskTime reports when the next task wants to run. The zero
	// time means immediate work exists; [Never] means no future work is
	// scheduled.
	GetNextTaskTime(lazyNow *LazyClock) time.Time

	// OnSystemIdle gives the source a chance to do idle processing. It
	// returns true if that processing created new immediate work (e.g.
	// virtual time advanced).
	OnSystemIdle() bool
}

// TaskRunner posts continuations to the host event loop.
//
// PostTask and PostDelayedTask must be safe to call from any goroutine.
type TaskRunner interface {
	// PostTask schedules fn to run on the host loop as soon as possible.
	PostTask(fn func())

	// PostDelayedTask schedules fn to run on the host loop after delay.
	PostDelayedTask(fn func(), delay time.Duration)

	// RunsTasksInCurrentSequence reports whether the calling goroutine is
	// the one the host loop runs tasks on.
	RunsTasksInCurrentSequence() bool
}

// NestingObserver is notified when the sequence enters or exits a nested
// run loop.
type NestingObserver interface {
	OnBeginNestedRunLoop()
	OnExitNestedRunLoop()
}

// Clock is a monotonic time source.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the [Clock] interface.
type ClockFunc func() time.Time

// Now implements [Clock].
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the default [Clock], backed by [time.Now].
var SystemClock Clock = ClockFunc(time.Now)
