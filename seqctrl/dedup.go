package seqctrl

import "sync/atomic"

// ShouldScheduleWork is the result of a deduplication query: whether the
// caller needs to post a continuation, or one is already accounted for.
type ShouldScheduleWork int

const (
	// NotNeeded means a continuation is already outstanding (or the
	// deduplicator is not yet bound); do not post.
	NotNeeded ShouldScheduleWork = iota
	// ScheduleImmediate means the caller must post an immediate
	// continuation.
	ScheduleImmediate
)

// NextTaskKind describes what the "check for more work" probe found.
type NextTaskKind int

const (
	// NextTaskIsImmediate means the next task is ready to run now.
	NextTaskIsImmediate NextTaskKind = iota
	// NextTaskIsDelayed means the next task runs at a future time (or not
	// at all).
	NextTaskIsDelayed
)

// WorkDeduplicator state bits. The composite states form a small machine:
//
//	unbound (0)                 → requests are recorded but never credited
//	idle (bound)                → a request must post a continuation
//	pending (bound|pending)     → a continuation is outstanding
//	in DoWork (bound|inDoWork)  → the work step itself is running
//
// An immediate request dominates a delayed one: once the pending bit is
// set, delayed arms are not needed (the immediate pass will re-arm).
const (
	flagInDoWork = 1 << iota
	flagPending
	flagBound
)

// WorkDeduplicator ensures that any number of concurrent wake-up requests
// collapse into at most one outstanding post to the host loop.
//
// All methods are safe to call from any goroutine without external locking;
// the entire state lives in one atomic word. The zero value is an unbound
// deduplicator.
type WorkDeduplicator struct {
	state atomic.Uint32
}

// BindToCurrentThread attaches the deduplicator to the sequence. Requests
// recorded before binding were never credited with a post, so the return
// value indicates whether the caller must now post an immediate
// continuation to cover them.
//
// Binding twice is a programmer error and panics.
func (x *WorkDeduplicator) BindToCurrentThread() ShouldScheduleWork {
	prev := x.state.Or(flagBound)
	if prev&flagBound != 0 {
		panic("seqctrl: WorkDeduplicator bound twice")
	}
	if prev&flagPending != 0 {
		return ScheduleImmediate
	}
	return NotNeeded
}

// OnWorkRequested records an immediate work request. It returns
// ScheduleImmediate for exactly one of any set of concurrent callers, and
// only when no continuation is outstanding and no work step is running.
func (x *WorkDeduplicator) OnWorkRequested() ShouldScheduleWork {
	prev := x.state.Or(flagPending)
	if prev == flagBound {
		return ScheduleImmediate
	}
	return NotNeeded
}

// OnDelayedWorkRequested reports whether a delayed continuation is worth
// arming. Unlike OnWorkRequested it mutates nothing: if an immediate
// continuation is pending or a work step is running, that pass will re-arm
// the delay itself, and the pending immediate must not be clobbered.
func (x *WorkDeduplicator) OnDelayedWorkRequested() ShouldScheduleWork {
	if x.state.Load() == flagBound {
		return ScheduleImmediate
	}
	return NotNeeded
}

// OnWorkStarted marks the beginning of a work step, consuming the pending
// credit so that new requests arriving during the step are tracked afresh.
func (x *WorkDeduplicator) OnWorkStarted() {
	x.state.Store(flagInDoWork | flagBound)
}

// WillCheckForMoreWork opens the "looking for more work" probe: the pending
// bit is cleared so a concurrent request landing during the probe is
// observable by DidCheckForMoreWork rather than lost.
func (x *WorkDeduplicator) WillCheckForMoreWork() {
	x.state.And(^uint32(flagPending))
}

// DidCheckForMoreWork closes the probe. If the probe found immediate work,
// the continuation is credited here and the caller must post it. Otherwise
// the work step ends, and the caller must post only if a request raced in
// during the probe.
func (x *WorkDeduplicator) DidCheckForMoreWork(next NextTaskKind) ShouldScheduleWork {
	if next == NextTaskIsImmediate {
		x.state.Store(flagPending | flagBound)
		return ScheduleImmediate
	}
	prev := x.state.And(^uint32(flagInDoWork))
	if prev&flagPending != 0 {
		return ScheduleImmediate
	}
	return NotNeeded
}
