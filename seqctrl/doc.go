// Package seqctrl implements the scheduling decision layer for a single
// logical sequence of tasks: it decides when to pull the next task from a
// [SequencedTaskSource] and run it, coordinating with a host event loop
// through a [TaskRunner].
//
// # Architecture
//
// A [Controller] owns the interaction with the host loop. Producers call
// [Controller.ScheduleWork] (any goroutine) to request an immediate work
// step, or [Controller.SetNextDelayedDoWork] (sequence goroutine only) to
// request one at a future time. A [WorkDeduplicator] collapses concurrent
// wake-up requests so that at most one "do work" continuation is ever
// outstanding, without locks. When the host loop invokes the continuation,
// [Controller.DoWork] runs up to a batch of tasks, then re-arms itself:
// immediately if more work is ready, at the source's next task time if the
// work is delayed, or not at all when idle.
//
// # Thread Safety
//
//   - [Controller.ScheduleWork] and [Controller.RunsTasksInCurrentSequence]
//     are safe to call from any goroutine.
//   - Everything else is bound to the sequence goroutine; violations panic.
//     This is an internal "trust the caller" API surface: affinity bugs are
//     programmer errors, not recoverable conditions.
//
// # Nesting
//
// Running a task may re-enter the loop (a nested run loop, e.g. a modal
// operation). The controller tracks nesting depth; while nested, batches
// are cut to a single task so outstanding work surfaces to the outer loop
// instead of starving it, and entering a nested loop pessimistically posts
// an immediate continuation.
package seqctrl
