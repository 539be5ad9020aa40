package seqctrl

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// levelState is the state of a single run level.
type levelState int

const (
	// levelIdle: the level is not doing anything.
	levelIdle levelState = iota
	// levelSelectingNextTask: the level is between tasks, looking for the
	// next one.
	levelSelectingNextTask
	// levelRunningTask: a task is executing at this level.
	levelRunningTask
)

// runLevelTracker tracks the stack of run levels on the sequence
// goroutine. The outermost level is opened at controller construction and
// closed at invalidation; nested run loops push and pop additional levels.
//
// While a level is active (not idle), a "ThreadController active" span is
// open, so trace consumers can see contiguous busy periods rather than
// individual tasks.
type runLevelTracker struct {
	tracer trace.Tracer // nil disables span emission
	levels []runLevel
}

type runLevel struct {
	span  trace.Span // non-nil iff state != levelIdle and tracer != nil
	state levelState
}

// onRunLoopStarted pushes a new run level in the given initial state.
func (x *runLevelTracker) onRunLoopStarted(initial levelState) {
	lvl := runLevel{state: initial}
	if initial != levelIdle {
		lvl.span = x.startActiveSpan(len(x.levels) + 1)
	}
	x.levels = append(x.levels, lvl)
}

// onRunLoopEnded pops the current run level.
func (x *runLevelTracker) onRunLoopEnded() {
	n := len(x.levels)
	if n == 0 {
		panic("seqctrl: run loop ended without matching start")
	}
	if span := x.levels[n-1].span; span != nil {
		span.End()
	}
	x.levels = x.levels[:n-1]
}

// onTaskStarted transitions the current level to running, activating it if
// it was idle.
func (x *runLevelTracker) onTaskStarted() {
	lvl := x.top()
	if lvl.state == levelIdle {
		lvl.span = x.startActiveSpan(len(x.levels))
	}
	lvl.state = levelRunningTask
}

// onTaskEnded returns the current level to selecting-next-task. The top
// level may not be the one the task started on: a task that entered a
// nested run loop ends with the nested level on top, already in the
// selecting state.
func (x *runLevelTracker) onTaskEnded() {
	lvl := x.top()
	if lvl.state == levelIdle {
		return
	}
	lvl.state = levelSelectingNextTask
}

// onIdle marks the current level idle, closing its active span.
func (x *runLevelTracker) onIdle() {
	lvl := x.top()
	if lvl.state == levelRunningTask {
		panic("seqctrl: idle while a task is running")
	}
	if lvl.span != nil {
		lvl.span.End()
		lvl.span = nil
	}
	lvl.state = levelIdle
}

// numRunLevels returns the current nesting depth (>= 1 while the
// controller is alive).
func (x *runLevelTracker) numRunLevels() int {
	return len(x.levels)
}

func (x *runLevelTracker) top() *runLevel {
	if len(x.levels) == 0 {
		panic("seqctrl: no run level")
	}
	return &x.levels[len(x.levels)-1]
}

func (x *runLevelTracker) startActiveSpan(depth int) trace.Span {
	if x.tracer == nil {
		return nil
	}
	_, span := x.tracer.Start(context.Background(), "ThreadController active",
		trace.WithAttributes(attribute.Int("run_level", depth)))
	return span
}
