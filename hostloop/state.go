package hostloop

import "sync/atomic"

// LoopState is the lifecycle state of a [Loop].
//
// State machine:
//
//	StateAwake → StateRunning          [Run]
//	StateRunning → StateSleeping       [park via CAS]
//	StateSleeping → StateRunning       [wake via CAS]
//	StateRunning → StateTerminating    [Shutdown/Close/ctx]
//	StateSleeping → StateTerminating   [Shutdown/Close/ctx]
//	StateAwake → StateTerminated       [Shutdown before Run]
//	StateTerminating → StateTerminated [drain complete]
//
// Temporary states (Running, Sleeping) transition by CAS only; terminal
// states are stored directly.
type LoopState uint64

const (
	// StateAwake: created but not yet running.
	StateAwake LoopState = iota
	// StateTerminated: fully shut down.
	StateTerminated
	// StateSleeping: parked, waiting for work or a timer.
	StateSleeping
	// StateRunning: actively processing tasks.
	StateRunning
	// StateTerminating: shutdown requested, drain in progress.
	StateTerminating
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state machine with cache-line padding to keep
// the hot word out of false sharing with neighboring fields.
type fastState struct {
	_ [64]byte //nolint:unused
	v atomic.Uint64
	_ [56]byte //nolint:unused
}

func (x *fastState) load() LoopState {
	return LoopState(x.v.Load())
}

func (x *fastState) store(state LoopState) {
	x.v.Store(uint64(state))
}

func (x *fastState) tryTransition(from, to LoopState) bool {
	return x.v.CompareAndSwap(uint64(from), uint64(to))
}
