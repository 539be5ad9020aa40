package hostloop

import "errors"

// Standard errors.
var (
	// ErrLoopAlreadyRunning is returned when Run is called on a loop that
	// is already running.
	ErrLoopAlreadyRunning = errors.New("hostloop: loop is already running")

	// ErrLoopTerminated is returned when operations are attempted on a
	// terminated loop.
	ErrLoopTerminated = errors.New("hostloop: loop has been terminated")

	// ErrReentrantRun is returned when Run is called from within the loop
	// itself.
	ErrReentrantRun = errors.New("hostloop: cannot call Run from within the loop")
)
