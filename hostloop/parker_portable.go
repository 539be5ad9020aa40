//go:build !linux

package hostloop

import "time"

// chanParker parks the loop goroutine on a buffered channel. The buffer of
// one coalesces wake-ups that arrive while the loop is awake.
type chanParker struct {
	wakeCh chan struct{}
}

func newParker() (parker, error) {
	return &chanParker{wakeCh: make(chan struct{}, 1)}, nil
}

// park blocks until woken or the timeout elapses. A negative timeout
// parks indefinitely.
func (x *chanParker) park(timeout time.Duration) error {
	if timeout < 0 {
		<-x.wakeCh
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-x.wakeCh:
	case <-timer.C:
	}
	return nil
}

// wake makes the next (or current) park return immediately.
func (x *chanParker) wake() error {
	select {
	case x.wakeCh <- struct{}{}:
	default: // already signaled
	}
	return nil
}

func (x *chanParker) close() error {
	return nil
}
