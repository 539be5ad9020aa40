//go:build linux

package hostloop

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// fdParker parks the loop goroutine on an eventfd. One fd serves as both
// read and write end; producers write an 8-byte counter increment and the
// parked loop polls for readability.
type fdParker struct {
	fd      int
	readBuf [8]byte
}

func newParker() (parker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &fdParker{fd: fd}, nil
}

// park blocks until woken or the timeout elapses. A negative timeout
// parks indefinitely.
func (x *fdParker) park(timeout time.Duration) error {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
		// Ceiling: a sub-millisecond positive timeout must not poll(0)
		// into a busy spin.
		if ms == 0 && timeout > 0 {
			ms = 1
		}
	}
	fds := []unix.PollFd{{Fd: int32(x.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n > 0 {
			x.drain()
		}
		return nil
	}
}

// wake makes the next (or current) park return immediately.
func (x *fdParker) wake() error {
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	_, err := unix.Write(x.fd, buf)
	return err
}

func (x *fdParker) drain() {
	for {
		if _, err := unix.Read(x.fd, x.readBuf[:]); err != nil {
			return
		}
	}
}

func (x *fdParker) close() error {
	return unix.Close(x.fd)
}
