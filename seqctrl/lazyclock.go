package seqctrl

import "time"

// LazyClock is a deferred "now" snapshot: the underlying [Clock] is queried
// at most once, on the first call to Now, and the result is reused for the
// remainder of the scheduling pass.
//
// LazyClock is single-goroutine; it is created on the stack for one DoWork
// pass and discarded.
type LazyClock struct {
	clock Clock
	now   time.Time
}

// NewLazyClock returns a LazyClock reading from clock.
func NewLazyClock(clock Clock) LazyClock {
	return LazyClock{clock: clock}
}

// LazyClockAt returns a LazyClock with the snapshot already taken.
func LazyClockAt(now time.Time) LazyClock {
	return LazyClock{now: now}
}

// Now returns the snapshot, taking it on first use.
func (x *LazyClock) Now() time.Time {
	if x.now.IsZero() && x.clock != nil {
		x.now = x.clock.Now()
	}
	return x.now
}

// HasValue reports whether the snapshot has been taken.
func (x *LazyClock) HasValue() bool {
	return !x.now.IsZero()
}
