// Package goid extracts the current goroutine's ID.
//
// The ID is parsed from the first line of [runtime.Stack] output, which is
// stable across Go releases (unlike offsets into the runtime g struct).
// Callers that care about the cost are expected to cache the result for the
// lifetime of the goroutine, the way a loop caches its own ID once at start.
package goid

import "runtime"

// Get returns the current goroutine's ID.
//
// It never returns 0; the runtime numbers goroutines from 1.
func Get() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
