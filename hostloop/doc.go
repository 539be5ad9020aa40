// Package hostloop provides a single-goroutine host event loop that
// satisfies the seqctrl.TaskRunner contract: tasks posted from any
// goroutine run serially on the loop goroutine, delayed tasks fire from a
// timer heap, and producers waking a sleeping loop are deduplicated down
// to a single wake-up signal.
//
// The loop parks on an eventfd on Linux and on a buffered channel
// elsewhere; either way a sleeping loop costs nothing until woken.
//
// # Thread Safety
//
//   - [Loop.PostTask], [Loop.PostDelayedTask], and [Loop.Wake] are safe to
//     call from any goroutine.
//   - [Loop.Run] must be called once; it blocks until shutdown.
//   - [Loop.RunsTasksInCurrentSequence] reports whether the caller is the
//     loop goroutine.
package hostloop
