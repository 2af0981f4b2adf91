// Package api
// Author: momentics
//
// Scheduler contract for one-shot timed callbacks run by the event loop.

package api

import "time"

// Scheduler abstracts timer scheduling for the single-threaded loop.
// None of its methods are safe for use outside the loop goroutine.
type Scheduler interface {
	// ScheduleOnce runs fn once after delay.
	ScheduleOnce(delay time.Duration, fn func()) Cancelable

	// RunDue fires every callback that was due when the call started.
	RunDue() int

	// NextDeadline reports the earliest pending deadline.
	NextDeadline() (time.Time, bool)

	// Now returns the scheduler clock.
	Now() time.Time

	// Len returns the number of pending callbacks.
	Len() int
}
