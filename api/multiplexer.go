// File: api/multiplexer.go
// Author: momentics <momentics@gmail.com>
//
// Defines the readiness multiplexer the comm engine drives: one-shot,
// per-direction interest registration on raw descriptors.

package api

import (
	"strings"
	"time"
)

// Interest selects a readiness direction.
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

func (i Interest) String() string {
	var parts []string
	if i&InterestRead != 0 {
		parts = append(parts, "read")
	}
	if i&InterestWrite != 0 {
		parts = append(parts, "write")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ReadyFunc is invoked on the loop goroutine once the descriptor is ready.
type ReadyFunc func(fd int)

// Multiplexer maps descriptors to readiness handlers.
//
// A handler fires at most once per registration: the multiplexer forgets it
// before calling it, so a handler that wants more events must register again.
// Errors and hang-ups wake both directions.
type Multiplexer interface {
	// SetInterest installs fn for the given direction(s), replacing any previous handler.
	SetInterest(fd int, dir Interest, fn ReadyFunc) error

	// ClearInterest drops the handler(s) for the given direction(s).
	ClearInterest(fd int, dir Interest) error

	// Detach forgets everything about fd. Must be called before fd is closed or replaced.
	Detach(fd int) error

	// Poll waits up to timeout (negative blocks) and dispatches ready handlers.
	Poll(timeout time.Duration) (int, error)

	// Wake interrupts a blocked Poll. Safe from any goroutine, even while
	// Close runs; after Close it returns ErrMultiplexerClosed.
	Wake() error

	// Close releases the backend.
	Close() error
}
