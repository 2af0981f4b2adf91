// Package api
// Author: momentics
//
// Hand-off of work from foreign goroutines into the event loop.

package api

// Poster queues fn for execution on the loop goroutine.
type Poster interface {
	Post(fn func()) error
}

// PosterFunc adapts a function to Poster.
type PosterFunc func(fn func()) error

func (f PosterFunc) Post(fn func()) error { return f(fn) }
