// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Loop-side concurrency primitives for the comm engine: a timer queue owned
// by the event loop and an inbox through which other goroutines hand work
// to it. Neither type spawns goroutines.
package concurrency
