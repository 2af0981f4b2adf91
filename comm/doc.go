// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package comm is a single-threaded asynchronous socket I/O engine.
//
// A Comm owns a descriptor registry and a readiness multiplexer. Callers
// register interest in reads, writes, buffer fills, accepts and connects on
// raw descriptors and receive results through handlers invoked on the loop
// goroutine.
//
// Read, write and fill results are never delivered from inside the call that
// requested them. They are queued and handed out by the drain pass at the
// top of every loop iteration, one generation per pass: a handler that
// queues more work sees its results on the next pass, not the current one.
// Accepted connections are the exception. They are handed to the accept
// handler directly from the readiness dispatch so a busy listener can take
// several connections per wakeup.
//
// Closing a descriptor delivers StatusClosing to every pending operation and
// every queued result for it, runs its close handlers most recent first and
// returns the registry slot for reuse.
//
// Misuse, such as two concurrent reads on one descriptor or I/O on a
// descriptor that is not open, panics with a "comm: contract violation"
// message. Runtime failures travel in Result.Status and Result.Errno.
//
// All methods except Post must be called from the loop goroutine.
package comm
