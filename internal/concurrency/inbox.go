// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Multi-producer task inbox drained by the event loop.

package concurrency

import "sync"

// Inbox collects closures posted from any goroutine.
type Inbox struct {
	mu     sync.Mutex
	tasks  []func()
	spare  []func()
	closed bool
}

// Push appends fn and returns false once the inbox is closed.
func (b *Inbox) Push(fn func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.tasks = append(b.tasks, fn)
	return true
}

// Run executes the tasks queued before the call. Tasks posted while running
// are left for the next call.
func (b *Inbox) Run() int {
	b.mu.Lock()
	batch := b.tasks
	b.tasks, b.spare = b.spare[:0], nil
	b.mu.Unlock()

	for i, fn := range batch {
		batch[i] = nil
		fn()
	}

	b.mu.Lock()
	b.spare = batch[:0]
	b.mu.Unlock()
	return len(batch)
}

// Len returns the number of queued tasks.
func (b *Inbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tasks)
}

// Close rejects further pushes. Already queued tasks can still be run.
func (b *Inbox) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}
