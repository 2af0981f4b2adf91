// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package comm

import (
	"github.com/eapache/queue"
)

type completionKind uint8

const (
	kindRead completionKind = iota
	kindWrite
	kindFill
	kindAccept
)

// completion is a queued result. Exactly one of the handler fields is set,
// matching kind.
type completion struct {
	seq    uint64
	kind   completionKind
	voided bool

	res    Result
	buf    []byte
	n      int
	newFD  int
	detail ConnDetail

	onIO     func(IOResult)
	onAccept AcceptHandler
}

func (cp *completion) deliver() {
	switch cp.kind {
	case kindAccept:
		cp.onAccept(AcceptResult{Result: cp.res, NewFD: cp.newFD, Detail: cp.detail})
	default:
		cp.onIO(IOResult{Result: cp.res, Buf: cp.buf, N: cp.n})
	}
}

// completionQueue is the global FIFO of results awaiting delivery. Each
// entry is also on its descriptor's FIFO so close can void it.
type completionQueue struct {
	all  *queue.Queue
	next uint64
	live int
}

func (c *Comm) enqueue(d *Descriptor, cp *completion) {
	cp.seq = c.cq.next
	c.cq.next++
	c.cq.all.Add(cp)
	if d.io.pending == nil {
		d.io.pending = queue.New()
	}
	d.io.pending.Add(cp)
	c.cq.live++
}

// DrainOnce delivers the completions that were queued when it started and
// returns how many it delivered. Completions queued by the handlers wait for
// the next pass.
func (c *Comm) DrainOnce() int {
	mark := c.cq.next
	delivered := 0
	for c.cq.all.Length() > 0 {
		cp := c.cq.all.Peek().(*completion)
		if cp.seq >= mark {
			break
		}
		c.cq.all.Remove()
		if cp.voided {
			continue
		}
		d := c.reg.Lookup(cp.res.FD)
		if d == nil || d.io.pending == nil || d.io.pending.Length() == 0 {
			violation("completion for FD %d outlived its descriptor", cp.res.FD)
		}
		if head := d.io.pending.Peek().(*completion); head != cp {
			violation("completion order broken on FD %d", cp.res.FD)
		}
		d.io.pending.Remove()
		cp.voided = true
		c.cq.live--
		cp.deliver()
		delivered++
	}
	return delivered
}

// HasPendingCompletions reports whether any completion awaits delivery.
func (c *Comm) HasPendingCompletions() bool { return c.cq.live > 0 }

// HasPendingReadCallback reports whether a read result for fd is queued.
func (c *Comm) HasPendingReadCallback(fd int) bool {
	d := c.reg.Lookup(fd)
	if d == nil || d.io.pending == nil {
		return false
	}
	for i := 0; i < d.io.pending.Length(); i++ {
		if d.io.pending.Get(i).(*completion).kind == kindRead {
			return true
		}
	}
	return false
}

// flushPending voids every queued completion of d and delivers it
// immediately with StatusClosing, oldest first.
func (c *Comm) flushPending(d *Descriptor) {
	if d.io.pending == nil {
		return
	}
	for d.io.pending.Length() > 0 {
		cp := d.io.pending.Remove().(*completion)
		cp.voided = true
		c.cq.live--
		cp.res.Status = StatusClosing
		cp.res.Errno = 0
		cp.deliver()
	}
}
