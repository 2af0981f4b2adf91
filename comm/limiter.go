// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package comm

import (
	"github.com/eapache/queue"
	"github.com/go-kit/log/level"
	"github.com/momentics/hioload-comm/control"
)

type parkedAcceptor struct {
	fd      int
	gen     uint64
	handler AcceptHandler
}

// AcceptLimiter parks listeners that chose to stop accepting while
// descriptors are scarce. Every close that leaves enough headroom resumes
// one of them. The default order is most recently parked first.
type AcceptLimiter struct {
	c     *Comm
	lifo  bool
	stack []parkedAcceptor
	fifo  *queue.Queue
}

func newAcceptLimiter(c *Comm, order string) *AcceptLimiter {
	return &AcceptLimiter{c: c, lifo: order != control.LimiterFIFO, fifo: queue.New()}
}

// Defer parks an accept on fd to be resumed by Kick.
func (l *AcceptLimiter) Defer(fd int, h AcceptHandler) {
	d := l.c.active(fd, OpAccept)
	if h == nil {
		violation("deferred accept on FD %d without a handler", fd)
	}
	p := parkedAcceptor{fd: fd, gen: d.Gen, handler: h}
	if l.lifo {
		l.stack = append(l.stack, p)
	} else {
		l.fifo.Add(p)
	}
	level.Debug(l.c.logger).Log("msg", "accept deferred by limiter", "fd", fd, "parked", l.Len())
}

// Len returns the number of parked accepts.
func (l *AcceptLimiter) Len() int {
	return len(l.stack) + l.fifo.Length()
}

// Kick resumes one parked accept. Entries whose descriptor has since been
// closed are dropped without counting. It reports whether one was resumed.
func (l *AcceptLimiter) Kick() bool {
	for l.Len() > 0 {
		p := l.pop()
		d := l.c.reg.Lookup(p.fd)
		if d == nil || d.Gen != p.gen || d.Closing || d.io.accept.handler != nil {
			continue
		}
		level.Debug(l.c.logger).Log("msg", "resuming deferred accept", "fd", p.fd, "parked", l.Len())
		l.c.Accept(p.fd, p.handler)
		return true
	}
	return false
}

func (l *AcceptLimiter) pop() parkedAcceptor {
	if l.lifo {
		last := len(l.stack) - 1
		p := l.stack[last]
		l.stack[last] = parkedAcceptor{}
		l.stack = l.stack[:last]
		return p
	}
	return l.fifo.Remove().(parkedAcceptor)
}
