// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package comm

import (
	"sort"
	"time"

	"github.com/go-kit/log/level"
)

// abortChecker probes half-closed descriptors for an abort by the peer.
// Probes go out on alternate loop ticks, at most once per interval.
type abortChecker struct {
	interval time.Duration
	fds      map[int]uint64
	checking bool
	last     time.Time
}

func (a *abortChecker) init(interval time.Duration) {
	a.interval = interval
	a.fds = make(map[int]uint64)
}

func (a *abortChecker) stop(fd int) {
	delete(a.fds, fd)
}

// MarkHalfClosed records that the peer finished sending on fd while the
// response is still being written.
func (c *Comm) MarkHalfClosed(fd int) {
	d := c.active(fd, "half close")
	if d.Flags.HalfClosed {
		violation("FD %d marked half-closed twice", fd)
	}
	d.Flags.HalfClosed = true
	c.abort.fds[fd] = d.Gen
	level.Debug(c.logger).Log("msg", "half-closed", "fd", fd)
}

// IsHalfClosed reports whether fd is monitored as half-closed.
func (c *Comm) IsHalfClosed(fd int) bool {
	d := c.reg.Lookup(fd)
	return d != nil && d.Flags.HalfClosed
}

func (c *Comm) abortTick() {
	a := &c.abort
	if len(a.fds) == 0 {
		return
	}
	if a.checking {
		a.checking = false
		return
	}
	now := c.now()
	if now.Sub(a.last) < a.interval {
		return
	}
	fds := make([]int, 0, len(a.fds))
	for fd := range a.fds {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	for _, fd := range fds {
		d := c.reg.Lookup(fd)
		if d == nil || d.Gen != a.fds[fd] {
			delete(a.fds, fd)
			continue
		}
		if d.Closing || d.io.read.handler != nil || d.io.fill.handler != nil || c.HasPendingReadCallback(fd) {
			continue
		}
		c.Read(fd, nil, c.abortCheckRead)
	}
	a.checking = true
	a.last = now
}

func (c *Comm) abortCheckRead(r IOResult) {
	if r.Status == StatusOK || r.Status == StatusClosing {
		return
	}
	level.Debug(c.logger).Log("msg", "half-closed peer aborted", "fd", r.FD, "err", r.Errno)
	if c.reg.Lookup(r.FD) != nil {
		_ = c.Close(r.FD)
	}
}
