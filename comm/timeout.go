// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package comm

import (
	"time"

	"github.com/go-kit/log/level"
)

// SetTimeout arms a deadline on fd. When it passes, fn runs once; if fn is
// nil, or its owner has been invalidated, fd is closed instead. A nil fn
// keeps a previously installed handler. A negative timeout clears the
// deadline. It returns the new deadline.
func (c *Comm) SetTimeout(fd int, timeout time.Duration, owner *Owner, fn func(fd int)) time.Time {
	d := c.reg.Lookup(fd)
	if d == nil {
		violation("timeout on FD %d which is not open", fd)
	}
	if timeout < 0 {
		c.clearTimeout(d)
		return time.Time{}
	}
	if fn != nil {
		d.timeoutHandler = fn
		d.timeoutOwner = owner
	}
	d.timeout = c.now().Add(timeout)
	return d.timeout
}

// ClearTimeout removes the deadline and handler of fd.
func (c *Comm) ClearTimeout(fd int) {
	if d := c.reg.Lookup(fd); d != nil {
		c.clearTimeout(d)
	}
}

func (c *Comm) clearTimeout(d *Descriptor) {
	d.timeout = time.Time{}
	d.timeoutHandler = nil
	d.timeoutOwner = nil
}

// Deadline returns the deadline of fd, zero when none is set.
func (c *Comm) Deadline(fd int) time.Time {
	if d := c.reg.Lookup(fd); d != nil {
		return d.timeout
	}
	return time.Time{}
}

// checkTimeouts fires expired deadlines. A handler is consumed when it
// runs; if the owner does not re-arm the deadline, the next sweep closes fd.
func (c *Comm) checkTimeouts() {
	now := c.now()
	if iv := c.cfg.TimeoutSweepInterval; iv > 0 && now.Sub(c.lastSweep) < iv {
		return
	}
	c.lastSweep = now
	for fd := 0; fd <= c.reg.Biggest(); fd++ {
		d := c.reg.Lookup(fd)
		if d == nil || d.Closing || d.timeout.IsZero() || d.timeout.After(now) {
			continue
		}
		if h, owner := d.timeoutHandler, d.timeoutOwner; h != nil {
			d.timeoutHandler = nil
			d.timeoutOwner = nil
			if owner.Valid() {
				level.Debug(c.logger).Log("msg", "timeout", "fd", fd)
				h(fd)
				continue
			}
		}
		level.Debug(c.logger).Log("msg", "timeout without handler, closing", "fd", fd)
		_ = c.Close(fd)
	}
}
