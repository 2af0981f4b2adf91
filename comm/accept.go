// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package comm

import (
	"net/netip"
	"time"

	"github.com/go-kit/log/level"
	"github.com/momentics/hioload-comm/api"
	"golang.org/x/sys/unix"
)

// ConnDetail describes both ends of an accepted connection.
type ConnDetail struct {
	Peer  netip.AddrPort
	Local netip.AddrPort
}

// AcceptResult is delivered to accept handlers. NewFD is -1 unless Status is StatusOK.
type AcceptResult struct {
	Result
	NewFD  int
	Detail ConnDetail
}

// AcceptHandler receives one accepted connection. To keep accepting it must
// call Accept again before returning.
type AcceptHandler func(AcceptResult)

// Accept waits for one incoming connection on the listening descriptor fd.
//
// Successful accepts are handed to h straight from the readiness dispatch,
// up to MaxAcceptPerLoop per wakeup as long as h re-registers. While free
// descriptors are below the reserve, accept(2) is not attempted and a check
// timer retries later. Failures are queued like other completions.
func (c *Comm) Accept(fd int, h AcceptHandler) {
	d := c.active(fd, OpAccept)
	if h == nil {
		violation("accept on FD %d without a handler", fd)
	}
	if d.io.accept.handler != nil {
		violation("accept on FD %d while another accept is pending", fd)
	}
	d.io.accept.handler = h
	if c.belowReserve() {
		c.deferAccept(d)
		return
	}
	c.waitReadable(d, c.acceptReady, OpAccept)
}

// SetAcceptCheckDelay changes how long an accept deferred for lack of
// descriptors waits before checking again.
func (c *Comm) SetAcceptCheckDelay(fd int, delay time.Duration) {
	d := c.reg.Lookup(fd)
	if d == nil {
		violation("accept check delay on FD %d which is not open", fd)
	}
	d.io.accept.checkDelay = delay
}

func (c *Comm) belowReserve() bool {
	return c.reg.NumFree() < c.reg.Reserved()
}

func (c *Comm) acceptDelay(d *Descriptor) time.Duration {
	if d.io.accept.checkDelay > 0 {
		return d.io.accept.checkDelay
	}
	return c.cfg.AcceptCheckDelay
}

func (c *Comm) handleAccept(fd int) {
	d := c.reg.Lookup(fd)
	if d == nil || d.Closing || d.io.accept.handler == nil {
		return
	}
	gen := d.Gen
	acc := &d.io.accept
	acc.count = 0
	acc.finished = false
	for !acc.finished && acc.count < c.cfg.MaxAcceptPerLoop {
		c.acceptOne(d)
		if !d.Open || d.Closing || d.Gen != gen {
			return
		}
	}
}

func (c *Comm) acceptOne(d *Descriptor) {
	acc := &d.io.accept
	if c.belowReserve() {
		c.deferAccept(d)
		acc.finished = true
		return
	}

	c.stats.Syscall(api.SyscallAccept)
	nfd, sa, err := unix.Accept(d.FD)
	if err != nil {
		errno := toErrno(err)
		acc.finished = true
		if IgnoreErrno(errno) || errno == unix.ECONNABORTED {
			c.waitReadable(d, c.acceptReady, OpAccept)
			return
		}
		if Classify(errno) == ClassLimit {
			reserved := c.reg.AdjustReserved()
			level.Warn(c.logger).Log("msg", "accept hit the descriptor limit", "fd", d.FD, "err", errno, "reserved_fd", reserved)
		} else {
			level.Debug(c.logger).Log("msg", "accept failed", "fd", d.FD, "err", errno)
		}
		c.failAccept(d, statusFor(errno), errno)
		return
	}

	detail, err := c.registerAccepted(nfd, sa)
	if err != nil {
		level.Warn(c.logger).Log("msg", "dropping accepted connection", "fd", nfd, "err", err)
		_ = unix.Close(nfd)
		acc.finished = true
		c.failAccept(d, StatusLimit, unix.EMFILE)
		return
	}

	acc.count++
	h := acc.handler
	acc.handler = nil
	level.Debug(c.logger).Log("msg", "accepted", "fd", d.FD, "new_fd", nfd, "peer", detail.Peer)
	h(AcceptResult{Result: Result{Op: OpAccept, FD: d.FD, Status: StatusOK}, NewFD: nfd, Detail: detail})
	if acc.handler == nil {
		acc.finished = true
	}
}

func (c *Comm) registerAccepted(nfd int, sa unix.Sockaddr) (ConnDetail, error) {
	nd, err := c.reg.register(nfd, TypeSocket, "accepted connection")
	if err != nil {
		return ConnDetail{}, err
	}
	nd.SoType = unix.SOCK_STREAM
	nd.Family = familyOf(sa)
	nd.Peer = addrPortFrom(sa)
	if lsa, err := unix.Getsockname(nfd); err == nil {
		nd.Local = addrPortFrom(lsa)
	}
	c.setCloseOnExec(nd)
	if err := c.setNonBlocking(nd); err != nil {
		c.reg.release(nfd)
		return ConnDetail{}, err
	}
	return ConnDetail{Peer: nd.Peer, Local: nd.Local}, nil
}

// failAccept queues a failed accept for delivery.
func (c *Comm) failAccept(d *Descriptor, st Status, errno unix.Errno) {
	h := d.io.accept.handler
	d.io.accept.handler = nil
	if h == nil {
		return
	}
	c.enqueue(d, &completion{
		kind:     kindAccept,
		res:      Result{Op: OpAccept, FD: d.FD, Status: st, Errno: errno},
		newFD:    -1,
		onAccept: h,
	})
}

// deferAccept parks the pending accept on a check timer.
func (c *Comm) deferAccept(d *Descriptor) {
	acc := &d.io.accept
	_ = c.mux.ClearInterest(d.FD, api.InterestRead)
	if acc.check != nil && acc.check.Pending() {
		return
	}
	level.Debug(c.logger).Log("msg", "deferring accept, descriptors low", "fd", d.FD,
		"free", c.reg.NumFree(), "reserved_fd", c.reg.Reserved())
	fd, gen := d.FD, d.Gen
	acc.check = c.sched.ScheduleOnce(c.acceptDelay(d), func() { c.acceptCheck(fd, gen) })
}

func (c *Comm) acceptCheck(fd int, gen uint64) {
	d := c.reg.Lookup(fd)
	if d == nil || d.Gen != gen || d.Closing || d.io.accept.handler == nil {
		return
	}
	acc := &d.io.accept
	acc.check = nil
	if !c.belowReserve() {
		c.waitReadable(d, c.acceptReady, OpAccept)
		return
	}
	if c.warnLimit.AllowN(c.now(), 1) {
		level.Warn(c.logger).Log("msg", "running out of file descriptors, accept deferred",
			"open", c.reg.NumOpen(), "max_fd", c.reg.Max(), "reserved_fd", c.reg.Reserved())
	}
	acc.check = c.sched.ScheduleOnce(c.acceptDelay(d), func() { c.acceptCheck(fd, gen) })
}
