// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package comm

import (
	"time"

	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/momentics/hioload-comm/api"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// lingerTimeout bounds how long LingeringClose waits for the peer.
const lingerTimeout = 10 * time.Second

// CloseHandlerID identifies a registered close handler.
type CloseHandlerID uint64

type closeHandler struct {
	id    CloseHandlerID
	owner *Owner
	fn    func(fd int)
}

// AddCloseHandler registers fn to run when fd closes. Handlers run most
// recently added first and are skipped if owner was invalidated.
func (c *Comm) AddCloseHandler(fd int, owner *Owner, fn func(fd int)) CloseHandlerID {
	d := c.reg.Lookup(fd)
	if d == nil {
		violation("close handler on FD %d which is not open", fd)
	}
	if fn == nil {
		violation("nil close handler on FD %d", fd)
	}
	c.nextCloseID++
	id := c.nextCloseID
	d.closeHandlers = append(d.closeHandlers, closeHandler{id: id, owner: owner, fn: fn})
	return id
}

// RemoveCloseHandler unregisters a handler added with AddCloseHandler.
func (c *Comm) RemoveCloseHandler(fd int, id CloseHandlerID) {
	d := c.reg.Lookup(fd)
	if d == nil {
		violation("close handler removal on FD %d which is not open", fd)
	}
	for i, ch := range d.closeHandlers {
		if ch.id == id {
			d.closeHandlers = append(d.closeHandlers[:i], d.closeHandlers[i+1:]...)
			return
		}
	}
	violation("close handler %d is not registered on FD %d", id, fd)
}

func (c *Comm) callCloseHandlers(d *Descriptor) {
	for len(d.closeHandlers) > 0 {
		last := len(d.closeHandlers) - 1
		ch := d.closeHandlers[last]
		d.closeHandlers = d.closeHandlers[:last]
		if ch.owner.Valid() {
			ch.fn(d.FD)
		}
	}
}

// Close shuts fd down. Every pending operation and queued result for fd is
// delivered with StatusClosing before close(2), then the close handlers run
// and the slot is released. Calling Close again while the first call is in
// progress does nothing.
func (c *Comm) Close(fd int) error {
	d := c.reg.Lookup(fd)
	if d == nil {
		violation("close of FD %d which is not open", fd)
	}
	if d.Closing {
		return nil
	}
	level.Debug(c.logger).Log("msg", "closing", "fd", fd, "note", d.Note)
	d.Closing = true

	if c.closeHook != nil {
		c.closeHook(fd)
	}
	c.clearTimeout(d)

	if w := d.io.write; w.handler != nil {
		d.io.write = writeOp{}
		w.handler(IOResult{Result: Result{Op: OpWrite, FD: fd, Status: StatusClosing}, Buf: w.buf, N: w.off})
	}
	if acc := &d.io.accept; acc.check != nil {
		acc.check.Cancel()
		acc.check = nil
	}
	if r := d.io.read; r.handler != nil {
		d.io.read = readOp{}
		r.handler(IOResult{Result: Result{Op: OpRead, FD: fd, Status: StatusClosing}, Buf: r.buf})
	}
	if h := d.io.accept.handler; h != nil {
		d.io.accept.handler = nil
		h(AcceptResult{Result: Result{Op: OpAccept, FD: fd, Status: StatusClosing}, NewFD: -1})
	}
	if f := d.io.fill; f.handler != nil {
		d.io.fill = fillOp{}
		f.handler(IOResult{Result: Result{Op: OpFill, FD: fd, Status: StatusClosing}, Buf: f.buf, N: f.done})
	}
	c.flushPending(d)
	c.callCloseHandlers(d)

	if d.Uses > 0 {
		c.stats.PconnUses(d.Uses)
	}
	if d.Flags.NonBlocking && d.Type == TypeSocket {
		emptyReadBuffer(fd)
	}
	_ = c.mux.Detach(fd)
	c.stats.Syscall(api.SyscallClose)
	err := unix.Close(fd)
	c.abort.stop(fd)
	c.reg.release(fd)

	if !c.belowReserve() {
		c.limiter.Kick()
	}
	if err != nil {
		return errors.Wrapf(err, "close FD %d", fd)
	}
	return nil
}

// ResetClose closes fd so the peer sees a reset instead of an orderly shutdown.
func (c *Comm) ResetClose(fd int) error {
	if c.reg.Lookup(fd) == nil {
		violation("reset close of FD %d which is not open", fd)
	}
	if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1}); err != nil {
		level.Debug(c.logger).Log("msg", "cannot set SO_LINGER for reset", "fd", fd, "err", err)
	}
	return c.Close(fd)
}

// LingeringClose half-closes fd and waits for the peer to finish sending,
// closing on the first read result or after ten seconds.
func (c *Comm) LingeringClose(fd int) error {
	c.active(fd, "lingering close")
	if err := unix.Shutdown(fd, unix.SHUT_WR); err != nil {
		return c.Close(fd)
	}
	c.SetTimeout(fd, lingerTimeout, nil, func(fd int) { _ = c.Close(fd) })
	if c.HasPendingRead(fd) || c.HasPendingReadCallback(fd) {
		return nil
	}
	buf := make([]byte, 4096)
	c.Read(fd, buf, func(r IOResult) {
		if r.Status == StatusClosing {
			return
		}
		if c.reg.Lookup(r.FD) != nil {
			_ = c.Close(r.FD)
		}
	})
	return nil
}

// Shutdown closes every open socket that is not an IPC channel. Descriptors
// with a timeout handler get that handler called instead, so their owners
// can wind down. Close errors are collected into the returned error.
func (c *Comm) Shutdown() error {
	var result *multierror.Error
	for fd := 0; fd <= c.reg.Biggest(); fd++ {
		d := c.reg.Lookup(fd)
		if d == nil || d.Closing || d.Type != TypeSocket || d.Flags.IPC {
			continue
		}
		if h, owner := d.timeoutHandler, d.timeoutOwner; h != nil {
			d.timeoutHandler = nil
			d.timeoutOwner = nil
			if owner.Valid() {
				level.Debug(c.logger).Log("msg", "shutdown: calling timeout handler", "fd", fd)
				h(fd)
				continue
			}
		}
		level.Debug(c.logger).Log("msg", "shutdown: closing", "fd", fd)
		if err := c.Close(fd); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
