// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package comm

import (
	"github.com/go-kit/log/level"
	"github.com/momentics/hioload-comm/api"
	"golang.org/x/sys/unix"
)

// IOResult is delivered to read, write and fill handlers. Buf is the buffer
// passed in; N is how much of it was transferred. A read with StatusOK and
// N == 0 means end of file.
type IOResult struct {
	Result
	Buf []byte
	N   int
}

// Data returns the transferred part of Buf.
func (r IOResult) Data() []byte {
	if r.N <= 0 || r.N > len(r.Buf) {
		return nil
	}
	return r.Buf[:r.N]
}

type (
	ReadHandler  func(IOResult)
	WriteHandler func(IOResult)
	FillHandler  func(IOResult)
)

// Read reads at most len(buf) bytes from fd. The read is attempted at once;
// if nothing is available the engine waits for readiness. The outcome is
// always delivered by a later drain pass.
func (c *Comm) Read(fd int, buf []byte, h ReadHandler) {
	d := c.active(fd, OpRead)
	if h == nil {
		violation("read on FD %d without a handler", fd)
	}
	if d.io.read.handler != nil || d.io.fill.handler != nil {
		violation("read on FD %d while another read is pending", fd)
	}
	d.io.read = readOp{buf: buf, handler: h}
	c.tryRead(d)
}

func (c *Comm) handleRead(fd int) {
	if d := c.reg.Lookup(fd); d != nil && d.io.read.handler != nil {
		c.tryRead(d)
	}
}

func (c *Comm) tryRead(d *Descriptor) {
	op := &d.io.read
	c.stats.Syscall(api.SyscallRead)
	n, err := unix.Read(d.FD, op.buf)
	if err != nil {
		errno := toErrno(err)
		if IgnoreErrno(errno) {
			c.waitReadable(d, c.readReady, OpRead)
			return
		}
		level.Debug(c.logger).Log("msg", "read failed", "fd", d.FD, "err", errno)
		c.finishRead(d, 0, statusFor(errno), errno)
		return
	}
	if n == 0 && len(op.buf) > 0 {
		d.Flags.SocketEOF = true
	}
	c.countRead(d, n)
	c.finishRead(d, n, StatusOK, 0)
}

func (c *Comm) finishRead(d *Descriptor, n int, st Status, errno unix.Errno) {
	op := d.io.read
	d.io.read = readOp{}
	c.enqueue(d, &completion{
		kind: kindRead,
		res:  Result{Op: OpRead, FD: d.FD, Status: st, Errno: errno},
		buf:  op.buf,
		n:    n,
		onIO: op.handler,
	})
}

// waitReadable installs fn for read readiness, failing the pending operation
// if the multiplexer refuses the descriptor.
func (c *Comm) waitReadable(d *Descriptor, fn api.ReadyFunc, op Op) {
	if err := c.mux.SetInterest(d.FD, api.InterestRead, fn); err != nil {
		level.Warn(c.logger).Log("msg", "cannot wait for read readiness", "fd", d.FD, "op", op, "err", err)
		errno := toErrno(err)
		switch op {
		case OpRead:
			c.finishRead(d, 0, StatusError, errno)
		case OpFill:
			c.finishFill(d, StatusError, errno)
		case OpAccept:
			c.failAccept(d, StatusError, errno)
		}
	}
}

func (c *Comm) countRead(d *Descriptor, n int) {
	if n > 0 {
		d.BytesRead += int64(n)
		c.stats.Bytes(api.DirRead, n)
	}
}

// HasPendingRead reports whether a read is outstanding on fd.
func (c *Comm) HasPendingRead(fd int) bool {
	d := c.reg.Lookup(fd)
	return d != nil && d.io.read.handler != nil
}

// ReadCancel drops the pending read on fd. The read must not have produced
// its result yet.
func (c *Comm) ReadCancel(fd int) {
	d := c.reg.Lookup(fd)
	if d == nil {
		violation("read cancel on FD %d which is not open", fd)
	}
	if d.io.read.handler == nil {
		violation("read cancel on FD %d without a pending read", fd)
	}
	if c.HasPendingReadCallback(fd) {
		violation("read cancel on FD %d after its result was queued", fd)
	}
	d.io.read = readOp{}
	_ = c.mux.ClearInterest(fd, api.InterestRead)
}

// Fill reads into buf until it is full, the peer closes or an error occurs.
// The handler gets the number of bytes placed in buf.
func (c *Comm) Fill(fd int, buf []byte, h FillHandler) {
	d := c.active(fd, OpFill)
	if h == nil {
		violation("fill on FD %d without a handler", fd)
	}
	if d.io.read.handler != nil || d.io.fill.handler != nil {
		violation("fill on FD %d while another read is pending", fd)
	}
	d.io.fill = fillOp{buf: buf, handler: h}
	c.tryFill(d)
}

func (c *Comm) handleFill(fd int) {
	if d := c.reg.Lookup(fd); d != nil && d.io.fill.handler != nil {
		c.tryFill(d)
	}
}

func (c *Comm) tryFill(d *Descriptor) {
	op := &d.io.fill
	for op.done < len(op.buf) {
		c.stats.Syscall(api.SyscallRead)
		n, err := unix.Read(d.FD, op.buf[op.done:])
		if err != nil {
			errno := toErrno(err)
			if IgnoreErrno(errno) {
				c.waitReadable(d, c.fillReady, OpFill)
				return
			}
			c.finishFill(d, statusFor(errno), errno)
			return
		}
		if n == 0 {
			d.Flags.SocketEOF = true
			break
		}
		c.countRead(d, n)
		op.done += n
	}
	c.finishFill(d, StatusOK, 0)
}

func (c *Comm) finishFill(d *Descriptor, st Status, errno unix.Errno) {
	op := d.io.fill
	d.io.fill = fillOp{}
	c.enqueue(d, &completion{
		kind: kindFill,
		res:  Result{Op: OpFill, FD: d.FD, Status: st, Errno: errno},
		buf:  op.buf,
		n:    op.done,
		onIO: op.handler,
	})
}
