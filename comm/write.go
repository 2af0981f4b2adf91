// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package comm

import (
	"github.com/go-kit/log/level"
	"github.com/momentics/hioload-comm/api"
	"golang.org/x/sys/unix"
)

// Write sends all of buf on fd, waiting for readiness as often as needed.
// The handler gets the total written; on a terminal error that total comes
// with the error status.
func (c *Comm) Write(fd int, buf []byte, h WriteHandler) {
	d := c.active(fd, OpWrite)
	if h == nil {
		violation("write on FD %d without a handler", fd)
	}
	if d.io.write.handler != nil {
		violation("write on FD %d while another write is pending", fd)
	}
	d.io.write = writeOp{buf: buf, handler: h}
	c.tryWrite(d)
}

// HasIncompleteWrite reports whether a write is outstanding on fd.
func (c *Comm) HasIncompleteWrite(fd int) bool {
	d := c.reg.Lookup(fd)
	return d != nil && d.io.write.handler != nil
}

func (c *Comm) handleWrite(fd int) {
	if d := c.reg.Lookup(fd); d != nil && d.io.write.handler != nil {
		c.tryWrite(d)
	}
}

func (c *Comm) tryWrite(d *Descriptor) {
	op := &d.io.write
	if op.off >= len(op.buf) {
		c.finishWrite(d, StatusOK, 0)
		return
	}
	c.stats.Syscall(api.SyscallWrite)
	n, err := unix.Write(d.FD, op.buf[op.off:])
	if n > 0 {
		op.off += n
		d.BytesWritten += int64(n)
		c.stats.Bytes(api.DirWrite, n)
	}
	if err != nil {
		errno := toErrno(err)
		if !IgnoreErrno(errno) {
			level.Debug(c.logger).Log("msg", "write failed", "fd", d.FD, "written", op.off, "err", errno)
			c.finishWrite(d, statusFor(errno), errno)
			return
		}
	} else if op.off >= len(op.buf) {
		c.finishWrite(d, StatusOK, 0)
		return
	}
	if err := c.mux.SetInterest(d.FD, api.InterestWrite, c.writeReady); err != nil {
		level.Warn(c.logger).Log("msg", "cannot wait for write readiness", "fd", d.FD, "err", err)
		c.finishWrite(d, StatusError, unix.EBADF)
	}
}

func (c *Comm) finishWrite(d *Descriptor, st Status, errno unix.Errno) {
	op := d.io.write
	d.io.write = writeOp{}
	c.enqueue(d, &completion{
		kind: kindWrite,
		res:  Result{Op: OpWrite, FD: d.FD, Status: st, Errno: errno},
		buf:  op.buf,
		n:    op.off,
		onIO: op.handler,
	})
}
