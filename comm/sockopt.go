// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package comm

import (
	"net/netip"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func (c *Comm) setNonBlocking(d *Descriptor) error {
	if err := unix.SetNonblock(d.FD, true); err != nil {
		level.Warn(c.logger).Log("msg", "cannot set non-blocking", "fd", d.FD, "err", err)
		return errors.Wrapf(err, "set non-blocking FD %d", d.FD)
	}
	d.Flags.NonBlocking = true
	return nil
}

func (c *Comm) setCloseOnExec(d *Descriptor) {
	unix.CloseOnExec(d.FD)
	d.Flags.CloseOnExec = true
}

func (c *Comm) setNoDelay(d *Descriptor) {
	if err := unix.SetsockoptInt(d.FD, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		level.Debug(c.logger).Log("msg", "cannot set TCP_NODELAY", "fd", d.FD, "err", err)
		return
	}
	d.Flags.NoDelay = true
}

func (c *Comm) setRcvBuf(d *Descriptor, size int) {
	if err := unix.SetsockoptInt(d.FD, unix.SOL_SOCKET, unix.SO_RCVBUF, size); err != nil {
		level.Debug(c.logger).Log("msg", "cannot set SO_RCVBUF", "fd", d.FD, "size", size, "err", err)
		return
	}
	d.RcvBuf = size
}

func (c *Comm) setReuseAddr(d *Descriptor) {
	if err := unix.SetsockoptInt(d.FD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		level.Debug(c.logger).Log("msg", "cannot set SO_REUSEADDR", "fd", d.FD, "err", err)
		return
	}
	d.Flags.ReuseAddr = true
}

func (c *Comm) setNoLinger(d *Descriptor) {
	if err := unix.SetsockoptLinger(d.FD, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{}); err != nil {
		level.Debug(c.logger).Log("msg", "cannot clear SO_LINGER", "fd", d.FD, "err", err)
		return
	}
	d.Flags.NoLinger = true
}

func (c *Comm) setTOS(d *Descriptor, tos int) {
	var err error
	if d.Family == unix.AF_INET6 {
		err = unix.SetsockoptInt(d.FD, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	} else {
		err = unix.SetsockoptInt(d.FD, unix.IPPROTO_IP, unix.IP_TOS, tos)
	}
	if err != nil {
		level.Warn(c.logger).Log("msg", "cannot set TOS", "fd", d.FD, "tos", tos, "err", err)
		return
	}
	d.TOS = tos
}

func (c *Comm) bind(d *Descriptor, ap netip.AddrPort) error {
	sa, err := sockaddrFor(d.Family, ap)
	if err == nil {
		err = unix.Bind(d.FD, sa)
	}
	if err != nil {
		level.Warn(c.logger).Log("msg", "bind failed", "fd", d.FD, "addr", ap, "err", err)
		return errors.Wrapf(err, "bind FD %d to %s", d.FD, ap)
	}
	return nil
}

// copyFlags re-applies the options tracked in d after the socket under it
// was replaced.
func (c *Comm) copyFlags(d *Descriptor) error {
	if d.Flags.CloseOnExec {
		unix.CloseOnExec(d.FD)
	}
	if d.Flags.NonBlocking {
		if err := c.setNonBlocking(d); err != nil {
			return err
		}
	}
	if d.Flags.NoDelay {
		c.setNoDelay(d)
	}
	if d.RcvBuf > 0 {
		c.setRcvBuf(d, d.RcvBuf)
	}
	return nil
}
