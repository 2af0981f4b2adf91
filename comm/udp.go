// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package comm

import (
	"net/netip"

	"github.com/go-kit/log/level"
	"github.com/momentics/hioload-comm/api"
	"golang.org/x/sys/unix"
)

// UDPSendTo sends one datagram to to. It does not wait for readiness.
func (c *Comm) UDPSendTo(fd int, to netip.AddrPort, buf []byte) (int, error) {
	d := c.active(fd, OpSendTo)
	c.stats.Syscall(api.SyscallSendTo)
	sa, err := sockaddrFor(d.Family, to)
	if err == nil {
		err = unix.Sendto(fd, buf, 0, sa)
	}
	if err != nil {
		errno := toErrno(err)
		// Linux reports an ICMP error from an earlier datagram here.
		if errno != unix.ECONNREFUSED {
			level.Warn(c.logger).Log("msg", "sendto failed", "fd", fd, "to", to, "err", errno)
		}
		return 0, &OpError{Op: OpSendTo, FD: fd, Status: statusFor(errno), Errno: errno}
	}
	d.BytesWritten += int64(len(buf))
	c.stats.Bytes(api.DirWrite, len(buf))
	return len(buf), nil
}

// UDPSend sends one datagram on a connected socket.
func (c *Comm) UDPSend(fd int, buf []byte) (int, error) {
	d := c.active(fd, OpSendTo)
	c.stats.Syscall(api.SyscallSendTo)
	n, err := unix.Write(fd, buf)
	if err != nil {
		errno := toErrno(err)
		return 0, &OpError{Op: OpSendTo, FD: fd, Status: statusFor(errno), Errno: errno}
	}
	d.BytesWritten += int64(n)
	c.stats.Bytes(api.DirWrite, n)
	return n, nil
}

// UDPRecvFrom receives one datagram and its source address.
func (c *Comm) UDPRecvFrom(fd int, buf []byte, flags int) (int, netip.AddrPort, error) {
	d := c.active(fd, OpRecv)
	c.stats.Syscall(api.SyscallRecvFrom)
	n, from, err := unix.Recvfrom(fd, buf, flags)
	if err != nil {
		errno := toErrno(err)
		return 0, netip.AddrPort{}, &OpError{Op: OpRecv, FD: fd, Status: statusFor(errno), Errno: errno}
	}
	d.BytesRead += int64(n)
	c.stats.Bytes(api.DirRead, n)
	return n, addrPortFrom(from), nil
}

// UDPRecv receives one datagram, discarding the source address.
func (c *Comm) UDPRecv(fd int, buf []byte, flags int) (int, error) {
	n, _, err := c.UDPRecvFrom(fd, buf, flags)
	return n, err
}
