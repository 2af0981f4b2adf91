// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package comm

import (
	"net/netip"

	"github.com/go-kit/log/level"
	"github.com/momentics/hioload-comm/api"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// OpenFlags adjust socket creation.
type OpenFlags uint8

const (
	FlagNonBlocking OpenFlags = 1 << iota
	FlagReuseAddr
	FlagNoCloseOnExec
)

// OpenOptions describe a socket to create.
type OpenOptions struct {
	// SoType defaults to unix.SOCK_STREAM.
	SoType int
	Proto  int
	// Family defaults to the family of Local, or AF_INET.
	Family int
	// Local is bound when valid.
	Local netip.AddrPort
	Flags OpenFlags
	TOS   int
	Note  string
}

// Open creates, configures and registers a socket.
func (c *Comm) Open(o OpenOptions) (int, error) {
	soType := o.SoType
	if soType == 0 {
		soType = unix.SOCK_STREAM
	}
	family := o.Family
	if family == 0 {
		family = unix.AF_INET
		if o.Local.IsValid() && o.Local.Addr().Is6() && !o.Local.Addr().Is4In6() {
			family = unix.AF_INET6
		}
	}

	c.stats.Syscall(api.SyscallSocket)
	fd, err := unix.Socket(family, soType, o.Proto)
	if err != nil {
		errno := toErrno(err)
		if Classify(errno) == ClassLimit {
			reserved := c.reg.AdjustReserved()
			level.Warn(c.logger).Log("msg", "socket failed, out of descriptors", "err", errno, "reserved_fd", reserved)
		} else {
			level.Warn(c.logger).Log("msg", "socket failed", "err", errno)
		}
		return -1, &OpError{Op: OpOpen, FD: -1, Status: statusFor(errno), Errno: errno}
	}

	d, err := c.reg.register(fd, TypeSocket, o.Note)
	if err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	d.Family = family
	d.SoType = soType
	d.Proto = o.Proto
	level.Debug(c.logger).Log("msg", "opened socket", "fd", fd, "note", o.Note)

	if o.Flags&FlagNoCloseOnExec == 0 {
		c.setCloseOnExec(d)
	}
	if o.TOS != 0 {
		c.setTOS(d, o.TOS)
	}
	if o.Local.Port() > 0 {
		c.setNoLinger(d)
		if c.cfg.ReuseAddr {
			c.setReuseAddr(d)
		}
	}
	if o.Flags&FlagReuseAddr != 0 {
		c.setReuseAddr(d)
	}
	if o.Local.IsValid() {
		d.Local = o.Local
		if err := c.bind(d, o.Local); err != nil {
			_ = c.Close(fd)
			return -1, err
		}
	}
	if o.Flags&FlagNonBlocking != 0 {
		if err := c.setNonBlocking(d); err != nil {
			_ = c.Close(fd)
			return -1, err
		}
	}
	if soType == unix.SOCK_STREAM {
		c.setNoDelay(d)
		if c.cfg.TCPRcvBuf > 0 {
			c.setRcvBuf(d, c.cfg.TCPRcvBuf)
		}
	}
	return fd, nil
}

// Listen puts a stream socket into listening state with a backlog of a
// quarter of the descriptor budget.
func (c *Comm) Listen(fd int) error {
	c.active(fd, "listen")
	backlog := c.reg.Max() >> 2
	if backlog < 1 {
		backlog = 1
	}
	if err := unix.Listen(fd, backlog); err != nil {
		level.Warn(c.logger).Log("msg", "listen failed", "fd", fd, "err", err)
		return errors.Wrapf(err, "listen FD %d", fd)
	}
	return nil
}

// LocalPort returns the bound port of fd, asking the kernel the first time.
func (c *Comm) LocalPort(fd int) (uint16, error) {
	d := c.reg.Lookup(fd)
	if d == nil {
		violation("local port of FD %d which is not open", fd)
	}
	if d.Local.Port() != 0 {
		return d.Local.Port(), nil
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, errors.Wrapf(err, "getsockname FD %d", fd)
	}
	ap := addrPortFrom(sa)
	addr := d.Local.Addr()
	if !addr.IsValid() {
		addr = ap.Addr()
	}
	d.Local = netip.AddrPortFrom(addr, ap.Port())
	return ap.Port(), nil
}

// Adopt registers a descriptor created outside the engine.
func (c *Comm) Adopt(fd int, typ Type, note string) error {
	d, err := c.reg.register(fd, typ, note)
	if err != nil {
		return err
	}
	if fl, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0); err == nil {
		d.Flags.NonBlocking = fl&unix.O_NONBLOCK != 0
	}
	if fl, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err == nil {
		d.Flags.CloseOnExec = fl&unix.FD_CLOEXEC != 0
	}
	if typ == TypeSocket {
		if sa, err := unix.Getsockname(fd); err == nil {
			d.Family = familyOf(sa)
			d.Local = addrPortFrom(sa)
		}
		if sa, err := unix.Getpeername(fd); err == nil {
			d.Peer = addrPortFrom(sa)
		}
		if v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE); err == nil {
			d.SoType = v
		}
	}
	level.Debug(c.logger).Log("msg", "adopted descriptor", "fd", fd, "type", typ, "note", note)
	return nil
}

// SetNonBlocking switches fd to non-blocking mode.
func (c *Comm) SetNonBlocking(fd int) error {
	d := c.reg.Lookup(fd)
	if d == nil {
		violation("set non-blocking on FD %d which is not open", fd)
	}
	return c.setNonBlocking(d)
}

func sockaddrFor(family int, ap netip.AddrPort) (unix.Sockaddr, error) {
	addr := ap.Addr()
	if !addr.IsValid() {
		return nil, unix.EADDRNOTAVAIL
	}
	if family == unix.AF_INET6 {
		return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}, nil
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return nil, unix.EAFNOSUPPORT
	}
	return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, nil
}

func addrPortFrom(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	}
	return netip.AddrPort{}
}

func familyOf(sa unix.Sockaddr) int {
	switch sa.(type) {
	case *unix.SockaddrInet4:
		return unix.AF_INET
	case *unix.SockaddrInet6:
		return unix.AF_INET6
	case *unix.SockaddrUnix:
		return unix.AF_UNIX
	}
	return unix.AF_UNSPEC
}
