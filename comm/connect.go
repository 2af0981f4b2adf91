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

// ConnectHandler receives the outcome of ConnectStart.
type ConnectHandler func(fd int, st Status, errno unix.Errno)

// connectState drives one outbound connection through resolution,
// connect(2), readiness waits and retries on a fresh socket.
type connectState struct {
	c       *Comm
	fd      int
	gen     uint64
	host    string
	port    uint16
	owner   *Owner
	handler ConnectHandler

	// addrs is this connection's copy of the resolved set. Retries walk
	// its cursor, so the order does not depend on the resolver cache.
	addrs     *api.AddrSet
	addr      netip.Addr
	addrCount int
	tries     int
	start     time.Time

	// locks counts resolutions in flight; at most one at a time.
	locks   int
	closeID CloseHandlerID
	freed   bool
}

// ConnectStart connects fd to host:port. Host may be a name or an IP
// literal. A single address is retried up to connect_max_tries within
// connect_timeout; a multi-address host gets one attempt per address.
// Every retry runs on a new socket placed under the same descriptor number.
//
// h runs once with the outcome unless fd is closed first or owner has been
// invalidated.
func (c *Comm) ConnectStart(fd int, host string, port uint16, owner *Owner, h ConnectHandler) {
	d := c.active(fd, OpConnect)
	if h == nil {
		violation("connect on FD %d without a handler", fd)
	}
	cs := &connectState{
		c:       c,
		fd:      fd,
		gen:     d.Gen,
		host:    host,
		port:    port,
		owner:   owner,
		handler: h,
		start:   c.now(),
	}
	cs.closeID = c.AddCloseHandler(fd, nil, cs.onClose)
	level.Debug(c.logger).Log("msg", "connect start", "fd", fd, "host", host, "port", port)
	cs.resolve()
}

func (cs *connectState) resolve() {
	cs.locks++
	cs.c.resolver.ResolveAsync(cs.host, cs.dnsHandle)
}

// onClose disposes of the state when fd closes underneath it.
func (cs *connectState) onClose(int) {
	cs.free()
}

func (cs *connectState) free() {
	cs.freed = true
	cs.handler = nil
}

func (cs *connectState) dnsHandle(set *api.AddrSet, err error) {
	if cs.locks != 1 {
		violation("connect state for FD %d resolved with %d lookups in flight", cs.fd, cs.locks)
	}
	cs.locks--
	if cs.freed {
		return
	}
	c := cs.c
	if set.Len() == 0 {
		level.Debug(c.logger).Log("msg", "connect lookup failed", "fd", cs.fd, "host", cs.host, "err", err)
		cs.callback(StatusDNS, 0)
		return
	}
	cs.addrs = set
	cs.addrCount = set.Len()
	cs.addr = set.Current()
	c.resolver.CycleAddr(cs.host)
	cs.connect()
}

func (cs *connectState) connect() {
	c := cs.c
	d := c.reg.Lookup(cs.fd)
	if d == nil || d.Gen != cs.gen {
		cs.free()
		return
	}
	to := netip.AddrPortFrom(cs.addr, cs.port)
	st, errno := c.connectAddr(d, to)
	switch st {
	case StatusInProgress:
		if err := c.mux.SetInterest(cs.fd, api.InterestWrite, cs.onWritable); err != nil {
			level.Warn(c.logger).Log("msg", "cannot wait for connect", "fd", cs.fd, "err", err)
			cs.callback(StatusError, toErrno(err))
		}
	case StatusOK:
		c.resolver.MarkGood(cs.host, cs.addr)
		level.Debug(c.logger).Log("msg", "connected", "fd", cs.fd, "peer", to)
		cs.callback(StatusOK, 0)
	default:
		cs.tries++
		c.resolver.MarkBad(cs.host, cs.addr)
		level.Debug(c.logger).Log("msg", "connect attempt failed", "fd", cs.fd, "peer", to, "try", cs.tries, "err", errno)
		if cs.retry() {
			cs.nextAddr()
			cs.connect()
			return
		}
		cs.callback(StatusConnect, errno)
	}
}

// nextAddr moves to the following address of a multi-address host. A single
// address is retried as is.
func (cs *connectState) nextAddr() {
	if cs.addrCount < 2 {
		return
	}
	cs.addrs.Cur = (cs.addrs.Cur + 1) % cs.addrCount
	cs.addr = cs.addrs.Current()
}

func (cs *connectState) onWritable(int) {
	if cs.freed {
		return
	}
	cs.connect()
}

// retry reports whether another attempt is allowed and the socket was reset for it.
func (cs *connectState) retry() bool {
	cfg := &cs.c.cfg
	if cs.addrCount == 1 {
		if cs.tries >= cfg.ConnectMaxTries {
			return false
		}
		if cs.c.now().Sub(cs.start) > cfg.ConnectTimeout {
			return false
		}
	} else if cs.tries >= cs.addrCount {
		return false
	}
	return cs.c.resetFD(cs)
}

func (cs *connectState) callback(st Status, errno unix.Errno) {
	c := cs.c
	h := cs.handler
	c.RemoveCloseHandler(cs.fd, cs.closeID)
	c.ClearTimeout(cs.fd)
	cs.free()
	if h != nil && cs.owner.Valid() {
		h(cs.fd, st, errno)
	}
}

// connectAddr issues connect(2) on the first call and polls SO_ERROR after.
func (c *Comm) connectAddr(d *Descriptor, to netip.AddrPort) (Status, unix.Errno) {
	var errno unix.Errno
	if !d.Flags.CalledConnect {
		d.Flags.CalledConnect = true
		c.stats.Syscall(api.SyscallConnect)
		sa, err := sockaddrFor(d.Family, to)
		if err == nil {
			err = unix.Connect(d.FD, sa)
		}
		errno = toErrno(err)
	} else {
		v, err := unix.GetsockoptInt(d.FD, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			errno = toErrno(err)
		} else {
			errno = unix.Errno(v)
		}
	}
	d.Peer = to
	switch {
	case errno == 0 || errno == unix.EISCONN:
		return StatusOK, 0
	case IgnoreErrno(errno):
		return StatusInProgress, errno
	}
	return StatusError, errno
}

// resetFD replaces the socket under the connect state's descriptor number
// with a fresh one carrying the same options.
func (c *Comm) resetFD(cs *connectState) bool {
	if !cs.owner.Valid() {
		return false
	}
	d := c.reg.Lookup(cs.fd)
	if d == nil {
		return false
	}
	c.stats.Syscall(api.SyscallSocket)
	nfd, err := unix.Socket(d.Family, d.SoType, d.Proto)
	if err != nil {
		errno := toErrno(err)
		if Classify(errno) == ClassLimit {
			c.reg.AdjustReserved()
		}
		level.Warn(c.logger).Log("msg", "socket reset failed", "fd", d.FD, "err", errno)
		return false
	}
	_ = c.mux.Detach(d.FD)
	err = unix.Dup2(nfd, d.FD)
	_ = unix.Close(nfd)
	if err != nil {
		level.Warn(c.logger).Log("msg", "dup2 failed during socket reset", "fd", d.FD, "err", err)
		return false
	}
	d.Flags.CalledConnect = false

	if d.Local.IsValid() && (d.Local.Port() != 0 || !d.Local.Addr().IsUnspecified()) {
		if err := c.bind(d, d.Local); err != nil {
			return false
		}
	}
	if d.TOS != 0 {
		c.setTOS(d, d.TOS)
	}
	return c.copyFlags(d) == nil
}

// literalResolver handles IP literals only. It is used when no resolver
// was configured.
type literalResolver struct {
	poster api.Poster
}

func (r literalResolver) ResolveAsync(host string, fn api.ResolveFunc) {
	var set *api.AddrSet
	addr, err := netip.ParseAddr(host)
	if err == nil {
		set = &api.AddrSet{Addrs: []netip.Addr{addr}}
	} else {
		err = api.NewError(api.ErrCodeNotSupported, "no resolver configured").WithContext("host", host)
	}
	_ = r.poster.Post(func() { fn(set, err) })
}

func (literalResolver) CycleAddr(string) {}
func (literalResolver) MarkGood(string, netip.Addr) {}
func (literalResolver) MarkBad(string, netip.Addr) {}
