// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package main

import (
	"net/netip"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/momentics/hioload-comm/comm"
	"github.com/momentics/hioload-comm/pool"
	"golang.org/x/sys/unix"
)

// relay owns the listening socket and the sessions accepted on it. All
// methods run on the loop goroutine.
type relay struct {
	c        *comm.Comm
	logger   log.Logger
	listener int
	upHost   string
	upPort   uint16
	idle     time.Duration
	bufs     *pool.Buffers
	sessions int
}

func newRelay(c *comm.Comm, logger log.Logger, upHost string, upPort uint16, idle time.Duration, bufSize int) *relay {
	return &relay{
		c:        c,
		logger:   logger,
		listener: -1,
		upHost:   upHost,
		upPort:   upPort,
		idle:     idle,
		bufs:     pool.NewBuffers(bufSize),
	}
}

func (r *relay) listen(addr netip.AddrPort) error {
	fd, err := r.c.Open(comm.OpenOptions{
		Local: addr,
		Flags: comm.FlagNonBlocking,
		Note:  "client listener",
	})
	if err != nil {
		return err
	}
	if err := r.c.Listen(fd); err != nil {
		_ = r.c.Close(fd)
		return err
	}
	r.listener = fd
	r.c.Accept(fd, r.onAccept)
	return nil
}

// perSession is how many descriptors one accepted client may need.
func (r *relay) perSession() int {
	if r.upHost == "" {
		return 1
	}
	return 2
}

// rearm accepts the next client, or parks the listener until a close frees
// enough descriptors for a whole session.
func (r *relay) rearm() {
	reg := r.c.Registry()
	if reg.NumFree()-r.perSession() < reg.Reserved() {
		r.c.Limiter().Defer(r.listener, r.onAccept)
		return
	}
	r.c.Accept(r.listener, r.onAccept)
}

func (r *relay) setAcceptCheckDelay(d time.Duration) {
	if r.c.Lookup(r.listener) != nil {
		r.c.SetAcceptCheckDelay(r.listener, d)
	}
}

func (r *relay) onAccept(res comm.AcceptResult) {
	switch res.Status {
	case comm.StatusOK:
		r.start(res.NewFD, res.Detail)
	case comm.StatusClosing:
		return
	default:
		level.Warn(r.logger).Log("msg", "accept failed", "err", res.Err())
	}
	r.rearm()
}

type session struct {
	r         *relay
	client    int
	clientGen uint64
	upstream  int
	upGen     uint64
	bufs      [][]byte
	closed    bool
}

func (r *relay) start(fd int, detail comm.ConnDetail) {
	s := &session{r: r, client: fd, clientGen: r.c.Lookup(fd).Gen, upstream: -1}
	r.sessions++
	r.c.AddCloseHandler(fd, nil, func(int) { s.close() })
	r.c.SetTimeout(fd, r.idle, nil, nil)
	level.Debug(r.logger).Log("msg", "client connected", "fd", fd, "peer", detail.Peer)

	if r.upHost == "" {
		s.pump(fd, fd, false)
		return
	}

	up, err := r.c.Open(comm.OpenOptions{Flags: comm.FlagNonBlocking, Note: "upstream " + r.upHost})
	if err != nil {
		level.Warn(r.logger).Log("msg", "cannot open upstream socket", "err", err)
		s.close()
		return
	}
	s.upstream, s.upGen = up, r.c.Lookup(up).Gen
	r.c.AddCloseHandler(up, nil, func(int) { s.close() })
	r.c.SetTimeout(up, r.c.Config().ConnectTimeout, nil, nil)

	// Client bytes wait until the upstream answers.
	waiting := r.c.NewDeferredReads()
	waiting.DelayRead(s.pumpRequest(fd, up, true), func(req comm.ReadRequest) {
		r.c.Read(req.FD, req.Buf, req.Handler)
	})
	r.c.ConnectStart(up, r.upHost, r.upPort, nil, func(fd int, st comm.Status, errno unix.Errno) {
		if st != comm.StatusOK {
			level.Info(r.logger).Log("msg", "upstream connect failed", "host", r.upHost, "status", st, "err", errno)
			s.close()
			return
		}
		r.c.SetTimeout(up, r.idle, nil, nil)
		waiting.Flush()
		s.pump(up, s.client, false)
	})
}

func (s *session) pumpRequest(src, dst int, fromClient bool) comm.ReadRequest {
	c := s.r.c
	buf := s.r.bufs.Get()
	s.bufs = append(s.bufs, buf)
	var onRead comm.ReadHandler
	onRead = func(res comm.IOResult) {
		if s.closed || res.Status == comm.StatusClosing {
			return
		}
		if res.Status != comm.StatusOK {
			s.close()
			return
		}
		if res.N == 0 {
			s.peerDone(src, fromClient)
			return
		}
		s.touch()
		c.Write(dst, res.Data(), func(w comm.IOResult) {
			if s.closed || w.Status == comm.StatusClosing {
				return
			}
			if w.Status != comm.StatusOK {
				s.close()
				return
			}
			if d := c.Lookup(dst); d != nil {
				d.Uses++
			}
			c.Read(src, buf, onRead)
		})
	}
	return comm.ReadRequest{FD: src, Buf: buf, Handler: onRead}
}

func (s *session) pump(src, dst int, fromClient bool) {
	req := s.pumpRequest(src, dst, fromClient)
	s.r.c.Read(req.FD, req.Buf, req.Handler)
}

// peerDone handles end of file on src. A client that stops sending in relay
// mode is half-closed: the upstream still gets to answer.
func (s *session) peerDone(src int, fromClient bool) {
	c := s.r.c
	if !fromClient || s.upstream < 0 {
		s.close()
		return
	}
	c.MarkHalfClosed(src)
	if err := unix.Shutdown(s.upstream, unix.SHUT_WR); err != nil {
		s.close()
	}
}

func (s *session) touch() {
	c := s.r.c
	c.SetTimeout(s.client, s.r.idle, nil, nil)
	if s.upstream >= 0 {
		c.SetTimeout(s.upstream, s.r.idle, nil, nil)
	}
}

func (s *session) close() {
	if s.closed {
		return
	}
	s.closed = true
	s.r.sessions--
	s.closeFD(s.client, s.clientGen)
	s.closeFD(s.upstream, s.upGen)
	// Both descriptors are gone, so no operation still holds a buffer.
	for _, buf := range s.bufs {
		s.r.bufs.Put(buf)
	}
	s.bufs = nil
}

func (s *session) closeFD(fd int, gen uint64) {
	if fd < 0 {
		return
	}
	if d := s.r.c.Lookup(fd); d != nil && d.Gen == gen {
		_ = s.r.c.Close(fd)
	}
}
