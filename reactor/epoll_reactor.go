//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - Linux epoll implementation.

package reactor

import (
	"fmt"
	"sync"
	"time"

	"github.com/momentics/hioload-comm/api"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

const maxEvents = 256

// fdState tracks the handlers and the mask currently installed in the kernel.
type fdState struct {
	read, write api.ReadyFunc
	mask        uint32
	added       bool
}

// epollReactor implements api.Multiplexer using level-triggered epoll and
// one-shot handler slots.
type epollReactor struct {
	epfd   int
	wakefd int
	fds    []fdState
	events [maxEvents]unix.EpollEvent

	// wakeMu keeps Close from releasing wakefd while a Wake writes to it.
	wakeMu sync.RWMutex
	closed atomic.Bool
}

// NewMultiplexer creates an epoll instance with an eventfd used by Wake.
func NewMultiplexer() (api.Multiplexer, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add wake: %w", err)
	}
	return &epollReactor{epfd: epfd, wakefd: wakefd}, nil
}

func (r *epollReactor) state(fd int) *fdState {
	if fd >= len(r.fds) {
		n := len(r.fds) * 2
		if n <= fd {
			n = fd + 64
		}
		grown := make([]fdState, n)
		copy(grown, r.fds)
		r.fds = grown
	}
	return &r.fds[fd]
}

// SetInterest installs fn for dir on fd.
func (r *epollReactor) SetInterest(fd int, dir api.Interest, fn api.ReadyFunc) error {
	if r.closed.Load() {
		return api.ErrMultiplexerClosed
	}
	if fd < 0 {
		return api.ErrInvalidArgument
	}
	st := r.state(fd)
	if dir&api.InterestRead != 0 {
		st.read = fn
	}
	if dir&api.InterestWrite != 0 {
		st.write = fn
	}
	return r.sync(fd, st)
}

// ClearInterest drops the handlers for dir on fd.
func (r *epollReactor) ClearInterest(fd int, dir api.Interest) error {
	if r.closed.Load() {
		return api.ErrMultiplexerClosed
	}
	if fd < 0 || fd >= len(r.fds) {
		return nil
	}
	st := &r.fds[fd]
	if dir&api.InterestRead != 0 {
		st.read = nil
	}
	if dir&api.InterestWrite != 0 {
		st.write = nil
	}
	return r.sync(fd, st)
}

// Detach removes fd from the epoll set.
func (r *epollReactor) Detach(fd int) error {
	if r.closed.Load() {
		return api.ErrMultiplexerClosed
	}
	if fd < 0 || fd >= len(r.fds) {
		return nil
	}
	st := &r.fds[fd]
	added := st.added
	*st = fdState{}
	if !added {
		return nil
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT && err != unix.EBADF {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// sync brings the kernel registration in line with the installed handlers.
func (r *epollReactor) sync(fd int, st *fdState) error {
	var want uint32
	if st.read != nil {
		want |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if st.write != nil {
		want |= unix.EPOLLOUT
	}
	switch {
	case want == 0 && st.added:
		st.added = false
		st.mask = 0
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT {
			return fmt.Errorf("epoll ctl del: %w", err)
		}
	case want != 0 && !st.added:
		ev := unix.EpollEvent{Events: want, Fd: int32(fd)}
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			st.read, st.write = nil, nil
			return fmt.Errorf("epoll ctl add: %w", err)
		}
		st.added = true
		st.mask = want
	case want != 0 && want != st.mask:
		ev := unix.EpollEvent{Events: want, Fd: int32(fd)}
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
			return fmt.Errorf("epoll ctl mod: %w", err)
		}
		st.mask = want
	}
	return nil
}

// Poll blocks for at most timeout and dispatches ready handlers.
// A negative timeout blocks until something happens.
func (r *epollReactor) Poll(timeout time.Duration) (int, error) {
	if r.closed.Load() {
		return 0, api.ErrMultiplexerClosed
	}
	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	n, err := unix.EpollWait(r.epfd, r.events[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil // interrupted by signal, normal
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}

	handled := 0
	for i := 0; i < n; i++ {
		ev := r.events[i]
		fd := int(ev.Fd)
		if fd == r.wakefd {
			r.drainWake()
			continue
		}
		if fd >= len(r.fds) {
			continue
		}
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			if fn := r.take(fd, api.InterestRead); fn != nil {
				fn(fd)
				handled++
			}
		}
		if ev.Events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			if fn := r.take(fd, api.InterestWrite); fn != nil {
				fn(fd)
				handled++
			}
		}
	}
	return handled, nil
}

// take removes and returns the handler for one direction.
func (r *epollReactor) take(fd int, dir api.Interest) api.ReadyFunc {
	st := &r.fds[fd]
	var fn api.ReadyFunc
	if dir == api.InterestRead {
		fn, st.read = st.read, nil
	} else {
		fn, st.write = st.write, nil
	}
	if fn != nil {
		// A failing sync leaves a stale registration that Detach cleans up later.
		_ = r.sync(fd, st)
	}
	return fn
}

func (r *epollReactor) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(r.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Wake interrupts a blocked Poll. It may race with Close; after Close it
// returns api.ErrMultiplexerClosed and writes nothing.
func (r *epollReactor) Wake() error {
	r.wakeMu.RLock()
	defer r.wakeMu.RUnlock()
	if r.closed.Load() {
		return api.ErrMultiplexerClosed
	}
	var one = [8]byte{1}
	_, err := unix.Write(r.wakefd, one[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

// Close releases the epoll and eventfd descriptors.
func (r *epollReactor) Close() error {
	r.wakeMu.Lock()
	defer r.wakeMu.Unlock()
	if r.closed.Load() {
		return nil
	}
	r.closed.Store(true)
	err1 := unix.Close(r.wakefd)
	err2 := unix.Close(r.epfd)
	if err1 != nil {
		return err1
	}
	return err2
}
