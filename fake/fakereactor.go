// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"time"

	"github.com/momentics/hioload-comm/api"
	"go.uber.org/atomic"
)

type slots struct {
	read, write api.ReadyFunc
}

// Multiplexer is a manual api.Multiplexer. Nothing is ever ready until the
// test calls Fire.
type Multiplexer struct {
	fds   map[int]*slots
	Wakes atomic.Int64
	// Polls records the timeout of every Poll call.
	Polls    []time.Duration
	Detached []int
	closed   atomic.Bool
}

var _ api.Multiplexer = (*Multiplexer)(nil)

// NewMultiplexer creates an empty fake multiplexer.
func NewMultiplexer() *Multiplexer {
	return &Multiplexer{fds: make(map[int]*slots)}
}

func (m *Multiplexer) SetInterest(fd int, dir api.Interest, fn api.ReadyFunc) error {
	s := m.fds[fd]
	if s == nil {
		s = &slots{}
		m.fds[fd] = s
	}
	if dir&api.InterestRead != 0 {
		s.read = fn
	}
	if dir&api.InterestWrite != 0 {
		s.write = fn
	}
	return nil
}

func (m *Multiplexer) ClearInterest(fd int, dir api.Interest) error {
	if s := m.fds[fd]; s != nil {
		if dir&api.InterestRead != 0 {
			s.read = nil
		}
		if dir&api.InterestWrite != 0 {
			s.write = nil
		}
	}
	return nil
}

func (m *Multiplexer) Detach(fd int) error {
	delete(m.fds, fd)
	m.Detached = append(m.Detached, fd)
	return nil
}

// Registered reports whether a handler is installed for dir.
func (m *Multiplexer) Registered(fd int, dir api.Interest) bool {
	s := m.fds[fd]
	if s == nil {
		return false
	}
	if dir == api.InterestWrite {
		return s.write != nil
	}
	return s.read != nil
}

// Fire consumes and invokes the handler for dir, reporting whether one was installed.
func (m *Multiplexer) Fire(fd int, dir api.Interest) bool {
	s := m.fds[fd]
	if s == nil {
		return false
	}
	var fn api.ReadyFunc
	if dir == api.InterestWrite {
		fn, s.write = s.write, nil
	} else {
		fn, s.read = s.read, nil
	}
	if fn == nil {
		return false
	}
	fn(fd)
	return true
}

func (m *Multiplexer) Poll(timeout time.Duration) (int, error) {
	m.Polls = append(m.Polls, timeout)
	return 0, nil
}

func (m *Multiplexer) Wake() error {
	if m.closed.Load() {
		return api.ErrMultiplexerClosed
	}
	m.Wakes.Add(1)
	return nil
}

func (m *Multiplexer) Close() error {
	m.closed.Store(true)
	return nil
}
