// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"sync"

	"github.com/momentics/hioload-comm/api"
)

// Stats records every counter update.
type Stats struct {
	mu        sync.Mutex
	syscalls  map[api.Syscall]int
	bytes     map[api.Direction]int
	PconnSeen []int
}

var _ api.Stats = (*Stats)(nil)

func NewStats() *Stats {
	return &Stats{syscalls: make(map[api.Syscall]int), bytes: make(map[api.Direction]int)}
}

func (s *Stats) Syscall(kind api.Syscall) {
	s.mu.Lock()
	s.syscalls[kind]++
	s.mu.Unlock()
}

func (s *Stats) Bytes(dir api.Direction, n int) {
	s.mu.Lock()
	s.bytes[dir] += n
	s.mu.Unlock()
}

func (s *Stats) PconnUses(uses int) {
	s.mu.Lock()
	s.PconnSeen = append(s.PconnSeen, uses)
	s.mu.Unlock()
}

// Count returns how many times kind was recorded.
func (s *Stats) Count(kind api.Syscall) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syscalls[kind]
}

// ByteCount returns the bytes recorded for dir.
func (s *Stats) ByteCount(dir api.Direction) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes[dir]
}
