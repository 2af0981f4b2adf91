// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Loop-owned timer heap. Not safe for concurrent use: the event loop is the
// only goroutine that schedules, cancels and fires timers.

package concurrency

import (
	"container/heap"
	"time"

	"github.com/momentics/hioload-comm/api"
)

type timer struct {
	when  time.Time
	seq   uint64
	fn    func()
	index int
	s     *Scheduler
}

// Cancel removes the timer from its heap if it has not fired.
func (t *timer) Cancel() bool {
	if t.index < 0 {
		return false
	}
	heap.Remove(&t.s.timerQ, t.index)
	t.index = -1
	return true
}

func (t *timer) Pending() bool { return t.index >= 0 }

type taskHeap []*timer

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Scheduler fires one-shot callbacks in deadline order.
type Scheduler struct {
	now    func() time.Time
	timerQ taskHeap
	seq    uint64
}

var _ api.Scheduler = (*Scheduler)(nil)

// NewScheduler creates a scheduler reading time from now (time.Now when nil).
func NewScheduler(now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{now: now}
}

// ScheduleOnce queues fn to run after delay. Negative delays count as zero.
func (s *Scheduler) ScheduleOnce(delay time.Duration, fn func()) api.Cancelable {
	if delay < 0 {
		delay = 0
	}
	t := &timer{when: s.now().Add(delay), seq: s.seq, fn: fn, s: s}
	s.seq++
	heap.Push(&s.timerQ, t)
	return t
}

// RunDue fires timers that are due. Timers scheduled by the callbacks
// themselves wait for the next call, even with a zero delay.
func (s *Scheduler) RunDue() int {
	now := s.now()
	limit := s.seq
	n := 0
	for s.timerQ.Len() > 0 {
		t := s.timerQ[0]
		if t.when.After(now) || t.seq >= limit {
			break
		}
		heap.Pop(&s.timerQ)
		t.fn()
		n++
	}
	return n
}

// NextDeadline returns the earliest pending deadline.
func (s *Scheduler) NextDeadline() (time.Time, bool) {
	if s.timerQ.Len() == 0 {
		return time.Time{}, false
	}
	return s.timerQ[0].when, true
}

func (s *Scheduler) Now() time.Time { return s.now() }

func (s *Scheduler) Len() int { return s.timerQ.Len() }
