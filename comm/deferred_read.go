// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package comm

import (
	"github.com/eapache/queue"
)

// ReadRequest is a read the caller wants to issue later.
type ReadRequest struct {
	FD      int
	Buf     []byte
	Handler ReadHandler
}

type deferredRead struct {
	req       ReadRequest
	resume    func(ReadRequest)
	closeID   CloseHandlerID
	cancelled bool
}

// DeferredReads holds reads postponed by the caller, for example while a
// downstream buffer is full. A read whose descriptor closes while parked is
// cancelled and never resumed.
type DeferredReads struct {
	c     *Comm
	reads *queue.Queue
}

// NewDeferredReads creates an empty manager bound to c.
func (c *Comm) NewDeferredReads() *DeferredReads {
	return &DeferredReads{c: c, reads: queue.New()}
}

// DelayRead parks req. resume is called with req when the read is kicked.
func (m *DeferredReads) DelayRead(req ReadRequest, resume func(ReadRequest)) {
	if resume == nil {
		violation("deferred read on FD %d without a resume function", req.FD)
	}
	e := &deferredRead{req: req, resume: resume}
	e.closeID = m.c.AddCloseHandler(req.FD, nil, func(int) { e.cancelled = true })
	m.reads.Add(e)
}

// Len returns the number of parked reads, cancelled ones included.
func (m *DeferredReads) Len() int { return m.reads.Length() }

// Kick resumes up to n live reads in arrival order. n < 1 resumes all.
func (m *DeferredReads) Kick(n int) {
	if n < 1 {
		m.Flush()
		return
	}
	for n > 0 && m.reads.Length() > 0 {
		e := m.popHead(m.reads)
		if !e.cancelled {
			n--
		}
		m.kickRead(e)
	}
}

// Flush resumes every parked read. Reads parked while flushing wait for the next kick.
func (m *DeferredReads) Flush() {
	reads := m.reads
	m.reads = queue.New()
	for reads.Length() > 0 {
		m.kickRead(m.popHead(reads))
	}
}

func (m *DeferredReads) popHead(q *queue.Queue) *deferredRead {
	e := q.Remove().(*deferredRead)
	if !e.cancelled {
		m.c.RemoveCloseHandler(e.req.FD, e.closeID)
	}
	return e
}

func (m *DeferredReads) kickRead(e *deferredRead) {
	if e.cancelled {
		return
	}
	e.resume(e.req)
}
