// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package comm

import (
	"context"
	"time"

	"github.com/momentics/hioload-comm/api"
)

// Step runs one loop iteration: posted tasks, one completion drain pass,
// due timers, the timeout sweep and the half-closed probe, then a single
// multiplexer poll. The poll does not block while work is queued and waits
// no longer than the next timer; a negative timeout waits for the next event
// or timer.
func (c *Comm) Step(timeout time.Duration) error {
	c.inbox.Run()
	c.DrainOnce()
	c.sched.RunDue()
	c.checkTimeouts()
	c.abortTick()

	wait := timeout
	if c.cq.live > 0 || c.inbox.Len() > 0 {
		wait = 0
	} else if next, ok := c.sched.NextDeadline(); ok {
		until := next.Sub(c.now())
		if until < 0 {
			until = 0
		}
		if wait < 0 || until < wait {
			wait = until
		}
	}
	c.stats.Syscall(api.SyscallPoll)
	_, err := c.mux.Poll(wait)
	return err
}

// Run steps the loop until ctx is cancelled. Cancellation wakes a blocked poll.
func (c *Comm) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.mux.Wake() })
	defer stop()
	for ctx.Err() == nil {
		if err := c.Step(time.Second); err != nil {
			return err
		}
	}
	return nil
}
