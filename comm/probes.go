// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package comm

import (
	"github.com/momentics/hioload-comm/api"
)

// RegisterProbes publishes engine counters on dbg. The probes read loop
// state and must be dumped from the loop goroutine.
func (c *Comm) RegisterProbes(dbg api.Debug) {
	dbg.RegisterProbe("comm.open", func() any { return c.reg.NumOpen() })
	dbg.RegisterProbe("comm.free", func() any { return c.reg.NumFree() })
	dbg.RegisterProbe("comm.reserved", func() any { return c.reg.Reserved() })
	dbg.RegisterProbe("comm.biggest_fd", func() any { return c.reg.Biggest() })
	dbg.RegisterProbe("comm.pending_completions", func() any { return c.cq.live })
	dbg.RegisterProbe("comm.deferred_accepts", func() any { return c.limiter.Len() })
	dbg.RegisterProbe("comm.half_closed", func() any { return len(c.abort.fds) })
	dbg.RegisterProbe("comm.timers", func() any { return c.sched.Len() })
	dbg.RegisterProbe("comm.descriptors", func() any {
		var out []map[string]any
		c.reg.each(func(d *Descriptor) {
			out = append(out, map[string]any{
				"fd":            d.FD,
				"type":          d.Type.String(),
				"note":          d.Note,
				"peer":          d.Peer.String(),
				"bytes_read":    d.BytesRead,
				"bytes_written": d.BytesWritten,
			})
		})
		return out
	})
}
