// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package comm

import (
	"time"

	"github.com/go-kit/log"
	"github.com/momentics/hioload-comm/api"
	"github.com/momentics/hioload-comm/control"
)

// Option configures a Comm.
type Option func(*Comm)

// WithConfig sets the engine tunables. The config is copied and validated by New.
func WithConfig(cfg *control.Config) Option {
	return func(c *Comm) {
		cp := *cfg
		c.cfg = cp
		c.cfgSet = true
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l log.Logger) Option {
	return func(c *Comm) { c.logger = l }
}

// WithStats sets the statistics sink.
func WithStats(s api.Stats) Option {
	return func(c *Comm) { c.stats = s }
}

// WithScheduler replaces the timer queue.
func WithScheduler(s api.Scheduler) Option {
	return func(c *Comm) { c.sched = s }
}

// WithResolver sets the resolver used by ConnectStart. Without one only IP
// literals can be connected to.
func WithResolver(r api.Resolver) Option {
	return func(c *Comm) { c.resolver = r }
}

// WithClock sets the time source for timeouts and the default scheduler.
func WithClock(now func() time.Time) Option {
	return func(c *Comm) { c.now = now }
}

// WithCloseHook installs a hook run first when a descriptor closes, used to
// shut down a security layer bound to it.
func WithCloseHook(fn func(fd int)) Option {
	return func(c *Comm) { c.closeHook = fn }
}
