// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package comm

import (
	"time"

	"github.com/eapache/queue"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/momentics/hioload-comm/api"
	"github.com/momentics/hioload-comm/control"
	"github.com/momentics/hioload-comm/internal/concurrency"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// exhaustionWarnEvery limits the "running out of descriptors" warning.
const exhaustionWarnEvery = 15 * time.Second

// Comm is the engine context: registry, completion queue, limiter and loop
// state for one event loop.
type Comm struct {
	cfg       control.Config
	cfgSet    bool
	logger    log.Logger
	stats     api.Stats
	mux       api.Multiplexer
	sched     api.Scheduler
	resolver  api.Resolver
	now       func() time.Time
	closeHook func(fd int)

	reg         *Registry
	cq          completionQueue
	limiter     *AcceptLimiter
	abort       abortChecker
	inbox       concurrency.Inbox
	warnLimit   *rate.Limiter
	nextCloseID CloseHandlerID
	lastSweep   time.Time
	stopped     bool

	readReady   api.ReadyFunc
	fillReady   api.ReadyFunc
	writeReady  api.ReadyFunc
	acceptReady api.ReadyFunc
}

var _ api.Poster = (*Comm)(nil)

// New creates an engine driving mux.
func New(mux api.Multiplexer, opts ...Option) (*Comm, error) {
	if mux == nil {
		return nil, errors.New("comm: nil multiplexer")
	}
	c := &Comm{mux: mux}
	for _, o := range opts {
		o(c)
	}
	if !c.cfgSet {
		c.cfg = *control.DefaultConfig()
	}
	if err := c.cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "comm: invalid config")
	}
	if c.logger == nil {
		c.logger = log.NewNopLogger()
	}
	if c.stats == nil {
		c.stats = api.NopStats{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.sched == nil {
		c.sched = concurrency.NewScheduler(c.now)
	}
	if c.resolver == nil {
		c.resolver = literalResolver{poster: c}
	}

	c.reg = newRegistry(c.cfg.MaxFD, c.cfg.ReservedFD)
	c.cq.all = queue.New()
	c.limiter = newAcceptLimiter(c, c.cfg.AcceptLimiterOrder)
	c.abort.init(c.cfg.HalfClosedCheckInterval)
	c.warnLimit = rate.NewLimiter(rate.Every(exhaustionWarnEvery), 1)

	c.readReady = c.handleRead
	c.fillReady = c.handleFill
	c.writeReady = c.handleWrite
	c.acceptReady = c.handleAccept

	level.Debug(c.logger).Log("msg", "comm initialised", "max_fd", c.reg.Max(), "reserved_fd", c.reg.Reserved())
	return c, nil
}

// Registry exposes descriptor accounting.
func (c *Comm) Registry() *Registry { return c.reg }

// Limiter returns the accept limiter.
func (c *Comm) Limiter() *AcceptLimiter { return c.limiter }

// Config returns a copy of the active tunables.
func (c *Comm) Config() control.Config { return c.cfg }

// Logger returns the engine logger.
func (c *Comm) Logger() log.Logger { return c.logger }

// Scheduler returns the loop timer queue.
func (c *Comm) Scheduler() api.Scheduler { return c.sched }

// Now reads the engine clock.
func (c *Comm) Now() time.Time { return c.now() }

// Lookup returns the record of an open descriptor, or nil.
func (c *Comm) Lookup(fd int) *Descriptor { return c.reg.Lookup(fd) }

// Post queues fn to run on the loop goroutine and wakes the loop.
// Safe for concurrent use.
func (c *Comm) Post(fn func()) error {
	if !c.inbox.Push(fn) {
		return api.ErrLoopClosed
	}
	// Stop may have run between Push and Wake.
	if err := c.mux.Wake(); err != nil {
		if err == api.ErrMultiplexerClosed {
			return api.ErrLoopClosed
		}
		return err
	}
	return nil
}

// Stop rejects further posts and releases the multiplexer. Open descriptors
// are left alone; call Shutdown first to close them.
func (c *Comm) Stop() error {
	if c.stopped {
		return nil
	}
	c.stopped = true
	c.inbox.Close()
	return c.mux.Close()
}

// active returns the record for fd, panicking unless it is open and not closing.
func (c *Comm) active(fd int, op Op) *Descriptor {
	d := c.reg.Lookup(fd)
	if d == nil {
		violation("%s on FD %d which is not open", op, fd)
	}
	if d.Closing {
		violation("%s on FD %d which is closing", op, fd)
	}
	return d
}
