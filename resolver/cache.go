// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package resolver

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/momentics/hioload-comm/api"
	"github.com/momentics/hioload-comm/control"
	"github.com/prometheus/client_golang/prometheus"
)

// Backend performs the actual lookup. It is called off the loop goroutine.
type Backend interface {
	Lookup(ctx context.Context, host string) ([]netip.Addr, error)
}

type entry struct {
	addrs   []netip.Addr
	bad     []bool
	cur     int
	err     error
	expires time.Time
}

func (e *entry) snapshot() *api.AddrSet {
	if e.err != nil {
		return nil
	}
	return &api.AddrSet{Addrs: append([]netip.Addr(nil), e.addrs...), Cur: e.cur}
}

func (e *entry) index(addr netip.Addr) int {
	for i, a := range e.addrs {
		if a == addr {
			return i
		}
	}
	return -1
}

// cycle moves the cursor to the next address not marked bad. When every
// address is bad the marks are cleared and the cursor starts over.
func (e *entry) cycle() {
	n := len(e.addrs)
	for k := 0; k < n; k++ {
		e.cur = (e.cur + 1) % n
		if !e.bad[e.cur] {
			return
		}
	}
	for i := range e.bad {
		e.bad[i] = false
	}
	e.cur = 0
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithClock sets the time source for entry expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithRegisterer registers the hit and miss counters.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Cache) { c.reg = reg }
}

// Cache implements api.Resolver. Everything except the backend lookups
// runs on the loop goroutine.
type Cache struct {
	poster  api.Poster
	backend Backend
	cfg     control.ResolverConfig
	logger  log.Logger
	now     func() time.Time
	reg     prometheus.Registerer

	cache   *lru.Cache[string, *entry]
	pending map[string][]api.ResolveFunc

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ api.Resolver = (*Cache)(nil)

// New creates a resolver that posts results through poster.
func New(poster api.Poster, backend Backend, cfg control.ResolverConfig, opts ...Option) (*Cache, error) {
	c := &Cache{
		poster:  poster,
		backend: backend,
		cfg:     cfg,
		pending: make(map[string][]api.ResolveFunc),
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = log.NewNopLogger()
	}
	if c.now == nil {
		c.now = time.Now
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, *entry](size)
	if err != nil {
		return nil, err
	}
	c.cache = cache

	c.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "comm",
		Subsystem: "resolver",
		Name:      "cache_hits_total",
		Help:      "Total number of resolver cache hits",
	})
	c.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "comm",
		Subsystem: "resolver",
		Name:      "cache_misses_total",
		Help:      "Total number of resolver cache misses",
	})
	if c.reg != nil {
		c.reg.MustRegister(c.cacheHits, c.cacheMisses)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// ResolveAsync delivers host's addresses to fn on the loop goroutine. IP
// literals and fresh cache entries are answered without a lookup, but still
// on a later loop iteration.
func (c *Cache) ResolveAsync(host string, fn api.ResolveFunc) {
	if addr, err := netip.ParseAddr(host); err == nil {
		set := &api.AddrSet{Addrs: []netip.Addr{addr}}
		c.post(func() { fn(set, nil) })
		return
	}
	if e, ok := c.cache.Get(host); ok && c.now().Before(e.expires) {
		c.cacheHits.Inc()
		set, err := e.snapshot(), e.err
		c.post(func() { fn(set, err) })
		return
	}
	c.cacheMisses.Inc()
	if waiters, ok := c.pending[host]; ok {
		c.pending[host] = append(waiters, fn)
		return
	}
	c.pending[host] = []api.ResolveFunc{fn}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.timeout())
		addrs, err := c.backend.Lookup(ctx, host)
		cancel()
		c.post(func() { c.complete(host, addrs, err) })
	}()
}

func (c *Cache) timeout() time.Duration {
	if c.cfg.Timeout > 0 {
		return c.cfg.Timeout
	}
	return 5 * time.Second
}

func (c *Cache) post(fn func()) {
	if err := c.poster.Post(fn); err != nil {
		level.Debug(c.logger).Log("msg", "dropping resolver result", "err", err)
	}
}

func (c *Cache) complete(host string, addrs []netip.Addr, err error) {
	if err == nil && len(addrs) == 0 {
		err = api.NewError(api.ErrCodeNotFound, "no addresses").WithContext("host", host)
	}
	e := &entry{err: err}
	ttl := c.cfg.PositiveTTL
	if err != nil {
		ttl = c.cfg.NegativeTTL
		level.Debug(c.logger).Log("msg", "lookup failed", "host", host, "err", err)
	} else {
		e.addrs = addrs
		e.bad = make([]bool, len(addrs))
		level.Debug(c.logger).Log("msg", "resolved", "host", host, "addrs", len(addrs))
	}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
		c.cache.Add(host, e)
	} else {
		c.cache.Remove(host)
	}

	waiters := c.pending[host]
	delete(c.pending, host)
	for _, fn := range waiters {
		fn(e.snapshot(), err)
	}
}

// CycleAddr advances host's cursor past addresses marked bad.
func (c *Cache) CycleAddr(host string) {
	if e, ok := c.cache.Peek(host); ok && e.err == nil {
		e.cycle()
	}
}

// MarkBad flags addr as failing. If it was current the cursor moves on.
func (c *Cache) MarkBad(host string, addr netip.Addr) {
	e, ok := c.cache.Peek(host)
	if !ok || e.err != nil {
		return
	}
	i := e.index(addr)
	if i < 0 {
		return
	}
	e.bad[i] = true
	if e.cur == i {
		e.cycle()
	}
}

// MarkGood clears the failure mark on addr.
func (c *Cache) MarkGood(host string, addr netip.Addr) {
	e, ok := c.cache.Peek(host)
	if !ok || e.err != nil {
		return
	}
	if i := e.index(addr); i >= 0 {
		e.bad[i] = false
	}
}

// Close cancels outstanding lookups and waits for their goroutines.
func (c *Cache) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}
