// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/momentics/hioload-comm/affinity"
	"github.com/momentics/hioload-comm/api"
	"github.com/momentics/hioload-comm/comm"
	"github.com/momentics/hioload-comm/control"
	"github.com/momentics/hioload-comm/reactor"
	"github.com/momentics/hioload-comm/resolver"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultIdleTimeout = 2 * time.Minute
	defaultBufSize     = 16 << 10
	debugStateTimeout  = 5 * time.Second
)

type server struct {
	configPath  string
	listenAddr  string
	upstream    string
	metricsAddr string
	logLevel    string
	idleTimeout time.Duration
	bufSize     byteSize
	cpu         int
}

func (s *server) loadConfig() (*control.Config, error) {
	cfg := control.DefaultConfig()
	if s.configPath != "" {
		var err error
		if cfg, err = control.LoadConfig(s.configPath); err != nil {
			return nil, err
		}
	}
	if s.logLevel != "" {
		cfg.LogLevel = s.logLevel
	}
	return cfg, cfg.Validate()
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives.
func (s *server) Run(ctx context.Context) error {
	cfg, err := s.loadConfig()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	logger, err := control.NewLogger(os.Stderr, cfg)
	if err != nil {
		return errors.Wrap(err, "create logger")
	}
	store := control.NewConfigStore(cfg)

	listen, err := netip.ParseAddrPort(s.listenAddr)
	if err != nil {
		return errors.Wrapf(err, "parse --listen %q", s.listenAddr)
	}
	var upHost string
	var upPort uint16
	if s.upstream != "" {
		if upHost, upPort, err = splitHostPort(s.upstream); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mux, err := reactor.NewMultiplexer()
	if err != nil {
		return err
	}
	var (
		c   *comm.Comm
		res *resolver.Cache
	)
	opts := []comm.Option{
		comm.WithConfig(cfg),
		comm.WithLogger(log.With(logger, "component", "comm")),
		comm.WithStats(control.NewMetrics(reg)),
	}
	if backend, err := resolver.NewDNSBackend(cfg.Resolver.Nameservers, cfg.Resolver.Timeout); err != nil {
		level.Warn(logger).Log("msg", "no name servers, upstream must be an IP address", "err", err)
	} else {
		res, err = resolver.New(api.PosterFunc(func(fn func()) error { return c.Post(fn) }), backend, cfg.Resolver,
			resolver.WithLogger(log.With(logger, "component", "resolver")),
			resolver.WithRegisterer(reg))
		if err != nil {
			_ = mux.Close()
			return err
		}
		opts = append(opts, comm.WithResolver(res))
	}

	c, err = comm.New(mux, opts...)
	if err != nil {
		if res != nil {
			_ = res.Close()
		}
		_ = mux.Close()
		return err
	}
	// Lookups finishing after the loop has stopped must not post into it.
	defer func() {
		if res != nil {
			_ = res.Close()
		}
		_ = c.Stop()
	}()

	probes := control.NewDebugProbes()
	control.RegisterPlatformProbes(probes)
	c.RegisterProbes(probes)

	rl := newRelay(c, logger, upHost, upPort, s.idleTimeout, int(s.bufSize))
	probes.RegisterProbe("commd.sessions", func() any { return rl.sessions })
	probes.RegisterProbe("commd.buffers_in_use", func() any { return rl.bufs.InUse() })
	if err := rl.listen(listen); err != nil {
		return err
	}
	level.Info(logger).Log("msg", "listening", "addr", listen, "upstream", s.upstream, "max_fd", c.Registry().Max())

	store.OnReload(func(cfg *control.Config) {
		if err := logger.ApplyConfig(cfg); err != nil {
			level.Warn(logger).Log("msg", "keeping previous logger", "err", err)
		}
		_ = c.Post(func() { rl.setAcceptCheckDelay(cfg.AcceptCheckDelay) })
	})

	var g run.Group
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return s.runLoop(ctx, logger, c)
		}, func(error) {
			cancel()
		})
	}
	if s.metricsAddr != "" {
		srv := s.httpServer(reg, c, probes)
		g.Add(func() error {
			level.Info(logger).Log("msg", "serving http", "addr", s.metricsAddr)
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return errors.Wrap(err, "http server")
			}
			return nil
		}, func(error) {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		})
	}
	if s.configPath != "" {
		w, err := control.NewWatcher(s.configPath, log.With(logger, "component", "watcher"))
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			go w.Run(ctx)
			go notifyOnHangup(ctx, w)
			store.ReloadOn(ctx, w, s.configPath, logger)
			return nil
		}, func(error) {
			cancel()
			_ = w.Close()
		})
	}
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err = g.Run()
	if _, ok := err.(run.SignalError); ok || errors.Is(err, context.Canceled) {
		level.Info(logger).Log("msg", "stopped", "reason", err)
		return nil
	}
	return err
}

// runLoop drives the engine on a locked OS thread and closes the remaining
// connections once ctx is done.
func (s *server) runLoop(ctx context.Context, logger log.Logger, c *comm.Comm) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if s.cpu >= 0 {
		if err := affinity.SetAffinity(s.cpu); err != nil {
			return err
		}
		level.Info(logger).Log("msg", "event loop pinned", "cpu", s.cpu, "cpus", affinity.NumCPU())
	}

	var result *multierror.Error
	if err := c.Run(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	level.Info(logger).Log("msg", "shutting down", "open", c.Registry().NumOpen())
	if err := c.Shutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	// Let close handlers and queued completions run.
	if err := c.Step(0); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// notifyOnHangup turns SIGHUP into a reload request.
func notifyOnHangup(ctx context.Context, w *control.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			w.Notify()
		}
	}
}

func (s *server) httpServer(reg *prometheus.Registry, c *comm.Comm, probes *control.DebugProbes) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/debug/state", stateHandler(c, probes, debugStateTimeout))
	return &http.Server{Addr: s.metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
}

// stateHandler dumps the probes as JSON. Probes read loop state, so the dump
// runs on the loop; a loop that has stopped stepping gets 503 after timeout.
func stateHandler(loop api.Poster, probes *control.DebugProbes, timeout time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ch := make(chan map[string]any, 1)
		if err := loop.Post(func() { ch <- probes.DumpState() }); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case state := <-ch:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(state)
		case <-t.C:
			http.Error(w, "event loop did not answer", http.StatusServiceUnavailable)
		case <-r.Context().Done():
		}
	})
}

func splitHostPort(hostport string) (string, uint16, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, errors.Wrapf(err, "parse upstream %q", hostport)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		return "", 0, errors.Errorf("invalid upstream port %q", port)
	}
	return host, uint16(p), nil
}
