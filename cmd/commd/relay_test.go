//go:build linux

package main

import (
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/momentics/hioload-comm/comm"
	"github.com/momentics/hioload-comm/control"
	"github.com/momentics/hioload-comm/reactor"
	"github.com/stretchr/testify/require"
)

var loopback = netip.MustParseAddr("127.0.0.1")

func newTestRelay(t *testing.T, cfg *control.Config, upHost string, upPort uint16) (*relay, uint16) {
	t.Helper()
	mux, err := reactor.NewMultiplexer()
	require.NoError(t, err)
	c, err := comm.New(mux, comm.WithConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Shutdown()
		_ = c.Stop()
	})

	r := newRelay(c, log.NewNopLogger(), upHost, upPort, time.Minute, 4096)
	require.NoError(t, r.listen(netip.AddrPortFrom(loopback, 0)))
	port, err := c.LocalPort(r.listener)
	require.NoError(t, err)
	return r, port
}

func testConfig() *control.Config {
	cfg := control.DefaultConfig()
	cfg.MaxFD = 1024
	cfg.ReservedFD = 8
	return cfg
}

// exchange writes msg on a client connection and waits, stepping the loop,
// for the same number of bytes to come back.
func exchange(t *testing.T, c *comm.Comm, conn net.Conn, msg string) string {
	t.Helper()
	got := make(chan string, 1)
	go func() {
		if _, err := conn.Write([]byte(msg)); err != nil {
			got <- "write: " + err.Error()
			return
		}
		buf := make([]byte, len(msg))
		if _, err := io.ReadFull(conn, buf); err != nil {
			got <- "read: " + err.Error()
			return
		}
		got <- string(buf)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, c.Step(10*time.Millisecond))
		select {
		case s := <-got:
			return s
		default:
		}
	}
	t.Fatal("no reply")
	return ""
}

func stepUntil(t *testing.T, c *comm.Comm, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		require.NoError(t, c.Step(10*time.Millisecond))
	}
}

func dial(t *testing.T, port uint16) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", netip.AddrPortFrom(loopback, port).String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestEcho(t *testing.T) {
	r, port := newTestRelay(t, testConfig(), "", 0)
	conn := dial(t, port)

	require.Equal(t, "hello", exchange(t, r.c, conn, "hello"))
	require.Equal(t, "again", exchange(t, r.c, conn, "again"))
	require.Equal(t, 1, r.sessions)

	require.NoError(t, conn.Close())
	stepUntil(t, r.c, func() bool { return r.sessions == 0 })
	require.Zero(t, r.bufs.InUse())
}

func TestRelayToUpstream(t *testing.T) {
	up, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = up.Close() })
	go func() {
		for {
			conn, err := up.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	upPort := uint16(up.Addr().(*net.TCPAddr).Port)

	r, port := newTestRelay(t, testConfig(), "127.0.0.1", upPort)
	conn := dial(t, port)
	require.Equal(t, "through the relay", exchange(t, r.c, conn, "through the relay"))
	require.Equal(t, 3, r.c.Registry().NumOpen(), "listener, client and upstream")

	require.NoError(t, conn.Close())
	stepUntil(t, r.c, func() bool { return r.c.Registry().NumOpen() == 1 })
	require.Zero(t, r.sessions)
}

func TestRelayUpstreamRefused(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	upPort := uint16(dead.Addr().(*net.TCPAddr).Port)
	require.NoError(t, dead.Close())

	cfg := testConfig()
	cfg.ConnectMaxTries = 1
	r, port := newTestRelay(t, cfg, "127.0.0.1", upPort)
	dial(t, port)
	stepUntil(t, r.c, func() bool { return r.sessions == 1 })
	stepUntil(t, r.c, func() bool { return r.sessions == 0 })
	require.Equal(t, 1, r.c.Registry().NumOpen())
}

func TestAcceptParkedWhenDescriptorsLow(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFD = 16
	cfg.ReservedFD = 12
	r, port := newTestRelay(t, cfg, "", 0)

	conns := []net.Conn{dial(t, port), dial(t, port), dial(t, port)}
	stepUntil(t, r.c, func() bool { return r.sessions == 3 })
	require.Equal(t, 1, r.c.Limiter().Len())

	require.NoError(t, conns[0].Close())
	stepUntil(t, r.c, func() bool { return r.c.Limiter().Len() == 0 })

	dial(t, port)
	stepUntil(t, r.c, func() bool { return r.sessions == 3 })
}

func TestSplitHostPort(t *testing.T) {
	host, port, err := splitHostPort("origin.example:8080")
	require.NoError(t, err)
	require.Equal(t, "origin.example", host)
	require.EqualValues(t, 8080, port)

	_, _, err = splitHostPort("origin.example")
	require.Error(t, err)
	_, _, err = splitHostPort("origin.example:0")
	require.Error(t, err)
}
