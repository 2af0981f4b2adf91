//go:build linux

package comm

import (
	"net/netip"
	"testing"
	"time"

	"github.com/momentics/hioload-comm/api"
	"github.com/momentics/hioload-comm/control"
	"github.com/momentics/hioload-comm/fake"
	"github.com/momentics/hioload-comm/resolver"
	"github.com/phayes/freeport"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type connectOutcome struct {
	fd    int
	st    Status
	errno unix.Errno
}

func closedPort(t *testing.T) uint16 {
	t.Helper()
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	return uint16(port)
}

func TestConnectToListener(t *testing.T) {
	stats := fake.NewStats()
	c := newTestComm(t, WithStats(stats))
	_, port := listen(t, c)

	fd, err := c.Open(OpenOptions{Flags: FlagNonBlocking, Note: "upstream"})
	require.NoError(t, err)

	var got *connectOutcome
	c.ConnectStart(fd, "127.0.0.1", port, nil, func(fd int, st Status, errno unix.Errno) {
		got = &connectOutcome{fd, st, errno}
	})
	require.Nil(t, got, "the outcome is never delivered from inside ConnectStart")
	runUntil(t, c, func() bool { return got != nil })
	require.Equal(t, connectOutcome{fd: fd, st: StatusOK}, *got)
	require.Equal(t, netip.AddrPortFrom(loopback, port), c.Lookup(fd).Peer)
	require.Equal(t, 1, stats.Count(api.SyscallConnect))
}

func TestConnectTriesEveryAddressOnce(t *testing.T) {
	cfg := testConfig()
	cfg.TCPRcvBuf = 64 << 10
	stats := fake.NewStats()
	backend := fake.NewBackend(map[string][]netip.Addr{
		"multi.test": {
			netip.MustParseAddr("127.0.0.1"),
			netip.MustParseAddr("127.0.0.2"),
			netip.MustParseAddr("127.0.0.3"),
		},
	})

	var c *Comm
	res, err := resolver.New(api.PosterFunc(func(fn func()) error { return c.Post(fn) }), backend, control.DefaultConfig().Resolver)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Close() })
	c = newTestComm(t, WithConfig(cfg), WithStats(stats), WithResolver(res))

	fd, err := c.Open(OpenOptions{Flags: FlagNonBlocking, TOS: 0x10, Note: "upstream"})
	require.NoError(t, err)

	var got *connectOutcome
	c.ConnectStart(fd, "multi.test", closedPort(t), nil, func(fd int, st Status, errno unix.Errno) {
		got = &connectOutcome{fd, st, errno}
	})
	runUntil(t, c, func() bool { return got != nil })

	require.Equal(t, StatusConnect, got.st)
	require.Equal(t, unix.ECONNREFUSED, got.errno)
	require.Equal(t, 3, stats.Count(api.SyscallConnect))
	require.Equal(t, 3, stats.Count(api.SyscallSocket), "two retries on a fresh socket")
	require.Equal(t, 1, backend.Lookups("multi.test"))

	// The replacement socket sits under the same number with the same options.
	d := c.Lookup(fd)
	require.NotNil(t, d)
	fl, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	require.NotZero(t, fl&unix.O_NONBLOCK)
	tos, err := unix.GetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS)
	require.NoError(t, err)
	require.Equal(t, 0x10, tos)
	rcv, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
	require.NoError(t, err)
	require.GreaterOrEqual(t, rcv, cfg.TCPRcvBuf)
}

// badAddrs records the addresses a connect reports as failed.
type badAddrs struct {
	api.Resolver
	bad []netip.Addr
}

func (r *badAddrs) MarkBad(host string, addr netip.Addr) {
	r.bad = append(r.bad, addr)
	r.Resolver.MarkBad(host, addr)
}

func TestConnectWalksAddressesWithoutCache(t *testing.T) {
	addrs := []netip.Addr{
		netip.MustParseAddr("127.0.0.1"),
		netip.MustParseAddr("127.0.0.2"),
		netip.MustParseAddr("127.0.0.3"),
	}
	backend := fake.NewBackend(map[string][]netip.Addr{"multi.test": addrs})
	rcfg := control.DefaultConfig().Resolver
	rcfg.PositiveTTL = 0
	stats := fake.NewStats()

	var c *Comm
	res, err := resolver.New(api.PosterFunc(func(fn func()) error { return c.Post(fn) }), backend, rcfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Close() })
	rec := &badAddrs{Resolver: res}
	c = newTestComm(t, WithStats(stats), WithResolver(rec))

	fd, err := c.Open(OpenOptions{Flags: FlagNonBlocking, Note: "upstream"})
	require.NoError(t, err)
	var got *connectOutcome
	c.ConnectStart(fd, "multi.test", closedPort(t), nil, func(fd int, st Status, errno unix.Errno) {
		got = &connectOutcome{fd, st, errno}
	})
	runUntil(t, c, func() bool { return got != nil })

	require.Equal(t, StatusConnect, got.st)
	require.Equal(t, 3, stats.Count(api.SyscallConnect))
	require.Equal(t, addrs, rec.bad, "one attempt per address, in order")
	require.Equal(t, addrs[2], c.Lookup(fd).Peer.Addr())
	require.Equal(t, 1, backend.Lookups("multi.test"))
}

func TestConnectRetriesSingleAddress(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectMaxTries = 2
	stats := fake.NewStats()
	c := newTestComm(t, WithConfig(cfg), WithStats(stats))

	fd, err := c.Open(OpenOptions{Flags: FlagNonBlocking})
	require.NoError(t, err)
	var got *connectOutcome
	c.ConnectStart(fd, "127.0.0.1", closedPort(t), nil, func(fd int, st Status, errno unix.Errno) {
		got = &connectOutcome{fd, st, errno}
	})
	runUntil(t, c, func() bool { return got != nil })
	require.Equal(t, StatusConnect, got.st)
	require.Equal(t, 2, stats.Count(api.SyscallConnect))
}

func TestConnectGivesUpAfterTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectMaxTries = 10
	cfg.ConnectTimeout = time.Second
	clk := fake.NewClock()
	stats := fake.NewStats()
	c := newTestComm(t, WithConfig(cfg), WithStats(stats), WithClock(clk.Now))

	fd, err := c.Open(OpenOptions{Flags: FlagNonBlocking})
	require.NoError(t, err)
	var got *connectOutcome
	c.ConnectStart(fd, "127.0.0.1", closedPort(t), nil, func(fd int, st Status, errno unix.Errno) {
		got = &connectOutcome{fd, st, errno}
	})
	clk.Advance(2 * time.Second)
	runUntil(t, c, func() bool { return got != nil })
	require.Equal(t, StatusConnect, got.st)
	require.Equal(t, 1, stats.Count(api.SyscallConnect))
}

func TestConnectLookupFailure(t *testing.T) {
	c := newTestComm(t)
	fd, err := c.Open(OpenOptions{Flags: FlagNonBlocking})
	require.NoError(t, err)

	var got *connectOutcome
	c.ConnectStart(fd, "no-resolver.test", 80, nil, func(fd int, st Status, errno unix.Errno) {
		got = &connectOutcome{fd, st, errno}
	})
	runUntil(t, c, func() bool { return got != nil })
	require.Equal(t, StatusDNS, got.st)
}

func TestConnectAbandonedOnClose(t *testing.T) {
	c := newTestComm(t)
	_, port := listen(t, c)
	fd, err := c.Open(OpenOptions{Flags: FlagNonBlocking})
	require.NoError(t, err)

	called := false
	c.ConnectStart(fd, "127.0.0.1", port, nil, func(int, Status, unix.Errno) { called = true })
	require.NoError(t, c.Close(fd))
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Step(0))
	}
	require.False(t, called)
}

func TestConnectSkipsInvalidOwner(t *testing.T) {
	c := newTestComm(t)
	_, port := listen(t, c)
	fd, err := c.Open(OpenOptions{Flags: FlagNonBlocking})
	require.NoError(t, err)

	owner := NewOwner()
	called := false
	c.ConnectStart(fd, "127.0.0.1", port, owner, func(int, Status, unix.Errno) { called = true })
	owner.Invalidate()
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Step(5*time.Millisecond))
	}
	require.False(t, called)
	require.NotNil(t, c.Lookup(fd))
}
