//go:build linux

package comm

import (
	"testing"
	"time"

	"github.com/momentics/hioload-comm/control"
	"github.com/momentics/hioload-comm/reactor"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func testConfig() *control.Config {
	cfg := control.DefaultConfig()
	cfg.MaxFD = 4096
	cfg.ReservedFD = 16
	return cfg
}

func newTestComm(t *testing.T, opts ...Option) *Comm {
	t.Helper()
	mux, err := reactor.NewMultiplexer()
	require.NoError(t, err)
	c, err := New(mux, append([]Option{WithConfig(testConfig())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.reg.each(func(d *Descriptor) { _ = c.Close(d.FD) })
		_ = c.Stop()
	})
	return c
}

// socketpair returns two connected non-blocking stream sockets registered with c.
func socketpair(t *testing.T, c *Comm) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	require.NoError(t, c.Adopt(fds[0], TypeSocket, "pair a"))
	require.NoError(t, c.Adopt(fds[1], TypeSocket, "pair b"))
	return fds[0], fds[1]
}

// rawPair returns a socketpair that the engine does not know about.
func rawPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func runUntil(t *testing.T, c *Comm, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		require.NoError(t, c.Step(10*time.Millisecond))
	}
}

func writeAll(t *testing.T, fd int, p []byte) {
	t.Helper()
	n, err := unix.Write(fd, p)
	require.NoError(t, err)
	require.Equal(t, len(p), n)
}
