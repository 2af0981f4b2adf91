//go:build linux

package comm

import (
	"testing"
	"time"

	"github.com/momentics/hioload-comm/api"
	"github.com/momentics/hioload-comm/fake"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestHalfClosedProbeAlternates(t *testing.T) {
	clk := fake.NewClock()
	stats := fake.NewStats()
	c := newTestComm(t, WithClock(clk.Now), WithStats(stats))
	a, _ := socketpair(t, c)

	c.MarkHalfClosed(a)
	require.True(t, c.IsHalfClosed(a))
	require.Panics(t, func() { c.MarkHalfClosed(a) })

	require.NoError(t, c.Step(0))
	require.Equal(t, 1, stats.Count(api.SyscallRead))
	require.True(t, c.HasPendingReadCallback(a))

	// The next tick only drains the probe result.
	require.NoError(t, c.Step(0))
	require.False(t, c.HasPendingReadCallback(a))
	require.NoError(t, c.Step(0))
	require.Equal(t, 1, stats.Count(api.SyscallRead))

	clk.Advance(c.Config().HalfClosedCheckInterval)
	require.NoError(t, c.Step(0))
	require.Equal(t, 2, stats.Count(api.SyscallRead))
	require.NotNil(t, c.Lookup(a))
	require.False(t, c.Lookup(a).Flags.SocketEOF)
}

func TestHalfClosedSkipsBusyReaders(t *testing.T) {
	stats := fake.NewStats()
	c := newTestComm(t, WithStats(stats))
	a, _ := socketpair(t, c)

	c.Read(a, make([]byte, 8), func(IOResult) {})
	reads := stats.Count(api.SyscallRead)
	c.MarkHalfClosed(a)
	require.NoError(t, c.Step(0))
	require.Equal(t, reads, stats.Count(api.SyscallRead))
}

func TestHalfClosedAbortCloses(t *testing.T) {
	c := newTestComm(t)
	a, _ := socketpair(t, c)
	c.MarkHalfClosed(a)

	c.abortCheckRead(IOResult{Result: Result{Op: OpRead, FD: a, Status: StatusError, Errno: unix.ECONNRESET}})
	require.Nil(t, c.Lookup(a))
	require.NotContains(t, c.abort.fds, a)
}

func TestHalfClosedForgottenOnClose(t *testing.T) {
	c := newTestComm(t)
	a, _ := socketpair(t, c)
	c.MarkHalfClosed(a)
	require.NoError(t, c.Close(a))
	require.Empty(t, c.abort.fds)
	require.NoError(t, c.Step(time.Millisecond))
}
