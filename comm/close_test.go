//go:build linux

package comm

import (
	"testing"

	"github.com/momentics/hioload-comm/fake"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestDrainRunsOneGeneration(t *testing.T) {
	c := newTestComm(t)
	a, b := socketpair(t, c)
	writeAll(t, b, []byte("xy"))

	var order []string
	c.Read(a, make([]byte, 1), func(r IOResult) {
		order = append(order, "first:"+string(r.Data()))
		c.Read(a, make([]byte, 1), func(r IOResult) {
			order = append(order, "second:"+string(r.Data()))
		})
	})

	require.Equal(t, 1, c.DrainOnce())
	require.Equal(t, []string{"first:x"}, order)
	require.True(t, c.HasPendingCompletions())

	require.Equal(t, 1, c.DrainOnce())
	require.Equal(t, []string{"first:x", "second:y"}, order)
	require.False(t, c.HasPendingCompletions())
	require.Equal(t, 0, c.DrainOnce())
}

func TestCloseDeliversQueuedResultsAsClosing(t *testing.T) {
	c := newTestComm(t)
	a, b := socketpair(t, c)
	writeAll(t, b, []byte("data"))

	var got []IOResult
	record := func(r IOResult) { got = append(got, r) }
	c.Read(a, make([]byte, 8), record)
	c.Write(a, []byte("reply"), record)
	require.True(t, c.HasPendingCompletions())

	var handlers []string
	c.AddCloseHandler(a, nil, func(int) { handlers = append(handlers, "first") })
	c.AddCloseHandler(a, nil, func(int) { handlers = append(handlers, "second") })
	dead := NewOwner()
	c.AddCloseHandler(a, dead, func(int) { handlers = append(handlers, "dead") })
	dead.Invalidate()

	require.NoError(t, c.Close(a))
	require.Len(t, got, 2)
	require.Equal(t, OpRead, got[0].Op)
	require.Equal(t, OpWrite, got[1].Op)
	for _, r := range got {
		require.Equal(t, StatusClosing, r.Status)
		require.Zero(t, r.Errno)
	}
	require.Equal(t, []string{"second", "first"}, handlers)

	require.False(t, c.HasPendingCompletions())
	require.Equal(t, 0, c.DrainOnce())
	require.Len(t, got, 2)
	require.Nil(t, c.Lookup(a))
}

func TestCloseCancelsWaitingOperations(t *testing.T) {
	c := newTestComm(t)
	a, _ := socketpair(t, c)

	var got []IOResult
	c.Read(a, make([]byte, 8), func(r IOResult) { got = append(got, r) })
	require.NoError(t, c.Close(a))
	require.Len(t, got, 1)
	require.Equal(t, StatusClosing, got[0].Status)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Step(0))
	}
	require.Len(t, got, 1)
}

func TestCloseHandlerCanBeRemoved(t *testing.T) {
	c := newTestComm(t)
	a, _ := socketpair(t, c)

	calls := 0
	id := c.AddCloseHandler(a, nil, func(int) { calls++ })
	c.RemoveCloseHandler(a, id)
	require.Panics(t, func() { c.RemoveCloseHandler(a, id) })
	require.NoError(t, c.Close(a))
	require.Zero(t, calls)
}

func TestCloseFromHandlerIsIgnored(t *testing.T) {
	c := newTestComm(t)
	a, _ := socketpair(t, c)

	calls := 0
	c.AddCloseHandler(a, nil, func(fd int) {
		calls++
		require.NoError(t, c.Close(fd))
	})
	require.NoError(t, c.Close(a))
	require.Equal(t, 1, calls)
	require.Panics(t, func() { _ = c.Close(a) })
}

func TestCloseReleasesSlot(t *testing.T) {
	stats := fake.NewStats()
	var hooked []int
	c := newTestComm(t, WithStats(stats), WithCloseHook(func(fd int) { hooked = append(hooked, fd) }))
	a, b := socketpair(t, c)
	open := c.Registry().NumOpen()
	gen := c.Lookup(a).Gen
	c.Lookup(a).Uses = 3

	require.NoError(t, c.Close(a))
	require.Equal(t, open-1, c.Registry().NumOpen())
	require.Equal(t, []int{a}, hooked)
	require.Equal(t, []int{3}, stats.PconnSeen)

	// The kernel hands the number out again; the record starts blank.
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	require.NoError(t, c.Adopt(fds[0], TypeSocket, "again"))
	require.NoError(t, c.Adopt(fds[1], TypeSocket, "again"))
	require.Equal(t, a, fds[0])
	d := c.Lookup(a)
	require.NotEqual(t, gen, d.Gen)
	require.Zero(t, d.Uses)
	require.Equal(t, "again", d.Note)
	require.GreaterOrEqual(t, c.Registry().Biggest(), b)
}

func TestShutdownClosesSockets(t *testing.T) {
	c := newTestComm(t)
	a, b := socketpair(t, c)
	c.Lookup(b).Flags.IPC = true

	timedOut := 0
	c.SetTimeout(a, 0, nil, func(int) { timedOut++ })
	require.NoError(t, c.Shutdown())
	require.Equal(t, 1, timedOut)
	require.NotNil(t, c.Lookup(a), "a timeout handler lets the owner close")
	require.NotNil(t, c.Lookup(b), "IPC channels survive shutdown")

	require.NoError(t, c.Shutdown())
	require.Nil(t, c.Lookup(a))
}
