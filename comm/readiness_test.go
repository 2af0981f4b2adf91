//go:build linux

package comm

import (
	"net"
	"testing"

	"github.com/momentics/hioload-comm/api"
	"github.com/momentics/hioload-comm/control"
	"github.com/momentics/hioload-comm/fake"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newManualComm drives real descriptors but leaves readiness to the test.
func newManualComm(t *testing.T, cfg *control.Config) (*Comm, *fake.Multiplexer) {
	t.Helper()
	mux := fake.NewMultiplexer()
	c, err := New(mux, WithConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() {
		c.reg.each(func(d *Descriptor) { _ = c.Close(d.FD) })
		_ = c.Stop()
	})
	return c, mux
}

func TestReadWaitsForReadiness(t *testing.T) {
	c, mux := newManualComm(t, testConfig())
	a, b := socketpair(t, c)

	var got *IOResult
	c.Read(a, make([]byte, 16), func(r IOResult) { got = &r })
	require.True(t, mux.Registered(a, api.InterestRead))
	require.Zero(t, c.DrainOnce())

	writeAll(t, b, []byte("ping"))
	require.True(t, mux.Fire(a, api.InterestRead))
	require.False(t, mux.Registered(a, api.InterestRead), "readiness handlers are one-shot")
	require.Nil(t, got, "results wait for the drain")

	require.Equal(t, 1, c.DrainOnce())
	require.Equal(t, StatusOK, got.Status)
	require.Equal(t, []byte("ping"), got.Data())
}

func TestWriteRearmsUntilDone(t *testing.T) {
	c, mux := newManualComm(t, testConfig())
	a, b := socketpair(t, c)

	payload := make([]byte, 4<<20)
	for i := range payload {
		payload[i] = byte(i)
	}
	var got *IOResult
	c.Write(a, payload, func(r IOResult) { got = &r })
	require.True(t, mux.Registered(a, api.InterestWrite))

	var received []byte
	chunk := make([]byte, 64<<10)
	for rounds := 0; got == nil; rounds++ {
		require.Less(t, rounds, 100000)
		for {
			n, err := unix.Read(b, chunk)
			if err != nil || n == 0 {
				break
			}
			received = append(received, chunk[:n]...)
		}
		if mux.Registered(a, api.InterestWrite) {
			mux.Fire(a, api.InterestWrite)
		}
		c.DrainOnce()
	}
	for len(received) < len(payload) {
		n, err := unix.Read(b, chunk)
		require.NoError(t, err)
		received = append(received, chunk[:n]...)
	}

	require.Equal(t, StatusOK, got.Status)
	require.Equal(t, len(payload), got.N)
	require.Equal(t, payload, received)
	require.False(t, mux.Registered(a, api.InterestWrite))
}

func TestAcceptCapPerReadiness(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAcceptPerLoop = 2
	c, mux := newManualComm(t, cfg)
	l, port := listen(t, c)

	var accepted []int
	var h AcceptHandler
	h = func(r AcceptResult) {
		require.Equal(t, StatusOK, r.Status)
		accepted = append(accepted, r.NewFD)
		c.Accept(l, h)
	}
	c.Accept(l, h)
	require.True(t, mux.Registered(l, api.InterestRead))

	clients := []net.Conn{dial(t, port), dial(t, port), dial(t, port)}
	require.Len(t, clients, 3)

	require.True(t, mux.Fire(l, api.InterestRead))
	require.Len(t, accepted, 2)
	require.True(t, mux.Registered(l, api.InterestRead), "the handler re-armed the listener")

	require.True(t, mux.Fire(l, api.InterestRead))
	require.Len(t, accepted, 3)
	require.True(t, mux.Registered(l, api.InterestRead), "EAGAIN waits for the next wakeup")
	require.False(t, c.HasPendingCompletions())
}

func TestCloseDetachesDescriptor(t *testing.T) {
	c, mux := newManualComm(t, testConfig())
	a, _ := socketpair(t, c)

	c.Read(a, make([]byte, 8), func(IOResult) {})
	require.True(t, mux.Registered(a, api.InterestRead))
	require.NoError(t, c.Close(a))
	require.Contains(t, mux.Detached, a)
	require.False(t, mux.Registered(a, api.InterestRead))
}
