//go:build linux

package comm

import (
	"net/netip"
	"testing"

	"github.com/momentics/hioload-comm/api"
	"github.com/momentics/hioload-comm/fake"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func openUDP(t *testing.T, c *Comm) (int, netip.AddrPort) {
	t.Helper()
	fd, err := c.Open(OpenOptions{
		SoType: unix.SOCK_DGRAM,
		Local:  netip.AddrPortFrom(loopback, 0),
		Flags:  FlagNonBlocking,
		Note:   "udp",
	})
	require.NoError(t, err)
	port, err := c.LocalPort(fd)
	require.NoError(t, err)
	return fd, netip.AddrPortFrom(loopback, port)
}

func TestUDPSendToRecvFrom(t *testing.T) {
	stats := fake.NewStats()
	c := newTestComm(t, WithStats(stats))
	u1, addr1 := openUDP(t, c)
	u2, addr2 := openUDP(t, c)

	n, err := c.UDPSendTo(u1, addr2, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 64)
	n, from, err := c.UDPRecvFrom(u2, buf, 0)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
	require.Equal(t, addr1, from)
	require.EqualValues(t, 5, c.Lookup(u2).BytesRead)
	require.Equal(t, 1, stats.Count(api.SyscallSendTo))
	require.Equal(t, 1, stats.Count(api.SyscallRecvFrom))

	_, err = c.UDPRecv(u2, buf, 0)
	require.ErrorIs(t, err, unix.EAGAIN)
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, OpRecv, opErr.Op)
	require.Equal(t, StatusError, opErr.Status)
}

func TestUDPSendConnected(t *testing.T) {
	c := newTestComm(t)
	u1, _ := openUDP(t, c)
	u2, addr2 := openUDP(t, c)

	require.NoError(t, unix.Connect(u1, &unix.SockaddrInet4{Port: int(addr2.Port()), Addr: addr2.Addr().As4()}))
	n, err := c.UDPSend(u1, []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	buf := make([]byte, 16)
	n, err = c.UDPRecv(u2, buf, 0)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}
