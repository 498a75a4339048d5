//go:build linux

package net

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestListen(t *testing.T) {
	l, err := Listen(0, WithIP(net.IPv4(127, 0, 0, 1)))
	require.NoError(t, err)
	defer l.Close()

	require.NotNil(t, l.Addr())
	assert.NotEqual(t, 0, l.Addr().Port)
	assert.Equal(t, "127.0.0.1", l.Addr().IP.String())

	nodelay, err := unix.GetsockoptInt(l.Fd(), unix.IPPROTO_TCP, unix.TCP_NODELAY)
	require.NoError(t, err)
	assert.NotEqual(t, 0, nodelay)

	c, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	fd, sa, err := unix.Accept(l.Fd())
	require.NoError(t, err)
	defer unix.Close(fd)

	peer, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	assert.Equal(t, c.LocalAddr().(*net.TCPAddr).Port, peer.Port)
}

func TestListenNonblock(t *testing.T) {
	l, err := Listen(0, WithNonblock(), WithBacklog(16))
	require.NoError(t, err)
	defer l.Close()

	assert.True(t, l.Addr().IP.Equal(net.IPv4zero))

	_, _, err = unix.Accept(l.Fd())
	assert.ErrorIs(t, err, unix.EAGAIN)
}

func TestListenInvalidPort(t *testing.T) {
	_, err := Listen(-1)
	assert.ErrorIs(t, err, ErrInvalidPort)

	_, err = Listen(70000)
	assert.ErrorIs(t, err, ErrInvalidPort)
}

func TestListenPortInUseWithReuse(t *testing.T) {
	l, err := Listen(0)
	require.NoError(t, err)
	defer l.Close()

	l2, err := Listen(l.Addr().Port)
	require.NoError(t, err, "SO_REUSEPORT must allow a second listener")
	require.NoError(t, l2.Close())
}
