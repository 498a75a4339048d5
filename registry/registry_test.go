//go:build linux

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

type connState struct {
	reads int
}

func TestOpenGetRelease(t *testing.T) {
	r := New[connState](2)
	assert.Equal(t, 2, r.Cap())
	assert.Equal(t, 0, r.Len())

	a, peerA := socketPair(t)
	defer unix.Close(peerA)
	b, peerB := socketPair(t)
	defer unix.Close(peerB)

	ha, err := r.Open(a)
	require.NoError(t, err)
	hb, err := r.Open(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
	assert.Equal(t, 2, r.Len())

	_, err = r.Open(100)
	assert.ErrorIs(t, err, ErrFull)

	e, err := r.Get(ha)
	require.NoError(t, err)
	assert.Equal(t, a, e.Fd)
	assert.True(t, e.Open())
	e.Value.reads++

	e, err = r.Get(ha)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Value.reads)

	assert.ErrorIs(t, r.Release(ha), ErrNotClosed)

	require.NoError(t, r.Close(ha))
	assert.False(t, e.Open())
	require.NoError(t, r.Release(ha))
	assert.Equal(t, 1, r.Len())

	_, err = r.Get(ha)
	assert.ErrorIs(t, err, ErrBadHandle)
	assert.ErrorIs(t, r.Release(ha), ErrBadHandle)

	require.NoError(t, r.Close(hb))
	require.NoError(t, r.Release(hb))
	assert.Equal(t, 0, r.Len())
}

func TestCloseIsIdempotent(t *testing.T) {
	r := New[connState](1)

	fd, peer := socketPair(t)
	defer unix.Close(peer)

	h, err := r.Open(fd)
	require.NoError(t, err)

	require.NoError(t, r.Close(h))
	require.NoError(t, r.Close(h))

	//peer observes orderly shutdown
	buf := make([]byte, 1)
	n, err := unix.Read(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBadHandle(t *testing.T) {
	r := New[connState](4)

	for _, h := range []Handle{-1, 4, 100, 0} {
		_, err := r.Get(h)
		assert.ErrorIs(t, err, ErrBadHandle, "handle %d", h)
		assert.ErrorIs(t, r.Close(h), ErrBadHandle, "handle %d", h)
	}
}

func TestHandlesRecycledFIFO(t *testing.T) {
	r := New[connState](3)

	var handles []Handle
	for i := 0; i < 3; i++ {
		fd, peer := socketPair(t)
		defer unix.Close(peer)

		h, err := r.Open(fd)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	assert.Equal(t, []Handle{0, 1, 2}, handles)

	require.NoError(t, r.Close(handles[1]))
	require.NoError(t, r.Release(handles[1]))
	require.NoError(t, r.Close(handles[0]))
	require.NoError(t, r.Release(handles[0]))

	fd, peer := socketPair(t)
	defer unix.Close(peer)
	h, err := r.Open(fd)
	require.NoError(t, err)
	assert.Equal(t, handles[1], h)

	e, err := r.Get(h)
	require.NoError(t, err)
	assert.Equal(t, 0, e.Value.reads, "reused slot must be reset")

	var seen []Handle
	r.Range(func(h Handle, e *Entry[connState]) {
		seen = append(seen, h)
		assert.True(t, e.Open())
	})
	assert.Equal(t, []Handle{handles[1], handles[2]}, seen)

	for _, h := range []Handle{h, handles[2]} {
		require.NoError(t, r.Close(h))
	}
}
