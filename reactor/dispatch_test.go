//go:build linux

package reactor

import (
	"context"
	"errors"
	"syscall"
	"testing"

	"github.com/godzie44/go-uring-bench/registry"
	"github.com/godzie44/go-uring-bench/uring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

//newDetachedReactor create reactor state without a ring, only completions that never queue
//new operations may be dispatched.
func newDetachedReactor(t *testing.T) *Reactor {
	t.Helper()

	r, err := newReactor(nil, -1, WithBuffers(4, 64), WithMaxConns(4), WithMaxResponses(4))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, r.Close())
	})
	return r
}

func openConn(t *testing.T, r *Reactor) registry.Handle {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[1])
	})

	h, err := r.conns.Open(fds[0])
	require.NoError(t, err)
	return h
}

func errno(e syscall.Errno) int32 {
	return -int32(e)
}

func TestTokenTable(t *testing.T) {
	var tt tokenTable

	a := tt.put(acceptToken{})
	b := tt.put(readToken{conn: 3})
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, tt.len())

	tok, ok := tt.take(b)
	require.True(t, ok)
	assert.Equal(t, readToken{conn: 3}, tok)

	_, ok = tt.take(b)
	assert.False(t, ok, "token taken twice")
	_, ok = tt.take(100)
	assert.False(t, ok)

	c := tt.put(writeToken{conn: 1, want: 10})
	assert.Equal(t, b, c, "freed slot reused")
	assert.Equal(t, 2, tt.len())
}

func TestDispatchUnknownToken(t *testing.T) {
	r := newDetachedReactor(t)

	err := r.dispatch(context.Background(), uring.CQEvent{UserData: 42, Res: 1})
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestDispatchPoolExhausted(t *testing.T) {
	r := newDetachedReactor(t)
	h := openConn(t, r)

	ud := r.tokens.put(readToken{conn: h})
	err := r.dispatch(context.Background(), uring.CQEvent{UserData: ud, Res: errno(syscall.ENOBUFS)})
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestDispatchReadWithoutBuffer(t *testing.T) {
	r := newDetachedReactor(t)
	h := openConn(t, r)

	ud := r.tokens.put(readToken{conn: h})
	err := r.dispatch(context.Background(), uring.CQEvent{UserData: ud, Res: 10})
	assert.ErrorIs(t, err, ErrNoBufferSelected)
}

func TestDispatchShortWrite(t *testing.T) {
	r := newDetachedReactor(t)
	h := openConn(t, r)

	e, err := r.conns.Get(h)
	require.NoError(t, err)
	e.Value.pending++
	e.Value.writing = true

	ud := r.tokens.put(writeToken{conn: h, want: 100})
	err = r.dispatch(context.Background(), uring.CQEvent{UserData: ud, Res: 50})
	assert.ErrorIs(t, err, ErrShortWrite)
}

func TestDispatchProvideFailure(t *testing.T) {
	r := newDetachedReactor(t)

	ud := r.tokens.put(provideToken{first: 0, count: 4})
	err := r.dispatch(context.Background(), uring.CQEvent{UserData: ud, Res: errno(syscall.EINVAL)})
	assert.ErrorIs(t, err, ErrProvideBuffers)

	ud = r.tokens.put(provideToken{first: 0, count: 4})
	assert.NoError(t, r.dispatch(context.Background(), uring.CQEvent{UserData: ud, Res: 4}))
}

func TestDispatchReadClosed(t *testing.T) {
	r := newDetachedReactor(t)
	h := openConn(t, r)

	e, err := r.conns.Get(h)
	require.NoError(t, err)
	e.Value.pending++

	ud := r.tokens.put(readToken{conn: h})
	require.NoError(t, r.dispatch(context.Background(), uring.CQEvent{UserData: ud, Res: 0}))

	assert.Equal(t, 0, r.conns.Len(), "slot released")
	_, err = r.conns.Get(h)
	assert.ErrorIs(t, err, registry.ErrBadHandle)
	assert.Equal(t, 0, r.tokens.len())
}

func TestDispatchWriteFailureWaitsForRead(t *testing.T) {
	r := newDetachedReactor(t)
	h := openConn(t, r)

	e, err := r.conns.Get(h)
	require.NoError(t, err)
	e.Value.pending = 2
	e.Value.writing = true

	readUD := r.tokens.put(readToken{conn: h})
	writeUD := r.tokens.put(writeToken{conn: h, want: 10})

	require.NoError(t, r.dispatch(context.Background(), uring.CQEvent{UserData: writeUD, Res: errno(syscall.EPIPE)}))
	assert.False(t, e.Open())
	assert.Equal(t, 1, r.conns.Len(), "read still references connection")

	require.NoError(t, r.dispatch(context.Background(), uring.CQEvent{UserData: readUD, Res: 0}))
	assert.Equal(t, 0, r.conns.Len())
}

func TestDispatchWriteCompletesAfterClose(t *testing.T) {
	r := newDetachedReactor(t)
	h := openConn(t, r)

	e, err := r.conns.Get(h)
	require.NoError(t, err)
	e.Value.pending = 2
	e.Value.writing = true

	readUD := r.tokens.put(readToken{conn: h})
	writeUD := r.tokens.put(writeToken{conn: h, want: 10})

	require.NoError(t, r.dispatch(context.Background(), uring.CQEvent{UserData: readUD, Res: errno(syscall.ECONNRESET)}))
	assert.Equal(t, 1, r.conns.Len())

	//short write on closed connection is not fatal
	require.NoError(t, r.dispatch(context.Background(), uring.CQEvent{UserData: writeUD, Res: 5}))
	assert.Equal(t, 0, r.conns.Len())
}

//newRingReactor create reactor on a ring that is never submitted, queued operations stay in SQ.
func newRingReactor(t *testing.T, entries uint32) *Reactor {
	t.Helper()

	ring, err := uring.New(entries)
	if errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EPERM) {
		t.Skipf("Skipped, io_uring not available: %s", err.Error())
	}
	require.NoError(t, err)

	r, err := newReactor(ring, -1, WithBuffers(4, 64), WithMaxConns(4), WithMaxResponses(4))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, ring.Close())
		assert.NoError(t, r.Close())
	})
	return r
}

func takeWrite(t *testing.T, r *Reactor) (uint64, writeToken) {
	t.Helper()

	for ud, tok := range r.tokens.slots {
		if w, ok := tok.(writeToken); ok {
			return uint64(ud), w
		}
	}
	require.FailNow(t, "no write queued")
	return 0, writeToken{}
}

func TestDispatchOwedResponsesWaitForWrite(t *testing.T) {
	r := newRingReactor(t, 8)
	h := openConn(t, r)

	e, err := r.conns.Get(h)
	require.NoError(t, err)
	e.Value.sendOp = uring.Send(uintptr(e.Fd), nil, 0)

	require.NoError(t, r.respond(h, e, 2))
	assert.True(t, e.Value.writing)
	assert.Equal(t, 1, e.Value.pending)
	assert.Equal(t, 1, r.tokens.len())

	//responses for reads completed while the first write is in flight
	require.NoError(t, r.respond(h, e, 4))
	require.NoError(t, r.respond(h, e, 3))
	assert.Equal(t, 7, e.Value.owed)
	assert.Equal(t, 1, r.tokens.len(), "one write per connection")

	ud, w := takeWrite(t, r)
	assert.Equal(t, 2*len(resp), w.want)
	require.NoError(t, r.dispatch(context.Background(), uring.CQEvent{UserData: ud, Res: int32(w.want)}))

	ud, w = takeWrite(t, r)
	assert.Equal(t, 4*len(resp), w.want, "flushed up to block max")
	assert.Equal(t, 3, e.Value.owed)
	assert.True(t, e.Value.writing)
	require.NoError(t, r.dispatch(context.Background(), uring.CQEvent{UserData: ud, Res: int32(w.want)}))

	ud, w = takeWrite(t, r)
	assert.Equal(t, 3*len(resp), w.want)
	assert.Equal(t, 0, e.Value.owed)
	require.NoError(t, r.dispatch(context.Background(), uring.CQEvent{UserData: ud, Res: int32(w.want)}))

	assert.False(t, e.Value.writing)
	assert.Equal(t, 0, e.Value.pending)
	assert.Equal(t, 0, r.tokens.len())
}

func TestDispatchOwedDroppedOnClose(t *testing.T) {
	r := newRingReactor(t, 8)
	h := openConn(t, r)

	e, err := r.conns.Get(h)
	require.NoError(t, err)
	e.Value.sendOp = uring.Send(uintptr(e.Fd), nil, 0)

	require.NoError(t, r.respond(h, e, 1))
	require.NoError(t, r.respond(h, e, 2))
	require.Equal(t, 2, e.Value.owed)

	ud, _ := takeWrite(t, r)
	require.NoError(t, r.dispatch(context.Background(), uring.CQEvent{UserData: ud, Res: errno(syscall.EPIPE)}))

	assert.False(t, e.Open())
	assert.Equal(t, 0, r.tokens.len(), "no write after failure")
	assert.Equal(t, 0, r.conns.Len())
}
