//go:build linux

package reactor

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/godzie44/go-uring-bench/registry"
	"github.com/godzie44/go-uring-bench/uring"
	"github.com/sirupsen/logrus"
)

func (r *Reactor) dispatch(ctx context.Context, cqe uring.CQEvent) error {
	tok, ok := r.tokens.take(cqe.UserData)
	if !ok {
		return fmt.Errorf("%w: user data %d", ErrUnknownToken, cqe.UserData)
	}

	switch t := tok.(type) {
	case acceptToken:
		return r.onAccept(ctx, cqe)
	case readToken:
		return r.onRead(ctx, t, cqe)
	case writeToken:
		return r.onWrite(ctx, t, cqe)
	case provideToken:
		if cqe.Res < 0 {
			return fmt.Errorf("%w: buffers [%d, %d): %s", ErrProvideBuffers, t.first, uint32(t.first)+t.count, cqe.Error().Error())
		}
		return nil
	}

	return fmt.Errorf("%w: %T", ErrUnknownToken, tok)
}

func (r *Reactor) onAccept(ctx context.Context, cqe uring.CQEvent) error {
	fd := int(cqe.Res)

	var fields logrus.Fields
	if fd >= 0 {
		fields = logrus.Fields{"fd": fd}
		if addr, err := r.acceptOp.Addr(); err == nil {
			fields["remote"] = addr.String()
		}
	}

	//accept op is reused, so peer address must be read before re-arm
	if err := r.queueAccept(); err != nil {
		if fd >= 0 {
			closeFd(fd)
		}
		return err
	}

	if fd < 0 {
		r.rec.AcceptError(ctx)
		r.log.WithError(cqe.Error()).Warn("accept failed")
		return nil
	}

	h, err := r.conns.Open(fd)
	if err != nil {
		r.rec.AcceptError(ctx)
		r.log.WithError(err).WithFields(fields).Warn("connection rejected")
		closeFd(fd)
		return nil
	}

	e, _ := r.conns.Get(h)
	e.Value.framer.Policy = r.policy
	e.Value.recvOp = uring.RecvBufferSelect(uintptr(fd), r.pool.Group(), uint32(r.pool.Size()), 0)
	e.Value.sendOp = uring.Send(uintptr(fd), nil, 0)

	r.rec.Accepted(ctx)
	fields["handle"] = h
	r.log.WithFields(fields).Debug("connection accepted")

	return r.armRead(h, e)
}

func (r *Reactor) armRead(h registry.Handle, e *registry.Entry[conn]) error {
	if err := r.queue(e.Value.recvOp, readToken{conn: h}); err != nil {
		return err
	}
	e.Value.pending++
	return nil
}

func (r *Reactor) onRead(ctx context.Context, t readToken, cqe uring.CQEvent) error {
	e, err := r.conns.Get(t.conn)
	if err != nil {
		return err
	}
	e.Value.pending--

	if errors.Is(cqe.Error(), syscall.ENOBUFS) {
		return fmt.Errorf("%w: read on fd %d", ErrPoolExhausted, e.Fd)
	}

	bid, selected := cqe.BufferID()
	if cqe.Res <= 0 || !e.Open() {
		if selected {
			if err = r.reclaim(bid); err != nil {
				return err
			}
		}
		r.closeConn(ctx, t.conn, e, cqe.Error())
		return nil
	}

	if !selected {
		return fmt.Errorf("%w: fd %d", ErrNoBufferSelected, e.Fd)
	}

	data, err := r.pool.Checkout(bid, int(cqe.Res))
	if err != nil {
		return err
	}

	count, frameErr := e.Value.framer.Frame(data)
	if err = r.reclaim(bid); err != nil {
		return err
	}
	if frameErr != nil {
		return fmt.Errorf("fd %d: %w", e.Fd, frameErr)
	}

	if count > 0 {
		r.rec.Requests(ctx, count)
		if err = r.respond(t.conn, e, count); err != nil {
			return err
		}
	}

	return r.armRead(t.conn, e)
}

func (r *Reactor) reclaim(bid uint16) error {
	op, err := r.pool.Reclaim(bid)
	if err != nil {
		return err
	}
	return r.queue(op, provideToken{first: op.FirstID(), count: op.Count()})
}

//respond send count responses, or defer them until the in flight write of the connection completes.
func (r *Reactor) respond(h registry.Handle, e *registry.Entry[conn], count int) error {
	buf, err := r.block.Batch(count)
	if err != nil {
		return fmt.Errorf("fd %d: %w", e.Fd, err)
	}

	if e.Value.writing {
		e.Value.owed += count
		return nil
	}
	return r.write(h, e, buf)
}

func (r *Reactor) write(h registry.Handle, e *registry.Entry[conn], buf []byte) error {
	e.Value.sendOp.SetBuffer(buf)
	if err := r.queue(e.Value.sendOp, writeToken{conn: h, want: len(buf)}); err != nil {
		return err
	}
	e.Value.pending++
	e.Value.writing = true
	return nil
}

func (r *Reactor) onWrite(ctx context.Context, t writeToken, cqe uring.CQEvent) error {
	e, err := r.conns.Get(t.conn)
	if err != nil {
		return err
	}
	e.Value.pending--
	e.Value.writing = false

	if cqe.Res <= 0 {
		r.closeConn(ctx, t.conn, e, cqe.Error())
		return nil
	}

	if !e.Open() {
		r.release(t.conn, e)
		return nil
	}

	if int(cqe.Res) != t.want {
		return fmt.Errorf("%w: %d of %d bytes on fd %d", ErrShortWrite, cqe.Res, t.want, e.Fd)
	}
	r.rec.ResponseBytes(ctx, t.want)

	if e.Value.owed > 0 {
		n := min(e.Value.owed, r.block.Max())
		e.Value.owed -= n

		buf, _ := r.block.Batch(n)
		return r.write(t.conn, e, buf)
	}
	return nil
}

//closeConn close socket, slot is released once no operation references it.
func (r *Reactor) closeConn(ctx context.Context, h registry.Handle, e *registry.Entry[conn], reason error) {
	if e.Open() {
		fields := logrus.Fields{"fd": e.Fd, "handle": h}
		if err := r.conns.Close(h); err != nil {
			r.log.WithError(err).WithFields(fields).Warn("close connection")
		}
		e.Value.owed = 0

		r.rec.Closed(ctx)
		if reason != nil {
			fields["reason"] = reason.Error()
		}
		r.log.WithFields(fields).Debug("connection closed")
	}

	r.release(h, e)
}

func (r *Reactor) release(h registry.Handle, e *registry.Entry[conn]) {
	if e.Open() || e.Value.pending > 0 {
		return
	}
	if err := r.conns.Release(h); err != nil {
		r.log.WithError(err).WithField("handle", h).Warn("release connection")
	}
}
