//go:build linux

//Package epoll is the readiness based engine: connections are polled with epoll and served
//with non-blocking read and write syscalls on the calling goroutine.
package epoll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/godzie44/go-uring-bench/framing"
	"github.com/godzie44/go-uring-bench/metrics"
	"github.com/godzie44/go-uring-bench/registry"
	"github.com/godzie44/go-uring-bench/response"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sys/unix"
)

const (
	DefaultServerName = "epoll/raw_0123456789012345678901234567890123456789"
	DefaultBufferSize = 4096
	DefaultMaxConns   = 2048

	MaxEvents = 128

	listenerID = -1
)

var (
	ErrSendBufferFull = errors.New("socket send buffer full")
	ErrShortWrite     = errors.New("short write")
)

type connState struct {
	framer framing.Framer
}

//Server is not safe for concurrent use, Run must be called once.
type Server struct {
	epfd       int
	listenerFd int

	conns  *registry.Registry[connState]
	block  *response.Block
	buf    []byte
	events []unix.EpollEvent

	log logrus.FieldLogger
	rec *metrics.Recorder

	meterProvider metric.MeterProvider
	policy        framing.Policy
	maxConns      int
	bufSize       int
	maxResponses  int
	edge          bool
	tickDuration  time.Duration
	serverName    string
}

type Option func(s *Server)

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) {
		s.log = l
	}
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Server) {
		s.meterProvider = mp
	}
}

func WithFramingPolicy(p framing.Policy) Option {
	return func(s *Server) {
		s.policy = p
	}
}

func WithMaxConns(n int) Option {
	return func(s *Server) {
		s.maxConns = n
	}
}

//WithBufferSize set size of the read buffer shared by all connections.
func WithBufferSize(n int) Option {
	return func(s *Server) {
		s.bufSize = n
	}
}

func WithMaxResponses(n int) Option {
	return func(s *Server) {
		s.maxResponses = n
	}
}

//WithEdgeTriggered register connections with EPOLLET, every readiness event drains the socket.
func WithEdgeTriggered() Option {
	return func(s *Server) {
		s.edge = true
	}
}

func WithTickDuration(d time.Duration) Option {
	return func(s *Server) {
		s.tickDuration = d
	}
}

func WithServerName(name string) Option {
	return func(s *Server) {
		s.serverName = name
	}
}

//New create Server polling listenerFd, listener switched to non-blocking mode.
func New(listenerFd int, opts ...Option) (*Server, error) {
	s := &Server{
		listenerFd:   listenerFd,
		log:          discardLogger(),
		policy:       framing.CarryOver,
		maxConns:     DefaultMaxConns,
		bufSize:      DefaultBufferSize,
		maxResponses: response.DefaultMaxResponses,
		tickDuration: time.Millisecond * 100,
		serverName:   DefaultServerName,
		events:       make([]unix.EpollEvent, MaxEvents),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.maxConns < 1 || s.bufSize < 1 {
		return nil, fmt.Errorf("invalid limits: max connections %d, buffer size %d", s.maxConns, s.bufSize)
	}

	var err error
	if s.block, err = response.NewBlock(response.Plaintext(s.serverName), s.maxResponses); err != nil {
		return nil, err
	}
	if s.rec, err = metrics.New(s.meterProvider, "epoll"); err != nil {
		return nil, err
	}
	s.conns = registry.New[connState](s.maxConns)
	s.buf = make([]byte, s.bufSize)

	if err = unix.SetNonblock(listenerFd, true); err != nil {
		return nil, fmt.Errorf("listener nonblock: %w", err)
	}

	if s.epfd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}

	err = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, listenerFd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: listenerID})
	if err != nil {
		_ = unix.Close(s.epfd)
		return nil, fmt.Errorf("epoll add listener: %w", err)
	}

	return s, nil
}

//Run serve connections until ctx is done or a fatal error occurs.
func (s *Server) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s.log.WithFields(logrus.Fields{
		"listener_fd": s.listenerFd,
		"edge":        s.edge,
		"framing":     s.policy.String(),
	}).Info("epoll server started")

	timeout := int(s.tickDuration / time.Millisecond)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := unix.EpollWait(s.epfd, s.events, timeout)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("epoll wait: %w", err)
		}

		for i := 0; i < n; i++ {
			ev := s.events[i]
			if ev.Fd == listenerID {
				if err = s.accept(ctx); err != nil {
					return err
				}
				continue
			}

			if err = s.serve(ctx, registry.Handle(ev.Fd), ev.Events); err != nil {
				return err
			}
		}
	}
}

func (s *Server) accept(ctx context.Context) error {
	for {
		fd, _, err := unix.Accept4(s.listenerFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
			continue
		}
		if err != nil {
			s.rec.AcceptError(ctx)
			s.log.WithError(err).Warn("accept failed")
			return nil
		}

		h, err := s.conns.Open(fd)
		if err != nil {
			s.rec.AcceptError(ctx)
			s.log.WithError(err).WithField("fd", fd).Warn("connection rejected")
			_ = unix.Close(fd)
			continue
		}

		e, _ := s.conns.Get(h)
		e.Value.framer.Policy = s.policy

		events := uint32(unix.EPOLLIN | unix.EPOLLRDHUP)
		if s.edge {
			events |= unix.EPOLLET
		}
		if err = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(h)}); err != nil {
			return fmt.Errorf("epoll add fd %d: %w", fd, err)
		}

		s.rec.Accepted(ctx)
		s.log.WithFields(logrus.Fields{"fd": fd, "handle": h}).Debug("connection accepted")
	}
}

//serve read what is available and answer every complete request.
func (s *Server) serve(ctx context.Context, h registry.Handle, events uint32) error {
	e, err := s.conns.Get(h)
	if err != nil {
		return err
	}

	if events&unix.EPOLLRDHUP != 0 {
		s.closeConn(ctx, h, e, io.EOF)
		return nil
	}

	filled := 0
	for {
		n, err := unix.Read(e.Fd, s.buf[filled:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			break
		}
		if n <= 0 {
			if err == nil {
				err = io.EOF
			}
			s.closeConn(ctx, h, e, err)
			return nil
		}

		filled += n
		if !s.edge {
			break
		}
		if filled == len(s.buf) {
			if ok, err := s.frame(ctx, h, e, s.buf[:filled]); !ok || err != nil {
				return err
			}
			filled = 0
		}
	}

	if filled > 0 {
		_, err = s.frame(ctx, h, e, s.buf[:filled])
	}
	return err
}

//frame answer requests in p, report false if connection was closed.
func (s *Server) frame(ctx context.Context, h registry.Handle, e *registry.Entry[connState], p []byte) (bool, error) {
	count, err := e.Value.framer.Frame(p)
	if err != nil {
		return false, fmt.Errorf("fd %d: %w", e.Fd, err)
	}
	if count == 0 {
		return true, nil
	}
	s.rec.Requests(ctx, count)

	batch, err := s.block.Batch(count)
	if err != nil {
		return false, fmt.Errorf("fd %d: %w", e.Fd, err)
	}

	n, err := unix.Write(e.Fd, batch)
	if errors.Is(err, unix.EAGAIN) {
		return false, fmt.Errorf("%w: fd %d", ErrSendBufferFull, e.Fd)
	}
	if n <= 0 {
		s.closeConn(ctx, h, e, err)
		return false, nil
	}
	if n != len(batch) {
		return false, fmt.Errorf("%w: %d of %d bytes on fd %d", ErrShortWrite, n, len(batch), e.Fd)
	}

	s.rec.ResponseBytes(ctx, n)
	return true, nil
}

func (s *Server) closeConn(ctx context.Context, h registry.Handle, e *registry.Entry[connState], reason error) {
	fields := logrus.Fields{"fd": e.Fd, "handle": h}

	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, e.Fd, nil)
	if err := s.conns.Close(h); err != nil {
		s.log.WithError(err).WithFields(fields).Warn("close connection")
	}
	if err := s.conns.Release(h); err != nil {
		s.log.WithError(err).WithFields(fields).Warn("release connection")
	}

	s.rec.Closed(ctx)
	if reason != nil {
		fields["reason"] = reason.Error()
	}
	s.log.WithFields(fields).Debug("connection closed")
}

//Connections return number of open connections. Must not be called concurrently with Run.
func (s *Server) Connections() int {
	return s.conns.Len()
}

//Close close every connection and the epoll instance, listener is left open.
func (s *Server) Close() error {
	s.conns.Range(func(h registry.Handle, e *registry.Entry[connState]) {
		_ = s.conns.Close(h)
	})
	return unix.Close(s.epfd)
}
