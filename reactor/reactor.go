//go:build linux

//Package reactor serves pipelined requests from a single io_uring: one accept is always armed,
//reads select kernel provided buffers and every recognized request is answered by one batched send.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"syscall"
	"time"

	"github.com/godzie44/go-uring-bench/bufpool"
	"github.com/godzie44/go-uring-bench/framing"
	"github.com/godzie44/go-uring-bench/metrics"
	"github.com/godzie44/go-uring-bench/registry"
	"github.com/godzie44/go-uring-bench/response"
	"github.com/godzie44/go-uring-bench/uring"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sys/unix"
)

const (
	DefaultServerName = "io_uring/raw_0123456789012345678901234567890123456"

	DefaultBufferCount = 4096
	DefaultBufferSize  = 2048
	DefaultMaxConns    = 4096

	bufGroup    = 1
	cqeBuffSize = 1 << 7
)

var (
	ErrUnsupported      = errors.New("io_uring feature not supported")
	ErrShortWrite       = errors.New("short write")
	ErrNoBufferSelected = errors.New("read completed without selected buffer")
	ErrUnknownToken     = errors.New("completion for unknown operation")

	ErrPoolExhausted  = bufpool.ErrPoolExhausted
	ErrProvideBuffers = bufpool.ErrProvideBuffers
)

type RingError struct {
	Err    error
	RingFd int
}

func (r *RingError) Error() string {
	return fmt.Sprintf("%s, ring fd: %d", r.Err.Error(), r.RingFd)
}

func (r *RingError) Unwrap() error {
	return r.Err
}

type conn struct {
	framer framing.Framer

	recvOp *uring.RecvOp
	sendOp *uring.SendOp

	//outstanding operations referencing this connection
	pending int
	writing bool
	//responses requested while a write was in flight
	owed int
}

type Reactor struct {
	ring       *uring.Ring
	listenerFd int
	acceptOp   *uring.AcceptOp

	pool   *bufpool.Pool
	conns  *registry.Registry[conn]
	block  *response.Block
	tokens tokenTable

	log logrus.FieldLogger
	rec *metrics.Recorder

	meterProvider metric.MeterProvider
	policy        framing.Policy
	maxConns      int
	bufCount      int
	bufSize       int
	maxResponses  int
	tickDuration  time.Duration
	serverName    string
}

type ReactorOption func(r *Reactor)

func WithLogger(l logrus.FieldLogger) ReactorOption {
	return func(r *Reactor) {
		r.log = l
	}
}

//WithMeterProvider set provider for engine counters, global provider used by default.
func WithMeterProvider(mp metric.MeterProvider) ReactorOption {
	return func(r *Reactor) {
		r.meterProvider = mp
	}
}

func WithFramingPolicy(p framing.Policy) ReactorOption {
	return func(r *Reactor) {
		r.policy = p
	}
}

func WithMaxConns(n int) ReactorOption {
	return func(r *Reactor) {
		r.maxConns = n
	}
}

//WithBuffers set number and size of buffers provided to the kernel.
func WithBuffers(count, size int) ReactorOption {
	return func(r *Reactor) {
		r.bufCount = count
		r.bufSize = size
	}
}

//WithMaxResponses set the largest number of pipelined requests answered from one read.
func WithMaxResponses(n int) ReactorOption {
	return func(r *Reactor) {
		r.maxResponses = n
	}
}

//WithTickDuration set how long Run blocks waiting for completions before checking its context.
func WithTickDuration(duration time.Duration) ReactorOption {
	return func(r *Reactor) {
		r.tickDuration = duration
	}
}

func WithServerName(name string) ReactorOption {
	return func(r *Reactor) {
		r.serverName = name
	}
}

//New create Reactor serving connections accepted from listenerFd.
//ErrUnsupported returned if kernel lacks fast poll or provide buffers support.
func New(ring *uring.Ring, listenerFd int, opts ...ReactorOption) (*Reactor, error) {
	if err := checkRingReq(ring); err != nil {
		return nil, err
	}

	return newReactor(ring, listenerFd, opts...)
}

func checkRingReq(ring *uring.Ring) error {
	if !ring.Params.FastPollFeature() {
		return fmt.Errorf("%w: IORING_FEAT_FAST_POLL", ErrUnsupported)
	}

	probe, err := ring.Probe()
	if err != nil {
		return fmt.Errorf("%w: IORING_REGISTER_PROBE: %s", ErrUnsupported, err.Error())
	}
	if !probe.Supported(uring.ProvideBuffersCode) {
		return fmt.Errorf("%w: IORING_OP_PROVIDE_BUFFERS", ErrUnsupported)
	}
	return nil
}

func newReactor(ring *uring.Ring, listenerFd int, opts ...ReactorOption) (*Reactor, error) {
	r := &Reactor{
		ring:         ring,
		listenerFd:   listenerFd,
		acceptOp:     uring.Accept(uintptr(listenerFd), 0),
		log:          discardLogger(),
		policy:       framing.CarryOver,
		maxConns:     DefaultMaxConns,
		bufCount:     DefaultBufferCount,
		bufSize:      DefaultBufferSize,
		maxResponses: response.DefaultMaxResponses,
		tickDuration: time.Millisecond * 100,
		serverName:   DefaultServerName,
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.maxConns < 1 {
		return nil, fmt.Errorf("max connections must be positive, got %d", r.maxConns)
	}

	var err error
	if r.block, err = response.NewBlock(response.Plaintext(r.serverName), r.maxResponses); err != nil {
		return nil, err
	}
	if r.rec, err = metrics.New(r.meterProvider, "io_uring"); err != nil {
		return nil, err
	}
	if r.pool, err = bufpool.New(r.bufCount, r.bufSize, bufGroup); err != nil {
		return nil, err
	}
	r.conns = registry.New[conn](r.maxConns)

	return r, nil
}

//Run serve connections until ctx is done or a fatal error occurs.
//Returns nil on ctx cancellation.
func (r *Reactor) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	pOp := r.pool.ProvideAll()
	if err := r.queue(pOp, provideToken{first: pOp.FirstID(), count: pOp.Count()}); err != nil {
		return err
	}
	if err := r.queueAccept(); err != nil {
		return err
	}

	r.log.WithFields(logrus.Fields{
		"listener_fd": r.listenerFd,
		"buffers":     r.bufCount,
		"buffer_size": r.bufSize,
		"framing":     r.policy.String(),
		"sq_entries":  r.ring.Params.SQEntries(),
		"cq_entries":  r.ring.Params.CQEntries(),
	}).Info("reactor started")
	if !r.ring.Params.NoDropFeature() {
		r.log.Warn("kernel drops completions on CQ overflow, keep -entries above max connections")
	}

	cqeBuff := make([]*uring.CQEvent, cqeBuffSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if _, err := r.ring.Submit(); err != nil && !isTemporary(err) {
			return &RingError{err, r.ring.Fd()}
		}

		_, err := r.ring.WaitCQEventsWithTimeout(1, r.tickDuration)
		if errors.Is(err, syscall.ETIME) || isTemporary(err) {
			runtime.Gosched()
			continue
		}
		if err != nil {
			return &RingError{err, r.ring.Fd()}
		}

		if err = r.drain(ctx, cqeBuff); err != nil {
			return err
		}
	}
}

func isTemporary(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EBUSY)
}

//drain dispatch every ready completion in queue order.
func (r *Reactor) drain(ctx context.Context, cqeBuff []*uring.CQEvent) error {
	for n := r.ring.PeekCQEventBatch(cqeBuff); n > 0; n = r.ring.PeekCQEventBatch(cqeBuff) {
		for i := 0; i < n; i++ {
			if uring.IsTimeoutEvent(cqeBuff[i]) {
				continue
			}

			cqe := *cqeBuff[i]
			if err := r.dispatch(ctx, cqe); err != nil {
				r.ring.AdvanceCQ(uint32(n))
				return err
			}
		}

		r.ring.AdvanceCQ(uint32(n))
	}
	return nil
}

func (r *Reactor) queue(op uring.Operation, tok token) error {
	ud := r.tokens.put(tok)

	err := r.ring.QueueSQE(op, 0, ud)
	if errors.Is(err, uring.ErrSQRingOverflow) {
		if _, err = r.ring.Submit(); err == nil {
			err = r.ring.QueueSQE(op, 0, ud)
		}
	}

	if err != nil {
		r.tokens.take(ud)
		return &RingError{fmt.Errorf("queue %s: %w", tok.kind(), err), r.ring.Fd()}
	}
	return nil
}

func (r *Reactor) queueAccept() error {
	return r.queue(r.acceptOp, acceptToken{})
}

//Stats is a snapshot of reactor state.
type Stats struct {
	Connections       int
	BuffersCheckedOut int
	Outstanding       int
}

//Stats must not be called concurrently with Run.
func (r *Reactor) Stats() Stats {
	return Stats{
		Connections:       r.conns.Len(),
		BuffersCheckedOut: r.pool.Outstanding(),
		Outstanding:       r.tokens.len(),
	}
}

//Close close every tracked connection and unmap buffers. Must be called after Run returned
//and the ring was closed.
func (r *Reactor) Close() error {
	r.conns.Range(func(h registry.Handle, e *registry.Entry[conn]) {
		if err := r.conns.Close(h); err != nil {
			r.log.WithError(err).WithField("fd", e.Fd).Warn("close connection")
		}
	})
	return r.pool.Close()
}

func closeFd(fd int) {
	_ = unix.Close(fd)
}
