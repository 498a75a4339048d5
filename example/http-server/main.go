//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/godzie44/go-uring-bench/epoll"
	"github.com/godzie44/go-uring-bench/framing"
	"github.com/godzie44/go-uring-bench/metrics"
	"github.com/godzie44/go-uring-bench/net"
	"github.com/godzie44/go-uring-bench/reactor"
	"github.com/godzie44/go-uring-bench/response"
	"github.com/godzie44/go-uring-bench/uring"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	mode          = flag.String("mode", "uring", "engine: uring, epoll or fasthttp")
	framingPolicy = flag.String("framing", framing.CarryOver.String(), "request framing policy: carry or strict")
	entries       = flag.Uint("entries", 512, "io_uring submission queue size, clamped to the kernel maximum")
	buffers       = flag.Int("buffers", reactor.DefaultBufferCount, "io_uring provided buffers count")
	bufferSize    = flag.Int("buffer-size", reactor.DefaultBufferSize, "read buffer size")
	maxResponses  = flag.Int("max-responses", response.DefaultMaxResponses, "max pipelined requests answered from one read")
	maxConns      = flag.Int("max-conns", reactor.DefaultMaxConns, "max open connections")
	backlog       = flag.Int("backlog", net.DefaultBacklog, "listen backlog")
	edge          = flag.Bool("edge", false, "epoll: edge triggered notifications")
	logLevel      = flag.String("log-level", "info", "log level")
	pprofAddr     = flag.String("pprof", "", "serve net/http/pprof on this address")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <port>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(0)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.WithError(err).Fatal("bad log level")
	}
	log.SetLevel(level)

	port, err := strconv.Atoi(flag.Arg(0))
	if err != nil || port <= 0 {
		log.WithField("port", flag.Arg(0)).Fatal("port must be a positive integer")
	}

	policy, err := framing.ParsePolicy(*framingPolicy)
	checkErr(log, err)

	if *pprofAddr != "" {
		go func() {
			_ = http.ListenAndServe(*pprofAddr, nil)
		}()
	}

	signal.Ignore(syscall.SIGPIPE)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	entry := log.WithFields(logrus.Fields{"mode": *mode, "port": port})
	entry.Info("starting server")

	switch *mode {
	case "uring":
		err = ringSrv(ctx, entry, mp, port, policy)
	case "epoll":
		err = epollSrv(ctx, entry, mp, port, policy)
	case "fasthttp":
		err = fasthttpSrv(ctx, entry, port)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}

	if errors.Is(err, reactor.ErrUnsupported) {
		entry.WithError(err).Warn("kernel does not support required io_uring features")
		stop()
		os.Exit(0)
	}
	checkErr(log, err)

	if totals, err := metrics.Totals(context.Background(), reader); err == nil {
		fields := logrus.Fields{}
		for name, v := range totals {
			fields[name] = v
		}
		entry.WithFields(fields).Info("server stopped")
	}
	_ = mp.Shutdown(context.Background())
}

func ringSrv(ctx context.Context, log logrus.FieldLogger, mp metric.MeterProvider, port int, policy framing.Policy) error {
	l, err := net.Listen(port, net.WithBacklog(*backlog))
	if err != nil {
		return err
	}
	defer l.Close()

	ring, err := uring.New(uint32(min(*entries, uint(uring.MaxEntries))), uring.WithClamp())
	if err != nil {
		return fmt.Errorf("io_uring setup: %w", err)
	}

	r, err := reactor.New(ring, l.Fd(),
		reactor.WithLogger(log),
		reactor.WithMeterProvider(mp),
		reactor.WithFramingPolicy(policy),
		reactor.WithBuffers(*buffers, *bufferSize),
		reactor.WithMaxResponses(*maxResponses),
		reactor.WithMaxConns(*maxConns),
	)
	if err != nil {
		_ = ring.Close()
		return err
	}

	err = r.Run(ctx)

	if cErr := ring.Close(); cErr != nil {
		log.WithError(cErr).Warn("close ring")
	}
	if cErr := r.Close(); cErr != nil {
		log.WithError(cErr).Warn("close reactor")
	}
	return err
}

func epollSrv(ctx context.Context, log logrus.FieldLogger, mp metric.MeterProvider, port int, policy framing.Policy) error {
	l, err := net.Listen(port, net.WithBacklog(*backlog), net.WithNonblock())
	if err != nil {
		return err
	}
	defer l.Close()

	opts := []epoll.Option{
		epoll.WithLogger(log),
		epoll.WithMeterProvider(mp),
		epoll.WithFramingPolicy(policy),
		epoll.WithBufferSize(*bufferSize),
		epoll.WithMaxResponses(*maxResponses),
		epoll.WithMaxConns(*maxConns),
	}
	if *edge {
		opts = append(opts, epoll.WithEdgeTriggered())
	}

	s, err := epoll.New(l.Fd(), opts...)
	if err != nil {
		return err
	}
	defer s.Close()

	return s.Run(ctx)
}

func checkErr(log logrus.FieldLogger, err error) {
	if err != nil {
		log.WithError(err).Fatal("fatal error")
	}
}
