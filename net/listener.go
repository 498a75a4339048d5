//go:build linux

//Package net opens raw listening sockets whose descriptors are driven directly by an engine.
package net

import (
	"errors"
	"fmt"
	"net"

	sockaddrnet "github.com/libp2p/go-sockaddr/net"
	"golang.org/x/sys/unix"
)

const DefaultBacklog = 512

var ErrInvalidPort = errors.New("invalid port")

type listenConfig struct {
	backlog  int
	nonblock bool
	ip       net.IP
}

type ListenOption func(*listenConfig)

//WithBacklog set listen(2) backlog.
func WithBacklog(n int) ListenOption {
	return func(c *listenConfig) {
		c.backlog = n
	}
}

//WithNonblock put listening socket in non-blocking mode, required by readiness based engines.
func WithNonblock() ListenOption {
	return func(c *listenConfig) {
		c.nonblock = true
	}
}

//WithIP bind to ip instead of all interfaces.
func WithIP(ip net.IP) ListenOption {
	return func(c *listenConfig) {
		c.ip = ip
	}
}

//Listener is a TCP listening socket. Accepted sockets inherit TCP_NODELAY.
type Listener struct {
	fd   int
	addr *net.TCPAddr
}

//Listen on all IPv4 interfaces at port, port 0 picks an ephemeral port.
func Listen(port int, opts ...ListenOption) (*Listener, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	cfg := listenConfig{backlog: DefaultBacklog, ip: net.IPv4zero}
	for _, opt := range opts {
		opt(&cfg)
	}

	sa := sockaddrnet.TCPAddrToSockaddr(&net.TCPAddr{IP: cfg.ip, Port: port})
	if sa == nil {
		return nil, fmt.Errorf("unsupported listen address %s", cfg.ip)
	}

	typ := unix.SOCK_STREAM | unix.SOCK_CLOEXEC
	if cfg.nonblock {
		typ |= unix.SOCK_NONBLOCK
	}

	fd, err := unix.Socket(unix.AF_INET, typ, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if err = setupSocket(fd, sa, cfg.backlog); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("getsockname: %w", err)
	}

	return &Listener{fd: fd, addr: sockaddrnet.SockaddrToTCPAddr(bound)}, nil
}

func setupSocket(fd int, sa unix.Sockaddr, backlog int) error {
	for _, opt := range []struct {
		level, name int
		desc        string
	}{
		{unix.SOL_SOCKET, unix.SO_REUSEADDR, "SO_REUSEADDR"},
		{unix.SOL_SOCKET, unix.SO_REUSEPORT, "SO_REUSEPORT"},
		{unix.IPPROTO_TCP, unix.TCP_NODELAY, "TCP_NODELAY"},
	} {
		if err := unix.SetsockoptInt(fd, opt.level, opt.name, 1); err != nil {
			return fmt.Errorf("setsockopt %s: %w", opt.desc, err)
		}
	}

	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func (l *Listener) Fd() int {
	return l.fd
}

//Addr return bound address.
func (l *Listener) Addr() *net.TCPAddr {
	return l.addr
}

func (l *Listener) Close() error {
	return unix.Close(l.fd)
}
