//go:build linux

package uring

import (
	"net"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var str = "This is a test of send and recv over io_uring!"

func TestSendRecv(t *testing.T) {
	ring := newTestRing(t, 1)
	require.NoError(t, ring.Close())

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	ready := make(chan struct{})

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		recv(t, pc.(*net.UDPConn), ready)
	}()
	<-ready

	send(t, pc.LocalAddr().String())

	wg.Wait()
}

func send(t *testing.T, addr string) {
	ring, err := New(1)
	require.NoError(t, err)
	defer ring.Close()

	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()

	f, err := conn.(*net.UDPConn).File()
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, ring.QueueSQE(Send(f.Fd(), []byte(str), 0), 0, 1))

	cqe, err := ring.SubmitAndWaitCQEvents(1)
	require.NoError(t, err)
	require.NoError(t, cqe.Error())
	assert.Equal(t, int32(len(str)), cqe.Res)
	ring.SeenCQE(cqe)
}

func recv(t *testing.T, pc *net.UDPConn, ready chan<- struct{}) {
	ring, err := New(1)
	require.NoError(t, err)
	defer ring.Close()

	f, err := pc.File()
	require.NoError(t, err)
	defer f.Close()

	buff := make([]byte, 128)
	require.NoError(t, ring.QueueSQE(Recv(f.Fd(), buff, 0), 0, 2))

	_, err = ring.Submit()
	require.NoError(t, err)

	close(ready)

	cqe, err := ring.WaitCQEvents(1)
	require.NoError(t, err)

	if cqe.Error() == syscall.EINVAL {
		t.Skipf("Skipped, recv not supported on this kernel")
	}
	require.NoError(t, cqe.Error())

	assert.Equal(t, cqe.Res, int32(len(str)))
	assert.Equal(t, []byte(str), buff[:len(str)])
	ring.SeenCQE(cqe)
}
