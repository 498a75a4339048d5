//go:build linux

package uring

import (
	"errors"
	"net"
	"syscall"
	"time"
	"unsafe"

	sockaddr "github.com/libp2p/go-sockaddr"
	sockaddrnet "github.com/libp2p/go-sockaddr/net"
	"golang.org/x/sys/unix"
)

type OpCode uint8

const (
	NopCode OpCode = iota
	ReadVCode
	WriteVCode
	FSyncCode
	ReadFixedCode
	WriteFixedCode
	PollAddCode
	PollRemoveCode
	SyncFileRangeCode
	SendMsgCode
	RecvMsgCode
	TimeoutCode
	TimeoutRemoveCode
	AcceptCode
	AsyncCancelCode
	LinkTimeoutCode
	ConnectCode
	FAllocateCode
	OpenAtCode
	CloseCode
	FilesUpdateCode
	StatxCode
	ReadCode
	WriteCode
	FAdviseCode
	MAdviseCode
	SendCode
	RecvCode
	OpenAt2Code
	EpollCtlCode
	SpliceCode
	ProvideBuffersCode
	RemoveBuffersCode
)

//NopOp - do not perform any I/O. This is useful for testing the performance of the io_uring implementation itself.
type NopOp struct {
}

func Nop() *NopOp {
	return &NopOp{}
}

func (op *NopOp) PrepSQE(sqe *SQEntry) {
	sqe.fill(NopCode, -1, uintptr(unsafe.Pointer(nil)), 0, 0)
}

func (op *NopOp) Code() OpCode {
	return NopCode
}

//TimeoutOp timeout command.
type TimeoutOp struct {
	dur  time.Duration
	spec syscall.Timespec
}

//Timeout - timeout operation.
func Timeout(duration time.Duration) *TimeoutOp {
	return &TimeoutOp{
		dur: duration,
	}
}

func (op *TimeoutOp) PrepSQE(sqe *SQEntry) {
	op.spec = syscall.NsecToTimespec(op.dur.Nanoseconds())
	sqe.fill(TimeoutCode, -1, uintptr(unsafe.Pointer(&op.spec)), 1, 0)
}

func (op *TimeoutOp) Code() OpCode {
	return TimeoutCode
}

//AcceptOp accept command. The remote address of accepted connection is stored in op
//and valid until op queued again.
type AcceptOp struct {
	fd      uintptr
	flags   uint32
	addr    unix.RawSockaddrAny
	addrLen uint32
}

//Accept - accept operation.
func Accept(fd uintptr, flags uint32) *AcceptOp {
	return &AcceptOp{
		fd:    fd,
		flags: flags,
	}
}

func (op *AcceptOp) PrepSQE(sqe *SQEntry) {
	op.addrLen = uint32(unsafe.Sizeof(op.addr))
	sqe.fill(AcceptCode, int32(op.fd), uintptr(unsafe.Pointer(&op.addr)), 0, uint64(uintptr(unsafe.Pointer(&op.addrLen))))
	sqe.OpcodeFlags = op.flags
}

func (op *AcceptOp) Code() OpCode {
	return AcceptCode
}

func (op *AcceptOp) Fd() int {
	return int(op.fd)
}

var ErrUnsupportedAddr = errors.New("unsupported address family")

//Addr return remote address of the last accepted connection.
func (op *AcceptOp) Addr() (net.Addr, error) {
	sa, err := sockaddr.AnyToSockaddr(&op.addr)
	if err != nil {
		return nil, err
	}

	addr := sockaddrnet.SockaddrToTCPAddr(sa)
	if addr == nil {
		return nil, ErrUnsupportedAddr
	}
	return addr, nil
}

//RecvOp receive a message from a connection-oriented socket, similar to recv(2).
type RecvOp struct {
	fd       uintptr
	buff     []byte
	msgFlags uint32

	bufSelect bool
	bufGroup  uint16
	size      uint32
}

//Recv read into buff.
func Recv(fd uintptr, buff []byte, msgFlags uint32) *RecvOp {
	return &RecvOp{
		fd:       fd,
		buff:     buff,
		msgFlags: msgFlags,
	}
}

//RecvBufferSelect read up to size bytes into the buffer chosen by the kernel from group
//(IOSQE_BUFFER_SELECT). Chosen buffer id reported by CQEvent.BufferID.
func RecvBufferSelect(fd uintptr, group uint16, size uint32, msgFlags uint32) *RecvOp {
	return &RecvOp{
		fd:        fd,
		msgFlags:  msgFlags,
		bufSelect: true,
		bufGroup:  group,
		size:      size,
	}
}

func (op *RecvOp) PrepSQE(sqe *SQEntry) {
	if op.bufSelect {
		sqe.fill(RecvCode, int32(op.fd), 0, op.size, 0)
		sqe.Flags = SqeBufferSelectFlag
		sqe.BufIG = op.bufGroup
	} else {
		sqe.fill(RecvCode, int32(op.fd), uintptr(unsafe.Pointer(&op.buff[0])), uint32(len(op.buff)), 0)
	}
	sqe.OpcodeFlags = op.msgFlags
}

func (op *RecvOp) Code() OpCode {
	return RecvCode
}

func (op *RecvOp) Fd() int {
	return int(op.fd)
}

//SendOp send a message on a connection-oriented socket, similar to send(2).
type SendOp struct {
	fd       uintptr
	buff     []byte
	msgFlags uint32
}

func Send(fd uintptr, buff []byte, msgFlags uint32) *SendOp {
	return &SendOp{
		fd:       fd,
		buff:     buff,
		msgFlags: msgFlags,
	}
}

func (op *SendOp) SetBuffer(buff []byte) {
	op.buff = buff
}

func (op *SendOp) PrepSQE(sqe *SQEntry) {
	sqe.fill(SendCode, int32(op.fd), uintptr(unsafe.Pointer(&op.buff[0])), uint32(len(op.buff)), 0)
	sqe.OpcodeFlags = op.msgFlags
}

func (op *SendOp) Code() OpCode {
	return SendCode
}

func (op *SendOp) Fd() int {
	return int(op.fd)
}

//ProvideBuffersOp register count buffers of size bytes each, laid out contiguously in buff,
//in buffer group. Buffers get ids bid, bid+1, ..., bid+count-1.
type ProvideBuffersOp struct {
	buff  []byte
	count uint32
	size  uint32
	group uint16
	bid   uint16
}

func ProvideBuffers(buff []byte, count, size uint32, group, bid uint16) *ProvideBuffersOp {
	return &ProvideBuffersOp{
		buff:  buff,
		count: count,
		size:  size,
		group: group,
		bid:   bid,
	}
}

func (op *ProvideBuffersOp) PrepSQE(sqe *SQEntry) {
	sqe.fill(ProvideBuffersCode, int32(op.count), uintptr(unsafe.Pointer(&op.buff[0])), op.size, uint64(op.bid))
	sqe.BufIG = op.group
}

func (op *ProvideBuffersOp) Code() OpCode {
	return ProvideBuffersCode
}

//FirstID return id of the first provided buffer.
func (op *ProvideBuffersOp) FirstID() uint16 {
	return op.bid
}

//Count return number of provided buffers.
func (op *ProvideBuffersOp) Count() uint32 {
	return op.count
}
