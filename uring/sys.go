//go:build linux

package uring

import (
	"math"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	sysRingOffSQRing uint64 = 0
	sysRingOffCQRing uint64 = 0x8000000
	sysRingOffSQEs   uint64 = 0x10000000

	//copied from signal_unix.numSig
	numSig = 65
)

// io_uring_setup(2) flags
const (
	setupIOPoll uint32 = 1 << iota
	setupSQPoll
	setupSQAff
	setupCQSize
	setupClamp
	setupAttachWQ
)

// io_uring_params features
const (
	featSingleMMap uint32 = 1 << iota
	featNoDrop
	featSubmitStable
	featRWCurPos
	featCurPersonality
	featFastPoll
	featPoll32Bits
	featSQPollNonFixed
	featExtArg
)

// sq ring flags
const (
	sqNeedWakeup uint32 = 1 << iota
	sqCQOverflow
)

// io_uring_enter(2) flags
const (
	sysRingEnterGetEvents uint32 = 1 << iota
	sysRingEnterSQWakeup
	sysRingEnterSQWait
	sysRingEnterExtArg
)

// SQE flags.
const (
	SqeFixedFileFlag uint8 = 1 << iota
	SqeIODrainFlag
	SqeIOLinkFlag
	SqeIOHardLinkFlag
	SqeAsyncFlag
	SqeBufferSelectFlag
)

// CQE flags.
const (
	CQEFBuffer uint32 = 1 << iota
	CQEFMore

	CQEBufferShift = 16
)

const libUserDataTimeout = math.MaxUint64

func sysEnter(ringFD int, toSubmit uint32, minComplete uint32, flags uint32, sig *unix.Sigset_t) (uint, error) {
	return sysEnter2(ringFD, toSubmit, minComplete, flags, unsafe.Pointer(sig), numSig/8)
}

func sysEnter2(ringFD int, toSubmit uint32, minComplete uint32, flags uint32, arg unsafe.Pointer, sz int) (uint, error) {
	consumed, _, errno := unix.Syscall6(
		unix.SYS_IO_URING_ENTER,
		uintptr(ringFD),
		uintptr(toSubmit),
		uintptr(minComplete),
		uintptr(flags),
		uintptr(arg),
		uintptr(sz),
	)
	if errno != 0 {
		return 0, errno
	}

	return uint(consumed), nil
}

func sysSetup(entries uint32, params *ringParams) (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(params)), 0)
	if errno != 0 {
		return int(fd), errno
	}

	return int(fd), nil
}

func sysRegister(ringFD int, op int, arg unsafe.Pointer, nrArgs int) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_IO_URING_REGISTER,
		uintptr(ringFD),
		uintptr(op),
		uintptr(arg),
		uintptr(nrArgs),
		0,
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

type getEventsArg struct {
	sigMask   uint64
	sigMaskSz uint32
	pad       uint32
	ts        uint64
}

func newGetEventsArg(sigMask uintptr, sigMaskSz uint32, ts uintptr) *getEventsArg {
	return &getEventsArg{sigMask: uint64(sigMask), sigMaskSz: sigMaskSz, ts: uint64(ts)}
}

//SQEntry is the kernel submission queue entry (struct io_uring_sqe).
type SQEntry struct {
	OpCode      uint8
	Flags       uint8
	IoPrio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpcodeFlags uint32
	UserData    uint64

	BufIG       uint16
	Personality uint16
	SpliceFdIn  int32
	_pad2       [2]uint64
}

//go:uintptrescapes
func (sqe *SQEntry) fill(op OpCode, fd int32, addr uintptr, len uint32, offset uint64) {
	sqe.OpCode = uint8(op)
	sqe.Flags = 0
	sqe.IoPrio = 0
	sqe.Fd = fd
	sqe.Off = offset
	setAddr(sqe, addr)
	sqe.Len = len
	sqe.OpcodeFlags = 0
	sqe.UserData = 0
	sqe.BufIG = 0
	sqe.Personality = 0
	sqe.SpliceFdIn = 0
	sqe._pad2[0] = 0
	sqe._pad2[1] = 0
}

func (sqe *SQEntry) setUserData(ud uint64) {
	sqe.UserData = ud
}

//go:uintptrescapes
func setAddr(sqe *SQEntry, addr uintptr) {
	sqe.Addr = uint64(addr)
}

//CQEvent is the kernel completion queue entry (struct io_uring_cqe).
type CQEvent struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

func (cqe *CQEvent) Error() error {
	if cqe.Res < 0 {
		return syscall.Errno(uintptr(-cqe.Res))
	}
	return nil
}

//BufferID return id of the buffer selected by kernel for IOSQE_BUFFER_SELECT operation.
func (cqe *CQEvent) BufferID() (uint16, bool) {
	if cqe.Flags&CQEFBuffer == 0 {
		return 0, false
	}
	return uint16(cqe.Flags >> CQEBufferShift), true
}
