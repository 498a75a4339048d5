//go:build linux

package uring

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

type sqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	resv2       uint64
}

type cqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	resv2       uint64
}

//ringParams mirrors struct io_uring_params, filled by kernel on setup.
type ringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFD         uint32
	resv         [3]uint32

	sqOff sqRingOffsets
	cqOff cqRingOffsets
}

func (p *ringParams) SingleMMapFeature() bool {
	return p.features&featSingleMMap != 0
}

func (p *ringParams) NoDropFeature() bool {
	return p.features&featNoDrop != 0
}

//FastPollFeature report IORING_FEAT_FAST_POLL, internal poll for sockets without a worker thread.
func (p *ringParams) FastPollFeature() bool {
	return p.features&featFastPoll != 0
}

func (p *ringParams) ExtArgFeature() bool {
	return p.features&featExtArg != 0
}

//SQEntries return actual submission queue size.
func (p *ringParams) SQEntries() uint32 {
	return p.sqEntries
}

//CQEntries return actual completion queue size.
func (p *ringParams) CQEntries() uint32 {
	return p.cqEntries
}

func (r *Ring) allocRing(params *ringParams) (err error) {
	sq, cq := r.sqRing, r.cqRing

	sq.ringSize = uint64(params.sqOff.array) + uint64(params.sqEntries)*uint64(unsafe.Sizeof(uint32(0)))
	cq.ringSize = uint64(params.cqOff.cqes) + uint64(params.cqEntries)*uint64(unsafe.Sizeof(CQEvent{}))

	if params.SingleMMapFeature() {
		if cq.ringSize > sq.ringSize {
			sq.ringSize = cq.ringSize
		}
		cq.ringSize = sq.ringSize
	}

	sq.buff, err = unix.Mmap(r.fd, int64(sysRingOffSQRing), int(sq.ringSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return err
	}

	if params.SingleMMapFeature() {
		cq.buff = sq.buff
	} else {
		cq.buff, err = unix.Mmap(r.fd, int64(sysRingOffCQRing), int(cq.ringSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			_ = r.freeRing()
			return err
		}
	}

	sq.kHead = (*uint32)(unsafe.Pointer(&sq.buff[params.sqOff.head]))
	sq.kTail = (*uint32)(unsafe.Pointer(&sq.buff[params.sqOff.tail]))
	sq.kRingMask = (*uint32)(unsafe.Pointer(&sq.buff[params.sqOff.ringMask]))
	sq.kRingEntries = (*uint32)(unsafe.Pointer(&sq.buff[params.sqOff.ringEntries]))
	sq.kFlags = (*uint32)(unsafe.Pointer(&sq.buff[params.sqOff.flags]))
	sq.kDropped = (*uint32)(unsafe.Pointer(&sq.buff[params.sqOff.dropped]))
	sq.kArray = (*uint32)(unsafe.Pointer(&sq.buff[params.sqOff.array]))

	sqeSize := int(params.sqEntries) * int(unsafe.Sizeof(SQEntry{}))
	sq.sqeBuff, err = unix.Mmap(r.fd, int64(sysRingOffSQEs), sqeSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		_ = r.freeRing()
		return err
	}

	cq.kHead = (*uint32)(unsafe.Pointer(&cq.buff[params.cqOff.head]))
	cq.kTail = (*uint32)(unsafe.Pointer(&cq.buff[params.cqOff.tail]))
	cq.kRingMask = (*uint32)(unsafe.Pointer(&cq.buff[params.cqOff.ringMask]))
	cq.kRingEntries = (*uint32)(unsafe.Pointer(&cq.buff[params.cqOff.ringEntries]))
	cq.kOverflow = (*uint32)(unsafe.Pointer(&cq.buff[params.cqOff.overflow]))
	cq.cqeBuff = (*CQEvent)(unsafe.Pointer(&cq.buff[params.cqOff.cqes]))
	if params.cqOff.flags != 0 {
		cq.kFlags = uintptr(unsafe.Pointer(&cq.buff[params.cqOff.flags]))
	}

	return nil
}

func (r *Ring) freeRing() (err error) {
	sq, cq := r.sqRing, r.cqRing

	if sq.sqeBuff != nil {
		err = joinErr(err, unix.Munmap(sq.sqeBuff))
		sq.sqeBuff = nil
	}

	singleMMap := len(sq.buff) > 0 && len(cq.buff) > 0 && &sq.buff[0] == &cq.buff[0]
	if sq.buff != nil {
		err = joinErr(err, unix.Munmap(sq.buff))
		sq.buff = nil
	}
	if cq.buff != nil && !singleMMap {
		err = joinErr(err, unix.Munmap(cq.buff))
	}
	cq.buff = nil

	return err
}
