//go:build linux

//Package bufpool keeps track of buffers loaned to the kernel with IORING_OP_PROVIDE_BUFFERS.
//
//Every buffer is owned either by the kernel (loaned, may be selected by a buffer-select read)
//or by the application (checked out after a read completion reported its id). Pool turns every
//ownership change into the provide operation that must be queued on the ring, it never touches
//the ring itself.
package bufpool

import (
	"errors"
	"fmt"
	"math"

	"github.com/godzie44/go-uring-bench/uring"
	"golang.org/x/sys/unix"
)

//ID is a buffer id as seen by the kernel.
type ID = uint16

var (
	ErrBadID         = errors.New("buffer id out of range")
	ErrNotLoaned     = errors.New("buffer is not loaned to the kernel")
	ErrNotCheckedOut = errors.New("buffer is not checked out")

	//ErrPoolExhausted reported when a buffer-select read found no loaned buffer (ENOBUFS).
	ErrPoolExhausted = errors.New("buffer pool exhausted")
	//ErrProvideBuffers reported when kernel rejected a provide operation.
	ErrProvideBuffers = errors.New("provide buffers")
)

type state uint8

const (
	unprovided state = iota
	loaned
	checkedOut
)

type Pool struct {
	mem    []byte
	size   int
	group  uint16
	states []state

	outstanding int
}

//New map count buffers of size bytes each for buffer group.
func New(count, size int, group uint16) (*Pool, error) {
	if count < 1 || count > math.MaxUint16 {
		return nil, fmt.Errorf("buffer count %d out of range [1, %d]", count, math.MaxUint16)
	}
	if size < 1 {
		return nil, fmt.Errorf("buffer size %d must be positive", size)
	}

	mem, err := unix.Mmap(-1, 0, count*size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap buffers: %w", err)
	}

	return &Pool{
		mem:    mem,
		size:   size,
		group:  group,
		states: make([]state, count),
	}, nil
}

//Group return buffer group id used for provide and buffer-select read operations.
func (p *Pool) Group() uint16 {
	return p.group
}

//Size return capacity of a single buffer.
func (p *Pool) Size() int {
	return p.size
}

//Count return number of buffers in pool.
func (p *Pool) Count() int {
	return len(p.states)
}

//Outstanding return number of buffers currently owned by the application.
func (p *Pool) Outstanding() int {
	return p.outstanding
}

//ProvideAll loan every buffer to the kernel with a single operation. Used at ring startup,
//when no buffer is checked out.
func (p *Pool) ProvideAll() *uring.ProvideBuffersOp {
	for i := range p.states {
		p.states[i] = loaned
	}
	p.outstanding = 0
	return uring.ProvideBuffers(p.mem, uint32(len(p.states)), uint32(p.size), p.group, 0)
}

//Checkout take ownership of buffer id reported by a read completion, return its first n bytes.
func (p *Pool) Checkout(id ID, n int) ([]byte, error) {
	if int(id) >= len(p.states) {
		return nil, fmt.Errorf("%w: %d", ErrBadID, id)
	}
	if p.states[id] != loaned {
		return nil, fmt.Errorf("%w: %d", ErrNotLoaned, id)
	}
	if n < 0 || n > p.size {
		return nil, fmt.Errorf("read of %d bytes overflows buffer %d of %d bytes", n, id, p.size)
	}

	p.states[id] = checkedOut
	p.outstanding++

	off := int(id) * p.size
	return p.mem[off : off+n : off+p.size], nil
}

//Reclaim return checked out buffer to the kernel. Returned operation must be queued on the ring.
func (p *Pool) Reclaim(id ID) (*uring.ProvideBuffersOp, error) {
	ops, err := p.Provide(id)
	if err != nil {
		return nil, err
	}
	return ops[0], nil
}

//Provide return several checked out buffers, consecutive ids are merged into one operation.
func (p *Pool) Provide(ids ...ID) ([]*uring.ProvideBuffersOp, error) {
	for i, id := range ids {
		if err := p.release(id); err != nil {
			//undo partial release
			for _, prev := range ids[:i] {
				p.states[prev] = checkedOut
				p.outstanding++
			}
			return nil, err
		}
	}

	var ops []*uring.ProvideBuffersOp
	for start := 0; start < len(ids); {
		end := start + 1
		for end < len(ids) && ids[end] == ids[end-1]+1 {
			end++
		}

		off := int(ids[start]) * p.size
		cnt := end - start
		ops = append(ops, uring.ProvideBuffers(p.mem[off:off+cnt*p.size], uint32(cnt), uint32(p.size), p.group, ids[start]))
		start = end
	}
	return ops, nil
}

func (p *Pool) release(id ID) error {
	if int(id) >= len(p.states) {
		return fmt.Errorf("%w: %d", ErrBadID, id)
	}
	if p.states[id] != checkedOut {
		return fmt.Errorf("%w: %d", ErrNotCheckedOut, id)
	}

	p.states[id] = loaned
	p.outstanding--
	return nil
}

//Close unmap buffer memory. Pool must not be used after ring is closed.
func (p *Pool) Close() error {
	if p.mem == nil {
		return nil
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	return err
}
