//go:build linux

//Package registry is a fixed capacity arena of open connections addressed by bounds-checked handles.
package registry

import (
	"errors"
	"fmt"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

//Handle address a registry slot. Handles are recycled in FIFO order after Release.
type Handle int32

var (
	ErrFull      = errors.New("connection registry is full")
	ErrBadHandle = errors.New("bad connection handle")
	ErrNotClosed = errors.New("connection is still open")
)

type Entry[T any] struct {
	Fd    int
	Value T

	open  bool
	inUse bool
}

//Open report whether the socket is not closed yet.
func (e *Entry[T]) Open() bool {
	return e.open
}

//Registry is not safe for concurrent use.
type Registry[T any] struct {
	entries []Entry[T]
	free    *queue.Queue
	used    int
}

func New[T any](capacity int) *Registry[T] {
	free := queue.New()
	for i := 0; i < capacity; i++ {
		free.Add(Handle(i))
	}

	return &Registry[T]{
		entries: make([]Entry[T], capacity),
		free:    free,
	}
}

//Open start tracking socket fd.
func (r *Registry[T]) Open(fd int) (Handle, error) {
	if r.free.Length() == 0 {
		return -1, fmt.Errorf("%w: %d connections", ErrFull, len(r.entries))
	}

	h := r.free.Remove().(Handle)
	r.entries[h] = Entry[T]{Fd: fd, open: true, inUse: true}
	r.used++
	return h, nil
}

//Get return entry of open or closed but not yet released connection.
func (r *Registry[T]) Get(h Handle) (*Entry[T], error) {
	if h < 0 || int(h) >= len(r.entries) || !r.entries[h].inUse {
		return nil, fmt.Errorf("%w: %d", ErrBadHandle, h)
	}
	return &r.entries[h], nil
}

//Close shutdown and close connection socket. Only the first call closes the socket,
//subsequent calls are no-ops. Slot stays allocated until Release.
func (r *Registry[T]) Close(h Handle) error {
	e, err := r.Get(h)
	if err != nil {
		return err
	}
	if !e.open {
		return nil
	}

	e.open = false
	_ = unix.Shutdown(e.Fd, unix.SHUT_RDWR)
	if err = unix.Close(e.Fd); err != nil {
		return fmt.Errorf("close fd %d: %w", e.Fd, err)
	}
	return nil
}

//Release return closed connection slot to the free list.
func (r *Registry[T]) Release(h Handle) error {
	e, err := r.Get(h)
	if err != nil {
		return err
	}
	if e.open {
		return fmt.Errorf("%w: handle %d fd %d", ErrNotClosed, h, e.Fd)
	}

	*e = Entry[T]{}
	r.used--
	r.free.Add(h)
	return nil
}

//Range call f for every allocated slot in handle order.
func (r *Registry[T]) Range(f func(h Handle, e *Entry[T])) {
	for i := range r.entries {
		if r.entries[i].inUse {
			f(Handle(i), &r.entries[i])
		}
	}
}

//Len return number of allocated slots, closed but unreleased included.
func (r *Registry[T]) Len() int {
	return r.used
}

func (r *Registry[T]) Cap() int {
	return len(r.entries)
}
