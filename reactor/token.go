//go:build linux

package reactor

import (
	"github.com/godzie44/go-uring-bench/bufpool"
	"github.com/godzie44/go-uring-bench/registry"
)

//token correlate an outstanding operation with what its completion refers to.
type token interface {
	kind() string
}

type (
	acceptToken struct{}

	readToken struct {
		conn registry.Handle
	}

	writeToken struct {
		conn registry.Handle
		want int
	}

	provideToken struct {
		first bufpool.ID
		count uint32
	}
)

func (acceptToken) kind() string  { return "accept" }
func (readToken) kind() string    { return "read" }
func (writeToken) kind() string   { return "write" }
func (provideToken) kind() string { return "provide" }

//tokenTable hand out user data values for queued operations. User data is a slot index,
//a slot is reused only after its completion was taken.
type tokenTable struct {
	slots []token
	free  []uint64
	alive int
}

func (t *tokenTable) put(tok token) uint64 {
	t.alive++
	if n := len(t.free); n > 0 {
		ud := t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[ud] = tok
		return ud
	}

	t.slots = append(t.slots, tok)
	return uint64(len(t.slots) - 1)
}

func (t *tokenTable) take(ud uint64) (token, bool) {
	if ud >= uint64(len(t.slots)) || t.slots[ud] == nil {
		return nil, false
	}

	tok := t.slots[ud]
	t.slots[ud] = nil
	t.free = append(t.free, ud)
	t.alive--
	return tok, true
}

func (t *tokenTable) len() int {
	return t.alive
}
