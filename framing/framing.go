//Package framing recognises pipelined requests in raw reads. A request is any
//byte sequence terminated by Separator, its content is never inspected.
package framing

import (
	"bytes"
	"errors"
	"fmt"
)

//Separator terminates every request.
var Separator = []byte("\r\n\r\n")

const carryMax = 3

var ErrPartialRequest = errors.New("read does not end on a request boundary")

//Count return the number of non-overlapping separators in p and the offset right after the
//last one (0 if none). Scan resumes len(Separator) bytes past every match.
func Count(p []byte) (count int, boundary int) {
	for i := 0; i+len(Separator) <= len(p); {
		idx := bytes.Index(p[i:], Separator)
		if idx < 0 {
			break
		}
		i += idx + len(Separator)
		boundary = i
		count++
	}
	return count, boundary
}

type Policy uint8

const (
	//CarryOver keeps up to 3 trailing bytes of a read so a separator split across two reads is recognised.
	CarryOver Policy = iota
	//Strict requires every read to end exactly at a request boundary.
	Strict
)

func (p Policy) String() string {
	switch p {
	case CarryOver:
		return "carry"
	case Strict:
		return "strict"
	}
	return fmt.Sprintf("Policy(%d)", uint8(p))
}

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "carry":
		return CarryOver, nil
	case "strict":
		return Strict, nil
	}
	return 0, fmt.Errorf("unknown framing policy %q", s)
}

//Framer holds per connection framing state. Zero value is a CarryOver framer.
type Framer struct {
	Policy Policy

	carry    [carryMax]byte
	carryLen int
}

//Frame return the number of complete requests terminated inside p.
func (f *Framer) Frame(p []byte) (int, error) {
	if f.Policy == Strict {
		count, boundary := Count(p)
		if count == 0 || boundary != len(p) {
			return 0, fmt.Errorf("%w: %d bytes read, last boundary at %d", ErrPartialRequest, len(p), boundary)
		}
		return count, nil
	}

	count, start := f.junction(p)

	n, boundary := Count(p[start:])
	count += n
	if n > 0 || start > 0 {
		boundary += start
		f.carryLen = 0
	}

	f.keepTail(p, boundary, count > 0)
	return count, nil
}

//junction look for a separator that starts in carried bytes and ends in p.
//Return 1 and the offset in p right after it when found.
func (f *Framer) junction(p []byte) (int, int) {
	if f.carryLen == 0 {
		return 0, 0
	}

	var buf [carryMax * 2]byte
	n := copy(buf[:], f.carry[:f.carryLen])
	n += copy(buf[n:], p[:min(len(p), carryMax)])

	for i := 0; i < f.carryLen; i++ {
		if i+len(Separator) <= n && bytes.Equal(buf[i:i+len(Separator)], Separator) {
			return 1, i + len(Separator) - f.carryLen
		}
	}
	return 0, 0
}

//keepTail store the bytes after boundary that may start a separator completed by the next read.
func (f *Framer) keepTail(p []byte, boundary int, matched bool) {
	tail := p[boundary:]
	if !matched {
		//nothing consumed, carried bytes still precede p in the stream
		var stream [carryMax * 2]byte
		n := copy(stream[:], f.carry[:f.carryLen])
		if len(tail) >= carryMax {
			n = 0
		}
		n += copy(stream[n:], tail[max(0, len(tail)-carryMax):])
		f.carryLen = copy(f.carry[:], stream[max(0, n-carryMax):n])
		return
	}

	f.carryLen = copy(f.carry[:], tail[max(0, len(tail)-carryMax):])
}

//Pending return the number of carried bytes.
func (f *Framer) Pending() int {
	return f.carryLen
}
