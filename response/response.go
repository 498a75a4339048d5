//Package response holds the precomputed block of canned responses written back for pipelined requests.
package response

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	//Body of every response.
	Body = "Hello, World!"

	DefaultMaxResponses = 512
)

var (
	ErrTooManyResponses = errors.New("too many pipelined requests")
	ErrNoResponses      = errors.New("response batch must hold at least one response")
)

//Plaintext build the fixed keep-alive response advertising server.
func Plaintext(server string) []byte {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 200 OK\r\n")
	b.WriteString("Server: " + server + "\r\n")
	b.WriteString("X-Test: 01234567890123456789\r\n")
	b.WriteString("Connection: keep-alive\r\n")
	b.WriteString("Content-Type: text/plain\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(Body))
	b.WriteString("\r\n")
	b.WriteString(Body)
	return b.Bytes()
}

//Block is an immutable buffer holding max back-to-back copies of one response.
type Block struct {
	buff []byte
	size int
	max  int
}

func NewBlock(resp []byte, max int) (*Block, error) {
	if len(resp) == 0 {
		return nil, errors.New("empty response")
	}
	if max < 1 {
		return nil, fmt.Errorf("%w: max %d", ErrNoResponses, max)
	}

	return &Block{
		buff: bytes.Repeat(resp, max),
		size: len(resp),
		max:  max,
	}, nil
}

//Batch return a view over exactly n concatenated responses. Callers must not modify it.
func (b *Block) Batch(n int) ([]byte, error) {
	switch {
	case n < 1:
		return nil, ErrNoResponses
	case n > b.max:
		return nil, fmt.Errorf("%w: %d requests, block holds %d", ErrTooManyResponses, n, b.max)
	}
	return b.buff[:n*b.size:n*b.size], nil
}

//Max return block capacity in responses.
func (b *Block) Max() int {
	return b.max
}

//Size return the length of a single response.
func (b *Block) Size() int {
	return b.size
}
