package speech

import (
	"errors"
	"io"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// Chunker groups samples into non-overlapping chunks of a fixed size. Every
// chunk it returns is a freshly allocated slice that the caller owns.
//
// A partially filled chunk survives ErrNotReady from the source and is
// completed on a later call. At end of input it is dropped.
type Chunker[S audio.Sample] struct {
	size int
	buf  []S
	fill int
}

// NewChunker returns a Chunker producing chunks of size samples. size must be
// positive.
func NewChunker[S audio.Sample](size int) *Chunker[S] {
	if size <= 0 {
		panic("speech: chunk size must be positive")
	}
	return &Chunker[S]{size: size}
}

// Size returns the chunk size.
func (c *Chunker[S]) Size() int { return c.size }

// Pending returns the number of samples held for the next chunk.
func (c *Chunker[S]) Pending() int { return c.fill }

// Next reads from src until a chunk is complete and returns it. It returns
// io.EOF when src is exhausted, discarding any incomplete chunk, and passes
// through ErrNotReady or any other source error with the partial chunk kept.
func (c *Chunker[S]) Next(src Source[S]) ([]S, error) {
	if c.buf == nil {
		c.buf = make([]S, c.size)
	}
	for c.fill < c.size {
		n, err := src.Read(c.buf[c.fill:])
		c.fill += n
		if c.fill == c.size {
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.fill = 0
				return nil, io.EOF
			}
			return nil, err
		}
	}
	chunk := c.buf
	c.buf = nil
	c.fill = 0
	return chunk, nil
}
