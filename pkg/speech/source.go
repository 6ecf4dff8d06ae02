package speech

import (
	"encoding/binary"
	"io"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// Source supplies raw samples to a stage. Read follows the io.Reader
// contract: it fills up to len(p) samples and returns io.EOF once the input is
// exhausted. A Source that cannot block may return ErrNotReady instead of
// waiting; the stage then returns ErrNotReady to its caller with every buffered
// sample kept.
type Source[S audio.Sample] interface {
	Read(p []S) (n int, err error)
}

// Compile-time assertions.
var (
	_ Source[float32] = (*SliceSource[float32])(nil)
	_ Source[int16]   = (*PCM16Source)(nil)
	_ Source[int16]   = (*PushSource[int16])(nil)
)

// SliceSource reads from an in-memory slice.
type SliceSource[S audio.Sample] struct {
	samples []S
}

// NewSliceSource returns a Source over samples. The slice is not copied.
func NewSliceSource[S audio.Sample](samples []S) *SliceSource[S] {
	return &SliceSource[S]{samples: samples}
}

func (s *SliceSource[S]) Read(p []S) (int, error) {
	if len(s.samples) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.samples)
	s.samples = s.samples[n:]
	return n, nil
}

// PCM16Source decodes little-endian 16-bit PCM from an io.Reader. A trailing
// odd byte at end of input is dropped.
type PCM16Source struct {
	r      io.Reader
	buf    []byte
	odd    byte
	hasOdd bool
}

// NewPCM16Source returns a Source decoding r.
func NewPCM16Source(r io.Reader) *PCM16Source {
	return &PCM16Source{r: r}
}

func (s *PCM16Source) Read(p []int16) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	need := len(p) * 2
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	buf := s.buf[:need]

	n := 0
	if s.hasOdd {
		buf[0] = s.odd
		s.hasOdd = false
		n = 1
	}
	m, err := s.r.Read(buf[n:])
	n += m

	samples := n / 2
	for i := range samples {
		p[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	if n%2 == 1 {
		s.odd = buf[n-1]
		s.hasOdd = true
	}
	if err == io.EOF && samples > 0 {
		// Report the samples now and EOF on the next call.
		err = nil
	}
	return samples, err
}

// PushSource is a Source fed by the caller. Read returns ErrNotReady while no
// samples are queued and io.EOF once the source is closed and drained.
//
// PushSource is not safe for concurrent use. Push and the stage's Next must
// be called from the same goroutine, which keeps the whole pipeline lock-free.
type PushSource[S audio.Sample] struct {
	queue  []S
	head   int
	closed bool
}

// NewPushSource returns an empty, open PushSource.
func NewPushSource[S audio.Sample]() *PushSource[S] {
	return &PushSource[S]{}
}

// Push queues samples. The slice is copied. Pushing after Close is a no-op.
func (s *PushSource[S]) Push(samples ...S) {
	if s.closed || len(samples) == 0 {
		return
	}
	if s.head > 0 && s.head >= len(s.queue)/2 {
		n := copy(s.queue, s.queue[s.head:])
		s.queue = s.queue[:n]
		s.head = 0
	}
	s.queue = append(s.queue, samples...)
}

// Close marks the end of input. Samples already queued are still delivered.
func (s *PushSource[S]) Close() { s.closed = true }

// Closed reports whether Close was called.
func (s *PushSource[S]) Closed() bool { return s.closed }

// Buffered returns the number of queued samples not yet read.
func (s *PushSource[S]) Buffered() int { return len(s.queue) - s.head }

func (s *PushSource[S]) Read(p []S) (int, error) {
	if s.head == len(s.queue) {
		if s.closed {
			return 0, io.EOF
		}
		return 0, ErrNotReady
	}
	n := copy(p, s.queue[s.head:])
	s.head += n
	if s.head == len(s.queue) {
		s.queue = s.queue[:0]
		s.head = 0
	}
	return n, nil
}
