package audio

import (
	"fmt"
	"log/slog"
)

// FormatConverter normalizes a stream of frames to mono 16-bit PCM at
// TargetRate. Channels are averaged first and the mono signal is then
// resampled by linear interpolation. Resampler state carries across frames,
// so one converter must be used per stream and from a single goroutine.
type FormatConverter struct {
	TargetRate int

	// Logger receives one warning per stream for a format mismatch and one
	// for misaligned PCM. Nil means [slog.Default].
	Logger *slog.Logger

	rs             *Resampler
	warnedMismatch bool
	warnedPartial  bool
}

// Convert returns frame as mono at TargetRate. A frame already in that
// format is returned as is. A frame whose byte length is not a whole number
// of sample frames is dropped and yields an empty frame.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	channels := max(frame.Channels, 1)
	out := AudioFrame{SampleRate: c.TargetRate, Channels: 1, Timestamp: frame.Timestamp}

	if len(frame.Data)%(2*channels) != 0 {
		if !c.warnedPartial {
			c.warnedPartial = true
			c.logger().Warn("audio: dropping frame with a partial sample frame",
				"bytes", len(frame.Data), "format", describeFormat(frame.SampleRate, channels))
		}
		return out
	}
	if channels == 1 && frame.SampleRate == c.TargetRate {
		return frame
	}
	if !c.warnedMismatch {
		c.warnedMismatch = true
		c.logger().Warn("audio: converting input format",
			"from", describeFormat(frame.SampleRate, channels),
			"to", describeFormat(c.TargetRate, 1))
	}

	samples := Downmix(BytesToInt16s(frame.Data), channels)
	if frame.SampleRate != c.TargetRate && frame.SampleRate > 0 {
		samples = c.resampler(frame.SampleRate).Process(samples)
	}
	out.Data = Int16sToBytes(samples)
	return out
}

// Flush returns the samples the resampler still owes for input it has
// consumed. Call it once at end of stream.
func (c *FormatConverter) Flush() AudioFrame {
	out := AudioFrame{SampleRate: c.TargetRate, Channels: 1}
	if c.rs != nil {
		out.Data = Int16sToBytes(c.rs.Flush())
	}
	return out
}

func (c *FormatConverter) resampler(from int) *Resampler {
	if c.rs == nil || c.rs.from != from {
		c.rs = NewResampler(from, c.TargetRate)
	}
	return c.rs
}

func (c *FormatConverter) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Downmix averages each interleaved frame of the given channel count into
// one sample. A trailing partial frame is ignored.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	out := make([]int16, len(samples)/channels)
	for i := range out {
		var sum int32
		for _, s := range samples[i*channels : (i+1)*channels] {
			sum += int32(s)
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// Resampler converts mono samples between two rates by linear interpolation
// across successive calls to Process. Positions are tracked as exact
// integers, so long streams do not drift.
type Resampler struct {
	from, to int

	// pos is the position of the next output sample relative to the start
	// of the next input block, in units of 1/to input samples. It is in
	// (-to, 0] between blocks; negative positions interpolate from prev.
	pos    int64
	prev   int16
	primed bool

	consumed int64
	produced int64
}

// NewResampler returns a resampler from one sample rate to another. Both
// rates must be positive.
func NewResampler(from, to int) *Resampler {
	return &Resampler{from: from, to: to}
}

// Process resamples the next block of input.
func (r *Resampler) Process(in []int16) []int16 {
	if len(in) == 0 {
		return nil
	}
	if r.from == r.to {
		r.consumed += int64(len(in))
		r.produced += int64(len(in))
		r.prev, r.primed = in[len(in)-1], true
		return in
	}
	to, step := int64(r.to), int64(r.from)
	last := int64(len(in)-1) * to
	out := make([]int16, 0, (int64(len(in))*to)/step+1)
	for ; r.pos <= last; r.pos += step {
		var s0, s1 int16
		var rem int64
		if r.pos < 0 {
			s0, s1, rem = r.prev, in[0], r.pos+to
		} else {
			i := r.pos / to
			rem = r.pos % to
			s0 = in[i]
			s1 = s0
			if rem != 0 {
				s1 = in[i+1]
			}
		}
		out = append(out, int16(int64(s0)+(int64(s1)-int64(s0))*rem/to))
	}
	r.pos -= int64(len(in)) * to
	r.prev, r.primed = in[len(in)-1], true
	r.consumed += int64(len(in))
	r.produced += int64(len(out))
	return out
}

// Flush pads the output with the last input sample until it holds
// consumed*to/from samples in total, the length a one-shot conversion of
// the whole input would have.
func (r *Resampler) Flush() []int16 {
	want := r.consumed * int64(r.to) / int64(r.from)
	if !r.primed || r.produced >= want {
		return nil
	}
	out := make([]int16, want-r.produced)
	for i := range out {
		out[i] = r.prev
	}
	r.produced = want
	return out
}

// Resample converts a complete mono signal from one rate to another.
func Resample(samples []int16, from, to int) []int16 {
	if from <= 0 || to <= 0 || from == to {
		return samples
	}
	r := NewResampler(from, to)
	return append(r.Process(samples), r.Flush()...)
}

func describeFormat(rate, channels int) string {
	switch channels {
	case 1:
		return fmt.Sprintf("%dHz mono", rate)
	case 2:
		return fmt.Sprintf("%dHz stereo", rate)
	}
	return fmt.Sprintf("%dHz %dch", rate, channels)
}
