package speech

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// Segment is a run of merged speech chunks.
type Segment[S audio.Sample] struct {
	// Index is the zero-based position of the segment in the output.
	Index int

	// Start is the offset, in samples, of the segment's first sample in the
	// input stream.
	Start int

	Samples []S
}

// Duration returns the length of the segment at sampleRate.
func (s Segment[S]) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(s.Samples)) * time.Second / time.Duration(sampleRate)
}

// SegmentConfig configures the segment stage.
type SegmentConfig struct {
	// Threshold is the probability strictly above which a chunk counts as
	// speech. Range: [0.0, 1.0].
	Threshold float32

	// MaxSpeechMs caps the duration of a segment. It is rounded up to a whole
	// number of chunks. Must be positive.
	MaxSpeechMs int

	// MinSilenceMs is the run of non-speech, rounded up to whole chunks, that
	// closes a segment. Zero closes a segment at the first non-speech chunk.
	MinSilenceMs int
}

// Validate checks the threshold range and durations.
func (c SegmentConfig) Validate() error {
	var errs []error
	if !validThreshold(c.Threshold) {
		errs = append(errs, fmt.Errorf("speech: segment threshold %v must be in [0, 1]", c.Threshold))
	}
	if c.MaxSpeechMs <= 0 {
		errs = append(errs, fmt.Errorf("speech: max speech %d ms must be positive", c.MaxSpeechMs))
	}
	if c.MinSilenceMs < 0 {
		errs = append(errs, fmt.Errorf("speech: min silence %d ms must not be negative", c.MinSilenceMs))
	}
	return errors.Join(errs...)
}

// Limits converts the millisecond settings into chunk-aligned limits for the
// given chunking: the maximum segment length in samples and the number of
// consecutive non-speech chunks that close a segment. Both round up.
func (c SegmentConfig) Limits(v vad.Config) (maxSamples, minSilenceChunks int) {
	maxChunks := ceilChunks(c.MaxSpeechMs, v)
	return maxChunks * v.ChunkSize, ceilChunks(c.MinSilenceMs, v)
}

// ceilChunks returns ceil(ms / chunk duration) computed exactly in integers:
// ceil(ms * sampleRate / (chunkSize * 1000)).
func ceilChunks(ms int, v vad.Config) int {
	num := int64(ms) * int64(v.SampleRate)
	den := int64(v.ChunkSize) * 1000
	if num <= 0 || den <= 0 {
		return 0
	}
	return int((num + den - 1) / den)
}

// SegmentState is the segment stage's state machine, independent of how
// input arrives. Drivers Feed every prediction in order and call Flush once at
// end of input.
//
// After a silence flush the silence counter keeps counting rather than
// restarting, so further non-speech chunks keep meeting the flush condition
// against an empty segment, which emits nothing.
type SegmentState[S audio.Sample] struct {
	threshold  float32
	maxSamples int
	minSilence int
	chunkSize  int

	current []S
	start   int
	silence int
	next    int
}

// NewSegmentState validates both configurations and returns an empty state
// machine.
func NewSegmentState[S audio.Sample](cfg SegmentConfig, v vad.Config) (*SegmentState[S], error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	maxSamples, minSilence := cfg.Limits(v)
	return &SegmentState[S]{
		threshold:  cfg.Threshold,
		maxSamples: maxSamples,
		minSilence: minSilence,
		chunkSize:  v.ChunkSize,
	}, nil
}

// MaxSamples returns the segment length cap in samples.
func (s *SegmentState[S]) MaxSamples() int { return s.maxSamples }

// MinSilenceChunks returns the number of non-speech chunks that close a
// segment.
func (s *SegmentState[S]) MinSilenceChunks() int { return s.minSilence }

// Feed consumes the next prediction and returns a segment when one is closed,
// either by the length cap or by silence.
func (s *SegmentState[S]) Feed(p Prediction[S]) (Segment[S], bool) {
	if p.Probability > s.threshold {
		if len(s.current) > 0 && len(s.current)+len(p.Chunk) > s.maxSamples {
			out := s.emit()
			s.begin(p)
			s.silence = 0
			return out, true
		}
		if len(s.current) == 0 {
			s.begin(p)
		} else {
			s.current = append(s.current, p.Chunk...)
		}
		s.silence = 0
		return Segment[S]{}, false
	}

	s.silence++
	if s.silence >= s.minSilence && len(s.current) > 0 {
		return s.emit(), true
	}
	return Segment[S]{}, false
}

// Flush returns the open segment, if any, at end of input.
func (s *SegmentState[S]) Flush() (Segment[S], bool) {
	if len(s.current) == 0 {
		return Segment[S]{}, false
	}
	return s.emit(), true
}

func (s *SegmentState[S]) begin(p Prediction[S]) {
	s.current = append(make([]S, 0, min(4*len(p.Chunk), s.maxSamples)), p.Chunk...)
	s.start = p.Index * s.chunkSize
}

func (s *SegmentState[S]) emit() Segment[S] {
	out := Segment[S]{Index: s.next, Start: s.start, Samples: s.current}
	s.next++
	s.current = nil
	return out
}

// Segmenter is the segment stage driver. It pulls predictions on demand and
// runs them through a SegmentState.
type Segmenter[S audio.Sample] struct {
	preds *Predictions[S]
	state *SegmentState[S]
	err   error
}

// NewSegmenter returns a segment stage reading preds.
func NewSegmenter[S audio.Sample](preds *Predictions[S], cfg SegmentConfig) (*Segmenter[S], error) {
	state, err := NewSegmentState[S](cfg, preds.Config())
	if err != nil {
		return nil, err
	}
	return &Segmenter[S]{preds: preds, state: state}, nil
}

// MaxSamples returns the segment length cap in samples.
func (g *Segmenter[S]) MaxSamples() int { return g.state.MaxSamples() }

// Next returns the next segment. At end of input the open segment, if any, is
// returned before io.EOF. ErrNotReady keeps the open segment. A *PredictError
// is terminal and the open segment is discarded.
func (g *Segmenter[S]) Next() (Segment[S], error) {
	if g.err != nil {
		return Segment[S]{}, g.err
	}
	for {
		p, err := g.preds.Next()
		switch {
		case err == nil:
			if out, ok := g.state.Feed(p); ok {
				return out, nil
			}
		case errors.Is(err, ErrNotReady):
			return Segment[S]{}, err
		case errors.Is(err, io.EOF):
			if out, ok := g.state.Flush(); ok {
				return out, nil
			}
			g.err = io.EOF
			return Segment[S]{}, io.EOF
		default:
			g.err = err
			return Segment[S]{}, err
		}
	}
}

// All returns an iterator over the remaining segments. See Predictions.All
// for how errors are reported.
func (g *Segmenter[S]) All() iter.Seq2[Segment[S], error] {
	return all(g.Next)
}
