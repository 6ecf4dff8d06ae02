package speech

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"math"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// Label tags a chunk as speech or non-speech.
type Label int

const (
	NonSpeech Label = iota
	Speech
)

func (l Label) String() string {
	switch l {
	case Speech:
		return "speech"
	case NonSpeech:
		return "nonspeech"
	}
	return fmt.Sprintf("Label(%d)", int(l))
}

// LabeledChunk is one chunk of the input together with its label.
type LabeledChunk[S audio.Sample] struct {
	Label Label

	// Index is the zero-based position of the chunk in the stream.
	Index int

	Samples []S
}

// LabelConfig configures the label stage.
type LabelConfig struct {
	// Threshold is the probability at or above which a chunk counts as
	// speech. Range: [0.0, 1.0].
	Threshold float32

	// PaddingChunks is the number of chunks kept as context before and after
	// each speech region.
	PaddingChunks int
}

// Validate checks the threshold range and padding sign.
func (c LabelConfig) Validate() error {
	var errs []error
	if !validThreshold(c.Threshold) {
		errs = append(errs, fmt.Errorf("speech: label threshold %v must be in [0, 1]", c.Threshold))
	}
	if c.PaddingChunks < 0 {
		errs = append(errs, fmt.Errorf("speech: padding chunks %d must not be negative", c.PaddingChunks))
	}
	return errors.Join(errs...)
}

func validThreshold(t float32) bool {
	return !math.IsNaN(float64(t)) && t >= 0 && t <= 1
}

type labelPhase int

const (
	phaseIdle labelPhase = iota
	phaseFlushStart
	phaseActive
	phaseFlushEnd
)

// LabelState is the label stage's state machine, independent of how input
// arrives. Drivers call Buffered until it yields nothing, then Feed with the
// next prediction, and Flush repeatedly once input has ended.
//
// In the idle phase chunks wait in a FIFO until either a speech chunk arrives,
// which releases the whole FIFO as Speech (leading padding), or the FIFO
// exceeds PaddingChunks, which releases the oldest chunk as NonSpeech. After
// speech, up to PaddingChunks non-speech chunks are collected and released as
// Speech (trailing padding) before the machine goes idle again.
type LabelState[S audio.Sample] struct {
	cfg    LabelConfig
	phase  labelPhase
	speech bool
	buf    []Prediction[S]
}

// NewLabelState returns an idle state machine.
func NewLabelState[S audio.Sample](cfg LabelConfig) (*LabelState[S], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &LabelState[S]{cfg: cfg, buf: make([]Prediction[S], 0, cfg.PaddingChunks+1)}, nil
}

// Buffered releases a chunk that is already decided without consuming input.
func (s *LabelState[S]) Buffered() (LabeledChunk[S], bool) {
	switch s.phase {
	case phaseIdle:
		if len(s.buf) > s.cfg.PaddingChunks {
			return s.pop(NonSpeech)
		}
	case phaseFlushStart:
		if len(s.buf) > 0 {
			return s.pop(Speech)
		}
		s.phase, s.speech = phaseActive, false
	case phaseActive:
		if s.speech && len(s.buf) > 0 {
			return s.pop(Speech)
		}
	case phaseFlushEnd:
		if len(s.buf) > 0 {
			return s.pop(Speech)
		}
		s.phase = phaseIdle
	}
	return LabeledChunk[S]{}, false
}

// Feed consumes the next prediction and returns a labeled chunk if one is
// decided. Callers must drain Buffered first; a chunk fed during a flush
// phase is queued behind the chunks being flushed.
func (s *LabelState[S]) Feed(p Prediction[S]) (LabeledChunk[S], bool) {
	isSpeech := p.Probability >= s.cfg.Threshold
	switch s.phase {
	case phaseIdle:
		s.buf = append(s.buf, p)
		if isSpeech {
			s.phase = phaseFlushStart
			return s.pop(Speech)
		}
		if len(s.buf) > s.cfg.PaddingChunks {
			return s.pop(NonSpeech)
		}
	case phaseActive:
		if isSpeech {
			s.speech = true
			if len(s.buf) == 0 {
				return LabeledChunk[S]{Label: Speech, Index: p.Index, Samples: p.Chunk}, true
			}
			s.buf = append(s.buf, p)
			return s.pop(Speech)
		}
		s.speech = false
		s.buf = append(s.buf, p)
		if len(s.buf) >= s.cfg.PaddingChunks {
			s.phase = phaseFlushEnd
			return s.pop(Speech)
		}
	default:
		s.buf = append(s.buf, p)
	}
	return LabeledChunk[S]{}, false
}

// Flush releases one buffered chunk at end of input: NonSpeech when idle,
// Speech otherwise. It yields nothing once the buffer is empty.
func (s *LabelState[S]) Flush() (LabeledChunk[S], bool) {
	if len(s.buf) == 0 {
		return LabeledChunk[S]{}, false
	}
	if s.phase == phaseIdle {
		return s.pop(NonSpeech)
	}
	return s.pop(Speech)
}

// Len returns the number of chunks held in the padding buffer.
func (s *LabelState[S]) Len() int { return len(s.buf) }

func (s *LabelState[S]) pop(l Label) (LabeledChunk[S], bool) {
	p := s.buf[0]
	n := copy(s.buf, s.buf[1:])
	s.buf[n] = Prediction[S]{}
	s.buf = s.buf[:n]
	return LabeledChunk[S]{Label: l, Index: p.Index, Samples: p.Chunk}, true
}

// Labeler is the label stage driver. It pulls predictions on demand and runs
// them through a LabelState.
type Labeler[S audio.Sample] struct {
	preds *Predictions[S]
	state *LabelState[S]
	err   error
}

// NewLabeler returns a label stage reading preds.
func NewLabeler[S audio.Sample](preds *Predictions[S], cfg LabelConfig) (*Labeler[S], error) {
	state, err := NewLabelState[S](cfg)
	if err != nil {
		return nil, err
	}
	return &Labeler[S]{preds: preds, state: state}, nil
}

// Next returns the next labeled chunk, in input order. At end of input the
// padding buffer is flushed one chunk per call before io.EOF is returned.
// ErrNotReady leaves every buffered chunk in place. A *PredictError is
// terminal and buffered chunks are discarded.
func (l *Labeler[S]) Next() (LabeledChunk[S], error) {
	if l.err != nil {
		return LabeledChunk[S]{}, l.err
	}
	if out, ok := l.state.Buffered(); ok {
		return out, nil
	}
	for {
		p, err := l.preds.Next()
		switch {
		case err == nil:
			if out, ok := l.state.Feed(p); ok {
				return out, nil
			}
		case errors.Is(err, ErrNotReady):
			return LabeledChunk[S]{}, err
		case errors.Is(err, io.EOF):
			if out, ok := l.state.Flush(); ok {
				return out, nil
			}
			l.err = io.EOF
			return LabeledChunk[S]{}, io.EOF
		default:
			l.err = err
			return LabeledChunk[S]{}, err
		}
	}
}

// All returns an iterator over the remaining labeled chunks. See
// Predictions.All for how errors are reported.
func (l *Labeler[S]) All() iter.Seq2[LabeledChunk[S], error] {
	return all(l.Next)
}
