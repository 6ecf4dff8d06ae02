// Package speech turns a stream of audio samples into speech decisions.
//
// The pipeline has three stages. Predictions cuts the input into fixed-size
// chunks and asks a vad.SessionHandle for one speech probability per chunk.
// A Labeler tags every chunk Speech or NonSpeech and pads each speech region
// with context chunks on both sides. A Segmenter instead merges speech chunks
// into segments bounded by a maximum duration and closed by sustained silence.
//
// Each stage has a Next method and an All iterator. Whether they block is up
// to the Source at the head of the pipeline: a Source backed by an io.Reader
// blocks like the reader does, while a PushSource never blocks and makes the
// stages return ErrNotReady until more samples are pushed. Both drivers run
// the same state machines (LabelState and SegmentState), which can also be
// fed directly.
//
// No stage is safe for concurrent use. A stage borrows its session for its
// whole lifetime and never closes it; Reset the session before reusing it for
// an unrelated recording.
package speech

import (
	"errors"
	"io"
	"iter"
	"math"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// Prediction pairs a chunk with the probability the predictor assigned to it.
type Prediction[S audio.Sample] struct {
	// Index is the zero-based position of the chunk in the stream.
	Index int

	// Chunk holds exactly ChunkSize samples.
	Chunk []S

	// Probability is the speech probability in [0, 1].
	Probability float32
}

// Predictions is the prediction stage: it chunks a Source and scores every
// chunk with a VAD session, in order, exactly once.
type Predictions[S audio.Sample] struct {
	src     Source[S]
	chunker *Chunker[S]
	session vad.SessionHandle
	cfg     vad.Config

	scratch []float32
	index   int
	err     error
}

// NewPredictions validates cfg and returns a stage reading src. session must
// have been created with the same cfg.
func NewPredictions[S audio.Sample](src Source[S], session vad.SessionHandle, cfg vad.Config) (*Predictions[S], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if session == nil {
		return nil, errors.New("speech: nil session")
	}
	return &Predictions[S]{
		src:     src,
		chunker: NewChunker[S](cfg.ChunkSize),
		session: session,
		cfg:     cfg,
		scratch: make([]float32, cfg.ChunkSize),
	}, nil
}

// Config returns the chunking configuration.
func (p *Predictions[S]) Config() vad.Config { return p.cfg }

// Count returns the number of chunks scored so far.
func (p *Predictions[S]) Count() int { return p.index }

// Next returns the next scored chunk. It returns io.EOF at end of input,
// ErrNotReady when a PushSource has run dry, and a *PredictError when the
// predictor fails. io.EOF and predictor failures are sticky.
func (p *Predictions[S]) Next() (Prediction[S], error) {
	if p.err != nil {
		return Prediction[S]{}, p.err
	}
	chunk, err := p.chunker.Next(p.src)
	if err != nil {
		if !errors.Is(err, ErrNotReady) {
			p.err = err
		}
		return Prediction[S]{}, err
	}

	p.scratch = audio.Float32s(p.scratch, chunk)
	prob, err := p.session.Predict(p.scratch)
	if err == nil && (math.IsNaN(float64(prob)) || prob < 0 || prob > 1) {
		err = ErrProbabilityRange
	}
	if err != nil {
		p.err = &PredictError{Index: p.index, Err: err}
		return Prediction[S]{}, p.err
	}

	out := Prediction[S]{Index: p.index, Chunk: chunk, Probability: prob}
	p.index++
	return out, nil
}

// All returns an iterator over the remaining predictions. Iteration stops
// silently at end of input. Any other error, including ErrNotReady, is
// yielded once with a zero value and ends the iteration.
func (p *Predictions[S]) All() iter.Seq2[Prediction[S], error] {
	return all(p.Next)
}

// all adapts a Next method to an iterator.
func all[T any](next func() (T, error)) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			v, err := next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}
