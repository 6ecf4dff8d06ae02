// Package energy provides a pure-Go VAD backend that scores chunks by their
// RMS level.
//
// The RMS of each chunk is converted to dBFS and mapped linearly onto [0, 1]
// between a floor (silence) and a ceiling (clear speech). An exponential moving
// average smooths the mapped value across chunks; Reset clears it.
//
// Energy detection cannot tell speech from other loud sounds. It is the
// default backend because it needs no native libraries or model files, which
// makes it a good fit for tests and clean close-talk recordings.
//
// Usage:
//
//	eng, err := energy.New(energy.WithFloorDB(-55), energy.WithSmoothing(0.6))
//	sess, err := eng.NewSession(vad.Config{SampleRate: 16000, ChunkSize: 512})
//	p, err := sess.Predict(chunk)
package energy

import (
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

const (
	defaultFloorDB   = -60.0
	defaultCeilingDB = -20.0
	defaultSmoothing = 1.0
)

// Compile-time assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithFloorDB sets the level, in dBFS, at and below which a chunk scores 0.
// Defaults to -60.
func WithFloorDB(db float64) Option {
	return func(e *Engine) {
		e.floorDB = db
	}
}

// WithCeilingDB sets the level, in dBFS, at and above which a chunk scores 1.
// Defaults to -20.
func WithCeilingDB(db float64) Option {
	return func(e *Engine) {
		e.ceilingDB = db
	}
}

// WithSmoothing sets the weight of the current chunk in the moving average,
// in (0, 1]. 1 disables smoothing (the default); smaller values make the
// probability react more slowly to level changes.
func WithSmoothing(alpha float64) Option {
	return func(e *Engine) {
		e.alpha = alpha
	}
}

// Engine implements vad.Engine.
type Engine struct {
	floorDB   float64
	ceilingDB float64
	alpha     float64
}

// New creates an energy Engine.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		floorDB:   defaultFloorDB,
		ceilingDB: defaultCeilingDB,
		alpha:     defaultSmoothing,
	}
	for _, o := range opts {
		o(e)
	}
	if e.ceilingDB <= e.floorDB {
		return nil, fmt.Errorf("energy: ceiling %.1f dBFS must be above floor %.1f dBFS", e.ceilingDB, e.floorDB)
	}
	if e.alpha <= 0 || e.alpha > 1 {
		return nil, fmt.Errorf("energy: smoothing %v must be in (0, 1]", e.alpha)
	}
	return e, nil
}

// NewSession validates cfg and returns a fresh session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Session{engine: e, chunkSize: cfg.ChunkSize}, nil
}

// Session implements vad.SessionHandle. It is safe for concurrent use,
// although the pipeline never needs that.
type Session struct {
	engine    *Engine
	chunkSize int

	mu     sync.Mutex
	prev   float64
	primed bool
	closed bool
}

// Predict scores chunk by its RMS level.
func (s *Session) Predict(chunk []float32) (float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, vad.ErrSessionClosed
	}
	if err := vad.CheckChunk(chunk, s.chunkSize); err != nil {
		return 0, err
	}

	raw := s.engine.score(RMS(chunk))
	if !s.primed {
		s.prev = raw
		s.primed = true
	} else {
		s.prev = s.engine.alpha*raw + (1-s.engine.alpha)*s.prev
	}
	return float32(s.prev), nil
}

// Reset forgets the moving average.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prev = 0
	s.primed = false
}

// Close marks the session closed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (e *Engine) score(rms float64) float64 {
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	p := (db - e.floorDB) / (e.ceilingDB - e.floorDB)
	return min(max(p, 0), 1)
}

// RMS returns the root-mean-square amplitude of normalized samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
