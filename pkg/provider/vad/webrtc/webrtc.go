// Package webrtc provides a VAD backend built on libfvad, the standalone port
// of the WebRTC voice activity detector.
//
// libfvad classifies 10, 20 or 30 ms frames as voiced or unvoiced. Each chunk
// is cut into 10 ms frames and its probability is the fraction of voiced
// frames. Samples that do not fill a whole frame are carried over to the next
// chunk, so no audio is skipped across chunk boundaries.
//
// The package requires cgo and the libfvad sources vendored by
// github.com/josharian/fvad.
package webrtc

import (
	"fmt"
	"slices"
	"sync"

	"github.com/josharian/fvad"

	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// Mode is the libfvad aggressiveness. Higher modes reject more non-speech at
// the cost of missing quiet speech.
type Mode int

const (
	ModeQuality Mode = iota
	ModeLowBitrate
	ModeAggressive
	ModeVeryAggressive
)

// SupportedSampleRates lists the rates libfvad accepts.
var SupportedSampleRates = []int{8000, 16000, 32000, 48000}

// Compile-time assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithMode sets the detector aggressiveness. Defaults to ModeAggressive.
func WithMode(m Mode) Option {
	return func(e *Engine) {
		e.mode = m
	}
}

// Engine implements vad.Engine.
type Engine struct {
	mode Mode
}

// New creates a WebRTC Engine.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{mode: ModeAggressive}
	for _, o := range opts {
		o(e)
	}
	if e.mode < ModeQuality || e.mode > ModeVeryAggressive {
		return nil, fmt.Errorf("webrtc: mode %d out of range [0, 3]", e.mode)
	}
	return e, nil
}

// NewSession validates cfg and allocates a detector.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !slices.Contains(SupportedSampleRates, cfg.SampleRate) {
		return nil, fmt.Errorf("webrtc: unsupported sample rate %d Hz (supported: %v)", cfg.SampleRate, SupportedSampleRates)
	}
	det, err := e.newDetector(cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	frame := cfg.SampleRate / 100
	return &Session{
		engine:     e,
		det:        det,
		sampleRate: cfg.SampleRate,
		chunkSize:  cfg.ChunkSize,
		frameSize:  frame,
		pending:    make([]int16, 0, cfg.ChunkSize+frame),
	}, nil
}

func (e *Engine) newDetector(sampleRate int) (*fvad.Detector, error) {
	det := fvad.NewDetector()
	if err := det.SetSampleRate(sampleRate); err != nil {
		det.Close()
		return nil, fmt.Errorf("webrtc: set sample rate: %w", err)
	}
	if err := det.SetMode(int(e.mode)); err != nil {
		det.Close()
		return nil, fmt.Errorf("webrtc: set mode: %w", err)
	}
	return det, nil
}

// Session implements vad.SessionHandle.
type Session struct {
	engine     *Engine
	sampleRate int
	chunkSize  int
	frameSize  int

	mu      sync.Mutex
	det     *fvad.Detector
	pending []int16
}

// Predict returns the fraction of voiced 10 ms frames in chunk.
func (s *Session) Predict(chunk []float32) (float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.det == nil {
		return 0, vad.ErrSessionClosed
	}
	if err := vad.CheckChunk(chunk, s.chunkSize); err != nil {
		return 0, err
	}

	for _, v := range chunk {
		s.pending = append(s.pending, floatToInt16(v))
	}

	var frames, voiced, off int
	for len(s.pending)-off >= s.frameSize {
		ok, err := s.det.Process(s.pending[off : off+s.frameSize])
		if err != nil {
			return 0, fmt.Errorf("webrtc: process frame: %w", err)
		}
		frames++
		if ok {
			voiced++
		}
		off += s.frameSize
	}
	s.pending = s.pending[:copy(s.pending, s.pending[off:])]

	if frames == 0 {
		return 0, nil
	}
	return float32(voiced) / float32(frames), nil
}

// Reset drops the carry-over and replaces the detector, since libfvad keeps
// its adaptive noise estimates across frames.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.det == nil {
		return
	}
	s.pending = s.pending[:0]
	det, err := s.engine.newDetector(s.sampleRate)
	if err != nil {
		// Settings were accepted once already; keep the old detector.
		return
	}
	s.det.Close()
	s.det = det
}

// Close frees the detector.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.det != nil {
		s.det.Close()
		s.det = nil
	}
	return nil
}

func floatToInt16(v float32) int16 {
	switch {
	case v >= 1:
		return 32767
	case v <= -1:
		return -32768
	}
	return int16(v * 32768)
}
