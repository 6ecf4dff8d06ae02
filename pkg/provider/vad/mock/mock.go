// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script per-chunk probabilities, inject predictor failures at
// a given chunk position and inspect the chunks that were submitted.
//
// Example:
//
//	sess := &mock.Session{
//	    Probabilities: []float32{0.1, 0.9, 0.9, 0.1},
//	    Errors:        map[int]error{4: errors.New("inference failed")},
//	}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"

	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// NewSessionFunc, if set, builds the handle returned by NewSession. It takes
	// precedence over Session and lets tests hand out one fresh session per
	// stream.
	NewSessionFunc func(cfg vad.Config) (vad.SessionHandle, error)

	// Session is the SessionHandle returned by NewSession. If nil, NewSession
	// returns a new default Session.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.NewSessionFunc != nil {
		return e.NewSessionFunc(cfg)
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Calls returns a snapshot of the recorded NewSession calls. Thread-safe.
func (e *Engine) Calls() []NewSessionCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]NewSessionCall(nil), e.NewSessionCalls...)
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// PredictCall records a single invocation of Session.Predict.
type PredictCall struct {
	// Chunk is a copy of the samples passed to Predict.
	Chunk []float32
}

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Probabilities scripts the result of each Predict call: call n returns
	// Probabilities[n]. Calls beyond the script return Probability.
	Probabilities []float32

	// Probability is returned once Probabilities is exhausted.
	Probability float32

	// ProbabilityFunc, if set, computes the result from the chunk instead of
	// the script. Useful when the probability should follow the audio.
	ProbabilityFunc func(chunk []float32) float32

	// Errors injects a failure at specific call positions (zero-based, counted
	// across Reset).
	Errors map[int]error

	// PredictErr, if non-nil, is returned by every Predict call.
	PredictErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// PredictCalls records every call to Predict in order.
	PredictCalls []PredictCall

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Predict records the call and returns the scripted probability or error.
// After Close it returns vad.ErrSessionClosed.
func (s *Session) Predict(chunk []float32) (float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CloseCallCount > 0 {
		return 0, vad.ErrSessionClosed
	}
	n := len(s.PredictCalls)
	cp := make([]float32, len(chunk))
	copy(cp, chunk)
	s.PredictCalls = append(s.PredictCalls, PredictCall{Chunk: cp})

	if err, ok := s.Errors[n]; ok {
		return 0, err
	}
	if s.PredictErr != nil {
		return 0, s.PredictErr
	}
	if s.ProbabilityFunc != nil {
		return s.ProbabilityFunc(chunk), nil
	}
	if n < len(s.Probabilities) {
		return s.Probabilities[n], nil
	}
	return s.Probability, nil
}

// Reset records the call by incrementing ResetCallCount.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// PredictCount returns the number of Predict calls so far. Thread-safe.
func (s *Session) PredictCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.PredictCalls)
}

// Resets returns the number of Reset calls so far. Thread-safe.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ResetCallCount
}

// Closes returns the number of Close calls so far. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// ResetCalls clears all recorded call history. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PredictCalls = nil
	s.ResetCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*Session)(nil)
