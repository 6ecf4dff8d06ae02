// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a chunk-level speech predictor (e.g., Silero VAD, WebRTC VAD,
// or a plain energy detector) and surfaces it as a stateful, per-stream session.
// Each session maintains its own recurrent state so that multiple concurrent
// audio streams can be processed independently.
//
// VAD is synchronous by design: Predict returns a probability for exactly the
// chunk it was given, making it suitable for a pipeline stage that classifies
// chunks in input order.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"errors"
	"fmt"
)

// MaxChunksPerSecond is the largest allowed SampleRate/ChunkSize ratio. It
// corresponds to at least 32 ms of audio per Predict call.
const MaxChunksPerSecond = 31.25

// ErrChunkTooSmall is reported (wrapped in a *ConfigError) when a chunk holds
// less than 32 ms of audio at the configured sample rate.
var ErrChunkTooSmall = errors.New("vad: chunk too small for sample rate")

// ErrInvalidConfig is reported (wrapped in a *ConfigError) for non-positive
// sample rates or chunk sizes.
var ErrInvalidConfig = errors.New("vad: sample rate and chunk size must be positive")

// ConfigError describes a rejected Config. Use errors.As to inspect the
// offending values and errors.Is with ErrChunkTooSmall or ErrInvalidConfig to
// tell the two failure modes apart.
type ConfigError struct {
	SampleRate int
	ChunkSize  int
	Err        error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v (sample rate %d Hz, chunk size %d)", e.Err, e.SampleRate, e.ChunkSize)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// chunks passed to Predict. Common values: 8000, 16000, 48000.
	SampleRate int

	// ChunkSize is the number of samples in every chunk passed to Predict.
	// SampleRate/ChunkSize must not exceed MaxChunksPerSecond; 512 samples at
	// 16 kHz is the smallest chunk that qualifies.
	ChunkSize int
}

// Validate reports whether c describes a usable chunking. The ratio bound is
// inclusive and evaluated in integers: SampleRate*4 <= ChunkSize*125.
func (c Config) Validate() error {
	if c.SampleRate <= 0 || c.ChunkSize <= 0 {
		return &ConfigError{SampleRate: c.SampleRate, ChunkSize: c.ChunkSize, Err: ErrInvalidConfig}
	}
	if int64(c.SampleRate)*4 > int64(c.ChunkSize)*125 {
		return &ConfigError{SampleRate: c.SampleRate, ChunkSize: c.ChunkSize, Err: ErrChunkTooSmall}
	}
	return nil
}

// ChunkDurationMs is the duration of one chunk in milliseconds.
func (c Config) ChunkDurationMs() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(c.ChunkSize) * 1000 / float64(c.SampleRate)
}

// SessionHandle represents an active VAD session for a single audio stream. It is
// an interface so that test code can supply mock implementations without a live
// engine. Each session maintains its own recurrent state; Reset clears this state
// without closing the session.
//
// A SessionHandle should not be shared between goroutines unless the implementation
// explicitly guarantees concurrent safety.
type SessionHandle interface {
	// Predict returns the speech probability, in [0, 1], of a single chunk of
	// normalized samples. The chunk must hold exactly the ChunkSize configured
	// when the session was created. Chunks must be submitted in stream order;
	// the result may depend on every chunk seen since the last Reset.
	//
	// An error means the backend could not produce a probability. Callers must
	// not substitute a default value.
	Predict(chunk []float32) (float32, error)

	// Reset clears all accumulated recurrent state without closing the session.
	// Use this between unrelated recordings so that state from one stream does
	// not bias the next.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// Predict must return an error. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The session
	// is immediately ready to accept chunks.
	//
	// Returns an error if the configuration is invalid (see Config.Validate, plus
	// any backend-specific restriction such as a supported sample rate list) or if
	// the engine cannot allocate resources for the session.
	NewSession(cfg Config) (SessionHandle, error)
}

// ErrSessionClosed is returned by Predict after Close.
var ErrSessionClosed = errors.New("vad: session closed")

// CheckChunk returns an error when chunk does not hold exactly size samples.
// Backends call it at the top of Predict.
func CheckChunk(chunk []float32, size int) error {
	if len(chunk) != size {
		return fmt.Errorf("vad: chunk has %d samples, want %d", len(chunk), size)
	}
	return nil
}
