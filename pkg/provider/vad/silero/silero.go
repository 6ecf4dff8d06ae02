// Package silero provides a VAD backend running the Silero VAD v4 ONNX model
// through ONNX Runtime.
//
// The model is recurrent: besides the audio chunk it takes the sample rate and
// two LSTM state tensors (h and c, shape [2, 1, 64]) and returns the speech
// probability together with the next state. A Session owns one ONNX Runtime
// session with pre-bound tensors, so Predict does not allocate.
//
// ONNX Runtime is loaded from a shared library at run time. Point
// WithLibraryPath at libonnxruntime.so (or .dylib / .dll) when it is not on the
// default search path.
//
// Usage:
//
//	eng, err := silero.New("models/silero_vad.onnx",
//	    silero.WithLibraryPath("/usr/lib/libonnxruntime.so"),
//	)
//	defer eng.Close()
//	sess, err := eng.NewSession(vad.Config{SampleRate: 16000, ChunkSize: 512})
package silero

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// SupportedSampleRates lists the rates the v4 model was trained for.
var SupportedSampleRates = []int{8000, 16000}

var (
	inputNames  = []string{"input", "sr", "h", "c"}
	outputNames = []string{"output", "hn", "cn"}
	stateShape  = ort.NewShape(2, 1, 64)
)

// Compile-time assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// ONNX Runtime has a single process-wide environment.
var (
	envMu    sync.Mutex
	envUsers int
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLibraryPath sets the path of the ONNX Runtime shared library.
func WithLibraryPath(path string) Option {
	return func(e *Engine) {
		e.libraryPath = path
	}
}

// WithThreads sets the intra-op thread count of every session. Defaults to 1,
// which is fastest for the small Silero graph.
func WithThreads(n int) Option {
	return func(e *Engine) {
		e.threads = n
	}
}

// Engine implements vad.Engine. Close it to release the ONNX Runtime
// environment once every session is closed.
type Engine struct {
	modelPath   string
	libraryPath string
	threads     int

	closeOnce sync.Once
}

// New checks that the model exists and initializes ONNX Runtime.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("silero: model path must not be empty")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("silero: model: %w", err)
	}
	e := &Engine{modelPath: modelPath, threads: 1}
	for _, o := range opts {
		o(e)
	}
	if e.threads < 1 {
		return nil, fmt.Errorf("silero: thread count %d must be at least 1", e.threads)
	}
	if err := acquireEnvironment(e.libraryPath); err != nil {
		return nil, err
	}
	return e, nil
}

func acquireEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envUsers == 0 && !ort.IsInitialized() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("silero: initialize onnxruntime: %w", err)
		}
	}
	envUsers++
	return nil
}

func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	envUsers--
	if envUsers > 0 {
		return nil
	}
	if err := ort.DestroyEnvironment(); err != nil {
		return fmt.Errorf("silero: destroy onnxruntime: %w", err)
	}
	return nil
}

// Close releases the engine's hold on the ONNX Runtime environment.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() { err = releaseEnvironment() })
	return err
}

// NewSession loads the model into a new ONNX Runtime session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !slices.Contains(SupportedSampleRates, cfg.SampleRate) {
		return nil, fmt.Errorf("silero: unsupported sample rate %d Hz (supported: %v)", cfg.SampleRate, SupportedSampleRates)
	}

	s := &Session{chunkSize: cfg.ChunkSize}
	if err := s.bind(e, cfg); err != nil {
		s.destroy()
		return nil, err
	}
	return s, nil
}

// Session implements vad.SessionHandle.
type Session struct {
	chunkSize int

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	sr      *ort.Tensor[int64]
	h, c    *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	hn, cn  *ort.Tensor[float32]
}

func (s *Session) bind(e *Engine, cfg vad.Config) error {
	var err error
	if s.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.ChunkSize))); err != nil {
		return fmt.Errorf("silero: input tensor: %w", err)
	}
	if s.sr, err = ort.NewTensor(ort.NewShape(1), []int64{int64(cfg.SampleRate)}); err != nil {
		return fmt.Errorf("silero: sr tensor: %w", err)
	}
	if s.h, err = ort.NewEmptyTensor[float32](stateShape); err != nil {
		return fmt.Errorf("silero: h tensor: %w", err)
	}
	if s.c, err = ort.NewEmptyTensor[float32](stateShape); err != nil {
		return fmt.Errorf("silero: c tensor: %w", err)
	}
	if s.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 1)); err != nil {
		return fmt.Errorf("silero: output tensor: %w", err)
	}
	if s.hn, err = ort.NewEmptyTensor[float32](stateShape); err != nil {
		return fmt.Errorf("silero: hn tensor: %w", err)
	}
	if s.cn, err = ort.NewEmptyTensor[float32](stateShape); err != nil {
		return fmt.Errorf("silero: cn tensor: %w", err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("silero: session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetIntraOpNumThreads(e.threads); err != nil {
		return fmt.Errorf("silero: intra-op threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		return fmt.Errorf("silero: inter-op threads: %w", err)
	}

	s.session, err = ort.NewAdvancedSession(e.modelPath, inputNames, outputNames,
		[]ort.Value{s.input, s.sr, s.h, s.c},
		[]ort.Value{s.output, s.hn, s.cn},
		opts,
	)
	if err != nil {
		return fmt.Errorf("silero: load model: %w", err)
	}
	return nil
}

// Predict runs one inference step and advances the LSTM state.
func (s *Session) Predict(chunk []float32) (float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return 0, vad.ErrSessionClosed
	}
	if err := vad.CheckChunk(chunk, s.chunkSize); err != nil {
		return 0, err
	}

	copy(s.input.GetData(), chunk)
	if err := s.session.Run(); err != nil {
		return 0, fmt.Errorf("silero: run: %w", err)
	}
	copy(s.h.GetData(), s.hn.GetData())
	copy(s.c.GetData(), s.cn.GetData())
	return s.output.GetData()[0], nil
}

// Reset zeroes the LSTM state.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return
	}
	clear(s.h.GetData())
	clear(s.c.GetData())
}

// Close destroys the ONNX Runtime session and its tensors.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroy()
}

func (s *Session) destroy() error {
	var errs []error
	if s.session != nil {
		errs = append(errs, s.session.Destroy())
		s.session = nil
	}
	for _, t := range []*ort.Tensor[float32]{s.input, s.h, s.c, s.output, s.hn, s.cn} {
		if t != nil {
			errs = append(errs, t.Destroy())
		}
	}
	if s.sr != nil {
		errs = append(errs, s.sr.Destroy())
	}
	s.input, s.sr, s.h, s.c, s.output, s.hn, s.cn = nil, nil, nil, nil, nil, nil, nil
	return errors.Join(errs...)
}
