package speech

import (
	"errors"
	"fmt"
)

// ErrNotReady is returned by a stage built on a PushSource when it needs more
// samples before it can produce its next value. It is not a failure: push
// more samples (or Close the source) and call Next again.
var ErrNotReady = errors.New("speech: not ready")

// ErrProbabilityRange is wrapped by a PredictError when a predictor returns a
// value outside [0, 1] (including NaN).
var ErrProbabilityRange = errors.New("speech: probability out of range")

// PredictError reports a predictor failure for the chunk at position Index
// (zero-based) of the stream. It is terminal: the stage that returned it
// returns the same error from every later call and consumes no more input.
type PredictError struct {
	Index int
	Err   error
}

func (e *PredictError) Error() string {
	return fmt.Sprintf("speech: predict chunk %d: %v", e.Index, e.Err)
}

func (e *PredictError) Unwrap() error { return e.Err }
