package observe

import (
	"context"
	"time"

	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// instrumentedSession records predictor latency and failures for every call
// it forwards to the wrapped session.
type instrumentedSession struct {
	ctx     context.Context
	inner   vad.SessionHandle
	backend string
	metrics *Metrics
}

var _ vad.SessionHandle = (*instrumentedSession)(nil)

// InstrumentSession wraps s so its predictions are recorded on m under
// backend, or under the name the session reports through a Backend method
// when it was opened by a fallback engine. A nil m returns s unchanged.
func InstrumentSession(ctx context.Context, s vad.SessionHandle, backend string, m *Metrics) vad.SessionHandle {
	if m == nil {
		return s
	}
	if b, ok := s.(interface{ Backend() string }); ok {
		backend = b.Backend()
	}
	return &instrumentedSession{ctx: ctx, inner: s, backend: backend, metrics: m}
}

func (s *instrumentedSession) Predict(chunk []float32) (float32, error) {
	start := time.Now()
	p, err := s.inner.Predict(chunk)
	s.metrics.RecordPredict(s.ctx, s.backend, time.Since(start), err)
	return p, err
}

func (s *instrumentedSession) Reset() { s.inner.Reset() }

func (s *instrumentedSession) Close() error { return s.inner.Close() }
