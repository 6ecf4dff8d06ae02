package observe

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/provider/vad/mock"
)

func TestInstrumentSession_RecordsUnderServingBackend(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)

	primary := &mock.Engine{NewSessionErr: errors.New("no model")}
	fb := resilience.NewVADFallback(primary, "silero", resilience.FallbackConfig{})
	fb.AddFallback("energy", &mock.Engine{Session: &mock.Session{PredictErr: errors.New("boom")}})

	sess, err := fb.NewSession(vad.Config{SampleRate: 16000, ChunkSize: 512})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	sess = InstrumentSession(context.Background(), sess, "silero", m)
	if _, err := sess.Predict(make([]float32, 512)); err == nil {
		t.Fatal("expected predict error")
	}

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "voxgate.predict.errors", "backend", "energy"); got != 1 {
		t.Errorf("predict errors for energy = %d, want 1", got)
	}
}

func TestInstrumentSession_ForwardsCalls(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	inner := &mock.Session{Probability: 0.25}
	sess := InstrumentSession(context.Background(), inner, "webrtc", m)

	p, err := sess.Predict(make([]float32, 256))
	if err != nil || p != 0.25 {
		t.Fatalf("Predict = %v, %v; want 0.25, nil", p, err)
	}
	sess.Reset()
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if inner.Resets() != 1 || inner.Closes() != 1 {
		t.Errorf("resets = %d, closes = %d; want 1, 1", inner.Resets(), inner.Closes())
	}
	if findMetric(collect(t, reader), "voxgate.predict.duration") == nil {
		t.Error("predict duration not recorded")
	}
}

func TestInstrumentSession_NilMetrics(t *testing.T) {
	t.Parallel()
	s := &mock.Session{}
	if got := InstrumentSession(context.Background(), s, "energy", nil); got != vad.SessionHandle(s) {
		t.Errorf("InstrumentSession with nil metrics returned %T, want the session itself", got)
	}
}
