package speech_test

import (
	"testing"

	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/provider/vad/mock"
	"github.com/MrWong99/voxgate/pkg/speech"
)

// testCfg is the smallest valid chunking at 16 kHz: one chunk is 32 ms.
var testCfg = vad.Config{SampleRate: 16000, ChunkSize: 512}

// ramp returns n chunks of samples numbered 0, 1, 2, ... so that order and
// completeness of the output can be checked sample by sample.
func ramp(chunks int) []int16 {
	out := make([]int16, chunks*testCfg.ChunkSize)
	for i := range out {
		out[i] = int16(i % 32000)
	}
	return out
}

func newPredictions(t *testing.T, src speech.Source[int16], probs []float32) (*speech.Predictions[int16], *mock.Session) {
	t.Helper()
	sess := &mock.Session{Probabilities: probs}
	preds, err := speech.NewPredictions(src, sess, testCfg)
	if err != nil {
		t.Fatalf("NewPredictions: %v", err)
	}
	return preds, sess
}

func collectLabels(t *testing.T, l *speech.Labeler[int16]) []speech.LabeledChunk[int16] {
	t.Helper()
	var out []speech.LabeledChunk[int16]
	for c, err := range l.All() {
		if err != nil {
			t.Fatalf("label stage: %v", err)
		}
		out = append(out, c)
	}
	return out
}

func collectSegments(t *testing.T, g *speech.Segmenter[int16]) []speech.Segment[int16] {
	t.Helper()
	var out []speech.Segment[int16]
	for s, err := range g.All() {
		if err != nil {
			t.Fatalf("segment stage: %v", err)
		}
		out = append(out, s)
	}
	return out
}

func labelsOf(chunks []speech.LabeledChunk[int16]) []speech.Label {
	out := make([]speech.Label, len(chunks))
	for i, c := range chunks {
		out[i] = c.Label
	}
	return out
}

func equalInt16s(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}
