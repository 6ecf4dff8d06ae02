package speech_test

import (
	"errors"
	"io"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/MrWong99/voxgate/pkg/provider/vad/mock"
	"github.com/MrWong99/voxgate/pkg/speech"
)

const (
	S = speech.Speech
	N = speech.NonSpeech
)

func runLabeler(t *testing.T, probs []float32, cfg speech.LabelConfig) []speech.LabeledChunk[int16] {
	t.Helper()
	preds, _ := newPredictions(t, speech.NewSliceSource(ramp(len(probs))), probs)
	l, err := speech.NewLabeler(preds, cfg)
	if err != nil {
		t.Fatalf("NewLabeler: %v", err)
	}
	return collectLabels(t, l)
}

func TestLabeler_Scenarios(t *testing.T) {
	tests := []struct {
		name    string
		padding int
		probs   []float32
		want    []speech.Label
	}{
		{
			name:    "onset padding pulls preceding chunk into speech",
			padding: 1,
			probs:   []float32{0.1, 0.9, 0.1},
			want:    []speech.Label{S, S, S},
		},
		{
			name:    "zero padding still tags the first trailing chunk",
			padding: 0,
			probs:   []float32{0.1, 0.9, 0.1, 0.1},
			want:    []speech.Label{N, S, S, N},
		},
		{
			name:    "padding on both sides",
			padding: 2,
			probs:   []float32{0.1, 0.1, 0.1, 0.1, 0.1, 0.9, 0.9, 0.1, 0.1, 0.1, 0.1, 0.1},
			want:    []speech.Label{N, N, N, S, S, S, S, S, S, N, N, N},
		},
		{
			name:    "short pause inside speech is bridged",
			padding: 2,
			probs:   []float32{0.9, 0.1, 0.9, 0.1, 0.1, 0.1},
			want:    []speech.Label{S, S, S, S, S, N},
		},
		{
			name:    "threshold is inclusive",
			padding: 0,
			probs:   []float32{0.5},
			want:    []speech.Label{S},
		},
		{
			name:    "silence shorter than padding flushes as non-speech",
			padding: 3,
			probs:   []float32{0.1, 0.2},
			want:    []speech.Label{N, N},
		},
		{
			name:    "speech at end of input flushes as speech",
			padding: 3,
			probs:   []float32{0.1, 0.9, 0.1},
			want:    []speech.Label{S, S, S},
		},
		{
			name:    "empty input",
			padding: 2,
			probs:   nil,
			want:    nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := runLabeler(t, tt.probs, speech.LabelConfig{Threshold: 0.5, PaddingChunks: tt.padding})
			if !slices.Equal(labelsOf(got), tt.want) {
				t.Errorf("labels = %v, want %v", labelsOf(got), tt.want)
			}
			for i, c := range got {
				if c.Index != i {
					t.Errorf("output %d has index %d", i, c.Index)
				}
			}
		})
	}
}

func TestLabeler_OrderAndCompleteness(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for padding := range 5 {
		for trial := range 20 {
			n := rng.IntN(40)
			probs := make([]float32, n)
			for i := range probs {
				probs[i] = rng.Float32()
			}
			samples := ramp(n)
			// Leftover samples shorter than a chunk are dropped.
			input := append(slices.Clone(samples), 1, 2, 3)

			preds, _ := newPredictions(t, speech.NewSliceSource(input), probs)
			l, err := speech.NewLabeler(preds, speech.LabelConfig{Threshold: 0.6, PaddingChunks: padding})
			if err != nil {
				t.Fatal(err)
			}
			got := collectLabels(t, l)

			if len(got) != n {
				t.Fatalf("padding %d trial %d: %d chunks out, %d in", padding, trial, len(got), n)
			}
			var concat []int16
			for i, c := range got {
				if c.Index != i {
					t.Fatalf("padding %d trial %d: output %d has index %d", padding, trial, i, c.Index)
				}
				if probs[i] >= 0.6 && c.Label != speech.Speech {
					t.Fatalf("padding %d trial %d: speech chunk %d labeled %v", padding, trial, i, c.Label)
				}
				concat = append(concat, c.Samples...)
			}
			equalInt16s(t, concat, samples)

			if padding > 0 {
				checkPaddingBound(t, got, probs, 0.6, padding)
			}
		}
	}
}

// checkPaddingBound verifies that every run of Speech labels starts and ends
// with at most padding chunks whose own probability is below threshold.
func checkPaddingBound(t *testing.T, got []speech.LabeledChunk[int16], probs []float32, threshold float32, padding int) {
	t.Helper()
	for i := 0; i < len(got); {
		if got[i].Label != speech.Speech {
			i++
			continue
		}
		j := i
		for j < len(got) && got[j].Label == speech.Speech {
			j++
		}
		lead := 0
		for k := i; k < j && probs[k] < threshold; k++ {
			lead++
		}
		trail := 0
		for k := j - 1; k >= i && probs[k] < threshold; k-- {
			trail++
		}
		if lead > padding || trail > padding {
			t.Fatalf("speech run [%d,%d) has %d leading and %d trailing padding chunks, limit %d", i, j, lead, trail, padding)
		}
		i = j
	}
}

func TestLabeler_PredictErrorIsTerminal(t *testing.T) {
	boom := errors.New("boom")
	sess := &mock.Session{Probabilities: []float32{0.1, 0.1}, Errors: map[int]error{2: boom}}
	preds, err := speech.NewPredictions(speech.NewSliceSource(ramp(5)), sess, testCfg)
	if err != nil {
		t.Fatal(err)
	}
	l, err := speech.NewLabeler(preds, speech.LabelConfig{Threshold: 0.5, PaddingChunks: 3})
	if err != nil {
		t.Fatal(err)
	}

	_, err = l.Next()
	var perr *speech.PredictError
	if !errors.As(err, &perr) || perr.Index != 2 {
		t.Fatalf("expected PredictError at chunk 2, got %v", err)
	}
	// Buffered chunks are not flushed after a failure.
	if _, again := l.Next(); again != err {
		t.Errorf("expected sticky error, got %v", again)
	}
}

func TestLabeler_EOFIsSticky(t *testing.T) {
	preds, _ := newPredictions(t, speech.NewSliceSource(ramp(1)), []float32{0.9})
	l, err := speech.NewLabeler(preds, speech.LabelConfig{Threshold: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Next(); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if _, err := l.Next(); !errors.Is(err, io.EOF) {
			t.Fatalf("expected io.EOF, got %v", err)
		}
	}
}

func TestLabelConfig_Validate(t *testing.T) {
	tests := []struct {
		cfg     speech.LabelConfig
		wantErr bool
	}{
		{speech.LabelConfig{Threshold: 0, PaddingChunks: 0}, false},
		{speech.LabelConfig{Threshold: 1, PaddingChunks: 10}, false},
		{speech.LabelConfig{Threshold: 1.01}, true},
		{speech.LabelConfig{Threshold: -0.5}, true},
		{speech.LabelConfig{Threshold: 0.5, PaddingChunks: -1}, true},
	}
	for _, tt := range tests {
		err := tt.cfg.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%+v) = %v, wantErr %v", tt.cfg, err, tt.wantErr)
		}
	}
}

func TestLabelState_IdleBufferBound(t *testing.T) {
	const padding = 3
	st, err := speech.NewLabelState[int16](speech.LabelConfig{Threshold: 0.5, PaddingChunks: padding})
	if err != nil {
		t.Fatal(err)
	}
	for i := range 20 {
		for {
			if _, ok := st.Buffered(); !ok {
				break
			}
		}
		st.Feed(speech.Prediction[int16]{Index: i, Chunk: []int16{int16(i)}, Probability: 0})
		if st.Len() > padding+1 {
			t.Fatalf("idle buffer holds %d chunks, limit %d", st.Len(), padding+1)
		}
	}
}

func TestLabel_String(t *testing.T) {
	if speech.Speech.String() != "speech" || speech.NonSpeech.String() != "nonspeech" {
		t.Errorf("unexpected names %q %q", speech.Speech, speech.NonSpeech)
	}
}
