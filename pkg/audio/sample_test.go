package audio_test

import (
	"testing"

	"github.com/MrWong99/voxgate/pkg/audio"
)

func TestToFloat32(t *testing.T) {
	tests := []struct {
		name string
		got  float32
		want float32
	}{
		{"float32 passthrough", audio.ToFloat32(float32(0.25)), 0.25},
		{"int16 zero", audio.ToFloat32(int16(0)), 0},
		{"int16 min", audio.ToFloat32(int16(-32768)), -1},
		{"int16 half", audio.ToFloat32(int16(16384)), 0.5},
		{"int8 min", audio.ToFloat32(int8(-128)), -1},
		{"int8 half", audio.ToFloat32(int8(64)), 0.5},
		{"uint16 midpoint", audio.ToFloat32(uint16(32768)), 0},
		{"uint16 zero", audio.ToFloat32(uint16(0)), -1},
		{"uint8 midpoint", audio.ToFloat32(uint8(128)), 0},
		{"uint8 zero", audio.ToFloat32(uint8(0)), -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestFloat32s_ReusesDestination(t *testing.T) {
	dst := make([]float32, 0, 8)
	out := audio.Float32s(dst, []int16{0, 16384, -16384})
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}
	if &out[0] != &dst[:1][0] {
		t.Error("expected destination buffer to be reused")
	}
	if out[1] != 0.5 || out[2] != -0.5 {
		t.Errorf("got %v", out)
	}
}

func TestFloat32s_Grows(t *testing.T) {
	out := audio.Float32s(nil, []uint8{128, 0})
	if len(out) != 2 || out[0] != 0 || out[1] != -1 {
		t.Errorf("got %v", out)
	}
}

func TestPCMRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768}
	b := audio.Int16sToBytes(in)
	if len(b) != 10 {
		t.Fatalf("len = %d, want 10", len(b))
	}
	equalSamples(t, audio.BytesToInt16s(b), in)
	// Trailing odd byte is ignored.
	equalSamples(t, audio.BytesToInt16s(append(b, 0x7f)), in)
}
