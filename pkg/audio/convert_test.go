package audio_test

import (
	"bytes"
	"log/slog"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/voxgate/pkg/audio"
)

func TestDownmix(t *testing.T) {
	tests := []struct {
		name     string
		in       []int16
		channels int
		want     []int16
	}{
		{name: "mono passthrough", in: []int16{1, 2, 3}, channels: 1, want: []int16{1, 2, 3}},
		{name: "stereo average", in: []int16{100, 200, -100, -200}, channels: 2, want: []int16{150, -150}},
		{name: "stereo extremes", in: []int16{32767, 32767, -32768, -32768}, channels: 2, want: []int16{32767, -32768}},
		{name: "four channels", in: []int16{100, 200, 300, 400, -4, -4, -4, -4}, channels: 4, want: []int16{250, -4}},
		{name: "trailing partial frame", in: []int16{100, 200, 999}, channels: 2, want: []int16{150}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := audio.Downmix(tt.in, tt.channels); !slices.Equal(got, tt.want) {
				t.Errorf("Downmix = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResample(t *testing.T) {
	tests := []struct {
		name     string
		in       []int16
		from, to int
		want     []int16
	}{
		{name: "same rate", in: []int16{100, 200, 300}, from: 16000, to: 16000, want: []int16{100, 200, 300}},
		{name: "invalid rate", in: []int16{100, 200}, from: 0, to: 16000, want: []int16{100, 200}},
		{name: "downsample by three", in: []int16{100, 200, 300, 400, 500, 600}, from: 48000, to: 16000, want: []int16{100, 400}},
		{name: "upsample by three", in: []int16{1000, 2000}, from: 16000, to: 48000, want: []int16{1000, 1333, 1666, 2000, 2000, 2000}},
		{name: "upsample by two", in: []int16{0, 100, 200}, from: 8000, to: 16000, want: []int16{0, 50, 100, 150, 200, 200}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := audio.Resample(tt.in, tt.from, tt.to); !slices.Equal(got, tt.want) {
				t.Errorf("Resample = %v, want %v", got, tt.want)
			}
		})
	}
}

// A stream resampled in arbitrary blocks must match the one-shot result.
func TestResampler_BlockBoundaries(t *testing.T) {
	signal := make([]int16, 1000)
	for i := range signal {
		signal[i] = int16((i * 37) % 2000)
	}
	for _, rates := range [][2]int{{48000, 16000}, {8000, 16000}, {44100, 16000}, {22050, 16000}} {
		want := audio.Resample(signal, rates[0], rates[1])
		for _, block := range []int{1, 7, 160, 999} {
			r := audio.NewResampler(rates[0], rates[1])
			var got []int16
			for start := 0; start < len(signal); start += block {
				got = append(got, r.Process(signal[start:min(start+block, len(signal))])...)
			}
			got = append(got, r.Flush()...)
			if !slices.Equal(got, want) {
				t.Errorf("%v block %d: %d samples differ from one-shot %d", rates, block, len(got), len(want))
			}
		}
		// Downsampling may keep one extra sample at the very end.
		if n, wantN := len(want), len(signal)*rates[1]/rates[0]; n < wantN || n > wantN+1 {
			t.Errorf("%v: length %d, want %d", rates, n, wantN)
		}
	}
}

func TestFormatConverter_MatchingFormatIsUntouched(t *testing.T) {
	conv := audio.FormatConverter{TargetRate: 16000}
	frame := audio.AudioFrame{Data: audio.Int16sToBytes([]int16{100, 200}), SampleRate: 16000, Channels: 1}
	got := conv.Convert(frame)
	if &got.Data[0] != &frame.Data[0] {
		t.Error("matching frame was copied")
	}
}

func TestFormatConverter_OpusStereoToPipeline(t *testing.T) {
	var logs bytes.Buffer
	conv := audio.FormatConverter{
		TargetRate: 16000,
		Logger:     slog.New(slog.NewTextHandler(&logs, nil)),
	}

	// Three 20 ms frames of decoded Opus.
	var total int
	for range 3 {
		stereo := make([]int16, 960*2)
		for i := range stereo {
			stereo[i] = 1000
		}
		out := conv.Convert(audio.AudioFrame{Data: audio.Int16sToBytes(stereo), SampleRate: audio.OpusSampleRate, Channels: 2})
		if out.SampleRate != 16000 || out.Channels != 1 {
			t.Fatalf("format = %dHz %dch", out.SampleRate, out.Channels)
		}
		for i, s := range audio.BytesToInt16s(out.Data) {
			if s != 1000 {
				t.Fatalf("sample %d = %d, want 1000", i, s)
			}
		}
		total += len(out.Data) / 2
	}
	total += len(conv.Flush().Data) / 2
	if total != 960 {
		t.Errorf("total samples = %d, want 960", total)
	}
	if n := strings.Count(logs.String(), "converting input format"); n != 1 {
		t.Errorf("mismatch warning logged %d times, want 1", n)
	}
	if !strings.Contains(logs.String(), "48000Hz stereo") {
		t.Errorf("warning does not name the source format: %s", logs.String())
	}
}

func TestFormatConverter_DropsPartialFrames(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		rate     int
		channels int
	}{
		{name: "odd byte count", data: []byte{1, 2, 3}, rate: 22050, channels: 1},
		{name: "odd byte count at target rate", data: []byte{1, 2, 3}, rate: 16000, channels: 1},
		{name: "half a stereo frame", data: []byte{1, 2, 3, 4, 5, 6}, rate: 16000, channels: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := audio.FormatConverter{TargetRate: 16000, Logger: slog.New(slog.DiscardHandler)}
			got := conv.Convert(audio.AudioFrame{Data: tt.data, SampleRate: tt.rate, Channels: tt.channels})
			if len(got.Data) != 0 {
				t.Errorf("got %d bytes, want none", len(got.Data))
			}
			if got.SampleRate != 16000 || got.Channels != 1 {
				t.Errorf("format = %dHz %dch, want the target format", got.SampleRate, got.Channels)
			}
		})
	}
}

func TestFormatConverter_FlushWithoutResampling(t *testing.T) {
	conv := audio.FormatConverter{TargetRate: 16000}
	conv.Convert(audio.AudioFrame{Data: audio.Int16sToBytes([]int16{1, 2}), SampleRate: 16000, Channels: 1})
	if got := conv.Flush(); len(got.Data) != 0 {
		t.Errorf("Flush returned %d bytes", len(got.Data))
	}
}
