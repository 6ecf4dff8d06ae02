package audio

import (
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrInvalidWAV is returned by ReadWAV when the input is not a PCM WAV file.
var ErrInvalidWAV = errors.New("audio: not a valid PCM wav file")

// ReadWAV decodes a whole WAV file into a 16-bit PCM frame. Channels are kept
// interleaved and the sample rate is reported as found in the header; use a
// FormatConverter to bring the frame to the pipeline's format. 8, 24 and 32
// bit integer sources are rescaled to 16 bits.
func ReadWAV(r io.ReadSeeker) (AudioFrame, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return AudioFrame{}, ErrInvalidWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return AudioFrame{}, fmt.Errorf("audio: decode wav: %w", err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return AudioFrame{}, ErrInvalidWAV
	}

	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = rescaleTo16(v, int(dec.BitDepth))
	}
	return AudioFrame{
		Data:       Int16sToBytes(samples),
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
	}, nil
}

func rescaleTo16(v, bitDepth int) int16 {
	switch bitDepth {
	case 8:
		// 8-bit WAV is unsigned.
		return int16((v - 128) << 8)
	case 24:
		return int16(v >> 8)
	case 32:
		return int16(v >> 16)
	default:
		return int16(v)
	}
}

// WAVWriter writes mono 16-bit PCM to a WAV file. The header is finalized by
// Close, which must be called before the underlying file is closed.
type WAVWriter struct {
	enc        *wav.Encoder
	sampleRate int
	written    int
}

// NewWAVWriter returns a writer producing a mono 16-bit WAV stream at
// sampleRate.
func NewWAVWriter(w io.WriteSeeker, sampleRate int) *WAVWriter {
	return &WAVWriter{
		enc:        wav.NewEncoder(w, sampleRate, 16, 1, 1),
		sampleRate: sampleRate,
	}
}

// Write appends samples to the file.
func (w *WAVWriter) Write(samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	err := w.enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: w.sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	})
	if err != nil {
		return fmt.Errorf("audio: write wav: %w", err)
	}
	w.written += len(samples)
	return nil
}

// Samples reports how many samples have been written so far.
func (w *WAVWriter) Samples() int { return w.written }

// Close finalizes the WAV header.
func (w *WAVWriter) Close() error {
	if err := w.enc.Close(); err != nil {
		return fmt.Errorf("audio: finalize wav: %w", err)
	}
	return nil
}
