package audio

import "time"

// AudioFrame is a block of little-endian 16-bit PCM as it arrives from a
// client or a file, before it is normalized for the speech pipeline.
type AudioFrame struct {
	// Data holds interleaved int16 samples.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for decoded Opus, 16000 for VAD input).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}
