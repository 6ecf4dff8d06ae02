package audio

import (
	"fmt"

	"layeh.com/gopus"
)

const (
	// OpusSampleRate is the decode rate used for every Opus stream.
	OpusSampleRate = 48000

	// opusMaxFrameSize is the largest Opus frame (120 ms at 48 kHz) in
	// samples per channel.
	opusMaxFrameSize = 5760
)

// OpusDecoder decodes a stream of Opus packets into 48 kHz 16-bit PCM frames.
// Opus decoding is stateful, so use one decoder per stream and never share it
// across goroutines.
type OpusDecoder struct {
	dec      *gopus.Decoder
	channels int
}

// NewOpusDecoder creates a decoder for packets encoded with the given channel
// count (1 or 2).
func NewOpusDecoder(channels int) (*OpusDecoder, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("audio: opus decoder: unsupported channel count %d", channels)
	}
	dec, err := gopus.NewDecoder(OpusSampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, channels: channels}, nil
}

// Decode decodes one Opus packet.
func (d *OpusDecoder) Decode(packet []byte) (AudioFrame, error) {
	pcm, err := d.dec.Decode(packet, opusMaxFrameSize, false)
	if err != nil {
		return AudioFrame{}, fmt.Errorf("audio: opus decode: %w", err)
	}
	return AudioFrame{
		Data:       Int16sToBytes(pcm),
		SampleRate: OpusSampleRate,
		Channels:   d.channels,
	}, nil
}
