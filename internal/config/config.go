// Package config provides the configuration schema, loader, and predictor
// registry for the voxgate speech detection service.
package config

import (
	"log/slog"

	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/speech"
)

// LogLevel controls log verbosity for the voxgate server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its slog level. Unknown and empty values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for voxgate.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig  `yaml:"server"`
	Audio     AudioConfig   `yaml:"audio"`
	Predictor ProviderEntry `yaml:"predictor"`

	// Fallbacks are tried in order when a session cannot be opened on the
	// predictor or on an earlier fallback.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	Label     LabelConfig   `yaml:"label"`
	Segment   SegmentConfig `yaml:"segment"`
	Output    OutputConfig  `yaml:"output"`
}

// Default returns a configuration with every field set to its default. The
// loader decodes YAML on top of it, so keys missing from a file keep these
// values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			ChunkSize:  512,
		},
		Predictor: ProviderEntry{Name: "energy"},
		Label: LabelConfig{
			Threshold:     0.5,
			PaddingChunks: 10,
		},
		Segment: SegmentConfig{
			Threshold:    0.5,
			MaxSpeechMs:  9000,
			MinSilenceMs: 300,
		},
		Output: OutputConfig{Dir: "."},
	}
}

// ServerConfig holds network and logging settings for the voxgate server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// MaxStreams caps concurrent websocket streams. Zero means unlimited.
	MaxStreams int `yaml:"max_streams"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AudioConfig describes the PCM the predictor consumes. Inbound audio in any
// other format is converted to it.
type AudioConfig struct {
	// SampleRate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// ChunkSize is the number of samples per predictor call.
	// SampleRate/ChunkSize must not exceed 31.25.
	ChunkSize int `yaml:"chunk_size"`
}

// VAD returns the predictor session configuration.
func (a AudioConfig) VAD() vad.Config {
	return vad.Config{SampleRate: a.SampleRate, ChunkSize: a.ChunkSize}
}

// ProviderEntry selects a predictor backend. The Name field is used to look
// up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered backend (e.g., "energy", "webrtc", "silero").
	Name string `yaml:"name"`

	// Model is the path of the model file for model-based backends.
	Model string `yaml:"model"`

	// Options holds backend-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// LabelConfig configures the per-chunk labeling stage.
type LabelConfig struct {
	// Threshold is the probability at or above which a chunk is speech.
	Threshold float32 `yaml:"threshold"`

	// PaddingChunks is the number of context chunks kept around speech.
	PaddingChunks int `yaml:"padding_chunks"`
}

// Speech converts c to the stage configuration.
func (c LabelConfig) Speech() speech.LabelConfig {
	return speech.LabelConfig{Threshold: c.Threshold, PaddingChunks: c.PaddingChunks}
}

// SegmentConfig configures the segmentation stage.
type SegmentConfig struct {
	// Threshold is the probability strictly above which a chunk is speech.
	Threshold float32 `yaml:"threshold"`

	// MaxSpeechMs caps the length of a segment.
	MaxSpeechMs int `yaml:"max_speech_ms"`

	// MinSilenceMs is the silence that closes a segment.
	MinSilenceMs int `yaml:"min_silence_ms"`
}

// Speech converts c to the stage configuration.
func (c SegmentConfig) Speech() speech.SegmentConfig {
	return speech.SegmentConfig{Threshold: c.Threshold, MaxSpeechMs: c.MaxSpeechMs, MinSilenceMs: c.MinSilenceMs}
}

// OutputConfig controls what results carry and where files are written.
type OutputConfig struct {
	// Dir is the directory batch runs write WAV files to.
	Dir string `yaml:"dir"`

	// IncludeAudio adds base64 PCM to streamed segment events.
	IncludeAudio bool `yaml:"include_audio"`
}
