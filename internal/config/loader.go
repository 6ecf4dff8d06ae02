package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidPredictorNames lists the built-in predictor backends.
// Used by [Validate] to warn about unrecognised names.
var ValidPredictorNames = []string{"energy", "webrtc", "silero"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxStreams < 0 {
		errs = append(errs, fmt.Errorf("server.max_streams %d must not be negative", cfg.Server.MaxStreams))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	if err := cfg.Audio.VAD().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	}

	// Predictor
	if cfg.Predictor.Name == "" {
		errs = append(errs, errors.New("predictor.name is required"))
	}
	validatePredictorName(cfg.Predictor.Name)
	if cfg.Predictor.Name == "silero" && cfg.Predictor.Model == "" {
		errs = append(errs, errors.New("predictor.model is required for the silero backend"))
	}
	for i, fb := range cfg.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("fallbacks[%d].name is required", i))
			continue
		}
		validatePredictorName(fb.Name)
		if fb.Name == "silero" && fb.Model == "" {
			errs = append(errs, fmt.Errorf("fallbacks[%d].model is required for the silero backend", i))
		}
	}

	// Stages
	if err := cfg.Label.Speech().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("label: %w", err))
	}
	if err := cfg.Segment.Speech().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("segment: %w", err))
	}
	if cfg.Label.Threshold != cfg.Segment.Threshold {
		slog.Debug("label and segment thresholds differ",
			"label", cfg.Label.Threshold,
			"segment", cfg.Segment.Threshold,
		)
	}

	return errors.Join(errs...)
}

// validatePredictorName logs a warning if name is non-empty and not one of
// the [ValidPredictorNames].
func validatePredictorName(name string) {
	if name == "" || slices.Contains(ValidPredictorNames, name) {
		return
	}
	slog.Warn("unknown predictor name, possibly a typo or a third-party backend",
		"name", name,
		"known", ValidPredictorNames,
	)
}
