package main

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/provider/vad/mock"
)

func keepDefaultLogger(t *testing.T) {
	t.Helper()
	orig := slog.Default()
	t.Cleanup(func() { slog.SetDefault(orig) })
}

func TestRun_UsageErrors(t *testing.T) {
	keepDefaultLogger(t)
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no command", nil, 2},
		{"unknown command", []string{"split"}, 2},
		{"no input files", []string{"label"}, 2},
		{"bad flag", []string{"-nope"}, 2},
		{"missing config", []string{"-config", filepath.Join(t.TempDir(), "missing.yaml"), "label", "a.wav"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(tt.args); got != tt.want {
				t.Errorf("run(%q) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}

func TestRun_SegmentFiles(t *testing.T) {
	keepDefaultLogger(t)
	dir := t.TempDir()
	in := filepath.Join(dir, "tone.wav")
	f, err := os.Create(in)
	if err != nil {
		t.Fatal(err)
	}
	w := audio.NewWAVWriter(f, 16000)
	samples := make([]int16, 16000)
	for i := range samples {
		if (i/40)%2 == 0 {
			samples[i] = 12000
		} else {
			samples[i] = -12000
		}
	}
	if err := errors.Join(w.Write(samples), w.Close(), f.Close()); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "out")
	manifest := filepath.Join(dir, "manifest.jsonl")
	if code := run([]string{"segment", "-out", out, "-manifest", manifest, in}); code != 0 {
		t.Fatalf("run exit code = %d, want 0", code)
	}
	if _, err := os.Stat(manifest); err != nil {
		t.Errorf("manifest not written: %v", err)
	}
}

func TestBuildEngine(t *testing.T) {
	keepDefaultLogger(t)
	reg := config.NewRegistry()
	primary := &mock.Engine{NewSessionErr: errors.New("down")}
	backup := &mock.Engine{}
	reg.RegisterVAD("primary", func(config.ProviderEntry) (vad.Engine, error) { return primary, nil })
	reg.RegisterVAD("backup", func(config.ProviderEntry) (vad.Engine, error) { return backup, nil })

	t.Run("single", func(t *testing.T) {
		cfg := config.Default()
		cfg.Predictor = config.ProviderEntry{Name: "primary"}
		e, err := buildEngine(cfg, reg)
		if err != nil {
			t.Fatalf("buildEngine: %v", err)
		}
		if e != vad.Engine(primary) {
			t.Errorf("engine = %T, want the primary itself", e)
		}
	})

	t.Run("with fallbacks", func(t *testing.T) {
		cfg := config.Default()
		cfg.Predictor = config.ProviderEntry{Name: "primary"}
		cfg.Fallbacks = []config.ProviderEntry{{Name: "unregistered"}, {Name: "backup"}}
		e, err := buildEngine(cfg, reg)
		if err != nil {
			t.Fatalf("buildEngine: %v", err)
		}
		fb, ok := e.(*resilience.VADFallback)
		if !ok {
			t.Fatalf("engine = %T, want *resilience.VADFallback", e)
		}
		if got, want := fb.Backends(), []string{"primary", "backup"}; !slices.Equal(got, want) {
			t.Errorf("Backends = %v, want %v", got, want)
		}
		if _, err := e.NewSession(cfg.Audio.VAD()); err != nil {
			t.Fatalf("NewSession: %v", err)
		}
		if len(backup.Calls()) != 1 {
			t.Errorf("backup called %d times, want 1", len(backup.Calls()))
		}
	})

	t.Run("unknown primary", func(t *testing.T) {
		cfg := config.Default()
		cfg.Predictor = config.ProviderEntry{Name: "nope"}
		if _, err := buildEngine(cfg, reg); !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
		}
	})
}

func TestRegisterBuiltinProviders(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	if got, want := reg.VADNames(), []string{"energy", "silero", "webrtc"}; !slices.Equal(got, want) {
		t.Errorf("VADNames = %v, want %v", got, want)
	}
	if _, err := reg.CreateVAD(config.ProviderEntry{Name: "energy", Options: map[string]any{"smoothing": 0.5}}); err != nil {
		t.Errorf("create energy: %v", err)
	}
}

func TestOptionHelpers(t *testing.T) {
	opts := map[string]any{
		"s":     "text",
		"i":     3,
		"f":     0.25,
		"whole": 2.0,
	}
	if got := optString(opts, "s"); got != "text" {
		t.Errorf("optString = %q", got)
	}
	if got := optString(opts, "i"); got != "" {
		t.Errorf("optString on int = %q, want empty", got)
	}
	if got := optString(nil, "s"); got != "" {
		t.Errorf("optString on nil map = %q", got)
	}
	if v, ok := optFloat(opts, "i"); !ok || v != 3 {
		t.Errorf("optFloat(int) = %v, %v", v, ok)
	}
	if v, ok := optFloat(opts, "f"); !ok || v != 0.25 {
		t.Errorf("optFloat(float) = %v, %v", v, ok)
	}
	if v, ok := optInt(opts, "whole"); !ok || v != 2 {
		t.Errorf("optInt(whole float) = %v, %v", v, ok)
	}
	if _, ok := optInt(opts, "f"); ok {
		t.Error("optInt should reject fractional values")
	}
	if _, ok := optFloat(opts, "missing"); ok {
		t.Error("optFloat should report missing keys")
	}
}
