// Command voxgate labels and segments speech in audio, either over WAV files
// or as a websocket streaming server.
//
// Usage:
//
//	voxgate [-config path] label   [-out dir] [-j n] [-manifest file] files...
//	voxgate [-config path] segment [-out dir] [-j n] [-manifest file] files...
//	voxgate [-config path] serve
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxgate/internal/app"
	"github.com/MrWong99/voxgate/internal/batch"
	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/provider/vad/energy"
	"github.com/MrWong99/voxgate/pkg/provider/vad/silero"
	"github.com/MrWong99/voxgate/pkg/provider/vad/webrtc"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: voxgate [-config path] <label|segment|serve> [flags] [files...]")
}

func run(args []string) int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	fs := flag.NewFlagSet("voxgate", flag.ContinueOnError)
	fs.Usage = func() {
		usage(fs.Output())
		fs.PrintDefaults()
	}
	configPath := fs.String("config", "", "path to the YAML configuration file (defaults apply when empty)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		usage(os.Stderr)
		return 2
	}
	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxgate: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	// ── Predictor ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "label", "segment":
		return runBatch(ctx, cfg, reg, batch.Mode(cmd), cmdArgs)
	case "serve":
		return runServe(ctx, cfg, reg, *configPath, level)
	case "version":
		fmt.Println("voxgate", version)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "voxgate: unknown command %q\n", cmd)
		usage(os.Stderr)
		return 2
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, config.Validate(cfg)
	}
	return config.Load(path)
}

// ── Batch ─────────────────────────────────────────────────────────────────────

func runBatch(ctx context.Context, cfg *config.Config, reg *config.Registry, mode batch.Mode, args []string) int {
	fs := flag.NewFlagSet(string(mode), flag.ContinueOnError)
	outDir := fs.String("out", cfg.Output.Dir, "directory receiving the output WAV files")
	jobs := fs.Int("j", 0, "files processed concurrently (0 = number of CPUs)")
	manifestPath := fs.String("manifest", "", "append one JSON line per file to this path")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "voxgate %s: no input files\n", mode)
		return 2
	}

	engine, err := buildEngine(cfg, reg)
	if err != nil {
		slog.Error("failed to build predictor", "err", err)
		return 1
	}
	defer closeEngine(engine)

	opts := batch.Options{
		Mode:        mode,
		OutDir:      *outDir,
		Audio:       cfg.Audio.VAD(),
		Label:       cfg.Label.Speech(),
		Segment:     cfg.Segment.Speech(),
		Concurrency: *jobs,
		Backend:     cfg.Predictor.Name,
	}
	if *manifestPath != "" {
		opts.Manifest = batch.NewManifest(*manifestPath)
	}

	start := time.Now()
	sum, err := batch.Run(ctx, engine, fs.Args(), opts)
	printBatchSummary(os.Stdout, sum)
	slog.Info("batch finished",
		"mode", mode,
		"files", len(sum.Files),
		"failed", sum.Failed,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Warn("batch interrupted")
		}
		return 1
	}
	return 0
}

func printBatchSummary(w io.Writer, sum batch.Summary) {
	for _, r := range sum.Files {
		name := filepath.Base(r.Input)
		if r.Err != nil {
			fmt.Fprintf(w, "%-24s FAILED  %v\n", name, r.Err)
			continue
		}
		fmt.Fprintf(w, "%-24s %6d chunks  %6d ms speech / %6d ms  %d file(s)\n",
			name, r.Chunks, r.SpeechMs, r.DurationMs, len(r.Outputs))
	}
}

// ── Server ────────────────────────────────────────────────────────────────────

func runServe(ctx context.Context, cfg *config.Config, reg *config.Registry, configPath string, level *slog.LevelVar) int {
	promReg := prometheus.NewRegistry()
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Registerer:     promReg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	engine, err := buildEngine(cfg, reg)
	if err != nil {
		slog.Error("failed to build predictor", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(cfg, engine,
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithMetricsHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})),
		app.WithLogLevel(level),
	)
	if err != nil {
		closeEngine(engine)
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if configPath != "" {
		w, err := config.NewWatcher(configPath, application.ApplyConfig, config.WithLogger(slog.Default()))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
			go reloadOnHangup(ctx, w)
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup rereads the config file on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if !w.Reload() {
				slog.Info("SIGHUP: config unchanged")
			}
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the predictor backends that ship with
// voxgate into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if v, ok := optFloat(entry.Options, "floor_db"); ok {
			opts = append(opts, energy.WithFloorDB(v))
		}
		if v, ok := optFloat(entry.Options, "ceiling_db"); ok {
			opts = append(opts, energy.WithCeilingDB(v))
		}
		if v, ok := optFloat(entry.Options, "smoothing"); ok {
			opts = append(opts, energy.WithSmoothing(v))
		}
		return energy.New(opts...)
	})

	reg.RegisterVAD("webrtc", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []webrtc.Option
		if v, ok := optInt(entry.Options, "mode"); ok {
			opts = append(opts, webrtc.WithMode(webrtc.Mode(v)))
		}
		return webrtc.New(opts...)
	})

	reg.RegisterVAD("silero", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []silero.Option
		if lib := optString(entry.Options, "library_path"); lib != "" {
			opts = append(opts, silero.WithLibraryPath(lib))
		}
		if n, ok := optInt(entry.Options, "threads"); ok {
			opts = append(opts, silero.WithThreads(n))
		}
		return silero.New(entry.Model, opts...)
	})

	for _, name := range reg.VADNames() {
		slog.Debug("registered provider", "kind", "vad", "name", name)
	}
}

// buildEngine creates the configured predictor. When fallbacks are configured
// the result is a [resilience.VADFallback] trying the predictor first.
func buildEngine(cfg *config.Config, reg *config.Registry) (vad.Engine, error) {
	primary, err := reg.CreateVAD(cfg.Predictor)
	if err != nil {
		return nil, fmt.Errorf("create predictor %q: %w", cfg.Predictor.Name, err)
	}
	slog.Info("provider created", "kind", "vad", "name", cfg.Predictor.Name)
	if len(cfg.Fallbacks) == 0 {
		return primary, nil
	}

	fb := resilience.NewVADFallback(primary, cfg.Predictor.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Info("predictor breaker state changed", "name", name, "from", from, "to", to)
			},
		},
	})
	for _, entry := range cfg.Fallbacks {
		e, err := reg.CreateVAD(entry)
		if err != nil {
			slog.Warn("fallback predictor unavailable, skipping", "name", entry.Name, "err", err)
			continue
		}
		fb.AddFallback(entry.Name, e)
		slog.Info("provider created", "kind", "vad", "name", entry.Name, "fallback", true)
	}
	return fb, nil
}

func closeEngine(e vad.Engine) {
	if c, ok := e.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Warn("predictor close error", "err", err)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxgate: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Predictor", providerLabel(cfg.Predictor))
	for _, fb := range cfg.Fallbacks {
		printRow("Fallback", providerLabel(fb))
	}
	printRow("Audio", fmt.Sprintf("%d Hz / %d", cfg.Audio.SampleRate, cfg.Audio.ChunkSize))
	printRow("Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.MaxStreams > 0 {
		printRow("Max streams", fmt.Sprint(cfg.Server.MaxStreams))
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + " / " + filepath.Base(e.Model)
}

func printRow(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger returns a text logger on stderr whose level can be changed at
// runtime through the returned LevelVar.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(level.Level())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})), lv
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a number from a provider Options map. YAML integers are
// accepted as well.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// optInt extracts an integer from a provider Options map. Whole floats are
// accepted as well.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}
