// Package app wires the voxgate subsystems into a running server.
//
// The App struct owns the full lifecycle: New connects the predictor engine,
// health checks and metrics, Run serves HTTP until its context is cancelled,
// and Shutdown drains live streams and tears everything down in order.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithMetricsHandler, etc.) and serve [App.Handler] from an httptest server.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/health"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// drainTimeout bounds how long Shutdown waits for live streams to end.
const drainTimeout = 10 * time.Second

// App owns all subsystem lifetimes for the streaming server.
type App struct {
	cfg    atomic.Pointer[config.Config]
	engine vad.Engine

	metrics        *observe.Metrics
	metricsHandler http.Handler
	health         *health.Handler
	streams        *StreamManager
	level          *slog.LevelVar
	originPatterns []string
	listener       net.Listener

	serverMu sync.Mutex
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets config reloads adjust the process log level.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithOriginPatterns allows cross-origin websocket clients whose Origin host
// matches one of the patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(a *App) { a.originPatterns = patterns }
}

// WithListener makes Run serve on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithCloser registers fn to run during Shutdown after all streams ended.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App serving cfg with the given predictor engine. If the
// engine implements [io.Closer] it is closed during Shutdown.
func New(cfg *config.Config, engine vad.Engine, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if engine == nil {
		return nil, errors.New("app: predictor engine is required")
	}

	a := &App{engine: engine}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	checks := []health.Checker{health.PredictorCheck(engine, cfg.Audio.VAD())}
	if fb, ok := engine.(*resilience.VADFallback); ok {
		checks = append(checks, health.BreakerCheck(fb.States))
	}
	a.health = health.New(checks...)
	a.streams = NewStreamManager(cfg.Server.MaxStreams)
	if c, ok := engine.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	return a, nil
}

// Config returns the configuration new streams are started with.
func (a *App) Config() *config.Config {
	return a.cfg.Load()
}

// Streams returns the live stream registry.
func (a *App) Streams() *StreamManager {
	return a.streams
}

// Handler returns the HTTP handler serving every voxgate route, wrapped in
// the tracing and metrics middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	mux.HandleFunc("GET /v1/stream", a.handleStream)
	mux.HandleFunc("GET /v1/streams", a.handleListStreams)
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(a.streams.List()); err != nil {
		slog.Warn("failed to encode stream list", "err", err)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig is the [config.Watcher] callback. Label, segment, output and
// log-level changes take effect for streams started afterwards. Sections
// that need a restart keep their running values.
func (a *App) ApplyConfig(old, new *config.Config, diff config.ConfigDiff) {
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", diff.RestartRequired)
	}
	if !diff.HotReloadable() {
		return
	}

	next := *a.Config()
	next.Label = new.Label
	next.Segment = new.Segment
	next.Output = new.Output
	next.Server.LogLevel = new.Server.LogLevel
	a.cfg.Store(&next)

	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(diff.NewLogLevel.Level())
	}
	slog.Info("config applied to new streams",
		"label_changed", diff.LabelChanged,
		"segment_changed", diff.SegmentChanged,
		"output_changed", diff.OutputChanged,
		"log_level", next.Server.LogLevel,
	)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled, then shuts down gracefully. It
// returns nil after a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config()
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.serverMu.Lock()
	a.server = srv
	a.serverMu.Unlock()

	ln := a.listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", cfg.Server.ListenAddr); err != nil {
			return fmt.Errorf("app: listen %q: %w", cfg.Server.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", ln.Addr().String(), "tls", cfg.Server.TLS != nil)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout+5*time.Second)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server as draining, stops accepting requests, cancels
// live streams and runs the registered closers. If ctx expires before all
// closers finish, the remaining ones are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "streams", a.streams.Count(), "closers", len(a.closers))
		a.health.SetDraining()

		a.serverMu.Lock()
		srv := a.server
		a.serverMu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}

		// Hijacked websocket connections are not tracked by the HTTP server.
		timeout := drainTimeout
		if dl, ok := ctx.Deadline(); ok {
			timeout = min(timeout, time.Until(dl))
		}
		a.streams.CloseAll(timeout)

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
