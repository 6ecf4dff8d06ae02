package observe

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationHeader carries the trace ID of every response.
const CorrelationHeader = "X-Correlation-ID"

// unmatchedRoute labels requests that no mux pattern claimed.
const unmatchedRoute = "unmatched"

// probeRoutes are scraped constantly and only logged at debug level.
var probeRoutes = map[string]bool{
	"GET /healthz": true,
	"GET /readyz":  true,
	"GET /metrics": true,
}

var headerPropagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// responseTracker remembers the status a handler wrote and whether the
// connection was taken over for a websocket stream.
type responseTracker struct {
	http.ResponseWriter
	status   int
	upgraded bool
}

func (t *responseTracker) WriteHeader(code int) {
	t.status = code
	t.ResponseWriter.WriteHeader(code)
}

func (t *responseTracker) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := t.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observe: response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, nil, err
	}
	t.status, t.upgraded = http.StatusSwitchingProtocols, true
	return conn, rw, nil
}

func (t *responseTracker) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to [http.ResponseController].
func (t *responseTracker) Unwrap() http.ResponseWriter { return t.ResponseWriter }

// Middleware traces, times and logs every request handled by next. Incoming
// W3C trace context is continued; the trace ID is echoed in
// [CorrelationHeader]. Durations are recorded per method and route, where the
// route is the [http.ServeMux] pattern that served the request. For websocket
// streams the duration spans the whole stream.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := headerPropagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			if cid := CorrelationID(ctx); cid != "" {
				w.Header().Set(CorrelationHeader, cid)
			}
			headerPropagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			tracker := &responseTracker{ResponseWriter: w, status: http.StatusOK}
			r = r.WithContext(ctx)
			next.ServeHTTP(tracker, r)

			route := routeOf(r)
			span.SetName("HTTP " + route)
			span.SetAttributes(
				semconv.HTTPRoute(route),
				semconv.HTTPResponseStatusCode(tracker.status),
			)
			finish(ctx, m, r, route, tracker, time.Since(start))
		})
	}
}

// routeOf returns the mux pattern set on r by [http.ServeMux], which
// stores it on the request it was handed.
func routeOf(r *http.Request) string {
	if r.Pattern == "" {
		return unmatchedRoute
	}
	return r.Pattern
}

func finish(ctx context.Context, m *Metrics, r *http.Request, route string, t *responseTracker, d time.Duration) {
	if m != nil {
		m.HTTPRequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("route", route),
			attribute.Int("status", t.status),
		))
	}

	level := slog.LevelInfo
	if probeRoutes[route] {
		level = slog.LevelDebug
	}
	slog.LogAttrs(ctx, level, "request completed",
		slog.String("trace_id", CorrelationID(ctx)),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("route", route),
		slog.Int("status", t.status),
		slog.Bool("upgraded", t.upgraded),
		slog.Duration("duration", d),
	)
}
