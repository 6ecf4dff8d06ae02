// Package observe holds voxgate's telemetry: OpenTelemetry metric
// instruments, span helpers, trace-aware logging and the HTTP middleware
// that ties requests to traces.
//
// Instruments are created from whatever [metric.MeterProvider] is passed to
// [NewMetrics]. The server uses [DefaultMetrics] on the global provider that
// [InitProvider] installs; tests build their own from a manual reader.
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/voxgate"

// Metrics are the instruments voxgate records to. All of them are safe for
// concurrent use.
type Metrics struct {
	// PredictDuration and PredictErrors carry a "backend" attribute naming
	// the predictor that served the call.
	PredictDuration metric.Float64Histogram
	PredictErrors   metric.Int64Counter

	// Chunks carries a "label" attribute, speech or nonspeech.
	Chunks metric.Int64Counter

	Segments        metric.Int64Counter
	SegmentDuration metric.Float64Histogram

	// ActiveStreams is the number of open websocket streams.
	ActiveStreams metric.Int64UpDownCounter

	// HTTPRequestDuration is recorded by [Middleware] with method, route and
	// status attributes.
	HTTPRequestDuration metric.Float64Histogram
}

// Bucket boundaries in seconds. Predict latency ranges from the energy
// estimator to an ONNX model on a loaded CPU.
var (
	predictBuckets = []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1}
	segmentBuckets = []float64{0.25, 0.5, 1, 2, 4, 8, 16, 30}
)

// instruments collects creation errors so NewMetrics can report all of them
// at once.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) histogram(name, desc string, bounds ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(bounds) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(bounds...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

// NewMetrics creates every voxgate instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		PredictDuration:     b.histogram("voxgate.predict.duration", "Latency of a single predictor call.", predictBuckets...),
		PredictErrors:       b.counter("voxgate.predict.errors", "Failed predictor calls by backend."),
		Chunks:              b.counter("voxgate.chunks", "Labeled chunks by label."),
		Segments:            b.counter("voxgate.segments", "Emitted speech segments."),
		SegmentDuration:     b.histogram("voxgate.segment.duration", "Audio duration of emitted speech segments.", segmentBuckets...),
		HTTPRequestDuration: b.histogram("voxgate.http.request.duration", "HTTP request latency by method and route."),
	}
	var err error
	m.ActiveStreams, err = b.meter.Int64UpDownCounter("voxgate.active_streams",
		metric.WithDescription("Open audio streams."))
	b.errs = append(b.errs, err)

	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var defaultMetrics = sync.OnceValue(func() *Metrics {
	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		panic("observe: failed to create default metrics: " + err.Error())
	}
	return m
})

// DefaultMetrics returns instruments on the global meter provider, created
// on first use. Call it after [InitProvider].
func DefaultMetrics() *Metrics { return defaultMetrics() }

// RecordPredict records the latency of one predictor call and, when err is
// non-nil, a predict error for backend.
func (m *Metrics) RecordPredict(ctx context.Context, backend string, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("backend", backend))
	m.PredictDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.PredictErrors.Add(ctx, 1, attrs)
	}
}

// RecordChunk counts one labeled chunk.
func (m *Metrics) RecordChunk(ctx context.Context, label string) {
	m.Chunks.Add(ctx, 1, metric.WithAttributes(attribute.String("label", label)))
}

// RecordSegment counts one emitted segment and records its duration.
func (m *Metrics) RecordSegment(ctx context.Context, d time.Duration) {
	m.Segments.Add(ctx, 1)
	m.SegmentDuration.Record(ctx, d.Seconds())
}

// StreamOpened counts a stream as active until the returned func is called.
func (m *Metrics) StreamOpened(ctx context.Context) (closed func()) {
	m.ActiveStreams.Add(ctx, 1)
	var once sync.Once
	return func() { once.Do(func() { m.ActiveStreams.Add(ctx, -1) }) }
}
