package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/codes"
)

// captureLogs routes the default logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

var hexTraceID = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("without span: %q, want empty", got)
	}

	traced(t)
	seen := map[string]bool{}
	for range 50 {
		ctx, span := StartSpan(context.Background(), "voxgate.stream")
		id := CorrelationID(ctx)
		span.End()
		if !hexTraceID.MatchString(id) {
			t.Fatalf("correlation id %q is not a 32 char hex trace id", id)
		}
		if seen[id] {
			t.Fatalf("trace id %s issued twice", id)
		}
		seen[id] = true
	}
}

func TestEndSpan(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status codes.Code
		events int
	}{
		{name: "ok", status: codes.Unset},
		{name: "failed", err: errors.New("predictor exploded"), status: codes.Error, events: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := traced(t)
			_, span := StartSpan(context.Background(), "voxgate.batch.file")
			EndSpan(span, tt.err)

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			got := spans[0]
			if got.Name != "voxgate.batch.file" {
				t.Errorf("name = %q", got.Name)
			}
			if got.Status.Code != tt.status {
				t.Errorf("status = %v, want %v", got.Status.Code, tt.status)
			}
			if tt.err != nil && got.Status.Description != tt.err.Error() {
				t.Errorf("description = %q", got.Status.Description)
			}
			if len(got.Events) != tt.events {
				t.Errorf("events = %d, want %d", len(got.Events), tt.events)
			}
		})
	}
}

func TestLogger(t *testing.T) {
	t.Run("plain context", func(t *testing.T) {
		buf := captureLogs(t)
		Logger(context.Background()).Info("idle")
		if strings.Contains(buf.String(), "trace_id") {
			t.Errorf("unexpected trace id: %s", buf)
		}
	})

	t.Run("span and attrs", func(t *testing.T) {
		traced(t)
		buf := captureLogs(t)

		ctx, span := StartSpan(context.Background(), "voxgate.stream")
		defer span.End()
		ctx = WithLogAttrs(ctx, slog.String("stream_id", "s-1"))
		ctx = WithLogAttrs(ctx, slog.Int("chunk", 7))
		Logger(ctx).Info("chunk labeled")

		out := buf.String()
		for _, want := range []string{
			"trace_id=" + CorrelationID(ctx),
			"span_id=",
			"stream_id=s-1",
			"chunk=7",
		} {
			if !strings.Contains(out, want) {
				t.Errorf("log line missing %q: %s", want, out)
			}
		}
	})

	t.Run("attrs do not leak to parent", func(t *testing.T) {
		buf := captureLogs(t)
		parent := WithLogAttrs(context.Background(), slog.String("file", "a.wav"))
		_ = WithLogAttrs(parent, slog.String("file", "b.wav"))
		Logger(parent).Info("done")
		if out := buf.String(); !strings.Contains(out, "file=a.wav") || strings.Contains(out, "b.wav") {
			t.Errorf("parent logger = %s", out)
		}
	})
}
