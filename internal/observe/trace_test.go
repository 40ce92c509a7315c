package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useRecorder installs a span recorder as the global tracer provider for
// the duration of the test.
func useRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

// captureLogs points the default slog logger at a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	useRecorder(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}

	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "stream.session")
		cid := CorrelationID(ctx)
		span.End()

		if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("CorrelationID = %q, want 32 lowercase hex chars", cid)
		}
		if seen[cid] {
			t.Fatalf("trace ID %s issued twice", cid)
		}
		seen[cid] = true
	}
}

func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	rec := useRecorder(t)

	_, span := StartSpan(context.Background(), "stream.session")
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 || ended[0].Name() != "stream.session" {
		t.Fatalf("ended spans = %v, want one stream.session", ended)
	}
	if got := ended[0].InstrumentationScope().Name; got != tracerName {
		t.Errorf("scope = %q, want %q", got, tracerName)
	}
}

func TestEndSpan(t *testing.T) {
	rec := useRecorder(t)

	_, failed := StartSpan(context.Background(), "capture")
	EndSpan(failed, errors.New("device unplugged"))
	_, ok := StartSpan(context.Background(), "capture")
	EndSpan(ok, nil)

	ended := rec.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(ended))
	}
	if s := ended[0].Status(); s.Code != codes.Error || s.Description != "device unplugged" {
		t.Errorf("failed span status = %+v", s)
	}
	if len(ended[0].Events()) == 0 {
		t.Error("failed span has no exception event")
	}
	if s := ended[1].Status(); s.Code != codes.Ok {
		t.Errorf("ok span status = %+v, want Ok", s)
	}
}

func TestLogger(t *testing.T) {
	useRecorder(t)
	buf := captureLogs(t)

	Logger(context.Background()).Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log without span carries trace_id: %s", buf)
	}
	buf.Reset()

	ctx, span := StartSpan(context.Background(), "stream.session")
	defer span.End()
	Logger(ctx).Info("with span")

	out := buf.String()
	if !strings.Contains(out, "trace_id="+CorrelationID(ctx)) {
		t.Errorf("log missing trace_id: %s", out)
	}
	if !strings.Contains(out, "span_id="+span.SpanContext().SpanID().String()) {
		t.Errorf("log missing span_id: %s", out)
	}
}
