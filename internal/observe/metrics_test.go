package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

// sumValue returns the int64 sum data point whose attributes include every
// key/value pair in want. ok is false when no such point exists.
func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name string, want map[string]string) (int64, bool) {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		matched := 0
		for _, kv := range dp.Attributes.ToSlice() {
			if v, ok := want[string(kv.Key)]; ok && kv.Value.AsString() == v {
				matched++
			}
		}
		if matched == len(want) {
			return dp.Value, true
		}
	}
	return 0, false
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"repemul.capture.duration", m.CaptureDuration},
		{"repemul.stream.iteration.duration", m.IterationDuration},
		{"repemul.session.duration", m.SessionDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.023)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestSessionLifecycleCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionOpened(ctx, "tcp")
	m.RecordSessionOpened(ctx, "tcp")
	m.RecordSessionOpened(ctx, "websocket")
	m.RecordSessionClosed(ctx, "tcp", "peer_disconnect", 3*time.Second)

	rm := collect(t, reader)

	if got, ok := sumValue(t, rm, "repemul.sessions.opened", map[string]string{"transport": "tcp"}); !ok || got != 2 {
		t.Errorf("opened{tcp} = %d (found=%v), want 2", got, ok)
	}
	if got, ok := sumValue(t, rm, "repemul.sessions.active", map[string]string{"transport": "tcp"}); !ok || got != 1 {
		t.Errorf("active{tcp} = %d (found=%v), want 1", got, ok)
	}
	if got, ok := sumValue(t, rm, "repemul.sessions.active", map[string]string{"transport": "websocket"}); !ok || got != 1 {
		t.Errorf("active{websocket} = %d (found=%v), want 1", got, ok)
	}
	closed := map[string]string{"transport": "tcp", "reason": "peer_disconnect"}
	if got, ok := sumValue(t, rm, "repemul.sessions.closed", closed); !ok || got != 1 {
		t.Errorf("closed{tcp,peer_disconnect} = %d (found=%v), want 1", got, ok)
	}
}

func TestBytesSentCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBytesSent(ctx, "tcp", "sentence", 65)
	m.RecordBytesSent(ctx, "tcp", "frame", 2048)
	m.RecordBytesSent(ctx, "tcp", "frame", 2048)

	rm := collect(t, reader)
	got, ok := sumValue(t, rm, "repemul.stream.bytes_sent", map[string]string{"transport": "tcp", "kind": "frame"})
	if !ok || got != 4096 {
		t.Errorf("bytes_sent{frame} = %d (found=%v), want 4096", got, ok)
	}
	got, ok = sumValue(t, rm, "repemul.stream.bytes_sent", map[string]string{"kind": "sentence"})
	if !ok || got != 65 {
		t.Errorf("bytes_sent{sentence} = %d (found=%v), want 65", got, ok)
	}
}

func TestErrorCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDeviceError(ctx, "capture")
	m.RecordDeviceError(ctx, "capture")
	m.RecordRejected(ctx, "limit")
	m.AcceptErrors.Add(ctx, 1)

	rm := collect(t, reader)
	if got, ok := sumValue(t, rm, "repemul.device.errors", map[string]string{"op": "capture"}); !ok || got != 2 {
		t.Errorf("device.errors{capture} = %d (found=%v), want 2", got, ok)
	}
	if got, ok := sumValue(t, rm, "repemul.connections.rejected", map[string]string{"reason": "limit"}); !ok || got != 1 {
		t.Errorf("connections.rejected = %d (found=%v), want 1", got, ok)
	}
	if got, ok := sumValue(t, rm, "repemul.accept.errors", nil); !ok || got != 1 {
		t.Errorf("accept.errors = %d (found=%v), want 1", got, ok)
	}
}

func TestBreakerTransitions(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBreakerTransition(ctx, "open")
	m.RecordBreakerTransition(ctx, "half-open")
	m.RecordBreakerTransition(ctx, "open")

	rm := collect(t, reader)
	if got, ok := sumValue(t, rm, "repemul.capture.breaker.transitions", map[string]string{"to": "open"}); !ok || got != 2 {
		t.Errorf("transitions to open = %d (found=%v), want 2", got, ok)
	}
	if got, ok := sumValue(t, rm, "repemul.capture.breaker.transitions", map[string]string{"to": "half-open"}); !ok || got != 1 {
		t.Errorf("transitions to half-open = %d (found=%v), want 1", got, ok)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
