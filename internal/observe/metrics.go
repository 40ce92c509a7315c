// Package observe provides application-wide observability primitives for
// repemul: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all repemul metrics.
const meterName = "github.com/repemul/repemul"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// CaptureDuration tracks how long one shared-device frame read takes,
	// including time spent waiting for other sessions' reads.
	CaptureDuration metric.Float64Histogram

	// IterationDuration tracks one streaming iteration (sentence write,
	// capture, frame write), excluding the inter-iteration wait.
	IterationDuration metric.Float64Histogram

	// SessionDuration tracks how long client sessions stay connected. Use with
	// attribute.String("transport", ...).
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// SessionsOpened counts accepted sessions. Use with attribute:
	//   attribute.String("transport", ...)
	SessionsOpened metric.Int64Counter

	// SessionsClosed counts terminated sessions. Use with attributes:
	//   attribute.String("transport", ...), attribute.String("reason", ...)
	SessionsClosed metric.Int64Counter

	// BytesSent counts bytes written to clients. Use with attributes:
	//   attribute.String("transport", ...), attribute.String("kind", "sentence"|"frame")
	BytesSent metric.Int64Counter

	// FramesCaptured counts frames read from the shared device.
	FramesCaptured metric.Int64Counter

	// TalkbackBytes counts client audio forwarded to device playback.
	TalkbackBytes metric.Int64Counter

	// RejectedConnections counts connections closed without a session. Use
	// with attribute.String("reason", ...).
	RejectedConnections metric.Int64Counter

	// --- Error counters ---

	// DeviceErrors counts audio device failures. Use with attribute:
	//   attribute.String("op", ...)
	DeviceErrors metric.Int64Counter

	// AcceptErrors counts transient listener accept failures.
	AcceptErrors metric.Int64Counter

	// BreakerTransitions counts capture circuit breaker state changes. Use
	// with attribute.String("to", ...).
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live client sessions. Use with
	// attribute.String("transport", ...).
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks admin request latency by "method",
	// "route" and "status_class".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for device
// reads and network writes.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for
// connection lifetimes.
var sessionBuckets = []float64{
	1, 5, 15, 60, 300, 900, 3600, 4 * 3600, 24 * 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CaptureDuration, err = m.Float64Histogram("repemul.capture.duration",
		metric.WithDescription("Latency of one shared audio device frame read."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.IterationDuration, err = m.Float64Histogram("repemul.stream.iteration.duration",
		metric.WithDescription("Latency of one streaming iteration, excluding the interval wait."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("repemul.session.duration",
		metric.WithDescription("Lifetime of client sessions by transport."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionsOpened, err = m.Int64Counter("repemul.sessions.opened",
		metric.WithDescription("Total client sessions started by transport."),
	); err != nil {
		return nil, err
	}
	if met.SessionsClosed, err = m.Int64Counter("repemul.sessions.closed",
		metric.WithDescription("Total client sessions ended by transport and reason."),
	); err != nil {
		return nil, err
	}
	if met.BytesSent, err = m.Int64Counter("repemul.stream.bytes_sent",
		metric.WithDescription("Bytes written to clients by transport and payload kind."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.FramesCaptured, err = m.Int64Counter("repemul.capture.frames",
		metric.WithDescription("Total frames read from the shared audio device."),
	); err != nil {
		return nil, err
	}
	if met.TalkbackBytes, err = m.Int64Counter("repemul.talkback.bytes",
		metric.WithDescription("Client audio bytes forwarded to device playback."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.RejectedConnections, err = m.Int64Counter("repemul.connections.rejected",
		metric.WithDescription("Connections closed without starting a session, by reason."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DeviceErrors, err = m.Int64Counter("repemul.device.errors",
		metric.WithDescription("Total audio device failures by operation."),
	); err != nil {
		return nil, err
	}
	if met.AcceptErrors, err = m.Int64Counter("repemul.accept.errors",
		metric.WithDescription("Total transient accept failures on the stream listener."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("repemul.capture.breaker.transitions",
		metric.WithDescription("Capture circuit breaker state changes by new state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("repemul.sessions.active",
		metric.WithDescription("Number of live client sessions by transport."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("repemul.http.request.duration",
		metric.WithDescription("Admin HTTP request latency by method, route and status class."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordSessionOpened increments the opened counter and the active gauge.
func (m *Metrics) RecordSessionOpened(ctx context.Context, transport string) {
	attrs := metric.WithAttributes(attribute.String("transport", transport))
	m.SessionsOpened.Add(ctx, 1, attrs)
	m.ActiveSessions.Add(ctx, 1, attrs)
}

// RecordSessionClosed decrements the active gauge, counts the close reason
// and records the session lifetime.
func (m *Metrics) RecordSessionClosed(ctx context.Context, transport, reason string, lifetime time.Duration) {
	tr := attribute.String("transport", transport)
	m.ActiveSessions.Add(ctx, -1, metric.WithAttributes(tr))
	m.SessionsClosed.Add(ctx, 1, metric.WithAttributes(tr, attribute.String("reason", reason)))
	m.SessionDuration.Record(ctx, lifetime.Seconds(), metric.WithAttributes(tr))
}

// RecordBytesSent counts n bytes of the given payload kind.
func (m *Metrics) RecordBytesSent(ctx context.Context, transport, kind string, n int) {
	m.BytesSent.Add(ctx, int64(n),
		metric.WithAttributes(
			attribute.String("transport", transport),
			attribute.String("kind", kind),
		),
	)
}

// RecordDeviceError counts one device failure for op.
func (m *Metrics) RecordDeviceError(ctx context.Context, op string) {
	m.DeviceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordRejected counts one connection rejected for reason.
func (m *Metrics) RecordRejected(ctx context.Context, reason string) {
	m.RejectedConnections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBreakerTransition counts one circuit breaker move into state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to)))
}
