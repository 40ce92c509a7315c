// Package stream implements the per-client streaming loop and the transports
// that carry it.
//
// Every connected client gets a [Session]. Once per interval the session
// writes one positioning sentence followed by one audio frame captured from
// the process-wide [device.Source] until the client goes away, a write or
// capture fails, or the server shuts down. A failing session closes its own
// connection and never affects other sessions or the shared source.
//
// Sessions write to a transport-agnostic [Sink]: [TCPSink] for the raw TCP
// protocol served by [Server], [WSSink] for the WebSocket feed served by
// [FeedHandler]. Live sessions are tracked by a [Registry] so shutdown can
// cancel and wait for all of them.
//
// [device.Source]: github.com/repemul/repemul/internal/device.Source
package stream

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/repemul/repemul/internal/observe"
	"github.com/repemul/repemul/pkg/audio"
	"github.com/repemul/repemul/pkg/nmea"
)

// DefaultInterval is the pause between iterations.
const DefaultInterval = time.Second

// Capturer yields one audio frame per call.
type Capturer interface {
	Capture(ctx context.Context) (audio.AudioFrame, error)
}

// Source is the shared audio device as used by sessions and sinks.
type Source interface {
	Capturer
	Player
}

// State is the lifecycle state of a [Session].
type State int32

const (
	// StateStreaming is the initial state; the session loop is running.
	StateStreaming State = iota

	// StateClosed is terminal; the connection has been released.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason records why a session ended.
type CloseReason string

const (
	ReasonPeerDisconnect CloseReason = "peer_disconnect"
	ReasonDeviceError    CloseReason = "device_error"
	ReasonWriteError     CloseReason = "write_error"
	ReasonShutdown       CloseReason = "shutdown"
)

// Session streams to one client.
type Session struct {
	id       string
	sink     Sink
	feed     nmea.Feed
	src      Capturer
	interval time.Duration
	metrics  *observe.Metrics
	started  time.Time

	state      atomic.Int32
	iterations atomic.Int64
	bytesSent  atomic.Int64
}

// NewSession creates a session over sink. A non-positive interval selects
// [DefaultInterval]; a nil metrics selects [observe.DefaultMetrics].
func NewSession(sink Sink, feed nmea.Feed, src Capturer, interval time.Duration, metrics *observe.Metrics) *Session {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Session{
		id:       uuid.NewString(),
		sink:     sink,
		feed:     feed,
		src:      src,
		interval: interval,
		metrics:  metrics,
		started:  time.Now(),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Info is a point-in-time view of a session.
type Info struct {
	ID         string
	Transport  string
	RemoteAddr string
	State      State
	Started    time.Time
	Iterations int64
	BytesSent  int64
}

// Info returns a snapshot of the session's counters.
func (s *Session) Info() Info {
	return Info{
		ID:         s.id,
		Transport:  s.sink.Transport(),
		RemoteAddr: s.sink.RemoteAddr(),
		State:      s.State(),
		Started:    s.started,
		Iterations: s.iterations.Load(),
		BytesSent:  s.bytesSent.Load(),
	}
}

// Run streams until the peer disconnects, an I/O or device error occurs, or
// ctx is cancelled. It always closes the sink before returning and never
// returns an error; the reason the session ended is returned instead.
func (s *Session) Run(ctx context.Context) CloseReason {
	transport := s.sink.Transport()
	ctx, span := observe.StartSpan(ctx, "stream.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("session.id", s.id),
			attribute.String("net.transport", transport),
			attribute.String("client.address", s.sink.RemoteAddr()),
		),
	)
	log := observe.Logger(ctx).With(
		"session_id", s.id,
		"transport", transport,
		"remote", s.sink.RemoteAddr(),
	)

	s.metrics.RecordSessionOpened(ctx, transport)
	log.Info("session started")

	// Shutdown must not wait for a blocked write's deadline.
	stop := context.AfterFunc(ctx, func() { _ = s.sink.Close() })

	reason, err := s.loop(ctx)

	stop()
	if cerr := s.sink.Close(); cerr != nil {
		log.Debug("closing connection", "err", cerr)
	}
	s.state.Store(int32(StateClosed))

	lifetime := time.Since(s.started)
	s.metrics.RecordSessionClosed(context.WithoutCancel(ctx), transport, string(reason), lifetime)
	span.SetAttributes(
		attribute.String("session.close_reason", string(reason)),
		attribute.Int64("session.iterations", s.iterations.Load()),
		attribute.Int64("session.bytes_sent", s.bytesSent.Load()),
	)

	attrs := []any{
		"reason", reason,
		"iterations", s.iterations.Load(),
		"bytes_sent", s.bytesSent.Load(),
		"lifetime", lifetime.Round(time.Millisecond),
	}
	switch reason {
	case ReasonDeviceError:
		log.Warn("session ended", append(attrs, "err", err)...)
		observe.EndSpan(span, err)
	case ReasonWriteError:
		log.Info("session ended", append(attrs, "err", err)...)
		observe.EndSpan(span, err)
	case ReasonPeerDisconnect:
		log.Debug("session ended", append(attrs, "err", err)...)
		observe.EndSpan(span, nil)
	default:
		log.Info("session ended", attrs...)
		observe.EndSpan(span, nil)
	}
	return reason
}

func (s *Session) loop(ctx context.Context) (CloseReason, error) {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		if err := s.iterate(ctx); err != nil {
			return s.classify(ctx, err), err
		}
		s.iterations.Add(1)

		timer.Reset(s.interval)
		select {
		case <-ctx.Done():
			return ReasonShutdown, nil
		case <-s.sink.Done():
			if ctx.Err() != nil {
				return ReasonShutdown, nil
			}
			return ReasonPeerDisconnect, s.sink.Err()
		case <-timer.C:
		}
	}
}

// iterate performs one sentence-then-frame step.
func (s *Session) iterate(ctx context.Context) error {
	start := time.Now()
	transport := s.sink.Transport()

	sentence := s.feed.NextSentence()
	if err := s.sink.WriteSentence(ctx, sentence); err != nil {
		return err
	}
	s.bytesSent.Add(int64(len(sentence)))
	s.metrics.RecordBytesSent(ctx, transport, "sentence", len(sentence))

	frame, err := s.src.Capture(ctx)
	if err != nil {
		return err
	}
	if len(frame.Data) > 0 {
		if err := s.sink.WriteFrame(ctx, frame.Data); err != nil {
			return err
		}
		s.bytesSent.Add(int64(len(frame.Data)))
		s.metrics.RecordBytesSent(ctx, transport, "frame", len(frame.Data))
	}

	s.metrics.IterationDuration.Record(ctx, time.Since(start).Seconds())
	return nil
}

func (s *Session) classify(ctx context.Context, err error) CloseReason {
	switch {
	case ctx.Err() != nil:
		return ReasonShutdown
	case audio.IsDeviceError(err):
		return ReasonDeviceError
	case IsPeerDisconnect(err), isDone(s.sink), errors.Is(err, context.Canceled):
		return ReasonPeerDisconnect
	default:
		return ReasonWriteError
	}
}

func isDone(sink Sink) bool {
	select {
	case <-sink.Done():
		return true
	default:
		return false
	}
}
