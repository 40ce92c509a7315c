// Package device owns the process-wide audio source shared by every client
// session.
//
// A [Source] wraps one [audio.Device]. The device is opened at most once and
// closed at most once for the lifetime of the Source; sessions only ever call
// [Source.Capture] and [Source.Play] and never close it. Captures are
// serialised by a mutex so concurrent sessions never issue overlapping device
// reads, and a [resilience.CircuitBreaker] fails captures fast while the
// device keeps erroring.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/repemul/repemul/internal/observe"
	"github.com/repemul/repemul/internal/resilience"
	"github.com/repemul/repemul/pkg/audio"
)

// ErrSourceClosed is wrapped in the [audio.DeviceError] returned by any
// operation after [Source.Close].
var ErrSourceClosed = errors.New("device: source closed")

// Option configures a [Source].
type Option func(*Source)

// WithBreaker overrides the capture circuit breaker configuration.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(s *Source) { s.breakerCfg = cfg }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Source) { s.metrics = m }
}

// Source is the shared capture and playback handle. All methods are safe for
// concurrent use.
type Source struct {
	dev        audio.Device
	cfg        audio.StreamConfig
	metrics    *observe.Metrics
	breakerCfg resilience.CircuitBreakerConfig
	breaker    *resilience.CircuitBreaker

	// stateMu guards opened, closed and openedAt.
	stateMu sync.Mutex
	opened   bool
	closed   bool
	openedAt time.Time

	// captureMu serialises device reads and guards buf.
	captureMu sync.Mutex
	buf       []byte

	playMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewSource wraps dev. cfg fixes the capture format and frame size for the
// Source's lifetime.
func NewSource(dev audio.Device, cfg audio.StreamConfig, opts ...Option) *Source {
	s := &Source{
		dev:        dev,
		cfg:        cfg,
		breakerCfg: resilience.CircuitBreakerConfig{Name: "audio-capture"},
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	userHook := s.breakerCfg.OnStateChange
	s.breakerCfg.OnStateChange = func(name string, from, to resilience.State) {
		s.metrics.RecordBreakerTransition(context.Background(), to.String())
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	s.breaker = resilience.NewCircuitBreaker(s.breakerCfg)
	s.buf = make([]byte, cfg.FrameBytes())
	return s
}

// Config returns the stream configuration the Source was created with.
func (s *Source) Config() audio.StreamConfig { return s.cfg }

// Open opens the underlying device. Calling Open on an already open Source is
// a no-op; the device's Open runs at most once even under concurrent calls.
// Failures are returned as *[audio.DeviceError] with Op "open".
func (s *Source) Open(ctx context.Context) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.closed {
		return &audio.DeviceError{Op: "open", Err: ErrSourceClosed}
	}
	if s.opened {
		return nil
	}
	if err := s.dev.Open(ctx); err != nil {
		s.metrics.RecordDeviceError(ctx, "open")
		return asDeviceError("open", err)
	}
	s.opened = true
	s.openedAt = time.Now()
	slog.Info("audio device opened",
		"sample_rate", s.cfg.Format.SampleRate,
		"channels", s.cfg.Format.Channels,
		"frame_bytes", s.cfg.FrameBytes())
	return nil
}

// Capture reads exactly one frame from the device and returns it. The frame's
// Data is a fresh slice owned by the caller. If the Source has not been opened
// yet it is opened first.
//
// Errors are *[audio.DeviceError] with Op "capture" (or "open" for a failed
// lazy open). A breaker that is open surfaces as a DeviceError wrapping
// [resilience.ErrCircuitOpen]. Context cancellation is returned unwrapped and
// does not count against the breaker.
func (s *Source) Capture(ctx context.Context) (audio.AudioFrame, error) {
	if err := s.ensureOpen(ctx); err != nil {
		return audio.AudioFrame{}, err
	}

	s.captureMu.Lock()
	defer s.captureMu.Unlock()

	if s.isClosed() {
		return audio.AudioFrame{}, &audio.DeviceError{Op: "capture", Err: ErrSourceClosed}
	}

	start := time.Now()
	var n int
	err := s.breaker.Execute(func() error {
		var rerr error
		n, rerr = s.dev.ReadFrame(ctx, s.buf)
		if rerr != nil {
			return rerr
		}
		if n != len(s.buf) {
			return fmt.Errorf("short read: %d of %d bytes", n, len(s.buf))
		}
		return nil
	}, isCancellation(ctx))

	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return audio.AudioFrame{}, err
		}
		s.metrics.RecordDeviceError(ctx, "capture")
		return audio.AudioFrame{}, asDeviceError("capture", err)
	}

	s.metrics.CaptureDuration.Record(ctx, time.Since(start).Seconds())
	s.metrics.FramesCaptured.Add(ctx, 1)

	data := make([]byte, n)
	copy(data, s.buf[:n])
	return audio.AudioFrame{
		Data:       data,
		SampleRate: s.cfg.Format.SampleRate,
		Channels:   s.cfg.Format.Channels,
		Timestamp:  start.Sub(s.openedAt),
	}, nil
}

// Play writes pcm to the playback direction. Writes are serialised
// independently of captures.
func (s *Source) Play(ctx context.Context, pcm []byte) error {
	if err := s.ensureOpen(ctx); err != nil {
		return err
	}
	if !s.cfg.Playback {
		return &audio.DeviceError{Op: "play", Err: errors.New("playback disabled")}
	}

	s.playMu.Lock()
	defer s.playMu.Unlock()

	if s.isClosed() {
		return &audio.DeviceError{Op: "play", Err: ErrSourceClosed}
	}
	if err := s.dev.WriteFrame(ctx, pcm); err != nil {
		s.metrics.RecordDeviceError(ctx, "play")
		return asDeviceError("play", err)
	}
	s.metrics.TalkbackBytes.Add(ctx, int64(len(pcm)))
	return nil
}

// Close releases the device. Only the first call reaches the device; later
// calls return the first call's result. Close waits for an in-flight capture
// or playback to finish.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.stateMu.Lock()
		s.closed = true
		wasOpen := s.opened
		s.stateMu.Unlock()

		if !wasOpen {
			return
		}

		s.captureMu.Lock()
		s.playMu.Lock()
		defer s.playMu.Unlock()
		defer s.captureMu.Unlock()

		if err := s.dev.Close(); err != nil {
			s.closeErr = asDeviceError("close", err)
			return
		}
		slog.Info("audio device closed")
	})
	return s.closeErr
}

// Healthy reports whether the Source can currently serve captures. It is
// shaped as a readiness check.
func (s *Source) Healthy(_ context.Context) error {
	s.stateMu.Lock()
	opened, closed := s.opened, s.closed
	s.stateMu.Unlock()

	switch {
	case closed:
		return ErrSourceClosed
	case !opened:
		return errors.New("device: source not open")
	}
	if st := s.breaker.State(); st == resilience.StateOpen {
		return fmt.Errorf("device: capture breaker %s", st)
	}
	return nil
}

func (s *Source) ensureOpen(ctx context.Context) error {
	s.stateMu.Lock()
	opened, closed := s.opened, s.closed
	s.stateMu.Unlock()
	if closed {
		return &audio.DeviceError{Op: "capture", Err: ErrSourceClosed}
	}
	if opened {
		return nil
	}
	return s.Open(ctx)
}

func (s *Source) isClosed() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.closed
}

// isCancellation returns a breaker ignore predicate for errors caused by ctx
// ending.
func isCancellation(ctx context.Context) func(error) bool {
	return func(err error) bool {
		return ctx.Err() != nil && errors.Is(err, ctx.Err())
	}
}

func asDeviceError(op string, err error) error {
	var de *audio.DeviceError
	if errors.As(err, &de) {
		return err
	}
	return &audio.DeviceError{Op: op, Err: err}
}
