package stream

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/repemul/repemul/internal/observe"
	"github.com/repemul/repemul/pkg/audio"
	"github.com/repemul/repemul/pkg/nmea"
)

// Defaults for [Config].
const (
	DefaultHost         = "127.0.0.1"
	DefaultPort         = 5030
	DefaultWriteTimeout = 5 * time.Second
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Config holds the settings shared by the TCP server and the WebSocket feed.
type Config struct {
	// Host and Port form the TCP listen address.
	Host string
	Port int

	// Interval is the pause between iterations of every session.
	Interval time.Duration

	// WriteTimeout bounds each write to a client.
	WriteTimeout time.Duration

	// Talkback forwards client audio to the shared device's playback.
	Talkback bool

	// FrameBytes is the talkback chunk size on the raw TCP transport.
	FrameBytes int

	// DeviceFormat is the playback format of the shared device. WebSocket
	// clients that announce a different talkback format are converted to it.
	DeviceFormat audio.Format
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// ServerOption configures a [Server].
type ServerOption func(*Server)

// WithServerMetrics sets the metrics instruments.
func WithServerMetrics(m *observe.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// Server accepts raw TCP clients and runs one [Session] per connection.
type Server struct {
	cfg      Config
	feed     nmea.Feed
	src      Source
	sessions *Registry
	metrics  *observe.Metrics

	mu sync.Mutex
	ln net.Listener
}

// NewServer creates a server. Sessions are tracked in sessions, which may be
// shared with a [FeedHandler].
func NewServer(cfg Config, feed nmea.Feed, src Source, sessions *Registry, opts ...ServerOption) *Server {
	s := &Server{
		cfg:      cfg.withDefaults(),
		feed:     feed,
		src:      src,
		sessions: sessions,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.sessions == nil {
		s.sessions = NewRegistry(0)
	}
	return s
}

// Listen binds the listening socket. On Unix the Go runtime sets
// SO_REUSEADDR on listeners, so a restart can rebind while old connections
// sit in TIME_WAIT. Failure returns *[BindError] and leaves no listener.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		return nil
	}
	addr := s.cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}
	s.ln = ln
	slog.Info("stream listener bound", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before [Server.Listen].
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled or [Server.Close] is
// called. It then closes the listener, cancels every live session, and
// waits for the session goroutines to finish. It calls [Server.Listen]
// first if needed.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	backoff := time.Duration(0)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			backoff = nextBackoff(backoff)
			s.metrics.AcceptErrors.Add(ctx, 1)
			slog.Warn("accept failed, retrying", "err", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
			}
			break
		}
		backoff = 0
		s.handle(ctx, conn)
	}

	_ = ln.Close()
	slog.Info("stream listener closed", "addr", ln.Addr().String())

	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*s.cfg.WriteTimeout)
	defer cancel()
	if err := s.sessions.CloseAll(waitCtx); err != nil {
		slog.Warn("sessions did not exit in time", "err", err, "remaining", s.sessions.Len())
	}
	return nil
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	opts := TCPSinkOptions{WriteTimeout: s.cfg.WriteTimeout}
	if s.cfg.Talkback {
		opts.Talkback = s.src
		opts.FrameBytes = s.cfg.FrameBytes
	}
	sink := NewTCPSink(conn, opts)
	sess := NewSession(sink, s.feed, s.src, s.cfg.Interval, s.metrics)

	if err := s.sessions.Start(ctx, sess); err != nil {
		reason := "limit"
		if errors.Is(err, ErrRegistryClosed) {
			reason = "shutdown"
		}
		s.metrics.RecordRejected(ctx, reason)
		slog.Warn("connection rejected", "remote", conn.RemoteAddr().String(), "err", err)
		_ = sink.Close()
	}
}

// Close stops accepting. [Server.Serve] then shuts down live sessions.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	d *= 2
	if d > maxAcceptBackoff {
		d = maxAcceptBackoff
	}
	return d
}
