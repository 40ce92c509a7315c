// Package app wires all repeater emulator subsystems into a running
// application.
//
// The App struct owns the full lifecycle: New creates the audio device,
// opens the shared source and binds the listeners; Run serves clients until
// its context ends; Shutdown tears everything down in reverse-init order.
//
// For testing, inject doubles via functional options (WithDevice,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/repemul/repemul/internal/config"
	"github.com/repemul/repemul/internal/device"
	"github.com/repemul/repemul/internal/health"
	"github.com/repemul/repemul/internal/observe"
	"github.com/repemul/repemul/internal/stream"
	"github.com/repemul/repemul/pkg/audio"
)

// adminShutdownTimeout bounds the graceful stop of the admin HTTP server.
const adminShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	devices *config.Registry
	dev     audio.Device
	metrics *observe.Metrics
	promReg *prometheus.Registry

	// Subsystems, initialised in New and torn down in Shutdown.
	source   *device.Source
	sessions *stream.Registry
	server   *stream.Server
	feed     *stream.FeedHandler
	health   *health.Handler
	admin    *http.Server
	adminLn  net.Listener

	// closers run in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevice injects an audio device instead of creating one from config.
func WithDevice(d audio.Device) Option {
	return func(a *App) { a.dev = d }
}

// WithDeviceRegistry sets the registry used to build the device named in
// audio.device. Defaults to [config.DefaultRegistry].
func WithDeviceRegistry(r *config.Registry) Option {
	return func(a *App) { a.devices = r }
}

// WithMetrics injects metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithPrometheusRegistry serves reg on the admin listener's /metrics route.
// Without it the route is not registered.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(a *App) { a.promReg = reg }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. It opens the audio device before binding any socket,
// so a device failure returns an error wrapping *[audio.DeviceError] with
// nothing listening. A bind failure returns *[stream.BindError] and releases
// the device.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.devices == nil {
		a.devices = config.DefaultRegistry()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Shared audio source ───────────────────────────────────────────
	if err := a.initSource(ctx); err != nil {
		return nil, err
	}

	// ── 2. Stream listener ───────────────────────────────────────────────
	if err := a.initStream(); err != nil {
		a.closeAll()
		return nil, err
	}

	// ── 3. Admin HTTP surface ────────────────────────────────────────────
	if err := a.initAdmin(); err != nil {
		a.closeAll()
		return nil, err
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initSource(ctx context.Context) error {
	if a.dev == nil {
		dev, err := a.devices.CreateDevice(a.cfg.Audio)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.dev = dev
	}

	a.source = device.NewSource(a.dev, a.cfg.Audio.StreamFormat(),
		device.WithBreaker(a.cfg.Audio.Breaker.CircuitBreaker("audio-capture")),
		device.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, a.source.Close)

	if err := a.source.Open(ctx); err != nil {
		a.closeAll()
		return fmt.Errorf("app: %w", err)
	}
	return nil
}

func (a *App) initStream() error {
	a.sessions = stream.NewRegistry(a.cfg.Stream.MaxSessions)

	scfg := stream.Config{
		Host:         a.cfg.Server.Host,
		Port:         a.cfg.Server.Port,
		Interval:     a.cfg.Stream.Interval,
		WriteTimeout: a.cfg.Stream.WriteTimeout,
		Talkback:     a.cfg.Audio.Talkback,
		FrameBytes:   a.source.Config().FrameBytes(),
		DeviceFormat: a.source.Config().Format,
	}
	feed := a.cfg.Position.Feed()

	a.server = stream.NewServer(scfg, feed, a.source, a.sessions, stream.WithServerMetrics(a.metrics))
	if err := a.server.Listen(); err != nil {
		return err
	}
	a.closers = append(a.closers, a.server.Close)

	a.feed = stream.NewFeedHandler(scfg, feed, a.source, a.sessions, a.metrics)
	a.feed.OriginPatterns = a.cfg.Server.WSOrigins
	return nil
}

func (a *App) initAdmin() error {
	a.health = health.New("repemul",
		health.Checker{Name: "audio", Check: a.source.Healthy},
		health.Checker{Name: "listener", Check: a.listenerReady},
	)
	if !a.cfg.Server.AdminEnabled() {
		slog.Info("admin listener disabled")
		return nil
	}

	ln, err := net.Listen("tcp", a.cfg.Server.AdminAddr)
	if err != nil {
		return &stream.BindError{Addr: a.cfg.Server.AdminAddr, Err: err}
	}
	a.adminLn = ln
	a.admin = &http.Server{
		Handler:           a.adminHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.closers = append(a.closers, func() error {
		err := a.admin.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	slog.Info("admin listener bound", "addr", ln.Addr().String())
	return nil
}

// adminHandler routes the admin surface. The WebSocket feed sits outside the
// request middleware because its handler lives as long as the session.
func (a *App) adminHandler() http.Handler {
	inner := http.NewServeMux()
	a.health.Register(inner)
	if a.promReg != nil {
		inner.Handle("GET /metrics", observe.MetricsHandler(a.promReg))
	}

	outer := http.NewServeMux()
	outer.Handle("GET /feed", a.feed)
	outer.Handle("/", observe.Middleware(a.metrics)(inner))
	return outer
}

func (a *App) listenerReady(context.Context) error {
	if a.server.Addr() == nil {
		return errors.New("stream listener not bound")
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// StreamAddr returns the bound raw TCP address.
func (a *App) StreamAddr() net.Addr { return a.server.Addr() }

// AdminAddr returns the bound admin address, or nil when disabled.
func (a *App) AdminAddr() net.Addr {
	if a.adminLn == nil {
		return nil
	}
	return a.adminLn.Addr()
}

// Sessions returns a snapshot of the live client sessions.
func (a *App) Sessions() []stream.Info { return a.sessions.Snapshot() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves TCP clients and the admin surface until ctx is cancelled or a
// server fails. On cancellation every session is ended and Run returns
// ctx.Err().
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	gctx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		defer cancel()
		return a.server.Serve(gctx)
	})

	if a.admin != nil {
		g.Go(func() error {
			if err := a.admin.Serve(a.adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), adminShutdownTimeout)
			defer scancel()
			if err := a.admin.Shutdown(sctx); err != nil {
				slog.Warn("admin server shutdown", "err", err)
			}
			return nil
		})
	}

	slog.Info("app running",
		"stream_addr", a.StreamAddr().String(),
		"max_sessions", a.cfg.Stream.MaxSessions,
	)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends every live session, then tears down the remaining
// subsystems in reverse-init order: admin server, stream listener and
// finally the audio device. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers), "sessions", a.sessions.Len())

		if err := a.sessions.CloseAll(ctx); err != nil {
			slog.Warn("sessions still running at shutdown", "remaining", a.sessions.Len())
			shutdownErr = err
			return
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New acquired before failing.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Debug("cleanup after failed init", "err", err)
		}
	}
	a.closers = nil
}
