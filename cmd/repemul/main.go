// Command repemul runs the repeater emulator: a TCP server that streams a
// position sentence and an audio frame to every connected client once per
// interval.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/repemul/repemul/internal/app"
	"github.com/repemul/repemul/internal/config"
	"github.com/repemul/repemul/internal/observe"
	"github.com/repemul/repemul/internal/stream"
	"github.com/repemul/repemul/pkg/audio"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultConfigPath = "repemul.yaml"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// run starts the emulator and blocks until ctx is cancelled or the server
// fails. It returns the process exit code.
func run(ctx context.Context, args []string) int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	fset := flag.NewFlagSet("repemul", flag.ContinueOnError)
	configPath := fset.String("config", defaultConfigPath, "path to the YAML configuration file")
	host := fset.String("host", "", "stream listen host (overrides server.host)")
	port := fset.Int("port", -1, "stream listen port (overrides server.port)")
	adminAddr := fset.String("admin-addr", "", `admin listen address, "off" to disable (overrides server.admin_addr)`)
	logLevel := fset.String("log-level", "", "debug, info, warn or error (overrides server.log_level)")
	if err := fset.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	explicitConfig := false
	fset.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicitConfig = true
		}
	})

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, watchable, err := loadConfig(*configPath, explicitConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "repemul: %v\n", err)
		return 1
	}

	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port >= 0 {
		cfg.Server.Port = *port
	}
	if *adminAddr != "" {
		cfg.Server.AdminAddr = *adminAddr
	}
	if *logLevel != "" {
		cfg.Server.LogLevel = config.LogLevel(*logLevel)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "repemul: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("repemul starting",
		"version", version,
		"config", *configPath,
		"stream_addr", cfg.Server.Addr(),
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, app.WithPrometheusRegistry(provider.Registry))
	if err != nil {
		var be *stream.BindError
		var de *audio.DeviceError
		switch {
		case errors.As(err, &be):
			slog.Error("cannot bind listener", "addr", be.Addr, "err", be.Err)
		case errors.As(err, &de):
			slog.Error("cannot open audio device", "op", de.Op, "err", de.Err)
		default:
			slog.Error("failed to initialise application", "err", err)
		}
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if watchable {
		w, err := config.NewWatcher(*configPath)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go w.Run(ctx, func(_ *config.Config, d config.ConfigDiff) {
				applyReload(&level, d)
			})
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads path. A missing file at the default path yields the
// built-in defaults; a missing file that was named explicitly is an error.
// watchable reports whether the file exists and can be polled for changes.
func loadConfig(path string, explicit bool) (cfg *config.Config, watchable bool, err error) {
	cfg, err = config.Load(path)
	switch {
	case err == nil:
		return cfg, true, nil
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		return config.Default(), false, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, false, fmt.Errorf("config file %q not found", path)
	default:
		return nil, false, err
	}
}

// applyReload applies the hot-reloadable part of d and reports the rest.
func applyReload(level *slog.LevelVar, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config change requires restart", "settings", d.RestartRequired)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	admin := cfg.Server.AdminAddr
	if !cfg.Server.AdminEnabled() {
		admin = "(disabled)"
	}
	sessions := "unlimited"
	if cfg.Stream.MaxSessions > 0 {
		sessions = fmt.Sprintf("%d", cfg.Stream.MaxSessions)
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        repemul: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Stream addr", cfg.Server.Addr())
	printRow("Admin addr", admin)
	printRow("Interval", cfg.Stream.Interval.String())
	printRow("Max sessions", sessions)
	printRow("Audio device", cfg.Audio.Device)
	printRow("Frame bytes", fmt.Sprintf("%d", cfg.Audio.StreamFormat().FrameBytes()))
	printRow("Position", string(cfg.Position.Mode))
	if cfg.Audio.Talkback {
		printRow("Talkback", "enabled")
	} else {
		printRow("Talkback", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}
