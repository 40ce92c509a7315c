// Package config provides the configuration schema, loader, device registry
// and hot-reload watcher for the repeater emulator.
package config

import (
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/repemul/repemul/internal/resilience"
	"github.com/repemul/repemul/pkg/audio"
	"github.com/repemul/repemul/pkg/nmea"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to an [slog.Level]. Unknown values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// PositionMode selects the positioning sentence generator.
type PositionMode string

const (
	// PositionStatic repeats one fixed sentence.
	PositionStatic PositionMode = "static"

	// PositionClock keeps the fixed position but stamps the current UTC time.
	PositionClock PositionMode = "clock"
)

// IsValid reports whether m is a recognised position mode.
func (m PositionMode) IsValid() bool {
	return m == PositionStatic || m == PositionClock
}

// Built-in defaults.
const (
	DefaultHost         = "127.0.0.1"
	DefaultPort         = 5030
	DefaultAdminAddr    = "127.0.0.1:5031"
	DefaultInterval     = time.Second
	DefaultWriteTimeout = 5 * time.Second
	DefaultDevice       = "tone"
	DefaultToneHz       = 1000.0
	DefaultAmplitude    = 0.5
)

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader]; [Default] returns the built-in
// configuration used when no file exists.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Stream   StreamConfig   `yaml:"stream"`
	Audio    AudioConfig    `yaml:"audio"`
	Position PositionConfig `yaml:"position"`
}

// ServerConfig holds listener and logging settings.
type ServerConfig struct {
	// Host is the interface the raw TCP stream binds to.
	Host string `yaml:"host"`

	// Port is the raw TCP stream port.
	Port int `yaml:"port"`

	// AdminAddr is the host:port of the HTTP admin listener serving health,
	// metrics and the WebSocket feed. "off" disables it.
	AdminAddr string `yaml:"admin_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// WSOrigins lists additional origins allowed to open the WebSocket feed.
	WSOrigins []string `yaml:"ws_origins"`
}

// Addr returns the raw TCP listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// AdminEnabled reports whether the admin HTTP listener should run.
func (s ServerConfig) AdminEnabled() bool {
	return s.AdminAddr != "" && s.AdminAddr != "off"
}

// StreamConfig controls the per-client streaming loop.
type StreamConfig struct {
	// Interval is the pause between iterations.
	Interval time.Duration `yaml:"interval"`

	// WriteTimeout bounds each write to a client.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxSessions caps concurrent clients across transports. 0 is unbounded.
	MaxSessions int `yaml:"max_sessions"`
}

// AudioConfig selects and parameterises the shared audio device.
type AudioConfig struct {
	// Device is the registered device backend name ("tone", "silence").
	Device string `yaml:"device"`

	SampleRate   int `yaml:"sample_rate"`
	Channels     int `yaml:"channels"`
	FrameSamples int `yaml:"frame_samples"`

	// ToneHz and Amplitude shape the "tone" backend's output.
	ToneHz    float64 `yaml:"tone_hz"`
	Amplitude float64 `yaml:"amplitude"`

	// Realtime paces reads so each one blocks for a frame duration. Defaults
	// to true; a nil pointer means unset.
	Realtime *bool `yaml:"realtime"`

	// Talkback forwards audio sent by clients to the device's playback.
	Talkback bool `yaml:"talkback"`

	// Breaker tunes the capture circuit breaker.
	Breaker BreakerConfig `yaml:"breaker"`
}

// IsRealtime reports the effective realtime setting.
func (a AudioConfig) IsRealtime() bool {
	return a.Realtime == nil || *a.Realtime
}

// StreamFormat returns the device stream configuration. Capture and playback
// are always both enabled.
func (a AudioConfig) StreamFormat() audio.StreamConfig {
	return audio.StreamConfig{
		Format: audio.Format{
			SampleRate: a.SampleRate,
			Channels:   a.Channels,
		},
		FrameSamples: a.FrameSamples,
		Capture:      true,
		Playback:     true,
	}
}

// BreakerConfig mirrors [resilience.CircuitBreakerConfig] in YAML.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// CircuitBreaker converts b for [resilience.NewCircuitBreaker]. Zero values
// take the breaker's own defaults.
func (b BreakerConfig) CircuitBreaker(name string) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Name:         name,
		MaxFailures:  b.MaxFailures,
		ResetTimeout: b.ResetTimeout,
		HalfOpenMax:  b.HalfOpenMax,
	}
}

// PositionConfig selects the positioning sentence generator.
type PositionConfig struct {
	Mode       PositionMode    `yaml:"mode"`
	LineEnding nmea.LineEnding `yaml:"line_ending"`
}

// Feed builds the configured sentence generator.
func (p PositionConfig) Feed() nmea.Feed {
	if p.Mode == PositionClock {
		return nmea.Clock{LineEnding: p.LineEnding}
	}
	return nmea.Static{LineEnding: p.LineEnding}
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset field of cfg with its built-in default.
func ApplyDefaults(cfg *Config) {
	def := audio.DefaultStreamConfig()

	if cfg.Server.Host == "" {
		cfg.Server.Host = DefaultHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.AdminAddr == "" {
		cfg.Server.AdminAddr = DefaultAdminAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Stream.Interval == 0 {
		cfg.Stream.Interval = DefaultInterval
	}
	if cfg.Stream.WriteTimeout == 0 {
		cfg.Stream.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Audio.Device == "" {
		cfg.Audio.Device = DefaultDevice
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = def.Format.SampleRate
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = def.Format.Channels
	}
	if cfg.Audio.FrameSamples == 0 {
		cfg.Audio.FrameSamples = def.FrameSamples
	}
	if cfg.Audio.ToneHz == 0 {
		cfg.Audio.ToneHz = DefaultToneHz
	}
	if cfg.Audio.Amplitude == 0 {
		cfg.Audio.Amplitude = DefaultAmplitude
	}
	if cfg.Position.Mode == "" {
		cfg.Position.Mode = PositionStatic
	}
	if cfg.Position.LineEnding == "" {
		cfg.Position.LineEnding = nmea.LineEndingNone
	}
}
