package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// wireFrameBytes is the frame size dispatcher consoles expect on the wire.
const wireFrameBytes = 2048

// Load reads the YAML configuration file at path, applies defaults and
// returns a validated [Config]. A missing file yields an error wrapping
// [os.ErrNotExist].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields [Default].
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.Host == "" {
		errs = append(errs, errors.New("server.host is required"))
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if cfg.Server.AdminEnabled() {
		if _, _, err := net.SplitHostPort(cfg.Server.AdminAddr); err != nil {
			errs = append(errs, fmt.Errorf("server.admin_addr %q is invalid: %w", cfg.Server.AdminAddr, err))
		} else if cfg.Server.AdminAddr == cfg.Server.Addr() {
			errs = append(errs, fmt.Errorf("server.admin_addr %q collides with the stream listener", cfg.Server.AdminAddr))
		}
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Stream
	if cfg.Stream.Interval <= 0 {
		errs = append(errs, fmt.Errorf("stream.interval %v must be positive", cfg.Stream.Interval))
	}
	if cfg.Stream.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stream.write_timeout %v must be positive", cfg.Stream.WriteTimeout))
	}
	if cfg.Stream.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("stream.max_sessions %d must not be negative", cfg.Stream.MaxSessions))
	}

	// Audio
	a := cfg.Audio
	if a.Device == "" {
		errs = append(errs, errors.New("audio.device is required"))
	}
	if a.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	}
	if a.Channels < 1 || a.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 2]", a.Channels))
	}
	if a.FrameSamples <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_samples %d must be positive", a.FrameSamples))
	}
	if a.ToneHz <= 0 || (a.SampleRate > 0 && a.ToneHz > float64(a.SampleRate)/2) {
		errs = append(errs, fmt.Errorf("audio.tone_hz %.1f must be in (0, sample_rate/2]", a.ToneHz))
	}
	if a.Amplitude <= 0 || a.Amplitude > 1 {
		errs = append(errs, fmt.Errorf("audio.amplitude %.2f is out of range (0, 1]", a.Amplitude))
	}
	if a.Breaker.MaxFailures < 0 || a.Breaker.HalfOpenMax < 0 || a.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("audio.breaker values must not be negative"))
	}
	if n := a.StreamFormat().FrameBytes(); a.FrameSamples > 0 && n != wireFrameBytes {
		slog.Warn("audio frame size differs from the 2048 bytes dispatcher consoles expect",
			"frame_bytes", n)
	}

	// Position
	if !cfg.Position.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("position.mode %q is invalid; valid values: static, clock", cfg.Position.Mode))
	}
	if !cfg.Position.LineEnding.IsValid() {
		errs = append(errs, fmt.Errorf("position.line_ending %q is invalid; valid values: none, crlf", cfg.Position.LineEnding))
	}

	return errors.Join(errs...)
}
