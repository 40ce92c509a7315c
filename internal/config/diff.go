package config

import "slices"

// ConfigDiff describes what changed between two configs. Only the log level
// is applied at runtime; every other change is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the changed settings, by YAML path, that only
	// take effect after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}

	restart("server.host", old.Server.Host != new.Server.Host)
	restart("server.port", old.Server.Port != new.Server.Port)
	restart("server.admin_addr", old.Server.AdminAddr != new.Server.AdminAddr)
	restart("server.ws_origins", !slices.Equal(old.Server.WSOrigins, new.Server.WSOrigins))

	restart("stream.interval", old.Stream.Interval != new.Stream.Interval)
	restart("stream.write_timeout", old.Stream.WriteTimeout != new.Stream.WriteTimeout)
	restart("stream.max_sessions", old.Stream.MaxSessions != new.Stream.MaxSessions)

	restart("audio.device", old.Audio.Device != new.Audio.Device)
	restart("audio.sample_rate", old.Audio.SampleRate != new.Audio.SampleRate)
	restart("audio.channels", old.Audio.Channels != new.Audio.Channels)
	restart("audio.frame_samples", old.Audio.FrameSamples != new.Audio.FrameSamples)
	restart("audio.tone_hz", old.Audio.ToneHz != new.Audio.ToneHz)
	restart("audio.amplitude", old.Audio.Amplitude != new.Audio.Amplitude)
	restart("audio.realtime", old.Audio.IsRealtime() != new.Audio.IsRealtime())
	restart("audio.talkback", old.Audio.Talkback != new.Audio.Talkback)
	restart("audio.breaker", old.Audio.Breaker != new.Audio.Breaker)

	restart("position.mode", old.Position.Mode != new.Position.Mode)
	restart("position.line_ending", old.Position.LineEnding != new.Position.LineEnding)

	return d
}
