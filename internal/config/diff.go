package config

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PlaybackChanged is set when any hot-reloadable playback knob changed.
	PlaybackChanged bool

	// IdleTimeoutChanged is set when reaper.idle_timeout changed.
	IdleTimeoutChanged bool

	// RestartRequired lists changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PlaybackChanged || d.IdleTimeoutChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Playback != new.Playback {
		d.PlaybackChanged = true
	}
	if old.Reaper.IdleTimeout != new.Reaper.IdleTimeout {
		d.IdleTimeoutChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Discord != new.Discord {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if old.Playback.FFmpegPath != new.Playback.FFmpegPath {
		d.RestartRequired = append(d.RestartRequired, "playback.ffmpeg_path")
	}
	if old.Voice != new.Voice {
		d.RestartRequired = append(d.RestartRequired, "voice")
	}
	if old.Reaper.Interval != new.Reaper.Interval {
		d.RestartRequired = append(d.RestartRequired, "reaper.interval")
	}
	if old.Resolver != new.Resolver {
		d.RestartRequired = append(d.RestartRequired, "resolver")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	return d
}
