package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Label, segment and log-level changes can be applied to new streams without
// a restart. Audio and predictor changes cannot.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	LabelChanged   bool
	SegmentChanged bool
	OutputChanged  bool

	// RestartRequired lists the sections whose changes only take effect
	// after the process restarts.
	RestartRequired []string
}

// HotReloadable reports whether d carries any change the server applies live.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.LabelChanged || d.SegmentChanged || d.OutputChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.LabelChanged = old.Label != new.Label
	d.SegmentChanged = old.Segment != new.Segment
	d.OutputChanged = old.Output != new.Output

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Server.MaxStreams != new.Server.MaxStreams ||
		!reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if !reflect.DeepEqual(old.Predictor, new.Predictor) {
		d.RestartRequired = append(d.RestartRequired, "predictor")
	}
	if !reflect.DeepEqual(old.Fallbacks, new.Fallbacks) {
		d.RestartRequired = append(d.RestartRequired, "fallbacks")
	}

	return d
}
