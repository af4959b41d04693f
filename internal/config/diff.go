package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only the log level and the output section apply without a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// OutputDirChanged is informational: the flush path reads the directory
	// from the watcher on every save.
	OutputDirChanged bool

	// RestartRequired lists sections whose changes are ignored until the
	// process restarts.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Output.Dir != new.Output.Dir {
		d.OutputDirChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Recorder, new.Recorder) {
		d.RestartRequired = append(d.RestartRequired, "recorder")
	}
	if !reflect.DeepEqual(old.Layout, new.Layout) {
		d.RestartRequired = append(d.RestartRequired, "layout")
	}
	if old.Output.PostgresDSN != new.Output.PostgresDSN {
		d.RestartRequired = append(d.RestartRequired, "output.postgres_dsn")
	}
	return d
}
