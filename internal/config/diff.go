package config

import (
	"reflect"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/detect"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ThresholdsChanged bool
	NewThresholds     detect.Thresholds

	// RestartRequired lists the top-level sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// Changed reports whether any hot-reloadable field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ThresholdsChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Detection != new.Detection {
		d.ThresholdsChanged = true
		d.NewThresholds = new.Detection
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.ShutdownTimeout != new.Server.ShutdownTimeout ||
		old.Server.TraceSampleRatio != new.Server.TraceSampleRatio {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Catalog != new.Catalog {
		d.RestartRequired = append(d.RestartRequired, "catalog")
	}
	if old.Session != new.Session {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	if old.Limits != new.Limits {
		d.RestartRequired = append(d.RestartRequired, "limits")
	}
	if old.Recorder != new.Recorder {
		d.RestartRequired = append(d.RestartRequired, "recorder")
	}

	return d
}
