package config

import "reflect"

// ConfigDiff describes what changed between two configs. Fields that can be
// applied live are reported individually; everything else lands in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	AttenuationChanged bool
	NewAttenuation     float64

	PostFilterBetaChanged bool
	NewPostFilterBeta     float64

	// HoldChanged and ThresholdChanged refer to NewActivity.
	HoldChanged      bool
	ThresholdChanged bool
	NewActivity      ActivityConfig

	// RestartRequired lists the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Changed reports whether any field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.AttenuationChanged || d.PostFilterBetaChanged ||
		d.HoldChanged || d.ThresholdChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{NewActivity: new.Activity}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Denoise.AttenuationLimit() != new.Denoise.AttenuationLimit() {
		d.AttenuationChanged = true
		d.NewAttenuation = new.Denoise.AttenuationLimit()
	}
	if old.Denoise.PostFilterBeta != new.Denoise.PostFilterBeta {
		d.PostFilterBetaChanged = true
		d.NewPostFilterBeta = new.Denoise.PostFilterBeta
	}
	d.HoldChanged = old.Activity.Hold != new.Activity.Hold
	d.ThresholdChanged = old.Activity.LevelThreshold != new.Activity.LevelThreshold

	// Compare the remaining fields with the live ones masked out.
	o, n := *old, *new
	o.Server.LogLevel, n.Server.LogLevel = "", ""
	o.Denoise.AttenuationLimitDB, n.Denoise.AttenuationLimitDB = nil, nil
	o.Denoise.PostFilterBeta, n.Denoise.PostFilterBeta = 0, 0
	o.Activity.Hold, n.Activity.Hold = 0, 0
	o.Activity.LevelThreshold, n.Activity.LevelThreshold = 0, 0

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", o.Server, n.Server},
		{"identity", o.Identity, n.Identity},
		{"audio", o.Audio, n.Audio},
		{"denoise", o.Denoise, n.Denoise},
		{"activity", o.Activity, n.Activity},
		{"presence", o.Presence, n.Presence},
		{"discord", o.Discord, n.Discord},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
