package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/hushline/internal/config"
	"github.com/MrWong99/hushline/pkg/audio/suppress"
)

// Reload applies the live-tunable fields that differ between old and cur:
// the log level, the attenuation limit, the post-filter beta, the hold
// window and the level threshold. Other changes are logged as requiring a
// restart. It is meant to be passed to [config.NewWatcher].
func (a *App) Reload(old, cur *config.Config) {
	d := config.Diff(old, cur)
	if !d.Changed() {
		return
	}
	a.live.Store(cur)

	if d.LogLevelChanged {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if a.proc != nil {
		if d.AttenuationChanged {
			a.applyProcessor("attenuation_limit_db", a.proc.SetAttenuationLimit(float32(d.NewAttenuation)))
		}
		if d.PostFilterBetaChanged {
			a.applyProcessor("post_filter_beta", a.proc.SetPostFilterBeta(float32(d.NewPostFilterBeta)))
		}
	}
	if d.HoldChanged {
		a.detector.SetHold(d.NewActivity.Hold)
		slog.Info("activity hold changed", "hold", d.NewActivity.Hold)
	}
	if d.ThresholdChanged {
		a.detector.SetLevelThreshold(float32(d.NewActivity.LevelThreshold))
		slog.Info("activity level threshold changed", "threshold", d.NewActivity.LevelThreshold)
	}

	status := "applied"
	if len(d.RestartRequired) > 0 {
		status = "restart_required"
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
	a.metrics.RecordReload(context.Background(), status)
}

// applyProcessor logs the outcome of a live processor setting. Settings
// made before the model is ready are picked up by Initialize from the live
// config instead.
func (a *App) applyProcessor(field string, err error) {
	switch {
	case err == nil:
		slog.Info("suppression setting changed", "field", field)
	case errors.Is(err, suppress.ErrNotReady):
		slog.Debug("suppression not ready, setting applies on initialization", "field", field)
	default:
		slog.Warn("failed to apply suppression setting", "field", field, "err", err)
	}
}
