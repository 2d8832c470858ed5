package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/hushline/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(config.Default(), config.Default())
	if d.Changed() {
		t.Errorf("identical configs reported changed: %+v", d)
	}
}

func TestDiff_LiveFields(t *testing.T) {
	t.Parallel()
	old := config.Default()
	cur := config.Default()
	limit := 30.0
	cur.Server.LogLevel = config.LogDebug
	cur.Denoise.AttenuationLimitDB = &limit
	cur.Denoise.PostFilterBeta = 0.03
	cur.Activity.Hold = 400 * time.Millisecond
	cur.Activity.LevelThreshold = 0.02

	d := config.Diff(old, cur)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level: %+v", d)
	}
	if !d.AttenuationChanged || d.NewAttenuation != 30 {
		t.Errorf("attenuation: changed=%v new=%v", d.AttenuationChanged, d.NewAttenuation)
	}
	if !d.PostFilterBetaChanged || d.NewPostFilterBeta != 0.03 {
		t.Errorf("beta: changed=%v new=%v", d.PostFilterBetaChanged, d.NewPostFilterBeta)
	}
	if !d.HoldChanged || !d.ThresholdChanged || d.NewActivity.Hold != 400*time.Millisecond {
		t.Errorf("activity: %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("live fields must not require a restart: %v", d.RestartRequired)
	}
}

func TestDiff_ExplicitDefaultAttenuationIsUnchanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	cur := config.Default()
	limit := float64(config.DefaultAttenuationLimit)
	cur.Denoise.AttenuationLimitDB = &limit
	if d := config.Diff(old, cur); d.Changed() {
		t.Errorf("spelling out the default reported a change: %+v", d)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		section string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9999" }, "server"},
		{"room", func(c *config.Config) { c.Identity.Room = "other" }, "identity"},
		{"block size", func(c *config.Config) { c.Audio.BlockSize = 480 }, "audio"},
		{"model", func(c *config.Config) { c.Denoise.Model = "/tmp/m.hsdn" }, "denoise"},
		{"poll interval", func(c *config.Config) { c.Activity.PollInterval = time.Second }, "activity"},
		{"republish", func(c *config.Config) { c.Presence.Republish = time.Second }, "presence"},
		{"discord", func(c *config.Config) { c.Discord.ChannelID = "42" }, "discord"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old := config.Default()
			cur := config.Default()
			tc.mutate(cur)
			d := config.Diff(old, cur)
			if !d.Changed() {
				t.Fatal("change not detected")
			}
			if !slices.Equal(d.RestartRequired, []string{tc.section}) {
				t.Errorf("RestartRequired = %v, want [%s]", d.RestartRequired, tc.section)
			}
		})
	}
}
