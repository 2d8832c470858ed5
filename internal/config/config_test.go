package config_test

import (
	"testing"
	"time"

	"github.com/MrWong99/hushline/internal/config"
)

func TestDefault(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	if cfg.Server.ListenAddr != ":8080" || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Audio.SampleRate != 48000 || cfg.Audio.BlockSize != 128 || cfg.Audio.Source != "noise" || cfg.Audio.Format != "f32le" {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if !cfg.Audio.IsPaced() {
		t.Error("audio must be paced by default")
	}
	if !cfg.Denoise.IsEnabled() || cfg.Denoise.Runtime != "spectral" || cfg.Denoise.AttenuationLimit() != 100 {
		t.Errorf("denoise = %+v", cfg.Denoise)
	}
	if cfg.Activity.Hold != 120*time.Millisecond || cfg.Activity.PollInterval != 20*time.Millisecond {
		t.Errorf("activity = %+v", cfg.Activity)
	}
	if cfg.Presence.Transport != config.TransportNone || cfg.Presence.TopicPrefix != "hushline" {
		t.Errorf("presence = %+v", cfg.Presence)
	}
	if cfg.Identity.Room != "lobby" {
		t.Errorf("room = %q", cfg.Identity.Room)
	}
	if err := config.Validate(cfg); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	t.Parallel()
	off := false
	zero := 0.0
	cfg := &config.Config{
		Audio:    config.AudioConfig{BlockSize: 480, Paced: &off},
		Denoise:  config.DenoiseConfig{Enabled: &off, AttenuationLimitDB: &zero},
		Activity: config.ActivityConfig{Hold: time.Second},
	}
	cfg.ApplyDefaults()
	if cfg.Audio.BlockSize != 480 || cfg.Audio.IsPaced() {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Denoise.IsEnabled() || cfg.Denoise.AttenuationLimit() != 0 {
		t.Errorf("denoise enabled=%v limit=%v", cfg.Denoise.IsEnabled(), cfg.Denoise.AttenuationLimit())
	}
	if cfg.Activity.Hold != time.Second {
		t.Errorf("hold = %v", cfg.Activity.Hold)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q reported invalid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error("trace reported valid")
	}
}

func TestWebSocketConfig_RoomURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		url, room, want string
	}{
		{"ws://relay:8080/relay/", "lobby", "ws://relay:8080/relay/lobby"},
		{"ws://relay:8080/relay/standup", "lobby", "ws://relay:8080/relay/standup"},
		{"wss://relay.example/custom", "lobby", "wss://relay.example/custom"},
	}
	for _, tc := range tests {
		if got := (config.WebSocketConfig{URL: tc.url}).RoomURL(tc.room); got != tc.want {
			t.Errorf("RoomURL(%q, %q) = %q, want %q", tc.url, tc.room, got, tc.want)
		}
	}
}
