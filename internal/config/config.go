// Package config provides the configuration schema, loader, hot-reload
// watcher and component registry for the hushline daemon.
package config

import (
	"net/url"
	"strings"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Presence transport names.
const (
	TransportNone      = "none"
	TransportMQTT      = "mqtt"
	TransportWebSocket = "websocket"
)

// Config is the root configuration structure. It is typically loaded from
// a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Identity IdentityConfig `yaml:"identity"`
	Audio    AudioConfig    `yaml:"audio"`
	Denoise  DenoiseConfig  `yaml:"denoise"`
	Activity ActivityConfig `yaml:"activity"`
	Presence PresenceConfig `yaml:"presence"`
	Discord  DiscordConfig  `yaml:"discord"`
}

// ServerConfig holds the HTTP surface and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health, metrics and relay
	// endpoints (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// IdentityConfig names the local participant and the room it is in.
type IdentityConfig struct {
	// ParticipantID is the local identity on the presence channel. Empty
	// uses the voice transport's identity, or a random UUID.
	ParticipantID string `yaml:"participant_id"`

	Room string `yaml:"room"`
}

// AudioConfig describes microphone capture.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	BlockSize  int `yaml:"block_size"`

	// Source is "stdin", "noise" (synthetic test signal) or a file path.
	Source string `yaml:"source"`

	// Format is the raw sample encoding of Source: "f32le" or "s16le".
	Format string `yaml:"format"`

	// Sink optionally receives the processed audio: "stdout" or a file path.
	Sink string `yaml:"sink"`

	// Paced delivers blocks at real-time cadence. Defaults to true.
	Paced *bool `yaml:"paced"`
}

// IsPaced reports whether blocks are delivered at real-time cadence.
func (a AudioConfig) IsPaced() bool { return a.Paced == nil || *a.Paced }

// DenoiseConfig configures the suppression model.
type DenoiseConfig struct {
	// Enabled turns suppression on. Defaults to true.
	Enabled *bool `yaml:"enabled"`

	// Runtime selects a registered model runtime. Default: "spectral".
	Runtime string `yaml:"runtime"`

	// Model is a file path or http(s) URL of the model blob. Empty uses the
	// runtime's built-in default model.
	Model string `yaml:"model"`

	// AttenuationLimitDB caps the suppression depth. 0 disables suppression
	// while keeping the model loaded. Defaults to 100.
	AttenuationLimitDB *float64 `yaml:"attenuation_limit_db"`

	PostFilterBeta float64 `yaml:"post_filter_beta"`
}

// IsEnabled reports whether suppression is turned on.
func (d DenoiseConfig) IsEnabled() bool { return d.Enabled == nil || *d.Enabled }

// AttenuationLimit returns the configured limit or the default.
func (d DenoiseConfig) AttenuationLimit() float64 {
	if d.AttenuationLimitDB == nil {
		return DefaultAttenuationLimit
	}
	return *d.AttenuationLimitDB
}

// ActivityConfig tunes the local speech-activity detector.
type ActivityConfig struct {
	Hold         time.Duration `yaml:"hold"`
	PollInterval time.Duration `yaml:"poll_interval"`

	// LevelThreshold is the RMS level above which a block counts as
	// activity. 0 treats any nonzero level as speech.
	LevelThreshold float64 `yaml:"level_threshold"`
}

// PresenceConfig selects and configures the speaking-state broadcast.
type PresenceConfig struct {
	// Transport is "mqtt", "websocket" or "none".
	Transport string `yaml:"transport"`

	// Fallback is tried when Transport cannot be reached at startup.
	Fallback string `yaml:"fallback"`

	// TopicPrefix is the first MQTT topic level. Default: "hushline".
	TopicPrefix string `yaml:"topic_prefix"`

	// Republish re-sends the local state periodically. 0 disables it.
	Republish time.Duration `yaml:"republish"`

	MQTT      MQTTConfig      `yaml:"mqtt"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Relay     RelayConfig     `yaml:"relay"`
}

// MQTTConfig holds broker credentials.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
}

// WebSocketConfig points at a relay server.
type WebSocketConfig struct {
	// URL is the relay room endpoint, e.g. "ws://host:8080/relay/lobby".
	// The room path segment is appended when the URL ends in "/relay/".
	URL string `yaml:"url"`
}

// RoomURL returns the relay endpoint for room.
func (w WebSocketConfig) RoomURL(room string) string {
	if strings.HasSuffix(w.URL, "/relay/") {
		return w.URL + url.PathEscape(room)
	}
	return w.URL
}

// RelayConfig controls the built-in relay server.
type RelayConfig struct {
	// Enabled serves /relay/{room} on the HTTP listener.
	Enabled bool `yaml:"enabled"`

	OriginPatterns []string `yaml:"origin_patterns"`
}

// DiscordConfig enables the Discord voice transport.
type DiscordConfig struct {
	Token     string `yaml:"token"`
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`
}

// Enabled reports whether a Discord bot token is configured.
func (d DiscordConfig) Enabled() bool { return d.Token != "" }

// Defaults used by [Config.ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultSampleRate       = 48000
	DefaultBlockSize        = 128
	DefaultSource           = "noise"
	DefaultFormat           = "f32le"
	DefaultRuntime          = "spectral"
	DefaultAttenuationLimit = 100
	DefaultHold             = 120 * time.Millisecond
	DefaultPollInterval     = 20 * time.Millisecond
	DefaultRoom             = "lobby"
	DefaultTopicPrefix      = "hushline"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Identity.Room == "" {
		c.Identity.Room = DefaultRoom
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = DefaultSampleRate
	}
	if c.Audio.BlockSize == 0 {
		c.Audio.BlockSize = DefaultBlockSize
	}
	if c.Audio.Source == "" {
		c.Audio.Source = DefaultSource
	}
	if c.Audio.Format == "" {
		c.Audio.Format = DefaultFormat
	}
	if c.Denoise.Runtime == "" {
		c.Denoise.Runtime = DefaultRuntime
	}
	if c.Activity.Hold == 0 {
		c.Activity.Hold = DefaultHold
	}
	if c.Activity.PollInterval == 0 {
		c.Activity.PollInterval = DefaultPollInterval
	}
	if c.Presence.Transport == "" {
		c.Presence.Transport = TransportNone
	}
	if c.Presence.TopicPrefix == "" {
		c.Presence.TopicPrefix = DefaultTopicPrefix
	}
}
