package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// KnownRuntimes and KnownTransports list the names registered by the
// daemon. [Validate] warns about other names, which may belong to
// third-party registrations.
var (
	KnownRuntimes   = []string{"spectral"}
	KnownTransports = []string{TransportNone, TransportMQTT, TransportWebSocket}
)

// validFormats lists the raw sample encodings capture understands.
var validFormats = []string{"f32le", "s16le"}

// LoadEnv loads KEY=VALUE pairs from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("config: load env %q: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. ${VAR} references are expanded from the environment first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return Parse(data)
}

// Parse expands environment references in data, decodes it, applies
// defaults and validates the result. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if !validName(cfg.Identity.Room) {
		errs = append(errs, fmt.Errorf("identity.room %q must be non-empty and must not contain '/', '+', '#' or '?'", cfg.Identity.Room))
	}
	if id := cfg.Identity.ParticipantID; id != "" && !validName(id) {
		errs = append(errs, fmt.Errorf("identity.participant_id %q must not contain '/', '+', '#' or '?'", id))
	}

	if cfg.Audio.SampleRate < 8000 || cfg.Audio.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 192000]", cfg.Audio.SampleRate))
	}
	if cfg.Audio.BlockSize < 1 || cfg.Audio.BlockSize > 8192 {
		errs = append(errs, fmt.Errorf("audio.block_size %d is out of range [1, 8192]", cfg.Audio.BlockSize))
	}
	if !slices.Contains(validFormats, cfg.Audio.Format) {
		errs = append(errs, fmt.Errorf("audio.format %q is invalid; valid values: %s", cfg.Audio.Format, strings.Join(validFormats, ", ")))
	}

	if lim := cfg.Denoise.AttenuationLimit(); lim < 0 || lim > 100 {
		errs = append(errs, fmt.Errorf("denoise.attenuation_limit_db %.1f is out of range [0, 100]", lim))
	}
	if b := cfg.Denoise.PostFilterBeta; b < 0 || b >= 1 {
		errs = append(errs, fmt.Errorf("denoise.post_filter_beta %.3f is out of range [0, 1)", b))
	}
	warnUnknown("denoise.runtime", cfg.Denoise.Runtime, KnownRuntimes)

	if cfg.Activity.Hold < 0 {
		errs = append(errs, fmt.Errorf("activity.hold %s must not be negative", cfg.Activity.Hold))
	}
	if cfg.Activity.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("activity.poll_interval %s must be positive", cfg.Activity.PollInterval))
	}
	if t := cfg.Activity.LevelThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("activity.level_threshold %.3f is out of range [0, 1]", t))
	}

	p := cfg.Presence
	warnUnknown("presence.transport", p.Transport, KnownTransports)
	if p.Fallback != "" {
		warnUnknown("presence.fallback", p.Fallback, KnownTransports)
		if p.Fallback == p.Transport {
			errs = append(errs, fmt.Errorf("presence.fallback %q must differ from presence.transport", p.Fallback))
		}
	}
	if p.Republish < 0 {
		errs = append(errs, fmt.Errorf("presence.republish %s must not be negative", p.Republish))
	}
	if strings.ContainsAny(p.TopicPrefix, "+#") {
		errs = append(errs, fmt.Errorf("presence.topic_prefix %q must not contain MQTT wildcards", p.TopicPrefix))
	}
	for _, name := range []string{p.Transport, p.Fallback} {
		switch name {
		case TransportMQTT:
			if p.MQTT.Broker == "" {
				errs = append(errs, fmt.Errorf("presence.mqtt.broker is required when the %s transport is used", name))
			}
		case TransportWebSocket:
			if p.WebSocket.URL == "" {
				errs = append(errs, fmt.Errorf("presence.websocket.url is required when the %s transport is used", name))
			}
		}
	}

	if d := cfg.Discord; d.Enabled() {
		if d.GuildID == "" {
			errs = append(errs, errors.New("discord.guild_id is required when discord.token is set"))
		}
		if d.ChannelID == "" {
			errs = append(errs, errors.New("discord.channel_id is required when discord.token is set"))
		}
	}

	return errors.Join(errs...)
}

func validName(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/+#?")
}

// warnUnknown logs a warning if name is not in known.
func warnUnknown(field, name string, known []string) {
	if name == "" || slices.Contains(known, name) {
		return
	}
	slog.Warn("config: unknown name, may be a typo or a third-party registration",
		"field", field,
		"name", name,
		"known", known,
	)
}
