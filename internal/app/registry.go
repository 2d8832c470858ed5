package app

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/hushline/internal/config"
	"github.com/MrWong99/hushline/pkg/audio"
	"github.com/MrWong99/hushline/pkg/audio/discord"
	"github.com/MrWong99/hushline/pkg/presence"
	"github.com/MrWong99/hushline/pkg/presence/mqtt"
	"github.com/MrWong99/hushline/pkg/presence/wsrelay"
	"github.com/MrWong99/hushline/pkg/provider/denoise"
	"github.com/MrWong99/hushline/pkg/provider/denoise/spectral"
)

// PlatformDiscord is the registry name of the Discord voice platform.
const PlatformDiscord = "discord"

// RegisterDefaults registers the built-in denoise runtime, presence
// transports and voice platform.
func RegisterDefaults(reg *config.Registry) {
	reg.RegisterRuntime(spectral.Name, func(config.DenoiseConfig) (denoise.Runtime, error) {
		return spectral.Runtime{}, nil
	})

	reg.RegisterTransport(config.TransportMQTT, func(ctx context.Context, cfg *config.Config, identity string) (presence.Transport, error) {
		m := cfg.Presence.MQTT
		t, err := mqtt.Dial(ctx, mqtt.Config{
			Broker:   m.Broker,
			ClientID: m.ClientID,
			Username: m.Username,
			Password: m.Password,
			Prefix:   cfg.Presence.TopicPrefix,
			Room:     cfg.Identity.Room,
			Identity: identity,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	})

	reg.RegisterTransport(config.TransportWebSocket, func(ctx context.Context, cfg *config.Config, identity string) (presence.Transport, error) {
		c, err := wsrelay.Dial(ctx, cfg.Presence.WebSocket.RoomURL(cfg.Identity.Room), identity)
		if err != nil {
			return nil, err
		}
		return c, nil
	})

	reg.RegisterPlatform(PlatformDiscord, newDiscordPlatform)
}

// discordPlatform owns the bot session behind a [discord.Platform].
type discordPlatform struct {
	*discord.Platform
	session *discordgo.Session
}

// Close closes the bot session.
func (p *discordPlatform) Close() error { return p.session.Close() }

func newDiscordPlatform(cfg *config.Config) (audio.Platform, error) {
	s, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return nil, fmt.Errorf("app: create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("app: open discord session: %w", err)
	}
	return &discordPlatform{Platform: discord.New(s, cfg.Discord.GuildID), session: s}, nil
}
