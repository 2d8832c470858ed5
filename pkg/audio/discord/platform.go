// Package discord provides an [audio.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library.
//
// The adapter publishes the local, already suppressed microphone track as
// Opus and reports roster and speaking changes from Discord as
// [audio.Event] values. Remote audio is not consumed: hushline only needs
// the remote speaking state, which arrives over the presence channel.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/hushline/pkg/audio"
)

var _ audio.Platform = (*Platform)(nil)

// Platform implements [audio.Platform] using a discordgo session.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
	guildID string
}

// New creates a Discord Platform for the given session and guild.
func New(session *discordgo.Session, guildID string) *Platform {
	return &Platform{
		session: session,
		guildID: guildID,
	}
}

// Connect joins the voice channel identified by channelID. ctx only bounds
// the join; the returned Connection lives until Disconnect.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vc, err := p.session.ChannelVoiceJoin(p.guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}

	localID := ""
	if p.session.State != nil && p.session.State.User != nil {
		localID = p.session.State.User.ID
	}
	c := newConnection(vc, p.guildID, localID)
	c.removeHandler = p.session.AddHandler(c.handleVoiceStateUpdate)
	vc.AddHandler(c.handleSpeakingUpdate)
	c.start()
	return c, nil
}
