package discord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/hushline/pkg/audio"
)

// newTestConnection builds a Connection around a fake voice connection with
// local channels instead of a websocket.
func newTestConnection(t *testing.T) (*Connection, *[]bool) {
	t.Helper()
	vc := &discordgo.VoiceConnection{
		ChannelID: "chan-1",
		OpusSend:  make(chan []byte, 16),
		OpusRecv:  make(chan *discordgo.Packet, 16),
	}
	c := newConnection(vc, "guild-test", "bot-user")
	var mu sync.Mutex
	var flags []bool
	c.disconnectVC = func() error { return nil }
	c.setSpeakingVC = func(b bool) error {
		mu.Lock()
		defer mu.Unlock()
		flags = append(flags, b)
		return nil
	}
	c.start()
	t.Cleanup(func() { _ = c.Disconnect() })
	return c, &flags
}

func nextEvent(t *testing.T, c *Connection) audio.Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return audio.Event{}
}

func TestNewPlatform(t *testing.T) {
	t.Parallel()
	s := &discordgo.Session{}
	p := New(s, "guild-123")
	if p.session != s || p.guildID != "guild-123" {
		t.Errorf("New stored %+v", p)
	}
}

func TestPlatform_ConnectCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(&discordgo.Session{}, "g").Connect(ctx, "c"); !errors.Is(err, context.Canceled) {
		t.Errorf("Connect = %v, want context.Canceled", err)
	}
}

func TestConnection_LocalID(t *testing.T) {
	t.Parallel()
	c, _ := newTestConnection(t)
	if c.LocalID() != "bot-user" {
		t.Errorf("LocalID = %q", c.LocalID())
	}
}

func TestConnection_VoiceStateEvents(t *testing.T) {
	t.Parallel()
	c, _ := newTestConnection(t)
	member := &discordgo.Member{User: &discordgo.User{Username: "Alice"}}

	c.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{GuildID: "guild-test", ChannelID: "chan-1", UserID: "u1", Member: member},
	})
	ev := nextEvent(t, c)
	if ev.Type != audio.EventJoin || ev.UserID != "u1" || ev.Username != "Alice" {
		t.Errorf("join event = %+v", ev)
	}

	c.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState:   &discordgo.VoiceState{GuildID: "guild-test", ChannelID: "", UserID: "u1"},
		BeforeUpdate: &discordgo.VoiceState{ChannelID: "chan-1"},
	})
	if ev := nextEvent(t, c); ev.Type != audio.EventLeave || ev.UserID != "u1" {
		t.Errorf("leave event = %+v", ev)
	}

	// Other guilds, the bot itself and moves between foreign channels are ignored.
	c.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{GuildID: "other", ChannelID: "chan-1", UserID: "u2"},
	})
	c.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{GuildID: "guild-test", ChannelID: "chan-1", UserID: "bot-user"},
	})
	c.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState:   &discordgo.VoiceState{GuildID: "guild-test", ChannelID: "chan-2", UserID: "u3"},
		BeforeUpdate: &discordgo.VoiceState{ChannelID: "chan-3"},
	})
	select {
	case ev := <-c.Events():
		t.Errorf("unexpected event %+v", ev)
	default:
	}
}

func TestConnection_SpeakingUpdates(t *testing.T) {
	t.Parallel()
	c, _ := newTestConnection(t)
	c.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "u1", SSRC: 7, Speaking: true})
	c.handleSpeakingUpdate(nil, nil)
	c.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "u1", SSRC: 7, Speaking: false})

	if ev := nextEvent(t, c); ev.Type != audio.EventSpeaking || !ev.Speaking || ev.UserID != "u1" {
		t.Errorf("first event = %+v", ev)
	}
	if ev := nextEvent(t, c); ev.Speaking {
		t.Errorf("second event = %+v", ev)
	}
}

func TestConnection_EventsDropWhenFull(t *testing.T) {
	t.Parallel()
	c, _ := newTestConnection(t)
	for range eventBuffer + 5 {
		c.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "u1", Speaking: true})
	}
	if got := c.DroppedEvents(); got != 5 {
		t.Errorf("DroppedEvents = %d, want 5", got)
	}
}

func TestConnection_SetSpeakingDeduplicates(t *testing.T) {
	t.Parallel()
	c, flags := newTestConnection(t)
	for _, b := range []bool{true, true, false, false, true} {
		if err := c.SetSpeaking(b); err != nil {
			t.Fatal(err)
		}
	}
	_ = c.Disconnect()
	want := []bool{true, false, true, false}
	if len(*flags) != len(want) {
		t.Fatalf("speaking flags = %v, want %v", *flags, want)
	}
	for i := range want {
		if (*flags)[i] != want[i] {
			t.Fatalf("speaking flags = %v, want %v", *flags, want)
		}
	}
}

func TestConnection_SendEncodesMonoTrack(t *testing.T) {
	t.Parallel()
	c, _ := newTestConnection(t)

	// 10 ms of 48 kHz mono, twice: one full 20 ms stereo Opus frame.
	half := audio.AudioFrame{Data: make([]byte, 480*2), SampleRate: 48000, Channels: 1}
	c.OutputStream() <- half
	select {
	case <-c.vc.OpusSend:
		t.Fatal("sent a packet before a full frame was buffered")
	case <-time.After(20 * time.Millisecond):
	}
	c.OutputStream() <- half

	select {
	case pkt := <-c.vc.OpusSend:
		if len(pkt) == 0 {
			t.Error("empty Opus packet")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Opus packet")
	}
}

func TestConnection_DrainsInboundVoice(t *testing.T) {
	t.Parallel()
	c, _ := newTestConnection(t)
	for range 64 {
		select {
		case c.vc.OpusRecv <- &discordgo.Packet{SSRC: 1, Opus: []byte{0xF8, 0xFF, 0xFE}}:
		case <-time.After(time.Second):
			t.Fatal("inbound voice not drained")
		}
	}
}

func TestConnection_DisconnectClosesEvents(t *testing.T) {
	t.Parallel()
	c, _ := newTestConnection(t)
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() { _ = c.Disconnect() })
	}
	wg.Wait()
	if _, ok := <-c.Events(); ok {
		t.Error("event queue open after Disconnect")
	}
	// Late Discord callbacks must not panic on the closed queue.
	c.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "u1", Speaking: true})
}
