package discord

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/hushline/pkg/audio"
)

var _ audio.Connection = (*Connection)(nil)

const (
	eventBuffer  = 64
	outputBuffer = 64
)

// Connection adapts a discordgo.VoiceConnection to [audio.Connection].
//
// Connection is safe for concurrent use.
type Connection struct {
	vc      *discordgo.VoiceConnection
	guildID string
	localID string

	output chan audio.AudioFrame

	mu     sync.Mutex
	events chan audio.Event
	closed bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	speaking      atomic.Bool
	droppedEvents atomic.Uint64

	removeHandler func()

	// disconnectVC and setSpeakingVC default to the voice connection and are
	// replaced in tests.
	disconnectVC  func() error
	setSpeakingVC func(bool) error
}

func newConnection(vc *discordgo.VoiceConnection, guildID, localID string) *Connection {
	return &Connection{
		vc:            vc,
		guildID:       guildID,
		localID:       localID,
		output:        make(chan audio.AudioFrame, outputBuffer),
		events:        make(chan audio.Event, eventBuffer),
		done:          make(chan struct{}),
		disconnectVC:  vc.Disconnect,
		setSpeakingVC: vc.Speaking,
	}
}

func (c *Connection) start() {
	c.wg.Add(2)
	go c.drainLoop()
	go c.sendLoop()
}

// LocalID returns the bot user's ID.
func (c *Connection) LocalID() string { return c.localID }

// OutputStream returns the channel carrying the local track. Frames of any
// rate and channel count are accepted and converted to 48 kHz stereo.
func (c *Connection) OutputStream() chan<- audio.AudioFrame { return c.output }

// Events returns the participant event queue.
func (c *Connection) Events() <-chan audio.Event { return c.events }

// DroppedEvents returns how many events were lost to a full queue.
func (c *Connection) DroppedEvents() uint64 { return c.droppedEvents.Load() }

// SetSpeaking updates the speaking indicator Discord shows for the local
// user. Repeated calls with the same value are not sent again.
func (c *Connection) SetSpeaking(speaking bool) error {
	if c.speaking.Swap(speaking) == speaking {
		return nil
	}
	if err := c.setSpeakingVC(speaking); err != nil {
		c.speaking.Store(!speaking)
		return err
	}
	return nil
}

// Disconnect leaves the voice channel and closes the event queue. It is
// safe to call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.removeHandler != nil {
			c.removeHandler()
		}
		c.wg.Wait()
		if c.speaking.Load() {
			_ = c.setSpeakingVC(false)
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}

		c.mu.Lock()
		c.closed = true
		close(c.events)
		c.mu.Unlock()
	})
	return err
}

// drainLoop discards inbound voice packets so the receiver never stalls.
func (c *Connection) drainLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case _, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
		}
	}
}

// sendLoop converts local frames to Discord's format, cuts them into exact
// Opus frames and sends them.
func (c *Connection) sendLoop() {
	defer c.wg.Done()
	enc, err := newOpusEncoder()
	if err != nil {
		slog.Error("discord: opus encoder unavailable, local track disabled", "err", err)
		<-c.done
		return
	}
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}}

	var buf []byte
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.output:
			buf = append(buf, conv.Convert(frame).Data...)
			off := 0
			for len(buf)-off >= opusFrameBytes {
				pkt, err := enc.encode(buf[off : off+opusFrameBytes])
				off += opusFrameBytes
				if err != nil {
					slog.Warn("discord: opus encode error", "err", err)
					continue
				}
				select {
				case c.vc.OpusSend <- pkt:
				case <-c.done:
					return
				}
			}
			buf = append(buf[:0], buf[off:]...)
		}
	}
}

// handleVoiceStateUpdate turns channel moves into join and leave events.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != c.guildID || vsu.UserID == c.localID {
		return
	}
	channelID := c.vc.ChannelID
	before := ""
	if vsu.BeforeUpdate != nil {
		before = vsu.BeforeUpdate.ChannelID
	}
	username := ""
	if vsu.Member != nil && vsu.Member.User != nil {
		username = vsu.Member.User.Username
	}

	switch {
	case before == channelID && vsu.ChannelID != channelID:
		c.emit(audio.Event{Type: audio.EventLeave, UserID: vsu.UserID, Username: username})
	case vsu.ChannelID == channelID && before != channelID:
		c.emit(audio.Event{Type: audio.EventJoin, UserID: vsu.UserID, Username: username})
	}
}

// handleSpeakingUpdate forwards Discord's speaking flag.
func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
	if su == nil || su.UserID == "" {
		return
	}
	c.emit(audio.Event{Type: audio.EventSpeaking, UserID: su.UserID, Speaking: su.Speaking})
}

func (c *Connection) emit(ev audio.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.droppedEvents.Add(1)
	}
}
