// Package audio defines the types and transport contracts shared by the
// hushline processing core.
//
// Samples inside the core are single-channel float32 blocks, one per
// real-time callback. Voice transports are reached through two narrow
// interfaces:
//
//   - [Platform] joins a voice channel and returns a [Connection].
//   - [Connection] publishes the local (cleaned) microphone track and
//     delivers participant and speaking events as a message queue.
//
// Implementations live in adapter packages (e.g., audio/discord). This
// package lives under pkg/ because third-party transports are expected to
// implement [Platform] and [Connection].
package audio

import (
	"context"
)

// EventType classifies the events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a participant enters the voice channel.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the voice channel.
	EventLeave

	// EventSpeaking is emitted when the transport reports that a participant
	// started or stopped transmitting voice. See [Event.Speaking].
	EventSpeaking
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	case EventSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// Event describes a participant change on a voice channel.
type Event struct {
	// Type indicates what happened.
	Type EventType

	// UserID is the platform-specific unique identifier for the participant.
	UserID string

	// Username is the human-readable display name of the participant, if known.
	Username string

	// Speaking is the transport's speaking flag. Only meaningful for
	// [EventSpeaking].
	Speaking bool
}

// Connection represents an active session on a voice channel.
//
// A Connection is obtained by calling [Platform.Connect] and remains valid
// until [Connection.Disconnect] is called. Events are delivered through a
// single queue instead of callback registration; the channel returned by
// [Connection.Events] is closed when the connection terminates.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// LocalID returns the transport identity of the local participant.
	LocalID() string

	// OutputStream returns the write-only channel carrying the local
	// microphone track. Frames written here are encoded and published.
	//
	// The channel is buffered; writers must use a non-blocking send so that
	// the real-time path never stalls on a slow transport. Writes after
	// Disconnect are dropped.
	OutputStream() chan<- AudioFrame

	// Events returns the participant event queue. Slow consumers lose
	// events rather than blocking the transport.
	Events() <-chan Event

	// Disconnect tears down the connection and closes the event queue. It
	// is safe to call more than once; subsequent calls return nil.
	Disconnect() error
}

// Platform is the entry point for a voice-channel provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins the voice channel identified by channelID and returns an
	// active [Connection]. ctx governs the connection attempt only.
	Connect(ctx context.Context, channelID string) (Connection, error)
}
