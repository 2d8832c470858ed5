// Package mock provides in-memory mock implementations of the [audio.Platform]
// and [audio.Connection] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	out := make(chan audio.AudioFrame, 16)
//	conn := mock.NewConnection("local-user", out)
//	platform := &mock.Platform{ConnectResult: conn}
//	got, err := platform.Connect(ctx, "channel-42")
//	conn.EmitEvent(audio.Event{Type: audio.EventSpeaking, UserID: "local-user", Speaking: true})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/hushline/pkg/audio"
)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock implementation of [audio.Connection].
// Set the exported Result fields before use; inspect the Call* fields after.
type Connection struct {
	mu sync.Mutex

	// LocalIDResult is returned by [Connection.LocalID].
	LocalIDResult string

	// OutputStreamResult is returned by [Connection.OutputStream].
	OutputStreamResult chan<- audio.AudioFrame

	// DisconnectError is returned by [Connection.Disconnect].
	DisconnectError error

	// CallCountOutputStream records how many times OutputStream was called.
	CallCountOutputStream int

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	events chan audio.Event
	closed bool
}

// NewConnection returns a Connection whose event queue holds up to 64
// undelivered events.
func NewConnection(localID string, out chan<- audio.AudioFrame) *Connection {
	return &Connection{
		LocalIDResult:      localID,
		OutputStreamResult: out,
		events:             make(chan audio.Event, 64),
	}
}

// LocalID implements [audio.Connection]. Returns LocalIDResult.
func (c *Connection) LocalID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.LocalIDResult
}

// OutputStream implements [audio.Connection]. Returns OutputStreamResult.
func (c *Connection) OutputStream() chan<- audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountOutputStream++
	return c.OutputStreamResult
}

// Events implements [audio.Connection].
func (c *Connection) Events() <-chan audio.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events == nil {
		c.events = make(chan audio.Event, 64)
	}
	return c.events
}

// Disconnect implements [audio.Connection]. Closes the event queue on the
// first call and returns DisconnectError.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	if !c.closed {
		c.closed = true
		if c.events != nil {
			close(c.events)
		}
	}
	return c.DisconnectError
}

// EmitEvent queues ev for delivery through [Connection.Events]. Events
// emitted after Disconnect, or while the queue is full, are dropped.
func (c *Connection) EmitEvent(ev audio.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.events == nil {
		c.events = make(chan audio.Event, 64)
	}
	select {
	case c.events <- ev:
	default:
	}
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Platform.Connect] invocation.
type ConnectCall struct {
	// ChannelID is the channelID argument passed to Connect.
	ChannelID string
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is the [audio.Connection] returned by Connect.
	ConnectResult audio.Connection

	// ConnectError is the error returned by Connect.
	ConnectError error

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall
}

// Connect implements [audio.Platform]. Records the call and returns ConnectResult / ConnectError.
func (p *Platform) Connect(_ context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{ChannelID: channelID})
	return p.ConnectResult, p.ConnectError
}

var (
	_ audio.Connection = (*Connection)(nil)
	_ audio.Platform   = (*Platform)(nil)
)
