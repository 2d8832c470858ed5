// Package mock provides an in-memory [presence.Transport] for tests.
//
// A Hub is a broadcast bus; every Transport obtained from Hub.Join receives
// the packets published by the others, stamped with the publisher identity.
//
// Example:
//
//	hub := mock.NewHub()
//	alice, bob := hub.Join("alice"), hub.Join("bob")
//	_ = alice.Publish(ctx, presence.Topic, presence.Encode(presence.Message{Speaking: true}))
//	pkt := <-bob.Packets()
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/hushline/pkg/presence"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("mock: transport closed")

// Hub connects Transports in memory.
type Hub struct {
	mu      sync.Mutex
	members map[string]*Transport
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{members: make(map[string]*Transport)}
}

// Join attaches a new Transport with the given identity. The inbound queue
// holds 64 packets; further packets are dropped like on a lossy network.
func (h *Hub) Join(identity string) *Transport {
	t := &Transport{
		hub:      h,
		identity: identity,
		packets:  make(chan presence.Packet, 64),
	}
	h.mu.Lock()
	h.members[identity] = t
	h.mu.Unlock()
	return t
}

func (h *Hub) broadcast(from string, pkt presence.Packet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, m := range h.members {
		if id == from {
			continue
		}
		m.deliver(pkt)
	}
}

func (h *Hub) leave(identity string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.members, identity)
}

// PublishCall records a single Publish invocation.
type PublishCall struct {
	Topic   string
	Payload []byte
}

// Transport is a mock implementation of [presence.Transport].
type Transport struct {
	hub      *Hub
	identity string

	mu sync.Mutex

	// PublishErr, if non-nil, is returned by Publish and nothing is sent.
	PublishErr error

	// PublishCalls records every Publish invocation in order.
	PublishCalls []PublishCall

	// Dropped counts inbound packets lost to a full queue.
	Dropped int

	packets chan presence.Packet
	closed  bool
}

// Identity returns the identity the transport joined with.
func (t *Transport) Identity() string { return t.identity }

// Publish records the call and broadcasts the payload to the other members.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	cp := append([]byte(nil), payload...)
	t.PublishCalls = append(t.PublishCalls, PublishCall{Topic: topic, Payload: cp})
	err, closed := t.PublishErr, t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err != nil {
		return err
	}
	if t.hub != nil {
		t.hub.broadcast(t.identity, presence.Packet{Topic: topic, From: t.identity, Payload: cp})
	}
	return nil
}

// Inject delivers pkt to this transport as if it came from the network.
func (t *Transport) Inject(pkt presence.Packet) { t.deliver(pkt) }

func (t *Transport) deliver(pkt presence.Packet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.packets <- pkt:
	default:
		t.Dropped++
	}
}

// Packets implements [presence.Transport].
func (t *Transport) Packets() <-chan presence.Packet { return t.packets }

// Close leaves the hub and closes the inbound queue.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.packets)
	t.mu.Unlock()
	if t.hub != nil {
		t.hub.leave(t.identity)
	}
	return nil
}

// Calls returns a copy of PublishCalls. Thread-safe.
func (t *Transport) Calls() []PublishCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]PublishCall(nil), t.PublishCalls...)
}

// SetPublishErr sets PublishErr. Thread-safe.
func (t *Transport) SetPublishErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.PublishErr = err
}

var _ presence.Transport = (*Transport)(nil)
