// Package presence synchronizes the speaking state of participants over an
// unreliable broadcast transport.
//
// Every participant publishes its own state as a tiny JSON [Message] on the
// fixed [Topic] whenever it changes. Receivers overwrite their cached entry
// for the sender unconditionally: the last applied message wins, there are
// no sequence numbers and stale entries are only cleared by an explicit
// [Channel.Forget] (for example when the voice roster reports a leave).
//
// Transports implement the small [Transport] interface; see the mqtt and
// wsrelay subpackages.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/hushline/internal/resilience"
)

// ErrTransportClosed is returned by [Channel.Run] when the transport closes
// its packet queue.
var ErrTransportClosed = errors.New("presence: transport closed")

// Packet is one inbound broadcast message.
type Packet struct {
	// Topic is the logical topic, e.g. [Topic].
	Topic string

	// From is the transport identity of the sender.
	From string

	// Payload is the raw message body.
	Payload []byte
}

// Transport is an unreliable broadcast bus. Delivery, ordering and
// duplicate suppression are not guaranteed.
//
// Implementations must be safe for concurrent use.
type Transport interface {
	// Publish broadcasts payload on topic to every other participant.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Packets returns the inbound queue. It is closed when the transport
	// shuts down.
	Packets() <-chan Packet

	// Close shuts the transport down. Calling Close more than once is safe.
	Close() error
}

// Update reports a change of a cached entry.
type Update struct {
	Identity string
	State    State

	// Local is true for changes of the local participant.
	Local bool

	// Removed is true when the entry was dropped by Forget.
	Removed bool
}

// Stats is a snapshot of channel counters.
type Stats struct {
	Sent           uint64
	Received       uint64
	PublishErrors  uint64
	Invalid        uint64
	Ignored        uint64
	UpdatesDropped uint64
}

// Option configures a [Channel].
type Option func(*Channel)

// WithCache makes the Channel write into c instead of a private cache.
func WithCache(c *Cache) Option {
	return func(ch *Channel) {
		if c != nil {
			ch.cache = c
		}
	}
}

// WithClock overrides the time source for LastTransitionAt.
func WithClock(now func() time.Time) Option {
	return func(ch *Channel) {
		if now != nil {
			ch.now = now
		}
	}
}

// WithPublishTimeout bounds each Publish call. Default: 2s.
func WithPublishTimeout(d time.Duration) Option {
	return func(ch *Channel) {
		if d > 0 {
			ch.publishTimeout = d
		}
	}
}

// WithBreaker configures the circuit breaker guarding Publish.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(ch *Channel) { ch.breakerCfg = cfg }
}

// WithRepublish makes Run re-send the local state every interval so peers
// that joined late or lost a message converge. 0 disables it (default).
func WithRepublish(interval time.Duration) Option {
	return func(ch *Channel) {
		if interval >= 0 {
			ch.republish = interval
		}
	}
}

// WithUpdateBuffer sets the capacity of the [Channel.Updates] queue.
// Default: 64.
func WithUpdateBuffer(n int) Option {
	return func(ch *Channel) {
		if n > 0 {
			ch.updateBuf = n
		}
	}
}

// Channel is the speaking-state synchronization endpoint of one local
// participant.
type Channel struct {
	local     string
	transport Transport
	cache     *Cache
	now       func() time.Time

	publishTimeout time.Duration
	republish      time.Duration
	breakerCfg     resilience.CircuitBreakerConfig
	breaker        *resilience.CircuitBreaker
	updateBuf      int

	pending chan bool
	updates chan Update

	sent, received, publishErrs, invalid, ignored, updatesDropped atomic.Uint64
}

// New returns a Channel for the local participant identity that broadcasts
// over t.
func New(local string, t Transport, opts ...Option) *Channel {
	ch := &Channel{
		local:          local,
		transport:      t,
		now:            time.Now,
		publishTimeout: 2 * time.Second,
		breakerCfg: resilience.CircuitBreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 5 * time.Second,
			HalfOpenMax:  1,
		},
		updateBuf: 64,
		pending:   make(chan bool, 1),
	}
	for _, o := range opts {
		o(ch)
	}
	if ch.cache == nil {
		ch.cache = NewCache()
	}
	if ch.breakerCfg.Name == "" {
		ch.breakerCfg.Name = "presence-publish"
	}
	ch.breaker = resilience.NewCircuitBreaker(ch.breakerCfg)
	ch.updates = make(chan Update, ch.updateBuf)
	return ch
}

// Local returns the local participant identity.
func (c *Channel) Local() string { return c.local }

// Cache returns the cache the Channel writes into.
func (c *Channel) Cache() *Cache { return c.cache }

// Breaker returns the circuit breaker guarding Publish.
func (c *Channel) Breaker() *resilience.CircuitBreaker { return c.breaker }

// Updates returns the queue of cache changes. Changes that do not fit are
// dropped and counted in [Stats.UpdatesDropped].
func (c *Channel) Updates() <-chan Update { return c.updates }

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Sent:           c.sent.Load(),
		Received:       c.received.Load(),
		PublishErrors:  c.publishErrs.Load(),
		Invalid:        c.invalid.Load(),
		Ignored:        c.ignored.Load(),
		UpdatesDropped: c.updatesDropped.Load(),
	}
}

// IsSpeaking reports the cached speaking state of id. The local identity is
// answered from the last SetLocal call.
func (c *Channel) IsSpeaking(id string) bool { return c.cache.IsSpeaking(id) }

// SetLocal records the local speaking state and queues a broadcast. It never
// blocks; if a broadcast is already queued, only the newest state is sent.
func (c *Channel) SetLocal(speaking bool) {
	if st, changed := c.cache.Set(c.local, speaking, c.now()); changed {
		c.notify(Update{Identity: c.local, State: st, Local: true})
	}
	for {
		select {
		case c.pending <- speaking:
			return
		default:
		}
		select {
		case <-c.pending:
		default:
		}
	}
}

// Forget drops the cached entry of id. Use it when an external membership
// signal reports that id left, so a participant who disconnected while
// speaking does not stay flagged forever.
func (c *Channel) Forget(id string) {
	if !c.cache.Delete(id) {
		return
	}
	c.notify(Update{
		Identity: id,
		State:    State{LastTransitionAt: c.now()},
		Local:    id == c.local,
		Removed:  true,
	})
}

// Run consumes inbound packets and queued local broadcasts until ctx is done
// or the transport closes. It returns nil on cancellation.
func (c *Channel) Run(ctx context.Context) error {
	packets := c.transport.Packets()

	var tick <-chan time.Time
	if c.republish > 0 {
		t := time.NewTicker(c.republish)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-packets:
			if !ok {
				return ErrTransportClosed
			}
			c.handle(pkt)
		case speaking := <-c.pending:
			c.publish(ctx, speaking)
		case <-tick:
			if st, ok := c.cache.Get(c.local); ok {
				c.publish(ctx, st.Speaking)
			}
		}
	}
}

func (c *Channel) handle(pkt Packet) {
	if pkt.Topic != Topic || pkt.From == "" || pkt.From == c.local {
		c.ignored.Add(1)
		return
	}
	msg, err := Decode(pkt.Payload)
	if err != nil {
		c.invalid.Add(1)
		slog.Debug("presence: dropping invalid message", "from", pkt.From, "err", err)
		return
	}
	c.received.Add(1)
	if st, changed := c.cache.Set(pkt.From, msg.Speaking, c.now()); changed {
		c.notify(Update{Identity: pkt.From, State: st})
	}
}

func (c *Channel) publish(ctx context.Context, speaking bool) {
	payload := Encode(Message{Speaking: speaking})
	err := c.breaker.Execute(func() error {
		pctx, cancel := context.WithTimeout(ctx, c.publishTimeout)
		defer cancel()
		return c.transport.Publish(pctx, Topic, payload)
	})
	if err != nil {
		c.publishErrs.Add(1)
		if !errors.Is(err, resilience.ErrCircuitOpen) && ctx.Err() == nil {
			slog.Warn("presence: publish failed", "speaking", speaking, "err", err)
		}
		return
	}
	c.sent.Add(1)
}

func (c *Channel) notify(u Update) {
	select {
	case c.updates <- u:
	default:
		c.updatesDropped.Add(1)
	}
}
