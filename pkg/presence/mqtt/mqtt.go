// Package mqtt implements [presence.Transport] on top of an MQTT broker.
//
// Messages are published with QoS 0 and never retained, matching the
// fire-and-forget nature of speaking-state updates. Each participant
// publishes on
//
//	<prefix>/<room>/<topic>/<identity>
//
// and subscribes to <prefix>/<room>/+/+, so the sender identity travels in
// the topic and needs no envelope around the payload.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/MrWong99/hushline/pkg/presence"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("mqtt: transport closed")

// Config holds the broker connection parameters.
type Config struct {
	// Broker is the broker URL, e.g. "tcp://localhost:1883".
	Broker string

	// ClientID is the MQTT client identifier. Empty generates
	// "hushline-<uuid>".
	ClientID string

	Username string
	Password string

	// Prefix is the first topic level. Default: "hushline".
	Prefix string

	// Room scopes the broadcast to one voice room.
	Room string

	// Identity is the local participant identity placed in published topics.
	Identity string
}

// Option configures a [Transport].
type Option func(*Transport)

// WithClient replaces the paho client built from [Config]. Used in tests.
func WithClient(c paho.Client) Option {
	return func(t *Transport) { t.client = c }
}

// WithQueueSize sets the capacity of the inbound packet queue. Default: 256.
func WithQueueSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.queueSize = n
		}
	}
}

// WithDisconnectQuiesce sets how long Close waits for in-flight work, in
// milliseconds. Default: 250.
func WithDisconnectQuiesce(ms uint) Option {
	return func(t *Transport) { t.quiesce = ms }
}

// Transport is an MQTT-backed [presence.Transport].
type Transport struct {
	cfg       Config
	client    paho.Client
	queueSize int
	quiesce   uint
	filter    string

	mu      sync.Mutex
	closed  bool
	packets chan presence.Packet
	dropped atomic.Uint64
}

// Dial connects to the broker, subscribes to the room and returns a ready
// Transport. ctx bounds the connect and subscribe handshakes.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Transport, error) {
	if cfg.Room == "" || cfg.Identity == "" {
		return nil, fmt.Errorf("mqtt: room and identity are required")
	}
	if strings.ContainsAny(cfg.Room+cfg.Identity, "/+#") {
		return nil, fmt.Errorf("mqtt: room and identity must not contain '/', '+' or '#'")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "hushline"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "hushline-" + uuid.NewString()
	}

	t := &Transport{
		cfg:       cfg,
		queueSize: 256,
		quiesce:   250,
		filter:    cfg.Prefix + "/" + cfg.Room + "/+/+",
	}
	for _, o := range opts {
		o(t)
	}
	t.packets = make(chan presence.Packet, t.queueSize)

	if t.client == nil {
		if cfg.Broker == "" {
			return nil, fmt.Errorf("mqtt: broker is required")
		}
		po := paho.NewClientOptions()
		po.AddBroker(cfg.Broker)
		po.SetClientID(cfg.ClientID)
		po.SetUsername(cfg.Username)
		po.SetPassword(cfg.Password)
		po.SetCleanSession(true)
		po.SetAutoReconnect(true)
		po.SetKeepAlive(30 * time.Second)
		po.SetPingTimeout(10 * time.Second)
		po.SetConnectionLostHandler(func(_ paho.Client, err error) {
			slog.Warn("mqtt: connection lost", "broker", cfg.Broker, "err", err)
		})
		po.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
			slog.Info("mqtt: reconnecting", "broker", cfg.Broker)
		})
		// Clean sessions lose subscriptions on reconnect.
		var connected atomic.Bool
		po.SetOnConnectHandler(func(c paho.Client) {
			if !connected.Swap(true) {
				return
			}
			tok := c.Subscribe(t.filter, 0, t.onMessage)
			if tok.WaitTimeout(10*time.Second) && tok.Error() != nil {
				slog.Warn("mqtt: resubscribe failed", "filter", t.filter, "err", tok.Error())
			}
		})
		t.client = paho.NewClient(po)
	}

	if err := wait(ctx, t.client.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}
	if err := wait(ctx, t.client.Subscribe(t.filter, 0, t.onMessage)); err != nil {
		t.client.Disconnect(t.quiesce)
		return nil, fmt.Errorf("mqtt: subscribe %s: %w", t.filter, err)
	}
	slog.Info("mqtt: connected", "broker", cfg.Broker, "filter", t.filter, "client_id", cfg.ClientID)
	return t, nil
}

func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TopicFor returns the full MQTT topic the local participant publishes
// topic on.
func (t *Transport) TopicFor(topic string) string {
	return t.cfg.Prefix + "/" + t.cfg.Room + "/" + topic + "/" + t.cfg.Identity
}

// Publish implements [presence.Transport]. It sends with QoS 0, not
// retained.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := wait(ctx, t.client.Publish(t.TopicFor(topic), 0, false, payload)); err != nil {
		return fmt.Errorf("mqtt: publish: %w", err)
	}
	return nil
}

// Packets implements [presence.Transport].
func (t *Transport) Packets() <-chan presence.Packet { return t.packets }

// Dropped returns the number of inbound packets lost to a full queue.
func (t *Transport) Dropped() uint64 { return t.dropped.Load() }

func (t *Transport) onMessage(_ paho.Client, msg paho.Message) {
	topic, from, ok := t.parse(msg.Topic())
	if !ok {
		return
	}
	pkt := presence.Packet{Topic: topic, From: from, Payload: msg.Payload()}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.packets <- pkt:
	default:
		t.dropped.Add(1)
	}
}

// parse splits <prefix>/<room>/<topic>/<identity>.
func (t *Transport) parse(full string) (topic, from string, ok bool) {
	base := t.cfg.Prefix + "/" + t.cfg.Room + "/"
	rest, found := strings.CutPrefix(full, base)
	if !found {
		return "", "", false
	}
	topic, from, found = strings.Cut(rest, "/")
	if !found || topic == "" || from == "" || strings.Contains(from, "/") {
		return "", "", false
	}
	return topic, from, true
}

// Close unsubscribes, disconnects and closes the packet queue. Calling Close
// more than once is safe.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.packets)
	t.mu.Unlock()

	tok := t.client.Unsubscribe(t.filter)
	tok.WaitTimeout(time.Second)
	t.client.Disconnect(t.quiesce)
	return nil
}

var _ presence.Transport = (*Transport)(nil)
