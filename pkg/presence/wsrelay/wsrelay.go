// Package wsrelay is a WebSocket fan-out relay for [presence] messages.
//
// A [Server] accepts one WebSocket per participant on a room URL and
// forwards every frame it receives to all other participants in the same
// room. The sender identity is taken from the connection, never from the
// frame, so peers cannot speak for each other. Per-peer send queues are
// bounded and drop on overflow: the relay is as unreliable as the
// broadcast it stands in for.
//
// [Client] dials a Server and implements [presence.Transport].
package wsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/hushline/pkg/presence"
)

// ErrClosed is returned by [Client.Publish] after the connection closed.
var ErrClosed = errors.New("wsrelay: connection closed")

// frame is the wire envelope. From is only set on frames sent by the server.
type frame struct {
	Topic   string `json:"topic"`
	From    string `json:"from,omitempty"`
	Payload []byte `json:"payload"`
}

// maxFrameSize bounds a single relayed message. Presence messages are a few
// dozen bytes.
const maxFrameSize = 16 << 10

func validName(s string) bool {
	return s != "" && len(s) <= 128 && !strings.ContainsAny(s, "/?#")
}

// ---- server ----

// ServerOption configures a [Server].
type ServerOption func(*Server)

// WithPeerQueue sets the per-peer send queue capacity. Default: 64.
func WithPeerQueue(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithWriteTimeout bounds each write to a peer. Default: 5s.
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithOriginPatterns allows cross-origin browsers matching patterns to
// connect. See [websocket.AcceptOptions].
func WithOriginPatterns(patterns ...string) ServerOption {
	return func(s *Server) { s.origins = patterns }
}

// ServerStats is a snapshot of relay counters.
type ServerStats struct {
	Relayed uint64
	Dropped uint64
	Invalid uint64
}

type peer struct {
	identity string
	room     string
	conn     *websocket.Conn
	send     chan []byte
}

// Server relays frames between participants of the same room. It is an
// [http.Handler]; the room is read from the {room} path value, falling back
// to the "room" query parameter, and the identity from the "identity" query
// parameter.
type Server struct {
	queueSize    int
	writeTimeout time.Duration
	origins      []string

	mu     sync.Mutex
	rooms  map[string]map[*peer]struct{}
	closed bool

	relayed atomic.Uint64
	dropped atomic.Uint64
	invalid atomic.Uint64
}

// NewServer returns an empty relay.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		queueSize:    64,
		writeTimeout: 5 * time.Second,
		rooms:        make(map[string]map[*peer]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Stats returns the relay counters.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Relayed: s.relayed.Load(),
		Dropped: s.dropped.Load(),
		Invalid: s.invalid.Load(),
	}
}

// Peers returns the number of connected participants in room.
func (s *Server) Peers(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[room])
}

// ServeHTTP upgrades the request and relays until the peer disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if room == "" {
		room = r.URL.Query().Get("room")
	}
	identity := r.URL.Query().Get("identity")
	if !validName(room) || !validName(identity) {
		http.Error(w, "wsrelay: room and identity are required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		slog.Warn("wsrelay: accept failed", "room", room, "identity", identity, "err", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	p := &peer{identity: identity, room: room, conn: conn, send: make(chan []byte, s.queueSize)}
	if !s.join(p) {
		conn.Close(websocket.StatusGoingAway, "relay shutting down")
		return
	}
	slog.Debug("wsrelay: peer joined", "room", room, "identity", identity)

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx, p)
	}()

	s.readLoop(ctx, p)
	s.leave(p)
	cancel()
	wg.Wait()
	conn.Close(websocket.StatusNormalClosure, "")
	slog.Debug("wsrelay: peer left", "room", room, "identity", identity)
}

func (s *Server) join(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	members := s.rooms[p.room]
	if members == nil {
		members = make(map[*peer]struct{})
		s.rooms[p.room] = members
	}
	members[p] = struct{}{}
	return true
}

func (s *Server) leave(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.rooms[p.room]
	delete(members, p)
	if len(members) == 0 {
		delete(s.rooms, p.room)
	}
}

func (s *Server) readLoop(ctx context.Context, p *peer) {
	for {
		_, data, err := p.conn.Read(ctx)
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.Topic == "" {
			s.invalid.Add(1)
			continue
		}
		f.From = p.identity
		out, err := json.Marshal(f)
		if err != nil {
			s.invalid.Add(1)
			continue
		}
		s.broadcast(p, out)
	}
}

func (s *Server) broadcast(from *peer, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.rooms[from.room] {
		if p == from {
			continue
		}
		select {
		case p.send <- data:
			s.relayed.Add(1)
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, p *peer) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-p.send:
			wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
			err := p.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				// Unblocks readLoop so the handler can return.
				p.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// Close disconnects every peer and refuses new ones.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	var peers []*peer
	for _, members := range s.rooms {
		for p := range members {
			peers = append(peers, p)
		}
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.conn.Close(websocket.StatusGoingAway, "relay shutting down")
	}
	return nil
}

// ---- client ----

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithQueueSize sets the capacity of the inbound packet queue. Default: 256.
func WithQueueSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithHTTPClient sets the HTTP client used for the handshake.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// Client is a relay connection implementing [presence.Transport].
type Client struct {
	queueSize  int
	httpClient *http.Client

	conn    *websocket.Conn
	packets chan presence.Packet
	dropped atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Dial connects to the relay at rawURL (ws:// or wss://, typically
// ".../relay/<room>") as identity.
func Dial(ctx context.Context, rawURL, identity string, opts ...ClientOption) (*Client, error) {
	if !validName(identity) {
		return nil, fmt.Errorf("wsrelay: invalid identity %q", identity)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("wsrelay: parse url: %w", err)
	}
	q := u.Query()
	q.Set("identity", identity)
	u.RawQuery = q.Encode()

	c := &Client{queueSize: 256, done: make(chan struct{})}
	for _, o := range opts {
		o(c)
	}

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: c.httpClient})
	if err != nil {
		return nil, fmt.Errorf("wsrelay: dial: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)
	c.conn = conn
	c.packets = make(chan presence.Packet, c.queueSize)

	rctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.readLoop(rctx)
	return c, nil
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.packets)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				slog.Warn("wsrelay: connection lost", "err", err)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.Topic == "" || f.From == "" {
			continue
		}
		select {
		case c.packets <- presence.Packet{Topic: f.Topic, From: f.From, Payload: f.Payload}:
		default:
			c.dropped.Add(1)
		}
	}
}

// Publish implements [presence.Transport].
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	data, err := json.Marshal(frame{Topic: topic, Payload: payload})
	if err != nil {
		return fmt.Errorf("wsrelay: encode: %w", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("wsrelay: write: %w", err)
	}
	return nil
}

// Packets implements [presence.Transport]. The channel closes when the
// connection ends, from either side.
func (c *Client) Packets() <-chan presence.Packet { return c.packets }

// Dropped returns the number of inbound packets lost to a full queue.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// Close ends the connection and waits for the reader to stop.
func (c *Client) Close() error {
	c.once.Do(func() {
		c.conn.Close(websocket.StatusNormalClosure, "bye")
		c.cancel()
		<-c.done
	})
	return nil
}

var _ presence.Transport = (*Client)(nil)
