package wsrelay_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/hushline/pkg/presence"
	"github.com/MrWong99/hushline/pkg/presence/wsrelay"
)

func startRelay(t *testing.T, opts ...wsrelay.ServerOption) (*wsrelay.Server, string) {
	t.Helper()
	relay := wsrelay.NewServer(opts...)
	mux := http.NewServeMux()
	mux.Handle("GET /relay/{room}", relay)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		_ = relay.Close()
		srv.Close()
	})
	return relay, "ws" + strings.TrimPrefix(srv.URL, "http") + "/relay/"
}

func dial(t *testing.T, base, room, identity string) *wsrelay.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := wsrelay.Dial(ctx, base+room, identity)
	if err != nil {
		t.Fatalf("Dial(%s): %v", identity, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func recv(t *testing.T, c *wsrelay.Client) presence.Packet {
	t.Helper()
	select {
	case pkt, ok := <-c.Packets():
		if !ok {
			t.Fatal("packet queue closed")
		}
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatal("no packet")
	}
	return presence.Packet{}
}

func TestRelay_FanOutWithinRoom(t *testing.T) {
	t.Parallel()
	relay, base := startRelay(t)
	alice := dial(t, base, "lobby", "alice")
	bob := dial(t, base, "lobby", "bob")
	carol := dial(t, base, "lobby", "carol")
	dave := dial(t, base, "other", "dave")
	eventually(t, "peers joined", func() bool { return relay.Peers("lobby") == 3 && relay.Peers("other") == 1 })

	payload := presence.Encode(presence.Message{Speaking: true})
	if err := alice.Publish(context.Background(), presence.Topic, payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for _, c := range []*wsrelay.Client{bob, carol} {
		pkt := recv(t, c)
		if pkt.From != "alice" || pkt.Topic != presence.Topic || string(pkt.Payload) != string(payload) {
			t.Errorf("packet = %+v", pkt)
		}
	}

	// Neither the sender nor another room sees the frame.
	time.Sleep(20 * time.Millisecond)
	for name, c := range map[string]*wsrelay.Client{"alice": alice, "dave": dave} {
		select {
		case pkt := <-c.Packets():
			t.Errorf("%s received %+v", name, pkt)
		default:
		}
	}
	if s := relay.Stats(); s.Relayed != 2 {
		t.Errorf("Relayed = %d, want 2", s.Relayed)
	}
}

func TestRelay_StampsSenderIdentity(t *testing.T) {
	t.Parallel()
	relay, base := startRelay(t)
	bob := dial(t, base, "lobby", "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, _, err := websocket.Dial(ctx, base+"lobby?identity=alice", nil)
	if err != nil {
		t.Fatalf("raw dial: %v", err)
	}
	defer raw.Close(websocket.StatusNormalClosure, "")
	eventually(t, "peers joined", func() bool { return relay.Peers("lobby") == 2 })

	spoof := `{"topic":"speaking","from":"mallory","payload":"eyJzcGVha2luZyI6dHJ1ZX0="}`
	if err := raw.Write(ctx, websocket.MessageText, []byte(spoof)); err != nil {
		t.Fatal(err)
	}
	if err := raw.Write(ctx, websocket.MessageText, []byte(`not json`)); err != nil {
		t.Fatal(err)
	}
	pkt := recv(t, bob)
	if pkt.From != "alice" {
		t.Errorf("From = %q, want the connection identity", pkt.From)
	}
	if string(pkt.Payload) != `{"speaking":true}` {
		t.Errorf("Payload = %s", pkt.Payload)
	}
	eventually(t, "invalid frame counted", func() bool { return relay.Stats().Invalid == 1 })
}

func TestRelay_RejectsMissingIdentity(t *testing.T) {
	t.Parallel()
	_, base := startRelay(t)
	resp, err := http.Get("http" + strings.TrimPrefix(base, "ws") + "lobby")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	if _, err := wsrelay.Dial(context.Background(), base+"lobby", ""); err == nil {
		t.Error("Dial with empty identity succeeded")
	}
}

func TestRelay_CloseEndsClients(t *testing.T) {
	t.Parallel()
	relay, base := startRelay(t)
	alice := dial(t, base, "lobby", "alice")
	eventually(t, "peer joined", func() bool { return relay.Peers("lobby") == 1 })

	_ = relay.Close()
	select {
	case _, ok := <-alice.Packets():
		if ok {
			t.Error("unexpected packet")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client not disconnected")
	}
	eventually(t, "peer removed", func() bool { return relay.Peers("lobby") == 0 })
	if err := alice.Publish(context.Background(), presence.Topic, []byte(`{}`)); !errors.Is(err, wsrelay.ErrClosed) {
		t.Errorf("Publish after close = %v, want ErrClosed", err)
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	relay, base := startRelay(t)
	c := dial(t, base, "lobby", "alice")
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	eventually(t, "peer removed", func() bool { return relay.Peers("lobby") == 0 })
}

func TestChannelsOverRelay(t *testing.T) {
	t.Parallel()
	relay, base := startRelay(t)
	alice := presence.New("alice", dial(t, base, "lobby", "alice"))
	bob := presence.New("bob", dial(t, base, "lobby", "bob"))
	eventually(t, "peers joined", func() bool { return relay.Peers("lobby") == 2 })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = alice.Run(ctx) }()
	go func() { _ = bob.Run(ctx) }()

	alice.SetLocal(true)
	eventually(t, "bob sees alice speaking", func() bool { return bob.IsSpeaking("alice") })
	alice.SetLocal(false)
	eventually(t, "bob sees alice silent", func() bool { return !bob.IsSpeaking("alice") })
}
