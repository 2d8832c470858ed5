package presence_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/hushline/internal/resilience"
	"github.com/MrWong99/hushline/pkg/presence"
	"github.com/MrWong99/hushline/pkg/presence/mock"
)

func TestDialFirst_UsesFallback(t *testing.T) {
	t.Parallel()
	hub := mock.NewHub()
	var tried []string
	tr, name, err := presence.DialFirst(context.Background(),
		presence.Dialer{Name: "mqtt", Dial: func(context.Context) (presence.Transport, error) {
			tried = append(tried, "mqtt")
			return nil, errors.New("connection refused")
		}},
		presence.Dialer{Name: "websocket", Dial: func(context.Context) (presence.Transport, error) {
			tried = append(tried, "websocket")
			return hub.Join("alice"), nil
		}},
	)
	if err != nil {
		t.Fatalf("DialFirst: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	if name != "websocket" {
		t.Errorf("name = %q, want websocket", name)
	}
	if len(tried) != 2 {
		t.Errorf("tried = %v", tried)
	}
}

func TestDialFirst_PrimaryWins(t *testing.T) {
	t.Parallel()
	hub := mock.NewHub()
	fallbackCalled := false
	_, name, err := presence.DialFirst(context.Background(),
		presence.Dialer{Name: "mqtt", Dial: func(context.Context) (presence.Transport, error) { return hub.Join("a"), nil }},
		presence.Dialer{Name: "websocket", Dial: func(context.Context) (presence.Transport, error) {
			fallbackCalled = true
			return hub.Join("b"), nil
		}},
	)
	if err != nil || name != "mqtt" {
		t.Fatalf("DialFirst = %q, %v", name, err)
	}
	if fallbackCalled {
		t.Error("fallback dialed although the primary connected")
	}
}

func TestDialFirst_AllFail(t *testing.T) {
	t.Parallel()
	refuse := func(context.Context) (presence.Transport, error) { return nil, errors.New("refused") }
	_, _, err := presence.DialFirst(context.Background(),
		presence.Dialer{Name: "mqtt", Dial: refuse},
		presence.Dialer{Name: "websocket", Dial: refuse},
	)
	if !errors.Is(err, resilience.ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
	if _, _, err := presence.DialFirst(context.Background()); !errors.Is(err, presence.ErrNoDialers) {
		t.Errorf("no dialers: err = %v", err)
	}
}

func TestDialFirst_Cancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	_, _, err := presence.DialFirst(ctx, presence.Dialer{Name: "mqtt", Dial: func(context.Context) (presence.Transport, error) {
		called = true
		return nil, nil
	}})
	if !errors.Is(err, context.Canceled) || called {
		t.Errorf("err = %v, called = %v", err, called)
	}
}
