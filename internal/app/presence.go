package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/hushline/internal/config"
	"github.com/MrWong99/hushline/internal/resilience"
	"github.com/MrWong99/hushline/pkg/audio"
	"github.com/MrWong99/hushline/pkg/presence"
)

// dialTimeout bounds the startup connection attempt of each transport.
const dialTimeout = 10 * time.Second

// speakingSetter is implemented by voice connections that can announce the
// local speaking flag themselves, such as the Discord connection.
type speakingSetter interface {
	SetSpeaking(speaking bool) error
}

// connectPresence dials the configured transport, falling back to
// presence.fallback. When nothing connects, speaking state is tracked
// locally only.
func (a *App) connectPresence(ctx context.Context) {
	p := a.cfg.Presence
	t, name := a.transport, "injected"
	if t == nil {
		var dialers []presence.Dialer
		for _, n := range []string{p.Transport, p.Fallback} {
			if n == "" || n == config.TransportNone {
				continue
			}
			dialers = append(dialers, presence.Dialer{
				Name: n,
				Dial: func(ctx context.Context) (presence.Transport, error) {
					ctx, cancel := context.WithTimeout(ctx, dialTimeout)
					defer cancel()
					return a.reg.CreateTransport(ctx, n, a.cfg, a.Identity())
				},
			})
		}
		if len(dialers) == 0 {
			slog.Info("presence disabled, speaking state stays local")
			return
		}
		var err error
		t, name, err = presence.DialFirst(ctx, dialers...)
		if err != nil {
			slog.Warn("presence unavailable, speaking state stays local", "err", err)
			return
		}
	}

	ch := presence.New(a.Identity(), t,
		presence.WithCache(a.cache),
		presence.WithRepublish(p.Republish),
		presence.WithBreaker(resilience.CircuitBreakerConfig{
			Name: "presence-" + name,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("presence publish breaker changed state", "breaker", name, "from", from, "to", to)
			},
		}),
	)

	a.mu.Lock()
	a.transport = t
	a.transportName = name
	a.channel = ch
	a.mu.Unlock()
	slog.Info("presence connected", "transport", name, "room", a.cfg.Identity.Room)
}

// runPresence runs the channel until ctx ends. A closed transport is
// logged and leaves the daemon running with local state only.
func (a *App) runPresence(ctx context.Context, ch *presence.Channel) error {
	err := ch.Run(ctx)
	if errors.Is(err, presence.ErrTransportClosed) {
		slog.Warn("presence transport closed, speaking state stays local", "transport", a.transportName)
		return nil
	}
	return err
}

// watchUpdates records remote speaking transitions.
func (a *App) watchUpdates(ctx context.Context, ch *presence.Channel) error {
	updates := ch.Updates()
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-updates:
			if u.Local {
				continue
			}
			if u.Removed {
				slog.Debug("participant forgotten", "identity", u.Identity)
				continue
			}
			a.metrics.RecordSpeaking(ctx, "remote", u.State.Speaking)
			slog.Debug("remote speaking changed", "identity", u.Identity, "speaking", u.State.Speaking)
		}
	}
}

// trackEdges turns detector transitions into presence broadcasts and voice
// speaking flags.
func (a *App) trackEdges(ctx context.Context) error {
	for e := range a.detector.Edges(ctx, a.cfg.Activity.PollInterval) {
		a.setLocal(e.Speaking, e.At)
		a.metrics.RecordSpeaking(ctx, "local", e.Speaking)
		slog.Debug("local speaking changed", "speaking", e.Speaking)
	}
	return nil
}

func (a *App) setLocal(speaking bool, at time.Time) {
	a.mu.RLock()
	ch, conn, drives, id := a.channel, a.conn, a.drivesVoice, a.identity
	a.mu.RUnlock()

	if ch != nil {
		ch.SetLocal(speaking)
	} else {
		a.cache.Set(id, speaking, at)
	}
	if drives {
		if err := conn.(speakingSetter).SetSpeaking(speaking); err != nil {
			slog.Warn("failed to set voice speaking flag", "err", err)
		}
	}
}

// watchVoice consumes voice roster and speaking events. Participants that
// leave are forgotten so they do not stay flagged as speaking. Speaking
// events for the local user feed the detector unless this process drives
// the flag itself.
func (a *App) watchVoice(ctx context.Context) error {
	events := a.conn.Events()
	localID := a.conn.LocalID()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				slog.Warn("voice connection closed")
				return nil
			}
			a.handleVoiceEvent(ev, localID)
		}
	}
}

func (a *App) handleVoiceEvent(ev audio.Event, localID string) {
	switch ev.Type {
	case audio.EventJoin:
		slog.Info("participant joined voice", "user", ev.UserID)
	case audio.EventLeave:
		slog.Info("participant left voice", "user", ev.UserID)
		if ch := a.presenceChannel(); ch != nil {
			ch.Forget(ev.UserID)
		} else {
			a.cache.Delete(ev.UserID)
		}
	case audio.EventSpeaking:
		if ev.UserID == localID && !a.drivesVoice {
			a.detector.SetEventSpeaking(ev.Speaking)
		}
	}
}
