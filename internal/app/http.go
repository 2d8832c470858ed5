package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/hushline/internal/config"
	"github.com/MrWong99/hushline/internal/health"
	"github.com/MrWong99/hushline/internal/observe"
	"github.com/MrWong99/hushline/internal/resilience"
	"github.com/MrWong99/hushline/pkg/audio/suppress"
	"github.com/MrWong99/hushline/pkg/presence"
	"github.com/MrWong99/hushline/pkg/presence/wsrelay"
)

// SpeakingSnapshot is the body of GET /speaking.
type SpeakingSnapshot struct {
	Room         string                    `json:"room"`
	Local        string                    `json:"local"`
	Speakers     []string                  `json:"speakers"`
	Participants map[string]presence.State `json:"participants"`
}

func (a *App) initHTTP() {
	a.health = health.New(a.checkers()...)

	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	mux.HandleFunc("GET /speaking", a.handleSpeaking)
	if rc := a.cfg.Presence.Relay; rc.Enabled {
		a.relay = wsrelay.NewServer(wsrelay.WithOriginPatterns(rc.OriginPatterns...))
		mux.HandleFunc("GET /relay/{room}", a.handleRelay)
	}
	a.handler = observe.Middleware(a.metrics)(mux)
}

// handleRelay serves one relay peer inside a span covering the whole
// websocket session.
func (a *App) handleRelay(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	ctx, span := observe.StartSpan(r.Context(), "relay.session",
		trace.WithAttributes(
			attribute.String("relay.room", room),
			attribute.String("relay.identity", r.URL.Query().Get("identity")),
		),
	)
	defer span.End()

	log := observe.Logger(ctx)
	log.Debug("relay session opened", "room", room)
	start := time.Now()
	a.relay.ServeHTTP(w, r.WithContext(ctx))
	log.Debug("relay session closed", "room", room, "duration", time.Since(start))
}

func (a *App) handleSpeaking(w http.ResponseWriter, r *http.Request) {
	snap := SpeakingSnapshot{
		Room:         a.cfg.Identity.Room,
		Local:        a.Identity(),
		Speakers:     a.cache.Speakers(),
		Participants: a.cache.Snapshot(),
	}
	if snap.Speakers == nil {
		snap.Speakers = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		observe.Logger(r.Context()).Warn("failed to write speaking snapshot", "err", err)
	}
}

// checkers returns the readiness checks. Capture and suppression are
// required; the transports only degrade readiness.
func (a *App) checkers() []health.Checker {
	cs := []health.Checker{{
		Name: "capture",
		Check: func(context.Context) error {
			select {
			case <-a.device.Done():
				return errors.New("capture stopped")
			default:
			}
			select {
			case <-a.device.Ready():
				return nil
			default:
				return errors.New("no audio delivered yet")
			}
		},
	}}

	if a.proc != nil {
		cs = append(cs, health.Checker{
			Name: "suppression",
			Check: func(context.Context) error {
				if st := a.proc.State(); st != suppress.StateReady {
					return fmt.Errorf("processor %s", st)
				}
				return nil
			},
		})
	}

	if a.transport != nil || a.cfg.Presence.Transport != config.TransportNone {
		cs = append(cs, health.Checker{
			Name:     "presence",
			Optional: true,
			Check: func(context.Context) error {
				ch := a.presenceChannel()
				if ch == nil {
					return errors.New("not connected")
				}
				if ch.Breaker().State() == resilience.StateOpen {
					return resilience.ErrCircuitOpen
				}
				return nil
			},
		})
	}

	if a.platform != nil || a.cfg.Discord.Enabled() {
		cs = append(cs, health.Checker{
			Name:     "voice",
			Optional: true,
			Check: func(context.Context) error {
				a.mu.RLock()
				defer a.mu.RUnlock()
				if a.conn == nil {
					return errors.New("not connected")
				}
				return nil
			},
		})
	}
	return cs
}

// serveHTTP binds the listener and serves until ctx ends.
func (a *App) serveHTTP(ctx context.Context, g *errgroup.Group) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	tls := a.cfg.Server.TLS

	g.Go(func() error {
		var err error
		if tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if a.relay != nil {
			_ = a.relay.Close()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
		return nil
	})
	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", tls != nil)
	return nil
}
