// Package app wires the hushline subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New builds the suppression
// processor, the capture device, the activity detector and the HTTP
// surface; Run connects the voice and presence transports and blocks until
// its context ends; Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithSource,
// WithTransport, WithPlatform, etc.). When an option is not provided, New
// and Run create real implementations from the config and the registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/hushline/internal/config"
	"github.com/MrWong99/hushline/internal/health"
	"github.com/MrWong99/hushline/internal/observe"
	"github.com/MrWong99/hushline/pkg/activity"
	"github.com/MrWong99/hushline/pkg/audio"
	"github.com/MrWong99/hushline/pkg/audio/capture"
	"github.com/MrWong99/hushline/pkg/audio/suppress"
	"github.com/MrWong99/hushline/pkg/presence"
	"github.com/MrWong99/hushline/pkg/presence/wsrelay"
	"github.com/MrWong99/hushline/pkg/provider/denoise"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg  *config.Config
	live atomic.Pointer[config.Config]
	reg  *config.Registry

	logLevel       *slog.LevelVar
	metrics        *observe.Metrics
	metricsHandler http.Handler

	// Subsystems, initialised in New and torn down in Shutdown.
	proc     *suppress.Processor // nil when suppression is disabled
	detector *activity.Detector
	device   *capture.Device
	source   capture.Source
	sink     io.Writer
	forward  *forwarder
	cache    *presence.Cache
	relay    *wsrelay.Server
	health   *health.Handler
	handler  http.Handler
	listener net.Listener
	platform audio.Platform

	// Set once by Run, read by HTTP handlers and readiness checks.
	mu            sync.RWMutex
	identity      string
	conn          audio.Connection
	drivesVoice   bool
	transport     presence.Transport
	transportName string
	channel       *presence.Channel
	addr          net.Addr

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource replaces the configured audio source.
func WithSource(src capture.Source) Option {
	return func(a *App) { a.source = src }
}

// WithSink writes the processed audio to w instead of the configured sink.
func WithSink(w io.Writer) Option {
	return func(a *App) { a.sink = w }
}

// WithTransport uses t for presence instead of dialing the configured
// transports. The App closes t on Shutdown.
func WithTransport(t presence.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithPlatform uses p as the voice platform instead of the registered
// Discord platform.
func WithPlatform(p audio.Platform) Option {
	return func(a *App) { a.platform = p }
}

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets Reload adjust lv when server.log_level changes.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithListener serves HTTP on ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// New creates an App from cfg. Components are built but nothing runs until
// [App.Run].
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if reg == nil {
		reg = config.NewRegistry()
	}
	a := &App{cfg: cfg, reg: reg}
	a.live.Store(cfg)
	for _, opt := range opts {
		opt(a)
	}
	if a.logLevel == nil {
		a.logLevel = new(slog.LevelVar)
		a.logLevel.Set(SlogLevel(cfg.Server.LogLevel))
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.cache = presence.NewCache()
	a.detector = activity.New(
		activity.WithHold(cfg.Activity.Hold),
		activity.WithLevelThreshold(float32(cfg.Activity.LevelThreshold)),
	)

	if err := a.initProcessor(); err != nil {
		return nil, err
	}
	if err := a.initDevice(); err != nil {
		a.closeAll()
		return nil, err
	}
	a.initHTTP()
	return a, nil
}

// initProcessor creates the suppression processor. The model is loaded
// asynchronously in Run; until then audio passes through.
func (a *App) initProcessor() error {
	if !a.cfg.Denoise.IsEnabled() {
		slog.Info("noise suppression disabled")
		return nil
	}
	rt, err := a.reg.CreateRuntime(a.cfg.Denoise)
	if err != nil {
		return fmt.Errorf("app: create denoise runtime: %w", err)
	}
	engine := denoise.NewEngine(rt, denoise.WithSampleRate(a.cfg.Audio.SampleRate))
	a.proc = suppress.New(engine, suppress.WithBlockSize(a.cfg.Audio.BlockSize))
	return nil
}

// initDevice opens the source and sink and builds the capture device with
// the level and voice taps.
func (a *App) initDevice() error {
	ac := a.cfg.Audio
	if a.source == nil {
		src, closer, err := openSource(ac)
		if err != nil {
			return err
		}
		a.source = src
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}

	a.forward = newForwarder(ac.SampleRate, ac.BlockSize)
	opts := []capture.Option{
		capture.WithBlockSize(ac.BlockSize),
		capture.WithSampleRate(ac.SampleRate),
		capture.WithPacing(ac.IsPaced()),
		capture.WithTap(func(block []float32) { a.detector.ObserveLevel(activity.Level(block)) }),
		capture.WithTap(a.forward.tap),
	}

	sink := a.sink
	if sink == nil {
		w, closer, err := openSink(ac)
		if err != nil {
			return err
		}
		sink = w
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}
	if sink != nil {
		format, err := capture.ParseFormat(ac.Format)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		opts = append(opts, capture.WithSink(sink, format))
	}

	var proc capture.Processor
	if a.proc != nil {
		proc = a.proc
	}
	a.device = capture.New(a.source, proc, opts...)
	return a.device.Retain()
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving health, metrics, the speaking
// snapshot and, when enabled, the relay.
func (a *App) Handler() http.Handler { return a.handler }

// Processor returns the suppression processor, or nil when disabled.
func (a *App) Processor() *suppress.Processor { return a.proc }

// Detector returns the local speech-activity detector.
func (a *App) Detector() *activity.Detector { return a.detector }

// Device returns the capture device.
func (a *App) Device() *capture.Device { return a.device }

// Cache returns the speaking-state cache.
func (a *App) Cache() *presence.Cache { return a.cache }

// Identity returns the local participant identity, or "" before Run has
// resolved it.
func (a *App) Identity() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.identity
}

// Addr returns the HTTP listen address, or nil before Run has bound it.
func (a *App) Addr() net.Addr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.addr
}

func (a *App) presenceChannel() *presence.Channel {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.channel
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, connects the voice and presence transports, starts the
// capture loop and blocks until ctx is cancelled or the audio source is
// exhausted. It returns nil in both cases.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if err := a.serveHTTP(gctx, g); err != nil {
		return err
	}
	if err := a.connectVoice(gctx); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	a.resolveIdentity()
	a.connectPresence(gctx)

	reg, err := a.metrics.Observe(a.snapshot)
	if err != nil {
		slog.Warn("failed to register metric callbacks", "err", err)
	} else {
		a.closers = append(a.closers, reg.Unregister)
	}

	if a.proc != nil {
		g.Go(func() error {
			a.initializeProcessor(gctx)
			return nil
		})
		g.Go(func() error { return a.watchProcessor(gctx) })
	}

	if err := a.device.Open(gctx); err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("app: open capture device: %w", err)
	}

	g.Go(func() error { return a.trackEdges(gctx) })
	if ch := a.presenceChannel(); ch != nil {
		g.Go(func() error { return a.runPresence(gctx, ch) })
		g.Go(func() error { return a.watchUpdates(gctx, ch) })
	}
	if a.conn != nil {
		g.Go(func() error { return a.watchVoice(gctx) })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-a.device.Done():
		}
		if err := a.device.Err(); err != nil {
			return fmt.Errorf("app: capture: %w", err)
		}
		if ctx.Err() == nil {
			slog.Info("audio source exhausted")
		}
		cancel()
		return nil
	})

	slog.Info("hushline running",
		"identity", a.Identity(),
		"room", a.cfg.Identity.Room,
		"presence", a.transportName,
		"suppression", a.proc != nil,
		"sample_rate", a.cfg.Audio.SampleRate,
		"block_size", a.cfg.Audio.BlockSize,
	)
	return g.Wait()
}

// connectVoice joins the configured voice channel when a platform is
// available.
func (a *App) connectVoice(ctx context.Context) error {
	p := a.platform
	if p == nil && a.cfg.Discord.Enabled() {
		created, err := a.reg.CreatePlatform(PlatformDiscord, a.cfg)
		if err != nil {
			return fmt.Errorf("app: create voice platform: %w", err)
		}
		if c, ok := created.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
		p = created
	}
	if p == nil {
		return nil
	}

	conn, err := p.Connect(ctx, a.cfg.Discord.ChannelID)
	if err != nil {
		return fmt.Errorf("app: connect voice channel: %w", err)
	}
	_, drives := conn.(speakingSetter)

	a.mu.Lock()
	a.conn = conn
	a.drivesVoice = drives
	a.mu.Unlock()

	a.forward.attach(conn.OutputStream())
	slog.Info("voice connected", "channel", a.cfg.Discord.ChannelID, "local_id", conn.LocalID())
	return nil
}

// resolveIdentity picks the configured identity, then the voice identity,
// then a random one.
func (a *App) resolveIdentity() {
	id := a.cfg.Identity.ParticipantID
	if id == "" && a.conn != nil {
		id = a.conn.LocalID()
	}
	if id == "" {
		id = "hushline-" + uuid.NewString()
	}
	a.mu.Lock()
	a.identity = id
	a.mu.Unlock()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops capture, withdraws the local speaking state, disconnects
// the transports, releases the processor and runs the closers. It is safe
// to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.forward.detach()
		a.device.Release()

		a.mu.RLock()
		conn, t, identity := a.conn, a.transport, a.identity
		a.mu.RUnlock()

		if t != nil {
			if a.cache.IsSpeaking(identity) {
				if err := t.Publish(ctx, presence.Topic, presence.Encode(presence.Message{Speaking: false})); err != nil {
					slog.Warn("failed to withdraw speaking state", "err", err)
				}
			}
			if err := t.Close(); err != nil {
				slog.Warn("presence transport close error", "err", err)
			}
		}
		if conn != nil {
			if err := conn.Disconnect(); err != nil {
				slog.Warn("voice disconnect error", "err", err)
			}
		}
		if a.relay != nil {
			if err := a.relay.Close(); err != nil {
				slog.Warn("relay close error", "err", err)
			}
		}
		if a.proc != nil {
			if err := a.proc.Destroy(); err != nil && !errors.Is(err, suppress.ErrDestroyed) {
				slog.Warn("processor destroy error", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers collected so far after New fails.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config log level to a slog level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (a *App) snapshot() observe.Snapshot {
	var s observe.Snapshot
	if a.proc != nil {
		ps := a.proc.Stats()
		s.FramesProcessed = ps.FramesProcessed
		s.ProcessingErrors = ps.ProcessingErrors
		s.LastSNR = ps.LastSNR
		s.ProcessorState = int(a.proc.State())
	}
	ds := a.device.Stats()
	s.CaptureBlocks = ds.Blocks
	s.CaptureOverruns = ds.Overruns

	a.mu.RLock()
	ch, t := a.channel, a.transport
	a.mu.RUnlock()
	if ch != nil {
		cs := ch.Stats()
		s.PresenceSent = cs.Sent
		s.PresenceReceived = cs.Received
		s.PresenceInvalid = cs.Invalid
		s.PresencePublishErrors = cs.PublishErrors
	}
	if d, ok := t.(interface{ Dropped() uint64 }); ok {
		s.PresenceDropped = d.Dropped()
	}
	s.ActiveSpeakers = len(a.cache.Speakers())
	return s
}

// shutdownTimeout bounds the HTTP server drain.
const shutdownTimeout = 5 * time.Second
