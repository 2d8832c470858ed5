package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/hushline/internal/config"
	"github.com/MrWong99/hushline/internal/observe"
	"github.com/MrWong99/hushline/pkg/audio"
	"github.com/MrWong99/hushline/pkg/audio/capture"
	"github.com/MrWong99/hushline/pkg/audio/suppress"
	"github.com/MrWong99/hushline/pkg/provider/denoise"
	"github.com/MrWong99/hushline/pkg/provider/denoise/spectral"
)

// Synthetic test signal used by the "noise" source.
const (
	noiseAmplitude = 0.02
	toneHz         = 440
	toneAmplitude  = 0.25
	toneOn         = 1500 * time.Millisecond
	toneOff        = 1500 * time.Millisecond
)

// openSource builds the configured capture source. The returned closer,
// if any, releases the underlying file.
func openSource(ac config.AudioConfig) (capture.Source, func() error, error) {
	if ac.Source == "noise" {
		return capture.NewSyntheticSource(capture.SyntheticConfig{
			SampleRate:     ac.SampleRate,
			NoiseAmplitude: noiseAmplitude,
			ToneHz:         toneHz,
			ToneAmplitude:  toneAmplitude,
			ToneOn:         toneOn,
			ToneOff:        toneOff,
			Seed:           uint64(time.Now().UnixNano()),
		}), nil, nil
	}

	format, err := capture.ParseFormat(ac.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("app: %w", err)
	}
	if ac.Source == "stdin" || ac.Source == "-" {
		src, err := capture.NewReaderSource(bufio.NewReader(os.Stdin), format)
		if err != nil {
			return nil, nil, fmt.Errorf("app: stdin source: %w", err)
		}
		return src, nil, nil
	}

	f, err := os.Open(ac.Source)
	if err != nil {
		return nil, nil, fmt.Errorf("app: open audio source: %w", err)
	}
	src, err := capture.NewReaderSource(bufio.NewReader(f), format)
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("app: audio source %q: %w", ac.Source, err)
	}
	return src, f.Close, nil
}

// openSink opens the configured processed-audio sink. It returns a nil
// writer when no sink is configured.
func openSink(ac config.AudioConfig) (io.Writer, func() error, error) {
	var (
		w       io.Writer
		closeFn func() error
	)
	switch ac.Sink {
	case "":
		return nil, nil, nil
	case "stdout", "-":
		w, closeFn = os.Stdout, func() error { return nil }
	default:
		f, err := os.Create(ac.Sink)
		if err != nil {
			return nil, nil, fmt.Errorf("app: create audio sink: %w", err)
		}
		w, closeFn = f, f.Close
	}
	bw := bufio.NewWriter(w)
	return bw, func() error { return errors.Join(bw.Flush(), closeFn()) }, nil
}

// ─── Voice forwarding ────────────────────────────────────────────────────────

// forwarder sends processed blocks to a voice connection from the capture
// tap. Each frame gets its own buffer from a ring that is larger than the
// connection's queue plus one in-flight frame, so a buffer is never
// rewritten while the consumer still holds it. Frames that do not fit the
// queue are dropped.
type forwarder struct {
	sampleRate int
	blockSize  int
	outlet     atomic.Pointer[outlet]
	next       int // touched only by the capture goroutine
	dropped    atomic.Uint64
}

type outlet struct {
	ch   chan<- audio.AudioFrame
	ring [][]byte
}

func newForwarder(sampleRate, blockSize int) *forwarder {
	return &forwarder{sampleRate: sampleRate, blockSize: blockSize}
}

func (f *forwarder) attach(ch chan<- audio.AudioFrame) {
	if ch == nil {
		return
	}
	ring := make([][]byte, 2*cap(ch)+2)
	for i := range ring {
		ring[i] = make([]byte, 2*f.blockSize)
	}
	f.outlet.Store(&outlet{ch: ch, ring: ring})
}

func (f *forwarder) detach() { f.outlet.Store(nil) }

// Dropped returns the number of frames the voice queue had no room for.
func (f *forwarder) Dropped() uint64 { return f.dropped.Load() }

func (f *forwarder) tap(block []float32) {
	o := f.outlet.Load()
	if o == nil {
		return
	}
	buf := audio.Float32ToPCM16(o.ring[f.next%len(o.ring)], block)
	select {
	case o.ch <- audio.AudioFrame{Data: buf, SampleRate: f.sampleRate, Channels: 1}:
		f.next++
	default:
		f.dropped.Add(1)
	}
}

// ─── Suppression lifecycle ───────────────────────────────────────────────────

// loadModel returns the configured model blob, or the built-in spectral
// model at the capture rate when none is configured.
func (a *App) loadModel(ctx context.Context) ([]byte, error) {
	dc := a.cfg.Denoise
	if dc.Model != "" {
		return denoise.LoadAsset(ctx, dc.Model)
	}
	if dc.Runtime != spectral.Name {
		return nil, fmt.Errorf("app: denoise.model is required for runtime %q", dc.Runtime)
	}
	spec := spectral.DefaultModelSpec()
	spec.SampleRate = a.cfg.Audio.SampleRate
	return spectral.Encode(spec)
}

// initializeProcessor loads the model and initializes the processor. Audio
// passes through while this runs and for good if it fails.
func (a *App) initializeProcessor(ctx context.Context) {
	start := time.Now()
	status := "ok"
	defer func() {
		a.metrics.DenoiseInitDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("runtime", a.cfg.Denoise.Runtime), observe.Attr("status", status)))
	}()

	model, err := a.loadModel(ctx)
	if err != nil {
		status = "model_error"
		slog.Error("failed to load denoise model, audio passes through unprocessed", "model", a.cfg.Denoise.Model, "err", err)
		return
	}

	live := a.live.Load().Denoise
	cfg := denoise.Config{
		AttenuationLimitDB: float32(live.AttenuationLimit()),
		PostFilterBeta:     float32(live.PostFilterBeta),
	}
	if err := a.proc.Initialize(ctx, model, cfg); err != nil {
		status = "error"
		if !errors.Is(err, suppress.ErrDestroyed) {
			slog.Error("noise suppression unavailable, audio passes through unprocessed", "err", err)
		}
	}
}

// watchProcessor logs and counts processor lifecycle events.
func (a *App) watchProcessor(ctx context.Context) error {
	events := a.proc.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			a.metrics.RecordProcessorEvent(ctx, ev.Type.String())
			switch ev.Type {
			case suppress.EventReady:
				slog.Info("noise suppression ready", "latency_samples", a.proc.Stats().LatencySamples)
			case suppress.EventError:
				slog.Debug("processor reported initialization failure", "err", ev.Err)
			case suppress.EventProcessingError:
				slog.Debug("frame processing failed, frame passed through", "err", ev.Err)
			case suppress.EventDestroyed:
				slog.Debug("noise suppression released")
			}
		}
	}
}
