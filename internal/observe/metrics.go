// Package observe provides the daemon's observability primitives:
// OpenTelemetry metrics, tracing helpers and HTTP middleware.
//
// Real-time components keep their own atomic counters; [Metrics.Observe]
// exposes them through asynchronous instruments read at collection time, so
// the audio path never calls into the metrics SDK. Tests should use
// [NewMetrics] with a [sdkmetric.ManualReader]-backed provider.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all hushline metrics.
const meterName = "github.com/MrWong99/hushline"

// Metrics holds the OpenTelemetry instruments of the daemon.
type Metrics struct {
	meter metric.Meter

	// DenoiseInitDuration tracks model load and state creation time.
	DenoiseInitDuration metric.Float64Histogram

	// ProcessorEvents counts suppression processor lifecycle events. Use with
	// attribute.String("type", ...).
	ProcessorEvents metric.Int64Counter

	// SpeakingTransitions counts speaking-state edges. Use with
	// attribute.String("source", "local"|"remote") and
	// attribute.Bool("speaking", ...).
	SpeakingTransitions metric.Int64Counter

	// ConfigReloads counts hot reloads. Use with attribute.String("status", ...).
	ConfigReloads metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time.
	HTTPRequestDuration metric.Float64Histogram

	framesProcessed  metric.Int64ObservableCounter
	processingErrors metric.Int64ObservableCounter
	snr              metric.Float64ObservableGauge
	processorState   metric.Int64ObservableGauge
	captureBlocks    metric.Int64ObservableCounter
	captureOverruns  metric.Int64ObservableCounter
	presenceMessages metric.Int64ObservableCounter
	activeSpeakers   metric.Int64ObservableGauge
}

// initBuckets are histogram boundaries in seconds for model initialisation.
var initBuckets = []float64{
	0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 10,
}

// NewMetrics creates every instrument on the given [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.DenoiseInitDuration, err = m.Float64Histogram("hushline.denoise.init.duration",
		metric.WithDescription("Time to load a suppression model and create its state."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(initBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProcessorEvents, err = m.Int64Counter("hushline.processor.events",
		metric.WithDescription("Suppression processor events by type."),
	); err != nil {
		return nil, err
	}
	if met.SpeakingTransitions, err = m.Int64Counter("hushline.speaking.transitions",
		metric.WithDescription("Speaking-state edges by source and new state."),
	); err != nil {
		return nil, err
	}
	if met.ConfigReloads, err = m.Int64Counter("hushline.config.reloads",
		metric.WithDescription("Configuration hot reloads by status."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("hushline.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.framesProcessed, err = m.Int64ObservableCounter("hushline.denoise.frames",
		metric.WithDescription("Frames routed through the suppression model."),
	); err != nil {
		return nil, err
	}
	if met.processingErrors, err = m.Int64ObservableCounter("hushline.denoise.errors",
		metric.WithDescription("Frames that failed in the model and passed through unmodified."),
	); err != nil {
		return nil, err
	}
	if met.snr, err = m.Float64ObservableGauge("hushline.denoise.snr",
		metric.WithDescription("Signal-to-noise estimate of the most recent frame."),
		metric.WithUnit("dB"),
	); err != nil {
		return nil, err
	}
	if met.processorState, err = m.Int64ObservableGauge("hushline.processor.state",
		metric.WithDescription("Processor lifecycle state: 0 uninitialized, 1 initializing, 2 ready, 3 error, 4 destroyed."),
	); err != nil {
		return nil, err
	}
	if met.captureBlocks, err = m.Int64ObservableCounter("hushline.capture.blocks",
		metric.WithDescription("Audio blocks delivered by the capture device."),
	); err != nil {
		return nil, err
	}
	if met.captureOverruns, err = m.Int64ObservableCounter("hushline.capture.overruns",
		metric.WithDescription("Blocks that took longer than their real-time budget."),
	); err != nil {
		return nil, err
	}
	if met.presenceMessages, err = m.Int64ObservableCounter("hushline.presence.messages",
		metric.WithDescription("Presence messages by direction: sent, received, invalid, dropped, publish_error."),
	); err != nil {
		return nil, err
	}
	if met.activeSpeakers, err = m.Int64ObservableGauge("hushline.active_speakers",
		metric.WithDescription("Participants currently marked as speaking."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Snapshot is a point-in-time read of the daemon's component counters.
type Snapshot struct {
	FramesProcessed  uint64
	ProcessingErrors uint64
	LastSNR          float32
	ProcessorState   int

	CaptureBlocks   uint64
	CaptureOverruns uint64

	PresenceSent          uint64
	PresenceReceived      uint64
	PresenceInvalid       uint64
	PresenceDropped       uint64
	PresencePublishErrors uint64

	ActiveSpeakers int
}

// Observe registers read as the source of the asynchronous instruments. It
// is called once per collection. Unregister the returned registration on
// shutdown.
func (m *Metrics) Observe(read func() Snapshot) (metric.Registration, error) {
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := read()
		o.ObserveInt64(m.framesProcessed, int64(s.FramesProcessed))
		o.ObserveInt64(m.processingErrors, int64(s.ProcessingErrors))
		o.ObserveFloat64(m.snr, float64(s.LastSNR))
		o.ObserveInt64(m.processorState, int64(s.ProcessorState))
		o.ObserveInt64(m.captureBlocks, int64(s.CaptureBlocks))
		o.ObserveInt64(m.captureOverruns, int64(s.CaptureOverruns))
		for _, d := range []struct {
			dir string
			n   uint64
		}{
			{"sent", s.PresenceSent},
			{"received", s.PresenceReceived},
			{"invalid", s.PresenceInvalid},
			{"dropped", s.PresenceDropped},
			{"publish_error", s.PresencePublishErrors},
		} {
			o.ObserveInt64(m.presenceMessages, int64(d.n), metric.WithAttributes(attribute.String("direction", d.dir)))
		}
		o.ObserveInt64(m.activeSpeakers, int64(s.ActiveSpeakers))
		return nil
	},
		m.framesProcessed, m.processingErrors, m.snr, m.processorState,
		m.captureBlocks, m.captureOverruns, m.presenceMessages, m.activeSpeakers,
	)
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance built on
// [otel.GetMeterProvider]. Panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProcessorEvent counts a processor lifecycle event.
func (m *Metrics) RecordProcessorEvent(ctx context.Context, typ string) {
	m.ProcessorEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}

// RecordSpeaking counts a speaking-state edge.
func (m *Metrics) RecordSpeaking(ctx context.Context, source string, speaking bool) {
	m.SpeakingTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.Bool("speaking", speaking),
		),
	)
}

// RecordReload counts a configuration reload.
func (m *Metrics) RecordReload(ctx context.Context, status string) {
	m.ConfigReloads.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
