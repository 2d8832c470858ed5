// Package activity decides whether the local participant is speaking.
//
// A [Detector] fuses two inputs: the transport's own speaking flag, which is
// authoritative and immediate, and a per-block input level used as a
// permissive fallback. Rising edges are instant. Falling edges are held back
// by a hold timer so short pauses between words do not flicker.
//
// Both inputs may be fed from the real-time thread; the detector only uses
// atomics.
package activity

import (
	"context"
	"math"
	"sync/atomic"
	"time"
)

// DefaultHold is the falling-edge hold time.
const DefaultHold = 120 * time.Millisecond

// DefaultPollInterval is the sampling interval used by [Detector.Edges] when
// the caller passes a non-positive interval.
const DefaultPollInterval = 20 * time.Millisecond

const never = math.MinInt64

// Option configures a [Detector].
type Option func(*Detector)

// WithHold sets how long the detector keeps reporting speech after both
// inputs went quiet.
func WithHold(d time.Duration) Option {
	return func(det *Detector) { det.SetHold(d) }
}

// WithLevelThreshold sets the level above which a block counts as activity.
// The default of 0 treats any nonzero level as speech.
func WithLevelThreshold(v float32) Option {
	return func(det *Detector) { det.SetLevelThreshold(v) }
}

// WithClock overrides the time source. Useful in tests.
func WithClock(now func() time.Time) Option {
	return func(det *Detector) {
		if now != nil {
			det.now = now
		}
	}
}

// Detector is the local speech-activity detector. It is safe for concurrent
// use.
type Detector struct {
	hold      atomic.Int64
	threshold atomic.Uint32
	now       func() time.Time
	origin    time.Time

	event     atomic.Bool
	level     atomic.Uint32
	lastAbove atomic.Int64 // nanoseconds since origin
}

// New returns a Detector that is not speaking.
func New(opts ...Option) *Detector {
	d := &Detector{now: time.Now}
	d.hold.Store(int64(DefaultHold))
	for _, o := range opts {
		o(d)
	}
	d.origin = d.now()
	d.lastAbove.Store(never)
	return d
}

// Hold returns the configured hold time.
func (d *Detector) Hold() time.Duration { return time.Duration(d.hold.Load()) }

// SetHold changes the hold time. Negative values are ignored.
func (d *Detector) SetHold(hold time.Duration) {
	if hold >= 0 {
		d.hold.Store(int64(hold))
	}
}

// LevelThreshold returns the level above which a block counts as activity.
func (d *Detector) LevelThreshold() float32 {
	return math.Float32frombits(d.threshold.Load())
}

// SetLevelThreshold changes the activity threshold. Negative values are
// ignored.
func (d *Detector) SetLevelThreshold(v float32) {
	if v >= 0 {
		d.threshold.Store(math.Float32bits(v))
	}
}

func (d *Detector) elapsed() int64 { return int64(d.now().Sub(d.origin)) }

// SetEventSpeaking records the transport's speaking flag. The falling edge
// also counts as the last moment of activity, so the hold timer starts from
// it.
func (d *Detector) SetEventSpeaking(speaking bool) {
	if speaking || d.event.Load() {
		d.lastAbove.Store(d.elapsed())
	}
	d.event.Store(speaking)
}

// ObserveLevel records the level of the latest input block, in [0, 1].
func (d *Detector) ObserveLevel(level float32) {
	d.level.Store(math.Float32bits(level))
	if level > d.LevelThreshold() {
		d.lastAbove.Store(d.elapsed())
	}
}

// IsSpeaking reports whether the local participant counts as speaking: either
// input is active now, or the last activity is at most the hold time ago.
func (d *Detector) IsSpeaking() bool {
	if d.event.Load() || math.Float32frombits(d.level.Load()) > d.LevelThreshold() {
		return true
	}
	last := d.lastAbove.Load()
	if last == never {
		return false
	}
	return d.elapsed()-last <= d.hold.Load()
}

// Edge is a transition of the fused speaking flag.
type Edge struct {
	Speaking bool
	At       time.Time
}

// Edges samples IsSpeaking every interval and delivers only transitions. The
// first edge is the first time the detector reports speech. The channel is
// closed when ctx is done.
func (d *Detector) Edges(ctx context.Context, interval time.Duration) <-chan Edge {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ch := make(chan Edge, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		current := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			speaking := d.IsSpeaking()
			if speaking == current {
				continue
			}
			current = speaking
			select {
			case ch <- Edge{Speaking: speaking, At: d.now()}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Level returns the RMS level of block, clamped to [0, 1].
func Level(block []float32) float32 {
	if len(block) == 0 {
		return 0
	}
	var sum float64
	for _, v := range block {
		sum += float64(v) * float64(v)
	}
	rms := float32(math.Sqrt(sum / float64(len(block))))
	return min(rms, 1)
}
