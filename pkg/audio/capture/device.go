// Package capture drives the real-time audio callback.
//
// A [Device] is the process-wide audio context: it pulls fixed-size blocks
// from a [Source], hands each block to a [Processor] and then to a set of
// taps, optionally writing the processed audio to a sink. It runs on one
// goroutine locked to its OS thread and, when paced, at the block cadence of
// a hardware callback.
//
// The device is an explicitly owned, reference-counted resource. Open starts
// it exactly once; consumers that share it call Retain and Release, and the
// last Release stops it.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/hushline/pkg/audio"
)

// ErrClosed is returned by Open and Retain after the device stopped.
var ErrClosed = errors.New("capture: device closed")

// Processor transforms one block in the real-time callback. ProcessBlock
// must not block or allocate. [suppress.Processor] implements it.
type Processor interface {
	ProcessBlock(in, out []float32)
}

// ProcessorFunc adapts a function to [Processor].
type ProcessorFunc func(in, out []float32)

// ProcessBlock calls f(in, out).
func (f ProcessorFunc) ProcessBlock(in, out []float32) { f(in, out) }

// Passthrough copies input to output.
var Passthrough = ProcessorFunc(func(in, out []float32) { copy(out, in) })

// Tap observes every processed block on the real-time goroutine. It must
// not retain block and must return quickly.
type Tap func(block []float32)

// Option configures a [Device].
type Option func(*Device)

// WithBlockSize sets the samples per callback. Default: [audio.DefaultBlockSize].
func WithBlockSize(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.blockSize = n
		}
	}
}

// WithSampleRate sets the capture rate. Default: [audio.DefaultSampleRate].
func WithSampleRate(hz int) Option {
	return func(d *Device) {
		if hz > 0 {
			d.sampleRate = hz
		}
	}
}

// WithPacing controls whether blocks are delivered at real-time cadence
// (default) or as fast as the source produces them.
func WithPacing(paced bool) Option {
	return func(d *Device) { d.paced = paced }
}

// WithTap adds an observer of processed blocks.
func WithTap(t Tap) Option {
	return func(d *Device) {
		if t != nil {
			d.taps = append(d.taps, t)
		}
	}
}

// WithSink writes processed audio to w in format f.
func WithSink(w io.Writer, f Format) Option {
	return func(d *Device) {
		d.sink = w
		d.sinkFormat = f
	}
}

// Stats is a snapshot of device counters.
type Stats struct {
	Blocks     uint64
	Overruns   uint64
	SinkErrors uint64
}

// Device is the shared real-time audio context.
type Device struct {
	src        Source
	proc       Processor
	blockSize  int
	sampleRate int
	paced      bool
	taps       []Tap
	sink       io.Writer
	sinkFormat Format

	openOnce sync.Once
	openErr  error
	ready    chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
	runErr   error

	mu     sync.Mutex
	refs   int
	closed bool

	blocks     atomic.Uint64
	overruns   atomic.Uint64
	sinkErrors atomic.Uint64
}

// New returns an unopened Device reading from src. A nil proc passes audio
// through.
func New(src Source, proc Processor, opts ...Option) *Device {
	if proc == nil {
		proc = Passthrough
	}
	d := &Device{
		src:        src,
		proc:       proc,
		blockSize:  audio.DefaultBlockSize,
		sampleRate: audio.DefaultSampleRate,
		paced:      true,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// BlockSize returns the samples per callback.
func (d *Device) BlockSize() int { return d.blockSize }

// SampleRate returns the capture rate in Hz.
func (d *Device) SampleRate() int { return d.sampleRate }

// Open starts the callback loop. Only the first call starts anything; later
// calls return the first call's result. The loop stops when ctx is
// cancelled, the source is exhausted, or the device is closed.
func (d *Device) Open(ctx context.Context) error {
	d.openOnce.Do(func() {
		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed {
			d.openErr = ErrClosed
			return
		}
		if d.src == nil {
			d.openErr = errors.New("capture: nil source")
			return
		}
		if d.sink != nil && d.sinkFormat.BytesPerSample() == 0 {
			d.openErr = fmt.Errorf("capture: unknown sink format %q", d.sinkFormat)
			return
		}
		ctx, d.cancel = context.WithCancel(ctx)
		go d.loop(ctx)
	})
	return d.openErr
}

// Ready is closed once the first block has been delivered, or when the loop
// stops without delivering any.
func (d *Device) Ready() <-chan struct{} { return d.ready }

// Done is closed when the callback loop has stopped.
func (d *Device) Done() <-chan struct{} { return d.done }

// Err returns why the loop stopped. It is nil for a clean stop or an
// exhausted source and only meaningful after Done is closed.
func (d *Device) Err() error {
	select {
	case <-d.done:
		return d.runErr
	default:
		return nil
	}
}

// Retain registers a consumer of the device.
func (d *Device) Retain() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.refs++
	return nil
}

// Release drops a consumer. The last Release closes the device.
func (d *Device) Release() {
	d.mu.Lock()
	if d.refs == 0 {
		d.mu.Unlock()
		return
	}
	d.refs--
	last := d.refs == 0
	d.mu.Unlock()
	if last {
		_ = d.Close()
	}
}

// Refs returns the number of retained consumers.
func (d *Device) Refs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refs
}

// Stats returns the device counters.
func (d *Device) Stats() Stats {
	return Stats{
		Blocks:     d.blocks.Load(),
		Overruns:   d.overruns.Load(),
		SinkErrors: d.sinkErrors.Load(),
	}
}

// Close stops the loop and waits for it. Calling Close more than once, or on
// a device that was never opened, is safe.
func (d *Device) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.openOnce.Do(func() { d.openErr = ErrClosed })
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
	return nil
}

func (d *Device) loop(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(d.done)

	in := make([]float32, d.blockSize)
	out := make([]float32, d.blockSize)
	var raw []byte
	if d.sink != nil {
		raw = make([]byte, d.blockSize*d.sinkFormat.BytesPerSample())
	}

	var tick <-chan time.Time
	period := audio.BlockDuration(d.blockSize, d.sampleRate)
	if d.paced && period > 0 {
		t := time.NewTicker(period)
		defer t.Stop()
		tick = t.C
	}

	first := true
	defer func() {
		if first {
			close(d.ready)
		}
	}()
	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return
		}

		start := time.Now()
		if err := d.src.ReadBlock(in); err != nil {
			if !errors.Is(err, io.EOF) {
				d.runErr = err
				slog.Warn("capture: source failed", "err", err)
			}
			return
		}
		d.proc.ProcessBlock(in, out)
		for _, tap := range d.taps {
			tap(out)
		}
		if d.sink != nil {
			encode(d.sinkFormat, raw, out)
			if _, err := d.sink.Write(raw); err != nil {
				d.sinkErrors.Add(1)
			}
		}
		d.blocks.Add(1)
		if first {
			first = false
			close(d.ready)
		}

		if tick != nil && time.Since(start) > period {
			d.overruns.Add(1)
		}
	}
}
