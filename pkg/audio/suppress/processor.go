// Package suppress wraps a [denoise.Handle] and a [reframe.Reframer] into a
// processor that sits on the real-time capture path.
//
// A [Processor] starts in passthrough. Initialize loads the model off the
// real-time thread; once it reports ready, ProcessBlock routes every block
// through the model. Readiness is published through atomics so ProcessBlock
// never takes a lock, never blocks and never allocates.
//
// Failures never stop the audio. An initialization failure leaves the
// processor in passthrough for good. A failed frame is replaced by the
// previous good output frame and reported asynchronously on [Processor.Events].
package suppress

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/hushline/pkg/audio"
	"github.com/MrWong99/hushline/pkg/audio/reframe"
	"github.com/MrWong99/hushline/pkg/provider/denoise"
)

var (
	// ErrNotReady is returned by configuration setters before Initialize has
	// succeeded.
	ErrNotReady = errors.New("suppress: processor not ready")

	// ErrDestroyed is returned by every control-path method after Destroy.
	ErrDestroyed = errors.New("suppress: processor destroyed")

	// ErrTerminal wraps the stored cause when Initialize is called again after
	// a failed initialization.
	ErrTerminal = errors.New("suppress: initialization failed earlier")
)

// State is the lifecycle state of a [Processor].
type State int32

const (
	// StateUninitialized is the initial state. Audio passes through.
	StateUninitialized State = iota

	// StateInitializing means a model is being loaded. Audio passes through.
	StateInitializing

	// StateReady means blocks are routed through the model.
	StateReady

	// StateError is terminal: initialization failed and audio passes through
	// for the life of the processor.
	StateError

	// StateDestroyed is terminal: the handle was released.
	StateDestroyed
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// EventType classifies processor events.
type EventType int

const (
	// EventReady is emitted once when Initialize succeeds.
	EventReady EventType = iota

	// EventError is emitted once when Initialize fails.
	EventError

	// EventProcessingError is emitted for each frame that failed on the
	// real-time path.
	EventProcessingError

	// EventDestroyed is emitted when Destroy releases the handle.
	EventDestroyed
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventReady:
		return "ready"
	case EventError:
		return "error"
	case EventProcessingError:
		return "processing_error"
	case EventDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Event is delivered on [Processor.Events].
type Event struct {
	Type EventType
	Err  error
	At   time.Time
}

// Stats is a snapshot of processor counters.
type Stats struct {
	FramesProcessed  uint64
	ProcessingErrors uint64
	EventsDropped    uint64
	LastSNR          float32

	// LatencySamples is the reframing latency added once ready.
	LatencySamples int
}

// Option configures a [Processor].
type Option func(*Processor)

// WithEventBuffer sets the capacity of the event queue. Events that do not
// fit are counted in [Stats.EventsDropped]. Default: 64.
func WithEventBuffer(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.eventBuf = n
		}
	}
}

// WithBlockSize sets the real-time block length the reframer is sized for.
// Default: [audio.DefaultBlockSize].
func WithBlockSize(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.blockSize = n
		}
	}
}

// WithClock overrides the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// Processor is a single suppression track. One Processor owns at most one
// [denoise.Handle].
//
// ProcessBlock must be called from a single real-time goroutine. All other
// methods are safe for concurrent use.
type Processor struct {
	engine    *denoise.Engine
	blockSize int
	eventBuf  int
	now       func() time.Time

	state  atomic.Int32
	pipe   atomic.Pointer[pipeline]
	events chan Event

	group   singleflight.Group
	mu      sync.Mutex
	initErr error

	frames  atomic.Uint64
	errs    atomic.Uint64
	dropped atomic.Uint64
	snr     atomic.Uint32
}

// New returns a Processor in [StateUninitialized] that creates its handle
// from engine.
func New(engine *denoise.Engine, opts ...Option) *Processor {
	p := &Processor{
		engine:    engine,
		blockSize: audio.DefaultBlockSize,
		eventBuf:  64,
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	p.events = make(chan Event, p.eventBuf)
	return p
}

// State returns the current lifecycle state.
func (p *Processor) State() State { return State(p.state.Load()) }

// Ready reports whether blocks are being routed through the model.
func (p *Processor) Ready() bool { return p.State() == StateReady }

// Events returns the event queue. It is never closed; consumers stop on
// their own context.
func (p *Processor) Events() <-chan Event { return p.events }

// Stats returns a snapshot of the processor counters.
func (p *Processor) Stats() Stats {
	st := Stats{
		FramesProcessed:  p.frames.Load(),
		ProcessingErrors: p.errs.Load(),
		EventsDropped:    p.dropped.Load(),
		LastSNR:          math.Float32frombits(p.snr.Load()),
	}
	if pl := p.pipe.Load(); pl != nil {
		st.LatencySamples = pl.reframer.Latency()
	}
	return st
}

// Initialize loads modelBytes and switches the processor to [StateReady].
// It must not be called from the real-time thread.
//
// Concurrent callers share one load. Once Initialize has succeeded, further
// calls return nil. A failed load is terminal: the processor stays in
// passthrough and every later call returns an error wrapping [ErrTerminal]
// and the original cause. A cancelled ctx before the load starts leaves
// the processor uninitialized.
func (p *Processor) Initialize(ctx context.Context, modelBytes []byte, cfg denoise.Config) error {
	if err := p.checkInit(); err != nil || p.State() == StateReady {
		return err
	}
	_, err, _ := p.group.Do("init", func() (any, error) {
		return nil, p.initialize(ctx, modelBytes, cfg)
	})
	return err
}

func (p *Processor) checkInit() error {
	switch p.State() {
	case StateError:
		p.mu.Lock()
		defer p.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrTerminal, p.initErr)
	case StateDestroyed:
		return ErrDestroyed
	}
	return nil
}

func (p *Processor) initialize(ctx context.Context, modelBytes []byte, cfg denoise.Config) error {
	if !p.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		if err := p.checkInit(); err != nil {
			return err
		}
		return nil
	}
	if err := ctx.Err(); err != nil {
		p.state.CompareAndSwap(int32(StateInitializing), int32(StateUninitialized))
		return fmt.Errorf("suppress: initialize: %w", err)
	}

	fail := func(err error) error {
		err = fmt.Errorf("suppress: initialize: %w", err)
		p.mu.Lock()
		p.initErr = err
		p.mu.Unlock()
		if p.state.CompareAndSwap(int32(StateInitializing), int32(StateError)) {
			p.emit(EventError, err)
		}
		return err
	}

	h, err := p.engine.Create(modelBytes, cfg)
	if err != nil {
		return fail(err)
	}
	frameLen, err := h.FrameLength()
	if err != nil {
		return fail(err)
	}
	rf, err := reframe.New(frameLen, p.blockSize)
	if err != nil {
		_ = h.Destroy()
		return fail(err)
	}

	pl := &pipeline{
		owner:    p,
		handle:   h,
		reframer: rf,
		prevOut:  make([]float32, frameLen),
	}
	pl.fn = pl.processFrame
	p.pipe.Store(pl)

	if !p.state.CompareAndSwap(int32(StateInitializing), int32(StateReady)) {
		// Destroy won the race; it owns the teardown of whatever it swapped out.
		if p.pipe.CompareAndSwap(pl, nil) {
			_ = h.Destroy()
		}
		return ErrDestroyed
	}
	p.emit(EventReady, nil)
	return nil
}

// ProcessBlock writes the processed version of in to out. It is the
// real-time entry point: it never blocks, never allocates and never fails.
// Until the processor is ready, and after it is destroyed, out receives in
// unchanged.
func (p *Processor) ProcessBlock(in, out []float32) {
	var pl *pipeline
	if p.State() == StateReady {
		pl = p.pipe.Load()
	}
	if pl == nil {
		n := copy(out, in)
		clear(out[n:])
		return
	}
	if err := pl.reframer.Process(in, out, pl.fn); err != nil {
		p.errs.Add(1)
		p.emit(EventProcessingError, err)
	}
}

// SetAttenuationLimit changes the attenuation limit of the running model.
// The next processed frame uses the new value.
func (p *Processor) SetAttenuationLimit(db float32) error {
	pl, err := p.readyPipeline()
	if err != nil {
		return err
	}
	if err := pl.handle.SetAttenuationLimit(db); err != nil {
		return ErrDestroyed
	}
	return nil
}

// SetPostFilterBeta changes the post-filter smoothing of the running model.
// The next processed frame uses the new value.
func (p *Processor) SetPostFilterBeta(beta float32) error {
	pl, err := p.readyPipeline()
	if err != nil {
		return err
	}
	if err := pl.handle.SetPostFilterBeta(beta); err != nil {
		return ErrDestroyed
	}
	return nil
}

// Config returns the configuration most recently requested from the model.
func (p *Processor) Config() (denoise.Config, error) {
	pl, err := p.readyPipeline()
	if err != nil {
		return denoise.Config{}, err
	}
	cfg, err := pl.handle.Config()
	if err != nil {
		return denoise.Config{}, ErrDestroyed
	}
	return cfg, nil
}

func (p *Processor) readyPipeline() (*pipeline, error) {
	switch p.State() {
	case StateReady:
	case StateDestroyed:
		return nil, ErrDestroyed
	default:
		return nil, ErrNotReady
	}
	pl := p.pipe.Load()
	if pl == nil {
		return nil, ErrDestroyed
	}
	return pl, nil
}

// Destroy releases the model handle and moves the processor to
// [StateDestroyed]. A ProcessBlock call racing with Destroy finishes on the
// fallback path; later calls pass audio through. Calling Destroy more than
// once is safe.
func (p *Processor) Destroy() error {
	if State(p.state.Swap(int32(StateDestroyed))) == StateDestroyed {
		return nil
	}
	pl := p.pipe.Swap(nil)
	if pl == nil {
		return nil
	}
	err := pl.handle.Destroy()
	p.emit(EventDestroyed, err)
	return err
}

func (p *Processor) emit(typ EventType, err error) {
	select {
	case p.events <- Event{Type: typ, Err: err, At: p.now()}:
	default:
		p.dropped.Add(1)
	}
}

// pipeline is the ready-state data owned by the real-time thread.
type pipeline struct {
	owner    *Processor
	handle   *denoise.Handle
	reframer *reframe.Reframer
	fn       reframe.FrameFunc
	prevOut  []float32
	hasPrev  bool
}

func (pl *pipeline) processFrame(in, out []float32) {
	snr, err := pl.handle.Process(in, out)
	switch {
	case err == nil:
		copy(pl.prevOut, out)
		pl.hasPrev = true
		pl.owner.frames.Add(1)
		pl.owner.snr.Store(math.Float32bits(snr))
	case errors.Is(err, denoise.ErrUseAfterFree):
		copy(out, in)
	default:
		if pl.hasPrev {
			copy(out, pl.prevOut)
		} else {
			copy(out, in)
		}
		pl.owner.errs.Add(1)
		pl.owner.emit(EventProcessingError, err)
	}
}
