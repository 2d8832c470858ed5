package denoise

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
)

// DefaultMaxFrameLength is the largest model frame the engine accepts unless
// [WithMaxFrameLength] says otherwise. 8192 samples is 170 ms at 48 kHz.
const DefaultMaxFrameLength = 8192

var (
	errFrameSize  = fmt.Errorf("%w: buffer length does not match frame length", ErrProcessing)
	errConcurrent = fmt.Errorf("%w: concurrent process call", ErrProcessing)
	errPanic      = fmt.Errorf("%w: model panicked", ErrProcessing)
)

// Engine creates [Handle] values from model bytes using a single [Runtime].
// It holds no per-stream state and is safe for concurrent use.
type Engine struct {
	runtime        Runtime
	sampleRate     int
	maxFrameLength int
}

// Option configures an [Engine].
type Option func(*Engine)

// WithSampleRate makes Create reject models trained for a different sample
// rate. 0 accepts any rate.
func WithSampleRate(hz int) Option {
	return func(e *Engine) { e.sampleRate = hz }
}

// WithMaxFrameLength caps the model frame length Create accepts.
func WithMaxFrameLength(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxFrameLength = n
		}
	}
}

// NewEngine returns an Engine backed by rt.
func NewEngine(rt Runtime, opts ...Option) *Engine {
	e := &Engine{
		runtime:        rt,
		maxFrameLength: DefaultMaxFrameLength,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// RuntimeName returns the name of the underlying runtime, or "" if none.
func (e *Engine) RuntimeName() string {
	if e.runtime == nil {
		return ""
	}
	return e.runtime.Name()
}

// Create loads modelBytes and returns a ready [Handle] configured with cfg.
//
// It fails with [ErrModelLoad] when the bytes are empty or malformed or the
// runtime cannot instantiate them, and with [ErrUnsupportedFormat] when the
// model's frame length or sample rate is incompatible with this engine.
func (e *Engine) Create(modelBytes []byte, cfg Config) (h *Handle, err error) {
	if e.runtime == nil {
		return nil, fmt.Errorf("%w: no runtime configured", ErrModelLoad)
	}
	if len(modelBytes) == 0 {
		return nil, fmt.Errorf("%w: empty model", ErrModelLoad)
	}
	defer func() {
		if r := recover(); r != nil {
			h, err = nil, fmt.Errorf("%w: runtime %q panicked: %v", ErrModelLoad, e.runtime.Name(), r)
		}
	}()

	model, err := e.runtime.Load(modelBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	frameLen := model.FrameLength()
	if frameLen <= 0 || frameLen > e.maxFrameLength {
		return nil, fmt.Errorf("%w: frame length %d outside (0, %d]", ErrUnsupportedFormat, frameLen, e.maxFrameLength)
	}
	if e.sampleRate != 0 && model.SampleRate() != e.sampleRate {
		return nil, fmt.Errorf("%w: model sample rate %d, engine runs at %d", ErrUnsupportedFormat, model.SampleRate(), e.sampleRate)
	}

	state, err := model.NewState(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: create state: %w", ErrModelLoad, err)
	}

	h = &Handle{
		state:      state,
		frameLen:   frameLen,
		sampleRate: model.SampleRate(),
	}
	h.attenuation.Store(math.Float32bits(cfg.AttenuationLimitDB))
	h.beta.Store(math.Float32bits(cfg.PostFilterBeta))
	return h, nil
}

const (
	handleIdle      int32 = 0
	handleBusy      int32 = 1
	handleDestroyed int32 = -1
)

const (
	dirtyAttenuation uint32 = 1 << iota
	dirtyBeta
)

// Handle is a live suppression stream created by [Engine.Create].
//
// Process is lock-free and intended for the real-time thread; the setters
// and Destroy may be called from any goroutine. Configuration changes are
// stored atomically and applied to the model right before the next Process.
type Handle struct {
	state      State
	frameLen   int
	sampleRate int

	status      atomic.Int32
	dirty       atomic.Uint32
	attenuation atomic.Uint32
	beta        atomic.Uint32
}

// FrameLength returns the number of samples Process consumes and produces.
// It never changes over the life of the handle.
func (h *Handle) FrameLength() (int, error) {
	if h.Destroyed() {
		return 0, ErrUseAfterFree
	}
	return h.frameLen, nil
}

// SampleRate returns the sample rate of the loaded model in Hz.
func (h *Handle) SampleRate() (int, error) {
	if h.Destroyed() {
		return 0, ErrUseAfterFree
	}
	return h.sampleRate, nil
}

// Config returns the most recently requested configuration.
func (h *Handle) Config() (Config, error) {
	if h.Destroyed() {
		return Config{}, ErrUseAfterFree
	}
	return Config{
		AttenuationLimitDB: math.Float32frombits(h.attenuation.Load()),
		PostFilterBeta:     math.Float32frombits(h.beta.Load()),
	}, nil
}

// SetAttenuationLimit requests a new attenuation limit in dB. It takes effect
// no later than the next Process call.
func (h *Handle) SetAttenuationLimit(db float32) error {
	if h.status.Load() == handleDestroyed {
		return ErrUseAfterFree
	}
	h.attenuation.Store(math.Float32bits(db))
	h.dirty.Or(dirtyAttenuation)
	return nil
}

// SetPostFilterBeta requests a new post-filter smoothing factor. It takes
// effect no later than the next Process call.
func (h *Handle) SetPostFilterBeta(beta float32) error {
	if h.status.Load() == handleDestroyed {
		return ErrUseAfterFree
	}
	h.beta.Store(math.Float32bits(beta))
	h.dirty.Or(dirtyBeta)
	return nil
}

// Process cleans exactly one frame. in and out must both hold FrameLength
// samples and may alias. It returns the model's SNR estimate in dB.
//
// Failures of a single frame, including panics inside the model, are
// reported as [ErrProcessing]; the handle remains usable. After Destroy,
// Process returns [ErrUseAfterFree].
func (h *Handle) Process(in, out []float32) (snrDB float32, err error) {
	if !h.status.CompareAndSwap(handleIdle, handleBusy) {
		if h.status.Load() == handleDestroyed {
			return 0, ErrUseAfterFree
		}
		return 0, errConcurrent
	}
	defer h.status.Store(handleIdle)

	if len(in) != h.frameLen || len(out) != h.frameLen {
		return 0, errFrameSize
	}

	defer func() {
		if r := recover(); r != nil {
			snrDB, err = 0, errPanic
		}
	}()

	if bits := h.dirty.Swap(0); bits != 0 {
		if bits&dirtyAttenuation != 0 {
			h.state.SetAttenuationLimit(math.Float32frombits(h.attenuation.Load()))
		}
		if bits&dirtyBeta != 0 {
			h.state.SetPostFilterBeta(math.Float32frombits(h.beta.Load()))
		}
	}

	snrDB, err = h.state.ProcessFrame(in, out)
	if err != nil && !errors.Is(err, ErrProcessing) {
		err = fmt.Errorf("%w: %w", ErrProcessing, err)
	}
	return snrDB, err
}

// Destroy releases the model state. It waits for an in-flight Process call
// to return first. Calling Destroy more than once is safe and returns nil.
func (h *Handle) Destroy() error {
	for {
		switch h.status.Load() {
		case handleDestroyed:
			return nil
		case handleIdle:
			if h.status.CompareAndSwap(handleIdle, handleDestroyed) {
				return h.state.Close()
			}
		default:
			runtime.Gosched()
		}
	}
}

// Destroyed reports whether Destroy has been called.
func (h *Handle) Destroyed() bool { return h.status.Load() == handleDestroyed }
