// Package denoise defines the contract for frame-based noise-suppression
// models and the [Engine] that owns their lifecycle.
//
// A backend implements three small interfaces:
//
//   - [Runtime] parses model bytes into a [Model].
//   - [Model] describes the frame geometry and creates per-stream [State].
//   - [State] processes one frame at a time and accepts configuration changes.
//
// Backends are bound at compile time and registered by name (see
// internal/config.Registry); no code is synthesised or loaded at runtime.
//
// The [Engine] wraps a Runtime and hands out [Handle] values. A Handle is
// the only object the real-time audio path touches: it is lock-free, does not
// allocate once running and converts every failure into a sentinel error.
package denoise

// Config holds the tunable parameters of a suppression stream. Both values
// may be changed after creation; changes take effect no later than the next
// processed frame.
type Config struct {
	// AttenuationLimitDB caps how far a bin may be attenuated, in dB. 0
	// disables suppression entirely; 100 effectively removes the cap.
	AttenuationLimitDB float32

	// PostFilterBeta smooths the per-bin gain across frames. 0 disables
	// smoothing; values approaching 1 make the gain react slowly. Range: [0, 1).
	PostFilterBeta float32
}

// DefaultConfig returns a Config with a 100 dB attenuation limit and no
// post-filter smoothing.
func DefaultConfig() Config {
	return Config{AttenuationLimitDB: 100}
}

// Runtime turns serialized model bytes into a [Model].
//
// Implementations must be safe for concurrent use.
type Runtime interface {
	// Name returns the registry name of the runtime (e.g., "spectral").
	Name() string

	// Load parses modelBytes. It returns an error if the bytes are malformed
	// or describe a model the runtime cannot instantiate.
	Load(modelBytes []byte) (Model, error)
}

// Model is a loaded, immutable model. Many States may share one Model.
type Model interface {
	// FrameLength returns the number of samples consumed and produced by a
	// single ProcessFrame call.
	FrameLength() int

	// SampleRate returns the sample rate in Hz the model was trained for.
	SampleRate() int

	// NewState allocates the per-stream processing state.
	NewState(cfg Config) (State, error)
}

// State is the mutable, per-stream processing state of a [Model].
//
// A State is driven from a single goroutine; the [Handle] guarantees that
// ProcessFrame, the setters and Close are never called concurrently.
type State interface {
	// SetAttenuationLimit changes the attenuation cap in dB.
	SetAttenuationLimit(db float32)

	// SetPostFilterBeta changes the post-filter smoothing factor.
	SetPostFilterBeta(beta float32)

	// ProcessFrame cleans one frame. in and out have FrameLength samples and
	// may alias. It returns the estimated signal-to-noise ratio of the frame
	// in dB. It must not allocate.
	ProcessFrame(in, out []float32) (snrDB float32, err error)

	// Close releases the state. Calling Close more than once is safe.
	Close() error
}
