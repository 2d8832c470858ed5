package denoise

import "errors"

var (
	// ErrModelLoad is returned when model bytes are malformed or the runtime
	// cannot instantiate them.
	ErrModelLoad = errors.New("denoise: model load failed")

	// ErrUnsupportedFormat is returned when a model declares a frame length or
	// sample rate the engine cannot drive.
	ErrUnsupportedFormat = errors.New("denoise: unsupported model format")

	// ErrProcessing is returned by [Handle.Process] when a single frame could
	// not be processed. The handle stays usable.
	ErrProcessing = errors.New("denoise: frame processing failed")

	// ErrUseAfterFree is returned by every [Handle] method after Destroy.
	ErrUseAfterFree = errors.New("denoise: handle used after destroy")
)
