package audio

import "time"

// AudioFrame is a chunk of interleaved PCM travelling over a voice transport.
// Transports speak little-endian int16; the processing core works on float32
// blocks and converts at the boundary with [PCM16ToFloat32] and
// [Float32ToPCM16].
type AudioFrame struct {
	// PCM audio data. Sample rate and channel count are carried alongside.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for Discord Opus).
	SampleRate int

	// Channels: 1 for mono (microphone capture), 2 for stereo (Discord).
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// DefaultBlockSize is the number of samples delivered per real-time callback
// when nothing else is configured.
const DefaultBlockSize = 128

// DefaultSampleRate is the capture rate used by the processing core.
const DefaultSampleRate = 48000

// BlockDuration returns how long one block of blockSize samples lasts at
// sampleRate. It is the time budget of a single real-time callback.
func BlockDuration(blockSize, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(blockSize) * time.Second / time.Duration(sampleRate)
}
