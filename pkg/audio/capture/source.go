package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"time"

	"github.com/MrWong99/hushline/pkg/audio"
)

// Format is a raw mono PCM sample encoding.
type Format string

const (
	// FormatF32LE is little-endian IEEE float32.
	FormatF32LE Format = "f32le"

	// FormatS16LE is little-endian signed int16.
	FormatS16LE Format = "s16le"
)

// BytesPerSample returns the encoded size of one sample.
func (f Format) BytesPerSample() int {
	switch f {
	case FormatF32LE:
		return 4
	case FormatS16LE:
		return 2
	}
	return 0
}

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatF32LE, FormatS16LE:
		return f, nil
	}
	return "", fmt.Errorf("capture: unknown sample format %q (want f32le or s16le)", s)
}

// decode fills dst from raw bytes of format f. len(raw) must be
// len(dst)*f.BytesPerSample().
func decode(f Format, dst []float32, raw []byte) {
	switch f {
	case FormatF32LE:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case FormatS16LE:
		audio.PCM16ToFloat32(dst[:0], raw)
	}
}

// encode writes samples into raw, which must be len(samples)*f.BytesPerSample().
func encode(f Format, raw []byte, samples []float32) {
	switch f {
	case FormatF32LE:
		for i, s := range samples {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(s))
		}
	case FormatS16LE:
		audio.Float32ToPCM16(raw[:0], samples)
	}
}

// Source produces mono capture blocks.
type Source interface {
	// ReadBlock fills dst completely. It returns io.EOF once the source is
	// exhausted. A short final read is zero-padded and returned without
	// error; the following call reports io.EOF.
	ReadBlock(dst []float32) error
}

// ReaderSource decodes raw PCM from an io.Reader such as stdin or a file.
type ReaderSource struct {
	r      io.Reader
	format Format
	raw    []byte
	eof    bool
}

// NewReaderSource returns a Source reading format-encoded samples from r.
func NewReaderSource(r io.Reader, format Format) (*ReaderSource, error) {
	if format.BytesPerSample() == 0 {
		return nil, fmt.Errorf("capture: unknown sample format %q", format)
	}
	return &ReaderSource{r: r, format: format}, nil
}

// ReadBlock implements [Source].
func (s *ReaderSource) ReadBlock(dst []float32) error {
	if s.eof {
		return io.EOF
	}
	bps := s.format.BytesPerSample()
	if need := len(dst) * bps; cap(s.raw) < need {
		s.raw = make([]byte, need)
	}
	raw := s.raw[:len(dst)*bps]
	n, err := io.ReadFull(s.r, raw)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		s.eof = true
		return io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.eof = true
		whole := n / bps * bps
		clear(raw[whole:])
	default:
		return fmt.Errorf("capture: read: %w", err)
	}
	decode(s.format, dst, raw)
	return nil
}

// SyntheticConfig describes a generated test signal: white noise with an
// optional gated sine tone standing in for speech.
type SyntheticConfig struct {
	SampleRate     int
	NoiseAmplitude float32

	// ToneHz and ToneAmplitude describe the tone. ToneHz 0 disables it.
	ToneHz        float64
	ToneAmplitude float32

	// ToneOn and ToneOff gate the tone in a repeating cycle.
	ToneOn  time.Duration
	ToneOff time.Duration

	// Blocks limits the number of blocks produced. 0 means unbounded.
	Blocks int

	Seed uint64
}

// SyntheticSource generates [SyntheticConfig] audio without any device.
type SyntheticSource struct {
	cfg    SyntheticConfig
	rng    *rand.Rand
	sample int64
	blocks int
	cycle  int64
	onLen  int64
}

// NewSyntheticSource returns a generator for cfg.
func NewSyntheticSource(cfg SyntheticConfig) *SyntheticSource {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	s := &SyntheticSource{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	s.onLen = int64(cfg.ToneOn) * int64(cfg.SampleRate) / int64(time.Second)
	s.cycle = s.onLen + int64(cfg.ToneOff)*int64(cfg.SampleRate)/int64(time.Second)
	return s
}

// ReadBlock implements [Source].
func (s *SyntheticSource) ReadBlock(dst []float32) error {
	if s.cfg.Blocks > 0 && s.blocks >= s.cfg.Blocks {
		return io.EOF
	}
	s.blocks++
	step := 2 * math.Pi * s.cfg.ToneHz / float64(s.cfg.SampleRate)
	for i := range dst {
		v := s.cfg.NoiseAmplitude * (2*s.rng.Float32() - 1)
		if s.cfg.ToneHz > 0 && s.toneOn() {
			v += s.cfg.ToneAmplitude * float32(math.Sin(step*float64(s.sample)))
		}
		dst[i] = v
		s.sample++
	}
	return nil
}

func (s *SyntheticSource) toneOn() bool {
	if s.cycle <= 0 || s.onLen >= s.cycle {
		return true
	}
	return s.sample%s.cycle < s.onLen
}
