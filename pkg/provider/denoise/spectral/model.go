package spectral

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Magic identifies a spectral model blob.
const Magic = "HSDN"

// Version is the blob layout version written by [Encode].
const Version = 1

const headerSize = 32

// ModelSpec describes a spectral model. It is the decoded form of a model
// blob.
//
// Blob layout (little-endian):
//
//	offset size field
//	0      4    magic "HSDN"
//	4      2    version
//	6      2    reserved, zero
//	8      4    sample rate (Hz)
//	12     4    frame length (samples, power of two)
//	16     4    noise-learning frames
//	20     4    over-subtraction factor (float32)
//	24     4    spectral floor (float32, linear gain)
//	28     4    band count
//	32     4*n  band weights (float32)
type ModelSpec struct {
	SampleRate      int
	FrameLength     int
	NoiseFrames     int
	OverSubtraction float32
	SpectralFloor   float32
	BandWeights     []float32
}

// DefaultModelSpec returns a 48 kHz model with 256-sample frames, eight
// noise-learning frames and sixteen neutral bands.
func DefaultModelSpec() ModelSpec {
	weights := make([]float32, 16)
	for i := range weights {
		weights[i] = 1
	}
	return ModelSpec{
		SampleRate:      48000,
		FrameLength:     256,
		NoiseFrames:     8,
		OverSubtraction: 3,
		SpectralFloor:   0,
		BandWeights:     weights,
	}
}

// Validate reports every problem with s.
func (s ModelSpec) Validate() error {
	var errs []error
	if s.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", s.SampleRate))
	}
	if s.FrameLength < 16 || s.FrameLength&(s.FrameLength-1) != 0 {
		errs = append(errs, fmt.Errorf("frame length must be a power of two >= 16, got %d", s.FrameLength))
	}
	if s.NoiseFrames <= 0 {
		errs = append(errs, fmt.Errorf("noise frames must be positive, got %d", s.NoiseFrames))
	}
	if !(s.OverSubtraction > 0) || math.IsInf(float64(s.OverSubtraction), 0) {
		errs = append(errs, fmt.Errorf("over-subtraction must be positive and finite, got %v", s.OverSubtraction))
	}
	if !(s.SpectralFloor >= 0 && s.SpectralFloor < 1) {
		errs = append(errs, fmt.Errorf("spectral floor must be in [0, 1), got %v", s.SpectralFloor))
	}
	if n := len(s.BandWeights); n == 0 || (s.FrameLength > 0 && n > s.FrameLength+1) {
		errs = append(errs, fmt.Errorf("band count %d outside [1, %d]", n, s.FrameLength+1))
	}
	for i, w := range s.BandWeights {
		if !(w >= 0) || math.IsInf(float64(w), 0) {
			errs = append(errs, fmt.Errorf("band weight %d must be non-negative and finite, got %v", i, w))
		}
	}
	return errors.Join(errs...)
}

// Encode serializes s into a model blob.
func Encode(s ModelSpec) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("spectral: encode: %w", err)
	}
	b := make([]byte, headerSize+4*len(s.BandWeights))
	le := binary.LittleEndian
	copy(b, Magic)
	le.PutUint16(b[4:], Version)
	le.PutUint32(b[8:], uint32(s.SampleRate))
	le.PutUint32(b[12:], uint32(s.FrameLength))
	le.PutUint32(b[16:], uint32(s.NoiseFrames))
	le.PutUint32(b[20:], math.Float32bits(s.OverSubtraction))
	le.PutUint32(b[24:], math.Float32bits(s.SpectralFloor))
	le.PutUint32(b[28:], uint32(len(s.BandWeights)))
	for i, w := range s.BandWeights {
		le.PutUint32(b[headerSize+4*i:], math.Float32bits(w))
	}
	return b, nil
}

// Parse decodes and validates a model blob.
func Parse(b []byte) (ModelSpec, error) {
	if len(b) < headerSize {
		return ModelSpec{}, fmt.Errorf("spectral: blob too short: %d bytes", len(b))
	}
	if string(b[:4]) != Magic {
		return ModelSpec{}, fmt.Errorf("spectral: bad magic %q", b[:4])
	}
	le := binary.LittleEndian
	if v := le.Uint16(b[4:]); v != Version {
		return ModelSpec{}, fmt.Errorf("spectral: unsupported version %d", v)
	}
	bands := le.Uint32(b[28:])
	if want := uint64(headerSize) + 4*uint64(bands); uint64(len(b)) != want {
		return ModelSpec{}, fmt.Errorf("spectral: blob is %d bytes, header declares %d", len(b), want)
	}

	s := ModelSpec{
		SampleRate:      int(le.Uint32(b[8:])),
		FrameLength:     int(le.Uint32(b[12:])),
		NoiseFrames:     int(le.Uint32(b[16:])),
		OverSubtraction: math.Float32frombits(le.Uint32(b[20:])),
		SpectralFloor:   math.Float32frombits(le.Uint32(b[24:])),
		BandWeights:     make([]float32, bands),
	}
	for i := range s.BandWeights {
		s.BandWeights[i] = math.Float32frombits(le.Uint32(b[headerSize+4*i:]))
	}
	if err := s.Validate(); err != nil {
		return ModelSpec{}, fmt.Errorf("spectral: %w", err)
	}
	return s, nil
}
