// Package spectral is the built-in denoise runtime: a spectral-subtraction
// suppressor driven by a small parameter blob.
//
// Each frame of N samples is combined with the previous N into a
// sqrt-Hann-windowed analysis block of 2N, transformed, attenuated per bin
// against a learned noise floor, transformed back and overlap-added. The
// first NoiseFrames frames seed the noise estimate; afterwards it tracks
// slowly on frames that look like noise. The attenuation limit sets the
// minimum gain 10^(-dB/20), and the post-filter beta smooths gains across
// frames.
//
// The runtime adds N samples of algorithmic latency and never allocates in
// ProcessFrame.
package spectral

import (
	"fmt"
	"math"

	"github.com/MrWong99/hushline/pkg/provider/denoise"
)

// Name is the registry name of this runtime.
const Name = "spectral"

const (
	noiseTrackAlpha = 0.98
	maxSNRDB        = 100
)

var errNonFinite = fmt.Errorf("%w: non-finite input", denoise.ErrProcessing)

// Runtime loads spectral model blobs. The zero value is ready to use.
type Runtime struct{}

// Name returns "spectral".
func (Runtime) Name() string { return Name }

// Load parses a model blob produced by [Encode].
func (Runtime) Load(modelBytes []byte) (denoise.Model, error) {
	spec, err := Parse(modelBytes)
	if err != nil {
		return nil, err
	}
	return &Model{spec: spec}, nil
}

// Model is a loaded spectral model.
type Model struct {
	spec ModelSpec
}

// Spec returns a copy of the decoded model parameters.
func (m *Model) Spec() ModelSpec {
	s := m.spec
	s.BandWeights = append([]float32(nil), m.spec.BandWeights...)
	return s
}

// FrameLength implements [denoise.Model].
func (m *Model) FrameLength() int { return m.spec.FrameLength }

// SampleRate implements [denoise.Model].
func (m *Model) SampleRate() int { return m.spec.SampleRate }

// NewState implements [denoise.Model].
func (m *Model) NewState(cfg denoise.Config) (denoise.State, error) {
	n := m.spec.FrameLength
	size := 2 * n
	bins := n + 1

	s := &State{
		spec:   m.spec,
		fft:    newFFT(size),
		window: make([]float32, size),
		input:  make([]float32, size),
		tail:   make([]float32, n),
		re:     make([]float32, size),
		im:     make([]float32, size),
		noise:  make([]float32, bins),
		gain:   make([]float32, bins),
		prev:   make([]float32, bins),
		band:   make([]float32, bins),
	}
	// Periodic Hann satisfies w[i] + w[i+n] = 1, so sqrt-Hann analysis and
	// synthesis windows overlap-add to unity at 50% overlap.
	for i := range s.window {
		w := 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(size))
		s.window[i] = float32(math.Sqrt(w))
	}
	bands := len(m.spec.BandWeights)
	for k := range bins {
		s.band[k] = m.spec.BandWeights[k*bands/bins]
	}
	for k := range s.prev {
		s.prev[k] = 1
	}
	s.SetAttenuationLimit(cfg.AttenuationLimitDB)
	s.SetPostFilterBeta(cfg.PostFilterBeta)
	return s, nil
}

// State is the per-stream suppression state.
type State struct {
	spec ModelSpec
	fft  *fft

	window []float32
	input  []float32 // previous frame followed by current frame
	tail   []float32 // second half of the previous synthesis block
	re, im []float32

	noise  []float32
	gain   []float32
	prev   []float32
	band   []float32
	frames int

	floor float32
	beta  float32
}

// SetAttenuationLimit implements [denoise.State]. db <= 0 disables
// suppression.
func (s *State) SetAttenuationLimit(db float32) {
	if db <= 0 {
		s.floor = 1
		return
	}
	s.floor = max(float32(math.Pow(10, -float64(db)/20)), s.spec.SpectralFloor)
}

// SetPostFilterBeta implements [denoise.State]. beta is clamped to [0, 0.99].
func (s *State) SetPostFilterBeta(beta float32) {
	s.beta = min(max(beta, 0), 0.99)
}

// Floor returns the current minimum gain.
func (s *State) Floor() float32 { return s.floor }

// ProcessFrame implements [denoise.State].
func (s *State) ProcessFrame(in, out []float32) (float32, error) {
	for _, v := range in {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return 0, errNonFinite
		}
	}
	n := s.spec.FrameLength
	copy(s.input, s.input[n:])
	copy(s.input[n:], in)

	for i, v := range s.input {
		s.re[i] = v * s.window[i]
		s.im[i] = 0
	}
	s.fft.forward(s.re, s.im)

	learning := s.frames < s.spec.NoiseFrames
	over := s.spec.OverSubtraction
	var sigPow, noisePow float32
	for k := range s.noise {
		p := s.re[k]*s.re[k] + s.im[k]*s.im[k]
		switch {
		case learning:
			s.noise[k] += (p - s.noise[k]) / float32(s.frames+1)
		case p < 2*over*s.noise[k]:
			s.noise[k] = noiseTrackAlpha*s.noise[k] + (1-noiseTrackAlpha)*p
		}
		sigPow += p
		noisePow += s.noise[k]

		g := float32(1)
		if p > 0 {
			g = 1 - over*s.noise[k]/p
			if g > 0 {
				g = float32(math.Sqrt(float64(g)))
			} else {
				g = 0
			}
		} else if s.noise[k] > 0 {
			g = 0
		}
		g *= s.band[k]
		g = s.beta*s.prev[k] + (1-s.beta)*g
		g = min(max(g, s.floor), 1)
		s.prev[k] = g
		s.gain[k] = g
	}
	if s.frames < math.MaxInt32 {
		s.frames++
	}

	size := len(s.re)
	for k := range s.noise {
		s.re[k] *= s.gain[k]
		s.im[k] *= s.gain[k]
		if k > 0 && k < n {
			s.re[size-k] *= s.gain[k]
			s.im[size-k] *= s.gain[k]
		}
	}
	s.fft.inverse(s.re, s.im)

	for i := range n {
		y := s.re[i]*s.window[i] + s.tail[i]
		s.tail[i] = s.re[i+n] * s.window[i+n]
		out[i] = y
	}
	return snrDB(sigPow, noisePow), nil
}

// Close implements [denoise.State].
func (s *State) Close() error { return nil }

func snrDB(sig, noise float32) float32 {
	if noise <= 0 {
		return maxSNRDB
	}
	if sig <= 0 {
		return -maxSNRDB
	}
	db := float32(10 * math.Log10(float64(sig)/float64(noise)))
	return min(max(db, -maxSNRDB), maxSNRDB)
}

var (
	_ denoise.Runtime = Runtime{}
	_ denoise.Model   = (*Model)(nil)
	_ denoise.State   = (*State)(nil)
)
