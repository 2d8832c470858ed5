// Package mock provides test doubles for the denoise package interfaces.
//
// Use Runtime to control what Load returns, Model to fix the frame geometry,
// and State to script per-frame results and inspect the configuration that
// was in effect when each frame was processed.
//
// Example:
//
//	st := &mock.State{SNR: 12}
//	rt := &mock.Runtime{Model: &mock.Model{FrameLen: 480, Rate: 48000, State: st}}
//	h, _ := denoise.NewEngine(rt).Create([]byte("model"), denoise.DefaultConfig())
package mock

import (
	"sync"

	"github.com/MrWong99/hushline/pkg/provider/denoise"
)

// Runtime is a mock implementation of denoise.Runtime.
type Runtime struct {
	mu sync.Mutex

	// RuntimeName is returned by Name. Defaults to "mock".
	RuntimeName string

	// Model is returned by Load. If nil, Load returns a default Model with a
	// 480-sample frame at 48 kHz.
	Model *Model

	// LoadErr, if non-nil, is returned by Load.
	LoadErr error

	// LoadCalls records a copy of the bytes passed to each Load call.
	LoadCalls [][]byte
}

// Name returns RuntimeName, or "mock" when unset.
func (r *Runtime) Name() string {
	if r.RuntimeName == "" {
		return "mock"
	}
	return r.RuntimeName
}

// Load records the call and returns Model, LoadErr.
func (r *Runtime) Load(modelBytes []byte) (denoise.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(modelBytes))
	copy(cp, modelBytes)
	r.LoadCalls = append(r.LoadCalls, cp)
	if r.LoadErr != nil {
		return nil, r.LoadErr
	}
	if r.Model == nil {
		return &Model{FrameLen: 480, Rate: 48000}, nil
	}
	return r.Model, nil
}

// Model is a mock implementation of denoise.Model.
type Model struct {
	mu sync.Mutex

	// FrameLen is returned by FrameLength.
	FrameLen int

	// Rate is returned by SampleRate.
	Rate int

	// State is returned by NewState. If nil, a fresh State is returned.
	State *State

	// NewStateErr, if non-nil, is returned by NewState.
	NewStateErr error

	// NewStateCalls records the Config passed to each NewState call.
	NewStateCalls []denoise.Config
}

// FrameLength returns FrameLen.
func (m *Model) FrameLength() int { return m.FrameLen }

// SampleRate returns Rate.
func (m *Model) SampleRate() int { return m.Rate }

// NewState records the call and returns State, NewStateErr.
func (m *Model) NewState(cfg denoise.Config) (denoise.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NewStateCalls = append(m.NewStateCalls, cfg)
	if m.NewStateErr != nil {
		return nil, m.NewStateErr
	}
	st := m.State
	if st == nil {
		st = &State{}
	}
	st.mu.Lock()
	st.cfg = cfg
	st.mu.Unlock()
	return st, nil
}

// State is a mock implementation of denoise.State.
//
// ProcessFrame writes in scaled by Gain (1 when Gain is 0) to out, unless
// ProcessFunc is set.
type State struct {
	mu sync.Mutex

	// Gain scales the output of ProcessFrame. 0 means unity.
	Gain float32

	// SNR is returned by every ProcessFrame call.
	SNR float32

	// ProcessErr, if non-nil, is returned by every ProcessFrame call.
	ProcessErr error

	// PanicMsg, if non-empty, makes ProcessFrame panic with this value.
	PanicMsg string

	// ProcessFunc, if set, replaces the default frame processing.
	ProcessFunc func(in, out []float32) (float32, error)

	// ProcessedConfigs records the configuration in effect for every frame.
	ProcessedConfigs []denoise.Config

	// AttenuationCalls records every SetAttenuationLimit argument in order.
	AttenuationCalls []float32

	// BetaCalls records every SetPostFilterBeta argument in order.
	BetaCalls []float32

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	cfg denoise.Config
}

// SetAttenuationLimit records the call.
func (s *State) SetAttenuationLimit(db float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.AttenuationLimitDB = db
	s.AttenuationCalls = append(s.AttenuationCalls, db)
}

// SetPostFilterBeta records the call.
func (s *State) SetPostFilterBeta(beta float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.PostFilterBeta = beta
	s.BetaCalls = append(s.BetaCalls, beta)
}

// ProcessFrame records the active configuration and processes the frame.
func (s *State) ProcessFrame(in, out []float32) (float32, error) {
	s.mu.Lock()
	s.ProcessedConfigs = append(s.ProcessedConfigs, s.cfg)
	fn, gain, snr, perr, panicMsg := s.ProcessFunc, s.Gain, s.SNR, s.ProcessErr, s.PanicMsg
	s.mu.Unlock()

	if panicMsg != "" {
		panic(panicMsg)
	}
	if fn != nil {
		return fn(in, out)
	}
	if perr != nil {
		return 0, perr
	}
	if gain == 0 {
		gain = 1
	}
	for i, v := range in {
		out[i] = v * gain
	}
	return snr, nil
}

// Close records the call.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}

// Configs returns a copy of ProcessedConfigs. Thread-safe.
func (s *State) Configs() []denoise.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]denoise.Config(nil), s.ProcessedConfigs...)
}

// Closes returns CloseCallCount. Thread-safe.
func (s *State) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Compile-time interface assertions.
var (
	_ denoise.Runtime = (*Runtime)(nil)
	_ denoise.Model   = (*Model)(nil)
	_ denoise.State   = (*State)(nil)
)
