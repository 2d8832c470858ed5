// Package reframe adapts the fixed block size of a real-time audio callback to
// the fixed frame length of a frame-based DSP model.
//
// A [Reframer] accumulates incoming blocks into a carry buffer, hands complete
// model frames to a [FrameFunc], queues the processed frames and drains one
// block per callback from that queue. To keep every pull satisfied for a
// constant block size B and frame length L, the output queue starts with
// L-gcd(L,B) samples of silence. That warm-up latency is fixed for the
// lifetime of the Reframer and is always shorter than one frame.
//
// Samples are never clipped, rescaled, dropped or duplicated. A Reframer is
// not safe for concurrent use; it belongs to the single real-time thread that
// drives it.
package reframe

import (
	"errors"
	"fmt"
)

// ErrOverflow is returned by [Reframer.Emit] when the output queue has no room
// for another frame. It only happens when the caller pushes blocks larger
// than the block length the Reframer was built for.
var ErrOverflow = errors.New("reframe: output queue overflow")

// FrameFunc processes exactly one model frame. in and out have the model's
// frame length; in is only valid for the duration of the call.
type FrameFunc func(in, out []float32)

// Reframer converts between callback blocks and model frames.
type Reframer struct {
	frameLen int
	blockLen int
	latency  int

	carry []float32
	n     int // samples held in carry

	processed []float32

	ring  []float32
	head  int
	count int
}

// New returns a Reframer for frameLen-sample model frames fed by
// blockLen-sample callback blocks. All buffers are allocated here; the
// steady-state path does not allocate.
func New(frameLen, blockLen int) (*Reframer, error) {
	if frameLen <= 0 {
		return nil, fmt.Errorf("reframe: frame length must be positive, got %d", frameLen)
	}
	if blockLen <= 0 {
		return nil, fmt.Errorf("reframe: block length must be positive, got %d", blockLen)
	}
	r := &Reframer{
		frameLen:  frameLen,
		blockLen:  blockLen,
		latency:   frameLen - gcd(frameLen, blockLen),
		carry:     make([]float32, frameLen),
		processed: make([]float32, frameLen),
		ring:      make([]float32, 2*(frameLen+blockLen)),
	}
	r.Reset()
	return r, nil
}

// FrameLength returns the model frame length L.
func (r *Reframer) FrameLength() int { return r.frameLen }

// BlockLength returns the nominal callback block length B.
func (r *Reframer) BlockLength() int { return r.blockLen }

// Latency returns the fixed warm-up latency in samples, L-gcd(L,B).
func (r *Reframer) Latency() int { return r.latency }

// Buffered returns the number of samples waiting in the carry buffer.
func (r *Reframer) Buffered() int { return r.n }

// Queued returns the number of processed samples waiting to be pulled.
func (r *Reframer) Queued() int { return r.count }

// Reset drops all buffered and queued samples and re-queues the warm-up
// silence.
func (r *Reframer) Reset() {
	r.n = 0
	r.head = 0
	r.count = r.latency
	clear(r.ring)
}

// Push copies samples from block into the carry buffer until it holds one
// full frame and returns how many samples were consumed. The carry buffer
// never holds more than one frame; the caller pushes the remainder after the
// frame has been taken with [Reframer.ReadyFrame].
func (r *Reframer) Push(block []float32) int {
	n := copy(r.carry[r.n:], block)
	r.n += n
	return n
}

// ReadyFrame returns the carry buffer and empties it when it holds a full
// frame. The returned slice is only valid until the next Push.
func (r *Reframer) ReadyFrame() ([]float32, bool) {
	if r.n < r.frameLen {
		return nil, false
	}
	r.n = 0
	return r.carry, true
}

// Emit appends a processed frame to the output queue.
func (r *Reframer) Emit(frame []float32) error {
	if r.count+len(frame) > len(r.ring) {
		return ErrOverflow
	}
	tail := (r.head + r.count) % len(r.ring)
	n := copy(r.ring[tail:], frame)
	copy(r.ring, frame[n:])
	r.count += len(frame)
	return nil
}

// Pull fills out from the output queue in order and returns the number of
// queued samples it took. Any shortfall is filled with silence.
func (r *Reframer) Pull(out []float32) int {
	take := min(len(out), r.count)
	n := copy(out[:take], r.ring[r.head:])
	copy(out[n:take], r.ring)
	r.head = (r.head + take) % len(r.ring)
	r.count -= take
	clear(out[take:])
	return take
}

// Process runs one callback's worth of work: it pushes in, processes every
// frame that becomes complete with fn, queues the results and pulls len(out)
// samples. A nil Reframer or a nil fn is passthrough mode: out receives in
// unchanged with no added latency.
//
// Process returns [ErrOverflow] when a processed frame could not be queued;
// that frame is lost and the shortfall is filled with silence.
func (r *Reframer) Process(in, out []float32, fn FrameFunc) error {
	if r == nil || fn == nil {
		n := copy(out, in)
		clear(out[n:])
		return nil
	}

	var err error
	for len(in) > 0 {
		n := r.Push(in)
		in = in[n:]
		frame, ok := r.ReadyFrame()
		if !ok {
			continue
		}
		fn(frame, r.processed)
		if emitErr := r.Emit(r.processed); emitErr != nil && err == nil {
			err = emitErr
		}
	}
	r.Pull(out)
	return err
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
