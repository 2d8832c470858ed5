package discord

import (
	"fmt"

	"layeh.com/gopus"
)

// Discord voice uses 48 kHz stereo Opus at 20 ms frame size.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20

	// opusFrameSize is the number of samples per channel per frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000

	// opusFrameBytes is the interleaved int16 PCM size of one frame.
	opusFrameBytes = opusFrameSize * opusChannels * 2
)

// opusEncoder encodes the local track.
type opusEncoder struct {
	enc *gopus.Encoder
	pcm []int16
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc, pcm: make([]int16, opusFrameSize*opusChannels)}, nil
}

// encode turns exactly one frame of little-endian int16 stereo PCM into an
// Opus packet.
func (e *opusEncoder) encode(frame []byte) ([]byte, error) {
	for i := range e.pcm {
		e.pcm[i] = int16(frame[i*2]) | int16(frame[i*2+1])<<8
	}
	pkt, err := e.enc.Encode(e.pcm, opusFrameSize, opusFrameBytes)
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return pkt, nil
}
