package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Opus packets carry at most 60 ms of audio; the decode buffer is sized for
// the worst case and gopus trims to the actual frame length.
const maxOpusFrameMs = 60

// Decoder wraps a gopus Opus decoder for a single client stream. Opus
// decoders are stateful across consecutive packets, so each session needs
// its own Decoder. Not safe for concurrent use.
type Decoder struct {
	dec        *gopus.Decoder
	sampleRate int
	channels   int
	maxFrame   int
}

// NewDecoder creates an Opus decoder producing PCM16 at the given rate and
// channel count.
func NewDecoder(sampleRate, channels int) (*Decoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &Decoder{
		dec:        dec,
		sampleRate: sampleRate,
		channels:   channels,
		maxFrame:   sampleRate * maxOpusFrameMs / 1000,
	}, nil
}

// Decode decodes one Opus packet into interleaved little-endian PCM16 bytes.
func (d *Decoder) Decode(packet []byte) ([]byte, error) {
	if len(packet) == 0 {
		return nil, fmt.Errorf("audio: empty opus packet")
	}
	pcm, err := d.dec.Decode(packet, d.maxFrame, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16sToBytes(pcm), nil
}
