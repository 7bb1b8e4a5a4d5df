// Package audio provides PCM16 helpers and Opus decoding for client audio
// frames.
//
// The gateway's canonical in-pipeline format is 16 kHz mono little-endian
// PCM16. Clients may upload Opus packets instead; Decoder converts them
// before they reach speech recognition.
package audio

import "time"

// Pipeline audio format. STT and TTS both run at 16 kHz mono.
const (
	SampleRate = 16000
	Channels   = 1

	// BytesPerSample is the width of one PCM16 sample.
	BytesPerSample = 2
)

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
// A trailing odd byte is dropped.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// PCMDuration returns the playback duration of a PCM16 byte count at the
// given rate and channel layout. Used to track how long synthesized speech
// has been audible.
func PCMDuration(n int, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := n / (BytesPerSample * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
