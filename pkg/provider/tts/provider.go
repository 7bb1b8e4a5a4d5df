// Package tts defines the Provider interface for text-to-speech backends.
//
// A TTS provider wraps a speech synthesis service (ElevenLabs, OpenAI) and
// presents a uniform per-utterance streaming interface: the caller submits
// the full text of one assistant utterance and receives raw audio bytes as
// they are synthesised, enabling playback to begin before synthesis ends.
//
// Implementations must be safe for concurrent use; multiple utterances may
// be synthesised in parallel across sessions.
package tts

import "context"

// Options carries the per-utterance synthesis parameters.
type Options struct {
	// VoiceID selects the voice. Empty means the provider's default voice;
	// providers without a default return an error.
	VoiceID string

	// OptimizeStreamingLatency trades quality for time-to-first-audio on
	// providers that support it (0 = provider default, higher = faster).
	OptimizeStreamingLatency int

	// OutputFormat overrides the provider's default audio encoding
	// (e.g. "pcm_16000"). Empty means the provider default.
	OutputFormat string
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly: cancelling ctx closes the underlying transport and
// the audio channel.
type Provider interface {
	// Stream synthesises text and returns a read-only channel of raw audio
	// byte chunks. The channel is closed when synthesis completes, fails
	// mid-stream, or ctx is cancelled; callers must drain it and check
	// ctx.Err() to distinguish cancellation from completion.
	//
	// Returns a non-nil error only when the stream cannot be started at all
	// (bad options, handshake failure after retries).
	Stream(ctx context.Context, text string, opts Options) (<-chan []byte, error)

	// HealthCheck verifies the backend is reachable with the configured
	// credentials.
	HealthCheck(ctx context.Context) error
}
