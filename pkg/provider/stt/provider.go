// Package stt defines the Provider interface for speech-to-text backends and
// the managed stream that the session orchestrator consumes.
//
// An STT provider wraps a real-time transcription service and exposes a
// uniform streaming interface. The central abstraction is SessionHandle: once
// opened, a session accepts raw PCM audio frames and emits two streams of
// Transcript values — low-latency partials for responsiveness and
// authoritative finals that drive the turn pipeline.
//
// Raw sessions are deliberately thin; endpointing, dedup, throttling, and
// reconnects live in [Stream], which wraps any Provider.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"time"

	"github.com/AroonSharma/woic-agent-server-sub000/pkg/types"
)

// EventKind identifies an out-of-band session event.
type EventKind string

const (
	// EventSpeechStarted fires when the provider detects the onset of speech.
	EventSpeechStarted EventKind = "speech_started"

	// EventUtteranceEnd fires when the provider's own endpointing decides the
	// utterance is over. Used to promote a pending partial to a final.
	EventUtteranceEnd EventKind = "utterance_end"
)

// Event is an out-of-band signal from a live session.
type Event struct {
	Kind EventKind
	At   time.Time
}

// StreamConfig describes the audio format and recognition settings for a new
// STT session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz, typically 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the recognition language tag ("en" or "hi").
	Language string

	// Model overrides the provider's default model when non-empty.
	Model string

	// UtteranceEndMs and EndpointingMs are provider-side endpointing hints,
	// passed through verbatim where supported.
	UtteranceEndMs int
	EndpointingMs  int
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed; failing to do
// so leaks goroutines and network connections inside the provider. All
// methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes for transcription.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel of interim transcripts. Closed
	// when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel of authoritative transcripts.
	// Closed when the session ends.
	Finals() <-chan types.Transcript

	// Events returns a read-only channel of out-of-band session events.
	// Closed when the session ends.
	Events() <-chan Event

	// Close flushes pending audio and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately. The caller owns the
	// handle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
