// Package types defines the shared types used across all gateway packages.
//
// These types form the lingua franca between the wire codec, providers, the
// provider router, and the session orchestrator. They are intentionally
// minimal — each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import "time"

// AudioCodec identifies the encoding of a client audio frame payload.
type AudioCodec string

const (
	CodecPCM16 AudioCodec = "pcm16"
	CodecOpus  AudioCodec = "opus"
)

// IsValid reports whether c is a recognised audio codec.
func (c AudioCodec) IsValid() bool {
	return c == CodecPCM16 || c == CodecOpus
}

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// StartTs and EndTs bound the utterance, relative to stream start.
	StartTs time.Duration
	EndTs   time.Duration
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Role constants for Message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolDefinition describes a callable action offered to the LLM.
type ToolDefinition struct {
	// Name is the tool identifier the model invokes.
	Name string

	// Description tells the model what the tool does.
	Description string

	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Capability identifies a provider slot in the pipeline.
type Capability string

const (
	CapabilitySTT Capability = "stt"
	CapabilityLLM Capability = "llm"
	CapabilityTTS Capability = "tts"
)

// Tier classifies a session for provider selection purposes.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// IsValid reports whether t is a recognised tier.
func (t Tier) IsValid() bool {
	switch t {
	case TierFree, TierPro, TierEnterprise:
		return true
	}
	return false
}

// Complexity classifies a request's difficulty for LLM model selection.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityComplex Complexity = "complex"
)

// IsValid reports whether c is a recognised complexity.
func (c Complexity) IsValid() bool {
	return c == ComplexitySimple || c == ComplexityComplex
}

// TurnOutcome is the terminal disposition of a conversation turn.
type TurnOutcome string

const (
	// TurnComplete means the assistant response played to the end.
	TurnComplete TurnOutcome = "complete"

	// TurnBarged means the user interrupted assistant speech mid-turn.
	TurnBarged TurnOutcome = "barge"

	// TurnErrored means a provider or transport failure aborted the turn.
	TurnErrored TurnOutcome = "error"
)

// FirstMessageMode controls who speaks first when a session opens.
type FirstMessageMode string

const (
	AssistantSpeaksFirst FirstMessageMode = "assistant_speaks_first"
	UserSpeaksFirst      FirstMessageMode = "user_speaks_first"
	WaitForUser          FirstMessageMode = "wait_for_user"
)

// IsValid reports whether m is a recognised first-message mode.
func (m FirstMessageMode) IsValid() bool {
	switch m {
	case AssistantSpeaksFirst, UserSpeaksFirst, WaitForUser:
		return true
	}
	return false
}

// TurnMetrics captures per-turn latency measurements in milliseconds.
// Zero values mean the stage did not occur (e.g. no TTS on an errored turn).
type TurnMetrics struct {
	// ConnectLatencyMs is how long the STT stream took to become ready.
	ConnectLatencyMs int64 `json:"connectLatencyMs,omitempty"`

	// STTFinalLatencyMs is measured from the last received audio frame to the
	// promoted final transcript.
	STTFinalLatencyMs int64 `json:"sttFinalLatencyMs,omitempty"`

	// LLMFirstTokenMs is measured from turn start to the first LLM delta.
	LLMFirstTokenMs int64 `json:"llmFirstTokenMs,omitempty"`

	// TTSFirstAudioMs is measured from turn start to the first synthesized
	// audio chunk.
	TTSFirstAudioMs int64 `json:"ttsFirstAudioMs,omitempty"`

	// E2EMs is the full user-final to tts.end duration.
	E2EMs int64 `json:"e2eMs,omitempty"`
}

// LatencyClass buckets a measured latency for dashboard colouring.
type LatencyClass string

const (
	LatencyOK       LatencyClass = "ok"
	LatencyWarn     LatencyClass = "warn"
	LatencyCritical LatencyClass = "critical"
)

// ClassifyLatency buckets ms against warn/critical thresholds.
func ClassifyLatency(ms, warn, critical int64) LatencyClass {
	switch {
	case ms >= critical:
		return LatencyCritical
	case ms >= warn:
		return LatencyWarn
	default:
		return LatencyOK
	}
}
