package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AroonSharma/woic-agent-server-sub000/pkg/types"
)

// MessageType identifies control envelope variants.
type MessageType string

// Client → server control messages.
const (
	TypeSessionStart  MessageType = "session.start"
	TypeAudioEnd      MessageType = "audio.end"
	TypeBargeCancel   MessageType = "barge.cancel"
	TypeTestUtterance MessageType = "test.utterance"
	TypeSessionEnd    MessageType = "session.end"
)

// Server → client control messages.
const (
	TypeSTTPartial     MessageType = "stt.partial"
	TypeSTTFinal       MessageType = "stt.final"
	TypeLLMPartial     MessageType = "llm.partial"
	TypeLLMFinal       MessageType = "llm.final"
	TypeTTSEnd         MessageType = "tts.end"
	TypeMetricsUpdate  MessageType = "metrics.update"
	TypeIntentDetected MessageType = "intent.detected"
	TypeActionExecuted MessageType = "action.executed"
	TypeError          MessageType = "error"
	TypeSessionEnded   MessageType = "session.ended"
)

// Binary frame header types.
const (
	TypeAudioChunk MessageType = "audio.chunk"
	TypeTTSChunk   MessageType = "tts.chunk"
)

// ErrUnsupportedType is returned by [ParseClient] for unknown message types.
// The gateway surfaces it as a recoverable "unsupported" error frame.
var ErrUnsupportedType = errors.New("codec: unsupported message type")

// ErrBadEnvelope is returned when an envelope fails schema validation.
var ErrBadEnvelope = errors.New("codec: bad envelope")

// Envelope is the common prefix of every control message.
type Envelope struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	TurnID    int64       `json:"turnId,omitempty"`
}

// ProviderOverride selects a specific provider/model inside session.start.
type ProviderOverride struct {
	Type        string  `json:"type"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	VoiceID     string  `json:"voiceId,omitempty"`
}

// ProviderSelection carries the optional per-session provider overrides.
type ProviderSelection struct {
	LLM *ProviderOverride `json:"llm,omitempty"`
	STT *ProviderOverride `json:"stt,omitempty"`
	TTS *ProviderOverride `json:"tts,omitempty"`
}

// Endpointing carries the tunable endpointing delays, in seconds.
type Endpointing struct {
	WaitSeconds        float64 `json:"waitSeconds"`
	PunctuationSeconds float64 `json:"onPunctuationSeconds"`
	NoPunctSeconds     float64 `json:"onNoPunctuationSeconds"`
	NumberSeconds      float64 `json:"onNumberSeconds"`
}

// SessionStartData is the "data" body of a session.start envelope.
type SessionStartData struct {
	SystemPrompt     string                 `json:"systemPrompt,omitempty"`
	VoiceID          string                 `json:"voiceId,omitempty"`
	VADEnabled       bool                   `json:"vadEnabled"`
	PTTMode          bool                   `json:"pttMode"`
	Language         string                 `json:"language,omitempty"`
	Endpointing      *Endpointing           `json:"endpointing,omitempty"`
	FirstMessageMode types.FirstMessageMode `json:"firstMessageMode,omitempty"`
	FirstMessage     string                 `json:"firstMessage,omitempty"`
	AgentID          string                 `json:"agentId,omitempty"`
	UserID           string                 `json:"userId,omitempty"`
	CachedAgentData  json.RawMessage        `json:"cachedAgentData,omitempty"`
	Providers        *ProviderSelection     `json:"providers,omitempty"`
	Token            string                 `json:"token,omitempty"`
}

// SessionStart opens a session on the current connection.
type SessionStart struct {
	Envelope
	Data SessionStartData `json:"data"`
}

// TestUtterance injects a synthetic STT final, bypassing audio. Only honoured
// when test hooks are enabled.
type TestUtterance struct {
	Envelope
	Data struct {
		Text string `json:"text"`
	} `json:"data"`
}

// STTResult is the body shared by stt.partial and stt.final frames.
type STTResult struct {
	Envelope
	Text       string          `json:"text"`
	StartTs    int64           `json:"startTs,omitempty"`
	EndTs      int64           `json:"endTs,omitempty"`
	Intent     string          `json:"intent,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
	Entities   json.RawMessage `json:"entities,omitempty"`
	Context    json.RawMessage `json:"context,omitempty"`
}

// LLMDelta is the body shared by llm.partial and llm.final frames.
type LLMDelta struct {
	Envelope
	Text string `json:"text"`
}

// TTSEnd terminates the audio stream of a turn.
type TTSEnd struct {
	Envelope
	Reason types.TurnOutcome `json:"reason"`
}

// ActionExecuted reports the result of an action-layer invocation.
type ActionExecuted struct {
	Envelope
	Action  string          `json:"action"`
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ErrorFrame reports a recoverable or fatal error to the client.
type ErrorFrame struct {
	Envelope
	Code        string          `json:"code"`
	Message     string          `json:"message"`
	Recoverable bool            `json:"recoverable"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// SessionEnded confirms session teardown.
type SessionEnded struct {
	Envelope
	Reason string `json:"reason"`
}

// AudioChunkHeader is the JSON header of a client binary audio frame.
type AudioChunkHeader struct {
	Type       MessageType      `json:"type"`
	Seq        int64            `json:"seq"`
	Codec      types.AudioCodec `json:"codec"`
	SampleRate int              `json:"sampleRate"`
	Channels   int              `json:"channels,omitempty"`
}

// TTSChunkHeader is the JSON header of a server binary audio frame.
type TTSChunkHeader struct {
	Type      MessageType `json:"type"`
	Seq       int64       `json:"seq"`
	Mime      string      `json:"mime"`
	SessionID string      `json:"sessionId"`
	TurnID    int64       `json:"turnId"`
	Ts        int64       `json:"ts"`
}

// ParseClient validates a raw JSON control envelope from a client and returns
// the typed variant. The caller switches on the concrete type:
//
//	switch msg := parsed.(type) {
//	case codec.SessionStart: ...
//	case codec.TestUtterance: ...
//	case codec.Envelope: // audio.end / barge.cancel / session.end
//	}
//
// Returns [ErrUnsupportedType] for unknown types and [ErrBadEnvelope]
// (wrapped with field detail) for schema violations.
func (c *Codec) ParseClient(raw []byte) (any, error) {
	lim := c.Limits()
	if len(raw) > lim.MaxJSONBytes {
		return nil, ErrTooLarge
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}

	switch env.Type {
	case TypeSessionStart:
		var msg SessionStart
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: session.start: %v", ErrBadEnvelope, err)
		}
		if msg.SessionID == "" {
			return nil, fmt.Errorf("%w: session.start: sessionId is required", ErrBadEnvelope)
		}
		if msg.Data.FirstMessageMode != "" && !msg.Data.FirstMessageMode.IsValid() {
			return nil, fmt.Errorf("%w: session.start: firstMessageMode %q", ErrBadEnvelope, msg.Data.FirstMessageMode)
		}
		if msg.Data.Language != "" && msg.Data.Language != "en" && msg.Data.Language != "hi" {
			return nil, fmt.Errorf("%w: session.start: language %q", ErrBadEnvelope, msg.Data.Language)
		}
		return msg, nil

	case TypeTestUtterance:
		var msg TestUtterance
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: test.utterance: %v", ErrBadEnvelope, err)
		}
		if msg.Data.Text == "" {
			return nil, fmt.Errorf("%w: test.utterance: data.text is required", ErrBadEnvelope)
		}
		return msg, nil

	case TypeAudioEnd, TypeBargeCancel, TypeSessionEnd:
		return env, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}

// ParseAudioHeader validates the header of a client binary audio frame.
func ParseAudioHeader(raw json.RawMessage) (AudioChunkHeader, error) {
	var hdr AudioChunkHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return AudioChunkHeader{}, fmt.Errorf("%w: audio header: %v", ErrBadEnvelope, err)
	}
	if hdr.Type != TypeAudioChunk {
		return AudioChunkHeader{}, fmt.Errorf("%w: unexpected binary header type %q", ErrBadEnvelope, hdr.Type)
	}
	if !hdr.Codec.IsValid() {
		return AudioChunkHeader{}, fmt.Errorf("%w: audio codec %q", ErrBadEnvelope, hdr.Codec)
	}
	if hdr.SampleRate <= 0 {
		return AudioChunkHeader{}, fmt.Errorf("%w: sampleRate must be positive", ErrBadEnvelope)
	}
	return hdr, nil
}
