package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/AroonSharma/woic-agent-server-sub000/pkg/types"
)

func TestEncodeDecode_Roundtrip(t *testing.T) {
	c := New(Limits{})
	hdr := AudioChunkHeader{
		Type:       TypeAudioChunk,
		Seq:        7,
		Codec:      types.CodecPCM16,
		SampleRate: 16000,
		Channels:   1,
	}
	payload := []byte{0x01, 0x02, 0x03, 0xff}

	frame, err := c.Encode(hdr, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	rawHdr, gotPayload, err := c.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Errorf("payload = %x, want %x", gotPayload, payload)
	}

	parsed, err := ParseAudioHeader(rawHdr)
	if err != nil {
		t.Fatalf("ParseAudioHeader: %v", err)
	}
	if parsed != hdr {
		t.Errorf("header = %+v, want %+v", parsed, hdr)
	}
}

func TestEncodeDecode_EmptyPayload(t *testing.T) {
	c := New(Limits{})
	frame, err := c.Encode(map[string]string{"type": "tts.chunk"}, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, payload, err := c.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(payload) != 0 {
		t.Errorf("payload length = %d, want 0", len(payload))
	}
}

func TestDecode_Truncated(t *testing.T) {
	c := New(Limits{})
	for _, frame := range [][]byte{nil, {0x00}, {0x00, 0x00, 0x00}, {0x00, 0x00, 0x00, 0x05, '{'}} {
		if _, _, err := c.Decode(frame); !errors.Is(err, ErrBadFrame) {
			t.Errorf("Decode(%x) err = %v, want ErrBadFrame", frame, err)
		}
	}
}

func TestDecode_ZeroHeaderLen(t *testing.T) {
	c := New(Limits{})
	frame := make([]byte, 8)
	binary.BigEndian.PutUint32(frame, 0)
	if _, _, err := c.Decode(frame); !errors.Is(err, ErrBadFrame) {
		t.Errorf("err = %v, want ErrBadFrame", err)
	}
}

func TestDecode_HeaderTooLong(t *testing.T) {
	c := New(Limits{})
	frame := make([]byte, 4+MaxHeaderLen+10)
	binary.BigEndian.PutUint32(frame, MaxHeaderLen+1)
	if _, _, err := c.Decode(frame); !errors.Is(err, ErrHeaderTooLong) {
		t.Errorf("err = %v, want ErrHeaderTooLong", err)
	}
}

func TestDecode_HeaderNotJSON(t *testing.T) {
	c := New(Limits{})
	frame := make([]byte, 4+4)
	binary.BigEndian.PutUint32(frame, 4)
	copy(frame[4:], "oops")
	if _, _, err := c.Decode(frame); !errors.Is(err, ErrBadFrame) {
		t.Errorf("err = %v, want ErrBadFrame", err)
	}
}

func TestDecode_FrameTooLarge(t *testing.T) {
	c := New(Limits{MaxFrameBytes: 64})
	frame := make([]byte, 65)
	binary.BigEndian.PutUint32(frame, 2)
	copy(frame[4:], "{}")
	if _, _, err := c.Decode(frame); !errors.Is(err, ErrTooLarge) {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
}

func TestEncode_TooLarge(t *testing.T) {
	c := New(Limits{MaxFrameBytes: 32})
	_, err := c.Encode(map[string]string{"type": "audio.chunk"}, make([]byte, 64))
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
}

func TestIsJSONBinary(t *testing.T) {
	tests := []struct {
		in   []byte
		want bool
	}{
		{[]byte(`{"type":"session.start"}`), true},
		{[]byte("  \t{\"x\":1}"), true},
		{[]byte{0x00, 0x00, 0x00, 0x02, '{', '}'}, false},
		{nil, false},
		{[]byte("audio"), false},
	}
	for _, tc := range tests {
		if got := IsJSONBinary(tc.in); got != tc.want {
			t.Errorf("IsJSONBinary(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseClient_SessionStart(t *testing.T) {
	c := New(Limits{})
	raw := []byte(`{
		"type": "session.start",
		"sessionId": "s-1",
		"turnId": 0,
		"data": {
			"systemPrompt": "You are a helpful voice agent.",
			"voiceId": "v-abc",
			"vadEnabled": true,
			"pttMode": false,
			"language": "en",
			"firstMessageMode": "assistant_speaks_first",
			"firstMessage": "Hi, how can I help?",
			"agentId": "agent-9",
			"providers": {"llm": {"type": "anthropic", "model": "claude-sonnet-4-5", "temperature": 0.4}}
		}
	}`)

	parsed, err := c.ParseClient(raw)
	if err != nil {
		t.Fatalf("ParseClient: %v", err)
	}
	msg, ok := parsed.(SessionStart)
	if !ok {
		t.Fatalf("parsed type = %T, want SessionStart", parsed)
	}
	if msg.SessionID != "s-1" {
		t.Errorf("sessionId = %q", msg.SessionID)
	}
	if msg.Data.FirstMessageMode != types.AssistantSpeaksFirst {
		t.Errorf("firstMessageMode = %q", msg.Data.FirstMessageMode)
	}
	if msg.Data.Providers == nil || msg.Data.Providers.LLM == nil || msg.Data.Providers.LLM.Type != "anthropic" {
		t.Errorf("providers not parsed: %+v", msg.Data.Providers)
	}
}

func TestParseClient_SessionStartValidation(t *testing.T) {
	c := New(Limits{})
	tests := []struct {
		name string
		raw  string
	}{
		{"missing session id", `{"type":"session.start","data":{}}`},
		{"bad first message mode", `{"type":"session.start","sessionId":"s","data":{"firstMessageMode":"assistant_shouts"}}`},
		{"bad language", `{"type":"session.start","sessionId":"s","data":{"language":"fr"}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.ParseClient([]byte(tc.raw)); !errors.Is(err, ErrBadEnvelope) {
				t.Errorf("err = %v, want ErrBadEnvelope", err)
			}
		})
	}
}

func TestParseClient_ControlOnly(t *testing.T) {
	c := New(Limits{})
	for _, typ := range []MessageType{TypeAudioEnd, TypeBargeCancel, TypeSessionEnd} {
		raw, _ := json.Marshal(Envelope{Type: typ, SessionID: "s-1"})
		parsed, err := c.ParseClient(raw)
		if err != nil {
			t.Fatalf("ParseClient(%s): %v", typ, err)
		}
		env, ok := parsed.(Envelope)
		if !ok || env.Type != typ {
			t.Errorf("parsed = %#v, want Envelope with type %s", parsed, typ)
		}
	}
}

func TestParseClient_Unsupported(t *testing.T) {
	c := New(Limits{})
	_, err := c.ParseClient([]byte(`{"type":"session.reboot"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("err = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClient_TestUtterance(t *testing.T) {
	c := New(Limits{})
	parsed, err := c.ParseClient([]byte(`{"type":"test.utterance","sessionId":"s","data":{"text":"I want a quote."}}`))
	if err != nil {
		t.Fatalf("ParseClient: %v", err)
	}
	msg := parsed.(TestUtterance)
	if msg.Data.Text != "I want a quote." {
		t.Errorf("text = %q", msg.Data.Text)
	}

	if _, err := c.ParseClient([]byte(`{"type":"test.utterance","sessionId":"s","data":{}}`)); !errors.Is(err, ErrBadEnvelope) {
		t.Errorf("empty text err = %v, want ErrBadEnvelope", err)
	}
}

func TestParseClient_EnvelopeTooLarge(t *testing.T) {
	c := New(Limits{MaxJSONBytes: 128})
	raw := `{"type":"session.start","sessionId":"s","data":{"systemPrompt":"` + strings.Repeat("a", 256) + `"}}`
	if _, err := c.ParseClient([]byte(raw)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
}

func TestParseAudioHeader_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"wrong type", `{"type":"tts.chunk","seq":1,"codec":"pcm16","sampleRate":16000}`},
		{"bad codec", `{"type":"audio.chunk","seq":1,"codec":"mp3","sampleRate":16000}`},
		{"zero sample rate", `{"type":"audio.chunk","seq":1,"codec":"pcm16"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseAudioHeader(json.RawMessage(tc.raw)); err == nil {
				t.Error("expected error")
			}
		})
	}
}
