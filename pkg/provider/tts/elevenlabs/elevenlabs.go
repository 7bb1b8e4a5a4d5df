// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/tts"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input"
	voicesEndpoint   = "https://api.elevenlabs.io/v1/voices"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"

	// handshakeTimeout bounds the WebSocket dial plus the initial handshake
	// message. ElevenLabs cold starts can take several seconds.
	handshakeTimeout = 7 * time.Second

	// A session that drops before delivering any audio is retried with
	// exponential backoff; once audio has flowed the utterance is abandoned
	// instead, because replaying it would duplicate speech.
	retryAttempts = 3
	retryBase     = 300 * time.Millisecond
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithVoice sets the default voice used when Options.VoiceID is empty.
func WithVoice(voiceID string) Option {
	return func(p *Provider) {
		p.defaultVoice = voiceID
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	defaultVoice string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ─── WebSocket message types ───

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
// An empty Text is the end-of-input flush command.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded audio
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
}

// boiMessage is the initial "begin of input" handshake carrying auth and
// stream configuration.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

func defaultVoiceSettings() *voiceSettings {
	return &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
}

// Stream implements tts.Provider. It opens a WebSocket to ElevenLabs, primes
// the session, submits the utterance text followed by an end-of-input flush,
// and emits decoded audio chunks until the provider signals completion.
//
// If the connection drops before any audio arrives the session is redialled
// with backoff. Cancelling ctx closes the transport and the audio channel.
func (p *Provider) Stream(ctx context.Context, text string, opts tts.Options) (<-chan []byte, error) {
	voiceID := opts.VoiceID
	if voiceID == "" {
		voiceID = p.defaultVoice
	}
	if voiceID == "" {
		return nil, errors.New("elevenlabs: no voice configured")
	}
	if text == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}

	conn, err := p.connect(ctx, voiceID, opts)
	if err != nil {
		return nil, err
	}

	audioCh := make(chan []byte, 256)

	go func() {
		defer close(audioCh)

		for attempt := 0; ; attempt++ {
			gotAudio := p.synthesize(ctx, conn, text, audioCh)
			if gotAudio || ctx.Err() != nil || attempt >= retryAttempts {
				return
			}

			// Dropped before first audio: redial and resubmit the utterance.
			select {
			case <-time.After(retryBase << attempt):
			case <-ctx.Done():
				return
			}
			conn, err = p.connect(ctx, voiceID, opts)
			if err != nil {
				return
			}
		}
	}()

	return audioCh, nil
}

// connect dials the streaming endpoint and sends the BOI message, both
// bounded by handshakeTimeout.
func (p *Provider) connect(ctx context.Context, voiceID string, opts tts.Options) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	wsURL := buildURL(voiceID, p.model, opts.OptimizeStreamingLatency)
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	format := opts.OutputFormat
	if format == "" {
		format = p.outputFormat
	}
	boi := boiMessage{
		Text:          " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: defaultVoiceSettings(),
		XiAPIKey:      p.apiKey,
		OutputFormat:  format,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(dialCtx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}
	return conn, nil
}

// synthesize submits text plus the flush command on an already-primed
// connection and forwards decoded audio to audioCh until the provider
// signals completion or the connection fails. It reports whether any audio
// was delivered.
func (p *Provider) synthesize(ctx context.Context, conn *websocket.Conn, text string, audioCh chan<- []byte) bool {
	defer conn.Close(websocket.StatusNormalClosure, "done")

	payload, _ := buildWSMessage(text, defaultVoiceSettings())
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return false
	}
	flush, _ := buildWSMessage("", nil)
	if err := conn.Write(ctx, websocket.MessageText, flush); err != nil {
		return false
	}

	gotAudio := false
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return gotAudio
		}
		pcm, final, errMsg, err := parseAudioResponse(msg)
		if err != nil {
			continue
		}
		if errMsg != "" && pcm == nil {
			// Provider-side error payloads terminate the stream.
			return gotAudio
		}
		if pcm != nil {
			select {
			case audioCh <- pcm:
				gotAudio = true
			case <-ctx.Done():
				return gotAudio
			}
		}
		if final {
			return true
		}
	}
}

// HealthCheck implements tts.Provider by listing voices with the configured
// API key.
func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesEndpoint, nil)
	if err != nil {
		return fmt.Errorf("elevenlabs: health check: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs: health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("elevenlabs: health check: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// ─── helpers ───

// buildURL constructs the WebSocket URL for a voice, model, and latency mode.
func buildURL(voiceID, model string, optimizeLatency int) string {
	q := url.Values{}
	q.Set("model_id", model)
	if optimizeLatency > 0 {
		q.Set("optimize_streaming_latency", strconv.Itoa(optimizeLatency))
	}
	return fmt.Sprintf(wsEndpointFmt, voiceID) + "?" + q.Encode()
}

// buildWSMessage constructs the JSON text payload for a single text fragment.
// Used by tests to verify the payload shape without opening a real connection.
func buildWSMessage(text string, vs *voiceSettings) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs})
}

// parseAudioResponse decodes one WebSocket message. pcm is nil when the
// message carried no audio; errMsg is the provider's error or info text.
func parseAudioResponse(data []byte) (pcm []byte, final bool, errMsg string, err error) {
	var resp audioResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, "", err
	}
	if resp.Audio != "" {
		pcm, err = base64.StdEncoding.DecodeString(resp.Audio)
		if err != nil {
			return nil, false, "", fmt.Errorf("decode audio: %w", err)
		}
	}
	return pcm, resp.IsFinal, resp.Message, nil
}

var _ tts.Provider = (*Provider)(nil)
