// Package openai provides an OpenAI-backed TTS provider using the
// /v1/audio/speech endpoint. It implements the tts.Provider interface.
//
// The speech endpoint is plain HTTP: the response body is the audio itself,
// streamed as it is generated, so chunked reads give time-to-first-audio
// comparable to a WebSocket transport.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/tts"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini-tts"
	defaultVoice   = "alloy"
	defaultFormat  = "pcm"

	// chunkSize is the read granularity for the streamed response body.
	chunkSize = 4096

	handshakeTimeout = 7 * time.Second
)

// Option is a functional option for configuring the OpenAI Provider.
type Option func(*Provider)

// WithModel sets the speech model (e.g., "gpt-4o-mini-tts", "tts-1").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithVoice sets the default voice used when Options.VoiceID is empty.
func WithVoice(voice string) Option {
	return func(p *Provider) {
		p.defaultVoice = voice
	}
}

// WithHTTPClient overrides the HTTP client, e.g. for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider backed by the OpenAI speech API.
type Provider struct {
	apiKey       string
	baseURL      string
	model        string
	defaultVoice string
	httpClient   *http.Client
}

// New creates a new OpenAI TTS Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		model:        defaultModel,
		defaultVoice: defaultVoice,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// speechRequest is the JSON body for POST /v1/audio/speech.
type speechRequest struct {
	Model          string `json:"model"`
	Voice          string `json:"voice"`
	Input          string `json:"input"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// Stream implements tts.Provider. The request headers are exchanged within
// handshakeTimeout; cancelling ctx aborts the body read and closes the
// audio channel.
func (p *Provider) Stream(ctx context.Context, text string, opts tts.Options) (<-chan []byte, error) {
	if text == "" {
		return nil, errors.New("openai tts: text must not be empty")
	}

	body, err := p.buildRequestBody(text, opts)
	if err != nil {
		return nil, fmt.Errorf("openai tts: build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai tts: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai tts: request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("openai tts: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	audioCh := make(chan []byte, 256)
	go func() {
		defer close(audioCh)
		defer resp.Body.Close()

		for {
			buf := make([]byte, chunkSize)
			n, err := resp.Body.Read(buf)
			if n > 0 {
				select {
				case audioCh <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return audioCh, nil
}

// buildRequestBody marshals the speech request, applying per-call overrides.
func (p *Provider) buildRequestBody(text string, opts tts.Options) ([]byte, error) {
	voice := opts.VoiceID
	if voice == "" {
		voice = p.defaultVoice
	}
	format := opts.OutputFormat
	if format == "" {
		format = defaultFormat
	}
	return json.Marshal(speechRequest{
		Model:          p.model,
		Voice:          voice,
		Input:          text,
		ResponseFormat: format,
	})
}

// HealthCheck implements tts.Provider by listing models with the configured
// API key.
func (p *Provider) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("openai tts: health check: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("openai tts: health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openai tts: health check: unexpected status %d", resp.StatusCode)
	}
	return nil
}

var _ tts.Provider = (*Provider)(nil)
