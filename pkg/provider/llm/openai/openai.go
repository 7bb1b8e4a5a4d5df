// Package openai provides an LLM provider backed by the OpenAI API.
//
// Unlike the anyllm backends, this provider talks to the official SDK
// directly, which exposes per-request HTTP controls (base URL, organization,
// timeout) the unified interface does not.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/llm"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/types"
)

// Provider implements llm.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI LLM Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model}, nil
}

// Chat implements llm.Provider.
func (p *Provider) Chat(ctx context.Context, messages []types.Message, opts llm.Options) (string, error) {
	params := p.buildParams(messages, opts)

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream implements llm.Provider.
func (p *Provider) Stream(ctx context.Context, messages []types.Message, opts llm.Options) (<-chan llm.Chunk, error) {
	params := p.buildParams(messages, opts)

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		// Tool call fragments arrive across chunks, keyed by index.
		toolCallAccum := map[int]*types.ToolCall{}

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			out := llm.Chunk{
				Text:         delta.Content,
				FinishReason: choice.FinishReason,
			}

			for _, tc := range delta.ToolCalls {
				idx := int(tc.Index)
				if _, ok := toolCallAccum[idx]; !ok {
					toolCallAccum[idx] = &types.ToolCall{ID: tc.ID, Name: tc.Function.Name}
				}
				existing := toolCallAccum[idx]
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				existing.Arguments += tc.Function.Arguments
			}

			if choice.FinishReason != "" && len(toolCallAccum) > 0 {
				for i := 0; i < len(toolCallAccum); i++ {
					if tc, ok := toolCallAccum[i]; ok {
						out.ToolCalls = append(out.ToolCalls, *tc)
					}
				}
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: llm.FinishError, Text: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// EstimateCost implements llm.Provider using a blended per-token price for
// the default model's family.
func (p *Provider) EstimateCost(tokens int) float64 {
	return float64(tokens) * pricePerToken(p.model)
}

// MaxTokens implements llm.Provider.
func (p *Provider) MaxTokens() int {
	return contextWindow(p.model)
}

// HealthCheck implements llm.Provider with a one-token completion.
func (p *Provider) HealthCheck(ctx context.Context) error {
	params := oai.ChatCompletionNewParams{
		Model:               shared.ChatModel(p.model),
		Messages:            []oai.ChatCompletionMessageParamUnion{oai.UserMessage("ping")},
		MaxCompletionTokens: param.NewOpt(int64(1)),
	}
	if _, err := p.client.Chat.Completions.New(ctx, params); err != nil {
		return fmt.Errorf("openai: health check: %w", err)
	}
	return nil
}

// buildParams converts a canonical message list into OpenAI SDK params.
func (p *Provider) buildParams(messages []types.Message, opts llm.Options) oai.ChatCompletionNewParams {
	converted := make([]oai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case types.RoleSystem:
			converted = append(converted, oai.SystemMessage(m.Content))
		case types.RoleAssistant:
			converted = append(converted, oai.AssistantMessage(m.Content))
		default:
			converted = append(converted, oai.UserMessage(m.Content))
		}
	}

	model := opts.Model
	if model == "" {
		model = p.model
	}
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: converted,
	}
	if opts.Temperature != 0 {
		params.Temperature = param.NewOpt(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(opts.MaxTokens))
	}
	for _, td := range opts.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}
	return params
}

// pricePerToken returns a blended USD cost per token by model family.
// Accuracy to the cent is not required, only stable relative ordering for
// the budget classifier.
func pricePerToken(model string) float64 {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "gpt-4o-mini"), strings.Contains(lower, "gpt-4.1-mini"):
		return 0.0000004
	case strings.Contains(lower, "gpt-4o"), strings.Contains(lower, "gpt-4.1"):
		return 0.000006
	case strings.Contains(lower, "o1"):
		return 0.00003
	default:
		return 0.000005
	}
}

// contextWindow returns the context window size by model family.
func contextWindow(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "o1"):
		return 200_000
	case strings.HasPrefix(lower, "gpt-3.5-turbo"):
		return 16_385
	default:
		return 128_000
	}
}

var _ llm.Provider = (*Provider)(nil)
