// Package llm defines the Provider interface for large language model
// backends.
//
// An LLM provider wraps a remote model API (OpenAI, Anthropic, Gemini) and
// exposes a uniform interface for the turn orchestrator to stream responses,
// estimate cost, and health-check the backend without coupling to any
// specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by Stream
// must be closed by the implementation when the stream ends or when the
// supplied context is cancelled.
package llm

import (
	"context"

	"github.com/AroonSharma/woic-agent-server-sub000/pkg/types"
)

// Options carries the per-request model parameters. Cancellation travels on
// the context passed to Chat or Stream; cancelling it must propagate to the
// network layer promptly.
type Options struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// Temperature controls output randomness in [0.0, 2.0]. Zero means the
	// provider default.
	Temperature float64

	// MaxTokens caps completion length. Zero means the model default.
	MaxTokens int

	// Tools is the set of callable actions offered to the model. Providers
	// without tool support ignore it.
	Tools []types.ToolDefinition
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content. May be empty on a chunk that
	// only carries a finish signal or tool calls.
	Text string

	// FinishReason is set on the final chunk: "stop", "length",
	// "tool_calls", or "error" when the stream failed mid-flight (Text then
	// holds the error message).
	FinishReason string

	// ToolCalls contains tool invocations the model is requesting,
	// accumulated by the implementation and delivered on the final chunk.
	ToolCalls []types.ToolCall
}

// FinishReason values.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
	FinishError     = "error"
)

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use. Each method must
// propagate context cancellation promptly: when ctx is cancelled the method
// must return (or close its channel) as quickly as possible.
type Provider interface {
	// Chat sends the conversation and waits for the full response text.
	Chat(ctx context.Context, messages []types.Message, opts Options) (string, error)

	// Stream sends the conversation and returns a read-only channel of
	// response chunks. The channel is closed when generation finishes or ctx
	// is cancelled; callers must drain it. Mid-stream failures surface as a
	// chunk with FinishReason [FinishError]. The returned channel is never
	// nil when error is nil.
	Stream(ctx context.Context, messages []types.Message, opts Options) (<-chan Chunk, error)

	// EstimateCost returns the approximate USD cost of a request consuming
	// the given total token count with the provider's default model.
	EstimateCost(tokens int) float64

	// MaxTokens reports the default model's context window size.
	MaxTokens() int

	// HealthCheck verifies the backend can serve a minimal request.
	HealthCheck(ctx context.Context) error
}

// EstimateTokens approximates the token count of a message list: roughly
// four characters per token plus per-message formatting overhead. It never
// undercounts badly enough to matter for budget classification.
func EstimateTokens(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total
}
