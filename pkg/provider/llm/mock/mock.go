// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify what the orchestrator sends and to
// feed controlled streaming responses without a live LLM backend. All fields
// are safe to set before calling any method; mutating them during a
// concurrent call is the caller's responsibility.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/llm"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/types"
)

// Call records a single Chat or Stream invocation.
type Call struct {
	Messages []types.Message
	Opts     llm.Options
}

// Provider is a mock implementation of llm.Provider. Zero values for
// response fields cause methods to return zero values and nil errors; set
// the Err fields to inject failures.
type Provider struct {
	mu sync.Mutex

	// StreamChunks is the sequence emitted by Stream before the channel
	// closes. ChunkDelay, when positive, paces the emission.
	StreamChunks []llm.Chunk
	ChunkDelay   time.Duration

	// StreamErr is returned from Stream instead of opening a channel.
	StreamErr error

	// ChatResponse and ChatErr control Chat.
	ChatResponse string
	ChatErr      error

	// HealthErr controls HealthCheck.
	HealthErr error

	// CostPerToken controls EstimateCost. Zero means free.
	CostPerToken float64

	// Window controls MaxTokens. Zero means 128000.
	Window int

	calls []Call
}

// Calls returns a copy of all recorded invocations.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *Provider) record(messages []types.Message, opts llm.Options) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Messages: messages, Opts: opts})
	p.mu.Unlock()
}

// Chat implements llm.Provider.
func (p *Provider) Chat(ctx context.Context, messages []types.Message, opts llm.Options) (string, error) {
	p.record(messages, opts)
	if p.ChatErr != nil {
		return "", p.ChatErr
	}
	return p.ChatResponse, nil
}

// Stream implements llm.Provider. Chunks respect context cancellation so
// tests can verify abort propagation.
func (p *Provider) Stream(ctx context.Context, messages []types.Message, opts llm.Options) (<-chan llm.Chunk, error) {
	p.record(messages, opts)
	if p.StreamErr != nil {
		return nil, p.StreamErr
	}

	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	delay := p.ChunkDelay

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// EstimateCost implements llm.Provider.
func (p *Provider) EstimateCost(tokens int) float64 {
	return float64(tokens) * p.CostPerToken
}

// MaxTokens implements llm.Provider.
func (p *Provider) MaxTokens() int {
	if p.Window > 0 {
		return p.Window
	}
	return 128_000
}

// HealthCheck implements llm.Provider.
func (p *Provider) HealthCheck(ctx context.Context) error {
	return p.HealthErr
}

var _ llm.Provider = (*Provider)(nil)

// Deltas builds StreamChunks from plain text fragments, appending a final
// stop chunk. Convenience for orchestrator tests.
func Deltas(fragments ...string) []llm.Chunk {
	out := make([]llm.Chunk, 0, len(fragments)+1)
	for _, f := range fragments {
		out = append(out, llm.Chunk{Text: f})
	}
	return append(out, llm.Chunk{FinishReason: llm.FinishStop})
}
