// Package mock provides a test double for the tts.Provider interface.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/tts"
)

// Call records a single Stream invocation.
type Call struct {
	Text string
	Opts tts.Options
}

// Provider is a mock implementation of tts.Provider. Configure the fields
// before use; zero values mean an empty successful stream.
type Provider struct {
	mu sync.Mutex

	// Chunks is the audio sequence emitted by Stream before the channel
	// closes. ChunkDelay, when positive, paces the emission.
	Chunks     [][]byte
	ChunkDelay time.Duration

	// StreamErr is returned from Stream instead of opening a channel.
	StreamErr error

	// HealthErr controls HealthCheck.
	HealthErr error

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

// Stream implements tts.Provider. Chunks respect context cancellation so
// tests can verify barge-in abort propagation.
func (p *Provider) Stream(ctx context.Context, text string, opts tts.Options) (<-chan []byte, error) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Text: text, Opts: opts})
	chunks := make([][]byte, len(p.Chunks))
	copy(chunks, p.Chunks)
	delay := p.ChunkDelay
	err := p.StreamErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan []byte)
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

// HealthCheck implements tts.Provider.
func (p *Provider) HealthCheck(ctx context.Context) error {
	return p.HealthErr
}

var _ tts.Provider = (*Provider)(nil)
