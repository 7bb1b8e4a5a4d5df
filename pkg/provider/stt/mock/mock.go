// Package mock provides an in-memory stt.Provider for tests and local
// development. Scripted transcripts are emitted on demand; audio is counted
// but otherwise discarded.
package mock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/stt"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/types"
)

// Provider implements stt.Provider. Each StartStream returns a new
// [Session]; the most recent one is available via Last.
type Provider struct {
	// FailConnects makes the next n StartStream calls fail.
	FailConnects atomic.Int32

	mu       sync.Mutex
	sessions []*Session
}

// StartStream opens a scripted session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if p.FailConnects.Load() > 0 {
		p.FailConnects.Add(-1)
		return nil, errors.New("mock stt: connect refused")
	}
	s := &Session{
		cfg:      cfg,
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
		events:   make(chan stt.Event, 16),
		done:     make(chan struct{}),
	}
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()
	return s, nil
}

// Last returns the most recently opened session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Opened reports how many sessions were started.
func (p *Provider) Opened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Session implements stt.SessionHandle with test-controllable output.
type Session struct {
	cfg      stt.StreamConfig
	partials chan types.Transcript
	finals   chan types.Transcript
	events   chan stt.Event

	done chan struct{}
	once sync.Once

	AudioBytes atomic.Int64
}

// Config returns the StreamConfig the session was opened with.
func (s *Session) Config() stt.StreamConfig { return s.cfg }

func (s *Session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("mock stt: session closed")
	default:
		s.AudioBytes.Add(int64(len(chunk)))
		return nil
	}
}

func (s *Session) Partials() <-chan types.Transcript { return s.partials }
func (s *Session) Finals() <-chan types.Transcript   { return s.finals }
func (s *Session) Events() <-chan stt.Event          { return s.events }

// EmitPartial pushes a partial transcript to the consumer.
func (s *Session) EmitPartial(text string) {
	s.partials <- types.Transcript{Text: text}
}

// EmitFinal pushes a final transcript to the consumer.
func (s *Session) EmitFinal(text string) {
	s.finals <- types.Transcript{Text: text, IsFinal: true, Confidence: 0.95}
}

// EmitEvent pushes an out-of-band event.
func (s *Session) EmitEvent(kind stt.EventKind) {
	s.events <- stt.Event{Kind: kind}
}

// Close closes all output channels, simulating a clean provider shutdown.
func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.done)
		close(s.partials)
		close(s.finals)
		close(s.events)
	})
	return nil
}

var _ stt.Provider = (*Provider)(nil)
var _ stt.SessionHandle = (*Session)(nil)
