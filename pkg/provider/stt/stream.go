package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/stt/endpoint"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/types"
)

// Stream tuning constants.
const (
	// audioQueueCap bounds buffered audio between the client and the
	// provider. Overflow drops the oldest frame.
	audioQueueCap = 20

	// watchdogInterval and watchdogDepth detect a stalled provider: a queue
	// that stays at or above the depth for one interval forces a reconnect.
	watchdogInterval = 700 * time.Millisecond
	watchdogDepth    = 10

	// handshakeTimeout bounds a single provider connect.
	handshakeTimeout = 1500 * time.Millisecond

	// Reconnect backoff: base doubling per attempt, jittered, capped.
	reconnectBase     = 200 * time.Millisecond
	reconnectCap      = 4 * time.Second
	reconnectAttempts = 6

	// partialMinInterval throttles outbound partials to ~12/s.
	partialMinInterval = time.Second / 12

	// dupFinalWindow suppresses a final whose normalized text matches the
	// previous final within this window.
	dupFinalWindow = 3 * time.Second
)

// ErrStreamClosed is returned by [Stream.SendAudio] after Close.
var ErrStreamClosed = errors.New("stt: stream closed")

// StreamOptions configures a managed [Stream].
type StreamOptions struct {
	// Config is passed to the underlying provider on every (re)connect.
	Config StreamConfig

	// Delays are the session's endpointing delays.
	Delays endpoint.Delays

	// SilenceTimeout caps the silence-promotion delay.
	SilenceTimeout time.Duration

	// AutoReconnect re-dials the provider on transient drops.
	AutoReconnect bool
}

// Stream wraps a raw [Provider] session with the behaviour the orchestrator
// needs: a bounded drop-oldest audio queue, a stall watchdog, reconnect with
// jittered backoff, partial throttling and suppression, duplicate-final
// dedup, and silence-timer promotion of the last partial to a final.
//
// Audio flows in through SendAudio; transcripts flow out of Partials and
// Finals. Both output channels close when the stream ends.
type Stream struct {
	provider Provider
	opts     StreamOptions
	analyzer endpoint.Analyzer

	queue    chan []byte
	partials chan types.Transcript
	finals   chan types.Transcript
	flush    chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu             sync.Mutex
	session        SessionHandle
	connectLatency time.Duration
	lastAudioAt    time.Time

	// partial/final bookkeeping, owned by the event loop
	lastPartialSent  time.Time
	lastPartialNorm  string
	pendingPartial   types.Transcript
	pendingUpdatedAt time.Time
	lastFinalNorm    string
	lastFinalAt      time.Time
}

// NewStream creates a managed stream over provider. Call [Stream.Start] to
// connect.
func NewStream(provider Provider, opts StreamOptions) *Stream {
	if opts.SilenceTimeout <= 0 {
		opts.SilenceTimeout = 4 * time.Second
	}
	return &Stream{
		provider: provider,
		opts:     opts,
		queue:    make(chan []byte, audioQueueCap),
		partials: make(chan types.Transcript, 16),
		finals:   make(chan types.Transcript, 16),
		flush:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start dials the provider and launches the stream goroutines. The ctx
// governs the whole stream lifetime; cancelling it is equivalent to Close.
func (s *Stream) Start(ctx context.Context) error {
	sess, latency, err := s.connect(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.session = sess
	s.connectLatency = latency
	s.mu.Unlock()

	slog.Info("stt stream open",
		"connect_latency_ms", latency.Milliseconds(),
		"queue_cap", audioQueueCap)

	s.wg.Add(2)
	go s.eventLoop(ctx, sess)
	go s.audioPump(ctx)
	return nil
}

func (s *Stream) connect(ctx context.Context) (SessionHandle, time.Duration, error) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	start := time.Now()
	sess, err := s.provider.StartStream(dialCtx, s.opts.Config)
	if err != nil {
		return nil, 0, fmt.Errorf("stt: connect: %w", err)
	}
	return sess, time.Since(start), nil
}

// SendAudio queues a chunk for the provider. When the queue is full the
// oldest chunk is dropped so live audio never blocks the caller.
func (s *Stream) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}

	s.mu.Lock()
	s.lastAudioAt = time.Now()
	s.mu.Unlock()

	for {
		select {
		case s.queue <- chunk:
			return nil
		default:
		}
		select {
		case <-s.queue: // drop oldest
			slog.Debug("stt audio queue full, dropping oldest frame")
		default:
		}
	}
}

// Flush promotes the buffered partial to a final without waiting for the
// silence timer. Used for push-to-talk, where the client marks the end of the
// utterance explicitly.
func (s *Stream) Flush() {
	select {
	case s.flush <- struct{}{}:
	default:
	}
}

// Partials returns the throttled partial transcript channel.
func (s *Stream) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the deduplicated final transcript channel. Silence-promoted
// partials arrive here as synthetic finals.
func (s *Stream) Finals() <-chan types.Transcript { return s.finals }

// ConnectLatency reports how long the most recent provider handshake took.
func (s *Stream) ConnectLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLatency
}

// QueueDepth reports the current audio backlog.
func (s *Stream) QueueDepth() int { return len(s.queue) }

// LastAudioAt reports when the caller last submitted audio.
func (s *Stream) LastAudioAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAudioAt
}

// Close tears the stream down, closing the provider session and the output
// channels. Safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		sess := s.session
		s.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
	})
	s.wg.Wait()
	return nil
}

// audioPump drains the queue into whichever provider session is current.
func (s *Stream) audioPump(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case chunk := <-s.queue:
			s.mu.Lock()
			sess := s.session
			s.mu.Unlock()
			if sess == nil {
				continue
			}
			if err := sess.SendAudio(chunk); err != nil {
				// The event loop notices the dead session and reconnects;
				// dropping this frame is acceptable for live speech.
				slog.Debug("stt send failed", "error", err)
			}
		}
	}
}

// eventLoop consumes provider output, runs the silence-promotion timer and
// the stall watchdog, and reconnects on transient drops.
func (s *Stream) eventLoop(ctx context.Context, sess SessionHandle) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	watchdog := time.NewTicker(watchdogInterval)
	defer watchdog.Stop()

	// silenceTimer fires when the pending partial has gone quiet.
	silenceTimer := time.NewTimer(time.Hour)
	silenceTimer.Stop()
	defer silenceTimer.Stop()

	attempts := 0
	stalledSince := time.Time{}

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return

		case t, ok := <-sess.Partials():
			if !ok {
				var err error
				if sess, err = s.reconnect(ctx, &attempts); err != nil {
					slog.Error("stt stream lost", "error", err)
					return
				}
				continue
			}
			s.handlePartial(t, silenceTimer)

		case t, ok := <-sess.Finals():
			if !ok {
				continue // Partials arm reconnect; avoid double-dialling
			}
			silenceTimer.Stop()
			s.emitFinal(t)

		case ev, ok := <-sess.Events():
			if !ok {
				continue
			}
			if ev.Kind == EventUtteranceEnd {
				silenceTimer.Stop()
				s.promotePending(false)
			}

		case <-s.flush:
			silenceTimer.Stop()
			s.promotePending(false)

		case <-silenceTimer.C:
			s.promotePending(true)

		case <-watchdog.C:
			if len(s.queue) >= watchdogDepth {
				if stalledSince.IsZero() {
					stalledSince = time.Now()
				} else if time.Since(stalledSince) >= watchdogInterval {
					slog.Warn("stt provider stalled, forcing reconnect",
						"queue_depth", len(s.queue))
					_ = sess.Close()
					stalledSince = time.Time{}
				}
			} else {
				stalledSince = time.Time{}
			}
		}
	}
}

// reconnect dials a fresh provider session with jittered exponential backoff.
// A session that never carried audio is not worth re-dialling.
func (s *Stream) reconnect(ctx context.Context, attempts *int) (SessionHandle, error) {
	if !s.opts.AutoReconnect {
		return nil, errors.New("stt: session dropped and reconnect is disabled")
	}
	if s.LastAudioAt().IsZero() {
		return nil, errors.New("stt: idle session dropped, not reconnecting")
	}
	for {
		if *attempts >= reconnectAttempts {
			return nil, fmt.Errorf("stt: gave up after %d reconnect attempts", *attempts)
		}
		backoff := reconnectBase << *attempts
		if backoff > reconnectCap {
			backoff = reconnectCap
		}
		backoff += time.Duration(rand.Int63n(int64(backoff) / 4))
		*attempts++

		slog.Info("stt reconnecting", "attempt", *attempts, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-s.done:
			return nil, ErrStreamClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		sess, latency, err := s.connect(ctx)
		if err != nil {
			slog.Warn("stt reconnect failed", "attempt", *attempts, "error", err)
			continue
		}
		s.mu.Lock()
		s.session = sess
		s.connectLatency = latency
		s.mu.Unlock()
		*attempts = 0
		slog.Info("stt reconnected", "connect_latency_ms", latency.Milliseconds())
		return sess, nil
	}
}

// handlePartial throttles and forwards a partial, and (re)arms the
// silence-promotion timer.
func (s *Stream) handlePartial(t types.Transcript, silenceTimer *time.Timer) {
	if strings.TrimSpace(t.Text) == "" {
		return
	}
	norm := Normalize(t.Text)

	s.pendingPartial = t
	s.pendingUpdatedAt = time.Now()

	a := s.analyzer.Analyze(t.Text, 0, s.opts.Delays.NoPunct)
	delay := s.opts.Delays.PromotionDelay(t.Text, a, s.opts.SilenceTimeout)
	silenceTimer.Reset(delay)

	if norm == s.lastPartialNorm {
		return
	}
	if time.Since(s.lastPartialSent) < partialMinInterval {
		return
	}
	s.lastPartialSent = time.Now()
	s.lastPartialNorm = norm

	select {
	case s.partials <- t:
	default:
		// Consumer is behind; partials are advisory, drop.
	}
}

// promotePending turns the buffered partial into a synthetic final.
// reanalyze suppresses the promotion when the text still looks unfinished.
func (s *Stream) promotePending(reanalyze bool) {
	t := s.pendingPartial
	if strings.TrimSpace(t.Text) == "" {
		return
	}
	if reanalyze {
		silence := time.Since(s.pendingUpdatedAt)
		a := s.analyzer.Analyze(t.Text, silence, s.opts.Delays.NoPunct)
		if a.Suggestion == endpoint.WaitLonger {
			slog.Debug("suppressing silence promotion, utterance incomplete",
				"text", t.Text, "confidence", a.Confidence)
			return
		}
	}
	t.IsFinal = true
	s.pendingPartial = types.Transcript{}
	s.emitFinal(t)
}

// emitFinal deduplicates and forwards a final transcript.
func (s *Stream) emitFinal(t types.Transcript) {
	if strings.TrimSpace(t.Text) == "" {
		return
	}
	norm := Normalize(t.Text)
	if norm == s.lastFinalNorm && time.Since(s.lastFinalAt) < dupFinalWindow {
		slog.Debug("dropping duplicate final", "text", t.Text)
		return
	}
	s.lastFinalNorm = norm
	s.lastFinalAt = time.Now()
	s.pendingPartial = types.Transcript{}

	t.IsFinal = true
	select {
	case s.finals <- t:
	case <-s.done:
	}
}

// Normalize lowercases text, maps punctuation to spaces, and collapses
// whitespace. Dedup comparisons across the pipeline all use this form.
func Normalize(text string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) {
			return ' '
		}
		return unicode.ToLower(r)
	}, text)
	return strings.Join(strings.Fields(mapped), " ")
}
