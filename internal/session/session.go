// Package session orchestrates one voice conversation: it consumes transcripts
// from the STT stream, runs each accepted final through knowledge grounding,
// the response cache, and the LLM, synthesizes the response with TTS, and
// emits the ordered frame sequence to the client.
//
// A session owns a small state machine (see [TurnState]) and at most one
// in-flight turn. Interruptions are arbitrated by [BargeGuard]; blocked
// interruptions are deferred and replayed after the current response ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AroonSharma/woic-agent-server-sub000/internal/audit"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/codec"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/config"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/memory"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/observe"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/audio"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/llm"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/stt"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/stt/endpoint"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/tts"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/types"

	"github.com/AroonSharma/woic-agent-server-sub000/internal/action"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/kb"
)

// earlyLLMMinWords is the minimum partial length before a confident partial
// may start the LLM ahead of the final transcript.
const earlyLLMMinWords = 8

// Emitter delivers frames to the client connection. Implemented by the
// gateway's WebSocket writer.
type Emitter interface {
	// EmitControl marshals msg as a JSON text frame.
	EmitControl(msg any) error

	// EmitAudio sends a binary frame: the JSON header, then the payload.
	EmitAudio(header codec.TTSChunkHeader, payload []byte) error
}

// Grounder answers user queries from the knowledge base. Implemented by
// [kb.Client].
type Grounder interface {
	GroundedAnswer(ctx context.Context, query, agentID string) (answer string, chunks []string, err error)
	Confident(answer string) bool
}

// ActionRunner executes model-requested tool calls. Implemented by
// [action.Executor].
type ActionRunner interface {
	Definitions() []types.ToolDefinition
	Execute(ctx context.Context, userID string, call types.ToolCall) (*action.Result, error)
}

// Deps bundles everything a session needs. Emitter, LLM, and TTS are
// required; the rest degrade gracefully when nil.
type Deps struct {
	Config  *config.Config
	Logger  *slog.Logger
	Emitter Emitter

	// STT is the managed transcript stream. Nil for sessions driven purely by
	// test.utterance injection.
	STT *stt.Stream

	LLM llm.Provider
	TTS tts.Provider

	Memory *memory.Store
	Cache  *memory.ResponseCache

	KB      Grounder
	Actions ActionRunner
	Audit   audit.Recorder

	Stats   *TurnStats
	Metrics *observe.Metrics

	// Provider names, recorded per turn in the audit log.
	LLMName string
	STTName string
	TTSName string
}

// MetricsUpdate is the frame sent to the client after each turn.
type MetricsUpdate struct {
	codec.Envelope
	Outcome  types.TurnOutcome `json:"outcome"`
	Turn     types.TurnMetrics `json:"turn"`
	Averages types.TurnMetrics `json:"averages"`
}

// Session is one live voice conversation. All exported methods are safe for
// concurrent use.
type Session struct {
	id    string
	start codec.SessionStartData
	deps  Deps
	cfg   *config.Config
	log   *slog.Logger

	guard    *BargeGuard
	delays   endpoint.Delays
	analyzer endpoint.Analyzer
	ttsOpts  tts.Options
	ttsMime  string
	ttsPCM   bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu            sync.Mutex
	state         TurnState
	turnID        int64
	cur           *turn
	deferredFinal string
	pendingFinal  string
	userTalking   bool
	opusDec       *audio.Decoder
}

// New builds a session from a parsed session.start. Call [Session.Run] to
// begin processing.
func New(id string, start codec.SessionStartData, deps Deps) (*Session, error) {
	var errs []error
	if id == "" {
		errs = append(errs, errors.New("session: id is required"))
	}
	if deps.Emitter == nil {
		errs = append(errs, errors.New("session: emitter is required"))
	}
	if deps.LLM == nil {
		errs = append(errs, errors.New("session: llm provider is required"))
	}
	if deps.TTS == nil {
		errs = append(errs, errors.New("session: tts provider is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Memory == nil {
		deps.Memory = memory.NewStore(memory.StoreConfig{})
	}
	if deps.Audit == nil {
		deps.Audit = audit.Noop{}
	}
	if deps.Stats == nil {
		deps.Stats = NewTurnStats()
	}

	delays := endpoint.DefaultDelays()
	if e := start.Endpointing; e != nil {
		delays = endpoint.Delays{
			Wait:        secondsToDuration(e.WaitSeconds),
			Punctuation: secondsToDuration(e.PunctuationSeconds),
			NoPunct:     secondsToDuration(e.NoPunctSeconds),
			Number:      secondsToDuration(e.NumberSeconds),
		}
	}

	voice := start.VoiceID
	if voice == "" {
		voice = deps.Config.Providers.ElevenLabsVoiceID
	}
	ttsOpts := tts.Options{VoiceID: voice}
	if p := start.Providers; p != nil && p.TTS != nil && p.TTS.VoiceID != "" {
		ttsOpts.VoiceID = p.TTS.VoiceID
	}

	s := &Session{
		id:      id,
		start:   start,
		deps:    deps,
		cfg:     deps.Config,
		log:     deps.Logger.With("session_id", id),
		guard:   NewBargeGuard(deps.Config.TTS),
		delays:  delays,
		ttsOpts: ttsOpts,
		ttsMime: "audio/pcm;rate=16000",
		ttsPCM:  true,
	}
	if f := ttsOpts.OutputFormat; f != "" && !strings.HasPrefix(f, "pcm") {
		s.ttsMime = "audio/mpeg"
		s.ttsPCM = false
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current turn state.
func (s *Session) State() TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run starts the STT stream and the transcript loop, and speaks the first
// message when the session is configured for it. The ctx bounds the session
// lifetime; cancelling it is equivalent to Close.
func (s *Session) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.start.SystemPrompt != "" {
		s.deps.Memory.SetSystem(s.id, s.start.SystemPrompt)
	}

	if s.deps.STT != nil {
		if err := s.deps.STT.Start(s.ctx); err != nil {
			return fmt.Errorf("session: start stt: %w", err)
		}
		s.wg.Add(1)
		go s.transcriptLoop()
	}

	if m := s.deps.Metrics; m != nil {
		m.ActiveSessions.Add(s.ctx, 1)
	}

	if s.start.FirstMessageMode == types.AssistantSpeaksFirst {
		s.wg.Add(1)
		go s.speakFirstMessage()
	}
	return nil
}

// HandleAudio feeds one client audio frame to the STT stream, decoding Opus
// payloads to PCM first. Undecodable packets are dropped, not fatal.
func (s *Session) HandleAudio(hdr codec.AudioChunkHeader, payload []byte) error {
	if s.deps.STT == nil {
		return nil
	}

	pcm := payload
	if hdr.Codec == types.CodecOpus {
		s.mu.Lock()
		if s.opusDec == nil {
			rate, channels := hdr.SampleRate, hdr.Channels
			if rate <= 0 {
				rate = audio.SampleRate
			}
			if channels <= 0 {
				channels = audio.Channels
			}
			dec, err := audio.NewDecoder(rate, channels)
			if err != nil {
				s.mu.Unlock()
				return fmt.Errorf("session: opus decoder: %w", err)
			}
			s.opusDec = dec
		}
		dec := s.opusDec
		s.mu.Unlock()

		out, err := dec.Decode(payload)
		if err != nil {
			s.log.Debug("dropping undecodable opus packet", "error", err)
			return nil
		}
		pcm = out
	}
	return s.deps.STT.SendAudio(pcm)
}

// HandleAudioEnd marks the end of a push-to-talk utterance: the buffered
// partial is promoted to a final immediately.
func (s *Session) HandleAudioEnd() {
	if s.deps.STT != nil {
		s.deps.STT.Flush()
	}
}

// HandleBargeCancel is a client-initiated interruption. It bypasses the barge
// guard: the client UI has its own affordance and its cancel is always obeyed.
func (s *Session) HandleBargeCancel() {
	s.mu.Lock()
	cur := s.cur
	s.mu.Unlock()
	if cur != nil && !s.turnDone(cur) {
		s.log.Info("client cancelled assistant speech", "turn_id", cur.id)
		s.finishTurn(cur, types.TurnBarged)
	}
}

// HandleTestUtterance injects text as if it were a final transcript. The
// gateway gates this behind the test-hooks flag.
func (s *Session) HandleTestUtterance(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.acceptFinal(text)
}

// Close ends the session: any in-flight turn is terminated, the STT stream is
// closed, and a session.ended frame is emitted. Safe to call more than once.
func (s *Session) Close(reason string) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		cur := s.cur
		s.mu.Unlock()
		if cur != nil && !s.turnDone(cur) {
			s.finishTurn(cur, types.TurnBarged)
		}

		if s.cancel != nil {
			s.cancel()
		}
		if s.deps.STT != nil {
			_ = s.deps.STT.Close()
		}
		s.wg.Wait()

		s.emit(codec.SessionEnded{Envelope: s.env(codec.TypeSessionEnded, 0), Reason: reason})
		if m := s.deps.Metrics; m != nil {
			m.ActiveSessions.Add(context.Background(), -1)
		}
		s.log.Info("session closed", "reason", reason)
	})
	return nil
}

// ─── transcript handling ───

// transcriptLoop drains the STT stream's output channels until both close or
// the session ends.
func (s *Session) transcriptLoop() {
	defer s.wg.Done()

	partials := s.deps.STT.Partials()
	finals := s.deps.STT.Finals()
	for partials != nil || finals != nil {
		select {
		case <-s.ctx.Done():
			return
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			s.handlePartial(t)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			text := strings.TrimSpace(t.Text)
			if text != "" {
				s.acceptFinal(text)
			}
		}
	}
}

// handlePartial forwards a partial to the client and runs the side effects a
// partial can have: the listening transition, partial barge-in, and the early
// LLM start.
func (s *Session) handlePartial(t types.Transcript) {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return
	}

	a := s.analyzer.Analyze(text, 0, s.delays.NoPunct)

	s.mu.Lock()
	switch s.state {
	case StateIdle, StateDone, StateBarged, StateErrored:
		s.state = StateListeningUser
	}
	if s.state == StateListeningUser && a.IsComplete {
		s.state = StateAwaitingFinal
	}
	if s.state.active() {
		s.userTalking = true
	}
	state := s.state
	cur := s.cur
	s.mu.Unlock()

	s.emit(codec.STTResult{
		Envelope:   s.env(codec.TypeSTTPartial, 0),
		Text:       text,
		Confidence: t.Confidence,
	})

	if state == StateSpeakingTTS && cur != nil && s.cfg.Features.PartialBarge {
		in := s.bargeInput(cur, text)
		d := s.guard.Evaluate(in)
		if m := s.deps.Metrics; m != nil {
			m.RecordBarge(s.ctx, d.Allow, d.Reason)
		}
		if d.Allow {
			s.log.Info("partial barge-in", "reason", d.Reason, "turn_id", cur.id)
			s.finishTurn(cur, types.TurnBarged)
		}
		return
	}

	if s.cfg.Features.EarlyLLM && !state.active() && !s.cfg.Features.StrictTurnTaking {
		if a.Suggestion == endpoint.Process && wordCount(text) >= earlyLLMMinWords {
			s.startTurn(text, true)
		}
	}
}

// acceptFinal routes a final transcript: confirm a speculative early turn,
// arbitrate a barge against active speech, dedup against the running turn, or
// start a new one.
func (s *Session) acceptFinal(text string) {
	s.mu.Lock()
	s.userTalking = false
	cur := s.cur
	state := s.state
	s.mu.Unlock()

	if cur != nil && !s.turnDone(cur) {
		switch {
		case cur.early && isDuplicateUtterance(cur.userText, text):
			// The speculative turn guessed right; the final confirms it.
			s.log.Debug("early turn confirmed by final", "turn_id", cur.id)
			s.emit(codec.STTResult{Envelope: s.env(codec.TypeSTTFinal, cur.id), Text: text})
			return

		case state == StateSpeakingTTS && isDuplicateUtterance(cur.userText, text):
			// An echo of the utterance being answered is not an interruption.
			s.log.Debug("duplicate final suppressed during speech", "text", text)
			return

		case state == StateSpeakingTTS:
			in := s.bargeInput(cur, text)
			d := s.guard.Evaluate(in)
			if m := s.deps.Metrics; m != nil {
				m.RecordBarge(s.ctx, d.Allow, d.Reason)
			}
			if !d.Allow {
				s.log.Debug("barge-in blocked, deferring final",
					"reason", d.Reason, "text", text)
				s.mu.Lock()
				s.deferredFinal = text
				s.mu.Unlock()
				return
			}
			s.log.Info("barge-in allowed", "reason", d.Reason, "turn_id", cur.id)
			s.finishTurn(cur, types.TurnBarged)
			s.startTurn(text, false)
			return

		case cur.early:
			// The speculative turn guessed wrong; replace it.
			s.log.Debug("early turn superseded by differing final", "turn_id", cur.id)
			s.finishTurn(cur, types.TurnBarged)
			s.startTurn(text, false)
			return

		case isDuplicateUtterance(cur.userText, text):
			s.log.Debug("duplicate final suppressed", "text", text)
			return

		default:
			// A genuinely new utterance while the LLM is still generating.
			// Queue it; it runs after the current turn ends.
			s.mu.Lock()
			s.pendingFinal = text
			s.mu.Unlock()
			return
		}
	}

	s.startTurn(text, false)
}

// startTurn allocates a turn, emits stt.final (early turns wait for the
// confirming final), and launches the pipeline goroutine.
func (s *Session) startTurn(text string, early bool) {
	s.mu.Lock()
	if s.ctx == nil || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	if early && s.cur != nil && !s.cur.done {
		s.mu.Unlock()
		return
	}
	s.turnID++
	tctx, cancel := context.WithCancel(s.ctx)
	t := &turn{
		id:        s.turnID,
		userText:  text,
		early:     early,
		startedAt: time.Now(),
		cancel:    cancel,
	}
	if s.deps.STT != nil {
		if last := s.deps.STT.LastAudioAt(); !last.IsZero() {
			t.sttFinalLatency = time.Since(last)
		}
	}
	s.cur = t
	s.state = StateGeneratingLLM
	s.mu.Unlock()

	if !early {
		s.emit(codec.STTResult{Envelope: s.env(codec.TypeSTTFinal, t.id), Text: text})
	}
	if m := s.deps.Metrics; m != nil && t.sttFinalLatency > 0 {
		m.STTFinalLatency.Record(s.ctx, t.sttFinalLatency.Seconds())
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runTurn(tctx, t)
	}()
}

// ─── shared helpers ───

func (s *Session) env(t codec.MessageType, turnID int64) codec.Envelope {
	return codec.Envelope{Type: t, SessionID: s.id, TurnID: turnID}
}

func (s *Session) emit(msg any) {
	if err := s.deps.Emitter.EmitControl(msg); err != nil {
		s.log.Debug("frame emit failed", "error", err)
	}
}

// bargeInput snapshots the turn state an interruption decision needs.
func (s *Session) bargeInput(t *turn, userText string) BargeInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return BargeInput{
		UserText:      userText,
		TTSText:       t.spokenText,
		Audible:       s.audibleLocked(t),
		SinceLastText: time.Since(t.lastTextAt),
	}
}

// audibleLocked estimates how long this turn's speech has been audible: wall
// time since the first audio chunk, bounded by the decoded duration of the
// PCM streamed so far. Caller holds s.mu.
func (s *Session) audibleLocked(t *turn) time.Duration {
	if t.ttsStartedAt.IsZero() {
		return 0
	}
	wall := time.Since(t.ttsStartedAt)
	if s.ttsPCM && t.pcmBytes > 0 {
		if d := audio.PCMDuration(t.pcmBytes, audio.SampleRate, audio.Channels); d < wall {
			return d
		}
	}
	return wall
}

// kbFormatChunks is split out so tests can cover prompt assembly without a KB
// client.
func kbFormatChunks(chunks []string) string {
	return kb.FormatChunks(chunks)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
