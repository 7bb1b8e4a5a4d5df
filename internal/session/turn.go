package session

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/AroonSharma/woic-agent-server-sub000/internal/audit"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/codec"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/llm"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/types"
)

// sentenceBoundaryRe finds the first terminal punctuation followed by
// whitespace or end of text. "1.5" does not match: the dot must be followed
// by whitespace.
var sentenceBoundaryRe = regexp.MustCompile(`^[\s\S]*?[.!?](\s|$)`)

// earlyTTSMinWords is the minimum first-sentence length worth synthesizing
// ahead of the rest of the response.
const earlyTTSMinWords = 6

// auditTimeout bounds the fire-and-forget audit write per turn.
const auditTimeout = 2 * time.Second

// turn is one user-final-to-tts.end exchange. Mutable fields are guarded by
// the session mutex.
type turn struct {
	id        int64
	userText  string
	early     bool
	grounded  bool
	startedAt time.Time
	cancel    context.CancelFunc

	seq          int64
	spokenText   string
	lastTextAt   time.Time
	ttsStartedAt time.Time
	pcmBytes     int

	sttFinalLatency time.Duration
	firstTokenAt    time.Time
	firstAudioAt    time.Time

	done    bool
	outcome types.TurnOutcome

	assistantText string
}

// turnDone reads t's terminal flag under the session lock.
func (s *Session) turnDone(t *turn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.done
}

// runTurn is the turn pipeline: knowledge grounding, then the response cache,
// then the streaming LLM with sentence-cascade TTS.
func (s *Session) runTurn(ctx context.Context, t *turn) {
	var sysExtra string

	if s.cfg.Features.KB && s.deps.KB != nil {
		answer, chunks, err := s.deps.KB.GroundedAnswer(ctx, t.userText, s.start.AgentID)
		switch {
		case err != nil:
			s.log.Warn("kb lookup failed", "error", err)
		case s.deps.KB.Confident(answer):
			s.log.Debug("kb answered directly", "turn_id", t.id)
			s.markGrounded(t)
			s.deps.Memory.Append(s.id, types.Message{Role: types.RoleUser, Content: t.userText})
			s.respond(ctx, t, answer)
			return
		case len(chunks) > 0:
			sysExtra = kbFormatChunks(chunks)
		}
	}

	if c := s.deps.Cache; c != nil {
		if cached, ok := c.Get(s.start.AgentID, t.userText); ok {
			s.log.Debug("response cache hit", "turn_id", t.id)
			s.markGrounded(t)
			s.deps.Memory.Append(s.id, types.Message{Role: types.RoleUser, Content: t.userText})
			s.respond(ctx, t, cached)
			return
		}
	}

	s.streamLLM(ctx, t, sysExtra)
}

// respond speaks a fully-formed response without invoking the LLM.
func (s *Session) respond(ctx context.Context, t *turn, text string) {
	s.emit(codec.LLMDelta{Envelope: s.env(codec.TypeLLMFinal, t.id), Text: text})
	s.deps.Memory.Append(s.id, types.Message{Role: types.RoleAssistant, Content: text})
	s.mu.Lock()
	t.assistantText = text
	s.mu.Unlock()

	segments := make(chan string, 1)
	segments <- text
	close(segments)
	s.speakSegments(ctx, t, segments)
	s.finishTurn(t, types.TurnComplete)
}

// streamLLM drives the model and cascades the response into TTS: when early
// TTS is on, the first complete sentence starts synthesis while the model is
// still generating, and the remainder follows once the stream ends.
func (s *Session) streamLLM(ctx context.Context, t *turn, sysExtra string) {
	s.deps.Memory.Append(s.id, types.Message{Role: types.RoleUser, Content: t.userText})
	msgs := s.deps.Memory.Messages(s.id)
	if sysExtra != "" {
		msgs = withSystemExtra(msgs, sysExtra)
	}

	opts := llm.Options{}
	if s.cfg.Features.Actions && s.deps.Actions != nil {
		opts.Tools = s.deps.Actions.Definitions()
	}

	chunks, err := s.deps.LLM.Stream(ctx, msgs, opts)
	if err != nil {
		s.turnError(t, "llm_stream", err)
		return
	}

	var (
		full      strings.Builder
		prefix    string
		toolCalls []types.ToolCall
		streamErr string
		speaking  bool
	)
	segments := make(chan string, 2)
	speakDone := make(chan struct{})
	startSpeaking := func() {
		speaking = true
		go func() {
			defer close(speakDone)
			s.speakSegments(ctx, t, segments)
		}()
	}

	for c := range chunks {
		if c.FinishReason == llm.FinishError {
			streamErr = c.Text
			break
		}
		if c.Text != "" {
			s.noteFirstToken(t)
			full.WriteString(c.Text)
			s.emit(codec.LLMDelta{Envelope: s.env(codec.TypeLLMPartial, t.id), Text: c.Text})

			if s.cfg.Features.EarlyTTS && !speaking {
				if p, ok := sentencePrefix(full.String()); ok {
					prefix = p
					startSpeaking()
					segments <- p
				}
			}
		}
		if len(c.ToolCalls) > 0 {
			toolCalls = c.ToolCalls
		}
	}

	if streamErr != "" {
		if speaking {
			close(segments)
			<-speakDone
		}
		if ctx.Err() != nil || s.turnDone(t) {
			return
		}
		s.turnError(t, "llm_stream", errors.New(streamErr))
		return
	}

	response := strings.TrimSpace(full.String())
	s.emit(codec.LLMDelta{Envelope: s.env(codec.TypeLLMFinal, t.id), Text: response})
	if response != "" {
		s.deps.Memory.Append(s.id, types.Message{Role: types.RoleAssistant, Content: response})
		s.mu.Lock()
		t.assistantText = response
		s.mu.Unlock()
	}

	if len(toolCalls) > 0 && s.deps.Actions != nil {
		s.executeActions(ctx, t, toolCalls)
	}

	switch {
	case speaking:
		if rest := strings.TrimSpace(strings.TrimPrefix(response, prefix)); rest != "" {
			segments <- rest
		}
		close(segments)
		<-speakDone
	case response != "":
		startSpeaking()
		segments <- response
		close(segments)
		<-speakDone
	}

	if response != "" && s.deps.Cache != nil && !s.turnDone(t) {
		s.deps.Cache.Put(s.start.AgentID, t.userText, response)
	}
	s.finishTurn(t, types.TurnComplete)
}

// sentencePrefix returns the first complete sentence of text when it is long
// enough to synthesize on its own.
func sentencePrefix(text string) (string, bool) {
	loc := sentenceBoundaryRe.FindStringIndex(text)
	if loc == nil {
		return "", false
	}
	prefix := strings.TrimSpace(text[:loc[1]])
	if wordCount(prefix) < earlyTTSMinWords {
		return "", false
	}
	return prefix, true
}

// withSystemExtra appends extra grounding context to a copy of the system
// prompt, leaving the stored conversation untouched.
func withSystemExtra(msgs []types.Message, extra string) []types.Message {
	out := make([]types.Message, len(msgs))
	copy(out, msgs)
	if len(out) > 0 && out[0].Role == types.RoleSystem {
		out[0].Content = out[0].Content + "\n\n" + extra
		return out
	}
	return append([]types.Message{{Role: types.RoleSystem, Content: extra}}, out...)
}

// ─── speech ───

// speakSegments applies the endpointing response delay once, then synthesizes
// each segment in order.
func (s *Session) speakSegments(ctx context.Context, t *turn, segments <-chan string) {
	first := true
	for seg := range segments {
		if first {
			first = false
			if !s.waitResponseDelay(ctx, t) {
				// Drain so the producer never blocks.
				for range segments {
				}
				return
			}
		}
		if !s.speakOne(ctx, t, seg) {
			for range segments {
			}
			return
		}
	}
}

// waitResponseDelay sleeps the endpointing delay before speech starts. Under
// strict turn-taking, a user who resumed talking during the delay keeps the
// floor: the turn ends without speaking.
func (s *Session) waitResponseDelay(ctx context.Context, t *turn) bool {
	s.mu.Lock()
	grounded := t.grounded
	s.mu.Unlock()

	delay := s.delays.ResponseDelay(t.userText, grounded)
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
		}
	}

	if s.cfg.Features.StrictTurnTaking {
		s.mu.Lock()
		talking := s.userTalking
		s.mu.Unlock()
		if talking {
			s.log.Debug("user kept the floor, yielding turn", "turn_id", t.id)
			s.finishTurn(t, types.TurnBarged)
			return false
		}
	}
	return true
}

// speakOne synthesizes a single segment and forwards its audio to the client.
// Returns false when the turn should stop speaking.
func (s *Session) speakOne(ctx context.Context, t *turn, text string) bool {
	audioCh, err := s.deps.TTS.Stream(ctx, text, s.ttsOpts)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if m := s.deps.Metrics; m != nil {
			m.RecordProviderError(s.ctx, string(types.CapabilityTTS), s.deps.TTSName)
		}
		s.turnError(t, "tts_stream", err)
		return false
	}

	s.mu.Lock()
	if t.spokenText == "" {
		t.spokenText = text
	} else {
		t.spokenText += " " + text
	}
	t.lastTextAt = time.Now()
	if s.state == StateGeneratingLLM && s.cur == t {
		s.state = StateSpeakingTTS
	}
	s.mu.Unlock()

	for chunk := range audioCh {
		s.mu.Lock()
		if t.done {
			s.mu.Unlock()
			for range audioCh {
			}
			return false
		}
		now := time.Now()
		if t.ttsStartedAt.IsZero() {
			t.ttsStartedAt = now
		}
		if t.firstAudioAt.IsZero() {
			t.firstAudioAt = now
			if m := s.deps.Metrics; m != nil {
				m.TTSFirstAudio.Record(s.ctx, now.Sub(t.startedAt).Seconds())
			}
		}
		t.seq++
		seq := t.seq
		t.pcmBytes += len(chunk)
		t.lastTextAt = now
		s.mu.Unlock()

		hdr := codec.TTSChunkHeader{
			Type:      codec.TypeTTSChunk,
			Seq:       seq,
			Mime:      s.ttsMime,
			SessionID: s.id,
			TurnID:    t.id,
			Ts:        now.UnixMilli(),
		}
		if err := s.deps.Emitter.EmitAudio(hdr, chunk); err != nil {
			s.log.Debug("audio emit failed", "error", err)
			return false
		}
	}
	return ctx.Err() == nil && !s.turnDone(t)
}

// ─── actions ───

// executeActions runs each model-requested tool call and reports the outcome
// to the client.
func (s *Session) executeActions(ctx context.Context, t *turn, calls []types.ToolCall) {
	for _, call := range calls {
		start := time.Now()
		res, err := s.deps.Actions.Execute(ctx, s.start.UserID, call)
		if m := s.deps.Metrics; m != nil {
			m.ActionDuration.Record(s.ctx, time.Since(start).Seconds())
		}
		if err != nil {
			s.log.Warn("action failed", "action", call.Name, "error", err)
			s.emit(codec.ActionExecuted{
				Envelope: s.env(codec.TypeActionExecuted, t.id),
				Action:   call.Name,
				Success:  false,
				Message:  err.Error(),
			})
			continue
		}

		var data json.RawMessage
		if len(res.Data) > 0 {
			if b, merr := json.Marshal(res.Data); merr == nil {
				data = b
			}
		}
		s.emit(codec.ActionExecuted{
			Envelope: s.env(codec.TypeActionExecuted, t.id),
			Action:   res.Action,
			Success:  res.Success,
			Message:  res.Message,
			Data:     data,
		})
	}
}

// ─── first message ───

// speakFirstMessage opens an assistant-speaks-first session: the stored
// greeting plays immediately, or a short one is generated when none is set.
func (s *Session) speakFirstMessage() {
	defer s.wg.Done()

	s.mu.Lock()
	s.turnID++
	tctx, cancel := context.WithCancel(s.ctx)
	t := &turn{id: s.turnID, startedAt: time.Now(), grounded: true, cancel: cancel}
	s.cur = t
	s.state = StateGeneratingLLM
	s.mu.Unlock()

	text := strings.TrimSpace(s.start.FirstMessage)
	if text == "" {
		msgs := s.deps.Memory.Messages(s.id)
		msgs = append(msgs, types.Message{
			Role:    types.RoleUser,
			Content: "Greet the caller in one short sentence and ask how you can help.",
		})
		reply, err := s.deps.LLM.Chat(tctx, msgs, llm.Options{MaxTokens: 80})
		if err != nil {
			s.turnError(t, "llm_greeting", err)
			return
		}
		text = strings.TrimSpace(reply)
	}
	if text == "" {
		s.finishTurn(t, types.TurnComplete)
		return
	}
	s.respond(tctx, t, text)
}

// ─── turn termination ───

// noteFirstToken stamps the first LLM delta for latency accounting.
func (s *Session) noteFirstToken(t *turn) {
	s.mu.Lock()
	if !t.firstTokenAt.IsZero() {
		s.mu.Unlock()
		return
	}
	t.firstTokenAt = time.Now()
	elapsed := t.firstTokenAt.Sub(t.startedAt)
	s.mu.Unlock()
	if m := s.deps.Metrics; m != nil {
		m.LLMFirstToken.Record(s.ctx, elapsed.Seconds())
	}
}

func (s *Session) markGrounded(t *turn) {
	s.mu.Lock()
	t.grounded = true
	s.mu.Unlock()
}

// turnError reports a provider failure and terminates the turn. Cancellation
// from a barge is not an error.
func (s *Session) turnError(t *turn, code string, err error) {
	if s.turnDone(t) {
		return
	}
	s.log.Error("turn failed", "turn_id", t.id, "code", code, "error", err)
	s.emit(codec.ErrorFrame{
		Envelope:    s.env(codec.TypeError, t.id),
		Code:        code,
		Message:     err.Error(),
		Recoverable: true,
	})
	s.finishTurn(t, types.TurnErrored)
}

// finishTurn terminates t exactly once: tts.end, metrics, the audit record,
// and the replay of a deferred or queued final. Idempotent per turn.
func (s *Session) finishTurn(t *turn, outcome types.TurnOutcome) {
	s.mu.Lock()
	if t.done {
		s.mu.Unlock()
		return
	}
	t.done = true
	t.outcome = outcome
	t.cancel()

	m := s.turnMetricsLocked(t)
	if s.cur == t {
		switch outcome {
		case types.TurnBarged:
			s.state = StateBarged
		case types.TurnErrored:
			s.state = StateErrored
		default:
			s.state = StateDone
		}
		s.cur = nil
	}
	deferred := s.deferredFinal
	pending := s.pendingFinal
	s.deferredFinal = ""
	s.pendingFinal = ""
	s.mu.Unlock()

	s.emit(codec.TTSEnd{Envelope: s.env(codec.TypeTTSEnd, t.id), Reason: outcome})

	s.deps.Stats.Record(m, outcome)
	if om := s.deps.Metrics; om != nil {
		om.RecordTurn(s.ctx, string(outcome))
		om.TurnDuration.Record(s.ctx, time.Since(t.startedAt).Seconds())
	}
	s.emit(MetricsUpdate{
		Envelope: s.env(codec.TypeMetricsUpdate, t.id),
		Outcome:  outcome,
		Turn:     m,
		Averages: s.deps.Stats.Averages(),
	})
	s.recordAudit(t, m, outcome)

	// The most recent blocked interruption wins over an older queued final.
	next := deferred
	if next == "" {
		next = pending
	}
	if next != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.acceptFinal(next)
		}()
	}
}

// turnMetricsLocked assembles the latency record for t. Caller holds s.mu.
func (s *Session) turnMetricsLocked(t *turn) types.TurnMetrics {
	m := types.TurnMetrics{
		STTFinalLatencyMs: t.sttFinalLatency.Milliseconds(),
		E2EMs:             time.Since(t.startedAt).Milliseconds(),
	}
	if s.deps.STT != nil {
		m.ConnectLatencyMs = s.deps.STT.ConnectLatency().Milliseconds()
	}
	if !t.firstTokenAt.IsZero() {
		m.LLMFirstTokenMs = t.firstTokenAt.Sub(t.startedAt).Milliseconds()
	}
	if !t.firstAudioAt.IsZero() {
		m.TTSFirstAudioMs = t.firstAudioAt.Sub(t.startedAt).Milliseconds()
	}
	return m
}

// recordAudit writes the turn to the audit log off the hot path.
func (s *Session) recordAudit(t *turn, m types.TurnMetrics, outcome types.TurnOutcome) {
	s.mu.Lock()
	rec := audit.Turn{
		SessionID:     s.id,
		TurnID:        t.id,
		AgentID:       s.start.AgentID,
		UserID:        s.start.UserID,
		UserText:      t.userText,
		AssistantText: t.assistantText,
		Outcome:       outcome,
		LLMProvider:   s.deps.LLMName,
		STTProvider:   s.deps.STTName,
		TTSProvider:   s.deps.TTSName,
		Metrics:       m,
		StartedAt:     t.startedAt,
		EndedAt:       time.Now(),
	}
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()
		if err := s.deps.Audit.RecordTurn(ctx, rec); err != nil {
			s.log.Warn("audit write failed", "error", err)
		}
	}()
}
