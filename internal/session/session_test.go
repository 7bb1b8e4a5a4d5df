package session

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/AroonSharma/woic-agent-server-sub000/internal/codec"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/config"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/memory"
	llmmock "github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/llm/mock"
	ttsmock "github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/tts/mock"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/types"
)

// frameSink records everything the session emits, in order.
type frameSink struct {
	mu     sync.Mutex
	frames []any
	audio  []codec.TTSChunkHeader
	events []string
}

func (f *frameSink) EmitControl(msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, msg)
	f.events = append(f.events, string(frameType(msg)))
	return nil
}

func (f *frameSink) EmitAudio(h codec.TTSChunkHeader, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, h)
	f.events = append(f.events, string(h.Type))
	return nil
}

func frameType(msg any) codec.MessageType {
	switch m := msg.(type) {
	case codec.STTResult:
		return m.Type
	case codec.LLMDelta:
		return m.Type
	case codec.TTSEnd:
		return m.Type
	case codec.ActionExecuted:
		return m.Type
	case codec.ErrorFrame:
		return m.Type
	case codec.SessionEnded:
		return m.Type
	case MetricsUpdate:
		return m.Type
	}
	return "unknown"
}

func (f *frameSink) eventLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	copy(out, f.events)
	return out
}

func (f *frameSink) count(tp codec.MessageType) int {
	n := 0
	for _, e := range f.eventLog() {
		if e == string(tp) {
			n++
		}
	}
	return n
}

func (f *frameSink) ttsEnds() []codec.TTSEnd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []codec.TTSEnd
	for _, fr := range f.frames {
		if end, ok := fr.(codec.TTSEnd); ok {
			out = append(out, end)
		}
	}
	return out
}

func (f *frameSink) llmFinals() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, fr := range f.frames {
		if d, ok := fr.(codec.LLMDelta); ok && d.Type == codec.TypeLLMFinal {
			out = append(out, d.Text)
		}
	}
	return out
}

func (f *frameSink) sttFinals() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, fr := range f.frames {
		if r, ok := fr.(codec.STTResult); ok && r.Type == codec.TypeSTTFinal {
			out = append(out, r.Text)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fastEndpointing keeps response delays out of test runtime.
func fastEndpointing() *codec.Endpointing {
	return &codec.Endpointing{
		PunctuationSeconds: 0.001,
		NoPunctSeconds:     0.001,
		NumberSeconds:      0.001,
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Features.EarlyTTS = false
	return cfg
}

func newTestSession(t *testing.T, cfg *config.Config, start codec.SessionStartData, lp *llmmock.Provider, tp *ttsmock.Provider) (*Session, *frameSink) {
	t.Helper()
	if start.Endpointing == nil {
		start.Endpointing = fastEndpointing()
	}
	sink := &frameSink{}
	s, err := New("sess-1", start, Deps{
		Config:  cfg,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Emitter: sink,
		LLM:     lp,
		TTS:     tp,
		Memory:  memory.NewStore(memory.StoreConfig{}),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	t.Cleanup(func() { _ = s.Close("test done") })
	return s, sink
}

func TestSessionFirstMessageSpokenImmediately(t *testing.T) {
	lp := &llmmock.Provider{}
	tp := &ttsmock.Provider{Chunks: [][]byte{make([]byte, 640)}}
	_, sink := newTestSession(t, testConfig(), codec.SessionStartData{
		SystemPrompt:     "You are a helpful receptionist.",
		FirstMessageMode: types.AssistantSpeaksFirst,
		FirstMessage:     "Hello! How can I help you today?",
	}, lp, tp)

	waitFor(t, "first message tts.end", func() bool {
		return sink.count(codec.TypeTTSEnd) == 1
	})

	if calls := lp.Calls(); len(calls) != 0 {
		t.Errorf("LLM called %d times for a stored first message, want 0", len(calls))
	}
	calls := tp.Calls()
	if len(calls) != 1 || calls[0].Text != "Hello! How can I help you today?" {
		t.Fatalf("tts calls = %+v", calls)
	}
	if ends := sink.ttsEnds(); ends[0].Reason != types.TurnComplete {
		t.Errorf("tts.end reason = %q, want complete", ends[0].Reason)
	}
	if finals := sink.llmFinals(); len(finals) != 1 || finals[0] != "Hello! How can I help you today?" {
		t.Errorf("llm.final frames = %v", finals)
	}
}

func TestSessionTurnFrameOrdering(t *testing.T) {
	lp := &llmmock.Provider{StreamChunks: llmmock.Deltas("We are ", "open nine to five.")}
	tp := &ttsmock.Provider{Chunks: [][]byte{make([]byte, 640)}}
	s, sink := newTestSession(t, testConfig(), codec.SessionStartData{}, lp, tp)

	s.HandleTestUtterance("What are your hours?")
	waitFor(t, "turn completion", func() bool {
		return sink.count(codec.TypeMetricsUpdate) == 1
	})

	want := []string{
		"stt.final",
		"llm.partial", "llm.partial",
		"llm.final",
		"tts.chunk",
		"tts.end",
		"metrics.update",
	}
	if got := sink.eventLog(); !reflect.DeepEqual(got, want) {
		t.Errorf("frame order = %v, want %v", got, want)
	}
	if ends := sink.ttsEnds(); len(ends) != 1 || ends[0].Reason != types.TurnComplete {
		t.Errorf("tts.end frames = %+v", ends)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, h := range sink.audio {
		if h.Seq != int64(i+1) {
			t.Errorf("audio seq[%d] = %d, want %d", i, h.Seq, i+1)
		}
	}
}

func TestSessionDuplicateFinalRunsOneTurn(t *testing.T) {
	lp := &llmmock.Provider{
		StreamChunks: llmmock.Deltas("I can ", "book that ", "for you."),
		ChunkDelay:   30 * time.Millisecond,
	}
	tp := &ttsmock.Provider{Chunks: [][]byte{make([]byte, 640)}}
	s, sink := newTestSession(t, testConfig(), codec.SessionStartData{}, lp, tp)

	s.HandleTestUtterance("book an appointment for tomorrow")
	s.HandleTestUtterance("book an appointment for tomorrow.")

	waitFor(t, "turn completion", func() bool {
		return sink.count(codec.TypeTTSEnd) >= 1
	})
	// Give a second spurious turn a moment to appear if the dedup failed.
	time.Sleep(100 * time.Millisecond)

	if got := len(lp.Calls()); got != 1 {
		t.Errorf("LLM called %d times, want 1", got)
	}
	if got := sink.count(codec.TypeTTSEnd); got != 1 {
		t.Errorf("tts.end count = %d, want 1", got)
	}
	if finals := sink.sttFinals(); len(finals) != 1 {
		t.Errorf("stt.final frames = %v, want exactly one", finals)
	}
}

func TestSessionStopPhraseBargesIn(t *testing.T) {
	lp := &llmmock.Provider{StreamChunks: llmmock.Deltas("Once upon a time there was a very long story indeed.")}
	tp := &ttsmock.Provider{
		Chunks:     manyChunks(50),
		ChunkDelay: 10 * time.Millisecond,
	}
	s, sink := newTestSession(t, testConfig(), codec.SessionStartData{}, lp, tp)

	s.HandleTestUtterance("tell me a story")
	waitFor(t, "speech to start", func() bool {
		return sink.count(codec.TypeTTSChunk) >= 2
	})

	s.HandleTestUtterance("stop")
	waitFor(t, "barge tts.end", func() bool {
		ends := sink.ttsEnds()
		return len(ends) >= 1 && ends[0].Reason == types.TurnBarged
	})

	// The interrupting utterance becomes the next turn.
	waitFor(t, "follow-up turn", func() bool {
		return len(lp.Calls()) == 2
	})
}

func TestSessionShortUtteranceDeferredUntilTurnEnds(t *testing.T) {
	cfg := testConfig()
	cfg.TTS.MinDuration = 0
	lp := &llmmock.Provider{StreamChunks: llmmock.Deltas("Thanks for calling us today and welcome.")}
	tp := &ttsmock.Provider{
		Chunks:     manyChunks(20),
		ChunkDelay: 10 * time.Millisecond,
	}
	s, sink := newTestSession(t, cfg, codec.SessionStartData{}, lp, tp)

	s.HandleTestUtterance("hello there can you help me")
	waitFor(t, "speech to start", func() bool {
		return sink.count(codec.TypeTTSChunk) >= 2
	})

	// One word, no stop phrase: blocked, deferred, replayed after tts.end.
	s.HandleTestUtterance("okay")

	waitFor(t, "both turns to finish", func() bool {
		return sink.count(codec.TypeTTSEnd) == 2
	})
	ends := sink.ttsEnds()
	if ends[0].Reason != types.TurnComplete {
		t.Errorf("first tts.end reason = %q, want complete", ends[0].Reason)
	}
	finals := sink.sttFinals()
	if len(finals) != 2 || finals[1] != "okay" {
		t.Errorf("stt.final frames = %v, want deferred %q replayed", finals, "okay")
	}
}

func TestSessionProtectedNumberBlocksBarge(t *testing.T) {
	cfg := testConfig()
	cfg.TTS.MinDuration = 0
	lp := &llmmock.Provider{
		StreamChunks: llmmock.Deltas("You can reach us at 1-800-555-1212 any time."),
	}
	tp := &ttsmock.Provider{
		Chunks:     manyChunks(20),
		ChunkDelay: 10 * time.Millisecond,
	}
	s, sink := newTestSession(t, cfg, codec.SessionStartData{}, lp, tp)

	s.HandleTestUtterance("what is your phone number")
	waitFor(t, "speech to start", func() bool {
		return sink.count(codec.TypeTTSChunk) >= 2
	})

	s.HandleTestUtterance("could you repeat that for me please")

	waitFor(t, "both turns to finish", func() bool {
		return sink.count(codec.TypeTTSEnd) == 2
	})
	// The number must have played to the end before the deferred final ran.
	if ends := sink.ttsEnds(); ends[0].Reason != types.TurnComplete {
		t.Errorf("first tts.end reason = %q, want complete", ends[0].Reason)
	}
}

func TestSessionResponseCacheSkipsSecondLLMCall(t *testing.T) {
	lp := &llmmock.Provider{StreamChunks: llmmock.Deltas("We open at nine.")}
	tp := &ttsmock.Provider{Chunks: [][]byte{make([]byte, 640)}}

	sink := &frameSink{}
	s, err := New("sess-1", codec.SessionStartData{
		AgentID:     "agent-7",
		Endpointing: fastEndpointing(),
	}, Deps{
		Config:  testConfig(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Emitter: sink,
		LLM:     lp,
		TTS:     tp,
		Memory:  memory.NewStore(memory.StoreConfig{}),
		Cache:   memory.NewResponseCache(5*time.Minute, 16),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	t.Cleanup(func() { _ = s.Close("test done") })

	s.HandleTestUtterance("what time do you open")
	waitFor(t, "first turn", func() bool { return sink.count(codec.TypeTTSEnd) == 1 })

	s.HandleTestUtterance("what time do you open")
	waitFor(t, "second turn", func() bool { return sink.count(codec.TypeTTSEnd) == 2 })

	if got := len(lp.Calls()); got != 1 {
		t.Errorf("LLM called %d times, want 1 (second answer from cache)", got)
	}
	finals := sink.llmFinals()
	if len(finals) != 2 || finals[0] != finals[1] {
		t.Errorf("llm.final frames = %v, want the cached text twice", finals)
	}
}

type fakeKB struct {
	answer string
	chunks []string
	err    error
}

func (k *fakeKB) GroundedAnswer(ctx context.Context, query, agentID string) (string, []string, error) {
	return k.answer, k.chunks, k.err
}

func (k *fakeKB) Confident(answer string) bool { return len(answer) > 20 }

func TestSessionKBAnswersWithoutLLM(t *testing.T) {
	cfg := testConfig()
	cfg.Features.KB = true
	lp := &llmmock.Provider{StreamChunks: llmmock.Deltas("should not be used")}
	tp := &ttsmock.Provider{Chunks: [][]byte{make([]byte, 640)}}

	answer := "We are open every weekday from nine until five."
	sink := &frameSink{}
	s, err := New("sess-1", codec.SessionStartData{
		AgentID:     "agent-7",
		Endpointing: fastEndpointing(),
	}, Deps{
		Config:  cfg,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Emitter: sink,
		LLM:     lp,
		TTS:     tp,
		Memory:  memory.NewStore(memory.StoreConfig{}),
		KB:      &fakeKB{answer: answer},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	t.Cleanup(func() { _ = s.Close("test done") })

	s.HandleTestUtterance("what are your hours")
	waitFor(t, "grounded turn", func() bool { return sink.count(codec.TypeTTSEnd) == 1 })

	if got := len(lp.Calls()); got != 0 {
		t.Errorf("LLM called %d times, want 0", got)
	}
	if finals := sink.llmFinals(); len(finals) != 1 || finals[0] != answer {
		t.Errorf("llm.final frames = %v, want the grounded answer", finals)
	}
	if calls := tp.Calls(); len(calls) != 1 || calls[0].Text != answer {
		t.Errorf("tts calls = %+v, want the grounded answer", calls)
	}
}

func TestSessionEarlyTTSSplitsResponse(t *testing.T) {
	cfg := testConfig()
	cfg.Features.EarlyTTS = true
	lp := &llmmock.Provider{
		StreamChunks: llmmock.Deltas(
			"We are open every weekday from nine. ",
			"Weekends we are closed.",
		),
		ChunkDelay: 10 * time.Millisecond,
	}
	tp := &ttsmock.Provider{Chunks: [][]byte{make([]byte, 640)}}
	s, sink := newTestSession(t, cfg, codec.SessionStartData{}, lp, tp)

	s.HandleTestUtterance("when are you open")
	waitFor(t, "turn completion", func() bool { return sink.count(codec.TypeTTSEnd) == 1 })

	calls := tp.Calls()
	if len(calls) != 2 {
		t.Fatalf("tts calls = %d, want 2 (prefix plus remainder)", len(calls))
	}
	if calls[0].Text != "We are open every weekday from nine." {
		t.Errorf("prefix = %q", calls[0].Text)
	}
	if calls[1].Text != "Weekends we are closed." {
		t.Errorf("remainder = %q", calls[1].Text)
	}
	if ends := sink.ttsEnds(); len(ends) != 1 || ends[0].Reason != types.TurnComplete {
		t.Errorf("tts.end frames = %+v, want exactly one complete", ends)
	}
}

func TestSessionCloseEmitsSessionEnded(t *testing.T) {
	lp := &llmmock.Provider{}
	tp := &ttsmock.Provider{}
	s, sink := newTestSession(t, testConfig(), codec.SessionStartData{}, lp, tp)

	if err := s.Close("client disconnect"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	last := sink.frames[len(sink.frames)-1]
	ended, ok := last.(codec.SessionEnded)
	if !ok || ended.Reason != "client disconnect" {
		t.Errorf("last frame = %+v, want session.ended with reason", last)
	}
}

func manyChunks(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = make([]byte, 640)
	}
	return out
}
