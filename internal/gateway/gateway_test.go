package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/AroonSharma/woic-agent-server-sub000/internal/codec"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/config"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/health"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/router"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/llm"
	llmmock "github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/llm/mock"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/tts"
	ttsmock "github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/tts/mock"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestGateway builds a gateway with mock LLM and TTS providers and an
// optional health store.
func newTestGateway(t *testing.T, cfg *config.Config, store *health.Store) *Gateway {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	lp := &llmmock.Provider{StreamChunks: llmmock.Deltas("Hi! ", "How can I help?")}
	tp := &ttsmock.Provider{Chunks: [][]byte{make([]byte, 640)}}
	g, err := New(Deps{
		Config: cfg,
		Logger: quietLogger(),
		Providers: Providers{
			LLM: map[string]llm.Provider{"gemini": lp},
			TTS: map[string]tts.Provider{"elevenlabs": tp},
		},
		Health: store,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestNewRequiresProviders(t *testing.T) {
	_, err := New(Deps{Config: config.Default(), Logger: quietLogger()})
	if err == nil {
		t.Fatal("New accepted a gateway with no providers")
	}
}

func TestFlagStatusEndpoint(t *testing.T) {
	cfg := config.Default()
	cfg.Features.EarlyTTS = true
	g := newTestGateway(t, cfg, nil)

	ts := httptest.NewServer(g.Mux())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/flag-status")
	if err != nil {
		t.Fatalf("GET /flag-status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var flags map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&flags); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if flags["earlyTTS"] != true {
		t.Errorf("earlyTTS = %v, want true", flags["earlyTTS"])
	}
	if _, ok := flags["responseCacheTTL"]; !ok {
		t.Error("responseCacheTTL missing from flag status")
	}
}

func TestRouterPreviewEndpoint(t *testing.T) {
	store := health.NewStore(health.Config{})
	healthy := func(ctx context.Context) error { return nil }
	for _, name := range router.Candidates[types.CapabilityLLM] {
		store.Register(types.CapabilityLLM, name, healthy)
	}
	store.Register(types.CapabilitySTT, "deepgram", healthy)
	store.Register(types.CapabilityTTS, "elevenlabs", healthy)

	cfg := config.Default()
	cfg.Features.ProviderRouter = true
	g := newTestGateway(t, cfg, store)
	ts := httptest.NewServer(g.Mux())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/router/preview?tier=pro&complexity=complex")
	if err != nil {
		t.Fatalf("GET /router/preview: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var plan router.Plan
	if err := json.NewDecoder(resp.Body).Decode(&plan); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if plan.LLM.Provider != "anthropic" {
		t.Errorf("LLM provider = %q, want anthropic for pro/complex", plan.LLM.Provider)
	}
	if plan.LLM.Reason != "pro complex request" {
		t.Errorf("LLM reason = %q", plan.LLM.Reason)
	}
	if plan.STT.Provider != "deepgram" {
		t.Errorf("STT provider = %q, want deepgram", plan.STT.Provider)
	}
}

func TestRouterPreviewRejectsBadInput(t *testing.T) {
	store := health.NewStore(health.Config{})
	cfg := config.Default()
	cfg.Features.ProviderRouter = true
	g := newTestGateway(t, cfg, store)
	ts := httptest.NewServer(g.Mux())
	t.Cleanup(ts.Close)

	for _, query := range []string{"?tier=platinum", "?complexity=extreme", "?budgetUSD=abc", "?budgetUSD=-1"} {
		resp, err := http.Get(ts.URL + "/router/preview" + query)
		if err != nil {
			t.Fatalf("GET %s: %v", query, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", query, resp.StatusCode)
		}
	}
}

func TestRouterPreviewDisabled(t *testing.T) {
	g := newTestGateway(t, nil, nil) // no health store: router disabled
	ts := httptest.NewServer(g.Mux())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/router/preview")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestAgentRejectsMissingBearerToken(t *testing.T) {
	cfg := config.Default()
	cfg.Server.AgentWSToken = "hunter2"
	g := newTestGateway(t, cfg, nil)
	ts := httptest.NewServer(g.Mux())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, _, err := websocket.Dial(ctx, ts.URL+"/agent", nil); err == nil {
		t.Fatal("dial succeeded without a token, want handshake failure")
	}

	ws, _, err := websocket.Dial(ctx, ts.URL+"/agent?token=hunter2", nil)
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	_ = ws.Close(websocket.StatusNormalClosure, "")

	ws, _, err = websocket.Dial(ctx, ts.URL+"/agent", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer hunter2"}},
	})
	if err != nil {
		t.Fatalf("dial with bearer header: %v", err)
	}
	_ = ws.Close(websocket.StatusNormalClosure, "")
}

func TestAgentConnectionLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Server.MaxConnections = 1
	g := newTestGateway(t, cfg, nil)
	ts := httptest.NewServer(g.Mux())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	first, _, err := websocket.Dial(ctx, ts.URL+"/agent", nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close(websocket.StatusNormalClosure, "")

	second, _, err := websocket.Dial(ctx, ts.URL+"/agent", nil)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer second.Close(websocket.StatusNormalClosure, "")

	_, _, err = second.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusTryAgainLater {
		t.Errorf("second connection close status = %v, want StatusTryAgainLater (err: %v)",
			websocket.CloseStatus(err), err)
	}
}

const fastEndpointing = `"endpointing":{"waitSeconds":0.001,"onPunctuationSeconds":0.001,` +
	`"onNoPunctuationSeconds":0.001,"onNumberSeconds":0.001}`

func TestAgentSessionOverWebSocket(t *testing.T) {
	cfg := config.Default()
	cfg.Server.TestHooksEnabled = true
	cfg.Features.EarlyTTS = false
	g := newTestGateway(t, cfg, nil)
	ts := httptest.NewServer(g.Mux())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, ts.URL+"/agent", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	start := `{"type":"session.start","sessionId":"sess-ws-1","data":{` + fastEndpointing + `}}`
	if err := ws.Write(ctx, websocket.MessageText, []byte(start)); err != nil {
		t.Fatalf("write session.start: %v", err)
	}
	utter := `{"type":"test.utterance","data":{"text":"hello there"}}`
	if err := ws.Write(ctx, websocket.MessageText, []byte(utter)); err != nil {
		t.Fatalf("write test.utterance: %v", err)
	}

	wire := codec.New(codec.Limits{})
	var events []string
	var audioFrames int
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("read (events so far %v): %v", events, err)
		}
		if typ == websocket.MessageBinary {
			hdrRaw, payload, derr := wire.Decode(data)
			if derr != nil {
				t.Fatalf("decode binary frame: %v", derr)
			}
			var hdr codec.TTSChunkHeader
			if jerr := json.Unmarshal(hdrRaw, &hdr); jerr != nil {
				t.Fatalf("unmarshal tts header: %v", jerr)
			}
			if hdr.Type != codec.TypeTTSChunk {
				t.Fatalf("binary header type = %q, want tts.chunk", hdr.Type)
			}
			if hdr.SessionID != "sess-ws-1" {
				t.Errorf("tts header sessionId = %q", hdr.SessionID)
			}
			if len(payload) == 0 {
				t.Error("empty tts payload")
			}
			audioFrames++
			events = append(events, string(hdr.Type))
			continue
		}

		var env codec.Envelope
		if jerr := json.Unmarshal(data, &env); jerr != nil {
			t.Fatalf("unmarshal control frame: %v", jerr)
		}
		if env.Type == codec.TypeError {
			t.Fatalf("received error frame: %s", data)
		}
		events = append(events, string(env.Type))
		if env.Type == codec.TypeTTSEnd {
			break
		}
	}

	if audioFrames == 0 {
		t.Error("no tts.chunk frames received")
	}
	assertContainsInOrder(t, events, "stt.final", "llm.final", "tts.chunk", "tts.end")
}

func TestAgentOversizedFrameIsRecoverable(t *testing.T) {
	cfg := config.Default()
	cfg.Server.TestHooksEnabled = true
	cfg.Safety.MaxFrameBytes = 2048
	cfg.Safety.MaxJSONBytes = 1024
	g := newTestGateway(t, cfg, nil)
	ts := httptest.NewServer(g.Mux())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, ts.URL+"/agent", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	start := `{"type":"session.start","sessionId":"sess-big-1","data":{` + fastEndpointing + `}}`
	if err := ws.Write(ctx, websocket.MessageText, []byte(start)); err != nil {
		t.Fatalf("write session.start: %v", err)
	}

	// A binary frame over the cap must yield a recoverable error frame, not a
	// transport close.
	if err := ws.Write(ctx, websocket.MessageBinary, make([]byte, 3000)); err != nil {
		t.Fatalf("write oversized frame: %v", err)
	}
	frame := readErrorFrame(t, ctx, ws)
	if frame.Code != "payload_too_large" {
		t.Errorf("error code = %q, want payload_too_large", frame.Code)
	}
	if !frame.Recoverable {
		t.Error("oversized frame error marked unrecoverable")
	}

	// The connection and session keep working afterwards.
	utter := `{"type":"test.utterance","data":{"text":"still alive"}}`
	if err := ws.Write(ctx, websocket.MessageText, []byte(utter)); err != nil {
		t.Fatalf("write test.utterance: %v", err)
	}
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("read after oversized frame: %v", err)
		}
		if typ == websocket.MessageBinary {
			continue
		}
		var env codec.Envelope
		if jerr := json.Unmarshal(data, &env); jerr != nil {
			t.Fatalf("unmarshal: %v", jerr)
		}
		if env.Type == codec.TypeError {
			t.Fatalf("unexpected error frame: %s", data)
		}
		if env.Type == codec.TypeSTTFinal {
			return
		}
	}
}

func TestMetricsEndpointContentNegotiation(t *testing.T) {
	g := newTestGateway(t, nil, nil)
	ts := httptest.NewServer(g.Mux())
	t.Cleanup(ts.Close)

	// JSON clients get the live counters.
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/metrics", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /metrics (json): %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var stats struct {
		ActiveConnections *int             `json:"activeConnections"`
		Totals            map[string]int64 `json:"totals"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.ActiveConnections == nil {
		t.Error("activeConnections missing from json metrics")
	}
	for _, key := range []string{"turns", "barges", "errors"} {
		if _, ok := stats.Totals[key]; !ok {
			t.Errorf("totals missing %q", key)
		}
	}

	// Everyone else gets the Prometheus exposition format.
	resp2, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp2.StatusCode)
	}
	if ct := resp2.Header.Get("Content-Type"); strings.Contains(ct, "application/json") {
		t.Errorf("Content-Type = %q, want Prometheus text exposition", ct)
	}
}

func TestAgentTestUtteranceRequiresHooks(t *testing.T) {
	g := newTestGateway(t, nil, nil) // hooks disabled by default
	ts := httptest.NewServer(g.Mux())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, ts.URL+"/agent", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	utter := `{"type":"test.utterance","data":{"text":"hello"}}`
	if err := ws.Write(ctx, websocket.MessageText, []byte(utter)); err != nil {
		t.Fatalf("write: %v", err)
	}

	frame := readErrorFrame(t, ctx, ws)
	if frame.Code != "test_hooks_disabled" {
		t.Errorf("error code = %q, want test_hooks_disabled", frame.Code)
	}
}

func TestAgentSessionTokenEnforced(t *testing.T) {
	cfg := config.Default()
	cfg.Server.SessionJWTSecret = "top-secret"
	cfg.Server.TestHooksEnabled = true
	g := newTestGateway(t, cfg, nil)
	ts := httptest.NewServer(g.Mux())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Missing token: error frame then a policy-violation close.
	ws, _, err := websocket.Dial(ctx, ts.URL+"/agent", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	start := `{"type":"session.start","sessionId":"sess-1","data":{}}`
	if err := ws.Write(ctx, websocket.MessageText, []byte(start)); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readErrorFrame(t, ctx, ws)
	if frame.Code != "unauthorized" {
		t.Errorf("error code = %q, want unauthorized", frame.Code)
	}
	if _, _, err = ws.Read(ctx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want StatusPolicyViolation", websocket.CloseStatus(err))
	}
	_ = ws.Close(websocket.StatusNormalClosure, "")

	// A signed token for the right session id opens the session.
	tok, err := SignSessionToken([]byte("top-secret"), "sess-2", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("SignSessionToken: %v", err)
	}
	ws, _, err = websocket.Dial(ctx, ts.URL+"/agent", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	start = `{"type":"session.start","sessionId":"sess-2","data":{"token":"` + tok + `",` + fastEndpointing + `}}`
	if err := ws.Write(ctx, websocket.MessageText, []byte(start)); err != nil {
		t.Fatalf("write: %v", err)
	}
	utter := `{"type":"test.utterance","data":{"text":"hello"}}`
	if err := ws.Write(ctx, websocket.MessageText, []byte(utter)); err != nil {
		t.Fatalf("write: %v", err)
	}

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if typ == websocket.MessageBinary {
			continue
		}
		var env codec.Envelope
		if jerr := json.Unmarshal(data, &env); jerr != nil {
			t.Fatalf("unmarshal: %v", jerr)
		}
		if env.Type == codec.TypeError {
			t.Fatalf("received error frame with valid token: %s", data)
		}
		if env.Type == codec.TypeSTTFinal {
			return
		}
	}
}

// readErrorFrame reads control frames until an error frame arrives.
func readErrorFrame(t *testing.T, ctx context.Context, ws *websocket.Conn) codec.ErrorFrame {
	t.Helper()
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var frame codec.ErrorFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if frame.Type == codec.TypeError {
			return frame
		}
	}
}

// assertContainsInOrder checks that wants appear within events in order,
// allowing other events in between.
func assertContainsInOrder(t *testing.T, events []string, wants ...string) {
	t.Helper()
	i := 0
	for _, e := range events {
		if i < len(wants) && e == wants[i] {
			i++
		}
	}
	if i != len(wants) {
		t.Errorf("events %v missing ordered subsequence %v", events, wants)
	}
}
