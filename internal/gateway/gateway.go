// Package gateway is the network edge of the voice agent server: the /agent
// WebSocket endpoint that speaks the wire protocol, and the HTTP sidecar with
// health, metrics, and debug surfaces.
//
// Each accepted connection hosts at most one session. The gateway owns the
// shared infrastructure — provider registries, the health store, the provider
// router, conversation memory, and the response cache — and wires a
// [session.Session] per session.start.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AroonSharma/woic-agent-server-sub000/internal/audit"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/codec"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/config"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/health"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/memory"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/observe"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/router"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/session"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/llm"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/stt"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/tts"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/types"
)

// Providers are the configured backends per capability, keyed by the names
// the router selects between.
type Providers struct {
	STT map[string]stt.Provider
	LLM map[string]llm.Provider
	TTS map[string]tts.Provider
}

// Deps bundles the gateway's collaborators. Config, Logger, and at least one
// LLM and TTS provider are required.
type Deps struct {
	Config    *config.Config
	Logger    *slog.Logger
	Providers Providers

	Health  *health.Store
	KB      session.Grounder
	Actions session.ActionRunner
	Audit   audit.Recorder
	Metrics *observe.Metrics
}

// Gateway hosts the WebSocket endpoint and the HTTP sidecar.
type Gateway struct {
	cfg   *config.Config
	log   *slog.Logger
	codec *codec.Codec

	providers Providers
	health    *health.Store
	healthH   *health.Handler
	router    *router.Router

	memory *memory.Store
	cache  *memory.ResponseCache
	stats  *session.TurnStats

	kb      session.Grounder
	actions session.ActionRunner
	audit   audit.Recorder
	metrics *observe.Metrics

	mu    sync.Mutex
	conns int
}

// New builds a Gateway. The health store is optional; without it the router
// is disabled and the first configured provider per capability is used.
func New(deps Deps) (*Gateway, error) {
	var errs []error
	if deps.Config == nil {
		errs = append(errs, errors.New("gateway: config is required"))
	}
	if len(deps.Providers.LLM) == 0 {
		errs = append(errs, errors.New("gateway: at least one llm provider is required"))
	}
	if len(deps.Providers.TTS) == 0 {
		errs = append(errs, errors.New("gateway: at least one tts provider is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Audit == nil {
		deps.Audit = audit.Noop{}
	}

	cfg := deps.Config
	g := &Gateway{
		cfg: cfg,
		log: deps.Logger,
		codec: codec.New(codec.Limits{
			MaxFrameBytes: cfg.Safety.MaxFrameBytes,
			MaxJSONBytes:  cfg.Safety.MaxJSONBytes,
		}),
		providers: deps.Providers,
		health:    deps.Health,
		memory: memory.NewStore(memory.StoreConfig{
			MaxMessages:      cfg.Safety.ConversationMax,
			MaxConversations: cfg.Safety.ConversationStoreMax,
			TTL:              cfg.Safety.ConversationTTL,
		}),
		stats:   session.NewTurnStats(),
		kb:      deps.KB,
		actions: deps.Actions,
		audit:   deps.Audit,
		metrics: deps.Metrics,
	}
	if ttl := cfg.Features.ResponseCacheTTL; ttl > 0 {
		g.cache = memory.NewResponseCache(ttl, 512)
	}
	if deps.Health != nil {
		g.router = router.New(deps.Health)
		g.healthH = health.NewHandler(deps.Health,
			[]types.Capability{types.CapabilitySTT, types.CapabilityLLM, types.CapabilityTTS},
			g.providerNames())
	}
	return g, nil
}

// providerNames lists the configured provider names per capability, sorted
// for deterministic health reporting.
func (g *Gateway) providerNames() map[types.Capability][]string {
	names := make(map[types.Capability][]string, 3)
	for name := range g.providers.STT {
		names[types.CapabilitySTT] = append(names[types.CapabilitySTT], name)
	}
	for name := range g.providers.LLM {
		names[types.CapabilityLLM] = append(names[types.CapabilityLLM], name)
	}
	for name := range g.providers.TTS {
		names[types.CapabilityTTS] = append(names[types.CapabilityTTS], name)
	}
	for _, list := range names {
		sort.Strings(list)
	}
	return names
}

// Mux returns the full HTTP surface: /agent plus the observability sidecar.
func (g *Gateway) Mux() *http.ServeMux {
	side := http.NewServeMux()
	if g.healthH != nil {
		g.healthH.Register(side)
	} else {
		side.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
	}
	// /metrics is content negotiated: JSON live counters for clients that ask
	// for them, Prometheus text exposition for everyone else. /stats always
	// serves the JSON form.
	prom := promhttp.Handler()
	side.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Accept"), "application/json") {
			g.handleStats(w, r)
			return
		}
		prom.ServeHTTP(w, r)
	})
	side.HandleFunc("/stats", g.handleStats)
	side.HandleFunc("/flag-status", g.handleFlagStatus)
	side.HandleFunc("/router/preview", g.handleRouterPreview)

	var sidecar http.Handler = side
	if g.metrics != nil {
		sidecar = observe.Middleware(g.metrics)(side)
	}

	// /agent stays outside the middleware: WebSocket upgrades hijack the
	// connection and must not go through a wrapping ResponseWriter.
	root := http.NewServeMux()
	root.HandleFunc("/agent", g.handleAgent)
	root.Handle("/", sidecar)
	return root
}

// SweepConversations expires idle conversations. The main loop runs this on a
// ticker.
func (g *Gateway) SweepConversations() int {
	return g.memory.Sweep()
}

// Stats exposes the shared turn statistics collector.
func (g *Gateway) Stats() *session.TurnStats { return g.stats }

// ─── connection accounting ───

func (g *Gateway) acquireConn() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if max := g.cfg.Server.MaxConnections; max > 0 && g.conns >= max {
		return false
	}
	g.conns++
	return true
}

func (g *Gateway) releaseConn() {
	g.mu.Lock()
	g.conns--
	g.mu.Unlock()
}

// ConnectionCount reports the number of live WebSocket connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns
}

// ─── routing ───

// plan selects providers for a new session: through the router when enabled,
// otherwise the first configured candidate per capability.
func (g *Gateway) plan(ctx context.Context, data codec.SessionStartData) (router.Plan, error) {
	if g.router == nil || !g.cfg.Features.ProviderRouter {
		return router.Plan{
			STT: g.defaultSelection(types.CapabilitySTT),
			LLM: g.defaultSelection(types.CapabilityLLM),
			TTS: g.defaultSelection(types.CapabilityTTS),
		}, nil
	}

	req := router.Request{
		Tier:       types.TierFree,
		Complexity: types.ComplexitySimple,
	}
	if p := data.Providers; p != nil && g.cfg.Features.MultiProvider {
		ov := make(map[types.Capability]string, 3)
		if p.LLM != nil && p.LLM.Type != "" {
			ov[types.CapabilityLLM] = p.LLM.Type
		}
		if p.STT != nil && p.STT.Type != "" {
			ov[types.CapabilitySTT] = p.STT.Type
		}
		if p.TTS != nil && p.TTS.Type != "" {
			ov[types.CapabilityTTS] = p.TTS.Type
		}
		req.Override = ov
	}
	return g.router.Select(ctx, req)
}

// defaultSelection picks the first router candidate that is actually
// configured, falling back to any configured name.
func (g *Gateway) defaultSelection(capability types.Capability) router.Selection {
	sel := router.Selection{Capability: capability, Reason: "router disabled"}
	configured := func(name string) bool {
		switch capability {
		case types.CapabilitySTT:
			_, ok := g.providers.STT[name]
			return ok
		case types.CapabilityLLM:
			_, ok := g.providers.LLM[name]
			return ok
		default:
			_, ok := g.providers.TTS[name]
			return ok
		}
	}
	for _, name := range router.Candidates[capability] {
		if configured(name) {
			sel.Provider = name
			return sel
		}
	}
	if names := g.providerNames()[capability]; len(names) > 0 {
		sel.Provider = names[0]
	}
	return sel
}

// ─── sidecar handlers ───

// handleStats serves the live turn counters: totals, the last turn's
// latencies, rolling averages, and the configured provider names.
func (g *Gateway) handleStats(w http.ResponseWriter, _ *http.Request) {
	turns, barges, errCount := g.stats.Totals()
	writeJSON(w, http.StatusOK, map[string]any{
		"activeConnections": g.ConnectionCount(),
		"totals": map[string]int64{
			"turns":  turns,
			"barges": barges,
			"errors": errCount,
		},
		"last":      g.stats.Last(),
		"averages":  g.stats.Averages(),
		"providers": g.providerNames(),
	})
}

func (g *Gateway) handleFlagStatus(w http.ResponseWriter, _ *http.Request) {
	f := g.cfg.Features
	writeJSON(w, http.StatusOK, map[string]any{
		"multiProvider":    f.MultiProvider,
		"providerRouter":   f.ProviderRouter,
		"earlyLLM":         f.EarlyLLM,
		"earlyTTS":         f.EarlyTTS,
		"strictTurnTaking": f.StrictTurnTaking,
		"partialBarge":     f.PartialBarge,
		"actions":          f.Actions,
		"kb":               f.KB,
		"responseCacheTTL": f.ResponseCacheTTL.String(),
	})
}

// handleRouterPreview dry-runs provider selection for the given tier,
// complexity, and budget without opening a session.
func (g *Gateway) handleRouterPreview(w http.ResponseWriter, r *http.Request) {
	if g.router == nil || !g.cfg.Features.ProviderRouter {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "provider router disabled"})
		return
	}

	q := r.URL.Query()
	req := router.Request{
		Tier:       types.TierFree,
		Complexity: types.ComplexitySimple,
	}
	if t := types.Tier(q.Get("tier")); t != "" {
		if !t.IsValid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown tier %q", t)})
			return
		}
		req.Tier = t
	}
	if c := types.Complexity(q.Get("complexity")); c != "" {
		if !c.IsValid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown complexity %q", c)})
			return
		}
		req.Complexity = c
	}
	if b := q.Get("budgetUSD"); b != "" {
		v, err := strconv.ParseFloat(b, 64)
		if err != nil || v < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("bad budgetUSD %q", b)})
			return
		}
		req.BudgetUSD = v
	}

	plan, err := g.router.Select(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
