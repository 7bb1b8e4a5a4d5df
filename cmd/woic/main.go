// Command woic is the entry point for the woic voice agent gateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/AroonSharma/woic-agent-server-sub000/internal/action"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/audit"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/config"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/gateway"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/health"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/kb"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/observe"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/llm"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/llm/anyllm"
	llmopenai "github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/llm/openai"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/stt"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/stt/deepgram"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/tts"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/tts/elevenlabs"
	ttsopenai "github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/tts/openai"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/types"
)

const (
	version = "0.3.0"

	shutdownTimeout = 10 * time.Second
	sweepInterval   = time.Minute
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "woic: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("woic starting",
		"version", version,
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sdCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(sdCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	store := health.NewStore(health.Config{})
	registerProbes(store, providers)

	// ── Knowledge base (optional) ─────────────────────────────────────────────
	deps := gateway.Deps{
		Config:    cfg,
		Logger:    logger,
		Providers: providers,
		Health:    store,
		Metrics:   metrics,
	}
	if cfg.Features.KB && cfg.KB.BaseURL != "" {
		kbClient, err := kb.New(cfg.KB.BaseURL, cfg.KB.InsufficientSentinel)
		if err != nil {
			slog.Error("failed to create kb client", "err", err)
			return 1
		}
		deps.KB = kbClient
		slog.Info("knowledge base enabled", "base_url", cfg.KB.BaseURL)
	}

	// ── Action layer (optional) ───────────────────────────────────────────────
	if cfg.Features.Actions && len(cfg.Actions.MCPServers) > 0 {
		exec := action.NewExecutor(cfg.Actions)
		if err := exec.Connect(ctx); err != nil {
			slog.Error("failed to connect action servers", "err", err)
			return 1
		}
		defer exec.Close()
		deps.Actions = exec
		slog.Info("action layer connected", "servers", len(cfg.Actions.MCPServers))
	}

	// ── Turn audit (optional) ─────────────────────────────────────────────────
	if dsn := cfg.Audit.PostgresDSN; dsn != "" {
		rec, err := audit.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to open audit store", "err", err)
			return 1
		}
		defer rec.Close()
		deps.Audit = rec
		slog.Info("turn audit enabled")
	}

	// ── Gateway ───────────────────────────────────────────────────────────────
	g, err := gateway.New(deps)
	if err != nil {
		slog.Error("failed to create gateway", "err", err)
		return 1
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           g.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		slog.Info("server ready", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("woic: serve: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("shutting down")
		sdCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sdCtx)
	})

	eg.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-egCtx.Done():
				return nil
			case <-ticker.C:
				if n := g.SweepConversations(); n > 0 {
					slog.Debug("swept idle conversations", "count", n)
				}
			}
		}
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
		return 1
	}

	slog.Info("woic stopped")
	return 0
}

// buildProviders constructs every provider with configured credentials. A
// missing key skips that provider; the gateway requires at least one LLM and
// one TTS backend.
func buildProviders(cfg *config.Config) (gateway.Providers, error) {
	p := gateway.Providers{
		STT: make(map[string]stt.Provider),
		LLM: make(map[string]llm.Provider),
		TTS: make(map[string]tts.Provider),
	}
	creds := cfg.Providers

	if key := creds.DeepgramAPIKey; key != "" {
		opts := []deepgram.Option{deepgram.WithModel(cfg.STT.Model)}
		if creds.DeepgramEndpoint != "" {
			opts = append(opts, deepgram.WithEndpoint(creds.DeepgramEndpoint))
		}
		dg, err := deepgram.New(key, opts...)
		if err != nil {
			return p, fmt.Errorf("woic: deepgram: %w", err)
		}
		p.STT["deepgram"] = dg
	}

	if key := creds.GeminiAPIKey; key != "" {
		gp, err := anyllm.NewGemini("gemini-2.0-flash", anyllmlib.WithAPIKey(key))
		if err != nil {
			return p, fmt.Errorf("woic: gemini: %w", err)
		}
		p.LLM["gemini"] = gp
	}
	if key := creds.AnthropicAPIKey; key != "" {
		ap, err := anyllm.NewAnthropic("claude-3-5-sonnet-latest", anyllmlib.WithAPIKey(key))
		if err != nil {
			return p, fmt.Errorf("woic: anthropic: %w", err)
		}
		p.LLM["anthropic"] = ap
	}
	if key := creds.OpenAIAPIKey; key != "" {
		op, err := llmopenai.New(key, "gpt-4o-mini")
		if err != nil {
			return p, fmt.Errorf("woic: openai llm: %w", err)
		}
		p.LLM["openai"] = op

		ot, err := ttsopenai.New(key)
		if err != nil {
			return p, fmt.Errorf("woic: openai tts: %w", err)
		}
		p.TTS["openai"] = ot
	}

	if key := creds.ElevenLabsAPIKey; key != "" {
		var opts []elevenlabs.Option
		if creds.ElevenLabsVoiceID != "" {
			opts = append(opts, elevenlabs.WithVoice(creds.ElevenLabsVoiceID))
		}
		el, err := elevenlabs.New(key, opts...)
		if err != nil {
			return p, fmt.Errorf("woic: elevenlabs: %w", err)
		}
		p.TTS["elevenlabs"] = el
	}

	slog.Info("providers configured",
		"stt", len(p.STT), "llm", len(p.LLM), "tts", len(p.TTS))
	return p, nil
}

// healthChecker is implemented by providers that can probe their backend.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// registerProbes wires every configured provider's health check into the
// store so the router and readiness endpoints can see it. Providers without a
// probe are assumed healthy.
func registerProbes(store *health.Store, p gateway.Providers) {
	for name, pr := range p.STT {
		probe := func(context.Context) error { return nil }
		if hc, ok := pr.(healthChecker); ok {
			probe = hc.HealthCheck
		}
		store.Register(types.CapabilitySTT, name, probe)
	}
	for name, pr := range p.LLM {
		store.Register(types.CapabilityLLM, name, pr.HealthCheck)
	}
	for name, pr := range p.TTS {
		store.Register(types.CapabilityTTS, name, pr.HealthCheck)
	}
}
