// Package router selects providers per capability based on session tier,
// request complexity, estimated budget, and live provider health.
//
// Selection is deterministic: for a fixed health vector the same inputs
// always produce the same providers and the same reason strings. Reasons are
// part of the contract; the /router/preview endpoint and turn audit rows
// surface them verbatim.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AroonSharma/woic-agent-server-sub000/internal/health"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/types"
)

// EconomyBudgetUSD is the per-turn estimated cost below which LLM selection
// is forced onto the cheapest model.
const EconomyBudgetUSD = 0.002

// ErrNoHealthyProvider is returned when every candidate for a capability is
// unhealthy.
var ErrNoHealthyProvider = errors.New("router: no healthy provider")

// Candidates lists provider names per capability in preference order.
// The defaults match the deployed stack.
var Candidates = map[types.Capability][]string{
	types.CapabilityLLM: {"gemini", "anthropic", "openai"},
	types.CapabilitySTT: {"deepgram"},
	types.CapabilityTTS: {"elevenlabs", "openai"},
}

// Request carries the routing inputs for one turn.
type Request struct {
	Tier       types.Tier
	Complexity types.Complexity

	// BudgetUSD is the estimated cost of the turn. Below
	// [EconomyBudgetUSD] the request is classified economy.
	BudgetUSD float64

	// Override pins a specific provider name per capability
	// (session.start providers block). An unhealthy override falls
	// through to normal selection.
	Override map[types.Capability]string
}

// Selection is the outcome for a single capability.
type Selection struct {
	Capability types.Capability `json:"capability"`
	Provider   string           `json:"provider"`
	Reason     string           `json:"reason"`
}

// Plan is the full routing outcome for a turn.
type Plan struct {
	LLM Selection `json:"llm"`
	STT Selection `json:"stt"`
	TTS Selection `json:"tts"`
}

// HealthChecker is the health interface the router needs.
// *health.Store satisfies it.
type HealthChecker interface {
	Check(ctx context.Context, capability types.Capability, name string) error
}

var _ HealthChecker = (*health.Store)(nil)

// Router selects providers against a health store.
type Router struct {
	store      HealthChecker
	candidates map[types.Capability][]string
}

// New creates a Router over the given health store, using the package-level
// [Candidates] preference orders.
func New(store HealthChecker) *Router {
	return &Router{store: store, candidates: Candidates}
}

// Select builds the routing plan for one turn. STT and TTS always take the
// first healthy candidate; the LLM choice additionally honours tier,
// complexity, and budget. Returns [ErrNoHealthyProvider] (wrapped with the
// capability) when a required capability has no healthy candidate.
func (r *Router) Select(ctx context.Context, req Request) (Plan, error) {
	var plan Plan
	var err error

	if plan.STT, err = r.pick(ctx, types.CapabilitySTT, r.order(types.CapabilitySTT, req, ""), "only speech-to-text provider", req); err != nil {
		return Plan{}, err
	}
	if plan.TTS, err = r.pick(ctx, types.CapabilityTTS, r.order(types.CapabilityTTS, req, ""), "first healthy voice", req); err != nil {
		return Plan{}, err
	}

	preferred, reason := r.llmPreference(req)
	if plan.LLM, err = r.pick(ctx, types.CapabilityLLM, r.order(types.CapabilityLLM, req, preferred), reason, req); err != nil {
		return Plan{}, err
	}

	slog.Debug("routing plan",
		"tier", req.Tier,
		"complexity", req.Complexity,
		"llm", plan.LLM.Provider, "llm_reason", plan.LLM.Reason,
		"stt", plan.STT.Provider,
		"tts", plan.TTS.Provider,
	)
	return plan, nil
}

// llmPreference returns the preferred LLM name and the reason string for the
// tier/complexity/budget combination. An empty name means plain preference
// order.
func (r *Router) llmPreference(req Request) (name, reason string) {
	if req.BudgetUSD > 0 && req.BudgetUSD < EconomyBudgetUSD {
		return "gemini", "economy budget"
	}
	switch req.Tier {
	case types.TierEnterprise:
		return "", "enterprise first healthy"
	case types.TierPro:
		if req.Complexity == types.ComplexityComplex {
			return "anthropic", "pro complex request"
		}
		return "gemini", "pro simple request"
	default:
		return "gemini", "free tier default"
	}
}

// order returns the candidate list for capability with the override (if any)
// first, then the preferred name, then the remaining defaults.
func (r *Router) order(capability types.Capability, req Request, preferred string) []string {
	base := r.candidates[capability]
	out := make([]string, 0, len(base)+1)
	seen := make(map[string]bool, len(base)+1)
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	add(req.Override[capability])
	add(preferred)
	for _, name := range base {
		add(name)
	}
	return out
}

// pick walks the ordered candidates and returns the first healthy one. The
// first candidate gets the supplied reason; fallbacks get a reason naming the
// provider they replaced.
func (r *Router) pick(ctx context.Context, capability types.Capability, order []string, reason string, req Request) (Selection, error) {
	for i, name := range order {
		if err := r.store.Check(ctx, capability, name); err != nil {
			slog.Debug("skipping unhealthy provider",
				"capability", capability, "provider", name, "error", err)
			continue
		}
		sel := Selection{Capability: capability, Provider: name, Reason: reason}
		if override := req.Override[capability]; override != "" && override == name {
			sel.Reason = "session override"
		} else if i > 0 {
			sel.Reason = fmt.Sprintf("fallback from %s", order[0])
		}
		return sel, nil
	}
	return Selection{}, fmt.Errorf("%w: %s", ErrNoHealthyProvider, capability)
}
