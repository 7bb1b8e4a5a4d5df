// Package health tracks provider availability for routing decisions and
// exposes the HTTP liveness/readiness probes.
//
// The central type is [Store], a registry of named provider probes keyed by
// (capability, provider name). Each entry carries a three-state circuit
// breaker (closed → open → half-open): consecutive probe failures open the
// circuit, an open circuit reports the provider unhealthy without probing,
// and after the reset timeout a single probe decides whether it closes again.
// Probe results are cached for a short TTL so the router never blocks a turn
// on a network round trip.
//
// All types are safe for concurrent use.
package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/AroonSharma/woic-agent-server-sub000/pkg/types"
)

// ErrCircuitOpen is returned by [Store.Check] while a provider's circuit is
// open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("health: circuit open")

// ErrUnknownProvider is returned when a (capability, name) pair was never
// registered.
var ErrUnknownProvider = errors.New("health: unknown provider")

// Probe checks whether a provider can serve traffic. It must respect context
// cancellation; the store derives a deadline from [Config.ProbeTimeout].
type Probe func(ctx context.Context) error

// Config holds the tuning knobs for a [Store]. Zero fields fall back to the
// documented defaults.
type Config struct {
	// CacheTTL is how long a probe result stays fresh. Default: 30s.
	CacheTTL time.Duration

	// ProbeTimeout bounds a single probe. Default: 2.5s.
	ProbeTimeout time.Duration

	// MaxFailures is the consecutive-failure count that opens the circuit.
	// Default: 3.
	MaxFailures int

	// ResetTimeout is how long an open circuit rejects before allowing a
	// half-open probe. Default: 60s.
	ResetTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2500 * time.Millisecond
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	return c
}

// State represents the circuit state of a single provider entry.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Key identifies a provider entry in the store.
type Key struct {
	Capability types.Capability
	Name       string
}

// Status is a point-in-time snapshot of one provider entry, served by the
// debug connectivity endpoint.
type Status struct {
	Key       Key       `json:"-"`
	Healthy   bool      `json:"healthy"`
	State     string    `json:"state"`
	LastErr   string    `json:"lastError,omitempty"`
	CheckedAt time.Time `json:"checkedAt,omitzero"`
	LatencyMs int64     `json:"latencyMs"`
}

type entry struct {
	probe Probe

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time

	// cached probe result
	checkedAt time.Time
	lastErr   error
	latency   time.Duration
	probing   bool
	probeDone chan struct{}
}

// Store is the provider health registry.
type Store struct {
	cfg Config

	mu      sync.RWMutex
	entries map[Key]*entry
}

// NewStore creates an empty [Store]. Zero config fields use defaults.
func NewStore(cfg Config) *Store {
	return &Store{
		cfg:     cfg.withDefaults(),
		entries: make(map[Key]*entry),
	}
}

// Register adds a provider probe under (capability, name). Registering the
// same key twice replaces the probe and resets its circuit.
func (s *Store) Register(capability types.Capability, name string, probe Probe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[Key{capability, name}] = &entry{probe: probe}
}

// Check reports whether the provider is currently healthy. A fresh cached
// result is returned without probing. An open circuit returns [ErrCircuitOpen]
// immediately. Otherwise the probe runs under the configured timeout and its
// outcome updates both the cache and the circuit.
//
// Concurrent Check calls for the same stale entry coalesce into a single
// probe; late callers wait for it and read the shared result.
func (s *Store) Check(ctx context.Context, capability types.Capability, name string) error {
	s.mu.RLock()
	e, ok := s.entries[Key{capability, name}]
	s.mu.RUnlock()
	if !ok {
		return ErrUnknownProvider
	}

	for {
		e.mu.Lock()

		if e.state == StateOpen {
			if time.Since(e.lastFailure) < s.cfg.ResetTimeout {
				e.mu.Unlock()
				return ErrCircuitOpen
			}
			e.state = StateHalfOpen
			slog.Info("provider circuit half-open",
				"capability", capability, "provider", name)
		}

		// Fresh cache short-circuits, but a half-open circuit always probes.
		if e.state == StateClosed && time.Since(e.checkedAt) < s.cfg.CacheTTL && !e.checkedAt.IsZero() {
			err := e.lastErr
			e.mu.Unlock()
			return err
		}

		if e.probing {
			done := e.probeDone
			e.mu.Unlock()
			select {
			case <-done:
				continue // re-read the now-fresh cache
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		e.probing = true
		e.probeDone = make(chan struct{})
		e.mu.Unlock()
		break
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	start := time.Now()
	err := e.probe(probeCtx)
	cancel()
	elapsed := time.Since(start)

	e.mu.Lock()
	e.checkedAt = time.Now()
	e.lastErr = err
	e.latency = elapsed
	e.probing = false
	close(e.probeDone)

	if err != nil {
		e.lastFailure = time.Now()
		if e.state == StateHalfOpen {
			e.state = StateOpen
			slog.Warn("provider circuit re-opened",
				"capability", capability, "provider", name, "error", err)
		} else {
			e.consecutiveFail++
			if e.consecutiveFail >= s.cfg.MaxFailures {
				e.state = StateOpen
				slog.Warn("provider circuit opened",
					"capability", capability, "provider", name,
					"consecutive_failures", e.consecutiveFail)
			}
		}
	} else {
		if e.state != StateClosed {
			slog.Info("provider circuit closed",
				"capability", capability, "provider", name)
		}
		e.state = StateClosed
		e.consecutiveFail = 0
	}
	e.mu.Unlock()

	return err
}

// Healthy is a convenience wrapper: true when [Store.Check] returns nil.
func (s *Store) Healthy(ctx context.Context, capability types.Capability, name string) bool {
	return s.Check(ctx, capability, name) == nil
}

// ReportFailure feeds an in-band provider failure (observed during a live
// turn, not a probe) into the circuit. Live failures invalidate the cache so
// the next Check probes again.
func (s *Store) ReportFailure(capability types.Capability, name string, err error) {
	s.mu.RLock()
	e, ok := s.entries[Key{capability, name}]
	s.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastFailure = time.Now()
	e.lastErr = err
	e.checkedAt = time.Time{}
	e.consecutiveFail++
	if e.state != StateOpen && e.consecutiveFail >= s.cfg.MaxFailures {
		e.state = StateOpen
		slog.Warn("provider circuit opened by live failures",
			"capability", capability, "provider", name,
			"consecutive_failures", e.consecutiveFail)
	}
}

// ReportSuccess feeds an in-band success into the circuit, resetting the
// consecutive failure counter.
func (s *Store) ReportSuccess(capability types.Capability, name string) {
	s.mu.RLock()
	e, ok := s.entries[Key{capability, name}]
	s.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFail = 0
	if e.state == StateHalfOpen {
		e.state = StateClosed
	}
}

// Snapshot returns the current status of every registered provider, for the
// connectivity debug endpoint. No probes are run.
func (s *Store) Snapshot() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Status, 0, len(s.entries))
	for key, e := range s.entries {
		e.mu.Lock()
		st := Status{
			Key:       key,
			Healthy:   e.state == StateClosed && e.lastErr == nil,
			State:     e.state.String(),
			CheckedAt: e.checkedAt,
			LatencyMs: e.latency.Milliseconds(),
		}
		if e.lastErr != nil {
			st.LastErr = e.lastErr.Error()
		}
		e.mu.Unlock()
		out = append(out, st)
	}
	return out
}
