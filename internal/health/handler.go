package health

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/AroonSharma/woic-agent-server-sub000/pkg/types"
)

// Handler serves the /healthz liveness probe, the /readyz readiness probe,
// and the /debug/connectivity provider snapshot. Readiness passes when at
// least one provider per required capability is healthy.
type Handler struct {
	store    *Store
	required []types.Capability
	names    map[types.Capability][]string
}

// NewHandler creates a Handler over store. required lists the capabilities
// readiness depends on; names maps each capability to its registered provider
// names in preference order.
func NewHandler(store *Store, required []types.Capability, names map[types.Capability][]string) *Handler {
	return &Handler{store: store, required: required, names: names}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every required capability has at least one
// healthy provider. Each capability appears in the "checks" map with the name
// of the first healthy provider, or "fail" when none responds.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.required))
	allOK := true

	for _, capability := range h.required {
		name, err := h.firstHealthy(r.Context(), capability)
		if err != nil {
			checks[string(capability)] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[string(capability)] = "ok: " + name
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Connectivity dumps the status of every registered provider without probing.
func (h *Handler) Connectivity(w http.ResponseWriter, _ *http.Request) {
	type row struct {
		Capability types.Capability `json:"capability"`
		Provider   string           `json:"provider"`
		Status
	}
	snapshot := h.store.Snapshot()
	rows := make([]row, 0, len(snapshot))
	for _, st := range snapshot {
		rows = append(rows, row{Capability: st.Key.Capability, Provider: st.Key.Name, Status: st})
	}
	writeJSON(w, http.StatusOK, rows)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /debug/connectivity", h.Connectivity)
}

func (h *Handler) firstHealthy(ctx context.Context, capability types.Capability) (string, error) {
	var lastErr error = ErrUnknownProvider
	for _, name := range h.names[capability] {
		if err := h.store.Check(ctx, capability, name); err == nil {
			return name, nil
		} else {
			lastErr = err
		}
	}
	return "", lastErr
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
