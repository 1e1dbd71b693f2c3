// Package health serves the gateway's liveness and readiness probes.
//
// GET /healthz reports process liveness and always answers 200. GET /readyz
// runs the registered checks (database pool, retrieval circuit, session
// capacity) and answers 503 with a per-check breakdown when any of them
// fails, so an orchestrator can pull the instance out of rotation without
// killing the sessions it is still serving.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voicewire/voicewire/internal/resilience"
)

// checkTimeout bounds a single readiness probe.
const checkTimeout = 5 * time.Second

// Check is one named readiness probe. Probe returns nil when the dependency
// can serve traffic; it must respect context cancellation.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// probeResult is the per-check entry in the readiness payload.
type probeResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// report is the response body for both endpoints.
type report struct {
	Status string                 `json:"status"`
	Checks map[string]probeResult `json:"checks,omitempty"`
}

// Handler evaluates readiness checks. Safe for concurrent use; the check
// list is fixed at construction.
type Handler struct {
	checks []Check
}

// New builds a Handler over the given checks, evaluated in order on every
// /readyz request.
func New(checks ...Check) *Handler {
	c := make([]Check, len(checks))
	copy(c, checks)
	return &Handler{checks: c}
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /readyz", h.readyz)
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	res := report{
		Status: "ok",
		Checks: make(map[string]probeResult, len(h.checks)),
	}
	code := http.StatusOK

	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Probe(ctx)
		cancel()

		if err != nil {
			res.Status = "fail"
			code = http.StatusServiceUnavailable
			res.Checks[c.Name] = probeResult{Status: "fail", Error: err.Error()}
			continue
		}
		res.Checks[c.Name] = probeResult{Status: "ok"}
	}

	writeJSON(w, code, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

// ─── Gateway checks ─────────────────────────────────────────────────────────

// Database probes the shared connection pool. A gateway configured without
// persistence passes a nil pool and fails readiness.
func Database(pool *pgxpool.Pool) Check {
	return Check{
		Name: "database",
		Probe: func(ctx context.Context) error {
			if pool == nil {
				return fmt.Errorf("no database configured")
			}
			return pool.Ping(ctx)
		},
	}
}

// Retrieval reports an open retrieval circuit. A probing (half-open) breaker
// still counts as ready: the next turn will test the backend.
func Retrieval(g *resilience.GuardedRetriever) Check {
	return Check{
		Name: "retrieval",
		Probe: func(_ context.Context) error {
			if g == nil {
				return nil
			}
			if state := g.State(); state == resilience.Open {
				return fmt.Errorf("retrieval circuit is open")
			}
			return nil
		},
	}
}

// Sessions fails readiness when the live session count reaches limit (0
// means unlimited). The count appears in the payload either way.
func Sessions(count func() int, limit int) Check {
	return Check{
		Name: "sessions",
		Probe: func(_ context.Context) error {
			n := count()
			if limit > 0 && n >= limit {
				return fmt.Errorf("%d sessions at capacity %d", n, limit)
			}
			return nil
		},
	}
}
