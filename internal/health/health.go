// Package health serves the liveness and readiness probes.
//
//   - /healthz answers 200 while the process can serve HTTP.
//   - /readyz answers 200 only when every [Checker] passes and the process is
//     not draining. A draining process still finishes its open calls but
//     should receive no new ones.
//
// Both endpoints answer JSON with a "status" of "ok" or "fail". /readyz adds
// a "checks" map keyed by checker name.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

// checkTimeout bounds a single /readyz evaluation.
const checkTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil when it is usable and must
// honour ctx.
type Checker struct {
	// Name keys the result in the "checks" map, e.g. "catalog" or "postgres".
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

// New returns a Handler that runs checkers concurrently on every /readyz.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// SetDraining marks the process as shutting down; /readyz fails from now on.
func (h *Handler) SetDraining() { h.draining.Store(true) }

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{Status: "ok", Checks: h.run(r.Context())}
	if h.draining.Load() {
		res.Checks["shutdown"] = "fail: draining"
	}

	status := http.StatusOK
	for _, v := range res.Checks {
		if v != "ok" {
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, res)
}

// run evaluates every checker and maps each name to "ok" or "fail: <err>".
func (h *Handler) run(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	errs := make([]error, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Go(func() { errs[i] = c.Check(ctx) })
	}
	wg.Wait()

	out := make(map[string]string, len(h.checkers)+1)
	for i, c := range h.checkers {
		out[c.Name] = "ok"
		if errs[i] != nil {
			out[c.Name] = "fail: " + errs[i].Error()
		}
	}
	return out
}

// Register mounts /healthz and /readyz on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
