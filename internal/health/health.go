// Package health provides the /healthz and /readyz handlers of rollcall
// serve.
//
// /healthz is the liveness probe and always answers 200. /readyz runs every
// registered [Checker] and answers 200 only when all of them pass, for
// example when the mapping database answers and the last resolver run did not
// fail. Each check reports its own status, latency and optional detail:
//
//	{
//	  "status": "fail",
//	  "checked_at": "2026-10-19T08:00:00Z",
//	  "checks": {
//	    "database": {"status": "ok", "latency_ms": 2},
//	    "resolver": {"status": "fail", "error": "last run failed: …",
//	                 "detail": {"run_id": "…", "names": 41}}
//	  }
//	}
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Status values used in responses.
const (
	StatusOK   = "ok"
	StatusFail = "fail"
)

// Checker is a named readiness check.
type Checker struct {
	// Name keys the check in the response ("database", "resolver").
	Name string

	// Check returns nil when the dependency is usable. It must respect
	// context cancellation.
	Check func(ctx context.Context) error

	// Detail optionally adds context to the check's entry, whether it passed
	// or not.
	Detail func() map[string]any
}

// CheckResult is one checker's entry in a readiness response.
type CheckResult struct {
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	LatencyMS int64          `json:"latency_ms"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Response is the body of both probes.
type Response struct {
	Status    string                 `json:"status"`
	CheckedAt time.Time              `json:"checked_at,omitzero"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Option is a functional option for [New].
type Option func(*Handler)

// WithClock overrides the time source for check timestamps and latencies.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// Handler serves /healthz and /readyz. It is safe for concurrent use.
type Handler struct {
	checkers []Checker
	now      func() time.Time

	mu    sync.Mutex
	ready *bool
}

// New creates a [Handler] evaluating checkers on each /readyz request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...), now: time.Now}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Response{Status: StatusOK})
}

// Readyz runs the checkers concurrently and answers 503 if any fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := h.Check(r.Context())
	code := http.StatusOK
	if res.Status != StatusOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

// Check evaluates every checker and returns the aggregate result. A change
// of overall readiness since the previous call is logged.
func (h *Handler) Check(ctx context.Context) Response {
	results := make([]CheckResult, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Go(func() {
			results[i] = h.run(ctx, c)
		})
	}
	wg.Wait()

	res := Response{
		Status:    StatusOK,
		CheckedAt: h.now().UTC(),
		Checks:    make(map[string]CheckResult, len(h.checkers)),
	}
	var failed []string
	for i, c := range h.checkers {
		res.Checks[c.Name] = results[i]
		if results[i].Status != StatusOK {
			res.Status = StatusFail
			failed = append(failed, c.Name)
		}
	}
	h.noteTransition(res.Status == StatusOK, failed)
	return res
}

func (h *Handler) run(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := h.now()
	err := c.Check(ctx)
	out := CheckResult{Status: StatusOK, LatencyMS: h.now().Sub(start).Milliseconds()}
	if err != nil {
		out.Status = StatusFail
		out.Error = err.Error()
	}
	if c.Detail != nil {
		out.Detail = c.Detail()
	}
	return out
}

func (h *Handler) noteTransition(ready bool, failed []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ready != nil && *h.ready == ready {
		return
	}
	first := h.ready == nil
	h.ready = &ready
	switch {
	case !ready:
		slog.Warn("readiness: not ready", "failed_checks", failed)
	case !first:
		slog.Info("readiness: ready again")
	}
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
