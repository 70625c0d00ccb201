package handlers

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Check reports whether a dependency is reachable
type Check func(ctx context.Context) error

// HealthHandler reports liveness and the reachability of backing stores
type HealthHandler struct {
	checks map[string]Check
}

// NewHealthHandler creates a health handler running the given named checks
func NewHealthHandler(checks map[string]Check) *HealthHandler {
	return &HealthHandler{checks: checks}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	results := make(map[string]string, len(h.checks))
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	out := make([]error, len(names))

	var g errgroup.Group
	for i, name := range names {
		i := i
		check := h.checks[name]
		g.Go(func() error {
			out[i] = check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	status := http.StatusOK
	for i, name := range names {
		if out[i] != nil {
			results[name] = "down"
			status = http.StatusServiceUnavailable
		} else {
			results[name] = "ok"
		}
	}

	body := map[string]any{"status": "ok", "checks": results}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	respondWithJSON(w, status, body)
}
