// Package http provides the HTTP server and handlers of the relying party.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// readinessTimeout bounds the time all readiness checks may take.
const readinessTimeout = 3 * time.Second

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	// ready indicates if the server is ready to accept traffic.
	ready atomic.Bool

	mu     sync.RWMutex
	checks map[string]ReadinessCheck
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler() *HealthHandler {
	h := &HealthHandler{checks: make(map[string]ReadinessCheck)}
	h.ready.Store(true)
	return h
}

// SetReady sets the readiness status.
func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// AddCheck registers a named readiness check.
func (h *HealthHandler) AddCheck(name string, check ReadinessCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Healthz handles the /healthz endpoint.
// Returns 200 OK if the server is alive.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles the /readyz endpoint.
// Returns 200 OK if the server is ready and every check passes, 503 otherwise.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	var failing []string
	for _, name := range names {
		h.mu.RLock()
		check := h.checks[name]
		h.mu.RUnlock()
		if err := check(ctx); err != nil {
			failing = append(failing, name)
		}
	}

	if len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failing": failing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// writeJSON encodes v before writing anything. When v cannot be encoded it
// writes a 500 and returns the error.
func writeJSON(w http.ResponseWriter, status int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
	return nil
}
