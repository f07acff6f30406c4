// Package health provides liveness and readiness probe HTTP handlers.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coinlens/aggregator-core/internal/breaker"
	"github.com/coinlens/aggregator-core/internal/upstream"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const readinessCacheTTL = 5 * time.Second

// Handler provides /health and /ready endpoints. Readiness is derived from
// circuit-breaker state across all upstream clients: the process is not
// ready when every provider's breaker is open, and degraded when any is.
type Handler struct {
	factory *upstream.Factory
	logger  *slog.Logger

	// Cached readiness result so frequent /ready polls do not rebuild the
	// snapshot. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a health Handler over the upstream client factory.
func New(factory *upstream.Factory, logger *slog.Logger) *Handler {
	return &Handler{factory: factory, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.liveness)
	mux.HandleFunc("GET /ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody) //nolint:errcheck
}

// serviceStatus is the per-provider entry in the readiness response.
type serviceStatus struct {
	Breaker     string    `json:"breaker"`
	Healthy     bool      `json:"healthy"`
	Requests    uint64    `json:"requests"`
	Failures    uint64    `json:"failures"`
	LastRequest time.Time `json:"last_request,omitzero"`
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body) //nolint:errcheck
		return
	}
	h.cacheMu.RUnlock()

	snapshot := h.factory.HealthStatus()

	services := make(map[string]serviceStatus, len(snapshot))
	open := 0
	for name, hs := range snapshot {
		services[name] = serviceStatus{
			Breaker:     hs.Breaker.State,
			Healthy:     hs.Breaker.Healthy,
			Requests:    hs.Requests,
			Failures:    hs.Failures,
			LastRequest: hs.LastRequest,
		}
		if hs.Breaker.State == breaker.StateOpen.String() {
			open++
		}
	}

	// Not ready only when every known provider is unreachable. A single
	// open breaker degrades the aggregate but the process can still serve
	// from the remaining providers.
	httpStatus := http.StatusOK
	statusStr := "ready"
	switch {
	case len(services) > 0 && open == len(services):
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	case open > 0:
		statusStr = "degraded"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":   statusStr,
		"services": services,
	})
	body = append(body, '\n')

	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body) //nolint:errcheck
}
