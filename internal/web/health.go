package web

import (
	"context"
	"net/http"
	"time"
)

var startTime = time.Now()

const version = "0.1.0"

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the /healthz endpoint.
type HealthHandler struct {
	validators ValidatorLister
	pending    func() int
	db         Pinger
}

func NewHealthHandler(validators ValidatorLister, pending func() int, db Pinger) *HealthHandler {
	return &HealthHandler{validators: validators, pending: pending, db: db}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":           "ok",
		"version":          version,
		"uptime_seconds":   int(time.Since(startTime).Seconds()),
		"live_validators":  h.validators.Count(),
		"pending_requests": 0,
	}
	if h.pending != nil {
		resp["pending_requests"] = h.pending()
	}

	status := http.StatusOK
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			resp["status"] = "degraded"
			resp["database"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}
