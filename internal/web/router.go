package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/makt28/vigil/internal/config"
)

// Deps collects what the HTTP surface needs.
type Deps struct {
	Config     *config.Manager
	Validators ValidatorLister
	Incidents  IncidentReader
	Acker      Acknowledger
	// WS upgrades validator connections.
	WS http.Handler
	// Pending reports in-flight validation requests; optional.
	Pending func() int
	// DB is pinged by /healthz when set.
	DB Pinger
}

// NewRouter sets up all routes and returns the http.Handler.
func NewRouter(d Deps, stopCh <-chan struct{}) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger)

	limiter := NewAuthRateLimiter(defaultMaxAttempts, defaultLockout, stopCh)
	handlers := NewHandlers(d.Validators, d.Incidents, d.Acker)
	health := NewHealthHandler(d.Validators, d.Pending, d.DB)

	// Public routes
	r.Get("/healthz", health.ServeHTTP)
	r.Handle("/ws", d.WS)

	// Protected routes
	r.Route("/api", func(r chi.Router) {
		r.Use(TokenAuth(d.Config, limiter))

		r.Get("/validators", handlers.APIValidators)
		r.Get("/incidents/{id}", handlers.APIIncident)
		r.Post("/incidents/{id}/ack", handlers.AckIncident)
	})

	return r
}
