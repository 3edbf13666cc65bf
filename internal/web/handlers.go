package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/makt28/vigil/internal/hub"
	"github.com/makt28/vigil/internal/model"
	"github.com/makt28/vigil/internal/monitor"
	"github.com/makt28/vigil/internal/storage"
)

// ValidatorLister exposes the live validator set.
type ValidatorLister interface {
	List() []hub.Peer
	Count() int
}

// IncidentReader loads incidents and their event logs.
type IncidentReader interface {
	GetIncident(ctx context.Context, id string) (*model.Incident, error)
	ListEvents(ctx context.Context, incidentID string) ([]model.IncidentEvent, error)
}

// Acknowledger records operator acknowledgements.
type Acknowledger interface {
	Acknowledge(ctx context.Context, incidentID string) (*model.Incident, error)
}

// Handlers holds dependencies for the ops API.
type Handlers struct {
	validators ValidatorLister
	incidents  IncidentReader
	acker      Acknowledger
}

func NewHandlers(validators ValidatorLister, incidents IncidentReader, acker Acknowledger) *Handlers {
	return &Handlers{validators: validators, incidents: incidents, acker: acker}
}

// APIValidators returns the live validators.
func (h *Handlers) APIValidators(w http.ResponseWriter, r *http.Request) {
	peers := h.validators.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":      len(peers),
		"validators": peers,
	})
}

type incidentView struct {
	*model.Incident
	Events []model.IncidentEvent `json:"events"`
}

// APIIncident returns one incident with its event log.
func (h *Handlers) APIIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inc, err := h.incidents.GetIncident(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	if err != nil {
		slog.Error("failed to load incident", "incident_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load incident")
		return
	}

	events, err := h.incidents.ListEvents(r.Context(), id)
	if err != nil {
		slog.Error("failed to load incident events", "incident_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load incident events")
		return
	}
	if events == nil {
		events = []model.IncidentEvent{}
	}
	writeJSON(w, http.StatusOK, incidentView{Incident: inc, Events: events})
}

// AckIncident acknowledges an open incident.
func (h *Handlers) AckIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inc, err := h.acker.Acknowledge(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "incident not found")
		return
	case errors.Is(err, monitor.ErrAlreadyAcknowledged), errors.Is(err, monitor.ErrIncidentResolved):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		slog.Error("failed to acknowledge incident", "incident_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to acknowledge incident")
		return
	}
	slog.Info("incident acknowledged", "incident_id", id)
	writeJSON(w, http.StatusOK, inc)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
