package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/makt28/vigil/internal/model"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store is the persistence contract the hub depends on. Target, component,
// route, integration and schedule rows are owned by the management API; the
// hub only reads them, except for Target.LastAlertSentAt.
type Store interface {
	FindValidatorByPublicKey(ctx context.Context, publicKey string) (*model.Validator, error)
	CreateValidator(ctx context.Context, v *model.Validator) error
	ValidatorLocations(ctx context.Context, ids []string) (map[string]string, error)

	ListEnabledTargets(ctx context.Context) ([]model.Target, error)
	GetTarget(ctx context.Context, id string) (*model.Target, error)
	SetLastAlertSentAt(ctx context.Context, targetID string, at time.Time) error
	ListEnabledComponents(ctx context.Context, targetID string) ([]model.Component, error)

	// RecordRound stores ticks and credits each tick's validator by credit,
	// all or nothing.
	RecordRound(ctx context.Context, ticks []model.Tick, credit int64) error

	FindOpenIncident(ctx context.Context, targetID string) (*model.Incident, error)
	GetIncident(ctx context.Context, id string) (*model.Incident, error)
	CreateIncident(ctx context.Context, inc *model.Incident) error
	UpdateIncident(ctx context.Context, inc *model.Incident) error
	// ListEscalationCandidates returns OPEN incidents that are neither
	// acknowledged nor escalated.
	ListEscalationCandidates(ctx context.Context) ([]model.Incident, error)
	// MarkEscalated sets EscalatedAt on an OPEN, unacknowledged, unescalated
	// incident. It reports false when another caller got there first or the
	// incident no longer qualifies.
	MarkEscalated(ctx context.Context, incidentID string, at time.Time) (bool, error)
	AppendEvent(ctx context.Context, evt *model.IncidentEvent) error
	ListEvents(ctx context.Context, incidentID string) ([]model.IncidentEvent, error)

	ListRoutes(ctx context.Context, targetID string) ([]model.AlertRoute, error)
	ListEnabledIntegrations(ctx context.Context, targetID string) ([]model.IntegrationChannel, error)
	ListSchedules(ctx context.Context, targetID string) ([]model.OnCallSchedule, error)

	CreateDelivery(ctx context.Context, d *model.AlertDelivery) error
	// ClaimDueDeliveries returns at most limit pending deliveries whose
	// NextRetryAt is not after now, oldest first, and pushes their
	// NextRetryAt to now+lease in the same step. A row is handed to at most
	// one caller until its lease runs out or it is updated.
	ClaimDueDeliveries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.AlertDelivery, error)
	UpdateDelivery(ctx context.Context, d *model.AlertDelivery) error
}

// NewID returns a fresh record id.
func NewID() string {
	return uuid.NewString()
}
