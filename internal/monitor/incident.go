package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/makt28/vigil/internal/model"
	"github.com/makt28/vigil/internal/notify"
	"github.com/makt28/vigil/internal/storage"
)

// DefaultReminderMinutes is the floor of the per-target notification window.
const DefaultReminderMinutes = 10

var (
	ErrIncidentResolved    = errors.New("monitor: incident already resolved")
	ErrAlreadyAcknowledged = errors.New("monitor: incident already acknowledged")
)

// Dispatcher fans a notification out to alert deliveries.
type Dispatcher interface {
	Dispatch(ctx context.Context, n notify.Notification) error
}

// Incidents drives the per-target incident lifecycle from quorum decisions.
type Incidents struct {
	store      storage.Store
	dispatcher Dispatcher
	now        func() time.Time

	reminderFloor atomic.Int64
}

func NewIncidents(store storage.Store, dispatcher Dispatcher) *Incidents {
	m := &Incidents{
		store:      store,
		dispatcher: dispatcher,
		now:        time.Now,
	}
	m.reminderFloor.Store(DefaultReminderMinutes)
	return m
}

// SetReminderFloor sets the minimum notification window in minutes.
func (m *Incidents) SetReminderFloor(minutes int) {
	m.reminderFloor.Store(int64(minutes))
}

// Apply advances the incident of target by one round's decision.
func (m *Incidents) Apply(ctx context.Context, target model.Target, d Decision) error {
	open, err := m.store.FindOpenIncident(ctx, target.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		open = nil
	case err != nil:
		return fmt.Errorf("monitor: find open incident: %w", err)
	}

	now := m.now()
	if d.IsDown {
		return m.down(ctx, target, open, d, now)
	}
	if open == nil {
		return nil
	}
	return m.resolve(ctx, target, open, d, now)
}

func (m *Incidents) down(ctx context.Context, target model.Target, open *model.Incident, d Decision, now time.Time) error {
	kind := model.KindStillDown
	incident := open

	if incident == nil {
		kind = model.KindFire
		incident = &model.Incident{
			TargetID:  target.ID,
			Status:    model.IncidentOpen,
			Severity:  d.Severity,
			Summary:   fmt.Sprintf("%s appears down (%s)", target.URL, d.RootCauseHint),
			StartedAt: now,
		}
		if err := m.store.CreateIncident(ctx, incident); err != nil {
			return fmt.Errorf("monitor: create incident: %w", err)
		}
		slog.Warn("incident opened", "target_id", target.ID, "incident_id", incident.ID, "severity", d.Severity, "root_cause", d.RootCauseHint)
		if err := m.event(ctx, incident.ID, model.EventDetected,
			"Detected outage for %s. Root cause hint: %s.", target.URL, d.RootCauseHint); err != nil {
			return err
		}
	} else if d.Severity.Outranks(incident.Severity) {
		incident.Severity = d.Severity
		if err := m.store.UpdateIncident(ctx, incident); err != nil {
			return fmt.Errorf("monitor: raise severity: %w", err)
		}
	}

	if err := m.event(ctx, incident.ID, model.EventQuorumDecision,
		"Quorum: bad=%d, badRegions=%d, good=%d, sample=%d, required=%d.",
		d.BadCount, d.BadRegionCount, d.GoodCount, d.SampleCount, d.Quorum); err != nil {
		return err
	}

	// Re-read for the latest LastAlertSentAt; an overlapping cycle may have sent.
	fresh, err := m.store.GetTarget(ctx, target.ID)
	if err != nil {
		return fmt.Errorf("monitor: load target: %w", err)
	}
	window := time.Duration(max(fresh.CooldownMinutes, int(m.reminderFloor.Load()))) * time.Minute
	if fresh.LastAlertSentAt != nil && now.Sub(*fresh.LastAlertSentAt) < window {
		return m.event(ctx, incident.ID, model.EventAlertSuppressed,
			"Alert suppressed due to dedup/reminder window (%d min).", int(window.Minutes()))
	}

	if err := m.store.SetLastAlertSentAt(ctx, target.ID, now); err != nil {
		return fmt.Errorf("monitor: set last alert time: %w", err)
	}
	if err := m.event(ctx, incident.ID, model.EventAlertSent,
		"%s alert queued [%s] (quorum %d/%d, regions %d).",
		kind, d.Severity, d.BadCount, d.SampleCount, d.BadRegionCount); err != nil {
		return err
	}
	return m.dispatch(ctx, notify.Notification{
		IncidentID:    incident.ID,
		TargetID:      target.ID,
		Severity:      d.Severity,
		Kind:          kind,
		RootCauseHint: d.RootCauseHint,
	})
}

func (m *Incidents) resolve(ctx context.Context, target model.Target, open *model.Incident, d Decision, now time.Time) error {
	open.Status = model.IncidentResolved
	open.ResolvedAt = &now
	open.PostmortemTemplate = PostmortemTemplate(target.URL, d.RootCauseHint)
	if err := m.store.UpdateIncident(ctx, open); err != nil {
		return fmt.Errorf("monitor: resolve incident: %w", err)
	}
	slog.Info("incident resolved", "target_id", target.ID, "incident_id", open.ID)

	if err := m.event(ctx, open.ID, model.EventRecovery,
		"Service recovered (good=%d, bad=%d, sample=%d).", d.GoodCount, d.BadCount, d.SampleCount); err != nil {
		return err
	}
	return m.dispatch(ctx, notify.Notification{
		IncidentID:    open.ID,
		TargetID:      target.ID,
		Severity:      d.Severity,
		Kind:          model.KindResolved,
		RootCauseHint: d.RootCauseHint,
	})
}

// Acknowledge records an operator acknowledgement. It does not change status.
func (m *Incidents) Acknowledge(ctx context.Context, incidentID string) (*model.Incident, error) {
	inc, err := m.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc.Status == model.IncidentResolved {
		return inc, ErrIncidentResolved
	}
	if inc.AcknowledgedAt != nil {
		return inc, ErrAlreadyAcknowledged
	}

	now := m.now()
	inc.AcknowledgedAt = &now
	if err := m.store.UpdateIncident(ctx, inc); err != nil {
		return nil, fmt.Errorf("monitor: acknowledge: %w", err)
	}
	if err := m.event(ctx, inc.ID, model.EventAcknowledged, "Incident acknowledged."); err != nil {
		return nil, err
	}
	return inc, nil
}

// EscalationSweep escalates every open, unacknowledged, not yet escalated
// incident older than its target's escalation window. A failure on one
// incident does not stop the others.
func (m *Incidents) EscalationSweep(ctx context.Context) error {
	candidates, err := m.store.ListEscalationCandidates(ctx)
	if err != nil {
		return fmt.Errorf("monitor: list escalation candidates: %w", err)
	}

	now := m.now()
	var errs []error
	for i := range candidates {
		inc := candidates[i]
		target, err := m.store.GetTarget(ctx, inc.TargetID)
		if err != nil {
			errs = append(errs, fmt.Errorf("incident %s: load target: %w", inc.ID, err))
			continue
		}
		window := time.Duration(max(target.EscalationMinutes, 1)) * time.Minute
		if now.Sub(inc.StartedAt) < window {
			continue
		}

		won, err := m.store.MarkEscalated(ctx, inc.ID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("incident %s: escalate: %w", inc.ID, err))
			continue
		}
		if !won {
			continue
		}
		slog.Warn("incident escalated", "target_id", inc.TargetID, "incident_id", inc.ID)

		if err := m.event(ctx, inc.ID, model.EventEscalated,
			"Escalated incident after %d minutes without acknowledgement.", target.EscalationMinutes); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := m.dispatch(ctx, notify.Notification{
			IncidentID:     inc.ID,
			TargetID:       inc.TargetID,
			Severity:       inc.Severity,
			Kind:           model.KindEscalation,
			RootCauseHint:  "escalation",
			ForceAllRoutes: true,
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PostmortemTemplate renders the markdown skeleton stored on resolution.
func PostmortemTemplate(url, rootCauseHint string) string {
	return strings.Join([]string{
		"# Postmortem template: " + url,
		"",
		"## Summary",
		"Describe what happened in 2-3 sentences.",
		"",
		"## Impact",
		"- Who/what was affected?",
		"- Duration and severity",
		"",
		"## Timeline",
		"- Detection time",
		"- Mitigation steps",
		"- Recovery confirmation",
		"",
		"## Root cause",
		rootCauseHint,
		"",
		"## Action items",
		"- [ ] Preventive fix",
		"- [ ] Monitoring/alert tuning",
	}, "\n")
}

func (m *Incidents) event(ctx context.Context, incidentID string, typ model.EventType, format string, args ...any) error {
	evt := &model.IncidentEvent{
		IncidentID: incidentID,
		Type:       typ,
		Message:    fmt.Sprintf(format, args...),
		CreatedAt:  m.now(),
	}
	if err := m.store.AppendEvent(ctx, evt); err != nil {
		return fmt.Errorf("monitor: append %s event: %w", typ, err)
	}
	return nil
}

func (m *Incidents) dispatch(ctx context.Context, n notify.Notification) error {
	if err := m.dispatcher.Dispatch(ctx, n); err != nil {
		return fmt.Errorf("monitor: dispatch %s: %w", n.Kind, err)
	}
	return nil
}
