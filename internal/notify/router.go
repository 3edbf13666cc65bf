package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/makt28/vigil/internal/config"
	"github.com/makt28/vigil/internal/model"
	"github.com/makt28/vigil/internal/storage"
)

// Dispatcher turns a notification into one queued AlertDelivery per
// matching destination.
type Dispatcher struct {
	store  storage.Store
	cfgMgr *config.Manager
	now    func() time.Time
}

func NewDispatcher(store storage.Store, cfgMgr *config.Manager) *Dispatcher {
	return &Dispatcher{store: store, cfgMgr: cfgMgr, now: time.Now}
}

// Dispatch selects destinations for n and queues a delivery for each. With
// no matching destination it records a NOTE event and queues nothing.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) error {
	if !n.Kind.Valid() {
		return fmt.Errorf("notify: unknown notification kind %q", n.Kind)
	}

	incident, err := d.store.GetIncident(ctx, n.IncidentID)
	if err != nil {
		return fmt.Errorf("notify: load incident: %w", err)
	}
	target, err := d.store.GetTarget(ctx, n.TargetID)
	if err != nil {
		return fmt.Errorf("notify: load target: %w", err)
	}
	routes, err := d.store.ListRoutes(ctx, n.TargetID)
	if err != nil {
		return fmt.Errorf("notify: load routes: %w", err)
	}
	integrations, err := d.store.ListEnabledIntegrations(ctx, n.TargetID)
	if err != nil {
		return fmt.Errorf("notify: load integrations: %w", err)
	}
	schedules, err := d.store.ListSchedules(ctx, n.TargetID)
	if err != nil {
		return fmt.Errorf("notify: load schedules: %w", err)
	}

	now := d.now()
	destinations := SelectDestinations(routes, integrations, n.Severity, n.ForceAllRoutes)
	if len(destinations) == 0 {
		slog.Info("no alert destinations matched", "incident_id", incident.ID, "kind", n.Kind)
		return d.store.AppendEvent(ctx, &model.IncidentEvent{
			IncidentID: incident.ID,
			Type:       model.EventNote,
			Message:    fmt.Sprintf("No destinations matched for %s alert.", n.Kind),
			CreatedAt:  now,
		})
	}

	payload, err := BuildPayload(n.Kind, target.URL, n.Severity, incident.ID, n.RootCauseHint)
	if err != nil {
		return err
	}
	status := model.DeliveryQueued
	if model.AnyQuietHours(schedules, now) {
		status = model.DeliveryQueuedQuietHours
	}
	maxAttempts := d.cfgMgr.Get().Alerts.RetryMaxAttempts

	var errs []error
	for _, dest := range destinations {
		delivery := &model.AlertDelivery{
			IncidentID:  incident.ID,
			TargetID:    n.TargetID,
			ChannelType: dest.Type,
			Destination: dest.Endpoint,
			Status:      status,
			Kind:        n.Kind,
			MaxAttempts: maxAttempts,
			NextRetryAt: now,
			Payload:     payload.Encode(),
			CreatedAt:   now,
		}
		if err := d.store.CreateDelivery(ctx, delivery); err != nil {
			errs = append(errs, fmt.Errorf("queue %s delivery: %w", dest.Type, err))
			continue
		}
		slog.Debug("alert delivery queued",
			"incident_id", incident.ID,
			"channel", dest.Type,
			"status", status,
			"kind", n.Kind,
		)
	}
	return errors.Join(errs...)
}

// SelectDestinations returns the integrations a notification goes to. With
// forceAll every enabled integration is selected once. Otherwise each route
// whose minimum severity is met contributes every integration of its channel,
// so an integration reached through two routes is selected twice.
func SelectDestinations(routes []model.AlertRoute, integrations []model.IntegrationChannel, severity model.Severity, forceAll bool) []model.IntegrationChannel {
	if forceAll {
		return integrations
	}

	var out []model.IntegrationChannel
	for _, r := range routes {
		if severity.Rank() < r.MinSeverity.Rank() {
			continue
		}
		for _, ic := range integrations {
			if ic.Type == r.Channel {
				out = append(out, ic)
			}
		}
	}
	return out
}

// BuildSenders constructs one Sender per channel type from config.
func BuildSenders(cfg config.ChannelsConfig) map[model.ChannelType]Sender {
	senders := []Sender{
		&EmailSender{APIKey: cfg.ResendAPIKey, From: cfg.AlertEmailFrom},
		&SMSSender{AccountSID: cfg.TwilioAccountSID, AuthToken: cfg.TwilioAuthToken, From: cfg.TwilioFromNumber},
		&WebhookSender{},
		&TelegramSender{BotToken: cfg.TelegramBotToken},
	}
	out := make(map[model.ChannelType]Sender, len(senders))
	for _, s := range senders {
		if err := s.Validate(); err != nil {
			slog.Warn("alert channel not configured, deliveries will fail until it is", "channel", s.Type(), "error", err)
		}
		out[s.Type()] = s
	}
	return out
}
