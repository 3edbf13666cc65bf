package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/makt28/vigil/internal/config"
	"github.com/makt28/vigil/internal/model"
	"github.com/makt28/vigil/internal/storage"
)

const maxRetryDelay = 30 * time.Minute

// RetryDelay is the backoff after the given number of failed attempts:
// base·2^(attempts-1), capped at 30 minutes.
func RetryDelay(attempts int, base time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return min(delay, maxRetryDelay)
}

// claimLease is how long a claimed delivery stays invisible to other sweeps.
// It outlasts the send timeout so a slow send is never picked up twice.
func claimLease(cfg config.AlertsConfig) time.Duration {
	return max(2*cfg.SendTimeout(), time.Minute)
}

// Deliverer sends due alert deliveries and records the outcome of each.
type Deliverer struct {
	store  storage.Store
	cfgMgr *config.Manager
	now    func() time.Time

	mu      sync.RWMutex
	senders map[model.ChannelType]Sender
}

func NewDeliverer(store storage.Store, cfgMgr *config.Manager, senders map[model.ChannelType]Sender) *Deliverer {
	return &Deliverer{
		store:   store,
		cfgMgr:  cfgMgr,
		now:     time.Now,
		senders: senders,
	}
}

// SetSenders swaps the channel senders, e.g. after credentials change.
func (d *Deliverer) SetSenders(senders map[model.ChannelType]Sender) {
	d.mu.Lock()
	d.senders = senders
	d.mu.Unlock()
}

// Sweep processes one batch of due deliveries, oldest first. A failing
// delivery never blocks the rest of the batch.
func (d *Deliverer) Sweep(ctx context.Context) error {
	cfg := d.cfgMgr.Get().Alerts
	due, err := d.store.ClaimDueDeliveries(ctx, d.now(), claimLease(cfg), cfg.SweepBatchSize)
	if err != nil {
		return fmt.Errorf("notify: claim due deliveries: %w", err)
	}

	var errs []error
	for i := range due {
		if err := d.deliver(ctx, &due[i], cfg); err != nil {
			errs = append(errs, fmt.Errorf("delivery %s: %w", due[i].ID, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Deliverer) deliver(ctx context.Context, del *model.AlertDelivery, cfg config.AlertsConfig) error {
	if del.Status == model.DeliveryQueuedQuietHours {
		schedules, err := d.store.ListSchedules(ctx, del.TargetID)
		if err != nil {
			return err
		}
		if now := d.now(); model.AnyQuietHours(schedules, now) {
			del.NextRetryAt = now.Add(cfg.QuietHoursDefer())
			return d.store.UpdateDelivery(ctx, del)
		}
	}

	externalID, sendErr := d.send(ctx, del, cfg.SendTimeout())
	now := d.now()
	del.Attempts++

	if sendErr == nil {
		del.Status = model.DeliverySent
		del.SentAt = &now
		del.ExternalID = externalID
		del.LastError = ""
		if err := d.store.UpdateDelivery(ctx, del); err != nil {
			return err
		}
		slog.Info("alert delivered", "incident_id", del.IncidentID, "channel", del.ChannelType, "kind", del.Kind)
		return d.note(ctx, del.IncidentID, model.EventAlertSent,
			"%s alert delivered via %s to %s", del.Kind, del.ChannelType, del.Destination)
	}

	del.LastError = sendErr.Error()
	maxAttempts := del.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = cfg.RetryMaxAttempts
	}

	if del.Attempts >= maxAttempts {
		del.Status = model.DeliveryFailed
		if err := d.store.UpdateDelivery(ctx, del); err != nil {
			return err
		}
		slog.Error("alert delivery failed permanently",
			"incident_id", del.IncidentID,
			"channel", del.ChannelType,
			"attempts", del.Attempts,
			"error", sendErr,
		)
		return d.note(ctx, del.IncidentID, model.EventNote,
			"Alert delivery failed permanently after %d attempts (%s %s): %s",
			del.Attempts, del.ChannelType, del.Destination, sendErr)
	}

	del.Status = model.DeliveryRetry
	del.NextRetryAt = now.Add(RetryDelay(del.Attempts, cfg.RetryBaseDelay()))
	if err := d.store.UpdateDelivery(ctx, del); err != nil {
		return err
	}
	slog.Warn("alert delivery failed, retry scheduled",
		"incident_id", del.IncidentID,
		"channel", del.ChannelType,
		"attempts", del.Attempts,
		"next_retry_at", del.NextRetryAt,
		"error", sendErr,
	)
	return d.note(ctx, del.IncidentID, model.EventNote,
		"Alert delivery retry scheduled (%d/%d) for %s %s: %s",
		del.Attempts, maxAttempts, del.ChannelType, del.Destination, sendErr)
}

func (d *Deliverer) send(ctx context.Context, del *model.AlertDelivery, timeout time.Duration) (string, error) {
	d.mu.RLock()
	sender, ok := d.senders[del.ChannelType]
	d.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unsupported channel type %q", del.ChannelType)
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return sender.Send(sendCtx, del.Destination, ParsePayload(del.Payload))
}

func (d *Deliverer) note(ctx context.Context, incidentID string, typ model.EventType, format string, args ...any) error {
	return d.store.AppendEvent(ctx, &model.IncidentEvent{
		IncidentID: incidentID,
		Type:       typ,
		Message:    fmt.Sprintf(format, args...),
		CreatedAt:  d.now(),
	})
}
