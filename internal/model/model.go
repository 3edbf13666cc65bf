package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Severity ranks the urgency of a check outcome or an incident. P1 is highest.
type Severity string

const (
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
)

// Rank returns 3 for P1, 2 for P2 and 1 for anything else.
func (s Severity) Rank() int {
	switch s {
	case SeverityP1:
		return 3
	case SeverityP2:
		return 2
	default:
		return 1
	}
}

// Outranks reports whether s is strictly more urgent than other.
func (s Severity) Outranks(other Severity) bool {
	return s.Rank() > other.Rank()
}

func (s Severity) Valid() bool {
	switch s {
	case SeverityP1, SeverityP2, SeverityP3:
		return true
	}
	return false
}

// CheckStatus is the verdict a validator reports for one probe.
type CheckStatus string

const (
	StatusGood CheckStatus = "Good"
	StatusBad  CheckStatus = "Bad"
)

func (s CheckStatus) Valid() bool {
	return s == StatusGood || s == StatusBad
}

// CheckType selects the probe a validator runs.
type CheckType string

const (
	CheckHTTP      CheckType = "HTTP"
	CheckKeyword   CheckType = "KEYWORD"
	CheckDNS       CheckType = "DNS"
	CheckTLS       CheckType = "TLS"
	CheckMultiStep CheckType = "MULTI_STEP"
)

func (c CheckType) Valid() bool {
	switch c {
	case CheckHTTP, CheckKeyword, CheckDNS, CheckTLS, CheckMultiStep:
		return true
	}
	return false
}

// CheckSpec holds the check type and its type-specific parameters.
// Empty strings mean "not configured".
type CheckSpec struct {
	Type              CheckType `json:"check_type"`
	ExpectedKeyword   string    `json:"expected_keyword,omitempty"`
	DNSRecordType     string    `json:"dns_record_type,omitempty"`
	DNSExpectedValue  string    `json:"dns_expected_value,omitempty"`
	TLSWarningDaysCSV string    `json:"tls_warning_days_csv,omitempty"`
	MultiStepConfig   string    `json:"multi_step_config,omitempty"`
}

// Validator is a remote probing agent identified by its public key.
type Validator struct {
	ID             string    `json:"id"`
	PublicKey      string    `json:"public_key"`
	IP             string    `json:"ip"`
	Location       string    `json:"location"`
	PendingPayouts int64     `json:"pending_payouts"`
	CreatedAt      time.Time `json:"created_at"`
}

// Target is a monitored website together with its check and alerting policy.
type Target struct {
	ID                 string     `json:"id"`
	URL                string     `json:"url"`
	CooldownMinutes    int        `json:"cooldown_minutes"`
	Retries            int        `json:"retries"`
	Quorum             int        `json:"quorum"`
	ValidatorsPerRound int        `json:"validators_per_round"`
	EscalationMinutes  int        `json:"escalation_minutes"`
	Check              CheckSpec  `json:"check"`
	SnoozeUntil        *time.Time `json:"snooze_until,omitempty"`
	MaintenanceStartAt *time.Time `json:"maintenance_start_at,omitempty"`
	MaintenanceEndAt   *time.Time `json:"maintenance_end_at,omitempty"`
	LastAlertSentAt    *time.Time `json:"last_alert_sent_at,omitempty"`
	Disabled           bool       `json:"disabled"`
}

// Muted reports whether the target is snoozed or inside its maintenance window.
func (t *Target) Muted(now time.Time) bool {
	if t.SnoozeUntil != nil && t.SnoozeUntil.After(now) {
		return true
	}
	if t.MaintenanceStartAt != nil && t.MaintenanceEndAt != nil {
		if !now.Before(*t.MaintenanceStartAt) && !now.After(*t.MaintenanceEndAt) {
			return true
		}
	}
	return false
}

// Component is a named sub-check of a target. Components only produce ticks.
type Component struct {
	ID        string    `json:"id"`
	TargetID  string    `json:"target_id"`
	Name      string    `json:"name"`
	Path      string    `json:"path,omitempty"`
	TargetURL string    `json:"target_url,omitempty"`
	Check     CheckSpec `json:"check"`
	Enabled   bool      `json:"enabled"`
}

// ResolveURL returns the component's absolute target URL if set, otherwise
// its path (default "/") resolved against base.
func (c *Component) ResolveURL(base string) (string, error) {
	if abs := strings.TrimSpace(c.TargetURL); abs != "" {
		u, err := url.Parse(abs)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return "", fmt.Errorf("invalid component url %q", abs)
		}
		return u.String(), nil
	}

	b, err := url.Parse(base)
	if err != nil || b.Scheme == "" || b.Host == "" {
		return "", fmt.Errorf("invalid base url %q", base)
	}
	path := strings.TrimSpace(c.Path)
	if path == "" {
		path = "/"
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("invalid component path %q: %w", path, err)
	}
	return b.ResolveReference(ref).String(), nil
}

// Vote is one verified validator response collected during a round.
type Vote struct {
	ValidatorID string
	Status      CheckStatus
	LatencyMs   int64
	Severity    Severity
	Details     string
}

// Tick is one persisted observation. ComponentID is empty for target-level ticks.
type Tick struct {
	ID          string      `json:"id"`
	TargetID    string      `json:"target_id"`
	ComponentID string      `json:"component_id,omitempty"`
	ValidatorID string      `json:"validator_id"`
	Status      CheckStatus `json:"status"`
	LatencyMs   int64       `json:"latency_ms"`
	Severity    Severity    `json:"severity"`
	Details     string      `json:"details,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

type IncidentStatus string

const (
	IncidentOpen     IncidentStatus = "OPEN"
	IncidentResolved IncidentStatus = "RESOLVED"
)

// Incident tracks one outage of a target. At most one per target is OPEN.
type Incident struct {
	ID                 string         `json:"id"`
	TargetID           string         `json:"target_id"`
	Status             IncidentStatus `json:"status"`
	Severity           Severity       `json:"severity"`
	Summary            string         `json:"summary"`
	StartedAt          time.Time      `json:"started_at"`
	AcknowledgedAt     *time.Time     `json:"acknowledged_at,omitempty"`
	EscalatedAt        *time.Time     `json:"escalated_at,omitempty"`
	ResolvedAt         *time.Time     `json:"resolved_at,omitempty"`
	PostmortemTemplate string         `json:"postmortem_template,omitempty"`
}

type EventType string

const (
	EventDetected        EventType = "DETECTED"
	EventQuorumDecision  EventType = "QUORUM_DECISION"
	EventAlertSent       EventType = "ALERT_SENT"
	EventAlertSuppressed EventType = "ALERT_SUPPRESSED"
	EventAcknowledged    EventType = "ACKNOWLEDGED"
	EventEscalated       EventType = "ESCALATED"
	EventRecovery        EventType = "RECOVERY"
	EventNote            EventType = "NOTE"
)

// IncidentEvent is an append-only entry in an incident's log.
type IncidentEvent struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incident_id"`
	Type       EventType `json:"type"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChannelType identifies an alert delivery transport.
type ChannelType string

const (
	ChannelEmail    ChannelType = "EMAIL"
	ChannelSMS      ChannelType = "SMS"
	ChannelWebhook  ChannelType = "WEBHOOK"
	ChannelTelegram ChannelType = "TELEGRAM"
)

func (c ChannelType) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelWebhook, ChannelTelegram:
		return true
	}
	return false
}

// AlertRoute sends incidents at or above MinSeverity to a channel type.
type AlertRoute struct {
	ID          string      `json:"id"`
	TargetID    string      `json:"target_id"`
	Team        string      `json:"team"`
	MinSeverity Severity    `json:"min_severity"`
	Channel     ChannelType `json:"channel"`
}

// IntegrationChannel is a concrete destination for one channel type.
type IntegrationChannel struct {
	ID       string      `json:"id"`
	TargetID string      `json:"target_id"`
	Type     ChannelType `json:"type"`
	Endpoint string      `json:"endpoint"`
	Enabled  bool        `json:"enabled"`
}

// OnCallSchedule optionally declares UTC quiet hours [start, end).
type OnCallSchedule struct {
	ID              string `json:"id"`
	TargetID        string `json:"target_id"`
	Name            string `json:"name"`
	Timezone        string `json:"timezone"`
	QuietHoursStart *int   `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   *int   `json:"quiet_hours_end,omitempty"`
}

// InQuietHours reports whether now's UTC hour falls in the quiet window.
// The window wraps past midnight when start > end.
func (s *OnCallSchedule) InQuietHours(now time.Time) bool {
	if s.QuietHoursStart == nil || s.QuietHoursEnd == nil {
		return false
	}
	start, end := *s.QuietHoursStart, *s.QuietHoursEnd
	hour := now.UTC().Hour()
	if start <= end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// AnyQuietHours reports whether any schedule is currently quiet.
func AnyQuietHours(schedules []OnCallSchedule, now time.Time) bool {
	for i := range schedules {
		if schedules[i].InQuietHours(now) {
			return true
		}
	}
	return false
}

type DeliveryStatus string

const (
	DeliveryQueued           DeliveryStatus = "queued"
	DeliveryQueuedQuietHours DeliveryStatus = "queued_quiet_hours"
	DeliveryRetry            DeliveryStatus = "retry"
	DeliverySent             DeliveryStatus = "sent"
	DeliveryFailed           DeliveryStatus = "failed"
)

// Pending reports whether the sweep may still pick the delivery up.
func (s DeliveryStatus) Pending() bool {
	switch s {
	case DeliveryQueued, DeliveryQueuedQuietHours, DeliveryRetry:
		return true
	}
	return false
}

type NotificationKind string

const (
	KindFire       NotificationKind = "FIRE"
	KindStillDown  NotificationKind = "STILL_DOWN"
	KindResolved   NotificationKind = "RESOLVED"
	KindEscalation NotificationKind = "ESCALATION"
)

func (k NotificationKind) Valid() bool {
	switch k {
	case KindFire, KindStillDown, KindResolved, KindEscalation:
		return true
	}
	return false
}

// AlertDelivery is one notification to one destination, retried by the sweep.
type AlertDelivery struct {
	ID          string           `json:"id"`
	IncidentID  string           `json:"incident_id"`
	TargetID    string           `json:"target_id"`
	ChannelType ChannelType      `json:"channel_type"`
	Destination string           `json:"destination"`
	Status      DeliveryStatus   `json:"status"`
	Kind        NotificationKind `json:"notification_kind"`
	Attempts    int              `json:"attempts"`
	MaxAttempts int              `json:"max_attempts"`
	NextRetryAt time.Time        `json:"next_retry_at"`
	SentAt      *time.Time       `json:"sent_at,omitempty"`
	Payload     string           `json:"payload"`
	ExternalID  string           `json:"external_id,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}
