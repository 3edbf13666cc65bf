package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/makt28/vigil/internal/model"
)

// Notification asks the pipeline to alert about an incident.
type Notification struct {
	IncidentID    string
	TargetID      string
	Severity      model.Severity
	Kind          model.NotificationKind
	RootCauseHint string
	// ForceAllRoutes bypasses route matching and targets every enabled integration.
	ForceAllRoutes bool
}

// Payload is the rendered alert content stored on each delivery.
type Payload struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// Sender is the interface that all channel implementations must satisfy.
type Sender interface {
	// Type returns the channel the sender serves.
	Type() model.ChannelType

	// Send delivers p to destination and returns the provider's message id,
	// if it reports one. Any non-2xx answer is an error.
	Send(ctx context.Context, destination string, p Payload) (string, error)

	// Validate checks whether the sender's credentials are configured.
	Validate() error
}

var titleTemplates = map[model.NotificationKind]string{
	model.KindFire:       "Incident fired",
	model.KindStillDown:  "Still down reminder",
	model.KindResolved:   "Incident resolved",
	model.KindEscalation: "Escalation triggered",
}

// BuildPayload renders the title and summary for one notification.
func BuildPayload(kind model.NotificationKind, targetURL string, severity model.Severity, incidentID, rootCauseHint string) (Payload, error) {
	tmpl, ok := titleTemplates[kind]
	if !ok {
		return Payload{}, fmt.Errorf("notify: unknown notification kind %q", kind)
	}
	if rootCauseHint == "" {
		rootCauseHint = "unknown"
	}
	title := tmpl + " • " + targetURL
	return Payload{
		Title:   title,
		Summary: fmt.Sprintf("%s\nSeverity: %s\nIncident: %s\nRoot cause hint: %s", title, severity, incidentID, rootCauseHint),
	}, nil
}

// Encode serializes p for storage on a delivery row.
func (p Payload) Encode() string {
	out, _ := json.Marshal(p)
	return string(out)
}

// ParsePayload decodes a stored payload. Anything unusable falls back to a
// generic alert so the delivery still goes out.
func ParsePayload(raw string) Payload {
	var p Payload
	if raw == "" || json.Unmarshal([]byte(raw), &p) != nil || (p.Title == "" && p.Summary == "") {
		return Payload{Title: "Uptime Alert", Summary: "No payload"}
	}
	return p
}
