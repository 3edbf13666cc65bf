package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/makt28/vigil/internal/model"
	"github.com/makt28/vigil/internal/notify"
	"github.com/makt28/vigil/internal/storage"
)

type recordingDispatcher struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recordingDispatcher) Dispatch(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

func (r *recordingDispatcher) kinds() []model.NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.NotificationKind, len(r.got))
	for i, n := range r.got {
		out[i] = n.Kind
	}
	return out
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newIncidentFixture(t *testing.T, target model.Target) (*Incidents, *storage.MemoryStore, *recordingDispatcher, *clock) {
	t.Helper()
	s, err := storage.NewMemoryStore("", 0)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	s.PutTarget(target)
	rd := &recordingDispatcher{}
	c := &clock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	m := NewIncidents(s, rd)
	m.now = c.now
	return m, s, rd, c
}

func down(sev model.Severity) Decision {
	return Decision{IsDown: true, BadCount: 2, SampleCount: 3, GoodCount: 1, BadRegionCount: 1, Quorum: 2, Severity: sev, RootCauseHint: "http_5xx"}
}

func up() Decision {
	return Decision{SampleCount: 3, GoodCount: 3, Quorum: 2, Severity: model.SeverityP3, RootCauseHint: "unknown"}
}

func eventTypes(t *testing.T, s *storage.MemoryStore, incidentID string) []model.EventType {
	t.Helper()
	evts, err := s.ListEvents(context.Background(), incidentID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	out := make([]model.EventType, len(evts))
	for i, e := range evts {
		out[i] = e.Type
	}
	return out
}

func equalTypes[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestApplyOpensIncidentAndFires(t *testing.T) {
	target := model.Target{ID: "t1", URL: "https://example.com", CooldownMinutes: 5}
	m, s, rd, _ := newIncidentFixture(t, target)
	ctx := context.Background()

	if err := m.Apply(ctx, target, down(model.SeverityP2)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	incs := s.ListIncidents("t1")
	if len(incs) != 1 {
		t.Fatalf("incidents = %d, want 1", len(incs))
	}
	inc := incs[0]
	if inc.Status != model.IncidentOpen || inc.Severity != model.SeverityP2 {
		t.Errorf("incident = %+v", inc)
	}
	if !strings.Contains(inc.Summary, "http_5xx") {
		t.Errorf("summary %q missing root cause", inc.Summary)
	}

	want := []model.EventType{model.EventDetected, model.EventQuorumDecision, model.EventAlertSent}
	if got := eventTypes(t, s, inc.ID); !equalTypes(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if got := rd.kinds(); !equalTypes(got, []model.NotificationKind{model.KindFire}) {
		t.Errorf("dispatched = %v", got)
	}

	fresh, _ := s.GetTarget(ctx, "t1")
	if fresh.LastAlertSentAt == nil {
		t.Error("LastAlertSentAt not set")
	}
}

func TestApplyDedupAndReminder(t *testing.T) {
	target := model.Target{ID: "t1", URL: "https://example.com", CooldownMinutes: 5}
	m, s, rd, c := newIncidentFixture(t, target)
	ctx := context.Background()

	if err := m.Apply(ctx, target, down(model.SeverityP2)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// Inside max(cooldown 5, floor 10) = 10 minutes.
	c.advance(9 * time.Minute)
	if err := m.Apply(ctx, target, down(model.SeverityP2)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := len(rd.kinds()); got != 1 {
		t.Fatalf("dispatches = %d, want 1", got)
	}

	c.advance(time.Minute)
	if err := m.Apply(ctx, target, down(model.SeverityP2)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := rd.kinds(); !equalTypes(got, []model.NotificationKind{model.KindFire, model.KindStillDown}) {
		t.Errorf("dispatched = %v", got)
	}

	inc := s.ListIncidents("t1")[0]
	want := []model.EventType{
		model.EventDetected, model.EventQuorumDecision, model.EventAlertSent,
		model.EventQuorumDecision, model.EventAlertSuppressed,
		model.EventQuorumDecision, model.EventAlertSent,
	}
	if got := eventTypes(t, s, inc.ID); !equalTypes(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestApplyCooldownAboveFloor(t *testing.T) {
	target := model.Target{ID: "t1", URL: "https://example.com", CooldownMinutes: 30}
	m, _, rd, c := newIncidentFixture(t, target)
	ctx := context.Background()

	_ = m.Apply(ctx, target, down(model.SeverityP1))
	c.advance(20 * time.Minute)
	_ = m.Apply(ctx, target, down(model.SeverityP1))
	if got := len(rd.kinds()); got != 1 {
		t.Errorf("dispatches = %d, want 1 within 30 min cooldown", got)
	}
}

func TestApplySeverityIsMonotonic(t *testing.T) {
	target := model.Target{ID: "t1", URL: "https://example.com"}
	m, s, _, _ := newIncidentFixture(t, target)
	ctx := context.Background()

	for _, sev := range []model.Severity{model.SeverityP3, model.SeverityP1, model.SeverityP2} {
		if err := m.Apply(ctx, target, down(sev)); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
	if got := s.ListIncidents("t1")[0].Severity; got != model.SeverityP1 {
		t.Errorf("severity = %s, want P1", got)
	}
}

func TestApplyResolves(t *testing.T) {
	target := model.Target{ID: "t1", URL: "https://example.com"}
	m, s, rd, _ := newIncidentFixture(t, target)
	ctx := context.Background()

	// Up with nothing open is a no-op.
	if err := m.Apply(ctx, target, up()); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(s.ListIncidents("t1")) != 0 || len(rd.kinds()) != 0 {
		t.Fatal("up decision without incident had side effects")
	}

	_ = m.Apply(ctx, target, down(model.SeverityP1))
	if err := m.Apply(ctx, target, up()); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	inc := s.ListIncidents("t1")[0]
	if inc.Status != model.IncidentResolved || inc.ResolvedAt == nil {
		t.Errorf("incident = %+v", inc)
	}
	if !strings.Contains(inc.PostmortemTemplate, "# Postmortem template: https://example.com") {
		t.Errorf("postmortem = %q", inc.PostmortemTemplate)
	}
	if got := rd.kinds(); !equalTypes(got, []model.NotificationKind{model.KindFire, model.KindResolved}) {
		t.Errorf("dispatched = %v", got)
	}

	// A new outage opens a fresh incident.
	_ = m.Apply(ctx, target, down(model.SeverityP1))
	if got := len(s.ListIncidents("t1")); got != 2 {
		t.Errorf("incidents = %d, want 2", got)
	}
}

func TestAcknowledge(t *testing.T) {
	target := model.Target{ID: "t1", URL: "https://example.com"}
	m, s, _, _ := newIncidentFixture(t, target)
	ctx := context.Background()

	_ = m.Apply(ctx, target, down(model.SeverityP1))
	inc := s.ListIncidents("t1")[0]

	got, err := m.Acknowledge(ctx, inc.ID)
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if got.AcknowledgedAt == nil || got.Status != model.IncidentOpen {
		t.Errorf("incident = %+v", got)
	}
	if _, err := m.Acknowledge(ctx, inc.ID); !errors.Is(err, ErrAlreadyAcknowledged) {
		t.Errorf("second ack err = %v", err)
	}
	if _, err := m.Acknowledge(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing ack err = %v", err)
	}

	_ = m.Apply(ctx, target, up())
	if _, err := m.Acknowledge(ctx, inc.ID); !errors.Is(err, ErrIncidentResolved) {
		t.Errorf("resolved ack err = %v", err)
	}
}

func TestEscalationSweep(t *testing.T) {
	target := model.Target{ID: "t1", URL: "https://example.com", EscalationMinutes: 15}
	m, s, rd, c := newIncidentFixture(t, target)
	ctx := context.Background()

	_ = m.Apply(ctx, target, down(model.SeverityP2))
	inc := s.ListIncidents("t1")[0]

	c.advance(14 * time.Minute)
	if err := m.EscalationSweep(ctx); err != nil {
		t.Fatalf("EscalationSweep: %v", err)
	}
	if len(rd.kinds()) != 1 {
		t.Fatal("escalated before the window")
	}

	c.advance(time.Minute)
	if err := m.EscalationSweep(ctx); err != nil {
		t.Fatalf("EscalationSweep: %v", err)
	}
	if err := m.EscalationSweep(ctx); err != nil {
		t.Fatalf("EscalationSweep: %v", err)
	}

	rd.mu.Lock()
	got := append([]notify.Notification(nil), rd.got...)
	rd.mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("dispatches = %d, want 2", len(got))
	}
	esc := got[1]
	if esc.Kind != model.KindEscalation || !esc.ForceAllRoutes || esc.Severity != model.SeverityP2 {
		t.Errorf("escalation notification = %+v", esc)
	}

	fresh, _ := s.GetIncident(ctx, inc.ID)
	if fresh.EscalatedAt == nil {
		t.Error("EscalatedAt not set")
	}
}

func TestConcurrentEscalationSweepsEscalateOnce(t *testing.T) {
	target := model.Target{ID: "t1", URL: "https://example.com", EscalationMinutes: 1}
	m, s, rd, c := newIncidentFixture(t, target)
	ctx := context.Background()

	_ = m.Apply(ctx, target, down(model.SeverityP2))
	inc := s.ListIncidents("t1")[0]
	c.advance(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.EscalationSweep(ctx); err != nil {
				t.Errorf("EscalationSweep: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := rd.kinds(); len(got) != 2 || got[1] != model.KindEscalation {
		t.Errorf("dispatched kinds = %v, want [FIRE ESCALATION]", got)
	}
	evts, _ := s.ListEvents(ctx, inc.ID)
	escalated := 0
	for _, e := range evts {
		if e.Type == model.EventEscalated {
			escalated++
		}
	}
	if escalated != 1 {
		t.Errorf("ESCALATED events = %d, want 1", escalated)
	}
}

func TestEscalationSkipsAcknowledged(t *testing.T) {
	target := model.Target{ID: "t1", URL: "https://example.com", EscalationMinutes: 1}
	m, s, rd, c := newIncidentFixture(t, target)
	ctx := context.Background()

	_ = m.Apply(ctx, target, down(model.SeverityP2))
	if _, err := m.Acknowledge(ctx, s.ListIncidents("t1")[0].ID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	c.advance(time.Hour)
	if err := m.EscalationSweep(ctx); err != nil {
		t.Fatalf("EscalationSweep: %v", err)
	}
	if len(rd.kinds()) != 1 {
		t.Errorf("acknowledged incident escalated")
	}
}
