package model

import (
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestSeverityRank(t *testing.T) {
	if !SeverityP1.Outranks(SeverityP2) || !SeverityP2.Outranks(SeverityP3) {
		t.Fatal("expected P1 > P2 > P3")
	}
	if SeverityP3.Outranks(SeverityP3) {
		t.Error("equal severities must not outrank each other")
	}
	if Severity("").Rank() != 1 {
		t.Errorf("unknown severity rank = %d, want 1", Severity("").Rank())
	}
}

func TestInQuietHours(t *testing.T) {
	at := func(hour int) time.Time {
		return time.Date(2026, 1, 2, hour, 30, 0, 0, time.UTC)
	}

	tests := []struct {
		name       string
		start, end *int
		hour       int
		want       bool
	}{
		{"no window", nil, nil, 3, false},
		{"inside simple", intPtr(1), intPtr(5), 3, true},
		{"end exclusive", intPtr(1), intPtr(5), 5, false},
		{"wrap late", intPtr(22), intPtr(6), 23, true},
		{"wrap early", intPtr(22), intPtr(6), 2, true},
		{"wrap outside", intPtr(22), intPtr(6), 12, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := OnCallSchedule{QuietHoursStart: tt.start, QuietHoursEnd: tt.end}
			if got := s.InQuietHours(at(tt.hour)); got != tt.want {
				t.Errorf("InQuietHours(%02d:30) = %v, want %v", tt.hour, got, tt.want)
			}
		})
	}
}

func TestTargetMuted(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	if (&Target{}).Muted(now) {
		t.Error("target without windows must not be muted")
	}
	if !(&Target{SnoozeUntil: &future}).Muted(now) {
		t.Error("snoozed target should be muted")
	}
	if (&Target{SnoozeUntil: &past}).Muted(now) {
		t.Error("expired snooze should not mute")
	}
	if !(&Target{MaintenanceStartAt: &past, MaintenanceEndAt: &future}).Muted(now) {
		t.Error("target inside maintenance should be muted")
	}
	if (&Target{MaintenanceStartAt: &future}).Muted(now) {
		t.Error("half-open maintenance window should not mute")
	}
}

func TestComponentResolveURL(t *testing.T) {
	tests := []struct {
		name string
		c    Component
		want string
	}{
		{"absolute wins", Component{TargetURL: "https://status.example.org/ping", Path: "/x"}, "https://status.example.org/ping"},
		{"path", Component{Path: "/api/health"}, "https://example.com/api/health"},
		{"default path", Component{}, "https://example.com/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.c.ResolveURL("https://example.com/app")
			if err != nil {
				t.Fatalf("ResolveURL: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	bad := Component{TargetURL: "not a url"}
	if _, err := bad.ResolveURL("https://example.com"); err == nil {
		t.Error("expected error for invalid absolute url")
	}
}
