package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/makt28/vigil/internal/model"
)

const CurrentSnapshotVersion = 1

// Snapshot is the root structure persisted by MemoryStore.Dump.
type Snapshot struct {
	Version      int                        `json:"version"`
	LastDumpTime int64                      `json:"last_dump_time"`
	Validators   []model.Validator          `json:"validators"`
	Targets      []model.Target             `json:"targets"`
	Components   []model.Component          `json:"components"`
	Routes       []model.AlertRoute         `json:"routes"`
	Integrations []model.IntegrationChannel `json:"integrations"`
	Schedules    []model.OnCallSchedule     `json:"schedules"`
	Ticks        []model.Tick               `json:"ticks"`
	Incidents    []model.Incident           `json:"incidents"`
	Events       []model.IncidentEvent      `json:"events"`
	Deliveries   []model.AlertDelivery      `json:"deliveries"`
}

// MemoryStore keeps every record in memory and persists a JSON snapshot on
// Dump. It is the default store when no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	filePath string
	maxTicks int

	validators   map[string]*model.Validator
	targets      map[string]*model.Target
	components   map[string]*model.Component
	routes       []model.AlertRoute
	integrations []model.IntegrationChannel
	schedules    []model.OnCallSchedule
	ticks        []model.Tick
	incidents    map[string]*model.Incident
	events       []model.IncidentEvent
	deliveries   []*model.AlertDelivery
}

// NewMemoryStore creates a store backed by filePath. An empty path disables
// persistence. maxTicks bounds the number of retained ticks (0 = unbounded).
func NewMemoryStore(filePath string, maxTicks int) (*MemoryStore, error) {
	s := &MemoryStore{
		filePath:   filePath,
		maxTicks:   maxTicks,
		validators: make(map[string]*model.Validator),
		targets:    make(map[string]*model.Target),
		components: make(map[string]*model.Component),
		incidents:  make(map[string]*model.Incident),
	}
	if filePath == "" {
		return s, nil
	}

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		slog.Info("state file not found, starting fresh", "path", filePath)
		return s, nil
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return s, nil
}

func (s *MemoryStore) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse state JSON: %w", err)
	}
	if snap.Version > CurrentSnapshotVersion {
		return fmt.Errorf("state file version %d is newer than supported version %d", snap.Version, CurrentSnapshotVersion)
	}
	s.Restore(snap)
	return nil
}

// Restore replaces the store's content with snap.
func (s *MemoryStore) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.validators = make(map[string]*model.Validator, len(snap.Validators))
	for i := range snap.Validators {
		v := snap.Validators[i]
		s.validators[v.ID] = &v
	}
	s.targets = make(map[string]*model.Target, len(snap.Targets))
	for i := range snap.Targets {
		t := snap.Targets[i]
		s.targets[t.ID] = &t
	}
	s.components = make(map[string]*model.Component, len(snap.Components))
	for i := range snap.Components {
		c := snap.Components[i]
		s.components[c.ID] = &c
	}
	s.incidents = make(map[string]*model.Incident, len(snap.Incidents))
	for i := range snap.Incidents {
		inc := snap.Incidents[i]
		s.incidents[inc.ID] = &inc
	}
	s.deliveries = make([]*model.AlertDelivery, 0, len(snap.Deliveries))
	for i := range snap.Deliveries {
		d := snap.Deliveries[i]
		s.deliveries = append(s.deliveries, &d)
	}
	s.routes = append([]model.AlertRoute(nil), snap.Routes...)
	s.integrations = append([]model.IntegrationChannel(nil), snap.Integrations...)
	s.schedules = append([]model.OnCallSchedule(nil), snap.Schedules...)
	s.ticks = append([]model.Tick(nil), snap.Ticks...)
	s.events = append([]model.IncidentEvent(nil), snap.Events...)
}

// Snapshot returns a copy of the full store content.
func (s *MemoryStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Version:      CurrentSnapshotVersion,
		Routes:       append([]model.AlertRoute(nil), s.routes...),
		Integrations: append([]model.IntegrationChannel(nil), s.integrations...),
		Schedules:    append([]model.OnCallSchedule(nil), s.schedules...),
		Ticks:        append([]model.Tick(nil), s.ticks...),
		Events:       append([]model.IncidentEvent(nil), s.events...),
	}
	for _, v := range s.validators {
		snap.Validators = append(snap.Validators, *v)
	}
	for _, t := range s.targets {
		snap.Targets = append(snap.Targets, *t)
	}
	for _, c := range s.components {
		snap.Components = append(snap.Components, *c)
	}
	for _, inc := range s.incidents {
		snap.Incidents = append(snap.Incidents, *inc)
	}
	for _, d := range s.deliveries {
		snap.Deliveries = append(snap.Deliveries, *d)
	}
	sort.Slice(snap.Validators, func(i, j int) bool { return snap.Validators[i].ID < snap.Validators[j].ID })
	sort.Slice(snap.Targets, func(i, j int) bool { return snap.Targets[i].ID < snap.Targets[j].ID })
	sort.Slice(snap.Components, func(i, j int) bool { return snap.Components[i].ID < snap.Components[j].ID })
	sort.Slice(snap.Incidents, func(i, j int) bool { return snap.Incidents[i].StartedAt.Before(snap.Incidents[j].StartedAt) })
	return snap
}

// Dump persists the current state atomically. It is a no-op without a file path.
func (s *MemoryStore) Dump() error {
	if s.filePath == "" {
		return nil
	}
	snap := s.Snapshot()
	snap.LastDumpTime = time.Now().Unix()
	if err := atomicWriteJSON(s.filePath, snap); err != nil {
		return fmt.Errorf("dump state: %w", err)
	}
	return nil
}

// --- configuration seeding (management API side) ---

func (s *MemoryStore) PutTarget(t model.Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[t.ID] = &t
}

func (s *MemoryStore) PutComponent(c model.Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components[c.ID] = &c
}

func (s *MemoryStore) PutRoute(r model.AlertRoute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes = append(s.routes, r)
}

func (s *MemoryStore) PutIntegration(ic model.IntegrationChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.integrations = append(s.integrations, ic)
}

func (s *MemoryStore) PutSchedule(sc model.OnCallSchedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules = append(s.schedules, sc)
}

// --- validators ---

func (s *MemoryStore) FindValidatorByPublicKey(_ context.Context, publicKey string) (*model.Validator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.validators {
		if v.PublicKey == publicKey {
			cp := *v
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateValidator(_ context.Context, v *model.Validator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == "" {
		v.ID = NewID()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	cp := *v
	s.validators[v.ID] = &cp
	return nil
}

// GetValidator returns a copy of a validator record.
func (s *MemoryStore) GetValidator(id string) (*model.Validator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.validators[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (s *MemoryStore) ValidatorLocations(_ context.Context, ids []string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if v, ok := s.validators[id]; ok {
			out[id] = v.Location
		}
	}
	return out, nil
}

// --- targets ---

func (s *MemoryStore) ListEnabledTargets(_ context.Context) ([]model.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Target, 0, len(s.targets))
	for _, t := range s.targets {
		if !t.Disabled {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetTarget(_ context.Context, id string) (*model.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) SetLastAlertSentAt(_ context.Context, targetID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[targetID]
	if !ok {
		return ErrNotFound
	}
	t.LastAlertSentAt = &at
	return nil
}

func (s *MemoryStore) ListEnabledComponents(_ context.Context, targetID string) ([]model.Component, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Component
	for _, c := range s.components {
		if c.TargetID == targetID && c.Enabled {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- ticks ---

func (s *MemoryStore) RecordRound(_ context.Context, ticks []model.Tick, credit int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before mutating so a failed round leaves no trace.
	for _, t := range ticks {
		if _, ok := s.validators[t.ValidatorID]; !ok {
			return fmt.Errorf("record round: validator %s: %w", t.ValidatorID, ErrNotFound)
		}
	}
	for _, t := range ticks {
		if t.ID == "" {
			t.ID = NewID()
		}
		s.ticks = append(s.ticks, t)
		s.validators[t.ValidatorID].PendingPayouts += credit
	}

	// Ring buffer: trim to max
	if s.maxTicks > 0 && len(s.ticks) > s.maxTicks {
		excess := len(s.ticks) - s.maxTicks
		s.ticks = append([]model.Tick(nil), s.ticks[excess:]...)
	}
	return nil
}

// ListTicks returns the retained ticks of a target, components included.
func (s *MemoryStore) ListTicks(targetID string) []model.Tick {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Tick
	for _, t := range s.ticks {
		if t.TargetID == targetID {
			out = append(out, t)
		}
	}
	return out
}

// --- incidents ---

func (s *MemoryStore) FindOpenIncident(_ context.Context, targetID string) (*model.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inc := range s.incidents {
		if inc.TargetID == targetID && inc.Status == model.IncidentOpen {
			cp := *inc
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetIncident(_ context.Context, id string) (*model.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inc
	return &cp, nil
}

// CreateIncident enforces the one-open-incident-per-target invariant.
func (s *MemoryStore) CreateIncident(_ context.Context, inc *model.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inc.Status == model.IncidentOpen {
		for _, existing := range s.incidents {
			if existing.TargetID == inc.TargetID && existing.Status == model.IncidentOpen {
				return fmt.Errorf("create incident: target %s already has open incident %s", inc.TargetID, existing.ID)
			}
		}
	}
	if inc.ID == "" {
		inc.ID = NewID()
	}
	cp := *inc
	s.incidents[inc.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateIncident(_ context.Context, inc *model.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.incidents[inc.ID]
	if !ok {
		return ErrNotFound
	}
	cp := *inc
	// Acknowledgement and escalation are never cleared by a stale copy.
	if cp.AcknowledgedAt == nil {
		cp.AcknowledgedAt = existing.AcknowledgedAt
	}
	if cp.EscalatedAt == nil {
		cp.EscalatedAt = existing.EscalatedAt
	}
	s.incidents[inc.ID] = &cp
	return nil
}

func (s *MemoryStore) ListEscalationCandidates(_ context.Context) ([]model.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Incident
	for _, inc := range s.incidents {
		if inc.Status == model.IncidentOpen && inc.AcknowledgedAt == nil && inc.EscalatedAt == nil {
			out = append(out, *inc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) MarkEscalated(_ context.Context, incidentID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[incidentID]
	if !ok {
		return false, ErrNotFound
	}
	if inc.Status != model.IncidentOpen || inc.AcknowledgedAt != nil || inc.EscalatedAt != nil {
		return false, nil
	}
	inc.EscalatedAt = &at
	return true, nil
}

// ListIncidents returns all incidents of a target, oldest first.
func (s *MemoryStore) ListIncidents(targetID string) []model.Incident {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Incident
	for _, inc := range s.incidents {
		if inc.TargetID == targetID {
			out = append(out, *inc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (s *MemoryStore) AppendEvent(_ context.Context, evt *model.IncidentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if evt.ID == "" {
		evt.ID = NewID()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	s.events = append(s.events, *evt)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, incidentID string) ([]model.IncidentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.IncidentEvent
	for _, e := range s.events {
		if e.IncidentID == incidentID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- alert configuration ---

func (s *MemoryStore) ListRoutes(_ context.Context, targetID string) ([]model.AlertRoute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AlertRoute
	for _, r := range s.routes {
		if r.TargetID == targetID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListEnabledIntegrations(_ context.Context, targetID string) ([]model.IntegrationChannel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.IntegrationChannel
	for _, ic := range s.integrations {
		if ic.TargetID == targetID && ic.Enabled {
			out = append(out, ic)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListSchedules(_ context.Context, targetID string) ([]model.OnCallSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.OnCallSchedule
	for _, sc := range s.schedules {
		if sc.TargetID == targetID {
			out = append(out, sc)
		}
	}
	return out, nil
}

// --- deliveries ---

func (s *MemoryStore) CreateDelivery(_ context.Context, d *model.AlertDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = NewID()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	cp := *d
	s.deliveries = append(s.deliveries, &cp)
	return nil
}

func (s *MemoryStore) ClaimDueDeliveries(_ context.Context, now time.Time, lease time.Duration, limit int) ([]model.AlertDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*model.AlertDelivery
	for _, d := range s.deliveries {
		if d.Status.Pending() && !d.NextRetryAt.After(now) {
			due = append(due, d)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]model.AlertDelivery, len(due))
	for i, d := range due {
		d.NextRetryAt = now.Add(lease)
		out[i] = *d
	}
	return out, nil
}

func (s *MemoryStore) UpdateDelivery(_ context.Context, d *model.AlertDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.deliveries {
		if existing.ID == d.ID {
			cp := *d
			s.deliveries[i] = &cp
			return nil
		}
	}
	return ErrNotFound
}

// ListDeliveries returns the deliveries of an incident in creation order.
func (s *MemoryStore) ListDeliveries(incidentID string) []model.AlertDelivery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AlertDelivery
	for _, d := range s.deliveries {
		if d.IncidentID == incidentID {
			out = append(out, *d)
		}
	}
	return out
}

// atomicWriteJSON writes data as JSON to a file atomically.
func atomicWriteJSON(filePath string, data interface{}) error {
	bs, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(filePath)
	tmp, err := os.CreateTemp(dir, filepath.Base(filePath)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(bs); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	tmp = nil

	return os.Rename(tmpName, filePath)
}

var _ Store = (*MemoryStore)(nil)
