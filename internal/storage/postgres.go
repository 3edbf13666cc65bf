package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/makt28/vigil/internal/model"
)

// PostgresStore is the Store backed by a shared Postgres database. The
// management API writes targets, components and alert configuration into the
// same tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func Connect(databaseURL string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (db *PostgresStore) Close() {
	db.pool.Close()
}

func (db *PostgresStore) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Migrate creates the schema. It is idempotent.
func (db *PostgresStore) Migrate(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS validators (
			id              TEXT PRIMARY KEY,
			public_key      TEXT NOT NULL UNIQUE,
			ip              TEXT NOT NULL DEFAULT '',
			location        TEXT NOT NULL DEFAULT 'unknown',
			pending_payouts BIGINT NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS targets (
			id                   TEXT PRIMARY KEY,
			url                  TEXT NOT NULL,
			cooldown_minutes     INTEGER NOT NULL DEFAULT 10,
			retries              INTEGER NOT NULL DEFAULT 0,
			quorum               INTEGER NOT NULL DEFAULT 1,
			validators_per_round INTEGER NOT NULL DEFAULT 3,
			escalation_minutes   INTEGER NOT NULL DEFAULT 15,
			check_spec           JSONB NOT NULL DEFAULT '{}',
			snooze_until         TIMESTAMPTZ,
			maintenance_start_at TIMESTAMPTZ,
			maintenance_end_at   TIMESTAMPTZ,
			last_alert_sent_at   TIMESTAMPTZ,
			disabled             BOOLEAN NOT NULL DEFAULT false
		);

		CREATE TABLE IF NOT EXISTS components (
			id         TEXT PRIMARY KEY,
			target_id  TEXT NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
			name       TEXT NOT NULL,
			path       TEXT NOT NULL DEFAULT '',
			target_url TEXT NOT NULL DEFAULT '',
			check_spec JSONB NOT NULL DEFAULT '{}',
			enabled    BOOLEAN NOT NULL DEFAULT true
		);
		CREATE INDEX IF NOT EXISTS idx_components_target ON components(target_id);

		CREATE TABLE IF NOT EXISTS ticks (
			id           TEXT PRIMARY KEY,
			target_id    TEXT NOT NULL,
			component_id TEXT NOT NULL DEFAULT '',
			validator_id TEXT NOT NULL REFERENCES validators(id),
			status       TEXT NOT NULL,
			latency_ms   BIGINT NOT NULL DEFAULT 0,
			severity     TEXT NOT NULL,
			details      TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_ticks_target_time ON ticks(target_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS incidents (
			id                  TEXT PRIMARY KEY,
			target_id           TEXT NOT NULL,
			status              TEXT NOT NULL,
			severity            TEXT NOT NULL,
			summary             TEXT NOT NULL DEFAULT '',
			started_at          TIMESTAMPTZ NOT NULL,
			acknowledged_at     TIMESTAMPTZ,
			escalated_at        TIMESTAMPTZ,
			resolved_at         TIMESTAMPTZ,
			postmortem_template TEXT NOT NULL DEFAULT ''
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_one_open
			ON incidents(target_id) WHERE status = 'OPEN';

		CREATE TABLE IF NOT EXISTS incident_events (
			id          TEXT PRIMARY KEY,
			incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
			type        TEXT NOT NULL,
			message     TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_incident_events_incident ON incident_events(incident_id, created_at);

		CREATE TABLE IF NOT EXISTS alert_routes (
			id           TEXT PRIMARY KEY,
			target_id    TEXT NOT NULL,
			team         TEXT NOT NULL DEFAULT '',
			min_severity TEXT NOT NULL,
			channel      TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS integration_channels (
			id        TEXT PRIMARY KEY,
			target_id TEXT NOT NULL,
			type      TEXT NOT NULL,
			endpoint  TEXT NOT NULL,
			enabled   BOOLEAN NOT NULL DEFAULT true
		);

		CREATE TABLE IF NOT EXISTS on_call_schedules (
			id                TEXT PRIMARY KEY,
			target_id         TEXT NOT NULL,
			name              TEXT NOT NULL DEFAULT '',
			timezone          TEXT NOT NULL DEFAULT 'UTC',
			quiet_hours_start INTEGER,
			quiet_hours_end   INTEGER
		);

		CREATE TABLE IF NOT EXISTS alert_deliveries (
			id                TEXT PRIMARY KEY,
			incident_id       TEXT NOT NULL,
			target_id         TEXT NOT NULL,
			channel_type      TEXT NOT NULL,
			destination       TEXT NOT NULL,
			status            TEXT NOT NULL,
			notification_kind TEXT NOT NULL,
			attempts          INTEGER NOT NULL DEFAULT 0,
			max_attempts      INTEGER NOT NULL DEFAULT 5,
			next_retry_at     TIMESTAMPTZ NOT NULL,
			sent_at           TIMESTAMPTZ,
			payload           TEXT NOT NULL DEFAULT '',
			external_id       TEXT NOT NULL DEFAULT '',
			last_error        TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_alert_deliveries_due
			ON alert_deliveries(next_retry_at) WHERE status IN ('queued', 'queued_quiet_hours', 'retry');
	`)
	if err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

// --- Validators ---

func (db *PostgresStore) FindValidatorByPublicKey(ctx context.Context, publicKey string) (*model.Validator, error) {
	var v model.Validator
	err := db.pool.QueryRow(ctx,
		`SELECT id, public_key, ip, location, pending_payouts, created_at
		 FROM validators WHERE public_key = $1`, publicKey,
	).Scan(&v.ID, &v.PublicKey, &v.IP, &v.Location, &v.PendingPayouts, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

func (db *PostgresStore) CreateValidator(ctx context.Context, v *model.Validator) error {
	if v.ID == "" {
		v.ID = NewID()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO validators (id, public_key, ip, location, pending_payouts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		v.ID, v.PublicKey, v.IP, v.Location, v.PendingPayouts, v.CreatedAt,
	)
	return err
}

func (db *PostgresStore) GetValidator(ctx context.Context, id string) (*model.Validator, error) {
	var v model.Validator
	err := db.pool.QueryRow(ctx,
		`SELECT id, public_key, ip, location, pending_payouts, created_at
		 FROM validators WHERE id = $1`, id,
	).Scan(&v.ID, &v.PublicKey, &v.IP, &v.Location, &v.PendingPayouts, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

func (db *PostgresStore) ValidatorLocations(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := db.pool.Query(ctx, `SELECT id, location FROM validators WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, loc string
		if err := rows.Scan(&id, &loc); err != nil {
			return nil, err
		}
		out[id] = loc
	}
	return out, rows.Err()
}

// --- Targets ---

const targetColumns = `id, url, cooldown_minutes, retries, quorum, validators_per_round,
	escalation_minutes, check_spec, snooze_until, maintenance_start_at,
	maintenance_end_at, last_alert_sent_at, disabled`

func scanTarget(row pgx.Row) (*model.Target, error) {
	var t model.Target
	var spec []byte
	err := row.Scan(&t.ID, &t.URL, &t.CooldownMinutes, &t.Retries, &t.Quorum, &t.ValidatorsPerRound,
		&t.EscalationMinutes, &spec, &t.SnoozeUntil, &t.MaintenanceStartAt,
		&t.MaintenanceEndAt, &t.LastAlertSentAt, &t.Disabled)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(spec, &t.Check); err != nil {
		return nil, fmt.Errorf("decode check spec of target %s: %w", t.ID, err)
	}
	return &t, nil
}

// PutTarget inserts or replaces a target row.
func (db *PostgresStore) PutTarget(ctx context.Context, t model.Target) error {
	spec, err := json.Marshal(t.Check)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO targets (`+targetColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url, cooldown_minutes = EXCLUDED.cooldown_minutes,
			retries = EXCLUDED.retries, quorum = EXCLUDED.quorum,
			validators_per_round = EXCLUDED.validators_per_round,
			escalation_minutes = EXCLUDED.escalation_minutes, check_spec = EXCLUDED.check_spec,
			snooze_until = EXCLUDED.snooze_until, maintenance_start_at = EXCLUDED.maintenance_start_at,
			maintenance_end_at = EXCLUDED.maintenance_end_at, disabled = EXCLUDED.disabled`,
		t.ID, t.URL, t.CooldownMinutes, t.Retries, t.Quorum, t.ValidatorsPerRound,
		t.EscalationMinutes, spec, t.SnoozeUntil, t.MaintenanceStartAt,
		t.MaintenanceEndAt, t.LastAlertSentAt, t.Disabled,
	)
	return err
}

func (db *PostgresStore) ListEnabledTargets(ctx context.Context) ([]model.Target, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE NOT disabled ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (db *PostgresStore) GetTarget(ctx context.Context, id string) (*model.Target, error) {
	t, err := scanTarget(db.pool.QueryRow(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func (db *PostgresStore) SetLastAlertSentAt(ctx context.Context, targetID string, at time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE targets SET last_alert_sent_at = $1 WHERE id = $2`, at, targetID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PutComponent inserts or replaces a component row.
func (db *PostgresStore) PutComponent(ctx context.Context, c model.Component) error {
	spec, err := json.Marshal(c.Check)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO components (id, target_id, name, path, target_url, check_spec, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, path = EXCLUDED.path, target_url = EXCLUDED.target_url,
			check_spec = EXCLUDED.check_spec, enabled = EXCLUDED.enabled`,
		c.ID, c.TargetID, c.Name, c.Path, c.TargetURL, spec, c.Enabled,
	)
	return err
}

func (db *PostgresStore) ListEnabledComponents(ctx context.Context, targetID string) ([]model.Component, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, target_id, name, path, target_url, check_spec, enabled
		 FROM components WHERE target_id = $1 AND enabled ORDER BY id`, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Component
	for rows.Next() {
		var c model.Component
		var spec []byte
		if err := rows.Scan(&c.ID, &c.TargetID, &c.Name, &c.Path, &c.TargetURL, &spec, &c.Enabled); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(spec, &c.Check); err != nil {
			return nil, fmt.Errorf("decode check spec of component %s: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Ticks ---

// RecordRound writes ticks and credits in one transaction.
func (db *PostgresStore) RecordRound(ctx context.Context, ticks []model.Tick, credit int64) error {
	if len(ticks) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		for _, t := range ticks {
			if t.ID == "" {
				t.ID = NewID()
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO ticks (id, target_id, component_id, validator_id, status, latency_ms, severity, details, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				t.ID, t.TargetID, t.ComponentID, t.ValidatorID, t.Status, t.LatencyMs, t.Severity, t.Details, t.CreatedAt,
			); err != nil {
				return fmt.Errorf("insert tick: %w", err)
			}
			tag, err := tx.Exec(ctx,
				`UPDATE validators SET pending_payouts = pending_payouts + $1 WHERE id = $2`,
				credit, t.ValidatorID)
			if err != nil {
				return fmt.Errorf("credit validator: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("credit validator %s: %w", t.ValidatorID, ErrNotFound)
			}
		}
		return nil
	})
}

// CountTicks returns the number of ticks stored for a target.
func (db *PostgresStore) CountTicks(ctx context.Context, targetID string) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ticks WHERE target_id = $1`, targetID).Scan(&n)
	return n, err
}

// --- Incidents ---

const incidentColumns = `id, target_id, status, severity, summary, started_at,
	acknowledged_at, escalated_at, resolved_at, postmortem_template`

func scanIncident(row pgx.Row) (*model.Incident, error) {
	var inc model.Incident
	err := row.Scan(&inc.ID, &inc.TargetID, &inc.Status, &inc.Severity, &inc.Summary, &inc.StartedAt,
		&inc.AcknowledgedAt, &inc.EscalatedAt, &inc.ResolvedAt, &inc.PostmortemTemplate)
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

func (db *PostgresStore) FindOpenIncident(ctx context.Context, targetID string) (*model.Incident, error) {
	inc, err := scanIncident(db.pool.QueryRow(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE target_id = $1 AND status = 'OPEN'`, targetID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return inc, nil
}

func (db *PostgresStore) GetIncident(ctx context.Context, id string) (*model.Incident, error) {
	inc, err := scanIncident(db.pool.QueryRow(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return inc, nil
}

// CreateIncident relies on the partial unique index to reject a second OPEN
// incident for the same target.
func (db *PostgresStore) CreateIncident(ctx context.Context, inc *model.Incident) error {
	if inc.ID == "" {
		inc.ID = NewID()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO incidents (`+incidentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		inc.ID, inc.TargetID, inc.Status, inc.Severity, inc.Summary, inc.StartedAt,
		inc.AcknowledgedAt, inc.EscalatedAt, inc.ResolvedAt, inc.PostmortemTemplate,
	)
	return err
}

func (db *PostgresStore) UpdateIncident(ctx context.Context, inc *model.Incident) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE incidents SET status = $1, severity = $2, summary = $3,
			acknowledged_at = COALESCE(acknowledged_at, $4),
			escalated_at = COALESCE(escalated_at, $5), resolved_at = $6, postmortem_template = $7
		 WHERE id = $8`,
		inc.Status, inc.Severity, inc.Summary, inc.AcknowledgedAt,
		inc.EscalatedAt, inc.ResolvedAt, inc.PostmortemTemplate, inc.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *PostgresStore) MarkEscalated(ctx context.Context, incidentID string, at time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE incidents SET escalated_at = $1
		 WHERE id = $2 AND status = 'OPEN' AND acknowledged_at IS NULL AND escalated_at IS NULL`,
		at, incidentID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (db *PostgresStore) ListEscalationCandidates(ctx context.Context) ([]model.Incident, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+incidentColumns+` FROM incidents
		 WHERE status = 'OPEN' AND acknowledged_at IS NULL AND escalated_at IS NULL
		 ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inc)
	}
	return out, rows.Err()
}

func (db *PostgresStore) AppendEvent(ctx context.Context, evt *model.IncidentEvent) error {
	if evt.ID == "" {
		evt.ID = NewID()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO incident_events (id, incident_id, type, message, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		evt.ID, evt.IncidentID, evt.Type, evt.Message, evt.CreatedAt,
	)
	return err
}

func (db *PostgresStore) ListEvents(ctx context.Context, incidentID string) ([]model.IncidentEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, incident_id, type, message, created_at FROM incident_events
		 WHERE incident_id = $1 ORDER BY created_at, id`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.IncidentEvent
	for rows.Next() {
		var e model.IncidentEvent
		if err := rows.Scan(&e.ID, &e.IncidentID, &e.Type, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Alert configuration ---

func (db *PostgresStore) PutRoute(ctx context.Context, r model.AlertRoute) error {
	if r.ID == "" {
		r.ID = NewID()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO alert_routes (id, target_id, team, min_severity, channel) VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.TargetID, r.Team, r.MinSeverity, r.Channel)
	return err
}

func (db *PostgresStore) ListRoutes(ctx context.Context, targetID string) ([]model.AlertRoute, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, target_id, team, min_severity, channel FROM alert_routes WHERE target_id = $1 ORDER BY id`, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AlertRoute
	for rows.Next() {
		var r model.AlertRoute
		if err := rows.Scan(&r.ID, &r.TargetID, &r.Team, &r.MinSeverity, &r.Channel); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *PostgresStore) PutIntegration(ctx context.Context, ic model.IntegrationChannel) error {
	if ic.ID == "" {
		ic.ID = NewID()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO integration_channels (id, target_id, type, endpoint, enabled) VALUES ($1, $2, $3, $4, $5)`,
		ic.ID, ic.TargetID, ic.Type, ic.Endpoint, ic.Enabled)
	return err
}

func (db *PostgresStore) ListEnabledIntegrations(ctx context.Context, targetID string) ([]model.IntegrationChannel, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, target_id, type, endpoint, enabled FROM integration_channels
		 WHERE target_id = $1 AND enabled ORDER BY id`, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.IntegrationChannel
	for rows.Next() {
		var ic model.IntegrationChannel
		if err := rows.Scan(&ic.ID, &ic.TargetID, &ic.Type, &ic.Endpoint, &ic.Enabled); err != nil {
			return nil, err
		}
		out = append(out, ic)
	}
	return out, rows.Err()
}

func (db *PostgresStore) ListSchedules(ctx context.Context, targetID string) ([]model.OnCallSchedule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, target_id, name, timezone, quiet_hours_start, quiet_hours_end
		 FROM on_call_schedules WHERE target_id = $1 ORDER BY id`, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.OnCallSchedule
	for rows.Next() {
		var sc model.OnCallSchedule
		if err := rows.Scan(&sc.ID, &sc.TargetID, &sc.Name, &sc.Timezone, &sc.QuietHoursStart, &sc.QuietHoursEnd); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// --- Deliveries ---

const deliveryColumns = `id, incident_id, target_id, channel_type, destination, status,
	notification_kind, attempts, max_attempts, next_retry_at, sent_at, payload,
	external_id, last_error, created_at`

func (db *PostgresStore) CreateDelivery(ctx context.Context, d *model.AlertDelivery) error {
	if d.ID == "" {
		d.ID = NewID()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO alert_deliveries (`+deliveryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		d.ID, d.IncidentID, d.TargetID, d.ChannelType, d.Destination, d.Status,
		d.Kind, d.Attempts, d.MaxAttempts, d.NextRetryAt, d.SentAt, d.Payload,
		d.ExternalID, d.LastError, d.CreatedAt,
	)
	return err
}

func (db *PostgresStore) ClaimDueDeliveries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.AlertDelivery, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE alert_deliveries SET next_retry_at = $2
		 WHERE id IN (
			SELECT id FROM alert_deliveries
			WHERE status IN ('queued', 'queued_quiet_hours', 'retry') AND next_retry_at <= $1
			ORDER BY created_at LIMIT $3
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+deliveryColumns, now, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AlertDelivery
	for rows.Next() {
		var d model.AlertDelivery
		if err := rows.Scan(&d.ID, &d.IncidentID, &d.TargetID, &d.ChannelType, &d.Destination, &d.Status,
			&d.Kind, &d.Attempts, &d.MaxAttempts, &d.NextRetryAt, &d.SentAt, &d.Payload,
			&d.ExternalID, &d.LastError, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (db *PostgresStore) UpdateDelivery(ctx context.Context, d *model.AlertDelivery) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE alert_deliveries SET status = $1, attempts = $2, next_retry_at = $3, sent_at = $4,
			external_id = $5, last_error = $6
		 WHERE id = $7`,
		d.Status, d.Attempts, d.NextRetryAt, d.SentAt, d.ExternalID, d.LastError, d.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
