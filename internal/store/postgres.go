package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"dgmonitor/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return NewPostgresDB(db), nil
}

// NewPostgresDB wraps an existing handle.
func NewPostgresDB(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *Postgres) Close() error                   { return p.db.Close() }

// Migrate applies the embedded migrations that have not run yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		version := strings.TrimSuffix(strings.TrimPrefix(name, "migrations/"), ".sql")
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, version).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}
		body, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Sessions

const sessionCols = `id, shipment_ref, vehicle_ref, driver_ref, status, compliance_level, planned_route, hazard_classes, started_at, completed_at, total_violations, total_warnings, compliance_score, last_lat, last_lng, last_update_at, current_speed_kmh, alert_count, last_alert_at, completion_notes, updated_at`

func scanSession(row scanner) (model.MonitoringSession, error) {
	var s model.MonitoringSession
	var route, classes []byte
	var completed, lastUpd, lastAlert sql.NullTime
	var lat, lng, speed sql.NullFloat64
	var notes sql.NullString
	err := row.Scan(&s.ID, &s.ShipmentRef, &s.VehicleRef, &s.DriverRef, &s.Status, &s.ComplianceLevel, &route, &classes,
		&s.StartedAt, &completed, &s.TotalViolations, &s.TotalWarnings, &s.ComplianceScore, &lat, &lng, &lastUpd, &speed,
		&s.AlertCount, &lastAlert, &notes, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, ErrNotFound
		}
		return s, err
	}
	if len(route) > 0 {
		if err := json.Unmarshal(route, &s.PlannedRoute); err != nil {
			return s, fmt.Errorf("decode planned_route: %w", err)
		}
	}
	s.MonitoredHazardClasses = []string{}
	if len(classes) > 0 {
		if err := json.Unmarshal(classes, &s.MonitoredHazardClasses); err != nil {
			return s, fmt.Errorf("decode hazard_classes: %w", err)
		}
	}
	s.CompletedAt = timePtr(completed)
	s.LastUpdateAt = timePtr(lastUpd)
	s.LastAlertAt = timePtr(lastAlert)
	if lat.Valid && lng.Valid {
		s.LastKnownLocation = &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	if speed.Valid {
		v := speed.Float64
		s.CurrentSpeedKmh = &v
	}
	s.CompletionNotes = notes.String
	return s, nil
}

func (p *Postgres) CreateSession(ctx context.Context, s model.MonitoringSession, events []model.ComplianceEvent) (model.MonitoringSession, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	s.UpdatedAt = p.now()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer func() { _ = tx.Rollback() }()

	var lat, lng any
	if s.LastKnownLocation != nil {
		lat, lng = s.LastKnownLocation.Lat, s.LastKnownLocation.Lng
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO monitoring_sessions (`+sessionCols+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		s.ID, s.ShipmentRef, s.VehicleRef, s.DriverRef, string(s.Status), string(s.ComplianceLevel), jsonOrNil(s.PlannedRoute),
		jsonList(s.MonitoredHazardClasses), s.StartedAt, nullTime(s.CompletedAt), s.TotalViolations, s.TotalWarnings,
		s.ComplianceScore, lat, lng, nullTime(s.LastUpdateAt), nullFloat(s.CurrentSpeedKmh), s.AlertCount,
		nullTime(s.LastAlertAt), nullIfEmpty(s.CompletionNotes), s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return s, ErrConflict
		}
		return s, err
	}
	for _, e := range events {
		e.SessionRef = s.ID
		if _, err := p.insertEvent(ctx, tx, e); err != nil {
			return s, err
		}
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (model.MonitoringSession, error) {
	return scanSession(p.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM monitoring_sessions WHERE id = $1`, id))
}

func (p *Postgres) ListSessions(ctx context.Context, f SessionFilter) ([]model.MonitoringSession, error) {
	q := `SELECT ` + sessionCols + ` FROM monitoring_sessions WHERE true`
	args := []any{}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			args = append(args, string(st))
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		q += ` AND status IN (` + strings.Join(ph, ",") + `)`
	}
	if f.ShipmentRef != "" {
		args = append(args, f.ShipmentRef)
		q += fmt.Sprintf(` AND shipment_ref = $%d`, len(args))
	}
	if f.After != nil {
		args = append(args, f.After.StartedAt, f.After.ID)
		q += fmt.Sprintf(` AND (started_at, id) > ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, clampLimit(f.Limit))
	q += fmt.Sprintf(` ORDER BY started_at, id LIMIT $%d`, len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.MonitoringSession{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) FindOpenSession(ctx context.Context, shipmentRef string) (model.MonitoringSession, error) {
	return scanSession(p.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM monitoring_sessions
        WHERE shipment_ref = $1 AND status IN ('ACTIVE','PAUSED','INCIDENT') ORDER BY started_at DESC LIMIT 1`, shipmentRef))
}

func (p *Postgres) CommitSessionChange(ctx context.Context, id string, events []model.ComplianceEvent, apply ApplyFunc) (model.MonitoringSession, []model.ComplianceEvent, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.MonitoringSession{}, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	s, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM monitoring_sessions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return model.MonitoringSession{}, nil, err
	}
	inserted := []model.ComplianceEvent{}
	for _, e := range events {
		e.SessionRef = id
		if e.CreatedAt.IsZero() {
			e.CreatedAt = p.now()
		}
		ok, err := p.insertEvent(ctx, tx, e)
		if err != nil {
			return model.MonitoringSession{}, nil, err
		}
		if ok {
			inserted = append(inserted, e)
		}
	}
	if apply != nil {
		if err := apply(&s, inserted); err != nil {
			return model.MonitoringSession{}, nil, err
		}
	}
	s.UpdatedAt = p.now()
	if err := updateSession(ctx, tx, s); err != nil {
		return model.MonitoringSession{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return model.MonitoringSession{}, nil, err
	}
	return s, inserted, nil
}

func updateSession(ctx context.Context, db execer, s model.MonitoringSession) error {
	var lat, lng any
	if s.LastKnownLocation != nil {
		lat, lng = s.LastKnownLocation.Lat, s.LastKnownLocation.Lng
	}
	_, err := db.ExecContext(ctx, `UPDATE monitoring_sessions SET status=$2, compliance_level=$3, planned_route=$4, completed_at=$5,
        total_violations=$6, total_warnings=$7, compliance_score=$8, last_lat=$9, last_lng=$10, last_update_at=$11,
        current_speed_kmh=$12, alert_count=$13, last_alert_at=$14, completion_notes=$15, updated_at=$16 WHERE id=$1`,
		s.ID, string(s.Status), string(s.ComplianceLevel), jsonOrNil(s.PlannedRoute), nullTime(s.CompletedAt),
		s.TotalViolations, s.TotalWarnings, s.ComplianceScore, lat, lng, nullTime(s.LastUpdateAt),
		nullFloat(s.CurrentSpeedKmh), s.AlertCount, nullTime(s.LastAlertAt), nullIfEmpty(s.CompletionNotes), s.UpdatedAt)
	return err
}

// Events

const eventCols = `id, session_id, event_type, severity, lat, lng, ts, title, description, event_data, zone_ref, acknowledged_by, acknowledged_at, resolved_by, resolved_at, resolution_notes, activation_method, severity_level, false_alarm_count, contacts_notified, services_notified, initiated_by, created_at`

// insertEvent reports whether the row was new.
func (p *Postgres) insertEvent(ctx context.Context, db execer, e model.ComplianceEvent) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = p.now()
	}
	var lat, lng any
	if e.Location != nil {
		lat, lng = e.Location.Lat, e.Location.Lng
	}
	res, err := db.ExecContext(ctx, `INSERT INTO compliance_events (`+eventCols+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
        ON CONFLICT (id) DO NOTHING`,
		e.ID, e.SessionRef, string(e.EventType), string(e.Severity), lat, lng, e.Timestamp, e.Title, e.Description,
		jsonOrNil(e.EventData), nullIfEmpty(e.ComplianceZoneRef), nullIfEmpty(e.AcknowledgedBy), nullTime(e.AcknowledgedAt),
		nullIfEmpty(e.ResolvedBy), nullTime(e.ResolvedAt), nullIfEmpty(e.ResolutionNotes), nullIfEmpty(e.ActivationMethod),
		nullIfEmpty(e.SeverityLevel), e.FalseAlarmCount, e.EmergencyContactsNotified, e.EmergencyServicesNotified,
		nullIfEmpty(e.InitiatedBy), e.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanEvent(row scanner) (model.ComplianceEvent, error) {
	var e model.ComplianceEvent
	var lat, lng sql.NullFloat64
	var data []byte
	var zone, ackBy, resBy, notes, method, level, initiator sql.NullString
	var ackAt, resAt sql.NullTime
	err := row.Scan(&e.ID, &e.SessionRef, &e.EventType, &e.Severity, &lat, &lng, &e.Timestamp, &e.Title, &e.Description,
		&data, &zone, &ackBy, &ackAt, &resBy, &resAt, &notes, &method, &level, &e.FalseAlarmCount,
		&e.EmergencyContactsNotified, &e.EmergencyServicesNotified, &initiator, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, ErrNotFound
		}
		return e, err
	}
	if lat.Valid && lng.Valid {
		e.Location = &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &e.EventData); err != nil {
			return e, fmt.Errorf("decode event_data: %w", err)
		}
	}
	e.ComplianceZoneRef = zone.String
	e.AcknowledgedBy, e.AcknowledgedAt = ackBy.String, timePtr(ackAt)
	e.ResolvedBy, e.ResolvedAt = resBy.String, timePtr(resAt)
	e.ResolutionNotes = notes.String
	e.ActivationMethod = method.String
	e.SeverityLevel = level.String
	e.InitiatedBy = initiator.String
	return e, nil
}

func (p *Postgres) GetEvent(ctx context.Context, id string) (model.ComplianceEvent, error) {
	return scanEvent(p.db.QueryRowContext(ctx, `SELECT `+eventCols+` FROM compliance_events WHERE id = $1`, id))
}

func (p *Postgres) ListEvents(ctx context.Context, f EventFilter) ([]model.ComplianceEvent, error) {
	q := `SELECT ` + eventCols + ` FROM compliance_events WHERE true`
	args := []any{}
	if f.SessionID != "" {
		args = append(args, f.SessionID)
		q += fmt.Sprintf(` AND session_id = $%d`, len(args))
	}
	if f.Unresolved {
		q += ` AND resolved_at IS NULL`
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		q += fmt.Sprintf(` AND ts >= $%d`, len(args))
	}
	if len(f.Severities) > 0 {
		ph := make([]string, 0, len(f.Severities))
		for _, sv := range f.Severities {
			args = append(args, string(sv))
			ph = append(ph, fmt.Sprintf("$%d", len(args)))
		}
		q += ` AND severity IN (` + strings.Join(ph, ",") + `)`
	}
	order := ` ORDER BY ts, created_at`
	if f.Newest {
		order = ` ORDER BY ts DESC, created_at DESC`
	}
	args = append(args, clampLimit(f.Limit))
	q += order + fmt.Sprintf(` LIMIT $%d`, len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.ComplianceEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) CountEvents(ctx context.Context, sessionID string) ([]EventCount, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT event_type, severity, count(*) FROM compliance_events
        WHERE session_id = $1 GROUP BY event_type, severity ORDER BY event_type, severity`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []EventCount{}
	for rows.Next() {
		var c EventCount
		var t, sv string
		if err := rows.Scan(&t, &sv, &c.Count); err != nil {
			return nil, err
		}
		c.EventType, c.Severity = model.EventType(t), model.Severity(sv)
		out = append(out, c)
	}
	return out, rows.Err()
}

func updateEvent(ctx context.Context, db execer, e model.ComplianceEvent) error {
	_, err := db.ExecContext(ctx, `UPDATE compliance_events SET event_type=$2, severity=$3, acknowledged_by=$4, acknowledged_at=$5,
        resolved_by=$6, resolved_at=$7, resolution_notes=$8, false_alarm_count=$9, contacts_notified=$10,
        services_notified=$11, event_data=$12 WHERE id=$1`,
		e.ID, string(e.EventType), string(e.Severity), nullIfEmpty(e.AcknowledgedBy), nullTime(e.AcknowledgedAt),
		nullIfEmpty(e.ResolvedBy), nullTime(e.ResolvedAt), nullIfEmpty(e.ResolutionNotes), e.FalseAlarmCount,
		e.EmergencyContactsNotified, e.EmergencyServicesNotified, jsonOrNil(e.EventData))
	return err
}

func (p *Postgres) UpdateEvent(ctx context.Context, id string, fn func(*model.ComplianceEvent) error) (model.ComplianceEvent, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ComplianceEvent{}, err
	}
	defer func() { _ = tx.Rollback() }()
	e, err := scanEvent(tx.QueryRowContext(ctx, `SELECT `+eventCols+` FROM compliance_events WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return e, err
	}
	if err := fn(&e); err != nil {
		return model.ComplianceEvent{}, err
	}
	if err := updateEvent(ctx, tx, e); err != nil {
		return model.ComplianceEvent{}, err
	}
	return e, tx.Commit()
}

// False alarms

func (p *Postgres) RecordFalseAlarm(ctx context.Context, fa FalseAlarm, fn func(*model.ComplianceEvent) error) (model.ComplianceEvent, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ComplianceEvent{}, err
	}
	defer func() { _ = tx.Rollback() }()
	e, err := scanEvent(tx.QueryRowContext(ctx, `SELECT `+eventCols+` FROM compliance_events WHERE id = $1 FOR UPDATE`, fa.EventID))
	if err != nil {
		return e, err
	}
	if err := fn(&e); err != nil {
		return model.ComplianceEvent{}, err
	}
	if err := updateEvent(ctx, tx, e); err != nil {
		return model.ComplianceEvent{}, err
	}
	if fa.ID == "" {
		fa.ID = uuid.New().String()
	}
	if fa.CreatedAt.IsZero() {
		fa.CreatedAt = p.now()
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO emergency_false_alarms (id, event_id, user_ref, shipment_ref, reason, created_at)
        VALUES ($1,$2,$3,$4,$5,$6)`, fa.ID, fa.EventID, fa.UserRef, nullIfEmpty(fa.ShipmentRef), nullIfEmpty(fa.Reason), fa.CreatedAt); err != nil {
		return model.ComplianceEvent{}, err
	}
	return e, tx.Commit()
}

func (p *Postgres) CountFalseAlarms(ctx context.Context, userRef string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM emergency_false_alarms WHERE user_ref = $1 AND created_at >= $2`, userRef, since).Scan(&n)
	return n, err
}

// Zones

const zoneCols = `id, name, zone_type, boundary, restricted_classes, prohibited_classes, time_restrictions, max_speed_kmh, requires_escort, requires_notification, regulatory_authority, regulatory_reference, active`

func scanZone(row scanner) (model.ComplianceZone, error) {
	var z model.ComplianceZone
	var boundary, restricted, prohibited, windows []byte
	var maxSpeed sql.NullInt64
	var authority, reference sql.NullString
	err := row.Scan(&z.ID, &z.Name, &z.ZoneType, &boundary, &restricted, &prohibited, &windows, &maxSpeed,
		&z.RequiresEscort, &z.RequiresNotification, &authority, &reference, &z.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return z, ErrNotFound
		}
		return z, err
	}
	for _, f := range []struct {
		raw []byte
		dst any
	}{{boundary, &z.Boundary}, {restricted, &z.RestrictedHazardClasses}, {prohibited, &z.ProhibitedHazardClasses}, {windows, &z.TimeRestrictions}} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return z, fmt.Errorf("decode zone %s: %w", z.ID, err)
		}
	}
	if maxSpeed.Valid {
		v := int(maxSpeed.Int64)
		z.MaxSpeedKmh = &v
	}
	z.RegulatoryAuthority, z.RegulatoryReference = authority.String, reference.String
	return z, nil
}

func (p *Postgres) UpsertZone(ctx context.Context, z model.ComplianceZone) (model.ComplianceZone, error) {
	if z.ID == "" {
		z.ID = uuid.New().String()
	}
	var maxSpeed any
	if z.MaxSpeedKmh != nil {
		maxSpeed = *z.MaxSpeedKmh
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO compliance_zones (`+zoneCols+`, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,now())
        ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, zone_type=EXCLUDED.zone_type, boundary=EXCLUDED.boundary,
            restricted_classes=EXCLUDED.restricted_classes, prohibited_classes=EXCLUDED.prohibited_classes,
            time_restrictions=EXCLUDED.time_restrictions, max_speed_kmh=EXCLUDED.max_speed_kmh,
            requires_escort=EXCLUDED.requires_escort, requires_notification=EXCLUDED.requires_notification,
            regulatory_authority=EXCLUDED.regulatory_authority, regulatory_reference=EXCLUDED.regulatory_reference,
            active=EXCLUDED.active, updated_at=now()`,
		z.ID, z.Name, string(z.ZoneType), jsonOrNil(z.Boundary), jsonList(z.RestrictedHazardClasses),
		jsonList(z.ProhibitedHazardClasses), jsonOrNil(z.TimeRestrictions), maxSpeed, z.RequiresEscort,
		z.RequiresNotification, nullIfEmpty(z.RegulatoryAuthority), nullIfEmpty(z.RegulatoryReference), z.Active)
	if err != nil {
		return z, err
	}
	return z, nil
}

func (p *Postgres) GetZone(ctx context.Context, id string) (model.ComplianceZone, error) {
	return scanZone(p.db.QueryRowContext(ctx, `SELECT `+zoneCols+` FROM compliance_zones WHERE id = $1`, id))
}

func (p *Postgres) ListZones(ctx context.Context) ([]model.ComplianceZone, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+zoneCols+` FROM compliance_zones ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.ComplianceZone{}
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteZone(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM compliance_zones WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Alert outbox

const alertCols = `id, session_id, event_id, channel, recipient, subject, body, priority, status, attempts, next_attempt_at, last_error, response_code, created_at, sent_at`

func scanAlert(row scanner) (model.AlertRecord, error) {
	var a model.AlertRecord
	var sess, evt, lastErr sql.NullString
	var code sql.NullInt64
	var sent sql.NullTime
	err := row.Scan(&a.ID, &sess, &evt, &a.Channel, &a.Recipient, &a.Subject, &a.Body, &a.Priority, &a.Status,
		&a.Attempts, &a.NextAttemptAt, &lastErr, &code, &a.CreatedAt, &sent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, ErrNotFound
		}
		return a, err
	}
	a.SessionID, a.EventID, a.LastError = sess.String, evt.String, lastErr.String
	a.ResponseCode = int(code.Int64)
	a.SentAt = timePtr(sent)
	return a, nil
}

func (p *Postgres) EnqueueAlert(ctx context.Context, a model.AlertRecord) (model.AlertRecord, bool, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := p.now()
	a.Status, a.Attempts, a.CreatedAt = model.AlertPending, 0, now
	if a.NextAttemptAt.IsZero() {
		a.NextAttemptAt = now
	}
	dk := computeDedupKey(a)
	res, err := p.db.ExecContext(ctx, `INSERT INTO alert_outbox (id, session_id, event_id, channel, recipient, subject, body, priority, status, attempts, next_attempt_at, dedup_key, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'PENDING',0,$9,$10,$11)
        ON CONFLICT (dedup_key) DO NOTHING`,
		a.ID, nullIfEmpty(a.SessionID), nullIfEmpty(a.EventID), string(a.Channel), a.Recipient, a.Subject, a.Body,
		string(a.Priority), a.NextAttemptAt, dk, a.CreatedAt)
	if err != nil {
		return a, false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return a, true, nil
	}
	existing, err := scanAlert(p.db.QueryRowContext(ctx, `SELECT `+alertCols+` FROM alert_outbox WHERE dedup_key = $1`, dk))
	return existing, false, err
}

func (p *Postgres) FetchDueAlerts(ctx context.Context, now time.Time, limit int) ([]model.AlertRecord, error) {
	return p.queryAlerts(ctx, `SELECT `+alertCols+` FROM alert_outbox WHERE status = 'PENDING' AND next_attempt_at <= $1
        ORDER BY next_attempt_at ASC LIMIT $2`, now, clampLimit(limit))
}

func (p *Postgres) queryAlerts(ctx context.Context, q string, args ...any) ([]model.AlertRecord, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.AlertRecord{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkAlert(ctx context.Context, id string, success bool, nextAttemptAt time.Time, lastError string, responseCode int) error {
	if success {
		_, err := p.db.ExecContext(ctx, `UPDATE alert_outbox SET status='SENT', attempts=attempts+1, sent_at=$2, last_error=NULL, response_code=$3 WHERE id=$1`,
			id, p.now(), responseCode)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE alert_outbox SET status='PENDING', attempts=attempts+1, last_error=$2, next_attempt_at=$3, response_code=$4 WHERE id=$1`,
		id, nullIfEmpty(lastError), nextAttemptAt, responseCode)
	return err
}

func (p *Postgres) FailAlert(ctx context.Context, id string, lastError string, responseCode int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `UPDATE alert_outbox SET status='FAILED', attempts=attempts+1, last_error=$2, response_code=$3 WHERE id=$1`,
		id, nullIfEmpty(lastError), responseCode); err != nil {
		return err
	}
	// move to DLQ
	if _, err := tx.ExecContext(ctx, `INSERT INTO alert_dlq (id, alert_id, last_error, created_at) VALUES ($1,$2,$3,$4)`,
		uuid.New().String(), id, nullIfEmpty(lastError), p.now()); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) ListAlerts(ctx context.Context, status model.AlertStatus, limit int) ([]model.AlertRecord, error) {
	if status != "" {
		return p.queryAlerts(ctx, `SELECT `+alertCols+` FROM alert_outbox WHERE status = $1 ORDER BY created_at LIMIT $2`, string(status), clampLimit(limit))
	}
	return p.queryAlerts(ctx, `SELECT `+alertCols+` FROM alert_outbox ORDER BY created_at LIMIT $1`, clampLimit(limit))
}

func (p *Postgres) ListAlertDLQ(ctx context.Context, limit int) ([]DeadAlert, error) {
	cols := strings.ReplaceAll("a."+alertCols, ", ", ", a.")
	rows, err := p.db.QueryContext(ctx, `SELECT d.id, d.last_error, d.created_at, `+cols+`
        FROM alert_dlq d JOIN alert_outbox a ON a.id = d.alert_id ORDER BY d.created_at LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []DeadAlert{}
	for rows.Next() {
		var d DeadAlert
		var lastErr sql.NullString
		var sess, evt, aErr sql.NullString
		var code sql.NullInt64
		var sent sql.NullTime
		a := &d.Alert
		if err := rows.Scan(&d.ID, &lastErr, &d.CreatedAt, &a.ID, &sess, &evt, &a.Channel, &a.Recipient, &a.Subject, &a.Body,
			&a.Priority, &a.Status, &a.Attempts, &a.NextAttemptAt, &aErr, &code, &a.CreatedAt, &sent); err != nil {
			return nil, err
		}
		d.LastError = lastErr.String
		a.SessionID, a.EventID, a.LastError = sess.String, evt.String, aErr.String
		a.ResponseCode = int(code.Int64)
		a.SentAt = timePtr(sent)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) RequeueAlertDLQ(ctx context.Context, id string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	var alertID string
	if err := tx.QueryRowContext(ctx, `SELECT alert_id FROM alert_dlq WHERE id = $1 FOR UPDATE`, id).Scan(&alertID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE alert_outbox SET status='PENDING', attempts=0, next_attempt_at=$2 WHERE id=$1`, alertID, p.now()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM alert_dlq WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// helpers

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// jsonOrNil encodes v for a jsonb column; nil and empty slices become NULL.
func jsonOrNil[T any](v T) any {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" || string(b) == "[]" {
		return nil
	}
	return b
}

// jsonList encodes a list for a NOT NULL jsonb column.
func jsonList(v []string) []byte {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return b
}
