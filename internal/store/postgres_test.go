package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"dgmonitor/internal/model"
)

func newMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	p := NewPostgresDB(db)
	p.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return p, mock
}

func sessionRow(s model.MonitoringSession) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "shipment_ref", "vehicle_ref", "driver_ref", "status", "compliance_level",
		"planned_route", "hazard_classes", "started_at", "completed_at", "total_violations", "total_warnings",
		"compliance_score", "last_lat", "last_lng", "last_update_at", "current_speed_kmh", "alert_count",
		"last_alert_at", "completion_notes", "updated_at"}).
		AddRow(s.ID, s.ShipmentRef, s.VehicleRef, s.DriverRef, string(s.Status), string(s.ComplianceLevel),
			[]byte(`[{"lat":1,"lng":2},{"lat":1,"lng":3}]`), []byte(`["3"]`), s.StartedAt, nil, s.TotalViolations,
			s.TotalWarnings, s.ComplianceScore, 1.5, 2.5, nil, nil, 0, nil, nil, s.StartedAt)
}

func TestPostgresGetSessionDecodesColumns(t *testing.T) {
	p, mock := newMock(t)
	s := newSession("s1", "shp", "veh")
	mock.ExpectQuery(`SELECT (.+) FROM monitoring_sessions WHERE id = \$1`).WithArgs("s1").WillReturnRows(sessionRow(s))

	got, err := p.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.PlannedRoute) != 2 || got.MonitoredHazardClasses[0] != "3" {
		t.Fatalf("json columns: %+v", got)
	}
	if got.LastKnownLocation == nil || got.LastKnownLocation.Lat != 1.5 || got.CurrentSpeedKmh != nil {
		t.Fatalf("nullable columns: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresGetSessionNotFound(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectQuery(`SELECT (.+) FROM monitoring_sessions`).WithArgs("nope").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	if _, err := p.GetSession(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestPostgresCreateSessionMapsUniqueViolation(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO monitoring_sessions`).WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, err := p.CreateSession(context.Background(), newSession("s1", "shp", "veh"), nil)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresCommitSessionChangeCountsOnlyInsertedEvents(t *testing.T) {
	p, mock := newMock(t)
	s := newSession("s1", "shp", "veh")
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM monitoring_sessions WHERE id = \$1 FOR UPDATE`).WithArgs("s1").WillReturnRows(sessionRow(s))
	mock.ExpectExec(`INSERT INTO compliance_events (.+) ON CONFLICT \(id\) DO NOTHING`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO compliance_events (.+) ON CONFLICT \(id\) DO NOTHING`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE monitoring_sessions SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	evs := []model.ComplianceEvent{
		{ID: "new", EventType: model.EventSpeedViolation, Severity: model.SeverityViolation, Timestamp: s.StartedAt},
		{ID: "replayed", EventType: model.EventSpeedViolation, Severity: model.SeverityViolation, Timestamp: s.StartedAt},
	}
	got, inserted, err := p.CommitSessionChange(context.Background(), "s1", evs, func(s *model.MonitoringSession, ins []model.ComplianceEvent) error {
		s.TotalViolations += len(ins)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(inserted) != 1 || inserted[0].ID != "new" || got.TotalViolations != 1 {
		t.Fatalf("inserted=%+v session=%+v", inserted, got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresCommitSessionChangeRollsBackOnApplyError(t *testing.T) {
	p, mock := newMock(t)
	s := newSession("s1", "shp", "veh")
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FOR UPDATE`).WithArgs("s1").WillReturnRows(sessionRow(s))
	mock.ExpectRollback()

	boom := errors.New("terminal")
	_, _, err := p.CommitSessionChange(context.Background(), "s1", nil, func(*model.MonitoringSession, []model.ComplianceEvent) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("want apply error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresEnqueueAlertDuplicateReturnsExisting(t *testing.T) {
	p, mock := newMock(t)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO alert_outbox (.+) ON CONFLICT \(dedup_key\) DO NOTHING`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT (.+) FROM alert_outbox WHERE dedup_key = \$1`).WithArgs("e1|SMS|+100").
		WillReturnRows(sqlmock.NewRows([]string{"id", "session_id", "event_id", "channel", "recipient", "subject", "body",
			"priority", "status", "attempts", "next_attempt_at", "last_error", "response_code", "created_at", "sent_at"}).
			AddRow("a-old", "s1", "e1", "SMS", "+100", "sub", "body", "CRITICAL", "SENT", 1, created, nil, 200, created, created))

	got, isNew, err := p.EnqueueAlert(context.Background(), model.AlertRecord{EventID: "e1", Channel: model.ChannelSMS, Recipient: "+100"})
	if err != nil || isNew {
		t.Fatalf("isNew=%v err=%v", isNew, err)
	}
	if got.ID != "a-old" || got.Status != model.AlertSent || got.SentAt == nil {
		t.Fatalf("existing: %+v", got)
	}
}

func TestPostgresFailAlertMovesToDLQ(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE alert_outbox SET status='FAILED'`).WithArgs("a1", "boom", 503).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO alert_dlq`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	if err := p.FailAlert(context.Background(), "a1", "boom", 503); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresListSessionsBuildsStatusFilter(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectQuery(`status IN \(\$1,\$2\) ORDER BY started_at, id LIMIT \$3`).WithArgs("ACTIVE", "PAUSED", 100).
		WillReturnRows(sessionRow(newSession("s1", "shp", "veh")))
	got, err := p.ListSessions(context.Background(), SessionFilter{Statuses: []model.SessionStatus{model.SessionActive, model.SessionPaused}})
	if err != nil || len(got) != 1 {
		t.Fatalf("got %d %v", len(got), err)
	}
}

func TestPostgresListSessionsResumesAfterCursor(t *testing.T) {
	p, mock := newMock(t)
	at := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`status IN \(\$1\) AND \(started_at, id\) > \(\$2, \$3\) ORDER BY started_at, id LIMIT \$4`).
		WithArgs("ACTIVE", at, "s1", 2).
		WillReturnRows(sessionRow(newSession("s2", "shp", "veh")))
	got, err := p.ListSessions(context.Background(), SessionFilter{
		Statuses: []model.SessionStatus{model.SessionActive},
		After:    &SessionCursor{StartedAt: at, ID: "s1"},
		Limit:    2,
	})
	if err != nil || len(got) != 1 || got[0].ID != "s2" {
		t.Fatalf("got %+v %v", got, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresCountFalseAlarms(t *testing.T) {
	p, mock := newMock(t)
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT count\(\*\) FROM emergency_false_alarms`).WithArgs("u1", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	n, err := p.CountFalseAlarms(context.Background(), "u1", since)
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestJSONOrNil(t *testing.T) {
	if jsonOrNil([]model.GeoPoint(nil)) != nil || jsonOrNil([]string{}) != nil {
		t.Fatal("empty values map to NULL")
	}
	if b, ok := jsonOrNil([]string{"a"}).([]byte); !ok || string(b) != `["a"]` {
		t.Fatal("non-empty encodes")
	}
	if string(jsonList(nil)) != "[]" {
		t.Fatal("jsonList(nil)")
	}
}

func TestPostgresCountEvents(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectQuery(`SELECT event_type, severity, count\(\*\) FROM compliance_events`).WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"event_type", "severity", "count"}).
			AddRow("GPS_UPDATE", "INFO", 12).AddRow("SPEED_VIOLATION", "VIOLATION", 2))
	got, err := p.CountEvents(context.Background(), "s1")
	if err != nil || len(got) != 2 || got[0].Count != 12 || got[1].Severity != model.SeverityViolation {
		t.Fatalf("got=%+v err=%v", got, err)
	}
}

func TestPostgresListEventsSeverityFilter(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectQuery(`resolved_at IS NULL AND severity IN \(\$1,\$2\) ORDER BY ts DESC, created_at DESC LIMIT \$3`).
		WithArgs("WARNING", "CRITICAL", 10).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err := p.ListEvents(context.Background(), EventFilter{Unresolved: true, Newest: true, Limit: 10,
		Severities: []model.Severity{model.SeverityWarning, model.SeverityCritical}})
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
