package store

import (
	"context"
	"errors"
	"time"

	"dgmonitor/internal/model"
)

// Store is the persistence interface used by the coordinator, the emergency workflow,
// the alert worker and the admin API.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s model.MonitoringSession, events []model.ComplianceEvent) (model.MonitoringSession, error)
	GetSession(ctx context.Context, id string) (model.MonitoringSession, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]model.MonitoringSession, error)
	FindOpenSession(ctx context.Context, shipmentRef string) (model.MonitoringSession, error)
	// CommitSessionChange inserts events (ignoring ids that already exist), passes the
	// newly inserted ones to apply together with the locked session, and saves the
	// session, all in one transaction. An apply error rolls everything back.
	CommitSessionChange(ctx context.Context, id string, events []model.ComplianceEvent, apply ApplyFunc) (model.MonitoringSession, []model.ComplianceEvent, error)

	// Events
	GetEvent(ctx context.Context, id string) (model.ComplianceEvent, error)
	ListEvents(ctx context.Context, f EventFilter) ([]model.ComplianceEvent, error)
	UpdateEvent(ctx context.Context, id string, fn func(*model.ComplianceEvent) error) (model.ComplianceEvent, error)
	CountEvents(ctx context.Context, sessionID string) ([]EventCount, error)

	// Zones
	UpsertZone(ctx context.Context, z model.ComplianceZone) (model.ComplianceZone, error)
	GetZone(ctx context.Context, id string) (model.ComplianceZone, error)
	ListZones(ctx context.Context) ([]model.ComplianceZone, error)
	DeleteZone(ctx context.Context, id string) error

	// False-alarm ledger
	RecordFalseAlarm(ctx context.Context, fa FalseAlarm, fn func(*model.ComplianceEvent) error) (model.ComplianceEvent, error)
	CountFalseAlarms(ctx context.Context, userRef string, since time.Time) (int, error)

	// Alert outbox
	EnqueueAlert(ctx context.Context, a model.AlertRecord) (model.AlertRecord, bool, error)
	FetchDueAlerts(ctx context.Context, now time.Time, limit int) ([]model.AlertRecord, error)
	MarkAlert(ctx context.Context, id string, success bool, nextAttemptAt time.Time, lastError string, responseCode int) error
	FailAlert(ctx context.Context, id string, lastError string, responseCode int) error
	ListAlerts(ctx context.Context, status model.AlertStatus, limit int) ([]model.AlertRecord, error)
	ListAlertDLQ(ctx context.Context, limit int) ([]DeadAlert, error)
	RequeueAlertDLQ(ctx context.Context, id string) error

	Ping(ctx context.Context) error
}

// ApplyFunc mutates the locked session given the events that were actually inserted.
type ApplyFunc func(s *model.MonitoringSession, inserted []model.ComplianceEvent) error

// SessionFilter results are ordered by (StartedAt, ID).
type SessionFilter struct {
	Statuses    []model.SessionStatus
	ShipmentRef string
	// After, when set, resumes listing strictly past this session in result order.
	After *SessionCursor
	Limit int
}

// SessionCursor is a keyset position in ListSessions order.
type SessionCursor struct {
	StartedAt time.Time
	ID        string
}

// CursorOf returns the cursor positioned at s.
func CursorOf(s model.MonitoringSession) *SessionCursor {
	return &SessionCursor{StartedAt: s.StartedAt, ID: s.ID}
}

type EventFilter struct {
	SessionID  string
	Unresolved bool
	Since      time.Time
	// Severities restricts to the listed severities when non-empty.
	Severities []model.Severity
	// Newest orders by timestamp descending; the default is ascending.
	Newest bool
	Limit  int
}

// EventCount is the number of a session's events of one type and severity.
type EventCount struct {
	EventType model.EventType `json:"eventType"`
	Severity  model.Severity  `json:"severity"`
	Count     int             `json:"count"`
}

// FalseAlarm is one row of the durable false-alarm ledger.
type FalseAlarm struct {
	ID          string    `json:"id"`
	EventID     string    `json:"eventId"`
	UserRef     string    `json:"userRef"`
	ShipmentRef string    `json:"shipmentRef"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"createdAt"`
}

// DeadAlert is an outbox record that exhausted its attempts.
type DeadAlert struct {
	ID        string            `json:"id"`
	Alert     model.AlertRecord `json:"alert"`
	LastError string            `json:"lastError,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// OpenStatuses are the statuses that block a second session for the same shipment
// and vehicle.
var OpenStatuses = []model.SessionStatus{model.SessionActive, model.SessionPaused, model.SessionIncident}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

const defaultLimit = 100

func clampLimit(n int) int {
	if n <= 0 || n > 1000 {
		return defaultLimit
	}
	return n
}
