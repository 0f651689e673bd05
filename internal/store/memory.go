package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dgmonitor/internal/model"
)

// Memory is an in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]model.MonitoringSession
	events   map[string]model.ComplianceEvent
	bySess   map[string][]string // session id -> event ids in insertion order
	zones    map[string]model.ComplianceZone
	alarms   []FalseAlarm
	// Alert outbox state
	alerts     map[string]*model.AlertRecord
	alertOrder []string
	dedup      map[string]string // dedup key -> alert id
	dlq        []DeadAlert
	now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		sessions: map[string]model.MonitoringSession{},
		events:   map[string]model.ComplianceEvent{},
		bySess:   map[string][]string{},
		zones:    map[string]model.ComplianceZone{},
		alerts:   map[string]*model.AlertRecord{},
		dedup:    map[string]string{},
		now:      time.Now,
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

// SetClock replaces the time source used for created/updated stamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) openFor(shipmentRef, vehicleRef string) (model.MonitoringSession, bool) {
	var best model.MonitoringSession
	found := false
	for _, s := range m.sessions {
		if s.ShipmentRef != shipmentRef || !slices.Contains(OpenStatuses, s.Status) {
			continue
		}
		if vehicleRef != "" && s.VehicleRef != vehicleRef {
			continue
		}
		if !found || s.StartedAt.After(best.StartedAt) {
			best, found = s, true
		}
	}
	return best, found
}

func (m *Memory) CreateSession(ctx context.Context, s model.MonitoringSession, events []model.ComplianceEvent) (model.MonitoringSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if _, ok := m.sessions[s.ID]; ok {
		return model.MonitoringSession{}, ErrConflict
	}
	if _, ok := m.openFor(s.ShipmentRef, s.VehicleRef); ok {
		return model.MonitoringSession{}, ErrConflict
	}
	s.UpdatedAt = m.now()
	m.sessions[s.ID] = s
	for _, e := range events {
		e.SessionRef = s.ID
		m.insertEvent(e)
	}
	return s, nil
}

func (m *Memory) GetSession(ctx context.Context, id string) (model.MonitoringSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return model.MonitoringSession{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListSessions(ctx context.Context, f SessionFilter) ([]model.MonitoringSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.MonitoringSession{}
	for _, s := range m.sessions {
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, s.Status) {
			continue
		}
		if f.ShipmentRef != "" && s.ShipmentRef != f.ShipmentRef {
			continue
		}
		if f.After != nil && !sessionAfter(s, *f.After) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return sessionAfter(out[j], *CursorOf(out[i])) })
	if l := clampLimit(f.Limit); len(out) > l {
		out = out[:l]
	}
	return out, nil
}

func sessionAfter(s model.MonitoringSession, c SessionCursor) bool {
	if !s.StartedAt.Equal(c.StartedAt) {
		return s.StartedAt.After(c.StartedAt)
	}
	return s.ID > c.ID
}

func (m *Memory) FindOpenSession(ctx context.Context, shipmentRef string) (model.MonitoringSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.openFor(shipmentRef, "")
	if !ok {
		return model.MonitoringSession{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) CommitSessionChange(ctx context.Context, id string, events []model.ComplianceEvent, apply ApplyFunc) (model.MonitoringSession, []model.ComplianceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return model.MonitoringSession{}, nil, ErrNotFound
	}
	inserted := []model.ComplianceEvent{}
	seen := map[string]struct{}{}
	for _, e := range events {
		if _, dup := m.events[e.ID]; dup {
			continue
		}
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		e.SessionRef = id
		if e.CreatedAt.IsZero() {
			e.CreatedAt = m.now()
		}
		inserted = append(inserted, e)
	}
	if apply != nil {
		if err := apply(&s, inserted); err != nil {
			return model.MonitoringSession{}, nil, err
		}
	}
	for _, e := range inserted {
		m.insertEvent(e)
	}
	s.UpdatedAt = m.now()
	m.sessions[id] = s
	return s, inserted, nil
}

func (m *Memory) insertEvent(e model.ComplianceEvent) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	m.events[e.ID] = e
	m.bySess[e.SessionRef] = append(m.bySess[e.SessionRef], e.ID)
}

func (m *Memory) GetEvent(ctx context.Context, id string) (model.ComplianceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return model.ComplianceEvent{}, ErrNotFound
	}
	return e, nil
}

func (m *Memory) ListEvents(ctx context.Context, f EventFilter) ([]model.ComplianceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	if f.SessionID != "" {
		ids = m.bySess[f.SessionID]
	} else {
		for id := range m.events {
			ids = append(ids, id)
		}
	}
	out := []model.ComplianceEvent{}
	for _, id := range ids {
		e := m.events[id]
		if f.Unresolved && e.Resolved() {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		if len(f.Severities) > 0 && !slices.Contains(f.Severities, e.Severity) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if f.Newest {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if l := clampLimit(f.Limit); len(out) > l {
		out = out[:l]
	}
	return out, nil
}

func (m *Memory) CountEvents(ctx context.Context, sessionID string) ([]EventCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type key struct {
		t model.EventType
		s model.Severity
	}
	counts := map[key]int{}
	for _, id := range m.bySess[sessionID] {
		e := m.events[id]
		counts[key{e.EventType, e.Severity}]++
	}
	out := make([]EventCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, EventCount{EventType: k.t, Severity: k.s, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventType != out[j].EventType {
			return out[i].EventType < out[j].EventType
		}
		return out[i].Severity < out[j].Severity
	})
	return out, nil
}

func (m *Memory) UpdateEvent(ctx context.Context, id string, fn func(*model.ComplianceEvent) error) (model.ComplianceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return model.ComplianceEvent{}, ErrNotFound
	}
	if err := fn(&e); err != nil {
		return model.ComplianceEvent{}, err
	}
	m.events[id] = e
	return e, nil
}

func (m *Memory) UpsertZone(ctx context.Context, z model.ComplianceZone) (model.ComplianceZone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if z.ID == "" {
		z.ID = uuid.New().String()
	}
	m.zones[z.ID] = z
	return z, nil
}

func (m *Memory) GetZone(ctx context.Context, id string) (model.ComplianceZone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zones[id]
	if !ok {
		return model.ComplianceZone{}, ErrNotFound
	}
	return z, nil
}

func (m *Memory) ListZones(ctx context.Context) ([]model.ComplianceZone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ComplianceZone, 0, len(m.zones))
	for _, z := range m.zones {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteZone(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.zones[id]; !ok {
		return ErrNotFound
	}
	delete(m.zones, id)
	return nil
}

func (m *Memory) RecordFalseAlarm(ctx context.Context, fa FalseAlarm, fn func(*model.ComplianceEvent) error) (model.ComplianceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[fa.EventID]
	if !ok {
		return model.ComplianceEvent{}, ErrNotFound
	}
	if err := fn(&e); err != nil {
		return model.ComplianceEvent{}, err
	}
	if fa.ID == "" {
		fa.ID = uuid.New().String()
	}
	if fa.CreatedAt.IsZero() {
		fa.CreatedAt = m.now()
	}
	m.events[e.ID] = e
	m.alarms = append(m.alarms, fa)
	return e, nil
}

func (m *Memory) CountFalseAlarms(ctx context.Context, userRef string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, fa := range m.alarms {
		if fa.UserRef == userRef && !fa.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// Alert outbox

func (m *Memory) EnqueueAlert(ctx context.Context, a model.AlertRecord) (model.AlertRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := computeDedupKey(a)
	if id, ok := m.dedup[key]; ok {
		return *m.alerts[id], false, nil
	}
	now := m.now()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.Status = model.AlertPending
	a.Attempts = 0
	if a.NextAttemptAt.IsZero() {
		a.NextAttemptAt = now
	}
	a.CreatedAt = now
	rec := a
	m.alerts[a.ID] = &rec
	m.alertOrder = append(m.alertOrder, a.ID)
	m.dedup[key] = a.ID
	return a, true, nil
}

func (m *Memory) FetchDueAlerts(ctx context.Context, now time.Time, limit int) ([]model.AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.AlertRecord{}
	for _, id := range m.alertOrder {
		a := m.alerts[id]
		if a.Status == model.AlertPending && !a.NextAttemptAt.After(now) {
			out = append(out, *a)
			if len(out) >= clampLimit(limit) {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkAlert(ctx context.Context, id string, success bool, nextAttemptAt time.Time, lastError string, responseCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return ErrNotFound
	}
	a.Attempts++
	a.ResponseCode = responseCode
	if success {
		now := m.now()
		a.Status = model.AlertSent
		a.SentAt = &now
		a.LastError = ""
		return nil
	}
	a.Status = model.AlertPending
	a.LastError = lastError
	a.NextAttemptAt = nextAttemptAt
	return nil
}

func (m *Memory) FailAlert(ctx context.Context, id string, lastError string, responseCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return ErrNotFound
	}
	a.Attempts++
	a.Status = model.AlertFailed
	a.LastError = lastError
	a.ResponseCode = responseCode
	m.dlq = append(m.dlq, DeadAlert{ID: uuid.New().String(), Alert: *a, LastError: lastError, CreatedAt: m.now()})
	return nil
}

func (m *Memory) ListAlerts(ctx context.Context, status model.AlertStatus, limit int) ([]model.AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.AlertRecord{}
	for _, id := range m.alertOrder {
		a := m.alerts[id]
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, *a)
		if len(out) >= clampLimit(limit) {
			break
		}
	}
	return out, nil
}

func (m *Memory) ListAlertDLQ(ctx context.Context, limit int) ([]DeadAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]DeadAlert{}, m.dlq...)
	if l := clampLimit(limit); len(out) > l {
		out = out[:l]
	}
	return out, nil
}

// RequeueAlertDLQ resets the original outbox record and drops the DLQ entry.
func (m *Memory) RequeueAlertDLQ(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.dlq {
		if d.ID != id {
			continue
		}
		if a, ok := m.alerts[d.Alert.ID]; ok {
			a.Status = model.AlertPending
			a.Attempts = 0
			a.NextAttemptAt = m.now()
		}
		m.dlq = append(m.dlq[:i], m.dlq[i+1:]...)
		return nil
	}
	return ErrNotFound
}
