package monitor

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"dgmonitor/internal/apperr"
	"dgmonitor/internal/model"
	"dgmonitor/internal/store"
)

// alertSeverities are the severities that need operator attention.
var alertSeverities = []model.Severity{model.SeverityWarning, model.SeverityViolation, model.SeverityCritical, model.SeverityEmergency}

// AcknowledgeEvent records who acknowledged the event. Acknowledging twice keeps the
// first acknowledgement.
func (c *Coordinator) AcknowledgeEvent(ctx context.Context, eventID, by string) (model.ComplianceEvent, error) {
	if strings.TrimSpace(by) == "" {
		return model.ComplianceEvent{}, apperr.Validation("INVALID_REQUEST", "acknowledgedBy is required")
	}
	now := c.now().UTC()
	return c.updateEvent(ctx, eventID, func(e *model.ComplianceEvent) error {
		if e.AcknowledgedAt != nil {
			return nil
		}
		e.AcknowledgedBy = by
		e.AcknowledgedAt = &now
		return nil
	})
}

// ResolveEvent marks the event resolved, acknowledging it as well if needed.
func (c *Coordinator) ResolveEvent(ctx context.Context, eventID, by, notes string) (model.ComplianceEvent, error) {
	if strings.TrimSpace(by) == "" {
		return model.ComplianceEvent{}, apperr.Validation("INVALID_REQUEST", "resolvedBy is required")
	}
	now := c.now().UTC()
	return c.updateEvent(ctx, eventID, func(e *model.ComplianceEvent) error {
		if e.Resolved() {
			return apperr.Validation("ALREADY_RESOLVED", "event %s is already resolved", e.ID)
		}
		if e.AcknowledgedAt == nil {
			e.AcknowledgedBy = by
			e.AcknowledgedAt = &now
		}
		e.ResolvedBy = by
		e.ResolvedAt = &now
		e.ResolutionNotes = notes
		return nil
	})
}

func (c *Coordinator) updateEvent(ctx context.Context, id string, fn func(*model.ComplianceEvent) error) (model.ComplianceEvent, error) {
	e, err := c.store.UpdateEvent(ctx, id, fn)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return model.ComplianceEvent{}, apperr.NotFound("EVENT_NOT_FOUND", "event %s not found", id)
	case err != nil && apperr.Reason(err) == "":
		return model.ComplianceEvent{}, apperr.Transient("STORE_UNAVAILABLE", err)
	}
	return e, err
}

// UnresolvedEvents lists unresolved events that need attention, newest first. An empty
// sessionID lists across sessions.
func (c *Coordinator) UnresolvedEvents(ctx context.Context, sessionID string, limit int) ([]model.ComplianceEvent, error) {
	evs, err := c.store.ListEvents(ctx, store.EventFilter{SessionID: sessionID, Unresolved: true, Severities: alertSeverities, Newest: true, Limit: limit})
	if err != nil {
		return nil, apperr.Transient("STORE_UNAVAILABLE", err)
	}
	return evs, nil
}

// SessionEvents lists a session's events in time order.
func (c *Coordinator) SessionEvents(ctx context.Context, sessionID string, since time.Time, limit int) ([]model.ComplianceEvent, error) {
	if _, err := c.getSession(ctx, sessionID); err != nil {
		return nil, err
	}
	evs, err := c.store.ListEvents(ctx, store.EventFilter{SessionID: sessionID, Since: since, Limit: limit})
	if err != nil {
		return nil, apperr.Transient("STORE_UNAVAILABLE", err)
	}
	return evs, nil
}

// LiveStatus returns the session with its ten most recent events of the last hour.
func (c *Coordinator) LiveStatus(ctx context.Context, sessionID string) (model.LiveStatus, error) {
	s, err := c.getSession(ctx, sessionID)
	if err != nil {
		return model.LiveStatus{}, err
	}
	now := c.now()
	recent, err := c.store.ListEvents(ctx, store.EventFilter{SessionID: sessionID, Since: now.Add(-time.Hour), Newest: true, Limit: 10})
	if err != nil {
		return model.LiveStatus{}, apperr.Transient("STORE_UNAVAILABLE", err)
	}
	st := model.LiveStatus{Session: s, RecentEvents: recent}
	if s.LastUpdateAt != nil {
		since := now.Sub(*s.LastUpdateAt).Seconds()
		since = math.Round(since*10) / 10
		st.SecondsSinceUpdate = &since
		st.GPSStale = now.Sub(*s.LastUpdateAt) > c.eval.Policy().StaleAfter
	}
	return st, nil
}

// ActiveSessions lists open sessions: ACTIVE, PAUSED and INCIDENT.
func (c *Coordinator) ActiveSessions(ctx context.Context, limit int) ([]model.MonitoringSession, error) {
	ss, err := c.store.ListSessions(ctx, store.SessionFilter{Statuses: store.OpenStatuses, Limit: limit})
	if err != nil {
		return nil, apperr.Transient("STORE_UNAVAILABLE", err)
	}
	return ss, nil
}
