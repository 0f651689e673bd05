package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"dgmonitor/internal/apperr"
	"dgmonitor/internal/directory"
	"dgmonitor/internal/geo"
	"dgmonitor/internal/model"
	"dgmonitor/internal/store"
)

type StartRequest struct {
	ShipmentRef  string           `json:"shipmentRef"`
	VehicleRef   string           `json:"vehicleRef,omitempty"`
	DriverRef    string           `json:"driverRef,omitempty"`
	PlannedRoute []model.GeoPoint `json:"plannedRoute,omitempty"`
}

// StartSession opens an ACTIVE session for the shipment. Vehicle and driver default to
// the shipment's assignment; hazard classes always come from the directory.
func (c *Coordinator) StartSession(ctx context.Context, req StartRequest) (model.MonitoringSession, error) {
	req.ShipmentRef = strings.TrimSpace(req.ShipmentRef)
	if req.ShipmentRef == "" {
		return model.MonitoringSession{}, apperr.Validation("INVALID_REQUEST", "shipmentRef is required")
	}
	for i, p := range req.PlannedRoute {
		if !geo.Valid(p) {
			return model.MonitoringSession{}, apperr.Validation("INVALID_ROUTE", "plannedRoute[%d] out of range", i)
		}
	}
	if len(req.PlannedRoute) == 1 {
		return model.MonitoringSession{}, apperr.Validation("INVALID_ROUTE", "plannedRoute needs at least 2 points")
	}
	s, err := c.newSession(ctx, req)
	if err != nil {
		return model.MonitoringSession{}, err
	}
	if s.VehicleRef == "" {
		return model.MonitoringSession{}, apperr.Validation("INVALID_REQUEST", "vehicleRef is required")
	}
	return c.createSession(ctx, s)
}

func (c *Coordinator) newSession(ctx context.Context, req StartRequest) (model.MonitoringSession, error) {
	if c.shipments == nil {
		return model.MonitoringSession{}, apperr.NotFound("SHIPMENT_NOT_FOUND", "shipment %s not found", req.ShipmentRef)
	}
	classes, err := c.shipments.HazardClasses(ctx, req.ShipmentRef)
	if errors.Is(err, directory.ErrUnknownShipment) {
		return model.MonitoringSession{}, apperr.NotFound("SHIPMENT_NOT_FOUND", "shipment %s not found", req.ShipmentRef)
	}
	if err != nil {
		return model.MonitoringSession{}, apperr.Transient("DIRECTORY_UNAVAILABLE", err)
	}
	vehicle, driver, err := c.shipments.Assignment(ctx, req.ShipmentRef)
	if err != nil {
		return model.MonitoringSession{}, apperr.Transient("DIRECTORY_UNAVAILABLE", err)
	}
	if req.VehicleRef != "" {
		vehicle = req.VehicleRef
	}
	if req.DriverRef != "" {
		driver = req.DriverRef
	}
	now := c.now().UTC()
	return model.MonitoringSession{
		ID:                     uuid.New().String(),
		ShipmentRef:            req.ShipmentRef,
		VehicleRef:             vehicle,
		DriverRef:              driver,
		Status:                 model.SessionActive,
		ComplianceLevel:        model.LevelCompliant,
		ComplianceScore:        100,
		PlannedRoute:           req.PlannedRoute,
		MonitoredHazardClasses: model.NormalizeHazardClasses(classes),
		StartedAt:              now,
		UpdatedAt:              now,
	}, nil
}

func (c *Coordinator) createSession(ctx context.Context, s model.MonitoringSession) (model.MonitoringSession, error) {
	start := model.ComplianceEvent{
		ID:          uuid.New().String(),
		SessionRef:  s.ID,
		EventType:   model.EventSystemAlert,
		Severity:    model.SeverityInfo,
		Timestamp:   s.StartedAt,
		Title:       "Monitoring Session Started",
		Description: fmt.Sprintf("Compliance monitoring started for shipment %s on vehicle %s", s.ShipmentRef, s.VehicleRef),
		EventData: map[string]any{
			"shipment_ref":             s.ShipmentRef,
			"vehicle_ref":              s.VehicleRef,
			"monitored_hazard_classes": s.MonitoredHazardClasses,
			"planned_route_points":     len(s.PlannedRoute),
		},
		CreatedAt: s.StartedAt,
	}
	out, err := c.store.CreateSession(ctx, s, []model.ComplianceEvent{start})
	if errors.Is(err, store.ErrConflict) {
		return model.MonitoringSession{}, apperr.Validation("SESSION_ALREADY_ACTIVE",
			"an open monitoring session already exists for shipment %s and vehicle %s", s.ShipmentRef, s.VehicleRef)
	}
	if err != nil {
		return model.MonitoringSession{}, apperr.Transient("STORE_UNAVAILABLE", err)
	}
	c.log.Info().Str("session_id", out.ID).Str("shipment_ref", out.ShipmentRef).Str("vehicle_ref", out.VehicleRef).
		Strs("hazard_classes", out.MonitoredHazardClasses).Msg("monitoring session started")
	c.publish(out, []model.ComplianceEvent{start})
	return out, nil
}

// CompleteSession closes the session and returns its summary.
func (c *Coordinator) CompleteSession(ctx context.Context, id, notes string) (model.SessionSummary, error) {
	ctx, span := c.tracer.Start(ctx, "monitor.CompleteSession")
	defer span.End()
	now := c.now().UTC()
	ev := model.ComplianceEvent{
		ID:          uuid.New().String(),
		SessionRef:  id,
		EventType:   model.EventSystemAlert,
		Severity:    model.SeverityInfo,
		Timestamp:   now,
		Title:       "Monitoring Session Completed",
		Description: "Compliance monitoring completed",
		EventData:   map[string]any{"notes": notes},
		CreatedAt:   now,
	}
	unlock := c.locks.Lock(id)
	s, inserted, err := c.commit(ctx, id, []model.ComplianceEvent{ev}, func(s *model.MonitoringSession, ins []model.ComplianceEvent) error {
		if s.Status.Terminal() {
			return apperr.Validation("SESSION_TERMINAL", "session %s is already %s", s.ID, s.Status)
		}
		s.Status = model.SessionCompleted
		s.CompletedAt = &now
		s.CompletionNotes = notes
		return nil
	})
	unlock()
	if err != nil {
		return model.SessionSummary{}, err
	}
	c.afterCommit(ctx, s, inserted, nil)
	if c.locations != nil {
		_ = c.locations.Invalidate(ctx, s.VehicleRef)
	}

	counts, err := c.store.CountEvents(ctx, id)
	if err != nil {
		return model.SessionSummary{}, apperr.Transient("STORE_UNAVAILABLE", err)
	}
	sum := model.SessionSummary{
		SessionID:        s.ID,
		ShipmentRef:      s.ShipmentRef,
		VehicleRef:       s.VehicleRef,
		DriverRef:        s.DriverRef,
		Status:           s.Status,
		StartedAt:        s.StartedAt,
		CompletedAt:      now,
		DurationHours:    math.Round(now.Sub(s.StartedAt).Hours()*100) / 100,
		EventsByType:     map[string]int{},
		EventsBySeverity: map[string]int{},
		TotalViolations:  s.TotalViolations,
		TotalWarnings:    s.TotalWarnings,
		FinalScore:       s.ComplianceScore,
		FinalLevel:       s.ComplianceLevel,
		AlertCount:       s.AlertCount,
		Notes:            notes,
	}
	for _, ec := range counts {
		sum.TotalEvents += ec.Count
		sum.EventsByType[string(ec.EventType)] += ec.Count
		sum.EventsBySeverity[string(ec.Severity)] += ec.Count
	}
	c.log.Info().Str("session_id", s.ID).Float64("final_score", s.ComplianceScore).Str("final_level", string(s.ComplianceLevel)).Msg("monitoring session completed")
	return sum, nil
}

// PauseSession suspends telemetry processing for an ACTIVE session.
func (c *Coordinator) PauseSession(ctx context.Context, id, by, reason string) (model.MonitoringSession, error) {
	return c.transition(ctx, id, model.SessionActive, model.SessionPaused, "Monitoring Paused", by, reason)
}

// ResumeSession returns a PAUSED session to ACTIVE.
func (c *Coordinator) ResumeSession(ctx context.Context, id, by string) (model.MonitoringSession, error) {
	return c.transition(ctx, id, model.SessionPaused, model.SessionActive, "Monitoring Resumed", by, "")
}

func (c *Coordinator) transition(ctx context.Context, id string, from, to model.SessionStatus, title, by, reason string) (model.MonitoringSession, error) {
	now := c.now().UTC()
	ev := model.ComplianceEvent{
		ID:          uuid.New().String(),
		SessionRef:  id,
		EventType:   model.EventManualOverride,
		Severity:    model.SeverityInfo,
		Timestamp:   now,
		Title:       title,
		Description: strings.TrimSpace(fmt.Sprintf("%s by %s. %s", title, by, reason)),
		EventData:   map[string]any{"from": string(from), "to": string(to), "by": by, "reason": reason},
		InitiatedBy: by,
		CreatedAt:   now,
	}
	unlock := c.locks.Lock(id)
	s, inserted, err := c.commit(ctx, id, []model.ComplianceEvent{ev}, func(s *model.MonitoringSession, _ []model.ComplianceEvent) error {
		if s.Status != from {
			return apperr.Validation("INVALID_STATE", "session %s is %s, expected %s", s.ID, s.Status, from)
		}
		s.Status = to
		recompute(s)
		return nil
	})
	unlock()
	if err != nil {
		return model.MonitoringSession{}, err
	}
	c.afterCommit(ctx, s, inserted, nil)
	return s, nil
}

// EscalateToIncident puts the shipment's open session (creating one when none exists)
// into INCIDENT and appends the event built by build, in one commit.
func (c *Coordinator) EscalateToIncident(ctx context.Context, shipmentRef string, build func(model.MonitoringSession) model.ComplianceEvent) (model.MonitoringSession, model.ComplianceEvent, error) {
	ctx, span := c.tracer.Start(ctx, "monitor.EscalateToIncident")
	defer span.End()

	s, err := c.store.FindOpenSession(ctx, shipmentRef)
	if errors.Is(err, store.ErrNotFound) {
		s, err = c.openForIncident(ctx, shipmentRef)
	} else if err != nil {
		err = apperr.Transient("STORE_UNAVAILABLE", err)
	}
	if err != nil {
		return model.MonitoringSession{}, model.ComplianceEvent{}, err
	}

	ev := build(s)
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.SessionRef = s.ID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now().UTC()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = c.now().UTC()
	}
	unlock := c.locks.Lock(s.ID)
	out, inserted, err := c.commit(ctx, s.ID, []model.ComplianceEvent{ev}, func(s *model.MonitoringSession, ins []model.ComplianceEvent) error {
		if s.Status.Terminal() {
			return apperr.Validation("SESSION_TERMINAL", "session %s is %s", s.ID, s.Status)
		}
		s.Status = model.SessionIncident
		c.applyInserted(s, ins, nil)
		return nil
	})
	unlock()
	if err != nil {
		return model.MonitoringSession{}, model.ComplianceEvent{}, err
	}
	c.log.Warn().Str("session_id", out.ID).Str("shipment_ref", shipmentRef).Str("event_type", string(ev.EventType)).Msg("session escalated to incident")
	c.afterCommit(ctx, out, inserted, nil)
	return out, ev, nil
}

func (c *Coordinator) openForIncident(ctx context.Context, shipmentRef string) (model.MonitoringSession, error) {
	s, err := c.newSession(ctx, StartRequest{ShipmentRef: shipmentRef})
	if err != nil {
		return model.MonitoringSession{}, err
	}
	out, err := c.createSession(ctx, s)
	if apperr.Reason(err) == "SESSION_ALREADY_ACTIVE" {
		// lost a race with another opener
		if found, ferr := c.store.FindOpenSession(ctx, shipmentRef); ferr == nil {
			return found, nil
		}
	}
	return out, err
}
