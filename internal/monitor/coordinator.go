// Package monitor owns monitoring sessions: it applies evaluations atomically per
// session, keeps the score and level current, raises alerts and sweeps for GPS loss.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dgmonitor/internal/alerts"
	"dgmonitor/internal/apperr"
	"dgmonitor/internal/compliance"
	"dgmonitor/internal/directory"
	"dgmonitor/internal/keylock"
	"dgmonitor/internal/live"
	"dgmonitor/internal/metrics"
	"dgmonitor/internal/model"
	"dgmonitor/internal/store"
	"dgmonitor/internal/stream"
	"dgmonitor/internal/tracking"
)

// Notifier is the alert path used by the coordinator.
type Notifier interface {
	Dispatch(ctx context.Context, n alerts.Notification) error
	Enqueue(ctx context.Context, n alerts.Notification) error
}

// DashboardRecipient is the recipient used for DASHBOARD alerts.
const DashboardRecipient = "dashboard"

type Deps struct {
	Store     store.Store
	Evaluator *compliance.Evaluator
	Shipments directory.Shipments
	Alerts    Notifier
	Broker    live.EventBroker
	Sink      stream.EventSink
	Locations tracking.LocationCache
	Log       zerolog.Logger
}

type Options struct {
	DispatchTimeout time.Duration
	CommitAttempts  int
	CommitBackoff   time.Duration
}

type Coordinator struct {
	store     store.Store
	eval      *compliance.Evaluator
	shipments directory.Shipments
	alerts    Notifier
	broker    live.EventBroker
	sink      stream.EventSink
	locations tracking.LocationCache
	log       zerolog.Logger
	tracer    trace.Tracer

	locks *keylock.Map
	opts  Options
	now   func() time.Time
	sleep func(time.Duration)
	// sweepPage is the ListSessions page size used by Sweep.
	sweepPage int
}

func New(d Deps, opts Options) *Coordinator {
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 5 * time.Second
	}
	if opts.CommitAttempts <= 0 {
		opts.CommitAttempts = 3
	}
	if opts.CommitBackoff <= 0 {
		opts.CommitBackoff = 50 * time.Millisecond
	}
	c := &Coordinator{
		store:     d.Store,
		eval:      d.Evaluator,
		shipments: d.Shipments,
		alerts:    d.Alerts,
		broker:    d.Broker,
		sink:      d.Sink,
		locations: d.Locations,
		log:       d.Log,
		tracer:    otel.Tracer("dgmonitor/monitor"),
		locks:     keylock.New(),
		opts:      opts,
		now:       time.Now,
		sleep:     time.Sleep,
		sweepPage: 1000,
	}
	if c.sink == nil {
		c.sink = stream.Nop{}
	}
	return c
}

// SubmitTelemetry validates a sample, evaluates it against the session and applies
// the result.
func (c *Coordinator) SubmitTelemetry(ctx context.Context, sessionID string, sample model.TelemetrySample) (model.MonitoringSession, compliance.Result, error) {
	ctx, span := c.tracer.Start(ctx, "monitor.SubmitTelemetry", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	if err := c.validateSample(&sample); err != nil {
		metrics.TelemetrySamples.WithLabelValues("rejected").Inc()
		return model.MonitoringSession{}, compliance.Result{}, err
	}
	s, err := c.getSession(ctx, sessionID)
	if err != nil {
		metrics.TelemetrySamples.WithLabelValues("rejected").Inc()
		return model.MonitoringSession{}, compliance.Result{}, err
	}
	if err := acceptsTelemetry(s); err != nil {
		metrics.TelemetrySamples.WithLabelValues("rejected").Inc()
		return model.MonitoringSession{}, compliance.Result{}, err
	}
	res := c.eval.Evaluate(s, sample)
	span.SetAttributes(attribute.Int("violations", len(res.Violations)), attribute.Int("warnings", len(res.Warnings)))

	out, err := c.ApplyEvaluation(ctx, sessionID, sample, res)
	if err != nil {
		result := "error"
		if apperr.IsValidation(err) || apperr.IsNotFound(err) {
			result = "rejected"
		}
		metrics.TelemetrySamples.WithLabelValues(result).Inc()
		span.SetStatus(codes.Error, err.Error())
		return model.MonitoringSession{}, res, err
	}
	metrics.TelemetrySamples.WithLabelValues("ok").Inc()
	return out, res, nil
}

func (c *Coordinator) validateSample(s *model.TelemetrySample) error {
	if s.Lat < -90 || s.Lat > 90 || s.Lng < -180 || s.Lng > 180 {
		return apperr.Validation("INVALID_SAMPLE", "coordinates out of range: %v,%v", s.Lat, s.Lng)
	}
	if s.SpeedKmh != nil && *s.SpeedKmh < 0 {
		return apperr.Validation("INVALID_SAMPLE", "speedKmh must be >= 0")
	}
	if s.Heading != nil && (*s.Heading < 0 || *s.Heading > 360) {
		return apperr.Validation("INVALID_SAMPLE", "heading must be within [0,360]")
	}
	now := c.now()
	if s.Timestamp.IsZero() {
		s.Timestamp = now
	}
	if s.Timestamp.After(now.Add(5 * time.Minute)) {
		return apperr.Validation("INVALID_SAMPLE", "timestamp is in the future")
	}
	s.Timestamp = s.Timestamp.UTC()
	return nil
}

func acceptsTelemetry(s model.MonitoringSession) error {
	switch {
	case s.Status.Terminal():
		return apperr.Validation("SESSION_TERMINAL", "session %s is %s", s.ID, s.Status)
	case s.Status == model.SessionPaused:
		return apperr.Validation("SESSION_PAUSED", "session %s is paused", s.ID)
	}
	return nil
}

// ApplyEvaluation records a sample and its findings on the session. Events are
// inserted idempotently; counters, score and level move only for newly inserted
// events. Critical findings are dispatched after the session lock is released.
func (c *Coordinator) ApplyEvaluation(ctx context.Context, sessionID string, sample model.TelemetrySample, res compliance.Result) (model.MonitoringSession, error) {
	ctx, span := c.tracer.Start(ctx, "monitor.ApplyEvaluation", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()
	start := time.Now()
	if sample.Timestamp.IsZero() {
		sample.Timestamp = c.now()
	}

	events, immediate := c.sampleEvents(sessionID, sample, res)
	unlock := c.locks.Lock(sessionID)
	s, inserted, err := c.commit(ctx, sessionID, events, func(s *model.MonitoringSession, ins []model.ComplianceEvent) error {
		if err := acceptsTelemetry(*s); err != nil {
			return err
		}
		if s.LastUpdateAt == nil || !sample.Timestamp.Before(*s.LastUpdateAt) {
			p := sample.Point()
			ts := sample.Timestamp
			s.LastKnownLocation = &p
			s.LastUpdateAt = &ts
			s.CurrentSpeedKmh = sample.SpeedKmh
		}
		c.applyInserted(s, ins, immediate)
		return nil
	})
	unlock()
	metrics.SessionApplyDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return model.MonitoringSession{}, err
	}
	span.SetAttributes(attribute.Int("events.inserted", len(inserted)))

	if c.locations != nil && s.LastKnownLocation != nil {
		pos := tracking.Position{SessionID: s.ID, ShipmentRef: s.ShipmentRef, VehicleRef: s.VehicleRef,
			Lat: s.LastKnownLocation.Lat, Lng: s.LastKnownLocation.Lng, SpeedKmh: s.CurrentSpeedKmh, Timestamp: *s.LastUpdateAt}
		if err := c.locations.Upsert(ctx, pos); err != nil {
			c.log.Warn().Err(err).Str("session_id", s.ID).Msg("location cache update failed")
		}
	}
	c.afterCommit(ctx, s, inserted, immediate)
	return s, nil
}

// sampleEvents turns findings into events plus the GPS_UPDATE record. The returned set
// holds the ids of findings flagged for immediate alerting.
func (c *Coordinator) sampleEvents(sessionID string, sample model.TelemetrySample, res compliance.Result) ([]model.ComplianceEvent, map[string]bool) {
	now := c.now().UTC()
	p := sample.Point()
	immediate := map[string]bool{}
	events := make([]model.ComplianceEvent, 0, len(res.Violations)+len(res.Warnings)+1)
	for _, f := range res.All() {
		id := sampleEventID(sessionID, sample.Timestamp, p, string(f.Check), f.ZoneRef, f.HazardClass)
		if f.Immediate {
			immediate[id] = true
		}
		events = append(events, findingEvent(id, sessionID, sample.Timestamp, p, f, now))
	}
	data := map[string]any{"lat": p.Lat, "lng": p.Lng}
	if sample.SpeedKmh != nil {
		data["speed_kmh"] = *sample.SpeedKmh
	}
	if sample.Heading != nil {
		data["heading"] = *sample.Heading
	}
	events = append(events, model.ComplianceEvent{
		ID:          sampleEventID(sessionID, sample.Timestamp, p, "gps", "", ""),
		SessionRef:  sessionID,
		EventType:   model.EventGPSUpdate,
		Severity:    model.SeverityInfo,
		Location:    &p,
		Timestamp:   sample.Timestamp,
		Title:       "GPS Update",
		Description: fmt.Sprintf("Position %.5f, %.5f", p.Lat, p.Lng),
		EventData:   data,
		CreatedAt:   now,
	})
	return events, immediate
}

func findingEvent(id, sessionID string, ts time.Time, p model.GeoPoint, f compliance.Finding, now time.Time) model.ComplianceEvent {
	loc := f.Location
	if loc == nil {
		loc = &p
	}
	return model.ComplianceEvent{
		ID:                id,
		SessionRef:        sessionID,
		EventType:         f.EventType,
		Severity:          f.Severity,
		Location:          loc,
		Timestamp:         ts,
		Title:             f.Title,
		Description:       f.Description,
		EventData:         f.Data,
		ComplianceZoneRef: f.ZoneRef,
		CreatedAt:         now,
	}
}

// applyInserted moves counters, alert bookkeeping, score and level for newly inserted
// events.
func (c *Coordinator) applyInserted(s *model.MonitoringSession, ins []model.ComplianceEvent, immediate map[string]bool) {
	critical := false
	for _, e := range ins {
		switch e.Severity {
		case model.SeverityViolation, model.SeverityCritical:
			s.TotalViolations++
		case model.SeverityWarning:
			s.TotalWarnings++
		}
		if isCritical(e, immediate) {
			critical = true
		}
	}
	if critical {
		now := c.now().UTC()
		s.AlertCount++
		s.LastAlertAt = &now
	}
	recompute(s)
}

func isCritical(e model.ComplianceEvent, immediate map[string]bool) bool {
	return immediate[e.ID] || e.Severity == model.SeverityCritical || e.Severity == model.SeverityEmergency
}

// recompute derives score and level from the counters. An incident pins the level.
func recompute(s *model.MonitoringSession) {
	s.ComplianceScore = compliance.Score(s.TotalViolations, s.TotalWarnings)
	if s.Status == model.SessionIncident {
		s.ComplianceLevel = model.LevelCritical
		return
	}
	s.ComplianceLevel = compliance.Level(s.ComplianceScore)
}

// commit runs CommitSessionChange with retries on storage failures. Domain errors
// returned by apply are passed through unchanged.
func (c *Coordinator) commit(ctx context.Context, sessionID string, events []model.ComplianceEvent, apply store.ApplyFunc) (model.MonitoringSession, []model.ComplianceEvent, error) {
	var lastErr error
	for attempt := 0; attempt < c.opts.CommitAttempts; attempt++ {
		if attempt > 0 {
			c.sleep(c.opts.CommitBackoff * time.Duration(1<<(attempt-1)))
		}
		s, ins, err := c.store.CommitSessionChange(ctx, sessionID, events, apply)
		if err == nil {
			return s, ins, nil
		}
		switch {
		case errors.Is(err, store.ErrNotFound):
			return model.MonitoringSession{}, nil, apperr.NotFound("SESSION_NOT_FOUND", "session %s not found", sessionID)
		case apperr.Reason(err) != "", errors.Is(err, store.ErrConflict):
			return model.MonitoringSession{}, nil, err
		case ctx.Err() != nil:
			return model.MonitoringSession{}, nil, apperr.Transient("STORE_UNAVAILABLE", ctx.Err())
		}
		lastErr = err
		c.log.Warn().Err(err).Str("session_id", sessionID).Int("attempt", attempt+1).Msg("session commit failed")
	}
	return model.MonitoringSession{}, nil, apperr.Transient("STORE_UNAVAILABLE", lastErr)
}

// afterCommit fans inserted events out to live subscribers, the event stream and the
// alert path. It runs without the session lock.
func (c *Coordinator) afterCommit(ctx context.Context, s model.MonitoringSession, inserted []model.ComplianceEvent, immediate map[string]bool) {
	for _, e := range inserted {
		metrics.ComplianceEvents.WithLabelValues(string(e.EventType), string(e.Severity)).Inc()
	}
	c.publish(s, inserted)
	if len(inserted) > 0 {
		if err := c.sink.PublishEvents(ctx, inserted); err != nil {
			c.log.Warn().Err(err).Str("session_id", s.ID).Msg("event stream publish failed")
		}
	}
	if c.alerts == nil {
		return
	}
	for _, e := range inserted {
		switch {
		case e.Severity == model.SeverityEmergency:
			// delivered by the emergency broadcast, off the caller's path
			continue
		case isCritical(e, immediate):
			c.dispatchCritical(ctx, s, e)
		case e.Severity == model.SeverityViolation:
			n := notification(s, e, model.ChannelDashboard, DashboardRecipient, model.PriorityHigh)
			if err := c.alerts.Enqueue(ctx, n); err != nil {
				c.log.Warn().Err(err).Str("event_id", e.ID).Msg("alert enqueue failed")
			}
		}
	}
}

func (c *Coordinator) dispatchCritical(ctx context.Context, s model.MonitoringSession, e model.ComplianceEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.DispatchTimeout)
	defer cancel()
	targets := []alerts.Notification{notification(s, e, model.ChannelDashboard, DashboardRecipient, model.PriorityCritical)}
	if s.DriverRef != "" {
		targets = append([]alerts.Notification{notification(s, e, model.ChannelPush, s.DriverRef, model.PriorityCritical)}, targets...)
	}
	for _, n := range targets {
		if err := c.alerts.Dispatch(ctx, n); err != nil {
			// already queued for retry by the dispatcher
			c.log.Error().Err(err).Str("session_id", s.ID).Str("event_id", e.ID).Str("channel", string(n.Channel)).Msg("critical alert dispatch failed")
		}
	}
}

func notification(s model.MonitoringSession, e model.ComplianceEvent, ch model.AlertChannel, to string, p model.AlertPriority) alerts.Notification {
	return alerts.Notification{
		Channel:   ch,
		Recipient: to,
		Subject:   fmt.Sprintf("[%s] %s", e.Severity, e.Title),
		Body:      fmt.Sprintf("Shipment %s, vehicle %s: %s", s.ShipmentRef, s.VehicleRef, e.Description),
		Priority:  p,
		SessionID: s.ID,
		EventID:   e.ID,
	}
}

func (c *Coordinator) publish(s model.MonitoringSession, inserted []model.ComplianceEvent) {
	if c.broker == nil {
		return
	}
	topic := live.SessionTopic(s.ID)
	for _, e := range inserted {
		if e.EventType == model.EventGPSUpdate {
			continue
		}
		c.broker.Publish(topic, live.Event{Type: "compliance.event", Data: eventData(e)})
	}
	c.broker.Publish(topic, live.Event{Type: "session.updated", Data: sessionData(s)})
}

func eventData(e model.ComplianceEvent) map[string]any {
	d := map[string]any{
		"id": e.ID, "eventType": string(e.EventType), "severity": string(e.Severity), "title": e.Title,
		"description": e.Description, "timestamp": e.Timestamp.Format(time.RFC3339),
	}
	if e.Location != nil {
		d["lat"], d["lng"] = e.Location.Lat, e.Location.Lng
	}
	if e.ComplianceZoneRef != "" {
		d["zoneId"] = e.ComplianceZoneRef
	}
	return d
}

func sessionData(s model.MonitoringSession) map[string]any {
	d := map[string]any{
		"id": s.ID, "status": string(s.Status), "complianceLevel": string(s.ComplianceLevel),
		"complianceScore": s.ComplianceScore, "totalViolations": s.TotalViolations, "totalWarnings": s.TotalWarnings,
		"alertCount": s.AlertCount,
	}
	if s.LastKnownLocation != nil {
		d["lat"], d["lng"] = s.LastKnownLocation.Lat, s.LastKnownLocation.Lng
	}
	if s.CurrentSpeedKmh != nil {
		d["speedKmh"] = *s.CurrentSpeedKmh
	}
	return d
}

func (c *Coordinator) getSession(ctx context.Context, id string) (model.MonitoringSession, error) {
	s, err := c.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.MonitoringSession{}, apperr.NotFound("SESSION_NOT_FOUND", "session %s not found", id)
	}
	if err != nil {
		return model.MonitoringSession{}, apperr.Transient("STORE_UNAVAILABLE", err)
	}
	return s, nil
}

// GetSession returns the session by id.
func (c *Coordinator) GetSession(ctx context.Context, id string) (model.MonitoringSession, error) {
	return c.getSession(ctx, id)
}
