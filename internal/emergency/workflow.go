// Package emergency runs the three-step emergency activation: initiate, confirm with
// PIN and text, then activate. Activations are single-use tokens held in a TTLStore; the
// activated emergency is recorded through the session coordinator.
package emergency

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"dgmonitor/internal/alerts"
	"dgmonitor/internal/apperr"
	"dgmonitor/internal/directory"
	"dgmonitor/internal/geo"
	"dgmonitor/internal/keylock"
	"dgmonitor/internal/metrics"
	"dgmonitor/internal/model"
	"dgmonitor/internal/store"
)

// Escalator records an emergency event against the shipment's session.
type Escalator interface {
	EscalateToIncident(ctx context.Context, shipmentRef string, build func(model.MonitoringSession) model.ComplianceEvent) (model.MonitoringSession, model.ComplianceEvent, error)
}

// Notifier queues broadcast notifications.
type Notifier interface {
	Enqueue(ctx context.Context, n alerts.Notification) error
}

type Deps struct {
	Store     store.Store
	TTL       TTLStore
	Escalator Escalator
	Shipments directory.Shipments
	Users     directory.Users
	Alerts    Notifier
	Log       zerolog.Logger
}

type Workflow struct {
	store     store.Store
	ttl       TTLStore
	escalator Escalator
	shipments directory.Shipments
	users     directory.Users
	alerts    Notifier
	log       zerolog.Logger
	tracer    trace.Tracer
	policy    Policy
	locks     *keylock.Map

	now   func() time.Time
	async func(func())
}

func New(d Deps, p Policy) *Workflow {
	if d.TTL == nil {
		d.TTL = NewMemoryTTL()
	}
	return &Workflow{
		store:     d.Store,
		ttl:       d.TTL,
		escalator: d.Escalator,
		shipments: d.Shipments,
		users:     d.Users,
		alerts:    d.Alerts,
		log:       d.Log,
		tracer:    otel.Tracer("dgmonitor/emergency"),
		policy:    p.withDefaults(),
		locks:     keylock.New(),
		now:       time.Now,
		async:     func(f func()) { go f() },
	}
}

func (w *Workflow) Policy() Policy { return w.policy }

func activationKey(token string) string { return "emergency:activation:" + token }
func usedKey(token string) string       { return "emergency:used:" + token }
func cooldownKey(user string) string    { return "emergency:cooldown:" + user }

// Initiation is returned by Initiate.
type Initiation struct {
	Token               string    `json:"token"`
	EmergencyType       string    `json:"emergencyType"`
	ExpiresAt           time.Time `json:"expiresAt"`
	TimeoutSeconds      int       `json:"timeoutSeconds"`
	CooldownSeconds     int       `json:"cooldownSeconds"`
	FalseAlarmCount     int       `json:"falseAlarmCount"`
	FalseAlarmLimit     int       `json:"falseAlarmLimit"`
	RequiredConfirmText string    `json:"requiredConfirmText"`
}

// Initiate opens a pending activation for the user. It enforces the daily false-alarm
// limit and the per-user cooldown.
func (w *Workflow) Initiate(ctx context.Context, userRef, shipmentRef string, t model.EmergencyType) (out Initiation, err error) {
	ctx, span := w.tracer.Start(ctx, "emergency.Initiate", trace.WithAttributes(attribute.String("emergency.type", string(t))))
	defer func() { w.finish(span, "initiate", err) }()

	if !t.Valid() {
		return Initiation{}, apperr.Validation("INVALID_EMERGENCY_TYPE", "unknown emergency type %q", t)
	}
	userRef, shipmentRef = strings.TrimSpace(userRef), strings.TrimSpace(shipmentRef)
	if userRef == "" || shipmentRef == "" {
		return Initiation{}, apperr.Validation("INVALID_REQUEST", "userRef and shipmentRef are required")
	}
	if _, err := w.shipments.HazardClasses(ctx, shipmentRef); errors.Is(err, directory.ErrUnknownShipment) {
		return Initiation{}, apperr.NotFound("SHIPMENT_NOT_FOUND", "shipment %s not found", shipmentRef)
	} else if err != nil {
		return Initiation{}, apperr.Transient("DIRECTORY_UNAVAILABLE", err)
	}

	unlock := w.locks.Lock("user:" + userRef)
	defer unlock()

	now := w.now().UTC()
	count, err := w.store.CountFalseAlarms(ctx, userRef, dayStart(now))
	if err != nil {
		return Initiation{}, apperr.Transient("STORE_UNAVAILABLE", err)
	}
	if count >= w.policy.FalseAlarmLimit {
		pe := apperr.Permission("FALSE_ALARM_LIMIT", "daily false alarm limit reached (%d of %d)", count, w.policy.FalseAlarmLimit)
		pe.Count, pe.Limit = count, w.policy.FalseAlarmLimit
		return Initiation{}, pe
	}

	claimed, err := w.ttl.SetNX(ctx, cooldownKey(userRef), []byte(now.Format(time.RFC3339)), w.policy.Cooldown)
	if err != nil {
		return Initiation{}, apperr.Transient("TTL_STORE_UNAVAILABLE", err)
	}
	if !claimed {
		retry := int(w.policy.Cooldown.Seconds())
		if _, left, gerr := w.ttl.Get(ctx, cooldownKey(userRef)); gerr == nil {
			retry = int(math.Ceil(left.Seconds()))
		}
		pe := apperr.Permission("COOLDOWN_ACTIVE", "emergency cooldown active, retry in %ds", retry)
		pe.RetryAfterSeconds = retry
		return Initiation{}, pe
	}

	token, err := newToken()
	if err != nil {
		return Initiation{}, err
	}
	act := model.EmergencyActivation{
		Token:         token,
		UserRef:       userRef,
		ShipmentRef:   shipmentRef,
		EmergencyType: t,
		Step:          model.StepInitiated,
		InitiatedAt:   now,
	}
	if err := w.save(ctx, act, w.policy.Timeout); err != nil {
		_ = w.ttl.Del(ctx, cooldownKey(userRef))
		return Initiation{}, err
	}
	w.log.Warn().Str("user_ref", userRef).Str("shipment_ref", shipmentRef).Str("emergency_type", string(t)).
		Str("token_id", tokenID(token)).Msg("emergency initiated")
	return Initiation{
		Token:               token,
		EmergencyType:       string(t),
		ExpiresAt:           now.Add(w.policy.Timeout),
		TimeoutSeconds:      int(w.policy.Timeout.Seconds()),
		CooldownSeconds:     int(w.policy.Cooldown.Seconds()),
		FalseAlarmCount:     count,
		FalseAlarmLimit:     w.policy.FalseAlarmLimit,
		RequiredConfirmText: w.policy.ConfirmText,
	}, nil
}

// Confirm verifies the user's PIN and confirmation text. A wrong PIN or text leaves
// the activation pending until it expires.
func (w *Workflow) Confirm(ctx context.Context, userRef, token, pin, text string) (out model.EmergencyActivation, err error) {
	ctx, span := w.tracer.Start(ctx, "emergency.Confirm")
	defer func() { w.finish(span, "confirm", err) }()

	unlock := w.locks.Lock("token:" + token)
	defer unlock()

	act, _, err := w.load(ctx, token)
	if err != nil {
		return model.EmergencyActivation{}, err
	}
	if act.UserRef != userRef {
		// abandon it; the caller cannot tell this from an unknown token
		_ = w.ttl.Del(ctx, activationKey(token))
		w.log.Warn().Str("user_ref", userRef).Str("token_id", tokenID(token)).Msg("emergency confirm by non-initiator")
		return model.EmergencyActivation{}, notFound()
	}
	if act.Step != model.StepInitiated {
		return model.EmergencyActivation{}, apperr.Permission("INVALID_STEP", "activation is %s", act.Step)
	}
	if !w.pinMatches(ctx, userRef, pin) {
		return model.EmergencyActivation{}, apperr.Permission("INVALID_PIN", "emergency PIN rejected")
	}
	if strings.TrimSpace(text) != w.policy.ConfirmText {
		return model.EmergencyActivation{}, apperr.Validation("CONFIRM_TEXT_MISMATCH", "type %s to confirm", w.policy.ConfirmText)
	}

	now := w.now().UTC()
	left := act.InitiatedAt.Add(w.policy.Timeout).Sub(now)
	if left <= 0 {
		_ = w.ttl.Del(ctx, activationKey(token))
		return model.EmergencyActivation{}, notFound()
	}
	act.Step = model.StepConfirmed
	act.ConfirmedAt = &now
	act.PINVerified = true
	if err := w.save(ctx, act, left); err != nil {
		return model.EmergencyActivation{}, err
	}
	return act, nil
}

func (w *Workflow) pinMatches(ctx context.Context, userRef, pin string) bool {
	if w.users == nil || pin == "" {
		return false
	}
	hash, err := w.users.EmergencyPINHash(ctx, userRef)
	if err != nil {
		if !errors.Is(err, directory.ErrUnknownUser) {
			w.log.Error().Err(err).Str("user_ref", userRef).Msg("emergency PIN lookup failed")
		}
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) == nil
}

type ActivateRequest struct {
	UserRef       string          `json:"userRef"`
	Token         string          `json:"token"`
	Location      *model.GeoPoint `json:"location,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	SeverityLevel string          `json:"severityLevel,omitempty"`
}

// Activation is returned by Activate.
type Activation struct {
	EmergencyID string                  `json:"emergencyId"`
	Session     model.MonitoringSession `json:"session"`
	Event       model.ComplianceEvent   `json:"event"`
	DataPacket  DataPacket              `json:"dataPacket"`
}

var severityLevels = map[string]struct{}{"LOW": {}, "MEDIUM": {}, "HIGH": {}, "CRITICAL": {}}

// Activate consumes a confirmed token: it escalates the shipment's session to INCIDENT
// with an EMERGENCY_<TYPE> event and broadcasts to contacts and stakeholders.
func (w *Workflow) Activate(ctx context.Context, req ActivateRequest) (out Activation, err error) {
	ctx, span := w.tracer.Start(ctx, "emergency.Activate")
	defer func() { w.finish(span, "activate", err) }()

	level := strings.ToUpper(strings.TrimSpace(req.SeverityLevel))
	if level == "" {
		level = "HIGH"
	}
	if _, ok := severityLevels[level]; !ok {
		return Activation{}, apperr.Validation("INVALID_REQUEST", "unknown severityLevel %q", req.SeverityLevel)
	}
	if req.Location != nil && !geo.Valid(*req.Location) {
		return Activation{}, apperr.Validation("INVALID_LOCATION", "location out of range")
	}

	unlock := w.locks.Lock("token:" + req.Token)
	defer unlock()

	act, _, err := w.load(ctx, req.Token)
	if apperr.IsNotFound(err) {
		if _, _, uerr := w.ttl.Get(ctx, usedKey(req.Token)); uerr == nil {
			return Activation{}, apperr.Permission("TOKEN_ALREADY_USED", "activation token already used")
		}
	}
	if err != nil {
		return Activation{}, err
	}
	if act.UserRef != req.UserRef {
		return Activation{}, notFound()
	}
	if act.Step != model.StepConfirmed || act.ConfirmedAt == nil {
		return Activation{}, apperr.Permission("NOT_CONFIRMED", "activation has not been confirmed")
	}
	claimed, err := w.ttl.SetNX(ctx, usedKey(req.Token), []byte(req.UserRef), w.policy.UsedRetention)
	if err != nil {
		return Activation{}, apperr.Transient("TTL_STORE_UNAVAILABLE", err)
	}
	if !claimed {
		return Activation{}, apperr.Permission("TOKEN_ALREADY_USED", "activation token already used")
	}

	now := w.now().UTC()
	falseAlarms, err := w.store.CountFalseAlarms(ctx, req.UserRef, dayStart(now))
	if err != nil {
		w.log.Warn().Err(err).Str("user_ref", req.UserRef).Msg("false alarm count unavailable")
	}
	sess, ev, err := w.escalator.EscalateToIncident(ctx, act.ShipmentRef, func(s model.MonitoringSession) model.ComplianceEvent {
		return w.emergencyEvent(s, act, req, level, falseAlarms, now)
	})
	if err != nil {
		_ = w.ttl.Del(ctx, usedKey(req.Token))
		if apperr.Reason(err) != "" {
			return Activation{}, err
		}
		return Activation{}, apperr.Transient("ESCALATION_FAILED", err)
	}
	if err := w.ttl.Del(ctx, activationKey(req.Token)); err != nil {
		w.log.Warn().Err(err).Str("token_id", tokenID(req.Token)).Msg("activation cleanup failed")
	}

	packet := w.buildPacket(ctx, sess, ev, act.EmergencyType, now)
	bctx := context.WithoutCancel(ctx)
	w.async(func() { w.broadcast(bctx, sess, ev, packet) })

	w.log.Error().Str("session_id", sess.ID).Str("event_id", ev.ID).Str("shipment_ref", sess.ShipmentRef).
		Str("emergency_type", string(act.EmergencyType)).Str("severity_level", level).Msg("emergency activated")
	return Activation{EmergencyID: ev.ID, Session: sess, Event: ev, DataPacket: packet}, nil
}

func (w *Workflow) emergencyEvent(s model.MonitoringSession, act model.EmergencyActivation, req ActivateRequest, level string, falseAlarms int, now time.Time) model.ComplianceEvent {
	data := map[string]any{
		"notes":          req.Notes,
		"severity_level": level,
		"emergency_type": string(act.EmergencyType),
		"verification": map[string]any{
			"token_id":     tokenID(act.Token),
			"initiated_at": act.InitiatedAt.Format(time.RFC3339),
			"confirmed_at": act.ConfirmedAt.Format(time.RFC3339),
			"pin_verified": act.PINVerified,
		},
	}
	if req.Location != nil {
		data["location"] = map[string]any{"lat": req.Location.Lat, "lng": req.Location.Lng}
	}
	loc := req.Location
	if loc == nil && s.LastKnownLocation != nil {
		p := *s.LastKnownLocation
		loc = &p
	}
	desc := fmt.Sprintf("Emergency %s reported by %s for shipment %s", act.EmergencyType, act.UserRef, s.ShipmentRef)
	if req.Notes != "" {
		desc += ": " + req.Notes
	}
	return model.ComplianceEvent{
		ID:                        uuid.New().String(),
		EventType:                 model.EmergencyEventType(act.EmergencyType),
		Severity:                  model.SeverityEmergency,
		Location:                  loc,
		Timestamp:                 now,
		Title:                     fmt.Sprintf("EMERGENCY: %s", act.EmergencyType),
		Description:               desc,
		EventData:                 data,
		ActivationMethod:          "PIN_CONFIRMED",
		SeverityLevel:             level,
		FalseAlarmCount:           falseAlarms,
		EmergencyContactsNotified: true,
		InitiatedBy:               act.UserRef,
		CreatedAt:                 now,
	}
}

// FalseAlarm is returned by MarkFalseAlarm.
type FalseAlarm struct {
	Event           model.ComplianceEvent `json:"event"`
	FalseAlarmCount int                   `json:"falseAlarmCount"`
	FalseAlarmLimit int                   `json:"falseAlarmLimit"`
}

// MarkFalseAlarm lets the initiator withdraw an activated emergency. The event is
// reclassified and resolved, and a ledger row counts toward the daily limit.
func (w *Workflow) MarkFalseAlarm(ctx context.Context, eventID, userRef, reason string) (out FalseAlarm, err error) {
	ctx, span := w.tracer.Start(ctx, "emergency.MarkFalseAlarm", trace.WithAttributes(attribute.String("event.id", eventID)))
	defer func() { w.finish(span, "false_alarm", err) }()

	unlock := w.locks.Lock("user:" + userRef)
	defer unlock()

	shipmentRef := ""
	e, err := w.store.GetEvent(ctx, eventID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return FalseAlarm{}, apperr.NotFound("EVENT_NOT_FOUND", "event %s not found", eventID)
	case err != nil:
		return FalseAlarm{}, apperr.Transient("STORE_UNAVAILABLE", err)
	}
	if s, err := w.store.GetSession(ctx, e.SessionRef); err == nil {
		shipmentRef = s.ShipmentRef
	}

	now := w.now().UTC()
	ev, err := w.store.RecordFalseAlarm(ctx, store.FalseAlarm{
		EventID:     eventID,
		UserRef:     userRef,
		ShipmentRef: shipmentRef,
		Reason:      reason,
		CreatedAt:   now,
	}, func(e *model.ComplianceEvent) error {
		switch {
		case e.EventType == model.EventEmergencyFalseAlarm:
			return apperr.Validation("ALREADY_RESOLVED", "event %s is already a false alarm", e.ID)
		case !e.EventType.IsEmergency():
			return apperr.Validation("NOT_EMERGENCY_EVENT", "event %s is not an emergency", e.ID)
		case e.InitiatedBy != userRef:
			return apperr.Permission("NOT_EVENT_OWNER", "only the initiator can mark event %s as a false alarm", e.ID)
		case e.Resolved():
			return apperr.Validation("ALREADY_RESOLVED", "event %s is already resolved", e.ID)
		}
		if e.EventData == nil {
			e.EventData = map[string]any{}
		}
		e.EventData["original_event_type"] = string(e.EventType)
		e.EventData["false_alarm_reason"] = reason
		e.EventType = model.EventEmergencyFalseAlarm
		e.ResolvedBy = userRef
		e.ResolvedAt = &now
		e.ResolutionNotes = "False alarm: " + reason
		if e.AcknowledgedAt == nil {
			e.AcknowledgedBy = userRef
			e.AcknowledgedAt = &now
		}
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return FalseAlarm{}, apperr.NotFound("EVENT_NOT_FOUND", "event %s not found", eventID)
	case err != nil && apperr.Reason(err) == "":
		return FalseAlarm{}, apperr.Transient("STORE_UNAVAILABLE", err)
	case err != nil:
		return FalseAlarm{}, err
	}
	count, err := w.store.CountFalseAlarms(ctx, userRef, dayStart(now))
	if err != nil {
		return FalseAlarm{}, apperr.Transient("STORE_UNAVAILABLE", err)
	}
	w.log.Info().Str("event_id", ev.ID).Str("user_ref", userRef).Int("false_alarms_today", count).Msg("emergency marked false alarm")
	return FalseAlarm{Event: ev, FalseAlarmCount: count, FalseAlarmLimit: w.policy.FalseAlarmLimit}, nil
}

func (w *Workflow) save(ctx context.Context, act model.EmergencyActivation, ttl time.Duration) error {
	b, err := json.Marshal(act)
	if err != nil {
		return err
	}
	if err := w.ttl.Set(ctx, activationKey(act.Token), b, ttl); err != nil {
		return apperr.Transient("TTL_STORE_UNAVAILABLE", err)
	}
	return nil
}

func (w *Workflow) load(ctx context.Context, token string) (model.EmergencyActivation, time.Duration, error) {
	if token == "" {
		return model.EmergencyActivation{}, 0, notFound()
	}
	b, left, err := w.ttl.Get(ctx, activationKey(token))
	if errors.Is(err, ErrMissing) {
		return model.EmergencyActivation{}, 0, notFound()
	}
	if err != nil {
		return model.EmergencyActivation{}, 0, apperr.Transient("TTL_STORE_UNAVAILABLE", err)
	}
	var act model.EmergencyActivation
	if err := json.Unmarshal(b, &act); err != nil {
		return model.EmergencyActivation{}, 0, fmt.Errorf("decode activation: %w", err)
	}
	return act, left, nil
}

func (w *Workflow) finish(span trace.Span, step string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(apperr.Reason(err))
		if outcome == "" {
			outcome = "error"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.EmergencySteps.WithLabelValues(step, outcome).Inc()
	span.End()
}

func notFound() error {
	return apperr.NotFound("ACTIVATION_NOT_FOUND", "emergency activation not found or expired")
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// tokenID is a loggable reference to a token.
func tokenID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
