// Package alerts delivers compliance notifications over PUSH, SMS, EMAIL, WEBHOOK and
// DASHBOARD channels, with a durable outbox for retries.
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dgmonitor/internal/apperr"
	"dgmonitor/internal/metrics"
	"dgmonitor/internal/model"
	"dgmonitor/internal/store"
)

type Notification struct {
	Channel   model.AlertChannel  `json:"channel"`
	Recipient string              `json:"recipient"`
	Subject   string              `json:"subject"`
	Body      string              `json:"body"`
	Priority  model.AlertPriority `json:"priority"`
	SessionID string              `json:"sessionId,omitempty"`
	EventID   string              `json:"eventId,omitempty"`
}

func (n Notification) record() model.AlertRecord {
	p := n.Priority
	if p == "" {
		p = model.PriorityNormal
	}
	return model.AlertRecord{
		ID:        uuid.New().String(),
		SessionID: n.SessionID,
		EventID:   n.EventID,
		Channel:   n.Channel,
		Recipient: n.Recipient,
		Subject:   n.Subject,
		Body:      n.Body,
		Priority:  p,
	}
}

type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// Sender performs one delivery attempt. code is the remote status when there is one.
type Sender interface {
	Send(ctx context.Context, a model.AlertRecord) (code int, err error)
}

// Senders maps a channel to its delivery implementation.
type Senders map[model.AlertChannel]Sender

func (s Senders) deliver(ctx context.Context, a model.AlertRecord) (int, error) {
	snd, ok := s[a.Channel]
	if !ok || snd == nil {
		return 0, fmt.Errorf("no sender for channel %s", a.Channel)
	}
	start := time.Now()
	code, err := snd.Send(ctx, a)
	status := "sent"
	if err != nil {
		status = "failed"
	}
	metrics.AlertDeliveries.WithLabelValues(string(a.Channel), status).Inc()
	metrics.AlertLatency.WithLabelValues(string(a.Channel)).Observe(float64(time.Since(start).Milliseconds()))
	return code, err
}

// Service delivers directly when asked to Dispatch and falls back to the outbox.
type Service struct {
	store   store.Store
	senders Senders
	log     zerolog.Logger
	now     func() time.Time
}

func NewService(st store.Store, senders Senders, log zerolog.Logger) *Service {
	return &Service{store: st, senders: senders, log: log, now: time.Now}
}

// Dispatch attempts delivery now. On failure the alert is queued for the worker and a
// DispatchError is returned.
func (s *Service) Dispatch(ctx context.Context, n Notification) error {
	rec := n.record()
	code, err := s.senders.deliver(ctx, rec)
	if err == nil {
		// keep an audit row; the far next-attempt keeps the worker off it until marked
		rec.NextAttemptAt = s.now().Add(time.Hour)
		if saved, created, qerr := s.store.EnqueueAlert(ctx, rec); qerr == nil && created {
			_ = s.store.MarkAlert(ctx, saved.ID, true, time.Time{}, "", code)
		}
		return nil
	}
	rec.NextAttemptAt = s.now().Add(nextBackoff(0))
	rec.LastError = err.Error()
	if _, _, qerr := s.store.EnqueueAlert(ctx, rec); qerr != nil {
		s.log.Error().Err(qerr).Str("channel", string(n.Channel)).Str("event_id", n.EventID).Msg("alert outbox enqueue failed")
	}
	return &apperr.DispatchError{Channel: string(n.Channel), Recipient: n.Recipient, Err: err}
}

// Enqueue writes the alert to the outbox only.
func (s *Service) Enqueue(ctx context.Context, n Notification) error {
	_, _, err := s.store.EnqueueAlert(ctx, n.record())
	return err
}
