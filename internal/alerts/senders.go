package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"dgmonitor/internal/live"
	"dgmonitor/internal/model"
)

type payload struct {
	ID        string              `json:"id"`
	Channel   model.AlertChannel  `json:"channel"`
	Recipient string              `json:"recipient"`
	Subject   string              `json:"subject"`
	Body      string              `json:"body"`
	Priority  model.AlertPriority `json:"priority"`
	SessionID string              `json:"sessionId,omitempty"`
	EventID   string              `json:"eventId,omitempty"`
	CreatedAt time.Time           `json:"createdAt"`
}

func encode(a model.AlertRecord) ([]byte, error) {
	return json.Marshal(payload{
		ID: a.ID, Channel: a.Channel, Recipient: a.Recipient, Subject: a.Subject, Body: a.Body,
		Priority: a.Priority, SessionID: a.SessionID, EventID: a.EventID, CreatedAt: a.CreatedAt,
	})
}

func postJSON(ctx context.Context, hc *http.Client, url string, body []byte, hdr map[string]string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("http status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// WebhookSender POSTs the alert to the recipient URL, signed with X-Signature when a
// secret is set.
type WebhookSender struct {
	HTTP   *http.Client
	Secret string
}

func NewWebhookSender(secret string) *WebhookSender {
	return &WebhookSender{HTTP: &http.Client{Timeout: 5 * time.Second}, Secret: secret}
}

func (s *WebhookSender) Send(ctx context.Context, a model.AlertRecord) (int, error) {
	body, err := encode(a)
	if err != nil {
		return 0, err
	}
	hdr := map[string]string{"X-Event-Type": "compliance.alert"}
	if s.Secret != "" {
		hdr["X-Signature"] = SignHMAC(s.Secret, body)
	}
	return postJSON(ctx, s.HTTP, a.Recipient, body, hdr)
}

// GatewaySender hands PUSH/SMS/EMAIL alerts to an HTTP notification gateway.
type GatewaySender struct {
	HTTP *http.Client
	URL  string
}

func NewGatewaySender(url string) *GatewaySender {
	return &GatewaySender{HTTP: &http.Client{Timeout: 5 * time.Second}, URL: url}
}

func (s *GatewaySender) Send(ctx context.Context, a model.AlertRecord) (int, error) {
	body, err := encode(a)
	if err != nil {
		return 0, err
	}
	return postJSON(ctx, s.HTTP, s.URL, body, nil)
}

// LogSender only logs. Used for channels without a configured gateway.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) Send(ctx context.Context, a model.AlertRecord) (int, error) {
	s.Log.Info().
		Str("alert_id", a.ID).
		Str("channel", string(a.Channel)).
		Str("recipient", a.Recipient).
		Str("priority", string(a.Priority)).
		Str("session_id", a.SessionID).
		Str("subject", a.Subject).
		Msg("alert")
	return 0, nil
}

// BrokerSender pushes DASHBOARD alerts to live subscribers.
type BrokerSender struct {
	Broker live.EventBroker
}

func (s BrokerSender) Send(ctx context.Context, a model.AlertRecord) (int, error) {
	evt := live.Event{Type: "alert", Data: map[string]any{
		"id": a.ID, "subject": a.Subject, "body": a.Body, "priority": string(a.Priority),
		"sessionId": a.SessionID, "eventId": a.EventID,
	}}
	s.Broker.Publish(live.DashboardTopic, evt)
	if a.SessionID != "" {
		s.Broker.Publish(live.SessionTopic(a.SessionID), evt)
	}
	return 0, nil
}

// Fanout delivers through every sender and reports all failures.
type Fanout []Sender

func (f Fanout) Send(ctx context.Context, a model.AlertRecord) (int, error) {
	var errs []error
	code := 0
	for _, s := range f {
		c, err := s.Send(ctx, a)
		if err != nil {
			errs = append(errs, err)
			code = c
		}
	}
	return code, errors.Join(errs...)
}
