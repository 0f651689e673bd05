// Package ingest receives telemetry from vehicles over MQTT and submits it to the
// session coordinator.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"dgmonitor/internal/apperr"
	"dgmonitor/internal/compliance"
	"dgmonitor/internal/model"
)

const DefaultTopic = "dg/sessions/+/telemetry"

type submitter interface {
	SubmitTelemetry(ctx context.Context, sessionID string, s model.TelemetrySample) (model.MonitoringSession, compliance.Result, error)
}

// telemetryMessage is the device payload. Either timestamp (RFC 3339) or ts (unix
// seconds) may be set; neither means "now".
type telemetryMessage struct {
	Lat       *float64   `json:"lat"`
	Lng       *float64   `json:"lng"`
	SpeedKmh  *float64   `json:"speedKmh"`
	Heading   *float64   `json:"heading"`
	Timestamp *time.Time `json:"timestamp"`
	TS        int64      `json:"ts"`
}

type MQTTSubscriber struct {
	client  mqtt.Client
	topic   string
	qos     byte
	sink    submitter
	timeout time.Duration
	log     zerolog.Logger
}

func NewMQTTSubscriber(client mqtt.Client, topic string, sink submitter, log zerolog.Logger) *MQTTSubscriber {
	if topic == "" {
		topic = DefaultTopic
	}
	return &MQTTSubscriber{client: client, topic: topic, qos: 1, sink: sink, timeout: 10 * time.Second, log: log}
}

// NewClient connects to the broker. onConnect runs after every (re)connect.
func NewClient(broker, clientID string, onConnect func(mqtt.Client)) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetCleanSession(false)
	if onConnect != nil {
		opts.SetOnConnectHandler(onConnect)
	}
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return client, nil
}

func (s *MQTTSubscriber) Start() error {
	token := s.client.Subscribe(s.topic, s.qos, s.handleMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", s.topic, err)
	}
	s.log.Info().Str("topic", s.topic).Msg("mqtt telemetry subscribed")
	return nil
}

// Resubscribe is an mqtt.OnConnectHandler.
func (s *MQTTSubscriber) Resubscribe(_ mqtt.Client) {
	if err := s.Start(); err != nil {
		s.log.Error().Err(err).Msg("mqtt resubscribe failed")
	}
}

func (s *MQTTSubscriber) Stop() {
	s.client.Unsubscribe(s.topic).WaitTimeout(time.Second)
	s.client.Disconnect(250)
}

func (s *MQTTSubscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	s.handle(msg.Topic(), msg.Payload())
}

func (s *MQTTSubscriber) handle(topic string, payload []byte) {
	sessionID, ok := sessionFromTopic(topic)
	if !ok {
		s.log.Warn().Str("topic", topic).Msg("telemetry on unexpected topic")
		return
	}
	sample, err := decodeSample(payload)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("invalid telemetry message")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	sess, res, err := s.sink.SubmitTelemetry(ctx, sessionID, sample)
	if err != nil {
		ev := s.log.Error()
		if apperr.IsValidation(err) || apperr.IsNotFound(err) {
			ev = s.log.Warn()
		}
		ev.Err(err).Str("session_id", sessionID).Str("reason", apperr.Reason(err)).Msg("telemetry rejected")
		return
	}
	if !res.Empty() {
		s.log.Debug().Str("session_id", sessionID).Int("violations", len(res.Violations)).Int("warnings", len(res.Warnings)).
			Str("level", string(sess.ComplianceLevel)).Msg("telemetry evaluated")
	}
}

// sessionFromTopic extracts the session id from dg/sessions/<id>/telemetry.
func sessionFromTopic(topic string) (string, bool) {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) < 2 {
		return "", false
	}
	id := parts[len(parts)-2]
	if id == "" || id == "+" || parts[len(parts)-1] != "telemetry" {
		return "", false
	}
	return id, true
}

func decodeSample(payload []byte) (model.TelemetrySample, error) {
	var m telemetryMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return model.TelemetrySample{}, fmt.Errorf("decode: %w", err)
	}
	if m.Lat == nil || m.Lng == nil {
		return model.TelemetrySample{}, fmt.Errorf("lat and lng are required")
	}
	s := model.TelemetrySample{Lat: *m.Lat, Lng: *m.Lng, SpeedKmh: m.SpeedKmh, Heading: m.Heading}
	switch {
	case m.Timestamp != nil:
		s.Timestamp = m.Timestamp.UTC()
	case m.TS > 0:
		s.Timestamp = time.Unix(m.TS, 0).UTC()
	}
	return s, nil
}
