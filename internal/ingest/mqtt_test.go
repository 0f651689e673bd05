package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"dgmonitor/internal/apperr"
	"dgmonitor/internal/compliance"
	"dgmonitor/internal/model"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (f *fakeMessage) Duplicate() bool   { return false }
func (f *fakeMessage) Qos() byte         { return 1 }
func (f *fakeMessage) Retained() bool    { return false }
func (f *fakeMessage) Topic() string     { return f.topic }
func (f *fakeMessage) MessageID() uint16 { return 0 }
func (f *fakeMessage) Payload() []byte   { return f.payload }
func (f *fakeMessage) Ack()              {}

type recordSubmitter struct {
	ids     []string
	samples []model.TelemetrySample
	err     error
}

func (r *recordSubmitter) SubmitTelemetry(ctx context.Context, id string, s model.TelemetrySample) (model.MonitoringSession, compliance.Result, error) {
	r.ids = append(r.ids, id)
	r.samples = append(r.samples, s)
	return model.MonitoringSession{ID: id}, compliance.Result{}, r.err
}

func TestHandleMessageSubmitsSample(t *testing.T) {
	rec := &recordSubmitter{}
	sub := &MQTTSubscriber{sink: rec, timeout: time.Second, log: zerolog.Nop()}
	sub.handleMessage(nil, &fakeMessage{
		topic:   "dg/sessions/abc-123/telemetry",
		payload: []byte(`{"lat":52.37,"lng":4.89,"speedKmh":72.5,"timestamp":"2026-10-14T09:00:00+02:00"}`),
	})
	if len(rec.ids) != 1 || rec.ids[0] != "abc-123" {
		t.Fatalf("ids = %v", rec.ids)
	}
	s := rec.samples[0]
	if s.Lat != 52.37 || s.Lng != 4.89 || s.SpeedKmh == nil || *s.SpeedKmh != 72.5 {
		t.Fatalf("sample = %+v", s)
	}
	if !s.Timestamp.Equal(time.Date(2026, 10, 14, 7, 0, 0, 0, time.UTC)) || s.Timestamp.Location() != time.UTC {
		t.Fatalf("timestamp = %v", s.Timestamp)
	}
}

func TestHandleMessageUnixTimestamp(t *testing.T) {
	rec := &recordSubmitter{}
	sub := &MQTTSubscriber{sink: rec, timeout: time.Second, log: zerolog.Nop()}
	sub.handle("dg/sessions/s1/telemetry", []byte(`{"lat":1,"lng":2,"ts":1791968400}`))
	if len(rec.samples) != 1 || rec.samples[0].Timestamp.Unix() != 1791968400 {
		t.Fatalf("samples = %+v", rec.samples)
	}
}

func TestHandleMessageDropsBadInput(t *testing.T) {
	cases := []struct {
		name, topic, payload string
	}{
		{"not json", "dg/sessions/s1/telemetry", `{`},
		{"missing lng", "dg/sessions/s1/telemetry", `{"lat":1}`},
		{"wrong suffix", "dg/sessions/s1/status", `{"lat":1,"lng":2}`},
		{"short topic", "telemetry", `{"lat":1,"lng":2}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recordSubmitter{}
			sub := &MQTTSubscriber{sink: rec, timeout: time.Second, log: zerolog.Nop()}
			sub.handle(tc.topic, []byte(tc.payload))
			if len(rec.ids) != 0 {
				t.Fatalf("submitted %v", rec.ids)
			}
		})
	}
}

func TestHandleMessageSurvivesRejection(t *testing.T) {
	rec := &recordSubmitter{err: apperr.Validation("SESSION_PAUSED", "paused")}
	sub := &MQTTSubscriber{sink: rec, timeout: time.Second, log: zerolog.Nop()}
	sub.handle("dg/sessions/s1/telemetry", []byte(`{"lat":1,"lng":2}`))
	if len(rec.ids) != 1 || !rec.samples[0].Timestamp.IsZero() {
		t.Fatalf("samples = %+v", rec.samples)
	}
}
