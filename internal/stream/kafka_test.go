package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"dgmonitor/internal/model"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}
func (f *fakeWriter) Close() error { return nil }

func TestKafkaSinkKeysBySession(t *testing.T) {
	fw := &fakeWriter{}
	k := &KafkaSink{w: fw, now: func() time.Time { return time.Unix(0, 0) }}
	evs := []model.ComplianceEvent{
		{ID: "e1", SessionRef: "s1", EventType: model.EventSpeedViolation, Severity: model.SeverityViolation},
		{ID: "e2", SessionRef: "s1", EventType: model.EventGPSUpdate, Severity: model.SeverityInfo},
	}
	if err := k.PublishEvents(context.Background(), evs); err != nil {
		t.Fatal(err)
	}
	if len(fw.msgs) != 2 || string(fw.msgs[0].Key) != "s1" {
		t.Fatalf("msgs = %+v", fw.msgs)
	}
	if string(fw.msgs[0].Headers[0].Value) != "SPEED_VIOLATION" {
		t.Fatalf("headers = %+v", fw.msgs[0].Headers)
	}
	var back model.ComplianceEvent
	if err := json.Unmarshal(fw.msgs[1].Value, &back); err != nil || back.ID != "e2" {
		t.Fatalf("value = %s (%v)", fw.msgs[1].Value, err)
	}
}

func TestKafkaSinkEmptyAndError(t *testing.T) {
	fw := &fakeWriter{err: errors.New("broker down")}
	k := &KafkaSink{w: fw, now: time.Now}
	if err := k.PublishEvents(context.Background(), nil); err != nil {
		t.Fatal("empty batch should be a no-op")
	}
	if err := k.PublishEvents(context.Background(), []model.ComplianceEvent{{ID: "e1"}}); !errors.Is(err, fw.err) {
		t.Fatalf("want wrapped writer error, got %v", err)
	}
}
