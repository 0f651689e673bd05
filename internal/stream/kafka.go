// Package stream forwards persisted compliance events to downstream consumers.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"dgmonitor/internal/model"
)

type EventSink interface {
	PublishEvents(ctx context.Context, events []model.ComplianceEvent) error
}

// Nop discards events.
type Nop struct{}

func (Nop) PublishEvents(context.Context, []model.ComplianceEvent) error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes one message per event, keyed by session so a session's events stay
// ordered within a partition.
type KafkaSink struct {
	w   messageWriter
	now func() time.Time
}

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 250 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{w: NewWriter(brokers, topic), now: time.Now}
}

func (k *KafkaSink) PublishEvents(ctx context.Context, events []model.ComplianceEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		body, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.SessionRef),
			Value: body,
			Time:  k.now().UTC(),
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(e.EventType)},
				{Key: "severity", Value: []byte(e.Severity)},
			},
		})
	}
	if err := k.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (k *KafkaSink) Close() error { return k.w.Close() }
