package live

import (
	"testing"
	"time"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	topic := SessionTopic("s1")
	ch := b.Subscribe(topic)

	evt := Event{Type: "compliance.event", Data: map[string]any{"x": 1}}
	b.Publish(topic, evt)
	b.Publish(SessionTopic("other"), Event{Type: "ignored"})

	select {
	case got := <-ch:
		if got.Type != evt.Type {
			t.Fatalf("got type %s, want %s", got.Type, evt.Type)
		}
		if got.Data["x"].(int) != 1 {
			t.Fatalf("bad payload: %+v", got.Data)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	b.Unsubscribe(topic, ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if b.Subscribers(topic) != 0 {
		t.Fatal("topic should be empty")
	}
	// second unsubscribe is a no-op
	b.Unsubscribe(topic, ch)
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe(DashboardTopic)
	defer b.Unsubscribe(DashboardTopic, ch)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(DashboardTopic, Event{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(ch) != cap(ch) {
		t.Fatalf("buffer %d/%d", len(ch), cap(ch))
	}
}
