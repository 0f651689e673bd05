package alerts

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"dgmonitor/internal/apperr"
	"dgmonitor/internal/live"
	"dgmonitor/internal/metrics"
	"dgmonitor/internal/model"
	"dgmonitor/internal/store"
)

type recordStore struct {
	*store.Memory
	mu    sync.Mutex
	marks []markRec
	fails []markRec
}

type markRec struct {
	ID      string
	Success bool
	Code    int
	LastErr string
}

func (r *recordStore) MarkAlert(ctx context.Context, id string, success bool, next time.Time, lastError string, code int) error {
	r.mu.Lock()
	r.marks = append(r.marks, markRec{ID: id, Success: success, Code: code, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.MarkAlert(ctx, id, success, next, lastError, code)
}

func (r *recordStore) FailAlert(ctx context.Context, id string, lastError string, code int) error {
	r.mu.Lock()
	r.fails = append(r.fails, markRec{ID: id, Code: code, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.FailAlert(ctx, id, lastError, code)
}

type failingSender struct{ calls int }

func (f *failingSender) Send(ctx context.Context, a model.AlertRecord) (int, error) {
	f.calls++
	return 503, errors.New("gateway down")
}

func enqueue(t *testing.T, rs *recordStore, a model.AlertRecord) model.AlertRecord {
	t.Helper()
	got, created, err := rs.Memory.EnqueueAlert(context.Background(), a)
	if err != nil || !created {
		t.Fatalf("enqueue: created=%v err=%v", created, err)
	}
	return got
}

func TestWorkerProcessOnce_WebhookSignedAndMarked(t *testing.T) {
	var gotSig, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotType = r.Header.Get("X-Event-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	ws := &WebhookSender{HTTP: srv.Client(), Secret: "secret"}
	w := NewWorker(rs, Senders{model.ChannelWebhook: ws}, 3, 0, zerolog.Nop())
	enqueue(t, rs, model.AlertRecord{EventID: "e1", Channel: model.ChannelWebhook, Recipient: srv.URL, Subject: "Speed"})

	if n := w.processOnce(context.Background()); n != 1 {
		t.Fatalf("processed %d", n)
	}
	if gotType != "compliance.alert" || !VerifyHMAC("secret", gotBody, gotSig) {
		t.Fatalf("bad signature/type headers: sig=%q type=%q", gotSig, gotType)
	}
	if len(rs.marks) != 1 || !rs.marks[0].Success || rs.marks[0].Code != 200 {
		t.Fatalf("expected mark success, got: %+v", rs.marks)
	}
	sent, _ := rs.ListAlerts(context.Background(), model.AlertSent, 10)
	if len(sent) != 1 {
		t.Fatalf("sent alerts = %d", len(sent))
	}
}

func TestWorkerProcessOnce_RetriesThenDeadLetters(t *testing.T) {
	rs := &recordStore{Memory: store.NewMemory()}
	fs := &failingSender{}
	w := NewWorker(rs, Senders{model.ChannelSMS: fs}, 2, 0, zerolog.Nop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	rs.SetClock(w.now)
	a := enqueue(t, rs, model.AlertRecord{EventID: "e1", Channel: model.ChannelSMS, Recipient: "+100"})

	w.processOnce(context.Background())
	if len(rs.marks) != 1 || rs.marks[0].Success || rs.marks[0].LastErr != "gateway down" {
		t.Fatalf("first attempt should be a failed mark: %+v", rs.marks)
	}
	// not due until the backoff elapses
	if w.processOnce(context.Background()) != 0 {
		t.Fatal("alert retried before its backoff")
	}
	now = now.Add(nextBackoff(1))
	w.processOnce(context.Background())
	if len(rs.fails) != 1 || rs.fails[0].ID != a.ID || rs.fails[0].Code != 503 {
		t.Fatalf("expected dead-letter after max attempts: %+v", rs.fails)
	}
	dlq, _ := rs.ListAlertDLQ(context.Background(), 10)
	if len(dlq) != 1 || dlq[0].Alert.ID != a.ID {
		t.Fatalf("dlq = %+v", dlq)
	}
	if err := rs.RequeueAlertDLQ(context.Background(), dlq[0].ID); err != nil {
		t.Fatal(err)
	}
	if due, _ := rs.FetchDueAlerts(context.Background(), now, 10); len(due) != 1 || due[0].Attempts != 0 {
		t.Fatalf("requeued alert not due: %+v", due)
	}
}

func TestWorkerMissingSenderCountsAsFailure(t *testing.T) {
	rs := &recordStore{Memory: store.NewMemory()}
	w := NewWorker(rs, Senders{}, 1, 0, zerolog.Nop())
	enqueue(t, rs, model.AlertRecord{EventID: "e1", Channel: model.ChannelEmail, Recipient: "ops@example.com"})
	w.processOnce(context.Background())
	if len(rs.fails) != 1 {
		t.Fatalf("fails = %+v", rs.fails)
	}
}

func TestNextBackoff(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{5, 32 * time.Second},
		{11, 2048 * time.Second},
		{12, time.Hour},
		{40, time.Hour},
	}
	for _, c := range cases {
		if got := nextBackoff(c.attempts); got != c.want {
			t.Errorf("nextBackoff(%d) = %v, want %v", c.attempts, got, c.want)
		}
	}
}

func TestServiceDispatchFailureQueuesForRetry(t *testing.T) {
	rs := &recordStore{Memory: store.NewMemory()}
	svc := NewService(rs, Senders{model.ChannelPush: &failingSender{}}, zerolog.Nop())
	before := testutil.ToFloat64(metrics.AlertDeliveries.WithLabelValues("PUSH", "failed"))

	err := svc.Dispatch(context.Background(), Notification{Channel: model.ChannelPush, Recipient: "drv-1", EventID: "e9", Priority: model.PriorityCritical})
	var de *apperr.DispatchError
	if !errors.As(err, &de) || de.Channel != "PUSH" {
		t.Fatalf("want DispatchError, got %v", err)
	}
	if apperr.Reason(err) != "DISPATCH_FAILED" {
		t.Fatalf("reason = %q", apperr.Reason(err))
	}
	pending, _ := rs.ListAlerts(context.Background(), model.AlertPending, 10)
	if len(pending) != 1 || pending[0].LastError != "gateway down" || pending[0].Priority != model.PriorityCritical {
		t.Fatalf("pending = %+v", pending)
	}
	if got := testutil.ToFloat64(metrics.AlertDeliveries.WithLabelValues("PUSH", "failed")); got != before+1 {
		t.Fatalf("failed deliveries = %v", got)
	}
}

func TestServiceDispatchSuccessRecordsSent(t *testing.T) {
	rs := &recordStore{Memory: store.NewMemory()}
	b := live.NewBroker()
	ch := b.Subscribe(live.DashboardTopic)
	svc := NewService(rs, Senders{model.ChannelDashboard: BrokerSender{Broker: b}}, zerolog.Nop())

	if err := svc.Dispatch(context.Background(), Notification{Channel: model.ChannelDashboard, Recipient: "dashboard", SessionID: "s1", EventID: "e1", Subject: "Prohibited Zone Entry"}); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-ch:
		if evt.Type != "alert" || evt.Data["subject"] != "Prohibited Zone Entry" {
			t.Fatalf("evt = %+v", evt)
		}
	default:
		t.Fatal("dashboard did not receive the alert")
	}
	sent, _ := rs.ListAlerts(context.Background(), model.AlertSent, 10)
	if len(sent) != 1 {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestServiceEnqueueDeduplicates(t *testing.T) {
	rs := &recordStore{Memory: store.NewMemory()}
	svc := NewService(rs, nil, zerolog.Nop())
	n := Notification{Channel: model.ChannelDashboard, Recipient: "dashboard", EventID: "e1"}
	for i := 0; i < 2; i++ {
		if err := svc.Enqueue(context.Background(), n); err != nil {
			t.Fatal(err)
		}
	}
	pending, _ := rs.ListAlerts(context.Background(), model.AlertPending, 10)
	if len(pending) != 1 {
		t.Fatalf("pending = %d", len(pending))
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	b := live.NewBroker()
	f := Fanout{BrokerSender{Broker: b}, &failingSender{}}
	code, err := f.Send(context.Background(), model.AlertRecord{ID: "a1"})
	if err == nil || code != 503 {
		t.Fatalf("code=%d err=%v", code, err)
	}
}

func TestGatewaySenderNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	g := &GatewaySender{HTTP: srv.Client(), URL: srv.URL}
	code, err := g.Send(context.Background(), model.AlertRecord{ID: "a1", Channel: model.ChannelSMS})
	if err == nil || code != http.StatusBadGateway {
		t.Fatalf("code=%d err=%v", code, err)
	}
}

func TestVerifyHMACRejectsGarbage(t *testing.T) {
	if VerifyHMAC("k", []byte("x"), "zz") {
		t.Fatal("non-hex accepted")
	}
	if VerifyHMAC("k", []byte("x"), SignHMAC("other", []byte("x"))) {
		t.Fatal("wrong key accepted")
	}
}
