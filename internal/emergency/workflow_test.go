package emergency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"dgmonitor/internal/alerts"
	"dgmonitor/internal/apperr"
	"dgmonitor/internal/compliance"
	"dgmonitor/internal/directory"
	"dgmonitor/internal/model"
	"dgmonitor/internal/monitor"
	"dgmonitor/internal/store"
	"dgmonitor/internal/zones"
)

var t0 = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

const pin = "4711"

type recordNotifier struct {
	mu         sync.Mutex
	enqueued   []alerts.Notification
	dispatched int
	// gate, when set, holds Dispatch until it is closed.
	gate chan struct{}
}

func (r *recordNotifier) Dispatch(ctx context.Context, n alerts.Notification) error {
	r.mu.Lock()
	r.dispatched++
	gate := r.gate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	return nil
}

func (r *recordNotifier) Enqueue(ctx context.Context, n alerts.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enqueued = append(r.enqueued, n)
	return nil
}

func (r *recordNotifier) channels() map[model.AlertChannel][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[model.AlertChannel][]string{}
	for _, n := range r.enqueued {
		out[n.Channel] = append(out[n.Channel], n.Recipient)
	}
	return out
}

// switchEscalator fails while failWith is set.
type switchEscalator struct {
	next     Escalator
	failWith error
}

func (s *switchEscalator) EscalateToIncident(ctx context.Context, shipmentRef string, build func(model.MonitoringSession) model.ComplianceEvent) (model.MonitoringSession, model.ComplianceEvent, error) {
	if s.failWith != nil {
		return model.MonitoringSession{}, model.ComplianceEvent{}, s.failWith
	}
	return s.next.EscalateToIncident(ctx, shipmentRef, build)
}

type fixture struct {
	w      *Workflow
	st     *store.Memory
	ttl    *MemoryTTL
	esc    *switchEscalator
	notify *recordNotifier
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{st: store.NewMemory(), ttl: NewMemoryTTL(), notify: &recordNotifier{}, now: t0}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	dir := directory.NewMemory()
	dir.PutShipment(directory.Shipment{
		ID: "shp-1", VehicleRef: "veh-1", DriverRef: "drv-1",
		DangerousGoods: []directory.DangerousGood{
			{UNNumber: "UN1203", ProperShippingName: "GASOLINE", HazardClass: "3", PackingGroup: "II"},
			{UNNumber: "UN1789", ProperShippingName: "HYDROCHLORIC ACID", HazardClass: "8"},
		},
		Contacts: []directory.Contact{
			{Name: "Fire", Type: "FIRE_SERVICE", Phone: "+15550100"},
			{Name: "Radiation desk", Type: "SPECIALIST", Phone: "+15550199", HazardClasses: []string{"7"}},
		},
		Stakeholders: []directory.Stakeholder{{Name: "Ops", Channel: model.ChannelEmail, Address: "ops@example.com"}},
	})
	dir.PutUser(directory.User{ID: "drv-1", PINHash: string(hash)})
	dir.PutUser(directory.User{ID: "drv-2", PINHash: string(hash)})

	reg := zones.NewRegistry(f.st, zerolog.Nop())
	reg.Replace(nil)
	coord := monitor.New(monitor.Deps{
		Store:     f.st,
		Evaluator: compliance.NewEvaluator(reg, compliance.DefaultPolicy()),
		Shipments: dir,
		Alerts:    f.notify,
		Log:       zerolog.Nop(),
	}, monitor.Options{})
	f.esc = &switchEscalator{next: coord}

	f.w = New(Deps{
		Store:     f.st,
		TTL:       f.ttl,
		Escalator: f.esc,
		Shipments: dir,
		Users:     dir,
		Alerts:    f.notify,
		Log:       zerolog.Nop(),
	}, DefaultPolicy())
	clock := func() time.Time { return f.now }
	f.w.now = clock
	f.w.async = func(fn func()) { fn() }
	f.ttl.now = clock
	f.st.SetClock(clock)
	return f
}

func (f *fixture) confirmed(t *testing.T, user string) string {
	t.Helper()
	ini, err := f.w.Initiate(context.Background(), user, "shp-1", model.EmergencySpill)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := f.w.Confirm(context.Background(), user, ini.Token, pin, "EMERGENCY"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	return ini.Token
}

func (f *fixture) activate(t *testing.T, user string) Activation {
	t.Helper()
	tok := f.confirmed(t, user)
	out, err := f.w.Activate(context.Background(), ActivateRequest{UserRef: user, Token: tok, Notes: "tank leaking"})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return out
}

func wantReason(t *testing.T, err error, reason string) {
	t.Helper()
	if apperr.Reason(err) != reason {
		t.Fatalf("err = %v (reason %q), want %s", err, apperr.Reason(err), reason)
	}
}

func TestActivationEscalatesAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	ini, err := f.w.Initiate(context.Background(), "drv-1", "shp-1", model.EmergencySpill)
	if err != nil {
		t.Fatal(err)
	}
	if len(ini.Token) != 64 || ini.TimeoutSeconds != 60 || ini.CooldownSeconds != 30 || ini.FalseAlarmLimit != 3 {
		t.Fatalf("initiation = %+v", ini)
	}
	f.now = t0.Add(10 * time.Second)
	act, err := f.w.Confirm(context.Background(), "drv-1", ini.Token, pin, " EMERGENCY ")
	if err != nil {
		t.Fatal(err)
	}
	if act.Step != model.StepConfirmed || !act.PINVerified || !act.ConfirmedAt.Equal(f.now) {
		t.Fatalf("activation = %+v", act)
	}
	loc := &model.GeoPoint{Lat: 52.1, Lng: 4.3}
	out, err := f.w.Activate(context.Background(), ActivateRequest{UserRef: "drv-1", Token: ini.Token, Location: loc, Notes: "tank leaking", SeverityLevel: "critical"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Session.Status != model.SessionIncident || out.Session.ComplianceLevel != model.LevelCritical {
		t.Fatalf("session = %+v", out.Session)
	}
	ev := out.Event
	if ev.EventType != "EMERGENCY_SPILL" || ev.Severity != model.SeverityEmergency || ev.InitiatedBy != "drv-1" || ev.SeverityLevel != "CRITICAL" {
		t.Fatalf("event = %+v", ev)
	}
	ver, _ := ev.EventData["verification"].(map[string]any)
	if ver["pin_verified"] != true || ver["token_id"] != tokenID(ini.Token) {
		t.Fatalf("verification = %v", ev.EventData["verification"])
	}
	stored, err := f.st.GetEvent(context.Background(), out.EmergencyID)
	if err != nil || stored.EventType != ev.EventType {
		t.Fatalf("stored event = %+v, %v", stored, err)
	}

	p := out.DataPacket
	if p.VehicleRef != "veh-1" || p.DriverRef != "drv-1" || len(p.DangerousGoods) != 2 {
		t.Fatalf("packet = %+v", p)
	}
	if len(p.EmergencyContacts) != 1 || p.EmergencyContacts[0].Phone != "+15550100" {
		t.Fatalf("contacts = %+v", p.EmergencyContacts)
	}
	if len(p.ResponseGuides) != 2 || p.ResponseGuides[0].HazardClass != "3" || p.ResponseGuides[1].ClassName != "Corrosives" {
		t.Fatalf("guides = %+v", p.ResponseGuides)
	}

	ch := f.notify.channels()
	if len(ch[model.ChannelSMS]) != 1 || ch[model.ChannelSMS][0] != "+15550100" {
		t.Fatalf("sms = %v", ch[model.ChannelSMS])
	}
	if len(ch[model.ChannelPush]) != 1 || len(ch[model.ChannelEmail]) != 1 || len(ch[model.ChannelDashboard]) != 1 {
		t.Fatalf("broadcast = %v", ch)
	}
	if _, _, err := f.ttl.Get(context.Background(), activationKey(ini.Token)); !errors.Is(err, ErrMissing) {
		t.Fatalf("activation still stored: %v", err)
	}
}

func TestTokenIsSingleUse(t *testing.T) {
	f := newFixture(t)
	tok := f.confirmed(t, "drv-1")
	req := ActivateRequest{UserRef: "drv-1", Token: tok}
	if _, err := f.w.Activate(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	_, err := f.w.Activate(context.Background(), req)
	wantReason(t, err, "TOKEN_ALREADY_USED")
	if !apperr.IsPermission(err) {
		t.Fatalf("want permission error, got %T", err)
	}
	_, err = f.w.Activate(context.Background(), ActivateRequest{UserRef: "drv-1", Token: "nope"})
	wantReason(t, err, "ACTIVATION_NOT_FOUND")
}

func TestCooldownBlocksSecondInitiation(t *testing.T) {
	f := newFixture(t)
	if _, err := f.w.Initiate(context.Background(), "drv-1", "shp-1", model.EmergencyFire); err != nil {
		t.Fatal(err)
	}
	f.now = t0.Add(12 * time.Second)
	_, err := f.w.Initiate(context.Background(), "drv-1", "shp-1", model.EmergencyFire)
	wantReason(t, err, "COOLDOWN_ACTIVE")
	var pe *apperr.PermissionError
	if !errors.As(err, &pe) || pe.RetryAfterSeconds != 18 {
		t.Fatalf("err = %#v", err)
	}
	// cooldown is per user
	if _, err := f.w.Initiate(context.Background(), "drv-2", "shp-1", model.EmergencyFire); err != nil {
		t.Fatalf("other user: %v", err)
	}
	f.now = t0.Add(30 * time.Second)
	if _, err := f.w.Initiate(context.Background(), "drv-1", "shp-1", model.EmergencyFire); err != nil {
		t.Fatalf("after cooldown: %v", err)
	}
}

func TestConcurrentInitiationsIssueOneToken(t *testing.T) {
	f := newFixture(t)
	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.w.Initiate(context.Background(), "drv-1", "shp-1", model.EmergencyFire)
		}(i)
	}
	wg.Wait()
	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		wantReason(t, err, "COOLDOWN_ACTIVE")
	}
	if ok != 1 {
		t.Fatalf("%d initiations succeeded, want 1", ok)
	}
}

func TestZeroPolicyUsesDefaults(t *testing.T) {
	f := newFixture(t)
	w := New(Deps{
		Store:     f.w.store,
		TTL:       f.ttl,
		Escalator: f.esc,
		Shipments: f.w.shipments,
		Users:     f.w.users,
		Alerts:    f.notify,
		Log:       zerolog.Nop(),
	}, Policy{})
	if w.Policy() != DefaultPolicy() {
		t.Fatalf("policy = %+v", w.Policy())
	}
	w.now = func() time.Time { return f.now }
	if _, err := w.Initiate(context.Background(), "drv-1", "shp-1", model.EmergencyFire); err != nil {
		t.Fatal(err)
	}
	_, err := w.Initiate(context.Background(), "drv-1", "shp-1", model.EmergencyFire)
	wantReason(t, err, "COOLDOWN_ACTIVE")
}

func TestInitiateValidation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		user, shipment string
		typ            model.EmergencyType
		reason         string
	}{
		{"drv-1", "shp-1", "FLOOD", "INVALID_EMERGENCY_TYPE"},
		{"", "shp-1", model.EmergencyFire, "INVALID_REQUEST"},
		{"drv-1", "shp-404", model.EmergencyFire, "SHIPMENT_NOT_FOUND"},
	}
	for _, tc := range cases {
		_, err := f.w.Initiate(context.Background(), tc.user, tc.shipment, tc.typ)
		wantReason(t, err, tc.reason)
	}
	// rejected requests do not start a cooldown
	if _, err := f.w.Initiate(context.Background(), "drv-1", "shp-1", model.EmergencyFire); err != nil {
		t.Fatal(err)
	}
}

func TestConfirmRejectionsKeepActivationPending(t *testing.T) {
	f := newFixture(t)
	ini, err := f.w.Initiate(context.Background(), "drv-1", "shp-1", model.EmergencyLeak)
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.w.Confirm(context.Background(), "drv-1", ini.Token, "0000", "EMERGENCY")
	wantReason(t, err, "INVALID_PIN")
	_, err = f.w.Confirm(context.Background(), "drv-1", ini.Token, pin, "emergency")
	wantReason(t, err, "CONFIRM_TEXT_MISMATCH")
	if _, err := f.w.Activate(context.Background(), ActivateRequest{UserRef: "drv-1", Token: ini.Token}); apperr.Reason(err) != "NOT_CONFIRMED" {
		t.Fatalf("activate before confirm: %v", err)
	}
	if _, err := f.w.Confirm(context.Background(), "drv-1", ini.Token, pin, "EMERGENCY"); err != nil {
		t.Fatal(err)
	}
	_, err = f.w.Confirm(context.Background(), "drv-1", ini.Token, pin, "EMERGENCY")
	wantReason(t, err, "INVALID_STEP")
}

func TestConfirmByOtherUserAbandonsActivation(t *testing.T) {
	f := newFixture(t)
	ini, err := f.w.Initiate(context.Background(), "drv-1", "shp-1", model.EmergencySecurity)
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.w.Confirm(context.Background(), "drv-2", ini.Token, pin, "EMERGENCY")
	wantReason(t, err, "ACTIVATION_NOT_FOUND")
	_, err = f.w.Confirm(context.Background(), "drv-1", ini.Token, pin, "EMERGENCY")
	wantReason(t, err, "ACTIVATION_NOT_FOUND")
}

func TestActivateByOtherUserIsNotFound(t *testing.T) {
	f := newFixture(t)
	tok := f.confirmed(t, "drv-1")
	_, err := f.w.Activate(context.Background(), ActivateRequest{UserRef: "drv-2", Token: tok})
	wantReason(t, err, "ACTIVATION_NOT_FOUND")
	if _, err := f.w.Activate(context.Background(), ActivateRequest{UserRef: "drv-1", Token: tok}); err != nil {
		t.Fatalf("owner activate: %v", err)
	}
}

func TestConfirmDoesNotExtendWindow(t *testing.T) {
	f := newFixture(t)
	ini, err := f.w.Initiate(context.Background(), "drv-1", "shp-1", model.EmergencyAccident)
	if err != nil {
		t.Fatal(err)
	}
	f.now = t0.Add(50 * time.Second)
	if _, err := f.w.Confirm(context.Background(), "drv-1", ini.Token, pin, "EMERGENCY"); err != nil {
		t.Fatal(err)
	}
	if _, left, err := f.ttl.Get(context.Background(), activationKey(ini.Token)); err != nil || left != 10*time.Second {
		t.Fatalf("remaining = %v, %v", left, err)
	}
	f.now = t0.Add(61 * time.Second)
	_, err = f.w.Activate(context.Background(), ActivateRequest{UserRef: "drv-1", Token: ini.Token})
	wantReason(t, err, "ACTIVATION_NOT_FOUND")
}

func TestEscalationFailureReleasesToken(t *testing.T) {
	f := newFixture(t)
	tok := f.confirmed(t, "drv-1")
	f.esc.failWith = errors.New("db down")
	_, err := f.w.Activate(context.Background(), ActivateRequest{UserRef: "drv-1", Token: tok})
	wantReason(t, err, "ESCALATION_FAILED")
	if !apperr.IsTransient(err) {
		t.Fatalf("want transient, got %T", err)
	}
	f.esc.failWith = nil
	if _, err := f.w.Activate(context.Background(), ActivateRequest{UserRef: "drv-1", Token: tok}); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestFalseAlarmsCountTowardDailyLimit(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.now = t0.Add(time.Duration(i) * time.Minute)
		out := f.activate(t, "drv-1")
		fa, err := f.w.MarkFalseAlarm(context.Background(), out.EmergencyID, "drv-1", "pressed by mistake")
		if err != nil {
			t.Fatal(err)
		}
		if fa.FalseAlarmCount != i+1 || fa.Event.EventType != model.EventEmergencyFalseAlarm || !fa.Event.Resolved() {
			t.Fatalf("false alarm %d = %+v", i, fa)
		}
		if fa.Event.EventData["original_event_type"] != "EMERGENCY_SPILL" {
			t.Fatalf("event data = %v", fa.Event.EventData)
		}
	}
	f.now = t0.Add(5 * time.Minute)
	_, err := f.w.Initiate(context.Background(), "drv-1", "shp-1", model.EmergencySpill)
	wantReason(t, err, "FALSE_ALARM_LIMIT")
	var pe *apperr.PermissionError
	if !errors.As(err, &pe) || pe.Count != 3 || pe.Limit != 3 {
		t.Fatalf("err = %#v", err)
	}
	// the ledger is per UTC day
	f.now = time.Date(2026, 10, 15, 0, 0, 1, 0, time.UTC)
	if _, err := f.w.Initiate(context.Background(), "drv-1", "shp-1", model.EmergencySpill); err != nil {
		t.Fatalf("next day: %v", err)
	}
}

func TestActivateDoesNotWaitForAlertDelivery(t *testing.T) {
	f := newFixture(t)
	tok := f.confirmed(t, "drv-1")
	gate := make(chan struct{})
	defer close(gate)
	f.notify.mu.Lock()
	f.notify.gate = gate
	f.notify.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := f.w.Activate(context.Background(), ActivateRequest{UserRef: "drv-1", Token: tok})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Activate blocked on alert delivery")
	}
	f.notify.mu.Lock()
	defer f.notify.mu.Unlock()
	if f.notify.dispatched != 0 {
		t.Fatalf("inline dispatches = %d", f.notify.dispatched)
	}
	if len(f.notify.enqueued) == 0 {
		t.Fatal("broadcast not queued")
	}
}

// eventErrStore fails event lookups.
type eventErrStore struct {
	*store.Memory
	err error
}

func (s *eventErrStore) GetEvent(ctx context.Context, id string) (model.ComplianceEvent, error) {
	return model.ComplianceEvent{}, s.err
}

func TestMarkFalseAlarmStoreFailureIsTransient(t *testing.T) {
	f := newFixture(t)
	out := f.activate(t, "drv-1")
	f.w.store = &eventErrStore{Memory: f.st, err: errors.New("db down")}
	_, err := f.w.MarkFalseAlarm(context.Background(), out.EmergencyID, "drv-1", "oops")
	wantReason(t, err, "STORE_UNAVAILABLE")
	if !apperr.IsTransient(err) {
		t.Fatalf("want transient, got %T", err)
	}
	if n, _ := f.st.CountFalseAlarms(context.Background(), "drv-1", dayStart(t0)); n != 0 {
		t.Fatalf("ledger rows = %d", n)
	}
}

func TestMarkFalseAlarmRules(t *testing.T) {
	f := newFixture(t)
	out := f.activate(t, "drv-1")

	_, err := f.w.MarkFalseAlarm(context.Background(), out.EmergencyID, "drv-2", "not mine")
	wantReason(t, err, "NOT_EVENT_OWNER")
	_, err = f.w.MarkFalseAlarm(context.Background(), "missing", "drv-1", "")
	wantReason(t, err, "EVENT_NOT_FOUND")

	if _, err := f.w.MarkFalseAlarm(context.Background(), out.EmergencyID, "drv-1", "test"); err != nil {
		t.Fatal(err)
	}
	_, err = f.w.MarkFalseAlarm(context.Background(), out.EmergencyID, "drv-1", "again")
	wantReason(t, err, "ALREADY_RESOLVED")

	n, _ := f.st.CountFalseAlarms(context.Background(), "drv-1", dayStart(t0))
	if n != 1 {
		t.Fatalf("ledger rows = %d", n)
	}
}

func TestMarkFalseAlarmRejectsResolvedEmergency(t *testing.T) {
	f := newFixture(t)
	out := f.activate(t, "drv-1")
	if _, err := f.st.UpdateEvent(context.Background(), out.EmergencyID, func(e *model.ComplianceEvent) error {
		now := t0
		e.ResolvedAt, e.ResolvedBy = &now, "dispatcher"
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	_, err := f.w.MarkFalseAlarm(context.Background(), out.EmergencyID, "drv-1", "late")
	wantReason(t, err, "ALREADY_RESOLVED")
}

func TestGuideForDivision(t *testing.T) {
	g, ok := GuideFor("5.1")
	if !ok || g.HazardClass != "5" || g.IsolationMeters == 0 {
		t.Fatalf("guide = %+v, %v", g, ok)
	}
	if _, ok := GuideFor("X"); ok {
		t.Fatal("unknown class has a guide")
	}
}
