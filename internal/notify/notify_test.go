package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/makt28/vigil/internal/config"
	"github.com/makt28/vigil/internal/model"
	"github.com/makt28/vigil/internal/storage"
)

// --- helpers ----------------------------------------------------------------

type fixture struct {
	store  *storage.MemoryStore
	cfgMgr *config.Manager
	now    time.Time
	inc    *model.Incident
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.NewMemoryStore("", 0)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	s.PutTarget(model.Target{ID: "t1", URL: "https://example.com"})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	inc := &model.Incident{
		TargetID:  "t1",
		Status:    model.IncidentOpen,
		Severity:  model.SeverityP1,
		StartedAt: now,
	}
	if err := s.CreateIncident(context.Background(), inc); err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}
	return &fixture{
		store:  s,
		cfgMgr: config.NewStaticManager(config.DefaultConfig()),
		now:    now,
		inc:    inc,
	}
}

func (f *fixture) dispatcher() *Dispatcher {
	d := NewDispatcher(f.store, f.cfgMgr)
	d.now = func() time.Time { return f.now }
	return d
}

func (f *fixture) deliverer(senders ...Sender) *Deliverer {
	m := make(map[model.ChannelType]Sender)
	for _, s := range senders {
		m[s.Type()] = s
	}
	d := NewDeliverer(f.store, f.cfgMgr, m)
	d.now = func() time.Time { return f.now }
	return d
}

func (f *fixture) notification(kind model.NotificationKind) Notification {
	return Notification{
		IncidentID:    f.inc.ID,
		TargetID:      "t1",
		Severity:      model.SeverityP1,
		Kind:          kind,
		RootCauseHint: "timeout",
	}
}

func (f *fixture) events(t *testing.T) []model.IncidentEvent {
	t.Helper()
	evts, err := f.store.ListEvents(context.Background(), f.inc.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	return evts
}

type stubSender struct {
	typ   model.ChannelType
	delay time.Duration

	mu    sync.Mutex
	err   error
	calls []string
}

func (s *stubSender) Type() model.ChannelType { return s.typ }
func (s *stubSender) Validate() error         { return nil }

func (s *stubSender) Send(_ context.Context, dest string, _ Payload) (string, error) {
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, dest)
	if s.err != nil {
		return "", s.err
	}
	return "ext-1", nil
}

// --- payload ----------------------------------------------------------------

func TestBuildPayload(t *testing.T) {
	p, err := BuildPayload(model.KindFire, "https://example.com", model.SeverityP2, "inc-1", "")
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	if p.Title != "Incident fired • https://example.com" {
		t.Errorf("title = %q", p.Title)
	}
	for _, want := range []string{"Severity: P2", "Incident: inc-1", "Root cause hint: unknown"} {
		if !strings.Contains(p.Summary, want) {
			t.Errorf("summary %q missing %q", p.Summary, want)
		}
	}

	if _, err := BuildPayload("BOGUS", "u", model.SeverityP1, "i", "h"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestParsePayloadFallback(t *testing.T) {
	for _, raw := range []string{"", "not json", "{}"} {
		p := ParsePayload(raw)
		if p.Title != "Uptime Alert" || p.Summary != "No payload" {
			t.Errorf("ParsePayload(%q) = %+v", raw, p)
		}
	}
	want := Payload{Title: "a", Summary: "b"}
	if got := ParsePayload(want.Encode()); got != want {
		t.Errorf("ParsePayload(Encode) = %+v", got)
	}
}

func TestRetryDelay(t *testing.T) {
	base := 30 * time.Second
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{6, 16 * time.Minute},
		{7, 30 * time.Minute},
		{40, 30 * time.Minute},
	}
	for _, tt := range tests {
		if got := RetryDelay(tt.attempts, base); got != tt.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

// --- destination selection --------------------------------------------------

func TestSelectDestinations(t *testing.T) {
	routes := []model.AlertRoute{
		{Channel: model.ChannelEmail, MinSeverity: model.SeverityP3},
		{Channel: model.ChannelSMS, MinSeverity: model.SeverityP1},
		{Channel: model.ChannelEmail, MinSeverity: model.SeverityP2},
	}
	integrations := []model.IntegrationChannel{
		{ID: "e", Type: model.ChannelEmail, Endpoint: "ops@example.com"},
		{ID: "s", Type: model.ChannelSMS, Endpoint: "+100"},
		{ID: "w", Type: model.ChannelWebhook, Endpoint: "https://hook"},
	}

	got := SelectDestinations(routes, integrations, model.SeverityP3, false)
	if len(got) != 1 || got[0].ID != "e" {
		t.Errorf("P3 destinations = %+v, want email once", got)
	}

	// Both email routes match at P2, one delivery each.
	got = SelectDestinations(routes, integrations, model.SeverityP2, false)
	if len(got) != 2 || got[0].ID != "e" || got[1].ID != "e" {
		t.Errorf("P2 destinations = %+v, want email twice", got)
	}

	got = SelectDestinations(routes, integrations, model.SeverityP1, false)
	if len(got) != 3 {
		t.Errorf("P1 destinations = %d, want 3", len(got))
	}

	got = SelectDestinations(nil, integrations, model.SeverityP3, true)
	if len(got) != 3 {
		t.Errorf("forced destinations = %d, want 3", len(got))
	}
}

// --- dispatcher -------------------------------------------------------------

func TestDispatchQueuesDeliveries(t *testing.T) {
	f := newFixture(t)
	f.store.PutRoute(model.AlertRoute{ID: "r1", TargetID: "t1", MinSeverity: model.SeverityP2, Channel: model.ChannelWebhook})
	f.store.PutIntegration(model.IntegrationChannel{ID: "i1", TargetID: "t1", Type: model.ChannelWebhook, Endpoint: "https://hook", Enabled: true})
	f.store.PutIntegration(model.IntegrationChannel{ID: "i2", TargetID: "t1", Type: model.ChannelWebhook, Endpoint: "https://off", Enabled: false})

	if err := f.dispatcher().Dispatch(context.Background(), f.notification(model.KindFire)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	dels := f.store.ListDeliveries(f.inc.ID)
	if len(dels) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(dels))
	}
	d := dels[0]
	if d.Status != model.DeliveryQueued || d.Destination != "https://hook" || d.Attempts != 0 {
		t.Errorf("delivery = %+v", d)
	}
	if d.MaxAttempts != 5 || !d.NextRetryAt.Equal(f.now) {
		t.Errorf("max attempts = %d, next = %v", d.MaxAttempts, d.NextRetryAt)
	}
	if p := ParsePayload(d.Payload); !strings.HasPrefix(p.Title, "Incident fired") {
		t.Errorf("payload title = %q", p.Title)
	}
}

func TestDispatchQueuesOneDeliveryPerRouteIntegrationPair(t *testing.T) {
	f := newFixture(t)
	f.store.PutRoute(model.AlertRoute{ID: "r1", TargetID: "t1", Team: "sre", MinSeverity: model.SeverityP3, Channel: model.ChannelWebhook})
	f.store.PutRoute(model.AlertRoute{ID: "r2", TargetID: "t1", Team: "web", MinSeverity: model.SeverityP3, Channel: model.ChannelWebhook})
	f.store.PutIntegration(model.IntegrationChannel{ID: "i1", TargetID: "t1", Type: model.ChannelWebhook, Endpoint: "https://hook", Enabled: true})

	n := f.notification(model.KindFire)
	n.Severity = model.SeverityP3
	if err := f.dispatcher().Dispatch(context.Background(), n); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := len(f.store.ListDeliveries(f.inc.ID)); got != 2 {
		t.Errorf("deliveries = %d, want 2", got)
	}
}

func TestDispatchNoDestinationsAddsNote(t *testing.T) {
	f := newFixture(t)
	f.store.PutRoute(model.AlertRoute{ID: "r1", TargetID: "t1", MinSeverity: model.SeverityP1, Channel: model.ChannelSMS})

	n := f.notification(model.KindStillDown)
	n.Severity = model.SeverityP3
	if err := f.dispatcher().Dispatch(context.Background(), n); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if got := len(f.store.ListDeliveries(f.inc.ID)); got != 0 {
		t.Errorf("deliveries = %d, want 0", got)
	}
	evts := f.events(t)
	if len(evts) != 1 || evts[0].Type != model.EventNote || evts[0].Message != "No destinations matched for STILL_DOWN alert." {
		t.Errorf("events = %+v", evts)
	}
}

func TestDispatchDuringQuietHours(t *testing.T) {
	f := newFixture(t)
	start, end := 22, 14
	f.store.PutSchedule(model.OnCallSchedule{ID: "s1", TargetID: "t1", QuietHoursStart: &start, QuietHoursEnd: &end})
	f.store.PutIntegration(model.IntegrationChannel{ID: "i1", TargetID: "t1", Type: model.ChannelEmail, Endpoint: "ops@example.com", Enabled: true})

	n := f.notification(model.KindEscalation)
	n.ForceAllRoutes = true
	if err := f.dispatcher().Dispatch(context.Background(), n); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	dels := f.store.ListDeliveries(f.inc.ID)
	if len(dels) != 1 || dels[0].Status != model.DeliveryQueuedQuietHours {
		t.Fatalf("deliveries = %+v", dels)
	}
}

// --- sweep ------------------------------------------------------------------

func (f *fixture) queue(t *testing.T, typ model.ChannelType, status model.DeliveryStatus) *model.AlertDelivery {
	t.Helper()
	d := &model.AlertDelivery{
		IncidentID:  f.inc.ID,
		TargetID:    "t1",
		ChannelType: typ,
		Destination: "dest",
		Status:      status,
		Kind:        model.KindFire,
		MaxAttempts: 2,
		NextRetryAt: f.now,
		Payload:     Payload{Title: "T", Summary: "S"}.Encode(),
		CreatedAt:   f.now,
	}
	if err := f.store.CreateDelivery(context.Background(), d); err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}
	return d
}

func TestSweepSendsDueDelivery(t *testing.T) {
	f := newFixture(t)
	f.queue(t, model.ChannelWebhook, model.DeliveryQueued)
	sender := &stubSender{typ: model.ChannelWebhook}

	if err := f.deliverer(sender).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	d := f.store.ListDeliveries(f.inc.ID)[0]
	if d.Status != model.DeliverySent || d.Attempts != 1 || d.ExternalID != "ext-1" || d.SentAt == nil {
		t.Errorf("delivery = %+v", d)
	}
	evts := f.events(t)
	if len(evts) != 1 || evts[0].Type != model.EventAlertSent || evts[0].Message != "FIRE alert delivered via WEBHOOK to dest" {
		t.Errorf("events = %+v", evts)
	}
}

func TestSweepRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	f.queue(t, model.ChannelWebhook, model.DeliveryQueued)
	sender := &stubSender{typ: model.ChannelWebhook, err: errors.New("boom")}
	del := f.deliverer(sender)

	if err := del.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	d := f.store.ListDeliveries(f.inc.ID)[0]
	if d.Status != model.DeliveryRetry || d.Attempts != 1 || d.LastError != "boom" {
		t.Fatalf("after first sweep = %+v", d)
	}
	if want := f.now.Add(30 * time.Second); !d.NextRetryAt.Equal(want) {
		t.Errorf("next retry = %v, want %v", d.NextRetryAt, want)
	}

	// Not due yet: nothing happens.
	if err := del.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(sender.calls) != 1 {
		t.Fatalf("sender calls = %d, want 1", len(sender.calls))
	}

	f.now = f.now.Add(time.Minute)
	if err := del.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	d = f.store.ListDeliveries(f.inc.ID)[0]
	if d.Status != model.DeliveryFailed || d.Attempts != 2 {
		t.Fatalf("after second attempt = %+v", d)
	}

	evts := f.events(t)
	if len(evts) != 2 {
		t.Fatalf("events = %d, want 2", len(evts))
	}
	if evts[0].Message != "Alert delivery retry scheduled (1/2) for WEBHOOK dest: boom" {
		t.Errorf("retry note = %q", evts[0].Message)
	}
	if evts[1].Message != "Alert delivery failed permanently after 2 attempts (WEBHOOK dest): boom" {
		t.Errorf("failure note = %q", evts[1].Message)
	}
}

func TestConcurrentSweepsSendOnce(t *testing.T) {
	f := newFixture(t)
	f.queue(t, model.ChannelWebhook, model.DeliveryQueued)
	sender := &stubSender{typ: model.ChannelWebhook, delay: 100 * time.Millisecond}
	del := f.deliverer(sender)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- del.Sweep(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Sweep: %v", err)
		}
	}

	sender.mu.Lock()
	calls := len(sender.calls)
	sender.mu.Unlock()
	if calls != 1 {
		t.Errorf("sender calls = %d, want 1", calls)
	}
	sent := 0
	for _, e := range f.events(t) {
		if e.Type == model.EventAlertSent {
			sent++
		}
	}
	if sent != 1 {
		t.Errorf("ALERT_SENT events = %d, want 1", sent)
	}
	if d := f.store.ListDeliveries(f.inc.ID)[0]; d.Status != model.DeliverySent || d.Attempts != 1 {
		t.Errorf("delivery = %+v", d)
	}
}

func TestSweepSkipsClaimedDelivery(t *testing.T) {
	f := newFixture(t)
	f.queue(t, model.ChannelWebhook, model.DeliveryQueued)

	claimed, err := f.store.ClaimDueDeliveries(context.Background(), f.now, time.Minute, 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimDueDeliveries = %d, %v", len(claimed), err)
	}

	sender := &stubSender{typ: model.ChannelWebhook}
	if err := f.deliverer(sender).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(sender.calls) != 0 {
		t.Errorf("claimed delivery sent by another sweep")
	}
}

func TestSweepDefersQuietHours(t *testing.T) {
	f := newFixture(t)
	start, end := 0, 23
	f.store.PutSchedule(model.OnCallSchedule{ID: "s1", TargetID: "t1", QuietHoursStart: &start, QuietHoursEnd: &end})
	f.queue(t, model.ChannelWebhook, model.DeliveryQueuedQuietHours)
	sender := &stubSender{typ: model.ChannelWebhook}

	if err := f.deliverer(sender).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(sender.calls) != 0 {
		t.Errorf("sent during quiet hours")
	}
	d := f.store.ListDeliveries(f.inc.ID)[0]
	if d.Status != model.DeliveryQueuedQuietHours || d.Attempts != 0 {
		t.Errorf("delivery = %+v", d)
	}
	if want := f.now.Add(5 * time.Minute); !d.NextRetryAt.Equal(want) {
		t.Errorf("next retry = %v, want %v", d.NextRetryAt, want)
	}
}

func TestSweepSendsQuietDeliveryOnceQuietHoursEnd(t *testing.T) {
	f := newFixture(t)
	start, end := 1, 2
	f.store.PutSchedule(model.OnCallSchedule{ID: "s1", TargetID: "t1", QuietHoursStart: &start, QuietHoursEnd: &end})
	f.queue(t, model.ChannelWebhook, model.DeliveryQueuedQuietHours)
	sender := &stubSender{typ: model.ChannelWebhook}

	if err := f.deliverer(sender).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if d := f.store.ListDeliveries(f.inc.ID)[0]; d.Status != model.DeliverySent {
		t.Errorf("status = %s, want sent", d.Status)
	}
}

func TestSweepUnsupportedChannelDoesNotBlockBatch(t *testing.T) {
	f := newFixture(t)
	f.queue(t, model.ChannelSMS, model.DeliveryQueued)
	f.queue(t, model.ChannelWebhook, model.DeliveryQueued)
	sender := &stubSender{typ: model.ChannelWebhook}

	if err := f.deliverer(sender).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	dels := f.store.ListDeliveries(f.inc.ID)
	if dels[0].Status != model.DeliveryRetry || !strings.Contains(dels[0].LastError, "unsupported channel") {
		t.Errorf("sms delivery = %+v", dels[0])
	}
	if dels[1].Status != model.DeliverySent {
		t.Errorf("webhook delivery = %+v", dels[1])
	}
}

// --- senders ----------------------------------------------------------------

func TestWebhookSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	w := &WebhookSender{Now: func() time.Time { return at }}
	if _, err := w.Send(context.Background(), srv.URL, Payload{Title: "T", Summary: "S"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["title"] != "T" || got["text"] != "S" || got["timestamp"] != "2026-01-02T03:04:05Z" {
		t.Errorf("body = %v", got)
	}
}

func TestWebhookSenderNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := (&WebhookSender{}).Send(context.Background(), srv.URL, Payload{}); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestEmailSender(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/emails" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["subject"] != "T" || body["from"] != "alerts@example.com" {
			t.Errorf("body = %v", body)
		}
		_, _ = io.WriteString(w, `{"id":"em_1"}`)
	}))
	defer srv.Close()

	e := &EmailSender{APIKey: "key", From: "alerts@example.com", APIBase: srv.URL}
	id, err := e.Send(context.Background(), "ops@example.com", Payload{Title: "T", Summary: "S"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "em_1" {
		t.Errorf("id = %q", id)
	}

	if err := (&EmailSender{}).Validate(); err == nil {
		t.Error("expected validate error without credentials")
	}
}

func TestSMSSender(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2010-04-01/Accounts/AC1/Messages.json" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if u, p, ok := r.BasicAuth(); !ok || u != "AC1" || p != "tok" {
			t.Errorf("basic auth = %q %q", u, p)
		}
		raw, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(raw))
		if form.Get("To") != "+100" || form.Get("From") != "+200" {
			t.Errorf("form = %v", form)
		}
		if n := len([]rune(form.Get("Body"))); n != 1500 {
			t.Errorf("body length = %d, want 1500", n)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"sid":"SM1"}`)
	}))
	defer srv.Close()

	s := &SMSSender{AccountSID: "AC1", AuthToken: "tok", From: "+200", APIBase: srv.URL}
	id, err := s.Send(context.Background(), "+100", Payload{Title: "T", Summary: strings.Repeat("x", 2000)})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "SM1" {
		t.Errorf("sid = %q", id)
	}
}

func TestTelegramSender(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["chat_id"] != "42" || !strings.Contains(body["text"].(string), "&lt;b&gt;") {
			t.Errorf("body = %v", body)
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7}}`)
	}))
	defer srv.Close()

	tg := &TelegramSender{BotToken: "TOKEN", APIBase: srv.URL}
	id, err := tg.Send(context.Background(), "42", Payload{Title: "<b>", Summary: "S"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "7" {
		t.Errorf("message id = %q", id)
	}
}

func TestBuildSendersCoversEveryChannel(t *testing.T) {
	senders := BuildSenders(config.ChannelsConfig{})
	for _, ct := range []model.ChannelType{model.ChannelEmail, model.ChannelSMS, model.ChannelWebhook, model.ChannelTelegram} {
		if _, ok := senders[ct]; !ok {
			t.Errorf("no sender for %s", ct)
		}
	}
}
