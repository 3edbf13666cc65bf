package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/makt28/vigil/internal/config"
	"github.com/makt28/vigil/internal/hub"
	"github.com/makt28/vigil/internal/model"
	"github.com/makt28/vigil/internal/monitor"
	"github.com/makt28/vigil/internal/notify"
	"github.com/makt28/vigil/internal/storage"
)

const testToken = "s3cret-token"

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, notify.Notification) error { return nil }

type testServer struct {
	srv   *httptest.Server
	store *storage.MemoryStore
	inc   *model.Incident
}

func newTestServer(t *testing.T, tokenHash string) *testServer {
	t.Helper()
	store, err := storage.NewMemoryStore("", 0)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	inc := &model.Incident{TargetID: "t1", Status: model.IncidentOpen, Severity: model.SeverityP1, StartedAt: time.Now()}
	if err := store.CreateIncident(context.Background(), inc); err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}
	if err := store.AppendEvent(context.Background(), &model.IncidentEvent{IncidentID: inc.ID, Type: model.EventDetected, Message: "down"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Auth.APITokenHash = tokenHash

	stopCh := make(chan struct{})
	t.Cleanup(func() { close(stopCh) })

	registry := hub.NewRegistry(store)
	router := NewRouter(Deps{
		Config:     config.NewStaticManager(cfg),
		Validators: registry,
		Incidents:  store,
		Acker:      monitor.NewIncidents(store, nopDispatcher{}),
		WS:         http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) }),
		Pending:    func() int { return 3 },
	}, stopCh)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: store, inc: inc}
}

func hashToken(t *testing.T) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(testToken), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(h)
}

func (ts *testServer) do(t *testing.T, method, path, token string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var body map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, "")
	resp, body := ts.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" || body["live_validators"] != float64(0) || body["pending_requests"] != float64(3) {
		t.Errorf("body = %v", body)
	}
}

func TestWSRouteIsMounted(t *testing.T) {
	ts := newTestServer(t, "")
	resp, _ := ts.do(t, http.MethodGet, "/ws", "")
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("status = %d, want ws handler", resp.StatusCode)
	}
}

func TestAPIDisabledWithoutHash(t *testing.T) {
	ts := newTestServer(t, "")
	resp, _ := ts.do(t, http.MethodGet, "/api/validators", testToken)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	ts := newTestServer(t, hashToken(t))

	resp, _ := ts.do(t, http.MethodGet, "/api/validators", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodGet, "/api/validators", "wrong")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token status = %d", resp.StatusCode)
	}
	resp, body := ts.do(t, http.MethodGet, "/api/validators", testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("good token status = %d", resp.StatusCode)
	}
	if body["count"] != float64(0) {
		t.Errorf("body = %v", body)
	}
}

func TestAPILocksOutAfterFailures(t *testing.T) {
	ts := newTestServer(t, hashToken(t))
	for i := 0; i < defaultMaxAttempts; i++ {
		ts.do(t, http.MethodGet, "/api/validators", "wrong")
	}
	resp, _ := ts.do(t, http.MethodGet, "/api/validators", testToken)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
}

func TestAPIIncident(t *testing.T) {
	ts := newTestServer(t, hashToken(t))

	resp, body := ts.do(t, http.MethodGet, "/api/incidents/"+ts.inc.ID, testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["id"] != ts.inc.ID || body["status"] != "OPEN" {
		t.Errorf("body = %v", body)
	}
	if evts, _ := body["events"].([]interface{}); len(evts) != 1 {
		t.Errorf("events = %v", body["events"])
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/incidents/nope", testToken)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing status = %d", resp.StatusCode)
	}
}

func TestAckIncident(t *testing.T) {
	ts := newTestServer(t, hashToken(t))
	path := "/api/incidents/" + ts.inc.ID + "/ack"

	resp, body := ts.do(t, http.MethodPost, path, testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["acknowledged_at"] == nil {
		t.Errorf("body = %v", body)
	}

	resp, _ = ts.do(t, http.MethodPost, path, testToken)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second ack status = %d, want 409", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/incidents/nope/ack", testToken)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing ack status = %d", resp.StatusCode)
	}
}

func TestAuthRateLimiterExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewAuthRateLimiter(2, time.Minute, nil)
	rl.now = func() time.Time { return now }

	rl.RecordFailure("1.2.3.4")
	if rl.IsLocked("1.2.3.4") {
		t.Fatal("locked after one failure")
	}
	rl.RecordFailure("1.2.3.4")
	if !rl.IsLocked("1.2.3.4") {
		t.Fatal("not locked after max failures")
	}
	now = now.Add(time.Minute)
	if rl.IsLocked("1.2.3.4") {
		t.Error("still locked after lockout expired")
	}
}
