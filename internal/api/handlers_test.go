package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/dialscribe/DialScribe/internal/ivr"
	"github.com/dialscribe/DialScribe/internal/ledger"
	"github.com/dialscribe/DialScribe/internal/models"
	"github.com/dialscribe/DialScribe/internal/notify"
	"github.com/dialscribe/DialScribe/internal/store"
	"github.com/dialscribe/DialScribe/internal/telephony"
)

// fakeDialer stands in for the Twilio client.
type fakeDialer struct {
	sid string
	err error
	to  string
}

func (d *fakeDialer) PlaceCall(ctx context.Context, to string) (string, error) {
	d.to = to
	return d.sid, d.err
}

func newTestServer(t *testing.T, dialer *fakeDialer) (*Server, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	scenarios := ivr.NewScenarioRegistry()
	scenarios.RegisterDefaults()
	sessions := ivr.NewSessionManager(st, scenarios)
	creator := notify.NewCreator(st)
	responder := ivr.NewResponder(st, ledger.NewWriter(st), sessions, creator)
	var d telephony.Dialer
	if dialer != nil {
		d = dialer
	}
	return NewServer(st, scenarios, sessions, responder, creator, d, ""), st
}

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestRegisterCallHandler(t *testing.T) {
	srv, st := newTestServer(t, nil)
	handler := srv.Handler()

	rr := postJSON(t, handler, "/calls", map[string]string{
		"call_sid":     "CA1",
		"phone_number": "+15550001111",
		"chat_id":      "chat-1",
		"scenario_key": "otp6",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}

	call, _ := st.GetCall("CA1")
	if call == nil || call.ScenarioKey != "otp6" || !call.InputRequired {
		t.Errorf("call not stored correctly: %+v", call)
	}

	// Registration emits the call_initiated notification row.
	rows, _ := st.SelectPendingNotifications(10, models.DefaultMaxDeliveryRetries)
	if len(rows) != 1 || rows[0].Type != models.NotificationCallInitiated {
		t.Errorf("expected call_initiated notification, got %v", rows)
	}

	// Unknown scenario is rejected.
	rr = postJSON(t, handler, "/calls", map[string]string{
		"call_sid":     "CA2",
		"phone_number": "+15550002222",
		"scenario_key": "nope",
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unknown scenario status = %d, want 400", rr.Code)
	}

	// Missing SID gets one generated.
	rr = postJSON(t, handler, "/calls", map[string]string{
		"phone_number": "+15550003333",
		"scenario_key": "pin4",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("generated sid status = %d", rr.Code)
	}
	var resp struct {
		Result models.Call `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.HasPrefix(resp.Result.CallSID, "CA") {
		t.Errorf("generated sid = %q, want CA prefix", resp.Result.CallSID)
	}
}

func TestVoiceWebhookHandler(t *testing.T) {
	srv, st := newTestServer(t, nil)
	handler := srv.Handler()

	postJSON(t, handler, "/calls", map[string]string{
		"call_sid":     "CA1",
		"phone_number": "+15550001111",
		"scenario_key": "otp6",
	})

	form := url.Values{}
	form.Set("CallSid", "CA1")
	form.Set("CallStatus", "in-progress")
	form.Set("AnsweredBy", "human")
	req := httptest.NewRequest(http.MethodPost, "/webhook/voice", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("content type = %q, want text/xml", ct)
	}
	if !strings.Contains(rr.Body.String(), "<Gather") {
		t.Errorf("expected gather markup, got:\n%s", rr.Body.String())
	}

	entries, _ := st.ListCallStates("CA1")
	if len(entries) != 1 {
		t.Errorf("expected one ledger row, got %d", len(entries))
	}

	// Unknown call still answers 200 with valid markup so the provider
	// does not retry.
	form.Set("CallSid", "CA-missing")
	req = httptest.NewRequest(http.MethodPost, "/webhook/voice", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "<Hangup") {
		t.Errorf("unknown call: status %d body %s", rr.Code, rr.Body.String())
	}
}

func TestVoiceWebhookHandlerMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/webhook/voice", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rr.Code)
	}
}

func TestNormalizeAnsweredBy(t *testing.T) {
	cases := map[string]string{
		"human":             "human",
		"machine_start":     "machine",
		"machine_end_beep":  "machine",
		"fax":               "machine",
		"unknown":           "unknown",
		"something_strange": "unknown",
		"":                  "",
	}
	for raw, want := range cases {
		if got := normalizeAnsweredBy(raw); got != want {
			t.Errorf("normalizeAnsweredBy(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestGetCallAndStates(t *testing.T) {
	srv, st := newTestServer(t, nil)
	handler := srv.Handler()

	postJSON(t, handler, "/calls", map[string]string{
		"call_sid":     "CA1",
		"phone_number": "+15550001111",
		"scenario_key": "otp6",
	})
	if _, err := st.AppendCallState("CA1", models.StateRinging, "{}"); err != nil {
		t.Fatalf("AppendCallState: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/calls/CA1", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("get call status = %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/calls/CA1/states", nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("get states status = %d", rr.Code)
	}
	var resp struct {
		Result []models.CallStateEntry `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Result) != 1 || resp.Result[0].Seq != 1 {
		t.Errorf("states = %+v", resp.Result)
	}

	req = httptest.NewRequest(http.MethodGet, "/calls/CA-missing", nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing call status = %d, want 404", rr.Code)
	}
}

func TestPlaceCallHandler(t *testing.T) {
	// Without a dialer the endpoint is disabled.
	srv, _ := newTestServer(t, nil)
	rr := postJSON(t, srv.Handler(), "/calls/place", map[string]string{
		"phone_number": "+15550001111",
		"scenario_key": "otp6",
	})
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status without dialer = %d, want 503", rr.Code)
	}

	dialer := &fakeDialer{sid: "CA-placed"}
	srv, st := newTestServer(t, dialer)
	rr = postJSON(t, srv.Handler(), "/calls/place", map[string]string{
		"phone_number": "+15550001111",
		"chat_id":      "chat-1",
		"scenario_key": "otp6",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if dialer.to != "+15550001111" {
		t.Errorf("dialed %q", dialer.to)
	}
	call, _ := st.GetCall("CA-placed")
	if call == nil || call.ChatID != "chat-1" {
		t.Errorf("placed call not stored: %+v", call)
	}

	// Provider failure maps to 502.
	dialer = &fakeDialer{err: errors.New("provider down")}
	srv, _ = newTestServer(t, dialer)
	rr = postJSON(t, srv.Handler(), "/calls/place", map[string]string{
		"phone_number": "+15550001111",
		"scenario_key": "otp6",
	})
	if rr.Code != http.StatusBadGateway {
		t.Errorf("provider failure status = %d, want 502", rr.Code)
	}
}

func TestScenariosHandler(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	handler := srv.Handler()

	rr := postJSON(t, handler, "/scenarios", models.Scenario{
		Key:           "otp8",
		DigitCount:    8,
		InitialPrompt: "Enter your eight digit code.",
		MaxRetries:    1,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if _, ok := srv.scenarios.Get("otp8"); !ok {
		t.Error("scenario not registered")
	}

	rr = postJSON(t, handler, "/scenarios", models.Scenario{Key: "bad"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid scenario status = %d, want 400", rr.Code)
	}
}

func TestNotificationMetricsHandler(t *testing.T) {
	srv, st := newTestServer(t, nil)
	handler := srv.Handler()

	if err := st.RecordNotificationMetric("2026-02-01", models.NotificationCallEnded, true, 120); err != nil {
		t.Fatalf("RecordNotificationMetric: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics/notifications?date=2026-02-01", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		Result struct {
			Date    string                      `json:"date"`
			Metrics []models.NotificationMetric `json:"metrics"`
		} `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Result.Date != "2026-02-01" || len(resp.Result.Metrics) != 1 {
		t.Errorf("metrics response = %+v", resp.Result)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics/notifications?date=bogus", nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bogus date status = %d, want 400", rr.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var health map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &health); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if health["status"] != "healthy" {
		t.Errorf("health = %v", health)
	}
}
