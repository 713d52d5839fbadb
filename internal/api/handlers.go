// Package api provides HTTP handlers for DialScribe endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dialscribe/DialScribe/internal/ivr"
	"github.com/dialscribe/DialScribe/internal/models"
	"github.com/dialscribe/DialScribe/internal/util"
)

// voiceWebhookHandler handles POST /webhook/voice, the telephony provider
// callback. The provider retries on non-2xx, so this handler always answers
// 200 with valid voice markup; faults are absorbed inside the responder.
func (s *Server) voiceWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.voiceWebhookHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.voiceWebhookHandler: failed to parse form", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	req := ivr.WebhookRequest{
		CallSID:    r.FormValue("CallSid"),
		CallStatus: strings.ToLower(r.FormValue("CallStatus")),
		Digits:     r.FormValue("Digits"),
		From:       r.FormValue("From"),
		To:         r.FormValue("To"),
		AnsweredBy: normalizeAnsweredBy(r.FormValue("AnsweredBy")),
	}
	slog.Debug("Server.voiceWebhookHandler: webhook received", "callSID", req.CallSID, "status", req.CallStatus)

	markup := s.responder.HandleWebhook(r.Context(), req)

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(markup)); err != nil {
		slog.Error("Server.voiceWebhookHandler: failed to write markup", "error", err)
	}
}

// normalizeAnsweredBy collapses the provider's machine detection vocabulary
// (machine_start, machine_end_beep, fax, ...) into the stored classification.
func normalizeAnsweredBy(raw string) string {
	raw = strings.ToLower(raw)
	switch {
	case raw == "human":
		return string(models.AnsweredByHuman)
	case strings.HasPrefix(raw, "machine") || raw == "fax":
		return string(models.AnsweredByMachine)
	case raw == "":
		return ""
	default:
		return string(models.AnsweredByUnknown)
	}
}

// registerCallRequest is the JSON body for POST /calls and POST /calls/place.
type registerCallRequest struct {
	CallSID     string `json:"call_sid,omitempty"` // omitted on /calls/place
	PhoneNumber string `json:"phone_number"`
	ChatID      string `json:"chat_id,omitempty"`
	ScenarioKey string `json:"scenario_key"`
}

// callsHandler routes /calls and /calls/{sid}[/states].
func (s *Server) callsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	path := strings.TrimPrefix(r.URL.Path, "/calls")
	path = strings.TrimPrefix(path, "/")
	segments := strings.Split(path, "/")

	if len(segments) == 0 || segments[0] == "" {
		// /calls
		switch r.Method {
		case http.MethodPost:
			s.registerCallHandler(w, r)
		default:
			w.Header().Set("Allow", http.MethodPost)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	if segments[0] == "place" && len(segments) == 1 {
		// /calls/place
		switch r.Method {
		case http.MethodPost:
			s.placeCallHandler(w, r)
		default:
			w.Header().Set("Allow", http.MethodPost)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	callSID := segments[0]
	if len(segments) == 1 {
		// /calls/{sid}
		switch r.Method {
		case http.MethodGet:
			s.getCallHandler(w, r, callSID)
		default:
			w.Header().Set("Allow", http.MethodGet)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	if len(segments) == 2 && segments[1] == "states" {
		// /calls/{sid}/states
		switch r.Method {
		case http.MethodGet:
			s.listCallStatesHandler(w, r, callSID)
		default:
			w.Header().Set("Allow", http.MethodGet)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown calls endpoint"))
}

// registerCallHandler handles POST /calls: registers a call placed outside
// DialScribe so its webhooks can be processed and its progress notified.
func (s *Server) registerCallHandler(w http.ResponseWriter, r *http.Request) {
	var req registerCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.registerCallHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.CallSID == "" {
		req.CallSID = util.GenerateCallSID()
	}
	call, status, errMsg := s.createCall(r, req)
	if errMsg != "" {
		writeJSONResponse(w, status, models.Error(errMsg))
		return
	}
	slog.Info("Server.registerCallHandler: call registered", "callSID", call.CallSID, "scenario", call.ScenarioKey)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Call registered successfully", call))
}

// placeCallHandler handles POST /calls/place: places an outbound call through
// the telephony provider and registers it in one step.
func (s *Server) placeCallHandler(w http.ResponseWriter, r *http.Request) {
	if s.dialer == nil {
		slog.Warn("Server.placeCallHandler: telephony not configured")
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Call placement not configured"))
		return
	}
	var req registerCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.placeCallHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.PhoneNumber == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: phone_number"))
		return
	}

	callSID, err := s.dialer.PlaceCall(r.Context(), req.PhoneNumber)
	if err != nil {
		slog.Error("Server.placeCallHandler: call placement failed", "error", err, "to", req.PhoneNumber)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to place call"))
		return
	}
	req.CallSID = callSID

	call, status, errMsg := s.createCall(r, req)
	if errMsg != "" {
		writeJSONResponse(w, status, models.Error(errMsg))
		return
	}
	slog.Info("Server.placeCallHandler: call placed", "callSID", call.CallSID, "to", call.PhoneNumber)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Call placed successfully", call))
}

// createCall validates the request, persists the call row, and emits the
// call_initiated notification. Returns a non-empty message on failure along
// with the HTTP status to answer with.
func (s *Server) createCall(r *http.Request, req registerCallRequest) (*models.Call, int, string) {
	if _, ok := s.scenarios.Get(req.ScenarioKey); !ok {
		slog.Warn("Server.createCall: unknown scenario", "scenario", req.ScenarioKey)
		return nil, http.StatusBadRequest, "Unknown scenario key"
	}
	call := models.Call{
		CallSID:       req.CallSID,
		PhoneNumber:   req.PhoneNumber,
		ChatID:        req.ChatID,
		ScenarioKey:   req.ScenarioKey,
		Status:        models.CallStatusInitiated,
		AnsweredBy:    models.AnsweredByUnknown,
		InputRequired: true,
		CreatedAt:     time.Now(),
	}
	if err := call.Validate(); err != nil {
		slog.Warn("Server.createCall: validation failed", "error", err)
		return nil, http.StatusBadRequest, err.Error()
	}
	if err := s.st.CreateCall(call); err != nil {
		slog.Error("Server.createCall: persist failed", "error", err, "callSID", call.CallSID)
		return nil, http.StatusInternalServerError, "Failed to store call"
	}
	s.creator.CallEvent(r.Context(), &call, models.NotificationCallInitiated,
		"Call "+call.CallSID+" to "+call.PhoneNumber+" initiated.",
		models.PriorityNormal)
	return &call, http.StatusCreated, ""
}

// getCallHandler handles GET /calls/{sid}.
func (s *Server) getCallHandler(w http.ResponseWriter, r *http.Request, callSID string) {
	call, err := s.st.GetCall(callSID)
	if err != nil {
		slog.Error("Server.getCallHandler: lookup failed", "error", err, "callSID", callSID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch call"))
		return
	}
	if call == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Call not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(call))
}

// listCallStatesHandler handles GET /calls/{sid}/states, returning the full
// transition ledger in sequence order.
func (s *Server) listCallStatesHandler(w http.ResponseWriter, r *http.Request, callSID string) {
	call, err := s.st.GetCall(callSID)
	if err != nil {
		slog.Error("Server.listCallStatesHandler: lookup failed", "error", err, "callSID", callSID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch call"))
		return
	}
	if call == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Call not found"))
		return
	}
	states, err := s.st.ListCallStates(callSID)
	if err != nil {
		slog.Error("Server.listCallStatesHandler: ledger fetch failed", "error", err, "callSID", callSID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch call states"))
		return
	}
	slog.Debug("Server.listCallStatesHandler: states fetched", "callSID", callSID, "count", len(states))
	writeJSONResponse(w, http.StatusOK, models.Success(states))
}

// scenariosHandler handles POST /scenarios: registers or replaces an IVR
// scenario definition.
func (s *Server) scenariosHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	var sc models.Scenario
	if err := json.NewDecoder(r.Body).Decode(&sc); err != nil {
		slog.Warn("Server.scenariosHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.scenarios.Register(sc); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	slog.Info("Server.scenariosHandler: scenario registered", "key", sc.Key)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Scenario registered successfully", nil))
}

// notificationMetricsHandler handles GET /metrics/notifications?date=YYYY-MM-DD.
// The date defaults to today (UTC).
func (s *Server) notificationMetricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	date := r.URL.Query().Get("date")
	if date == "" {
		date = models.MetricDate(time.Now())
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid date, expected YYYY-MM-DD"))
		return
	}
	metrics, err := s.st.ListNotificationMetrics(date)
	if err != nil {
		slog.Error("Server.notificationMetricsHandler: fetch failed", "error", err, "date", date)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch metrics"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"date":    date,
		"metrics": metrics,
	}))
}

// healthHandler provides a health check endpoint for monitoring and load balancing.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	healthData := map[string]interface{}{
		"status":          "healthy",
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"active_sessions": s.sessions.Active(),
	}
	writeJSONResponse(w, http.StatusOK, healthData)
}
