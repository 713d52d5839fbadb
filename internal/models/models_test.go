package models

import (
	"testing"
	"time"
)

func TestCallStatusIsTerminal(t *testing.T) {
	terminal := []CallStatus{CallStatusCompleted, CallStatusFailed, CallStatusBusy, CallStatusNoAnswer}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	live := []CallStatus{CallStatusInitiated, CallStatusRinging, CallStatusInProgress}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestMaskDigits(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"123456", "****56"},
		{"1234", "**34"},
		{"12", "12"},
		{"1", "1"},
		{"", ""},
	}
	for _, c := range cases {
		if got := MaskDigits(c.raw); got != c.want {
			t.Errorf("MaskDigits(%q) = %q, want %q", c.raw, got, c.want)
		}
	}
}

func TestDeriveFinalOutcome(t *testing.T) {
	cases := []struct {
		name       string
		status     CallStatus
		answeredBy AnsweredBy
		hasInput   bool
		want       FinalOutcome
	}{
		{"completed with input", CallStatusCompleted, AnsweredByHuman, true, OutcomeCompletedWithInput},
		{"completed no input", CallStatusCompleted, AnsweredByHuman, false, OutcomeCompletedNoInput},
		{"machine answered", CallStatusCompleted, AnsweredByMachine, false, OutcomeMachineAnswered},
		{"machine but input wins", CallStatusCompleted, AnsweredByMachine, true, OutcomeCompletedWithInput},
		{"no answer", CallStatusNoAnswer, AnsweredByUnknown, false, OutcomeNoAnswer},
		{"busy", CallStatusBusy, AnsweredByUnknown, false, OutcomeBusy},
		{"failed", CallStatusFailed, AnsweredByUnknown, false, OutcomeFailed},
		{"non-terminal maps to failed", CallStatusRinging, AnsweredByUnknown, false, OutcomeFailed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := DeriveFinalOutcome(c.status, c.answeredBy, c.hasInput); got != c.want {
				t.Errorf("DeriveFinalOutcome(%s, %s, %v) = %s, want %s", c.status, c.answeredBy, c.hasInput, got, c.want)
			}
		})
	}
}

func TestDeriveFinalOutcomeIdempotent(t *testing.T) {
	first := DeriveFinalOutcome(CallStatusCompleted, AnsweredByHuman, true)
	second := DeriveFinalOutcome(CallStatusCompleted, AnsweredByHuman, true)
	if first != second {
		t.Errorf("expected identical outcomes on recomputation, got %s then %s", first, second)
	}
}

func TestCallValidate(t *testing.T) {
	c := Call{CallSID: "CA1", PhoneNumber: "+15550001111"}
	if err := c.Validate(); err != nil {
		t.Errorf("expected valid call, got %v", err)
	}
	c = Call{PhoneNumber: "+15550001111"}
	if err := c.Validate(); err != ErrEmptyCallSID {
		t.Errorf("expected ErrEmptyCallSID, got %v", err)
	}
	c = Call{CallSID: "CA1"}
	if err := c.Validate(); err != ErrEmptyPhoneNumber {
		t.Errorf("expected ErrEmptyPhoneNumber, got %v", err)
	}
	c = Call{CallSID: "CA1", PhoneNumber: "+1555", Status: "bogus"}
	if err := c.Validate(); err != ErrInvalidCallStatus {
		t.Errorf("expected ErrInvalidCallStatus, got %v", err)
	}
}

func TestNotificationTypeRankFailureFirst(t *testing.T) {
	if NotificationCallInputFailed.TypeRank() >= NotificationCallInputSuccess.TypeRank() {
		t.Error("input_failed must rank before input_success")
	}
	if NotificationCallFinalOutcome.TypeRank() >= NotificationCallEnded.TypeRank() {
		t.Error("final_outcome must rank before call_ended")
	}
	if NotificationCallInitiated.TypeRank() != 5 {
		t.Errorf("call_initiated must rank last, got %d", NotificationCallInitiated.TypeRank())
	}
}

func TestPriorityRank(t *testing.T) {
	order := []NotificationPriority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("expected %s to rank before %s", order[i-1], order[i])
		}
	}
	if IsValidPriority("bogus") {
		t.Error("bogus priority must be invalid")
	}
}

func TestNotificationValidate(t *testing.T) {
	n := WebhookNotification{CallSID: "CA1", ChatID: "chat-1", Type: NotificationCallEnded}
	if err := n.Validate(); err != nil {
		t.Errorf("expected valid notification, got %v", err)
	}
	n.ChatID = ""
	if err := n.Validate(); err != ErrEmptyChatID {
		t.Errorf("expected ErrEmptyChatID, got %v", err)
	}
	n.ChatID = "chat-1"
	n.Type = "bogus"
	if err := n.Validate(); err != ErrInvalidNotifyType {
		t.Errorf("expected ErrInvalidNotifyType, got %v", err)
	}
}

func TestMetricDate(t *testing.T) {
	ts := time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("east", 3*3600))
	if got := MetricDate(ts); got != "2026-03-01" {
		t.Errorf("MetricDate = %q, want 2026-03-01", got)
	}
}
