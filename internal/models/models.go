// Package models defines the core data structures for DialScribe.
//
// It includes types for calls, the per-call state ledger, collected digit
// input, and the decision table that derives a call's final outcome. These
// types are shared across modules.
package models

import (
	"errors"
	"time"
)

// CallStatus represents the provider-reported lifecycle status of a call.
type CallStatus string

const (
	// CallStatusInitiated indicates the call has been placed but not yet ringing.
	CallStatusInitiated CallStatus = "initiated"
	// CallStatusRinging indicates the destination is ringing.
	CallStatusRinging CallStatus = "ringing"
	// CallStatusInProgress indicates the call was answered and is active.
	CallStatusInProgress CallStatus = "in-progress"
	// CallStatusCompleted indicates the call ended normally.
	CallStatusCompleted CallStatus = "completed"
	// CallStatusFailed indicates the provider could not complete the call.
	CallStatusFailed CallStatus = "failed"
	// CallStatusBusy indicates the destination was busy.
	CallStatusBusy CallStatus = "busy"
	// CallStatusNoAnswer indicates the destination never picked up.
	CallStatusNoAnswer CallStatus = "no-answer"
)

// IsTerminal reports whether the status ends the call lifecycle.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusBusy, CallStatusNoAnswer:
		return true
	default:
		return false
	}
}

// IsValidCallStatus checks if the given status is part of the known lifecycle.
func IsValidCallStatus(s CallStatus) bool {
	switch s {
	case CallStatusInitiated, CallStatusRinging, CallStatusInProgress,
		CallStatusCompleted, CallStatusFailed, CallStatusBusy, CallStatusNoAnswer:
		return true
	default:
		return false
	}
}

// AnsweredBy classifies who (or what) answered the call.
type AnsweredBy string

const (
	// AnsweredByHuman indicates machine detection classified a live person.
	AnsweredByHuman AnsweredBy = "human"
	// AnsweredByMachine indicates voicemail or an answering machine.
	AnsweredByMachine AnsweredBy = "machine"
	// AnsweredByUnknown indicates detection was inconclusive or disabled.
	AnsweredByUnknown AnsweredBy = "unknown"
)

// FinalOutcome is the terminal classification of a call, set at most once.
type FinalOutcome string

const (
	// OutcomeCompletedWithInput means the call ended after digits were captured.
	OutcomeCompletedWithInput FinalOutcome = "completed_with_input"
	// OutcomeCompletedNoInput means the call ended without any captured digits.
	OutcomeCompletedNoInput FinalOutcome = "completed_no_input"
	// OutcomeMachineAnswered means voicemail answered; no interaction happened.
	OutcomeMachineAnswered FinalOutcome = "machine_answered"
	// OutcomeNoAnswer means the destination never picked up.
	OutcomeNoAnswer FinalOutcome = "no_answer"
	// OutcomeBusy means the destination was busy.
	OutcomeBusy FinalOutcome = "busy"
	// OutcomeFailed means the provider reported a failure.
	OutcomeFailed FinalOutcome = "failed"
)

// State labels recorded in the call_states ledger. The column is free-form
// but writers draw from this vocabulary.
const (
	StateRinging    = "ringing"
	StateGathering  = "gathering"
	StateValidating = "validating"
	StateRetry      = "retry"
	StateComplete   = "complete"
	StateFailed     = "failed"
	StateTerminal   = "terminal"
)

// Error variables for better error handling and testability
var (
	ErrEmptyCallSID       = errors.New("call SID cannot be empty")
	ErrEmptyPhoneNumber   = errors.New("phone number cannot be empty")
	ErrInvalidCallStatus  = errors.New("invalid call status")
	ErrUnknownCall        = errors.New("unknown call SID")
	ErrUnknownScenario    = errors.New("unknown scenario key")
	ErrFinalOutcomeSet    = errors.New("final outcome already set")
	ErrEmptyChatID        = errors.New("chat ID cannot be empty")
	ErrInvalidNotifyType  = errors.New("invalid notification type")
	ErrInvalidPriority    = errors.New("invalid notification priority")
	ErrRetryBudgetInvalid = errors.New("max retries must be non-negative")
)

// Call represents one outbound or inbound telephony session.
type Call struct {
	CallSID         string        `json:"call_sid"`
	PhoneNumber     string        `json:"phone_number"`
	ChatID          string        `json:"chat_id,omitempty"` // operator chat receiving progress updates
	ScenarioKey     string        `json:"scenario_key"`
	Status          CallStatus    `json:"status"`
	SubStatus       string        `json:"sub_status,omitempty"` // provider-reported detail, opaque
	AnsweredBy      AnsweredBy    `json:"answered_by"`
	FinalOutcome    *FinalOutcome `json:"final_outcome,omitempty"`
	InputRequired   bool          `json:"input_required"`
	HeaderMessageID string        `json:"header_message_id,omitempty"` // chat thread anchor
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
}

// Validate checks the minimum fields required to register a call.
func (c *Call) Validate() error {
	if c.CallSID == "" {
		return ErrEmptyCallSID
	}
	if c.PhoneNumber == "" {
		return ErrEmptyPhoneNumber
	}
	if c.Status != "" && !IsValidCallStatus(c.Status) {
		return ErrInvalidCallStatus
	}
	return nil
}

// CallStateEntry is one row of the append-only per-call transition ledger.
// Seq is strictly increasing per CallSID and assigned atomically at insert.
type CallStateEntry struct {
	CallSID     string    `json:"call_sid"`
	State       string    `json:"state"`
	PayloadJSON string    `json:"payload_json,omitempty"`
	Seq         int64     `json:"seq"`
	CreatedAt   time.Time `json:"created_at"`
}

// InputType distinguishes keypad digits from transcribed speech.
type InputType string

const (
	// InputTypeDigits is a DTMF keypad capture.
	InputTypeDigits InputType = "digits"
	// InputTypeSpeech is a transcribed speech capture.
	InputTypeSpeech InputType = "speech"
)

// CollectedInput is one digit/speech capture attempt for a call. Step is
// gap-free per call (max(step)+1 at insert).
type CollectedInput struct {
	CallSID     string    `json:"call_sid"`
	Step        int       `json:"step"`
	InputType   InputType `json:"input_type"`
	MaskedValue string    `json:"masked_value"`
	Confidence  float64   `json:"confidence,omitempty"` // speech only
	CapturedAt  time.Time `json:"captured_at"`
}

// MaskDigits masks all but the last two characters of a captured value so raw
// OTP/PIN material never lands in storage.
func MaskDigits(raw string) string {
	if len(raw) <= 2 {
		return raw
	}
	masked := make([]byte, len(raw))
	for i := range masked {
		if i < len(raw)-2 {
			masked[i] = '*'
		} else {
			masked[i] = raw[i]
		}
	}
	return string(masked)
}

// DeriveFinalOutcome computes the terminal classification from the decision
// table combining the terminal status, who answered, and whether any digits
// were ever captured. Pure and idempotent: safe to recompute on webhook
// redelivery.
func DeriveFinalOutcome(status CallStatus, answeredBy AnsweredBy, hasInput bool) FinalOutcome {
	switch status {
	case CallStatusNoAnswer:
		return OutcomeNoAnswer
	case CallStatusBusy:
		return OutcomeBusy
	case CallStatusFailed:
		return OutcomeFailed
	case CallStatusCompleted:
		if hasInput {
			return OutcomeCompletedWithInput
		}
		if answeredBy == AnsweredByMachine {
			return OutcomeMachineAnswered
		}
		return OutcomeCompletedNoInput
	default:
		// Callers only pass terminal statuses; anything else maps to failed.
		return OutcomeFailed
	}
}
