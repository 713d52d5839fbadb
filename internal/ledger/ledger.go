// Package ledger translates raw provider webhook fields into call row updates
// and appends sequenced call_states entries.
//
// The ledger is the durable, replayable history of what the IVR believed at
// every point. Webhook delivery from the provider is not exactly-once, so
// every write here is either atomic (sequence assignment) or idempotent
// (terminal status and final outcome).
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dialscribe/DialScribe/internal/models"
	"github.com/dialscribe/DialScribe/internal/store"
)

// Transition carries the webhook fields relevant to one observed transition.
type Transition struct {
	Status     models.CallStatus `json:"status"`
	SubStatus  string            `json:"sub_status,omitempty"`
	AnsweredBy models.AnsweredBy `json:"answered_by,omitempty"`
	State      string            `json:"state"`              // ledger state label
	Digits     string            `json:"digits,omitempty"`   // masked before persisting
	Detail     string            `json:"detail,omitempty"`   // free-form context
	Attempt    int               `json:"attempt,omitempty"`  // IVR attempt counter at this point
}

// Writer records call transitions against a Store.
type Writer struct {
	store store.Store
}

// NewWriter creates a ledger writer backed by the given store.
func NewWriter(st store.Store) *Writer {
	return &Writer{store: st}
}

// RecordTransition updates the call row from the webhook fields and appends
// one sequenced call_states entry. It returns the assigned sequence number.
// Concurrent webhook deliveries for the same call cannot collide: sequence
// assignment is a single atomic statement in the store.
func (w *Writer) RecordTransition(ctx context.Context, callSID string, tr Transition) (int64, error) {
	call, err := w.store.GetCall(callSID)
	if err != nil {
		return 0, fmt.Errorf("record transition lookup failed: %w", err)
	}
	if call == nil {
		return 0, models.ErrUnknownCall
	}

	if tr.Status != "" {
		if err := w.store.UpdateCallStatus(callSID, tr.Status, tr.SubStatus, tr.AnsweredBy); err != nil {
			return 0, fmt.Errorf("record transition status update failed: %w", err)
		}
	}

	payload := transitionPayload{
		Status:     tr.Status,
		SubStatus:  tr.SubStatus,
		AnsweredBy: tr.AnsweredBy,
		Digits:     models.MaskDigits(tr.Digits),
		Detail:     tr.Detail,
		Attempt:    tr.Attempt,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("record transition payload marshal failed: %w", err)
	}

	seq, err := w.store.AppendCallState(callSID, tr.State, string(payloadJSON))
	if err != nil {
		return 0, err
	}

	// Once a terminal provider status is observed, derive and persist the
	// final outcome. The derivation is pure, so redelivered terminal
	// webhooks recompute the same value and the set-once store call absorbs
	// the duplicate.
	if tr.Status.IsTerminal() {
		if err := w.recordFinalOutcome(callSID, tr); err != nil {
			return seq, err
		}
	}

	slog.Debug("Ledger RecordTransition succeeded", "callSID", callSID, "state", tr.State, "seq", seq)
	return seq, nil
}

func (w *Writer) recordFinalOutcome(callSID string, tr Transition) error {
	hasInput, err := w.store.HasCollectedInput(callSID)
	if err != nil {
		return fmt.Errorf("final outcome input check failed: %w", err)
	}
	answeredBy := tr.AnsweredBy
	if answeredBy == "" {
		if call, err := w.store.GetCall(callSID); err == nil && call != nil {
			answeredBy = call.AnsweredBy
		}
	}
	outcome := models.DeriveFinalOutcome(tr.Status, answeredBy, hasInput)
	if err := w.store.SetCallFinalOutcome(callSID, outcome, time.Now()); err != nil {
		return fmt.Errorf("final outcome persist failed: %w", err)
	}
	slog.Info("Ledger final outcome recorded", "callSID", callSID, "outcome", outcome, "status", tr.Status, "hasInput", hasInput)
	return nil
}

// transitionPayload is the opaque JSON stored alongside each ledger row.
type transitionPayload struct {
	Status     models.CallStatus `json:"status,omitempty"`
	SubStatus  string            `json:"sub_status,omitempty"`
	AnsweredBy models.AnsweredBy `json:"answered_by,omitempty"`
	Digits     string            `json:"digits,omitempty"`
	Detail     string            `json:"detail,omitempty"`
	Attempt    int               `json:"attempt,omitempty"`
}
