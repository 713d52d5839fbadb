// Package ivr implements the digit-collection state machine driven by
// telephony webhooks.
//
// States: RINGING → GATHERING → VALIDATING → {COMPLETE | RETRY → GATHERING |
// FAILED}. Every webhook produces exactly one ledger row, and every response
// is valid voice markup. Internal faults surface to the caller as a generic
// spoken error, never as an HTTP error the provider would retry against.
package ivr

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dialscribe/DialScribe/internal/ledger"
	"github.com/dialscribe/DialScribe/internal/models"
	"github.com/dialscribe/DialScribe/internal/store"
)

// DefaultWebhookPath is the gather action URL when none is configured.
const DefaultWebhookPath = "/webhook/voice"

// EventSink receives call progress events worth notifying operators about.
// The notification pipeline implements it; the IVR never blocks on delivery.
type EventSink interface {
	CallEvent(ctx context.Context, call *models.Call, typ models.NotificationType, body string, priority models.NotificationPriority)
}

// WebhookRequest carries the provider webhook fields the state machine consumes.
type WebhookRequest struct {
	CallSID    string
	CallStatus string
	Digits     string
	From       string
	To         string
	AnsweredBy string
}

// Opts holds configuration options for the Responder.
type Opts struct {
	WebhookPath string
}

// Option defines a configuration option for the Responder.
type Option func(*Opts)

// WithWebhookPath overrides the gather action URL.
func WithWebhookPath(path string) Option {
	return func(o *Opts) { o.WebhookPath = path }
}

// Responder is the per-call IVR state machine entry point.
type Responder struct {
	store       store.Store
	ledger      *ledger.Writer
	sessions    *SessionManager
	events      EventSink
	webhookPath string
}

// NewResponder creates a Responder. events may be nil when no notification
// pipeline is attached (tests).
func NewResponder(st store.Store, lw *ledger.Writer, sessions *SessionManager, events EventSink, opts ...Option) *Responder {
	cfg := Opts{WebhookPath: DefaultWebhookPath}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Responder{
		store:       st,
		ledger:      lw,
		sessions:    sessions,
		events:      events,
		webhookPath: cfg.WebhookPath,
	}
}

// HandleWebhook drives the state machine for one inbound provider callback
// and returns the voice markup to answer with. It never returns an error:
// any internal fault maps to the generic safe end-call document.
func (r *Responder) HandleWebhook(ctx context.Context, req WebhookRequest) string {
	slog.Debug("Responder HandleWebhook", "callSID", req.CallSID, "status", req.CallStatus, "digits_present", req.Digits != "")

	call, err := r.store.GetCall(req.CallSID)
	if err != nil {
		slog.Error("Responder call lookup failed", "error", err, "callSID", req.CallSID)
		return errorMarkup()
	}
	if call == nil {
		slog.Warn("Responder webhook for unknown call", "callSID", req.CallSID)
		return errorMarkup()
	}

	sess, err := r.sessions.GetOrCreate(call)
	if err != nil {
		slog.Error("Responder session unavailable", "error", err, "callSID", req.CallSID, "scenario", call.ScenarioKey)
		r.recordSafe(ctx, call, ledger.Transition{State: models.StateFailed, Detail: "scenario unavailable"})
		return errorMarkup()
	}

	status := models.CallStatus(req.CallStatus)
	answeredBy := models.AnsweredBy(req.AnsweredBy)

	switch {
	case status.IsTerminal():
		return r.handleTerminal(ctx, call, sess, status, answeredBy)
	case req.Digits != "":
		return r.handleDigits(ctx, call, sess, status, req.Digits)
	case status == models.CallStatusInitiated || status == models.CallStatusRinging || status == models.CallStatusInProgress:
		return r.handleAwaitingInput(ctx, call, sess, status, answeredBy)
	default:
		// The provider occasionally sends undocumented intermediate
		// statuses; re-emit the current-stage prompt instead of erroring.
		slog.Warn("Responder unrecognized provider status", "callSID", call.CallSID, "status", req.CallStatus)
		r.recordSafe(ctx, call, ledger.Transition{
			State:  models.StateGathering,
			Detail: fmt.Sprintf("unrecognized provider status %q", req.CallStatus),
		})
		return gatherMarkup(sess.Scenario, r.webhookPath, "")
	}
}

// handleAwaitingInput covers ringing/initiated/in-progress callbacks without
// digits: emit (or re-emit) the initial gather prompt.
func (r *Responder) handleAwaitingInput(ctx context.Context, call *models.Call, sess *Session, status models.CallStatus, answeredBy models.AnsweredBy) string {
	state := models.StateGathering
	if status == models.CallStatusRinging {
		state = models.StateRinging
	}
	answered := status == models.CallStatusInProgress && call.Status != models.CallStatusInProgress

	r.recordSafe(ctx, call, ledger.Transition{
		Status:     status,
		AnsweredBy: answeredBy,
		State:      state,
		Attempt:    sess.Attempts,
	})

	if answered {
		r.emit(ctx, call, models.NotificationCallAnswered,
			fmt.Sprintf("Call %s to %s was answered.", call.CallSID, call.PhoneNumber),
			models.PriorityNormal)
	}

	return gatherMarkup(sess.Scenario, r.webhookPath, "")
}

// handleDigits validates a submission against the scenario and advances to
// COMPLETE, RETRY, or FAILED.
func (r *Responder) handleDigits(ctx context.Context, call *models.Call, sess *Session, status models.CallStatus, digits string) string {
	sc := sess.Scenario

	if sc.MatchesInput(digits) {
		if _, err := r.store.SaveCollectedInput(models.CollectedInput{
			CallSID:     call.CallSID,
			InputType:   models.InputTypeDigits,
			MaskedValue: models.MaskDigits(digits),
		}); err != nil {
			slog.Error("Responder input persist failed", "error", err, "callSID", call.CallSID)
			r.recordSafe(ctx, call, ledger.Transition{
				Status:  status,
				State:   models.StateFailed,
				Digits:  digits,
				Detail:  "input persist failed",
				Attempt: sess.Attempts,
			})
			return errorMarkup()
		}
		sess.Succeeded = true
		r.recordSafe(ctx, call, ledger.Transition{
			Status:  status,
			State:   models.StateComplete,
			Digits:  digits,
			Attempt: sess.Attempts,
		})
		r.emit(ctx, call, models.NotificationCallInputSuccess,
			fmt.Sprintf("Call %s: input captured (%s).", call.CallSID, models.MaskDigits(digits)),
			models.PriorityHigh)
		slog.Info("Responder input complete", "callSID", call.CallSID, "attempts", sess.Attempts)
		return endCallMarkup(successMessage(sc))
	}

	sess.Attempts++
	if sess.Attempts <= sc.MaxRetries {
		r.recordSafe(ctx, call, ledger.Transition{
			Status:  status,
			State:   models.StateRetry,
			Digits:  digits,
			Detail:  "validation failed",
			Attempt: sess.Attempts,
		})
		slog.Debug("Responder retrying gather", "callSID", call.CallSID, "attempt", sess.Attempts, "budget", sc.MaxRetries)
		return gatherMarkup(sc, r.webhookPath, retryPreamble(sc))
	}

	// Retry budget exhausted: fatal from the IVR's perspective.
	r.recordSafe(ctx, call, ledger.Transition{
		Status:  status,
		State:   models.StateFailed,
		Digits:  digits,
		Detail:  "retry budget exhausted",
		Attempt: sess.Attempts,
	})
	r.emit(ctx, call, models.NotificationCallInputFailed,
		fmt.Sprintf("Call %s: input collection failed after %d attempts.", call.CallSID, sess.Attempts),
		models.PriorityUrgent)
	r.sessions.End(call.CallSID)
	slog.Info("Responder input failed", "callSID", call.CallSID, "attempts", sess.Attempts)
	return endCallMarkup(failureMessage(sc))
}

// handleTerminal absorbs terminal provider statuses. Redelivered terminal
// webhooks still append a ledger row but regress nothing: the status update
// and final outcome writes are idempotent, and the attempt counter is
// untouched.
func (r *Responder) handleTerminal(ctx context.Context, call *models.Call, sess *Session, status models.CallStatus, answeredBy models.AnsweredBy) string {
	duplicate := call.FinalOutcome != nil

	detail := ""
	if duplicate {
		detail = "duplicate terminal webhook"
	}
	r.recordSafe(ctx, call, ledger.Transition{
		Status:     status,
		AnsweredBy: answeredBy,
		State:      models.StateTerminal,
		Detail:     detail,
		Attempt:    sess.Attempts,
	})

	if !duplicate {
		r.emit(ctx, call, models.NotificationCallEnded,
			fmt.Sprintf("Call %s to %s ended (%s).", call.CallSID, call.PhoneNumber, status),
			models.PriorityNormal)
		if updated, err := r.store.GetCall(call.CallSID); err == nil && updated != nil && updated.FinalOutcome != nil {
			r.emit(ctx, updated, models.NotificationCallFinalOutcome,
				fmt.Sprintf("Call %s final outcome: %s.", call.CallSID, *updated.FinalOutcome),
				outcomePriority(*updated.FinalOutcome))
		}
		r.sessions.End(call.CallSID)
	}

	return emptyMarkup()
}

// recordSafe writes a ledger transition, logging instead of propagating any
// failure: the webhook boundary must still answer with valid markup.
func (r *Responder) recordSafe(ctx context.Context, call *models.Call, tr ledger.Transition) {
	if _, err := r.ledger.RecordTransition(ctx, call.CallSID, tr); err != nil {
		slog.Error("Responder ledger write failed", "error", err, "callSID", call.CallSID, "state", tr.State)
	}
}

func (r *Responder) emit(ctx context.Context, call *models.Call, typ models.NotificationType, body string, priority models.NotificationPriority) {
	if r.events == nil || call.ChatID == "" {
		return
	}
	r.events.CallEvent(ctx, call, typ, body, priority)
}

func retryPreamble(sc *models.Scenario) string {
	if sc.RetryPrompt != "" {
		return sc.RetryPrompt
	}
	return "That input was not recognized. Let's try again."
}

func successMessage(sc *models.Scenario) string {
	if sc.SuccessPrompt != "" {
		return sc.SuccessPrompt
	}
	return "Thank you. Goodbye."
}

func failureMessage(sc *models.Scenario) string {
	if sc.FailurePrompt != "" {
		return sc.FailurePrompt
	}
	return "We were unable to verify your input. Goodbye."
}

// outcomePriority maps failure-shaped outcomes to higher delivery priority.
func outcomePriority(outcome models.FinalOutcome) models.NotificationPriority {
	switch outcome {
	case models.OutcomeFailed, models.OutcomeNoAnswer, models.OutcomeBusy:
		return models.PriorityHigh
	default:
		return models.PriorityNormal
	}
}
