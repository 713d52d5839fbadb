// Package ivr implements the digit-collection state machine.
//
// This file renders the voice-response markup returned to the provider.
// Three shapes exist: initial-gather, retry-gather (spoken failure preamble
// before re-gathering), and end-call (spoken message plus hangup).
package ivr

import (
	"log/slog"
	"strconv"

	"github.com/twilio/twilio-go/twiml"

	"github.com/dialscribe/DialScribe/internal/models"
)

// fallbackMarkup is returned when markup generation itself fails. The
// provider must always receive a valid document, so this constant is the
// last line of the never-error-past-the-boundary policy.
const fallbackMarkup = `<?xml version="1.0" encoding="UTF-8"?><Response><Say>We encountered an error. The call will end.</Say><Hangup/></Response>`

// GenericErrorMessage is spoken on any internal fault before hanging up.
const GenericErrorMessage = "We encountered an error. The call will end."

// gatherMarkup builds the gather document for a scenario. A non-empty
// preamble is spoken before the gather (the retry shape); without one this
// is the initial shape.
func gatherMarkup(sc *models.Scenario, actionURL, preamble string) string {
	var verbs []twiml.Element
	if preamble != "" {
		verbs = append(verbs, &twiml.VoiceSay{Message: preamble})
	}
	verbs = append(verbs, &twiml.VoiceGather{
		Input:       "dtmf",
		Action:      actionURL,
		Method:      "POST",
		NumDigits:   strconv.Itoa(sc.DigitCount),
		Timeout:     strconv.Itoa(sc.Timeout()),
		FinishOnKey: sc.Finish(),
		InnerElements: []twiml.Element{
			&twiml.VoiceSay{Message: sc.InitialPrompt},
		},
	})
	return renderVoice(verbs)
}

// endCallMarkup builds the end-call document: spoken message then hangup.
func endCallMarkup(message string) string {
	verbs := []twiml.Element{
		&twiml.VoiceSay{Message: message},
		&twiml.VoiceHangup{},
	}
	return renderVoice(verbs)
}

// emptyMarkup is the no-op response for redelivered terminal webhooks.
func emptyMarkup() string {
	return renderVoice(nil)
}

// errorMarkup is the generic safe response for unknown calls, missing
// scenarios, and any other internal fault.
func errorMarkup() string {
	return endCallMarkup(GenericErrorMessage)
}

func renderVoice(verbs []twiml.Element) string {
	doc, err := twiml.Voice(verbs)
	if err != nil {
		slog.Error("TwiML rendering failed", "error", err)
		return fallbackMarkup
	}
	return doc
}
