// Package ivr implements the digit-collection state machine driven by
// telephony webhooks.
//
// This file provides the scenario registry. A scenario is resolved once per
// call and carried in the call's session; flows never look configuration up
// ad hoc mid-call.
package ivr

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/dialscribe/DialScribe/internal/models"
)

// ScenarioRegistry holds named IVR flow configurations.
type ScenarioRegistry struct {
	mu        sync.RWMutex
	scenarios map[string]*models.Scenario
}

// NewScenarioRegistry creates an empty registry.
func NewScenarioRegistry() *ScenarioRegistry {
	return &ScenarioRegistry{scenarios: make(map[string]*models.Scenario)}
}

// Register validates and stores a scenario definition, replacing any
// previous definition under the same key.
func (r *ScenarioRegistry) Register(sc models.Scenario) error {
	if err := sc.Validate(); err != nil {
		slog.Error("ScenarioRegistry Register validation failed", "key", sc.Key, "error", err)
		return fmt.Errorf("invalid scenario %q: %w", sc.Key, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scenarios[sc.Key] = &sc
	slog.Debug("ScenarioRegistry Register succeeded", "key", sc.Key, "digits", sc.DigitCount, "maxRetries", sc.MaxRetries)
	return nil
}

// Get retrieves a scenario by key.
func (r *ScenarioRegistry) Get(key string) (*models.Scenario, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sc, ok := r.scenarios[key]
	return sc, ok
}

// RegisterDefaults installs the built-in scenarios. Deployments typically
// replace these through the API, but the defaults keep a fresh instance
// usable without configuration.
func (r *ScenarioRegistry) RegisterDefaults() {
	defaults := []models.Scenario{
		{
			Key:           "otp6",
			DigitCount:    6,
			InitialPrompt: "Please enter your six digit verification code, followed by the pound key.",
			RetryPrompt:   "That code was not recognized.",
			SuccessPrompt: "Thank you. Your code has been verified. Goodbye.",
			FailurePrompt: "We were unable to verify your code. Goodbye.",
			MaxRetries:    2,
		},
		{
			Key:           "pin4",
			DigitCount:    4,
			InitialPrompt: "Please enter your four digit PIN, followed by the pound key.",
			RetryPrompt:   "That PIN was not recognized.",
			SuccessPrompt: "Thank you. Goodbye.",
			FailurePrompt: "We were unable to verify your PIN. Goodbye.",
			MaxRetries:    3,
		},
	}
	for _, sc := range defaults {
		if err := r.Register(sc); err != nil {
			slog.Error("ScenarioRegistry RegisterDefaults failed", "key", sc.Key, "error", err)
		}
	}
}
