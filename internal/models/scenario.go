// Package models defines scenario configuration for DialScribe IVR flows.
package models

import (
	"errors"
	"fmt"
	"regexp"
)

// Validation constants for scenario configuration
const (
	// MinScenarioDigits is the smallest digit count a scenario may gather.
	MinScenarioDigits = 1
	// MaxScenarioDigits is the largest digit count a scenario may gather.
	MaxScenarioDigits = 32
	// DefaultGatherTimeoutSeconds is how long the provider waits for input.
	DefaultGatherTimeoutSeconds = 10
	// DefaultFinishKey is the sentinel key that terminates digit entry.
	DefaultFinishKey = "#"
)

var (
	ErrEmptyScenarioKey    = errors.New("scenario key cannot be empty")
	ErrInvalidDigitCount   = errors.New("scenario digit count out of range")
	ErrEmptyInitialPrompt  = errors.New("scenario initial prompt cannot be empty")
	ErrInvalidDigitPattern = errors.New("scenario digit pattern is not a valid regexp")
)

// Scenario is the tagged configuration record for one IVR flow: expected
// digit count, validation pattern, prompts, and retry budget. It is resolved
// once per call and passed through, never looked up ad hoc mid-flow.
type Scenario struct {
	Key            string `json:"key"`
	DigitCount     int    `json:"digit_count"`
	Pattern        string `json:"pattern,omitempty"` // overrides the default exact-length numeric match
	InitialPrompt  string `json:"initial_prompt"`
	RetryPrompt    string `json:"retry_prompt,omitempty"`   // spoken preamble before re-gathering
	SuccessPrompt  string `json:"success_prompt,omitempty"` // spoken before hangup on COMPLETE
	FailurePrompt  string `json:"failure_prompt,omitempty"` // spoken before hangup on FAILED
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	MaxRetries     int    `json:"max_retries"`
	FinishKey      string `json:"finish_key,omitempty"`

	compiled *regexp.Regexp
}

// Validate checks the scenario definition and compiles its pattern.
func (s *Scenario) Validate() error {
	if s.Key == "" {
		return ErrEmptyScenarioKey
	}
	if s.DigitCount < MinScenarioDigits || s.DigitCount > MaxScenarioDigits {
		return ErrInvalidDigitCount
	}
	if s.InitialPrompt == "" {
		return ErrEmptyInitialPrompt
	}
	if s.MaxRetries < 0 {
		return ErrRetryBudgetInvalid
	}
	if s.Pattern != "" {
		re, err := regexp.Compile(anchor(s.Pattern))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDigitPattern, err)
		}
		s.compiled = re
	}
	return nil
}

// Timeout returns the gather timeout, falling back to the default.
func (s *Scenario) Timeout() int {
	if s.TimeoutSeconds > 0 {
		return s.TimeoutSeconds
	}
	return DefaultGatherTimeoutSeconds
}

// Finish returns the digit-entry sentinel key, falling back to the default.
func (s *Scenario) Finish() string {
	if s.FinishKey != "" {
		return s.FinishKey
	}
	return DefaultFinishKey
}

// MatchesInput reports whether raw digits satisfy the scenario. The match is
// exact: loose or trailing matches are rejected. Without an override pattern
// the rule is numeric-only at exactly DigitCount digits.
func (s *Scenario) MatchesInput(digits string) bool {
	if digits == "" {
		return false
	}
	if s.compiled != nil {
		return s.compiled.MatchString(digits)
	}
	if len(digits) != s.DigitCount {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// anchor wraps a pattern so it must match the whole input.
func anchor(pattern string) string {
	return "^(?:" + pattern + ")$"
}
