// Package ivr implements the digit-collection state machine.
//
// This file manages per-call sessions. Sessions are process-local and
// transient: the call_states ledger is the durable source of truth, and a
// session lost to a restart is reconstructed from it so retry budgets are
// never double-charged.
package ivr

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/dialscribe/DialScribe/internal/models"
	"github.com/dialscribe/DialScribe/internal/store"
)

// Session is the transient per-call IVR state.
type Session struct {
	CallSID   string
	Scenario  *models.Scenario
	Attempts  int
	Succeeded bool
}

// SessionManager tracks active sessions keyed by call SID.
type SessionManager struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	store     store.Store
	scenarios *ScenarioRegistry
}

// NewSessionManager creates a session manager backed by the given store and
// scenario registry.
func NewSessionManager(st store.Store, scenarios *ScenarioRegistry) *SessionManager {
	return &SessionManager{
		sessions:  make(map[string]*Session),
		store:     st,
		scenarios: scenarios,
	}
}

// GetOrCreate returns the session for a call, creating it on the first
// webhook. On creation the attempt counter is rebuilt from the ledger's
// retry entries, which makes the budget restart-safe.
func (m *SessionManager) GetOrCreate(call *models.Call) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[call.CallSID]; ok {
		return sess, nil
	}

	sc, ok := m.scenarios.Get(call.ScenarioKey)
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownScenario, call.ScenarioKey)
	}

	attempts, err := m.store.CountCallStates(call.CallSID, models.StateRetry)
	if err != nil {
		return nil, fmt.Errorf("session attempt reconstruction failed: %w", err)
	}

	sess := &Session{CallSID: call.CallSID, Scenario: sc, Attempts: attempts}
	m.sessions[call.CallSID] = sess
	slog.Debug("SessionManager created session", "callSID", call.CallSID, "scenario", sc.Key, "rebuiltAttempts", attempts)
	return sess, nil
}

// End removes a call's session after a terminal outcome.
func (m *SessionManager) End(callSID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, callSID)
}

// Active returns the number of live sessions. Used by introspection endpoints.
func (m *SessionManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
