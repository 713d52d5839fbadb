// Package store provides storage backends for DialScribe.
//
// This file implements an in-memory store used by tests and as the fallback
// when no database DSN is configured.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dialscribe/DialScribe/internal/models"
	"github.com/dialscribe/DialScribe/internal/util"
)

// InMemoryStore keeps all state in process memory behind one mutex. The same
// transactional guarantees the SQL backends get from the database (atomic
// seq assignment, metric read-modify-write) fall out of the lock.
type InMemoryStore struct {
	mu            sync.Mutex
	calls         map[string]*models.Call
	states        map[string][]models.CallStateEntry
	inputs        map[string][]models.CollectedInput
	notifications map[string]*models.WebhookNotification
	metrics       map[string]*models.NotificationMetric // key: date|type
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		calls:         make(map[string]*models.Call),
		states:        make(map[string][]models.CallStateEntry),
		inputs:        make(map[string][]models.CollectedInput),
		notifications: make(map[string]*models.WebhookNotification),
		metrics:       make(map[string]*models.NotificationMetric),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateCall(call models.Call) error {
	if err := call.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.calls[call.CallSID]; exists {
		return fmt.Errorf("call %s already exists", call.CallSID)
	}
	if call.Status == "" {
		call.Status = models.CallStatusInitiated
	}
	if call.AnsweredBy == "" {
		call.AnsweredBy = models.AnsweredByUnknown
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now()
	}
	c := call
	s.calls[call.CallSID] = &c
	return nil
}

func (s *InMemoryStore) GetCall(callSID string) (*models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callSID]
	if !ok {
		return nil, nil
	}
	copied := *c
	return &copied, nil
}

func (s *InMemoryStore) UpdateCallStatus(callSID string, status models.CallStatus, subStatus string, answeredBy models.AnsweredBy) error {
	if !models.IsValidCallStatus(status) {
		return models.ErrInvalidCallStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callSID]
	if !ok {
		return models.ErrUnknownCall
	}
	if c.Status.IsTerminal() {
		return nil
	}
	now := time.Now()
	c.Status = status
	if subStatus != "" {
		c.SubStatus = subStatus
	}
	if answeredBy != "" {
		c.AnsweredBy = answeredBy
	}
	if status == models.CallStatusInProgress && c.StartedAt == nil {
		c.StartedAt = &now
	}
	if status.IsTerminal() && c.EndedAt == nil {
		c.EndedAt = &now
	}
	return nil
}

func (s *InMemoryStore) SetCallFinalOutcome(callSID string, outcome models.FinalOutcome, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callSID]
	if !ok {
		return models.ErrUnknownCall
	}
	if c.FinalOutcome != nil {
		return nil
	}
	c.FinalOutcome = &outcome
	if c.EndedAt == nil {
		c.EndedAt = &endedAt
	}
	return nil
}

func (s *InMemoryStore) SetCallHeaderMessage(callSID, platformMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callSID]
	if !ok {
		return models.ErrUnknownCall
	}
	c.HeaderMessageID = platformMessageID
	return nil
}

func (s *InMemoryStore) AppendCallState(callSID, state, payloadJSON string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := int64(len(s.states[callSID])) + 1
	s.states[callSID] = append(s.states[callSID], models.CallStateEntry{
		CallSID:     callSID,
		State:       state,
		PayloadJSON: payloadJSON,
		Seq:         seq,
		CreatedAt:   time.Now(),
	})
	return seq, nil
}

func (s *InMemoryStore) ListCallStates(callSID string) ([]models.CallStateEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]models.CallStateEntry, len(s.states[callSID]))
	copy(entries, s.states[callSID])
	return entries, nil
}

func (s *InMemoryStore) CountCallStates(callSID, state string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.states[callSID] {
		if e.State == state {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) SaveCollectedInput(in models.CollectedInput) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.InputType == "" {
		in.InputType = models.InputTypeDigits
	}
	if in.CapturedAt.IsZero() {
		in.CapturedAt = time.Now()
	}
	in.Step = len(s.inputs[in.CallSID]) + 1
	s.inputs[in.CallSID] = append(s.inputs[in.CallSID], in)
	return in.Step, nil
}

func (s *InMemoryStore) HasCollectedInput(callSID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inputs[callSID]) > 0, nil
}

func (s *InMemoryStore) CreateNotification(n models.WebhookNotification) (string, error) {
	if err := n.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == "" {
		n.ID = util.GenerateNotificationID()
	}
	if n.Priority == "" {
		n.Priority = models.PriorityNormal
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	n.Status = models.DeliveryStatusPending
	n.RetryCount = 0
	stored := n
	s.notifications[n.ID] = &stored
	return n.ID, nil
}

func (s *InMemoryStore) SelectPendingNotifications(limit, maxRetries int) ([]models.WebhookNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.WebhookNotification
	for _, n := range s.notifications {
		if (n.Status == models.DeliveryStatusPending || n.Status == models.DeliveryStatusRetrying) && n.RetryCount < maxRetries {
			due = append(due, *n)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if a.Type.TypeRank() != b.Type.TypeRank() {
			return a.Type.TypeRank() < b.Type.TypeRank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *InMemoryStore) ListPendingNotificationsForCall(callSID string) ([]models.WebhookNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []models.WebhookNotification
	for _, n := range s.notifications {
		if n.CallSID == callSID && n.Status == models.DeliveryStatusPending {
			pending = append(pending, *n)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return pending, nil
}

func (s *InMemoryStore) MarkNotificationSent(id, platformMessageID string, deliveryMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return fmt.Errorf("notification %s not found", id)
	}
	now := time.Now()
	n.Status = models.DeliveryStatusSent
	n.PlatformMessageID = platformMessageID
	n.DeliveryMs = deliveryMs
	n.SentAt = &now
	return nil
}

func (s *InMemoryStore) FailNotification(id string, maxRetries int) (models.DeliveryStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return "", fmt.Errorf("notification %s not found", id)
	}
	n.RetryCount++
	if n.RetryCount >= maxRetries {
		n.Status = models.DeliveryStatusFailed
	} else {
		n.Status = models.DeliveryStatusRetrying
	}
	return n.Status, nil
}

func (s *InMemoryStore) DeleteNotificationsBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, n := range s.notifications {
		if (n.Status == models.DeliveryStatusSent || n.Status == models.DeliveryStatusFailed) && n.CreatedAt.Before(cutoff) {
			delete(s.notifications, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *InMemoryStore) RecordNotificationMetric(date string, typ models.NotificationType, success bool, latencyMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := date + "|" + string(typ)
	m, ok := s.metrics[key]
	if !ok {
		successCount, failureCount, avg := seedMetric(success, latencyMs)
		s.metrics[key] = &models.NotificationMetric{
			Date:          date,
			Type:          typ,
			Total:         1,
			Success:       successCount,
			Failure:       failureCount,
			AvgDeliveryMs: avg,
		}
		return nil
	}
	applyMetricSample(m, success, latencyMs)
	return nil
}

func (s *InMemoryStore) GetNotificationMetric(date string, typ models.NotificationType) (*models.NotificationMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[date+"|"+string(typ)]
	if !ok {
		return nil, nil
	}
	copied := *m
	return &copied, nil
}

func (s *InMemoryStore) ListNotificationMetrics(date string) ([]models.NotificationMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var metrics []models.NotificationMetric
	for _, m := range s.metrics {
		if m.Date == date {
			metrics = append(metrics, *m)
		}
	}
	sort.Slice(metrics, func(i, j int) bool { return metrics[i].Type < metrics[j].Type })
	return metrics, nil
}
