// Package models defines notification pipeline structures for DialScribe.
package models

import "time"

// NotificationType identifies what call event a notification reports.
type NotificationType string

const (
	// NotificationCallInitiated reports that a call was placed.
	NotificationCallInitiated NotificationType = "call_initiated"
	// NotificationCallAnswered reports that the call was picked up.
	NotificationCallAnswered NotificationType = "call_answered"
	// NotificationCallInputSuccess reports digits captured and validated.
	NotificationCallInputSuccess NotificationType = "call_input_success"
	// NotificationCallInputFailed reports the retry budget was exhausted.
	NotificationCallInputFailed NotificationType = "call_input_failed"
	// NotificationCallEnded reports the call reached a terminal status.
	NotificationCallEnded NotificationType = "call_ended"
	// NotificationCallFinalOutcome reports the derived final outcome.
	NotificationCallFinalOutcome NotificationType = "call_final_outcome"
)

// IsValidNotificationType checks if the given type is supported.
func IsValidNotificationType(t NotificationType) bool {
	switch t {
	case NotificationCallInitiated, NotificationCallAnswered,
		NotificationCallInputSuccess, NotificationCallInputFailed,
		NotificationCallEnded, NotificationCallFinalOutcome:
		return true
	default:
		return false
	}
}

// TypeRank orders notification types within a priority tier. Failure-type
// notifications sort before success-type ones so actionable alerts surface
// first under backlog.
func (t NotificationType) TypeRank() int {
	switch t {
	case NotificationCallInputFailed:
		return 0
	case NotificationCallFinalOutcome:
		return 1
	case NotificationCallInputSuccess:
		return 2
	case NotificationCallEnded:
		return 3
	case NotificationCallAnswered:
		return 4
	case NotificationCallInitiated:
		return 5
	default:
		return 6
	}
}

// NotificationPriority orders candidate selection across calls.
type NotificationPriority string

const (
	PriorityUrgent NotificationPriority = "urgent"
	PriorityHigh   NotificationPriority = "high"
	PriorityNormal NotificationPriority = "normal"
	PriorityLow    NotificationPriority = "low"
)

// Rank maps a priority to its sort position (urgent first).
func (p NotificationPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// IsValidPriority checks if the given priority is supported.
func IsValidPriority(p NotificationPriority) bool {
	return p.Rank() < 4
}

// DeliveryStatus represents the lifecycle state of a notification row.
type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "pending"
	DeliveryStatusSent     DeliveryStatus = "sent"
	DeliveryStatusFailed   DeliveryStatus = "failed"
	DeliveryStatusRetrying DeliveryStatus = "retrying"
)

// DefaultMaxDeliveryRetries caps send attempts per notification. A row that
// reaches the cap is permanently excluded from candidate selection.
const DefaultMaxDeliveryRetries = 3

// WebhookNotification is one durable row intended for a chat recipient.
type WebhookNotification struct {
	ID                string               `json:"id"`
	CallSID           string               `json:"call_sid"`
	Type              NotificationType     `json:"type"`
	ChatID            string               `json:"chat_id"`
	Body              string               `json:"body"`
	Status            DeliveryStatus       `json:"status"`
	RetryCount        int                  `json:"retry_count"`
	Priority          NotificationPriority `json:"priority"`
	PlatformMessageID string               `json:"platform_message_id,omitempty"`
	DeliveryMs        int64                `json:"delivery_ms,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	SentAt            *time.Time           `json:"sent_at,omitempty"`
}

// Validate checks the minimum fields required to enqueue a notification.
func (n *WebhookNotification) Validate() error {
	if n.CallSID == "" {
		return ErrEmptyCallSID
	}
	if n.ChatID == "" {
		return ErrEmptyChatID
	}
	if !IsValidNotificationType(n.Type) {
		return ErrInvalidNotifyType
	}
	if n.Priority != "" && !IsValidPriority(n.Priority) {
		return ErrInvalidPriority
	}
	return nil
}

// NotificationMetric is the rolling daily counter row, unique per (date, type).
// AvgDeliveryMs is maintained with the incremental mean formula
// (old_avg*old_total + sample) / (old_total + 1), counting only successful
// deliveries in the average.
type NotificationMetric struct {
	Date          string           `json:"date"` // YYYY-MM-DD
	Type          NotificationType `json:"type"`
	Total         int64            `json:"total"`
	Success       int64            `json:"success"`
	Failure       int64            `json:"failure"`
	AvgDeliveryMs float64          `json:"avg_delivery_ms"`
}

// MetricDate formats t in the canonical metric bucket form.
func MetricDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
