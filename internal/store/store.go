// Package store provides storage backends for DialScribe.
//
// It persists the call table, the append-only call_states ledger, collected
// inputs, the webhook_notifications outbox, and daily notification metrics.
// Backends: SQLite (default), PostgreSQL, and an in-memory store for tests.
package store

import (
	"strings"
	"time"

	"github.com/dialscribe/DialScribe/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets a file-path DSN for the SQLite backend.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets a postgres:// or key=value DSN for the Postgres backend.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite".
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Store is the persistence contract shared by all backends. It is the durable
// source of truth; in-memory delivery queues are rebuilt from it on restart.
type Store interface {
	// CreateCall inserts a new call row. The call SID must be unique.
	CreateCall(call models.Call) error

	// GetCall fetches a call by provider SID. Returns (nil, nil) when absent.
	GetCall(callSID string) (*models.Call, error)

	// UpdateCallStatus advances a call's lifecycle columns. Once a call is in
	// a terminal status the row is immutable and the update is a no-op.
	UpdateCallStatus(callSID string, status models.CallStatus, subStatus string, answeredBy models.AnsweredBy) error

	// SetCallFinalOutcome records the terminal classification and end time.
	// The outcome is set at most once; later attempts are no-ops.
	SetCallFinalOutcome(callSID string, outcome models.FinalOutcome, endedAt time.Time) error

	// SetCallHeaderMessage records the chat platform message id that anchors
	// the call's notification thread.
	SetCallHeaderMessage(callSID, platformMessageID string) error

	// AppendCallState appends one ledger row for the call and returns the
	// assigned sequence number. The number is computed as max(seq)+1 in a
	// single atomic statement so concurrent webhook deliveries cannot collide.
	AppendCallState(callSID, state, payloadJSON string) (int64, error)

	// ListCallStates returns the full ledger for a call in sequence order.
	ListCallStates(callSID string) ([]models.CallStateEntry, error)

	// CountCallStates counts ledger rows with the given state label. Used to
	// reconstruct the retry budget after a process restart.
	CountCallStates(callSID, state string) (int, error)

	// SaveCollectedInput persists one capture attempt, assigning the next
	// gap-free step index for the call, and returns that step.
	SaveCollectedInput(in models.CollectedInput) (int, error)

	// HasCollectedInput reports whether any input was ever captured for the call.
	HasCollectedInput(callSID string) (bool, error)

	// CreateNotification inserts a pending notification row and returns its id.
	CreateNotification(n models.WebhookNotification) (string, error)

	// SelectPendingNotifications returns up to limit rows with status pending
	// or retrying and retry_count below maxRetries, in the fixed total order:
	// priority rank, type rank (failure types first), created_at, id.
	SelectPendingNotifications(limit, maxRetries int) ([]models.WebhookNotification, error)

	// ListPendingNotificationsForCall returns the call's never-attempted rows
	// in creation order. The delivery queue uses it to pull a call's
	// earlier-created rows ahead when the global selector's batch limit split
	// them across polls.
	ListPendingNotificationsForCall(callSID string) ([]models.WebhookNotification, error)

	// MarkNotificationSent records a successful delivery.
	MarkNotificationSent(id, platformMessageID string, deliveryMs int64) error

	// FailNotification increments retry_count and returns the resulting
	// status: retrying while below maxRetries, failed once the cap is hit.
	FailNotification(id string, maxRetries int) (models.DeliveryStatus, error)

	// DeleteNotificationsBefore removes terminal notification rows created
	// before cutoff (time-based retention) and returns the count removed.
	DeleteNotificationsBefore(cutoff time.Time) (int64, error)

	// RecordNotificationMetric applies one delivery sample to the (date, type)
	// counter row using an atomic read-modify-write. Only successful
	// deliveries contribute a latency sample to the running average.
	RecordNotificationMetric(date string, typ models.NotificationType, success bool, latencyMs int64) error

	// GetNotificationMetric fetches one counter row. Returns (nil, nil) when absent.
	GetNotificationMetric(date string, typ models.NotificationType) (*models.NotificationMetric, error)

	// ListNotificationMetrics returns all counter rows for a date.
	ListNotificationMetrics(date string) ([]models.NotificationMetric, error)

	// Close releases backend resources.
	Close() error
}

// applyIncrementalMean folds one sample into a running mean over n prior samples.
func applyIncrementalMean(oldAvg float64, n int64, sample int64) float64 {
	return (oldAvg*float64(n) + float64(sample)) / float64(n+1)
}
