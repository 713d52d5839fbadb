// Package store provides storage backends for DialScribe.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/dialscribe/DialScribe/internal/models"
	"github.com/dialscribe/DialScribe/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists DialScribe state in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

func (s *SQLiteStore) CreateCall(call models.Call) error {
	if err := call.Validate(); err != nil {
		return err
	}
	status := call.Status
	if status == "" {
		status = models.CallStatusInitiated
	}
	answeredBy := call.AnsweredBy
	if answeredBy == "" {
		answeredBy = models.AnsweredByUnknown
	}
	createdAt := call.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO calls (call_sid, phone_number, chat_id, scenario_key, status, sub_status, answered_by, input_required, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.CallSID, call.PhoneNumber, nilIfEmpty(call.ChatID), nilIfEmpty(call.ScenarioKey),
		status, nilIfEmpty(call.SubStatus), answeredBy, call.InputRequired, createdAt,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateCall failed", "error", err, "callSID", call.CallSID)
		return fmt.Errorf("failed to insert call %s: %w", call.CallSID, err)
	}
	slog.Debug("SQLiteStore CreateCall succeeded", "callSID", call.CallSID, "phone", call.PhoneNumber)
	return nil
}

func (s *SQLiteStore) GetCall(callSID string) (*models.Call, error) {
	row := s.db.QueryRow(
		`SELECT call_sid, phone_number, chat_id, scenario_key, status, sub_status, answered_by, final_outcome,
		        input_required, header_message_id, created_at, started_at, ended_at
		 FROM calls WHERE call_sid = ?`, callSID)
	call, err := scanCall(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetCall not found", "callSID", callSID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetCall failed", "error", err, "callSID", callSID)
		return nil, fmt.Errorf("failed to get call %s: %w", callSID, err)
	}
	return call, nil
}

func (s *SQLiteStore) UpdateCallStatus(callSID string, status models.CallStatus, subStatus string, answeredBy models.AnsweredBy) error {
	if !models.IsValidCallStatus(status) {
		return models.ErrInvalidCallStatus
	}
	now := time.Now()
	// Terminal rows are immutable; started_at is stamped on the first
	// in-progress observation and never overwritten.
	res, err := s.db.Exec(
		`UPDATE calls SET status = ?,
		        sub_status = COALESCE(?, sub_status),
		        answered_by = CASE WHEN ? != '' THEN ? ELSE answered_by END,
		        started_at = CASE WHEN started_at IS NULL AND ? = 'in-progress' THEN ? ELSE started_at END,
		        ended_at = CASE WHEN ended_at IS NULL AND ? IN ('completed','failed','busy','no-answer') THEN ? ELSE ended_at END
		 WHERE call_sid = ? AND status NOT IN ('completed','failed','busy','no-answer')`,
		status, nilIfEmpty(subStatus), string(answeredBy), string(answeredBy),
		string(status), now, string(status), now, callSID,
	)
	if err != nil {
		slog.Error("SQLiteStore UpdateCallStatus failed", "error", err, "callSID", callSID, "status", status)
		return fmt.Errorf("failed to update call %s status: %w", callSID, err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("SQLiteStore UpdateCallStatus", "callSID", callSID, "status", status, "updated", n > 0)
	return nil
}

func (s *SQLiteStore) SetCallFinalOutcome(callSID string, outcome models.FinalOutcome, endedAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE calls SET final_outcome = ?, ended_at = COALESCE(ended_at, ?)
		 WHERE call_sid = ? AND final_outcome IS NULL`,
		string(outcome), endedAt, callSID,
	)
	if err != nil {
		slog.Error("SQLiteStore SetCallFinalOutcome failed", "error", err, "callSID", callSID)
		return fmt.Errorf("failed to set final outcome for %s: %w", callSID, err)
	}
	slog.Debug("SQLiteStore SetCallFinalOutcome", "callSID", callSID, "outcome", outcome)
	return nil
}

func (s *SQLiteStore) SetCallHeaderMessage(callSID, platformMessageID string) error {
	_, err := s.db.Exec(
		`UPDATE calls SET header_message_id = ? WHERE call_sid = ?`,
		platformMessageID, callSID,
	)
	if err != nil {
		slog.Error("SQLiteStore SetCallHeaderMessage failed", "error", err, "callSID", callSID)
		return fmt.Errorf("failed to set header message for %s: %w", callSID, err)
	}
	return nil
}

func (s *SQLiteStore) AppendCallState(callSID, state, payloadJSON string) (int64, error) {
	// Single atomic statement: the read-max-then-increment and the insert
	// happen together, and UNIQUE(call_sid, seq) rejects any collision
	// instead of allowing reordering.
	var seq int64
	err := s.db.QueryRow(
		`INSERT INTO call_states (call_sid, state, payload_json, seq, created_at)
		 VALUES (?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM call_states WHERE call_sid = ?), ?)
		 RETURNING seq`,
		callSID, state, nilIfEmpty(payloadJSON), callSID, time.Now(),
	).Scan(&seq)
	if err != nil {
		slog.Error("SQLiteStore AppendCallState failed", "error", err, "callSID", callSID, "state", state)
		return 0, fmt.Errorf("failed to append call state for %s: %w", callSID, err)
	}
	slog.Debug("SQLiteStore AppendCallState succeeded", "callSID", callSID, "state", state, "seq", seq)
	return seq, nil
}

func (s *SQLiteStore) ListCallStates(callSID string) ([]models.CallStateEntry, error) {
	rows, err := s.db.Query(
		`SELECT call_sid, state, payload_json, seq, created_at
		 FROM call_states WHERE call_sid = ? ORDER BY seq ASC`, callSID)
	if err != nil {
		slog.Error("SQLiteStore ListCallStates query failed", "error", err, "callSID", callSID)
		return nil, fmt.Errorf("failed to query call states for %s: %w", callSID, err)
	}
	defer rows.Close()

	var entries []models.CallStateEntry
	for rows.Next() {
		var e models.CallStateEntry
		var payload sql.NullString
		if err := rows.Scan(&e.CallSID, &e.State, &payload, &e.Seq, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan call state row: %w", err)
		}
		e.PayloadJSON = payload.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate call state rows: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStore) CountCallStates(callSID, state string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM call_states WHERE call_sid = ? AND state = ?`,
		callSID, state,
	).Scan(&n)
	if err != nil {
		slog.Error("SQLiteStore CountCallStates failed", "error", err, "callSID", callSID, "state", state)
		return 0, fmt.Errorf("failed to count call states for %s: %w", callSID, err)
	}
	return n, nil
}

func (s *SQLiteStore) SaveCollectedInput(in models.CollectedInput) (int, error) {
	inputType := in.InputType
	if inputType == "" {
		inputType = models.InputTypeDigits
	}
	capturedAt := in.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}
	var step int
	err := s.db.QueryRow(
		`INSERT INTO call_inputs (call_sid, step, input_type, masked_value, confidence, captured_at)
		 VALUES (?, (SELECT COALESCE(MAX(step), 0) + 1 FROM call_inputs WHERE call_sid = ?), ?, ?, ?, ?)
		 RETURNING step`,
		in.CallSID, in.CallSID, inputType, in.MaskedValue, nullFloat(in.Confidence), capturedAt,
	).Scan(&step)
	if err != nil {
		slog.Error("SQLiteStore SaveCollectedInput failed", "error", err, "callSID", in.CallSID)
		return 0, fmt.Errorf("failed to save collected input for %s: %w", in.CallSID, err)
	}
	slog.Debug("SQLiteStore SaveCollectedInput succeeded", "callSID", in.CallSID, "step", step)
	return step, nil
}

func (s *SQLiteStore) HasCollectedInput(callSID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM call_inputs WHERE call_sid = ?`, callSID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check collected input for %s: %w", callSID, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) CreateNotification(n models.WebhookNotification) (string, error) {
	if err := n.Validate(); err != nil {
		return "", err
	}
	id := n.ID
	if id == "" {
		id = util.GenerateNotificationID()
	}
	priority := n.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO webhook_notifications (id, call_sid, type, chat_id, body, status, retry_count, priority, created_at)
		 VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?)`,
		id, n.CallSID, string(n.Type), n.ChatID, n.Body, string(priority), createdAt,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateNotification failed", "error", err, "callSID", n.CallSID, "type", n.Type)
		return "", fmt.Errorf("failed to insert notification for %s: %w", n.CallSID, err)
	}
	slog.Debug("SQLiteStore CreateNotification succeeded", "id", id, "callSID", n.CallSID, "type", n.Type)
	return id, nil
}

// notificationOrderSQL fixes the candidate total order: priority, then type
// (failure-type notifications first), then age, with id as the final tiebreak.
const notificationOrderSQL = `
	CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 WHEN 'low' THEN 3 ELSE 4 END,
	CASE type WHEN 'call_input_failed' THEN 0 WHEN 'call_final_outcome' THEN 1 WHEN 'call_input_success' THEN 2
	          WHEN 'call_ended' THEN 3 WHEN 'call_answered' THEN 4 WHEN 'call_initiated' THEN 5 ELSE 6 END,
	created_at ASC, id ASC`

func (s *SQLiteStore) SelectPendingNotifications(limit, maxRetries int) ([]models.WebhookNotification, error) {
	rows, err := s.db.Query(
		`SELECT id, call_sid, type, chat_id, body, status, retry_count, priority, platform_message_id, delivery_ms, created_at, sent_at
		 FROM webhook_notifications
		 WHERE status IN ('pending', 'retrying') AND retry_count < ?
		 ORDER BY `+notificationOrderSQL+` LIMIT ?`,
		maxRetries, limit,
	)
	if err != nil {
		slog.Error("SQLiteStore SelectPendingNotifications query failed", "error", err)
		return nil, fmt.Errorf("failed to query pending notifications: %w", err)
	}
	defer rows.Close()

	var notifications []models.WebhookNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notification rows: %w", err)
	}
	slog.Debug("SQLiteStore SelectPendingNotifications succeeded", "count", len(notifications))
	return notifications, nil
}

func (s *SQLiteStore) ListPendingNotificationsForCall(callSID string) ([]models.WebhookNotification, error) {
	rows, err := s.db.Query(
		`SELECT id, call_sid, type, chat_id, body, status, retry_count, priority, platform_message_id, delivery_ms, created_at, sent_at
		 FROM webhook_notifications
		 WHERE call_sid = ? AND status = 'pending'
		 ORDER BY created_at ASC, id ASC`,
		callSID,
	)
	if err != nil {
		slog.Error("SQLiteStore ListPendingNotificationsForCall query failed", "error", err, "callSID", callSID)
		return nil, fmt.Errorf("failed to query pending notifications for %s: %w", callSID, err)
	}
	defer rows.Close()

	var notifications []models.WebhookNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notification rows: %w", err)
	}
	return notifications, nil
}

func (s *SQLiteStore) MarkNotificationSent(id, platformMessageID string, deliveryMs int64) error {
	_, err := s.db.Exec(
		`UPDATE webhook_notifications SET status = 'sent', platform_message_id = ?, delivery_ms = ?, sent_at = ? WHERE id = ?`,
		nilIfEmpty(platformMessageID), deliveryMs, time.Now(), id,
	)
	if err != nil {
		slog.Error("SQLiteStore MarkNotificationSent failed", "error", err, "id", id)
		return fmt.Errorf("failed to mark notification %s sent: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) FailNotification(id string, maxRetries int) (models.DeliveryStatus, error) {
	var status string
	err := s.db.QueryRow(
		`UPDATE webhook_notifications
		 SET retry_count = retry_count + 1,
		     status = CASE WHEN retry_count + 1 >= ? THEN 'failed' ELSE 'retrying' END
		 WHERE id = ?
		 RETURNING status`,
		maxRetries, id,
	).Scan(&status)
	if err != nil {
		slog.Error("SQLiteStore FailNotification failed", "error", err, "id", id)
		return "", fmt.Errorf("failed to record notification failure for %s: %w", id, err)
	}
	slog.Debug("SQLiteStore FailNotification", "id", id, "status", status)
	return models.DeliveryStatus(status), nil
}

func (s *SQLiteStore) DeleteNotificationsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM webhook_notifications WHERE status IN ('sent', 'failed') AND created_at < ?`,
		cutoff,
	)
	if err != nil {
		slog.Error("SQLiteStore DeleteNotificationsBefore failed", "error", err)
		return 0, fmt.Errorf("failed to delete old notifications: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore DeleteNotificationsBefore", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}

func (s *SQLiteStore) RecordNotificationMetric(date string, typ models.NotificationType, success bool, latencyMs int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin metric transaction: %w", err)
	}
	defer tx.Rollback()

	var m models.NotificationMetric
	err = tx.QueryRow(
		`SELECT total, success, failure, avg_delivery_ms FROM notification_metrics WHERE date = ? AND type = ?`,
		date, string(typ),
	).Scan(&m.Total, &m.Success, &m.Failure, &m.AvgDeliveryMs)
	switch {
	case err == sql.ErrNoRows:
		successCount, failureCount, avg := seedMetric(success, latencyMs)
		_, err = tx.Exec(
			`INSERT INTO notification_metrics (date, type, total, success, failure, avg_delivery_ms) VALUES (?, ?, 1, ?, ?, ?)`,
			date, string(typ), successCount, failureCount, avg,
		)
		if err != nil {
			return fmt.Errorf("failed to insert metric row: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read metric row: %w", err)
	default:
		applyMetricSample(&m, success, latencyMs)
		_, err = tx.Exec(
			`UPDATE notification_metrics SET total = ?, success = ?, failure = ?, avg_delivery_ms = ? WHERE date = ? AND type = ?`,
			m.Total, m.Success, m.Failure, m.AvgDeliveryMs, date, string(typ),
		)
		if err != nil {
			return fmt.Errorf("failed to update metric row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit metric transaction: %w", err)
	}
	slog.Debug("SQLiteStore RecordNotificationMetric succeeded", "date", date, "type", typ, "success", success)
	return nil
}

func (s *SQLiteStore) GetNotificationMetric(date string, typ models.NotificationType) (*models.NotificationMetric, error) {
	m := models.NotificationMetric{Date: date, Type: typ}
	err := s.db.QueryRow(
		`SELECT total, success, failure, avg_delivery_ms FROM notification_metrics WHERE date = ? AND type = ?`,
		date, string(typ),
	).Scan(&m.Total, &m.Success, &m.Failure, &m.AvgDeliveryMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metric row: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) ListNotificationMetrics(date string) ([]models.NotificationMetric, error) {
	rows, err := s.db.Query(
		`SELECT date, type, total, success, failure, avg_delivery_ms FROM notification_metrics WHERE date = ? ORDER BY type`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query metric rows: %w", err)
	}
	defer rows.Close()

	var metrics []models.NotificationMetric
	for rows.Next() {
		var m models.NotificationMetric
		var typ string
		if err := rows.Scan(&m.Date, &typ, &m.Total, &m.Success, &m.Failure, &m.AvgDeliveryMs); err != nil {
			return nil, fmt.Errorf("failed to scan metric row: %w", err)
		}
		m.Type = models.NotificationType(typ)
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}
