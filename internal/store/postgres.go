// Package store provides storage backends for DialScribe.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/dialscribe/DialScribe/internal/models"
	"github.com/dialscribe/DialScribe/internal/util"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists DialScribe state in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

func (s *PostgresStore) CreateCall(call models.Call) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		call.CallSID, call.PhoneNumber, nilIfEmpty(call.ChatID), nilIfEmpty(call.ScenarioKey),
		status, nilIfEmpty(call.SubStatus), answeredBy, call.InputRequired, createdAt,
	)
	if err != nil {
		slog.Error("PostgresStore CreateCall failed", "error", err, "callSID", call.CallSID)
		return fmt.Errorf("failed to insert call %s: %w", call.CallSID, err)
	}
	slog.Debug("PostgresStore CreateCall succeeded", "callSID", call.CallSID, "phone", call.PhoneNumber)
	return nil
}

func (s *PostgresStore) GetCall(callSID string) (*models.Call, error) {
	row := s.db.QueryRow(
		`SELECT call_sid, phone_number, chat_id, scenario_key, status, sub_status, answered_by, final_outcome,
		        input_required, header_message_id, created_at, started_at, ended_at
		 FROM calls WHERE call_sid = $1`, callSID)
	call, err := scanCall(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetCall failed", "error", err, "callSID", callSID)
		return nil, fmt.Errorf("failed to get call %s: %w", callSID, err)
	}
	return call, nil
}

func (s *PostgresStore) UpdateCallStatus(callSID string, status models.CallStatus, subStatus string, answeredBy models.AnsweredBy) error {
	if !models.IsValidCallStatus(status) {
		return models.ErrInvalidCallStatus
	}
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE calls SET status = $1,
		        sub_status = COALESCE($2, sub_status),
		        answered_by = CASE WHEN $3 != '' THEN $3 ELSE answered_by END,
		        started_at = CASE WHEN started_at IS NULL AND $1 = 'in-progress' THEN $4 ELSE started_at END,
		        ended_at = CASE WHEN ended_at IS NULL AND $1 IN ('completed','failed','busy','no-answer') THEN $4 ELSE ended_at END
		 WHERE call_sid = $5 AND status NOT IN ('completed','failed','busy','no-answer')`,
		string(status), nilIfEmpty(subStatus), string(answeredBy), now, callSID,
	)
	if err != nil {
		slog.Error("PostgresStore UpdateCallStatus failed", "error", err, "callSID", callSID, "status", status)
		return fmt.Errorf("failed to update call %s status: %w", callSID, err)
	}
	return nil
}

func (s *PostgresStore) SetCallFinalOutcome(callSID string, outcome models.FinalOutcome, endedAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE calls SET final_outcome = $1, ended_at = COALESCE(ended_at, $2)
		 WHERE call_sid = $3 AND final_outcome IS NULL`,
		string(outcome), endedAt, callSID,
	)
	if err != nil {
		slog.Error("PostgresStore SetCallFinalOutcome failed", "error", err, "callSID", callSID)
		return fmt.Errorf("failed to set final outcome for %s: %w", callSID, err)
	}
	return nil
}

func (s *PostgresStore) SetCallHeaderMessage(callSID, platformMessageID string) error {
	_, err := s.db.Exec(
		`UPDATE calls SET header_message_id = $1 WHERE call_sid = $2`,
		platformMessageID, callSID,
	)
	if err != nil {
		slog.Error("PostgresStore SetCallHeaderMessage failed", "error", err, "callSID", callSID)
		return fmt.Errorf("failed to set header message for %s: %w", callSID, err)
	}
	return nil
}

func (s *PostgresStore) AppendCallState(callSID, state, payloadJSON string) (int64, error) {
	var seq int64
	err := s.db.QueryRow(
		`INSERT INTO call_states (call_sid, state, payload_json, seq, created_at)
		 VALUES ($1, $2, $3, (SELECT COALESCE(MAX(seq), 0) + 1 FROM call_states WHERE call_sid = $1), $4)
		 RETURNING seq`,
		callSID, state, nilIfEmpty(payloadJSON), time.Now(),
	).Scan(&seq)
	if err != nil {
		slog.Error("PostgresStore AppendCallState failed", "error", err, "callSID", callSID, "state", state)
		return 0, fmt.Errorf("failed to append call state for %s: %w", callSID, err)
	}
	slog.Debug("PostgresStore AppendCallState succeeded", "callSID", callSID, "state", state, "seq", seq)
	return seq, nil
}

func (s *PostgresStore) ListCallStates(callSID string) ([]models.CallStateEntry, error) {
	rows, err := s.db.Query(
		`SELECT call_sid, state, payload_json, seq, created_at
		 FROM call_states WHERE call_sid = $1 ORDER BY seq ASC`, callSID)
	if err != nil {
		slog.Error("PostgresStore ListCallStates query failed", "error", err, "callSID", callSID)
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
	return entries, rows.Err()
}

func (s *PostgresStore) CountCallStates(callSID, state string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM call_states WHERE call_sid = $1 AND state = $2`,
		callSID, state,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count call states for %s: %w", callSID, err)
	}
	return n, nil
}

func (s *PostgresStore) SaveCollectedInput(in models.CollectedInput) (int, error) {
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
		 VALUES ($1, (SELECT COALESCE(MAX(step), 0) + 1 FROM call_inputs WHERE call_sid = $1), $2, $3, $4, $5)
		 RETURNING step`,
		in.CallSID, inputType, in.MaskedValue, nullFloat(in.Confidence), capturedAt,
	).Scan(&step)
	if err != nil {
		slog.Error("PostgresStore SaveCollectedInput failed", "error", err, "callSID", in.CallSID)
		return 0, fmt.Errorf("failed to save collected input for %s: %w", in.CallSID, err)
	}
	return step, nil
}

func (s *PostgresStore) HasCollectedInput(callSID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM call_inputs WHERE call_sid = $1`, callSID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check collected input for %s: %w", callSID, err)
	}
	return n > 0, nil
}

func (s *PostgresStore) CreateNotification(n models.WebhookNotification) (string, error) {
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
		 VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $7)`,
		id, n.CallSID, string(n.Type), n.ChatID, n.Body, string(priority), createdAt,
	)
	if err != nil {
		slog.Error("PostgresStore CreateNotification failed", "error", err, "callSID", n.CallSID, "type", n.Type)
		return "", fmt.Errorf("failed to insert notification for %s: %w", n.CallSID, err)
	}
	return id, nil
}

func (s *PostgresStore) SelectPendingNotifications(limit, maxRetries int) ([]models.WebhookNotification, error) {
	rows, err := s.db.Query(
		`SELECT id, call_sid, type, chat_id, body, status, retry_count, priority, platform_message_id, delivery_ms, created_at, sent_at
		 FROM webhook_notifications
		 WHERE status IN ('pending', 'retrying') AND retry_count < $1
		 ORDER BY `+notificationOrderSQL+` LIMIT $2`,
		maxRetries, limit,
	)
	if err != nil {
		slog.Error("PostgresStore SelectPendingNotifications query failed", "error", err)
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
	return notifications, rows.Err()
}

func (s *PostgresStore) ListPendingNotificationsForCall(callSID string) ([]models.WebhookNotification, error) {
	rows, err := s.db.Query(
		`SELECT id, call_sid, type, chat_id, body, status, retry_count, priority, platform_message_id, delivery_ms, created_at, sent_at
		 FROM webhook_notifications
		 WHERE call_sid = $1 AND status = 'pending'
		 ORDER BY created_at ASC, id ASC`,
		callSID,
	)
	if err != nil {
		slog.Error("PostgresStore ListPendingNotificationsForCall query failed", "error", err, "callSID", callSID)
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
	return notifications, rows.Err()
}

func (s *PostgresStore) MarkNotificationSent(id, platformMessageID string, deliveryMs int64) error {
	_, err := s.db.Exec(
		`UPDATE webhook_notifications SET status = 'sent', platform_message_id = $1, delivery_ms = $2, sent_at = $3 WHERE id = $4`,
		nilIfEmpty(platformMessageID), deliveryMs, time.Now(), id,
	)
	if err != nil {
		slog.Error("PostgresStore MarkNotificationSent failed", "error", err, "id", id)
		return fmt.Errorf("failed to mark notification %s sent: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) FailNotification(id string, maxRetries int) (models.DeliveryStatus, error) {
	var status string
	err := s.db.QueryRow(
		`UPDATE webhook_notifications
		 SET retry_count = retry_count + 1,
		     status = CASE WHEN retry_count + 1 >= $1 THEN 'failed' ELSE 'retrying' END
		 WHERE id = $2
		 RETURNING status`,
		maxRetries, id,
	).Scan(&status)
	if err != nil {
		slog.Error("PostgresStore FailNotification failed", "error", err, "id", id)
		return "", fmt.Errorf("failed to record notification failure for %s: %w", id, err)
	}
	return models.DeliveryStatus(status), nil
}

func (s *PostgresStore) DeleteNotificationsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM webhook_notifications WHERE status IN ('sent', 'failed') AND created_at < $1`,
		cutoff,
	)
	if err != nil {
		slog.Error("PostgresStore DeleteNotificationsBefore failed", "error", err)
		return 0, fmt.Errorf("failed to delete old notifications: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *PostgresStore) RecordNotificationMetric(date string, typ models.NotificationType, success bool, latencyMs int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin metric transaction: %w", err)
	}
	defer tx.Rollback()

	var m models.NotificationMetric
	err = tx.QueryRow(
		`SELECT total, success, failure, avg_delivery_ms FROM notification_metrics WHERE date = $1 AND type = $2 FOR UPDATE`,
		date, string(typ),
	).Scan(&m.Total, &m.Success, &m.Failure, &m.AvgDeliveryMs)
	switch {
	case err == sql.ErrNoRows:
		successCount, failureCount, avg := seedMetric(success, latencyMs)
		_, err = tx.Exec(
			`INSERT INTO notification_metrics (date, type, total, success, failure, avg_delivery_ms) VALUES ($1, $2, 1, $3, $4, $5)
			 ON CONFLICT (date, type) DO UPDATE SET
			     total = notification_metrics.total + 1,
			     success = notification_metrics.success + EXCLUDED.success,
			     failure = notification_metrics.failure + EXCLUDED.failure`,
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
			`UPDATE notification_metrics SET total = $1, success = $2, failure = $3, avg_delivery_ms = $4 WHERE date = $5 AND type = $6`,
			m.Total, m.Success, m.Failure, m.AvgDeliveryMs, date, string(typ),
		)
		if err != nil {
			return fmt.Errorf("failed to update metric row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit metric transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNotificationMetric(date string, typ models.NotificationType) (*models.NotificationMetric, error) {
	m := models.NotificationMetric{Date: date, Type: typ}
	err := s.db.QueryRow(
		`SELECT total, success, failure, avg_delivery_ms FROM notification_metrics WHERE date = $1 AND type = $2`,
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

func (s *PostgresStore) ListNotificationMetrics(date string) ([]models.NotificationMetric, error) {
	rows, err := s.db.Query(
		`SELECT date, type, total, success, failure, avg_delivery_ms FROM notification_metrics WHERE date = $1 ORDER BY type`,
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
