package store

import (
	"database/sql"
	"fmt"

	"github.com/dialscribe/DialScribe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullFloat returns nil for a zero float so the column stays NULL for
// digit input rows, which carry no confidence score.
func nullFloat(f float64) interface{} {
	if f == 0 {
		return nil
	}
	return f
}

// scanCall scans a Call from a single sql.Row.
func scanCall(row *sql.Row) (*models.Call, error) {
	var c models.Call
	var chatID, scenarioKey, subStatus, finalOutcome, headerMessageID sql.NullString
	var startedAt, endedAt sql.NullTime
	err := row.Scan(
		&c.CallSID, &c.PhoneNumber, &chatID, &scenarioKey, &c.Status, &subStatus,
		&c.AnsweredBy, &finalOutcome, &c.InputRequired, &headerMessageID,
		&c.CreatedAt, &startedAt, &endedAt,
	)
	if err != nil {
		return nil, err
	}
	c.ChatID = chatID.String
	c.ScenarioKey = scenarioKey.String
	c.SubStatus = subStatus.String
	c.HeaderMessageID = headerMessageID.String
	if finalOutcome.Valid {
		outcome := models.FinalOutcome(finalOutcome.String)
		c.FinalOutcome = &outcome
	}
	if startedAt.Valid {
		c.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		c.EndedAt = &endedAt.Time
	}
	return &c, nil
}

// scanNotification scans a WebhookNotification from sql.Rows.
func scanNotification(rows *sql.Rows) (models.WebhookNotification, error) {
	var n models.WebhookNotification
	var typ, status, priority string
	var platformMessageID sql.NullString
	var deliveryMs sql.NullInt64
	var sentAt sql.NullTime
	err := rows.Scan(
		&n.ID, &n.CallSID, &typ, &n.ChatID, &n.Body, &status, &n.RetryCount,
		&priority, &platformMessageID, &deliveryMs, &n.CreatedAt, &sentAt,
	)
	if err != nil {
		return n, fmt.Errorf("scan notification failed: %w", err)
	}
	n.Type = models.NotificationType(typ)
	n.Status = models.DeliveryStatus(status)
	n.Priority = models.NotificationPriority(priority)
	n.PlatformMessageID = platformMessageID.String
	n.DeliveryMs = deliveryMs.Int64
	if sentAt.Valid {
		n.SentAt = &sentAt.Time
	}
	return n, nil
}

// seedMetric computes the column values for a brand-new (date, type) row from
// its first sample.
func seedMetric(success bool, latencyMs int64) (successCount, failureCount int64, avg float64) {
	if success {
		return 1, 0, float64(latencyMs)
	}
	return 0, 1, 0
}

// applyMetricSample folds one sample into an existing metric row. Only
// successful deliveries contribute to the running average; failures count
// toward totals only.
func applyMetricSample(m *models.NotificationMetric, success bool, latencyMs int64) {
	if success {
		m.AvgDeliveryMs = applyIncrementalMean(m.AvgDeliveryMs, m.Success, latencyMs)
		m.Success++
	} else {
		m.Failure++
	}
	m.Total++
}
