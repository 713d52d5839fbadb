// Package notify implements the operator notification pipeline.
//
// This file records daily rolling delivery metrics.
package notify

import (
	"log/slog"
	"time"

	"github.com/dialscribe/DialScribe/internal/models"
	"github.com/dialscribe/DialScribe/internal/store"
)

// MetricsRecorder updates the per-(date, type) counter rows. Each update is
// one atomic read-modify-write in the store, so concurrent completions of
// the same type cannot lose counts.
type MetricsRecorder struct {
	store store.Store
}

// NewMetricsRecorder creates a metrics recorder backed by the given store.
func NewMetricsRecorder(st store.Store) *MetricsRecorder {
	return &MetricsRecorder{store: st}
}

// RecordDelivery folds one delivery attempt outcome into today's counters.
// Only successful deliveries carry a latency sample; failures count toward
// totals without touching the running average.
func (m *MetricsRecorder) RecordDelivery(typ models.NotificationType, success bool, latencyMs int64) {
	date := models.MetricDate(time.Now())
	if err := m.store.RecordNotificationMetric(date, typ, success, latencyMs); err != nil {
		slog.Error("MetricsRecorder RecordDelivery failed", "error", err, "date", date, "type", typ)
		return
	}
	slog.Debug("MetricsRecorder RecordDelivery succeeded", "date", date, "type", typ, "success", success, "latencyMs", latencyMs)
}
