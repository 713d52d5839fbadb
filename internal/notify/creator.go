// Package notify implements the operator notification pipeline: durable
// notification rows, candidate polling, per-call ordered delivery, and
// delivery metrics.
package notify

import (
	"context"
	"log/slog"

	"github.com/dialscribe/DialScribe/internal/models"
	"github.com/dialscribe/DialScribe/internal/store"
)

// Creator turns call progress events into durable notification rows. It
// implements the IVR's EventSink: creating the row is the whole job, and
// delivery happens asynchronously through the dispatcher.
type Creator struct {
	store store.Store
}

// NewCreator creates a notification creator backed by the given store.
func NewCreator(st store.Store) *Creator {
	return &Creator{store: st}
}

// CallEvent persists one notification row for a call progress event.
// Failures are logged, never propagated: notification creation must not
// affect IVR processing.
func (c *Creator) CallEvent(ctx context.Context, call *models.Call, typ models.NotificationType, body string, priority models.NotificationPriority) {
	if call.ChatID == "" {
		return
	}
	id, err := c.store.CreateNotification(models.WebhookNotification{
		CallSID:  call.CallSID,
		Type:     typ,
		ChatID:   call.ChatID,
		Body:     body,
		Priority: priority,
	})
	if err != nil {
		slog.Error("Creator CallEvent failed", "error", err, "callSID", call.CallSID, "type", typ)
		return
	}
	slog.Debug("Creator CallEvent recorded", "id", id, "callSID", call.CallSID, "type", typ, "priority", priority)
}
