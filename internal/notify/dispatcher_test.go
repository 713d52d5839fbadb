package notify

import (
	"context"
	"testing"
	"time"

	"github.com/dialscribe/DialScribe/internal/kvcache"
	"github.com/dialscribe/DialScribe/internal/models"
	"github.com/dialscribe/DialScribe/internal/store"
	"github.com/dialscribe/DialScribe/internal/testutil"
)

// The first poll happens immediately, so rows created before startup are
// delivered without waiting for the ticker. This is the restart rehydration
// path: the queues rebuild from the durable rows.
func TestDispatcherRehydratesOnStartup(t *testing.T) {
	st := store.NewInMemoryStore()
	if err := st.CreateCall(models.Call{CallSID: "CA1", PhoneNumber: "+15550001111", ChatID: "chat-1"}); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if _, err := st.CreateNotification(models.WebhookNotification{
		CallSID: "CA1", ChatID: "chat-1", Type: models.NotificationCallEnded, Body: "ended",
	}); err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}

	chat := testutil.NewMockChatService()
	cache := kvcache.NewMemoryStore()
	qm := NewQueueManager(st, chat, cache, cache, NewMetricsRecorder(st), WithPacing(time.Millisecond))
	d := NewDispatcher(st, qm, WithPollInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		rows, err := st.SelectPendingNotifications(10, models.DefaultMaxDeliveryRetries)
		if err != nil {
			t.Fatalf("SelectPendingNotifications: %v", err)
		}
		if len(rows) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("notification never delivered by startup poll")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
	qm.Wait()

	texts := chat.Texts()
	if len(texts) != 2 || texts[1] != "ended" {
		t.Errorf("sent = %v, want header plus body", texts)
	}
}

// A batch limit that splits one call's rows across polls must not reorder
// them: the selector hands over the urgent later-created row first, and the
// queue still delivers the earlier-created normal row ahead of it.
func TestDispatcherBatchLimitPreservesCreationOrder(t *testing.T) {
	st := store.NewInMemoryStore()
	if err := st.CreateCall(models.Call{CallSID: "CA1", PhoneNumber: "+15550001111", ChatID: "chat-1"}); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	base := time.Now().Add(-time.Minute)
	if _, err := st.CreateNotification(models.WebhookNotification{
		CallSID: "CA1", ChatID: "chat-1", Type: models.NotificationCallAnswered,
		Body: "answered", Priority: models.PriorityNormal, CreatedAt: base,
	}); err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}
	if _, err := st.CreateNotification(models.WebhookNotification{
		CallSID: "CA1", ChatID: "chat-1", Type: models.NotificationCallInputFailed,
		Body: "failed", Priority: models.PriorityUrgent, CreatedAt: base.Add(time.Second),
	}); err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}

	chat := testutil.NewMockChatService()
	cache := kvcache.NewMemoryStore()
	qm := NewQueueManager(st, chat, cache, cache, NewMetricsRecorder(st), WithPacing(time.Millisecond))
	d := NewDispatcher(st, qm, WithPollInterval(20*time.Millisecond), WithBatchLimit(1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		rows, err := st.SelectPendingNotifications(10, models.DefaultMaxDeliveryRetries)
		if err != nil {
			t.Fatalf("SelectPendingNotifications: %v", err)
		}
		if len(rows) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("notifications never drained")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
	qm.Wait()

	texts := chat.Texts()
	if len(texts) != 3 {
		t.Fatalf("sent %d messages, want header plus 2: %v", len(texts), texts)
	}
	if texts[1] != "answered" || texts[2] != "failed" {
		t.Errorf("delivery order = %v, want creation order", texts[1:])
	}
}
