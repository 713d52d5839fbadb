package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dialscribe/DialScribe/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "dialscribe_test.db")
	st, err := NewSQLiteStore(WithSQLiteDSN(dsn))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLiteStoreRequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(); err == nil {
		t.Error("expected error without DSN")
	}
}

func TestSQLiteStoreCallRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)

	call := models.Call{
		CallSID:       "CA1",
		PhoneNumber:   "+15550001111",
		ChatID:        "chat-1",
		ScenarioKey:   "otp6",
		InputRequired: true,
	}
	if err := st.CreateCall(call); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if err := st.CreateCall(call); err == nil {
		t.Error("expected duplicate CreateCall to fail")
	}

	got, err := st.GetCall("CA1")
	if err != nil || got == nil {
		t.Fatalf("GetCall: %v, %v", got, err)
	}
	if got.Status != models.CallStatusInitiated || got.ChatID != "chat-1" || !got.InputRequired {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if err := st.UpdateCallStatus("CA1", models.CallStatusInProgress, "bridged", models.AnsweredByHuman); err != nil {
		t.Fatalf("UpdateCallStatus: %v", err)
	}
	got, _ = st.GetCall("CA1")
	if got.Status != models.CallStatusInProgress || got.SubStatus != "bridged" || got.AnsweredBy != models.AnsweredByHuman {
		t.Errorf("update mismatch: %+v", got)
	}
	if got.StartedAt == nil {
		t.Error("expected StartedAt set on in-progress")
	}

	if err := st.UpdateCallStatus("CA1", models.CallStatusCompleted, "", ""); err != nil {
		t.Fatalf("UpdateCallStatus terminal: %v", err)
	}
	// Terminal rows are immutable.
	if err := st.UpdateCallStatus("CA1", models.CallStatusRinging, "", ""); err != nil {
		t.Fatalf("UpdateCallStatus after terminal: %v", err)
	}
	got, _ = st.GetCall("CA1")
	if got.Status != models.CallStatusCompleted || got.EndedAt == nil {
		t.Errorf("terminal state regressed: %+v", got)
	}

	missing, err := st.GetCall("CA-missing")
	if err != nil || missing != nil {
		t.Errorf("GetCall absent = %v, %v, want nil, nil", missing, err)
	}
}

func TestSQLiteStoreFinalOutcomeSetOnce(t *testing.T) {
	st := newTestSQLiteStore(t)
	if err := st.CreateCall(models.Call{CallSID: "CA1", PhoneNumber: "+1555"}); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if err := st.SetCallFinalOutcome("CA1", models.OutcomeNoAnswer, time.Now()); err != nil {
		t.Fatalf("SetCallFinalOutcome: %v", err)
	}
	if err := st.SetCallFinalOutcome("CA1", models.OutcomeFailed, time.Now()); err != nil {
		t.Fatalf("SetCallFinalOutcome repeat: %v", err)
	}
	got, _ := st.GetCall("CA1")
	if got.FinalOutcome == nil || *got.FinalOutcome != models.OutcomeNoAnswer {
		t.Errorf("final outcome overwritten: %v", got.FinalOutcome)
	}
}

func TestSQLiteStoreHeaderMessage(t *testing.T) {
	st := newTestSQLiteStore(t)
	if err := st.CreateCall(models.Call{CallSID: "CA1", PhoneNumber: "+1555"}); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if err := st.SetCallHeaderMessage("CA1", "msg-7"); err != nil {
		t.Fatalf("SetCallHeaderMessage: %v", err)
	}
	got, _ := st.GetCall("CA1")
	if got.HeaderMessageID != "msg-7" {
		t.Errorf("HeaderMessageID = %q, want msg-7", got.HeaderMessageID)
	}
}

func TestSQLiteStoreAppendCallStateSequence(t *testing.T) {
	st := newTestSQLiteStore(t)

	for i := 1; i <= 4; i++ {
		seq, err := st.AppendCallState("CA1", models.StateGathering, `{"attempt":1}`)
		if err != nil {
			t.Fatalf("AppendCallState: %v", err)
		}
		if seq != int64(i) {
			t.Errorf("seq = %d, want %d", seq, i)
		}
	}
	// A second call gets its own sequence space.
	seq, err := st.AppendCallState("CA2", models.StateRinging, "")
	if err != nil || seq != 1 {
		t.Errorf("CA2 seq = %d, %v, want 1", seq, err)
	}

	entries, err := st.ListCallStates("CA1")
	if err != nil {
		t.Fatalf("ListCallStates: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(entries))
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Errorf("entry %d seq = %d, want gap-free ascending", i, e.Seq)
		}
	}

	n, err := st.CountCallStates("CA1", models.StateGathering)
	if err != nil || n != 4 {
		t.Errorf("CountCallStates = %d, %v, want 4", n, err)
	}
}

func TestSQLiteStoreCollectedInput(t *testing.T) {
	st := newTestSQLiteStore(t)

	has, err := st.HasCollectedInput("CA1")
	if err != nil || has {
		t.Errorf("HasCollectedInput empty = %v, %v", has, err)
	}
	step, err := st.SaveCollectedInput(models.CollectedInput{CallSID: "CA1", MaskedValue: "****21"})
	if err != nil || step != 1 {
		t.Fatalf("SaveCollectedInput = %d, %v", step, err)
	}
	step, err = st.SaveCollectedInput(models.CollectedInput{CallSID: "CA1", MaskedValue: "****34"})
	if err != nil || step != 2 {
		t.Errorf("second step = %d, %v, want 2", step, err)
	}
	has, _ = st.HasCollectedInput("CA1")
	if !has {
		t.Error("expected HasCollectedInput true after save")
	}
}

func TestSQLiteStoreNotificationSelectionOrder(t *testing.T) {
	st := newTestSQLiteStore(t)
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	mk := func(id string, typ models.NotificationType, prio models.NotificationPriority, offset time.Duration) {
		_, err := st.CreateNotification(models.WebhookNotification{
			ID:        id,
			CallSID:   "CA1",
			ChatID:    "chat-1",
			Type:      typ,
			Priority:  prio,
			CreatedAt: base.Add(offset),
		})
		if err != nil {
			t.Fatalf("CreateNotification %s: %v", id, err)
		}
	}

	mk("n-old-normal", models.NotificationCallInitiated, models.PriorityNormal, 0)
	mk("n-new-normal", models.NotificationCallEnded, models.PriorityNormal, time.Minute)
	mk("n-urgent", models.NotificationCallInputFailed, models.PriorityUrgent, 2*time.Minute)
	mk("n-high-outcome", models.NotificationCallFinalOutcome, models.PriorityHigh, 3*time.Minute)

	rows, err := st.SelectPendingNotifications(10, models.DefaultMaxDeliveryRetries)
	if err != nil {
		t.Fatalf("SelectPendingNotifications: %v", err)
	}
	want := []string{"n-urgent", "n-high-outcome", "n-new-normal", "n-old-normal"}
	if len(rows) != len(want) {
		t.Fatalf("got %d rows, want %d", len(rows), len(want))
	}
	for i, id := range want {
		if rows[i].ID != id {
			t.Errorf("position %d = %s, want %s", i, rows[i].ID, id)
		}
	}

	// The limit truncates from the tail of the order.
	rows, err = st.SelectPendingNotifications(2, models.DefaultMaxDeliveryRetries)
	if err != nil || len(rows) != 2 {
		t.Fatalf("limited select = %d rows, %v", len(rows), err)
	}
	if rows[0].ID != "n-urgent" || rows[1].ID != "n-high-outcome" {
		t.Errorf("limited order wrong: %s, %s", rows[0].ID, rows[1].ID)
	}
}

func TestSQLiteStorePendingForCall(t *testing.T) {
	st := newTestSQLiteStore(t)
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	mk := func(id, callSID string, offset time.Duration) {
		_, err := st.CreateNotification(models.WebhookNotification{
			ID:        id,
			CallSID:   callSID,
			ChatID:    "chat-1",
			Type:      models.NotificationCallEnded,
			CreatedAt: base.Add(offset),
		})
		if err != nil {
			t.Fatalf("CreateNotification %s: %v", id, err)
		}
	}
	mk("n-late", "CA1", time.Minute)
	mk("n-early", "CA1", 0)
	mk("n-other", "CA2", 0)
	mk("n-tried", "CA1", 2*time.Minute)
	if _, err := st.FailNotification("n-tried", 3); err != nil {
		t.Fatalf("FailNotification: %v", err)
	}

	rows, err := st.ListPendingNotificationsForCall("CA1")
	if err != nil {
		t.Fatalf("ListPendingNotificationsForCall: %v", err)
	}
	// Creation order, this call only, retrying rows excluded.
	if len(rows) != 2 || rows[0].ID != "n-early" || rows[1].ID != "n-late" {
		t.Errorf("pending rows = %+v, want n-early then n-late", rows)
	}
}

func TestSQLiteStoreFailNotificationCap(t *testing.T) {
	st := newTestSQLiteStore(t)
	id, err := st.CreateNotification(models.WebhookNotification{
		CallSID: "CA1", ChatID: "chat-1", Type: models.NotificationCallEnded,
	})
	if err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}

	for i := 1; i <= 2; i++ {
		status, err := st.FailNotification(id, 3)
		if err != nil || status != models.DeliveryStatusRetrying {
			t.Errorf("failure %d = %s, %v, want retrying", i, status, err)
		}
	}
	status, err := st.FailNotification(id, 3)
	if err != nil || status != models.DeliveryStatusFailed {
		t.Errorf("third failure = %s, %v, want failed", status, err)
	}

	rows, err := st.SelectPendingNotifications(10, 3)
	if err != nil {
		t.Fatalf("SelectPendingNotifications: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no candidates after cap, got %d", len(rows))
	}
}

func TestSQLiteStoreMarkNotificationSent(t *testing.T) {
	st := newTestSQLiteStore(t)
	id, err := st.CreateNotification(models.WebhookNotification{
		CallSID: "CA1", ChatID: "chat-1", Type: models.NotificationCallAnswered,
	})
	if err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}
	if err := st.MarkNotificationSent(id, "msg-1", 420); err != nil {
		t.Fatalf("MarkNotificationSent: %v", err)
	}
	rows, err := st.SelectPendingNotifications(10, 3)
	if err != nil || len(rows) != 0 {
		t.Errorf("sent row still selectable: %d rows, %v", len(rows), err)
	}
}

func TestSQLiteStoreRetention(t *testing.T) {
	st := newTestSQLiteStore(t)

	oldID, _ := st.CreateNotification(models.WebhookNotification{
		CallSID: "CA1", ChatID: "c", Type: models.NotificationCallEnded,
		CreatedAt: time.Now().Add(-48 * time.Hour),
	})
	if err := st.MarkNotificationSent(oldID, "m1", 10); err != nil {
		t.Fatalf("MarkNotificationSent: %v", err)
	}
	// A pending row past the cutoff must survive.
	if _, err := st.CreateNotification(models.WebhookNotification{
		CallSID: "CA1", ChatID: "c", Type: models.NotificationCallAnswered,
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}); err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}

	deleted, err := st.DeleteNotificationsBefore(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("DeleteNotificationsBefore: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	rows, _ := st.SelectPendingNotifications(10, 3)
	if len(rows) != 1 {
		t.Errorf("pending row lost by retention: %d rows", len(rows))
	}
}

func TestSQLiteStoreMetricsMath(t *testing.T) {
	st := newTestSQLiteStore(t)
	date := "2026-02-01"
	typ := models.NotificationCallInputSuccess

	for _, latency := range []int64{100, 200, 300} {
		if err := st.RecordNotificationMetric(date, typ, true, latency); err != nil {
			t.Fatalf("RecordNotificationMetric: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := st.RecordNotificationMetric(date, typ, false, 0); err != nil {
			t.Fatalf("RecordNotificationMetric failure: %v", err)
		}
	}

	m, err := st.GetNotificationMetric(date, typ)
	if err != nil || m == nil {
		t.Fatalf("GetNotificationMetric: %v, %v", m, err)
	}
	if m.Total != 5 || m.Success != 3 || m.Failure != 2 {
		t.Errorf("counters = %d/%d/%d, want 5/3/2", m.Total, m.Success, m.Failure)
	}
	if m.AvgDeliveryMs != 200 {
		t.Errorf("AvgDeliveryMs = %f, want 200", m.AvgDeliveryMs)
	}

	list, err := st.ListNotificationMetrics(date)
	if err != nil || len(list) != 1 {
		t.Errorf("ListNotificationMetrics = %v, %v", list, err)
	}
}
