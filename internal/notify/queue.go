// Package notify implements the operator notification pipeline.
//
// This file is the per-call delivery queue. It guarantees at most one
// in-flight send per call and strict creation-order delivery within a call,
// while unrelated calls drain concurrently. Dedup, header threading, and
// inter-message pacing live here.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dialscribe/DialScribe/internal/kvcache"
	"github.com/dialscribe/DialScribe/internal/messaging"
	"github.com/dialscribe/DialScribe/internal/models"
	"github.com/dialscribe/DialScribe/internal/store"
)

// Queue configuration defaults
const (
	// DefaultPacing is the fixed delay between sends for the same call.
	DefaultPacing = 1 * time.Second
)

// Cache key prefixes for the keyed stores.
const (
	lastTextKeyPrefix = "lasttext:"
	lastSendKeyPrefix = "lastsend:"
)

// QueueOpts holds configuration options for the QueueManager.
type QueueOpts struct {
	Pacing     time.Duration
	MaxRetries int
}

// QueueOption defines a configuration option for the QueueManager.
type QueueOption func(*QueueOpts)

// WithPacing overrides the inter-message delay per call.
func WithPacing(d time.Duration) QueueOption {
	return func(o *QueueOpts) { o.Pacing = d }
}

// WithMaxRetries overrides the delivery retry cap.
func WithMaxRetries(n int) QueueOption {
	return func(o *QueueOpts) { o.MaxRetries = n }
}

// QueueManager owns one FIFO per call SID. The queues are a cache over the
// webhook_notifications table, not a source of truth: after a restart the
// dispatcher rebuilds them by re-running candidate selection.
type QueueManager struct {
	store    store.Store
	chat     messaging.ChatService
	lastText kvcache.KeyedStore // last delivered text per call, for dedup
	lastSend kvcache.KeyedStore // last send time per call, for pacing
	metrics  *MetricsRecorder

	pacing     time.Duration
	maxRetries int

	mu      sync.Mutex
	queues  map[string]*callQueue
	queued  map[string]bool // notification ids queued or in flight
	wg      sync.WaitGroup
}

// callQueue is the per-call FIFO. A queue is either draining (one goroutine
// owns it) or idle.
type callQueue struct {
	items    []models.WebhookNotification
	draining bool
}

// NewQueueManager creates a delivery queue manager.
func NewQueueManager(st store.Store, chat messaging.ChatService, lastText, lastSend kvcache.KeyedStore, metrics *MetricsRecorder, opts ...QueueOption) *QueueManager {
	cfg := QueueOpts{Pacing: DefaultPacing, MaxRetries: models.DefaultMaxDeliveryRetries}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &QueueManager{
		store:      st,
		chat:       chat,
		lastText:   lastText,
		lastSend:   lastSend,
		metrics:    metrics,
		pacing:     cfg.Pacing,
		maxRetries: cfg.MaxRetries,
		queues:     make(map[string]*callQueue),
		queued:     make(map[string]bool),
	}
}

// Enqueue adds a single notification to its call's FIFO.
func (m *QueueManager) Enqueue(ctx context.Context, n models.WebhookNotification) {
	m.EnqueueBatch(ctx, []models.WebhookNotification{n})
}

// EnqueueBatch adds a selector batch to the per-call FIFOs and starts a drain
// for each queue that was idle. All rows land in their queues before any
// drain starts, so a later-created urgent row cannot be delivered ahead of an
// earlier-created row of the same call that arrived in the same batch. Rows
// the selector's batch limit left behind are covered by the drain itself,
// which backfills a call's earlier-created pending rows from the store.
// Re-enqueueing a notification that is already queued or in flight is a
// no-op, so the poller can safely reselect rows that have not finished yet.
func (m *QueueManager) EnqueueBatch(ctx context.Context, batch []models.WebhookNotification) {
	m.mu.Lock()
	touched := make(map[string]bool)
	for _, n := range batch {
		if m.queued[n.ID] {
			continue
		}
		m.queued[n.ID] = true

		q, ok := m.queues[n.CallSID]
		if !ok {
			q = &callQueue{}
			m.queues[n.CallSID] = q
		}
		q.items = append(q.items, n)
		touched[n.CallSID] = true
	}

	var starts []string
	for callSID := range touched {
		q := m.queues[callSID]
		// Creation order within the call, regardless of selector order.
		sortByCreation(q.items)
		if !q.draining {
			q.draining = true
			m.wg.Add(1)
			starts = append(starts, callSID)
		}
	}
	m.mu.Unlock()

	for _, callSID := range starts {
		go m.drain(ctx, callSID)
	}
}

// Wait blocks until all draining goroutines finish. Used by shutdown and tests.
func (m *QueueManager) Wait() {
	m.wg.Wait()
}

// drain delivers a call's queued notifications one at a time until the FIFO
// is empty, then marks the queue idle. Before each send it backfills any
// earlier-created pending rows of the call that the selector has not handed
// over yet, so creation order holds across selector batches, not just within
// one.
func (m *QueueManager) drain(ctx context.Context, callSID string) {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		q := m.queues[callSID]
		if len(q.items) == 0 {
			q.draining = false
			m.mu.Unlock()
			return
		}
		head := q.items[0]
		m.mu.Unlock()

		m.backfillEarlier(callSID, head)

		m.mu.Lock()
		n := q.items[0]
		q.items = q.items[1:]
		m.mu.Unlock()

		m.deliver(ctx, n)

		m.mu.Lock()
		delete(m.queued, n.ID)
		m.mu.Unlock()

		// Fixed inter-message delay keeps within platform rate limits and
		// keeps ordering readable for a human operator.
		select {
		case <-ctx.Done():
			m.abandonQueue(callSID)
			return
		case <-time.After(m.pacing):
		}
	}
}

// backfillEarlier pulls the call's pending rows created before the queue head
// directly from the store and inserts them ahead of it. The selector's batch
// limit can surface a later-created row without its earlier siblings; within
// a call delivery follows creation order, so the siblings go first. Rows in
// retrying status are not pulled: they already had their in-order first
// attempt, and a failed send never blocks the queue.
func (m *QueueManager) backfillEarlier(callSID string, head models.WebhookNotification) {
	rows, err := m.store.ListPendingNotificationsForCall(callSID)
	if err != nil {
		slog.Error("QueueManager backfill lookup failed", "error", err, "callSID", callSID)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[callSID]
	added := false
	for _, r := range rows {
		if m.queued[r.ID] || !createdBefore(r, head) {
			continue
		}
		m.queued[r.ID] = true
		q.items = append(q.items, r)
		added = true
	}
	if added {
		sortByCreation(q.items)
	}
}

func createdBefore(a, b models.WebhookNotification) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func sortByCreation(items []models.WebhookNotification) {
	sort.SliceStable(items, func(i, j int) bool { return createdBefore(items[i], items[j]) })
}

// abandonQueue marks a queue idle without delivering the remainder. The rows
// are still pending in the store, so the next poll after restart picks them up.
func (m *QueueManager) abandonQueue(callSID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[callSID]
	for _, n := range q.items {
		delete(m.queued, n.ID)
	}
	q.items = nil
	q.draining = false
}

// deliver performs one send attempt: header threading, dedup, the network
// call, and success/failure accounting. A failed send never blocks the
// queue; draining continues with the next item.
func (m *QueueManager) deliver(ctx context.Context, n models.WebhookNotification) {
	headerID, err := m.ensureHeader(ctx, n)
	if err != nil {
		slog.Error("QueueManager header send failed", "error", err, "callSID", n.CallSID, "id", n.ID)
		m.recordFailure(n)
		return
	}

	// Dedup: byte-identical to the previous delivered text for this call
	// means a webhook storm reproduced the same status; mark delivered
	// without a network call.
	last, err := m.lastText.Get(ctx, lastTextKeyPrefix+n.CallSID)
	if err != nil {
		slog.Error("QueueManager dedup cache read failed", "error", err, "callSID", n.CallSID)
	}
	if last != "" && last == n.Body {
		latency := time.Since(n.CreatedAt).Milliseconds()
		if err := m.store.MarkNotificationSent(n.ID, "", latency); err != nil {
			slog.Error("QueueManager dedup mark sent failed", "error", err, "id", n.ID)
			return
		}
		m.metrics.RecordDelivery(n.Type, true, latency)
		slog.Debug("QueueManager dedup skip", "callSID", n.CallSID, "id", n.ID)
		return
	}

	m.paceSend(ctx, n.CallSID)

	messageID, err := m.chat.Send(ctx, n.ChatID, n.Body, messaging.SendOptions{ThreadID: headerID})
	now := time.Now()
	if setErr := m.lastSend.Set(ctx, lastSendKeyPrefix+n.CallSID, now.Format(time.RFC3339Nano), 0); setErr != nil {
		slog.Error("QueueManager pacing cache write failed", "error", setErr, "callSID", n.CallSID)
	}
	if err != nil {
		slog.Error("QueueManager send failed", "error", err, "callSID", n.CallSID, "id", n.ID, "rejected", messaging.IsRejected(err))
		m.recordFailure(n)
		return
	}

	latency := now.Sub(n.CreatedAt).Milliseconds()
	if err := m.store.MarkNotificationSent(n.ID, messageID, latency); err != nil {
		slog.Error("QueueManager mark sent failed", "error", err, "id", n.ID)
		return
	}
	if err := m.lastText.Set(ctx, lastTextKeyPrefix+n.CallSID, n.Body, 0); err != nil {
		slog.Error("QueueManager dedup cache write failed", "error", err, "callSID", n.CallSID)
	}
	m.metrics.RecordDelivery(n.Type, true, latency)
	slog.Debug("QueueManager delivered", "callSID", n.CallSID, "id", n.ID, "latencyMs", latency)
}

// ensureHeader returns the call's thread anchor message id, creating the
// header message on the first delivery for the call.
func (m *QueueManager) ensureHeader(ctx context.Context, n models.WebhookNotification) (string, error) {
	call, err := m.store.GetCall(n.CallSID)
	if err != nil {
		return "", fmt.Errorf("header call lookup failed: %w", err)
	}
	if call == nil {
		return "", fmt.Errorf("header lookup: %w", models.ErrUnknownCall)
	}
	if call.HeaderMessageID != "" {
		return call.HeaderMessageID, nil
	}

	header := fmt.Sprintf("Call %s to %s", call.CallSID, call.PhoneNumber)
	messageID, err := m.chat.Send(ctx, n.ChatID, header, messaging.SendOptions{})
	if err != nil {
		return "", fmt.Errorf("header send failed: %w", err)
	}
	if err := m.store.SetCallHeaderMessage(call.CallSID, messageID); err != nil {
		return "", fmt.Errorf("header persist failed: %w", err)
	}
	slog.Debug("QueueManager header created", "callSID", call.CallSID, "messageID", messageID)
	return messageID, nil
}

// paceSend waits out the remainder of the pacing window since the call's
// last send, if any.
func (m *QueueManager) paceSend(ctx context.Context, callSID string) {
	raw, err := m.lastSend.Get(ctx, lastSendKeyPrefix+callSID)
	if err != nil || raw == "" {
		return
	}
	last, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return
	}
	remaining := m.pacing - time.Since(last)
	if remaining <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(remaining):
	}
}

func (m *QueueManager) recordFailure(n models.WebhookNotification) {
	status, err := m.store.FailNotification(n.ID, m.maxRetries)
	if err != nil {
		slog.Error("QueueManager failure accounting failed", "error", err, "id", n.ID)
		return
	}
	m.metrics.RecordDelivery(n.Type, false, 0)
	if status == models.DeliveryStatusFailed {
		slog.Warn("QueueManager notification permanently dropped", "id", n.ID, "callSID", n.CallSID, "type", n.Type)
	}
}
