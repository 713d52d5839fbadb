// Package notify implements the operator notification pipeline.
//
// This file is the fixed-interval candidate poller. It pulls due rows from
// the store in the fixed total order (priority, type, age) and routes each
// to its call's delivery queue.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/dialscribe/DialScribe/internal/store"
)

// Dispatcher configuration defaults
const (
	// DefaultPollInterval is how often pending notifications are pulled.
	DefaultPollInterval = 5 * time.Second
	// DefaultBatchLimit caps the rows pulled per poll.
	DefaultBatchLimit = 50
)

// DispatcherOpts holds configuration options for the Dispatcher.
type DispatcherOpts struct {
	PollInterval time.Duration
	BatchLimit   int
}

// DispatcherOption defines a configuration option for the Dispatcher.
type DispatcherOption func(*DispatcherOpts)

// WithPollInterval overrides the candidate poll interval.
func WithPollInterval(d time.Duration) DispatcherOption {
	return func(o *DispatcherOpts) { o.PollInterval = d }
}

// WithBatchLimit overrides the per-poll row cap.
func WithBatchLimit(n int) DispatcherOption {
	return func(o *DispatcherOpts) { o.BatchLimit = n }
}

// Dispatcher periodically selects due notifications and enqueues them.
type Dispatcher struct {
	store        store.Store
	queues       *QueueManager
	pollInterval time.Duration
	batchLimit   int
}

// NewDispatcher creates a dispatcher over the given store and queue manager.
func NewDispatcher(st store.Store, queues *QueueManager, opts ...DispatcherOption) *Dispatcher {
	cfg := DispatcherOpts{PollInterval: DefaultPollInterval, BatchLimit: DefaultBatchLimit}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Dispatcher{
		store:        st,
		queues:       queues,
		pollInterval: cfg.PollInterval,
		batchLimit:   cfg.BatchLimit,
	}
}

// Run starts the polling loop and blocks until the context is cancelled.
// The first poll happens immediately, which doubles as startup rehydration:
// the in-memory queues rebuild from the durable rows rather than assuming
// any prior queue state.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("Dispatcher.Run: starting notification dispatcher", "pollInterval", d.pollInterval, "batchLimit", d.batchLimit)

	d.poll(ctx)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Dispatcher.Run: stopping")
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	rows, err := d.store.SelectPendingNotifications(d.batchLimit, d.queues.maxRetries)
	if err != nil {
		slog.Error("Dispatcher.poll: candidate selection failed", "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}
	slog.Debug("Dispatcher.poll: enqueueing candidates", "count", len(rows))
	d.queues.EnqueueBatch(ctx, rows)
}
