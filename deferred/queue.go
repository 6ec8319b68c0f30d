package deferred

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Queue accepts overflow work from the fallback ladder and hands it to the
// worker. Enqueue persists the task first, so a crash between enqueue and
// execution loses nothing.
type Queue struct {
	store  Store
	notify chan string
	logger *slog.Logger
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets the logger.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// NewQueue creates a queue over the given task store.
func NewQueue(store Store, opts ...QueueOption) *Queue {
	q := &Queue{
		store:  store,
		notify: make(chan string, 256),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue takes ownership of the task. The task is stamped and persisted
// before the worker is signalled; the signal itself is best-effort since the
// worker also polls the store.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	if task.TraceID == "" {
		return fmt.Errorf("task requires a trace ID")
	}

	task.EnqueuedAt = time.Now().UTC()
	task.Status = StatusPending
	task.AttemptCount = 0

	if err := q.store.Put(ctx, task); err != nil {
		return fmt.Errorf("persist task: %w", err)
	}

	select {
	case q.notify <- task.TraceID:
	default:
		// Worker poll picks it up.
	}

	q.logger.Debug("Deferred task enqueued",
		"trace_id", task.TraceID,
		"fingerprint", task.Fingerprint,
		"task", task.Kind)

	return nil
}

// Store exposes the underlying task store to the worker.
func (q *Queue) Store() Store {
	return q.store
}
