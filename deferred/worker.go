package deferred

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/peerpulse/peerpulse/audit"
	"github.com/peerpulse/peerpulse/platform"
)

// CompletionSubject is the NATS subject completion events are published to.
const CompletionSubject = "peerpulse.deferred.completed"

// RetryConfig tunes the worker's retry schedule.
type RetryConfig struct {
	// MaxAttempts is the total execution attempts per task.
	MaxAttempts int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the backoff duration.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the standard deferred retry schedule.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       5 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        2 * time.Minute,
	}
}

// Executor produces the final payload for a task. Wired by the caller to a
// full-budget model call with write-through caching.
type Executor func(ctx context.Context, task Task) (json.RawMessage, error)

// Publisher publishes completion events. Satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Worker drains the queue, executing tasks with retries and delivering
// completions through the platform adapter for the task's target.
type Worker struct {
	queue    *Queue
	executor Executor
	retry    RetryConfig

	publisher Publisher
	emitter   *audit.Emitter
	metrics   *audit.Metrics
	logger    *slog.Logger

	pollInterval time.Duration
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithRetryConfig sets the retry schedule.
func WithRetryConfig(cfg RetryConfig) WorkerOption {
	return func(w *Worker) {
		w.retry = cfg
	}
}

// WithPublisher sets the completion event publisher.
func WithPublisher(p Publisher) WorkerOption {
	return func(w *Worker) {
		w.publisher = p
	}
}

// WithEmitter sets the audit emitter.
func WithEmitter(e *audit.Emitter) WorkerOption {
	return func(w *Worker) {
		w.emitter = e
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *audit.Metrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithPollInterval sets how often the worker rescans the store for tasks
// whose enqueue signal was missed.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.pollInterval = d
	}
}

// NewWorker creates a worker over the queue with the given executor.
func NewWorker(queue *Queue, executor Executor, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:        queue,
		executor:     executor,
		retry:        DefaultRetryConfig(),
		logger:       slog.Default(),
		pollInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes tasks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case traceID := <-w.queue.notify:
			w.runByID(ctx, traceID)
		case <-ticker.C:
			// Catch tasks whose notify signal was dropped or that were
			// enqueued by a previous process.
			for {
				processed, err := w.RunNext(ctx)
				if err != nil || !processed {
					break
				}
			}
		}
	}
}

// RunNext executes one pending task if any exists. Returns false when the
// queue is empty.
func (w *Worker) RunNext(ctx context.Context) (bool, error) {
	select {
	case traceID := <-w.queue.notify:
		w.runByID(ctx, traceID)
		return true, nil
	default:
	}

	pending, err := w.queue.store.ListPending(ctx)
	if err != nil {
		return false, err
	}
	if len(pending) == 0 {
		return false, nil
	}

	w.process(ctx, pending[0])
	return true, nil
}

func (w *Worker) runByID(ctx context.Context, traceID string) {
	task, err := w.queue.store.Get(ctx, traceID)
	if err != nil {
		if !errors.Is(err, ErrTaskNotFound) {
			w.logger.Warn("Failed to load deferred task", "trace_id", traceID, "error", err)
		}
		return
	}
	if task.Status != StatusPending {
		return
	}
	w.process(ctx, task)
}

// process runs a task through its full retry budget and a terminal outcome.
func (w *Worker) process(ctx context.Context, task Task) {
	for attempt := task.AttemptCount + 1; attempt <= w.retry.MaxAttempts; attempt++ {
		payload, err := w.executor(ctx, task)
		if err == nil {
			w.complete(ctx, task, payload)
			return
		}

		task.AttemptCount = attempt
		if putErr := w.queue.store.Put(ctx, task); putErr != nil {
			w.logger.Warn("Failed to persist task attempt count",
				"trace_id", task.TraceID, "error", putErr)
		}

		w.logger.Warn("Deferred task attempt failed",
			"trace_id", task.TraceID,
			"task", task.Kind,
			"attempt", attempt,
			"max_attempts", w.retry.MaxAttempts,
			"error", err)

		if attempt < w.retry.MaxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.backoff(attempt)):
			}
		}
	}

	w.abandon(ctx, task)
}

// complete publishes the completion event, delivers the final payload and
// retires the task.
func (w *Worker) complete(ctx context.Context, task Task, payload json.RawMessage) {
	completion := Completion{
		TraceID:      task.TraceID,
		Fingerprint:  task.Fingerprint,
		FinalPayload: payload,
	}

	if w.publisher != nil {
		data, err := json.Marshal(completion)
		if err == nil {
			if err := w.publisher.Publish(CompletionSubject, data); err != nil {
				w.logger.Warn("Failed to publish completion event",
					"trace_id", task.TraceID, "error", err)
			}
		}
	}

	w.deliver(ctx, task, payload)

	// Terminal tasks stay in the store until the bucket TTL reaps them, so
	// a restart mid-retire never replays a delivered task.
	task.Status = StatusDelivered
	if err := w.queue.store.Put(ctx, task); err != nil {
		w.logger.Warn("Failed to retire delivered task",
			"trace_id", task.TraceID, "error", err)
	}

	if w.metrics != nil {
		w.metrics.DeferredTasks.WithLabelValues("delivered").Inc()
	}

	w.logger.Info("Deferred task delivered",
		"trace_id", task.TraceID,
		"task", task.Kind,
		"attempts", task.AttemptCount+1)
}

// deliver edits the placeholder message in place when a reference exists,
// otherwise sends a fresh message.
func (w *Worker) deliver(ctx context.Context, task Task, payload json.RawMessage) {
	adapter, err := platform.Get(task.Platform)
	if err != nil {
		w.logger.Warn("No adapter for deferred delivery",
			"trace_id", task.TraceID, "platform", task.Platform)
		return
	}

	if task.MessageRef != nil {
		if err := adapter.Edit(ctx, *task.MessageRef, payload); err == nil {
			return
		}
		// Fall through to a fresh delivery when the edit fails.
	}

	if _, err := adapter.Deliver(ctx, task.UserRef, payload); err != nil {
		w.logger.Warn("Deferred delivery failed",
			"trace_id", task.TraceID,
			"platform", task.Platform,
			"error", err)
	}
}

// abandon marks the task terminal after the retry budget is spent. The user
// already has the static fallback, so this is reported through audit and
// metrics, never surfaced as a user-facing failure.
func (w *Worker) abandon(ctx context.Context, task Task) {
	task.Status = StatusAbandoned
	if err := w.queue.store.Put(ctx, task); err != nil {
		w.logger.Warn("Failed to persist abandoned task",
			"trace_id", task.TraceID, "error", err)
	}

	if w.emitter != nil {
		w.emitter.Emit(audit.Record{
			Kind:        audit.KindDeferredExhausted,
			TraceID:     task.TraceID,
			Fingerprint: task.Fingerprint,
			Outcome:     "abandoned",
		})
	}
	if w.metrics != nil {
		w.metrics.DeferredTasks.WithLabelValues("abandoned").Inc()
	}

	w.logger.Error("Deferred task abandoned after retry budget",
		"trace_id", task.TraceID,
		"task", task.Kind,
		"attempts", task.AttemptCount)
}

// backoff computes exponential backoff with jitter. Jitter prevents
// synchronized retries across workers.
func (w *Worker) backoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= w.retry.BackoffMultiplier
	}

	backoff := time.Duration(float64(w.retry.BackoffBase) * multiplier)
	if backoff > w.retry.MaxBackoff {
		backoff = w.retry.MaxBackoff
	}

	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}
