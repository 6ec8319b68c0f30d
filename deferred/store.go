package deferred

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// TasksBucket is the JetStream KV bucket holding deferred tasks.
const TasksBucket = "peerpulse_deferred_tasks"

// ErrTaskNotFound reports a missing task key.
var ErrTaskNotFound = errors.New("deferred task not found")

// Store persists tasks keyed by trace ID.
type Store interface {
	Put(ctx context.Context, task Task) error
	Get(ctx context.Context, traceID string) (Task, error)
	Delete(ctx context.Context, traceID string) error
	ListPending(ctx context.Context) ([]Task, error)
}

// KVStore keeps tasks in a NATS JetStream key/value bucket so deferred work
// survives process restarts.
type KVStore struct {
	bucket jetstream.KeyValue
}

// NewKVStore creates (or binds to) the deferred tasks bucket.
func NewKVStore(ctx context.Context, js jetstream.JetStream) (*KVStore, error) {
	// CreateOrUpdateKeyValue is idempotent and handles race conditions
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      TasksBucket,
		Description: "Deferred completion tasks awaiting out-of-band execution",
		TTL:         7 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}

	return &KVStore{bucket: bucket}, nil
}

// Put saves a task under its trace ID.
func (s *KVStore) Put(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	if _, err := s.bucket.Put(ctx, task.TraceID, data); err != nil {
		return fmt.Errorf("put task: %w", err)
	}
	return nil
}

// Get retrieves a task by trace ID.
func (s *KVStore) Get(ctx context.Context, traceID string) (Task, error) {
	entry, err := s.bucket.Get(ctx, traceID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}

	var task Task
	if err := json.Unmarshal(entry.Value(), &task); err != nil {
		return Task{}, fmt.Errorf("unmarshal task: %w", err)
	}
	return task, nil
}

// Delete removes a task.
func (s *KVStore) Delete(ctx context.Context, traceID string) error {
	return s.bucket.Delete(ctx, traceID)
}

// ListPending returns all tasks still awaiting execution.
func (s *KVStore) ListPending(ctx context.Context) ([]Task, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		// Empty bucket returns ErrNoKeysFound - this is not an error
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []Task{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	var tasks []Task
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			continue // Skip errors for individual keys
		}

		var task Task
		if err := json.Unmarshal(entry.Value(), &task); err != nil {
			continue
		}

		if task.Status != StatusPending {
			continue
		}
		tasks = append(tasks, task)
	}

	return tasks, nil
}

// MemoryStore keeps tasks in process memory. Used in tests and single-node
// deployments without JetStream.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]Task)}
}

// Put saves a task under its trace ID.
func (s *MemoryStore) Put(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.TraceID] = task
	return nil
}

// Get retrieves a task by trace ID.
func (s *MemoryStore) Get(_ context.Context, traceID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[traceID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return task, nil
}

// Delete removes a task.
func (s *MemoryStore) Delete(_ context.Context, traceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, traceID)
	return nil
}

// ListPending returns all tasks still awaiting execution.
func (s *MemoryStore) ListPending(_ context.Context) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []Task
	for _, task := range s.tasks {
		if task.Status == StatusPending {
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}
