package deferred_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerpulse/peerpulse/deferred"
	"github.com/peerpulse/peerpulse/llm"
	"github.com/peerpulse/peerpulse/platform"
)

var platformSeq atomic.Int64

// recordingAdapter is an in-memory platform adapter. Each test registers its
// own instance under a unique name since the registry is process-global.
type recordingAdapter struct {
	name string

	mu         sync.Mutex
	delivered  []json.RawMessage
	edited     []platform.MessageRef
	editErr    error
	deliverErr error
}

func newRecordingAdapter(t *testing.T) *recordingAdapter {
	t.Helper()
	a := &recordingAdapter{name: fmt.Sprintf("test-platform-%d", platformSeq.Add(1))}
	platform.Register(a)
	return a
}

func (a *recordingAdapter) Name() string { return a.name }

func (a *recordingAdapter) Deliver(_ context.Context, userRef string, payload json.RawMessage) (platform.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deliverErr != nil {
		return platform.MessageRef{}, a.deliverErr
	}
	a.delivered = append(a.delivered, payload)
	return platform.MessageRef{Platform: a.name, UserRef: userRef, ID: "m-1"}, nil
}

func (a *recordingAdapter) Edit(_ context.Context, ref platform.MessageRef, _ json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.editErr != nil {
		return a.editErr
	}
	a.edited = append(a.edited, ref)
	return nil
}

func (a *recordingAdapter) deliverCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.delivered)
}

func (a *recordingAdapter) editCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.edited)
}

// recordingPublisher captures published completion events.
type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, append([]byte(nil), data...))
	return nil
}

func (p *recordingPublisher) published() ([]string, [][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...), append([][]byte(nil), p.payloads...)
}

// flakyExecutor fails a fixed number of times, then succeeds.
type flakyExecutor struct {
	mu       sync.Mutex
	failures int
	calls    int
	payload  json.RawMessage
}

func (e *flakyExecutor) execute(_ context.Context, _ deferred.Task) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.calls <= e.failures {
		return nil, llm.NewTransientError(errors.New("backend busy"))
	}
	return e.payload, nil
}

func (e *flakyExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func fastRetry(attempts int) deferred.RetryConfig {
	return deferred.RetryConfig{
		MaxAttempts:       attempts,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Millisecond,
	}
}

func testTask(traceID, platformName string) deferred.Task {
	return deferred.Task{
		TraceID:     traceID,
		Fingerprint: "refine:abc123",
		Kind:        llm.TaskRefine,
		Payload:     json.RawMessage(`{"text": "raw answer"}`),
		Platform:    platformName,
		UserRef:     "chat-42",
	}
}

func TestQueue_Enqueue(t *testing.T) {
	store := deferred.NewMemoryStore()
	queue := deferred.NewQueue(store)

	err := queue.Enqueue(context.Background(), testTask("t-1", "nowhere"))
	require.NoError(t, err)

	task, err := store.Get(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, deferred.StatusPending, task.Status)
	assert.False(t, task.EnqueuedAt.IsZero())
	assert.Equal(t, 0, task.AttemptCount)
}

func TestQueue_Enqueue_RequiresTraceID(t *testing.T) {
	queue := deferred.NewQueue(deferred.NewMemoryStore())

	err := queue.Enqueue(context.Background(), deferred.Task{Kind: llm.TaskRefine})
	assert.Error(t, err)
}

func TestWorker_DeliversOnFirstAttempt(t *testing.T) {
	adapter := newRecordingAdapter(t)
	store := deferred.NewMemoryStore()
	queue := deferred.NewQueue(store)
	publisher := &recordingPublisher{}

	final := json.RawMessage(`{"refined": "full answer", "improvement_hints": ["a", "b"]}`)
	exec := &flakyExecutor{payload: final}

	worker := deferred.NewWorker(queue, exec.execute,
		deferred.WithRetryConfig(fastRetry(3)),
		deferred.WithPublisher(publisher))

	require.NoError(t, queue.Enqueue(context.Background(), testTask("t-1", adapter.name)))

	processed, err := worker.RunNext(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	assert.Equal(t, 1, exec.callCount())
	assert.Equal(t, 1, adapter.deliverCount())

	subjects, payloads := publisher.published()
	require.Len(t, subjects, 1)
	assert.Equal(t, deferred.CompletionSubject, subjects[0])

	var completion deferred.Completion
	require.NoError(t, json.Unmarshal(payloads[0], &completion))
	assert.Equal(t, "t-1", completion.TraceID)
	assert.Equal(t, "refine:abc123", completion.Fingerprint)
	assert.Equal(t, final, completion.FinalPayload)

	// A delivered task is marked terminal so a restart never replays it.
	stored, err := store.Get(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, deferred.StatusDelivered, stored.Status)

	pending, err := store.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestWorker_RetriesTransientFailure(t *testing.T) {
	adapter := newRecordingAdapter(t)
	store := deferred.NewMemoryStore()
	queue := deferred.NewQueue(store)

	exec := &flakyExecutor{
		failures: 2,
		payload:  json.RawMessage(`{"ok": true}`),
	}
	worker := deferred.NewWorker(queue, exec.execute, deferred.WithRetryConfig(fastRetry(3)))

	require.NoError(t, queue.Enqueue(context.Background(), testTask("t-2", adapter.name)))

	processed, err := worker.RunNext(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	assert.Equal(t, 3, exec.callCount(), "two failures then a success")
	assert.Equal(t, 1, adapter.deliverCount())
}

func TestWorker_AbandonsAfterRetryBudget(t *testing.T) {
	adapter := newRecordingAdapter(t)
	store := deferred.NewMemoryStore()
	queue := deferred.NewQueue(store)

	exec := &flakyExecutor{failures: 100}
	worker := deferred.NewWorker(queue, exec.execute, deferred.WithRetryConfig(fastRetry(2)))

	require.NoError(t, queue.Enqueue(context.Background(), testTask("t-3", adapter.name)))

	processed, err := worker.RunNext(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	assert.Equal(t, 2, exec.callCount())
	assert.Equal(t, 0, adapter.deliverCount(), "nothing is delivered for an abandoned task")

	// The abandoned task stays in the store as a terminal record.
	task, err := store.Get(context.Background(), "t-3")
	require.NoError(t, err)
	assert.Equal(t, deferred.StatusAbandoned, task.Status)
	assert.Equal(t, 2, task.AttemptCount)
}

func TestWorker_EditsPlaceholderWhenReferenced(t *testing.T) {
	adapter := newRecordingAdapter(t)
	store := deferred.NewMemoryStore()
	queue := deferred.NewQueue(store)

	exec := &flakyExecutor{payload: json.RawMessage(`{"ok": true}`)}
	worker := deferred.NewWorker(queue, exec.execute, deferred.WithRetryConfig(fastRetry(1)))

	task := testTask("t-4", adapter.name)
	task.MessageRef = &platform.MessageRef{Platform: adapter.name, UserRef: "chat-42", ID: "m-9"}
	require.NoError(t, queue.Enqueue(context.Background(), task))

	_, err := worker.RunNext(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, adapter.editCount(), "placeholder message is edited in place")
	assert.Equal(t, 0, adapter.deliverCount())
}

func TestWorker_EditFailureFallsBackToFreshDelivery(t *testing.T) {
	adapter := newRecordingAdapter(t)
	adapter.editErr = errors.New("message too old to edit")
	store := deferred.NewMemoryStore()
	queue := deferred.NewQueue(store)

	exec := &flakyExecutor{payload: json.RawMessage(`{"ok": true}`)}
	worker := deferred.NewWorker(queue, exec.execute, deferred.WithRetryConfig(fastRetry(1)))

	task := testTask("t-5", adapter.name)
	task.MessageRef = &platform.MessageRef{Platform: adapter.name, UserRef: "chat-42", ID: "m-9"}
	require.NoError(t, queue.Enqueue(context.Background(), task))

	_, err := worker.RunNext(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, adapter.deliverCount())
}

func TestWorker_UnknownPlatformStillRetiresTask(t *testing.T) {
	store := deferred.NewMemoryStore()
	queue := deferred.NewQueue(store)

	exec := &flakyExecutor{payload: json.RawMessage(`{"ok": true}`)}
	worker := deferred.NewWorker(queue, exec.execute, deferred.WithRetryConfig(fastRetry(1)))

	require.NoError(t, queue.Enqueue(context.Background(), testTask("t-6", "no-such-platform")))

	_, err := worker.RunNext(context.Background())
	require.NoError(t, err)

	// Delivery failed but the result was computed and cached; the task does
	// not linger in the queue.
	stored, err := store.Get(context.Background(), "t-6")
	require.NoError(t, err)
	assert.Equal(t, deferred.StatusDelivered, stored.Status)
}

func TestWorker_RunNext_EmptyQueue(t *testing.T) {
	queue := deferred.NewQueue(deferred.NewMemoryStore())
	exec := &flakyExecutor{payload: json.RawMessage(`{"ok": true}`)}
	worker := deferred.NewWorker(queue, exec.execute)

	processed, err := worker.RunNext(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestWorker_PicksUpTasksFromPreviousProcess(t *testing.T) {
	adapter := newRecordingAdapter(t)
	store := deferred.NewMemoryStore()

	// Seed the store directly: the enqueue signal of a previous process is
	// gone, only the persisted task remains.
	task := testTask("t-7", adapter.name)
	task.Status = deferred.StatusPending
	require.NoError(t, store.Put(context.Background(), task))

	queue := deferred.NewQueue(store)
	exec := &flakyExecutor{payload: json.RawMessage(`{"ok": true}`)}
	worker := deferred.NewWorker(queue, exec.execute, deferred.WithRetryConfig(fastRetry(1)))

	processed, err := worker.RunNext(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 1, adapter.deliverCount())
}
