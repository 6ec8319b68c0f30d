// Package deferred executes work that missed the interactive budget. Tasks
// are owned by the queue from enqueue until a terminal outcome: the user
// already holds a static fallback, so the full answer is computed out of
// band and delivered later, typically as an edit of the placeholder message.
package deferred

import (
	"encoding/json"
	"time"

	"github.com/peerpulse/peerpulse/llm"
	"github.com/peerpulse/peerpulse/platform"
)

// Status is the lifecycle state of a deferred task.
type Status string

const (
	// StatusPending means the task awaits execution or retry.
	StatusPending Status = "pending"
	// StatusDelivered means the completion was produced and delivered.
	StatusDelivered Status = "delivered"
	// StatusAbandoned means the retry budget was exhausted.
	StatusAbandoned Status = "abandoned"
)

// Task is one unit of overflow work. Ownership transfers from the ladder to
// the queue at enqueue time; the originating request's lifecycle ending does
// not cancel it.
type Task struct {
	// TraceID correlates the task with the original request and its audit
	// records. Also the task's storage key.
	TraceID string `json:"trace_id"`

	// Fingerprint is the originating request fingerprint; the computed
	// result is written through the cache under it.
	Fingerprint string `json:"fingerprint"`

	// Kind is the generation task to replay.
	Kind llm.TaskKind `json:"kind"`

	// Payload is the structured prompt payload to replay.
	Payload json.RawMessage `json:"payload"`

	// Platform and UserRef locate the delivery target.
	Platform string `json:"platform"`
	UserRef  string `json:"user_ref"`

	// MessageRef, when set, is the placeholder message to edit in place.
	MessageRef *platform.MessageRef `json:"message_ref,omitempty"`

	// EnqueuedAt is when ownership transferred to the queue.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// AttemptCount is how many execution attempts have run.
	AttemptCount int `json:"attempt_count"`

	// Status is the task lifecycle state.
	Status Status `json:"status"`
}

// Completion is the event published when a deferred task produces its final
// payload, consumed by the delivery collaborator.
type Completion struct {
	TraceID      string          `json:"trace_id"`
	Fingerprint  string          `json:"fingerprint"`
	FinalPayload json.RawMessage `json:"final_payload"`
}
