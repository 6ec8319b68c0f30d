// Package llm provides the client for the external text-generation provider,
// with strict per-call timeouts, a single-retry policy for transient failures,
// and structured-output validation per task kind.
package llm

import (
	"encoding/json"
	"time"
)

// TaskKind identifies a generation task and selects its output schema.
type TaskKind string

const (
	// TaskTemplate generates an answer template for a competency.
	TaskTemplate TaskKind = "template"
	// TaskRefine rewrites a user's raw answer into a tighter version.
	TaskRefine TaskKind = "refine"
	// TaskConflicts detects duplicates and contradictions between
	// self- and peer-review items.
	TaskConflicts TaskKind = "conflicts"
	// TaskSummary produces the final strengths/growth/next-steps summary.
	TaskSummary TaskKind = "summary"
	// TaskEmbedding computes a text embedding for similarity matching.
	TaskEmbedding TaskKind = "embedding"
)

// String returns the string representation of the task kind.
func (k TaskKind) String() string {
	return string(k)
}

// IsValid returns true if the task kind is known.
func (k TaskKind) IsValid() bool {
	switch k {
	case TaskTemplate, TaskRefine, TaskConflicts, TaskSummary, TaskEmbedding:
		return true
	default:
		return false
	}
}

// Profile is a named execution profile controlling token, sampling and time
// budgets for one generation call. Profiles are resolved from configuration
// by task kind and are read-only at request time.
type Profile struct {
	// Name identifies the profile ("fast", "thorough").
	Name string

	// Model is the provider-side model identifier.
	Model string

	// MaxOutputTokens limits response length. 0 uses the provider default.
	MaxOutputTokens int

	// Temperature controls sampling randomness.
	Temperature float64

	// Timeout is the hard client-side budget for one call.
	Timeout time.Duration
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system" or "user"
	Content string `json:"content"` // Message content
}

// Prompt is one generation request before provider encoding. The payload is
// serialized to JSON and sent as the user message, the way the review
// assistant's prompts are contracted.
type Prompt struct {
	// Kind selects the output schema the response must satisfy.
	Kind TaskKind

	// System is the system prompt for the task.
	System string

	// Payload is the structured user input (competency, text, review items).
	Payload any
}

// TokenUsage represents token consumption for one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Output is a schema-validated generation result.
type Output struct {
	// TraceID correlates the call across the ladder, audit and deferred work.
	TraceID string

	// Kind is the task kind the output was validated against.
	Kind TaskKind

	// JSON is the validated structured payload.
	JSON json.RawMessage

	// Model is the model that produced the output.
	Model string

	// Usage contains token consumption, when the provider reports it.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// Response is the raw provider response before schema validation.
type Response struct {
	// Content is the generated text.
	Content string

	// Model is the actual model that was used.
	Model string

	// Usage contains detailed token consumption metrics.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}
