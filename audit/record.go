// Package audit records every orchestration decision point as a structured
// event. Emission is a pure side channel: it never blocks the response path,
// dropping records instead when the buffer is full.
package audit

import (
	"time"
)

// Tier identifies which fallback stage satisfied a request.
type Tier string

const (
	// TierLive means the live model call answered within budget.
	TierLive Tier = "live"
	// TierCache means a warm cache entry answered.
	TierCache Tier = "cache"
	// TierStatic means the pre-authored static template answered.
	TierStatic Tier = "static"
)

// String returns the string representation of the tier.
func (t Tier) String() string {
	return string(t)
}

// Kind classifies an audit record.
type Kind string

const (
	// KindDecision is one fallback-ladder invocation.
	KindDecision Kind = "decision"
	// KindSchemaViolation flags malformed model output (quality signal).
	KindSchemaViolation Kind = "schema_violation"
	// KindDeferredExhausted reports a background task that gave up after
	// its retry budget. Reported, never silently dropped.
	KindDeferredExhausted Kind = "deferred_exhausted"
)

// Record is one append-only audit event. Records are never mutated after
// emission.
type Record struct {
	Kind        Kind      `json:"kind"`
	TraceID     string    `json:"trace_id"`
	Fingerprint string    `json:"fingerprint"`
	Tier        Tier      `json:"tier,omitempty"`
	ElapsedMs   int64     `json:"elapsed_ms"`
	Outcome     string    `json:"outcome"`
	At          time.Time `json:"at"`
}
