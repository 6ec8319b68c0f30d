// Package review drives the multi-step self/peer-review dialogue as an
// explicit per-(user, review) state machine. Session state persists between
// steps so any step can resume after a process restart, independent of the
// chat platform delivering the messages.
package review

import (
	"encoding/json"
	"errors"
	"time"
)

// Kind distinguishes self-reviews from peer-reviews.
type Kind string

const (
	// KindSelf is a review of one's own competencies.
	KindSelf Kind = "self"
	// KindPeer is a review of a colleague's competencies.
	KindPeer Kind = "peer"
)

// IsValid returns true if the kind is known.
func (k Kind) IsValid() bool {
	return k == KindSelf || k == KindPeer
}

// Status represents the current state of a review session.
type Status string

const (
	// StatusActive means the session is collecting answers step by step.
	StatusActive Status = "active"
	// StatusAwaitingConfirmation means all competencies are answered and
	// the session waits for the user to confirm submission.
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	// StatusSubmitted means the review was confirmed. Terminal.
	StatusSubmitted Status = "submitted"
	// StatusAbandoned means the session was cancelled or idled out. Terminal.
	StatusAbandoned Status = "abandoned"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true when no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusSubmitted || s == StatusAbandoned
}

// CanTransitionTo returns true if the status can transition to the target.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusActive:
		return target == StatusAwaitingConfirmation || target == StatusAbandoned
	case StatusAwaitingConfirmation:
		return target == StatusSubmitted || target == StatusAbandoned
	default:
		return false
	}
}

// Entry holds one competency's collected answer: the user's raw text and
// the refined preview produced through the fallback ladder. Entries are
// immutable once their step is confirmed by advancing past it.
type Entry struct {
	Competency string          `json:"competency"`
	Raw        string          `json:"raw,omitempty"`
	Refined    json.RawMessage `json:"refined,omitempty"`
	AnsweredAt *time.Time      `json:"answered_at,omitempty"`
}

// Session is one in-progress review conversation. Exactly one non-terminal
// session exists per (user, review) at a time; the state machine owns all
// mutation.
type Session struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	ReviewID string `json:"review_id"`
	Kind     Kind   `json:"kind"`

	// CurrentStep indexes the competency being answered.
	CurrentStep int `json:"current_step"`

	// Entries holds the fixed, configured competency order with collected
	// answers filled in as steps advance.
	Entries []Entry `json:"entries"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Platform and UserRef locate the conversation for deferred delivery.
	Platform string `json:"platform,omitempty"`
	UserRef  string `json:"user_ref,omitempty"`
}

// CurrentCompetency returns the competency for the current step, or ""
// when all steps are answered.
func (s *Session) CurrentCompetency() string {
	if s.CurrentStep >= len(s.Entries) {
		return ""
	}
	return s.Entries[s.CurrentStep].Competency
}

// State-machine misuse errors. These surface to the caller as rejected
// operations and are never retried internally.
var (
	// ErrSessionAlreadyActive reports a start attempt while a non-terminal
	// session exists for the same (user, review).
	ErrSessionAlreadyActive = errors.New("an active session already exists for this user and review")

	// ErrOutOfOrderStep reports an answer for a competency other than the
	// current step. Competencies are answered in the configured order.
	ErrOutOfOrderStep = errors.New("answer submitted out of step order")

	// ErrSessionTerminal reports an operation on a submitted or abandoned
	// session.
	ErrSessionTerminal = errors.New("session is terminal")

	// ErrInvalidState reports an operation not valid in the session's
	// current (non-terminal) state.
	ErrInvalidState = errors.New("operation not valid in current session state")

	// ErrSessionNotFound reports a lookup miss.
	ErrSessionNotFound = errors.New("session not found")
)
