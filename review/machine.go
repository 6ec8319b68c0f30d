package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peerpulse/peerpulse/llm"
	"github.com/peerpulse/peerpulse/orchestrator"
)

// Resolver produces a response for a generation request within budget.
// Satisfied by *orchestrator.Ladder.
type Resolver interface {
	Resolve(ctx context.Context, req orchestrator.Request) (orchestrator.Response, error)
}

// PeerSource supplies already-collected peer review items for conflict
// detection at confirmation time. Optional; absent means peer items are
// empty and conflict detection degrades to duplicate checking.
type PeerSource interface {
	LoadPeerItems(ctx context.Context, reviewID, userID string) ([]string, error)
}

// Machine advances review sessions through their fixed steps as answers
// arrive. It is the sole owner of session mutation; operations on one
// session are serialized, sessions are independent of each other.
type Machine struct {
	store        Store
	competencies CompetencySource
	resolver     Resolver
	peers        PeerSource

	idleTimeout time.Duration
	budget      time.Duration
	logger      *slog.Logger

	// locks serializes operations per session and per (user, review).
	locks sync.Map // string → *sync.Mutex
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithIdleTimeout sets how long an active session may sit untouched before
// ExpireIdle abandons it.
func WithIdleTimeout(d time.Duration) MachineOption {
	return func(m *Machine) {
		m.idleTimeout = d
	}
}

// WithInteractiveBudget sets the per-step response deadline.
func WithInteractiveBudget(d time.Duration) MachineOption {
	return func(m *Machine) {
		m.budget = d
	}
}

// WithPeerSource sets the peer review item source for conflict detection.
func WithPeerSource(p PeerSource) MachineOption {
	return func(m *Machine) {
		m.peers = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) MachineOption {
	return func(m *Machine) {
		m.logger = logger
	}
}

// NewMachine creates a state machine over the given store, competency
// source and resolver.
func NewMachine(store Store, competencies CompetencySource, resolver Resolver, opts ...MachineOption) *Machine {
	m := &Machine{
		store:        store,
		competencies: competencies,
		resolver:     resolver,
		idleTimeout:  24 * time.Hour,
		budget:       5 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StepResult reports the outcome of one answered step.
type StepResult struct {
	Session *Session

	// Refined is the ladder's refinement of the raw answer. Tier static
	// means a deferred completion will follow; present a quick
	// acknowledgment and await the edit.
	Refined orchestrator.Response

	// NextCompetency is the next step's competency, or "" when the session
	// moved to awaiting confirmation.
	NextCompetency string
}

// Outcome reports the result of confirming a session.
type Outcome struct {
	Session   *Session
	Conflicts orchestrator.Response
	Summary   orchestrator.Response
}

// Start creates a new session at step 0, or fails with
// ErrSessionAlreadyActive when a non-terminal session exists for the same
// (user, review). Use Resume to continue an existing session instead.
func (m *Machine) Start(ctx context.Context, userID, reviewID string, kind Kind, platformName, userRef string) (*Session, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("invalid review kind %q", kind)
	}

	unlock := m.lock(sessionKey(userID, reviewID))
	defer unlock()

	existing, err := m.store.LoadSession(ctx, userID, reviewID)
	if err != nil && err != ErrSessionNotFound {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if existing != nil && !existing.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: session %s", ErrSessionAlreadyActive, existing.ID)
	}

	order, err := m.competencies.LoadCompetencyOrder(ctx, reviewID)
	if err != nil {
		return nil, fmt.Errorf("load competency order: %w", err)
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("review %s has no competencies configured", reviewID)
	}

	entries := make([]Entry, len(order))
	for i, competency := range order {
		entries[i] = Entry{Competency: competency}
	}

	now := time.Now().UTC()
	session := &Session{
		ID:          fmt.Sprintf("s-%s", uuid.New().String()[:8]),
		UserID:      userID,
		ReviewID:    reviewID,
		Kind:        kind,
		CurrentStep: 0,
		Entries:     entries,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
		Platform:    platformName,
		UserRef:     userRef,
	}

	if err := m.store.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	m.logger.Info("Review session started",
		"session_id", session.ID,
		"user_id", userID,
		"review_id", reviewID,
		"kind", kind,
		"steps", len(entries))

	return session, nil
}

// Resume returns the non-terminal session for (user, review), or
// ErrSessionNotFound.
func (m *Machine) Resume(ctx context.Context, userID, reviewID string) (*Session, error) {
	session, err := m.store.LoadSession(ctx, userID, reviewID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// SuggestTemplate fetches an answer template for the session's current
// competency through the fallback ladder.
func (m *Machine) SuggestTemplate(ctx context.Context, sessionID string) (orchestrator.Response, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return orchestrator.Response{}, err
	}

	competency := session.CurrentCompetency()
	if competency == "" {
		return orchestrator.Response{}, fmt.Errorf("%w: all steps answered", ErrInvalidState)
	}

	return m.resolve(ctx, session, llm.TaskTemplate, competency, map[string]string{
		"competency": competency,
		"context":    string(session.Kind),
	})
}

// SubmitAnswer stores the raw text for the current competency, produces a
// refined preview through the ladder, and advances the session. Answers for
// any competency other than the current step fail with ErrOutOfOrderStep
// and leave collected entries untouched.
func (m *Machine) SubmitAnswer(ctx context.Context, sessionID, competency, text string) (*StepResult, error) {
	unlock := m.lock(sessionID)
	defer unlock()

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrSessionTerminal, session.Status)
	}
	if session.Status != StatusActive {
		return nil, fmt.Errorf("%w: submit_answer requires an active session, session is %s", ErrInvalidState, session.Status)
	}
	if current := session.CurrentCompetency(); competency != current {
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrOutOfOrderStep, current, competency)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty answer", ErrInvalidState)
	}

	refined, err := m.resolve(ctx, session, llm.TaskRefine, text, map[string]string{"text": text})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session.Entries[session.CurrentStep].Raw = text
	session.Entries[session.CurrentStep].Refined = refined.Payload
	session.Entries[session.CurrentStep].AnsweredAt = &now
	session.CurrentStep++
	session.UpdatedAt = now

	next := session.CurrentCompetency()
	if next == "" {
		session.Status = StatusAwaitingConfirmation
	}

	if err := m.store.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	m.logger.Debug("Answer recorded",
		"session_id", session.ID,
		"competency", competency,
		"tier", refined.Tier,
		"next", next)

	return &StepResult{
		Session:        session,
		Refined:        refined,
		NextCompetency: next,
	}, nil
}

// Confirm runs conflict detection and summary generation through the ladder
// and moves the session to submitted. Submitted is terminal: collected
// entries are immutable afterwards.
func (m *Machine) Confirm(ctx context.Context, sessionID string) (*Outcome, error) {
	unlock := m.lock(sessionID)
	defer unlock()

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrSessionTerminal, session.Status)
	}
	if session.Status != StatusAwaitingConfirmation {
		return nil, fmt.Errorf("%w: confirm requires awaiting_confirmation, session is %s", ErrInvalidState, session.Status)
	}

	selfItems := make([]string, 0, len(session.Entries))
	for _, entry := range session.Entries {
		selfItems = append(selfItems, entry.Raw)
	}

	var peerItems []string
	if m.peers != nil {
		peerItems, err = m.peers.LoadPeerItems(ctx, session.ReviewID, session.UserID)
		if err != nil {
			// Conflict detection degrades rather than blocking submission.
			m.logger.Warn("Failed to load peer items",
				"session_id", session.ID, "error", err)
			peerItems = nil
		}
	}

	conflicts, err := m.resolve(ctx, session, llm.TaskConflicts, strings.Join(selfItems, "\n"), map[string]any{
		"self_items": selfItems,
		"peer_items": peerItems,
	})
	if err != nil {
		return nil, err
	}

	summary, err := m.resolve(ctx, session, llm.TaskSummary, strings.Join(selfItems, "\n"), map[string]string{
		"context": strings.Join(selfItems, "\n"),
	})
	if err != nil {
		return nil, err
	}

	session.Status = StatusSubmitted
	session.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	m.logger.Info("Review session submitted",
		"session_id", session.ID,
		"user_id", session.UserID,
		"review_id", session.ReviewID,
		"conflicts_tier", conflicts.Tier,
		"summary_tier", summary.Tier)

	return &Outcome{
		Session:   session,
		Conflicts: conflicts,
		Summary:   summary,
	}, nil
}

// Cancel abandons the session. Valid from active or awaiting_confirmation.
func (m *Machine) Cancel(ctx context.Context, sessionID string) error {
	unlock := m.lock(sessionID)
	defer unlock()

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if session.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrSessionTerminal, session.Status)
	}
	if !session.Status.CanTransitionTo(StatusAbandoned) {
		return fmt.Errorf("%w: cannot cancel from %s", ErrInvalidState, session.Status)
	}

	session.Status = StatusAbandoned
	session.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveSession(ctx, session); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	m.logger.Info("Review session cancelled", "session_id", session.ID)
	return nil
}

// ExpireIdle abandons active sessions untouched past the idle timeout.
// Invoked periodically by the serve loop; returns how many were expired.
func (m *Machine) ExpireIdle(ctx context.Context, now time.Time) (int, error) {
	active, err := m.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}

	expired := 0
	for _, session := range active {
		if now.Sub(session.UpdatedAt) < m.idleTimeout {
			continue
		}

		unlock := m.lock(session.ID)
		fresh, err := m.store.GetSession(ctx, session.ID)
		if err == nil && !fresh.Status.IsTerminal() && now.Sub(fresh.UpdatedAt) >= m.idleTimeout {
			idle := now.Sub(fresh.UpdatedAt)
			fresh.Status = StatusAbandoned
			fresh.UpdatedAt = now
			if err := m.store.SaveSession(ctx, fresh); err == nil {
				expired++
				m.logger.Info("Idle review session abandoned",
					"session_id", fresh.ID,
					"idle", idle)
			}
		}
		unlock()
	}

	return expired, nil
}

// resolve runs one ladder request on the session's behalf under the
// interactive budget.
func (m *Machine) resolve(ctx context.Context, session *Session, kind llm.TaskKind, input string, payload any) (orchestrator.Response, error) {
	return m.resolver.Resolve(ctx, orchestrator.Request{
		Kind:     kind,
		Input:    input,
		Payload:  payload,
		TraceID:  uuid.New().String(),
		Deadline: time.Now().Add(m.budget),
		Platform: session.Platform,
		UserRef:  session.UserRef,
	})
}

// lock acquires the mutex for one key, creating it on first use.
func (m *Machine) lock(key string) func() {
	muIface, _ := m.locks.LoadOrStore(key, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
