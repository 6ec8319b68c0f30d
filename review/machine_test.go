package review_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerpulse/peerpulse/audit"
	"github.com/peerpulse/peerpulse/llm"
	"github.com/peerpulse/peerpulse/orchestrator"
	"github.com/peerpulse/peerpulse/review"
)

// fakeResolver answers every request from a canned per-kind payload and
// records what it was asked.
type fakeResolver struct {
	mu       sync.Mutex
	requests []orchestrator.Request
	err      error
}

func (r *fakeResolver) Resolve(_ context.Context, req orchestrator.Request) (orchestrator.Response, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	if r.err != nil {
		return orchestrator.Response{}, r.err
	}

	var payload string
	switch req.Kind {
	case llm.TaskTemplate:
		payload = `{"outline": "o", "example": "e", "bullet_points": ["a", "b", "c"]}`
	case llm.TaskRefine:
		payload = `{"refined": "refined text", "improvement_hints": ["x", "y"]}`
	case llm.TaskConflicts:
		payload = `{"duplicates": [], "contradictions": []}`
	case llm.TaskSummary:
		payload = `{"strengths": ["a", "b", "c"], "areas_for_growth": ["d", "e", "f"], "next_steps": ["g", "h", "i"]}`
	}
	return orchestrator.Response{
		Payload: json.RawMessage(payload),
		Tier:    audit.TierLive,
	}, nil
}

func (r *fakeResolver) kinds() []llm.TaskKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]llm.TaskKind, len(r.requests))
	for i, req := range r.requests {
		kinds[i] = req.Kind
	}
	return kinds
}

type fakePeers struct {
	items []string
	err   error
}

func (p *fakePeers) LoadPeerItems(_ context.Context, _, _ string) ([]string, error) {
	return p.items, p.err
}

var testOrder = []string{"communication", "teamwork", "ownership"}

func newTestMachine(opts ...review.MachineOption) (*review.Machine, *fakeResolver) {
	resolver := &fakeResolver{}
	machine := review.NewMachine(
		review.NewMemoryStore(),
		review.StaticCompetencySource(testOrder),
		resolver,
		opts...,
	)
	return machine, resolver
}

func startSession(t *testing.T, m *review.Machine) *review.Session {
	t.Helper()
	session, err := m.Start(context.Background(), "u-1", "r-1", review.KindSelf, "telegram", "chat-42")
	require.NoError(t, err)
	return session
}

func answerAll(t *testing.T, m *review.Machine, sessionID string) *review.StepResult {
	t.Helper()
	var last *review.StepResult
	for _, competency := range testOrder {
		result, err := m.SubmitAnswer(context.Background(), sessionID, competency, "answer for "+competency)
		require.NoError(t, err)
		last = result
	}
	return last
}

func TestMachine_Start(t *testing.T) {
	m, _ := newTestMachine()

	session := startSession(t, m)

	assert.NotEmpty(t, session.ID)
	assert.Equal(t, review.StatusActive, session.Status)
	assert.Equal(t, 0, session.CurrentStep)
	assert.Equal(t, "communication", session.CurrentCompetency())
	require.Len(t, session.Entries, 3)
	assert.Equal(t, "teamwork", session.Entries[1].Competency)
}

func TestMachine_Start_RejectsSecondActive(t *testing.T) {
	m, _ := newTestMachine()

	startSession(t, m)

	_, err := m.Start(context.Background(), "u-1", "r-1", review.KindSelf, "telegram", "chat-42")
	assert.ErrorIs(t, err, review.ErrSessionAlreadyActive)

	// A different review for the same user is fine.
	_, err = m.Start(context.Background(), "u-1", "r-2", review.KindSelf, "telegram", "chat-42")
	assert.NoError(t, err)
}

func TestMachine_Start_InvalidKind(t *testing.T) {
	m, _ := newTestMachine()

	_, err := m.Start(context.Background(), "u-1", "r-1", review.Kind("sideways"), "telegram", "chat-42")
	assert.Error(t, err)
}

func TestMachine_Resume(t *testing.T) {
	m, _ := newTestMachine()
	session := startSession(t, m)

	resumed, err := m.Resume(context.Background(), "u-1", "r-1")
	require.NoError(t, err)
	assert.Equal(t, session.ID, resumed.ID)

	_, err = m.Resume(context.Background(), "u-1", "r-nope")
	assert.ErrorIs(t, err, review.ErrSessionNotFound)
}

func TestMachine_SuggestTemplate(t *testing.T) {
	m, resolver := newTestMachine()
	session := startSession(t, m)

	resp, err := m.SuggestTemplate(context.Background(), session.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Payload)

	require.Len(t, resolver.requests, 1)
	req := resolver.requests[0]
	assert.Equal(t, llm.TaskTemplate, req.Kind)
	assert.Equal(t, "communication", req.Input)
	assert.False(t, req.Deadline.IsZero())
	assert.Equal(t, "telegram", req.Platform)
}

func TestMachine_SubmitAnswer_AdvancesSteps(t *testing.T) {
	m, _ := newTestMachine()
	session := startSession(t, m)

	result, err := m.SubmitAnswer(context.Background(), session.ID, "communication", "I ran the weekly sync.")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Session.CurrentStep)
	assert.Equal(t, "teamwork", result.NextCompetency)
	assert.Equal(t, review.StatusActive, result.Session.Status)

	entry := result.Session.Entries[0]
	assert.Equal(t, "I ran the weekly sync.", entry.Raw)
	assert.JSONEq(t, `{"refined": "refined text", "improvement_hints": ["x", "y"]}`, string(entry.Refined))
	require.NotNil(t, entry.AnsweredAt)
}

func TestMachine_SubmitAnswer_LastStepAwaitsConfirmation(t *testing.T) {
	m, _ := newTestMachine()
	session := startSession(t, m)

	result := answerAll(t, m, session.ID)

	assert.Equal(t, review.StatusAwaitingConfirmation, result.Session.Status)
	assert.Empty(t, result.NextCompetency)
}

func TestMachine_SubmitAnswer_OutOfOrderLeavesStateUntouched(t *testing.T) {
	m, _ := newTestMachine()
	session := startSession(t, m)

	_, err := m.SubmitAnswer(context.Background(), session.ID, "ownership", "skipping ahead")
	require.ErrorIs(t, err, review.ErrOutOfOrderStep)

	fresh, err := m.Resume(context.Background(), "u-1", "r-1")
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.CurrentStep)
	assert.Empty(t, fresh.Entries[0].Raw)
	assert.Empty(t, fresh.Entries[2].Raw)
}

func TestMachine_SubmitAnswer_RejectsEmptyText(t *testing.T) {
	m, _ := newTestMachine()
	session := startSession(t, m)

	_, err := m.SubmitAnswer(context.Background(), session.ID, "communication", "   \n\t")
	assert.ErrorIs(t, err, review.ErrInvalidState)
}

func TestMachine_SubmitAnswer_ResolverErrorKeepsStep(t *testing.T) {
	m, resolver := newTestMachine()
	session := startSession(t, m)

	resolver.err = errors.New("selector misconfigured")
	_, err := m.SubmitAnswer(context.Background(), session.ID, "communication", "text")
	require.Error(t, err)

	fresh, err := m.Resume(context.Background(), "u-1", "r-1")
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.CurrentStep, "a failed refine must not consume the step")
}

func TestMachine_Confirm(t *testing.T) {
	m, resolver := newTestMachine(review.WithPeerSource(&fakePeers{items: []string{"peer item"}}))
	session := startSession(t, m)
	answerAll(t, m, session.ID)

	outcome, err := m.Confirm(context.Background(), session.ID)
	require.NoError(t, err)

	assert.Equal(t, review.StatusSubmitted, outcome.Session.Status)
	assert.NotEmpty(t, outcome.Conflicts.Payload)
	assert.NotEmpty(t, outcome.Summary.Payload)

	kinds := resolver.kinds()
	assert.Equal(t, llm.TaskConflicts, kinds[len(kinds)-2])
	assert.Equal(t, llm.TaskSummary, kinds[len(kinds)-1])
}

func TestMachine_Confirm_RequiresAwaitingConfirmation(t *testing.T) {
	m, _ := newTestMachine()
	session := startSession(t, m)

	_, err := m.Confirm(context.Background(), session.ID)
	assert.ErrorIs(t, err, review.ErrInvalidState)
}

func TestMachine_Confirm_PeerFailureDegrades(t *testing.T) {
	m, _ := newTestMachine(review.WithPeerSource(&fakePeers{err: errors.New("peer store down")}))
	session := startSession(t, m)
	answerAll(t, m, session.ID)

	outcome, err := m.Confirm(context.Background(), session.ID)
	require.NoError(t, err, "peer item failures must not block submission")
	assert.Equal(t, review.StatusSubmitted, outcome.Session.Status)
}

func TestMachine_TerminalSessionsAreImmutable(t *testing.T) {
	m, _ := newTestMachine()
	session := startSession(t, m)
	answerAll(t, m, session.ID)

	_, err := m.Confirm(context.Background(), session.ID)
	require.NoError(t, err)

	_, err = m.SubmitAnswer(context.Background(), session.ID, "communication", "late edit")
	assert.ErrorIs(t, err, review.ErrSessionTerminal)

	_, err = m.Confirm(context.Background(), session.ID)
	assert.ErrorIs(t, err, review.ErrSessionTerminal)

	err = m.Cancel(context.Background(), session.ID)
	assert.ErrorIs(t, err, review.ErrSessionTerminal)
}

func TestMachine_Cancel(t *testing.T) {
	m, _ := newTestMachine()
	session := startSession(t, m)

	require.NoError(t, m.Cancel(context.Background(), session.ID))

	_, err := m.Resume(context.Background(), "u-1", "r-1")
	assert.ErrorIs(t, err, review.ErrSessionNotFound)

	// Cancelled sessions free the (user, review) slot for a fresh start.
	_, err = m.Start(context.Background(), "u-1", "r-1", review.KindSelf, "telegram", "chat-42")
	assert.NoError(t, err)
}

func TestMachine_ExpireIdle(t *testing.T) {
	m, _ := newTestMachine(review.WithIdleTimeout(time.Hour))
	session := startSession(t, m)

	// Not yet idle.
	expired, err := m.ExpireIdle(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, expired)

	// Well past the idle timeout.
	expired, err = m.ExpireIdle(context.Background(), time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	_, err = m.Resume(context.Background(), "u-1", "r-1")
	assert.ErrorIs(t, err, review.ErrSessionNotFound)
	_ = session
}

func TestMachine_ConcurrentAnswersOneWins(t *testing.T) {
	m, _ := newTestMachine()
	session := startSession(t, m)

	const racers = 4
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.SubmitAnswer(context.Background(), session.ID, "communication", fmt.Sprintf("attempt %d", i))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, review.ErrOutOfOrderStep)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one racer consumes the step")
}
