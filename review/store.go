package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// SessionsBucket is the JetStream KV bucket holding review sessions.
const SessionsBucket = "peerpulse_sessions"

// Store persists sessions. Assumed durable and strongly consistent per key.
type Store interface {
	// LoadSession returns the most recent session for (user, review), or
	// ErrSessionNotFound.
	LoadSession(ctx context.Context, userID, reviewID string) (*Session, error)

	// GetSession returns a session by ID, or ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// SaveSession writes the session wholesale.
	SaveSession(ctx context.Context, session *Session) error

	// ListActive returns all non-terminal sessions.
	ListActive(ctx context.Context) ([]*Session, error)
}

// CompetencySource supplies the fixed competency order for a review.
// Implemented by the external persistence collaborator.
type CompetencySource interface {
	LoadCompetencyOrder(ctx context.Context, reviewID string) ([]string, error)
}

// KVStore keeps sessions in a NATS JetStream key/value bucket, keyed by
// (user, review) so the one-active-session invariant maps onto one key.
type KVStore struct {
	bucket jetstream.KeyValue
}

// NewKVStore creates (or binds to) the sessions bucket.
func NewKVStore(ctx context.Context, js jetstream.JetStream) (*KVStore, error) {
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      SessionsBucket,
		Description: "Self/peer review conversation sessions",
		TTL:         30 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}

	return &KVStore{bucket: bucket}, nil
}

func sessionKey(userID, reviewID string) string {
	return fmt.Sprintf("%s_%s", userID, reviewID)
}

// LoadSession returns the session stored for (user, review).
func (s *KVStore) LoadSession(ctx context.Context, userID, reviewID string) (*Session, error) {
	entry, err := s.bucket.Get(ctx, sessionKey(userID, reviewID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(entry.Value(), &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}

// GetSession returns a session by ID via a bucket scan. Session counts are
// small (one per in-flight conversation), so the scan stays cheap.
func (s *KVStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	sessions, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	for _, session := range sessions {
		if session.ID == sessionID {
			return session, nil
		}
	}
	return nil, ErrSessionNotFound
}

// SaveSession writes the session under its (user, review) key.
func (s *KVStore) SaveSession(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	if _, err := s.bucket.Put(ctx, sessionKey(session.UserID, session.ReviewID), data); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// ListActive returns all non-terminal sessions.
func (s *KVStore) ListActive(ctx context.Context) ([]*Session, error) {
	sessions, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	var active []*Session
	for _, session := range sessions {
		if !session.Status.IsTerminal() {
			active = append(active, session)
		}
	}
	return active, nil
}

func (s *KVStore) scan(ctx context.Context) ([]*Session, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	var sessions []*Session
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

		var session Session
		if err := json.Unmarshal(entry.Value(), &session); err != nil {
			continue
		}
		sessions = append(sessions, &session)
	}

	return sessions, nil
}

// MemoryStore keeps sessions in process memory. Used in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session // keyed by (user, review)
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// LoadSession returns the session stored for (user, review).
func (s *MemoryStore) LoadSession(_ context.Context, userID, reviewID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionKey(userID, reviewID)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(session), nil
}

// GetSession returns a session by ID.
func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, session := range s.sessions {
		if session.ID == sessionID {
			return cloneSession(session), nil
		}
	}
	return nil, ErrSessionNotFound
}

// SaveSession writes the session wholesale.
func (s *MemoryStore) SaveSession(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionKey(session.UserID, session.ReviewID)] = cloneSession(session)
	return nil
}

// ListActive returns all non-terminal sessions.
func (s *MemoryStore) ListActive(_ context.Context) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*Session
	for _, session := range s.sessions {
		if !session.Status.IsTerminal() {
			active = append(active, cloneSession(session))
		}
	}
	return active, nil
}

// cloneSession copies a session so callers never share entry slices with
// the store.
func cloneSession(s *Session) *Session {
	clone := *s
	clone.Entries = make([]Entry, len(s.Entries))
	copy(clone.Entries, s.Entries)
	return &clone
}
