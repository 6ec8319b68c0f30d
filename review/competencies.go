package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// ReviewsBucket is the KV bucket holding per-review competency orderings.
const ReviewsBucket = "peerpulse_reviews"

// KVCompetencySource reads competency orderings from a KV bucket keyed by
// review ID. Each value is a JSON array of competency names.
type KVCompetencySource struct {
	kv jetstream.KeyValue

	// fallback is used for reviews with no stored ordering.
	fallback []string
}

// NewKVCompetencySource creates or binds the reviews bucket. The fallback
// ordering applies to reviews with no stored entry; empty means such
// reviews fail to start.
func NewKVCompetencySource(ctx context.Context, js jetstream.JetStream, fallback []string) (*KVCompetencySource, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      ReviewsBucket,
		Description: "Per-review competency orderings",
		History:     1,
		TTL:         0,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create reviews bucket: %w", err)
	}
	return &KVCompetencySource{kv: kv, fallback: fallback}, nil
}

// LoadCompetencyOrder returns the ordering for one review.
func (s *KVCompetencySource) LoadCompetencyOrder(ctx context.Context, reviewID string) ([]string, error) {
	entry, err := s.kv.Get(ctx, reviewID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			if len(s.fallback) > 0 {
				return append([]string(nil), s.fallback...), nil
			}
			return nil, fmt.Errorf("review %s has no competency ordering", reviewID)
		}
		return nil, fmt.Errorf("get competency ordering: %w", err)
	}

	var order []string
	if err := json.Unmarshal(entry.Value(), &order); err != nil {
		return nil, fmt.Errorf("decode competency ordering for review %s: %w", reviewID, err)
	}
	return order, nil
}

// SaveCompetencyOrder stores the ordering for one review. Used by
// provisioning tooling; the machine only reads.
func (s *KVCompetencySource) SaveCompetencyOrder(ctx context.Context, reviewID string, order []string) error {
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("encode competency ordering: %w", err)
	}
	if _, err := s.kv.Put(ctx, reviewID, data); err != nil {
		return fmt.Errorf("put competency ordering: %w", err)
	}
	return nil
}

// StaticCompetencySource serves one fixed ordering for every review.
type StaticCompetencySource []string

// LoadCompetencyOrder returns the fixed ordering.
func (s StaticCompetencySource) LoadCompetencyOrder(_ context.Context, _ string) ([]string, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("no competencies configured")
	}
	return append([]string(nil), s...), nil
}
