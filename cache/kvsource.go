package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// WarmupBucket is the KV bucket holding precomputed cache entries.
const WarmupBucket = "peerpulse_cache_warmup"

// KVWarmupSource stores precomputed entries in a KV bucket so a fresh
// process starts with a warm cache. The warmup command writes entries;
// serve reads them back at start.
type KVWarmupSource struct {
	kv jetstream.KeyValue
}

// NewKVWarmupSource creates or binds the warm-up bucket.
func NewKVWarmupSource(ctx context.Context, js jetstream.JetStream) (*KVWarmupSource, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      WarmupBucket,
		Description: "Precomputed cache entries for process start",
		History:     1,
		TTL:         7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create warmup bucket: %w", err)
	}
	return &KVWarmupSource{kv: kv}, nil
}

// Save stores one precomputed entry under its fingerprint.
func (s *KVWarmupSource) Save(ctx context.Context, entry WarmupEntry) error {
	data, err := json.Marshal(Entry{
		Fingerprint: entry.Fingerprint,
		Payload:     entry.Payload,
		CreatedAt:   time.Now().UTC(),
		Class:       entry.Class,
	})
	if err != nil {
		return fmt.Errorf("marshal warmup entry: %w", err)
	}
	// Fingerprints contain ':' which KV keys reject; '.' is the KV key
	// separator equivalent.
	if _, err := s.kv.Put(ctx, kvKey(entry.Fingerprint), data); err != nil {
		return fmt.Errorf("put warmup entry: %w", err)
	}
	return nil
}

// Entries returns all stored entries, skipping any that fail to decode.
func (s *KVWarmupSource) Entries(ctx context.Context) ([]WarmupEntry, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list warmup keys: %w", err)
	}

	entries := make([]WarmupEntry, 0, len(keys))
	for _, key := range keys {
		kvEntry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}

		var stored Entry
		if err := json.Unmarshal(kvEntry.Value(), &stored); err != nil {
			continue
		}

		entries = append(entries, WarmupEntry{
			Fingerprint: stored.Fingerprint,
			Payload:     stored.Payload,
			Class:       stored.Class,
		})
	}

	return entries, nil
}

func kvKey(fingerprint string) string {
	out := []byte(fingerprint)
	for i, b := range out {
		if b == ':' {
			out[i] = '.'
		}
	}
	return string(out)
}
