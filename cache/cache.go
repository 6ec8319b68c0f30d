package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// TTLClass selects the expiry duration for an entry by what it stores.
type TTLClass string

const (
	// ClassTemplate holds generated competency templates (long-lived).
	ClassTemplate TTLClass = "template"
	// ClassEmbedding holds text embeddings (long-lived).
	ClassEmbedding TTLClass = "embedding"
	// ClassResponse holds generated model responses (short-lived).
	ClassResponse TTLClass = "response"
)

// TTLConfig maps each class to its expiry duration.
type TTLConfig struct {
	Template  time.Duration
	Embedding time.Duration
	Response  time.Duration
}

// DefaultTTLConfig returns the standard expiry durations.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Template:  24 * time.Hour,
		Embedding: 24 * time.Hour,
		Response:  30 * time.Minute,
	}
}

func (c TTLConfig) ttl(class TTLClass) time.Duration {
	switch class {
	case ClassTemplate:
		return c.Template
	case ClassEmbedding:
		return c.Embedding
	default:
		return c.Response
	}
}

// Entry is one immutable cache record. Refresh overwrites it wholesale;
// entries are never patched in place.
type Entry struct {
	Fingerprint string          `json:"fingerprint"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	Class       TTLClass        `json:"ttl_class"`
}

// Stats holds the hit/miss counters exposed to the metrics exporter.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

// WarmupEntry is one preload record supplied by the external warm-up source.
type WarmupEntry struct {
	Fingerprint string
	Payload     json.RawMessage
	Class       TTLClass
}

// WarmupSource supplies bulk preload entries at process start.
type WarmupSource interface {
	Entries(ctx context.Context) ([]WarmupEntry, error)
}

// Cache is an in-process TTL key/value store. Expiry is judged at read time
// against the entry's class; writes are unconditional last-writer-wins. All
// operations are bounded and never wait on anything slower than a mutex, so
// the cache can never jeopardize the interactive budget.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     TTLConfig
	clock   func() time.Time
	logger  *slog.Logger

	warmupOnce sync.Once

	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTLConfig overrides the per-class expiry durations.
func WithTTLConfig(cfg TTLConfig) Option {
	return func(c *Cache) {
		c.ttl = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithClock overrides the time source. Used by expiry tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) {
		c.clock = clock
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]Entry),
		ttl:     DefaultTTLConfig(),
		clock:   time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the payload for a fingerprint. Expired entries behave as
// not-found and are removed opportunistically.
func (c *Cache) Get(fingerprint string) (json.RawMessage, bool) {
	c.mu.RLock()
	entry, ok := c.entries[fingerprint]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	if c.expired(entry) {
		c.mu.Lock()
		// Re-check under the write lock: a fresher entry may have landed.
		if current, still := c.entries[fingerprint]; still && c.expired(current) {
			delete(c.entries, fingerprint)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return entry.Payload, true
}

// Set stores a payload under the fingerprint. Overwrites unconditionally;
// last writer wins.
func (c *Cache) Set(fingerprint string, payload json.RawMessage, class TTLClass) {
	entry := Entry{
		Fingerprint: fingerprint,
		Payload:     payload,
		CreatedAt:   c.clock(),
		Class:       class,
	}

	c.mu.Lock()
	c.entries[fingerprint] = entry
	c.mu.Unlock()
}

// Invalidate removes the exact fingerprint, or every entry whose key bears
// the given prefix. Prefix removal supports dropping all entries derived
// from one upstream entity (e.g. a changed competency template).
func (c *Cache) Invalidate(prefixOrFingerprint string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[prefixOrFingerprint]; ok {
		delete(c.entries, prefixOrFingerprint)
		return 1
	}

	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefixOrFingerprint) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// WarmUp bulk-preloads entries from the external source. Best-effort:
// individual failures are logged and skipped, and a source error never
// aborts startup. Re-invocation is an idempotent no-op.
func (c *Cache) WarmUp(ctx context.Context, src WarmupSource) {
	c.warmupOnce.Do(func() {
		entries, err := src.Entries(ctx)
		if err != nil {
			c.logger.Warn("Cache warm-up source failed, starting cold", "error", err)
			return
		}

		loaded := 0
		for _, e := range entries {
			if e.Fingerprint == "" || len(e.Payload) == 0 {
				c.logger.Warn("Skipping invalid warm-up entry", "fingerprint", e.Fingerprint)
				continue
			}
			c.Set(e.Fingerprint, e.Payload, e.Class)
			loaded++
		}

		c.logger.Info("Cache warm-up completed", "loaded", loaded, "offered", len(entries))
	})
}

// Stats returns hit/miss counters and the current entry count.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	entries := len(c.entries)
	c.mu.RUnlock()

	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: entries,
	}
}

// Sweep removes all expired entries and returns how many were dropped.
// Invoked periodically by the serve loop; never required for correctness
// since Get judges expiry at read time.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if c.expired(entry) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *Cache) expired(entry Entry) bool {
	return c.clock().Sub(entry.CreatedAt) > c.ttl.ttl(entry.Class)
}
