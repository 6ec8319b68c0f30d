// Package orchestrator decides how every request needing a generated answer
// is satisfied within the interactive budget: it races the live model call
// against the deadline, falls back through cache and static templates, and
// hands overflow work to the deferred completion queue.
package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/peerpulse/peerpulse/cache"
	"github.com/peerpulse/peerpulse/llm"
)

// ErrUnknownTaskKind reports a task kind with no configured mapping. This is
// a configuration defect: it is validated fatal at startup and never retried.
var ErrUnknownTaskKind = errors.New("unknown task kind")

// TaskConfig binds one task kind to its execution profile, cache class,
// prompt and pre-authored static fallback.
type TaskConfig struct {
	// Kind is the task this configuration serves.
	Kind llm.TaskKind

	// Profile is the resolved execution profile ("fast", "thorough").
	Profile llm.Profile

	// TTLClass selects the cache expiry for results of this kind.
	TTLClass cache.TTLClass

	// SystemPrompt is the task's system prompt.
	SystemPrompt string

	// Language tags the prompt language; part of the request fingerprint.
	Language string

	// Static is the fixed fallback payload returned when neither the live
	// call nor the cache can answer. Must satisfy the task's schema.
	Static json.RawMessage
}

// Selector maps task kinds to their execution configuration. It is a pure
// lookup over static configuration, validated once at construction.
type Selector struct {
	configs map[llm.TaskKind]TaskConfig
}

// NewSelector builds a selector, failing fast on incomplete configuration
// so misconfiguration surfaces at startup rather than at request time.
func NewSelector(configs map[llm.TaskKind]TaskConfig) (*Selector, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("no task kinds configured")
	}

	for kind, cfg := range configs {
		if !kind.IsValid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTaskKind, kind)
		}
		if cfg.Profile.Name == "" || cfg.Profile.Model == "" {
			return nil, fmt.Errorf("task %q: profile is incomplete", kind)
		}
		if cfg.Profile.Timeout <= 0 {
			return nil, fmt.Errorf("task %q: profile %q needs a positive timeout", kind, cfg.Profile.Name)
		}
		if len(cfg.Static) == 0 {
			return nil, fmt.Errorf("task %q: static fallback template is required", kind)
		}
		if _, err := llm.ValidateOutput(kind, string(cfg.Static)); err != nil {
			return nil, fmt.Errorf("task %q: static fallback violates schema: %w", kind, err)
		}
	}

	return &Selector{configs: configs}, nil
}

// Resolve returns the configuration for a task kind.
func (s *Selector) Resolve(kind llm.TaskKind) (TaskConfig, error) {
	cfg, ok := s.configs[kind]
	if !ok {
		return TaskConfig{}, fmt.Errorf("%w: %q", ErrUnknownTaskKind, kind)
	}
	return cfg, nil
}

// Kinds returns all configured task kinds.
func (s *Selector) Kinds() []llm.TaskKind {
	kinds := make([]llm.TaskKind, 0, len(s.configs))
	for kind := range s.configs {
		kinds = append(kinds, kind)
	}
	return kinds
}
