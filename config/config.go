// Package config provides configuration loading and management for PeerPulse.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/peerpulse/peerpulse/cache"
	"github.com/peerpulse/peerpulse/llm"
)

// Config represents the complete PeerPulse configuration
type Config struct {
	Model     ModelConfig               `yaml:"model"`
	Profiles  map[string]ProfileConfig  `yaml:"profiles"`
	TaskKinds map[string]TaskKindConfig `yaml:"task_kinds"`
	Cache     CacheConfig               `yaml:"cache"`
	NATS      NATSConfig                `yaml:"nats"`
	Queue     QueueConfig               `yaml:"queue"`
	Session   SessionConfig             `yaml:"session"`
	Audit     AuditConfig               `yaml:"audit"`

	// Platforms lists the chat platforms with a gateway process attached.
	// An adapter is registered for each at startup.
	Platforms []string `yaml:"platforms"`
}

// ModelConfig configures the model endpoint
type ModelConfig struct {
	// Provider selects the registered provider ("ollama" or "openai")
	Provider string `yaml:"provider"`
	// Endpoint is the API base URL (default: http://localhost:11434/v1)
	Endpoint string `yaml:"endpoint"`
	// EmbeddingModel is the model used for embedding requests
	EmbeddingModel string `yaml:"embedding_model"`
}

// ProfileConfig defines one execution profile. The map key in
// Config.Profiles is the profile name.
type ProfileConfig struct {
	// Model is the model identifier (e.g., "qwen2.5:7b")
	Model string `yaml:"model"`
	// MaxOutputTokens bounds the generated output
	MaxOutputTokens int `yaml:"max_output_tokens"`
	// Temperature controls randomness (0.0-1.0)
	Temperature float64 `yaml:"temperature"`
	// Timeout is the maximum time to wait for a model response
	Timeout time.Duration `yaml:"timeout"`
}

// TaskKindConfig binds a task kind to its profile, cache class, prompt
// and static fallback payload. The map key in Config.TaskKinds is the
// task kind name.
type TaskKindConfig struct {
	// Profile names the execution profile for this kind
	Profile string `yaml:"profile"`
	// TTLClass selects the cache retention class
	TTLClass string `yaml:"ttl_class"`
	// SystemPrompt is sent as the system message
	SystemPrompt string `yaml:"system_prompt"`
	// Language tags the prompt language for fingerprinting
	Language string `yaml:"language"`
	// Static is the last-resort payload; must satisfy the kind's schema
	Static string `yaml:"static"`
}

// CacheConfig configures per-class retention
type CacheConfig struct {
	TemplateTTL  time.Duration `yaml:"template_ttl"`
	EmbeddingTTL time.Duration `yaml:"embedding_ttl"`
	ResponseTTL  time.Duration `yaml:"response_ttl"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url"`
}

// QueueConfig configures deferred task retry behavior
type QueueConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

// SessionConfig configures review session behavior
type SessionConfig struct {
	// IdleTimeout is how long an active session may sit untouched
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// InteractiveBudget is the end-to-end deadline for one user-facing step
	InteractiveBudget time.Duration `yaml:"interactive_budget"`
	// Competencies is the fallback competency ordering for reviews without
	// a stored one
	Competencies []string `yaml:"competencies"`
}

// AuditConfig configures the audit emitter
type AuditConfig struct {
	// BufferSize is the emitter channel capacity
	BufferSize int `yaml:"buffer_size"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Provider:       "ollama",
			Endpoint:       "http://localhost:11434/v1",
			EmbeddingModel: "nomic-embed-text",
		},
		Profiles: map[string]ProfileConfig{
			"fast": {
				Model:           "qwen2.5:7b",
				MaxOutputTokens: 512,
				Temperature:     0.3,
				Timeout:         3 * time.Second,
			},
			"thorough": {
				Model:           "qwen2.5:32b",
				MaxOutputTokens: 2048,
				Temperature:     0.5,
				Timeout:         30 * time.Second,
			},
		},
		TaskKinds: map[string]TaskKindConfig{
			"template": {
				Profile:      "fast",
				TTLClass:     "template",
				Language:     "en",
				SystemPrompt: "You help employees write self and peer assessments. Produce an answer template for the given competency as JSON with keys outline, example, and bullet_points (3 to 5 items). Respond with JSON only.",
				Static:       `{"outline": "Describe a concrete situation, the action you took, and the result.", "example": "When our release slipped, I reorganized the review queue and we shipped two days later instead of a week.", "bullet_points": ["Start from a specific situation", "Name your own contribution", "State the measurable outcome"]}`,
			},
			"refine": {
				Profile:      "fast",
				TTLClass:     "response",
				Language:     "en",
				SystemPrompt: "You refine assessment answers without changing their meaning. Return JSON with keys refined and improvement_hints (2 to 6 items). Respond with JSON only.",
				Static:       `{"refined": "Your answer has been recorded as written. A polished version will follow shortly.", "improvement_hints": ["Consider adding a concrete example", "Mention the outcome of your actions"]}`,
			},
			"conflicts": {
				Profile:      "thorough",
				TTLClass:     "response",
				Language:     "en",
				SystemPrompt: "You compare self-assessment items against peer feedback. Return JSON with keys duplicates (pairs of item indices) and contradictions (objects with self_idx, peer_idx, reason). Respond with JSON only.",
				Static:       `{"duplicates": [], "contradictions": []}`,
			},
			"summary": {
				Profile:      "thorough",
				TTLClass:     "response",
				Language:     "en",
				SystemPrompt: "You summarize a completed assessment. Return JSON with keys strengths, areas_for_growth, and next_steps, each with exactly 3 items. Respond with JSON only.",
				Static:       `{"strengths": ["Completed the full assessment", "Provided answers for every competency", "Engaged with the review process"], "areas_for_growth": ["A detailed analysis is being prepared", "Check back shortly for specifics", "Your manager will receive the full report"], "next_steps": ["Review the refined answers once ready", "Discuss the report in your next one-on-one", "Set goals based on the final summary"]}`,
			},
		},
		Cache: CacheConfig{
			TemplateTTL:  24 * time.Hour,
			EmbeddingTTL: 24 * time.Hour,
			ResponseTTL:  30 * time.Minute,
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Queue: QueueConfig{
			MaxAttempts:       3,
			BackoffBase:       5 * time.Second,
			BackoffMultiplier: 2.0,
			BackoffMax:        2 * time.Minute,
			PollInterval:      5 * time.Second,
		},
		Session: SessionConfig{
			IdleTimeout:       24 * time.Hour,
			InteractiveBudget: 5 * time.Second,
			Competencies: []string{
				"communication",
				"teamwork",
				"problem_solving",
				"ownership",
				"growth_mindset",
			},
		},
		Audit: AuditConfig{
			BufferSize: 1024,
		},
		Platforms: []string{"telegram"},
	}
}

// Validate checks that the configuration is valid. Task-kind mapping
// defects are startup failures, never request-time ones.
func (c *Config) Validate() error {
	if c.Model.Provider == "" {
		return fmt.Errorf("model.provider is required")
	}
	if c.Model.Endpoint == "" {
		return fmt.Errorf("model.endpoint is required")
	}

	if len(c.Profiles) == 0 {
		return fmt.Errorf("at least one profile is required")
	}
	for name, profile := range c.Profiles {
		if profile.Model == "" {
			return fmt.Errorf("profile %q: model is required", name)
		}
		if profile.Timeout <= 0 {
			return fmt.Errorf("profile %q: timeout must be positive", name)
		}
		if profile.Temperature < 0 || profile.Temperature > 1 {
			return fmt.Errorf("profile %q: temperature must be between 0 and 1", name)
		}
		if profile.MaxOutputTokens <= 0 {
			return fmt.Errorf("profile %q: max_output_tokens must be positive", name)
		}
	}

	if len(c.TaskKinds) == 0 {
		return fmt.Errorf("at least one task kind mapping is required")
	}
	for name, tk := range c.TaskKinds {
		kind := llm.TaskKind(name)
		if !kind.IsValid() {
			return fmt.Errorf("task kind %q is not recognized", name)
		}
		if _, ok := c.Profiles[tk.Profile]; !ok {
			return fmt.Errorf("task kind %q references unknown profile %q", name, tk.Profile)
		}
		switch cache.TTLClass(tk.TTLClass) {
		case cache.ClassTemplate, cache.ClassEmbedding, cache.ClassResponse:
		default:
			return fmt.Errorf("task kind %q has unknown ttl class %q", name, tk.TTLClass)
		}
		if tk.Static == "" {
			return fmt.Errorf("task kind %q has no static fallback payload", name)
		}
		if _, err := llm.ValidateOutput(kind, tk.Static); err != nil {
			return fmt.Errorf("task kind %q static payload is invalid: %w", name, err)
		}
	}

	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}
	if c.Queue.BackoffBase <= 0 {
		return fmt.Errorf("queue.backoff_base must be positive")
	}
	if c.Queue.BackoffMultiplier < 1 {
		return fmt.Errorf("queue.backoff_multiplier must be at least 1")
	}
	if c.Session.InteractiveBudget <= 0 {
		return fmt.Errorf("session.interactive_budget must be positive")
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Model
	if other.Model.Provider != "" {
		c.Model.Provider = other.Model.Provider
	}
	if other.Model.Endpoint != "" {
		c.Model.Endpoint = other.Model.Endpoint
	}
	if other.Model.EmbeddingModel != "" {
		c.Model.EmbeddingModel = other.Model.EmbeddingModel
	}

	// Profiles and task kinds replace per-key
	for name, profile := range other.Profiles {
		if c.Profiles == nil {
			c.Profiles = make(map[string]ProfileConfig)
		}
		c.Profiles[name] = profile
	}
	for name, tk := range other.TaskKinds {
		if c.TaskKinds == nil {
			c.TaskKinds = make(map[string]TaskKindConfig)
		}
		base := c.TaskKinds[name]
		if tk.Profile != "" {
			base.Profile = tk.Profile
		}
		if tk.TTLClass != "" {
			base.TTLClass = tk.TTLClass
		}
		if tk.SystemPrompt != "" {
			base.SystemPrompt = tk.SystemPrompt
		}
		if tk.Language != "" {
			base.Language = tk.Language
		}
		if tk.Static != "" {
			base.Static = tk.Static
		}
		c.TaskKinds[name] = base
	}

	// Cache
	if other.Cache.TemplateTTL != 0 {
		c.Cache.TemplateTTL = other.Cache.TemplateTTL
	}
	if other.Cache.EmbeddingTTL != 0 {
		c.Cache.EmbeddingTTL = other.Cache.EmbeddingTTL
	}
	if other.Cache.ResponseTTL != 0 {
		c.Cache.ResponseTTL = other.Cache.ResponseTTL
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}

	// Queue
	if other.Queue.MaxAttempts != 0 {
		c.Queue.MaxAttempts = other.Queue.MaxAttempts
	}
	if other.Queue.BackoffBase != 0 {
		c.Queue.BackoffBase = other.Queue.BackoffBase
	}
	if other.Queue.BackoffMultiplier != 0 {
		c.Queue.BackoffMultiplier = other.Queue.BackoffMultiplier
	}
	if other.Queue.BackoffMax != 0 {
		c.Queue.BackoffMax = other.Queue.BackoffMax
	}
	if other.Queue.PollInterval != 0 {
		c.Queue.PollInterval = other.Queue.PollInterval
	}

	// Session
	if other.Session.IdleTimeout != 0 {
		c.Session.IdleTimeout = other.Session.IdleTimeout
	}
	if other.Session.InteractiveBudget != 0 {
		c.Session.InteractiveBudget = other.Session.InteractiveBudget
	}
	if len(other.Session.Competencies) > 0 {
		c.Session.Competencies = other.Session.Competencies
	}

	// Audit
	if other.Audit.BufferSize != 0 {
		c.Audit.BufferSize = other.Audit.BufferSize
	}

	if len(other.Platforms) > 0 {
		c.Platforms = other.Platforms
	}
}

// TTLConfig converts the cache section to the cache package's form.
func (c *Config) TTLConfig() cache.TTLConfig {
	ttl := cache.DefaultTTLConfig()
	if c.Cache.TemplateTTL != 0 {
		ttl.Template = c.Cache.TemplateTTL
	}
	if c.Cache.EmbeddingTTL != 0 {
		ttl.Embedding = c.Cache.EmbeddingTTL
	}
	if c.Cache.ResponseTTL != 0 {
		ttl.Response = c.Cache.ResponseTTL
	}
	return ttl
}
