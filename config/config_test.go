package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Model.Provider != "ollama" {
		t.Errorf("expected default provider ollama, got %s", cfg.Model.Provider)
	}
	if cfg.Model.Endpoint != "http://localhost:11434/v1" {
		t.Errorf("expected default endpoint http://localhost:11434/v1, got %s", cfg.Model.Endpoint)
	}
	if cfg.Profiles["fast"].Timeout != 3*time.Second {
		t.Errorf("expected fast profile timeout 3s, got %v", cfg.Profiles["fast"].Timeout)
	}
	if cfg.Profiles["thorough"].Timeout != 30*time.Second {
		t.Errorf("expected thorough profile timeout 30s, got %v", cfg.Profiles["thorough"].Timeout)
	}
	for _, kind := range []string{"template", "refine", "conflicts", "summary"} {
		if _, ok := cfg.TaskKinds[kind]; !ok {
			t.Errorf("expected task kind %q in defaults", kind)
		}
	}
	if cfg.Session.InteractiveBudget != 5*time.Second {
		t.Errorf("expected interactive budget 5s, got %v", cfg.Session.InteractiveBudget)
	}
	if len(cfg.Session.Competencies) == 0 {
		t.Error("expected default competency ordering")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing provider",
			modify:  func(c *Config) { c.Model.Provider = "" },
			wantErr: true,
		},
		{
			name:    "missing endpoint",
			modify:  func(c *Config) { c.Model.Endpoint = "" },
			wantErr: true,
		},
		{
			name:    "no profiles",
			modify:  func(c *Config) { c.Profiles = nil },
			wantErr: true,
		},
		{
			name: "profile without model",
			modify: func(c *Config) {
				p := c.Profiles["fast"]
				p.Model = ""
				c.Profiles["fast"] = p
			},
			wantErr: true,
		},
		{
			name: "profile with zero timeout",
			modify: func(c *Config) {
				p := c.Profiles["fast"]
				p.Timeout = 0
				c.Profiles["fast"] = p
			},
			wantErr: true,
		},
		{
			name: "temperature too high",
			modify: func(c *Config) {
				p := c.Profiles["fast"]
				p.Temperature = 1.1
				c.Profiles["fast"] = p
			},
			wantErr: true,
		},
		{
			name: "unrecognized task kind",
			modify: func(c *Config) {
				c.TaskKinds["haiku"] = c.TaskKinds["refine"]
			},
			wantErr: true,
		},
		{
			name: "task kind references unknown profile",
			modify: func(c *Config) {
				tk := c.TaskKinds["refine"]
				tk.Profile = "nonexistent"
				c.TaskKinds["refine"] = tk
			},
			wantErr: true,
		},
		{
			name: "task kind with unknown ttl class",
			modify: func(c *Config) {
				tk := c.TaskKinds["refine"]
				tk.TTLClass = "forever"
				c.TaskKinds["refine"] = tk
			},
			wantErr: true,
		},
		{
			name: "task kind without static payload",
			modify: func(c *Config) {
				tk := c.TaskKinds["refine"]
				tk.Static = ""
				c.TaskKinds["refine"] = tk
			},
			wantErr: true,
		},
		{
			name: "static payload violates schema",
			modify: func(c *Config) {
				tk := c.TaskKinds["refine"]
				tk.Static = `{"refined": "x"}` // missing improvement_hints
				c.TaskKinds["refine"] = tk
			},
			wantErr: true,
		},
		{
			name:    "zero retry attempts",
			modify:  func(c *Config) { c.Queue.MaxAttempts = 0 },
			wantErr: true,
		},
		{
			name:    "backoff multiplier below one",
			modify:  func(c *Config) { c.Queue.BackoffMultiplier = 0.5 },
			wantErr: true,
		},
		{
			name:    "zero interactive budget",
			modify:  func(c *Config) { c.Session.InteractiveBudget = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
model:
  provider: "openai"
  endpoint: "http://test:1234/v1"
nats:
  url: "nats://test:4222"
session:
  competencies:
    - communication
    - ownership
platforms:
  - telegram
  - slack
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Model.Provider != "openai" {
		t.Errorf("expected provider openai, got %s", cfg.Model.Provider)
	}
	if cfg.Model.Endpoint != "http://test:1234/v1" {
		t.Errorf("expected endpoint http://test:1234/v1, got %s", cfg.Model.Endpoint)
	}
	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if len(cfg.Session.Competencies) != 2 {
		t.Errorf("expected 2 competencies, got %d", len(cfg.Session.Competencies))
	}
	if len(cfg.Platforms) != 2 {
		t.Errorf("expected 2 platforms, got %d", len(cfg.Platforms))
	}
	// Sections absent from the file keep their defaults.
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("expected default max attempts 3, got %d", cfg.Queue.MaxAttempts)
	}
}

func TestLoadFromFile_Missing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Model: ModelConfig{
			Provider: "openai",
		},
		Profiles: map[string]ProfileConfig{
			"fast": {
				Model:           "gpt-4o-mini",
				MaxOutputTokens: 256,
				Temperature:     0.1,
				Timeout:         2 * time.Second,
			},
		},
		TaskKinds: map[string]TaskKindConfig{
			"refine": {Profile: "thorough"},
		},
		Session: SessionConfig{IdleTimeout: 48 * time.Hour},
	}

	base.Merge(override)

	if base.Model.Provider != "openai" {
		t.Errorf("expected provider openai, got %s", base.Model.Provider)
	}
	// Endpoint should remain from base since override didn't set it
	if base.Model.Endpoint != "http://localhost:11434/v1" {
		t.Errorf("expected endpoint to remain default, got %s", base.Model.Endpoint)
	}
	if base.Profiles["fast"].Model != "gpt-4o-mini" {
		t.Errorf("expected fast profile replaced, got %s", base.Profiles["fast"].Model)
	}
	if base.Profiles["thorough"].Model != "qwen2.5:32b" {
		t.Errorf("expected thorough profile untouched, got %s", base.Profiles["thorough"].Model)
	}

	refined := base.TaskKinds["refine"]
	if refined.Profile != "thorough" {
		t.Errorf("expected refine profile override, got %s", refined.Profile)
	}
	if refined.SystemPrompt == "" {
		t.Error("expected partial task kind override to keep the base prompt")
	}

	if base.Session.IdleTimeout != 48*time.Hour {
		t.Errorf("expected idle timeout override, got %v", base.Session.IdleTimeout)
	}
	if base.Session.InteractiveBudget != 5*time.Second {
		t.Errorf("expected interactive budget to remain default, got %v", base.Session.InteractiveBudget)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Model.Provider = "openai"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Model.Provider != "openai" {
		t.Errorf("expected provider openai, got %s", loaded.Model.Provider)
	}
	if loaded.Profiles["fast"].Timeout != 3*time.Second {
		t.Errorf("expected durations to round-trip, got %v", loaded.Profiles["fast"].Timeout)
	}
}

func TestTTLConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cache.ResponseTTL = 10 * time.Minute

	ttl := cfg.TTLConfig()
	if ttl.Response != 10*time.Minute {
		t.Errorf("expected response TTL 10m, got %v", ttl.Response)
	}
	if ttl.Template != 24*time.Hour {
		t.Errorf("expected template TTL 24h, got %v", ttl.Template)
	}
}
