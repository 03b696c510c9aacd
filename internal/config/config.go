// Package config loads the xylem YAML configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/CanopyHQ/xylem/internal/embed"
)

// Config is the full memory feature configuration. The storage subsystem
// consumes Embeddings and Privacy; Capture and Injection are parsed and
// carried for the surrounding host.
type Config struct {
	Enabled    bool            `yaml:"enabled"`
	WorkerPort int             `yaml:"worker_port"`
	DBPath     string          `yaml:"db_path"`
	Capture    CaptureConfig   `yaml:"capture"`
	Injection  InjectionConfig `yaml:"injection"`
	Privacy    PrivacyConfig   `yaml:"privacy"`
	Embeddings embed.Config    `yaml:"embeddings"`
}

// CaptureConfig controls which host events become memories.
type CaptureConfig struct {
	Observations     bool `yaml:"observations"`
	Decisions        bool `yaml:"decisions"`
	UserPrompts      bool `yaml:"user_prompts"`
	SessionSummaries bool `yaml:"session_summaries"`
}

// InjectionConfig controls how much recalled context the host injects.
type InjectionConfig struct {
	MaxMemories   int `yaml:"max_memories"`
	MaxTokens     int `yaml:"max_tokens"`
	MinImportance int `yaml:"min_importance"`
}

// PrivacyConfig sets the retention policy.
type PrivacyConfig struct {
	// RetentionDays deletes memories older than this many days. Zero
	// disables age-based expiry.
	RetentionDays int `yaml:"retention_days"`
	// MaxMemories caps the store size; least valuable rows evict first.
	// Zero disables the cap.
	MaxMemories int `yaml:"max_memories"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.defaults()
	return cfg
}

// defaults fills the zero value with the shipped defaults. YAML is
// unmarshaled on top, so a file only overrides what it names.
func (c *Config) defaults() {
	c.Enabled = true
	if home, err := os.UserHomeDir(); err == nil {
		c.DBPath = home + "/.xylem/memories.db"
	} else {
		c.DBPath = "memories.db"
	}
	c.WorkerPort = 7133
	c.Capture = CaptureConfig{
		Observations:     true,
		Decisions:        true,
		UserPrompts:      true,
		SessionSummaries: true,
	}
	c.Injection.MaxMemories = 10
	c.Injection.MaxTokens = 2000
	c.Privacy.RetentionDays = 90
	c.Privacy.MaxMemories = 10000
	// Dimensions stays zero here; each provider has its own default.
	c.Embeddings.Provider = "local"
}

func (c *Config) validate() error {
	if c.Privacy.RetentionDays < 0 {
		return fmt.Errorf("privacy.retention_days must not be negative")
	}
	if c.Privacy.MaxMemories < 0 {
		return fmt.Errorf("privacy.max_memories must not be negative")
	}
	switch c.Embeddings.Provider {
	case "", "local", "openai", "ollama":
	default:
		return fmt.Errorf("embeddings.provider must be local, openai, or ollama (got %q)", c.Embeddings.Provider)
	}
	if c.Embeddings.Dimensions < 0 {
		return fmt.Errorf("embeddings.dimensions must not be negative")
	}
	return nil
}

// Load reads the config file at path, applying defaults for absent fields
// and environment overrides for credentials. A missing file yields the
// default configuration, not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays credentials and paths that should not live in a config
// file.
func (c *Config) applyEnv() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.Embeddings.APIKey == "" {
		c.Embeddings.APIKey = key
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" && c.Embeddings.BaseURL == "" && c.Embeddings.Provider == "ollama" {
		c.Embeddings.BaseURL = host
	}
	if p := os.Getenv("XYLEM_DB_PATH"); p != "" {
		c.DBPath = p
	}
}
