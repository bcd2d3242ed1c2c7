// Package config holds the externally supplied tuning surface: timeout
// hierarchy, per-source admission control, cache freshness thresholds,
// revalidation budget, sources, and feature toggles.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pvallone/tenderscope/internal/breaker"
	"github.com/pvallone/tenderscope/internal/cache"
	"github.com/pvallone/tenderscope/internal/deadline"
	"github.com/pvallone/tenderscope/internal/limiter"
	"github.com/pvallone/tenderscope/internal/revalidate"
)

// SourceConfig describes one configured portal.
type SourceConfig struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"` // "jsonapi", "rss", "html"
	Priority int    `json:"priority"`
	BaseURL  string `json:"base_url,omitempty"`
	// FeedURLs maps partition -> feed URL for RSS sources.
	FeedURLs map[string]string `json:"feed_urls,omitempty"`
}

// LLMConfig holds LLM arbiter settings.
type LLMConfig struct {
	Preferred       string `json:"preferred"`
	OpenAIKey       string `json:"openai_key,omitempty"`
	OpenAIModel     string `json:"openai_model,omitempty"`
	AnthropicKey    string `json:"anthropic_key,omitempty"`
	AnthropicModel  string `json:"anthropic_model,omitempty"`
	OllamaEndpoint  string `json:"ollama_endpoint,omitempty"`
	OllamaModel     string `json:"ollama_model,omitempty"`
}

// Toggles are the feature switches the engine honors.
type Toggles struct {
	// StructuredLLMOutput requests JSON verdicts from the arbiter; off
	// falls back to the binary degraded mode.
	StructuredLLMOutput bool `json:"structured_llm_output"`
	// CoOccurrenceRules enables the negative-context rejection layer.
	CoOccurrenceRules bool `json:"co_occurrence_rules"`
}

// Config is the persistent application configuration.
type Config struct {
	// ListenAddr is the HTTP bind address for tenderscoped.
	ListenAddr string `json:"listen_addr"`

	// CachePath is the durable tier's SQLite file.
	CachePath string `json:"cache_path"`

	// RedisAddr enables the shared tier when non-empty.
	RedisAddr string `json:"redis_addr,omitempty"`

	// VocabularyPath points at the sector rule set (YAML). Empty uses
	// the shipped default vocabulary.
	VocabularyPath string `json:"vocabulary_path,omitempty"`

	// MaxInFlight caps concurrent fetch dispatches per fan-out level.
	MaxInFlight int `json:"max_in_flight"`

	Deadlines    deadline.Budget       `json:"deadlines"`
	Breaker      breaker.Settings      `json:"breaker"`
	Limiter      limiter.Settings      `json:"limiter"`
	Freshness    cache.FreshnessPolicy `json:"freshness"`
	Revalidation revalidate.Settings   `json:"revalidation"`
	LLM          LLMConfig             `json:"llm"`
	Toggles      Toggles               `json:"toggles"`

	Sources []SourceConfig `json:"sources"`
}

// DefaultConfig returns sensible defaults: local-only tiers, the shipped
// vocabulary, and a keyless Ollama arbiter.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		ListenAddr:   ":8478",
		CachePath:    filepath.Join(home, ".tenderscope", "cache.db"),
		MaxInFlight:  5,
		Deadlines:    deadline.DefaultBudget(),
		Breaker:      breaker.DefaultSettings(),
		Limiter:      limiter.DefaultSettings(),
		Freshness:    cache.DefaultFreshnessPolicy(),
		Revalidation: revalidate.DefaultSettings(),
		LLM: LLMConfig{
			Preferred:      "ollama",
			OllamaEndpoint: "http://localhost:11434",
		},
		Toggles: Toggles{
			StructuredLLMOutput: true,
			CoOccurrenceRules:   true,
		},
		Sources: []SourceConfig{},
	}
}

// Path returns the default config file location.
func Path() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tenderscope", "config.json")
}

// Load reads config from disk, or returns defaults when the file does not
// exist. The deadline hierarchy is validated here so an invalid config
// fails at startup, not mid-request.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.AutoPopulateFromEnv()
			return cfg, cfg.Validate()
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.AutoPopulateFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to disk.
func (c *Config) Save(path string) error {
	if path == "" {
		path = Path()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600) // restrictive: may hold API keys
}

// Validate fails fast on configurations that would only surface as
// confusing runtime behavior.
func (c *Config) Validate() error {
	if err := c.Deadlines.Validate(); err != nil {
		return err
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("config: max_in_flight must be positive, got %d", c.MaxInFlight)
	}
	if c.Freshness.FreshFor <= 0 || c.Freshness.ExpireAfter <= c.Freshness.FreshFor {
		return fmt.Errorf("config: freshness thresholds must satisfy 0 < fresh_for < expire_after")
	}
	seen := make(map[string]bool)
	for _, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("config: source with empty id")
		}
		if seen[s.ID] {
			return fmt.Errorf("config: duplicate source id %q", s.ID)
		}
		seen[s.ID] = true
		switch s.Kind {
		case "jsonapi", "rss", "html":
		default:
			return fmt.Errorf("config: source %q has unknown kind %q", s.ID, s.Kind)
		}
	}
	return nil
}

// AutoPopulateFromEnv fills in API keys and endpoints from environment
// variables. Values already set in the file win.
func (c *Config) AutoPopulateFromEnv() {
	if c.LLM.OpenAIKey == "" {
		c.LLM.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.LLM.AnthropicKey == "" {
		c.LLM.AnthropicKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if v := os.Getenv("TENDERSCOPE_REDIS_ADDR"); v != "" && c.RedisAddr == "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("TENDERSCOPE_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
}
