package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8478" {
		t.Errorf("listen addr = %s", cfg.ListenAddr)
	}
	if cfg.Deadlines.Edge != 60*time.Second {
		t.Errorf("edge deadline = %v", cfg.Deadlines.Edge)
	}
	if !cfg.Toggles.CoOccurrenceRules || !cfg.Toggles.StructuredLLMOutput {
		t.Error("toggles should default on")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.ListenAddr = ":9999"
	cfg.Sources = []SourceConfig{
		{ID: "portal-a", Kind: "jsonapi", Priority: 3, BaseURL: "https://portal-a.example/api"},
		{ID: "portal-rss", Kind: "rss", Priority: 1, FeedURLs: map[string]string{"nord": "https://rss.example/nord"}},
	}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ListenAddr != ":9999" {
		t.Errorf("listen addr = %s", loaded.ListenAddr)
	}
	if len(loaded.Sources) != 2 || loaded.Sources[0].ID != "portal-a" {
		t.Errorf("sources = %+v", loaded.Sources)
	}
	if loaded.Sources[1].FeedURLs["nord"] != "https://rss.example/nord" {
		t.Error("feed urls lost in round trip")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestLoadRejectsInvalidDeadlines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.Deadlines.Page = cfg.Deadlines.Edge * 2
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("an inverted deadline hierarchy must fail at load time")
	}
}

func TestValidateRejectsBadSources(t *testing.T) {
	tests := []struct {
		name    string
		sources []SourceConfig
	}{
		{"empty id", []SourceConfig{{ID: "", Kind: "jsonapi"}}},
		{"duplicate id", []SourceConfig{{ID: "a", Kind: "rss"}, {ID: "a", Kind: "html"}}},
		{"unknown kind", []SourceConfig{{ID: "a", Kind: "soap"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Sources = tt.sources
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidateRejectsBadFreshness(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Freshness.ExpireAfter = cfg.Freshness.FreshFor
	if err := cfg.Validate(); err == nil {
		t.Error("expire_after must exceed fresh_for")
	}
}

func TestAutoPopulateFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("TENDERSCOPE_LISTEN_ADDR", ":7000")

	cfg := DefaultConfig()
	cfg.AutoPopulateFromEnv()
	if cfg.LLM.OpenAIKey != "sk-test" {
		t.Errorf("openai key = %q", cfg.LLM.OpenAIKey)
	}
	if cfg.ListenAddr != ":7000" {
		t.Errorf("listen addr = %q", cfg.ListenAddr)
	}

	// File-provided values win over env.
	cfg2 := DefaultConfig()
	cfg2.LLM.OpenAIKey = "sk-from-file"
	cfg2.AutoPopulateFromEnv()
	if cfg2.LLM.OpenAIKey != "sk-from-file" {
		t.Errorf("file key overwritten: %q", cfg2.LLM.OpenAIKey)
	}
}
