package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("SCREENQA_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Platform != "browser" {
		t.Errorf("platform = %q, want browser", cfg.Platform)
	}
	if cfg.ContextMode != "fresh" {
		t.Errorf("context_mode = %q, want fresh", cfg.ContextMode)
	}
	if cfg.Driver.MaxTurns != 15 {
		t.Errorf("max_turns = %d, want 15", cfg.Driver.MaxTurns)
	}
	if cfg.PersistMaxRetries != 3 {
		t.Errorf("persist_max_retries = %d, want 3", cfg.PersistMaxRetries)
	}
	if cfg.DBPath != filepath.Join(cfg.HomeDir, "results.db") {
		t.Errorf("db_path = %q, want under home", cfg.DBPath)
	}
}

func TestLoad_ReadsYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SCREENQA_HOME", home)

	yaml := `
platform: android
context_mode: shared
driver:
  max_turns: 7
evaluator:
  mode: rule
executor:
  kind: remote
  remote_url: ws://bridge:9001
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Platform != "android" {
		t.Errorf("platform = %q, want android", cfg.Platform)
	}
	if cfg.ContextMode != "shared" {
		t.Errorf("context_mode = %q, want shared", cfg.ContextMode)
	}
	if cfg.Driver.MaxTurns != 7 {
		t.Errorf("max_turns = %d, want 7", cfg.Driver.MaxTurns)
	}
	if cfg.Evaluator.Mode != "rule" {
		t.Errorf("evaluator mode = %q, want rule", cfg.Evaluator.Mode)
	}
	if cfg.Executor.RemoteURL != "ws://bridge:9001" {
		t.Errorf("remote_url = %q", cfg.Executor.RemoteURL)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SCREENQA_HOME", t.TempDir())
	t.Setenv("SCREENQA_PLATFORM", "ios")
	t.Setenv("SCREENQA_MAX_TURNS", "3")
	t.Setenv("SCREENQA_CONTEXT_MODE", "shared")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Platform != "ios" {
		t.Errorf("platform = %q, want ios", cfg.Platform)
	}
	if cfg.Driver.MaxTurns != 3 {
		t.Errorf("max_turns = %d, want 3", cfg.Driver.MaxTurns)
	}
	if cfg.ContextMode != "shared" {
		t.Errorf("context_mode = %q, want shared", cfg.ContextMode)
	}
}

func TestLoad_RejectsInvalidEnums(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"bad_platform", map[string]string{"SCREENQA_PLATFORM": "windows"}},
		{"bad_context_mode", map[string]string{"SCREENQA_CONTEXT_MODE": "sticky"}},
		{"bad_evaluator", map[string]string{"SCREENQA_EVALUATOR": "vibes"}},
		{"remote_without_url", map[string]string{"SCREENQA_EXECUTOR": "remote"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("SCREENQA_HOME", t.TempDir())
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestFingerprint_Stable(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical configs produced different fingerprints")
	}
	b.Platform = "android"
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("different configs produced equal fingerprints")
	}
}

func TestResolveLLMConfig_ProviderModels(t *testing.T) {
	cfg := defaultConfig()
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.AnthropicModel = "claude-sonnet-4-5"
	provider, model, _ := cfg.ResolveLLMConfig()
	if provider != "anthropic" || model != "claude-sonnet-4-5" {
		t.Errorf("resolve = (%q, %q)", provider, model)
	}

	cfg = defaultConfig()
	provider, model, _ = cfg.ResolveLLMConfig()
	if provider != "google" {
		t.Errorf("default provider = %q, want google", provider)
	}
	if model != "" {
		t.Errorf("default model = %q, want empty (backend default applies)", model)
	}
}
