package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LLMConfig holds configuration for the agent backend and semantic evaluator.
type LLMConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai", "openai_compatible".
	Provider string `yaml:"provider"`

	GeminiModel    string `yaml:"gemini_model"`
	AnthropicModel string `yaml:"anthropic_model"`
	OpenAIModel    string `yaml:"openai_model"`

	// OpenAICompatible config.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`
}

// DriverConfig bounds the per-step agent interaction.
type DriverConfig struct {
	MaxTurns     int    `yaml:"max_turns"`
	SystemSuffix string `yaml:"system_suffix"`
}

// EvaluatorConfig selects the outcome judge.
type EvaluatorConfig struct {
	// Mode is "rule", "semantic", or "wasm".
	Mode string `yaml:"mode"`
	// WASMModule is the path to a plugin exporting `evaluate`, for mode "wasm".
	WASMModule string `yaml:"wasm_module"`
}

// ExecutorConfig selects how actions reach the application under test.
type ExecutorConfig struct {
	// Kind is "browser" or "remote".
	Kind string `yaml:"kind"`
	// Headless controls the local browser window.
	Headless bool `yaml:"headless"`
	// DevtoolsURL attaches to an existing Chrome instead of launching one.
	DevtoolsURL string `yaml:"devtools_url"`
	// RemoteURL is the websocket endpoint of a device bridge, for kind "remote".
	RemoteURL string `yaml:"remote_url"`
	// ActionTimeoutSeconds bounds a single executor action. Default 30.
	ActionTimeoutSeconds int `yaml:"action_timeout_seconds"`
}

// DockerConfig provisions a containerized browser for the run.
type DockerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Image   string `yaml:"image"`
	// DevtoolsPort is the host port mapped to the container's devtools endpoint.
	DevtoolsPort int `yaml:"devtools_port"`
}

// TelegramConfig enables run-summary notifications.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
}

// OtelConfig mirrors the observability provider settings.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	// Platform selects which per-step action column applies: "browser", "ios", "android".
	Platform string `yaml:"platform"`
	// ContextMode is "fresh" (new agent context per step) or "shared" (one per test).
	ContextMode string `yaml:"context_mode"`
	// DBPath overrides the default results database location.
	DBPath string `yaml:"db_path"`
	// PersistMaxRetries bounds result-write retries before the run is aborted.
	PersistMaxRetries int `yaml:"persist_max_retries"`

	LLM       LLMConfig       `yaml:"llm"`
	Driver    DriverConfig    `yaml:"driver"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Docker    DockerConfig    `yaml:"docker"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Otel      OtelConfig      `yaml:"otel"`
}

// LLMProviderAPIKey returns the API key for the specified LLM provider.
// Env vars only: ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY; keys never
// live in config.yaml.
func (c Config) LLMProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":     "GOOGLE_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if provider == "google" {
		return os.Getenv("GEMINI_API_KEY")
	}
	return ""
}

// ResolveLLMConfig returns the effective provider, model, and API key.
func (c Config) ResolveLLMConfig() (provider, model, apiKey string) {
	provider = c.LLM.Provider
	if provider == "" {
		provider = "google"
	}

	switch provider {
	case "anthropic":
		model = c.LLM.AnthropicModel
	case "openai", "openai_compatible", "openrouter":
		model = c.LLM.OpenAIModel
	case "google":
		model = c.LLM.GeminiModel
	}

	apiKey = c.LLMProviderAPIKey(provider)
	return provider, model, apiKey
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DefaultDBPath returns the results database path under the given home directory.
func DefaultDBPath(homeDir string) string {
	return filepath.Join(homeDir, "results.db")
}

// Fingerprint returns a stable hash of the active config, logged at startup so
// runs can be correlated with the settings that produced them.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "platform=%s|context=%s|turns=%d|eval=%s|exec=%s|log=%s",
		c.Platform, c.ContextMode, c.Driver.MaxTurns, c.Evaluator.Mode, c.Executor.Kind, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:          "info",
		Platform:          "browser",
		ContextMode:       "fresh",
		PersistMaxRetries: 3,
		Driver: DriverConfig{
			MaxTurns: 15,
		},
		Evaluator: EvaluatorConfig{
			Mode: "semantic",
		},
		Executor: ExecutorConfig{
			Kind:                 "browser",
			Headless:             true,
			ActionTimeoutSeconds: 30,
		},
		Docker: DockerConfig{
			Image:        "chromedp/headless-shell:latest",
			DevtoolsPort: 9222,
		},
		Otel: OtelConfig{
			Exporter:    "none",
			ServiceName: "screenqa",
			SampleRate:  1.0,
		},
	}
}

// HomeDir returns the runner's home directory, honoring the SCREENQA_HOME override.
func HomeDir() string {
	if override := os.Getenv("SCREENQA_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".screenqa")
}

// Load reads config.yaml from the home directory, applying defaults and env overrides.
// A missing file is not an error; defaults apply.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create screenqa home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.Platform = strings.ToLower(strings.TrimSpace(cfg.Platform))
	if cfg.Platform == "" {
		cfg.Platform = "browser"
	}
	cfg.ContextMode = strings.ToLower(strings.TrimSpace(cfg.ContextMode))
	if cfg.ContextMode == "" {
		cfg.ContextMode = "fresh"
	}
	if cfg.PersistMaxRetries <= 0 {
		cfg.PersistMaxRetries = 3
	}
	if cfg.Driver.MaxTurns <= 0 {
		cfg.Driver.MaxTurns = 15
	}
	if cfg.Evaluator.Mode == "" {
		cfg.Evaluator.Mode = "semantic"
	}
	if cfg.Executor.Kind == "" {
		cfg.Executor.Kind = "browser"
	}
	if cfg.Executor.ActionTimeoutSeconds <= 0 {
		cfg.Executor.ActionTimeoutSeconds = 30
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath(cfg.HomeDir)
	}
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = "none"
	}
	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = "screenqa"
	}
	if cfg.Otel.SampleRate <= 0 {
		cfg.Otel.SampleRate = 1.0
	}
}

func validate(cfg *Config) error {
	switch cfg.Platform {
	case "browser", "ios", "android":
	default:
		return fmt.Errorf("invalid platform %q (want browser, ios, or android)", cfg.Platform)
	}
	switch cfg.ContextMode {
	case "fresh", "shared":
	default:
		return fmt.Errorf("invalid context_mode %q (want fresh or shared)", cfg.ContextMode)
	}
	switch cfg.Evaluator.Mode {
	case "rule", "semantic", "wasm":
	default:
		return fmt.Errorf("invalid evaluator mode %q (want rule, semantic, or wasm)", cfg.Evaluator.Mode)
	}
	if cfg.Evaluator.Mode == "wasm" && cfg.Evaluator.WASMModule == "" {
		return fmt.Errorf("evaluator mode wasm requires wasm_module")
	}
	switch cfg.Executor.Kind {
	case "browser", "remote":
	default:
		return fmt.Errorf("invalid executor kind %q (want browser or remote)", cfg.Executor.Kind)
	}
	if cfg.Executor.Kind == "remote" && cfg.Executor.RemoteURL == "" {
		return fmt.Errorf("executor kind remote requires remote_url")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SCREENQA_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SCREENQA_PLATFORM"); raw != "" {
		cfg.Platform = raw
	}
	if raw := os.Getenv("SCREENQA_CONTEXT_MODE"); raw != "" {
		cfg.ContextMode = raw
	}
	if raw := os.Getenv("SCREENQA_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("SCREENQA_MAX_TURNS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Driver.MaxTurns = v
		}
	}
	if raw := os.Getenv("SCREENQA_EVALUATOR"); raw != "" {
		cfg.Evaluator.Mode = raw
	}
	if raw := os.Getenv("SCREENQA_EXECUTOR"); raw != "" {
		cfg.Executor.Kind = raw
	}
	if raw := os.Getenv("SCREENQA_REMOTE_URL"); raw != "" {
		cfg.Executor.RemoteURL = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Telegram.ChatID = v
		}
	}
}
