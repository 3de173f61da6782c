// Package doctor runs environment diagnostics before a run.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/screenqa/internal/config"
	"github.com/basket/screenqa/internal/persistence"
	"github.com/basket/screenqa/internal/script"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks. scriptPath may be empty when no script
// was given on the command line.
func Run(ctx context.Context, cfg *config.Config, scriptPath, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAPIKey,
		checkDatabase,
		checkPermissions,
		checkExecutorEndpoint,
		checkWASMModule,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	d.Results = append(d.Results, checkScript(scriptPath))

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s (%s)", cfg.HomeDir, cfg.Fingerprint()),
		Detail: fmt.Sprintf("platform=%s context_mode=%s evaluator=%s executor=%s",
			cfg.Platform, cfg.ContextMode, cfg.Evaluator.Mode, cfg.Executor.Kind),
	}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "Config missing"}
	}

	provider, _, apiKey := cfg.ResolveLLMConfig()
	if apiKey != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("Key present for provider %q", provider)}
	}

	envVars := map[string]string{
		"google":     "GEMINI_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	envVar, ok := envVars[strings.ToLower(provider)]
	if !ok {
		envVar = "the provider API key env var"
	}
	return CheckResult{
		Name:    "API Key",
		Status:  "WARN",
		Message: fmt.Sprintf("%s not set (required for %s provider)", envVar, provider),
		Detail:  "The agent and the semantic evaluator both need it; rule evaluation works without one",
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.LatestRunID(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("Schema valid at %s", cfg.DBPath)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkExecutorEndpoint verifies whatever the executor will attach to is
// reachable: a devtools endpoint or a device bridge. A locally launched
// browser has nothing to probe ahead of time.
func checkExecutorEndpoint(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Executor", Status: "SKIP", Message: "Config missing"}
	}

	var endpoint string
	switch cfg.Executor.Kind {
	case "remote":
		endpoint = cfg.Executor.RemoteURL
	case "browser":
		if cfg.Docker.Enabled {
			return CheckResult{
				Name:    "Executor",
				Status:  "PASS",
				Message: fmt.Sprintf("Docker-managed browser (%s), provisioned at run start", cfg.Docker.Image),
			}
		}
		endpoint = cfg.Executor.DevtoolsURL
		if endpoint == "" {
			return CheckResult{Name: "Executor", Status: "PASS", Message: "Local headless browser, launched at run start"}
		}
	}
	if endpoint == "" {
		return CheckResult{Name: "Executor", Status: "WARN", Message: "No executor endpoint configured"}
	}

	host, err := hostPortOf(endpoint)
	if err != nil {
		return CheckResult{Name: "Executor", Status: "FAIL", Message: fmt.Sprintf("Bad endpoint %q: %v", endpoint, err)}
	}

	dialer := net.Dialer{Timeout: 3 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return CheckResult{
			Name:    "Executor",
			Status:  "FAIL",
			Message: fmt.Sprintf("Endpoint %s unreachable: %v", host, err),
		}
	}
	conn.Close()
	return CheckResult{Name: "Executor", Status: "PASS", Message: fmt.Sprintf("Endpoint %s reachable", host)}
}

func hostPortOf(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	host := u.Host
	if host == "" {
		return "", fmt.Errorf("no host in %q", endpoint)
	}
	if u.Port() == "" {
		switch u.Scheme {
		case "https", "wss":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	return host, nil
}

func checkWASMModule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Evaluator.Mode != "wasm" {
		return CheckResult{Name: "WASM Module", Status: "SKIP", Message: "Evaluator mode is not wasm"}
	}
	fi, err := os.Stat(cfg.Evaluator.WASMModule)
	if err != nil {
		return CheckResult{Name: "WASM Module", Status: "FAIL", Message: fmt.Sprintf("Module missing: %v", err)}
	}
	if fi.IsDir() {
		return CheckResult{Name: "WASM Module", Status: "FAIL", Message: fmt.Sprintf("%s is a directory", cfg.Evaluator.WASMModule)}
	}
	return CheckResult{Name: "WASM Module", Status: "PASS", Message: fmt.Sprintf("%s (%d bytes)", cfg.Evaluator.WASMModule, fi.Size())}
}

func checkScript(path string) CheckResult {
	if path == "" {
		return CheckResult{Name: "Script", Status: "SKIP", Message: "No script given"}
	}
	sc, err := script.Load(path)
	if err != nil {
		return CheckResult{Name: "Script", Status: "FAIL", Message: fmt.Sprintf("Validation failed: %v", err)}
	}
	return CheckResult{
		Name:    "Script",
		Status:  "PASS",
		Message: fmt.Sprintf("%s: %d tests, %d steps", sc.Name, len(sc.Tests), sc.StepCount()),
	}
}
