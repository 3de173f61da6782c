package driver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/screenqa/internal/executor"
)

// BackendConfig holds configuration for the Genkit-backed agent.
type BackendConfig struct {
	// Provider is the LLM provider: "google", "anthropic", "openai", "openai_compatible".
	// Empty defaults to "google".
	Provider string
	// Model is the model name for the configured provider.
	Model string
	// APIKey is the provider credential; falls back to the provider's env var.
	APIKey string

	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string
}

// GenkitBackend drives a vision-capable model through Genkit. It keeps
// per-context conversation history in memory so the shared-context mode can
// carry observations across the steps of a test.
type GenkitBackend struct {
	g     *genkit.Genkit
	cfg   BackendConfig
	llmOn bool

	histMu    sync.Mutex
	histories map[string][]*ai.Message
}

// NewGenkitBackend initializes Genkit with the configured provider. Without an
// API key the backend still constructs but refuses to act, so dry runs and
// doctor checks work offline.
func NewGenkitBackend(ctx context.Context, cfg BackendConfig) *GenkitBackend {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}

	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}
	cfg.Model = modelID

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			anthropicPlugin := &anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(anthropicPlugin))
			llmOn = true
			slog.Info("agent backend initialized", "provider", "anthropic", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Anthropic API key missing; agent backend disabled")
		}

	case "openai":
		if apiKey != "" {
			openaiPlugin := &compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openaiPlugin))
			llmOn = true
			slog.Info("agent backend initialized", "provider", "openai", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI API key missing; agent backend disabled")
		}

	case "openai_compatible":
		if apiKey != "" {
			openaiCompatPlugin := &compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openaiCompatPlugin))
			llmOn = true
			slog.Info("agent backend initialized", "provider", "openai_compatible", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI compatible API key missing; agent backend disabled")
		}

	case "google", "":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+modelID),
			)
			llmOn = true
			slog.Info("agent backend initialized", "provider", "google", "model", "googleai/"+modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Google API key missing; agent backend disabled")
		}

	default:
		g = genkit.Init(ctx)
		slog.Warn("unknown LLM provider; agent backend disabled", "provider", provider)
	}

	cfg.Provider = provider
	return &GenkitBackend{
		g:         g,
		cfg:       cfg,
		llmOn:     llmOn,
		histories: map[string][]*ai.Message{},
	}
}

// Ready reports whether the backend can issue model calls.
func (b *GenkitBackend) Ready() bool { return b.llmOn }

// Genkit exposes the initialized genkit instance so other components, such as
// the semantic evaluator, can reuse the same provider plugins.
func (b *GenkitBackend) Genkit() *genkit.Genkit { return b.g }

// ModelName returns the fully qualified model name the backend generates
// with, including any provider prefix.
func (b *GenkitBackend) ModelName() string {
	return modelNameForProvider(strings.ToLower(b.cfg.Provider), b.cfg.Model)
}

// ResetContext discards the conversation history for a shared context handle.
func (b *GenkitBackend) ResetContext(contextID string) {
	if contextID == "" {
		return
	}
	b.histMu.Lock()
	delete(b.histories, contextID)
	b.histMu.Unlock()
}

// NextAction asks the model for the next move given the current screen state.
func (b *GenkitBackend) NextAction(ctx context.Context, req Request) (Decision, error) {
	if !b.llmOn {
		return Decision{}, fmt.Errorf("agent backend disabled: no API key configured for provider %q", b.cfg.Provider)
	}

	userParts := buildUserParts(req)

	opts := []ai.GenerateOption{
		ai.WithModelName(modelNameForProvider(b.cfg.Provider, b.cfg.Model)),
		ai.WithSystem(systemPrompt(req.SystemSuffix)),
	}

	history := b.historyFor(req.ContextID)
	msgs := append(append([]*ai.Message{}, history...), &ai.Message{
		Role:    ai.RoleUser,
		Content: userParts,
	})
	opts = append(opts, ai.WithMessages(msgs...))

	resp, err := genkit.Generate(ctx, b.g, opts...)
	if err != nil {
		return Decision{}, fmt.Errorf("generate: %w", err)
	}
	reply := resp.Text()

	b.appendHistory(req.ContextID, userParts, reply)

	decision := parseDecision(reply)
	if resp.Usage != nil {
		decision.InputTokens = resp.Usage.InputTokens
		decision.OutputTokens = resp.Usage.OutputTokens
	}
	return decision, nil
}

func (b *GenkitBackend) historyFor(contextID string) []*ai.Message {
	if contextID == "" {
		return nil
	}
	b.histMu.Lock()
	defer b.histMu.Unlock()
	return b.histories[contextID]
}

func (b *GenkitBackend) appendHistory(contextID string, userParts []*ai.Part, reply string) {
	if contextID == "" {
		return
	}
	b.histMu.Lock()
	defer b.histMu.Unlock()
	// Screenshots are dropped from history to keep context growth linear in
	// text; the latest capture always rides on the next request.
	var textOnly []*ai.Part
	for _, p := range userParts {
		if p.IsMedia() {
			continue
		}
		textOnly = append(textOnly, p)
	}
	b.histories[contextID] = append(b.histories[contextID],
		&ai.Message{Role: ai.RoleUser, Content: textOnly},
		&ai.Message{Role: ai.RoleModel, Content: []*ai.Part{ai.NewTextPart(reply)}},
	)
}

func buildUserParts(req Request) []*ai.Part {
	var sb strings.Builder
	if req.Turn == 1 {
		sb.WriteString(req.Prompt)
	} else {
		fmt.Fprintf(&sb, "Continue the step below. Turn %d.\n\n%s", req.Turn, req.Prompt)
	}
	if req.Observation != "" {
		sb.WriteString("\n\nLast action result: ")
		sb.WriteString(req.Observation)
	}

	parts := []*ai.Part{ai.NewTextPart(sb.String())}
	if len(req.Screenshot) > 0 {
		dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.Screenshot)
		parts = append(parts, ai.NewMediaPart("image/png", dataURL))
	}
	return parts
}

func systemPrompt(suffix string) string {
	var sb strings.Builder
	sb.WriteString("You operate a GUI to execute one QA test step at a time. ")
	sb.WriteString("On each turn, either perform exactly one action or report the result.\n\n")
	sb.WriteString("To act, reply with a single JSON object on its own line: ")
	sb.WriteString(`{"action": "<name>", "args": {...}}`)
	sb.WriteString(". Available actions: ")
	sb.WriteString(strings.Join(executor.SupportedNames(), ", "))
	sb.WriteString(". Coordinates are integers on a 0-999 grid.\n\n")
	sb.WriteString("When the step is complete or cannot proceed, reply with no JSON and report:\n")
	sb.WriteString("VERIFICATION: PASS or FAIL\nOBSERVATION: what you saw, in one or two sentences.")
	if strings.TrimSpace(suffix) != "" {
		sb.WriteString("\n\n")
		sb.WriteString(suffix)
	}
	// Escape % characters to prevent fmt corruption inside ai.WithSystem.
	return strings.ReplaceAll(sb.String(), "%", "%%")
}

// parseDecision classifies a model reply as an action request or a report.
func parseDecision(reply string) Decision {
	if raw := extractActionJSON(reply); raw != "" {
		var parsed struct {
			Action string         `json:"action"`
			Args   map[string]any `json:"args"`
		}
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil && parsed.Action != "" {
			return Decision{Action: executor.Action{Name: parsed.Action, Args: parsed.Args}}
		}
	}
	return Decision{Report: true, Narration: strings.TrimSpace(reply)}
}

// extractActionJSON finds a JSON object containing an "action" key, either
// fenced or inline.
func extractActionJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		rest := text[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			candidate := strings.TrimSpace(rest[:end])
			if strings.Contains(candidate, `"action"`) {
				return candidate
			}
		}
	}
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					candidate := text[start : i+1]
					if strings.Contains(candidate, `"action"`) {
						return candidate
					}
					return ""
				}
			}
		}
	}
	return ""
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o"
	default:
		return "gemini-2.5-pro"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google", "":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}
