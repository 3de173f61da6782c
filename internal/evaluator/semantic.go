package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// verdictSchemaJSON constrains the model's judgment output. The evaluator
// refuses any response that does not validate, so downstream code never sees
// a free-form verdict.
const verdictSchemaJSON = `{
  "type": "object",
  "properties": {
    "verdict": {"type": "string", "enum": ["PASS", "FAIL"]},
    "reasoning": {"type": "string"},
    "retryable": {"type": "boolean"}
  },
  "required": ["verdict", "reasoning", "retryable"],
  "additionalProperties": false
}`

const semanticSystemPrompt = `You are a QA verdict judge. You are given the EXPECTED outcome of a UI test step and the OBSERVED result reported by an automation agent. Decide whether the observed result satisfies the expected outcome.

Respond with a single JSON object and nothing else:
{"verdict": "PASS" or "FAIL", "reasoning": "<one or two sentences>", "retryable": true or false}

Set "retryable" to true only when a FAIL looks like an agent mistake (clicked the wrong element, typed in the wrong field, gave up too early) that a fresh attempt could fix. Set it to false when the application itself misbehaved (error page, wrong data, crash) or the outcome is impossible to reach.`

const semanticMaxRetries = 1

// SemanticEvaluator asks a model to judge expected-versus-observed and
// validates the reply against a JSON Schema before trusting it.
type SemanticEvaluator struct {
	g         *genkit.Genkit
	modelName string
	schema    *jsonschema.Schema
	logger    *slog.Logger
}

// NewSemanticEvaluator builds an evaluator on an already initialized genkit
// instance. The model name must carry its provider prefix.
func NewSemanticEvaluator(g *genkit.Genkit, modelName string, logger *slog.Logger) (*SemanticEvaluator, error) {
	if g == nil {
		return nil, fmt.Errorf("semantic evaluator requires an initialized genkit instance")
	}
	if logger == nil {
		logger = slog.Default()
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(verdictSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal verdict schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("verdict.json", doc); err != nil {
		return nil, fmt.Errorf("add verdict schema resource: %w", err)
	}
	schema, err := c.Compile("verdict.json")
	if err != nil {
		return nil, fmt.Errorf("compile verdict schema: %w", err)
	}
	return &SemanticEvaluator{g: g, modelName: modelName, schema: schema, logger: logger}, nil
}

// Evaluate sends the pair to the model and parses the structured verdict.
// An invalid reply is retried once with the validation error fed back.
func (e *SemanticEvaluator) Evaluate(ctx context.Context, expected, observed string) (Evaluation, error) {
	prompt := fmt.Sprintf("EXPECTED:\n%s\n\nOBSERVED:\n%s", expected, observed)

	messages := []*ai.Message{
		{Role: ai.RoleUser, Content: []*ai.Part{ai.NewTextPart(prompt)}},
	}

	var lastErr error
	for attempt := 0; attempt <= semanticMaxRetries; attempt++ {
		resp, err := genkit.Generate(ctx, e.g,
			ai.WithModelName(e.modelName),
			ai.WithSystem(strings.ReplaceAll(semanticSystemPrompt, "%", "%%")),
			ai.WithMessages(messages...),
		)
		if err != nil {
			return Evaluation{}, fmt.Errorf("semantic evaluation generate: %w", err)
		}
		reply := resp.Text()

		ev, parseErr := e.parseVerdict(reply)
		if parseErr == nil {
			return ev, nil
		}
		lastErr = parseErr
		e.logger.Warn("semantic verdict rejected", "attempt", attempt+1, "error", parseErr)

		// Feed the validation error back and ask once more.
		messages = append(messages,
			&ai.Message{Role: ai.RoleModel, Content: []*ai.Part{ai.NewTextPart(reply)}},
			&ai.Message{Role: ai.RoleUser, Content: []*ai.Part{ai.NewTextPart(fmt.Sprintf(
				"Your response did not match the required JSON schema. Error: %s\n\nRespond again with only the JSON object.", parseErr))}},
		)
	}
	return Evaluation{}, fmt.Errorf("semantic evaluation: %w", lastErr)
}

func (e *SemanticEvaluator) parseVerdict(reply string) (Evaluation, error) {
	jsonStr := extractJSON(reply)
	if jsonStr == "" {
		return Evaluation{}, fmt.Errorf("response contains no JSON object")
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return Evaluation{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := e.schema.Validate(parsed); err != nil {
		return Evaluation{}, fmt.Errorf("schema validation failed: %w", err)
	}
	var ev Evaluation
	if err := json.Unmarshal([]byte(jsonStr), &ev); err != nil {
		return Evaluation{}, fmt.Errorf("decode verdict: %w", err)
	}
	return ev, nil
}

// extractJSON finds a JSON object in the reply, trying a fenced block first
// and falling back to a balanced-brace scan.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] == '{' {
			if candidate := extractBalanced(text[i:]); candidate != "" {
				return candidate
			}
		}
	}
	return ""
}

func extractBalanced(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
