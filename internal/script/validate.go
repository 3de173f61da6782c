package script

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// scriptSchema constrains the script file shape before assembly. Row-level
// semantics (grouping carry-forward, empty-row skipping) are not expressible
// here and are enforced by Parse.
const scriptSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"platform": {"type": "string", "enum": ["browser", "web", "ios", "android", ""]},
		"rows": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"test": {"type": "string"},
					"grouping": {"type": "string"},
					"action": {"type": "string"},
					"action_browser": {"type": "string"},
					"action_ios": {"type": "string"},
					"action_android": {"type": "string"},
					"expected": {"type": "string"},
					"state_before": {"type": "string"},
					"state_after": {"type": "string"}
				},
				"additionalProperties": false
			}
		}
	},
	"required": ["rows"],
	"additionalProperties": false
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(scriptSchema))
	if err != nil {
		panic(fmt.Sprintf("script schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("script.json", doc); err != nil {
		panic(fmt.Sprintf("script schema: %v", err))
	}
	schema, err := c.Compile("script.json")
	if err != nil {
		panic(fmt.Sprintf("script schema: %v", err))
	}
	return schema
}

// ValidateYAML checks the raw script document against the embedded schema.
func ValidateYAML(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse script yaml: %w", err)
	}
	doc = normalizeYAML(doc)
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("script schema: %w", err)
	}
	return nil
}

// normalizeYAML converts yaml.v3 output into the map[string]any shape the
// schema validator expects.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}
