// Package executor performs UI actions against the application under test.
package executor

import (
	"context"
	"fmt"
	"sort"
)

// Action is one UI action to perform. Coordinates are in a 0-999 normalized
// grid on both axes; executors scale them to the live viewport.
type Action struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Observation describes the application state after an action.
type Observation struct {
	// Summary is a short textual description of what happened (URL, page
	// title, typed text echo). Fed back to the agent backend.
	Summary string `json:"summary"`
	// Screenshot is the post-action viewport capture, PNG-encoded.
	Screenshot []byte `json:"-"`
}

// Fault is an executor-level failure: timeout, target not found, dead session.
// The driver reports faults upward as error status without retrying.
type Fault struct {
	Action string
	Reason string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("executor fault on %s: %s", f.Action, f.Reason)
}

// Executor performs actions against one control surface. Implementations are
// not safe for concurrent use; the run loop is strictly sequential.
type Executor interface {
	// Perform executes one action and returns the resulting observation.
	// Failures that describe the action (not the process) are *Fault errors.
	Perform(ctx context.Context, a Action) (Observation, error)
	// Screenshot captures the current viewport without acting.
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Supported is the action vocabulary executors accept from the agent.
var Supported = map[string]bool{
	"click_at":        true,
	"hover_at":        true,
	"type_text_at":    true,
	"key_combination": true,
	"scroll_at":       true,
	"scroll_document": true,
	"navigate":        true,
	"go_back":         true,
	"go_forward":      true,
	"wait_5_seconds":  true,
	"open_web_browser": true,
	"drag_and_drop":   true,
	"search":          true,
}

// SupportedNames returns the sorted action vocabulary for prompts and errors.
func SupportedNames() []string {
	names := make([]string, 0, len(Supported))
	for name := range Supported {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StringArg extracts a string argument, tolerating absent keys.
func (a Action) StringArg(key string) string {
	if a.Args == nil {
		return ""
	}
	if v, ok := a.Args[key].(string); ok {
		return v
	}
	return ""
}

// IntArg extracts an integer argument from JSON-decoded values.
func (a Action) IntArg(key string) (int, bool) {
	if a.Args == nil {
		return 0, false
	}
	switch v := a.Args[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
