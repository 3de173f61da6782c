package evaluator

import (
	"context"
	"strings"
	"testing"
)

func TestRuleEvaluator_Markers(t *testing.T) {
	e := NewRuleEvaluator()
	ctx := context.Background()

	t.Run("explicit_pass_marker", func(t *testing.T) {
		ev, err := e.Evaluate(ctx, "dashboard is visible", "Clicked the button.\nVERIFICATION: PASS - dashboard loaded")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.Verdict != VerdictPass {
			t.Fatalf("verdict = %q, want PASS", ev.Verdict)
		}
	})

	t.Run("explicit_fail_marker", func(t *testing.T) {
		ev, err := e.Evaluate(ctx, "dashboard is visible", "VERIFICATION: FAIL - still on the login page")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.Verdict != VerdictFail {
			t.Fatalf("verdict = %q, want FAIL", ev.Verdict)
		}
		if !ev.Retryable {
			t.Fatal("plain fail should be retryable")
		}
	})

	t.Run("fail_marker_beats_containment", func(t *testing.T) {
		// Observation mentions the expected text but the agent judged it a fail.
		ev, _ := e.Evaluate(ctx, "dashboard", "VERIFICATION: FAIL - dashboard flashed then an error page appeared")
		if ev.Verdict != VerdictFail {
			t.Fatalf("verdict = %q, want FAIL", ev.Verdict)
		}
	})
}

func TestRuleEvaluator_Containment(t *testing.T) {
	e := NewRuleEvaluator()
	ctx := context.Background()

	t.Run("case_insensitive_match", func(t *testing.T) {
		ev, _ := e.Evaluate(ctx, "Welcome Message", "The page shows a welcome message in the header.")
		if ev.Verdict != VerdictPass {
			t.Fatalf("verdict = %q, want PASS", ev.Verdict)
		}
	})

	t.Run("tokens_in_order_across_reflow", func(t *testing.T) {
		ev, _ := e.Evaluate(ctx, "cart total updated", "OBSERVATION: the cart badge shows 2 items and the total was updated to $14.00")
		if ev.Verdict != VerdictPass {
			t.Fatalf("verdict = %q, want PASS", ev.Verdict)
		}
	})

	t.Run("missing_expectation_fails_retryable", func(t *testing.T) {
		ev, _ := e.Evaluate(ctx, "order confirmation", "The page still shows the checkout form.")
		if ev.Verdict != VerdictFail {
			t.Fatalf("verdict = %q, want FAIL", ev.Verdict)
		}
		if !ev.Retryable {
			t.Fatal("want retryable fail")
		}
		if ev.Reasoning == "" {
			t.Fatal("want non-empty reasoning")
		}
	})

	t.Run("empty_expected_fails", func(t *testing.T) {
		ev, _ := e.Evaluate(ctx, "  ", "anything at all")
		if ev.Verdict != VerdictFail {
			t.Fatalf("verdict = %q, want FAIL", ev.Verdict)
		}
	})
}

func TestRuleEvaluator_DefectsNotRetryable(t *testing.T) {
	e := NewRuleEvaluator()
	ctx := context.Background()

	cases := []struct {
		name     string
		observed string
	}{
		{"error_page", "An error page appeared instead of the dashboard."},
		{"server_error", "The response showed 500 Internal Server Error."},
		{"crash", "The app crashed back to the home screen."},
		{"wrong_value", "The cart shows the wrong total after adding the item."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, _ := e.Evaluate(ctx, "dashboard is visible", tc.observed)
			if ev.Verdict != VerdictFail {
				t.Fatalf("verdict = %q, want FAIL", ev.Verdict)
			}
			if ev.Retryable {
				t.Fatal("defect observations must not be retryable")
			}
		})
	}
}

func TestExtractJSON(t *testing.T) {
	t.Run("fenced_block", func(t *testing.T) {
		got := extractJSON("Here you go:\n```json\n{\"verdict\": \"PASS\"}\n```\ndone")
		if got != `{"verdict": "PASS"}` {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("raw_object_with_prose", func(t *testing.T) {
		got := extractJSON(`Sure. {"verdict": "FAIL", "reasoning": "nested {braces} inside", "retryable": true} as requested.`)
		if !strings.HasPrefix(got, `{"verdict": "FAIL"`) || !strings.HasSuffix(got, "}") {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("braces_inside_strings", func(t *testing.T) {
		got := extractJSON(`{"reasoning": "saw \"{\" in the page"}`)
		if got != `{"reasoning": "saw \"{\" in the page"}` {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("no_json", func(t *testing.T) {
		if got := extractJSON("no structured content here"); got != "" {
			t.Fatalf("got %q, want empty", got)
		}
	})

	t.Run("unbalanced", func(t *testing.T) {
		if got := extractJSON(`{"verdict": "PASS"`); got != "" {
			t.Fatalf("got %q, want empty", got)
		}
	})
}
