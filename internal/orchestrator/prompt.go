package orchestrator

import (
	"fmt"
	"strings"

	"github.com/basket/screenqa/internal/script"
)

// platformFraming holds the fixed pre/post text wrapped around the resolved
// action. The action text itself is inserted verbatim.
type platformFraming struct {
	pre  string
	post string
}

var framings = map[script.Platform]platformFraming{
	script.PlatformBrowser: {
		pre:  "You are testing a web application in a browser.",
		post: "Interact only with the page content, never with browser chrome or developer tools.",
	},
	script.PlatformIOS: {
		pre:  "You are testing an iOS application on a connected device.",
		post: "Use only on-screen touch interactions and the keyboard when a field is focused.",
	},
	script.PlatformAndroid: {
		pre:  "You are testing an Android application on a connected device.",
		post: "Use only on-screen touch interactions and the keyboard when a field is focused.",
	},
}

// ComposePrompt merges the platform framing with the resolved action and the
// step's expectation and state hints.
func ComposePrompt(platform script.Platform, action string, step script.Step) string {
	framing, ok := framings[platform]
	if !ok {
		framing = framings[script.PlatformBrowser]
	}

	var b strings.Builder
	b.WriteString(framing.pre)
	b.WriteString("\n\nExecute this test step and verify the result:\n\n")
	if pre := strings.TrimSpace(step.StateBefore); pre != "" {
		fmt.Fprintf(&b, "PRECONDITION: %s\n", pre)
	}
	fmt.Fprintf(&b, "ACTION: %s\n", action)
	fmt.Fprintf(&b, "EXPECTED OUTCOME: %s\n", step.Expected)
	if post := strings.TrimSpace(step.StateAfter); post != "" {
		fmt.Fprintf(&b, "POSTCONDITION: %s\n", post)
	}
	b.WriteString("\nAfter acting, report VERIFICATION: PASS or VERIFICATION: FAIL followed by OBSERVATION: with what you actually saw.\n\n")
	b.WriteString(framing.post)
	return b.String()
}

// AdaptRetryPrompt builds the second-attempt prompt after a retryable FAIL.
// The evaluator's reasoning is fed back so the agent can disambiguate.
func AdaptRetryPrompt(base, previousReasoning string) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nRETRY NOTE: a previous attempt at this step failed verification")
	if r := strings.TrimSpace(previousReasoning); r != "" {
		fmt.Fprintf(&b, ": %s", r)
	}
	b.WriteString("\nRe-read the action text carefully, locate the exact target before acting, and verify the outcome before reporting.")
	return b.String()
}
