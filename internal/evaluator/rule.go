package evaluator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Agent reports carry an explicit verification marker; the rule evaluator
// trusts it when present and falls back to containment matching otherwise.
const (
	markerPass = "VERIFICATION: PASS"
	markerFail = "VERIFICATION: FAIL"
)

// defectPatterns mark observations that describe the application misbehaving
// rather than the agent missing its target. Such failures are not retryable:
// repeating the action will reproduce the defect, not fix it.
var defectPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\berror (message|page|dialog)\b`),
	regexp.MustCompile(`(?i)\b(crash|crashed)\b`),
	regexp.MustCompile(`(?i)\b(5\d\d|internal server error)\b`),
	regexp.MustCompile(`(?i)\bexception\b`),
	regexp.MustCompile(`(?i)\bwrong (value|amount|total|text)\b`),
	regexp.MustCompile(`(?i)\bdata (loss|corruption)\b`),
}

// RuleEvaluator is the deterministic judge: marker first, containment second.
type RuleEvaluator struct{}

// NewRuleEvaluator creates a RuleEvaluator.
func NewRuleEvaluator() *RuleEvaluator {
	return &RuleEvaluator{}
}

// Evaluate applies the fixed rules. It never returns an error.
func (e *RuleEvaluator) Evaluate(_ context.Context, expected, observed string) (Evaluation, error) {
	upper := strings.ToUpper(observed)

	if strings.Contains(upper, markerPass) {
		return Evaluation{
			Verdict:   VerdictPass,
			Reasoning: "agent reported an explicit pass verification",
		}, nil
	}
	if strings.Contains(upper, markerFail) {
		return failEvaluation(observed, "agent reported an explicit fail verification"), nil
	}

	if containsExpected(expected, observed) {
		return Evaluation{
			Verdict:   VerdictPass,
			Reasoning: fmt.Sprintf("observation contains the expected outcome %q", expected),
		}, nil
	}
	return failEvaluation(observed, fmt.Sprintf("observation does not mention the expected outcome %q", expected)), nil
}

func failEvaluation(observed, reasoning string) Evaluation {
	if isDefect(observed) {
		return Evaluation{
			Verdict:   VerdictFail,
			Reasoning: reasoning + "; observation describes an application defect",
			Retryable: false,
		}
	}
	return Evaluation{
		Verdict:   VerdictFail,
		Reasoning: reasoning,
		Retryable: true,
	}
}

func isDefect(observed string) bool {
	for _, pat := range defectPatterns {
		if pat.MatchString(observed) {
			return true
		}
	}
	return false
}

// containsExpected performs a case-insensitive containment check, requiring
// every whitespace-separated token of the expected text to appear in order.
func containsExpected(expected, observed string) bool {
	exp := strings.ToLower(strings.TrimSpace(expected))
	obs := strings.ToLower(observed)
	if exp == "" {
		return false
	}
	if strings.Contains(obs, exp) {
		return true
	}
	// Tolerate reflowed whitespace in the observation.
	rest := obs
	for _, tok := range strings.Fields(exp) {
		idx := strings.Index(rest, tok)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(tok):]
	}
	return true
}
