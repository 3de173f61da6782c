// Package evaluator judges an observed step outcome against its expected
// outcome. Implementations are pluggable so the orchestration state machine
// can be verified with a deterministic judge while production runs use a
// semantic one.
package evaluator

import "context"

// Verdict is the evaluator's judgment of one attempt.
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictFail Verdict = "FAIL"
)

// Evaluation is the contract result: the judgment, the reasoning behind it,
// and whether a FAIL reflects agent imprecision worth one retry (true) or a
// genuine application defect (false).
type Evaluation struct {
	Verdict   Verdict `json:"verdict"`
	Reasoning string  `json:"reasoning"`
	Retryable bool    `json:"retryable"`
}

// Evaluator judges expected vs. observed once per step attempt.
type Evaluator interface {
	Evaluate(ctx context.Context, expected, observed string) (Evaluation, error)
}
