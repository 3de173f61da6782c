package orchestrator

import "time"

// Step verdicts. PASS and FAIL come from the evaluator, ERROR from the
// driver, SKIPPED from the orchestrator itself.
const (
	VerdictPass    = "PASS"
	VerdictFail    = "FAIL"
	VerdictError   = "ERROR"
	VerdictSkipped = "SKIPPED"
)

// StepResult is the terminal record of one step. It is append-only: once
// committed to the sink it is never mutated.
type StepResult struct {
	TestRunID      string        `json:"test_run_id"`
	TestName       string        `json:"test_name"`
	Grouping       string        `json:"grouping,omitempty"`
	StepIndex      int           `json:"step_index"`
	ResolvedAction string        `json:"resolved_action"`
	ComposedPrompt string        `json:"composed_prompt"`
	Expected       string        `json:"expected"`
	Observed       string        `json:"observed"`
	Narration      string        `json:"narration"`
	Verdict        string        `json:"verdict"`
	RetryCount     int           `json:"retry_count"`
	Reasoning      string        `json:"reasoning"`
	Payload        string        `json:"payload,omitempty"`
	TurnsUsed      int           `json:"turns_used"`
	InputTokens    int           `json:"input_tokens"`
	OutputTokens   int           `json:"output_tokens"`
	Duration       time.Duration `json:"duration"`
}

// Terminal reports whether the verdict counts against the abort streak.
func (r StepResult) Failed() bool {
	return r.Verdict == VerdictFail || r.Verdict == VerdictError
}

// Summary aggregates a finished run.
type Summary struct {
	RunID      string       `json:"run_id"`
	ScriptName string       `json:"script_name"`
	Platform   string       `json:"platform"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Results    []StepResult `json:"results"`
}

func (s *Summary) Counts() (total, passed, failed, errored, skipped int) {
	for _, r := range s.Results {
		total++
		switch r.Verdict {
		case VerdictPass:
			passed++
		case VerdictFail:
			failed++
		case VerdictError:
			errored++
		case VerdictSkipped:
			skipped++
		}
	}
	return
}

// Failed reports whether any step ended FAIL or ERROR. The process exit code
// keys off this.
func (s *Summary) Failed() bool {
	for _, r := range s.Results {
		if r.Failed() {
			return true
		}
	}
	return false
}
