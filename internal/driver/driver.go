// Package driver executes one instructed action end-to-end against the agent
// backend, bounded by a turn budget. It normalizes every outcome to done or
// error and performs no pass/fail judgment of its own.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/screenqa/internal/executor"
	"github.com/basket/screenqa/internal/tokenutil"
)

// Turn result statuses.
const (
	StatusDone  = "done"
	StatusError = "error"
)

// ErrTurnLimit is the reason reported when the turn budget runs out before
// the agent signals completion.
const ErrTurnLimit = "turn_limit_exceeded"

// DefaultMaxTurns bounds one driver invocation when the caller passes zero.
const DefaultMaxTurns = 15

// Decision is the backend's next move for the current turn.
type Decision struct {
	// Report is true when the agent signals completion instead of acting.
	Report bool
	// Narration carries the agent's verification text for a report.
	Narration string
	// Action is the requested UI action when Report is false.
	Action executor.Action
	// InputTokens and OutputTokens are backend-reported usage for the turn.
	InputTokens  int
	OutputTokens int
}

// Request is one backend invocation within the loop.
type Request struct {
	// Prompt is the composed step instruction. Sent on every turn.
	Prompt string
	// SystemSuffix is appended to the backend's system prompt.
	SystemSuffix string
	// ContextID keys a shared conversation on the backend; empty means a
	// fresh conversation for this call.
	ContextID string
	// Turn is the 1-based turn number.
	Turn int
	// Screenshot is the current screen state.
	Screenshot []byte
	// Observation describes the outcome of the previous turn's action, or a
	// corrective note after a rejected action. Empty on the first turn.
	Observation string
}

// Backend produces the next agent decision given the current screen state.
type Backend interface {
	NextAction(ctx context.Context, req Request) (Decision, error)
}

// Input is one bounded vision-action interaction.
type Input struct {
	Prompt        string
	SystemSuffix  string
	MaxTurns      int
	ContextHandle string
}

// Result is the normalized outcome of one driver invocation.
type Result struct {
	// Status is done or error.
	Status string
	// Narration is the agent's final verification text, or the fault reason
	// on error.
	Narration string
	// StructuredPayload is machine-readable data the agent embedded in its
	// report, if any.
	StructuredPayload string
	TurnsUsed         int
	InputTokens       int
	OutputTokens      int
	// Screenshots are the captures taken after each executed action.
	Screenshots [][]byte
}

// Done reports whether the interaction reached a terminal report.
func (r Result) Done() bool { return r.Status == StatusDone }

// Driver runs the bounded agent loop. One Driver serves one run; calls are
// strictly sequential.
type Driver struct {
	backend Backend
	exec    executor.Executor
	logger  *slog.Logger
}

// New creates a Driver.
func New(backend Backend, exec executor.Executor, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{backend: backend, exec: exec, logger: logger}
}

// Run executes one instructed action until the agent reports, the executor
// faults, or the turn budget is exhausted. Context cancellation is honored
// between turns, never mid-turn.
func (d *Driver) Run(ctx context.Context, in Input) (Result, error) {
	maxTurns := in.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	res := Result{}
	observation := ""

	screenshot, err := d.exec.Screenshot(ctx)
	if err != nil {
		// A missing initial capture is survivable; the backend acts from the
		// prompt alone until the first action produces one.
		d.logger.DebugContext(ctx, "initial screenshot unavailable", "error", err)
	}

	for turn := 1; turn <= maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.TurnsUsed = turn

		decision, err := d.backend.NextAction(ctx, Request{
			Prompt:       in.Prompt,
			SystemSuffix: in.SystemSuffix,
			ContextID:    in.ContextHandle,
			Turn:         turn,
			Screenshot:   screenshot,
			Observation:  observation,
		})
		if err != nil {
			return res, fmt.Errorf("agent backend turn %d: %w", turn, err)
		}
		res.InputTokens += decision.InputTokens
		res.OutputTokens += decision.OutputTokens
		if decision.OutputTokens == 0 {
			res.OutputTokens += tokenutil.EstimateTokens(decision.Narration)
		}

		if decision.Report {
			narration, payload := ExtractPayload(decision.Narration)
			res.Status = StatusDone
			res.Narration = narration
			res.StructuredPayload = payload
			d.logger.DebugContext(ctx, "agent reported", "turns", turn)
			return res, nil
		}

		if !executor.Supported[decision.Action.Name] {
			observation = correctiveNote(decision.Action.Name)
			d.logger.WarnContext(ctx, "unsupported action reissued",
				"action", decision.Action.Name,
				"turn", turn,
			)
			continue
		}

		obs, err := d.exec.Perform(ctx, decision.Action)
		if err != nil {
			var fault *executor.Fault
			if errors.As(err, &fault) {
				res.Status = StatusError
				res.Narration = fault.Error()
				d.logger.WarnContext(ctx, "executor fault", "action", decision.Action.Name, "reason", fault.Reason)
				return res, nil
			}
			return res, fmt.Errorf("perform %s: %w", decision.Action.Name, err)
		}

		observation = obs.Summary
		if len(obs.Screenshot) > 0 {
			screenshot = obs.Screenshot
			res.Screenshots = append(res.Screenshots, obs.Screenshot)
		}
	}

	res.Status = StatusError
	res.Narration = ErrTurnLimit
	return res, nil
}

func correctiveNote(name string) string {
	return fmt.Sprintf(
		"The action %q is not available. Use only these actions: %s. Re-read the instruction and choose a supported action, or report your verification if the step is complete.",
		name, strings.Join(executor.SupportedNames(), ", "),
	)
}
