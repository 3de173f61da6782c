// Package orchestrator drives the per-step retry and abort state machine.
// It resolves platform actions, composes prompts, invokes the agent driver,
// judges outcomes through the evaluator, and commits every terminal verdict
// synchronously before advancing.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/screenqa/internal/bus"
	"github.com/basket/screenqa/internal/driver"
	"github.com/basket/screenqa/internal/evaluator"
	otelx "github.com/basket/screenqa/internal/otel"
	"github.com/basket/screenqa/internal/safety"
	"github.com/basket/screenqa/internal/script"
	"github.com/basket/screenqa/internal/shared"
)

// ContextMode selects how agent conversation context spans steps.
type ContextMode int

const (
	// FreshPerStep gives every step attempt a fresh agent context.
	FreshPerStep ContextMode = iota
	// SharedPerTest shares one context handle across all steps of a test.
	SharedPerTest
)

func (m ContextMode) String() string {
	if m == SharedPerTest {
		return "shared"
	}
	return "fresh"
}

// abortThreshold is the number of consecutive terminal FAIL/ERROR verdicts
// within one test that causes its remaining steps to be skipped.
const abortThreshold = 3

// AgentDriver is the seam to the bounded vision-action loop.
type AgentDriver interface {
	Run(ctx context.Context, in driver.Input) (driver.Result, error)
}

// ContextResetter discards agent conversation state for a shared handle.
// The genkit backend implements it; test doubles may ignore it.
type ContextResetter interface {
	ResetContext(contextID string)
}

// Config assembles an Orchestrator.
type Config struct {
	Driver    AgentDriver
	Evaluator evaluator.Evaluator
	Session   *Session
	Platform  script.Platform
	Mode      ContextMode

	// MaxTurns bounds each driver invocation. Zero uses the driver default.
	MaxTurns int
	// SystemSuffix is appended to the agent's system prompt.
	SystemSuffix string

	// Resetter tears down shared context handles at test boundaries. Optional.
	Resetter ContextResetter
	Bus      *bus.Bus
	Logger   *slog.Logger
	// Tracer records run/test/step spans. Optional; noop when unset.
	Tracer trace.Tracer
}

// Orchestrator executes one script at a time. Runs are strictly sequential:
// there is one physical control surface, so nothing here is concurrent.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	leaks  *safety.LeakDetector
	tracer trace.Tracer
}

// New validates the wiring and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Driver == nil {
		return nil, fmt.Errorf("orchestrator requires a driver")
	}
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("orchestrator requires an evaluator")
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("orchestrator requires a session")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("screenqa/orchestrator")
	}
	return &Orchestrator{cfg: cfg, logger: cfg.Logger, leaks: safety.NewLeakDetector(), tracer: tracer}, nil
}

// Run executes every test of the script in order and returns the summary.
// A commit failure aborts the whole run: once the sink is unreliable,
// downstream result integrity cannot be guaranteed.
func (o *Orchestrator) Run(ctx context.Context, sc *script.Script) (*Summary, error) {
	ctx, span := otelx.StartSpan(ctx, o.tracer, "run",
		otelx.AttrPlatform.String(string(o.cfg.Platform)))
	defer span.End()

	summary := &Summary{
		ScriptName: sc.Name,
		Platform:   string(o.cfg.Platform),
		StartedAt:  time.Now(),
	}
	o.publish(bus.TopicRunStarted, bus.RunStartedEvent{
		RunID: o.cfg.Session.RunID(), ScriptName: sc.Name,
		Platform: string(o.cfg.Platform), Tests: len(sc.Tests),
	})

	for _, test := range sc.Tests {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := o.runTest(ctx, test, summary); err != nil {
			return summary, err
		}
	}

	summary.FinishedAt = time.Now()
	summary.RunID = o.cfg.Session.RunID()
	span.SetAttributes(otelx.AttrRunID.String(summary.RunID))
	total, passed, failed, errored, skipped := summary.Counts()
	o.publish(bus.TopicRunCompleted, bus.RunCompletedEvent{
		RunID: summary.RunID, Total: total, Passed: passed,
		Failed: failed, Errored: errored, Skipped: skipped,
	})
	o.logger.InfoContext(ctx, "run completed", "run_id", summary.RunID,
		"total", total, "passed", passed, "failed", failed,
		"errored", errored, "skipped", skipped)
	return summary, nil
}

func (o *Orchestrator) runTest(ctx context.Context, test script.Test, summary *Summary) error {
	ctx, span := otelx.StartSpan(ctx, o.tracer, "test",
		otelx.AttrTestName.String(test.Name))
	defer span.End()
	ctx = shared.WithTestName(ctx, test.Name)
	if runID := o.cfg.Session.RunID(); runID != "" {
		ctx = shared.WithRunID(ctx, runID)
	}
	o.logger.InfoContext(ctx, "test started", "steps", len(test.Steps))
	o.publish(bus.TopicTestStarted, bus.TestStartedEvent{
		RunID: o.cfg.Session.RunID(), TestName: test.Name, Steps: len(test.Steps),
	})

	contextHandle := ""
	if o.cfg.Mode == SharedPerTest {
		contextHandle = uuid.NewString()
		if o.cfg.Resetter != nil {
			defer o.cfg.Resetter.ResetContext(contextHandle)
		}
	}

	// Consecutive terminal FAIL/ERROR verdicts in this test. A PASS breaks
	// the streak, a configuration-gap SKIPPED leaves it untouched.
	consecutive := 0
	aborted := false

	for i, step := range test.Steps {
		action := step.ActionFor(o.cfg.Platform)

		var result StepResult
		switch {
		case aborted:
			result = o.skippedResult(test, i, action, step,
				fmt.Sprintf("test aborted after %d consecutive failed steps", abortThreshold))
		case action == "":
			result = o.skippedResult(test, i, "", step,
				fmt.Sprintf("no action defined for platform %q", o.cfg.Platform))
		default:
			result = o.runStep(ctx, test, i, action, step, contextHandle)
		}

		if result.Verdict == VerdictPass {
			consecutive = 0
		} else if result.Failed() {
			consecutive++
		}

		if err := o.cfg.Session.Commit(ctx, result); err != nil {
			return err
		}
		result.TestRunID = o.cfg.Session.RunID()
		summary.Results = append(summary.Results, result)

		o.publish(bus.TopicStepVerdict, bus.StepVerdictEvent{
			RunID: o.cfg.Session.RunID(), TestName: test.Name, StepIndex: i,
			Verdict: result.Verdict, RetryCount: result.RetryCount,
			Reasoning: result.Reasoning,
		})

		if !aborted && consecutive >= abortThreshold {
			aborted = true
			consecutive = 0
			o.logger.WarnContext(ctx, "aborting test", "failed_streak", abortThreshold,
				"remaining_steps", len(test.Steps)-i-1)
			o.publish(bus.TopicTestAborted, bus.TestAbortedEvent{
				RunID: o.cfg.Session.RunID(), TestName: test.Name,
				FailureCount: abortThreshold, SkippedSteps: len(test.Steps) - i - 1,
			})
		}
	}
	return nil
}

// runStep executes one step through at most two driver attempts and returns
// its terminal result.
func (o *Orchestrator) runStep(ctx context.Context, test script.Test, index int, action string, step script.Step, contextHandle string) StepResult {
	logger := o.logger.With("step", index+1)
	ctx, span := otelx.StartSpan(ctx, o.tracer, "step",
		otelx.AttrTestName.String(test.Name),
		otelx.AttrStepIndex.Int(index),
		otelx.AttrAction.String(action))
	defer span.End()
	basePrompt := ComposePrompt(o.cfg.Platform, action, step)
	prompt := basePrompt
	started := time.Now()

	result := StepResult{
		TestName:       test.Name,
		Grouping:       test.Grouping,
		StepIndex:      index,
		ResolvedAction: action,
		ComposedPrompt: basePrompt,
		Expected:       step.Expected,
	}

	for attempt := 0; attempt <= 1; attempt++ {
		result.RetryCount = attempt
		o.publish(bus.TopicStepStarted, bus.StepStartedEvent{
			RunID: o.cfg.Session.RunID(), TestName: test.Name,
			StepIndex: index, Action: action, Attempt: attempt + 1,
		})
		logger.InfoContext(ctx, "step attempt", "attempt", attempt+1, "action", action)

		driveCtx, driveSpan := otelx.StartClientSpan(ctx, o.tracer, "agent.drive",
			otelx.AttrAttempt.Int(attempt+1))
		res, err := o.cfg.Driver.Run(driveCtx, driver.Input{
			Prompt:        prompt,
			SystemSuffix:  o.cfg.SystemSuffix,
			MaxTurns:      o.cfg.MaxTurns,
			ContextHandle: contextHandle,
		})
		driveSpan.SetAttributes(
			otelx.AttrTokensInput.Int(res.InputTokens),
			otelx.AttrTokensOutput.Int(res.OutputTokens))
		driveSpan.End()
		result.TurnsUsed += res.TurnsUsed
		result.InputTokens += res.InputTokens
		result.OutputTokens += res.OutputTokens

		if err != nil || !res.Done() {
			observed := res.Narration
			if err != nil {
				observed = err.Error()
			}
			result.Observed = observed
			result.Narration = res.Narration
			result.Verdict = VerdictError
			result.Reasoning = fmt.Sprintf("agent could not execute the action: %s", observed)
			if attempt == 0 {
				// Identical prompt on the retry: the failure was mechanical,
				// not a judgment mismatch.
				logger.WarnContext(ctx, "step errored, retrying", "reason", observed)
				o.publish(bus.TopicStepRetrying, bus.StepStartedEvent{
					RunID: o.cfg.Session.RunID(), TestName: test.Name,
					StepIndex: index, Action: action, Attempt: 2,
				})
				continue
			}
			break
		}

		result.Observed = res.Narration
		result.Narration = res.Narration
		result.Payload = res.StructuredPayload

		ev, evalErr := o.cfg.Evaluator.Evaluate(ctx, step.Expected, res.Narration)
		if evalErr != nil {
			result.Verdict = VerdictError
			result.Reasoning = fmt.Sprintf("evaluation failed: %s", evalErr)
			if attempt == 0 {
				logger.WarnContext(ctx, "evaluation errored, retrying", "error", evalErr)
				o.publish(bus.TopicStepRetrying, bus.StepStartedEvent{
					RunID: o.cfg.Session.RunID(), TestName: test.Name,
					StepIndex: index, Action: action, Attempt: 2,
				})
				continue
			}
			break
		}

		result.Reasoning = ev.Reasoning
		if ev.Verdict == evaluator.VerdictPass {
			result.Verdict = VerdictPass
			break
		}

		result.Verdict = VerdictFail
		if attempt == 0 && ev.Retryable {
			logger.WarnContext(ctx, "step failed verification, retrying", "reasoning", ev.Reasoning)
			o.publish(bus.TopicStepRetrying, bus.StepStartedEvent{
				RunID: o.cfg.Session.RunID(), TestName: test.Name,
				StepIndex: index, Action: action, Attempt: 2,
			})
			prompt = AdaptRetryPrompt(basePrompt, ev.Reasoning)
			continue
		}
		break
	}

	result.Duration = time.Since(started)
	span.SetAttributes(
		otelx.AttrVerdict.String(string(result.Verdict)),
		otelx.AttrAttempt.Int(result.RetryCount+1))
	// Narration is persisted and logged verbatim; flag anything the page
	// under test may have exposed.
	for _, w := range o.leaks.Scan(result.Narration) {
		logger.WarnContext(ctx, "possible secret in agent narration",
			"pattern", w.Pattern, "sample", w.Sample)
	}
	logger.InfoContext(ctx, "step finished", "verdict", result.Verdict,
		"retries", result.RetryCount, "duration", result.Duration)
	return result
}

func (o *Orchestrator) skippedResult(test script.Test, index int, action string, step script.Step, reason string) StepResult {
	return StepResult{
		TestName:       test.Name,
		Grouping:       test.Grouping,
		StepIndex:      index,
		ResolvedAction: action,
		Expected:       step.Expected,
		Verdict:        VerdictSkipped,
		Reasoning:      reason,
	}
}

func (o *Orchestrator) publish(topic string, payload any) {
	if o.cfg.Bus != nil {
		o.cfg.Bus.Publish(topic, payload)
	}
}
