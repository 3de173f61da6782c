package main

import (
	"context"

	"github.com/basket/screenqa/internal/orchestrator"
	"github.com/basket/screenqa/internal/persistence"
)

// storeSink adapts the persistence store to the orchestrator's sink seam,
// stamping the run's script name and platform when the first commit creates
// the run row.
type storeSink struct {
	store      *persistence.Store
	scriptName string
	platform   string
}

func (s *storeSink) Append(ctx context.Context, runID string, result orchestrator.StepResult) (string, error) {
	if runID == "" {
		assigned, err := s.store.CreateRun(ctx, "", s.scriptName, s.platform)
		if err != nil {
			return "", err
		}
		runID = assigned
	}
	return s.store.AppendStepResult(ctx, runID, persistence.StepRecord{
		TestRunID:      runID,
		TestName:       result.TestName,
		Grouping:       result.Grouping,
		StepIndex:      result.StepIndex,
		ResolvedAction: result.ResolvedAction,
		ComposedPrompt: result.ComposedPrompt,
		Expected:       result.Expected,
		Observed:       result.Observed,
		Narration:      result.Narration,
		Verdict:        result.Verdict,
		RetryCount:     result.RetryCount,
		Reasoning:      result.Reasoning,
		Payload:        result.Payload,
		TurnsUsed:      result.TurnsUsed,
		InputTokens:    result.InputTokens,
		OutputTokens:   result.OutputTokens,
		Duration:       result.Duration,
	})
}
