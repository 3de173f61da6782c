package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/screenqa/internal/config"
	"github.com/basket/screenqa/internal/orchestrator"
	"github.com/basket/screenqa/internal/persistence"
	"github.com/basket/screenqa/internal/report"
)

func runResultsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("results", flag.ExitOnError)
	runID := fs.String("run", "", "show one run by id (default: the latest run)")
	limit := fs.Int("limit", 20, "number of runs to list with -list")
	list := fs.Bool("list", false, "list recent runs instead of showing one")
	jsonOut := fs.Bool("json", false, "emit JSON")
	reportPath := fs.String("report", "", "write an HTML report for the shown run")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open results db: %v\n", err)
		return 1
	}
	defer store.Close()

	if *list {
		return listRuns(ctx, store, *limit, *jsonOut)
	}
	return showRun(ctx, store, *runID, *jsonOut, *reportPath)
}

func listRuns(ctx context.Context, store *persistence.Store, limit int, jsonOut bool) int {
	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list runs: %v\n", err)
		return 1
	}
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(runs); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
		return 0
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded yet")
		return 0
	}
	for _, r := range runs {
		fmt.Printf("%s  %s  %-10s  %d steps (%d passed, %d failed, %d errored, %d skipped)  %s\n",
			r.ID, r.CreatedAt.Local().Format(time.DateTime), r.Platform,
			r.Total, r.Passed, r.Failed, r.Errored, r.Skipped, r.ScriptName)
	}
	return 0
}

func showRun(ctx context.Context, store *persistence.Store, runID string, jsonOut bool, reportPath string) int {
	if runID == "" {
		latest, err := store.LatestRunID(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "latest run: %v\n", err)
			return 1
		}
		if latest == "" {
			fmt.Println("no runs recorded yet")
			return 0
		}
		runID = latest
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	steps, err := store.StepsForRun(ctx, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load steps: %v\n", err)
		return 1
	}

	summary := summaryFromRecords(run, steps)
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
		return 0
	}

	report.WriteConsole(os.Stdout, summary)
	if reportPath != "" {
		if err := report.WriteHTML(summary, report.HTMLConfig{OutputPath: reportPath}); err != nil {
			fmt.Fprintf(os.Stderr, "html report: %v\n", err)
			return 1
		}
		fmt.Printf("html report written to %s\n", reportPath)
	}
	return 0
}

// summaryFromRecords rebuilds a run summary from stored rows so the console
// and HTML renderers work identically for live and historical runs.
func summaryFromRecords(run persistence.TestRunRecord, steps []persistence.StepRecord) *orchestrator.Summary {
	summary := &orchestrator.Summary{
		RunID:      run.ID,
		ScriptName: run.ScriptName,
		Platform:   run.Platform,
		StartedAt:  run.CreatedAt,
	}
	for _, rec := range steps {
		summary.Results = append(summary.Results, orchestrator.StepResult{
			TestRunID:      rec.TestRunID,
			TestName:       rec.TestName,
			Grouping:       rec.Grouping,
			StepIndex:      rec.StepIndex,
			ResolvedAction: rec.ResolvedAction,
			ComposedPrompt: rec.ComposedPrompt,
			Expected:       rec.Expected,
			Observed:       rec.Observed,
			Narration:      rec.Narration,
			Verdict:        rec.Verdict,
			RetryCount:     rec.RetryCount,
			Reasoning:      rec.Reasoning,
			Payload:        rec.Payload,
			TurnsUsed:      rec.TurnsUsed,
			InputTokens:    rec.InputTokens,
			OutputTokens:   rec.OutputTokens,
			Duration:       rec.Duration,
		})
		if rec.CreatedAt.After(summary.FinishedAt) {
			summary.FinishedAt = rec.CreatedAt
		}
	}
	return summary
}
