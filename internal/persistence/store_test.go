package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "results.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleRecord(run, test string, index int) StepRecord {
	return StepRecord{
		TestRunID:      run,
		TestName:       test,
		Grouping:       "Smoke",
		StepIndex:      index,
		ResolvedAction: "click the login button",
		ComposedPrompt: "ACTION: click the login button\nEXPECTED OUTCOME: form appears",
		Expected:       "form appears",
		Observed:       "VERIFICATION: PASS - the form appears",
		Narration:      "Clicked the button and the form appeared.",
		Verdict:        "PASS",
		RetryCount:     1,
		Reasoning:      "observation matches the expected outcome",
		Payload:        `{"latency_ms": 120}`,
		TurnsUsed:      3,
		InputTokens:    410,
		OutputTokens:   96,
		Duration:       2300 * time.Millisecond,
	}
}

func TestOpen_MigratesAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	store, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = store.Close()
}

func TestAppendStepResult_RoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	runID, err := store.CreateRun(ctx, "", "regression.yaml", "browser")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	want := sampleRecord(runID, "Login", 0)
	if _, err := store.AppendStepResult(ctx, runID, want); err != nil {
		t.Fatalf("AppendStepResult: %v", err)
	}

	got, err := store.StepsForRun(ctx, runID)
	if err != nil {
		t.Fatalf("StepsForRun: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	r := got[0]
	// Every persisted column must survive unchanged.
	if r.TestRunID != want.TestRunID || r.TestName != want.TestName ||
		r.Grouping != want.Grouping || r.StepIndex != want.StepIndex ||
		r.ResolvedAction != want.ResolvedAction || r.ComposedPrompt != want.ComposedPrompt ||
		r.Expected != want.Expected || r.Observed != want.Observed ||
		r.Narration != want.Narration || r.Verdict != want.Verdict ||
		r.RetryCount != want.RetryCount || r.Reasoning != want.Reasoning ||
		r.Payload != want.Payload || r.TurnsUsed != want.TurnsUsed ||
		r.InputTokens != want.InputTokens || r.OutputTokens != want.OutputTokens ||
		r.Duration != want.Duration {
		t.Fatalf("round-trip mismatch:\n got %+v\nwant %+v", r, want)
	}
	if r.CreatedAt.IsZero() {
		t.Fatal("created_at not populated")
	}
}

func TestAppendStepResult_AssignsRunID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("", "Login", 0)
	runID, err := store.AppendStepResult(ctx, "", rec)
	if err != nil {
		t.Fatalf("AppendStepResult: %v", err)
	}
	if runID == "" {
		t.Fatal("want assigned run id")
	}
	if _, err := store.GetRun(ctx, runID); err != nil {
		t.Fatalf("GetRun: %v", err)
	}

	latest, err := store.LatestRunID(ctx)
	if err != nil {
		t.Fatalf("LatestRunID: %v", err)
	}
	if latest != runID {
		t.Fatalf("latest run = %q, want %q", latest, runID)
	}
}

func TestAppendStepResult_IdempotentResubmission(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	runID, err := store.CreateRun(ctx, "run-a", "s.yaml", "browser")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.AppendStepResult(ctx, runID, sampleRecord(runID, "Login", i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	// Resubmit the middle step with an updated verdict, as a retried commit
	// would after a transient failure.
	dup := sampleRecord(runID, "Login", 1)
	dup.Verdict = "FAIL"
	dup.Reasoning = "resubmitted"
	if _, err := store.AppendStepResult(ctx, runID, dup); err != nil {
		t.Fatalf("resubmit: %v", err)
	}

	got, err := store.StepsForRun(ctx, runID)
	if err != nil {
		t.Fatalf("StepsForRun: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records after resubmission, want 3", len(got))
	}
	for i, r := range got {
		if r.StepIndex != i {
			t.Fatalf("record %d has step_index %d, order corrupted", i, r.StepIndex)
		}
	}
	if got[1].Verdict != "FAIL" || got[1].Reasoning != "resubmitted" {
		t.Fatalf("resubmitted row not updated: %+v", got[1])
	}
}

func TestListRuns_Counts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	runID, _ := store.CreateRun(ctx, "run-counts", "s.yaml", "browser")
	verdicts := []string{"PASS", "PASS", "FAIL", "ERROR", "SKIPPED"}
	for i, v := range verdicts {
		rec := sampleRecord(runID, "T", i)
		rec.Verdict = v
		if _, err := store.AppendStepResult(ctx, runID, rec); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	runs, err := store.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	ov := runs[0]
	if ov.Total != 5 || ov.Passed != 2 || ov.Failed != 1 || ov.Errored != 1 || ov.Skipped != 1 {
		t.Fatalf("counts = %+v", ov)
	}
	if ov.ScriptName != "s.yaml" || ov.Platform != "browser" {
		t.Fatalf("run metadata = %+v", ov.TestRunRecord)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetRun(context.Background(), "missing"); err == nil {
		t.Fatal("want error for missing run")
	}
}

func TestRetryOnBusy(t *testing.T) {
	t.Run("passes_through_other_errors", func(t *testing.T) {
		boom := errors.New("constraint failed")
		calls := 0
		err := retryOnBusy(context.Background(), 5, func() error {
			calls++
			return boom
		})
		if !errors.Is(err, boom) || calls != 1 {
			t.Fatalf("err = %v calls = %d", err, calls)
		}
	})

	t.Run("retries_busy_until_success", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(context.Background(), 5, func() error {
			calls++
			if calls < 3 {
				return errors.New("database is locked")
			}
			return nil
		})
		if err != nil || calls != 3 {
			t.Fatalf("err = %v calls = %d", err, calls)
		}
	})

	t.Run("gives_up_after_max_retries", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(context.Background(), 2, func() error {
			calls++
			return errors.New("database is locked")
		})
		if err == nil || calls != 3 {
			t.Fatalf("err = %v calls = %d", err, calls)
		}
	})
}

func TestIsSQLiteBusy(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("database is locked"), true},
		{errors.New("database table is locked"), true},
		{errors.New("SQL logic error (5)"), true},
		{errors.New("SQL logic error (6)"), true},
		{errors.New("UNIQUE constraint failed"), false},
	}
	for _, tc := range cases {
		if got := isSQLiteBusy(tc.err); got != tc.want {
			t.Fatalf("isSQLiteBusy(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
