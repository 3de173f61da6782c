package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/screenqa/internal/orchestrator"
	"github.com/basket/screenqa/internal/persistence"
)

func TestParseSteps(t *testing.T) {
	cases := []struct {
		in         string
		start, end int
		wantErr    bool
	}{
		{"", 0, 0, false},
		{"3", 3, 3, false},
		{"2-5", 2, 5, false},
		{" 1 - 4 ", 1, 4, false},
		{"0", 0, 0, true},
		{"5-2", 0, 0, true},
		{"abc", 0, 0, true},
		{"1-x", 0, 0, true},
	}
	for _, tc := range cases {
		start, end, err := parseSteps(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseSteps(%q): want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseSteps(%q): %v", tc.in, err)
			continue
		}
		if start != tc.start || end != tc.end {
			t.Errorf("parseSteps(%q) = (%d, %d), want (%d, %d)", tc.in, start, end, tc.start, tc.end)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nSCREENQA_TEST_ENV_A=hello\nSCREENQA_TEST_ENV_B=world\n\nbroken line\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}

	t.Setenv("SCREENQA_TEST_ENV_B", "already-set")
	t.Setenv("SCREENQA_TEST_ENV_A", "")
	os.Unsetenv("SCREENQA_TEST_ENV_A")

	loadDotEnv(path)
	if got := os.Getenv("SCREENQA_TEST_ENV_A"); got != "hello" {
		t.Fatalf("SCREENQA_TEST_ENV_A = %q, want hello", got)
	}
	// Existing values win over the file.
	if got := os.Getenv("SCREENQA_TEST_ENV_B"); got != "already-set" {
		t.Fatalf("SCREENQA_TEST_ENV_B = %q, want already-set", got)
	}
}

func TestStoreSink_CreatesRunWithMetadata(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "results.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	sink := &storeSink{store: store, scriptName: "smoke.yaml", platform: "browser"}

	runID, err := sink.Append(ctx, "", orchestrator.StepResult{
		TestName: "Login", StepIndex: 0, ResolvedAction: "open page",
		Expected: "page loads", Verdict: orchestrator.VerdictPass,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if runID == "" {
		t.Fatal("expected assigned run id")
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.ScriptName != "smoke.yaml" || run.Platform != "browser" {
		t.Fatalf("run metadata = %q/%q", run.ScriptName, run.Platform)
	}

	// Subsequent appends reuse the run.
	again, err := sink.Append(ctx, runID, orchestrator.StepResult{
		TestName: "Login", StepIndex: 1, Verdict: orchestrator.VerdictFail,
	})
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if again != runID {
		t.Fatalf("run id changed: %s != %s", again, runID)
	}
	steps, err := store.StepsForRun(ctx, runID)
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("want 2 steps, got %d", len(steps))
	}
}

func TestSummaryFromRecords(t *testing.T) {
	created := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	run := persistence.TestRunRecord{
		ID: "run-9", ScriptName: "smoke.yaml", Platform: "browser", CreatedAt: created,
	}
	steps := []persistence.StepRecord{
		{TestRunID: "run-9", TestName: "Login", StepIndex: 0, Verdict: orchestrator.VerdictPass, CreatedAt: created.Add(time.Minute)},
		{TestRunID: "run-9", TestName: "Login", StepIndex: 1, Verdict: orchestrator.VerdictError, CreatedAt: created.Add(2 * time.Minute)},
	}

	summary := summaryFromRecords(run, steps)
	if summary.RunID != "run-9" || summary.ScriptName != "smoke.yaml" {
		t.Fatalf("summary header = %q/%q", summary.RunID, summary.ScriptName)
	}
	total, passed, _, errored, _ := summary.Counts()
	if total != 2 || passed != 1 || errored != 1 {
		t.Fatalf("counts = %d/%d/%d", total, passed, errored)
	}
	if !summary.Failed() {
		t.Fatal("run with an errored step should count as failed")
	}
	if !summary.FinishedAt.Equal(created.Add(2 * time.Minute)) {
		t.Fatalf("FinishedAt = %v", summary.FinishedAt)
	}
}
