package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TestRunRecord is a row in test_runs.
type TestRunRecord struct {
	ID         string    `json:"id"`
	ScriptName string    `json:"script_name"`
	Platform   string    `json:"platform"`
	CreatedAt  time.Time `json:"created_at"`
}

// StepRecord is a row in step_results. Rows are append-only: a resubmission
// of the same (run, test, step index) replaces the row in place without
// disturbing order.
type StepRecord struct {
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
	CreatedAt      time.Time     `json:"created_at"`
}

// RunOverview is a test run with aggregated verdict counts.
type RunOverview struct {
	TestRunRecord
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Errored int `json:"errored"`
	Skipped int `json:"skipped"`
}

// CreateRun inserts a new test run and returns its id. An empty id is
// assigned a fresh UUID.
func (s *Store) CreateRun(ctx context.Context, id, scriptName, platform string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO test_runs (id, script_name, platform)
			VALUES (?, ?, ?)
			ON CONFLICT (id) DO NOTHING;
		`, id, scriptName, platform)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create test run: %w", err)
	}
	return id, nil
}

// AppendStepResult writes one terminal step result. An empty runID creates a
// run row first and returns the assigned id. The upsert keys on
// (test_run_id, test_name, step_index), so duplicate resubmission after a
// partially failed commit is safe.
func (s *Store) AppendStepResult(ctx context.Context, runID string, rec StepRecord) (string, error) {
	if runID == "" {
		assigned, err := s.CreateRun(ctx, "", "", "")
		if err != nil {
			return "", err
		}
		runID = assigned
	}
	rec.TestRunID = runID

	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO step_results (
				test_run_id, test_name, grouping, step_index,
				resolved_action, composed_prompt, expected, observed,
				narration, verdict, retry_count, reasoning, payload,
				turns_used, input_tokens, output_tokens, duration_ms
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (test_run_id, test_name, step_index) DO UPDATE SET
				grouping = excluded.grouping,
				resolved_action = excluded.resolved_action,
				composed_prompt = excluded.composed_prompt,
				expected = excluded.expected,
				observed = excluded.observed,
				narration = excluded.narration,
				verdict = excluded.verdict,
				retry_count = excluded.retry_count,
				reasoning = excluded.reasoning,
				payload = excluded.payload,
				turns_used = excluded.turns_used,
				input_tokens = excluded.input_tokens,
				output_tokens = excluded.output_tokens,
				duration_ms = excluded.duration_ms;
		`, rec.TestRunID, rec.TestName, rec.Grouping, rec.StepIndex,
			rec.ResolvedAction, rec.ComposedPrompt, rec.Expected, rec.Observed,
			rec.Narration, rec.Verdict, rec.RetryCount, rec.Reasoning, rec.Payload,
			rec.TurnsUsed, rec.InputTokens, rec.OutputTokens, rec.Duration.Milliseconds())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("append step result: %w", err)
	}
	return runID, nil
}

// StepsForRun returns the run's step results in insertion order.
func (s *Store) StepsForRun(ctx context.Context, runID string) ([]StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT test_run_id, test_name, grouping, step_index,
			resolved_action, composed_prompt, expected, observed,
			narration, verdict, retry_count, reasoning, payload,
			turns_used, input_tokens, output_tokens, duration_ms, created_at
		FROM step_results
		WHERE test_run_id = ?
		ORDER BY id ASC;
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query step results: %w", err)
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var rec StepRecord
		var durationMS int64
		if err := rows.Scan(
			&rec.TestRunID, &rec.TestName, &rec.Grouping, &rec.StepIndex,
			&rec.ResolvedAction, &rec.ComposedPrompt, &rec.Expected, &rec.Observed,
			&rec.Narration, &rec.Verdict, &rec.RetryCount, &rec.Reasoning, &rec.Payload,
			&rec.TurnsUsed, &rec.InputTokens, &rec.OutputTokens, &durationMS, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetRun returns one test run row.
func (s *Store) GetRun(ctx context.Context, runID string) (TestRunRecord, error) {
	var rec TestRunRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, script_name, platform, created_at
		FROM test_runs WHERE id = ?;
	`, runID).Scan(&rec.ID, &rec.ScriptName, &rec.Platform, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("test run %q not found", runID)
	}
	if err != nil {
		return rec, fmt.Errorf("get test run: %w", err)
	}
	return rec, nil
}

// LatestRunID returns the most recently created run id, or empty when the
// store has none.
func (s *Store) LatestRunID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM test_runs ORDER BY created_at DESC, id DESC LIMIT 1;
	`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest run: %w", err)
	}
	return id, nil
}

// ListRuns returns recent runs with verdict counts, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunOverview, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.script_name, r.platform, r.created_at,
			COUNT(s.id),
			COALESCE(SUM(CASE WHEN s.verdict = 'PASS' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN s.verdict = 'FAIL' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN s.verdict = 'ERROR' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN s.verdict = 'SKIPPED' THEN 1 ELSE 0 END), 0)
		FROM test_runs r
		LEFT JOIN step_results s ON s.test_run_id = r.id
		GROUP BY r.id
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunOverview
	for rows.Next() {
		var ov RunOverview
		if err := rows.Scan(
			&ov.ID, &ov.ScriptName, &ov.Platform, &ov.CreatedAt,
			&ov.Total, &ov.Passed, &ov.Failed, &ov.Errored, &ov.Skipped,
		); err != nil {
			return nil, fmt.Errorf("scan run overview: %w", err)
		}
		out = append(out, ov)
	}
	return out, rows.Err()
}
