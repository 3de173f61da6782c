package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Sink is the durable store for step results. An empty run id asks the sink
// to assign one; the assigned id is returned and reused for every subsequent
// append in the session. Appends must tolerate resubmission of the same
// (run id, test name, step index) without corrupting order.
type Sink interface {
	Append(ctx context.Context, runID string, result StepResult) (string, error)
}

// DefaultPersistMaxRetries bounds commit attempts before the run aborts.
const DefaultPersistMaxRetries = 3

// Session owns the run identity for one execution. It is created by the
// caller and passed by handle into every commit; the run id lives here and
// nowhere else.
type Session struct {
	sink       Sink
	runID      string
	maxRetries int
	logger     *slog.Logger
}

// NewSession starts a session against a sink. A non-empty runID resumes an
// existing run; leave it empty to let the sink assign one on first commit.
func NewSession(sink Sink, runID string, maxRetries int, logger *slog.Logger) *Session {
	if maxRetries <= 0 {
		maxRetries = DefaultPersistMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{sink: sink, runID: runID, maxRetries: maxRetries, logger: logger}
}

// RunID returns the session's run id, empty until the first commit assigns one.
func (s *Session) RunID() string { return s.runID }

// Commit writes one terminal result synchronously, retrying transient sink
// failures with backoff. Exhausting the retry budget is fatal to the run and
// reported as an error.
func (s *Session) Commit(ctx context.Context, result StepResult) error {
	result.TestRunID = s.runID

	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * 200 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		assigned, err := s.sink.Append(ctx, s.runID, result)
		if err == nil {
			if s.runID == "" {
				s.runID = assigned
			}
			return nil
		}
		lastErr = err
		s.logger.WarnContext(ctx, "result commit failed",
			"step", result.StepIndex,
			"attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("commit step result after %d attempts: %w", s.maxRetries, lastErr)
}
