package shared

import (
	"context"
	"testing"
)

func TestTraceID_Defaults(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Errorf("TraceID on empty context = %q, want %q", got, "-")
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	id := NewTraceID()
	ctx := WithTraceID(context.Background(), id)
	if got := TraceID(ctx); got != id {
		t.Errorf("TraceID = %q, want %q", got, id)
	}
}

func TestRunID_RoundTrip(t *testing.T) {
	if got := RunID(context.Background()); got != "" {
		t.Errorf("RunID on empty context = %q, want empty", got)
	}
	ctx := WithRunID(context.Background(), "run-42")
	if got := RunID(ctx); got != "run-42" {
		t.Errorf("RunID = %q, want run-42", got)
	}
}

func TestTestName_RoundTrip(t *testing.T) {
	ctx := WithTestName(context.Background(), "Login")
	if got := TestName(ctx); got != "Login" {
		t.Errorf("TestName = %q, want Login", got)
	}
}
