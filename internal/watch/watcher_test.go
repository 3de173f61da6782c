package watch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validScript = `name: watch-check
platform: browser
rows:
  - test: Login
    action: open the login page
    expected: login form is visible
  - action: enter valid credentials and submit
    expected: dashboard is shown
`

const brokenScript = `name: watch-check
rows: "not a list"
`

func startWatcher(t *testing.T, path string) *Watcher {
	t.Helper()
	w := NewWatcher([]string{path}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	return w
}

func awaitResult(t *testing.T, w *Watcher) Result {
	t.Helper()
	select {
	case res, ok := <-w.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for validation result")
	}
	return Result{}
}

func TestWatcher_ValidChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smoke.yaml")
	if err := os.WriteFile(path, []byte(validScript), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	w := startWatcher(t, path)

	if err := os.WriteFile(path, []byte(validScript), 0o644); err != nil {
		t.Fatalf("rewrite script: %v", err)
	}

	res := awaitResult(t, w)
	if res.Err != nil {
		t.Fatalf("validation error: %v", res.Err)
	}
	if res.Path != path {
		t.Fatalf("path = %q, want %q", res.Path, path)
	}
	if res.Tests != 1 || res.Steps != 2 {
		t.Fatalf("tests=%d steps=%d, want 1 test with 2 steps", res.Tests, res.Steps)
	}
}

func TestWatcher_BrokenChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smoke.yaml")
	if err := os.WriteFile(path, []byte(validScript), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	w := startWatcher(t, path)

	if err := os.WriteFile(path, []byte(brokenScript), 0o644); err != nil {
		t.Fatalf("rewrite script: %v", err)
	}

	res := awaitResult(t, w)
	if res.Err == nil {
		t.Fatal("want validation error for broken script")
	}
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "smoke.yaml")
	if err := os.WriteFile(path, []byte(validScript), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	w := startWatcher(t, path)

	other := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(other, []byte("unrelated"), 0o644); err != nil {
		t.Fatalf("write sibling: %v", err)
	}

	select {
	case res := <-w.Events():
		t.Fatalf("unexpected result for sibling file: %+v", res)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatcher_StopClosesEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smoke.yaml")
	if err := os.WriteFile(path, []byte(validScript), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}

	w := NewWatcher([]string{path}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()

	select {
	case _, ok := <-w.Events():
		if ok {
			// A queued event may arrive before close; drain one more.
			if _, ok := <-w.Events(); ok {
				t.Fatal("events channel still open after cancel")
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}
