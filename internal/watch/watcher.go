// Package watch re-validates script files when they change on disk.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/screenqa/internal/script"
)

// Result reports one re-validation of a changed script file.
type Result struct {
	Path string
	// Err is nil when the script parsed and validated cleanly.
	Err error
	// Tests and Steps describe the script when Err is nil.
	Tests int
	Steps int
}

// Watcher monitors script files and emits a Result for each debounced change.
type Watcher struct {
	paths  []string
	logger *slog.Logger
	events chan Result
}

const debounceWindow = 150 * time.Millisecond

func NewWatcher(paths []string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		paths:  paths,
		logger: logger,
		events: make(chan Result, 16),
	}
}

// Events returns the channel of validation results. It is closed when the
// watcher stops.
func (w *Watcher) Events() <-chan Result {
	return w.events
}

// Start begins watching. Editors often replace files via rename, so the
// watcher registers the parent directories and filters to the target paths.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}

	watched := make(map[string]struct{}, len(w.paths))
	dirs := make(map[string]struct{})
	for _, p := range w.paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			fsw.Close()
			return fmt.Errorf("resolve %s: %w", p, err)
		}
		watched[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	go func() {
		defer func() {
			_ = fsw.Close()
			close(w.events)
		}()

		// Debounce bursts: editors fire write+chmod+rename sequences.
		pending := make(map[string]struct{})
		var timer *time.Timer
		var timerC <-chan time.Time
		arm := func() {
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(debounceWindow)
			timerC = timer.C
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				abs, err := filepath.Abs(ev.Name)
				if err != nil {
					continue
				}
				if _, ok := watched[abs]; !ok {
					continue
				}
				pending[abs] = struct{}{}
				arm()
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("script watcher error", "error", err)
			case <-timerC:
				timerC = nil
				for path := range pending {
					delete(pending, path)
					w.emit(w.check(path))
				}
			}
		}
	}()
	return nil
}

// check loads and validates a single script file.
func (w *Watcher) check(path string) Result {
	sc, err := script.Load(path)
	if err != nil {
		w.logger.Warn("script changed and failed validation", "path", path, "error", err)
		return Result{Path: path, Err: err}
	}
	res := Result{Path: path, Tests: len(sc.Tests), Steps: sc.StepCount()}
	w.logger.Info("script changed and validated",
		"path", path, "tests", res.Tests, "steps", res.Steps)
	return res
}

func (w *Watcher) emit(res Result) {
	select {
	case w.events <- res:
	default:
	}
}
