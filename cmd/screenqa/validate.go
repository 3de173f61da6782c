package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/basket/screenqa/internal/safety"
	"github.com/basket/screenqa/internal/script"
	"github.com/basket/screenqa/internal/watch"
)

func runValidateCommand(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: screenqa validate <script.yaml> [...]")
		return 2
	}

	sanitizer := safety.NewSanitizer()
	code := 0
	for _, path := range args {
		sc, err := script.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: INVALID: %v\n", path, err)
			code = 1
			continue
		}
		fmt.Printf("%s: ok (%s: %d tests, %d steps, platform %s)\n",
			path, sc.Name, len(sc.Tests), sc.StepCount(), sc.Platform)
		for _, tst := range sc.Tests {
			marker := ""
			if tst.Init {
				marker = " [init]"
			}
			fmt.Printf("  %s: %d steps%s\n", tst.Name, len(tst.Steps), marker)
		}
		if n := warnSuspiciousSteps(sanitizer, sc); n > 0 {
			fmt.Fprintf(os.Stderr, "%s: %d step(s) with suspicious text\n", path, n)
		}
	}
	return code
}

// warnSuspiciousSteps screens step text for prompt injection. Scripts are
// prose that gets interpolated into model prompts, so text that tries to
// rewrite the model's instructions gets flagged here instead of at run time.
func warnSuspiciousSteps(s *safety.Sanitizer, sc *script.Script) int {
	flagged := 0
	for _, tst := range sc.Tests {
		for i, step := range tst.Steps {
			for _, text := range []string{step.ActionFor(sc.Platform), step.Expected} {
				res := s.Check(text)
				if res.Action == safety.ActionAllow {
					continue
				}
				fmt.Fprintf(os.Stderr, "  %s step %d: %s: %q\n", tst.Name, i+1, res.Reason, text)
				flagged++
			}
		}
	}
	return flagged
}

func runWatchCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: screenqa watch <script.yaml> [...]")
		return 2
	}

	// Validate once up front so the first feedback is immediate.
	runValidateCommand(args)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := watch.NewWatcher(args, logger)
	if err := w.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}

	fmt.Println("watching for changes (ctrl-c to stop)...")
	for {
		select {
		case <-ctx.Done():
			return 0
		case res, ok := <-w.Events():
			if !ok {
				return 0
			}
			if res.Err != nil {
				fmt.Printf("%s: INVALID: %v\n", res.Path, res.Err)
				continue
			}
			fmt.Printf("%s: ok (%d tests, %d steps)\n", res.Path, res.Tests, res.Steps)
		}
	}
}
