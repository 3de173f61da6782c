package report

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/screenqa/internal/orchestrator"
)

var (
	passStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	skipStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	headerStyle  = lipgloss.NewStyle().Bold(true)
	verdictStyle = map[string]lipgloss.Style{
		orchestrator.VerdictPass:    passStyle,
		orchestrator.VerdictFail:    failStyle,
		orchestrator.VerdictError:   errStyle,
		orchestrator.VerdictSkipped: skipStyle,
	}
)

// WriteConsole prints the run summary to w. Color is dropped automatically
// when w is not a terminal.
func WriteConsole(w io.Writer, summary *orchestrator.Summary) {
	colored := false
	if f, ok := w.(*os.File); ok {
		colored = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	render := func(s lipgloss.Style, text string) string {
		if !colored {
			return text
		}
		return s.Render(text)
	}

	fmt.Fprintln(w, render(headerStyle, fmt.Sprintf("%s  (%s, run %s)", summary.ScriptName, summary.Platform, summary.RunID)))

	currentTest := ""
	for _, r := range summary.Results {
		if r.TestName != currentTest {
			currentTest = r.TestName
			fmt.Fprintf(w, "\n%s\n", render(headerStyle, currentTest))
		}
		style, ok := verdictStyle[r.Verdict]
		if !ok {
			style = dimStyle
		}
		action := r.ResolvedAction
		if action == "" {
			action = "(no action)"
		}
		line := fmt.Sprintf("  %-7s %2d. %s", r.Verdict, r.StepIndex+1, truncate(action, 70))
		fmt.Fprintln(w, render(style, line))
		if r.Verdict != orchestrator.VerdictPass && r.Reasoning != "" {
			fmt.Fprintf(w, "          %s\n", render(dimStyle, truncate(r.Reasoning, 90)))
		}
	}

	total, passed, failed, errored, skipped := summary.Counts()
	fmt.Fprintf(w, "\n%s %s %s %s %s\n",
		render(headerStyle, fmt.Sprintf("%d steps:", total)),
		render(passStyle, fmt.Sprintf("%d passed", passed)),
		render(failStyle, fmt.Sprintf("%d failed", failed)),
		render(errStyle, fmt.Sprintf("%d errored", errored)),
		render(skipStyle, fmt.Sprintf("%d skipped", skipped)),
	)
	if dur := summary.FinishedAt.Sub(summary.StartedAt); dur > 0 {
		fmt.Fprintln(w, render(dimStyle, "took "+formatDuration(dur)))
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
