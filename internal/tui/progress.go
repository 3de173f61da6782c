// Package tui renders live run progress in the terminal.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/screenqa/internal/bus"
	"github.com/basket/screenqa/internal/orchestrator"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

	verdictStyles = map[string]lipgloss.Style{
		orchestrator.VerdictPass:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		orchestrator.VerdictFail:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		orchestrator.VerdictError:   lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		orchestrator.VerdictSkipped: lipgloss.NewStyle().Foreground(lipgloss.Color("226")),
	}
)

// stepLine is one finished or in-flight step row.
type stepLine struct {
	index   int
	action  string
	verdict string // empty while running
	retries int
	attempt int
}

// testBlock groups the step lines of one test.
type testBlock struct {
	name    string
	steps   int
	aborted bool
	lines   []stepLine
}

type model struct {
	events <-chan bus.Event

	script   string
	platform string
	runID    string
	started  time.Time

	tests   []testBlock
	passed  int
	failed  int
	errored int
	skipped int
	total   int

	finished bool
	closed   bool
}

type busEventMsg bus.Event
type eventsClosedMsg struct{}

// waitForEvent blocks on the bus subscription channel and hands the next
// event to the update loop.
func waitForEvent(ch <-chan bus.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return busEventMsg(ev)
	}
}

func (m model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case eventsClosedMsg:
		m.closed = true
		return m, tea.Quit
	case busEventMsg:
		m.apply(bus.Event(msg))
		if m.finished {
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)
	}
	return m, nil
}

func (m *model) apply(ev bus.Event) {
	switch ev.Topic {
	case bus.TopicRunStarted:
		if p, ok := ev.Payload.(bus.RunStartedEvent); ok {
			m.script = p.ScriptName
			m.platform = p.Platform
			m.runID = p.RunID
			m.started = time.Now()
		}
	case bus.TopicTestStarted:
		if p, ok := ev.Payload.(bus.TestStartedEvent); ok {
			m.tests = append(m.tests, testBlock{name: p.TestName, steps: p.Steps})
		}
	case bus.TopicStepStarted:
		if p, ok := ev.Payload.(bus.StepStartedEvent); ok {
			m.upsertStep(p.TestName, stepLine{index: p.StepIndex, action: p.Action, attempt: p.Attempt})
		}
	case bus.TopicStepVerdict:
		if p, ok := ev.Payload.(bus.StepVerdictEvent); ok {
			m.settleStep(p)
		}
	case bus.TopicTestAborted:
		if p, ok := ev.Payload.(bus.TestAbortedEvent); ok {
			if blk := m.block(p.TestName); blk != nil {
				blk.aborted = true
			}
		}
	case bus.TopicRunCompleted:
		if p, ok := ev.Payload.(bus.RunCompletedEvent); ok {
			m.total = p.Total
			m.passed = p.Passed
			m.failed = p.Failed
			m.errored = p.Errored
			m.skipped = p.Skipped
			m.finished = true
		}
	}
}

func (m *model) block(testName string) *testBlock {
	for i := range m.tests {
		if m.tests[i].name == testName {
			return &m.tests[i]
		}
	}
	return nil
}

func (m *model) upsertStep(testName string, line stepLine) {
	blk := m.block(testName)
	if blk == nil {
		m.tests = append(m.tests, testBlock{name: testName})
		blk = &m.tests[len(m.tests)-1]
	}
	for i := range blk.lines {
		if blk.lines[i].index == line.index {
			blk.lines[i].attempt = line.attempt
			return
		}
	}
	blk.lines = append(blk.lines, line)
}

func (m *model) settleStep(p bus.StepVerdictEvent) {
	blk := m.block(p.TestName)
	if blk == nil {
		m.tests = append(m.tests, testBlock{name: p.TestName})
		blk = &m.tests[len(m.tests)-1]
	}
	for i := range blk.lines {
		if blk.lines[i].index == p.StepIndex {
			blk.lines[i].verdict = p.Verdict
			blk.lines[i].retries = p.RetryCount
			return
		}
	}
	// Skipped steps never get a step.started event.
	blk.lines = append(blk.lines, stepLine{index: p.StepIndex, verdict: p.Verdict, retries: p.RetryCount})
}

func (m model) View() string {
	var out strings.Builder

	title := m.script
	if title == "" {
		title = "waiting for run..."
	}
	out.WriteString(headerStyle.Render(title))
	if m.platform != "" {
		out.WriteString(dimStyle.Render(fmt.Sprintf("  (%s)", m.platform)))
	}
	out.WriteString("\n\n")

	for _, blk := range m.tests {
		name := blk.name
		if blk.aborted {
			name += "  (aborted)"
		}
		out.WriteString(headerStyle.Render(name) + "\n")
		for _, line := range blk.lines {
			out.WriteString("  " + m.renderLine(line) + "\n")
		}
		out.WriteString("\n")
	}

	if m.finished {
		out.WriteString(fmt.Sprintf("%d steps: %d passed, %d failed, %d errored, %d skipped\n",
			m.total, m.passed, m.failed, m.errored, m.skipped))
	} else {
		out.WriteString(dimStyle.Render("press q to quit") + "\n")
	}
	return out.String()
}

func (m model) renderLine(line stepLine) string {
	action := line.action
	if len(action) > 60 {
		action = action[:59] + "…"
	}
	if line.verdict == "" {
		label := "RUN"
		if line.attempt > 0 {
			label = "RETRY"
		}
		return runningStyle.Render(fmt.Sprintf("%-7s", label)) + fmt.Sprintf(" %2d. %s", line.index+1, action)
	}
	style, ok := verdictStyles[line.verdict]
	if !ok {
		style = dimStyle
	}
	text := fmt.Sprintf("%-7s %2d. %s", line.verdict, line.index+1, action)
	if line.retries > 0 {
		text += dimStyle.Render(fmt.Sprintf("  (%d retries)", line.retries))
	}
	return style.Render(text[:7]) + text[7:]
}

// Run drives the progress view until the run completes, the bus closes, or
// the user quits. It subscribes to all run topics on the given bus.
func Run(ctx context.Context, eventBus *bus.Bus) error {
	defer bestEffortResetTTY()

	sub := eventBus.Subscribe("")
	defer eventBus.Unsubscribe(sub)

	m := model{events: sub.Ch()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}
