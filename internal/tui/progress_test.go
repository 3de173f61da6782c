package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/screenqa/internal/bus"
	"github.com/basket/screenqa/internal/orchestrator"
)

func applyEvents(m model, events ...bus.Event) model {
	for _, ev := range events {
		m.apply(ev)
	}
	return m
}

func TestView_TracksRunProgress(t *testing.T) {
	m := applyEvents(model{},
		bus.Event{Topic: bus.TopicRunStarted, Payload: bus.RunStartedEvent{
			RunID: "run-1", ScriptName: "smoke.yaml", Platform: "browser", Tests: 1,
		}},
		bus.Event{Topic: bus.TopicTestStarted, Payload: bus.TestStartedEvent{
			RunID: "run-1", TestName: "Login", Steps: 2,
		}},
		bus.Event{Topic: bus.TopicStepStarted, Payload: bus.StepStartedEvent{
			TestName: "Login", StepIndex: 0, Action: "open the login page",
		}},
		bus.Event{Topic: bus.TopicStepVerdict, Payload: bus.StepVerdictEvent{
			TestName: "Login", StepIndex: 0, Verdict: orchestrator.VerdictPass,
		}},
		bus.Event{Topic: bus.TopicStepStarted, Payload: bus.StepStartedEvent{
			TestName: "Login", StepIndex: 1, Action: "submit credentials", Attempt: 1,
		}},
	)

	view := m.View()
	for _, want := range []string{"smoke.yaml", "browser", "Login", "open the login page", "PASS", "RETRY", "submit credentials"} {
		if !strings.Contains(view, want) {
			t.Errorf("expected view to contain %q, got:\n%s", want, view)
		}
	}
}

func TestView_AbortedTestAndSkippedSteps(t *testing.T) {
	m := applyEvents(model{},
		bus.Event{Topic: bus.TopicTestStarted, Payload: bus.TestStartedEvent{TestName: "Checkout", Steps: 3}},
		bus.Event{Topic: bus.TopicTestAborted, Payload: bus.TestAbortedEvent{
			TestName: "Checkout", FailureCount: 3, SkippedSteps: 2,
		}},
		bus.Event{Topic: bus.TopicStepVerdict, Payload: bus.StepVerdictEvent{
			TestName: "Checkout", StepIndex: 1, Verdict: orchestrator.VerdictSkipped,
		}},
	)

	view := m.View()
	if !strings.Contains(view, "(aborted)") {
		t.Fatalf("expected aborted marker:\n%s", view)
	}
	if !strings.Contains(view, "SKIPPED") {
		t.Fatalf("expected skipped step row:\n%s", view)
	}
}

func TestUpdate_QuitsOnRunCompleted(t *testing.T) {
	events := make(chan bus.Event, 1)
	m := model{events: events}

	updated, cmd := m.Update(busEventMsg(bus.Event{
		Topic: bus.TopicRunCompleted,
		Payload: bus.RunCompletedEvent{
			RunID: "run-1", Total: 3, Passed: 2, Failed: 1,
		},
	}))
	if cmd == nil {
		t.Fatal("expected quit command after run completion")
	}

	view := updated.(model).View()
	if !strings.Contains(view, "3 steps: 2 passed, 1 failed") {
		t.Fatalf("expected final counts in view:\n%s", view)
	}
}

func TestUpdate_QuitsOnKeyAndClosedChannel(t *testing.T) {
	m := model{}

	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}}); cmd == nil {
		t.Fatal("expected quit command on 'q' key")
	}
	if _, cmd := m.Update(eventsClosedMsg{}); cmd == nil {
		t.Fatal("expected quit command when event channel closes")
	}
}

func TestInit_WaitsForEvents(t *testing.T) {
	events := make(chan bus.Event, 1)
	events <- bus.Event{Topic: bus.TopicRunStarted, Payload: bus.RunStartedEvent{RunID: "run-1"}}

	m := model{events: events}
	cmd := m.Init()
	if cmd == nil {
		t.Fatal("expected Init to return a command")
	}
	msg := cmd()
	if _, ok := msg.(busEventMsg); !ok {
		t.Fatalf("expected busEventMsg, got %T", msg)
	}
}
