package notify

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/screenqa/internal/bus"
)

type fakeBot struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeBot) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tgbotapi.MessageConfig, len(f.sent))
	copy(out, f.sent)
	return out
}

// startTestNotifier wires a notifier to the bus with a fake bot, skipping
// the network connection Start performs.
func startTestNotifier(t *testing.T, eventBus *bus.Bus) (*TelegramNotifier, *fakeBot) {
	t.Helper()
	bot := &fakeBot{}
	n := NewTelegramNotifier("test-token", 7, eventBus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.bot = bot
	n.sub = eventBus.Subscribe("")
	n.done = make(chan struct{})
	go n.consume(context.Background())
	return n, bot
}

func waitForMessages(t *testing.T, bot *fakeBot, want int) []tgbotapi.MessageConfig {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := bot.messages(); len(msgs) >= want {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, got %d", want, len(bot.messages()))
	return nil
}

func TestTelegramNotifier_RunSummary(t *testing.T) {
	eventBus := bus.New()
	n, bot := startTestNotifier(t, eventBus)
	defer n.Stop()

	eventBus.Publish(bus.TopicRunStarted, bus.RunStartedEvent{
		RunID: "run-1", ScriptName: "smoke.yaml", Platform: "browser", Tests: 2,
	})
	eventBus.Publish(bus.TopicRunCompleted, bus.RunCompletedEvent{
		RunID: "run-1", Total: 4, Passed: 3, Failed: 1,
	})

	msgs := waitForMessages(t, bot, 1)
	msg := msgs[0]
	if msg.ChatID != 7 {
		t.Fatalf("chat id = %d, want 7", msg.ChatID)
	}
	if msg.ParseMode != "MarkdownV2" {
		t.Fatalf("parse mode = %q", msg.ParseMode)
	}
	for _, want := range []string{"FAILED", "smoke", "run-1", "4 steps: 3 passed, 1 failed"} {
		if !strings.Contains(msg.Text, want) {
			t.Fatalf("summary missing %q:\n%s", want, msg.Text)
		}
	}
}

func TestTelegramNotifier_PassedStatus(t *testing.T) {
	eventBus := bus.New()
	n, bot := startTestNotifier(t, eventBus)
	defer n.Stop()

	eventBus.Publish(bus.TopicRunCompleted, bus.RunCompletedEvent{
		RunID: "run-2", Total: 2, Passed: 2,
	})

	msgs := waitForMessages(t, bot, 1)
	if !strings.Contains(msgs[0].Text, "PASSED") {
		t.Fatalf("want PASSED status:\n%s", msgs[0].Text)
	}
}

func TestTelegramNotifier_AbortAlert(t *testing.T) {
	eventBus := bus.New()
	n, bot := startTestNotifier(t, eventBus)
	defer n.Stop()

	eventBus.Publish(bus.TopicTestAborted, bus.TestAbortedEvent{
		RunID: "run-1", TestName: "Checkout", FailureCount: 3, SkippedSteps: 2,
	})

	msgs := waitForMessages(t, bot, 1)
	for _, want := range []string{"Checkout", "3 consecutive", "2 steps skipped"} {
		if !strings.Contains(msgs[0].Text, want) {
			t.Fatalf("alert missing %q:\n%s", want, msgs[0].Text)
		}
	}
}

func TestTelegramNotifier_IgnoresOtherEvents(t *testing.T) {
	eventBus := bus.New()
	n, bot := startTestNotifier(t, eventBus)

	eventBus.Publish(bus.TopicStepVerdict, bus.StepVerdictEvent{RunID: "run-1"})
	eventBus.Publish(bus.TopicRunCompleted, "not a struct")
	n.Stop()

	if got := len(bot.messages()); got != 0 {
		t.Fatalf("want no messages, got %d", got)
	}
}

func TestEscapeMarkdownV2(t *testing.T) {
	got := escapeMarkdownV2("a_b.c(d)!")
	want := `a\_b\.c\(d\)\!`
	if got != want {
		t.Fatalf("escapeMarkdownV2 = %q, want %q", got, want)
	}
}
