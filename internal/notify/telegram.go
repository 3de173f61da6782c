// Package notify pushes run lifecycle notifications to external channels.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/screenqa/internal/bus"
)

// botAPI is the slice of tgbotapi.BotAPI the notifier uses. Tests substitute
// a fake; production wiring passes the real client.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier sends run summaries and abort alerts to a Telegram chat.
// It is bus-driven: subscribe once, then every run on the bus is reported.
type TelegramNotifier struct {
	token    string
	chatID   int64
	bot      botAPI
	eventBus *bus.Bus
	logger   *slog.Logger

	// scriptMu guards scripts, a runID -> script name map populated from
	// run.started so the completion message can name what ran.
	scriptMu sync.Mutex
	scripts  map[string]string

	sub  *bus.Subscription
	done chan struct{}
}

// NewTelegramNotifier creates a notifier for the given chat. The token comes
// from config (which reads TELEGRAM_TOKEN); it is never logged.
func NewTelegramNotifier(token string, chatID int64, eventBus *bus.Bus, logger *slog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		token:    token,
		chatID:   chatID,
		eventBus: eventBus,
		logger:   logger,
		scripts:  make(map[string]string),
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

// Start connects the bot and consumes bus events until ctx is cancelled.
// Connection failures retry with exponential backoff rather than killing
// the run: notifications are best-effort.
func (t *TelegramNotifier) Start(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for t.bot == nil {
		bot, err := tgbotapi.NewBotAPI(t.token)
		if err != nil {
			t.logger.Warn("telegram init failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		t.bot = bot
		t.logger.Info("telegram notifier started", "user", bot.Self.UserName)
	}

	t.sub = t.eventBus.Subscribe("")
	t.done = make(chan struct{})
	go t.consume(ctx)
	return nil
}

// Stop unsubscribes and waits for the consumer goroutine to drain.
func (t *TelegramNotifier) Stop() {
	if t.sub == nil {
		return
	}
	t.eventBus.Unsubscribe(t.sub)
	<-t.done
}

func (t *TelegramNotifier) consume(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-t.sub.Ch():
			if !ok {
				return
			}
			t.handle(ev)
		}
	}
}

func (t *TelegramNotifier) handle(ev bus.Event) {
	switch ev.Topic {
	case bus.TopicRunStarted:
		started, ok := ev.Payload.(bus.RunStartedEvent)
		if !ok {
			return
		}
		t.scriptMu.Lock()
		t.scripts[started.RunID] = started.ScriptName
		t.scriptMu.Unlock()

	case bus.TopicTestAborted:
		aborted, ok := ev.Payload.(bus.TestAbortedEvent)
		if !ok {
			return
		}
		t.replyMarkdown(formatAbortAlert(aborted))

	case bus.TopicRunCompleted:
		completed, ok := ev.Payload.(bus.RunCompletedEvent)
		if !ok {
			return
		}
		t.scriptMu.Lock()
		script := t.scripts[completed.RunID]
		delete(t.scripts, completed.RunID)
		t.scriptMu.Unlock()
		t.replyMarkdown(formatRunSummary(script, completed))
	}
}

// formatRunSummary renders the completion message in MarkdownV2.
func formatRunSummary(script string, ev bus.RunCompletedEvent) string {
	status := "PASSED"
	if ev.Failed > 0 || ev.Errored > 0 {
		status = "FAILED"
	}
	if script == "" {
		script = "run"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*%s* `%s`\n", escapeMarkdownV2(status), escapeMarkdownV2(script))
	fmt.Fprintf(&b, "run `%s`\n\n", escapeMarkdownV2(ev.RunID))
	fmt.Fprintf(&b, "%d steps: %d passed, %d failed, %d errored, %d skipped",
		ev.Total, ev.Passed, ev.Failed, ev.Errored, ev.Skipped)
	return b.String()
}

// formatAbortAlert renders the consecutive-failure abort message.
func formatAbortAlert(ev bus.TestAbortedEvent) string {
	return fmt.Sprintf("test `%s` aborted after %d consecutive failed steps, %d steps skipped",
		escapeMarkdownV2(ev.TestName), ev.FailureCount, ev.SkippedSteps)
}

func (t *TelegramNotifier) replyMarkdown(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = "MarkdownV2"
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram notification", "error", err)
	}
}

// escapeMarkdownV2 escapes the characters Telegram's MarkdownV2 parser
// treats as syntax: _ * [ ] ( ) ~ > # + - = | { } . !
func escapeMarkdownV2(s string) string {
	const specialChars = "_*[]()~>#+-=|{}.!"

	result := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(specialChars, c) >= 0 {
			result = append(result, '\\')
		}
		result = append(result, c)
	}
	return string(result)
}
