package orchestrator

import (
	"strings"
	"testing"

	"github.com/basket/screenqa/internal/script"
)

func TestComposePrompt(t *testing.T) {
	t.Run("includes_action_verbatim", func(t *testing.T) {
		step := script.Step{Expected: "cart shows 1 item"}
		got := ComposePrompt(script.PlatformBrowser, `click the "Add to cart" button`, step)
		if !strings.Contains(got, `ACTION: click the "Add to cart" button`) {
			t.Fatalf("prompt missing verbatim action:\n%s", got)
		}
		if !strings.Contains(got, "EXPECTED OUTCOME: cart shows 1 item") {
			t.Fatalf("prompt missing expected outcome:\n%s", got)
		}
		if !strings.Contains(got, "VERIFICATION: PASS") {
			t.Fatal("prompt must instruct the verification protocol")
		}
	})

	t.Run("state_hints_optional", func(t *testing.T) {
		bare := ComposePrompt(script.PlatformBrowser, "a", script.Step{Expected: "x"})
		if strings.Contains(bare, "PRECONDITION") || strings.Contains(bare, "POSTCONDITION") {
			t.Fatal("empty state hints must be omitted")
		}
		full := ComposePrompt(script.PlatformBrowser, "a", script.Step{
			Expected: "x", StateBefore: "logged in", StateAfter: "logged out",
		})
		if !strings.Contains(full, "PRECONDITION: logged in") || !strings.Contains(full, "POSTCONDITION: logged out") {
			t.Fatalf("state hints missing:\n%s", full)
		}
	})

	t.Run("platform_framing_differs", func(t *testing.T) {
		web := ComposePrompt(script.PlatformBrowser, "tap", script.Step{Expected: "x"})
		ios := ComposePrompt(script.PlatformIOS, "tap", script.Step{Expected: "x"})
		if web == ios {
			t.Fatal("browser and ios framings must differ")
		}
	})
}

func TestAdaptRetryPrompt(t *testing.T) {
	base := ComposePrompt(script.PlatformBrowser, "click save", script.Step{Expected: "saved"})
	got := AdaptRetryPrompt(base, "clicked the cancel button instead")
	if !strings.HasPrefix(got, base) {
		t.Fatal("adapted prompt must extend the base prompt")
	}
	if !strings.Contains(got, "RETRY NOTE") || !strings.Contains(got, "cancel button") {
		t.Fatalf("adapted prompt missing feedback:\n%s", got)
	}
}
