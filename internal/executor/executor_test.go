package executor

import (
	"strings"
	"testing"

	"github.com/chromedp/chromedp/kb"
)

func TestSupportedNames_Sorted(t *testing.T) {
	names := SupportedNames()
	if len(names) != len(Supported) {
		t.Fatalf("names = %d, want %d", len(names), len(Supported))
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("names not sorted at %d: %q >= %q", i, names[i-1], names[i])
		}
	}
	for _, required := range []string{"click_at", "type_text_at", "navigate", "drag_and_drop"} {
		if !Supported[required] {
			t.Errorf("missing required action %q", required)
		}
	}
}

func TestAction_ArgHelpers(t *testing.T) {
	a := Action{Name: "click_at", Args: map[string]any{
		"x":    float64(500),
		"y":    250,
		"text": "hello",
	}}

	if x, ok := a.IntArg("x"); !ok || x != 500 {
		t.Errorf("IntArg(x) = %d, %v", x, ok)
	}
	if y, ok := a.IntArg("y"); !ok || y != 250 {
		t.Errorf("IntArg(y) = %d, %v", y, ok)
	}
	if _, ok := a.IntArg("missing"); ok {
		t.Error("IntArg(missing) reported ok")
	}
	if got := a.StringArg("text"); got != "hello" {
		t.Errorf("StringArg(text) = %q", got)
	}
	if got := (Action{}).StringArg("text"); got != "" {
		t.Errorf("StringArg on nil args = %q", got)
	}
}

func TestScaledXY(t *testing.T) {
	a := Action{Name: "click_at", Args: map[string]any{"x": float64(500), "y": float64(500)}}
	x, y, err := scaledXY(a)
	if err != nil {
		t.Fatalf("scaledXY: %v", err)
	}
	if x != viewportWidth/2 || y != viewportHeight/2 {
		t.Errorf("scaled = (%v, %v), want viewport midpoint", x, y)
	}

	if _, _, err := scaledXY(Action{Name: "click_at"}); err == nil {
		t.Fatal("expected fault for missing coordinates")
	}
}

func TestKeyChord(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"enter", kb.Enter},
		{"Return", kb.Enter},
		{"ctrl+a", "a"},
		{"tab", kb.Tab},
		{"escape", kb.Escape},
	}
	for _, tc := range cases {
		got, err := keyChord(tc.in)
		if err != nil {
			t.Errorf("keyChord(%q) error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("keyChord(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if _, err := keyChord("ctrl+"); err == nil {
		t.Error("expected error for modifier-only chord")
	}
}

func TestWheelDeltas(t *testing.T) {
	if dx, dy := wheelDeltas("up", 100); dx != 0 || dy != -100 {
		t.Errorf("up = (%v, %v)", dx, dy)
	}
	if dx, dy := wheelDeltas("down", 100); dx != 0 || dy != 100 {
		t.Errorf("down = (%v, %v)", dx, dy)
	}
	if dx, dy := wheelDeltas("left", 100); dx != -100 || dy != 0 {
		t.Errorf("left = (%v, %v)", dx, dy)
	}
}

func TestFault_Error(t *testing.T) {
	f := &Fault{Action: "click_at", Reason: "target not found"}
	if !strings.Contains(f.Error(), "click_at") || !strings.Contains(f.Error(), "target not found") {
		t.Errorf("fault message = %q", f.Error())
	}
}
