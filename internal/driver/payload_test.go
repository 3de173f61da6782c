package driver

import "testing"

func TestExtractPayload(t *testing.T) {
	cases := []struct {
		name          string
		report        string
		wantNarration string
		wantPayload   string
	}{
		{
			name:          "no_marker",
			report:        "VERIFICATION: PASS\nOBSERVATION: form appears",
			wantNarration: "VERIFICATION: PASS\nOBSERVATION: form appears",
			wantPayload:   "",
		},
		{
			name:          "inline_payload",
			report:        "OBSERVATION: totals match\nDEBUG_RESULTS: {\"total\": 42}",
			wantNarration: "OBSERVATION: totals match",
			wantPayload:   `{"total": 42}`,
		},
		{
			name:          "multiline_payload",
			report:        "done\nDEBUG_RESULTS:\n{\n  \"rows\": 3\n}",
			wantNarration: "done",
			wantPayload:   "{\n  \"rows\": 3\n}",
		},
		{
			name:          "empty",
			report:        "",
			wantNarration: "",
			wantPayload:   "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			narration, payload := ExtractPayload(tc.report)
			if narration != tc.wantNarration {
				t.Errorf("narration = %q, want %q", narration, tc.wantNarration)
			}
			if payload != tc.wantPayload {
				t.Errorf("payload = %q, want %q", payload, tc.wantPayload)
			}
		})
	}
}

func TestParseDecision_Action(t *testing.T) {
	d := parseDecision(`I will click the button.
{"action": "click_at", "args": {"x": 120, "y": 340}}`)
	if d.Report {
		t.Fatal("classified as report")
	}
	if d.Action.Name != "click_at" {
		t.Errorf("action = %q", d.Action.Name)
	}
	if x, ok := d.Action.IntArg("x"); !ok || x != 120 {
		t.Errorf("x = %d, %v", x, ok)
	}
}

func TestParseDecision_FencedAction(t *testing.T) {
	d := parseDecision("```json\n{\"action\": \"navigate\", \"args\": {\"url\": \"https://example.com\"}}\n```")
	if d.Report {
		t.Fatal("classified as report")
	}
	if d.Action.Name != "navigate" || d.Action.StringArg("url") != "https://example.com" {
		t.Errorf("action = %+v", d.Action)
	}
}

func TestParseDecision_Report(t *testing.T) {
	d := parseDecision("VERIFICATION: PASS\nOBSERVATION: the form appeared")
	if !d.Report {
		t.Fatal("classified as action")
	}
	if d.Narration == "" {
		t.Error("empty narration")
	}
}

func TestParseDecision_JSONWithoutActionKeyIsReport(t *testing.T) {
	d := parseDecision(`OBSERVATION: response body was {"status": "ok"}`)
	if !d.Report {
		t.Fatal("JSON without action key must stay a report")
	}
}
