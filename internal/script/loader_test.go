package script

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleScript = `
name: smoke
platform: browser
rows:
  - grouping: "Authentication"
  - test: Initialization
    action: Open the application home page
    expected: home page visible
  - test: Login
    action: Click the login button
    expected: form appears
  - action: Enter the user name
    action_browser: Type "admin" into the username field
    expected: field populated
  - grouping: "Checkout"
  - test: Add To Cart
    action_android: Tap the cart icon
    expected: cart badge shows 1
  - {}
`

func TestParse_GroupingCarryForward(t *testing.T) {
	sc, err := Parse([]byte(sampleScript), "smoke.yaml")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if sc.Name != "smoke" {
		t.Errorf("name = %q, want smoke", sc.Name)
	}
	if sc.Platform != PlatformBrowser {
		t.Errorf("platform = %q, want browser", sc.Platform)
	}
	if len(sc.Tests) != 3 {
		t.Fatalf("tests = %d, want 3 (%v)", len(sc.Tests), sc.TestNames())
	}

	init := sc.Tests[0]
	if !init.Init || init.Name != InitializationTestName {
		t.Errorf("first test = %+v, want Initialization", init)
	}
	if init.Grouping != "Authentication" {
		t.Errorf("init grouping = %q, want Authentication", init.Grouping)
	}

	login := sc.Tests[1]
	if login.Name != "Login" || len(login.Steps) != 2 {
		t.Fatalf("login test = %q with %d steps, want Login with 2", login.Name, len(login.Steps))
	}
	if login.Grouping != "Authentication" {
		t.Errorf("login grouping = %q, want Authentication", login.Grouping)
	}

	cart := sc.Tests[2]
	if cart.Grouping != "Checkout" {
		t.Errorf("cart grouping = %q, want Checkout", cart.Grouping)
	}
	if len(cart.Steps) != 1 {
		t.Errorf("cart steps = %d, want 1 (empty row must be skipped)", len(cart.Steps))
	}
}

func TestParse_StepOrderPreserved(t *testing.T) {
	sc, err := Parse([]byte(sampleScript), "smoke.yaml")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	login := sc.Tests[1]
	if login.Steps[0].ActionGeneral != "Click the login button" {
		t.Errorf("step 1 = %q", login.Steps[0].ActionGeneral)
	}
	if login.Steps[1].Expected != "field populated" {
		t.Errorf("step 2 expected = %q", login.Steps[1].Expected)
	}
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	bad := `
rows:
  - test: Login
    action: click
    clicked: yes
`
	if _, err := Parse([]byte(bad), "bad.yaml"); err == nil {
		t.Fatal("expected schema error for unknown field")
	}
}

func TestParse_RejectsEmptyScript(t *testing.T) {
	if _, err := Parse([]byte("rows: []\n"), "empty.yaml"); err == nil {
		t.Fatal("expected error for script without tests")
	}
}

func TestParse_StepWithoutTestName(t *testing.T) {
	bad := `
rows:
  - action: click something
    expected: something happens
`
	if _, err := Parse([]byte(bad), "orphan.yaml"); err == nil {
		t.Fatal("expected error for leading step without test name")
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkout.yaml")
	if err := os.WriteFile(path, []byte(sampleScript), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	sc, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if sc.StepCount() != 4 {
		t.Errorf("step count = %d, want 4", sc.StepCount())
	}
}

func TestLoad_NameFallsBackToFilename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "regression.yaml")
	content := `
rows:
  - test: Login
    action: click login
    expected: form appears
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	sc, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if sc.Name != "regression" {
		t.Errorf("name = %q, want regression", sc.Name)
	}
}

func TestActionFor_PlatformFallback(t *testing.T) {
	st := Step{ActionGeneral: "X"}
	if got := st.ActionFor(PlatformBrowser); got != "X" {
		t.Errorf("fallback = %q, want X", got)
	}

	st = Step{ActionGeneral: "X", ActionBrowser: "Y"}
	if got := st.ActionFor(PlatformBrowser); got != "Y" {
		t.Errorf("specific = %q, want Y", got)
	}
	if got := st.ActionFor(PlatformIOS); got != "X" {
		t.Errorf("ios fallback = %q, want X", got)
	}

	st = Step{}
	if got := st.ActionFor(PlatformAndroid); got != "" {
		t.Errorf("empty step resolved to %q", got)
	}
}

func TestFilter_Apply(t *testing.T) {
	sc, err := Parse([]byte(sampleScript), "smoke.yaml")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	t.Run("by_test_name", func(t *testing.T) {
		got, err := Filter{TestName: "login"}.Apply(sc)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		// Initialization is always retained.
		if len(got.Tests) != 2 {
			t.Fatalf("tests = %v", got.TestNames())
		}
		if got.Tests[1].Name != "Login" {
			t.Errorf("selected = %q", got.Tests[1].Name)
		}
	})

	t.Run("by_grouping", func(t *testing.T) {
		got, err := Filter{Grouping: "Checkout"}.Apply(sc)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if len(got.Tests) != 2 || got.Tests[1].Name != "Add To Cart" {
			t.Fatalf("tests = %v", got.TestNames())
		}
	})

	t.Run("step_range", func(t *testing.T) {
		got, err := Filter{TestName: "Login", StepStart: 2, StepEnd: 2}.Apply(sc)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		// The one-step Initialization test falls outside the range and is dropped.
		if len(got.Tests) != 1 {
			t.Fatalf("tests = %v", got.TestNames())
		}
		login := got.Tests[0]
		if len(login.Steps) != 1 || login.Steps[0].Expected != "field populated" {
			t.Fatalf("steps = %+v", login.Steps)
		}
	})

	t.Run("no_match", func(t *testing.T) {
		if _, err := (Filter{TestName: "Ghost"}).Apply(sc); err == nil {
			t.Fatal("expected no-match error")
		}
	})
}
