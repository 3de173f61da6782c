// Package script loads and validates test scripts.
//
// A script is a YAML file with a flat list of rows. Rows carry an optional
// test name and grouping; the grouping of a header row (grouping set, no test
// name) carries forward to the rows below it, matching the spreadsheet layout
// these scripts descend from.
package script

import (
	"fmt"
	"strings"
)

// Platform selects which per-step action column applies.
type Platform string

const (
	PlatformBrowser Platform = "browser"
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// ParsePlatform normalizes a platform name.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "browser", "web":
		return PlatformBrowser, nil
	case "ios":
		return PlatformIOS, nil
	case "android":
		return PlatformAndroid, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// InitializationTestName marks environment-setup steps that run before the
// regular tests. The consecutive-failure abort policy applies to it like any
// other test; a broken environment skips its remaining setup steps.
const InitializationTestName = "Initialization"

// Step is one row of a test. Immutable once loaded.
type Step struct {
	ActionGeneral string `yaml:"action"`
	ActionBrowser string `yaml:"action_browser"`
	ActionIOS     string `yaml:"action_ios"`
	ActionAndroid string `yaml:"action_android"`
	Expected      string `yaml:"expected"`
	StateBefore   string `yaml:"state_before"`
	StateAfter    string `yaml:"state_after"`
}

// ActionFor returns the platform-specific action text if non-empty, else the
// general action text. An empty result means the step has no resolvable action
// for this platform.
func (s Step) ActionFor(p Platform) string {
	var specific string
	switch p {
	case PlatformBrowser:
		specific = s.ActionBrowser
	case PlatformIOS:
		specific = s.ActionIOS
	case PlatformAndroid:
		specific = s.ActionAndroid
	}
	if strings.TrimSpace(specific) != "" {
		return specific
	}
	return s.ActionGeneral
}

// Empty reports whether the step carries no action text at all.
func (s Step) Empty() bool {
	return strings.TrimSpace(s.ActionGeneral) == "" &&
		strings.TrimSpace(s.ActionBrowser) == "" &&
		strings.TrimSpace(s.ActionIOS) == "" &&
		strings.TrimSpace(s.ActionAndroid) == ""
}

// Test is an ordered sequence of steps sharing a test name.
type Test struct {
	Name     string
	Grouping string
	Init     bool
	Steps    []Step
}

// Script is a loaded test script. Read-only after Load.
type Script struct {
	Name     string
	Platform Platform
	Tests    []Test
}

// TestNames returns the test names in source order.
func (sc *Script) TestNames() []string {
	names := make([]string, 0, len(sc.Tests))
	for _, tst := range sc.Tests {
		names = append(names, tst.Name)
	}
	return names
}

// StepCount returns the total number of steps across all tests.
func (sc *Script) StepCount() int {
	n := 0
	for _, tst := range sc.Tests {
		n += len(tst.Steps)
	}
	return n
}
