package script

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// row is the on-disk shape of one script row.
type row struct {
	Test     string `yaml:"test"`
	Grouping string `yaml:"grouping"`
	Step     `yaml:",inline"`
}

// file is the on-disk shape of a script.
type file struct {
	Name     string `yaml:"name"`
	Platform string `yaml:"platform"`
	Rows     []row  `yaml:"rows"`
}

// Load reads, validates, and assembles a script from the given path.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return Parse(data, filepath.Base(path))
}

// Parse validates raw YAML and assembles the script. fallbackName is used
// when the file carries no name of its own.
func Parse(data []byte, fallbackName string) (*Script, error) {
	if err := ValidateYAML(data); err != nil {
		return nil, err
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse script yaml: %w", err)
	}

	name := strings.TrimSpace(f.Name)
	if name == "" {
		name = strings.TrimSuffix(fallbackName, filepath.Ext(fallbackName))
	}

	platform := PlatformBrowser
	if strings.TrimSpace(f.Platform) != "" {
		p, err := ParsePlatform(f.Platform)
		if err != nil {
			return nil, err
		}
		platform = p
	}

	sc := &Script{Name: name, Platform: platform}
	var current *Test
	grouping := ""

	for i, r := range f.Rows {
		testName := strings.TrimSpace(r.Test)

		// A row with a grouping but no test name is a group header: its value
		// carries forward until the next header.
		if testName == "" && strings.TrimSpace(r.Grouping) != "" && r.Empty() {
			grouping = strings.TrimSpace(r.Grouping)
			current = nil
			continue
		}

		// Rows with neither a test name nor any action are padding; skip them.
		if testName == "" && r.Empty() {
			continue
		}

		if testName == "" {
			if current == nil {
				return nil, fmt.Errorf("row %d: step without a test name", i+1)
			}
			// Continuation row: belongs to the test above it.
			testName = current.Name
		}

		if strings.TrimSpace(r.Grouping) != "" {
			grouping = strings.TrimSpace(r.Grouping)
		}

		if current == nil || current.Name != testName {
			sc.Tests = append(sc.Tests, Test{
				Name:     testName,
				Grouping: grouping,
				Init:     testName == InitializationTestName,
			})
			current = &sc.Tests[len(sc.Tests)-1]
		}
		current.Steps = append(current.Steps, r.Step)
	}

	if len(sc.Tests) == 0 {
		return nil, fmt.Errorf("script %q contains no runnable tests", name)
	}
	return sc, nil
}

// Filter holds test selection criteria from the CLI.
type Filter struct {
	// TestName selects a single test by exact name. Empty selects all.
	TestName string
	// Grouping selects all tests under one grouping. Empty selects all.
	Grouping string
	// StepStart and StepEnd bound step indices (1-based, inclusive) within
	// each selected test. Zero values leave the bound open.
	StepStart int
	StepEnd   int
}

// Apply returns a copy of the script narrowed to the filter. Initialization
// tests are always retained so environment setup still runs.
func (f Filter) Apply(sc *Script) (*Script, error) {
	out := &Script{Name: sc.Name, Platform: sc.Platform}
	matched := 0
	for _, tst := range sc.Tests {
		if !tst.Init {
			if f.TestName != "" && !strings.EqualFold(tst.Name, f.TestName) {
				continue
			}
			if f.Grouping != "" && !strings.EqualFold(tst.Grouping, f.Grouping) {
				continue
			}
			matched++
		}
		kept := tst
		if f.StepStart > 0 || f.StepEnd > 0 {
			start := f.StepStart
			if start < 1 {
				start = 1
			}
			end := f.StepEnd
			if end < 1 || end > len(tst.Steps) {
				end = len(tst.Steps)
			}
			if start > len(tst.Steps) {
				continue
			}
			kept.Steps = tst.Steps[start-1 : end]
		}
		out.Tests = append(out.Tests, kept)
	}
	if matched == 0 {
		return nil, fmt.Errorf("no tests match filter (test=%q grouping=%q)", f.TestName, f.Grouping)
	}
	return out, nil
}
