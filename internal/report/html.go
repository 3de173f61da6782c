// Package report renders run results as HTML files and styled console
// summaries.
package report

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"time"

	"github.com/basket/screenqa/internal/orchestrator"
)

// HTMLConfig controls HTML report generation.
type HTMLConfig struct {
	OutputPath string
	Title      string
}

// WriteHTML renders the summary to a standalone HTML file.
func WriteHTML(summary *orchestrator.Summary, cfg HTMLConfig) error {
	if cfg.Title == "" {
		cfg.Title = "ScreenQA Report"
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = "report.html"
	}

	html, err := RenderHTML(summary, cfg.Title)
	if err != nil {
		return err
	}
	if err := os.WriteFile(cfg.OutputPath, []byte(html), 0o644); err != nil {
		return fmt.Errorf("write html report: %w", err)
	}
	return nil
}

// RenderHTML returns the report document as a string.
func RenderHTML(summary *orchestrator.Summary, title string) (string, error) {
	tmpl, err := template.New("report").Parse(htmlTemplate)
	if err != nil {
		return "", fmt.Errorf("parse report template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, buildHTMLData(summary, title)); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return buf.String(), nil
}

type htmlData struct {
	Title       string
	GeneratedAt string
	RunID       string
	ScriptName  string
	Platform    string
	Duration    string
	Total       int
	Passed      int
	Failed      int
	Errored     int
	Skipped     int
	PassRate    float64
	Tests       []testHTMLData
}

type testHTMLData struct {
	Name  string
	Steps []stepHTMLData
}

type stepHTMLData struct {
	orchestrator.StepResult
	Number      int
	StatusClass string
	DurationStr string
}

var statusClass = map[string]string{
	orchestrator.VerdictPass:    "passed",
	orchestrator.VerdictFail:    "failed",
	orchestrator.VerdictError:   "errored",
	orchestrator.VerdictSkipped: "skipped",
}

func buildHTMLData(summary *orchestrator.Summary, title string) htmlData {
	total, passed, failed, errored, skipped := summary.Counts()

	data := htmlData{
		Title:       title,
		GeneratedAt: time.Now().Format("2006-01-02 15:04:05"),
		RunID:       summary.RunID,
		ScriptName:  summary.ScriptName,
		Platform:    summary.Platform,
		Duration:    formatDuration(summary.FinishedAt.Sub(summary.StartedAt)),
		Total:       total,
		Passed:      passed,
		Failed:      failed,
		Errored:     errored,
		Skipped:     skipped,
	}
	if total > 0 {
		data.PassRate = float64(passed) / float64(total) * 100
	}

	byTest := map[string]int{}
	for _, r := range summary.Results {
		idx, ok := byTest[r.TestName]
		if !ok {
			idx = len(data.Tests)
			byTest[r.TestName] = idx
			data.Tests = append(data.Tests, testHTMLData{Name: r.TestName})
		}
		data.Tests[idx].Steps = append(data.Tests[idx].Steps, stepHTMLData{
			StepResult:  r,
			Number:      r.StepIndex + 1,
			StatusClass: statusClass[r.Verdict],
			DurationStr: formatDuration(r.Duration),
		})
	}
	return data
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>{{.Title}}</title>
<style>
:root {
  --bg: #ffffff; --bg-alt: #f9fafb; --border: #e5e7eb;
  --text: #111827; --muted: #6b7280;
  --passed: #22c55e; --failed: #ef4444; --errored: #f97316; --skipped: #eab308;
  --passed-bg: rgba(34,197,94,.1); --failed-bg: rgba(239,68,68,.08);
  --errored-bg: rgba(249,115,22,.08); --skipped-bg: rgba(234,179,8,.1);
}
* { box-sizing: border-box; margin: 0; padding: 0; }
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
  background: var(--bg); color: var(--text); line-height: 1.5; padding: 24px; }
.header { display: flex; justify-content: space-between; align-items: baseline;
  border-bottom: 1px solid var(--border); padding-bottom: 16px; margin-bottom: 16px; }
.header h1 { font-size: 20px; }
.header .meta { font-size: 13px; color: var(--muted); }
.cards { display: flex; gap: 12px; margin-bottom: 24px; flex-wrap: wrap; }
.card { border: 1px solid var(--border); border-radius: 8px; padding: 12px 20px; min-width: 110px; }
.card .num { font-size: 24px; font-weight: 600; }
.card .label { font-size: 12px; color: var(--muted); text-transform: uppercase; }
.card.passed .num { color: var(--passed); }
.card.failed .num { color: var(--failed); }
.card.errored .num { color: var(--errored); }
.card.skipped .num { color: var(--skipped); }
.test { margin-bottom: 24px; }
.test h2 { font-size: 16px; margin-bottom: 8px; }
.step { border: 1px solid var(--border); border-radius: 8px; margin-bottom: 6px; overflow: hidden; }
.step summary { display: flex; align-items: center; gap: 10px; padding: 8px 12px;
  cursor: pointer; list-style: none; }
.step summary::-webkit-details-marker { display: none; }
.dot { width: 10px; height: 10px; border-radius: 50%; flex-shrink: 0; }
.dot.passed { background: var(--passed); }
.dot.failed { background: var(--failed); }
.dot.errored { background: var(--errored); }
.dot.skipped { background: var(--skipped); }
.step.failed { background: var(--failed-bg); }
.step.errored { background: var(--errored-bg); }
.step.skipped { background: var(--skipped-bg); }
.action { flex: 1; font-size: 14px; white-space: nowrap; overflow: hidden; text-overflow: ellipsis; }
.verdict { font-size: 12px; font-weight: 600; }
.retries, .dur { font-size: 12px; color: var(--muted); }
.detail { padding: 12px; border-top: 1px solid var(--border); background: var(--bg-alt);
  font-size: 13px; }
.detail dt { font-size: 11px; color: var(--muted); text-transform: uppercase; margin-top: 8px; }
.detail dd { margin: 2px 0 0 0; white-space: pre-wrap; word-break: break-word;
  font-family: 'SF Mono', Monaco, Consolas, monospace; font-size: 12px; }
</style>
</head>
<body>
<div class="header">
  <h1>{{.Title}}</h1>
  <div class="meta">
    {{.ScriptName}} &middot; {{.Platform}} &middot; run {{.RunID}} &middot;
    {{.Duration}} &middot; generated {{.GeneratedAt}}
  </div>
</div>
<div class="cards">
  <div class="card"><div class="num">{{printf "%.0f" .PassRate}}%</div><div class="label">pass rate</div></div>
  <div class="card"><div class="num">{{.Total}}</div><div class="label">steps</div></div>
  <div class="card passed"><div class="num">{{.Passed}}</div><div class="label">passed</div></div>
  <div class="card failed"><div class="num">{{.Failed}}</div><div class="label">failed</div></div>
  <div class="card errored"><div class="num">{{.Errored}}</div><div class="label">errored</div></div>
  <div class="card skipped"><div class="num">{{.Skipped}}</div><div class="label">skipped</div></div>
</div>
{{range .Tests}}
<div class="test">
  <h2>{{.Name}}</h2>
  {{range .Steps}}
  <details class="step {{.StatusClass}}">
    <summary>
      <span class="dot {{.StatusClass}}"></span>
      <span class="action">{{.Number}}. {{if .ResolvedAction}}{{.ResolvedAction}}{{else}}(no action){{end}}</span>
      {{if .RetryCount}}<span class="retries">{{.RetryCount}} retry</span>{{end}}
      <span class="dur">{{.DurationStr}}</span>
      <span class="verdict">{{.Verdict}}</span>
    </summary>
    <dl class="detail">
      <dt>Expected</dt><dd>{{.Expected}}</dd>
      <dt>Observed</dt><dd>{{if .Observed}}{{.Observed}}{{else}}-{{end}}</dd>
      <dt>Reasoning</dt><dd>{{.Reasoning}}</dd>
      {{if .Payload}}<dt>Payload</dt><dd>{{.Payload}}</dd>{{end}}
      <dt>Prompt</dt><dd>{{.ComposedPrompt}}</dd>
    </dl>
  </details>
  {{end}}
</div>
{{end}}
</body>
</html>
`
