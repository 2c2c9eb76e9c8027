/*
Copyright 2025 The FlakeGuard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package checks renders the FlakeGuard check-run surface: a
// deterministic, size-bounded Markdown summary plus at most three action
// buttons. The renderer owns bit-exact formatting; everything it emits
// is a pure function of its input.
package checks

import (
	"fmt"
	"sort"
	"strings"

	"github.com/thc1006/flakeguard-sub005/pkg/detection"
	"github.com/thc1006/flakeguard-sub005/pkg/flakiness"
)

// Severity is a rendered row's traffic light.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityStable   Severity = "stable"
)

// TestResult is one analyzed test handed to the renderer.
type TestResult struct {
	// Name is the display name, usually class.name.
	Name string
	File string
	Line int
	// FailCount is the number of failures in the analysis window.
	FailCount int
	// Quarantined marks an active quarantine decision, which the
	// renderer honors: the row is annotated and the test no longer
	// counts toward the quarantine action.
	Quarantined bool
	Analysis    detection.Analysis
}

// RepoInfo locates the repository for blob links.
type RepoInfo struct {
	Host          string
	Owner         string
	Name          string
	DefaultBranch string
}

// Action is one check-run button.
type Action struct {
	Label       string
	Description string
	Identifier  string
}

// Action identifiers, matched by the webhook callback dispatcher.
const (
	ActionQuarantine  = "quarantine"
	ActionRerunFailed = "rerun_failed"
	ActionOpenIssue   = "open_issue"
)

// Output is the rendered check-run content.
type Output struct {
	Title   string
	Summary string
	Actions []Action
}

// Config bounds the rendered output.
type Config struct {
	// MaxRows caps the table; further candidates are summarized in an
	// overflow note.
	MaxRows int
	// SummaryCapBytes caps the whole summary; overflow is trimmed at
	// row boundaries.
	SummaryCapBytes int
	// NameLimit truncates long test names.
	NameLimit int
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{MaxRows: 20, SummaryCapBytes: 60 * 1024, NameLimit: 50}
}

// maxActions is the host's cap on check-run buttons.
const maxActions = 3

// persistentFailureMin marks a test as persistently failing for the
// open-issue action.
const persistentFailureMin = 3

// Renderer renders analyses into check-run output.
type Renderer struct {
	cfg Config
}

// New returns a Renderer.
func New(cfg Config) *Renderer {
	if cfg.MaxRows <= 0 {
		cfg = DefaultConfig()
	}
	return &Renderer{cfg: cfg}
}

// Render produces the check-run title, Markdown summary and actions for
// one commit's analyzed tests.
func (r *Renderer) Render(repo RepoInfo, tests []TestResult) Output {
	if len(tests) == 0 {
		return Output{
			Title:   "FlakeGuard: no flaky test candidates",
			Summary: "No flaky test candidates were detected for this commit. :tada:\n",
		}
	}

	sorted := make([]TestResult, len(tests))
	copy(sorted, tests)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Analysis.Confidence != b.Analysis.Confidence {
			return a.Analysis.Confidence > b.Analysis.Confidence
		}
		if a.Analysis.Score.Score != b.Analysis.Score.Score {
			return a.Analysis.Score.Score > b.Analysis.Score.Score
		}
		return a.FailCount > b.FailCount
	})

	var critical, recent, persistent int
	for _, tr := range sorted {
		if severityOf(tr) == SeverityCritical && !tr.Quarantined {
			critical++
		}
		if tr.FailCount > 0 {
			recent++
		}
		if tr.FailCount >= persistentFailureMin {
			persistent++
		}
	}

	title := fmt.Sprintf("FlakeGuard: %d flaky test candidate%s", len(sorted), plural(len(sorted)))

	var b strings.Builder
	b.WriteString("## Flaky test analysis\n\n")
	fmt.Fprintf(&b, "Analyzed **%d** candidate%s in `%s/%s`.\n\n", len(sorted), plural(len(sorted)), repo.Owner, repo.Name)
	b.WriteString("| Test | Severity | Score | Confidence | Failures | Signal |\n")
	b.WriteString("|---|---|---|---|---|---|\n")

	shown := len(sorted)
	if shown > r.cfg.MaxRows {
		shown = r.cfg.MaxRows
	}
	header := b.String()
	var rows []string
	for _, tr := range sorted[:shown] {
		rows = append(rows, r.renderRow(repo, tr))
	}
	overflow := ""
	if len(sorted) > shown {
		overflow = fmt.Sprintf("\n*Showing top %d of %d total candidates.*\n", shown, len(sorted))
	}

	// Enforce the byte cap, trimming whole rows from the bottom.
	for len(rows) > 0 {
		note := overflow
		if len(rows) < shown {
			note = fmt.Sprintf("\n*Showing top %d of %d total candidates.*\n", len(rows), len(sorted))
		}
		size := len(header) + len(note)
		for _, row := range rows {
			size += len(row)
		}
		if size <= r.cfg.SummaryCapBytes {
			overflow = note
			break
		}
		rows = rows[:len(rows)-1]
	}
	for _, row := range rows {
		b.WriteString(row)
	}
	b.WriteString(overflow)

	return Output{
		Title:   title,
		Summary: b.String(),
		Actions: buildActions(critical, recent, persistent),
	}
}

func (r *Renderer) renderRow(repo RepoInfo, tr TestResult) string {
	name := tr.Name
	if runes := []rune(name); len(runes) > r.cfg.NameLimit {
		name = string(runes[:r.cfg.NameLimit-1]) + "…"
	}
	name = escapeMarkdown(name)
	var cell string
	if tr.File != "" && tr.Line > 0 {
		cell = fmt.Sprintf("[%s](https://%s/%s/%s/blob/%s/%s#L%d)",
			name, repo.Host, repo.Owner, repo.Name, repo.DefaultBranch, tr.File, tr.Line)
	} else {
		cell = "`" + name + "`"
	}
	if tr.Quarantined {
		cell += " *(quarantined)*"
	}
	sev := severityOf(tr)
	signal := "-"
	if tr.Analysis.Dominant != nil {
		signal = string(tr.Analysis.Dominant.Pattern)
	}
	return fmt.Sprintf("| %s | %s %s | %.2f | %.2f | %d | %s |\n",
		cell, severityEmoji(sev), sev, tr.Analysis.Score.Score, tr.Analysis.Confidence, tr.FailCount, signal)
}

// severityOf buckets a row. The score drives the traffic light; a
// critical combined priority also raises the row, so that a test the
// engine escalated reads as critical even with a mid score.
func severityOf(tr TestResult) Severity {
	score := tr.Analysis.Score.Score
	switch {
	case score >= 0.8 || tr.Analysis.Priority == flakiness.PriorityCritical:
		return SeverityCritical
	case score >= 0.5:
		return SeverityWarning
	default:
		return SeverityStable
	}
}

func severityEmoji(s Severity) string {
	switch s {
	case SeverityCritical:
		return "🔴"
	case SeverityWarning:
		return "🟡"
	default:
		return "🟢"
	}
}

// buildActions assembles up to three buttons, in fixed candidate order,
// each included only when relevant.
func buildActions(critical, recent, persistent int) []Action {
	var actions []Action
	if critical > 0 {
		actions = append(actions, Action{
			Label:       fmt.Sprintf("Quarantine %d test%s", critical, plural(critical)),
			Description: fmt.Sprintf("Quarantine %d critical flaky test%s for 30 days", critical, plural(critical)),
			Identifier:  ActionQuarantine,
		})
	}
	if recent > 0 {
		actions = append(actions, Action{
			Label:       "Rerun failed jobs",
			Description: fmt.Sprintf("Rerun the failed jobs behind %d recent failure%s", recent, plural(recent)),
			Identifier:  ActionRerunFailed,
		})
	}
	if persistent > 0 {
		actions = append(actions, Action{
			Label:       fmt.Sprintf("Open issue%s", plural(persistent)),
			Description: fmt.Sprintf("Open tracking issue%s for %d persistently failing test%s", plural(persistent), persistent, plural(persistent)),
			Identifier:  ActionOpenIssue,
		})
	}
	if len(actions) > maxActions {
		actions = actions[:maxActions]
	}
	return actions
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	"`", "\\`",
	`*`, `\*`,
	`_`, `\_`,
	`[`, `\[`,
	`]`, `\]`,
	`|`, `\|`,
	`<`, `\<`,
	`>`, `\>`,
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
