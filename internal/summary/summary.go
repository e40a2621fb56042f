// Package summary renders human-readable views of a finished trace:
// a compact terminal scorecard, a verbose stage-by-stage breakdown, a
// detailed markdown file, and the append-only calibration alert log.
package summary

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ashita-ai/kiroku/internal/trace"
)

type qualityData struct {
	passed    *bool
	score     *float64
	gaps      []string
	strengths []string
}

type evidenceData struct {
	collected *int
	passed    *int
	filtered  *int
}

func quality(t *trace.Trace) qualityData {
	qg, ok := t.Stages[trace.StageQualityGate]
	if !ok {
		return qualityData{}
	}
	var q qualityData
	if passed, ok := qg.Outputs["passed"].(bool); ok {
		q.passed = &passed
	}
	if score, ok := asFloat(qg.Outputs["overall_score"]); ok {
		q.score = &score
	}
	q.gaps = asStrings(qg.Outputs["gap_principles"])
	q.strengths = asStrings(qg.Outputs["strength_principles"])
	return q
}

func evidence(t *trace.Trace) evidenceData {
	coll, ok := t.Stages[trace.StageCollection]
	if !ok {
		return evidenceData{}
	}
	return evidenceData{
		collected: asInt(coll.Evidence["collected_count"]),
		passed:    asInt(coll.Outputs["evidence_passed"]),
		filtered:  asInt(coll.Outputs["evidence_filtered"]),
	}
}

func synthesisCost(t *trace.Trace) *float64 {
	synth, ok := t.Stages[trace.StageSynthesis]
	if !ok {
		return nil
	}
	if cost, ok := asFloat(synth.Outputs["cost_usd"]); ok {
		return &cost
	}
	return nil
}

func fmtDuration(seconds *float64) string {
	if seconds == nil {
		return "—"
	}
	s := *seconds
	if s < 60 {
		return fmt.Sprintf("%.1fs", s)
	}
	minutes := int(s) / 60
	return fmt.Sprintf("%dm %.0fs", minutes, s-float64(minutes*60))
}

func fmtCost(cost *float64) string {
	if cost == nil {
		return "—"
	}
	return fmt.Sprintf("$%.2f", *cost)
}

func fmtScore(score *float64) string {
	if score == nil {
		return "—"
	}
	return fmt.Sprintf("%.1f", *score)
}

func passLabel(passed *bool) string {
	switch {
	case passed == nil:
		return "N/A"
	case *passed:
		return "PASS"
	default:
		return "FAIL"
	}
}

// Compact renders the short terminal scorecard:
//
//	── Trace Summary ──────────────────────────
//	Quality: 2.4/3.0  PASS    Duration: 1m 23s
//	Cost: $0.32                Evidence: 28→18
//	Gaps: META-12
//	Trace: trc_20260213_143022_a1b2c3d4
//	────────────────────────────────────────────
func Compact(t *trace.Trace) string {
	q := quality(t)
	ev := evidence(t)

	var evStr string
	switch {
	case ev.collected != nil && ev.passed != nil:
		evStr = fmt.Sprintf("%d→%d", *ev.collected, *ev.passed)
	case ev.collected != nil:
		evStr = fmt.Sprintf("%d", *ev.collected)
	default:
		evStr = "—"
	}

	lines := []string{
		"── Trace Summary ──────────────────────────",
		fmt.Sprintf("Quality: %s/3.0  %-8sDuration: %s", fmtScore(q.score), passLabel(q.passed), fmtDuration(t.DurationSeconds)),
		fmt.Sprintf("Cost: %-20sEvidence: %s", fmtCost(synthesisCost(t)), evStr),
	}
	if len(q.gaps) > 0 {
		lines = append(lines, "Gaps: "+strings.Join(q.gaps, ", "))
	}
	lines = append(lines,
		"Trace: "+t.ID,
		"────────────────────────────────────────────",
	)
	return strings.Join(lines, "\n")
}

// Verbose renders the full stage-by-stage terminal breakdown.
func Verbose(t *trace.Trace) string {
	q := quality(t)
	ev := evidence(t)

	lines := []string{
		"══ Trace Detail ═══════════════════════════════",
		"Trace ID:  " + t.ID,
		"Project:   " + orDash(t.ProjectName),
		"Query:     " + truncate(orDash(t.Query), 80),
		fmt.Sprintf("Intent:    %s    Domain: %s", orDash(t.Intent), orDash(t.Domain)),
		fmt.Sprintf("Status:    %s    Duration: %s", t.Status, fmtDuration(t.DurationSeconds)),
		"",
		"── Quality Gate ───────────────────────────────",
		fmt.Sprintf("Score: %s/3.0  %s", fmtScore(q.score), passLabel(q.passed)),
	}

	if scores := principleScores(t); len(scores) > 0 {
		lines = append(lines, "Principle Scores:")
		for _, sc := range scores {
			marker := ""
			if contains(q.gaps, sc.id) {
				marker = " <gap"
			}
			lines = append(lines, fmt.Sprintf("  %s: %g%s", sc.id, sc.score, marker))
		}
	}
	if len(q.gaps) > 0 {
		lines = append(lines, "Gap Principles: "+strings.Join(q.gaps, ", "))
	}
	if len(q.strengths) > 0 {
		lines = append(lines, "Strengths: "+strings.Join(q.strengths, ", "))
	}
	lines = append(lines, "", "── Stages ─────────────────────────────────────")

	for _, name := range t.StageNames() {
		s := t.Stages[name]
		lines = append(lines, fmt.Sprintf("  %-16s %8s  (%d decisions)", name, fmtDuration(s.DurationSeconds), len(s.Decisions)))
	}

	lines = append(lines,
		"",
		"── Evidence ───────────────────────────────────",
		fmt.Sprintf("Collected: %s  Passed: %s  Filtered: %s", orDashInt(ev.collected), orDashInt(ev.passed), orDashInt(ev.filtered)),
		"",
	)

	if synth, ok := t.Stages[trace.StageSynthesis]; ok {
		lines = append(lines, "── Synthesis ──────────────────────────────────")
		lines = append(lines, "Model: "+orDashAny(synth.Outputs["model"]))
		if tokens, ok := synth.Outputs["token_usage"].(map[string]any); ok {
			lines = append(lines, fmt.Sprintf("Tokens: %s in / %s out",
				orDashAny(tokens["input_tokens"]), orDashAny(tokens["output_tokens"])))
		}
		cost := synthesisCost(t)
		lines = append(lines, "Cost: "+fmtCost(cost), "")
	}

	lines = append(lines, "═══════════════════════════════════════════════")
	return strings.Join(lines, "\n")
}

// WriteFile writes the detailed markdown summary to
// {projectDir}/_traces/{trace_id}_summary.md and returns the path.
func WriteFile(t *trace.Trace, projectDir string) (string, error) {
	dir := filepath.Join(projectDir, "_traces")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("summary: create traces dir: %w", err)
	}
	path := filepath.Join(dir, t.ID+"_summary.md")
	if err := os.WriteFile(path, []byte(markdown(t)), 0o644); err != nil {
		return "", fmt.Errorf("summary: write summary file: %w", err)
	}
	return path, nil
}

func markdown(t *trace.Trace) string {
	q := quality(t)
	ev := evidence(t)

	md := []string{
		"# Trace Summary: " + t.ID,
		"",
		"**Project:** " + orDash(t.ProjectName),
		"**Query:** " + orDash(t.Query),
		fmt.Sprintf("**Intent:** %s | **Domain:** %s", orDash(t.Intent), orDash(t.Domain)),
		fmt.Sprintf("**Report Type:** %s | **Research Type:** %s", orDash(t.ReportType), orDash(t.ResearchType)),
		"**Status:** " + string(t.Status),
		"**Started:** " + orDashTime(t.StartedAt),
		"**Completed:** " + orDashTime(t.CompletedAt),
		"**Duration:** " + fmtDuration(t.DurationSeconds),
		"",
		"## Quality Gate",
		"",
	}

	switch {
	case q.passed == nil:
		md = append(md, "**Result:** Not evaluated")
	case *q.passed:
		md = append(md, fmt.Sprintf("**Result:** PASS (%s/3.0)", fmtScore(q.score)))
	default:
		md = append(md, fmt.Sprintf("**Result:** FAIL (%s/3.0)", fmtScore(q.score)))
	}
	if len(q.gaps) > 0 {
		md = append(md, "**Gap Principles:** "+strings.Join(q.gaps, ", "))
	}
	if len(q.strengths) > 0 {
		md = append(md, "**Strength Principles:** "+strings.Join(q.strengths, ", "))
	}

	if scores := principleScores(t); len(scores) > 0 {
		md = append(md, "", "| Principle | Score | Status |", "|-----------|-------|--------|")
		for _, sc := range scores {
			status := "OK"
			if contains(q.gaps, sc.id) {
				status = "Gap"
			}
			md = append(md, fmt.Sprintf("| %s | %g | %s |", sc.id, sc.score, status))
		}
	}
	md = append(md, "",
		"## Evidence",
		"",
		"- **Collected:** "+orDashInt(ev.collected),
		"- **Passed filter:** "+orDashInt(ev.passed),
		"- **Filtered out:** "+orDashInt(ev.filtered),
	)

	if coll, ok := t.Stages[trace.StageCollection]; ok {
		if bySource, ok := coll.Evidence["by_source"].(map[string]any); ok && len(bySource) > 0 {
			md = append(md, "", "**By Source:**")
			for _, source := range sortedKeys(bySource) {
				md = append(md, fmt.Sprintf("- %s: %v", source, bySource[source]))
			}
		}
	}

	md = append(md, "",
		"## Stage Breakdown",
		"",
		"| Stage | Duration | Decisions |",
		"|-------|----------|-----------|",
	)
	for _, name := range t.StageNames() {
		s := t.Stages[name]
		md = append(md, fmt.Sprintf("| %s | %s | %d |", name, fmtDuration(s.DurationSeconds), len(s.Decisions)))
	}

	md = append(md, "", "## Decision Log", "")
	for _, name := range t.StageNames() {
		s := t.Stages[name]
		if len(s.Decisions) == 0 {
			continue
		}
		md = append(md, "### "+name, "")
		for _, d := range s.Decisions {
			md = append(md, fmt.Sprintf("- **%s**: %v", d.Decision, d.What))
			if d.Why != "" {
				md = append(md, "  - Why: "+d.Why)
			}
			if d.Confidence < 1.0 {
				md = append(md, fmt.Sprintf("  - Confidence: %.0f%%", d.Confidence*100))
			}
		}
		md = append(md, "")
	}

	if synth, ok := t.Stages[trace.StageSynthesis]; ok {
		md = append(md, "## Synthesis", "", "- **Model:** "+orDashAny(synth.Outputs["model"]))
		if tokens, ok := synth.Outputs["token_usage"].(map[string]any); ok {
			md = append(md,
				"- **Input tokens:** "+orDashAny(tokens["input_tokens"]),
				"- **Output tokens:** "+orDashAny(tokens["output_tokens"]),
			)
		}
		md = append(md, "- **Cost:** "+fmtCost(synthesisCost(t)), "")
	}

	if len(t.Iterations) > 0 {
		md = append(md, "## Iterations", "",
			fmt.Sprintf("- **Total iterations:** %d", t.IterationCount),
			fmt.Sprintf("- **Quality gate failures:** %d", t.GateFailures),
		)
		for i, iteration := range t.Iterations {
			label := "FAIL"
			if passed, ok := iteration["passed"].(bool); ok && passed {
				label = "PASS"
			}
			md = append(md, fmt.Sprintf("- Iteration %d: %s", i+1, label))
		}
		md = append(md, "")
	}

	if len(t.Outputs) > 0 {
		md = append(md, "## Outputs", "")
		for _, key := range sortedKeys(t.Outputs) {
			md = append(md, fmt.Sprintf("- **%s:** %v", key, t.Outputs[key]))
		}
		md = append(md, "")
	}

	md = append(md, "---", fmt.Sprintf("*Generated from trace %s*", t.ID))
	return strings.Join(md, "\n")
}

// alertHeader starts a fresh calibration alert log.
const alertHeader = "# Calibration Alerts\n\nAuto-generated alerts when trace patterns suggest calibration attention.\n\n---\n\n"

// AppendAlerts appends one calibration alert entry to the project's
// _calibration_alerts.md, creating the file with its header on first
// use. Append-only: existing entries are never rewritten.
func AppendAlerts(t *trace.Trace, projectDir string, flags []string) (string, error) {
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return "", fmt.Errorf("summary: create project dir: %w", err)
	}
	path := filepath.Join(projectDir, "_calibration_alerts.md")

	timestamp := time.Now().UTC().Format(time.RFC3339)
	if t.CompletedAt != nil {
		timestamp = t.CompletedAt.Format(time.RFC3339)
	}
	lines := []string{
		"## " + timestamp,
		fmt.Sprintf("**Trace:** `%s`", t.ID),
		"",
	}
	for _, msg := range flags {
		lines = append(lines, "- "+msg)
	}
	lines = append(lines, "", "---", "")
	entry := strings.Join(lines, "\n")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("summary: open alert file: %w", err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		entry = alertHeader + entry
	}
	if _, err := f.WriteString(entry); err != nil {
		return "", fmt.Errorf("summary: append alert entry: %w", err)
	}
	return path, nil
}

type principleScore struct {
	id    string
	score float64
}

// principleScores returns the normalized quality-gate scores sorted by
// principle id so rendered output is stable.
func principleScores(t *trace.Trace) []principleScore {
	qg, ok := t.Stages[trace.StageQualityGate]
	if !ok {
		return nil
	}
	scores := trace.NormalizeScores(qg.Outputs["principle_scores"])
	out := make([]principleScore, 0, len(scores))
	for id, score := range scores {
		out = append(out, principleScore{id: id, score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}

func orDashTime(t *time.Time) string {
	if t == nil {
		return "—"
	}
	return t.Format(time.RFC3339)
}

func orDashInt(n *int) string {
	if n == nil {
		return "—"
	}
	return fmt.Sprintf("%d", *n)
}

func orDashAny(v any) string {
	if v == nil {
		return "—"
	}
	return fmt.Sprint(v)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func asInt(v any) *int {
	switch n := v.(type) {
	case int:
		return &n
	case int64:
		i := int(n)
		return &i
	case float64:
		i := int(n)
		return &i
	}
	return nil
}

func asStrings(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
