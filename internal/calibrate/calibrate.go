// Package calibrate detects calibration-worthy patterns in finished
// traces.
//
// The checks are advisory: they cross-reference one trace against
// historical aggregates and emit human-readable flag messages. Check
// never returns an error — every lookup is individually fault-isolated,
// so a failing query drops its flag and the rest still run.
package calibrate

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kiroku/internal/query"
	"github.com/ashita-ai/kiroku/internal/trace"
)

const (
	// lowScoreThreshold marks a principle as a gap on the 0-3 scale.
	lowScoreThreshold = 2.0
	// defaultGapWindowDays is the trailing window for repeated-failure
	// counts when the caller does not supply one.
	defaultGapWindowDays = 7
	// gapRepeatMin is the count at which a repeated gap gets flagged.
	gapRepeatMin = 3
	// disparityThreshold is how far below the overall average an
	// intent or domain average must fall to get flagged.
	disparityThreshold = 0.5
)

// Analyzer runs the calibration checks against trace history.
type Analyzer struct {
	queries    *query.Service
	windowDays int
	logger     *slog.Logger
}

// New creates an Analyzer over the query service. windowDays is the
// trailing window for the repeated-gap check; zero or negative uses
// the default of 7.
func New(queries *query.Service, windowDays int, logger *slog.Logger) *Analyzer {
	if windowDays <= 0 {
		windowDays = defaultGapWindowDays
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{queries: queries, windowDays: windowDays, logger: logger}
}

// Check analyzes a finished trace for calibration-worthy patterns and
// returns flag messages, empty when nothing stands out. The checks are
// independent and additive; one trace can accumulate flags from all of
// them. A trace without a quality gate stage yields no flags at all.
func (a *Analyzer) Check(ctx context.Context, t *trace.Trace) []string {
	qg, ok := t.Stages[trace.StageQualityGate]
	if !ok {
		return nil
	}
	outputs := qg.Outputs

	var flags []string
	flags = append(flags, a.repeatedGapFlags(ctx, gapPrinciples(outputs))...)

	overallAvg := a.overallAvg(ctx)
	if t.Intent != "" {
		if flag := a.intentDisparity(ctx, t.Intent, overallAvg); flag != "" {
			flags = append(flags, flag)
		}
	}
	if t.Domain != "" {
		if flag := a.domainDisparity(ctx, t.Domain, overallAvg); flag != "" {
			flags = append(flags, flag)
		}
	}
	if flag := a.regression(ctx, t, outputs); flag != "" {
		flags = append(flags, flag)
	}
	return flags
}

// gapPrinciples builds the candidate gap set: the stage's explicit gap
// list, augmented with any principle whose score fell below the low
// threshold. Both score shapes are accepted via NormalizeScores.
func gapPrinciples(outputs map[string]any) []string {
	var gaps []string
	seen := make(map[string]struct{})
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		gaps = append(gaps, id)
	}

	switch v := outputs["gap_principles"].(type) {
	case []string:
		for _, id := range v {
			add(id)
		}
	case []any:
		for _, item := range v {
			if id, ok := item.(string); ok {
				add(id)
			}
		}
	}
	for id, score := range trace.NormalizeScores(outputs["principle_scores"]) {
		if score < lowScoreThreshold {
			add(id)
		}
	}
	return gaps
}

// repeatedGapFlags counts each candidate gap's appearances over the
// trailing window concurrently. Results land in an index-addressed
// slice so flag order follows gap order regardless of which lookup
// finishes first.
func (a *Analyzer) repeatedGapFlags(ctx context.Context, gaps []string) []string {
	if len(gaps) == 0 {
		return nil
	}

	counts := make([]int, len(gaps))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range gaps {
		g.Go(func() error {
			count, err := a.queries.RecentGapCount(gctx, id, a.windowDays)
			if err != nil {
				a.logger.Warn("calibrate: gap count lookup failed", "principle_id", id, "error", err)
				return nil
			}
			counts[i] = count
			return nil
		})
	}
	_ = g.Wait()

	var flags []string
	for i, id := range gaps {
		if counts[i] >= gapRepeatMin {
			flags = append(flags, fmt.Sprintf(
				"Principle %s has scored below threshold %d times in the last %d days. Consider reviewing calibration.",
				id, counts[i], a.windowDays,
			))
		}
	}
	return flags
}

func (a *Analyzer) overallAvg(ctx context.Context) *float64 {
	avg, err := a.queries.OverallAvgScore(ctx)
	if err != nil {
		a.logger.Warn("calibrate: overall average lookup failed", "error", err)
		return nil
	}
	return avg
}

func (a *Analyzer) intentDisparity(ctx context.Context, intent string, overallAvg *float64) string {
	intentAvg, err := a.queries.IntentAvgScore(ctx, intent)
	if err != nil {
		a.logger.Warn("calibrate: intent average lookup failed", "intent", intent, "error", err)
		return ""
	}
	if intentAvg == nil || overallAvg == nil || *overallAvg-*intentAvg <= disparityThreshold {
		return ""
	}
	return fmt.Sprintf(
		"%s intent runs average %.1f quality vs %.1f overall. May need intent-specific tuning.",
		intent, *intentAvg, *overallAvg,
	)
}

func (a *Analyzer) domainDisparity(ctx context.Context, domain string, overallAvg *float64) string {
	domainAvg, err := a.queries.DomainAvgScore(ctx, domain)
	if err != nil {
		a.logger.Warn("calibrate: domain average lookup failed", "domain", domain, "error", err)
		return ""
	}
	if domainAvg == nil || overallAvg == nil || *overallAvg-*domainAvg <= disparityThreshold {
		return ""
	}
	return fmt.Sprintf(
		"%s domain runs average %.1f quality vs %.1f overall.",
		domain, *domainAvg, *overallAvg,
	)
}

// regression flags a run that failed its quality gate when the
// project's previous complete run passed.
func (a *Analyzer) regression(ctx context.Context, t *trace.Trace, outputs map[string]any) string {
	passed, ok := outputs["passed"].(bool)
	if !ok || passed || t.ProjectID == "" || t.StartedAt == nil {
		return ""
	}

	prev, err := a.queries.PreviousTraceForProject(ctx, t.ProjectID, *t.StartedAt)
	if err != nil {
		a.logger.Warn("calibrate: previous trace lookup failed", "project_id", t.ProjectID, "error", err)
		return ""
	}
	if prev == nil || prev.QualityGatePassed == nil || !*prev.QualityGatePassed {
		return ""
	}

	label := t.ProjectName
	if label == "" {
		label = t.ProjectID
	}
	return fmt.Sprintf(
		"Quality regression detected for project %s: this run failed quality gate after previous run passed.",
		label,
	)
}
