// Package query is the read side of the trace store.
//
// Stateless, read-only operations over the rows written by
// internal/writer: dimension filters, aggregate summary, pairwise
// comparison, full-document retrieval, and gap-pattern mining. It also
// carries the historical lookups the calibration analyzer asks.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiroku/internal/storage"
)

// ErrTraceNotFound reports a compare operand that has no row.
var ErrTraceNotFound = errors.New("query: trace not found")

// Service runs read-only queries against the trace row store.
type Service struct {
	db     *storage.DB
	logger *slog.Logger
}

// New creates a query Service over db.
func New(db *storage.DB, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, logger: logger}
}

// TraceResult is the lightweight row projection returned by the list
// queries.
type TraceResult struct {
	TraceID             string     `json:"trace_id"`
	ProjectName         *string    `json:"project_name,omitempty"`
	Query               *string    `json:"query,omitempty"`
	Intent              *string    `json:"intent,omitempty"`
	Domain              *string    `json:"domain,omitempty"`
	ReportType          *string    `json:"report_type,omitempty"`
	Status              string     `json:"status"`
	QualityGatePassed   *bool      `json:"quality_gate_passed,omitempty"`
	OverallQualityScore *float64   `json:"overall_quality_score,omitempty"`
	GapPrinciples       []string   `json:"gap_principles,omitempty"`
	StrengthPrinciples  []string   `json:"strength_principles,omitempty"`
	DurationSeconds     *float64   `json:"duration_seconds,omitempty"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	TraceFilePath       *string    `json:"trace_file_path,omitempty"`
}

const resultColumns = `
	trace_id, project_name, query, intent, domain, report_type,
	status, quality_gate_passed, overall_quality_score,
	gap_principles, strength_principles,
	duration_seconds, started_at, trace_file_path`

func scanResults(rows pgx.Rows) ([]TraceResult, error) {
	defer rows.Close()
	var out []TraceResult
	for rows.Next() {
		var r TraceResult
		if err := rows.Scan(
			&r.TraceID, &r.ProjectName, &r.Query, &r.Intent, &r.Domain,
			&r.ReportType, &r.Status, &r.QualityGatePassed,
			&r.OverallQualityScore, &r.GapPrinciples, &r.StrengthPrinciples,
			&r.DurationSeconds, &r.StartedAt, &r.TraceFilePath,
		); err != nil {
			return nil, fmt.Errorf("query: scan trace row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query: iterate trace rows: %w", err)
	}
	return out, nil
}

// byColumn runs the shared complete-runs dimension filter. column is
// always one of the fixed names below, never caller input.
func (s *Service) byColumn(ctx context.Context, column, value string, limit int) ([]TraceResult, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT `+resultColumns+`
		FROM traces
		WHERE `+column+` = $1 AND status = 'complete'
		ORDER BY started_at DESC
		LIMIT $2`,
		value, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query: by %s: %w", column, err)
	}
	return scanResults(rows)
}

// ByIntent returns complete runs with the given intent tag, most
// recent first.
func (s *Service) ByIntent(ctx context.Context, intent string, limit int) ([]TraceResult, error) {
	return s.byColumn(ctx, "intent", intent, limit)
}

// ByDomain returns complete runs with the given domain tag.
func (s *Service) ByDomain(ctx context.Context, domain string, limit int) ([]TraceResult, error) {
	return s.byColumn(ctx, "domain", domain, limit)
}

// ByProject returns complete runs for the named project.
func (s *Service) ByProject(ctx context.Context, projectName string, limit int) ([]TraceResult, error) {
	return s.byColumn(ctx, "project_name", projectName, limit)
}

// QualityGateFailures returns complete runs whose quality gate
// explicitly failed.
func (s *Service) QualityGateFailures(ctx context.Context, limit int) ([]TraceResult, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT `+resultColumns+`
		FROM traces
		WHERE quality_gate_passed = FALSE AND status = 'complete'
		ORDER BY started_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query: quality gate failures: %w", err)
	}
	return scanResults(rows)
}

// LowScoringPrinciple returns complete runs where the named principle
// scored below threshold.
func (s *Service) LowScoringPrinciple(ctx context.Context, principleID string, threshold, limit int) ([]TraceResult, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT `+resultColumns+`
		FROM traces
		WHERE (principle_scores->>$1)::int < $2
		  AND status = 'complete'
		ORDER BY started_at DESC
		LIMIT $3`,
		principleID, threshold, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query: low scoring principle: %w", err)
	}
	return scanResults(rows)
}

// FlaggedForReview returns traces flagged for calibration review,
// regardless of completion status.
func (s *Service) FlaggedForReview(ctx context.Context, limit int) ([]TraceResult, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT `+resultColumns+`
		FROM traces
		WHERE flagged_for_review = TRUE
		ORDER BY started_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query: flagged for review: %w", err)
	}
	return scanResults(rows)
}

// PrinciplePattern is one recurring gap principle with its failure
// count.
type PrinciplePattern struct {
	PrincipleID string `json:"principle_id"`
	FailCount   int    `json:"fail_count"`
}

// PrinciplePatterns returns principles that appear in gap lists of at
// least minRuns complete runs, sorted by count descending.
func (s *Service) PrinciplePatterns(ctx context.Context, minRuns int) ([]PrinciplePattern, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT
			unnest(gap_principles) AS principle_id,
			COUNT(*) AS fail_count
		FROM traces
		WHERE status = 'complete' AND gap_principles IS NOT NULL
		GROUP BY principle_id
		HAVING COUNT(*) >= $1
		ORDER BY fail_count DESC`,
		minRuns,
	)
	if err != nil {
		return nil, fmt.Errorf("query: principle patterns: %w", err)
	}
	defer rows.Close()

	var out []PrinciplePattern
	for rows.Next() {
		var p PrinciplePattern
		if err := rows.Scan(&p.PrincipleID, &p.FailCount); err != nil {
			return nil, fmt.Errorf("query: scan pattern row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query: iterate pattern rows: %w", err)
	}
	return out, nil
}

// Comparison is the side-by-side delta between two traces. Deltas are
// B minus A, nil when either side lacks the value.
type Comparison struct {
	TraceA        string   `json:"trace_a"`
	TraceB        string   `json:"trace_b"`
	QualityDelta  *float64 `json:"quality_delta"`
	DurationDelta *float64 `json:"duration_delta"`
	CostDelta     *float64 `json:"cost_delta"`
	GapsAOnly     []string `json:"gaps_a_only"`
	GapsBOnly     []string `json:"gaps_b_only"`
	GapsBoth      []string `json:"gaps_both"`
}

type compareRow struct {
	score    *float64
	duration *float64
	cost     *float64
	gaps     []string
}

func (s *Service) compareOperand(ctx context.Context, traceID string) (compareRow, error) {
	var r compareRow
	err := s.db.Pool().QueryRow(ctx, `
		SELECT overall_quality_score, duration_seconds, synthesis_cost_usd, gap_principles
		FROM traces
		WHERE trace_id = $1`,
		traceID,
	).Scan(&r.score, &r.duration, &r.cost, &r.gaps)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, fmt.Errorf("%w: %s", ErrTraceNotFound, traceID)
	}
	if err != nil {
		return r, fmt.Errorf("query: load trace %s: %w", traceID, err)
	}
	return r, nil
}

// Compare loads both traces and computes quality/duration/cost deltas
// plus a three-way partition of their gap principle sets. Returns
// ErrTraceNotFound when either operand has no row.
func (s *Service) Compare(ctx context.Context, traceIDA, traceIDB string) (*Comparison, error) {
	a, err := s.compareOperand(ctx, traceIDA)
	if err != nil {
		return nil, err
	}
	b, err := s.compareOperand(ctx, traceIDB)
	if err != nil {
		return nil, err
	}

	cmp := &Comparison{
		TraceA:        traceIDA,
		TraceB:        traceIDB,
		QualityDelta:  delta(a.score, b.score),
		DurationDelta: delta(a.duration, b.duration),
		CostDelta:     delta(a.cost, b.cost),
	}
	cmp.GapsAOnly, cmp.GapsBOnly, cmp.GapsBoth = partitionGaps(a.gaps, b.gaps)
	return cmp, nil
}

func delta(a, b *float64) *float64 {
	if a == nil || b == nil {
		return nil
	}
	d := *b - *a
	return &d
}

// partitionGaps splits two gap sets into a-only, b-only, and both,
// each sorted so comparisons are deterministic.
func partitionGaps(gapsA, gapsB []string) (aOnly, bOnly, both []string) {
	setA := make(map[string]struct{}, len(gapsA))
	for _, g := range gapsA {
		setA[g] = struct{}{}
	}
	setB := make(map[string]struct{}, len(gapsB))
	for _, g := range gapsB {
		setB[g] = struct{}{}
	}

	aOnly, bOnly, both = []string{}, []string{}, []string{}
	for g := range setA {
		if _, ok := setB[g]; ok {
			both = append(both, g)
		} else {
			aOnly = append(aOnly, g)
		}
	}
	for g := range setB {
		if _, ok := setA[g]; !ok {
			bOnly = append(bOnly, g)
		}
	}
	sort.Strings(aOnly)
	sort.Strings(bOnly)
	sort.Strings(both)
	return aOnly, bOnly, both
}

// FullTrace returns the full trace document by reading the artifact
// file referenced by the row. A missing row, missing path, unreadable
// file, or malformed document all yield nil, never an error: absence
// is the expected shape of "not found" here.
func (s *Service) FullTrace(ctx context.Context, traceID string) (map[string]any, error) {
	var path *string
	err := s.db.Pool().QueryRow(ctx,
		`SELECT trace_file_path FROM traces WHERE trace_id = $1`, traceID,
	).Scan(&path)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query: full trace %s: %w", traceID, err)
	}
	if path == nil || *path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(*path)
	if err != nil {
		s.logger.Warn("query: trace file not readable", "trace_id", traceID, "path", *path, "error", err)
		return nil, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Error("query: trace file malformed", "trace_id", traceID, "path", *path, "error", err)
		return nil, nil
	}
	return doc, nil
}

// Summary is the store-wide aggregate. Averages cover complete runs
// only and are nil when no complete run carries the value.
type Summary struct {
	TotalRuns   int      `json:"total_runs"`
	Complete    int      `json:"complete"`
	Failed      int      `json:"failed"`
	Incomplete  int      `json:"incomplete"`
	QGPassed    int      `json:"qg_passed"`
	QGFailed    int      `json:"qg_failed"`
	AvgQuality  *float64 `json:"avg_quality"`
	AvgDuration *float64 `json:"avg_duration"`
	AvgCost     *float64 `json:"avg_cost"`
}

// Summary returns counts and averages across the whole store. An
// empty store yields the zero Summary, never an error.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	var sum Summary
	err := s.db.Pool().QueryRow(ctx, `
		SELECT
			COUNT(*) AS total_runs,
			COUNT(*) FILTER (WHERE status = 'complete') AS complete,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'incomplete') AS incomplete,
			COUNT(*) FILTER (WHERE quality_gate_passed = TRUE) AS qg_passed,
			COUNT(*) FILTER (WHERE quality_gate_passed = FALSE) AS qg_failed,
			AVG(overall_quality_score) FILTER (WHERE status = 'complete') AS avg_quality,
			AVG(duration_seconds) FILTER (WHERE status = 'complete') AS avg_duration,
			AVG(synthesis_cost_usd) FILTER (WHERE status = 'complete') AS avg_cost
		FROM traces`,
	).Scan(
		&sum.TotalRuns, &sum.Complete, &sum.Failed, &sum.Incomplete,
		&sum.QGPassed, &sum.QGFailed,
		&sum.AvgQuality, &sum.AvgDuration, &sum.AvgCost,
	)
	if err != nil {
		return nil, fmt.Errorf("query: summary: %w", err)
	}
	return &sum, nil
}
