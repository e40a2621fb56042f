package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TraceRow is the flat, denormalized projection of one trace inserted
// into the traces table. Pointer fields map to nullable columns; a
// referenced stage being absent from the trace leaves its projections
// nil rather than failing the write.
type TraceRow struct {
	TraceID     string
	ProjectID   *uuid.UUID
	ProjectName *string

	Query        *string
	Intent       *string
	Domain       *string
	ReportType   *string
	ResearchType *string

	Status              string
	QualityGatePassed   *bool
	OverallQualityScore *float64

	StartedAt       time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64

	IntakeDuration      *float64
	RubricDuration      *float64
	CollectionDuration  *float64
	SynthesisDuration   *float64
	QualityGateDuration *float64

	EvidenceCollected *int
	EvidencePassed    *int
	EvidenceFiltered  *int

	SynthesisModel        *string
	SynthesisInputTokens  *int
	SynthesisOutputTokens *int
	SynthesisCostUSD      *float64

	PrincipleScores    map[string]float64
	GapPrinciples      []string
	StrengthPrinciples []string

	IterationCount int
	GateFailures   int

	TraceFilePath   *string
	ReportFilePath  *string
	OutputFilePaths []string

	FlaggedForReview bool
	ReviewNotes      *string

	TierConfig         *string
	RubricScores       map[string]any
	PrincipleBreakdown any
	QGIterationCount   *int
	RetrievalMethod    *string
	EvidenceRetrieved  *int
	EvidenceUsed       *int
	RetrievalTokens    *int
	RetrievalCostUSD   *float64
}

// InsertTraceRow inserts one trace row. Insert-only: rows are never
// updated after the fact except the review-flag flip.
func (db *DB) InsertTraceRow(ctx context.Context, row TraceRow) error {
	scores := row.PrincipleScores
	if scores == nil {
		scores = map[string]float64{}
	}

	_, err := db.pool.Exec(ctx, `
		INSERT INTO traces (
			trace_id, project_id, project_name,
			query, intent, domain, report_type, research_type,
			status, quality_gate_passed, overall_quality_score,
			started_at, completed_at, duration_seconds,
			intake_duration, rubric_duration, collection_duration,
			synthesis_duration, quality_gate_duration,
			evidence_collected, evidence_passed, evidence_filtered,
			synthesis_model, synthesis_input_tokens, synthesis_output_tokens,
			synthesis_cost_usd,
			principle_scores, gap_principles, strength_principles,
			iteration_count, quality_gate_failures,
			trace_file_path, report_file_path, output_file_paths,
			flagged_for_review, review_notes,
			tier_config, rubric_scores, principle_breakdown,
			qg_iteration_count, retrieval_method,
			evidence_retrieved, evidence_used,
			retrieval_tokens, retrieval_cost_usd
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, $27, $28, $29, $30,
			$31, $32, $33, $34, $35, $36, $37, $38, $39, $40,
			$41, $42, $43, $44, $45
		)`,
		row.TraceID, row.ProjectID, row.ProjectName,
		row.Query, row.Intent, row.Domain, row.ReportType, row.ResearchType,
		row.Status, row.QualityGatePassed, row.OverallQualityScore,
		row.StartedAt, row.CompletedAt, row.DurationSeconds,
		row.IntakeDuration, row.RubricDuration, row.CollectionDuration,
		row.SynthesisDuration, row.QualityGateDuration,
		row.EvidenceCollected, row.EvidencePassed, row.EvidenceFiltered,
		row.SynthesisModel, row.SynthesisInputTokens, row.SynthesisOutputTokens,
		row.SynthesisCostUSD,
		scores, row.GapPrinciples, row.StrengthPrinciples,
		row.IterationCount, row.GateFailures,
		row.TraceFilePath, row.ReportFilePath, row.OutputFilePaths,
		row.FlaggedForReview, row.ReviewNotes,
		row.TierConfig, row.RubricScores, row.PrincipleBreakdown,
		row.QGIterationCount, row.RetrievalMethod,
		row.EvidenceRetrieved, row.EvidenceUsed,
		row.RetrievalTokens, row.RetrievalCostUSD,
	)
	if err != nil {
		return fmt.Errorf("storage: insert trace row: %w", err)
	}
	return nil
}

// FlagForReview sets the review flag for a trace. Idempotent: the value
// only ever moves false to true, so racing writers are harmless.
func (db *DB) FlagForReview(ctx context.Context, traceID string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE traces SET flagged_for_review = TRUE WHERE trace_id = $1`, traceID,
	)
	if err != nil {
		return fmt.Errorf("storage: flag for review: %w", err)
	}
	return nil
}
