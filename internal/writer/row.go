package writer

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiroku/internal/storage"
	"github.com/ashita-ai/kiroku/internal/trace"
)

// BuildRow extracts the flat row projection from a trace. Every stage
// lookup tolerates the stage being entirely absent.
func BuildRow(t *trace.Trace) storage.TraceRow {
	row := storage.TraceRow{
		TraceID:         t.ID,
		ProjectName:     optStr(t.ProjectName),
		Query:           optStr(t.Query),
		Intent:          optStr(t.Intent),
		Domain:          optStr(t.Domain),
		ReportType:      optStr(t.ReportType),
		ResearchType:    optStr(t.ResearchType),
		Status:          string(t.Status),
		StartedAt:       time.Now().UTC(),
		CompletedAt:     t.CompletedAt,
		DurationSeconds: t.DurationSeconds,

		IntakeDuration:      stageDuration(t, trace.StageIntake),
		RubricDuration:      stageDuration(t, trace.StageRubric),
		CollectionDuration:  stageDuration(t, trace.StageCollection),
		SynthesisDuration:   stageDuration(t, trace.StageSynthesis),
		QualityGateDuration: stageDuration(t, trace.StageQualityGate),

		IterationCount: t.IterationCount,
		GateFailures:   t.GateFailures,
	}
	if t.StartedAt != nil {
		row.StartedAt = *t.StartedAt
	}
	if t.ProjectID != "" {
		if id, err := uuid.Parse(t.ProjectID); err == nil {
			row.ProjectID = &id
		}
	}

	extractQualityGate(t, &row)
	extractSynthesis(t, &row)
	extractEvidence(t, &row)
	extractEnriched(t, &row)

	if v, ok := t.Outputs["trace_file_path"].(string); ok {
		row.TraceFilePath = &v
	}
	if v, ok := t.Outputs["report_file_path"].(string); ok {
		row.ReportFilePath = &v
	} else if v, ok := t.Outputs["report_path"].(string); ok {
		row.ReportFilePath = &v
	}
	row.OutputFilePaths = outputFilePaths(t.Outputs)

	return row
}

// extractQualityGate pulls pass flag, overall score, normalized
// per-principle scores, and gap/strength lists from the quality_gate
// stage outputs.
func extractQualityGate(t *trace.Trace, row *storage.TraceRow) {
	qg, ok := t.Stages[trace.StageQualityGate]
	if !ok {
		return
	}
	outputs := qg.Outputs

	if passed, ok := outputs["passed"].(bool); ok {
		row.QualityGatePassed = &passed
	}
	if score, ok := asFloat(outputs["overall_score"]); ok {
		row.OverallQualityScore = &score
	}
	row.PrincipleScores = trace.NormalizeScores(outputs["principle_scores"])
	row.GapPrinciples = asStringSlice(outputs["gap_principles"])
	row.StrengthPrinciples = asStringSlice(outputs["strength_principles"])
}

// extractSynthesis pulls model, token, and cost figures from the
// synthesis stage outputs.
func extractSynthesis(t *trace.Trace, row *storage.TraceRow) {
	synth, ok := t.Stages[trace.StageSynthesis]
	if !ok {
		return
	}
	outputs := synth.Outputs

	if model, ok := outputs["model"].(string); ok {
		row.SynthesisModel = &model
	}
	if usage, ok := outputs["token_usage"].(map[string]any); ok {
		row.SynthesisInputTokens = asIntPtr(usage["input_tokens"])
		row.SynthesisOutputTokens = asIntPtr(usage["output_tokens"])
	}
	if cost, ok := asFloat(outputs["cost_usd"]); ok {
		row.SynthesisCostUSD = &cost
	}
}

// extractEvidence pulls evidence counts from the collection stage.
// Collected comes from the stage's evidence map, passed/filtered from
// its outputs.
func extractEvidence(t *trace.Trace, row *storage.TraceRow) {
	coll, ok := t.Stages[trace.StageCollection]
	if !ok {
		return
	}
	row.EvidenceCollected = asIntPtr(coll.Evidence["collected_count"])
	row.EvidencePassed = asIntPtr(coll.Outputs["evidence_passed"])
	row.EvidenceFiltered = asIntPtr(coll.Outputs["evidence_filtered"])
}

// extractEnriched pulls the calibration/retrieval columns from the
// trace-level output map.
func extractEnriched(t *trace.Trace, row *storage.TraceRow) {
	outputs := t.Outputs

	if v, ok := outputs["tier_config"].(string); ok {
		row.TierConfig = &v
	}
	row.QGIterationCount = asIntPtr(outputs["qg_iteration_count"])
	if v, ok := outputs["retrieval_method"].(string); ok {
		row.RetrievalMethod = &v
	}
	row.EvidenceRetrieved = asIntPtr(outputs["evidence_retrieved"])
	row.EvidenceUsed = asIntPtr(outputs["evidence_used"])
	row.RetrievalTokens = asIntPtr(outputs["retrieval_tokens"])
	if cost, ok := asFloat(outputs["retrieval_cost_usd"]); ok {
		row.RetrievalCostUSD = &cost
	}

	if scores, ok := outputs["rubric_scores"].(map[string]any); ok {
		row.RubricScores = scores
	}
	if breakdown, ok := outputs["principle_breakdown"]; ok {
		row.PrincipleBreakdown = breakdown
	}
}

// outputFilePaths collects output values that look like file paths.
func outputFilePaths(outputs map[string]any) []string {
	var paths []string
	for _, v := range outputs {
		if s, ok := v.(string); ok && (strings.Contains(s, "/") || strings.Contains(s, `\`)) {
			paths = append(paths, s)
		}
	}
	return paths
}

func stageDuration(t *trace.Trace, name string) *float64 {
	if s, ok := t.Stages[name]; ok {
		return s.DurationSeconds
	}
	return nil
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
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

func asIntPtr(v any) *int {
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

func asStringSlice(v any) []string {
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
