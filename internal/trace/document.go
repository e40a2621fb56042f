package trace

import "time"

// Document builds the fully self-describing serialized form of the
// trace. Stages are emitted as an object keyed by name; decision order
// within a stage is preserved. SchemaVersion guards readers against
// format drift.
func (t *Trace) Document() map[string]any {
	stages := make(map[string]any, len(t.Stages))
	for name, s := range t.Stages {
		decisions := make([]map[string]any, 0, len(s.Decisions))
		for _, d := range s.Decisions {
			decisions = append(decisions, map[string]any{
				"decision":                d.Decision,
				"what":                    d.What,
				"why":                     d.Why,
				"confidence":              d.Confidence,
				"alternatives_considered": d.Alternatives,
				"inputs":                  d.Inputs,
				"timestamp":               formatTime(&d.Timestamp),
			})
		}
		stages[name] = map[string]any{
			"started_at":       formatTime(s.StartedAt),
			"completed_at":     formatTime(s.CompletedAt),
			"duration_seconds": floatOrNil(s.DurationSeconds),
			"decisions":        decisions,
			"outputs":          orEmpty(s.Outputs),
			"evidence":         orEmpty(s.Evidence),
			"prompts":          orEmptyStr(s.Prompts),
			"error":            strOrNil(s.Error),
		}
	}

	return map[string]any{
		"schema_version": SchemaVersion,
		"trace_id":       t.ID,
		"project_id":     strEmptyNil(t.ProjectID),
		"project_name":   strEmptyNil(t.ProjectName),
		"run": map[string]any{
			"query":            strEmptyNil(t.Query),
			"intent":           strEmptyNil(t.Intent),
			"domain":           strEmptyNil(t.Domain),
			"report_type":      strEmptyNil(t.ReportType),
			"research_type":    strEmptyNil(t.ResearchType),
			"started_at":       formatTime(t.StartedAt),
			"completed_at":     formatTime(t.CompletedAt),
			"duration_seconds": floatOrNil(t.DurationSeconds),
			"status":           string(t.Status),
		},
		"stages":                stages,
		"iterations":            orEmptySlice(t.Iterations),
		"iteration_count":       t.IterationCount,
		"quality_gate_failures": t.GateFailures,
		"outputs":               orEmpty(t.Outputs),
		"child_traces":          orEmptySlice(t.ChildTraces),
		"metadata": map[string]any{
			"trace_version": SchemaVersion,
			"generator":     Generator,
		},
	}
}

func formatTime(ts *time.Time) any {
	if ts == nil {
		return nil
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func floatOrNil(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func strOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func strEmptyNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyStr(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptySlice(s []map[string]any) []map[string]any {
	if s == nil {
		return []map[string]any{}
	}
	return s
}
