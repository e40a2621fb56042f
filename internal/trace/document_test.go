package trace

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildFinishedTrace(t *testing.T) *Trace {
	t.Helper()

	tr := New(Options{
		ProjectID:    "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		ProjectName:  "demo",
		Query:        "battery recycling capacity",
		Intent:       "validating",
		Domain:       "energy",
		ReportType:   "deep_dive",
		ResearchType: "market",
	}, nil)

	tr.StartStage(StageIntake)
	tr.Record(StageIntake, "classification", DecisionData{
		What:         "validating",
		Why:          "explicit hypothesis in query",
		Alternatives: []string{"exploring"},
		Inputs:       map[string]any{"query_len": 28},
	})
	tr.EndStage(StageIntake, map[string]any{"ok": true}, "")

	tr.RecordEvidence(StageCollection, map[string]any{"collected_count": 28})
	tr.RecordPrompts(StageCollection, map[string]string{"search": "find recent capacity data"})

	tr.StartStage(StageQualityGate)
	tr.EndStage(StageQualityGate, map[string]any{
		"passed":           true,
		"overall_score":    2.7,
		"principle_scores": map[string]any{"META-1": 3.0, "META-2": 2.0},
	}, "")

	tr.RecordIteration(map[string]any{"passed": true})
	tr.SetOutputs(map[string]any{"report_path": "/tmp/report.md"})
	tr.MarkComplete()
	return tr
}

func TestDocumentShape(t *testing.T) {
	tr := buildFinishedTrace(t)
	doc := tr.Document()

	assert.Equal(t, SchemaVersion, doc["schema_version"])
	assert.Equal(t, tr.ID, doc["trace_id"])
	assert.Equal(t, "demo", doc["project_name"])

	run, ok := doc["run"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "validating", run["intent"])
	assert.Equal(t, "complete", run["status"])
	assert.NotNil(t, run["started_at"])
	assert.NotNil(t, run["completed_at"])
	assert.NotNil(t, run["duration_seconds"])

	stages, ok := doc["stages"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, stages, StageIntake)
	require.Contains(t, stages, StageCollection)
	require.Contains(t, stages, StageQualityGate)

	intake := stages[StageIntake].(map[string]any)
	decisions := intake["decisions"].([]map[string]any)
	require.Len(t, decisions, 1)
	assert.Equal(t, "classification", decisions[0]["decision"])
	assert.Equal(t, []string{"exploring"}, decisions[0]["alternatives_considered"])

	collection := stages[StageCollection].(map[string]any)
	assert.Nil(t, collection["started_at"], "implicit stage has no start timestamp")
	assert.Equal(t, map[string]string{"search": "find recent capacity data"}, collection["prompts"])

	assert.Equal(t, 1, doc["iteration_count"])
	assert.Equal(t, 0, doc["quality_gate_failures"])

	meta := doc["metadata"].(map[string]any)
	assert.Equal(t, Generator, meta["generator"])
	assert.Equal(t, SchemaVersion, meta["trace_version"])
}

func TestDocumentRoundTripsThroughJSON(t *testing.T) {
	tr := buildFinishedTrace(t)

	data, err := json.Marshal(tr.Document())
	require.NoError(t, err)

	var back map[string]any
	require.NoError(t, json.Unmarshal(data, &back))

	assert.Equal(t, tr.ID, back["trace_id"])
	assert.EqualValues(t, 1, back["schema_version"])

	stages := back["stages"].(map[string]any)
	qg := stages[StageQualityGate].(map[string]any)
	outputs := qg["outputs"].(map[string]any)
	assert.Equal(t, true, outputs["passed"])
	assert.InDelta(t, 2.7, outputs["overall_score"], 1e-9)
}

func TestDocumentEmptyTrace(t *testing.T) {
	tr := New(Options{}, nil)
	doc := tr.Document()

	assert.Nil(t, doc["project_id"])
	assert.Nil(t, doc["project_name"])
	assert.Equal(t, map[string]any{}, doc["stages"].(map[string]any))
	assert.Empty(t, doc["iterations"])
	assert.Empty(t, doc["child_traces"])

	// Still serializable.
	_, err := json.Marshal(doc)
	require.NoError(t, err)
}
