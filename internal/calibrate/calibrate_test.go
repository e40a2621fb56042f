package calibrate_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/calibrate"
	"github.com/ashita-ai/kiroku/internal/query"
	"github.com/ashita-ai/kiroku/internal/storage"
	"github.com/ashita-ai/kiroku/internal/testutil"
	"github.com/ashita-ai/kiroku/internal/trace"
)

var (
	testDB   *storage.DB
	queries  *query.Service
	analyzer *calibrate.Analyzer
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	queries = query.New(testDB, testutil.TestLogger())
	analyzer = calibrate.New(queries, 7, testutil.TestLogger())

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func ptr[T any](v T) *T { return &v }

func truncate(t *testing.T) {
	t.Helper()
	_, err := testDB.Pool().Exec(context.Background(), `TRUNCATE traces`)
	require.NoError(t, err)
}

// insertHistory writes one historical complete run into the store.
func insertHistory(t *testing.T, intent, domain string, score *float64, passed *bool, gaps []string, startedAt time.Time, projectID *uuid.UUID) {
	t.Helper()
	row := storage.TraceRow{
		TraceID:             "trc_hist_" + uuid.NewString()[:8],
		ProjectID:           projectID,
		Intent:              optStr(intent),
		Domain:              optStr(domain),
		Status:              "complete",
		QualityGatePassed:   passed,
		OverallQualityScore: score,
		GapPrinciples:       gaps,
		StartedAt:           startedAt,
	}
	require.NoError(t, testDB.InsertTraceRow(context.Background(), row))
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// gatedTrace builds an in-memory trace whose quality gate produced the
// given outputs.
func gatedTrace(opts trace.Options, qgOutputs map[string]any) *trace.Trace {
	tr := trace.New(opts, testutil.TestLogger())
	tr.StartStage(trace.StageQualityGate)
	tr.EndStage(trace.StageQualityGate, qgOutputs, "")
	tr.MarkComplete()
	return tr
}

func TestNoQualityGateStageYieldsNoFlags(t *testing.T) {
	truncate(t)

	tr := trace.New(trace.Options{Intent: "validating"}, testutil.TestLogger())
	tr.MarkComplete()

	assert.Empty(t, analyzer.Check(context.Background(), tr))
}

func TestHealthyTraceYieldsNoFlags(t *testing.T) {
	truncate(t)

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		insertHistory(t, "validating", "energy", ptr(2.5), ptr(true), nil, now.Add(-time.Duration(i+1)*time.Hour), nil)
	}

	tr := gatedTrace(trace.Options{Intent: "validating", Domain: "energy"}, map[string]any{
		"passed":           true,
		"overall_score":    2.8,
		"principle_scores": map[string]any{"META-1": 3.0, "META-2": 2.5},
	})

	assert.Empty(t, analyzer.Check(context.Background(), tr))
}

func TestRepeatedGapFlag(t *testing.T) {
	truncate(t)

	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		insertHistory(t, "", "", nil, nil, []string{"META-12"}, now.Add(-time.Duration(i+1)*time.Hour), nil)
	}

	tr := gatedTrace(trace.Options{}, map[string]any{
		"passed":         true,
		"gap_principles": []string{"META-12"},
	})

	flags := analyzer.Check(context.Background(), tr)
	require.Len(t, flags, 1)
	assert.Contains(t, flags[0], "META-12")
	assert.Contains(t, flags[0], "4 times")
}

func TestGapWindowConfigurable(t *testing.T) {
	truncate(t)

	now := time.Now().UTC()
	// Ten days back: outside the default window, inside a 14-day one.
	for i := 0; i < 3; i++ {
		insertHistory(t, "", "", nil, nil, []string{"META-12"}, now.Add(-10*24*time.Hour).Add(-time.Duration(i)*time.Hour), nil)
	}

	tr := gatedTrace(trace.Options{}, map[string]any{
		"passed":         true,
		"gap_principles": []string{"META-12"},
	})

	assert.Empty(t, analyzer.Check(context.Background(), tr))

	wide := calibrate.New(queries, 14, testutil.TestLogger())
	flags := wide.Check(context.Background(), tr)
	require.Len(t, flags, 1)
	assert.Contains(t, flags[0], "in the last 14 days")
}

func TestLowScoreAugmentsGapSet(t *testing.T) {
	truncate(t)

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		insertHistory(t, "", "", nil, nil, []string{"META-7"}, now.Add(-time.Duration(i+1)*time.Hour), nil)
	}

	// META-7 is not in the explicit gap list, but its score is below
	// the low threshold — both score shapes count.
	tr := gatedTrace(trace.Options{}, map[string]any{
		"passed": true,
		"principle_scores": []any{
			map[string]any{"id": "META-7", "score": 1.0},
			map[string]any{"id": "META-1", "score": 3.0},
		},
	})

	flags := analyzer.Check(context.Background(), tr)
	require.Len(t, flags, 1)
	assert.Contains(t, flags[0], "META-7")
}

func TestIntentDisparityFlag(t *testing.T) {
	truncate(t)

	now := time.Now().UTC()
	// Intent average 1.5, overall average pulled up to 2.25 by other runs.
	insertHistory(t, "monitoring", "", ptr(1.5), nil, nil, now.Add(-time.Hour), nil)
	insertHistory(t, "monitoring", "", ptr(1.5), nil, nil, now.Add(-2*time.Hour), nil)
	insertHistory(t, "validating", "", ptr(3.0), nil, nil, now.Add(-3*time.Hour), nil)
	insertHistory(t, "validating", "", ptr(3.0), nil, nil, now.Add(-4*time.Hour), nil)

	tr := gatedTrace(trace.Options{Intent: "monitoring"}, map[string]any{
		"passed":        true,
		"overall_score": 1.5,
	})

	flags := analyzer.Check(context.Background(), tr)
	require.Len(t, flags, 1)
	assert.Contains(t, flags[0], "monitoring intent runs average 1.5")
}

func TestIntentWithinThresholdYieldsNoFlag(t *testing.T) {
	truncate(t)

	now := time.Now().UTC()
	// Intent average 2.0 vs overall 2.3 — inside the 0.5 margin.
	insertHistory(t, "monitoring", "", ptr(2.0), nil, nil, now.Add(-time.Hour), nil)
	insertHistory(t, "validating", "", ptr(2.6), nil, nil, now.Add(-2*time.Hour), nil)
	insertHistory(t, "validating", "", ptr(2.3), nil, nil, now.Add(-3*time.Hour), nil)

	tr := gatedTrace(trace.Options{Intent: "monitoring"}, map[string]any{
		"passed":        true,
		"overall_score": 2.0,
	})

	assert.Empty(t, analyzer.Check(context.Background(), tr))
}

func TestDomainDisparityFlag(t *testing.T) {
	truncate(t)

	now := time.Now().UTC()
	insertHistory(t, "", "robotics", ptr(1.0), nil, nil, now.Add(-time.Hour), nil)
	insertHistory(t, "", "energy", ptr(3.0), nil, nil, now.Add(-2*time.Hour), nil)
	insertHistory(t, "", "energy", ptr(3.0), nil, nil, now.Add(-3*time.Hour), nil)

	tr := gatedTrace(trace.Options{Domain: "robotics"}, map[string]any{
		"passed":        true,
		"overall_score": 1.0,
	})

	flags := analyzer.Check(context.Background(), tr)
	require.Len(t, flags, 1)
	assert.Contains(t, flags[0], "robotics domain runs average 1.0")
}

func TestQualityRegressionFlag(t *testing.T) {
	truncate(t)

	projectID := uuid.New()
	now := time.Now().UTC()
	insertHistory(t, "", "", ptr(2.8), ptr(true), nil, now.Add(-24*time.Hour), &projectID)

	tr := gatedTrace(trace.Options{
		ProjectID:   projectID.String(),
		ProjectName: "demo",
	}, map[string]any{
		"passed": false,
	})

	flags := analyzer.Check(context.Background(), tr)
	require.Len(t, flags, 1)
	assert.Contains(t, flags[0], "Quality regression detected for project demo")
}

func TestNoRegressionWhenPreviousAlsoFailed(t *testing.T) {
	truncate(t)

	projectID := uuid.New()
	now := time.Now().UTC()
	insertHistory(t, "", "", ptr(1.8), ptr(false), nil, now.Add(-24*time.Hour), &projectID)

	tr := gatedTrace(trace.Options{ProjectID: projectID.String()}, map[string]any{
		"passed": false,
	})

	assert.Empty(t, analyzer.Check(context.Background(), tr))
}

func TestChecksAreAdditive(t *testing.T) {
	truncate(t)

	projectID := uuid.New()
	now := time.Now().UTC()
	// History feeding the repeated-gap check.
	for i := 0; i < 3; i++ {
		insertHistory(t, "", "", nil, nil, []string{"META-12"}, now.Add(-time.Duration(i+1)*time.Hour), nil)
	}
	// History feeding the regression check.
	insertHistory(t, "", "", ptr(2.8), ptr(true), nil, now.Add(-24*time.Hour), &projectID)

	tr := gatedTrace(trace.Options{ProjectID: projectID.String(), ProjectName: "demo"}, map[string]any{
		"passed":         false,
		"gap_principles": []string{"META-12"},
	})

	flags := analyzer.Check(context.Background(), tr)
	require.Len(t, flags, 2, "one trace accumulates flags from independent checks")
}
