package runctx

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kiroku/internal/calibrate"
	"github.com/ashita-ai/kiroku/internal/storage"
	"github.com/ashita-ai/kiroku/internal/summary"
	"github.com/ashita-ai/kiroku/internal/telemetry"
	"github.com/ashita-ai/kiroku/internal/trace"
	"github.com/ashita-ai/kiroku/internal/writer"
)

// Result reports what Finish managed to persist. The two write paths
// and the post-persist steps are independent: any of the error fields
// may be set while the rest of the result is still populated.
type Result struct {
	TraceID string       `json:"trace_id,omitempty"`
	Status  trace.Status `json:"status,omitempty"`

	// Saved is false only for the disabled-tracing no-op finish.
	Saved  bool   `json:"saved"`
	Reason string `json:"reason,omitempty"`

	FilePath  string `json:"file_path,omitempty"`
	FileError error  `json:"-"`
	RowSaved  bool   `json:"row_saved"`
	RowError  error  `json:"-"`

	Summary     string `json:"summary,omitempty"`
	SummaryPath string `json:"summary_path,omitempty"`

	Flags            []string `json:"calibration_flags"`
	FlaggedForReview bool     `json:"flagged_for_review"`
}

// Finisher drives the end-of-run sequence: terminal status, the two
// persistence writes, summary rendering, and calibration analysis —
// each step fault-isolated so one failure never suppresses the rest.
type Finisher struct {
	writer   *writer.Writer
	analyzer *calibrate.Analyzer
	db       *storage.DB
	logger   *slog.Logger

	finishedRuns metric.Int64Counter
	runDuration  metric.Float64Histogram

	// Verbose switches the rendered summary from the compact
	// scorecard to the full stage breakdown.
	Verbose bool
}

// NewFinisher wires the finish sequence. analyzer and db may be nil;
// the calibration and review-flag steps are then skipped.
func NewFinisher(w *writer.Writer, analyzer *calibrate.Analyzer, db *storage.DB, logger *slog.Logger) *Finisher {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("kiroku/runctx")
	finished, _ := meter.Int64Counter("kiroku.runs.finished",
		metric.WithDescription("Finished pipeline runs by terminal status"),
	)
	duration, _ := meter.Float64Histogram("kiroku.run.duration",
		metric.WithDescription("End-to-end pipeline run duration (s)"),
		metric.WithUnit("s"),
	)
	return &Finisher{
		writer:       w,
		analyzer:     analyzer,
		db:           db,
		logger:       logger,
		finishedRuns: finished,
		runDuration:  duration,
	}
}

// Finish completes a run: demotes a still-in-progress trace to
// incomplete, persists it, renders its summary, runs calibration, and
// clears the run's binding. Always clears the binding, and never
// returns an error — failures land in the Result's error fields.
func (f *Finisher) Finish(ctx context.Context, rec trace.Recorder) Result {
	defer clearBinding(ctx)

	t, ok := rec.(*trace.Trace)
	if !ok || t == nil {
		return Result{Saved: false, Reason: "tracing_disabled", Flags: []string{}}
	}

	if t.Status == trace.StatusInProgress {
		t.MarkIncomplete()
	}
	res := Result{TraceID: t.ID, Status: t.Status, Saved: true, Flags: []string{}}

	if path, err := f.writer.WriteArtifact(t); err != nil {
		f.logger.Error("runctx: trace file write failed", "trace_id", t.ID, "error", err)
		res.FileError = err
	} else {
		res.FilePath = path
		// Stamped back so the row write records where the artifact went.
		// Outputs may be nil after SetOutputs(nil).
		if t.Outputs == nil {
			t.Outputs = make(map[string]any)
		}
		t.Outputs["trace_file_path"] = path
	}

	if err := f.writer.WriteRow(ctx, t); err != nil {
		f.logger.Error("runctx: trace row write failed", "trace_id", t.ID, "error", err)
		res.RowError = err
	} else {
		res.RowSaved = true
	}

	if f.Verbose {
		res.Summary = summary.Verbose(t)
	} else {
		res.Summary = summary.Compact(t)
	}
	if path, err := summary.WriteFile(t, f.writer.ProjectDir(t)); err != nil {
		f.logger.Error("runctx: summary file write failed", "trace_id", t.ID, "error", err)
	} else {
		res.SummaryPath = path
	}

	f.calibrate(ctx, t, &res)

	f.finishedRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(t.Status))))
	if t.DurationSeconds != nil {
		f.runDuration.Record(ctx, *t.DurationSeconds)
	}

	f.logger.Info("runctx: trace finished", "trace_id", t.ID, "status", t.Status)
	return res
}

// calibrate runs the flag checks and, when any fire, flips the review
// flag and appends to the project's alert log. Both follow-ups are
// individually fault-isolated.
func (f *Finisher) calibrate(ctx context.Context, t *trace.Trace, res *Result) {
	if f.analyzer == nil {
		return
	}
	flags := f.analyzer.Check(ctx, t)
	res.Flags = flags
	if len(flags) == 0 {
		return
	}
	for _, msg := range flags {
		f.logger.Warn("runctx: calibration flag", "trace_id", t.ID, "flag", msg)
	}

	if f.db != nil {
		if err := f.db.FlagForReview(ctx, t.ID); err != nil {
			f.logger.Error("runctx: flag for review failed", "trace_id", t.ID, "error", err)
		} else {
			res.FlaggedForReview = true
		}
	}

	if _, err := summary.AppendAlerts(t, f.writer.ProjectDir(t), flags); err != nil {
		f.logger.Error("runctx: calibration alert append failed", "trace_id", t.ID, "error", err)
	}
}

// Run executes fn inside a fresh trace binding and guarantees Finish
// on every exit path. A nil fn error marks the trace complete; a
// non-nil error marks it failed and is returned alongside the finish
// result. A panic inside fn is persisted as a failed trace and then
// re-raised.
func (f *Finisher) Run(ctx context.Context, opts trace.Options, enabled bool, fn func(ctx context.Context) error) (Result, error) {
	ctx, rec := Start(ctx, opts, enabled, f.logger)

	defer func() {
		if r := recover(); r != nil {
			if t, ok := rec.(*trace.Trace); ok && t.Status == trace.StatusInProgress {
				t.MarkFailed(fmt.Sprintf("panic: %v", r))
			}
			f.Finish(ctx, rec)
			panic(r)
		}
	}()

	err := fn(ctx)
	if t, ok := rec.(*trace.Trace); ok && t.Status == trace.StatusInProgress {
		if err != nil {
			t.MarkFailed(err.Error())
		} else {
			t.MarkComplete()
		}
	}
	return f.Finish(ctx, rec), err
}
