// Package trace defines the in-memory trace model for one pipeline run.
//
// A Trace is the aggregate root: ordered stages, decisions, evidence,
// iteration history, and lifecycle status. All recording methods are
// synchronous and in-memory; persistence lives in internal/writer.
// A Trace is owned by exactly one logical run — concurrent mutation of
// the same Trace from multiple runs is out of contract.
package trace

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion identifies the serialized trace document format.
const SchemaVersion = 1

// Generator tags serialized documents with the producing system.
const Generator = "kiroku-observability-v1"

// Status is the lifecycle state of a trace.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusIncomplete Status = "incomplete"

	// StatusDisabled is only ever carried by the no-op trace.
	StatusDisabled Status = "disabled"
)

// Stage names the writer and analyzer project into row columns.
const (
	StageIntake      = "intake"
	StageRubric      = "rubric"
	StageCollection  = "collection"
	StageSynthesis   = "synthesis"
	StageQualityGate = "quality_gate"
)

// Decision is one recorded judgment made by a pipeline component.
// Immutable once created; owned by its parent stage.
type Decision struct {
	Decision     string         `json:"decision"`
	What         any            `json:"what"`
	Why          string         `json:"why"`
	Confidence   float64        `json:"confidence"`
	Alternatives []string       `json:"alternatives_considered"`
	Inputs       map[string]any `json:"inputs"`
	Timestamp    time.Time      `json:"timestamp"`
}

// DecisionData carries the caller-supplied fields for Record.
// A nil Confidence defaults to 1.0.
type DecisionData struct {
	What         any
	Why          string
	Confidence   *float64
	Alternatives []string
	Inputs       map[string]any
}

// Stage is one named phase of the run. StartedAt is nil when the stage
// was implicitly created by a recording call without StartStage.
type Stage struct {
	Name            string            `json:"name"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	DurationSeconds *float64          `json:"duration_seconds,omitempty"`
	Decisions       []Decision        `json:"decisions"`
	Outputs         map[string]any    `json:"outputs"`
	Evidence        map[string]any    `json:"evidence"`
	Prompts         map[string]string `json:"prompts"`
	Error           *string           `json:"error,omitempty"`
}

// Trace is the full recorded history of one pipeline run.
type Trace struct {
	ID          string
	ProjectID   string // optional UUID string; empty when the run has no project
	ProjectName string

	// Run metadata.
	Query        string
	Intent       string
	Domain       string
	ReportType   string
	ResearchType string

	// Timing.
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64

	Status Status

	// Stages by name; stageOrder preserves first-touch order for iteration.
	Stages     map[string]*Stage
	stageOrder []string

	// Iteration history for retry loops. IterationCount tracks the length
	// of Iterations; GateFailures counts iterations that did not pass.
	// The two are never reconciled against quality-gate stage data.
	Iterations     []map[string]any
	IterationCount int
	GateFailures   int

	Outputs     map[string]any
	ChildTraces []map[string]any

	// Monotonic instants for duration computation. Never serialized.
	startMono      time.Time
	stageStartMono map[string]time.Time

	logger *slog.Logger
}

// Options carries the run metadata supplied at trace creation.
type Options struct {
	ProjectID    string
	ProjectName  string
	Query        string
	Intent       string
	Domain       string
	ReportType   string
	ResearchType string
}

// NewID returns a sortable, collision-resistant trace identifier:
// "trc_" + UTC date + time + 8 hex chars of randomness.
func NewID(now time.Time) string {
	u := uuid.New()
	return fmt.Sprintf("trc_%s_%s", now.UTC().Format("20060102_150405"), hex.EncodeToString(u[:4]))
}

// New creates a Trace in status in_progress with its start clock running.
func New(opts Options, logger *slog.Logger) *Trace {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	started := now.UTC()
	return &Trace{
		ID:             NewID(now),
		ProjectID:      opts.ProjectID,
		ProjectName:    opts.ProjectName,
		Query:          opts.Query,
		Intent:         opts.Intent,
		Domain:         opts.Domain,
		ReportType:     opts.ReportType,
		ResearchType:   opts.ResearchType,
		StartedAt:      &started,
		Status:         StatusInProgress,
		Stages:         make(map[string]*Stage),
		Outputs:        make(map[string]any),
		startMono:      now,
		stageStartMono: make(map[string]time.Time),
		logger:         logger,
	}
}

// stage returns the named stage, creating it without a start timestamp
// if it was never explicitly started.
func (t *Trace) stage(name string) *Stage {
	if s, ok := t.Stages[name]; ok {
		return s
	}
	t.logger.Debug("trace: stage implicitly created without start", "trace_id", t.ID, "stage", name)
	s := &Stage{Name: name}
	t.Stages[name] = s
	t.stageOrder = append(t.stageOrder, name)
	return s
}

// StartStage marks the start of a pipeline stage. Re-starting an
// existing stage resets it.
func (t *Trace) StartStage(name string) {
	now := time.Now()
	started := now.UTC()
	if _, ok := t.Stages[name]; !ok {
		t.stageOrder = append(t.stageOrder, name)
	}
	t.Stages[name] = &Stage{Name: name, StartedAt: &started}
	t.stageStartMono[name] = now
}

// EndStage marks the end of a pipeline stage. Ending a stage that was
// never recorded against is caller misuse: it logs a warning and does
// nothing, and never creates a phantom completed stage.
func (t *Trace) EndStage(name string, outputs map[string]any, errMsg string) {
	s, ok := t.Stages[name]
	if !ok {
		t.logger.Warn("trace: end_stage called for unstarted stage", "trace_id", t.ID, "stage", name)
		return
	}
	completed := time.Now().UTC()
	s.CompletedAt = &completed
	if start, ok := t.stageStartMono[name]; ok {
		d := time.Since(start).Seconds()
		s.DurationSeconds = &d
	}
	if len(outputs) > 0 {
		s.Outputs = outputs
	}
	if errMsg != "" {
		s.Error = &errMsg
	}
}

// Record appends a decision to the named stage, auto-creating the stage
// if absent.
func (t *Trace) Record(stageName, decisionType string, data DecisionData) {
	confidence := 1.0
	if data.Confidence != nil {
		confidence = *data.Confidence
	}
	alternatives := data.Alternatives
	if alternatives == nil {
		alternatives = []string{}
	}
	inputs := data.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	s := t.stage(stageName)
	s.Decisions = append(s.Decisions, Decision{
		Decision:     decisionType,
		What:         data.What,
		Why:          data.Why,
		Confidence:   confidence,
		Alternatives: alternatives,
		Inputs:       inputs,
		Timestamp:    time.Now().UTC(),
	})
}

// RecordEvidence replaces the stage's evidence map (collected, filtered,
// kept counts and the like), auto-creating the stage if absent.
func (t *Trace) RecordEvidence(stageName string, evidence map[string]any) {
	t.stage(stageName).Evidence = evidence
}

// RecordPrompts replaces the stage's prompt-text map, auto-creating the
// stage if absent.
func (t *Trace) RecordPrompts(stageName string, prompts map[string]string) {
	t.stage(stageName).Prompts = prompts
}

// RecordIteration appends one retry-loop iteration record. GateFailures
// increments when the record carries a falsy "passed" value — false,
// nil, zero, or an empty string. An absent key counts as passed.
func (t *Trace) RecordIteration(data map[string]any) {
	t.Iterations = append(t.Iterations, data)
	t.IterationCount = len(t.Iterations)
	if v, ok := data["passed"]; ok && !truthy(v) {
		t.GateFailures++
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}

// SetOutputs replaces the trace-level output map.
func (t *Trace) SetOutputs(outputs map[string]any) {
	t.Outputs = outputs
}

func (t *Trace) finish(status Status) {
	t.Status = status
	completed := time.Now().UTC()
	t.CompletedAt = &completed
	if !t.startMono.IsZero() {
		d := time.Since(t.startMono).Seconds()
		t.DurationSeconds = &d
	}
}

// MarkComplete marks the trace as successfully completed.
func (t *Trace) MarkComplete() { t.finish(StatusComplete) }

// MarkFailed marks the trace as failed and stores the error in outputs.
func (t *Trace) MarkFailed(errMsg string) {
	t.finish(StatusFailed)
	if t.Outputs == nil {
		t.Outputs = make(map[string]any)
	}
	t.Outputs["error"] = errMsg
}

// MarkIncomplete marks the trace as ended without an explicit terminal
// call (partial data is still persisted).
func (t *Trace) MarkIncomplete() { t.finish(StatusIncomplete) }

// StageNames returns stage names in first-touch order.
func (t *Trace) StageNames() []string {
	names := make([]string, len(t.stageOrder))
	copy(names, t.stageOrder)
	return names
}
