package trace

// Recorder is the recording API shared by Trace and the no-op variant.
// Instrumentation call-sites depend on this interface so disabled
// tracing needs no conditional guards.
type Recorder interface {
	StartStage(name string)
	EndStage(name string, outputs map[string]any, errMsg string)
	Record(stageName, decisionType string, data DecisionData)
	RecordEvidence(stageName string, evidence map[string]any)
	RecordPrompts(stageName string, prompts map[string]string)
	RecordIteration(data map[string]any)
	SetOutputs(outputs map[string]any)
	MarkComplete()
	MarkFailed(errMsg string)
	MarkIncomplete()
}

var (
	_ Recorder = (*Trace)(nil)
	_ Recorder = (*Noop)(nil)
)

// Noop is a Recorder whose every call is a true no-op. Returned by
// runctx.Start when tracing is disabled.
type Noop struct{}

func (Noop) StartStage(string)                       {}
func (Noop) EndStage(string, map[string]any, string) {}
func (Noop) Record(string, string, DecisionData)     {}
func (Noop) RecordEvidence(string, map[string]any)   {}
func (Noop) RecordPrompts(string, map[string]string) {}
func (Noop) RecordIteration(map[string]any)          {}
func (Noop) SetOutputs(map[string]any)               {}
func (Noop) MarkComplete()                           {}
func (Noop) MarkFailed(string)                       {}
func (Noop) MarkIncomplete()                         {}
