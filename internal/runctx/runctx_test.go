package runctx_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/runctx"
	"github.com/ashita-ai/kiroku/internal/trace"
	"github.com/ashita-ai/kiroku/internal/writer"
)

// fileFinisher builds a Finisher with no row store and no analyzer:
// only the artifact and summary writes run.
func fileFinisher(t *testing.T) *runctx.Finisher {
	t.Helper()
	w := writer.New(nil, t.TempDir(), nil)
	return runctx.NewFinisher(w, nil, nil, nil)
}

func TestStartBindsCurrent(t *testing.T) {
	ctx, rec := runctx.Start(context.Background(), trace.Options{Query: "q"}, true, nil)

	require.NotNil(t, rec)
	assert.Same(t, rec, runctx.Current(ctx))

	tr, ok := rec.(*trace.Trace)
	require.True(t, ok)
	assert.Equal(t, trace.StatusInProgress, tr.Status)
}

func TestStartDisabledBindsNoop(t *testing.T) {
	ctx, rec := runctx.Start(context.Background(), trace.Options{}, false, nil)

	_, isNoop := rec.(*trace.Noop)
	assert.True(t, isNoop)
	assert.Same(t, rec, runctx.Current(ctx))
}

func TestCurrentWithoutBinding(t *testing.T) {
	assert.Nil(t, runctx.Current(context.Background()))
}

func TestConcurrentRunsSeeOwnTrace(t *testing.T) {
	const runs = 16

	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			query := fmt.Sprintf("run-%d", i)
			ctx, rec := runctx.Start(context.Background(), trace.Options{Query: query}, true, nil)

			// Components deep in this run's call graph must see
			// this run's trace, not a neighbor's.
			got := runctx.Current(ctx)
			require.Same(t, rec, got)
			assert.Equal(t, query, got.(*trace.Trace).Query)
		}()
	}
	wg.Wait()
}

func TestFinishResult(t *testing.T) {
	f := fileFinisher(t)

	ctx, rec := runctx.Start(context.Background(), trace.Options{ProjectName: "demo"}, true, nil)
	tr := rec.(*trace.Trace)
	tr.StartStage(trace.StageIntake)
	tr.EndStage(trace.StageIntake, nil, "")
	tr.MarkComplete()

	res := f.Finish(ctx, rec)

	assert.True(t, res.Saved)
	assert.Equal(t, tr.ID, res.TraceID)
	assert.Equal(t, trace.StatusComplete, res.Status)
	assert.NoError(t, res.FileError)
	assert.FileExists(t, res.FilePath)
	assert.FileExists(t, res.SummaryPath)
	assert.Equal(t, res.FilePath, tr.Outputs["trace_file_path"], "artifact path stamped back into outputs")

	// No row store wired: the row write fails independently.
	require.Error(t, res.RowError)
	assert.False(t, res.RowSaved)

	assert.NotEmpty(t, res.Summary)
	assert.Contains(t, res.Summary, tr.ID)
}

func TestFinishWithNilOutputs(t *testing.T) {
	f := fileFinisher(t)

	ctx, rec := runctx.Start(context.Background(), trace.Options{}, true, nil)
	rec.SetOutputs(nil)
	rec.MarkComplete()

	var res runctx.Result
	require.NotPanics(t, func() { res = f.Finish(ctx, rec) })

	assert.FileExists(t, res.FilePath)
	tr := rec.(*trace.Trace)
	assert.Equal(t, res.FilePath, tr.Outputs["trace_file_path"])
}

func TestFinishDemotesInProgress(t *testing.T) {
	f := fileFinisher(t)

	ctx, rec := runctx.Start(context.Background(), trace.Options{}, true, nil)
	res := f.Finish(ctx, rec)

	assert.Equal(t, trace.StatusIncomplete, res.Status)
	assert.True(t, res.Saved)
}

func TestFinishClearsBinding(t *testing.T) {
	f := fileFinisher(t)

	ctx, rec := runctx.Start(context.Background(), trace.Options{}, true, nil)
	_ = f.Finish(ctx, rec)

	assert.Nil(t, runctx.Current(ctx))
}

func TestFinishNoop(t *testing.T) {
	f := fileFinisher(t)

	ctx, rec := runctx.Start(context.Background(), trace.Options{}, false, nil)
	res := f.Finish(ctx, rec)

	assert.False(t, res.Saved)
	assert.Equal(t, "tracing_disabled", res.Reason)
	assert.Empty(t, res.FilePath)
	assert.Nil(t, runctx.Current(ctx))
}

func TestFinishFileErrorIsIsolated(t *testing.T) {
	// A data dir that is a regular file makes MkdirAll fail.
	blocked := t.TempDir() + "/blocked"
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o644))

	f := runctx.NewFinisher(writer.New(nil, blocked, nil), nil, nil, nil)

	ctx, rec := runctx.Start(context.Background(), trace.Options{}, true, nil)
	rec.MarkComplete()
	res := f.Finish(ctx, rec)

	assert.True(t, res.Saved)
	require.Error(t, res.FileError)
	require.Error(t, res.RowError)
	assert.Equal(t, trace.StatusComplete, res.Status, "finish still returns a full result")
}

func TestRunMarksCompleteOnSuccess(t *testing.T) {
	f := fileFinisher(t)

	var seen trace.Recorder
	res, err := f.Run(context.Background(), trace.Options{Query: "q"}, true, func(ctx context.Context) error {
		seen = runctx.Current(ctx)
		seen.StartStage(trace.StageIntake)
		seen.EndStage(trace.StageIntake, nil, "")
		return nil
	})

	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, trace.StatusComplete, res.Status)
	assert.FileExists(t, res.FilePath)
}

func TestRunMarksFailedOnError(t *testing.T) {
	f := fileFinisher(t)

	boom := errors.New("collection exploded")
	res, err := f.Run(context.Background(), trace.Options{}, true, func(ctx context.Context) error {
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, trace.StatusFailed, res.Status)
	assert.True(t, res.Saved, "failed runs are still persisted")
}

func TestRunFinishesOnPanic(t *testing.T) {
	f := fileFinisher(t)

	var seen trace.Recorder
	var runCtx context.Context
	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r, "panic propagates to the caller")
			assert.Equal(t, "synthesis blew up", r)
		}()
		_, _ = f.Run(context.Background(), trace.Options{Query: "q"}, true, func(ctx context.Context) error {
			runCtx = ctx
			seen = runctx.Current(ctx)
			panic("synthesis blew up")
		})
	}()

	require.NotNil(t, seen)
	tr := seen.(*trace.Trace)
	assert.Equal(t, trace.StatusFailed, tr.Status)
	assert.Equal(t, "panic: synthesis blew up", tr.Outputs["error"])
	path, _ := tr.Outputs["trace_file_path"].(string)
	require.NotEmpty(t, path, "artifact persisted before the panic re-raises")
	assert.FileExists(t, path)
	assert.Nil(t, runctx.Current(runCtx), "binding cleared")
}

func TestRunRespectsExplicitTerminalStatus(t *testing.T) {
	f := fileFinisher(t)

	res, err := f.Run(context.Background(), trace.Options{}, true, func(ctx context.Context) error {
		runctx.Current(ctx).MarkFailed("gate gave up")
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, trace.StatusFailed, res.Status, "explicit terminal call wins over the wrapper default")
}
