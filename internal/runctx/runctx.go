// Package runctx binds "the active trace" to a logical run.
//
// The binding rides the context.Context of the run, so components deep
// in a call graph reach their own trace without parameter threading,
// and concurrently scheduled runs never observe each other's trace.
// The binding is held behind a small mutable cell so Finish can clear
// it for everything still holding the run's context.
package runctx

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ashita-ai/kiroku/internal/trace"
)

type ctxKey struct{}

// binding is the per-run cell the context points at. Finish nils the
// recorder out; Current reads through the same cell.
type binding struct {
	mu  sync.Mutex
	rec trace.Recorder
}

func (b *binding) get() trace.Recorder {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rec
}

func (b *binding) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rec = nil
}

// Start creates a trace for a new logical run and binds it as current
// on the returned context. With enabled false the binding carries the
// no-op recorder, so instrumentation call sites need no guards.
func Start(ctx context.Context, opts trace.Options, enabled bool, logger *slog.Logger) (context.Context, trace.Recorder) {
	if logger == nil {
		logger = slog.Default()
	}

	var rec trace.Recorder
	if enabled {
		t := trace.New(opts, logger)
		logger.Info("runctx: trace started", "trace_id", t.ID)
		rec = t
	} else {
		rec = &trace.Noop{}
	}
	return context.WithValue(ctx, ctxKey{}, &binding{rec: rec}), rec
}

// Current returns the recorder bound to the calling run's context, or
// nil when none is bound (or the run already finished). Never panics.
func Current(ctx context.Context) trace.Recorder {
	b, ok := ctx.Value(ctxKey{}).(*binding)
	if !ok {
		return nil
	}
	return b.get()
}

func clearBinding(ctx context.Context) {
	if b, ok := ctx.Value(ctxKey{}).(*binding); ok {
		b.clear()
	}
}
