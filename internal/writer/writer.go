// Package writer persists finished traces.
//
// Two independent write paths: the full trace document as an indented
// JSON artifact under the data directory, and a flat metadata row in
// the traces table. Each may fail without affecting the other; the
// caller (runctx.Finish) isolates the failures.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ashita-ai/kiroku/internal/storage"
	"github.com/ashita-ai/kiroku/internal/trace"
)

// Writer persists traces to the filesystem and the row store.
type Writer struct {
	db      *storage.DB
	dataDir string
	logger  *slog.Logger
}

// New creates a Writer rooted at dataDir. db may be nil in file-only
// setups; WriteRow then reports an error the caller records.
func New(db *storage.DB, dataDir string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{db: db, dataDir: dataDir, logger: logger}
}

// ProjectDir returns the per-project directory for a trace, using the
// "unknown" bucket when the trace has no project affiliation.
func (w *Writer) ProjectDir(t *trace.Trace) string {
	project := t.ProjectName
	if project == "" {
		project = "unknown"
	}
	return filepath.Join(w.dataDir, "projects", project)
}

// WriteArtifact writes the full trace document as indented JSON to
// {data}/projects/{project}/_traces/{trace_id}.json and returns the
// path written. Values the JSON encoder cannot represent are stamped
// via a stringify fallback rather than failing the write.
func (w *Writer) WriteArtifact(t *trace.Trace) (string, error) {
	dir := filepath.Join(w.ProjectDir(t), "_traces")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("writer: create traces dir: %w", err)
	}

	path := filepath.Join(dir, t.ID+".json")
	data, err := json.MarshalIndent(sanitize(t.Document()), "", "  ")
	if err != nil {
		return "", fmt.Errorf("writer: marshal trace %s: %w", t.ID, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writer: write trace file: %w", err)
	}

	w.logger.Info("writer: trace file written", "trace_id", t.ID, "path", path)
	return path, nil
}

// WriteRow extracts the denormalized row projection and inserts it.
// Absent stages produce null projections, never errors.
func (w *Writer) WriteRow(ctx context.Context, t *trace.Trace) error {
	if w.db == nil {
		return fmt.Errorf("writer: no row store configured")
	}
	if err := w.db.InsertTraceRow(ctx, BuildRow(t)); err != nil {
		return err
	}
	w.logger.Info("writer: trace row written", "trace_id", t.ID)
	return nil
}

// sanitize walks a document and replaces any value json.Marshal cannot
// encode with its fmt.Sprint rendering, so one odd recorded value never
// loses the whole artifact.
func sanitize(v any) any {
	switch x := v.(type) {
	case nil, bool, string, int, int64, float64, float32:
		return x
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = sanitize(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = sanitize(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = sanitize(item)
		}
		return out
	case map[string]string, []string:
		return x
	default:
		if _, err := json.Marshal(x); err != nil {
			return fmt.Sprint(x)
		}
		return x
	}
}
