// Package kiroku is the public API for embedding the trace recording
// layer in a research pipeline.
//
// A pipeline host constructs an App once, then wraps each logical run:
//
//	app, err := kiroku.New(ctx, version, logger)
//	if err != nil { ... }
//	defer app.Close()
//
//	result, err := app.Run(ctx, kiroku.Options{Query: q, Intent: "validating"},
//	    func(ctx context.Context) error {
//	        if rec := kiroku.Current(ctx); rec != nil {
//	            rec.StartStage("intake")
//	        }
//	        return doResearch(ctx)
//	    })
//
// The import graph enforces a strict no-cycle rule: kiroku (root)
// imports internal/*, but internal/* never imports kiroku. The aliases
// below are the only names a consumer needs.
package kiroku

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kiroku/internal/calibrate"
	"github.com/ashita-ai/kiroku/internal/config"
	"github.com/ashita-ai/kiroku/internal/query"
	"github.com/ashita-ai/kiroku/internal/runctx"
	"github.com/ashita-ai/kiroku/internal/storage"
	"github.com/ashita-ai/kiroku/internal/telemetry"
	"github.com/ashita-ai/kiroku/internal/trace"
	"github.com/ashita-ai/kiroku/internal/writer"
	"github.com/ashita-ai/kiroku/migrations"
)

// Options carries the run metadata supplied when a trace starts.
type Options = trace.Options

// Recorder is the recording surface bound to a run's context.
type Recorder = trace.Recorder

// Result reports what finishing a run managed to persist.
type Result = runctx.Result

// App wires the recording and query stacks from environment
// configuration. Construct with New(), release with Close().
type App struct {
	cfg          config.Config
	db           *storage.DB
	queries      *query.Service
	finisher     *runctx.Finisher
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
}

// New connects to the trace store, runs migrations, and wires the
// writer, calibration analyzer, and finisher from environment
// configuration (KIROKU_* variables, DATABASE_URL).
func New(ctx context.Context, version string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger.Info("kiroku starting", "version", version, "data_dir", cfg.DataDir, "tracing", cfg.TracingEnabled)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	queries := query.New(db, logger)
	analyzer := calibrate.New(queries, cfg.GapWindowDays, logger)
	finisher := runctx.NewFinisher(writer.New(db, cfg.DataDir, logger), analyzer, db, logger)
	finisher.Verbose = cfg.VerboseSummary

	return &App{
		cfg:          cfg,
		db:           db,
		queries:      queries,
		finisher:     finisher,
		otelShutdown: otelShutdown,
		logger:       logger,
	}, nil
}

// Start binds a fresh trace to the returned context, honoring the
// KIROKU_TRACING toggle: with tracing off the binding carries a no-op
// recorder. The caller owns calling Finish.
func (a *App) Start(ctx context.Context, opts Options) (context.Context, Recorder) {
	return runctx.Start(ctx, opts, a.cfg.TracingEnabled, a.logger)
}

// Current returns the recorder bound to the calling run's context, or
// nil when none is bound. Never panics.
func Current(ctx context.Context) Recorder {
	return runctx.Current(ctx)
}

// Finish completes a run started with Start: persists the trace, renders
// its summary, runs calibration, and clears the binding.
func (a *App) Finish(ctx context.Context, rec Recorder) Result {
	return a.finisher.Finish(ctx, rec)
}

// Run executes fn inside a fresh trace binding and guarantees Finish on
// every exit path.
func (a *App) Run(ctx context.Context, opts Options, fn func(ctx context.Context) error) (Result, error) {
	return a.finisher.Run(ctx, opts, a.cfg.TracingEnabled, fn)
}

// Queries exposes the read-side query service.
func (a *App) Queries() *query.Service {
	return a.queries
}

// Config returns the resolved configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Close releases the database pool and flushes telemetry.
func (a *App) Close() {
	a.db.Close()
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}
