// Command kiroku serves the trace query tools over MCP.
//
// The recording side (trace model, run context, writer) is a library
// consumed by the pipeline via the root kiroku package; this binary
// exposes the read side to MCP-compatible agents over stdio.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kiroku"
	"github.com/ashita-ai/kiroku/internal/mcp"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Info until the configured level is known; run() adjusts it.
	lvl := new(slog.LevelVar)
	// Logs go to stderr: stdout carries the MCP stdio transport.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, lvl); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger, lvl *slog.LevelVar) error {
	app, err := kiroku.New(ctx, version, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	cfg := app.Config()
	lvl.Set(cfg.Level())

	mcpSrv := mcp.New(app.Queries(), cfg.QueryTimeout, logger)

	logger.Info("kiroku mcp server listening on stdio")
	if err := mcpserver.ServeStdio(mcpSrv.MCPServer()); err != nil {
		return fmt.Errorf("mcp: %w", err)
	}
	return nil
}
