// Package mcp implements the Model Context Protocol server for Kiroku.
//
// The MCP server exposes the read-side trace queries as tools, so
// MCP-compatible agents can inspect pipeline run history, compare
// runs, and review calibration flags.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kiroku/internal/query"
)

// Server wraps the MCP server with Kiroku's query service.
type Server struct {
	mcpServer    *mcpserver.MCPServer
	queries      *query.Service
	queryTimeout time.Duration
	logger       *slog.Logger
}

// New creates and configures a new MCP server with all trace tools.
// queryTimeout bounds each tool's database work; zero means no bound.
func New(queries *query.Service, queryTimeout time.Duration, logger *slog.Logger) *Server {
	s := &Server{
		queries:      queries,
		queryTimeout: queryTimeout,
		logger:       logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kiroku",
		"0.1.0",
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	// trace_summary — aggregate stats across all runs.
	s.mcpServer.AddTool(
		mcplib.NewTool("trace_summary",
			mcplib.WithDescription("Get aggregate stats across all trace runs: total runs, pass/fail counts, average quality, average cost"),
		),
		s.handleSummary,
	)

	// trace_failures — recent quality gate failures.
	s.mcpServer.AddTool(
		mcplib.NewTool("trace_failures",
			mcplib.WithDescription("Get recent quality gate failures with scores and gap principles, most recent first"),
			mcplib.WithNumber("limit", mcplib.Description("Maximum number of failures to return")),
		),
		s.handleFailures,
	)

	// trace_compare — side-by-side comparison of two traces.
	s.mcpServer.AddTool(
		mcplib.NewTool("trace_compare",
			mcplib.WithDescription("Compare two traces side-by-side: quality delta, cost delta, duration delta, gap principle differences"),
			mcplib.WithString("trace_id_a", mcplib.Description("First trace ID to compare"), mcplib.Required()),
			mcplib.WithString("trace_id_b", mcplib.Description("Second trace ID to compare"), mcplib.Required()),
		),
		s.handleCompare,
	)

	// traces_by_intent — dimension filter on intent.
	s.mcpServer.AddTool(
		mcplib.NewTool("traces_by_intent",
			mcplib.WithDescription("Filter complete traces by intent type (validating, exploring, comparing, monitoring)"),
			mcplib.WithString("intent", mcplib.Description("Intent type to filter by"), mcplib.Required()),
			mcplib.WithNumber("limit", mcplib.Description("Maximum number of traces to return")),
		),
		s.handleByIntent,
	)

	// traces_by_domain — dimension filter on domain.
	s.mcpServer.AddTool(
		mcplib.NewTool("traces_by_domain",
			mcplib.WithDescription("Filter complete traces by domain (e.g. edtech, robotics, fintech)"),
			mcplib.WithString("domain", mcplib.Description("Domain to filter by"), mcplib.Required()),
			mcplib.WithNumber("limit", mcplib.Description("Maximum number of traces to return")),
		),
		s.handleByDomain,
	)

	// traces_flagged — calibration review queue.
	s.mcpServer.AddTool(
		mcplib.NewTool("traces_flagged",
			mcplib.WithDescription("Get traces flagged for calibration review, where calibration patterns were detected"),
			mcplib.WithNumber("limit", mcplib.Description("Maximum number of flagged traces to return")),
		),
		s.handleFlagged,
	)

	// trace_patterns — recurring gap principles.
	s.mcpServer.AddTool(
		mcplib.NewTool("trace_patterns",
			mcplib.WithDescription("Find principles that recur as quality gaps across complete runs, sorted by failure count"),
			mcplib.WithNumber("min_runs", mcplib.Description("Minimum number of runs a principle must appear in")),
		),
		s.handlePatterns,
	)

	// trace_full — full trace document by ID.
	s.mcpServer.AddTool(
		mcplib.NewTool("trace_full",
			mcplib.WithDescription("Get the full trace document for a trace ID, including all stages, decisions, and evidence"),
			mcplib.WithString("trace_id", mcplib.Description("Trace ID to retrieve"), mcplib.Required()),
		),
		s.handleFull,
	)
}

func (s *Server) handleSummary(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	sum, err := s.queries.Summary(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("summary query failed: %v", err)), nil
	}
	return jsonResult(sum)
}

func (s *Server) handleFailures(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := clampLimit(request.GetInt("limit", 10))
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	results, err := s.queries.QualityGateFailures(ctx, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("failures query failed: %v", err)), nil
	}
	if len(results) == 0 {
		return textResult("No quality gate failures found."), nil
	}
	return jsonResult(results)
}

func (s *Server) handleCompare(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	traceA := request.GetString("trace_id_a", "")
	traceB := request.GetString("trace_id_b", "")
	if traceA == "" || traceB == "" {
		return errorResult("trace_id_a and trace_id_b are required"), nil
	}

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	cmp, err := s.queries.Compare(ctx, traceA, traceB)
	if err != nil {
		return errorResult(fmt.Sprintf("compare failed: %v", err)), nil
	}
	return jsonResult(cmp)
}

func (s *Server) handleByIntent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	intent := request.GetString("intent", "")
	if intent == "" {
		return errorResult("intent is required"), nil
	}
	limit := clampLimit(request.GetInt("limit", 20))
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	results, err := s.queries.ByIntent(ctx, intent, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("intent query failed: %v", err)), nil
	}
	if len(results) == 0 {
		return textResult(fmt.Sprintf("No traces found for intent %q.", intent)), nil
	}
	return jsonResult(results)
}

func (s *Server) handleByDomain(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	domain := request.GetString("domain", "")
	if domain == "" {
		return errorResult("domain is required"), nil
	}
	limit := clampLimit(request.GetInt("limit", 20))
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	results, err := s.queries.ByDomain(ctx, domain, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("domain query failed: %v", err)), nil
	}
	if len(results) == 0 {
		return textResult(fmt.Sprintf("No traces found for domain %q.", domain)), nil
	}
	return jsonResult(results)
}

func (s *Server) handleFlagged(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := clampLimit(request.GetInt("limit", 20))
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	results, err := s.queries.FlaggedForReview(ctx, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("flagged query failed: %v", err)), nil
	}
	if len(results) == 0 {
		return textResult("No traces flagged for review."), nil
	}
	return jsonResult(results)
}

func (s *Server) handlePatterns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	minRuns := request.GetInt("min_runs", 3)
	if minRuns < 1 {
		minRuns = 1
	}

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	patterns, err := s.queries.PrinciplePatterns(ctx, minRuns)
	if err != nil {
		return errorResult(fmt.Sprintf("patterns query failed: %v", err)), nil
	}
	if len(patterns) == 0 {
		return textResult("No recurring gap patterns found."), nil
	}
	return jsonResult(patterns)
}

func (s *Server) handleFull(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	traceID := request.GetString("trace_id", "")
	if traceID == "" {
		return errorResult("trace_id is required"), nil
	}

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	doc, err := s.queries.FullTrace(ctx, traceID)
	if err != nil {
		return errorResult(fmt.Sprintf("trace lookup failed: %v", err)), nil
	}
	if doc == nil {
		return textResult(fmt.Sprintf("Trace %q not found.", traceID)), nil
	}
	return jsonResult(doc)
}

// queryCtx derives the bounded context every tool query runs under.
func (s *Server) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

// clampLimit keeps tool-supplied limits in the 1..50 range.
func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > 50 {
		return 50
	}
	return limit
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return textResult(string(data)), nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
