package mcp

import (
	"context"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/testutil"
)

func request(args map[string]any) mcplib.CallToolRequest {
	var req mcplib.CallToolRequest
	req.Params.Arguments = args
	return req
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 1, clampLimit(0))
	assert.Equal(t, 1, clampLimit(-5))
	assert.Equal(t, 1, clampLimit(1))
	assert.Equal(t, 20, clampLimit(20))
	assert.Equal(t, 50, clampLimit(50))
	assert.Equal(t, 50, clampLimit(500))
}

// Required-parameter validation runs before any query, so these handlers
// are exercisable without a database behind the service.
func TestHandlersRejectMissingRequiredParams(t *testing.T) {
	s := New(nil, 0, testutil.TestLogger())

	tests := []struct {
		name    string
		handler func(context.Context, mcplib.CallToolRequest) (*mcplib.CallToolResult, error)
		args    map[string]any
	}{
		{"compare without ids", s.handleCompare, nil},
		{"compare with one id", s.handleCompare, map[string]any{"trace_id_a": "trc_x"}},
		{"intent without value", s.handleByIntent, nil},
		{"domain without value", s.handleByDomain, nil},
		{"full without trace id", s.handleFull, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.handler(context.Background(), request(tt.args))
			require.NoError(t, err, "validation failures surface as tool errors, not transport errors")
			require.NotNil(t, result)
			assert.True(t, result.IsError)
		})
	}
}

func TestQueryCtxAppliesTimeout(t *testing.T) {
	s := New(nil, time.Second, testutil.TestLogger())
	ctx, cancel := s.queryCtx(context.Background())
	defer cancel()

	_, ok := ctx.Deadline()
	assert.True(t, ok, "configured timeout bounds tool queries")

	unbounded := New(nil, 0, testutil.TestLogger())
	ctx, cancel = unbounded.queryCtx(context.Background())
	defer cancel()

	_, ok = ctx.Deadline()
	assert.False(t, ok)
}

func TestResultHelpers(t *testing.T) {
	res := textResult("hello")
	require.Len(t, res.Content, 1)
	assert.False(t, res.IsError)

	res = errorResult("boom")
	assert.True(t, res.IsError)

	res, err := jsonResult(map[string]any{"total_runs": 3})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, `"total_runs": 3`)
}
