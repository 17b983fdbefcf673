package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/thinkflow/internal/apperr"
	"github.com/joescharf/thinkflow/internal/engine"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	e := engine.New(engine.DefaultConfig())
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return NewServer(engine.WithTiming(e, nil), "test")
}

// callToolReq builds a CallToolRequest for direct handler invocation.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), target))
}

// resultCode parses a tool error body and returns its code.
func resultCode(t *testing.T, result *mcpgo.CallToolResult) apperr.Code {
	t.Helper()
	require.True(t, result.IsError, "expected tool error, got %s", resultText(t, result))
	var body apperr.Error
	resultJSON(t, result, &body)
	return body.Code
}

func TestNewServer(t *testing.T) {
	srv := newTestServer(t)
	require.NotNil(t, srv.MCPServer())
}

func TestThreeCallWorkflow(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	res, err := srv.handleDiscover(ctx, callToolReq("discover_techniques", map[string]any{"problem": "slow onboarding"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "disney_method")

	res, err = srv.handlePlan(ctx, callToolReq("plan_thinking_session", map[string]any{
		"problem":    "slow onboarding",
		"techniques": []any{"disney_method"},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	var plan struct {
		PlanID string `json:"plan_id"`
	}
	resultJSON(t, res, &plan)
	require.NotEmpty(t, plan.PlanID)

	var step struct {
		SessionID      string `json:"session_id"`
		Status         string `json:"status"`
		NextStepNeeded bool   `json:"next_step_needed"`
	}
	for i, out := range []string{"dream", "plan", "critique"} {
		res, err = srv.handleExecute(ctx, callToolReq("execute_thinking_step", map[string]any{
			"planId":         plan.PlanID,
			"currentStep":    i + 1,
			"output":         out,
			"nextStepNeeded": i < 2,
			"payload":        map[string]any{"kind": "disney_method", "disney": map[string]any{"role": "dreamer"}},
		}))
		require.NoError(t, err)
		require.False(t, res.IsError, resultText(t, res))
		resultJSON(t, res, &step)
	}
	assert.Equal(t, "completed", step.Status)
	assert.False(t, step.NextStepNeeded)

	res, err = srv.handleGetSession(ctx, callToolReq("get_session", map[string]any{"sessionId": step.SessionID}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "critique")
}

func TestExecute_SkippedDiscovery(t *testing.T) {
	srv := newTestServer(t)

	res, err := srv.handleExecute(context.Background(), callToolReq("execute_thinking_step", map[string]any{
		"planId":         "plan-forged",
		"technique":      "six_hats",
		"output":         "x",
		"nextStepNeeded": true,
	}))
	require.NoError(t, err)
	assert.Equal(t, apperr.CodeSkippedDiscovery, resultCode(t, res))
	assert.Contains(t, resultText(t, res), "suggestions")
}

func TestMissingParameters(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		handler func(context.Context, mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error)
	}{
		{"discover_techniques", srv.handleDiscover},
		{"get_session", srv.handleGetSession},
		{"delete_session", srv.handleDeleteSession},
		{"mark_session_complete", srv.handleMarkComplete},
		{"mark_session_failed", srv.handleMarkFailed},
		{"get_group_progress", srv.handleGroupProgress},
		{"get_group_results", srv.handleGroupResults},
		{"converge_group", srv.handleConverge},
		{"check_workflow_violation", srv.handleCheckViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.handler(ctx, callToolReq(tt.name, nil))
			require.NoError(t, err)
			assert.Equal(t, apperr.CodeInvalidArgument, resultCode(t, res))
		})
	}
}

func TestParallelGroupTools(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	res, err := srv.handleCreateGroup(ctx, callToolReq("create_parallel_group", map[string]any{
		"plans": []any{
			map[string]any{"planId": "a", "technique": "po", "problem": "p"},
			map[string]any{"planId": "b", "technique": "triz", "problem": "p"},
		},
		"dependencies": map[string]any{"b": []any{"a"}},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	var created struct {
		GroupID      string            `json:"group_id"`
		PlanSessions map[string]string `json:"plan_sessions"`
	}
	resultJSON(t, res, &created)
	require.Len(t, created.PlanSessions, 2)

	res, err = srv.handleGroupProgress(ctx, callToolReq("get_group_progress", map[string]any{"groupId": created.GroupID}))
	require.NoError(t, err)
	var prog struct {
		Status  string   `json:"status"`
		Waiting []string `json:"waiting"`
	}
	resultJSON(t, res, &prog)
	assert.Equal(t, []string{created.PlanSessions["b"]}, prog.Waiting)

	res, err = srv.handleConverge(ctx, callToolReq("converge_group", map[string]any{"groupId": created.GroupID}))
	require.NoError(t, err)
	assert.Equal(t, apperr.CodeDependenciesNotMet, resultCode(t, res))

	for _, plan := range []string{"a", "b"} {
		res, err = srv.handleMarkComplete(ctx, callToolReq("mark_session_complete", map[string]any{"sessionId": created.PlanSessions[plan]}))
		require.NoError(t, err)
		require.False(t, res.IsError, resultText(t, res))
	}

	res, err = srv.handleGroupResults(ctx, callToolReq("get_group_results", map[string]any{"groupId": created.GroupID}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	res, err = srv.handleConverge(ctx, callToolReq("converge_group", map[string]any{"groupId": created.GroupID, "method": "none"}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	var out struct {
		Method  string   `json:"method"`
		Sources []string `json:"sources"`
	}
	resultJSON(t, res, &out)
	assert.Equal(t, "none", out.Method)
	assert.Len(t, out.Sources, 2)
}

func TestCreateGroup_Cycle(t *testing.T) {
	srv := newTestServer(t)

	res, err := srv.handleCreateGroup(context.Background(), callToolReq("create_parallel_group", map[string]any{
		"plans": []any{
			map[string]any{"planId": "a", "technique": "po", "problem": "p", "dependsOn": []any{"b"}},
			map[string]any{"planId": "b", "technique": "po", "problem": "p", "dependsOn": []any{"a"}},
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, apperr.CodeCircularDependency, resultCode(t, res))
}

func TestMarkFailedAndDelete(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	res, err := srv.handleMarkFailed(ctx, callToolReq("mark_session_failed", map[string]any{"sessionId": "ghost"}))
	require.NoError(t, err)
	assert.Equal(t, apperr.CodeSessionNotFound, resultCode(t, res))

	res, err = srv.handleDeleteSession(ctx, callToolReq("delete_session", map[string]any{"sessionId": "ghost"}))
	require.NoError(t, err)
	assert.Equal(t, apperr.CodeSessionNotFound, resultCode(t, res))
}

func TestCheckViolationAndStats(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	res, err := srv.handleCheckViolation(ctx, callToolReq("check_workflow_violation", map[string]any{
		"call": "execute_thinking_step",
		"args": map[string]any{"technique": "scamper"},
	}))
	require.NoError(t, err)
	var check struct {
		Violation bool `json:"violation"`
		Details   struct {
			Type string `json:"type"`
		} `json:"details"`
	}
	resultJSON(t, res, &check)
	assert.True(t, check.Violation)
	assert.Equal(t, "skipped_discovery", check.Details.Type)

	res, err = srv.handleStats(ctx, callToolReq("get_stats", nil))
	require.NoError(t, err)
	require.False(t, res.IsError)
	var st struct {
		HealthStatus string         `json:"health_status"`
		Operations   map[string]any `json:"operations"`
	}
	resultJSON(t, res, &st)
	assert.Equal(t, "healthy", st.HealthStatus)
	assert.Contains(t, st.Operations, "check_workflow_violation")
}
