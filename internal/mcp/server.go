package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/thinkflow/internal/apperr"
	"github.com/joescharf/thinkflow/internal/engine"
	"github.com/joescharf/thinkflow/internal/groups"
	"github.com/joescharf/thinkflow/internal/guard"
	"github.com/joescharf/thinkflow/internal/models"
)

// DefaultClientID keys the workflow guard when the transport has no session.
const DefaultClientID = "stdio"

// Server exposes the engine as MCP tools.
type Server struct {
	svc     engine.Service
	version string
}

// NewServer creates the MCP server wrapper.
func NewServer(svc engine.Service, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{svc: svc, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("thinkflow", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.discoverTool())
	srv.AddTool(s.planTool())
	srv.AddTool(s.executeTool())
	srv.AddTool(s.getSessionTool())
	srv.AddTool(s.deleteSessionTool())
	srv.AddTool(s.createGroupTool())
	srv.AddTool(s.markCompleteTool())
	srv.AddTool(s.markFailedTool())
	srv.AddTool(s.groupProgressTool())
	srv.AddTool(s.groupResultsTool())
	srv.AddTool(s.convergeTool())
	srv.AddTool(s.checkViolationTool())
	srv.AddTool(s.statsTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// clientID identifies the caller for the workflow guard.
func clientID(ctx context.Context) string {
	if cs := server.ClientSessionFromContext(ctx); cs != nil && cs.SessionID() != "" {
		return cs.SessionID()
	}
	return DefaultClientID
}

// jsonResult marshals v as the tool's text content.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errorResult returns err as a tool error whose text is the JSON error body.
func errorResult(err error) *mcp.CallToolResult {
	data, mErr := json.Marshal(apperr.From(err))
	if mErr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(string(data))
}

func argError(format string, args ...any) *mcp.CallToolResult {
	return errorResult(apperr.InvalidArgument(format, args...))
}

// discover_techniques
func (s *Server) discoverTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("discover_techniques",
		mcp.WithDescription("List the available thinking techniques for a problem. Call this first, then plan_thinking_session."),
		mcp.WithString("problem", mcp.Required(), mcp.Description("The problem to think about")),
	)
	return tool, s.handleDiscover
}

func (s *Server) handleDiscover(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	problem, err := request.RequireString("problem")
	if err != nil {
		return argError("missing required parameter: problem"), nil
	}
	res, err := s.svc.DiscoverTechniques(ctx, clientID(ctx), problem)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(res)
}

// plan_thinking_session
func (s *Server) planTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("plan_thinking_session",
		mcp.WithDescription("Plan a thinking session with one or more techniques. Returns a planId for execute_thinking_step."),
		mcp.WithString("problem", mcp.Required(), mcp.Description("The problem to think about")),
		mcp.WithArray("techniques", mcp.Required(), mcp.WithStringItems(), mcp.Description("Techniques returned by discover_techniques")),
	)
	return tool, s.handlePlan
}

func (s *Server) handlePlan(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	problem := request.GetString("problem", "")
	names := request.GetStringSlice("techniques", nil)
	req := engine.PlanRequest{Problem: problem}
	for _, n := range names {
		req.Techniques = append(req.Techniques, models.Technique(n))
	}
	plan, err := s.svc.PlanSession(ctx, clientID(ctx), req)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(plan)
}

// stepArgs are the execute_thinking_step arguments.
type stepArgs struct {
	PlanID         string              `json:"planId"`
	SessionID      string              `json:"sessionId"`
	Technique      string              `json:"technique"`
	Problem        string              `json:"problem"`
	CurrentStep    int                 `json:"currentStep"`
	TotalSteps     int                 `json:"totalSteps"`
	Output         string              `json:"output"`
	NextStepNeeded bool                `json:"nextStepNeeded"`
	Payload        *models.StepPayload `json:"payload"`
	Insights       []string            `json:"insights"`
	Extensions     map[string]any      `json:"extensions"`
}

// execute_thinking_step
func (s *Server) executeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("execute_thinking_step",
		mcp.WithDescription("Record one step of a planned thinking session. The session completes when nextStepNeeded is false or the last step is recorded."),
		mcp.WithString("planId", mcp.Description("Plan id from plan_thinking_session")),
		mcp.WithString("sessionId", mcp.Description("Existing session id; alternative to planId")),
		mcp.WithString("technique", mcp.Description("Technique of the step; defaults to the plan's only technique")),
		mcp.WithString("problem", mcp.Description("Problem statement")),
		mcp.WithNumber("currentStep", mcp.Description("1-based step number; defaults to the next step")),
		mcp.WithNumber("totalSteps", mcp.Description("Declared step count (informational)")),
		mcp.WithString("output", mcp.Required(), mcp.Description("The thinking produced in this step")),
		mcp.WithBoolean("nextStepNeeded", mcp.Required(), mcp.Description("Whether another step follows")),
		mcp.WithObject("payload", mcp.Description("Technique-specific step fields, tagged by kind")),
		mcp.WithArray("insights", mcp.WithStringItems(), mcp.Description("Insights gained in this step")),
		mcp.WithObject("extensions", mcp.Description("Free-form extension fields")),
	)
	return tool, s.handleExecute
}

func (s *Server) handleExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args stepArgs
	if err := request.BindArguments(&args); err != nil {
		return argError("invalid arguments: %v", err), nil
	}
	res, err := s.svc.ExecuteStep(ctx, clientID(ctx), engine.StepRequest{
		PlanID:         args.PlanID,
		SessionID:      args.SessionID,
		Technique:      models.Technique(args.Technique),
		Problem:        args.Problem,
		CurrentStep:    args.CurrentStep,
		TotalSteps:     args.TotalSteps,
		Output:         args.Output,
		NextStepNeeded: args.NextStepNeeded,
		Payload:        args.Payload,
		Insights:       args.Insights,
		Extensions:     args.Extensions,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(res)
}

// get_session
func (s *Server) getSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("get_session",
		mcp.WithDescription("Get a session with its full step history."),
		mcp.WithString("sessionId", mcp.Required(), mcp.Description("Session id")),
	)
	return tool, s.handleGetSession
}

func (s *Server) handleGetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sessionId")
	if err != nil {
		return argError("missing required parameter: sessionId"), nil
	}
	sess, err := s.svc.GetSession(ctx, id)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(sess)
}

// delete_session
func (s *Server) deleteSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("delete_session",
		mcp.WithDescription("Delete a session from memory and persistence."),
		mcp.WithString("sessionId", mcp.Required(), mcp.Description("Session id")),
	)
	return tool, s.handleDeleteSession
}

func (s *Server) handleDeleteSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sessionId")
	if err != nil {
		return argError("missing required parameter: sessionId"), nil
	}
	if _, err := s.svc.DeleteSession(ctx, id); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"deleted": true, "sessionId": id})
}

// groupArgs are the create_parallel_group arguments.
type groupArgs struct {
	Plans []struct {
		PlanID     string         `json:"planId"`
		Technique  string         `json:"technique"`
		Problem    string         `json:"problem"`
		TotalSteps int            `json:"totalSteps"`
		DependsOn  []string       `json:"dependsOn"`
		Extensions map[string]any `json:"extensions"`
	} `json:"plans"`
	Dependencies map[string][]string `json:"dependencies"`
	Convergence  struct {
		Method string `json:"method"`
		Prompt string `json:"prompt"`
	} `json:"convergence"`
}

// create_parallel_group
func (s *Server) createGroupTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("create_parallel_group",
		mcp.WithDescription("Create a group of sessions that run in parallel, gated by dependencies between plans. Cycles are rejected."),
		mcp.WithArray("plans", mcp.Required(),
			mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"planId":     map[string]any{"type": "string"},
					"technique":  map[string]any{"type": "string"},
					"problem":    map[string]any{"type": "string"},
					"totalSteps": map[string]any{"type": "number"},
					"dependsOn":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"technique", "problem"},
			}),
			mcp.Description("Session plans"),
		),
		mcp.WithObject("dependencies", mcp.Description("Map of planId to the planIds it depends on, merged with each plan's dependsOn")),
		mcp.WithObject("convergence", mcp.Description("Convergence options: method (merge, llm_synthesis, none) and prompt")),
	)
	return tool, s.handleCreateGroup
}

func (s *Server) handleCreateGroup(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args groupArgs
	if err := request.BindArguments(&args); err != nil {
		return argError("invalid arguments: %v", err), nil
	}
	req := groups.CreateRequest{
		Dependencies: args.Dependencies,
		Convergence: models.ConvergenceOptions{
			Method: models.ConvergenceMethod(args.Convergence.Method),
			Prompt: args.Convergence.Prompt,
		},
	}
	for _, p := range args.Plans {
		req.Plans = append(req.Plans, models.SessionPlan{
			PlanID:     p.PlanID,
			Technique:  models.Technique(p.Technique),
			Problem:    p.Problem,
			TotalSteps: p.TotalSteps,
			DependsOn:  p.DependsOn,
			Extensions: p.Extensions,
		})
	}
	res, err := s.svc.CreateParallelGroup(ctx, req)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(res)
}

// mark_session_complete
func (s *Server) markCompleteTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("mark_session_complete",
		mcp.WithDescription("Mark a session completed. Group members unblock their dependents."),
		mcp.WithString("sessionId", mcp.Required(), mcp.Description("Session id")),
	)
	return tool, s.handleMarkComplete
}

func (s *Server) handleMarkComplete(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sessionId")
	if err != nil {
		return argError("missing required parameter: sessionId"), nil
	}
	sess, err := s.svc.MarkSessionComplete(ctx, id)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(sess)
}

// mark_session_failed
func (s *Server) markFailedTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("mark_session_failed",
		mcp.WithDescription("Mark a session failed with a reason."),
		mcp.WithString("sessionId", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("reason", mcp.Description("Why the session failed")),
	)
	return tool, s.handleMarkFailed
}

func (s *Server) handleMarkFailed(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sessionId")
	if err != nil {
		return argError("missing required parameter: sessionId"), nil
	}
	sess, err := s.svc.MarkSessionFailed(ctx, id, request.GetString("reason", ""))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(sess)
}

// get_group_progress
func (s *Server) groupProgressTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("get_group_progress",
		mcp.WithDescription("Get weighted progress, per-session status, ETA and deadlock state for a parallel group."),
		mcp.WithString("groupId", mcp.Required(), mcp.Description("Group id")),
	)
	return tool, s.handleGroupProgress
}

func (s *Server) handleGroupProgress(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("groupId")
	if err != nil {
		return argError("missing required parameter: groupId"), nil
	}
	p, err := s.svc.GetGroupProgress(ctx, id)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(p)
}

// get_group_results
func (s *Server) groupResultsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("get_group_results",
		mcp.WithDescription("Get the per-session results of a parallel group."),
		mcp.WithString("groupId", mcp.Required(), mcp.Description("Group id")),
	)
	return tool, s.handleGroupResults
}

func (s *Server) handleGroupResults(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("groupId")
	if err != nil {
		return argError("missing required parameter: groupId"), nil
	}
	res, err := s.svc.GetGroupResults(ctx, id)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"groupId": id, "results": res})
}

// converge_group
func (s *Server) convergeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("converge_group",
		mcp.WithDescription("Combine the results of a finished parallel group."),
		mcp.WithString("groupId", mcp.Required(), mcp.Description("Group id")),
		mcp.WithString("method", mcp.Description("Override the group's method"),
			mcp.Enum(string(models.ConvergenceMerge), string(models.ConvergenceLLMSynthesis), string(models.ConvergenceNone))),
	)
	return tool, s.handleConverge
}

func (s *Server) handleConverge(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("groupId")
	if err != nil {
		return argError("missing required parameter: groupId"), nil
	}
	out, err := s.svc.ConvergeGroup(ctx, id, models.ConvergenceMethod(request.GetString("method", "")))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(out)
}

// check_workflow_violation
func (s *Server) checkViolationTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("check_workflow_violation",
		mcp.WithDescription("Check whether a call would violate the discover, plan, execute workflow without recording it."),
		mcp.WithString("call", mcp.Required(), mcp.Description("Tool name to check"),
			mcp.Enum(guard.CallDiscover, guard.CallPlan, guard.CallExecute)),
		mcp.WithObject("args", mcp.Description("Arguments the call would be made with")),
	)
	return tool, s.handleCheckViolation
}

func (s *Server) handleCheckViolation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	call, err := request.RequireString("call")
	if err != nil {
		return argError("missing required parameter: call"), nil
	}
	args, _ := request.GetArguments()["args"].(map[string]any)
	v, err := s.svc.CheckWorkflowViolation(ctx, clientID(ctx), call, args)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"violation": v != nil, "details": v})
}

// get_stats
func (s *Server) statsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("get_stats",
		mcp.WithDescription("Get session, group, memory and health statistics."),
	)
	return tool, s.handleStats
}

func (s *Server) handleStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.svc.Stats(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(st)
}
