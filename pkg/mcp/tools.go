package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// handleRegister registers a workflow definition.
func (s *StepflowServer) handleRegister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// Round-trip the map into the typed definition.
	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	var wf schema.Workflow
	if err := json.Unmarshal(defBytes, &wf); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	registered, err := s.engine.RegisterWorkflow(ctx, &wf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("registration failed: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"id":      registered.ID,
		"version": registered.Version,
	})
}

// handleStart starts a run.
func (s *StepflowServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	version := 0
	if v := req.GetString("version", ""); v != "" {
		version, err = strconv.Atoi(v)
		if err != nil || version < 0 {
			return mcp.NewToolResultError(fmt.Sprintf("invalid version %q", v)), nil
		}
	}

	result, err := s.engine.Start(ctx, &engine.StartRequest{
		WorkflowID:     workflowID,
		Version:        version,
		Inputs:         mcp.ParseStringMap(req, "inputs", nil),
		Profile:        mcp.ParseStringMap(req, "profile", nil),
		IdempotencyKey: req.GetString("idempotency_key", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", err)), nil
	}

	return marshalResult(runResultView(result))
}

// handleStatus returns the current state of a run.
func (s *StepflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	result, err := s.engine.Describe(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	return marshalResult(runResultView(result))
}

// handleResume delivers a payload to a waiting run.
func (s *StepflowServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tokenString, err := req.RequireString("resume_token")
	if err != nil {
		return mcp.NewToolResultError("resume_token is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)

	result, err := s.engine.Resume(ctx, tokenString, payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", err)), nil
	}
	return marshalResult(runResultView(result))
}

// handleCancel cancels a run.
func (s *StepflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, err := s.engine.Cancel(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return marshalResult(run)
}

// handleHistory returns a run's execution records.
func (s *StepflowServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	steps, err := s.engine.History(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("history query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"run_id": runID,
		"steps":  steps,
	})
}

// handleList lists runs matching the filter.
func (s *StepflowServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.RunFilter{
		WorkflowID: req.GetString("workflow_id", ""),
	}
	if st := req.GetString("status", ""); st != "" {
		status := schema.RunStatus(st)
		filter.Status = &status
	}
	if l := req.GetString("limit", ""); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return mcp.NewToolResultError(fmt.Sprintf("invalid limit %q", l)), nil
		}
		filter.Limit = n
	}

	runs, err := s.engine.ListRuns(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

// runResultView flattens a RunResult for tool output.
func runResultView(r *engine.RunResult) map[string]any {
	view := map[string]any{
		"run": r.Run,
	}
	if r.ResumeToken != "" {
		view["resume_token"] = r.ResumeToken
	}
	if r.WaitHint != nil {
		view["wait_hint"] = r.WaitHint
	}
	return view
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
