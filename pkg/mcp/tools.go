package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nvidal/stepwise/internal/diagram"
	"github.com/nvidal/stepwise/internal/store"
	"github.com/nvidal/stepwise/pkg/schema"
)

// handleDefine registers a workflow definition in the library.
func (s *StepwiseServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "workflow", nil)
	if raw == nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}

	// Marshal then unmarshal the object to get a typed Workflow.
	data, err := json.Marshal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", err)), nil
	}
	var wf schema.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", err)), nil
	}

	if err := s.manager.Register(&wf); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow rejected: %v", err)), nil
	}

	s.logger.InfoContext(ctx, "workflow registered", "workflow_id", wf.ID)
	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": wf.ID,
		"nodes":       len(wf.Nodes),
		"edges":       len(wf.Edges),
	})
}

// handleRun starts a run of a registered workflow.
func (s *StepwiseServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	mode := schema.ParseDebugMode(req.GetString("debug_mode", "none"))

	var breakpoints []string
	if raw := req.GetString("breakpoints", ""); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				breakpoints = append(breakpoints, id)
			}
		}
	}

	runID, runErr := s.manager.StartByID(ctx, workflowID, mode, breakpoints...)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run start failed: %v", runErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
		"run_id":      runID,
		"debug_mode":  string(mode),
	})
}

// handleState returns the current execution state of a run.
func (s *StepwiseServer) handleState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	st, stateErr := s.manager.State(workflowID)
	if stateErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("state query failed: %v", stateErr)), nil
	}
	return marshalResult(st)
}

// handleVariables returns the flattened variable snapshot of a run.
func (s *StepwiseServer) handleVariables(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	vs, varsErr := s.manager.Variables(workflowID)
	if varsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("variables query failed: %v", varsErr)), nil
	}
	return marshalResult(map[string]any{
		"workflow_id": workflowID,
		"variables":   vs,
	})
}

// handleControl applies a pause/resume/step/stop action to a run.
func (s *StepwiseServer) handleControl(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	var ctlErr error
	switch action {
	case "pause":
		ctlErr = s.manager.Pause(workflowID)
	case "resume":
		ctlErr = s.manager.Resume(workflowID)
	case "step":
		ctlErr = s.manager.Step(workflowID)
	case "stop":
		ctlErr = s.manager.Stop(workflowID)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q", action)), nil
	}
	if ctlErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, ctlErr)), nil
	}

	s.logger.InfoContext(ctx, "control action applied",
		"workflow_id", workflowID, "action", action)
	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
		"action":      action,
	})
}

// handleBreakpoint toggles one breakpoint or clears them all.
func (s *StepwiseServer) handleBreakpoint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "toggle":
		nodeID := req.GetString("node_id", "")
		if nodeID == "" {
			return mcp.NewToolResultError("node_id is required for toggle"), nil
		}
		set, toggleErr := s.manager.ToggleBreakpoint(workflowID, nodeID)
		if toggleErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("toggle failed: %v", toggleErr)), nil
		}
		return marshalResult(map[string]any{
			"ok":          true,
			"workflow_id": workflowID,
			"node_id":     nodeID,
			"set":         set,
		})
	case "clear":
		if clearErr := s.manager.ClearBreakpoints(workflowID); clearErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("clear failed: %v", clearErr)), nil
		}
		return marshalResult(map[string]any{
			"ok":          true,
			"workflow_id": workflowID,
		})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q", action)), nil
	}
}

// handleHistory queries the run archive.
func (s *StepwiseServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("run history is not enabled"), nil
	}
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	switch resource {
	case "runs":
		filter := store.RunFilter{
			WorkflowID: req.GetString("workflow_id", ""),
		}
		if raw := req.GetString("status", ""); raw != "" {
			status := schema.ExecutionStatus(raw)
			filter.Status = &status
		}
		if raw := req.GetString("limit", ""); raw != "" {
			limit, convErr := strconv.Atoi(raw)
			if convErr != nil {
				return mcp.NewToolResultError("limit must be a number"), nil
			}
			filter.Limit = limit
		}
		runs, listErr := s.store.ListRuns(ctx, filter)
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list runs failed: %v", listErr)), nil
		}
		return marshalResult(map[string]any{"runs": runs})

	case "run":
		runID := req.GetString("run_id", "")
		if runID == "" {
			return mcp.NewToolResultError("run_id is required for run"), nil
		}
		st, getErr := s.store.GetRun(ctx, runID)
		if getErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("get run failed: %v", getErr)), nil
		}
		return marshalResult(st)

	case "events":
		runID := req.GetString("run_id", "")
		if runID == "" {
			return mcp.NewToolResultError("run_id is required for events"), nil
		}
		var since int64
		if raw := req.GetString("since", ""); raw != "" {
			parsed, convErr := strconv.ParseInt(raw, 10, 64)
			if convErr != nil {
				return mcp.NewToolResultError("since must be a number"), nil
			}
			since = parsed
		}
		events, evErr := s.store.GetEvents(ctx, runID, since)
		if evErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("get events failed: %v", evErr)), nil
		}
		return marshalResult(map[string]any{"events": events})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource %q", resource)), nil
	}
}

// handleSchedule manages cron triggers.
func (s *StepwiseServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduler is not enabled"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "add":
		jobID := req.GetString("job_id", "")
		workflowID := req.GetString("workflow_id", "")
		cronExpr := req.GetString("cron", "")
		if jobID == "" || workflowID == "" || cronExpr == "" {
			return mcp.NewToolResultError("add requires job_id, workflow_id and cron"), nil
		}
		job, addErr := s.scheduler.AddJob(jobID, workflowID, cronExpr)
		if addErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("add failed: %v", addErr)), nil
		}
		s.logger.InfoContext(ctx, "scheduled job added",
			"job_id", jobID, "workflow_id", workflowID, "cron", cronExpr)
		return marshalResult(map[string]any{
			"ok":          true,
			"job_id":      job.ID,
			"next_run_at": job.NextRunAt,
		})

	case "remove":
		jobID := req.GetString("job_id", "")
		if jobID == "" {
			return mcp.NewToolResultError("job_id is required for remove"), nil
		}
		s.scheduler.RemoveJob(jobID)
		return marshalResult(map[string]any{"ok": true, "job_id": jobID})

	case "enable", "disable":
		jobID := req.GetString("job_id", "")
		if jobID == "" {
			return mcp.NewToolResultError(fmt.Sprintf("job_id is required for %s", action)), nil
		}
		if setErr := s.scheduler.SetEnabled(jobID, action == "enable"); setErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, setErr)), nil
		}
		return marshalResult(map[string]any{"ok": true, "job_id": jobID, "enabled": action == "enable"})

	case "list":
		return marshalResult(map[string]any{"jobs": s.scheduler.Jobs()})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q", action)), nil
	}
}

// handleDiagram renders a registered workflow as Mermaid text.
func (s *StepwiseServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	wf, wfErr := s.manager.Workflow(workflowID)
	if wfErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram failed: %v", wfErr)), nil
	}

	var st *schema.ExecutionState
	if req.GetString("include_state", "") == "true" {
		if snap, stateErr := s.manager.State(workflowID); stateErr == nil {
			st = &snap
		}
	}

	return marshalResult(map[string]any{
		"workflow_id": workflowID,
		"mermaid":     diagram.RenderMermaid(wf, st),
	})
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
