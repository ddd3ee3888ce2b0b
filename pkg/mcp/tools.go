package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/quaystone/tradeflow/internal/engine"
	"github.com/quaystone/tradeflow/internal/params"
	"github.com/quaystone/tradeflow/internal/store"
	"github.com/quaystone/tradeflow/pkg/dsl"
)

// handleTrigger starts a workflow execution and returns its terminal record.
// A FAILED run is still a tool success: the execution summary carries the
// failure; only request-level defects become tool errors.
func (s *TradeflowServer) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	treq := &engine.TriggerRequest{
		WorkflowDefinitionID: req.GetString("workflow_definition_id", ""),
		WorkflowVersionID:    req.GetString("workflow_version_id", ""),
		IdempotencyKey:       req.GetString("idempotency_key", ""),
		ExperimentID:         req.GetString("experiment_id", ""),
		SessionOverrides:     mcp.ParseStringMap(req, "overrides", nil),
	}
	if treq.WorkflowDefinitionID == "" && treq.WorkflowVersionID == "" && treq.ExperimentID == "" {
		return mcp.NewToolResultError("one of workflow_definition_id, workflow_version_id, or experiment_id is required"), nil
	}
	if scope := mcp.ParseStringMap(req, "scope", nil); scope != nil {
		treq.ScopeContext = parseScope(scope)
	}

	ex, runErr := s.engine.Trigger(ctx, userID, treq)
	if ex == nil {
		return mcp.NewToolResultError(fmt.Sprintf("trigger failed: %v", runErr)), nil
	}
	// runErr set with a non-nil execution means the run reached FAILED; the
	// summary already carries the failure details.
	return marshalResult(executionSummary(ex))
}

func (s *TradeflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	reason := req.GetString("reason", "")

	if cancelErr := s.engine.Cancel(ctx, userID, executionID, reason); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
		"status":       string(dsl.ExecutionCanceled),
	})
}

func (s *TradeflowServer) handleRerun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	ex, runErr := s.engine.Rerun(ctx, userID, executionID)
	if ex == nil {
		return mcp.NewToolResultError(fmt.Sprintf("rerun failed: %v", runErr)), nil
	}
	return marshalResult(executionSummary(ex))
}

func (s *TradeflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	ex, statusErr := s.engine.Status(ctx, executionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(executionSummary(ex))
}

func (s *TradeflowServer) handleTimeline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	filter := store.EventFilter{
		EventType: req.GetString("event_type", ""),
		Limit:     req.GetInt("limit", 0),
	}
	events, listErr := s.engine.Timeline(ctx, executionID, filter)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("timeline query failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"execution_id": executionID, "events": events})
}

func (s *TradeflowServer) handleReplay(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	bundle, replayErr := s.engine.Replay(ctx, executionID)
	if replayErr != nil {
		var ee *dsl.EngineError
		if errors.As(replayErr, &ee) {
			return mcp.NewToolResultError(ee.Error()), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("replay failed: %v", replayErr)), nil
	}
	return marshalResult(bundle)
}

// --- Helpers ---

// parseScope maps a loosely typed scope object onto the typed context.
func parseScope(raw map[string]any) params.ScopeContext {
	get := func(key string) string {
		v, _ := raw[key].(string)
		return v
	}
	return params.ScopeContext{
		Commodity: get("commodity"),
		Region:    get("region"),
		Route:     get("route"),
		Strategy:  get("strategy"),
	}
}

// executionSummary renders an execution for tool output, omitting the bulky
// snapshots unless the run is terminal.
func executionSummary(ex *store.Execution) map[string]any {
	out := map[string]any{
		"execution_id":        ex.ID,
		"workflow_version_id": ex.WorkflowVersionID,
		"status":              string(ex.Status),
		"trigger_type":        string(ex.TriggerType),
		"started_at":          ex.StartedAt,
	}
	if ex.CompletedAt != nil {
		out["completed_at"] = *ex.CompletedAt
	}
	if ex.ErrorMessage != "" {
		out["error"] = ex.ErrorMessage
		out["failure_category"] = string(ex.FailureCategory)
		out["failure_code"] = ex.FailureCode
	}
	if ex.ExperimentID != "" {
		out["experiment_id"] = ex.ExperimentID
		out["variant"] = string(ex.Variant)
	}
	if ex.RerunOfExecutionID != "" {
		out["rerun_of_execution_id"] = ex.RerunOfExecutionID
	}
	if ex.Status.IsTerminal() && len(ex.OutputSnapshot) > 0 {
		var output map[string]any
		if err := json.Unmarshal(ex.OutputSnapshot, &output); err == nil {
			out["output"] = output
		}
	}
	return out
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
