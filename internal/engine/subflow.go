package engine

import (
	"context"
	"encoding/json"

	"github.com/quaystone/tradeflow/pkg/dsl"
)

// MaxSubflowDepth bounds workflow nesting. Enforced before invocation, with
// the visited-definition set threaded explicitly through every trigger call
// so the cycle guard never depends on call-stack depth.
const MaxSubflowDepth = 4

// subflowConfig is the config payload of a subflow-call node.
type subflowConfig struct {
	WorkflowDefinitionID string
	OutputKey            string
}

func parseSubflowConfig(node *dsl.Node) (*subflowConfig, error) {
	cfg := &subflowConfig{}
	if v, ok := node.Config["workflowDefinitionId"].(string); ok {
		cfg.WorkflowDefinitionID = v
	}
	if v, ok := node.Config["outputKey"].(string); ok {
		cfg.OutputKey = v
	}
	if cfg.WorkflowDefinitionID == "" {
		return nil, dsl.NewErrorf(dsl.CodeDslInvalid,
			"subflow-call node %s is missing config.workflowDefinitionId", node.ID).
			WithCategory(dsl.FailureExecutor).WithNode(node.ID)
	}
	return cfg, nil
}

// executeSubflow triggers another workflow definition as a nested run. The
// node's resolved input travels as paramSnapshot.subflowInput; the child's
// output snapshot folds into this node's output, under cfg.OutputKey when
// one is configured.
func (e *Engine) executeSubflow(ctx context.Context, rc *runContext, node *dsl.Node, input map[string]any) (*Result, error) {
	cfg, err := parseSubflowConfig(node)
	if err != nil {
		return nil, err
	}

	if rc.depth+1 > MaxSubflowDepth {
		return nil, dsl.NewErrorf(dsl.CodeSubflowDepth,
			"subflow nesting depth %d exceeds the maximum of %d", rc.depth+1, MaxSubflowDepth).
			WithCategory(dsl.FailureExecutor).WithNode(node.ID)
	}
	if rc.visited[cfg.WorkflowDefinitionID] {
		return nil, dsl.NewErrorf(dsl.CodeSubflowCycle,
			"subflow call would revisit in-progress workflow definition %s", cfg.WorkflowDefinitionID).
			WithCategory(dsl.FailureExecutor).WithNode(node.ID)
	}

	visited := make(map[string]bool, len(rc.visited)+1)
	for id := range rc.visited {
		visited[id] = true
	}

	e.events.Record(ctx, rc.execution.ID, "", dsl.EventSubflowInvoked, dsl.LevelInfo,
		"node "+node.ID+" invoking subflow "+cfg.WorkflowDefinitionID, map[string]any{
			"node_id":                node.ID,
			"workflow_definition_id": cfg.WorkflowDefinitionID,
			"depth":                  rc.depth + 1,
		})

	child, err := e.trigger(ctx, rc.execution.TriggerUserID, &TriggerRequest{
		WorkflowDefinitionID: cfg.WorkflowDefinitionID,
		TriggerType:          dsl.TriggerSubflow,
		SubflowInput:         input,
	}, rc.depth+1, visited)
	if err != nil {
		return nil, err
	}

	childOutput := map[string]any{}
	if len(child.OutputSnapshot) > 0 {
		_ = json.Unmarshal(child.OutputSnapshot, &childOutput)
	}

	output := map[string]any{"executionId": child.ID}
	if cfg.OutputKey != "" {
		output[cfg.OutputKey] = childOutput
	} else {
		for k, v := range childOutput {
			output[k] = v
		}
	}

	return &Result{Status: ResultSuccess, Output: output}, nil
}
