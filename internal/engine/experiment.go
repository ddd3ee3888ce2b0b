package engine

import (
	"context"

	"github.com/quaystone/tradeflow/pkg/dsl"
)

// ExperimentOutcome is recorded against an experiment once a routed
// execution reaches a terminal state.
type ExperimentOutcome struct {
	Variant         dsl.ExperimentVariant `json:"variant"`
	Success         bool                  `json:"success"`
	DurationMs      int64                 `json:"duration_ms"`
	NodeCount       int                   `json:"node_count"`
	FailureCategory dsl.FailureCategory   `json:"failure_category,omitempty"`
}

// ExperimentRouter picks an A/B workflow version for a trigger and records
// the run's outcome against that variant. Outcome-recording failures are
// logged as diagnostic events and never fail the execution.
type ExperimentRouter interface {
	RouteTraffic(ctx context.Context, experimentID string) (workflowVersionID string, variant dsl.ExperimentVariant, err error)
	RecordMetrics(ctx context.Context, experimentID string, outcome *ExperimentOutcome) error
}

// recordExperimentOutcome is best-effort terminal bookkeeping for routed
// executions.
func (e *Engine) recordExperimentOutcome(ctx context.Context, executionID, experimentID string, outcome *ExperimentOutcome) {
	if e.router == nil || experimentID == "" {
		return
	}
	if err := e.router.RecordMetrics(ctx, experimentID, outcome); err != nil {
		e.logger.Warn("experiment outcome recording failed",
			"execution_id", executionID, "experiment_id", experimentID, "error", err)
		e.events.Record(ctx, executionID, "", dsl.EventExperimentOutcome, dsl.LevelWarn,
			"experiment outcome recording failed: "+err.Error(), map[string]any{
				"experiment_id": experimentID,
			})
		return
	}
	e.events.Record(ctx, executionID, "", dsl.EventExperimentOutcome, dsl.LevelInfo,
		"experiment outcome recorded", map[string]any{
			"experiment_id": experimentID,
			"variant":       string(outcome.Variant),
			"success":       outcome.Success,
		})
}
