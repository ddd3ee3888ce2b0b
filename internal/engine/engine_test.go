package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quaystone/tradeflow/internal/logging"
	"github.com/quaystone/tradeflow/internal/store"
	"github.com/quaystone/tradeflow/pkg/dsl"
)

type stubExecutor struct {
	typ string
	fn  func(ctx context.Context, in *NodeInput) (*Result, error)
}

func (s *stubExecutor) Type() string { return s.typ }

func (s *stubExecutor) Execute(ctx context.Context, in *NodeInput) (*Result, error) {
	return s.fn(ctx, in)
}

func succeedWith(typ string, output map[string]any) *stubExecutor {
	return &stubExecutor{typ: typ, fn: func(context.Context, *NodeInput) (*Result, error) {
		return &Result{Status: ResultSuccess, Output: output}, nil
	}}
}

func newTestEngine(t *testing.T, ms *memStore, executors ...NodeExecutor) *Engine {
	t.Helper()
	eng, err := New(Config{
		Store:    ms,
		Registry: NewRegistry(executors...),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return eng
}

func seedWorkflow(t *testing.T, ms *memStore, defID, versionID string, doc dsl.WorkflowDsl) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, ms.CreateDefinition(ctx, &store.WorkflowDefinition{
		ID: defID, Name: defID, OwnerUserID: "trader-1",
	}))
	require.NoError(t, ms.CreateVersion(ctx, &store.WorkflowVersion{
		ID: versionID, DefinitionID: defID, Version: 1, Dsl: doc,
		DslHash: doc.Hash(), Published: true, CreatedAt: time.Now().UTC(),
	}))
}

func nodeRowsByID(t *testing.T, ms *memStore, executionID string) map[string]*store.NodeExecution {
	t.Helper()
	rows, err := ms.ListNodeExecutions(context.Background(), executionID)
	require.NoError(t, err)
	byID := make(map[string]*store.NodeExecution, len(rows))
	for _, r := range rows {
		byID[r.NodeID] = r
	}
	return byID
}

func decodeRaw(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestTriggerLinearSuccess(t *testing.T) {
	ms := newMemStore()
	seedWorkflow(t, ms, "def-research", "ver-research-1", dsl.WorkflowDsl{
		Nodes: []dsl.Node{
			{ID: "fetch", Type: "market-data"},
			{ID: "analyze", Type: "ai-analysis", InputBindings: map[string]string{
				"price": "{{nodes.fetch.price}}",
			}},
		},
		Edges: []dsl.Edge{{From: "fetch", To: "analyze"}},
	})

	var analyzeInput map[string]any
	eng := newTestEngine(t, ms,
		succeedWith("market-data", map[string]any{"price": 72.5, "symbol": "BRN"}),
		&stubExecutor{typ: "ai-analysis", fn: func(_ context.Context, in *NodeInput) (*Result, error) {
			analyzeInput = in.Values
			return &Result{Status: ResultSuccess, Output: map[string]any{"verdict": "bullish"}}, nil
		}},
	)

	ex, err := eng.Trigger(context.Background(), "trader-1", &TriggerRequest{
		WorkflowDefinitionID: "def-research",
	})
	require.NoError(t, err)
	assert.Equal(t, dsl.ExecutionSuccess, ex.Status)
	require.NotNil(t, ex.CompletedAt)

	assert.Equal(t, 72.5, analyzeInput["price"])
	assert.Contains(t, analyzeInput, "fetch")

	rows := nodeRowsByID(t, ms, ex.ID)
	require.Len(t, rows, 2)
	assert.Equal(t, dsl.NodeSuccess, rows["fetch"].Status)
	assert.Equal(t, dsl.NodeSuccess, rows["analyze"].Status)

	analyzeOut := decodeRaw(t, rows["analyze"].OutputSnapshot)
	assert.Equal(t, "bullish", analyzeOut["verdict"])
	meta := analyzeOut["_meta"].(map[string]any)
	assert.Equal(t, float64(1), meta["attempts"])

	final := decodeRaw(t, ex.OutputSnapshot)
	exMeta := final["_meta"].(map[string]any)
	assert.Equal(t, float64(0), exMeta["softFailureCount"])
	assert.Contains(t, final, "replay")
}

func TestTriggerFailFastAbortsDownstream(t *testing.T) {
	ms := newMemStore()
	seedWorkflow(t, ms, "def-ff", "ver-ff-1", dsl.WorkflowDsl{
		Nodes: []dsl.Node{
			{ID: "ingest", Type: "market-data", RuntimePolicy: map[string]any{"onError": "FAIL_FAST"}},
			{ID: "report", Type: "research-report"},
		},
		Edges: []dsl.Edge{{From: "ingest", To: "report"}},
	})

	eng := newTestEngine(t, ms,
		&stubExecutor{typ: "market-data", fn: func(context.Context, *NodeInput) (*Result, error) {
			return nil, errors.New("feed unavailable")
		}},
		succeedWith("research-report", map[string]any{}),
	)

	ex, err := eng.Trigger(context.Background(), "trader-1", &TriggerRequest{
		WorkflowDefinitionID: "def-ff",
	})
	require.Error(t, err)
	require.NotNil(t, ex)
	assert.Equal(t, dsl.ExecutionFailed, ex.Status)
	assert.Equal(t, dsl.FailureExecutor, ex.FailureCategory)

	rows := nodeRowsByID(t, ms, ex.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, dsl.NodeFailed, rows["ingest"].Status)
	assert.Contains(t, rows["ingest"].ErrorMessage, "feed unavailable")
}

func TestTriggerRouteToError(t *testing.T) {
	ms := newMemStore()
	seedWorkflow(t, ms, "def-route", "ver-route-1", dsl.WorkflowDsl{
		Nodes: []dsl.Node{
			{ID: "risky", Type: "futures-simulation", RuntimePolicy: map[string]any{"onError": "ROUTE_TO_ERROR"}},
			{ID: "summarize", Type: "research-report"},
			{ID: "fallback", Type: "alerting"},
		},
		Edges: []dsl.Edge{
			{From: "risky", To: "summarize"},
			{From: "risky", To: "fallback", EdgeType: dsl.EdgeError},
		},
	})

	eng := newTestEngine(t, ms,
		&stubExecutor{typ: "futures-simulation", fn: func(context.Context, *NodeInput) (*Result, error) {
			return nil, errors.New("simulation diverged")
		}},
		succeedWith("research-report", map[string]any{}),
		succeedWith("alerting", map[string]any{"alerted": true}),
	)

	ex, err := eng.Trigger(context.Background(), "trader-1", &TriggerRequest{
		WorkflowDefinitionID: "def-route",
	})
	require.NoError(t, err)
	assert.Equal(t, dsl.ExecutionSuccess, ex.Status)

	rows := nodeRowsByID(t, ms, ex.ID)
	require.Len(t, rows, 3)
	assert.Equal(t, dsl.NodeFailed, rows["risky"].Status)
	assert.Equal(t, dsl.NodeSkipped, rows["summarize"].Status)
	assert.Equal(t, dsl.NodeSuccess, rows["fallback"].Status)

	skipOut := decodeRaw(t, rows["summarize"].OutputSnapshot)
	assert.Equal(t, SkipReasonErrorRouting, skipOut["_meta"].(map[string]any)["skipReason"])

	final := decodeRaw(t, ex.OutputSnapshot)
	assert.Equal(t, float64(1), final["_meta"].(map[string]any)["softFailureCount"])
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	ms := newMemStore()
	seedWorkflow(t, ms, "def-retry", "ver-retry-1", dsl.WorkflowDsl{
		Nodes: []dsl.Node{
			{ID: "flaky", Type: "data-connector", RuntimePolicy: map[string]any{
				"retryCount":     2,
				"retryBackoffMs": 0,
				"onError":        "FAIL_FAST",
			}},
		},
	})

	var calls atomic.Int32
	eng := newTestEngine(t, ms,
		&stubExecutor{typ: "data-connector", fn: func(context.Context, *NodeInput) (*Result, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("transient connect error")
			}
			return &Result{Status: ResultSuccess, Output: map[string]any{"rows": 12}}, nil
		}},
	)

	ex, err := eng.Trigger(context.Background(), "trader-1", &TriggerRequest{
		WorkflowDefinitionID: "def-retry",
	})
	require.NoError(t, err)
	assert.Equal(t, dsl.ExecutionSuccess, ex.Status)
	assert.Equal(t, int32(3), calls.Load())

	rows := nodeRowsByID(t, ms, ex.ID)
	require.Len(t, rows, 1)
	out := decodeRaw(t, rows["flaky"].OutputSnapshot)
	assert.Equal(t, float64(3), out["_meta"].(map[string]any)["attempts"])
}

func TestIdempotentTriggerReturnsOriginal(t *testing.T) {
	ms := newMemStore()
	seedWorkflow(t, ms, "def-idem", "ver-idem-1", dsl.WorkflowDsl{
		Nodes: []dsl.Node{{ID: "only", Type: "market-data"}},
	})

	var calls atomic.Int32
	eng := newTestEngine(t, ms,
		&stubExecutor{typ: "market-data", fn: func(context.Context, *NodeInput) (*Result, error) {
			calls.Add(1)
			return &Result{Status: ResultSuccess, Output: map[string]any{}}, nil
		}},
	)

	req := &TriggerRequest{WorkflowDefinitionID: "def-idem", IdempotencyKey: "morning-run"}
	first, err := eng.Trigger(context.Background(), "trader-1", req)
	require.NoError(t, err)
	second, err := eng.Trigger(context.Background(), "trader-1", req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int32(1), calls.Load())

	all, err := ms.ListExecutions(context.Background(), store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCancelObservedAtNodeBoundary(t *testing.T) {
	ms := newMemStore()
	seedWorkflow(t, ms, "def-cancel", "ver-cancel-1", dsl.WorkflowDsl{
		Nodes: []dsl.Node{
			{ID: "first", Type: "market-data"},
			{ID: "second", Type: "research-report"},
		},
		Edges: []dsl.Edge{{From: "first", To: "second"}},
	})

	var eng *Engine
	eng = newTestEngine(t, ms,
		&stubExecutor{typ: "market-data", fn: func(ctx context.Context, in *NodeInput) (*Result, error) {
			if err := eng.Cancel(ctx, "trader-1", in.ExecutionID, "position closed"); err != nil {
				t.Errorf("cancel failed: %v", err)
			}
			return &Result{Status: ResultSuccess, Output: map[string]any{}}, nil
		}},
		succeedWith("research-report", map[string]any{}),
	)

	ex, err := eng.Trigger(context.Background(), "trader-1", &TriggerRequest{
		WorkflowDefinitionID: "def-cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, dsl.ExecutionCanceled, ex.Status)
	assert.Equal(t, dsl.FailureCanceled, ex.FailureCategory)
	assert.Contains(t, ex.ErrorMessage, "position closed")

	rows := nodeRowsByID(t, ms, ex.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, dsl.NodeSuccess, rows["first"].Status)
}

func TestCancelRejectsTerminalExecution(t *testing.T) {
	ms := newMemStore()
	seedWorkflow(t, ms, "def-term", "ver-term-1", dsl.WorkflowDsl{
		Nodes: []dsl.Node{{ID: "only", Type: "market-data"}},
	})
	eng := newTestEngine(t, ms, succeedWith("market-data", map[string]any{}))

	ex, err := eng.Trigger(context.Background(), "trader-1", &TriggerRequest{
		WorkflowDefinitionID: "def-term",
	})
	require.NoError(t, err)

	err = eng.Cancel(context.Background(), "trader-1", ex.ID, "")
	require.Error(t, err)
	var ee *dsl.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, dsl.CodeConflict, ee.Code)
}

func TestSubflowInvocation(t *testing.T) {
	ms := newMemStore()
	seedWorkflow(t, ms, "def-child", "ver-child-1", dsl.WorkflowDsl{
		Nodes: []dsl.Node{{ID: "leaf", Type: "market-data"}},
	})
	seedWorkflow(t, ms, "def-parent", "ver-parent-1", dsl.WorkflowDsl{
		Nodes: []dsl.Node{
			{ID: "call", Type: dsl.NodeTypeSubflow, Config: map[string]any{
				"workflowDefinitionId": "def-child",
				"outputKey":            "child",
			}},
		},
	})

	eng := newTestEngine(t, ms, succeedWith("market-data", map[string]any{"price": 64.0}))

	ex, err := eng.Trigger(context.Background(), "trader-1", &TriggerRequest{
		WorkflowDefinitionID: "def-parent",
	})
	require.NoError(t, err)
	assert.Equal(t, dsl.ExecutionSuccess, ex.Status)

	rows := nodeRowsByID(t, ms, ex.ID)
	callOut := decodeRaw(t, rows["call"].OutputSnapshot)
	assert.NotEmpty(t, callOut["executionId"])
	assert.Contains(t, callOut, "child")

	all, err := ms.ListExecutions(context.Background(), store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	childID := callOut["executionId"].(string)
	child, err := ms.GetExecution(context.Background(), childID)
	require.NoError(t, err)
	require.NotNil(t, child)
	assert.Equal(t, dsl.TriggerSubflow, child.TriggerType)
}

func TestSubflowCycleGuard(t *testing.T) {
	ms := newMemStore()
	seedWorkflow(t, ms, "def-loop", "ver-loop-1", dsl.WorkflowDsl{
		Nodes: []dsl.Node{
			{ID: "recurse", Type: dsl.NodeTypeSubflow,
				Config:        map[string]any{"workflowDefinitionId": "def-loop"},
				RuntimePolicy: map[string]any{"onError": "FAIL_FAST"}},
		},
	})

	eng := newTestEngine(t, ms)

	ex, err := eng.Trigger(context.Background(), "trader-1", &TriggerRequest{
		WorkflowDefinitionID: "def-loop",
	})
	require.Error(t, err)
	require.NotNil(t, ex)
	assert.Equal(t, dsl.ExecutionFailed, ex.Status)
	assert.Equal(t, dsl.CodeSubflowCycle, ex.FailureCode)

	rows := nodeRowsByID(t, ms, ex.ID)
	assert.Equal(t, dsl.CodeSubflowCycle, rows["recurse"].FailureCode)
}

func TestConditionEdgeSelectsBranch(t *testing.T) {
	ms := newMemStore()
	seedWorkflow(t, ms, "def-cond", "ver-cond-1", dsl.WorkflowDsl{
		Nodes: []dsl.Node{
			{ID: "score", Type: "ai-analysis"},
			{ID: "buy", Type: "decision"},
			{ID: "hold", Type: "decision"},
		},
		Edges: []dsl.Edge{
			{From: "score", To: "buy", EdgeType: dsl.EdgeCondition,
				Condition: &dsl.Condition{Expr: "{{confidence}} > 0.7"}},
			{From: "score", To: "hold", EdgeType: dsl.EdgeCondition,
				Condition: &dsl.Condition{Expr: "{{confidence}} <= 0.7"}},
		},
	})

	eng := newTestEngine(t, ms,
		succeedWith("ai-analysis", map[string]any{"confidence": 0.9}),
		succeedWith("decision", map[string]any{"placed": true}),
	)

	ex, err := eng.Trigger(context.Background(), "trader-1", &TriggerRequest{
		WorkflowDefinitionID: "def-cond",
	})
	require.NoError(t, err)
	assert.Equal(t, dsl.ExecutionSuccess, ex.Status)

	rows := nodeRowsByID(t, ms, ex.ID)
	assert.Equal(t, dsl.NodeSuccess, rows["buy"].Status)
	assert.Equal(t, dsl.NodeSkipped, rows["hold"].Status)
	skipOut := decodeRaw(t, rows["hold"].OutputSnapshot)
	assert.Equal(t, SkipReasonNoActiveEdge, skipOut["_meta"].(map[string]any)["skipReason"])
}

func TestNodeTimeoutClassified(t *testing.T) {
	ms := newMemStore()
	seedWorkflow(t, ms, "def-timeout", "ver-timeout-1", dsl.WorkflowDsl{
		Nodes: []dsl.Node{
			{ID: "slow", Type: "market-data", RuntimePolicy: map[string]any{
				"timeoutMs": 1000,
				"onError":   "FAIL_FAST",
			}},
		},
	})

	eng := newTestEngine(t, ms,
		&stubExecutor{typ: "market-data", fn: func(ctx context.Context, _ *NodeInput) (*Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
	)

	ex, err := eng.Trigger(context.Background(), "trader-1", &TriggerRequest{
		WorkflowDefinitionID: "def-timeout",
	})
	require.Error(t, err)
	assert.Equal(t, dsl.ExecutionFailed, ex.Status)
	assert.Equal(t, dsl.FailureTimeout, ex.FailureCategory)
	assert.Equal(t, dsl.CodeNodeTimeout, ex.FailureCode)
}

func TestTriggerRejectsInvalidDsl(t *testing.T) {
	ms := newMemStore()
	seedWorkflow(t, ms, "def-bad", "ver-bad-1", dsl.WorkflowDsl{
		Nodes: []dsl.Node{{ID: "a", Type: "market-data"}},
		Edges: []dsl.Edge{{From: "a", To: "ghost"}},
	})

	eng := newTestEngine(t, ms, succeedWith("market-data", map[string]any{}))

	_, err := eng.Trigger(context.Background(), "trader-1", &TriggerRequest{
		WorkflowDefinitionID: "def-bad",
	})
	require.Error(t, err)
	var ee *dsl.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, dsl.CodeDslInvalid, ee.Code)

	all, err := ms.ListExecutions(context.Background(), store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRerunFailedExecution(t *testing.T) {
	ms := newMemStore()
	seedWorkflow(t, ms, "def-rerun", "ver-rerun-1", dsl.WorkflowDsl{
		Nodes: []dsl.Node{
			{ID: "only", Type: "market-data", RuntimePolicy: map[string]any{"onError": "FAIL_FAST"}},
		},
	})

	eng := newTestEngine(t, ms,
		&stubExecutor{typ: "market-data", fn: func(context.Context, *NodeInput) (*Result, error) {
			return nil, errors.New("upstream outage")
		}},
	)

	original, err := eng.Trigger(context.Background(), "trader-1", &TriggerRequest{
		WorkflowDefinitionID: "def-rerun",
	})
	require.Error(t, err)
	require.Equal(t, dsl.ExecutionFailed, original.Status)

	rerun, err := eng.Rerun(context.Background(), "trader-1", original.ID)
	require.Error(t, err) // same failure again, but a distinct linked run
	require.NotNil(t, rerun)
	assert.NotEqual(t, original.ID, rerun.ID)
	assert.Equal(t, dsl.TriggerRerun, rerun.TriggerType)
	assert.Equal(t, original.ID, rerun.RerunOfExecutionID)

	_, err = eng.Rerun(context.Background(), "trader-1", rerun.ID+"-missing")
	require.Error(t, err)
}

func TestRerunRejectsNonFailed(t *testing.T) {
	ms := newMemStore()
	seedWorkflow(t, ms, "def-rr2", "ver-rr2-1", dsl.WorkflowDsl{
		Nodes: []dsl.Node{{ID: "only", Type: "market-data"}},
	})
	eng := newTestEngine(t, ms, succeedWith("market-data", map[string]any{}))

	ex, err := eng.Trigger(context.Background(), "trader-1", &TriggerRequest{
		WorkflowDefinitionID: "def-rr2",
	})
	require.NoError(t, err)

	_, err = eng.Rerun(context.Background(), "trader-1", ex.ID)
	var ee *dsl.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, dsl.CodeConflict, ee.Code)
}

type stubRouter struct {
	versionID string
	variant   dsl.ExperimentVariant
	outcomes  []*ExperimentOutcome
}

func (r *stubRouter) RouteTraffic(context.Context, string) (string, dsl.ExperimentVariant, error) {
	return r.versionID, r.variant, nil
}

func (r *stubRouter) RecordMetrics(_ context.Context, _ string, outcome *ExperimentOutcome) error {
	r.outcomes = append(r.outcomes, outcome)
	return nil
}

func TestExperimentRoutingAndOutcome(t *testing.T) {
	ms := newMemStore()
	seedWorkflow(t, ms, "def-exp", "ver-exp-a", dsl.WorkflowDsl{
		Nodes: []dsl.Node{{ID: "only", Type: "market-data"}},
	})
	require.NoError(t, ms.CreateVersion(context.Background(), &store.WorkflowVersion{
		ID: "ver-exp-b", DefinitionID: "def-exp", Version: 2,
		Dsl: dsl.WorkflowDsl{Nodes: []dsl.Node{{ID: "only", Type: "market-data"}}},
	}))

	router := &stubRouter{versionID: "ver-exp-b", variant: dsl.VariantB}
	eng, err := New(Config{
		Store:    ms,
		Registry: NewRegistry(succeedWith("market-data", map[string]any{})),
		Router:   router,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	ex, err := eng.Trigger(context.Background(), "trader-1", &TriggerRequest{
		ExperimentID:   "exp-prompt-v2",
		IdempotencyKey: "exp-key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, dsl.ExecutionSuccess, ex.Status)
	assert.Equal(t, "ver-exp-b", ex.WorkflowVersionID)
	assert.Equal(t, dsl.VariantB, ex.Variant)

	require.Len(t, router.outcomes, 1)
	assert.True(t, router.outcomes[0].Success)
	assert.Equal(t, dsl.VariantB, router.outcomes[0].Variant)
	assert.Equal(t, 1, router.outcomes[0].NodeCount)

	// Same experiment key dedups even though routing might flip variants.
	again, err := eng.Trigger(context.Background(), "trader-1", &TriggerRequest{
		ExperimentID:   "exp-prompt-v2",
		IdempotencyKey: "exp-key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, ex.ID, again.ID)
}

func TestDAGModeRunsAllBranches(t *testing.T) {
	ms := newMemStore()
	seedWorkflow(t, ms, "def-dag", "ver-dag-1", dsl.WorkflowDsl{
		Mode: dsl.ModeDAG,
		Nodes: []dsl.Node{
			{ID: "source", Type: "market-data"},
			{ID: "left", Type: "ai-analysis"},
			{ID: "right", Type: "futures-simulation"},
			{ID: "join", Type: "decision"},
		},
		Edges: []dsl.Edge{
			{From: "source", To: "left"},
			{From: "source", To: "right"},
			{From: "left", To: "join"},
			{From: "right", To: "join"},
		},
	})

	eng := newTestEngine(t, ms,
		succeedWith("market-data", map[string]any{"price": 80.0}),
		succeedWith("ai-analysis", map[string]any{"view": "long"}),
		succeedWith("futures-simulation", map[string]any{"pnl": 1200}),
		succeedWith("decision", map[string]any{"action": "buy"}),
	)

	ex, err := eng.Trigger(context.Background(), "trader-1", &TriggerRequest{
		WorkflowDefinitionID: "def-dag",
	})
	require.NoError(t, err)
	assert.Equal(t, dsl.ExecutionSuccess, ex.Status)

	rows := nodeRowsByID(t, ms, ex.ID)
	require.Len(t, rows, 4)
	for id, row := range rows {
		assert.Equal(t, dsl.NodeSuccess, row.Status, "node %s", id)
	}
}

func TestReplayBundleFromTerminalExecution(t *testing.T) {
	ms := newMemStore()
	seedWorkflow(t, ms, "def-replay", "ver-replay-1", dsl.WorkflowDsl{
		Nodes: []dsl.Node{
			{ID: "fetch", Type: "market-data"},
			{ID: "analyze", Type: "ai-analysis"},
		},
		Edges: []dsl.Edge{{From: "fetch", To: "analyze"}},
	})

	eng := newTestEngine(t, ms,
		succeedWith("market-data", map[string]any{"price": 70.0}),
		succeedWith("ai-analysis", map[string]any{"verdict": "neutral"}),
	)

	ex, err := eng.Trigger(context.Background(), "trader-1", &TriggerRequest{
		WorkflowDefinitionID: "def-replay",
	})
	require.NoError(t, err)

	bundle, err := eng.Replay(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Equal(t, ex.ID, bundle.ExecutionID)
	assert.Equal(t, dsl.ExecutionSuccess, bundle.Status)
	require.Len(t, bundle.Evidence, 1)
	assert.Equal(t, "analyze", bundle.Evidence[0].NodeID)
	require.Len(t, bundle.Lineage, 1)
	assert.Equal(t, "fetch", bundle.Lineage[0].From)
	require.Contains(t, bundle.Nodes, "fetch")
	assert.Equal(t, dsl.NodeSuccess, bundle.Nodes["fetch"].Status)
}

func TestTimelineRecordsLifecycle(t *testing.T) {
	ms := newMemStore()
	seedWorkflow(t, ms, "def-tl", "ver-tl-1", dsl.WorkflowDsl{
		Nodes: []dsl.Node{{ID: "only", Type: "market-data"}},
	})
	eng := newTestEngine(t, ms, succeedWith("market-data", map[string]any{}))

	ex, err := eng.Trigger(context.Background(), "trader-1", &TriggerRequest{
		WorkflowDefinitionID: "def-tl",
	})
	require.NoError(t, err)

	events, err := eng.Timeline(context.Background(), ex.ID, store.EventFilter{})
	require.NoError(t, err)

	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	assert.Contains(t, types, dsl.EventExecutionStarted)
	assert.Contains(t, types, dsl.EventNodeStarted)
	assert.Contains(t, types, dsl.EventNodeCompleted)
	assert.Contains(t, types, dsl.EventExecutionSuccess)
}

func TestDisabledNodeSkipped(t *testing.T) {
	disabled := false
	ms := newMemStore()
	seedWorkflow(t, ms, "def-dis", "ver-dis-1", dsl.WorkflowDsl{
		Nodes: []dsl.Node{
			{ID: "off", Type: "market-data", Enabled: &disabled},
			{ID: "on", Type: "research-report"},
		},
	})
	eng := newTestEngine(t, ms,
		succeedWith("market-data", map[string]any{}),
		succeedWith("research-report", map[string]any{}),
	)

	ex, err := eng.Trigger(context.Background(), "trader-1", &TriggerRequest{
		WorkflowDefinitionID: "def-dis",
	})
	require.NoError(t, err)
	assert.Equal(t, dsl.ExecutionSuccess, ex.Status)

	rows := nodeRowsByID(t, ms, ex.ID)
	assert.Equal(t, dsl.NodeSkipped, rows["off"].Status)
	assert.Equal(t, dsl.NodeSuccess, rows["on"].Status)
}

func TestTriggerThreadsCorrelationContext(t *testing.T) {
	ms := newMemStore()
	seedWorkflow(t, ms, "def-corr", "ver-corr-1", dsl.WorkflowDsl{
		Nodes: []dsl.Node{{ID: "fetch", Type: "market-data"}},
	})

	var gotExecution, gotNode, gotUser string
	eng := newTestEngine(t, ms,
		&stubExecutor{typ: "market-data", fn: func(ctx context.Context, _ *NodeInput) (*Result, error) {
			gotExecution = logging.ExecutionID(ctx)
			gotNode = logging.NodeID(ctx)
			gotUser = logging.UserID(ctx)
			return &Result{Status: ResultSuccess}, nil
		}},
	)

	ex, err := eng.Trigger(context.Background(), "trader-1", &TriggerRequest{
		WorkflowDefinitionID: "def-corr",
	})
	require.NoError(t, err)
	assert.Equal(t, ex.ID, gotExecution)
	assert.Equal(t, "fetch", gotNode)
	assert.Equal(t, "trader-1", gotUser)
}

func TestSubflowDepthLimit(t *testing.T) {
	ms := newMemStore()
	for depth := 0; depth <= MaxSubflowDepth; depth++ {
		seedWorkflow(t, ms,
			fmt.Sprintf("def-depth-%d", depth), fmt.Sprintf("ver-depth-%d", depth),
			dsl.WorkflowDsl{
				Nodes: []dsl.Node{
					{ID: "deeper", Type: dsl.NodeTypeSubflow,
						Config:        map[string]any{"workflowDefinitionId": fmt.Sprintf("def-depth-%d", depth+1)},
						RuntimePolicy: map[string]any{"onError": "FAIL_FAST"}},
				},
			})
	}

	eng := newTestEngine(t, ms)

	ex, err := eng.Trigger(context.Background(), "trader-1", &TriggerRequest{
		WorkflowDefinitionID: "def-depth-0",
	})
	require.Error(t, err)
	require.NotNil(t, ex)
	assert.Equal(t, dsl.ExecutionFailed, ex.Status)
	assert.Equal(t, dsl.CodeSubflowDepth, ex.FailureCode)

	// Depths 0 through MaxSubflowDepth ran; the next level was rejected
	// before any record existed.
	all, err := ms.ListExecutions(context.Background(), store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, MaxSubflowDepth+1)
}

// racingStore simulates a concurrent trigger inserting between the
// idempotency pre-check and the execution insert: the first pre-check
// lookups report a miss, later ones read the real rows.
type racingStore struct {
	*memStore
	lookups int32
}

func (r *racingStore) FindExecutionByIdempotencyKey(ctx context.Context, versionID, userID, key string) (*store.Execution, error) {
	if atomic.AddInt32(&r.lookups, 1) <= 2 {
		return nil, nil
	}
	return r.memStore.FindExecutionByIdempotencyKey(ctx, versionID, userID, key)
}

func TestIdempotentTriggerResolvesInsertRace(t *testing.T) {
	rs := &racingStore{memStore: newMemStore()}
	seedWorkflow(t, rs.memStore, "def-race", "ver-race-1", dsl.WorkflowDsl{
		Nodes: []dsl.Node{{ID: "only", Type: "market-data"}},
	})

	eng, err := New(Config{
		Store:    rs,
		Registry: NewRegistry(succeedWith("market-data", map[string]any{})),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	winner, err := eng.Trigger(context.Background(), "trader-1", &TriggerRequest{
		WorkflowDefinitionID: "def-race",
		IdempotencyKey:       "morning-run",
	})
	require.NoError(t, err)

	// The pre-check misses, the insert hits the unique index, and the
	// trigger resolves to the winning row instead of erroring.
	again, err := eng.Trigger(context.Background(), "trader-1", &TriggerRequest{
		WorkflowDefinitionID: "def-race",
		IdempotencyKey:       "morning-run",
	})
	require.NoError(t, err)
	assert.Equal(t, winner.ID, again.ID)

	all, err := rs.memStore.ListExecutions(context.Background(), store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestNestedDAGSubflowGetsOwnWorkerPool(t *testing.T) {
	ms := newMemStore()
	seedWorkflow(t, ms, "def-legs", "ver-legs-1", dsl.WorkflowDsl{
		Mode: dsl.ModeDAG,
		Nodes: []dsl.Node{
			{ID: "near", Type: "market-data"},
			{ID: "far", Type: "market-data"},
		},
	})
	seedWorkflow(t, ms, "def-basket", "ver-basket-1", dsl.WorkflowDsl{
		Mode: dsl.ModeDAG,
		Nodes: []dsl.Node{
			{ID: "legs", Type: dsl.NodeTypeSubflow,
				Config:        map[string]any{"workflowDefinitionId": "def-legs", "outputKey": "legs"},
				RuntimePolicy: map[string]any{"timeoutMs": 5000, "onError": "FAIL_FAST"}},
		},
	})

	// Concurrency 1: the subflow node occupies its run's only slot for its
	// whole duration, so the child run must not share the parent's pool.
	eng, err := New(Config{
		Store:       ms,
		Registry:    NewRegistry(succeedWith("market-data", map[string]any{"quote": 71.4})),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Concurrency: 1,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	ex, err := eng.Trigger(context.Background(), "trader-1", &TriggerRequest{
		WorkflowDefinitionID: "def-basket",
	})
	require.NoError(t, err)
	assert.Equal(t, dsl.ExecutionSuccess, ex.Status)

	all, err := ms.ListExecutions(context.Background(), store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
