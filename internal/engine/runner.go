package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/quaystone/tradeflow/internal/expressions"
	"github.com/quaystone/tradeflow/internal/logging"
	"github.com/quaystone/tradeflow/internal/policy"
	"github.com/quaystone/tradeflow/internal/store"
	"github.com/quaystone/tradeflow/pkg/dsl"
)

// errRunCanceled signals that a cancellation was observed at a node-start
// boundary. It is handled by the run loop and never rethrown to the caller.
var errRunCanceled = errors.New("execution canceled")

// runContext carries the per-trigger accumulators through the node loop.
// Private to one trigger invocation.
type runContext struct {
	execution *store.Execution
	doc       *dsl.WorkflowDsl
	idx       *edgeIndex
	state     *runState
	params    map[string]any
	meta      map[string]any
	depth     int
	visited   map[string]bool // workflow definition ids in progress (subflow cycle guard)
}

func (rc *runContext) scope() *expressions.Scope {
	return &expressions.Scope{
		Nodes:  rc.state.outputsCopy(),
		Params: rc.params,
		Meta:   rc.meta,
	}
}

// nodeOutcome is the terminal result of one node's attempt cycle.
type nodeOutcome struct {
	status   dsl.NodeStatus
	output   map[string]any
	attempts int
	failure  *Classification
}

// processNode drives one node from PENDING to a terminal status. The
// returned error, when non-nil, aborts the whole execution: a FAIL_FAST
// escalation or an observed cancellation (errRunCanceled).
func (e *Engine) processNode(ctx context.Context, rc *runContext, node *dsl.Node) error {
	ctx = logging.WithNodeID(ctx, node.ID)

	// Cancellation is cooperative: polled from the stored status at every
	// node-start boundary.
	status, err := e.store.GetExecutionStatus(ctx, rc.execution.ID)
	if err == nil && dsl.ExecutionStatus(status) == dsl.ExecutionCanceled {
		return errRunCanceled
	}

	if !node.IsEnabled() {
		rc.state.markSkip(node.ID, SkipReasonDisabled)
		return e.persistSkip(ctx, rc, node, SkipReasonDisabled)
	}

	if reason, ok := rc.state.skipReason(node.ID); ok {
		return e.persistSkip(ctx, rc, node, reason)
	}

	scope := rc.scope()
	verdict, activeEdges, err := e.evaluateInbound(ctx, node, rc.idx, rc.state, scope)
	if err != nil {
		return e.settleFailure(ctx, rc, node, &nodeOutcome{
			status:   dsl.NodeFailed,
			attempts: 0,
			failure:  classifyPtr(err),
		}, nil, time.Now().UTC())
	}
	if verdict == verdictSkip {
		rc.state.markSkip(node.ID, SkipReasonNoActiveEdge)
		return e.persistSkip(ctx, rc, node, SkipReasonNoActiveEdge)
	}

	startedAt := time.Now().UTC()
	input, err := e.buildNodeInput(ctx, node, activeEdges, rc.state, scope)
	if err != nil {
		return e.settleFailure(ctx, rc, node, &nodeOutcome{
			status:   dsl.NodeFailed,
			attempts: 0,
			failure:  classifyPtr(err),
		}, nil, startedAt)
	}

	outcome := e.runAttempts(ctx, rc, node, input)

	if outcome.status == dsl.NodeSuccess {
		output := outcome.output
		if output == nil {
			output = map[string]any{}
		}
		meta := map[string]any{"attempts": outcome.attempts}
		output["_meta"] = meta
		rc.state.setOutput(node.ID, output)

		if err := e.persistNode(ctx, rc, node, dsl.NodeSuccess, startedAt, input, output, nil); err != nil {
			return err
		}
		e.events.Record(ctx, rc.execution.ID, "", dsl.EventNodeCompleted, dsl.LevelInfo,
			"node "+node.ID+" completed", map[string]any{"node_id": node.ID, "attempts": outcome.attempts})
		return nil
	}

	return e.settleFailure(ctx, rc, node, outcome, input, startedAt)
}

// runAttempts executes the attempt loop: attempt 0..retryCount, each under
// the policy timeout, with a fixed backoff sleep between attempts. A FAILED
// executor result converts into a handled error so classification is
// uniform.
func (e *Engine) runAttempts(ctx context.Context, rc *runContext, node *dsl.Node, input map[string]any) *nodeOutcome {
	pol := policy.Resolve(node, rc.doc.RunPolicy)

	e.events.Record(ctx, rc.execution.ID, "", dsl.EventNodeStarted, dsl.LevelInfo,
		"node "+node.ID+" started", map[string]any{"node_id": node.ID, "node_type": node.Type})

	var lastClass Classification
	attempts := 0
	for attempt := 0; attempt <= pol.RetryCount; attempt++ {
		attempts++

		output, err := e.runSingleAttempt(ctx, rc, node, input, pol.Timeout())
		if err == nil {
			return &nodeOutcome{status: dsl.NodeSuccess, output: output, attempts: attempts}
		}

		lastClass = Classify(err)
		if lastClass.Category == dsl.FailureCanceled {
			break
		}
		if attempt < pol.RetryCount && IsRetryable(lastClass) {
			e.events.Record(ctx, rc.execution.ID, "", dsl.EventNodeRetryAttempt, dsl.LevelWarn,
				"node "+node.ID+" retrying", map[string]any{
					"node_id":    node.ID,
					"attempt":    attempt + 1,
					"backoff_ms": pol.RetryBackoffMs,
					"error":      lastClass.Message,
				})
			if err := sleepCtx(ctx, pol.Backoff()); err != nil {
				lastClass = Classify(err)
				break
			}
			continue
		}
		break
	}

	return &nodeOutcome{status: dsl.NodeFailed, attempts: attempts, failure: &lastClass}
}

// runSingleAttempt dispatches one attempt under its timeout. The executor
// runs on its own goroutine so a non-cooperative executor still times out;
// its eventual result is discarded.
func (e *Engine) runSingleAttempt(ctx context.Context, rc *runContext, node *dsl.Node, input map[string]any, timeout time.Duration) (map[string]any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type attemptResult struct {
		res *Result
		err error
	}
	ch := make(chan attemptResult, 1)

	go func() {
		res, err := e.dispatch(attemptCtx, rc, node, input)
		ch <- attemptResult{res: res, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.res != nil && r.res.Status == ResultFailed {
			msg := r.res.Message
			if msg == "" {
				msg = "node executor reported FAILED"
			}
			return nil, dsl.NewError(dsl.CodeNodeExecutorFailed, msg).
				WithCategory(dsl.FailureExecutor).WithNode(node.ID)
		}
		if r.res == nil {
			return map[string]any{}, nil
		}
		return r.res.Output, nil
	case <-attemptCtx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, dsl.NewError(dsl.CodeExecutionCanceled, "execution canceled during node attempt").
				WithCategory(dsl.FailureCanceled).WithNode(node.ID)
		}
		return nil, dsl.NewErrorf(dsl.CodeNodeTimeout,
			"node %s exceeded its %dms timeout", node.ID, timeout.Milliseconds()).
			WithCategory(dsl.FailureTimeout).WithNode(node.ID)
	}
}

// dispatch routes a node to its executor; subflow-call nodes trigger a
// nested workflow run instead.
func (e *Engine) dispatch(ctx context.Context, rc *runContext, node *dsl.Node, input map[string]any) (*Result, error) {
	if node.Type == dsl.NodeTypeSubflow {
		return e.executeSubflow(ctx, rc, node, input)
	}

	executor, err := e.registry.Resolve(node.Type)
	if err != nil {
		return nil, err
	}
	return executor.Execute(ctx, &NodeInput{
		ExecutionID: rc.execution.ID,
		Node:        node,
		Values:      input,
		Params:      rc.params,
		Meta:        rc.meta,
	})
}

// settleFailure persists the terminal FAILED record and applies the node's
// onError policy: FAIL_FAST escalates, CONTINUE counts a soft failure,
// ROUTE_TO_ERROR counts a soft failure and skips the non-error downstream.
// A CANCELED classification always surfaces as errRunCanceled.
func (e *Engine) settleFailure(ctx context.Context, rc *runContext, node *dsl.Node, outcome *nodeOutcome, input map[string]any, startedAt time.Time) error {
	pol := policy.Resolve(node, rc.doc.RunPolicy)

	routed := pol.OnError == dsl.OnErrorRouteToError && outcome.failure.Category != dsl.FailureCanceled
	rc.state.markFailed(node.ID, routed)

	failedOutput := map[string]any{
		"_meta": map[string]any{
			"attempts":  outcome.attempts,
			"lastError": outcome.failure.Message,
		},
	}
	if routed {
		failedOutput["_meta"].(map[string]any)["onErrorRouting"] = string(dsl.OnErrorRouteToError)
	}

	if err := e.persistNode(ctx, rc, node, dsl.NodeFailed, startedAt, input, failedOutput, outcome.failure); err != nil {
		return err
	}
	e.events.Record(ctx, rc.execution.ID, "", dsl.EventNodeFailed, dsl.LevelError,
		"node "+node.ID+" failed: "+outcome.failure.Message, map[string]any{
			"node_id":  node.ID,
			"category": string(outcome.failure.Category),
			"code":     outcome.failure.Code,
			"attempts": outcome.attempts,
		})

	if outcome.failure.Category == dsl.FailureCanceled {
		return errRunCanceled
	}

	switch pol.OnError {
	case dsl.OnErrorFailFast:
		return dsl.NewError(outcome.failure.Code, outcome.failure.Message).
			WithCategory(outcome.failure.Category).WithNode(node.ID)
	case dsl.OnErrorRouteToError:
		rc.state.addSoftFailure()
		marked := propagateRoutedSkips(node.ID, rc.idx, rc.state)
		if len(marked) > 0 {
			e.events.Record(ctx, rc.execution.ID, "", dsl.EventSkipPropagated, dsl.LevelWarn,
				"downstream of "+node.ID+" skipped", map[string]any{
					"node_id": node.ID,
					"skipped": marked,
				})
		}
		return nil
	default: // CONTINUE
		rc.state.addSoftFailure()
		return nil
	}
}

// persistSkip writes the SKIPPED record for a node that never attempts.
func (e *Engine) persistSkip(ctx context.Context, rc *runContext, node *dsl.Node, reason string) error {
	now := time.Now().UTC()
	output := map[string]any{"_meta": map[string]any{"skipReason": reason}}
	if err := e.persistNode(ctx, rc, node, dsl.NodeSkipped, now, nil, output, nil); err != nil {
		return err
	}
	e.events.Record(ctx, rc.execution.ID, "", dsl.EventNodeSkipped, dsl.LevelInfo,
		"node "+node.ID+" skipped: "+reason, map[string]any{"node_id": node.ID, "reason": reason})
	return nil
}

// persistNode writes the single NodeExecution row covering a node's whole
// attempt cycle.
func (e *Engine) persistNode(ctx context.Context, rc *runContext, node *dsl.Node, status dsl.NodeStatus, startedAt time.Time, input, output map[string]any, failure *Classification) error {
	completedAt := time.Now().UTC()
	ne := &store.NodeExecution{
		ID:             uuid.NewString(),
		ExecutionID:    rc.execution.ID,
		NodeID:         node.ID,
		NodeType:       node.Type,
		Status:         status,
		StartedAt:      startedAt,
		CompletedAt:    completedAt,
		DurationMs:     completedAt.Sub(startedAt).Milliseconds(),
		InputSnapshot:  toRaw(input),
		OutputSnapshot: toRaw(output),
	}
	if failure != nil {
		ne.ErrorMessage = failure.Message
		ne.FailureCategory = failure.Category
		ne.FailureCode = failure.Code
	}

	if err := e.store.CreateNodeExecution(ctx, ne); err != nil {
		return dsl.NewErrorf(dsl.CodeStore, "persist node execution for %s: %s", node.ID, err.Error()).
			WithCategory(dsl.FailureInternal).WithCause(err)
	}
	return nil
}

func classifyPtr(err error) *Classification {
	c := Classify(err)
	return &c
}

func toRaw(m map[string]any) json.RawMessage {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

// sleepCtx waits for d or until the context ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
