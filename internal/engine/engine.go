package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quaystone/tradeflow/internal/expressions"
	"github.com/quaystone/tradeflow/internal/logging"
	"github.com/quaystone/tradeflow/internal/params"
	"github.com/quaystone/tradeflow/internal/store"
	"github.com/quaystone/tradeflow/internal/validation"
	"github.com/quaystone/tradeflow/pkg/dsl"
)

// Config wires the engine's collaborators. Store and Registry are required;
// Router and Debate are optional capabilities.
type Config struct {
	Store       store.Store
	Registry    *Registry
	Router      ExperimentRouter
	Debate      DebateTraceStore
	Logger      *slog.Logger
	Concurrency int // max concurrent nodes across DAG branches
}

// Engine executes workflow versions: it owns triggering, the node
// lifecycle, cancellation, rerun, timeline and replay.
type Engine struct {
	store       store.Store
	events      *store.EventRecorder
	registry    *Registry
	params      *params.Builder
	validator   *validation.Validator
	router      ExperimentRouter
	debate      DebateTraceStore
	interp      *expressions.Interpolator
	conditions  *expressions.ConditionEvaluator
	jq          *expressions.GoJQEngine
	concurrency int
	logger      *slog.Logger
}

// New constructs an Engine and its expression engines.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	celEng, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	validator, err := validation.NewValidator()
	if err != nil {
		return nil, err
	}

	interp := expressions.NewInterpolator()
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	return &Engine{
		store:       cfg.Store,
		events:      store.NewEventRecorder(cfg.Store, logger),
		registry:    cfg.Registry,
		params:      params.NewBuilder(cfg.Store, logger),
		validator:   validator,
		router:      cfg.Router,
		debate:      cfg.Debate,
		interp:      interp,
		conditions:  expressions.NewConditionEvaluator(interp, celEng, expressions.NewExprEngine()),
		jq:          expressions.NewGoJQEngine(),
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Close releases engine resources. Worker pools are scoped to individual
// runs and shut down with them, so there is nothing engine-wide to tear
// down today; callers should still pair New with Close.
func (e *Engine) Close() {}

// TriggerRequest describes one trigger call.
type TriggerRequest struct {
	WorkflowDefinitionID string
	WorkflowVersionID    string
	TriggerType          dsl.TriggerType
	IdempotencyKey       string
	ExperimentID         string
	ScopeContext         params.ScopeContext
	SessionOverrides     map[string]any

	// Internal plumbing for subflow and rerun triggering.
	SubflowInput          map[string]any
	RerunOfExecutionID    string
	ParamSnapshotOverride json.RawMessage
}

// Trigger runs a workflow to a terminal state and returns the execution
// record. A FAILED terminal state also returns the classified error; a
// CANCELED one returns normally. A repeated idempotency key returns the
// original execution.
func (e *Engine) Trigger(ctx context.Context, userID string, req *TriggerRequest) (*store.Execution, error) {
	return e.trigger(ctx, userID, req, 0, map[string]bool{})
}

// trigger is the recursive entry point. depth and visited thread the
// subflow guards explicitly through every call.
func (e *Engine) trigger(ctx context.Context, userID string, req *TriggerRequest, depth int, visited map[string]bool) (*store.Execution, error) {
	if req == nil {
		return nil, dsl.NewError(dsl.CodeDslInvalid, "trigger request is nil")
	}
	ctx = logging.WithUserID(ctx, userID)
	triggerType := req.TriggerType
	if triggerType == "" {
		triggerType = dsl.TriggerManual
	}

	// Idempotency pre-check for experiment-routed triggers keys on the
	// experiment, not the version, so both variants dedup together.
	if req.IdempotencyKey != "" && req.ExperimentID != "" {
		existing, err := e.store.FindExecutionByExperimentKey(ctx, req.ExperimentID, userID, req.IdempotencyKey)
		if err != nil {
			return nil, dsl.NewErrorf(dsl.CodeStore, "idempotency lookup: %s", err.Error()).WithCause(err)
		}
		if existing != nil {
			return existing, nil
		}
	}

	version, variant, err := e.resolveVersion(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" && req.ExperimentID == "" {
		existing, err := e.store.FindExecutionByIdempotencyKey(ctx, version.ID, userID, req.IdempotencyKey)
		if err != nil {
			return nil, dsl.NewErrorf(dsl.CodeStore, "idempotency lookup: %s", err.Error()).WithCause(err)
		}
		if existing != nil {
			return existing, nil
		}
	}

	// Structural DSL errors reject the trigger before any record exists.
	if err := e.validator.Validate(&version.Dsl); err != nil {
		return nil, err
	}

	if visited[version.DefinitionID] {
		return nil, dsl.NewErrorf(dsl.CodeSubflowCycle,
			"workflow definition %s is already in progress on this call path", version.DefinitionID)
	}

	paramDoc, err := e.buildParamSnapshot(ctx, userID, version, req)
	if err != nil {
		return nil, err
	}

	executionID := uuid.NewString()
	ctx = logging.WithExecutionID(ctx, executionID)
	execution := &store.Execution{
		ID:                 executionID,
		WorkflowVersionID:  version.ID,
		TriggerType:        triggerType,
		TriggerUserID:      userID,
		IdempotencyKey:     req.IdempotencyKey,
		ExperimentID:       req.ExperimentID,
		Variant:            variant,
		RerunOfExecutionID: req.RerunOfExecutionID,
		Status:             dsl.ExecutionRunning,
		StartedAt:          time.Now().UTC(),
		ParamSnapshot:      paramDoc,
	}

	if err := e.store.CreateExecution(ctx, execution); err != nil {
		// A concurrent trigger with the same key won the insert; return
		// the winning record instead of erroring.
		if store.IsDuplicateKey(err) && req.IdempotencyKey != "" {
			return e.rereadWinner(ctx, userID, req, version.ID)
		}
		return nil, dsl.NewErrorf(dsl.CodeStore, "create execution: %s", err.Error()).WithCause(err)
	}

	e.events.Record(ctx, executionID, "", dsl.EventExecutionStarted, dsl.LevelInfo,
		"execution started", map[string]any{
			"workflow_version_id": version.ID,
			"trigger_type":        string(triggerType),
			"mode":                string(version.Dsl.EffectiveMode()),
		})
	if req.ExperimentID != "" {
		e.events.Record(ctx, executionID, "", dsl.EventExperimentRouted, dsl.LevelInfo,
			"experiment routed", map[string]any{
				"experiment_id": req.ExperimentID,
				"variant":       string(variant),
			})
	}
	e.events.Record(ctx, executionID, "", dsl.EventParamSnapshot, dsl.LevelInfo,
		"parameter snapshot built", nil)

	childVisited := make(map[string]bool, len(visited)+1)
	for id := range visited {
		childVisited[id] = true
	}
	childVisited[version.DefinitionID] = true

	rc := &runContext{
		execution: execution,
		doc:       &version.Dsl,
		idx:       indexEdges(&version.Dsl),
		state:     newRunState(),
		params:    decodeObjectOrEmpty(paramDoc),
		meta: map[string]any{
			"executionId":   executionID,
			"triggerUserId": userID,
			"timestamp":     execution.StartedAt.Format(time.RFC3339),
		},
		depth:   depth,
		visited: childVisited,
	}
	if variant != "" {
		rc.meta["variant"] = string(variant)
	}

	runErr := e.runGraph(ctx, rc)
	return e.finalize(ctx, rc, runErr, req.ExperimentID, variant)
}

// resolveVersion picks the workflow version: experiment routing first, then
// an explicit version id, then the definition's published version.
func (e *Engine) resolveVersion(ctx context.Context, req *TriggerRequest) (*store.WorkflowVersion, dsl.ExperimentVariant, error) {
	if req.ExperimentID != "" {
		if e.router == nil {
			return nil, "", dsl.NewError(dsl.CodeExperimentRouting, "no experiment router configured")
		}
		versionID, variant, err := e.router.RouteTraffic(ctx, req.ExperimentID)
		if err != nil {
			return nil, "", dsl.NewErrorf(dsl.CodeExperimentRouting,
				"experiment routing for %s failed: %s", req.ExperimentID, err.Error()).WithCause(err)
		}
		version, err := e.getVersion(ctx, versionID)
		if err != nil {
			return nil, "", err
		}
		return version, variant, nil
	}

	if req.WorkflowVersionID != "" {
		version, err := e.getVersion(ctx, req.WorkflowVersionID)
		return version, "", err
	}

	if req.WorkflowDefinitionID == "" {
		return nil, "", dsl.NewError(dsl.CodeDslInvalid,
			"trigger requires a workflowDefinitionId or workflowVersionId")
	}
	version, err := e.store.GetPublishedVersion(ctx, req.WorkflowDefinitionID)
	if err != nil {
		return nil, "", dsl.NewErrorf(dsl.CodeStore, "resolve published version: %s", err.Error()).WithCause(err)
	}
	if version == nil {
		return nil, "", dsl.NewErrorf(dsl.CodeNotFound,
			"workflow definition %s has no published version", req.WorkflowDefinitionID)
	}
	return version, "", nil
}

func (e *Engine) getVersion(ctx context.Context, versionID string) (*store.WorkflowVersion, error) {
	version, err := e.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, dsl.NewErrorf(dsl.CodeStore, "load version %s: %s", versionID, err.Error()).WithCause(err)
	}
	if version == nil {
		return nil, dsl.NewErrorf(dsl.CodeNotFound, "workflow version %s not found", versionID)
	}
	return version, nil
}

func (e *Engine) buildParamSnapshot(ctx context.Context, userID string, version *store.WorkflowVersion, req *TriggerRequest) (json.RawMessage, error) {
	if len(req.ParamSnapshotOverride) > 0 {
		return req.ParamSnapshotOverride, nil
	}

	snap, err := e.params.Build(ctx, userID, &version.Dsl, req.ScopeContext, req.SessionOverrides)
	if err != nil {
		return nil, err
	}
	doc := snap.Document()
	if req.SubflowInput != nil {
		doc["subflowInput"] = req.SubflowInput
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, dsl.NewError(dsl.CodeInternal, "marshal param snapshot").WithCause(err)
	}
	return raw, nil
}

// rereadWinner resolves an idempotency-key insert race by reading the row
// the concurrent trigger created.
func (e *Engine) rereadWinner(ctx context.Context, userID string, req *TriggerRequest, versionID string) (*store.Execution, error) {
	var (
		winner *store.Execution
		err    error
	)
	if req.ExperimentID != "" {
		winner, err = e.store.FindExecutionByExperimentKey(ctx, req.ExperimentID, userID, req.IdempotencyKey)
	} else {
		winner, err = e.store.FindExecutionByIdempotencyKey(ctx, versionID, userID, req.IdempotencyKey)
	}
	if err != nil {
		return nil, dsl.NewErrorf(dsl.CodeStore, "reread idempotent execution: %s", err.Error()).WithCause(err)
	}
	if winner == nil {
		return nil, dsl.NewError(dsl.CodeConflict,
			"idempotency collision detected but winning execution not found")
	}
	return winner, nil
}

// finalize writes the terminal status exactly once, attaches the replay
// bundle best-effort, and records the experiment outcome.
func (e *Engine) finalize(ctx context.Context, rc *runContext, runErr error, experimentID string, variant dsl.ExperimentVariant) (*store.Execution, error) {
	executionID := rc.execution.ID
	completedAt := time.Now().UTC()

	// Cancellation observed mid-run or in the pre-success poll: the cancel
	// call already wrote the terminal CANCELED status.
	canceled := errors.Is(runErr, errRunCanceled)
	if !canceled && runErr == nil {
		status, serr := e.store.GetExecutionStatus(ctx, executionID)
		canceled = serr == nil && dsl.ExecutionStatus(status) == dsl.ExecutionCanceled
	}

	if canceled {
		e.events.Record(ctx, executionID, "", dsl.EventExecutionCanceled, dsl.LevelWarn,
			"execution canceled", nil)
		e.attachReplay(ctx, rc, executionID)
		e.recordOutcome(ctx, rc, executionID, experimentID, variant, false, dsl.FailureCanceled)
		return e.mustGetExecution(ctx, executionID)
	}

	outputDoc := map[string]any{
		"outputs": rc.state.outputsCopy(),
		"_meta":   map[string]any{"softFailureCount": rc.state.softFailures()},
	}
	outputRaw, _ := json.Marshal(outputDoc)

	if runErr != nil {
		class := Classify(runErr)
		status := dsl.ExecutionFailed
		update := store.ExecutionUpdate{
			Status:          &status,
			CompletedAt:     &completedAt,
			ErrorMessage:    &class.Message,
			FailureCategory: &class.Category,
			FailureCode:     &class.Code,
			OutputSnapshot:  outputRaw,
		}
		if err := e.store.UpdateExecution(ctx, executionID, update); err != nil {
			e.logger.ErrorContext(ctx, "terminal FAILED write failed", "error", err)
		}
		e.events.Record(ctx, executionID, "", dsl.EventExecutionFailed, dsl.LevelError,
			"execution failed: "+class.Message, map[string]any{
				"category": string(class.Category),
				"code":     class.Code,
			})
		e.attachReplay(ctx, rc, executionID)
		e.recordOutcome(ctx, rc, executionID, experimentID, variant, false, class.Category)

		ex, _ := e.mustGetExecution(ctx, executionID)
		return ex, runErr
	}

	status := dsl.ExecutionSuccess
	update := store.ExecutionUpdate{
		Status:         &status,
		CompletedAt:    &completedAt,
		OutputSnapshot: outputRaw,
	}
	if err := e.store.UpdateExecution(ctx, executionID, update); err != nil {
		// The status guard lost to a concurrent cancel; report the stored
		// terminal state.
		e.logger.WarnContext(ctx, "terminal SUCCESS write rejected", "error", err)
		return e.mustGetExecution(ctx, executionID)
	}
	e.events.Record(ctx, executionID, "", dsl.EventExecutionSuccess, dsl.LevelInfo,
		"execution succeeded", map[string]any{"soft_failures": rc.state.softFailures()})
	e.attachReplay(ctx, rc, executionID)
	e.recordOutcome(ctx, rc, executionID, experimentID, variant, true, "")

	return e.mustGetExecution(ctx, executionID)
}

// attachReplay assembles the replay bundle from persisted rows and folds it
// into the execution's output snapshot. Best-effort: failure never alters
// the terminal status.
func (e *Engine) attachReplay(ctx context.Context, rc *runContext, executionID string) {
	execution, err := e.store.GetExecution(ctx, executionID)
	if err != nil || execution == nil {
		e.logger.WarnContext(ctx, "replay assembly skipped: execution unreadable", "error", err)
		return
	}
	nodeExecs, err := e.store.ListNodeExecutions(ctx, executionID)
	if err != nil {
		e.logger.WarnContext(ctx, "replay assembly skipped: node rows unreadable", "error", err)
		return
	}

	bundle := AssembleReplay(rc.doc, execution, nodeExecs)

	outputDoc := decodeObjectOrEmpty(execution.OutputSnapshot)
	outputDoc["replay"] = bundle
	outputRaw, err := json.Marshal(outputDoc)
	if err != nil {
		e.logger.WarnContext(ctx, "replay bundle marshal failed", "error", err)
		return
	}

	if err := e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{OutputSnapshot: outputRaw}); err != nil {
		e.logger.WarnContext(ctx, "replay bundle write failed", "error", err)
		return
	}
	e.events.Record(ctx, executionID, "", dsl.EventReplayAssembled, dsl.LevelInfo,
		"replay bundle assembled", map[string]any{"nodes": len(bundle.Nodes)})
}

func (e *Engine) recordOutcome(ctx context.Context, rc *runContext, executionID, experimentID string, variant dsl.ExperimentVariant, success bool, category dsl.FailureCategory) {
	if experimentID == "" || e.router == nil {
		return
	}
	nodeExecs, err := e.store.ListNodeExecutions(ctx, executionID)
	nodeCount := 0
	if err == nil {
		nodeCount = len(nodeExecs)
	}
	e.recordExperimentOutcome(ctx, executionID, experimentID, &ExperimentOutcome{
		Variant:         variant,
		Success:         success,
		DurationMs:      time.Now().UTC().Sub(rc.execution.StartedAt).Milliseconds(),
		NodeCount:       nodeCount,
		FailureCategory: category,
	})
}

func (e *Engine) mustGetExecution(ctx context.Context, executionID string) (*store.Execution, error) {
	execution, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, dsl.NewErrorf(dsl.CodeStore, "load execution %s: %s", executionID, err.Error()).WithCause(err)
	}
	if execution == nil {
		return nil, dsl.NewErrorf(dsl.CodeNotFound, "execution %s not found", executionID)
	}
	return execution, nil
}

// Cancel requests cooperative cancellation of a RUNNING execution. The run
// loop observes the stored status at its next node-start boundary; nodes
// already inside their own work are not forcibly killed.
func (e *Engine) Cancel(ctx context.Context, userID, executionID, reason string) error {
	execution, err := e.mustGetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if execution.Status != dsl.ExecutionRunning {
		return dsl.NewErrorf(dsl.CodeConflict,
			"execution %s is %s, only RUNNING executions can be canceled", executionID, execution.Status)
	}

	if reason == "" {
		reason = "canceled by " + userID
	}
	e.events.Record(ctx, executionID, "", dsl.EventCancelRequested, dsl.LevelWarn,
		"cancellation requested: "+reason, map[string]any{"user_id": userID})

	now := time.Now().UTC()
	status := dsl.ExecutionCanceled
	category := dsl.FailureCanceled
	code := dsl.CodeExecutionCanceled
	return e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:          &status,
		CompletedAt:     &now,
		ErrorMessage:    &reason,
		FailureCategory: &category,
		FailureCode:     &code,
	})
}

// Rerun starts a fresh execution of a FAILED one, reusing its version and
// parameter snapshot and linking the runs via rerunOfExecutionId.
func (e *Engine) Rerun(ctx context.Context, userID, executionID string) (*store.Execution, error) {
	previous, err := e.mustGetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if previous.Status != dsl.ExecutionFailed {
		return nil, dsl.NewErrorf(dsl.CodeConflict,
			"execution %s is %s, only FAILED executions can be rerun", executionID, previous.Status)
	}

	return e.Trigger(ctx, userID, &TriggerRequest{
		WorkflowVersionID:     previous.WorkflowVersionID,
		TriggerType:           dsl.TriggerRerun,
		RerunOfExecutionID:    previous.ID,
		ParamSnapshotOverride: previous.ParamSnapshot,
	})
}

// Timeline returns the ordered diagnostic events of one execution.
func (e *Engine) Timeline(ctx context.Context, executionID string, filter store.EventFilter) ([]*store.RuntimeEvent, error) {
	if _, err := e.mustGetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return e.store.ListRuntimeEvents(ctx, executionID, filter)
}

// Replay reconstructs the evidence/lineage/snapshot bundle for a terminal
// execution on demand.
func (e *Engine) Replay(ctx context.Context, executionID string) (*ReplayBundle, error) {
	execution, err := e.mustGetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !execution.Status.IsTerminal() {
		return nil, dsl.NewErrorf(dsl.CodeConflict,
			"execution %s is still %s; replay requires a terminal execution", executionID, execution.Status)
	}

	version, err := e.getVersion(ctx, execution.WorkflowVersionID)
	if err != nil {
		return nil, err
	}
	nodeExecs, err := e.store.ListNodeExecutions(ctx, executionID)
	if err != nil {
		return nil, dsl.NewErrorf(dsl.CodeStore, "list node executions: %s", err.Error()).WithCause(err)
	}

	return AssembleReplay(&version.Dsl, execution, nodeExecs), nil
}

// Status returns one execution record.
func (e *Engine) Status(ctx context.Context, executionID string) (*store.Execution, error) {
	return e.mustGetExecution(ctx, executionID)
}

func decodeObjectOrEmpty(raw json.RawMessage) map[string]any {
	m := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &m)
	}
	return m
}
