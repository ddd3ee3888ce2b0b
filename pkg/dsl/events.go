package dsl

// ExecutionStatus represents the lifecycle state of a workflow execution.
// Created RUNNING; transitions exactly once to a terminal status.
type ExecutionStatus string

const (
	ExecutionRunning  ExecutionStatus = "RUNNING"
	ExecutionSuccess  ExecutionStatus = "SUCCESS"
	ExecutionFailed   ExecutionStatus = "FAILED"
	ExecutionCanceled ExecutionStatus = "CANCELED"
)

// IsTerminal reports whether the status is final.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionSuccess || s == ExecutionFailed || s == ExecutionCanceled
}

// NodeStatus represents the persisted outcome of one node within one
// execution. PENDING and RUNNING exist only in engine memory.
type NodeStatus string

const (
	NodePending NodeStatus = "PENDING"
	NodeRunning NodeStatus = "RUNNING"
	NodeSuccess NodeStatus = "SUCCESS"
	NodeFailed  NodeStatus = "FAILED"
	NodeSkipped NodeStatus = "SKIPPED"
)

// TriggerType identifies how an execution was started.
type TriggerType string

const (
	TriggerManual    TriggerType = "MANUAL"
	TriggerScheduled TriggerType = "SCHEDULED"
	TriggerSubflow   TriggerType = "SUBFLOW"
	TriggerRerun     TriggerType = "RERUN"
)

// EventLevel grades runtime diagnostic events.
type EventLevel string

const (
	LevelInfo  EventLevel = "INFO"
	LevelWarn  EventLevel = "WARN"
	LevelError EventLevel = "ERROR"
)

// Runtime event types for the diagnostic timeline. Writes are best-effort:
// a failed write never aborts execution.
const (
	EventExecutionStarted  = "execution_started"
	EventExecutionSuccess  = "execution_success"
	EventExecutionFailed   = "execution_failed"
	EventExecutionCanceled = "execution_canceled"

	EventNodeStarted      = "node_started"
	EventNodeCompleted    = "node_completed"
	EventNodeFailed       = "node_failed"
	EventNodeSkipped      = "node_skipped"
	EventNodeRetryAttempt = "node_retry_attempt"

	EventSkipPropagated    = "skip_propagated"
	EventCancelRequested   = "cancel_requested"
	EventParamSnapshot     = "param_snapshot_built"
	EventExperimentRouted  = "experiment_routed"
	EventExperimentOutcome = "experiment_outcome_recorded"
	EventSubflowInvoked    = "subflow_invoked"
	EventReplayAssembled   = "replay_assembled"
	EventDebateTraceWrite  = "debate_trace_recorded"
)

// ExperimentVariant is the A/B arm a run was routed to.
type ExperimentVariant string

const (
	VariantA ExperimentVariant = "A"
	VariantB ExperimentVariant = "B"
)

// ScopeLevel is the specificity tier governing which parameter value applies
// to a run's context. Higher wins on same-key conflicts within one set.
type ScopeLevel string

const (
	ScopeGlobal    ScopeLevel = "GLOBAL"
	ScopeCommodity ScopeLevel = "COMMODITY"
	ScopeRegion    ScopeLevel = "REGION"
	ScopeRoute     ScopeLevel = "ROUTE"
	ScopeStrategy  ScopeLevel = "STRATEGY"
	ScopeSession   ScopeLevel = "SESSION"
)

// Rank orders scope levels from least to most specific. Unknown levels rank
// below GLOBAL so they never shadow a known scope.
func (s ScopeLevel) Rank() int {
	switch s {
	case ScopeGlobal:
		return 1
	case ScopeCommodity, ScopeRegion, ScopeRoute, ScopeStrategy:
		return 2
	case ScopeSession:
		return 3
	default:
		return 0
	}
}

// BindingType enumerates user config binding kinds gathered into the
// parameter snapshot before a run.
type BindingType string

const (
	BindingAgentProfile BindingType = "AGENT_PROFILE"
	BindingParameterSet BindingType = "PARAMETER_SET"
	BindingRulePack     BindingType = "DECISION_RULE_PACK"
	BindingConnector    BindingType = "DATA_CONNECTOR"
)
