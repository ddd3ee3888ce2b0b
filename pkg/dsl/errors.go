package dsl

import "fmt"

// FailureCategory is the coarse failure taxonomy every node or execution
// failure resolves into.
type FailureCategory string

const (
	FailureTimeout  FailureCategory = "TIMEOUT"
	FailureCanceled FailureCategory = "CANCELED"
	FailureExecutor FailureCategory = "EXECUTOR"
	FailureInternal FailureCategory = "INTERNAL"
)

// Failure codes for structured error reporting.
const (
	CodeNodeTimeout        = "NODE_TIMEOUT"
	CodeExecutionCanceled  = "EXECUTION_CANCELED"
	CodeNodeExecutorError  = "NODE_EXECUTOR_ERROR"
	CodeNodeExecutorFailed = "NODE_EXECUTOR_FAILED"
	CodeBindingUnresolved  = "INPUT_BINDING_UNRESOLVED"
	CodeExecutorMissing    = "NODE_EXECUTOR_MISSING"
	CodeInternal           = "ENGINE_INTERNAL"

	CodeDslInvalid          = "DSL_INVALID"
	CodeNotFound            = "NOT_FOUND"
	CodeConflict            = "CONFLICT"
	CodeStore               = "STORE_ERROR"
	CodeSubflowDepth        = "SUBFLOW_DEPTH_EXCEEDED"
	CodeSubflowCycle        = "SUBFLOW_CYCLE"
	CodeConditionInvalid    = "CONDITION_INVALID"
	CodeExperimentRouting   = "EXPERIMENT_ROUTING_ERROR"
)

// EngineError is the structured error type for all engine operations.
// Category is optional: when unset, the failure classifier derives it from
// the code.
type EngineError struct {
	Code     string          `json:"code"`
	Category FailureCategory `json:"category,omitempty"`
	Message  string          `json:"message"`
	NodeID   string          `json:"node_id,omitempty"`
	Details  map[string]any  `json:"details,omitempty"`
	Cause    error           `json:"-"`
}

func (e *EngineError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Cause }

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *EngineError) WithNode(nodeID string) *EngineError {
	e.NodeID = nodeID
	return e
}

// WithCategory pins the failure category instead of letting the classifier
// derive it from the code.
func (e *EngineError) WithCategory(c FailureCategory) *EngineError {
	e.Category = c
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}
