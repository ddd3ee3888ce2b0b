package store

import (
	"encoding/json"
	"time"

	"github.com/quaystone/tradeflow/pkg/dsl"
)

// WorkflowDefinition is an owned or public-template workflow identity.
// Identity is immutable; ownership and visibility can change.
type WorkflowDefinition struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	OwnerUserID string    `json:"owner_user_id"`
	Public      bool      `json:"public"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WorkflowVersion is an immutable DSL snapshot belonging to one definition.
// At most one version per definition is published at a time.
type WorkflowVersion struct {
	ID           string          `json:"id"`
	DefinitionID string          `json:"workflow_definition_id"`
	Version      int             `json:"version"`
	Dsl          dsl.WorkflowDsl `json:"dsl"`
	DslHash      string          `json:"dsl_hash"`
	Published    bool            `json:"published"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Execution is one run instance of a workflow version.
type Execution struct {
	ID                 string                `json:"id"`
	WorkflowVersionID  string                `json:"workflow_version_id"`
	TriggerType        dsl.TriggerType       `json:"trigger_type"`
	TriggerUserID      string                `json:"trigger_user_id"`
	IdempotencyKey     string                `json:"idempotency_key,omitempty"`
	ExperimentID       string                `json:"experiment_id,omitempty"`
	Variant            dsl.ExperimentVariant `json:"experiment_variant,omitempty"`
	RerunOfExecutionID string                `json:"rerun_of_execution_id,omitempty"`
	Status             dsl.ExecutionStatus   `json:"status"`
	StartedAt          time.Time             `json:"started_at"`
	CompletedAt        *time.Time            `json:"completed_at,omitempty"`
	ErrorMessage       string                `json:"error_message,omitempty"`
	FailureCategory    dsl.FailureCategory   `json:"failure_category,omitempty"`
	FailureCode        string                `json:"failure_code,omitempty"`
	ParamSnapshot      json.RawMessage       `json:"param_snapshot,omitempty"`
	OutputSnapshot     json.RawMessage       `json:"output_snapshot,omitempty"`
}

// NodeExecution is the single attempt-cycle record for one node within one
// execution. Append-only; retries fold into one row via _meta.attempts in
// the output snapshot.
type NodeExecution struct {
	ID              string              `json:"id"`
	ExecutionID     string              `json:"workflow_execution_id"`
	NodeID          string              `json:"node_id"`
	NodeType        string              `json:"node_type"`
	Status          dsl.NodeStatus      `json:"status"`
	StartedAt       time.Time           `json:"started_at"`
	CompletedAt     time.Time           `json:"completed_at"`
	DurationMs      int64               `json:"duration_ms"`
	ErrorMessage    string              `json:"error_message,omitempty"`
	FailureCategory dsl.FailureCategory `json:"failure_category,omitempty"`
	FailureCode     string              `json:"failure_code,omitempty"`
	InputSnapshot   json.RawMessage     `json:"input_snapshot,omitempty"`
	OutputSnapshot  json.RawMessage     `json:"output_snapshot,omitempty"`
}

// RuntimeEvent is an append-only diagnostic timeline entry. Best-effort:
// failure to write one must never abort execution.
type RuntimeEvent struct {
	ID              int64           `json:"id"`
	ExecutionID     string          `json:"workflow_execution_id"`
	NodeExecutionID string          `json:"node_execution_id,omitempty"`
	EventType       string          `json:"event_type"`
	Level           dsl.EventLevel  `json:"level"`
	Message         string          `json:"message,omitempty"`
	Detail          json.RawMessage `json:"detail,omitempty"`
	OccurredAt      time.Time       `json:"occurred_at"`
}

// ParameterSet is a named, versioned bundle of scoped parameters.
type ParameterSet struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     int       `json:"version"`
	OwnerUserID string    `json:"owner_user_id"`
	Public      bool      `json:"public"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// ParameterItem is one scoped key→value entry within a set. ScopeValue holds
// the concrete commodity/region/route/strategy the item is pinned to; empty
// for GLOBAL items.
type ParameterItem struct {
	ID            int64           `json:"id"`
	SetID         string          `json:"parameter_set_id"`
	Key           string          `json:"key"`
	Value         json.RawMessage `json:"value"`
	ScopeLevel    dsl.ScopeLevel  `json:"scope_level"`
	ScopeValue    string          `json:"scope_value,omitempty"`
	EffectiveFrom *time.Time      `json:"effective_from,omitempty"`
	EffectiveTo   *time.Time      `json:"effective_to,omitempty"`
}

// ConfigBinding is a user's active binding of a catalog entry (agent
// profile, parameter set, rule pack, data connector). Position orders
// same-type bindings; later positions override earlier ones on key
// conflicts during snapshot building.
type ConfigBinding struct {
	ID       string          `json:"id"`
	UserID   string          `json:"user_id"`
	Type     dsl.BindingType `json:"binding_type"`
	TargetID string          `json:"target_id"`
	Position int             `json:"position"`
	Active   bool            `json:"active"`
}

// CatalogEntry is a concrete bound record: an agent profile, decision rule
// pack, or data connector. Parameter sets live in their own table.
type CatalogEntry struct {
	ID          string          `json:"id"`
	Kind        dsl.BindingType `json:"kind"`
	Name        string          `json:"name"`
	OwnerUserID string          `json:"owner_user_id"`
	Public      bool            `json:"public"`
	Active      bool            `json:"active"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ScheduledTrigger is a cron-fired trigger of a workflow definition.
type ScheduledTrigger struct {
	ID             string          `json:"id"`
	DefinitionID   string          `json:"workflow_definition_id"`
	UserID         string          `json:"user_id"`
	CronExpression string          `json:"cron_expression"`
	Params         json.RawMessage `json:"params,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// ExecutionUpdate specifies the mutable fields of an execution. Status moves
// RUNNING → terminal exactly once; the store rejects terminal → terminal.
type ExecutionUpdate struct {
	Status          *dsl.ExecutionStatus `json:"status,omitempty"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty"`
	ErrorMessage    *string              `json:"error_message,omitempty"`
	FailureCategory *dsl.FailureCategory `json:"failure_category,omitempty"`
	FailureCode     *string              `json:"failure_code,omitempty"`
	OutputSnapshot  json.RawMessage      `json:"output_snapshot,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowVersionID string               `json:"workflow_version_id,omitempty"`
	TriggerUserID     string               `json:"trigger_user_id,omitempty"`
	Status            *dsl.ExecutionStatus `json:"status,omitempty"`
	Since             *time.Time           `json:"since,omitempty"`
	Limit             int                  `json:"limit,omitempty"`
}

// EventFilter specifies criteria for listing runtime events.
type EventFilter struct {
	NodeExecutionID string `json:"node_execution_id,omitempty"`
	EventType       string `json:"event_type,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}
