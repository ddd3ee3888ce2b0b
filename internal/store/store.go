package store

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateKey is the unique-constraint signal. Implementations return an
// error matching this (via errors.Is) when an insert collides with a unique
// index — the engine resolves idempotency races by catching it and
// re-reading the winning record.
var ErrDuplicateKey = errors.New("duplicate key")

// IsDuplicateKey reports whether err carries the unique-constraint signal.
func IsDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}

// Store defines the persistence contract for the workflow engine.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflow definitions
	CreateDefinition(ctx context.Context, def *WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error)

	// Workflow versions (immutable after creation)
	CreateVersion(ctx context.Context, v *WorkflowVersion) error
	GetVersion(ctx context.Context, id string) (*WorkflowVersion, error)
	GetPublishedVersion(ctx context.Context, definitionID string) (*WorkflowVersion, error)
	PublishVersion(ctx context.Context, definitionID, versionID string) error

	// Executions
	CreateExecution(ctx context.Context, ex *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	GetExecutionStatus(ctx context.Context, id string) (string, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	FindExecutionByIdempotencyKey(ctx context.Context, versionID, userID, key string) (*Execution, error)
	FindExecutionByExperimentKey(ctx context.Context, experimentID, userID, key string) (*Execution, error)

	// Node executions (append-only, one row per node per execution)
	CreateNodeExecution(ctx context.Context, ne *NodeExecution) error
	ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error)

	// Runtime events (append-only diagnostics)
	AppendRuntimeEvent(ctx context.Context, ev *RuntimeEvent) error
	ListRuntimeEvents(ctx context.Context, executionID string, filter EventFilter) ([]*RuntimeEvent, error)

	// Parameter catalog
	GetParameterSet(ctx context.Context, id string) (*ParameterSet, error)
	ListParameterItems(ctx context.Context, setID string) ([]*ParameterItem, error)
	ListActiveBindings(ctx context.Context, userID string) ([]*ConfigBinding, error)
	FindCatalogEntry(ctx context.Context, id, userID string) (*CatalogEntry, error)

	// Scheduled triggers
	CreateScheduledTrigger(ctx context.Context, st *ScheduledTrigger) error
	ListEnabledScheduledTriggers(ctx context.Context) ([]*ScheduledTrigger, error)
	MarkScheduledTriggerRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error

	// Maintenance and lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
