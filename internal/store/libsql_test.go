package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quaystone/tradeflow/pkg/dsl"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedVersion(t *testing.T, s *LibSQLStore) *WorkflowVersion {
	t.Helper()
	ctx := context.Background()
	def := &WorkflowDefinition{ID: uuid.NewString(), Name: "morning-brief", OwnerUserID: "trader-1"}
	require.NoError(t, s.CreateDefinition(ctx, def))

	doc := dsl.WorkflowDsl{Nodes: []dsl.Node{{ID: "fetch", Type: "market-data"}}}
	v := &WorkflowVersion{
		ID: uuid.NewString(), DefinitionID: def.ID, Version: 1,
		Dsl: doc, DslHash: doc.Hash(), Published: true,
	}
	require.NoError(t, s.CreateVersion(ctx, v))
	return v
}

func seedExecution(t *testing.T, s *LibSQLStore, versionID string) *Execution {
	t.Helper()
	ex := &Execution{
		ID:                uuid.NewString(),
		WorkflowVersionID: versionID,
		TriggerType:       dsl.TriggerManual,
		TriggerUserID:     "trader-1",
		Status:            dsl.ExecutionRunning,
		StartedAt:         time.Now().UTC(),
		ParamSnapshot:     json.RawMessage(`{"params":{"maxPosition":40}}`),
	}
	require.NoError(t, s.CreateExecution(context.Background(), ex))
	return ex
}

func TestDefinitionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := &WorkflowDefinition{ID: uuid.NewString(), Name: "brent-outlook", OwnerUserID: "trader-1", Public: true}
	require.NoError(t, s.CreateDefinition(ctx, def))

	got, err := s.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "brent-outlook", got.Name)
	assert.True(t, got.Public)

	missing, err := s.GetDefinition(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestVersionPublishing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v1 := seedVersion(t, s)

	doc := dsl.WorkflowDsl{Nodes: []dsl.Node{{ID: "fetch", Type: "market-data"}, {ID: "report", Type: "research-report"}}}
	v2 := &WorkflowVersion{
		ID: uuid.NewString(), DefinitionID: v1.DefinitionID, Version: 2,
		Dsl: doc, DslHash: doc.Hash(),
	}
	require.NoError(t, s.CreateVersion(ctx, v2))

	got, err := s.GetVersion(ctx, v2.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.Dsl.Nodes, 2)
	assert.Equal(t, doc.Hash(), got.DslHash)

	published, err := s.GetPublishedVersion(ctx, v1.DefinitionID)
	require.NoError(t, err)
	require.NotNil(t, published)
	assert.Equal(t, v1.ID, published.ID)

	require.NoError(t, s.PublishVersion(ctx, v1.DefinitionID, v2.ID))
	published, err = s.GetPublishedVersion(ctx, v1.DefinitionID)
	require.NoError(t, err)
	require.NotNil(t, published)
	assert.Equal(t, v2.ID, published.ID)

	old, err := s.GetVersion(ctx, v1.ID)
	require.NoError(t, err)
	assert.False(t, old.Published)
}

func TestExecutionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVersion(t, s)
	ex := seedExecution(t, s, v.ID)

	got, err := s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, dsl.ExecutionRunning, got.Status)
	assert.Equal(t, dsl.TriggerManual, got.TriggerType)
	assert.JSONEq(t, `{"params":{"maxPosition":40}}`, string(got.ParamSnapshot))

	status, err := s.GetExecutionStatus(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", status)

	status, err = s.GetExecutionStatus(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, "", status)
}

func TestUpdateExecutionTerminalGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVersion(t, s)
	ex := seedExecution(t, s, v.ID)

	now := time.Now().UTC()
	success := dsl.ExecutionSuccess
	require.NoError(t, s.UpdateExecution(ctx, ex.ID, ExecutionUpdate{
		Status: &success, CompletedAt: &now,
		OutputSnapshot: json.RawMessage(`{"outputs":{}}`),
	}))

	// Second terminal transition must be rejected.
	failed := dsl.ExecutionFailed
	err := s.UpdateExecution(ctx, ex.ID, ExecutionUpdate{Status: &failed})
	require.Error(t, err)
	var ee *dsl.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, dsl.CodeConflict, ee.Code)

	// Non-status updates on a terminal execution still work (replay attach).
	require.NoError(t, s.UpdateExecution(ctx, ex.ID, ExecutionUpdate{
		OutputSnapshot: json.RawMessage(`{"outputs":{},"replay":{}}`),
	}))

	got, err := s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, dsl.ExecutionSuccess, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestIdempotencyUniqueIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVersion(t, s)

	ex := &Execution{
		ID: uuid.NewString(), WorkflowVersionID: v.ID,
		TriggerType: dsl.TriggerManual, TriggerUserID: "trader-1",
		IdempotencyKey: "morning-run", Status: dsl.ExecutionRunning,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateExecution(ctx, ex))

	dup := *ex
	dup.ID = uuid.NewString()
	err := s.CreateExecution(ctx, &dup)
	require.Error(t, err)
	assert.True(t, IsDuplicateKey(err))

	found, err := s.FindExecutionByIdempotencyKey(ctx, v.ID, "trader-1", "morning-run")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, ex.ID, found.ID)

	// A different user with the same key is a distinct execution.
	other := *ex
	other.ID = uuid.NewString()
	other.TriggerUserID = "trader-2"
	require.NoError(t, s.CreateExecution(ctx, &other))
}

func TestExperimentIdempotencyIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVersion(t, s)

	ex := &Execution{
		ID: uuid.NewString(), WorkflowVersionID: v.ID,
		TriggerType: dsl.TriggerManual, TriggerUserID: "trader-1",
		IdempotencyKey: "exp-run", ExperimentID: "exp-1", Variant: dsl.VariantA,
		Status: dsl.ExecutionRunning, StartedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateExecution(ctx, ex))

	// Same experiment and key collides even on a different version row.
	dup := *ex
	dup.ID = uuid.NewString()
	dup.Variant = dsl.VariantB
	err := s.CreateExecution(ctx, &dup)
	require.Error(t, err)
	assert.True(t, IsDuplicateKey(err))

	found, err := s.FindExecutionByExperimentKey(ctx, "exp-1", "trader-1", "exp-run")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, dsl.VariantA, found.Variant)
}

func TestNodeExecutionSingleRowPerNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVersion(t, s)
	ex := seedExecution(t, s, v.ID)

	now := time.Now().UTC()
	ne := &NodeExecution{
		ID: uuid.NewString(), ExecutionID: ex.ID, NodeID: "fetch", NodeType: "market-data",
		Status: dsl.NodeSuccess, StartedAt: now, CompletedAt: now.Add(50 * time.Millisecond),
		DurationMs:     50,
		OutputSnapshot: json.RawMessage(`{"price":72.5,"_meta":{"attempts":1}}`),
	}
	require.NoError(t, s.CreateNodeExecution(ctx, ne))

	dup := *ne
	dup.ID = uuid.NewString()
	err := s.CreateNodeExecution(ctx, &dup)
	require.Error(t, err)
	assert.True(t, IsDuplicateKey(err))

	rows, err := s.ListNodeExecutions(ctx, ex.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "fetch", rows[0].NodeID)
	assert.Equal(t, int64(50), rows[0].DurationMs)
	assert.JSONEq(t, string(ne.OutputSnapshot), string(rows[0].OutputSnapshot))
}

func TestRuntimeEventsAppendAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVersion(t, s)
	ex := seedExecution(t, s, v.ID)

	for _, et := range []string{dsl.EventExecutionStarted, dsl.EventNodeStarted, dsl.EventNodeCompleted} {
		ev := &RuntimeEvent{ExecutionID: ex.ID, EventType: et, Level: dsl.LevelInfo, Message: et}
		require.NoError(t, s.AppendRuntimeEvent(ctx, ev))
		assert.NotZero(t, ev.ID)
	}

	all, err := s.ListRuntimeEvents(ctx, ex.ID, EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, dsl.EventExecutionStarted, all[0].EventType)
	assert.True(t, all[0].ID < all[1].ID && all[1].ID < all[2].ID)

	filtered, err := s.ListRuntimeEvents(ctx, ex.ID, EventFilter{EventType: dsl.EventNodeStarted})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, dsl.EventNodeStarted, filtered[0].EventType)
}

func TestParameterCatalogReads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.DB().ExecContext(ctx,
		`INSERT INTO parameter_sets (id, name, version, owner_user_id, public, active)
		 VALUES ('ps-risk', 'risk-limits', 1, 'trader-1', 0, 1)`)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx,
		`INSERT INTO parameter_items (parameter_set_id, key, value, scope_level, scope_value)
		 VALUES ('ps-risk', 'maxPosition', '40', 'COMMODITY', 'brent'),
		        ('ps-risk', 'maxPosition', '100', 'GLOBAL', NULL)`)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx,
		`INSERT INTO config_bindings (id, user_id, binding_type, target_id, position, active)
		 VALUES ('cb-1', 'trader-1', 'PARAMETER_SET', 'ps-risk', 0, 1),
		        ('cb-2', 'trader-1', 'PARAMETER_SET', 'ps-old', 1, 0)`)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx,
		`INSERT INTO catalog_entries (id, kind, name, owner_user_id, public, active, payload)
		 VALUES ('agent-quant', 'AGENT_PROFILE', 'Quant Desk', 'someone-else', 1, 1, '{"model":"momentum-v3"}'),
		        ('agent-hidden', 'AGENT_PROFILE', 'Private', 'someone-else', 0, 1, NULL)`)
	require.NoError(t, err)

	set, err := s.GetParameterSet(ctx, "ps-risk")
	require.NoError(t, err)
	require.NotNil(t, set)
	assert.True(t, set.Active)

	items, err := s.ListParameterItems(ctx, "ps-risk")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	bindings, err := s.ListActiveBindings(ctx, "trader-1")
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, "ps-risk", bindings[0].TargetID)

	visible, err := s.FindCatalogEntry(ctx, "agent-quant", "trader-1")
	require.NoError(t, err)
	require.NotNil(t, visible)
	assert.Equal(t, "Quant Desk", visible.Name)

	hidden, err := s.FindCatalogEntry(ctx, "agent-hidden", "trader-1")
	require.NoError(t, err)
	assert.Nil(t, hidden)
}

func TestScheduledTriggers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVersion(t, s)

	st := &ScheduledTrigger{
		ID: uuid.NewString(), DefinitionID: v.DefinitionID, UserID: "trader-1",
		CronExpression: "0 6 * * *", Enabled: true,
		Params: json.RawMessage(`{"scope":{"commodity":"brent"}}`),
	}
	require.NoError(t, s.CreateScheduledTrigger(ctx, st))

	enabled, err := s.ListEnabledScheduledTriggers(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "0 6 * * *", enabled[0].CronExpression)
	assert.Nil(t, enabled[0].NextRunAt)

	lastRun := time.Now().UTC()
	nextRun := lastRun.Add(24 * time.Hour)
	require.NoError(t, s.MarkScheduledTriggerRun(ctx, st.ID, lastRun, &nextRun))

	enabled, err = s.ListEnabledScheduledTriggers(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	require.NotNil(t, enabled[0].NextRunAt)
	assert.WithinDuration(t, nextRun, *enabled[0].NextRunAt, time.Second)
}

func TestListExecutionsFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVersion(t, s)

	running := seedExecution(t, s, v.ID)
	done := seedExecution(t, s, v.ID)
	now := time.Now().UTC()
	success := dsl.ExecutionSuccess
	require.NoError(t, s.UpdateExecution(ctx, done.ID, ExecutionUpdate{Status: &success, CompletedAt: &now}))

	all, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowVersionID: v.ID})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	runningStatus := dsl.ExecutionRunning
	onlyRunning, err := s.ListExecutions(ctx, ExecutionFilter{Status: &runningStatus})
	require.NoError(t, err)
	require.Len(t, onlyRunning, 1)
	assert.Equal(t, running.ID, onlyRunning[0].ID)
}
