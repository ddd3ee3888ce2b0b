package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quaystone/tradeflow/internal/store"
	"github.com/quaystone/tradeflow/pkg/dsl"
)

// memStore is an in-memory Store for engine tests. It mirrors the SQL
// store's contract: missing rows return (nil, nil), idempotency collisions
// return ErrDuplicateKey, and terminal executions reject further status
// updates.
type memStore struct {
	mu          sync.Mutex
	definitions map[string]*store.WorkflowDefinition
	versions    map[string]*store.WorkflowVersion
	executions  map[string]*store.Execution
	nodeExecs   []*store.NodeExecution
	events      []*store.RuntimeEvent
	paramSets   map[string]*store.ParameterSet
	paramItems  map[string][]*store.ParameterItem
	bindings    map[string][]*store.ConfigBinding
	catalog     map[string]*store.CatalogEntry
	schedules   map[string]*store.ScheduledTrigger
	nextEventID int64
}

func newMemStore() *memStore {
	return &memStore{
		definitions: map[string]*store.WorkflowDefinition{},
		versions:    map[string]*store.WorkflowVersion{},
		executions:  map[string]*store.Execution{},
		paramSets:   map[string]*store.ParameterSet{},
		paramItems:  map[string][]*store.ParameterItem{},
		bindings:    map[string][]*store.ConfigBinding{},
		catalog:     map[string]*store.CatalogEntry{},
		schedules:   map[string]*store.ScheduledTrigger{},
	}
}

func (m *memStore) CreateDefinition(_ context.Context, def *store.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *def
	m.definitions[def.ID] = &cp
	return nil
}

func (m *memStore) GetDefinition(_ context.Context, id string) (*store.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if def, ok := m.definitions[id]; ok {
		cp := *def
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) CreateVersion(_ context.Context, v *store.WorkflowVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.versions[v.ID] = &cp
	return nil
}

func (m *memStore) GetVersion(_ context.Context, id string) (*store.WorkflowVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.versions[id]; ok {
		cp := *v
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) GetPublishedVersion(_ context.Context, definitionID string) (*store.WorkflowVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *store.WorkflowVersion
	for _, v := range m.versions {
		if v.DefinitionID != definitionID || !v.Published {
			continue
		}
		if best == nil || v.Version > best.Version {
			best = v
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *memStore) PublishVersion(_ context.Context, definitionID, versionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions {
		if v.DefinitionID == definitionID {
			v.Published = v.ID == versionID
		}
	}
	return nil
}

func (m *memStore) CreateExecution(_ context.Context, ex *store.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.executions {
		if ex.IdempotencyKey == "" || existing.IdempotencyKey != ex.IdempotencyKey ||
			existing.TriggerUserID != ex.TriggerUserID {
			continue
		}
		if ex.ExperimentID == "" && existing.ExperimentID == "" &&
			existing.WorkflowVersionID == ex.WorkflowVersionID {
			return fmt.Errorf("%w: executions idempotency", store.ErrDuplicateKey)
		}
		if ex.ExperimentID != "" && existing.ExperimentID == ex.ExperimentID {
			return fmt.Errorf("%w: executions experiment idempotency", store.ErrDuplicateKey)
		}
	}
	cp := *ex
	m.executions[ex.ID] = &cp
	return nil
}

func (m *memStore) GetExecution(_ context.Context, id string) (*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ex, ok := m.executions[id]; ok {
		cp := *ex
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) GetExecutionStatus(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ex, ok := m.executions[id]; ok {
		return string(ex.Status), nil
	}
	return "", nil
}

func (m *memStore) UpdateExecution(_ context.Context, id string, update store.ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[id]
	if !ok {
		return dsl.NewErrorf(dsl.CodeConflict, "execution %s is not updatable (missing or already terminal)", id)
	}
	if update.Status != nil && update.Status.IsTerminal() && ex.Status != dsl.ExecutionRunning {
		return dsl.NewErrorf(dsl.CodeConflict, "execution %s is not updatable (missing or already terminal)", id)
	}
	if update.Status != nil {
		ex.Status = *update.Status
	}
	if update.CompletedAt != nil {
		ex.CompletedAt = update.CompletedAt
	}
	if update.ErrorMessage != nil {
		ex.ErrorMessage = *update.ErrorMessage
	}
	if update.FailureCategory != nil {
		ex.FailureCategory = *update.FailureCategory
	}
	if update.FailureCode != nil {
		ex.FailureCode = *update.FailureCode
	}
	if update.OutputSnapshot != nil {
		ex.OutputSnapshot = update.OutputSnapshot
	}
	return nil
}

func (m *memStore) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Execution
	for _, ex := range m.executions {
		if filter.WorkflowVersionID != "" && ex.WorkflowVersionID != filter.WorkflowVersionID {
			continue
		}
		if filter.TriggerUserID != "" && ex.TriggerUserID != filter.TriggerUserID {
			continue
		}
		if filter.Status != nil && ex.Status != *filter.Status {
			continue
		}
		cp := *ex
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memStore) FindExecutionByIdempotencyKey(_ context.Context, versionID, userID, key string) (*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.executions {
		if ex.WorkflowVersionID == versionID && ex.TriggerUserID == userID &&
			ex.IdempotencyKey == key && ex.ExperimentID == "" {
			cp := *ex
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) FindExecutionByExperimentKey(_ context.Context, experimentID, userID, key string) (*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.executions {
		if ex.ExperimentID == experimentID && ex.TriggerUserID == userID && ex.IdempotencyKey == key {
			cp := *ex
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) CreateNodeExecution(_ context.Context, ne *store.NodeExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.nodeExecs {
		if existing.ExecutionID == ne.ExecutionID && existing.NodeID == ne.NodeID {
			return fmt.Errorf("%w: node_executions", store.ErrDuplicateKey)
		}
	}
	cp := *ne
	m.nodeExecs = append(m.nodeExecs, &cp)
	return nil
}

func (m *memStore) ListNodeExecutions(_ context.Context, executionID string) ([]*store.NodeExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.NodeExecution
	for _, ne := range m.nodeExecs {
		if ne.ExecutionID == executionID {
			cp := *ne
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) AppendRuntimeEvent(_ context.Context, ev *store.RuntimeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	cp := *ev
	cp.ID = m.nextEventID
	if cp.OccurredAt.IsZero() {
		cp.OccurredAt = time.Now().UTC()
	}
	m.events = append(m.events, &cp)
	return nil
}

func (m *memStore) ListRuntimeEvents(_ context.Context, executionID string, filter store.EventFilter) ([]*store.RuntimeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.RuntimeEvent
	for _, ev := range m.events {
		if ev.ExecutionID != executionID {
			continue
		}
		if filter.EventType != "" && ev.EventType != filter.EventType {
			continue
		}
		if filter.NodeExecutionID != "" && ev.NodeExecutionID != filter.NodeExecutionID {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memStore) GetParameterSet(_ context.Context, id string) (*store.ParameterSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ps, ok := m.paramSets[id]; ok {
		cp := *ps
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) ListParameterItems(_ context.Context, setID string) ([]*store.ParameterItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*store.ParameterItem(nil), m.paramItems[setID]...), nil
}

func (m *memStore) ListActiveBindings(_ context.Context, userID string) ([]*store.ConfigBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ConfigBinding
	for _, b := range m.bindings[userID] {
		if b.Active {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

func (m *memStore) FindCatalogEntry(_ context.Context, id, userID string) (*store.CatalogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.catalog[id]
	if !ok || !entry.Active || (entry.OwnerUserID != userID && !entry.Public) {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

func (m *memStore) CreateScheduledTrigger(_ context.Context, st *store.ScheduledTrigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *st
	m.schedules[st.ID] = &cp
	return nil
}

func (m *memStore) ListEnabledScheduledTriggers(_ context.Context) ([]*store.ScheduledTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ScheduledTrigger
	for _, st := range m.schedules {
		if st.Enabled {
			cp := *st
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) MarkScheduledTriggerRun(_ context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.schedules[id]; ok {
		st.LastRunAt = &lastRun
		st.NextRunAt = nextRun
	}
	return nil
}

func (m *memStore) Migrate(context.Context) error { return nil }
func (m *memStore) Close() error                  { return nil }

var _ store.Store = (*memStore)(nil)
