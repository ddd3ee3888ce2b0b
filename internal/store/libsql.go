package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/quaystone/tradeflow/pkg/dsl"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflow definitions ---

func (s *LibSQLStore) CreateDefinition(ctx context.Context, def *WorkflowDefinition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_definitions (id, name, owner_user_id, public, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, def.OwnerUserID, boolInt(def.Public),
		timeOrNow(def.CreatedAt), timeOrNow(def.UpdatedAt),
	)
	return wrapConstraint(err)
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error) {
	def := &WorkflowDefinition{}
	var public int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner_user_id, public, created_at, updated_at
		 FROM workflow_definitions WHERE id = ?`, id,
	).Scan(&def.ID, &def.Name, &def.OwnerUserID, &public, &def.CreatedAt, &def.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	def.Public = public != 0
	return def, nil
}

// --- Workflow versions ---

func (s *LibSQLStore) CreateVersion(ctx context.Context, v *WorkflowVersion) error {
	raw, err := json.Marshal(v.Dsl)
	if err != nil {
		return fmt.Errorf("marshal dsl: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_versions (id, workflow_definition_id, version, dsl, dsl_hash, published, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.DefinitionID, v.Version, string(raw), v.DslHash, boolInt(v.Published), timeOrNow(v.CreatedAt),
	)
	return wrapConstraint(err)
}

func (s *LibSQLStore) GetVersion(ctx context.Context, id string) (*WorkflowVersion, error) {
	return s.scanVersion(s.db.QueryRowContext(ctx,
		`SELECT id, workflow_definition_id, version, dsl, dsl_hash, published, created_at
		 FROM workflow_versions WHERE id = ?`, id))
}

func (s *LibSQLStore) GetPublishedVersion(ctx context.Context, definitionID string) (*WorkflowVersion, error) {
	return s.scanVersion(s.db.QueryRowContext(ctx,
		`SELECT id, workflow_definition_id, version, dsl, dsl_hash, published, created_at
		 FROM workflow_versions WHERE workflow_definition_id = ? AND published = 1
		 ORDER BY version DESC LIMIT 1`, definitionID))
}

func (s *LibSQLStore) scanVersion(row *sql.Row) (*WorkflowVersion, error) {
	v := &WorkflowVersion{}
	var dslJSON string
	var published int
	err := row.Scan(&v.ID, &v.DefinitionID, &v.Version, &dslJSON, &v.DslHash, &published, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(dslJSON), &v.Dsl); err != nil {
		return nil, fmt.Errorf("unmarshal dsl: %w", err)
	}
	v.Published = published != 0
	return v, nil
}

func (s *LibSQLStore) PublishVersion(ctx context.Context, definitionID, versionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE workflow_versions SET published = 0 WHERE workflow_definition_id = ?`, definitionID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_versions SET published = 1 WHERE id = ? AND workflow_definition_id = ?`,
		versionID, definitionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("version %s not found for definition %s", versionID, definitionID)
	}
	return tx.Commit()
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, ex *Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_executions (id, workflow_version_id, trigger_type, trigger_user_id,
		 idempotency_key, experiment_id, experiment_variant, rerun_of_execution_id, status,
		 started_at, completed_at, error_message, failure_category, failure_code,
		 param_snapshot, output_snapshot)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.WorkflowVersionID, string(ex.TriggerType), ex.TriggerUserID,
		nullStr(ex.IdempotencyKey), nullStr(ex.ExperimentID), nullStr(string(ex.Variant)),
		nullStr(ex.RerunOfExecutionID), string(ex.Status),
		timeOrNow(ex.StartedAt), nullTime(ex.CompletedAt), nullStr(ex.ErrorMessage),
		nullStr(string(ex.FailureCategory)), nullStr(ex.FailureCode),
		nullRaw(ex.ParamSnapshot), nullRaw(ex.OutputSnapshot),
	)
	return wrapConstraint(err)
}

const executionColumns = `id, workflow_version_id, trigger_type, trigger_user_id,
	idempotency_key, experiment_id, experiment_variant, rerun_of_execution_id, status,
	started_at, completed_at, error_message, failure_category, failure_code,
	param_snapshot, output_snapshot`

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	return scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id))
}

func (s *LibSQLStore) GetExecutionStatus(ctx context.Context, id string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM workflow_executions WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return status, err
}

func (s *LibSQLStore) FindExecutionByIdempotencyKey(ctx context.Context, versionID, userID, key string) (*Execution, error) {
	return scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions
		 WHERE workflow_version_id = ? AND trigger_user_id = ? AND idempotency_key = ? AND experiment_id IS NULL`,
		versionID, userID, key))
}

func (s *LibSQLStore) FindExecutionByExperimentKey(ctx context.Context, experimentID, userID, key string) (*Execution, error) {
	return scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions
		 WHERE experiment_id = ? AND trigger_user_id = ? AND idempotency_key = ?`,
		experimentID, userID, key))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	ex := &Execution{}
	var (
		idemKey, expID, variant, rerunOf       sql.NullString
		errMsg, failCat, failCode              sql.NullString
		paramSnap, outputSnap                  sql.NullString
		completedAt                            sql.NullTime
		status, triggerType                    string
	)
	err := row.Scan(&ex.ID, &ex.WorkflowVersionID, &triggerType, &ex.TriggerUserID,
		&idemKey, &expID, &variant, &rerunOf, &status,
		&ex.StartedAt, &completedAt, &errMsg, &failCat, &failCode,
		&paramSnap, &outputSnap)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ex.TriggerType = dsl.TriggerType(triggerType)
	ex.Status = dsl.ExecutionStatus(status)
	ex.IdempotencyKey = idemKey.String
	ex.ExperimentID = expID.String
	ex.Variant = dsl.ExperimentVariant(variant.String)
	ex.RerunOfExecutionID = rerunOf.String
	ex.ErrorMessage = errMsg.String
	ex.FailureCategory = dsl.FailureCategory(failCat.String)
	ex.FailureCode = failCode.String
	ex.ParamSnapshot = rawOrNil(paramSnap)
	ex.OutputSnapshot = rawOrNil(outputSnap)
	if completedAt.Valid {
		ex.CompletedAt = &completedAt.Time
	}
	return ex, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.FailureCategory != nil {
		sets = append(sets, "failure_category = ?")
		args = append(args, string(*update.FailureCategory))
	}
	if update.FailureCode != nil {
		sets = append(sets, "failure_code = ?")
		args = append(args, *update.FailureCode)
	}
	if update.OutputSnapshot != nil {
		sets = append(sets, "output_snapshot = ?")
		args = append(args, string(update.OutputSnapshot))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflow_executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	if update.Status != nil && update.Status.IsTerminal() {
		// Terminal transition happens exactly once: only a RUNNING row may move.
		query += " AND status = 'RUNNING'"
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return dsl.NewErrorf(dsl.CodeConflict, "execution %s is not updatable (missing or already terminal)", id)
	}
	return nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.WorkflowVersionID != "" {
		where = append(where, "workflow_version_id = ?")
		args = append(args, filter.WorkflowVersionID)
	}
	if filter.TriggerUserID != "" {
		where = append(where, "trigger_user_id = ?")
		args = append(args, filter.TriggerUserID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + executionColumns + ` FROM workflow_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ex)
	}
	return result, rows.Err()
}

// --- Node executions ---

func (s *LibSQLStore) CreateNodeExecution(ctx context.Context, ne *NodeExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_executions (id, workflow_execution_id, node_id, node_type, status,
		 started_at, completed_at, duration_ms, error_message, failure_category, failure_code,
		 input_snapshot, output_snapshot)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ne.ID, ne.ExecutionID, ne.NodeID, ne.NodeType, string(ne.Status),
		ne.StartedAt, ne.CompletedAt, ne.DurationMs, nullStr(ne.ErrorMessage),
		nullStr(string(ne.FailureCategory)), nullStr(ne.FailureCode),
		nullRaw(ne.InputSnapshot), nullRaw(ne.OutputSnapshot),
	)
	return wrapConstraint(err)
}

func (s *LibSQLStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_execution_id, node_id, node_type, status,
		 started_at, completed_at, duration_ms, error_message, failure_category, failure_code,
		 input_snapshot, output_snapshot
		 FROM node_executions WHERE workflow_execution_id = ? ORDER BY started_at, node_id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*NodeExecution
	for rows.Next() {
		ne := &NodeExecution{}
		var errMsg, failCat, failCode, inputSnap, outputSnap sql.NullString
		var status string
		if err := rows.Scan(&ne.ID, &ne.ExecutionID, &ne.NodeID, &ne.NodeType, &status,
			&ne.StartedAt, &ne.CompletedAt, &ne.DurationMs, &errMsg, &failCat, &failCode,
			&inputSnap, &outputSnap); err != nil {
			return nil, err
		}
		ne.Status = dsl.NodeStatus(status)
		ne.ErrorMessage = errMsg.String
		ne.FailureCategory = dsl.FailureCategory(failCat.String)
		ne.FailureCode = failCode.String
		ne.InputSnapshot = rawOrNil(inputSnap)
		ne.OutputSnapshot = rawOrNil(outputSnap)
		result = append(result, ne)
	}
	return result, rows.Err()
}

// --- Runtime events ---

func (s *LibSQLStore) AppendRuntimeEvent(ctx context.Context, ev *RuntimeEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.Level == "" {
		ev.Level = dsl.LevelInfo
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runtime_events (workflow_execution_id, node_execution_id, event_type, level, message, detail, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ExecutionID, nullStr(ev.NodeExecutionID), ev.EventType, string(ev.Level),
		nullStr(ev.Message), nullRaw(ev.Detail), ev.OccurredAt,
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

func (s *LibSQLStore) ListRuntimeEvents(ctx context.Context, executionID string, filter EventFilter) ([]*RuntimeEvent, error) {
	where := []string{"workflow_execution_id = ?"}
	args := []any{executionID}

	if filter.NodeExecutionID != "" {
		where = append(where, "node_execution_id = ?")
		args = append(args, filter.NodeExecutionID)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}

	query := `SELECT id, workflow_execution_id, node_execution_id, event_type, level, message, detail, occurred_at
		 FROM runtime_events WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*RuntimeEvent
	for rows.Next() {
		ev := &RuntimeEvent{}
		var nodeExecID, message, detail sql.NullString
		var level string
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &nodeExecID, &ev.EventType, &level,
			&message, &detail, &ev.OccurredAt); err != nil {
			return nil, err
		}
		ev.NodeExecutionID = nodeExecID.String
		ev.Level = dsl.EventLevel(level)
		ev.Message = message.String
		ev.Detail = rawOrNil(detail)
		result = append(result, ev)
	}
	return result, rows.Err()
}

// --- Parameter catalog ---

func (s *LibSQLStore) GetParameterSet(ctx context.Context, id string) (*ParameterSet, error) {
	ps := &ParameterSet{}
	var public, active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, version, owner_user_id, public, active, created_at
		 FROM parameter_sets WHERE id = ?`, id,
	).Scan(&ps.ID, &ps.Name, &ps.Version, &ps.OwnerUserID, &public, &active, &ps.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ps.Public = public != 0
	ps.Active = active != 0
	return ps, nil
}

func (s *LibSQLStore) ListParameterItems(ctx context.Context, setID string) ([]*ParameterItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parameter_set_id, key, value, scope_level, scope_value, effective_from, effective_to
		 FROM parameter_items WHERE parameter_set_id = ? ORDER BY id`, setID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ParameterItem
	for rows.Next() {
		item := &ParameterItem{}
		var value, scopeLevel string
		var scopeValue sql.NullString
		var from, to sql.NullTime
		if err := rows.Scan(&item.ID, &item.SetID, &item.Key, &value, &scopeLevel,
			&scopeValue, &from, &to); err != nil {
			return nil, err
		}
		item.Value = json.RawMessage(value)
		item.ScopeLevel = dsl.ScopeLevel(scopeLevel)
		item.ScopeValue = scopeValue.String
		if from.Valid {
			item.EffectiveFrom = &from.Time
		}
		if to.Valid {
			item.EffectiveTo = &to.Time
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

func (s *LibSQLStore) ListActiveBindings(ctx context.Context, userID string) ([]*ConfigBinding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, binding_type, target_id, position, active
		 FROM config_bindings WHERE user_id = ? AND active = 1 ORDER BY binding_type, position`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ConfigBinding
	for rows.Next() {
		b := &ConfigBinding{}
		var bindingType string
		var active int
		if err := rows.Scan(&b.ID, &b.UserID, &bindingType, &b.TargetID, &b.Position, &active); err != nil {
			return nil, err
		}
		b.Type = dsl.BindingType(bindingType)
		b.Active = active != 0
		result = append(result, b)
	}
	return result, rows.Err()
}

// FindCatalogEntry resolves a bound record visible to the user: owned by the
// user or public, and active.
func (s *LibSQLStore) FindCatalogEntry(ctx context.Context, id, userID string) (*CatalogEntry, error) {
	e := &CatalogEntry{}
	var kind string
	var public, active int
	var payload sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, name, owner_user_id, public, active, payload
		 FROM catalog_entries WHERE id = ? AND active = 1 AND (owner_user_id = ? OR public = 1)`,
		id, userID,
	).Scan(&e.ID, &kind, &e.Name, &e.OwnerUserID, &public, &active, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Kind = dsl.BindingType(kind)
	e.Public = public != 0
	e.Active = active != 0
	e.Payload = rawOrNil(payload)
	return e, nil
}

// --- Scheduled triggers ---

func (s *LibSQLStore) CreateScheduledTrigger(ctx context.Context, st *ScheduledTrigger) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_triggers (id, workflow_definition_id, user_id, cron_expression, params, enabled, last_run_at, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.DefinitionID, st.UserID, st.CronExpression, nullRaw(st.Params),
		boolInt(st.Enabled), nullTime(st.LastRunAt), nullTime(st.NextRunAt), timeOrNow(st.CreatedAt),
	)
	return wrapConstraint(err)
}

func (s *LibSQLStore) ListEnabledScheduledTriggers(ctx context.Context) ([]*ScheduledTrigger, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_definition_id, user_id, cron_expression, params, enabled, last_run_at, next_run_at, created_at
		 FROM scheduled_triggers WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ScheduledTrigger
	for rows.Next() {
		st := &ScheduledTrigger{}
		var params sql.NullString
		var enabled int
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&st.ID, &st.DefinitionID, &st.UserID, &st.CronExpression,
			&params, &enabled, &lastRun, &nextRun, &st.CreatedAt); err != nil {
			return nil, err
		}
		st.Params = rawOrNil(params)
		st.Enabled = enabled != 0
		if lastRun.Valid {
			st.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			st.NextRunAt = &nextRun.Time
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

func (s *LibSQLStore) MarkScheduledTriggerRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_triggers SET last_run_at = ?, next_run_at = ? WHERE id = ?`,
		lastRun, nullTime(nextRun), id)
	return err
}

// --- Helpers ---

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// wrapConstraint converts SQLite unique-constraint violations into the
// ErrDuplicateKey signal so callers can resolve idempotency races.
func wrapConstraint(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, err.Error())
	}
	return err
}

var _ Store = (*LibSQLStore)(nil)
