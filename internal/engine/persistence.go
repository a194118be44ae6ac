// Package engine: the durable store (C1) backing executions, their
// results, metrics and security violations. Grounded on the teacher's
// ExecutionRepository / PostgresExecutionRepository in the original
// persistence.go: database/sql + $1,$2... placeholders, JSON-marshaled
// nested columns, and a scanRows helper — generalized from workflow
// ExecutionRecord rows to the engine's own Execution/Task/Metric rows.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// ExecutionRepository is the full durable-store contract (C1): executions
// plus the narrower ExecutionStore/ViolationStore views worker.go and
// monitoring.go depend on.
type ExecutionRepository interface {
	ExecutionStore
	ViolationStore
	SaveExecution(ctx context.Context, execution *Execution) error
	GetExecution(ctx context.Context, executionID ExecutionId) (*Execution, error)
	UpdateExecutionStatus(ctx context.Context, executionID ExecutionId, status ExecutionStatus) error
	AppendLog(ctx context.Context, executionID ExecutionId, entry LogEntry) error
	GetLogs(ctx context.Context, executionID ExecutionId) ([]LogEntry, error)
}

// InMemoryExecutionRepository is a map-backed ExecutionRepository, used in
// tests and single-process deployments. Grounded on the teacher's
// InMemoryExecutionRepository.
type InMemoryExecutionRepository struct {
	mu         sync.RWMutex
	executions map[ExecutionId]*Execution
	results    map[ExecutionId]resultRecord
	logs       map[ExecutionId][]LogEntry
	violations map[SandboxId][]SecurityViolation
}

type resultRecord struct {
	result   *ExecutionResult
	storedAt time.Time
}

// NewInMemoryExecutionRepository builds an empty in-memory store.
func NewInMemoryExecutionRepository() *InMemoryExecutionRepository {
	return &InMemoryExecutionRepository{
		executions: make(map[ExecutionId]*Execution),
		results:    make(map[ExecutionId]resultRecord),
		logs:       make(map[ExecutionId][]LogEntry),
		violations: make(map[SandboxId][]SecurityViolation),
	}
}

func (r *InMemoryExecutionRepository) SaveExecution(ctx context.Context, execution *Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *execution
	r.executions[execution.ID] = &cp
	return nil
}

func (r *InMemoryExecutionRepository) GetExecution(ctx context.Context, executionID ExecutionId) (*Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executions[executionID]
	if !ok {
		return nil, nil
	}
	cp := *exec
	return &cp, nil
}

func (r *InMemoryExecutionRepository) UpdateExecutionStatus(ctx context.Context, executionID ExecutionId, status ExecutionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.executions[executionID]
	if !ok {
		return ErrTaskNotFound(string(executionID))
	}
	exec.Status = status
	exec.UpdatedAt = time.Now()
	if status.IsTerminal() {
		now := time.Now()
		exec.CompletedAt = &now
	}
	return nil
}

func (r *InMemoryExecutionRepository) AppendLog(ctx context.Context, executionID ExecutionId, entry LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs[executionID] = append(r.logs[executionID], entry)
	return nil
}

func (r *InMemoryExecutionRepository) GetLogs(ctx context.Context, executionID ExecutionId) ([]LogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]LogEntry, len(r.logs[executionID]))
	copy(out, r.logs[executionID])
	return out, nil
}

func (r *InMemoryExecutionRepository) SaveResult(ctx context.Context, executionID ExecutionId, result *ExecutionResult, storedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[executionID] = resultRecord{result: result, storedAt: storedAt}
	if exec, ok := r.executions[executionID]; ok {
		exec.Result = result
	}
	return nil
}

func (r *InMemoryExecutionRepository) LoadResult(ctx context.Context, executionID ExecutionId) (*ExecutionResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.results[executionID]
	if !ok {
		return nil, nil
	}
	return rec.result, nil
}

func (r *InMemoryExecutionRepository) DeleteResult(ctx context.Context, executionID ExecutionId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.results, executionID)
	return nil
}

func (r *InMemoryExecutionRepository) ListResults(ctx context.Context, filter ResultFilter) ([]*ExecutionResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type row struct {
		result    *ExecutionResult
		createdAt time.Time
	}
	var rows []row
	for execID, rec := range r.results {
		exec, ok := r.executions[execID]
		if ok {
			if filter.TenantID != "" && exec.TenantID != filter.TenantID {
				continue
			}
			if filter.ToolID != "" && exec.ToolID != filter.ToolID {
				continue
			}
			if filter.UserID != "" && exec.UserID != filter.UserID {
				continue
			}
			if filter.Status != "" && exec.Status != filter.Status {
				continue
			}
		}
		if filter.Since != nil && rec.storedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && rec.storedAt.After(*filter.Until) {
			continue
		}
		createdAt := rec.storedAt
		if ok {
			createdAt = exec.CreatedAt
		}
		rows = append(rows, row{result: rec.result, createdAt: createdAt})
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].createdAt.After(rows[j].createdAt) })

	out := make([]*ExecutionResult, len(rows))
	for i, rw := range rows {
		out[i] = rw.result
	}
	if filter.Offset > 0 && filter.Offset < len(out) {
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *InMemoryExecutionRepository) DeleteResultsOlderThan(ctx context.Context, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for execID, rec := range r.results {
		if rec.storedAt.Before(olderThan) {
			delete(r.results, execID)
			count++
		}
	}
	return count, nil
}

func (r *InMemoryExecutionRepository) SaveViolation(ctx context.Context, violation SecurityViolation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.violations[violation.SandboxID] = append(r.violations[violation.SandboxID], violation)
	return nil
}

func (r *InMemoryExecutionRepository) ListViolations(ctx context.Context, sandboxID SandboxId) ([]SecurityViolation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SecurityViolation, len(r.violations[sandboxID]))
	copy(out, r.violations[sandboxID])
	return out, nil
}

// PostgresExecutionRepository is the durable Postgres-backed store,
// grounded on the teacher's PostgresExecutionRepository: database/sql with
// $1,$2... placeholders and JSON-marshaled nested columns (request,
// result, details).
type PostgresExecutionRepository struct {
	db *sql.DB
}

// NewPostgresExecutionRepository wraps an already-opened *sql.DB (dsn
// parsing/connection pooling is the caller's concern, per the teacher's
// convention of accepting a pre-opened handle).
func NewPostgresExecutionRepository(db *sql.DB) *PostgresExecutionRepository {
	return &PostgresExecutionRepository{db: db}
}

func (p *PostgresExecutionRepository) SaveExecution(ctx context.Context, execution *Execution) error {
	requestJSON, err := json.Marshal(execution.Request)
	if err != nil {
		return ErrInternalError("failed to marshal execution request", err)
	}
	var resultJSON []byte
	if execution.Result != nil {
		resultJSON, err = json.Marshal(execution.Result)
		if err != nil {
			return ErrInternalError("failed to marshal execution result", err)
		}
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO engine_executions (id, tool_id, tenant_id, user_id, status, request, result, started_at, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at
	`, execution.ID, execution.ToolID, execution.TenantID, execution.UserID, execution.Status,
		requestJSON, resultJSON, execution.StartedAt, execution.CompletedAt, execution.CreatedAt, execution.UpdatedAt)
	if err != nil {
		return ErrDatabaseError("failed to save execution", err)
	}
	return nil
}

func (p *PostgresExecutionRepository) GetExecution(ctx context.Context, executionID ExecutionId) (*Execution, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, tool_id, tenant_id, user_id, status, request, result, started_at, completed_at, created_at, updated_at
		FROM engine_executions WHERE id = $1
	`, executionID)
	return scanExecution(row)
}

func (p *PostgresExecutionRepository) UpdateExecutionStatus(ctx context.Context, executionID ExecutionId, status ExecutionStatus) error {
	var completedAt interface{}
	if status.IsTerminal() {
		completedAt = time.Now()
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE engine_executions SET status = $1, completed_at = $2, updated_at = $3 WHERE id = $4
	`, status, completedAt, time.Now(), executionID)
	if err != nil {
		return ErrDatabaseError("failed to update execution status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound(string(executionID))
	}
	return nil
}

func (p *PostgresExecutionRepository) AppendLog(ctx context.Context, executionID ExecutionId, entry LogEntry) error {
	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return ErrInternalError("failed to marshal log metadata", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO engine_execution_logs (execution_id, level, message, timestamp, source, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, executionID, entry.Level, entry.Message, entry.Timestamp, entry.Source, metadataJSON)
	if err != nil {
		return ErrDatabaseError("failed to append execution log", err)
	}
	return nil
}

func (p *PostgresExecutionRepository) GetLogs(ctx context.Context, executionID ExecutionId) ([]LogEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT level, message, timestamp, source, metadata FROM engine_execution_logs
		WHERE execution_id = $1 ORDER BY timestamp ASC
	`, executionID)
	if err != nil {
		return nil, ErrDatabaseError("failed to query execution logs", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var entry LogEntry
		var metadataJSON []byte
		if err := rows.Scan(&entry.Level, &entry.Message, &entry.Timestamp, &entry.Source, &metadataJSON); err != nil {
			return nil, ErrDatabaseError("failed to scan execution log row", err)
		}
		if len(metadataJSON) > 0 {
			_ = json.Unmarshal(metadataJSON, &entry.Metadata)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (p *PostgresExecutionRepository) SaveResult(ctx context.Context, executionID ExecutionId, result *ExecutionResult, storedAt time.Time) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return ErrInternalError("failed to marshal execution result", err)
	}
	_, err = p.db.ExecContext(ctx, `
		UPDATE engine_executions SET result = $1, updated_at = $2 WHERE id = $3
	`, resultJSON, storedAt, executionID)
	if err != nil {
		return ErrDatabaseError("failed to save execution result", err)
	}
	return nil
}

func (p *PostgresExecutionRepository) LoadResult(ctx context.Context, executionID ExecutionId) (*ExecutionResult, error) {
	var resultJSON []byte
	err := p.db.QueryRowContext(ctx, `SELECT result FROM engine_executions WHERE id = $1`, executionID).Scan(&resultJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ErrDatabaseError("failed to load execution result", err)
	}
	if len(resultJSON) == 0 {
		return nil, nil
	}
	var result ExecutionResult
	if err := json.Unmarshal(resultJSON, &result); err != nil {
		return nil, ErrInternalError("failed to unmarshal execution result", err)
	}
	return &result, nil
}

func (p *PostgresExecutionRepository) DeleteResult(ctx context.Context, executionID ExecutionId) error {
	_, err := p.db.ExecContext(ctx, `UPDATE engine_executions SET result = NULL WHERE id = $1`, executionID)
	if err != nil {
		return ErrDatabaseError("failed to delete execution result", err)
	}
	return nil
}

func (p *PostgresExecutionRepository) ListResults(ctx context.Context, filter ResultFilter) ([]*ExecutionResult, error) {
	query := `SELECT result FROM engine_executions WHERE result IS NOT NULL`
	args := []interface{}{}
	idx := 1

	if filter.TenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", idx)
		args = append(args, filter.TenantID)
		idx++
	}
	if filter.ToolID != "" {
		query += fmt.Sprintf(" AND tool_id = $%d", idx)
		args = append(args, filter.ToolID)
		idx++
	}
	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", idx)
		args = append(args, filter.UserID)
		idx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, filter.Status)
		idx++
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, filter.Limit)
		idx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, filter.Offset)
		idx++
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ErrDatabaseError("failed to list execution results", err)
	}
	defer rows.Close()

	var out []*ExecutionResult
	for rows.Next() {
		var resultJSON []byte
		if err := rows.Scan(&resultJSON); err != nil {
			return nil, ErrDatabaseError("failed to scan execution result row", err)
		}
		var result ExecutionResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return nil, ErrInternalError("failed to unmarshal execution result", err)
		}
		out = append(out, &result)
	}
	return out, rows.Err()
}

func (p *PostgresExecutionRepository) DeleteResultsOlderThan(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE engine_executions SET result = NULL WHERE updated_at < $1 AND result IS NOT NULL
	`, olderThan)
	if err != nil {
		return 0, ErrDatabaseError("failed to clean up expired execution results", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresExecutionRepository) SaveViolation(ctx context.Context, violation SecurityViolation) error {
	detailsJSON, err := json.Marshal(violation.Details)
	if err != nil {
		return ErrInternalError("failed to marshal violation details", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO engine_security_violations (sandbox_id, kind, severity, description, details, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, violation.SandboxID, violation.Kind, violation.Severity, violation.Description, detailsJSON, violation.Timestamp)
	if err != nil {
		return ErrDatabaseError("failed to save security violation", err)
	}
	return nil
}

func (p *PostgresExecutionRepository) ListViolations(ctx context.Context, sandboxID SandboxId) ([]SecurityViolation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT sandbox_id, kind, severity, description, details, timestamp
		FROM engine_security_violations WHERE sandbox_id = $1 ORDER BY timestamp ASC
	`, sandboxID)
	if err != nil {
		return nil, ErrDatabaseError("failed to query security violations", err)
	}
	defer rows.Close()

	var out []SecurityViolation
	for rows.Next() {
		var v SecurityViolation
		var detailsJSON []byte
		if err := rows.Scan(&v.SandboxID, &v.Kind, &v.Severity, &v.Description, &detailsJSON, &v.Timestamp); err != nil {
			return nil, ErrDatabaseError("failed to scan security violation row", err)
		}
		if len(detailsJSON) > 0 {
			_ = json.Unmarshal(detailsJSON, &v.Details)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanExecution(row *sql.Row) (*Execution, error) {
	var exec Execution
	var requestJSON, resultJSON []byte
	err := row.Scan(&exec.ID, &exec.ToolID, &exec.TenantID, &exec.UserID, &exec.Status,
		&requestJSON, &resultJSON, &exec.StartedAt, &exec.CompletedAt, &exec.CreatedAt, &exec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ErrDatabaseError("failed to scan execution row", err)
	}
	if len(requestJSON) > 0 {
		_ = json.Unmarshal(requestJSON, &exec.Request)
	}
	if len(resultJSON) > 0 {
		var result ExecutionResult
		if json.Unmarshal(resultJSON, &result) == nil {
			exec.Result = &result
		}
	}
	return &exec, nil
}
