// Package engine: the registry adapter (C2) — a read-only lookup of Tool
// definitions. The engine never owns tool CRUD; this is a thin contract
// plus an in-memory stub for tests and a Postgres-backed stub for
// deployments that colocate the registry's own tables, grounded on the
// teacher's repository-over-database/sql convention.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	_ "github.com/go-sql-driver/mysql"
)

// Registry is the C2 contract: get_tool (optionally pinned to a version)
// and list_tools. It has no search operation.
type Registry interface {
	GetTool(ctx context.Context, toolID ToolId, version string) (*Tool, error)
	ListTools(ctx context.Context, toolType ToolType) ([]*Tool, error)
}

// InMemoryRegistry is a map-backed Registry for tests and single-process
// deployments where tools are seeded programmatically.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	tools map[ToolId]map[string]*Tool // toolID -> version -> Tool
}

// NewInMemoryRegistry builds an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{tools: make(map[ToolId]map[string]*Tool)}
}

// Put seeds or replaces a tool version.
func (r *InMemoryRegistry) Put(tool *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tools[tool.ID] == nil {
		r.tools[tool.ID] = make(map[string]*Tool)
	}
	r.tools[tool.ID][tool.Version] = tool
}

func (r *InMemoryRegistry) GetTool(ctx context.Context, toolID ToolId, version string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.tools[toolID]
	if !ok {
		return nil, ErrToolNotFound(toolID)
	}
	if version == "" {
		var latest *Tool
		for _, t := range versions {
			if latest == nil || t.Version > latest.Version {
				latest = t
			}
		}
		return latest, nil
	}
	tool, ok := versions[version]
	if !ok {
		return nil, ErrToolNotFound(toolID)
	}
	return tool, nil
}

func (r *InMemoryRegistry) ListTools(ctx context.Context, toolType ToolType) ([]*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Tool
	for _, versions := range r.tools {
		for _, t := range versions {
			if toolType == "" || t.Type == toolType {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

// PostgresRegistry reads tool definitions from a registry table owned by
// an out-of-process registry service; the engine only ever selects from
// it, never writes — CRUD is explicitly out of scope (spec.md §1).
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry wraps an already-opened *sql.DB.
func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

func (r *PostgresRegistry) GetTool(ctx context.Context, toolID ToolId, version string) (*Tool, error) {
	query := `
		SELECT id, name, version, type, custom_type, status, author, configuration_schema, examples, required_capabilities
		FROM tools WHERE id = $1`
	args := []interface{}{toolID}
	if version != "" {
		query += " AND version = $2"
		args = append(args, version)
	} else {
		query += " ORDER BY version DESC LIMIT 1"
	}

	row := r.db.QueryRowContext(ctx, query, args...)
	tool, err := scanTool(row)
	if err == sql.ErrNoRows {
		return nil, ErrToolNotFound(toolID)
	}
	if err != nil {
		return nil, ErrRegistryError("failed to query tool", err)
	}
	return tool, nil
}

func (r *PostgresRegistry) ListTools(ctx context.Context, toolType ToolType) ([]*Tool, error) {
	query := `SELECT id, name, version, type, custom_type, status, author, configuration_schema, examples, required_capabilities FROM tools`
	var args []interface{}
	if toolType != "" {
		query += " WHERE type = $1"
		args = append(args, toolType)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ErrRegistryError("failed to list tools", err)
	}
	defer rows.Close()

	var out []*Tool
	for rows.Next() {
		tool, err := scanToolRow(rows)
		if err != nil {
			return nil, ErrRegistryError("failed to scan tool row", err)
		}
		out = append(out, tool)
	}
	return out, rows.Err()
}

// MySQLRegistry is an alternate Registry backend for deployments whose
// registry service is colocated on MySQL rather than Postgres — same
// read-only contract, `?` placeholders in place of `$N`.
type MySQLRegistry struct {
	db *sql.DB
}

// NewMySQLRegistry wraps an already-opened *sql.DB (mysql driver).
func NewMySQLRegistry(db *sql.DB) *MySQLRegistry {
	return &MySQLRegistry{db: db}
}

func (r *MySQLRegistry) GetTool(ctx context.Context, toolID ToolId, version string) (*Tool, error) {
	query := `
		SELECT id, name, version, type, custom_type, status, author, configuration_schema, examples, required_capabilities
		FROM tools WHERE id = ?`
	args := []interface{}{toolID}
	if version != "" {
		query += " AND version = ?"
		args = append(args, version)
	} else {
		query += " ORDER BY version DESC LIMIT 1"
	}

	row := r.db.QueryRowContext(ctx, query, args...)
	tool, err := scanTool(row)
	if err == sql.ErrNoRows {
		return nil, ErrToolNotFound(toolID)
	}
	if err != nil {
		return nil, ErrRegistryError("failed to query tool", err)
	}
	return tool, nil
}

func (r *MySQLRegistry) ListTools(ctx context.Context, toolType ToolType) ([]*Tool, error) {
	query := `SELECT id, name, version, type, custom_type, status, author, configuration_schema, examples, required_capabilities FROM tools`
	var args []interface{}
	if toolType != "" {
		query += " WHERE type = ?"
		args = append(args, toolType)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ErrRegistryError("failed to list tools", err)
	}
	defer rows.Close()

	var out []*Tool
	for rows.Next() {
		tool, err := scanToolRow(rows)
		if err != nil {
			return nil, ErrRegistryError("failed to scan tool row", err)
		}
		out = append(out, tool)
	}
	return out, rows.Err()
}

// rowScanner abstracts over *sql.Row and *sql.Rows for the shared scan logic.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTool(row rowScanner) (*Tool, error) {
	return scanToolRow(row)
}

func scanToolRow(row rowScanner) (*Tool, error) {
	var tool Tool
	var configSchemaJSON, examplesJSON, capsJSON []byte
	err := row.Scan(&tool.ID, &tool.Name, &tool.Version, &tool.Type, &tool.CustomType,
		&tool.Status, &tool.Author, &configSchemaJSON, &examplesJSON, &capsJSON)
	if err != nil {
		return nil, err
	}
	if len(configSchemaJSON) > 0 {
		_ = json.Unmarshal(configSchemaJSON, &tool.ConfigurationSchema)
	}
	if len(examplesJSON) > 0 {
		_ = json.Unmarshal(examplesJSON, &tool.Examples)
	}
	if len(capsJSON) > 0 {
		_ = json.Unmarshal(capsJSON, &tool.RequiredCapabilities)
	}
	return &tool, nil
}
