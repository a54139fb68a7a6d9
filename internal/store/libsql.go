package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/loomworks/loom/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/loom.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
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

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *schema.WorkflowDefinition) error {
	if wf == nil || wf.ID == "" {
		return schema.NewError(schema.ErrCodeStore, "workflow is nil or has no id")
	}
	def, err := json.Marshal(wf)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal workflow").WithCause(err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, definition=excluded.definition, updated_at=excluded.updated_at`,
		wf.ID, wf.Name, string(def), timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "save workflow").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) LoadWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	return s.queryWorkflow(ctx, `SELECT definition FROM workflows WHERE id = ?`, id)
}

func (s *LibSQLStore) FindWorkflowByName(ctx context.Context, name string) (*schema.WorkflowDefinition, error) {
	// name is COLLATE NOCASE so this match is case-insensitive.
	return s.queryWorkflow(ctx, `SELECT definition FROM workflows WHERE name = ? ORDER BY created_at LIMIT 1`, name)
}

func (s *LibSQLStore) queryWorkflow(ctx context.Context, query string, args ...any) (*schema.WorkflowDefinition, error) {
	var defJSON string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&defJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "load workflow").WithCause(err)
	}
	wf := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(defJSON), wf); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "unmarshal workflow").WithCause(err)
	}
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM workflows ORDER BY name`)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list workflows").WithCause(err)
	}
	defer rows.Close()

	var out []*schema.WorkflowDefinition
	for rows.Next() {
		var defJSON string
		if err := rows.Scan(&defJSON); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan workflow").WithCause(err)
		}
		wf := &schema.WorkflowDefinition{}
		if err := json.Unmarshal([]byte(defJSON), wf); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "unmarshal workflow").WithCause(err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return false, schema.NewError(schema.ErrCodeStore, "delete workflow").WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, schema.NewError(schema.ErrCodeStore, "delete workflow").WithCause(err)
	}
	return n > 0, nil
}

// --- Executions ---

func (s *LibSQLStore) SaveExecution(ctx context.Context, exec *schema.WorkflowExecution) error {
	if exec == nil || exec.ID == "" {
		return schema.NewError(schema.ErrCodeStore, "execution is nil or has no id")
	}
	doc, err := json.Marshal(exec)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal execution").WithCause(err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, document, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, document=excluded.document, completed_at=excluded.completed_at`,
		exec.ID, exec.WorkflowID, string(exec.Status), string(doc), exec.StartedAt, nullTime(exec.CompletedAt),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "save execution").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) LoadExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM executions WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "load execution").WithCause(err)
	}
	exec := &schema.WorkflowExecution{}
	if err := json.Unmarshal([]byte(doc), exec); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "unmarshal execution").WithCause(err)
	}
	return exec, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*schema.WorkflowExecution, error) {
	query := `SELECT document FROM executions`
	var args []any
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list executions").WithCause(err)
	}
	defer rows.Close()

	var out []*schema.WorkflowExecution
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan execution").WithCause(err)
		}
		exec := &schema.WorkflowExecution{}
		if err := json.Unmarshal([]byte(doc), exec); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "unmarshal execution").WithCause(err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// --- Helpers ---

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

var _ Store = (*LibSQLStore)(nil)
