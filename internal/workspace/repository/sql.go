package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/foldrun/internal/db"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workspaces (
	folder TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL DEFAULT '',
	owner_id TEXT NOT NULL DEFAULT '',
	is_home BOOLEAN NOT NULL DEFAULT 0,
	is_admin_home BOOLEAN NOT NULL DEFAULT 0,
	timeout_ms INTEGER NOT NULL DEFAULT 0,
	working_dir TEXT NOT NULL DEFAULT '',
	additional_mounts TEXT NOT NULL DEFAULT '[]',
	skills TEXT NOT NULL DEFAULT '[]',
	provider_overrides TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS workspaces (
	folder TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL DEFAULT '',
	owner_id TEXT NOT NULL DEFAULT '',
	is_home BOOLEAN NOT NULL DEFAULT FALSE,
	is_admin_home BOOLEAN NOT NULL DEFAULT FALSE,
	timeout_ms BIGINT NOT NULL DEFAULT 0,
	working_dir TEXT NOT NULL DEFAULT '',
	additional_mounts TEXT NOT NULL DEFAULT '[]',
	skills TEXT NOT NULL DEFAULT '[]',
	provider_overrides TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`

const selectColumns = `folder, name, mode, owner_id, is_home, is_admin_home, timeout_ms, working_dir,
	additional_mounts, skills, provider_overrides, created_at`

type workspaceRow struct {
	Folder            string    `db:"folder"`
	Name              string    `db:"name"`
	Mode              string    `db:"mode"`
	OwnerID           string    `db:"owner_id"`
	IsHome            bool      `db:"is_home"`
	IsAdminHome       bool      `db:"is_admin_home"`
	TimeoutMS         int64     `db:"timeout_ms"`
	WorkingDir        string    `db:"working_dir"`
	AdditionalMounts  string    `db:"additional_mounts"`
	Skills            string    `db:"skills"`
	ProviderOverrides string    `db:"provider_overrides"`
	CreatedAt         time.Time `db:"created_at"`
}

func (row *workspaceRow) toConfig() (*v1.WorkspaceConfig, error) {
	ws := &v1.WorkspaceConfig{
		Folder:      row.Folder,
		Name:        row.Name,
		Mode:        v1.ExecutionMode(row.Mode),
		OwnerID:     row.OwnerID,
		IsHome:      row.IsHome,
		IsAdminHome: row.IsAdminHome,
		Timeout:     time.Duration(row.TimeoutMS) * time.Millisecond,
		WorkingDir:  row.WorkingDir,
		CreatedAt:   row.CreatedAt,
	}
	if err := json.Unmarshal([]byte(row.AdditionalMounts), &ws.AdditionalMounts); err != nil {
		return nil, fmt.Errorf("workspace %s: additional_mounts: %w", row.Folder, err)
	}
	if err := json.Unmarshal([]byte(row.Skills), &ws.Skills); err != nil {
		return nil, fmt.Errorf("workspace %s: skills: %w", row.Folder, err)
	}
	if err := json.Unmarshal([]byte(row.ProviderOverrides), &ws.ProviderOverrides); err != nil {
		return nil, fmt.Errorf("workspace %s: provider_overrides: %w", row.Folder, err)
	}
	return ws, nil
}

// SQLRepository reads workspaces from SQLite or PostgreSQL.
type SQLRepository struct {
	db *sqlx.DB
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository creates the schema when missing.
func NewSQLRepository(conn *sqlx.DB) (*SQLRepository, error) {
	schema := sqliteSchema
	if db.IsPostgres(conn) {
		schema = postgresSchema
	}
	if _, err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLRepository{db: conn}, nil
}

// Get retrieves a workspace by folder.
func (r *SQLRepository) Get(ctx context.Context, folder string) (*v1.WorkspaceConfig, error) {
	var row workspaceRow
	query := r.db.Rebind(`SELECT ` + selectColumns + ` FROM workspaces WHERE folder = ?`)
	if err := r.db.GetContext(ctx, &row, query, folder); err != nil {
		if err == sql.ErrNoRows {
			return nil, notFound(folder)
		}
		return nil, err
	}
	return row.toConfig()
}

// List returns all workspaces ordered by folder.
func (r *SQLRepository) List(ctx context.Context) ([]*v1.WorkspaceConfig, error) {
	var rows []workspaceRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT `+selectColumns+` FROM workspaces ORDER BY folder`); err != nil {
		return nil, err
	}
	out := make([]*v1.WorkspaceConfig, 0, len(rows))
	for i := range rows {
		ws, err := rows[i].toConfig()
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, nil
}

// Upsert inserts or replaces a workspace, keeping its creation time.
func (r *SQLRepository) Upsert(ctx context.Context, ws *v1.WorkspaceConfig) error {
	if err := validate(ws); err != nil {
		return err
	}
	mountsJSON, err := marshalJSON(ws.AdditionalMounts, "[]")
	if err != nil {
		return err
	}
	skillsJSON, err := marshalJSON(ws.Skills, "[]")
	if err != nil {
		return err
	}
	overridesJSON, err := marshalJSON(ws.ProviderOverrides, "{}")
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	created := ws.CreatedAt
	if created.IsZero() {
		created = now
	}

	query := r.db.Rebind(`
		INSERT INTO workspaces (folder, name, mode, owner_id, is_home, is_admin_home, timeout_ms, working_dir,
			additional_mounts, skills, provider_overrides, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (folder) DO UPDATE SET
			name = excluded.name,
			mode = excluded.mode,
			owner_id = excluded.owner_id,
			is_home = excluded.is_home,
			is_admin_home = excluded.is_admin_home,
			timeout_ms = excluded.timeout_ms,
			working_dir = excluded.working_dir,
			additional_mounts = excluded.additional_mounts,
			skills = excluded.skills,
			provider_overrides = excluded.provider_overrides,
			updated_at = excluded.updated_at`)
	_, err = r.db.ExecContext(ctx, query,
		ws.Folder, ws.Name, string(ws.Mode), ws.OwnerID, ws.IsHome, ws.IsAdminHome,
		ws.Timeout.Milliseconds(), ws.WorkingDir, mountsJSON, skillsJSON, overridesJSON, created, now)
	return err
}

// Delete removes a workspace.
func (r *SQLRepository) Delete(ctx context.Context, folder string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM workspaces WHERE folder = ?`), folder)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return notFound(folder)
	}
	return nil
}

// Close closes the database connection
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func marshalJSON(v any, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}
