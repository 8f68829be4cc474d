// Package persistence provides SQLite-backed storage for provisioned
// workspaces and for the state of finished tasks, so a restarted agent can
// reach its workspaces again and a task can be resumed.
package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/workspace/relay-agent/internal/remote"
	"github.com/workspace/relay-agent/internal/session"
)

// Workspace is a provisioned workspace and the credential used to reach it.
type Workspace struct {
	ID         string    `json:"id"`
	Host       string    `json:"host"`
	SSHPort    int       `json:"sshPort"`
	Username   string    `json:"username"`
	PrivateKey []byte    `json:"-"`
	PublicKey  string    `json:"publicKey"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Transport returns the SSH parameters for the workspace.
func (w Workspace) Transport() remote.TransportConfig {
	return remote.TransportConfig{
		Host:       w.Host,
		Port:       w.SSHPort,
		Username:   w.Username,
		PrivateKey: w.PrivateKey,
	}
}

// Store persists workspaces and task state in SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the workspaces table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			host TEXT NOT NULL,
			ssh_port INTEGER NOT NULL,
			username TEXT NOT NULL,
			private_key BLOB NOT NULL,
			public_key TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)
	`)
	return err
}

// migrateV2 creates the task_state table. Todo items are stored as JSON.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS task_state (
			task_id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			working_dir TEXT NOT NULL DEFAULT '',
			project_description TEXT NOT NULL DEFAULT '',
			todo TEXT NOT NULL DEFAULT '',
			run_command TEXT NOT NULL DEFAULT '',
			build_command TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_task_state_workspace ON task_state(workspace_id);
	`)
	return err
}

// SaveWorkspace inserts or replaces a workspace record.
func (s *Store) SaveWorkspace(ws Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO workspaces
			(id, host, ssh_port, username, private_key, public_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ws.ID, ws.Host, ws.SSHPort, ws.Username, ws.PrivateKey, ws.PublicKey, formatTime(ws.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save workspace: %w", err)
	}
	return nil
}

// GetWorkspace retrieves a workspace. Returns nil, nil if it does not exist.
func (s *Store) GetWorkspace(id string) (*Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ws, err := scanWorkspace(s.db.QueryRow(
		`SELECT id, host, ssh_port, username, private_key, public_key, created_at
		FROM workspaces WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return ws, nil
}

// ListWorkspaces returns all workspaces, oldest first.
func (s *Store) ListWorkspaces() ([]Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, host, ssh_port, username, private_key, public_key, created_at
		FROM workspaces ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		out = append(out, *ws)
	}
	return out, rows.Err()
}

// DeleteWorkspace removes a workspace and the task state recorded for it.
func (s *Store) DeleteWorkspace(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec("DELETE FROM task_state WHERE workspace_id = ?", id); err != nil {
		return fmt.Errorf("delete task state: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM workspaces WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	return tx.Commit()
}

// SaveTaskState records a task snapshot, replacing any earlier one.
func (s *Store) SaveTaskState(st session.State) error {
	todo := ""
	if st.Todo != nil {
		data, err := json.Marshal(st.Todo)
		if err != nil {
			return fmt.Errorf("marshal todo: %w", err)
		}
		todo = string(data)
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = st.UpdatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO task_state
			(task_id, workspace_id, working_dir, project_description, todo, run_command, build_command, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.TaskID, st.WorkspaceID, st.WorkingDir, st.ProjectDescription, todo,
		st.RunCommand, st.BuildCommand, formatTime(st.CreatedAt), formatTime(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save task state: %w", err)
	}
	return nil
}

// GetTaskState retrieves a task snapshot. Returns nil, nil if none exists.
func (s *Store) GetTaskState(taskID string) (*session.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, err := scanTaskState(s.db.QueryRow(
		`SELECT task_id, workspace_id, working_dir, project_description, todo, run_command, build_command, created_at, updated_at
		FROM task_state WHERE task_id = ?`, taskID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task state: %w", err)
	}
	return st, nil
}

// ListTaskStates returns the snapshots recorded for a workspace, most
// recently updated first.
func (s *Store) ListTaskStates(workspaceID string) ([]session.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT task_id, workspace_id, working_dir, project_description, todo, run_command, build_command, created_at, updated_at
		FROM task_state WHERE workspace_id = ? ORDER BY updated_at DESC, task_id ASC`, workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list task state: %w", err)
	}
	defer rows.Close()

	var out []session.State
	for rows.Next() {
		st, err := scanTaskState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task state: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row scanner) (*Workspace, error) {
	var ws Workspace
	var createdAt string
	if err := row.Scan(&ws.ID, &ws.Host, &ws.SSHPort, &ws.Username, &ws.PrivateKey, &ws.PublicKey, &createdAt); err != nil {
		return nil, err
	}
	ws.CreatedAt = parseTime(createdAt)
	return &ws, nil
}

func scanTaskState(row scanner) (*session.State, error) {
	var st session.State
	var todo, createdAt, updatedAt string
	if err := row.Scan(&st.TaskID, &st.WorkspaceID, &st.WorkingDir, &st.ProjectDescription,
		&todo, &st.RunCommand, &st.BuildCommand, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if todo != "" {
		if err := json.Unmarshal([]byte(todo), &st.Todo); err != nil {
			return nil, fmt.Errorf("decode todo for task %s: %w", st.TaskID, err)
		}
	}
	st.CreatedAt = parseTime(createdAt)
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}

// timeLayout has a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
