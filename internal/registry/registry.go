// Package registry keeps the machines known to vmctl in a local SQLite
// database and serializes access to them with file locks.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/opensandbox/vmctl/pkg/types"
)

var (
	// ErrNotFound is returned when no machine matches a name or ID.
	ErrNotFound = errors.New("machine not found")
	// ErrExists is returned when registering a name that is already taken.
	ErrExists = errors.New("machine already registered")
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS machines (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    state TEXT NOT NULL,
    agent_addr TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
`

// Registry manages the machine registry database.
type Registry struct {
	db *sql.DB
}

// Open opens (or creates) the registry database at path.
func Open(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}

	return &Registry{db: db}, nil
}

// Close closes the database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Register adds a machine with a new ID.
func (r *Registry) Register(ctx context.Context, name, agentAddr string, state types.MachineState) (*types.Machine, error) {
	if name == "" {
		return nil, errors.New("machine name is required")
	}
	if _, err := uuid.Parse(name); err == nil {
		return nil, fmt.Errorf("machine name %q must not be a UUID", name)
	}

	now := time.Now().UTC()
	m := &types.Machine{
		ID:        uuid.New().String(),
		Name:      name,
		State:     state,
		AgentAddr: agentAddr,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO machines (id, name, state, agent_addr, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, string(m.State), m.AgentAddr, formatTime(now), formatTime(now))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("%w: %s", ErrExists, name)
		}
		return nil, fmt.Errorf("failed to register machine: %w", err)
	}
	return m, nil
}

// Find resolves a machine by UUID or name.
func (r *Registry) Find(ctx context.Context, nameOrID string) (*types.Machine, error) {
	query := `SELECT id, name, state, agent_addr, created_at, updated_at FROM machines WHERE name = ?`
	if _, err := uuid.Parse(nameOrID); err == nil {
		query = `SELECT id, name, state, agent_addr, created_at, updated_at FROM machines WHERE id = ?`
	}
	m, err := scanMachine(r.db.QueryRowContext(ctx, query, nameOrID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, nameOrID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up machine: %w", err)
	}
	return m, nil
}

// List returns all machines ordered by name.
func (r *Registry) List(ctx context.Context) ([]types.Machine, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, state, agent_addr, created_at, updated_at FROM machines ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}
	defer rows.Close()

	var machines []types.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, *m)
	}
	return machines, rows.Err()
}

// State returns the recorded state of machine id.
func (r *Registry) State(ctx context.Context, id string) (types.MachineState, error) {
	var state string
	err := r.db.QueryRowContext(ctx, `SELECT state FROM machines WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read machine state: %w", err)
	}
	return types.MachineState(state), nil
}

// SetState records a new state for machine id.
func (r *Registry) SetState(ctx context.Context, id string, state types.MachineState) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE machines SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to update machine state: %w", err)
	}
	return expectOne(res, id)
}

// Unregister removes machine id.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM machines WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to unregister machine: %w", err)
	}
	return expectOne(res, id)
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMachine(row rowScanner) (*types.Machine, error) {
	var m types.Machine
	var state, created, updated string
	if err := row.Scan(&m.ID, &m.Name, &state, &m.AgentAddr, &created, &updated); err != nil {
		return nil, err
	}
	m.State = types.MachineState(state)
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &m, nil
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}
