// Package store keeps the history of finished executions in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/execution"
	"github.com/fyrsmithlabs/flowd/internal/logging"
)

// ErrNotFound is returned for unknown execution ids.
var ErrNotFound = errors.New("execution not found in history")

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	execution_id     TEXT PRIMARY KEY,
	workflow_id      TEXT NOT NULL,
	status           TEXT NOT NULL,
	started_at       TEXT NOT NULL,
	ended_at         TEXT NOT NULL,
	duration_seconds REAL NOT NULL,
	snapshot         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions (workflow_id, started_at);
CREATE INDEX IF NOT EXISTS idx_executions_started ON executions (started_at);
`

// Store is a SQLite-backed execution history. It satisfies
// orchestrator.Recorder.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens or creates the database at path. ":memory:" keeps the history
// in memory.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	// one writer; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &Store{db: db, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts or replaces the snapshot of an execution.
func (s *Store) Save(ctx context.Context, snap execution.Snapshot) error {
	if snap.ExecutionID == "" {
		return fmt.Errorf("snapshot has no execution id")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (execution_id, workflow_id, status, started_at, ended_at, duration_seconds, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id) DO UPDATE SET
			status = excluded.status,
			ended_at = excluded.ended_at,
			duration_seconds = excluded.duration_seconds,
			snapshot = excluded.snapshot`,
		snap.ExecutionID, snap.WorkflowID, string(snap.Status),
		formatTime(snap.StartTime), formatTime(snap.EndTime), snap.DurationSeconds, string(data),
	)
	if err != nil {
		return fmt.Errorf("saving execution %s: %w", snap.ExecutionID, err)
	}
	s.logger.Debug(ctx, "execution recorded", zap.String("execution.id", snap.ExecutionID), zap.String("status", string(snap.Status)))
	return nil
}

// Get loads one execution.
func (s *Store) Get(ctx context.Context, id string) (execution.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM executions WHERE execution_id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return execution.Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return execution.Snapshot{}, fmt.Errorf("loading execution %s: %w", id, err)
	}
	return decode(data)
}

// Filter narrows List. Zero fields match everything; Limit <= 0 means 50.
type Filter struct {
	WorkflowID string
	Status     execution.Status
	Limit      int
}

// List returns matching executions, most recent first.
func (s *Store) List(ctx context.Context, f Filter) ([]execution.Snapshot, error) {
	var (
		where []string
		args  []any
	)
	if f.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT snapshot FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, execution_id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var out []execution.Snapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		snap, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Prune deletes executions that started before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE started_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning executions: %w", err)
	}
	return res.RowsAffected()
}

func decode(data string) (execution.Snapshot, error) {
	var snap execution.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return execution.Snapshot{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	return snap, nil
}

// formatTime renders UTC with a fixed width so text order matches time
// order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}
