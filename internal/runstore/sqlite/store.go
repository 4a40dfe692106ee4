// Package sqlite persists pipeline runs and approval decisions in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/gate"
	"cdpipeline/internal/run"
)

// Store is a SQLite implementation of run.Store. Timestamps are stored as
// Unix nanoseconds so ordering is numeric.
type Store struct {
	db *sql.DB
}

var _ run.Store = (*Store)(nil)

// New opens (or creates) the database at dbPath. ":memory:" is accepted for
// tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Runs persist from many goroutines; a single connection serialises writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			pipeline TEXT NOT NULL,
			status TEXT NOT NULL,
			snapshot TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS gate_decisions (
			run_id TEXT NOT NULL,
			gate_id TEXT NOT NULL,
			state TEXT NOT NULL,
			decided_by TEXT,
			comment TEXT,
			decided_at INTEGER,
			PRIMARY KEY (run_id, gate_id),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Save inserts or replaces the snapshot of a run.
func (s *Store) Save(ctx context.Context, snap run.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	query := `INSERT INTO runs (id, pipeline, status, snapshot, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, query,
		snap.ID, snap.Pipeline, string(snap.Status), string(data), snap.CreatedAt.UnixNano(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// RecordDecision stores the decision taken on one gate of a run. A gate is
// decided at most once, so a second record for the same gate is rejected.
func (s *Store) RecordDecision(ctx context.Context, runID string, rec gate.Record) error {
	query := `INSERT INTO gate_decisions (run_id, gate_id, state, decided_by, comment, decided_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	var decidedAt sql.NullInt64
	if rec.DecidedAt != nil {
		decidedAt = sql.NullInt64{Int64: rec.DecidedAt.UnixNano(), Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, query,
		runID, rec.ID, string(rec.State), rec.DecidedBy, rec.Comment, decidedAt); err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

// Decisions returns the decisions recorded for a run in the order taken.
func (s *Store) Decisions(ctx context.Context, runID string) ([]gate.Record, error) {
	query := `SELECT gate_id, state, decided_by, comment, decided_at
		FROM gate_decisions WHERE run_id = ? ORDER BY decided_at, gate_id`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []gate.Record
	for rows.Next() {
		var (
			rec       gate.Record
			state     string
			by, note  sql.NullString
			decidedAt sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &state, &by, &note, &decidedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		rec.State = gate.State(state)
		rec.DecidedBy = by.String
		rec.Comment = note.String
		if decidedAt.Valid {
			at := time.Unix(0, decidedAt.Int64).UTC()
			rec.DecidedAt = &at
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get returns the latest snapshot of a run.
func (s *Store) Get(ctx context.Context, id string) (*run.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM runs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var snap run.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// List returns every run, newest first.
func (s *Store) List(ctx context.Context) ([]run.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT snapshot FROM runs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	out := []run.Snapshot{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		var snap run.Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Ready pings the database.
func (s *Store) Ready(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
