// Package sqlite implements flock.RunStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/sorenkv/flock"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements flock.RunStore backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ flock.RunStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: run store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			agent_type TEXT NOT NULL,
			parent_run_id TEXT,
			prompt TEXT,
			status TEXT NOT NULL,
			output TEXT,
			credits_used INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			finished_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			credits INTEGER NOT NULL DEFAULT 0,
			messages INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_parent ON runs(parent_run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	s.logger.Debug("sqlite: init done", "duration", time.Since(start))
	return nil
}

// StartRun inserts a run in the running state.
func (s *Store) StartRun(ctx context.Context, run flock.RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, agent_id, agent_type, parent_run_id, prompt, status, credits_used, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.AgentID, run.AgentType, nullable(run.ParentRunID), run.Prompt,
		string(run.Status), run.CreditsUsed, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// AddStep inserts one step record.
func (s *Store) AddStep(ctx context.Context, step flock.StepRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO steps (id, run_id, step_index, credits, messages, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.StepIndex, step.Credits, step.Messages, step.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// FinishRun records a run's terminal status, output, and total spend.
func (s *Store) FinishRun(ctx context.Context, runID string, status flock.RunStatus, output string, creditsUsed int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, output = ?, credits_used = ?, finished_at = ? WHERE id = ?`,
		string(status), output, creditsUsed, time.Now().Unix(), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// GetRun fetches one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (flock.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, agent_type, COALESCE(parent_run_id, ''), COALESCE(prompt, ''),
		        status, COALESCE(output, ''), credits_used, created_at, COALESCE(finished_at, 0)
		 FROM runs WHERE id = ?`, runID)
	return scanRun(row)
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]flock.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, agent_type, COALESCE(parent_run_id, ''), COALESCE(prompt, ''),
		        status, COALESCE(output, ''), credits_used, created_at, COALESCE(finished_at, 0)
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []flock.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (flock.RunRecord, error) {
	var r flock.RunRecord
	var status string
	err := row.Scan(&r.ID, &r.AgentID, &r.AgentType, &r.ParentRunID, &r.Prompt,
		&status, &r.Output, &r.CreditsUsed, &r.CreatedAt, &r.FinishedAt)
	if err != nil {
		return flock.RunRecord{}, fmt.Errorf("scan run: %w", err)
	}
	r.Status = flock.RunStatus(status)
	return r, nil
}

// nullable maps "" to NULL so optional foreign keys stay clean.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
