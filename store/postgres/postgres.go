// Package postgres implements flock.RunStore using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sorenkv/flock"
)

// Store implements flock.RunStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ flock.RunStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			agent_type TEXT NOT NULL,
			parent_run_id TEXT,
			prompt TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			output TEXT NOT NULL DEFAULT '',
			credits_used BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			finished_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			credits BIGINT NOT NULL DEFAULT 0,
			messages INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_parent ON runs(parent_run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres init: %w", err)
		}
	}
	return nil
}

// StartRun inserts a run in the running state.
func (s *Store) StartRun(ctx context.Context, run flock.RunRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, agent_id, agent_type, parent_run_id, prompt, status, credits_used, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)`,
		run.ID, run.AgentID, run.AgentType, run.ParentRunID, run.Prompt,
		string(run.Status), run.CreditsUsed, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// AddStep inserts one step record.
func (s *Store) AddStep(ctx context.Context, step flock.StepRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO steps (id, run_id, step_index, credits, messages, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		step.ID, step.RunID, step.StepIndex, step.Credits, step.Messages, step.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// FinishRun records a run's terminal status, output, and total spend.
func (s *Store) FinishRun(ctx context.Context, runID string, status flock.RunStatus, output string, creditsUsed int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, output = $2, credits_used = $3, finished_at = $4 WHERE id = $5`,
		string(status), output, creditsUsed, time.Now().Unix(), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// GetRun fetches one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (flock.RunRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, agent_id, agent_type, COALESCE(parent_run_id, ''), prompt,
		        status, output, credits_used, created_at, finished_at
		 FROM runs WHERE id = $1`, runID)

	var r flock.RunRecord
	var status string
	err := row.Scan(&r.ID, &r.AgentID, &r.AgentType, &r.ParentRunID, &r.Prompt,
		&status, &r.Output, &r.CreditsUsed, &r.CreatedAt, &r.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return flock.RunRecord{}, fmt.Errorf("run %q not found", runID)
	}
	if err != nil {
		return flock.RunRecord{}, fmt.Errorf("scan run: %w", err)
	}
	r.Status = flock.RunStatus(status)
	return r, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]flock.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, agent_type, COALESCE(parent_run_id, ''), prompt,
		        status, output, credits_used, created_at, finished_at
		 FROM runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []flock.RunRecord
	for rows.Next() {
		var r flock.RunRecord
		var status string
		if err := rows.Scan(&r.ID, &r.AgentID, &r.AgentType, &r.ParentRunID, &r.Prompt,
			&status, &r.Output, &r.CreditsUsed, &r.CreatedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = flock.RunStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }
