package flock

import "context"

// RunStatus is the terminal (or in-flight) status of a persisted run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// RunRecord is the persisted form of one agent run.
type RunRecord struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	AgentType   string    `json:"agent_type"`
	ParentRunID string    `json:"parent_run_id,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	Status      RunStatus `json:"status"`
	Output      string    `json:"output,omitempty"`
	CreditsUsed int       `json:"credits_used"`
	CreatedAt   int64     `json:"created_at"`
	FinishedAt  int64     `json:"finished_at,omitempty"`
}

// StepRecord is the persisted form of one agent step.
type StepRecord struct {
	ID        string `json:"id"`
	RunID     string `json:"run_id"`
	StepIndex int    `json:"step_index"`
	Credits   int    `json:"credits"`
	Messages  int    `json:"messages"`
	CreatedAt int64  `json:"created_at"`
}

// RunStore persists run and step records at well-defined lifecycle points:
// run start, after each step, and run end. The runtime calls it best-effort;
// a store failure is logged and never affects the run outcome.
type RunStore interface {
	Init(ctx context.Context) error
	StartRun(ctx context.Context, run RunRecord) error
	AddStep(ctx context.Context, step StepRecord) error
	FinishRun(ctx context.Context, runID string, status RunStatus, output string, creditsUsed int) error
	GetRun(ctx context.Context, runID string) (RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
	Close() error
}
