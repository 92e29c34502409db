package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sorenkv/flock"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestInitIdempotent(t *testing.T) {
	s := testStore(t)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("second init: %v", err)
	}
}

func TestRunRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run := flock.RunRecord{
		ID:          "run-1",
		AgentID:     "agent-1",
		AgentType:   "researcher",
		ParentRunID: "run-0",
		Prompt:      "find sources",
		Status:      flock.RunStatusRunning,
		CreatedAt:   1700000000,
	}
	if err := s.StartRun(ctx, run); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := s.AddStep(ctx, flock.StepRecord{
		ID: "step-1", RunID: "run-1", StepIndex: 0, Credits: 12, Messages: 4, CreatedAt: 1700000001,
	}); err != nil {
		t.Fatalf("add step: %v", err)
	}

	if err := s.FinishRun(ctx, "run-1", flock.RunStatusCompleted, `"done"`, 37); err != nil {
		t.Fatalf("finish: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != flock.RunStatusCompleted {
		t.Errorf("status = %q", got.Status)
	}
	if got.Output != `"done"` || got.CreditsUsed != 37 {
		t.Errorf("output = %q, credits = %d", got.Output, got.CreditsUsed)
	}
	if got.ParentRunID != "run-0" || got.Prompt != "find sources" {
		t.Errorf("record = %+v", got)
	}
	if got.FinishedAt == 0 {
		t.Error("finished_at not set")
	}
}

func TestEmptyParentRunID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.StartRun(ctx, flock.RunRecord{
		ID: "run-root", AgentID: "a", AgentType: "base",
		Status: flock.RunStatusRunning, CreatedAt: 1,
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, err := s.GetRun(ctx, "run-root")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ParentRunID != "" {
		t.Errorf("parent = %q, want empty", got.ParentRunID)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.GetRun(context.Background(), "ghost"); err == nil {
		t.Error("expected error for absent run")
	}
}

func TestListRuns(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		if err := s.StartRun(ctx, flock.RunRecord{
			ID: id, AgentID: "a", AgentType: "worker",
			Status: flock.RunStatusRunning, CreatedAt: int64(100 + i),
		}); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}

	runs, err := s.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs", len(runs))
	}
	// Newest first.
	if runs[0].ID != "run-c" || runs[1].ID != "run-b" {
		t.Errorf("order = %s, %s", runs[0].ID, runs[1].ID)
	}
}
