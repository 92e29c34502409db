package cli

import (
	"context"
	"sync"
	"testing"
	"time"
)

// collectingSend records processed messages; block, when non-nil, is closed
// by the test to let the in-flight send finish.
type collectingSend struct {
	mu    sync.Mutex
	msgs  []string
	block chan struct{}
}

func (s *collectingSend) send(ctx context.Context, msg QueuedMessage) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.msgs = append(s.msgs, msg.Content)
	s.mu.Unlock()
	return nil
}

func (s *collectingSend) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestCoordinatorProcessesInOrder(t *testing.T) {
	s := &collectingSend{}
	c := NewCoordinator(s.send)

	for _, m := range []string{"one", "two", "three"} {
		c.Enqueue(QueuedMessage{Content: m})
	}

	waitFor(t, func() bool { return len(s.sent()) == 3 })
	got := s.sent()
	if got[0] != "one" || got[1] != "two" || got[2] != "three" {
		t.Errorf("order = %v", got)
	}
	if c.QueueLen() != 0 {
		t.Errorf("queue len = %d", c.QueueLen())
	}
}

func TestCoordinatorSingleFlight(t *testing.T) {
	s := &collectingSend{block: make(chan struct{})}
	c := NewCoordinator(s.send)

	c.Enqueue(QueuedMessage{Content: "first"})
	c.Enqueue(QueuedMessage{Content: "second"})

	waitFor(t, func() bool { return c.Status() == StatusWaiting })
	if len(s.sent()) != 0 {
		t.Fatal("send completed while blocked")
	}
	if c.QueueLen() != 1 {
		t.Errorf("queue len = %d, want 1 held back", c.QueueLen())
	}

	close(s.block)
	waitFor(t, func() bool { return len(s.sent()) == 2 })
	if c.Status() != StatusIdle {
		t.Errorf("status = %v after settle", c.Status())
	}
}

func TestCoordinatorPauseResume(t *testing.T) {
	s := &collectingSend{}
	c := NewCoordinator(s.send)

	c.Pause()
	c.Enqueue(QueuedMessage{Content: "held"})

	time.Sleep(20 * time.Millisecond)
	if len(s.sent()) != 0 {
		t.Fatal("paused coordinator processed a message")
	}

	c.Resume()
	waitFor(t, func() bool { return len(s.sent()) == 1 })
}

func TestCoordinatorMarkStreaming(t *testing.T) {
	s := &collectingSend{block: make(chan struct{})}
	c := NewCoordinator(s.send)

	// Only a waiting run transitions to streaming.
	c.MarkStreaming()
	if c.Status() != StatusIdle {
		t.Errorf("idle status changed to %v", c.Status())
	}

	c.Enqueue(QueuedMessage{Content: "m"})
	waitFor(t, func() bool { return c.Status() == StatusWaiting })
	c.MarkStreaming()
	if c.Status() != StatusStreaming {
		t.Errorf("status = %v, want streaming", c.Status())
	}
	close(s.block)
}

func TestCancelLadder(t *testing.T) {
	s := &collectingSend{block: make(chan struct{})}
	defer close(s.block)
	c := NewCoordinator(s.send)

	if got := c.Cancel(); got != CancelNone {
		t.Errorf("empty cancel = %v", got)
	}

	// Rung 1: pending input text.
	c.SetInputText("draft")
	if got := c.Cancel(); got != CancelClearedInput {
		t.Errorf("cancel = %v, want cleared input", got)
	}

	// Rung 2: paused queue with pending items.
	c.Pause()
	c.Enqueue(QueuedMessage{Content: "queued"})
	if got := c.Cancel(); got != CancelClearedQueue {
		t.Errorf("cancel = %v, want cleared queue", got)
	}
	if c.QueueLen() != 0 {
		t.Errorf("queue len = %d after clear", c.QueueLen())
	}

	// Rung 3: in-flight run.
	c.Enqueue(QueuedMessage{Content: "running"})
	waitFor(t, func() bool { return c.Status() == StatusWaiting })
	if got := c.Cancel(); got != CancelAbortedRun {
		t.Errorf("cancel = %v, want aborted run", got)
	}
	// The blocked send observes the cancelled context and settles.
	waitFor(t, func() bool { return c.Status() == StatusIdle })
	if len(s.sent()) != 0 {
		t.Errorf("aborted run recorded a send: %v", s.sent())
	}
}

func TestWatchdogForceRelease(t *testing.T) {
	stuck := make(chan struct{})
	defer close(stuck)

	var processed []string
	var mu sync.Mutex
	c := NewCoordinator(func(ctx context.Context, msg QueuedMessage) error {
		mu.Lock()
		processed = append(processed, msg.Content)
		mu.Unlock()
		if msg.Content == "stuck" {
			<-stuck // ignores ctx: a handler wedged past cancellation
		}
		return nil
	}, WithWatchdogTimeout(10*time.Millisecond))

	// Both messages queued up front. The first handler never returns,
	// and nothing else touches the coordinator afterwards: the queued
	// message may only dispatch off the watchdog itself.
	c.Enqueue(QueuedMessage{Content: "stuck"})
	c.Enqueue(QueuedMessage{Content: "pending"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(processed) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if processed[1] != "pending" {
		t.Errorf("processed = %v", processed)
	}
}

func TestWatchdogSkipsHealthyRun(t *testing.T) {
	s := &collectingSend{block: make(chan struct{})}
	c := NewCoordinator(s.send, WithWatchdogTimeout(50*time.Millisecond))

	c.Enqueue(QueuedMessage{Content: "quick"})
	waitFor(t, func() bool { return c.Status() == StatusWaiting })
	close(s.block)
	waitFor(t, func() bool { return len(s.sent()) == 1 })

	// A fired timer from an already-released run must not disturb
	// the next acquisition.
	time.Sleep(70 * time.Millisecond)
	c.Enqueue(QueuedMessage{Content: "after"})
	waitFor(t, func() bool { return len(s.sent()) == 2 })
}
