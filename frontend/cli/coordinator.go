// Package cli is the terminal frontend for flock: it serializes user
// messages against one active agent run and renders streamed output.
package cli

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// StreamStatus is the coordinator's view of the active run's stream.
type StreamStatus int

const (
	// StatusIdle means no run is in flight.
	StatusIdle StreamStatus = iota
	// StatusWaiting means a message was sent and the first chunk is pending.
	StatusWaiting
	// StatusStreaming means chunks are arriving.
	StatusStreaming
)

// QueuedMessage is one user submission waiting its turn.
type QueuedMessage struct {
	Content     string
	Attachments []string
}

// SendFunc runs one message through the agent runtime. It blocks until the
// run finishes; the coordinator calls it from its own goroutine.
type SendFunc func(ctx context.Context, msg QueuedMessage) error

// watchdogTimeout force-releases a processing lock that was never released,
// recovering from a handler stuck on an unanticipated early return.
const watchdogTimeout = 60 * time.Second

// Coordinator enforces single-flight sends: at most one agent run in flight
// per conversation, messages consumed FIFO from the queue only when the
// previous run has fully settled. Lock release and state reset happen on
// every exit path and are safe to invoke more than once.
type Coordinator struct {
	send   SendFunc
	logger *slog.Logger

	mu             sync.Mutex
	queue          []QueuedMessage
	status         StreamStatus
	paused         bool
	canProcess     bool
	processing     bool
	lockAcquiredAt time.Time
	lockGen        uint64
	watchdogTimer  *time.Timer
	inputText      string
	cancelRun      context.CancelFunc
	watchdog       time.Duration
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets a structured logger.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithWatchdogTimeout overrides the stuck-lock timeout.
func WithWatchdogTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.watchdog = d }
}

// NewCoordinator creates a Coordinator that dispatches through send.
func NewCoordinator(send SendFunc, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		send:       send,
		logger:     slog.New(slog.DiscardHandler),
		canProcess: true,
		watchdog:   watchdogTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetInputText records the input box's pending text; the cancel ladder
// consumes it before touching the queue.
func (c *Coordinator) SetInputText(s string) {
	c.mu.Lock()
	c.inputText = s
	c.mu.Unlock()
}

// Enqueue appends a message and triggers a dequeue attempt.
func (c *Coordinator) Enqueue(msg QueuedMessage) {
	c.mu.Lock()
	c.queue = append(c.queue, msg)
	c.mu.Unlock()
	c.maybeProcess()
}

// Pause stops dequeuing; queued messages are held.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume re-enables dequeuing and triggers a dequeue attempt.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.maybeProcess()
}

// QueueLen reports pending message count.
func (c *Coordinator) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Status reports the current stream status.
func (c *Coordinator) Status() StreamStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// MarkStreaming transitions waiting → streaming when the first chunk
// arrives. The host's chunk sink calls this.
func (c *Coordinator) MarkStreaming() {
	c.mu.Lock()
	if c.status == StatusWaiting {
		c.status = StatusStreaming
	}
	c.mu.Unlock()
}

// CancelAction reports what a cancel request did.
type CancelAction int

const (
	// CancelNone: nothing to cancel.
	CancelNone CancelAction = iota
	// CancelClearedInput: pending input text was discarded.
	CancelClearedInput
	// CancelClearedQueue: a paused queue was emptied and resumed.
	CancelClearedQueue
	// CancelAbortedRun: the in-flight run was aborted.
	CancelAbortedRun
)

// Cancel implements the cancellation ladder: pending input text is cleared
// first; otherwise a paused queue with pending items is emptied and resumed;
// otherwise the in-flight run is aborted.
func (c *Coordinator) Cancel() CancelAction {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inputText != "" {
		c.inputText = ""
		return CancelClearedInput
	}
	if c.paused && len(c.queue) > 0 {
		c.queue = nil
		c.paused = false
		return CancelClearedQueue
	}
	if c.cancelRun != nil {
		c.cancelRun()
		return CancelAbortedRun
	}
	return CancelNone
}

// maybeProcess dequeues the head message when every gate is open: queue
// non-empty, not paused, processing allowed, stream idle, lock not held.
func (c *Coordinator) maybeProcess() {
	c.mu.Lock()

	if len(c.queue) == 0 || c.paused || !c.canProcess ||
		c.status != StatusIdle || c.processing {
		c.mu.Unlock()
		return
	}

	msg := c.queue[0]
	c.queue = c.queue[1:]
	c.processing = true
	c.lockAcquiredAt = time.Now()
	c.lockGen++
	c.status = StatusWaiting

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelRun = cancel
	// A handler that never returns would hold the lock forever and starve
	// the queue. The watchdog fires without waiting for further input.
	gen := c.lockGen
	c.watchdogTimer = time.AfterFunc(c.watchdog, func() { c.forceRelease(gen) })
	c.mu.Unlock()

	go func() {
		defer c.release(gen, cancel)
		if err := c.send(ctx, msg); err != nil {
			c.logger.Error("send failed", "error", err)
		}
	}()
}

// forceRelease abandons a lock still held by acquisition gen: the stuck
// run's context is cancelled, the lock reset, and the queue drained again.
// A gen mismatch means the lock was already released normally.
func (c *Coordinator) forceRelease(gen uint64) {
	c.mu.Lock()
	if !c.processing || c.lockGen != gen {
		c.mu.Unlock()
		return
	}
	c.logger.Warn("send coordinator: forcing stuck lock release",
		"held", time.Since(c.lockAcquiredAt))
	if c.cancelRun != nil {
		c.cancelRun()
	}
	c.resetLocked()
	c.mu.Unlock()
	c.maybeProcess()
}

// release is the finally-equivalent cleanup: idempotent lock release and
// state reset on every exit path, then a fresh dequeue attempt. If the
// watchdog force-released this acquisition already, only the cancel runs.
func (c *Coordinator) release(gen uint64, cancel context.CancelFunc) {
	cancel()
	c.mu.Lock()
	if c.processing && c.lockGen == gen {
		c.resetLocked()
	}
	c.mu.Unlock()
	c.maybeProcess()
}

func (c *Coordinator) resetLocked() {
	if c.watchdogTimer != nil {
		c.watchdogTimer.Stop()
		c.watchdogTimer = nil
	}
	c.processing = false
	c.canProcess = true
	c.status = StatusIdle
	c.cancelRun = nil
}
