package flock

import (
	"context"
	"errors"
	"fmt"
)

// ErrPaymentRequired signals that the account is out of credits (the HTTP 402
// class of failure). It is the one error that propagates uncaught through
// every loop boundary: the host must switch to an out-of-credits mode, a
// model retry cannot fix it.
type ErrPaymentRequired struct {
	Message string
}

func (e *ErrPaymentRequired) Error() string {
	if e.Message == "" {
		return "payment required"
	}
	return "payment required: " + e.Message
}

// IsPaymentRequired reports whether err is (or wraps) an ErrPaymentRequired.
func IsPaymentRequired(err error) bool {
	var pr *ErrPaymentRequired
	return errors.As(err, &pr)
}

// ErrHTTP is a transport-level failure from a collaborator service.
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// AgentError wraps a failure from a running agent together with the partial
// state it accumulated before failing. Spawners read State to aggregate the
// child's partial credit spend; losing it would under-count the parent.
type AgentError struct {
	State *AgentState
	Err   error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s: %v", e.State.AgentType, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// isAbort reports whether err represents user cancellation rather than a
// failure. Aborted runs record status cancelled, log at info, and keep
// partial content.
func isAbort(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
