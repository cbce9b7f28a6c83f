package cron

import "context"

// ExecRequest is what the engine hands the injected executor for one run
type ExecRequest struct {
	JobID         string
	JobName       string
	SessionKey    string // Key(jobID), stable across runs
	SessionTarget SessionTarget
	Payload       Payload
}

// ExecResult is what a successful execution reports back.
// Failures are returned as ordinary Go errors, not encoded here.
type ExecResult struct {
	Summary    string
	OutputText string
}

// Executor runs a job's payload. Implementations live outside the
// engine (an agent runner, a message-send action); the dispatcher
// enforces the run timeout through ctx, so a well-behaved executor
// must honor cancellation.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (*ExecResult, error)
}

// ExecutorFunc adapts a plain function to the Executor interface
type ExecutorFunc func(ctx context.Context, req ExecRequest) (*ExecResult, error)

// Execute implements Executor
func (f ExecutorFunc) Execute(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	return f(ctx, req)
}
