// Package agent defines the coding agent that turns a user's task
// description into changes inside a sandbox.
package agent

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when the model produced no usable output.
// Callers treat it as retryable.
var ErrEmptyResponse = errors.New("agent returned empty response")

// Turn is one prior exchange in the project conversation, replayed to the
// model so follow-up tasks build on earlier work.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// RunRequest describes a single agent invocation.
type RunRequest struct {
	ProjectID string
	SandboxID string

	// Prompt is the task description from the triggering message.
	Prompt string

	// History holds the prior conversation, oldest first.
	History []Turn
}

// RunResult is the outcome of a completed agent run.
type RunResult struct {
	// Output is the agent's summary of what it built. Never empty.
	Output string

	// Files maps sandbox-relative paths to the content the agent wrote.
	Files map[string]string
}

// Runner executes coding tasks against a sandbox.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}
