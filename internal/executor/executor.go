// Package executor runs the steps of a dispatched build.
package executor

import (
	"context"

	"github.com/specialistvlad/buildgridgo/internal/config"
)

// Job is everything an executor needs to run one build.
type Job struct {
	RunID       int64
	BuildTypeID string
	Branch      string
	BuildNumber string
	AgentID     string
	// Workspace is the directory steps run in. Upstream artifacts have
	// already been staged into it.
	Workspace string
	Steps     []*config.Step
	// Params are fully resolved. Names starting with "env." are exported to
	// steps as environment variables.
	Params map[string]string
}

// Result is the outcome of a job that ran to completion.
type Result struct {
	// ExitCode is the exit code of the first failing step, or zero.
	ExitCode int
	// FailedStep names the step that produced ExitCode.
	FailedStep string
	// Params are parameters reported by the steps while running.
	Params map[string]string
	// BuildNumber overrides the build number when a step reported one.
	BuildNumber string
}

// Executor runs jobs. Execute returns an error only when the job could not
// be run at all; a failing step is reported through Result.ExitCode. It
// must return promptly once ctx is canceled.
type Executor interface {
	Execute(ctx context.Context, job *Job) (*Result, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, job *Job) (*Result, error)

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, job *Job) (*Result, error) {
	return f(ctx, job)
}
