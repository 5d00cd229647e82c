package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/specialistvlad/buildgridgo/internal/ctxlog"
)

// Shell runs each step as a shell script on the local machine.
type Shell struct {
	// Interpreter is the shell binary. Defaults to "sh".
	Interpreter string
	// Output receives the combined output of every step when set.
	Output io.Writer
	// KillDelay bounds how long a canceled step may take to exit.
	KillDelay time.Duration
}

// NewShell returns a Shell using "sh".
func NewShell() *Shell {
	return &Shell{Interpreter: "sh", KillDelay: 5 * time.Second}
}

// Execute implements Executor. Steps run in order; the first step that
// exits non-zero stops the job.
func (s *Shell) Execute(ctx context.Context, job *Job) (*Result, error) {
	logger := ctxlog.FromContext(ctx).With("run_id", job.RunID, "build_type", job.BuildTypeID)
	res := &Result{}
	env := environment(job)

	for i, step := range job.Steps {
		name := step.Name
		if name == "" {
			name = fmt.Sprintf("step %d", i+1)
		}
		logger.Info("Running step.", "step", name)

		code, err := s.runStep(ctx, job.Workspace, env, step.Script, res, logger.With("step", name))
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", name, err)
		}
		if code != 0 {
			logger.Info("Step failed.", "step", name, "exit_code", code)
			res.ExitCode = code
			res.FailedStep = name
			return res, nil
		}
	}
	return res, nil
}

func (s *Shell) runStep(ctx context.Context, dir string, env []string, script string, res *Result, logger *slog.Logger) (int, error) {
	interpreter := s.Interpreter
	if interpreter == "" {
		interpreter = "sh"
	}
	cmd := exec.CommandContext(ctx, interpreter, "-c", script)
	cmd.Dir = dir
	cmd.Env = env
	cmd.WaitDelay = s.KillDelay

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	done := make(chan struct{})
	go func() {
		defer close(done)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			if s.Output != nil {
				fmt.Fprintln(s.Output, line)
			}
			if msg, ok := parseServiceMessage(line); ok {
				res.apply(msg)
				continue
			}
			logger.Debug(line)
		}
		// Drain so the child never blocks on a full pipe.
		io.Copy(io.Discard, pr)
	}()

	err := cmd.Run()
	pw.Close()
	<-done

	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 0, err
	}
	return 0, nil
}

func environment(job *Job) []string {
	env := os.Environ()
	var names []string
	for k := range job.Params {
		if strings.HasPrefix(k, "env.") {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	for _, k := range names {
		env = append(env, strings.TrimPrefix(k, "env.")+"="+job.Params[k])
	}
	return append(env,
		"BUILD_NUMBER="+job.BuildNumber,
		"BUILD_BRANCH="+job.Branch,
		fmt.Sprintf("BUILD_RUN_ID=%d", job.RunID),
	)
}
