package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/specialistvlad/buildgridgo/internal/ctxlog"
	"github.com/specialistvlad/buildgridgo/internal/event"
	"github.com/specialistvlad/buildgridgo/internal/executor"
	"github.com/specialistvlad/buildgridgo/internal/run"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// execution is the bookkeeping for one dispatched run.
type execution struct {
	cancel context.CancelFunc
	timer  *time.Timer
	span   trace.Span
}

func (e *execution) stop() {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.cancel()
}

func (e *execution) end(status run.Status, detail string) {
	if status == run.Success {
		e.span.SetStatus(codes.Ok, "")
	} else {
		e.span.SetStatus(codes.Error, detail)
	}
	e.span.End()
}

func (s *Scheduler) execute(ctx context.Context, job *executor.Job) {
	defer s.wg.Done()
	res, err := s.safeExecute(ctx, job)
	s.complete(ctx, job.RunID, res, err)
}

func (s *Scheduler) safeExecute(ctx context.Context, job *executor.Job) (res *executor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	res, err = s.opts.Executor.Execute(ctx, job)
	if err == nil && res == nil {
		err = fmt.Errorf("executor returned no result")
	}
	return res, err
}

// complete records the outcome of an execution. Outcomes of runs that were
// already canceled or timed out are dropped.
func (s *Scheduler) complete(ctx context.Context, id int64, res *executor.Result, execErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.running[id]
	r := s.runs[id]
	if !ok || r.Status.IsTerminal() {
		return
	}
	delete(s.running, id)
	exec.stop()

	logger := ctxlog.FromContext(ctx).With("run_id", id, "build_type", r.BuildTypeID)
	status, reason := run.Success, (*run.Reason)(nil)
	switch {
	case s.closed:
		status, reason = run.Canceled, &run.Reason{Kind: run.CanceledByUser, Message: "scheduler closed"}
	case execErr != nil:
		logger.Error("Executor failed.", "error", execErr)
		status, reason = run.Failed, &run.Reason{Kind: run.ExecutorCrash, Message: execErr.Error()}
	case res.ExitCode != 0:
		status, reason = run.Failed, &run.Reason{Kind: run.ExitCode, ExitCode: res.ExitCode, Message: res.FailedStep}
	}

	if res != nil {
		for k, v := range res.Params {
			r.Params[k] = v
		}
		if res.BuildNumber != "" {
			r.BuildNumber = res.BuildNumber
			r.Params["build.number"] = res.BuildNumber
		}
	}

	// Failed runs publish too, so IGNORE dependents can use what exists.
	if status != run.Canceled {
		g := s.plans[id]
		node, _ := g.Node(r.BuildTypeID)
		published, err := s.opts.Artifacts.Publish(ctx, id, node.PublishRules)
		r.Artifacts = published
		if err != nil && status == run.Success {
			status, reason = run.Failed, &run.Reason{Kind: run.ArtifactError, Message: err.Error()}
		}
	}

	detail := ""
	if reason != nil {
		detail = reason.String()
	}
	exec.end(status, detail)
	s.finishLocked(ctx, r, status, reason)
	s.passLocked(ctx)
}

// expire fails a run that outlived its execution timeout.
func (s *Scheduler) expire(id int64, timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.running[id]
	r := s.runs[id]
	if !ok || r.Status.IsTerminal() {
		return
	}
	delete(s.running, id)
	exec.stop()

	reason := &run.Reason{Kind: run.Timeout, Message: fmt.Sprintf("exceeded %s", timeout)}
	exec.end(run.Failed, reason.String())
	s.finishLocked(s.ctx, r, run.Failed, reason)
	s.passLocked(s.ctx)
}

// finishLocked performs a terminal transition and everything that hangs
// off it: agent release, history, workspace cleanup and the event.
func (s *Scheduler) finishLocked(ctx context.Context, r *run.Run, status run.Status, reason *run.Reason) {
	if !r.Finish(status, reason, s.now()) {
		return
	}
	logger := ctxlog.FromContext(ctx).With("run_id", r.ID, "build_type", r.BuildTypeID, "branch", r.Branch)
	bg := context.WithoutCancel(ctx)

	if r.AgentID != "" {
		s.opts.Agents.Release(r.AgentID, r.ID)
	}
	delete(s.readyAt, r.ID)
	delete(s.warned, r.ID)
	delete(s.plans, r.ID)

	if err := s.opts.History.Record(bg, r); err != nil {
		logger.Error("Failed to record run history.", "error", err)
		s.unrecorded[r.ID] = true
	}
	if !s.opts.KeepWorkspaces && r.Reached(run.Dispatched) {
		if err := s.opts.Artifacts.RemoveWorkDir(r.ID); err != nil {
			logger.Warn("Failed to remove workspace.", "error", err)
		}
	}

	if reason != nil {
		logger.Info("Run finished.", "status", status, "reason", reason.String())
	} else {
		logger.Info("Run finished.", "status", status)
	}

	s.outbox = append(s.outbox, event.BuildFinished{
		Meta:        event.NewMeta(),
		BuildTypeID: r.BuildTypeID,
		Branch:      r.Branch,
		RunID:       r.ID,
		Outcome:     status,
	})
	select {
	case s.kick <- struct{}{}:
	default:
	}
	s.notifyLocked()
}

// deliverLoop hands BuildFinished events to OnFinished one at a time, in
// the order they were produced.
func (s *Scheduler) deliverLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.kick:
		}

		for {
			s.mu.Lock()
			if len(s.outbox) == 0 {
				s.delivering = false
				s.notifyLocked()
				s.mu.Unlock()
				break
			}
			ev := s.outbox[0]
			s.outbox = s.outbox[1:]
			s.delivering = true
			s.mu.Unlock()

			if s.opts.OnFinished != nil {
				s.opts.OnFinished(s.ctx, ev)
			}
		}
	}
}
