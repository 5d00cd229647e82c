package scheduler

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/specialistvlad/buildgridgo/internal/artifact"
	"github.com/specialistvlad/buildgridgo/internal/config"
	"github.com/specialistvlad/buildgridgo/internal/ctxlog"
	"github.com/specialistvlad/buildgridgo/internal/depgraph"
	"github.com/specialistvlad/buildgridgo/internal/executor"
	"github.com/specialistvlad/buildgridgo/internal/policy"
	"github.com/specialistvlad/buildgridgo/internal/run"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// passLocked evaluates live runs in id order until no run reaches a
// terminal state. Upstream runs are created before their dependents, so
// one sweep usually settles a whole cascade.
func (s *Scheduler) passLocked(ctx context.Context) {
	for settled := false; !settled; {
		settled = true
		for _, id := range slices.Clone(s.active) {
			r := s.runs[id]
			if r.Status != run.Queued && r.Status != run.WaitingOnDependencies {
				continue
			}
			if s.evaluateLocked(ctx, r) {
				settled = false
			}
		}
		s.active = slices.DeleteFunc(s.active, func(id int64) bool {
			return s.runs[id].Status.IsTerminal()
		})
	}
	s.pruneLocked()
}

// pruneLocked forgets terminal runs that no live run refers to. They stay
// reachable through History; runs whose history record failed are kept.
func (s *Scheduler) pruneLocked() {
	referenced := make(map[int64]bool)
	for _, id := range s.active {
		for _, up := range s.runs[id].Upstreams {
			referenced[up.RunID] = true
		}
	}
	for id, r := range s.runs {
		if r.Status.IsTerminal() && !referenced[id] && !s.unrecorded[id] {
			delete(s.runs, id)
		}
	}
}

// evaluateLocked moves a queued or waiting run forward and reports whether
// it became terminal.
func (s *Scheduler) evaluateLocked(ctx context.Context, r *run.Run) bool {
	logger := ctxlog.FromContext(ctx).With("run_id", r.ID, "build_type", r.BuildTypeID)
	g := s.plans[r.ID]
	node, _ := g.Node(r.BuildTypeID)

	waiting := false
	for _, up := range r.Upstreams {
		if up.RunID == 0 {
			continue
		}
		upRun := s.runs[up.RunID]
		if !upRun.Status.IsTerminal() {
			waiting = true
			continue
		}

		dep := edgeTo(node, up.BuildTypeID)
		verdict := policy.Decide(dep, upRun.Status)
		if !r.Decided(up.RunID) {
			r.Decisions = append(r.Decisions, run.Decision{
				UpstreamBuildType: up.BuildTypeID,
				UpstreamRunID:     up.RunID,
				Outcome:           upRun.Status,
				Verdict:           string(verdict),
				At:                s.now(),
			})
			logger.Debug("Applied dependency policy.", "upstream", up.BuildTypeID, "upstream_run_id", up.RunID,
				"outcome", upRun.Status, "verdict", verdict)
		}
		if verdict == policy.FailToStart {
			s.finishLocked(ctx, r, run.Failed, &run.Reason{
				Kind:              run.UpstreamDependencyFailed,
				Message:           fmt.Sprintf("%s finished %s", up.BuildTypeID, upRun.Status),
				UpstreamBuildType: up.BuildTypeID,
				UpstreamRunID:     up.RunID,
				OriginRunID:       originOf(up.RunID, upRun),
			})
			return true
		}
	}

	if waiting {
		if r.SetStatus(run.WaitingOnDependencies, s.now(), "") {
			s.notifyLocked()
		}
		return false
	}

	if node.BuildType.IsComposite() {
		s.completeCompositeLocked(ctx, node, r)
		return true
	}
	return s.tryDispatchLocked(ctx, node, r)
}

// edgeTo returns the dependency of node on upstream. Plans never outlive
// their graph, so a missing edge means an empty policy.
func edgeTo(node *depgraph.Node, upstream string) *config.Dependency {
	for _, e := range node.Predecessors {
		if e.Upstream == upstream {
			return e.Dep
		}
	}
	return &config.Dependency{}
}

// completeCompositeLocked settles a composite run once its upstreams are
// terminal. Upstreams whose edge ignores their outcome do not count.
func (s *Scheduler) completeCompositeLocked(ctx context.Context, node *depgraph.Node, r *run.Run) {
	r.Params, r.BuildNumber, _ = s.resolveParamsLocked(ctx, node, r)
	for _, up := range r.Upstreams {
		if up.RunID == 0 {
			continue
		}
		upRun := s.runs[up.RunID]
		if upRun.Status == run.Success || policy.Decide(edgeTo(node, up.BuildTypeID), upRun.Status) == policy.Ignore {
			continue
		}
		s.finishLocked(ctx, r, run.Failed, &run.Reason{
			Kind:              run.UpstreamDependencyFailed,
			Message:           fmt.Sprintf("%s finished %s", up.BuildTypeID, upRun.Status),
			UpstreamBuildType: up.BuildTypeID,
			UpstreamRunID:     up.RunID,
			OriginRunID:       originOf(up.RunID, upRun),
		})
		return
	}
	s.finishLocked(ctx, r, run.Success, nil)
}

// originOf returns the run that started a failure cascade reaching upRun.
func originOf(id int64, upRun *run.Run) int64 {
	if upRun.Reason != nil && upRun.Reason.OriginRunID != 0 {
		return upRun.Reason.OriginRunID
	}
	return id
}

// tryDispatchLocked claims an agent for a ready run and starts it. It
// reports whether the run became terminal, which only happens when its
// artifacts could not be staged.
func (s *Scheduler) tryDispatchLocked(ctx context.Context, node *depgraph.Node, r *run.Run) bool {
	now := s.now()
	if _, ok := s.readyAt[r.ID]; !ok {
		s.readyAt[r.ID] = now
	}

	reqs := node.BuildType.EnabledRequirements()
	for _, cand := range s.opts.Agents.Candidates(reqs) {
		if s.opts.Agents.Claim(cand.ID, r.ID) {
			return s.dispatchLocked(ctx, node, r, cand.ID)
		}
	}

	if r.SetStatus(run.Queued, now, "waiting for an agent") {
		s.notifyLocked()
	}
	if w := s.opts.StarvationWarning; w > 0 && !s.warned[r.ID] && now.Sub(s.readyAt[r.ID]) >= w {
		s.warned[r.ID] = true
		err := &SchedulingError{
			RunID:        r.ID,
			BuildTypeID:  r.BuildTypeID,
			Waited:       now.Sub(s.readyAt[r.ID]),
			Incompatible: !s.opts.Agents.Compatible(reqs),
		}
		ctxlog.FromContext(ctx).Warn("SchedulingError: run is starving for an agent.",
			"run_id", r.ID, "build_type", r.BuildTypeID, "error", err)
	}
	return false
}

func (s *Scheduler) dispatchLocked(ctx context.Context, node *depgraph.Node, r *run.Run, agentID string) bool {
	logger := ctxlog.FromContext(ctx).With("run_id", r.ID, "build_type", r.BuildTypeID)
	r.AgentID = agentID
	r.SetStatus(run.Dispatched, s.now(), "agent "+agentID)
	delete(s.readyAt, r.ID)
	delete(s.warned, r.ID)
	s.notifyLocked()

	params, number, scripts := s.resolveParamsLocked(ctx, node, r)
	r.Params, r.BuildNumber = params, number

	staged, err := s.opts.Artifacts.Stage(ctx, r.ID, s.stageInputs(node, r))
	if err != nil {
		logger.Warn("Artifact staging failed.", "error", err)
		s.finishLocked(ctx, r, run.Failed, &run.Reason{Kind: run.ArtifactError, Message: err.Error()})
		return true
	}

	steps := make([]*config.Step, len(node.BuildType.Steps))
	for i, st := range node.BuildType.Steps {
		steps[i] = &config.Step{Name: st.Name, Script: scripts[i], Params: st.Params}
	}
	job := &executor.Job{
		RunID:       r.ID,
		BuildTypeID: r.BuildTypeID,
		Branch:      r.Branch,
		BuildNumber: r.BuildNumber,
		AgentID:     agentID,
		Workspace:   s.opts.Artifacts.WorkDir(r.ID),
		Steps:       steps,
		Params:      params,
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	runCtx, span := s.opts.Tracer.Start(runCtx, "build "+r.BuildTypeID,
		trace.WithAttributes(
			attribute.Int64("run.id", r.ID),
			attribute.String("build_type.id", r.BuildTypeID),
			attribute.String("branch", r.Branch),
			attribute.String("agent.id", agentID),
			attribute.String("build.number", r.BuildNumber),
			attribute.Int("artifacts.staged", len(staged)),
		))
	exec := &execution{cancel: cancel, span: span}
	if timeout := node.BuildType.ExecutionTimeout; timeout > 0 {
		id := r.ID
		exec.timer = time.AfterFunc(timeout, func() { s.expire(id, timeout) })
	}
	s.running[r.ID] = exec

	r.SetStatus(run.Running, s.now(), "")
	logger.Info("Run started.", "agent", agentID, "build_number", r.BuildNumber, "staged_artifacts", len(staged))

	s.wg.Add(1)
	go s.execute(runCtx, job)
	return false
}

func (s *Scheduler) stageInputs(node *depgraph.Node, r *run.Run) []artifact.Input {
	var inputs []artifact.Input
	for _, up := range r.Upstreams {
		for _, e := range node.Predecessors {
			if e.Upstream != up.BuildTypeID || len(e.Rules) == 0 {
				continue
			}
			inputs = append(inputs, artifact.Input{
				UpstreamBuildType: up.BuildTypeID,
				UpstreamRunID:     up.RunID,
				Rules:             e.Rules,
				CleanDestination:  e.Dep.CleanDestination,
				Strict:            e.Dep.Strict,
			})
		}
	}
	return inputs
}
