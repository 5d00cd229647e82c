package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/specialistvlad/buildgridgo/internal/config"
	"github.com/specialistvlad/buildgridgo/internal/ctxlog"
	"github.com/specialistvlad/buildgridgo/internal/depgraph"
	"github.com/specialistvlad/buildgridgo/internal/run"
)

// chainKey identifies a planned run within one delivery.
type chainKey struct {
	buildTypeID string
	branch      string
}

// enqueueLocked creates a run for node and resolves its upstreams. chain
// holds the runs created for the current delivery so that a build type
// shared by several paths gets a single run per branch.
func (s *Scheduler) enqueueLocked(ctx context.Context, g *depgraph.Graph, node *depgraph.Node, req run.Request, chain map[chainKey]*run.Run) *run.Run {
	key := chainKey{node.ID(), req.Branch}
	if r, ok := chain[key]; ok {
		return r
	}

	upstreams := make([]run.Upstream, 0, len(node.Predecessors))
	for _, e := range node.Predecessors {
		upstreams = append(upstreams, s.resolveUpstreamLocked(ctx, g, e, req, chain))
	}

	s.nextID++
	r := run.New(s.nextID, req, s.now())
	r.Upstreams = upstreams
	r.GraphVersion = g.Version()
	s.runs[r.ID] = r
	s.plans[r.ID] = g
	s.active = append(s.active, r.ID)
	chain[key] = r

	ctxlog.FromContext(ctx).Info("Run queued.",
		"run_id", r.ID, "build_type", r.BuildTypeID, "branch", r.Branch, "cause", r.Cause, "upstreams", len(upstreams))
	s.notifyLocked()
	return r
}

func (s *Scheduler) resolveUpstreamLocked(ctx context.Context, g *depgraph.Graph, e *depgraph.Edge, req run.Request, chain map[chainKey]*run.Run) run.Upstream {
	up := run.Upstream{BuildTypeID: e.Upstream, Blocking: e.Blocking}
	if r, ok := chain[chainKey{e.Upstream, req.Branch}]; ok {
		up.RunID = r.ID
		return up
	}

	if !e.Blocking {
		if last := s.lastSuccessfulLocked(ctx, e.Upstream, req.Branch); last != nil {
			up.RunID, up.Reused = last.ID, true
		}
		return up
	}

	if e.Dep.Reuse() == config.ReuseAny {
		if r := s.findActiveLocked(e.Upstream, req.Branch); r != nil {
			up.RunID, up.Reused = r.ID, true
			return up
		}
		if last := s.lastSuccessfulLocked(ctx, e.Upstream, req.Branch); last != nil {
			up.RunID, up.Reused = last.ID, true
			return up
		}
	}

	upNode, _ := g.Node(e.Upstream)
	r := s.enqueueLocked(ctx, g, upNode, run.Request{
		BuildTypeID: e.Upstream,
		Branch:      req.Branch,
		Cause:       fmt.Sprintf("dependency of %s", req.BuildTypeID),
	}, chain)
	up.RunID = r.ID
	return up
}

// findActiveLocked returns the oldest live run of a build type on a branch.
func (s *Scheduler) findActiveLocked(buildTypeID, branch string) *run.Run {
	for _, id := range s.active {
		r := s.runs[id]
		if r.BuildTypeID == buildTypeID && r.Branch == branch && !r.Status.IsTerminal() {
			return r
		}
	}
	return nil
}

// lastSuccessfulLocked looks up the newest reusable successful run and makes
// it known to the scheduler.
func (s *Scheduler) lastSuccessfulLocked(ctx context.Context, buildTypeID, branch string) *run.Run {
	var since time.Time
	if s.opts.Retention > 0 {
		since = s.now().Add(-s.opts.Retention)
	}
	last, err := s.opts.History.LastSuccessful(ctx, buildTypeID, branch, since)
	if err != nil {
		ctxlog.FromContext(ctx).Warn("Failed to look up reusable run.", "build_type", buildTypeID, "branch", branch, "error", err)
		return nil
	}
	if last == nil {
		return nil
	}
	if known, ok := s.runs[last.ID]; ok {
		return known
	}
	s.runs[last.ID] = last
	return last
}
