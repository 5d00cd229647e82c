package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/specialistvlad/buildgridgo/internal/config"
	"github.com/specialistvlad/buildgridgo/internal/ctxlog"
	"github.com/specialistvlad/buildgridgo/internal/depgraph"
	"github.com/specialistvlad/buildgridgo/internal/event"
	"github.com/specialistvlad/buildgridgo/internal/run"
)

// Enqueuer accepts the run requests of one event as a single delivery, so
// a build type shared by several of them is planned once per branch.
// *scheduler.Scheduler implements it.
type Enqueuer interface {
	EnqueueAll(ctx context.Context, reqs []run.Request) ([]*run.Run, []error)
}

// QueuedRun is one run an event caused.
type QueuedRun struct {
	BuildTypeID string
	Branch      string
	// TriggerID is the trigger's id, or its type when it has none.
	TriggerID string
	RunID     int64
	// Err is set when the enqueuer rejected the request.
	Err error
}

// Match is a run request an event calls for, before it is enqueued.
type Match struct {
	Request   run.Request
	TriggerID string
}

// Engine matches events against the triggers of the current graph.
type Engine struct {
	graph    func() *depgraph.Graph
	enqueuer Enqueuer
}

// NewEngine creates an Engine that reads the graph on every event, so a
// reloaded configuration takes effect for the next event.
func NewEngine(graph func() *depgraph.Graph, enqueuer Enqueuer) *Engine {
	return &Engine{graph: graph, enqueuer: enqueuer}
}

// OnEvent enqueues every run the event calls for and returns them, in
// topological order of their build types.
func (e *Engine) OnEvent(ctx context.Context, ev event.Event) []QueuedRun {
	ctx, logger := ctxlog.With(ctx, "event", ev.Kind(), "delivery_id", ev.DeliveryID())
	g := e.graph()
	if g == nil {
		logger.Warn("Event dropped, no configuration loaded.")
		return nil
	}

	matches := Matches(g, ev)
	logger.Debug("Matched event against triggers.", "matches", len(matches), "graph_version", g.Version())

	if len(matches) == 0 {
		return nil
	}
	reqs := make([]run.Request, len(matches))
	for i, m := range matches {
		reqs[i] = m.Request
	}
	runs, errs := e.enqueuer.EnqueueAll(ctx, reqs)

	queued := make([]QueuedRun, 0, len(matches))
	for i, m := range matches {
		q := QueuedRun{BuildTypeID: m.Request.BuildTypeID, Branch: m.Request.Branch, TriggerID: m.TriggerID}
		r, err := runs[i], errs[i]
		if err != nil {
			q.Err = err
			logger.Error("Failed to enqueue triggered run.",
				"build_type", q.BuildTypeID, "branch", q.Branch, "trigger", q.TriggerID, "error", err)
		} else {
			q.RunID = r.ID
			logger.Info("Trigger fired.",
				"build_type", q.BuildTypeID, "branch", q.Branch, "trigger", q.TriggerID, "run_id", r.ID)
		}
		queued = append(queued, q)
	}
	return queued
}

// Matches returns the run requests ev calls for in g without enqueuing
// anything. Unknown event kinds match nothing.
func Matches(g *depgraph.Graph, ev event.Event) []Match {
	var set matchSet
	for _, node := range g.Nodes() {
		for _, t := range node.Triggers {
			switch ev := ev.(type) {
			case event.VcsCommit:
				matchVcs(&set, node, t, ev)
			case *event.VcsCommit:
				matchVcs(&set, node, t, *ev)
			case event.BuildFinished:
				matchFinish(&set, node, t, ev)
			case *event.BuildFinished:
				matchFinish(&set, node, t, *ev)
			case event.ScheduleTick:
				matchSchedule(&set, node, t, ev)
			case *event.ScheduleTick:
				matchSchedule(&set, node, t, *ev)
			}
		}
	}
	return set.matches
}

func matchVcs(set *matchSet, node *depgraph.Node, t *depgraph.Trigger, ev event.VcsCommit) {
	if t.Def.Type != config.TriggerVcs {
		return
	}
	if ev.VcsRootID != "" && node.BuildType.VcsRootID != ev.VcsRootID {
		return
	}
	if !t.Branches.Accepts(ev.Branch, node.DefaultBranch) || !t.Paths.AcceptsAny(ev.ChangedPaths) {
		return
	}
	set.add(node, t, ev.Branch, fmt.Sprintf("vcs commit on %s", ev.Branch))
}

func matchFinish(set *matchSet, node *depgraph.Node, t *depgraph.Trigger, ev event.BuildFinished) {
	if t.Def.Type != config.TriggerFinishBuild || t.Def.WatchedBuildType != ev.BuildTypeID {
		return
	}
	if t.Def.SuccessfulOnly && ev.Outcome != run.Success {
		return
	}
	if !t.Branches.Accepts(ev.Branch, node.DefaultBranch) {
		return
	}
	set.add(node, t, ev.Branch, fmt.Sprintf("%s run %d finished %s", ev.BuildTypeID, ev.RunID, ev.Outcome))
}

func matchSchedule(set *matchSet, node *depgraph.Node, t *depgraph.Trigger, ev event.ScheduleTick) {
	if t.Def.Type != config.TriggerSchedule || t.Schedule == nil || !fires(t, ev.Time) {
		return
	}
	for _, branch := range t.Branches.LiteralIncludes(node.DefaultBranch) {
		set.add(node, t, branch, fmt.Sprintf("schedule %q", t.Def.Cron))
	}
}

// fires reports whether the trigger's cron schedule has an activation in
// the minute containing at.
func fires(t *depgraph.Trigger, at time.Time) bool {
	minute := at.Truncate(time.Minute)
	return t.Schedule.Next(minute.Add(-time.Nanosecond)).Equal(minute)
}

type matchSet struct {
	seen    map[[2]string]bool
	matches []Match
}

func (s *matchSet) add(node *depgraph.Node, t *depgraph.Trigger, branch, cause string) {
	key := [2]string{node.ID(), branch}
	if s.seen[key] {
		return
	}
	if s.seen == nil {
		s.seen = make(map[[2]string]bool)
	}
	s.seen[key] = true

	id := t.Def.ID
	if id == "" {
		id = string(t.Def.Type)
	}
	s.matches = append(s.matches, Match{
		Request:   run.Request{BuildTypeID: node.ID(), Branch: branch, Cause: cause},
		TriggerID: id,
	})
}
