package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/specialistvlad/buildgridgo/internal/agent"
	"github.com/specialistvlad/buildgridgo/internal/artifact"
	"github.com/specialistvlad/buildgridgo/internal/config"
	"github.com/specialistvlad/buildgridgo/internal/depgraph"
	"github.com/specialistvlad/buildgridgo/internal/event"
	"github.com/specialistvlad/buildgridgo/internal/run"
	"github.com/specialistvlad/buildgridgo/internal/runstore"
	"github.com/specialistvlad/buildgridgo/internal/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fixture struct {
	ctx       context.Context
	logs      *testutil.SafeBuffer
	holder    *depgraph.Holder
	pool      *agent.Pool
	exec      *testutil.FakeExecutor
	artifacts *artifact.Store
	history   runstore.Store
	sched     *Scheduler
	finished  chan event.BuildFinished
}

type fixtureOption func(*Options)

func newFixture(t *testing.T, model *config.Model, agents int, opts ...fixtureOption) *fixture {
	t.Helper()
	ctx, logs := testutil.NewTestContext(t)
	g, err := depgraph.Build(model)
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	f := &fixture{
		ctx:       ctx,
		logs:      logs,
		holder:    &depgraph.Holder{},
		pool:      agent.NewPool(nil),
		exec:      testutil.NewFakeExecutor(fs),
		artifacts: artifact.NewStore(fs, "/state"),
		history:   runstore.NewMemory(),
		finished:  make(chan event.BuildFinished, 64),
	}
	f.holder.Store(g)
	for i := 0; i < agents; i++ {
		f.pool.Upsert(string(rune('a'+i)), "agent", map[string]string{"os": "linux"}, true)
	}

	o := Options{
		Graph:          f.holder.Load,
		Agents:         f.pool,
		Executor:       f.exec,
		Artifacts:      f.artifacts,
		History:        f.history,
		KeepWorkspaces: true,
		OnFinished: func(ctx context.Context, ev event.BuildFinished) {
			f.finished <- ev
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	f.sched, err = New(ctx, o)
	require.NoError(t, err)
	t.Cleanup(func() { f.sched.Close() })
	return f
}

func (f *fixture) enqueue(t *testing.T, buildTypeID string) *run.Run {
	t.Helper()
	r, err := f.sched.Enqueue(f.ctx, run.Request{BuildTypeID: buildTypeID, Branch: "main", Cause: "test"})
	require.NoError(t, err)
	return r
}

func (f *fixture) await(t *testing.T, id int64) *run.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(f.ctx, 5*time.Second)
	defer cancel()
	r, err := f.sched.Await(ctx, id)
	require.NoError(t, err)
	return r
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(f.ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.sched.WaitIdle(ctx))
}

func (f *fixture) runOf(t *testing.T, buildTypeID string) *run.Run {
	t.Helper()
	var found *run.Run
	for _, r := range f.sched.Runs() {
		if r.BuildTypeID == buildTypeID {
			require.Nil(t, found, "more than one run of %s", buildTypeID)
			found = r
		}
	}
	require.NotNil(t, found, "no run of %s", buildTypeID)
	return found
}

func dep(upstream string, onFailure config.FailureAction) *config.Dependency {
	return &config.Dependency{Upstream: upstream, Kind: config.DependencySnapshot, Snapshot: true, OnDependencyFailure: onFailure}
}

func regular(id string, deps ...*config.Dependency) *config.BuildType {
	return &config.BuildType{ID: id, Steps: []*config.Step{{Name: "run", Script: "make " + id}}, Dependencies: deps}
}

func TestScheduler_FailToStartNeverDispatches(t *testing.T) {
	// --- Arrange ---
	f := newFixture(t, &config.Model{BuildTypes: []*config.BuildType{
		regular("A"),
		regular("B", dep("A", config.ActionFailToStart)),
	}}, 1)
	f.exec.On("A", testutil.Outcome{ExitCode: 1})

	// --- Act ---
	b := f.enqueue(t, "B")
	b = f.await(t, b.ID)

	// --- Assert ---
	a := f.runOf(t, "A")
	assert.Equal(t, run.Failed, a.Status)
	assert.Equal(t, run.ExitCode, a.Reason.Kind)

	assert.Equal(t, run.Failed, b.Status)
	require.NotNil(t, b.Reason)
	assert.Equal(t, run.UpstreamDependencyFailed, b.Reason.Kind)
	assert.Equal(t, "A", b.Reason.UpstreamBuildType)
	assert.Equal(t, a.ID, b.Reason.UpstreamRunID)
	assert.False(t, b.Reached(run.Dispatched))
	assert.Empty(t, b.AgentID)
	require.Len(t, b.Decisions, 1)
	assert.Equal(t, "FailToStart", b.Decisions[0].Verdict)

	jobs := f.exec.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "A", jobs[0].BuildTypeID)
}

func TestScheduler_IgnoreReachesDispatched(t *testing.T) {
	f := newFixture(t, &config.Model{BuildTypes: []*config.BuildType{
		regular("A"),
		regular("B", dep("A", config.ActionIgnore)),
	}}, 1)
	f.exec.On("A", testutil.Outcome{ExitCode: 2})

	b := f.await(t, f.enqueue(t, "B").ID)

	assert.Equal(t, run.Success, b.Status)
	assert.True(t, b.Reached(run.Dispatched))
	assert.True(t, b.Reached(run.WaitingOnDependencies))
	require.Len(t, b.Decisions, 1)
	assert.Equal(t, "Ignore", b.Decisions[0].Verdict)
}

func TestScheduler_EndToEndCascade(t *testing.T) {
	// --- Arrange ---
	// A <- B (snapshot, FAIL_TO_START) <- C (artifact only, IGNORE)
	model := &config.Model{BuildTypes: []*config.BuildType{
		regular("A"),
		regular("B", dep("A", config.ActionFailToStart)),
		regular("C", &config.Dependency{
			Upstream:            "B",
			Kind:                config.DependencyArtifact,
			OnDependencyFailure: config.ActionIgnore,
			ArtifactRules:       []string{"out/** => fromB"},
		}),
	}}
	f := newFixture(t, model, 2)
	f.exec.On("A", testutil.Outcome{ExitCode: 1})

	// --- Act ---
	c := f.enqueue(t, "C")
	c = f.await(t, c.ID)
	f.waitIdle(t)

	// --- Assert ---
	a, b := f.runOf(t, "A"), f.runOf(t, "B")
	assert.Equal(t, run.Failed, a.Status)
	assert.Equal(t, run.Failed, b.Status)
	assert.Equal(t, run.UpstreamDependencyFailed, b.Reason.Kind)
	assert.Equal(t, "A", b.Reason.UpstreamBuildType)
	assert.Equal(t, a.ID, b.Reason.OriginRunID)

	assert.Equal(t, run.Success, c.Status)
	assert.True(t, c.Reached(run.Dispatched))
	assert.Nil(t, c.Reason)
	assert.Len(t, f.exec.Jobs(), 2, "A and C executed, B never did")

	var order []string
	for i := 0; i < 3; i++ {
		ev := <-f.finished
		order = append(order, ev.BuildTypeID)
	}
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestScheduler_TwoRunsRaceForOneAgent(t *testing.T) {
	// --- Arrange ---
	f := newFixture(t, &config.Model{BuildTypes: []*config.BuildType{regular("X")}}, 1)
	release := f.exec.Hold("X")

	// --- Act ---
	first := f.enqueue(t, "X")
	second := f.enqueue(t, "X")
	<-f.exec.Started()

	// --- Assert ---
	runs := f.sched.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, run.Running, runs[0].Status)
	assert.Equal(t, run.Queued, runs[1].Status)
	select {
	case job := <-f.exec.Started():
		t.Fatalf("run %d started while the only agent was busy", job.RunID)
	case <-time.After(50 * time.Millisecond):
	}

	release()
	first = f.await(t, first.ID)
	second = f.await(t, second.ID)
	assert.Equal(t, run.Success, first.Status)
	assert.Equal(t, run.Success, second.Status)
	assert.Equal(t, first.AgentID, second.AgentID)
	assert.False(t, second.StartedAt.Before(first.FinishedAt))
}

func TestScheduler_ReuseActiveUpstream(t *testing.T) {
	f := newFixture(t, &config.Model{BuildTypes: []*config.BuildType{
		regular("A"),
		regular("B", dep("A", "")),
		regular("C", dep("A", "")),
		regular("D", &config.Dependency{Upstream: "A", Kind: config.DependencySnapshot, ReuseBuilds: config.ReuseNo}),
	}}, 4)
	release := f.exec.Hold("A")

	b := f.enqueue(t, "B")
	c := f.enqueue(t, "C")
	d := f.enqueue(t, "D")
	release()
	f.waitIdle(t)

	require.Len(t, b.Upstreams, 1)
	assert.False(t, b.Upstreams[0].Reused)
	assert.Equal(t, b.Upstreams[0].RunID, c.Upstreams[0].RunID, "ANY reuses the live run")
	assert.True(t, c.Upstreams[0].Reused)
	assert.NotEqual(t, b.Upstreams[0].RunID, d.Upstreams[0].RunID, "NO always builds fresh")
}

func TestScheduler_ReuseFromHistory(t *testing.T) {
	f := newFixture(t, &config.Model{BuildTypes: []*config.BuildType{
		regular("A"),
		regular("B", dep("A", "")),
	}}, 1)
	a := f.await(t, f.enqueue(t, "A").ID)
	require.Equal(t, run.Success, a.Status)

	b := f.await(t, f.enqueue(t, "B").ID)

	assert.Equal(t, run.Success, b.Status)
	assert.Equal(t, a.ID, b.Upstreams[0].RunID)
	assert.True(t, b.Upstreams[0].Reused)
	assert.Len(t, f.exec.Jobs(), 2, "A ran once")
}

func TestScheduler_RetentionLimitsReuse(t *testing.T) {
	now := time.Now()
	f := newFixture(t, &config.Model{BuildTypes: []*config.BuildType{
		regular("A"),
		regular("B", dep("A", "")),
	}}, 1, func(o *Options) {
		o.Retention = time.Hour
		o.Now = func() time.Time { return now }
	})
	old := run.New(100, run.Request{BuildTypeID: "A", Branch: "main"}, now.Add(-3*time.Hour))
	old.Finish(run.Success, nil, now.Add(-2*time.Hour))
	require.NoError(t, f.history.Record(f.ctx, old))

	b := f.enqueue(t, "B")

	assert.NotEqual(t, int64(100), b.Upstreams[0].RunID)
	assert.False(t, b.Upstreams[0].Reused)
}

func TestScheduler_DiamondSharesUpstream(t *testing.T) {
	f := newFixture(t, &config.Model{BuildTypes: []*config.BuildType{
		regular("A"),
		regular("B", &config.Dependency{Upstream: "A", Kind: config.DependencySnapshot, ReuseBuilds: config.ReuseNo}),
		regular("C", &config.Dependency{Upstream: "A", Kind: config.DependencySnapshot, ReuseBuilds: config.ReuseNo}),
		regular("D", dep("B", ""), dep("C", "")),
	}}, 2)

	d := f.await(t, f.enqueue(t, "D").ID)
	f.waitIdle(t)

	assert.Equal(t, run.Success, d.Status)
	f.runOf(t, "A")
	assert.Len(t, f.sched.Runs(), 4)
}

func TestScheduler_TimeoutReclaimsAgent(t *testing.T) {
	// --- Arrange ---
	bt := regular("Slow")
	bt.ExecutionTimeout = 50 * time.Millisecond
	f := newFixture(t, &config.Model{BuildTypes: []*config.BuildType{bt}}, 1)
	f.exec.On("Slow", testutil.Outcome{IgnoreCancel: true})
	release := f.exec.Hold("Slow")
	t.Cleanup(release)

	// --- Act ---
	r := f.await(t, f.enqueue(t, "Slow").ID)

	// --- Assert ---
	assert.Equal(t, run.Failed, r.Status)
	assert.Equal(t, run.Timeout, r.Reason.Kind)
	assert.Len(t, f.pool.Candidates(nil), 1, "agent is free again")
}

func TestScheduler_ExecutorCrash(t *testing.T) {
	f := newFixture(t, &config.Model{BuildTypes: []*config.BuildType{regular("A")}}, 1)
	f.exec.On("A", testutil.Outcome{Err: errors.New("agent lost")})

	r := f.await(t, f.enqueue(t, "A").ID)

	assert.Equal(t, run.Failed, r.Status)
	assert.Equal(t, run.ExecutorCrash, r.Reason.Kind)
	assert.Contains(t, r.Reason.Message, "agent lost")
}

func TestScheduler_Cancel(t *testing.T) {
	// --- Arrange ---
	f := newFixture(t, &config.Model{BuildTypes: []*config.BuildType{
		regular("A"),
		regular("B", dep("A", config.ActionIgnore)),
	}}, 1)
	release := f.exec.Hold("A")
	defer release()
	b := f.enqueue(t, "B")
	<-f.exec.Started()
	a := f.runOf(t, "A")

	// --- Act ---
	canceled, err := f.sched.Cancel(f.ctx, a.ID)
	require.NoError(t, err)
	_, err = f.sched.Cancel(f.ctx, a.ID)

	// --- Assert ---
	assert.ErrorIs(t, err, ErrRunFinished)
	assert.Equal(t, run.Canceled, canceled.Status)
	assert.Equal(t, run.CanceledByUser, canceled.Reason.Kind)
	b = f.await(t, b.ID)
	assert.Equal(t, run.Success, b.Status, "cancel inherits IGNORE")
	_, err = f.sched.Cancel(f.ctx, 999)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestScheduler_CancelQueued(t *testing.T) {
	f := newFixture(t, &config.Model{BuildTypes: []*config.BuildType{
		regular("A"),
		regular("B", dep("A", "")),
	}}, 1)
	release := f.exec.Hold("A")
	defer release()
	b := f.enqueue(t, "B")

	canceled, err := f.sched.Cancel(f.ctx, b.ID)

	require.NoError(t, err)
	assert.Equal(t, run.Canceled, canceled.Status)
	assert.False(t, canceled.Reached(run.Dispatched))
}

func TestScheduler_CompositeNeedsNoAgent(t *testing.T) {
	// --- Arrange ---
	f := newFixture(t, &config.Model{BuildTypes: []*config.BuildType{
		regular("A"),
		{ID: "All", Kind: config.KindComposite, Dependencies: []*config.Dependency{dep("A", "")},
			BuildNumberPattern: "%dep.A.build.number%"},
	}}, 1)

	// --- Act ---
	all := f.await(t, f.enqueue(t, "All").ID)

	// --- Assert ---
	a := f.runOf(t, "A")
	assert.Equal(t, run.Success, all.Status)
	assert.Empty(t, all.AgentID)
	assert.False(t, all.Reached(run.Dispatched))
	assert.Equal(t, a.BuildNumber, all.BuildNumber)
	assert.Len(t, f.exec.Jobs(), 1)
}

func TestScheduler_CompositeSkipsIgnoredUpstreams(t *testing.T) {
	// --- Arrange ---
	f := newFixture(t, &config.Model{BuildTypes: []*config.BuildType{
		regular("A"),
		regular("B"),
		{ID: "All", Kind: config.KindComposite, Dependencies: []*config.Dependency{
			dep("A", config.ActionIgnore),
			dep("B", config.ActionFailToStart),
		}},
	}}, 2)
	f.exec.On("A", testutil.Outcome{ExitCode: 1})

	// --- Act ---
	all := f.await(t, f.enqueue(t, "All").ID)

	// --- Assert ---
	assert.Equal(t, run.Success, all.Status)
	assert.Nil(t, all.Reason)
	require.Len(t, all.Decisions, 2)
	verdicts := map[string]string{}
	for _, d := range all.Decisions {
		verdicts[d.UpstreamBuildType] = d.Verdict
	}
	assert.Equal(t, map[string]string{"A": "Ignore", "B": "Proceed"}, verdicts)
}

func TestScheduler_CascadeOriginSurvivesComposite(t *testing.T) {
	// --- Arrange ---
	// A <- All (composite) <- D
	f := newFixture(t, &config.Model{BuildTypes: []*config.BuildType{
		regular("A"),
		{ID: "All", Kind: config.KindComposite, Dependencies: []*config.Dependency{dep("A", config.ActionFailToStart)}},
		regular("D", dep("All", config.ActionFailToStart)),
	}}, 1)
	f.exec.On("A", testutil.Outcome{ExitCode: 1})

	// --- Act ---
	d := f.await(t, f.enqueue(t, "D").ID)

	// --- Assert ---
	a, all := f.runOf(t, "A"), f.runOf(t, "All")
	assert.Equal(t, run.Failed, all.Status)
	assert.Equal(t, a.ID, all.Reason.OriginRunID)
	assert.Equal(t, run.Failed, d.Status)
	require.NotNil(t, d.Reason)
	assert.Equal(t, "All", d.Reason.UpstreamBuildType)
	assert.Equal(t, all.ID, d.Reason.UpstreamRunID)
	assert.Equal(t, a.ID, d.Reason.OriginRunID)
}

func TestScheduler_BuildNumberAndDependencyParams(t *testing.T) {
	// --- Arrange ---
	b := regular("B", dep("A", ""))
	b.BuildNumberPattern = "%dep.A.version%.%build.counter%"
	b.Steps[0].Script = "deploy %dep.A.version% to %env.TARGET%"
	b.ProjectID = "P"
	f := newFixture(t, &config.Model{
		Projects:   []*config.Project{{ID: "P", Params: map[string]string{"env.TARGET": "staging"}}},
		BuildTypes: []*config.BuildType{regular("A"), b},
	}, 1)
	f.exec.On("A", testutil.Outcome{Params: map[string]string{"version": "2.4"}})

	// --- Act ---
	f.await(t, f.enqueue(t, "B").ID)
	second := f.await(t, f.enqueue(t, "B").ID)

	// --- Assert ---
	assert.Equal(t, "2.4.2", second.BuildNumber)
	jobs := f.exec.Jobs()
	last := jobs[len(jobs)-1]
	assert.Equal(t, "B", last.BuildTypeID)
	assert.Equal(t, "2.4.2", last.Params["build.number"])
	assert.Equal(t, "deploy 2.4 to staging", last.Steps[0].Script)
}

func TestScheduler_RequirementsAndStarvation(t *testing.T) {
	// --- Arrange ---
	now := time.Now()
	bt := regular("GPU")
	bt.Requirements = []*config.Requirement{
		{ID: "RQ_1", Name: "gpu", Op: config.OpExists},
		{ID: "RQ_2", Name: "os", Op: config.OpEquals, Value: "windows"},
	}
	bt.DisabledSettings = []string{"RQ_2"}
	f := newFixture(t, &config.Model{BuildTypes: []*config.BuildType{bt}}, 1, func(o *Options) {
		o.StarvationWarning = time.Minute
		o.Now = func() time.Time { return now }
	})

	// --- Act ---
	r := f.enqueue(t, "GPU")
	now = now.Add(2 * time.Minute)
	f.sched.Tick(f.ctx)
	f.sched.Tick(f.ctx)

	// --- Assert ---
	assert.Equal(t, run.Queued, r.Status)
	assert.Contains(t, f.logs.String(), "SchedulingError")
	assert.Contains(t, f.logs.String(), "no registered agent satisfies the requirements")

	f.pool.Upsert("gpu-box", "gpu", map[string]string{"gpu": "a100", "os": "linux"}, true)
	f.sched.Tick(f.ctx)
	done := f.await(t, r.ID)
	assert.Equal(t, "gpu-box", done.AgentID)
}

func TestScheduler_PublishesAndStagesArtifacts(t *testing.T) {
	// --- Arrange ---
	a := regular("A")
	a.PublishRules = []string{"dist/** => dist"}
	f := newFixture(t, &config.Model{BuildTypes: []*config.BuildType{
		a,
		regular("B", &config.Dependency{
			Upstream: "A", Kind: config.DependencyArtifact, Snapshot: true,
			ArtifactRules: []string{"dist/*.zip => in"}, Strict: true,
		}),
	}}, 1)
	f.exec.On("A", testutil.Outcome{Files: map[string]string{"dist/app.zip": "zip", "tmp/x": "x"}})

	// --- Act ---
	b := f.await(t, f.enqueue(t, "B").ID)

	// --- Assert ---
	require.Equal(t, run.Success, b.Status)
	assert.Equal(t, []string{"dist/app.zip"}, f.runOf(t, "A").Artifacts)
	data, err := afero.ReadFile(f.artifacts.Fs(), f.artifacts.WorkDir(b.ID)+"/in/app.zip")
	require.NoError(t, err)
	assert.Equal(t, "zip", string(data))
}

func TestScheduler_StrictArtifactMissFailsRun(t *testing.T) {
	f := newFixture(t, &config.Model{BuildTypes: []*config.BuildType{
		regular("A"),
		regular("B", &config.Dependency{
			Upstream: "A", Kind: config.DependencyArtifact, Snapshot: true,
			ArtifactRules: []string{"*.zip"}, Strict: true,
		}),
	}}, 1)

	b := f.await(t, f.enqueue(t, "B").ID)

	assert.Equal(t, run.Failed, b.Status)
	assert.Equal(t, run.ArtifactError, b.Reason.Kind)
	assert.Len(t, f.pool.Candidates(nil), 1)
}

func TestScheduler_UnknownBuildType(t *testing.T) {
	f := newFixture(t, &config.Model{BuildTypes: []*config.BuildType{regular("A")}}, 1)

	_, err := f.sched.Enqueue(f.ctx, run.Request{BuildTypeID: "Nope"})

	assert.ErrorIs(t, err, ErrUnknownBuildType)
}

func TestScheduler_EnqueueAllSharesOneChain(t *testing.T) {
	// --- Arrange ---
	noReuse := dep("A", "")
	noReuse.ReuseBuilds = config.ReuseNo
	f := newFixture(t, &config.Model{BuildTypes: []*config.BuildType{
		regular("A"),
		regular("B", noReuse),
	}}, 1)
	release := f.exec.Hold("A")
	defer release()

	// --- Act ---
	runs, errs := f.sched.EnqueueAll(f.ctx, []run.Request{
		{BuildTypeID: "B", Branch: "main"},
		{BuildTypeID: "A", Branch: "main"},
		{BuildTypeID: "A", Branch: "dev"},
		{BuildTypeID: "Nope", Branch: "main"},
	})

	// --- Assert ---
	require.Len(t, runs, 4)
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.NoError(t, errs[2])
	assert.ErrorIs(t, errs[3], ErrUnknownBuildType)
	assert.Nil(t, runs[3])

	assert.Equal(t, runs[1].ID, runs[0].Upstreams[0].RunID, "B reuses the A planned in the same delivery")
	assert.NotEqual(t, runs[1].ID, runs[2].ID, "a different branch gets its own run")
	assert.Len(t, f.sched.Runs(), 3)
}

func TestScheduler_ForgetsSettledRuns(t *testing.T) {
	// --- Arrange ---
	f := newFixture(t, &config.Model{BuildTypes: []*config.BuildType{
		regular("A"),
		regular("B", dep("A", "")),
	}}, 1)
	a := f.await(t, f.enqueue(t, "A").ID)
	release := f.exec.Hold("B")
	defer release()

	// --- Act ---
	b := f.enqueue(t, "B")
	<-f.exec.Started()
	<-f.exec.Started()
	f.sched.mu.Lock()
	_, keptWhileReferenced := f.sched.runs[a.ID]
	f.sched.mu.Unlock()
	release()
	f.waitIdle(t)

	// --- Assert ---
	assert.True(t, keptWhileReferenced, "a live run's upstream stays in memory")
	f.sched.mu.Lock()
	assert.Empty(t, f.sched.runs)
	f.sched.mu.Unlock()

	got, err := f.sched.Get(f.ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, run.Success, got.Status)
	assert.Equal(t, run.Success, f.await(t, a.ID).Status)
	_, err = f.sched.Cancel(f.ctx, a.ID)
	assert.ErrorIs(t, err, ErrRunFinished)

	runs := f.sched.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, []int64{a.ID, b.ID}, []int64{runs[0].ID, runs[1].ID})
}

func TestScheduler_DefaultBranch(t *testing.T) {
	f := newFixture(t, &config.Model{
		VcsRoots:   []*config.VcsRoot{{ID: "R", DefaultBranch: "master"}},
		BuildTypes: []*config.BuildType{{ID: "A", VcsRootID: "R"}},
	}, 1)

	r, err := f.sched.Enqueue(f.ctx, run.Request{BuildTypeID: "A"})

	require.NoError(t, err)
	assert.Equal(t, "master", r.Branch)
}

func TestScheduler_RunIDsContinueAfterHistory(t *testing.T) {
	history := runstore.NewMemory()
	old := run.New(41, run.Request{BuildTypeID: "A", Branch: "dev"}, time.Now())
	old.Finish(run.Failed, nil, time.Now())
	require.NoError(t, history.Record(context.Background(), old))

	f := newFixture(t, &config.Model{BuildTypes: []*config.BuildType{regular("A")}}, 1, func(o *Options) {
		o.History = history
	})

	assert.Equal(t, int64(42), f.enqueue(t, "A").ID)
}

func TestScheduler_SpanPerExecutedRun(t *testing.T) {
	// --- Arrange ---
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	f := newFixture(t, &config.Model{BuildTypes: []*config.BuildType{
		regular("A"),
		regular("B", dep("A", "")),
	}}, 1, func(o *Options) { o.Tracer = provider.Tracer("test") })
	f.exec.On("B", testutil.Outcome{ExitCode: 1})

	// --- Act ---
	b := f.await(t, f.enqueue(t, "B").ID)

	// --- Assert ---
	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "build A", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, "build B", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Contains(t, spans[1].Attributes(), attribute.Int64("run.id", b.ID))
}
