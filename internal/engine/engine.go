package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/specialistvlad/buildgridgo/internal/agent"
	"github.com/specialistvlad/buildgridgo/internal/artifact"
	"github.com/specialistvlad/buildgridgo/internal/config"
	"github.com/specialistvlad/buildgridgo/internal/ctxlog"
	"github.com/specialistvlad/buildgridgo/internal/depgraph"
	"github.com/specialistvlad/buildgridgo/internal/event"
	"github.com/specialistvlad/buildgridgo/internal/executor"
	"github.com/specialistvlad/buildgridgo/internal/run"
	"github.com/specialistvlad/buildgridgo/internal/runstore"
	"github.com/specialistvlad/buildgridgo/internal/scheduler"
	"github.com/specialistvlad/buildgridgo/internal/trigger"
	"go.opentelemetry.io/otel/trace"
)

// ErrQueueFull is returned by Submit when the event queue has no room.
var ErrQueueFull = errors.New("event queue is full")

const defaultQueueSize = 256

// Options configures an Engine. Loader, Executor and Artifacts are required.
type Options struct {
	Loader config.Loader
	// Paths are handed to Loader on every reload.
	Paths     []string
	Executor  executor.Executor
	Artifacts *artifact.Store
	History   runstore.Store

	Retention         time.Duration
	StarvationWarning time.Duration
	KeepWorkspaces    bool
	// QueueSize bounds the events waiting for Run. Defaults to 256.
	QueueSize int

	Tracer trace.Tracer
	Now    func() time.Time
}

// Engine is the running build orchestrator.
type Engine struct {
	opts     Options
	holder   depgraph.Holder
	agents   *agent.Pool
	sched    *scheduler.Scheduler
	triggers *trigger.Engine
	queue    chan event.Event
	reloadMu sync.Mutex

	observersMu sync.Mutex
	observers   []func(context.Context, event.BuildFinished)
}

// New loads the configuration and starts the scheduler. A configuration
// that fails to load or validate is an error.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Loader == nil || opts.Executor == nil || opts.Artifacts == nil {
		return nil, errors.New("engine: Loader, Executor and Artifacts are required")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.History == nil {
		opts.History = runstore.NewMemory()
	}

	e := &Engine{
		opts:   opts,
		agents: agent.NewPool(opts.Now),
		queue:  make(chan event.Event, opts.QueueSize),
	}
	if _, err := e.Reload(ctx); err != nil {
		return nil, err
	}
	e.triggers = trigger.NewEngine(e.holder.Load, e)

	sched, err := scheduler.New(ctx, scheduler.Options{
		Graph:             e.holder.Load,
		Agents:            e.agents,
		Executor:          opts.Executor,
		Artifacts:         opts.Artifacts,
		History:           opts.History,
		Retention:         opts.Retention,
		StarvationWarning: opts.StarvationWarning,
		KeepWorkspaces:    opts.KeepWorkspaces,
		Now:               opts.Now,
		Tracer:            opts.Tracer,
		OnFinished:        e.onFinished,
	})
	if err != nil {
		return nil, err
	}
	e.sched = sched
	return e, nil
}

// Reload parses the configuration again and publishes the new graph. On
// failure the current graph stays active and the error is returned.
func (e *Engine) Reload(ctx context.Context) (*depgraph.Graph, error) {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()
	logger := ctxlog.FromContext(ctx)

	model, err := e.opts.Loader.Load(ctx, e.opts.Paths...)
	if err != nil {
		logger.Error("Configuration reload failed, keeping the current graph.", "error", err)
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	g, err := depgraph.Build(model)
	if err != nil {
		logger.Error("Configuration is invalid, keeping the current graph.", "error", err)
		return nil, err
	}

	prev := e.holder.Store(g)
	e.agents.Sync(g.Agents())
	if prev != nil {
		logger.Info("Configuration reloaded.", "graph_version", g.Version(), "previous_version", prev.Version(),
			"build_types", len(g.Nodes()))
	} else {
		logger.Info("Configuration loaded.", "graph_version", g.Version(), "build_types", len(g.Nodes()),
			"agents", len(g.Agents()))
	}
	if e.sched != nil {
		e.sched.Tick(ctx)
	}
	return g, nil
}

// Handle applies one event immediately and returns the runs it queued.
func (e *Engine) Handle(ctx context.Context, ev event.Event) []trigger.QueuedRun {
	switch ev := ev.(type) {
	case event.AgentStateChanged:
		e.applyAgent(ctx, ev)
		return nil
	case *event.AgentStateChanged:
		e.applyAgent(ctx, *ev)
		return nil
	}
	return e.triggers.OnEvent(ctx, ev)
}

func (e *Engine) applyAgent(ctx context.Context, ev event.AgentStateChanged) {
	logger := ctxlog.FromContext(ctx).With("agent", ev.AgentID, "delivery_id", ev.DeliveryID())
	if ev.Removed {
		e.agents.Remove(ev.AgentID)
		logger.Info("Agent removed.")
	} else {
		name := ev.Name
		if name == "" {
			name = ev.AgentID
		}
		e.agents.Upsert(ev.AgentID, name, ev.Capabilities, ev.Enabled)
		logger.Info("Agent updated.", "enabled", ev.Enabled, "capabilities", len(ev.Capabilities))
	}
	e.sched.Tick(ctx)
}

// Submit queues an event for Run without blocking.
func (e *Engine) Submit(ev event.Event) error {
	select {
	case e.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run handles queued events until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Engine event loop started.")
	for {
		select {
		case <-ctx.Done():
			logger.Debug("Engine event loop stopped.")
			return nil
		case ev := <-e.queue:
			e.Handle(ctx, ev)
		}
	}
}

// onFinished runs on the scheduler's delivery goroutine, one event at a
// time.
func (e *Engine) onFinished(ctx context.Context, ev event.BuildFinished) {
	e.triggers.OnEvent(ctx, ev)

	e.observersMu.Lock()
	observers := append([]func(context.Context, event.BuildFinished){}, e.observers...)
	e.observersMu.Unlock()
	for _, fn := range observers {
		fn(ctx, ev)
	}
}

// Observe registers fn to be called, in order, for every BuildFinished
// event after triggers have seen it.
func (e *Engine) Observe(fn func(context.Context, event.BuildFinished)) {
	e.observersMu.Lock()
	defer e.observersMu.Unlock()
	e.observers = append(e.observers, fn)
}

// Enqueue starts a run of a build type, as a user-requested build would.
func (e *Engine) Enqueue(ctx context.Context, req run.Request) (*run.Run, error) {
	return e.sched.Enqueue(ctx, req)
}

// EnqueueAll plans the runs one event calls for as a single delivery.
func (e *Engine) EnqueueAll(ctx context.Context, reqs []run.Request) ([]*run.Run, []error) {
	return e.sched.EnqueueAll(ctx, reqs)
}

// Cancel cancels a live run.
func (e *Engine) Cancel(ctx context.Context, id int64) (*run.Run, error) {
	return e.sched.Cancel(ctx, id)
}

// Get returns a run by id, live or historical.
func (e *Engine) Get(ctx context.Context, id int64) (*run.Run, error) {
	return e.sched.Get(ctx, id)
}

// Runs returns the runs known since startup.
func (e *Engine) Runs() []*run.Run {
	return e.sched.Runs()
}

// Await blocks until run id is terminal.
func (e *Engine) Await(ctx context.Context, id int64) (*run.Run, error) {
	return e.sched.Await(ctx, id)
}

// WaitIdle blocks until nothing is queued, running or being delivered.
func (e *Engine) WaitIdle(ctx context.Context) error {
	return e.sched.WaitIdle(ctx)
}

// Graph returns the active dependency graph.
func (e *Engine) Graph() *depgraph.Graph {
	return e.holder.Load()
}

// Agents returns a snapshot of every known agent.
func (e *Engine) Agents() []agent.Info {
	return e.agents.Snapshot()
}

// Artifacts returns the artifact store runs publish into.
func (e *Engine) Artifacts() *artifact.Store {
	return e.opts.Artifacts
}

// History returns the run history store.
func (e *Engine) History() runstore.Store {
	return e.opts.History
}

// Close stops the scheduler, canceling runs still executing.
func (e *Engine) Close() error {
	return e.sched.Close()
}
