package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/specialistvlad/buildgridgo/internal/agent"
	"github.com/specialistvlad/buildgridgo/internal/artifact"
	"github.com/specialistvlad/buildgridgo/internal/ctxlog"
	"github.com/specialistvlad/buildgridgo/internal/depgraph"
	"github.com/specialistvlad/buildgridgo/internal/event"
	"github.com/specialistvlad/buildgridgo/internal/executor"
	"github.com/specialistvlad/buildgridgo/internal/run"
	"github.com/specialistvlad/buildgridgo/internal/runstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNoGraph          = errors.New("no dependency graph loaded")
	ErrUnknownBuildType = errors.New("unknown build type")
	ErrRunNotFound      = errors.New("run not found")
	ErrRunFinished      = errors.New("run already finished")
	ErrClosed           = errors.New("scheduler closed")
)

// SchedulingError reports a run that has been ready for longer than the
// starvation threshold without getting an agent. It is logged, never
// returned to the run.
type SchedulingError struct {
	RunID       int64
	BuildTypeID string
	Waited      time.Duration
	// Incompatible is true when no registered agent satisfies the run's
	// requirements, as opposed to all of them being busy.
	Incompatible bool
}

func (e *SchedulingError) Error() string {
	reason := "all compatible agents are busy"
	if e.Incompatible {
		reason = "no registered agent satisfies the requirements"
	}
	return fmt.Sprintf("run %d of %s waited %s for an agent: %s", e.RunID, e.BuildTypeID, e.Waited, reason)
}

// Options configures a Scheduler. Graph, Agents, Executor and Artifacts are
// required.
type Options struct {
	Graph     func() *depgraph.Graph
	Agents    *agent.Pool
	Executor  executor.Executor
	Artifacts *artifact.Store
	// History defaults to an in-memory store.
	History runstore.Store
	// Retention bounds how old a successful run may be to be reused. Zero
	// means no bound.
	Retention time.Duration
	// StarvationWarning is how long a ready run may wait for an agent before
	// a scheduling error is logged. Zero disables the warning.
	StarvationWarning time.Duration
	// KeepWorkspaces leaves workspaces on disk after runs finish.
	KeepWorkspaces bool
	Now            func() time.Time
	Tracer         trace.Tracer
	// OnFinished receives a BuildFinished event for every terminal run.
	OnFinished func(ctx context.Context, ev event.BuildFinished)
}

// Scheduler owns every live run.
type Scheduler struct {
	opts Options
	ctx  context.Context

	mu sync.Mutex
	// runs holds live runs and the terminal runs live ones still refer
	// to. Everything else is served from History.
	runs       map[int64]*run.Run
	active     []int64
	unrecorded map[int64]bool
	firstID    int64
	plans      map[int64]*depgraph.Graph
	running    map[int64]*execution
	readyAt    map[int64]time.Time
	warned     map[int64]bool
	counters   map[string]int64
	nextID     int64
	changed    chan struct{}
	closed     bool

	outbox     []event.BuildFinished
	delivering bool
	kick       chan struct{}
	stop       chan struct{}
	done       chan struct{}
	wg         sync.WaitGroup
}

// New creates a scheduler and starts its event delivery goroutine. Run ids
// continue after the highest id in History. ctx supplies the logger used by
// background work and is not used for cancellation.
func New(ctx context.Context, opts Options) (*Scheduler, error) {
	if opts.Graph == nil || opts.Agents == nil || opts.Executor == nil || opts.Artifacts == nil {
		return nil, errors.New("scheduler: Graph, Agents, Executor and Artifacts are required")
	}
	if opts.History == nil {
		opts.History = runstore.NewMemory()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/specialistvlad/buildgridgo/internal/scheduler")
	}

	maxID, err := opts.History.MaxID(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: reading run history: %w", err)
	}

	s := &Scheduler{
		opts:       opts,
		ctx:        context.WithoutCancel(ctx),
		runs:       make(map[int64]*run.Run),
		unrecorded: make(map[int64]bool),
		firstID:    maxID + 1,
		plans:      make(map[int64]*depgraph.Graph),
		running:    make(map[int64]*execution),
		readyAt:    make(map[int64]time.Time),
		warned:     make(map[int64]bool),
		counters:   make(map[string]int64),
		nextID:     maxID,
		changed:    make(chan struct{}),
		kick:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go s.deliverLoop()
	return s, nil
}

// Enqueue plans a run of req.BuildTypeID and, transitively, the upstream
// runs it needs. An empty branch means the build type's default branch.
func (s *Scheduler) Enqueue(ctx context.Context, req run.Request) (*run.Run, error) {
	runs, errs := s.EnqueueAll(ctx, []run.Request{req})
	return runs[0], errs[0]
}

// EnqueueAll plans several requests as one delivery. A build type is
// planned at most once per branch across all of them, so requests that
// share upstreams, or name each other, get a single run each. The results
// line up with reqs; a failed request has a nil run and a non-nil error.
func (s *Scheduler) EnqueueAll(ctx context.Context, reqs []run.Request) ([]*run.Run, []error) {
	runs := make([]*run.Run, len(reqs))
	errs := make([]error, len(reqs))
	g := s.opts.Graph()
	nodes := make([]*depgraph.Node, len(reqs))
	for i := range reqs {
		if g == nil {
			errs[i] = ErrNoGraph
			continue
		}
		node, ok := g.Node(reqs[i].BuildTypeID)
		if !ok {
			errs[i] = fmt.Errorf("%w: %q", ErrUnknownBuildType, reqs[i].BuildTypeID)
			continue
		}
		if reqs[i].Branch == "" {
			reqs[i].Branch = node.DefaultBranch
		}
		nodes[i] = node
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		for i, node := range nodes {
			if node != nil {
				errs[i] = ErrClosed
			}
		}
		return runs, errs
	}
	chain := map[chainKey]*run.Run{}
	for i, node := range nodes {
		if node != nil {
			runs[i] = s.enqueueLocked(ctx, g, node, reqs[i], chain)
		}
	}
	s.passLocked(ctx)
	for i, r := range runs {
		if r != nil {
			runs[i] = r.Clone()
		}
	}
	return runs, errs
}

// Tick re-evaluates every live run. Call it after agents change.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passLocked(ctx)
}

// Cancel stops a run. Queued and waiting runs never start; dispatched and
// running ones have their execution canceled and their agent released.
func (s *Scheduler) Cancel(ctx context.Context, id int64) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		if old, err := s.opts.History.Get(ctx, id); err == nil {
			return old, ErrRunFinished
		}
		return nil, ErrRunNotFound
	}
	if r.Status.IsTerminal() {
		return r.Clone(), ErrRunFinished
	}
	if exec, ok := s.running[id]; ok {
		delete(s.running, id)
		exec.stop()
		defer exec.end(run.Canceled, "canceled")
	}
	s.finishLocked(ctx, r, run.Canceled, &run.Reason{Kind: run.CanceledByUser, Message: "canceled by request"})
	s.passLocked(ctx)
	return r.Clone(), nil
}

// Get returns a copy of a run known to this scheduler, falling back to the
// history store.
func (s *Scheduler) Get(ctx context.Context, id int64) (*run.Run, error) {
	s.mu.Lock()
	r, ok := s.runs[id]
	if ok {
		defer s.mu.Unlock()
		return r.Clone(), nil
	}
	s.mu.Unlock()

	r, err := s.opts.History.Get(ctx, id)
	if errors.Is(err, runstore.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	return r, err
}

// Runs returns copies of the runs created since startup, and of any older
// run a live one refers to, ordered by id.
func (s *Scheduler) Runs() []*run.Run {
	s.mu.Lock()
	byID := make(map[int64]*run.Run, len(s.runs))
	for id, r := range s.runs {
		byID[id] = r.Clone()
	}
	firstID := s.firstID
	s.mu.Unlock()

	// A run pruned after the snapshot above is already in History, and
	// History always holds the newer copy.
	past, err := s.opts.History.List(s.ctx, 0)
	if err != nil {
		ctxlog.FromContext(s.ctx).Warn("Failed to list run history.", "error", err)
	}
	for _, r := range past {
		if r.ID >= firstID {
			byID[r.ID] = r
		}
	}

	out := make([]*run.Run, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *run.Run) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Await blocks until the run is terminal and returns it.
func (s *Scheduler) Await(ctx context.Context, id int64) (*run.Run, error) {
	for {
		s.mu.Lock()
		r, ok := s.runs[id]
		if !ok {
			s.mu.Unlock()
			return s.Get(ctx, id)
		}
		if r.Status.IsTerminal() {
			defer s.mu.Unlock()
			return r.Clone(), nil
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// WaitIdle blocks until no run is live and every BuildFinished event has
// been delivered. Runs enqueued by event handlers keep it waiting.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		idle := len(s.active) == 0 && len(s.running) == 0 && len(s.outbox) == 0 && !s.delivering
		ch := s.changed
		s.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close cancels every execution still in flight, waits for the executor
// goroutines and stops event delivery. Undelivered events are dropped.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, exec := range s.running {
		exec.stop()
	}
	s.mu.Unlock()

	s.wg.Wait()
	close(s.stop)
	<-s.done
	return nil
}

func (s *Scheduler) now() time.Time {
	return s.opts.Now()
}

// notifyLocked wakes everything blocked in Await or WaitIdle.
func (s *Scheduler) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
