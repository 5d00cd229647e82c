// Package agent tracks the workers runs are dispatched to and matches them
// against build type requirements.
package agent

import (
	"cmp"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/buildgridgo/internal/config"
)

// Info is a point-in-time copy of an agent's state.
type Info struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Capabilities map[string]string `json:"capabilities"`
	Enabled      bool              `json:"enabled"`
	Busy         bool              `json:"busy"`
	RunID        int64             `json:"run_id,omitempty"`
	IdleSince    time.Time         `json:"idle_since"`
}

type worker struct {
	id           string
	name         string
	capabilities map[string]string
	enabled      bool
	busy         atomic.Bool
	runID        int64
	idleSince    time.Time
}

// Pool is the set of known agents. Agents are claimed with compare-and-set
// so a single agent never runs two builds at once.
type Pool struct {
	mu      sync.Mutex
	workers map[string]*worker
	now     func() time.Time
}

// NewPool returns an empty pool. now defaults to time.Now.
func NewPool(now func() time.Time) *Pool {
	if now == nil {
		now = time.Now
	}
	return &Pool{workers: make(map[string]*worker), now: now}
}

// Upsert registers an agent or replaces its name, capabilities and enabled
// flag. A busy agent keeps its current run.
func (p *Pool) Upsert(id, name string, caps map[string]string, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok {
		w = &worker{id: id, idleSince: p.now()}
		p.workers[id] = w
	}
	w.name = name
	w.capabilities = maps.Clone(caps)
	w.enabled = enabled
}

// Sync registers every declared agent, leaving agents registered at runtime
// untouched.
func (p *Pool) Sync(agents []*config.Agent) {
	for _, a := range agents {
		p.Upsert(a.ID, a.Name, a.Capabilities, a.Enabled)
	}
}

// Remove forgets an agent. A run already on it keeps running.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, id)
}

// Candidates returns the idle, enabled agents that satisfy reqs, longest
// idle first. Ties are broken by id.
func (p *Pool) Candidates(reqs []*config.Requirement) []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Info
	for _, w := range p.workers {
		if !w.enabled || w.busy.Load() || !Satisfies(reqs, w.capabilities) {
			continue
		}
		out = append(out, w.info())
	}
	slices.SortFunc(out, func(a, b Info) int {
		if c := a.IdleSince.Compare(b.IdleSince); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Compatible reports whether any registered agent, busy or not, could ever
// run a build with these requirements.
func (p *Pool) Compatible(reqs []*config.Requirement) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.enabled && Satisfies(reqs, w.capabilities) {
			return true
		}
	}
	return false
}

// Claim marks an idle agent busy with runID. It returns false when the agent
// is unknown, disabled or already claimed.
func (p *Pool) Claim(id string, runID int64) bool {
	p.mu.Lock()
	w, ok := p.workers[id]
	p.mu.Unlock()
	if !ok || !w.busy.CompareAndSwap(false, true) {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !w.enabled {
		w.busy.Store(false)
		return false
	}
	w.runID = runID
	return true
}

// Release returns an agent to the idle set. Releasing an agent that is not
// busy with runID does nothing.
func (p *Pool) Release(id string, runID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok || w.runID != runID {
		return
	}
	w.runID = 0
	w.idleSince = p.now()
	w.busy.Store(false)
}

// Snapshot returns all agents sorted by id.
func (p *Pool) Snapshot() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Info, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.info())
	}
	slices.SortFunc(out, func(a, b Info) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (w *worker) info() Info {
	return Info{
		ID:           w.id,
		Name:         w.name,
		Capabilities: maps.Clone(w.capabilities),
		Enabled:      w.enabled,
		Busy:         w.busy.Load(),
		RunID:        w.runID,
		IdleSince:    w.idleSince,
	}
}
