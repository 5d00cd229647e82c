package depgraph

import (
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"github.com/specialistvlad/buildgridgo/internal/artifact"
	"github.com/specialistvlad/buildgridgo/internal/config"
	"github.com/specialistvlad/buildgridgo/internal/filter"
)

// FallbackBranch is the default branch of build types that have no VCS
// root and no upstream with one.
const FallbackBranch = "main"

// Graph is an immutable, validated view of a config.Model.
type Graph struct {
	version  uint64
	nodes    map[string]*Node
	order    []*Node
	vcsRoots map[string]*config.VcsRoot
	agents   []*config.Agent
}

// Version increases every time Build produces a graph.
func (g *Graph) Version() uint64 {
	return g.version
}

// Node returns the node for a build type id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns every node with upstreams before their blocking downstreams.
func (g *Graph) Nodes() []*Node {
	return g.order
}

// Chain returns the build types a run of id waits on, directly or
// transitively, followed by id itself, in execution order. It returns nil
// for an unknown id.
func (g *Graph) Chain(id string) []*Node {
	if _, ok := g.nodes[id]; !ok {
		return nil
	}
	in := map[string]bool{id: true}
	stack := []string{id}
	for len(stack) > 0 {
		cur := g.nodes[stack[len(stack)-1]]
		stack = stack[:len(stack)-1]
		for _, e := range cur.Predecessors {
			if e.Blocking && !in[e.Upstream] {
				in[e.Upstream] = true
				stack = append(stack, e.Upstream)
			}
		}
	}

	out := make([]*Node, 0, len(in))
	for _, n := range g.order {
		if in[n.ID()] {
			out = append(out, n)
		}
	}
	return out
}

// VcsRoot returns a VCS root by id.
func (g *Graph) VcsRoot(id string) (*config.VcsRoot, bool) {
	r, ok := g.vcsRoots[id]
	return r, ok
}

// Agents returns the statically declared agents.
func (g *Graph) Agents() []*config.Agent {
	return g.agents
}

// Node is a build type with its resolved relationships.
type Node struct {
	BuildType *config.BuildType
	// Params holds inherited project params overlaid with the build type's
	// own. Values are unresolved.
	Params map[string]string
	// DefaultBranch is what "<default>" means for this build type.
	DefaultBranch string
	// Predecessors are the edges this build type declares, in declaration
	// order.
	Predecessors []*Edge
	// Successors are the edges other build types declare on this one, in
	// declaration order of their owners.
	Successors   []*Edge
	Triggers     []*Trigger
	PublishRules []artifact.Rule
}

// ID returns the build type id.
func (n *Node) ID() string {
	return n.BuildType.ID
}

// SnapshotPredecessors returns the predecessor edges with snapshot semantics.
func (n *Node) SnapshotPredecessors() []*Edge {
	var out []*Edge
	for _, e := range n.Predecessors {
		if e.Dep.IsSnapshot() {
			out = append(out, e)
		}
	}
	return out
}

// SnapshotSuccessors returns the successor edges with snapshot semantics.
func (n *Node) SnapshotSuccessors() []*Edge {
	var out []*Edge
	for _, e := range n.Successors {
		if e.Dep.IsSnapshot() {
			out = append(out, e)
		}
	}
	return out
}

// Edge is a dependency from Downstream onto Upstream.
type Edge struct {
	Downstream string
	Upstream   string
	Dep        *config.Dependency
	// Blocking edges make the downstream run wait for an upstream run.
	Blocking bool
	Rules    []artifact.Rule
}

// Trigger is an enabled trigger with its filters compiled.
type Trigger struct {
	Def         *config.Trigger
	BuildTypeID string
	Branches    *filter.BranchFilter
	Paths       *filter.PathFilter
	// Schedule is set for schedule triggers only.
	Schedule cron.Schedule
}

// Holder publishes the current graph. The zero value holds no graph.
type Holder struct {
	p atomic.Pointer[Graph]
}

// Load returns the current graph, or nil before the first Store.
func (h *Holder) Load() *Graph {
	return h.p.Load()
}

// Store publishes g and returns the graph it replaced.
func (h *Holder) Store(g *Graph) *Graph {
	return h.p.Swap(g)
}
