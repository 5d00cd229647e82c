package depgraph

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"github.com/specialistvlad/buildgridgo/internal/artifact"
	"github.com/specialistvlad/buildgridgo/internal/config"
	"github.com/specialistvlad/buildgridgo/internal/filter"
	"github.com/specialistvlad/buildgridgo/internal/params"
)

var versions atomic.Uint64

type builder struct {
	model    *config.Model
	projects map[string]*config.Project
	g        *Graph
	errs     []error
}

// Build validates the model and returns its graph. All problems except
// cycles are reported together. Cycle detection runs only on an otherwise
// valid model.
func Build(model *config.Model) (*Graph, error) {
	b := &builder{
		model:    model,
		projects: make(map[string]*config.Project),
		g: &Graph{
			nodes:    make(map[string]*Node),
			vcsRoots: make(map[string]*config.VcsRoot),
			agents:   model.Agents,
		},
	}

	b.indexProjects()
	b.indexVcsRoots()
	b.indexBuildTypes()
	b.checkAgents()
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}

	for _, bt := range model.BuildTypes {
		b.linkDependencies(bt)
	}
	for _, bt := range model.BuildTypes {
		b.compileTriggers(bt)
		b.checkParamReferences(bt)
	}
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	b.order()
	b.inheritParams()

	b.g.version = versions.Add(1)
	return b.g, nil
}

func (b *builder) fail(err *ConfigurationError) {
	b.errs = append(b.errs, err)
}

func (b *builder) indexProjects() {
	for _, p := range b.model.Projects {
		if p.ID == "" {
			b.fail(newError(InvalidValue, "", "project with empty id"))
			continue
		}
		if _, dup := b.projects[p.ID]; dup {
			b.fail(newError(DuplicateID, p.ID, "project declared more than once"))
			continue
		}
		b.projects[p.ID] = p
	}
	for _, p := range b.model.Projects {
		if p.ParentID != "" {
			if _, ok := b.projects[p.ParentID]; !ok {
				b.fail(newError(UnknownReference, p.ID, "unknown parent project %q", p.ParentID))
			}
		}
	}
	// Parent chains must terminate.
	for _, p := range b.model.Projects {
		seen := map[string]bool{}
		for cur := p; cur != nil && cur.ParentID != ""; cur = b.projects[cur.ParentID] {
			if seen[cur.ID] {
				b.fail(newError(InvalidValue, p.ID, "project parent chain loops back to %q", cur.ID))
				break
			}
			seen[cur.ID] = true
		}
	}
}

func (b *builder) indexVcsRoots() {
	for _, r := range b.model.VcsRoots {
		if r.ID == "" {
			b.fail(newError(InvalidValue, "", "vcs root with empty id"))
			continue
		}
		if _, dup := b.g.vcsRoots[r.ID]; dup {
			b.fail(newError(DuplicateID, r.ID, "vcs root declared more than once"))
			continue
		}
		if r.DefaultBranch == "" {
			b.fail(newError(InvalidValue, r.ID, "vcs root has no default branch"))
		}
		b.g.vcsRoots[r.ID] = r
	}
}

func (b *builder) indexBuildTypes() {
	for _, bt := range b.model.BuildTypes {
		if bt.ID == "" {
			b.fail(newError(InvalidValue, "", "build type with empty id"))
			continue
		}
		if _, dup := b.g.nodes[bt.ID]; dup {
			b.fail(newError(DuplicateID, bt.ID, "build type declared more than once"))
			continue
		}
		b.g.nodes[bt.ID] = &Node{BuildType: bt}

		if bt.ProjectID != "" {
			if _, ok := b.projects[bt.ProjectID]; !ok {
				b.fail(newError(UnknownReference, bt.ID, "unknown project %q", bt.ProjectID))
			}
		}
		if bt.VcsRootID != "" {
			if _, ok := b.g.vcsRoots[bt.VcsRootID]; !ok {
				b.fail(newError(UnknownReference, bt.ID, "unknown vcs root %q", bt.VcsRootID))
			}
		}
		switch bt.Kind {
		case "", config.KindRegular:
		case config.KindComposite:
			if len(bt.Steps) > 0 {
				b.fail(newError(InvalidValue, bt.ID, "composite build type cannot have steps"))
			}
		default:
			b.fail(newError(InvalidValue, bt.ID, "unknown build type kind %q", bt.Kind))
		}
		if bt.ExecutionTimeout < 0 {
			b.fail(newError(InvalidValue, bt.ID, "negative execution timeout"))
		}
		for _, r := range bt.Requirements {
			if r.Name == "" {
				b.fail(newError(InvalidValue, bt.ID, "requirement %q has no parameter name", r.ID))
			}
			if !slices.Contains(config.ValidRequirementOps, r.Op) {
				b.fail(newError(InvalidValue, bt.ID, "unknown requirement operator %q", r.Op))
			}
		}
		rules, err := artifact.ParseRules(bt.PublishRules)
		if err != nil {
			b.fail(newError(InvalidValue, bt.ID, "publish rules: %v", err))
		}
		b.g.nodes[bt.ID].PublishRules = rules
	}
}

func (b *builder) checkAgents() {
	seen := map[string]bool{}
	for _, a := range b.model.Agents {
		if a.ID == "" {
			b.fail(newError(InvalidValue, "", "agent with empty id"))
			continue
		}
		if seen[a.ID] {
			b.fail(newError(DuplicateID, a.ID, "agent declared more than once"))
		}
		seen[a.ID] = true
	}
}

func (b *builder) linkDependencies(bt *config.BuildType) {
	node := b.g.nodes[bt.ID]
	seen := map[string]bool{}
	for _, dep := range bt.Dependencies {
		up, ok := b.g.nodes[dep.Upstream]
		if !ok {
			b.fail(newError(UnknownReference, bt.ID, "dependency on unknown build type %q", dep.Upstream))
			continue
		}
		if seen[dep.Upstream] {
			b.fail(newError(DuplicateID, bt.ID, "more than one dependency on %q", dep.Upstream))
			continue
		}
		seen[dep.Upstream] = true
		if err := validateDependency(bt.ID, dep); err != nil {
			b.fail(err)
			continue
		}
		rules, err := artifact.ParseRules(dep.ArtifactRules)
		if err != nil {
			b.fail(newError(InvalidValue, bt.ID, "artifact dependency on %q: %v", dep.Upstream, err))
			continue
		}

		e := &Edge{
			Downstream: bt.ID,
			Upstream:   dep.Upstream,
			Dep:        dep,
			Blocking:   dep.IsSnapshot(),
			Rules:      rules,
		}
		node.Predecessors = append(node.Predecessors, e)
		up.Successors = append(up.Successors, e)
	}
}

func validateDependency(owner string, dep *config.Dependency) *ConfigurationError {
	switch dep.Kind {
	case config.DependencySnapshot, config.DependencyArtifact:
	default:
		return newError(InvalidValue, owner, "dependency on %q has unknown kind %q", dep.Upstream, dep.Kind)
	}
	if dep.Kind == config.DependencyArtifact && len(dep.ArtifactRules) == 0 {
		return newError(InvalidValue, owner, "artifact dependency on %q has no rules", dep.Upstream)
	}
	for _, a := range []config.FailureAction{dep.OnDependencyFailure, dep.OnDependencyCancel} {
		switch a {
		case config.ActionUnset, config.ActionFailToStart, config.ActionIgnore:
		default:
			return newError(InvalidValue, owner, "dependency on %q has unknown failure action %q", dep.Upstream, a)
		}
	}
	switch dep.ReuseBuilds {
	case "", config.ReuseAny, config.ReuseNo:
	default:
		return newError(InvalidValue, owner, "dependency on %q has unknown reuse policy %q", dep.Upstream, dep.ReuseBuilds)
	}
	return nil
}

func (b *builder) compileTriggers(bt *config.BuildType) {
	node := b.g.nodes[bt.ID]
	for i, def := range bt.Triggers {
		name := def.ID
		if name == "" {
			name = fmt.Sprintf("#%d", i+1)
		}
		if !def.Enabled || bt.IsDisabled(def.ID) {
			// Disabled triggers may point anywhere.
			continue
		}

		t := &Trigger{Def: def, BuildTypeID: bt.ID}
		var err error
		switch def.Type {
		case config.TriggerVcs:
			t.Branches, err = filter.NewBranchFilter(def.BranchFilter, "+:"+filter.DefaultBranchToken)
			if err == nil {
				t.Paths, err = filter.NewPathFilter(def.PathFilter)
			}
		case config.TriggerFinishBuild:
			if _, ok := b.g.nodes[def.WatchedBuildType]; !ok {
				b.fail(newError(UnknownReference, bt.ID, "trigger %s watches unknown build type %q", name, def.WatchedBuildType))
				continue
			}
			t.Branches, err = filter.NewBranchFilter(def.BranchFilter, "+:*")
		case config.TriggerSchedule:
			t.Branches, err = filter.NewBranchFilter(def.BranchFilter, "+:"+filter.DefaultBranchToken)
			if err == nil {
				t.Schedule, err = cron.ParseStandard(def.Cron)
			}
		default:
			err = fmt.Errorf("unknown type %q", def.Type)
		}
		if err != nil {
			b.fail(newError(InvalidValue, bt.ID, "trigger %s: %v", name, err))
			continue
		}
		node.Triggers = append(node.Triggers, t)
	}
}

// checkParamReferences makes sure every "%dep.X.p%" used by a build type
// names one of its direct dependencies.
func (b *builder) checkParamReferences(bt *config.BuildType) {
	direct := map[string]bool{}
	for _, d := range bt.Dependencies {
		direct[d.Upstream] = true
	}

	texts := []string{bt.BuildNumberPattern}
	for _, v := range bt.Params {
		texts = append(texts, v)
	}
	for _, s := range bt.Steps {
		texts = append(texts, s.Script)
		for _, v := range s.Params {
			texts = append(texts, v)
		}
	}

	reported := map[string]bool{}
	for _, text := range texts {
		for _, ref := range params.References(text) {
			up, _, ok := params.DepReference(ref)
			if !ok || direct[up] || reported[ref] {
				continue
			}
			reported[ref] = true
			b.fail(newError(UnknownReference, bt.ID, "parameter reference %%%s%% does not name a direct dependency", ref))
		}
	}
}

// detectCycles runs a depth-first search over snapshot edges in declaration
// order and reports the first cycle found.
func (b *builder) detectCycles() error {
	permanent := make(map[string]bool)
	onStack := make(map[string]int)
	var stack []string

	var visit func(n *Node) error
	visit = func(n *Node) error {
		if permanent[n.ID()] {
			return nil
		}
		if i, ok := onStack[n.ID()]; ok {
			cycle := append(slices.Clone(stack[i:]), n.ID())
			return &ConfigurationError{
				Kind:    CyclicDependency,
				Subject: n.ID(),
				Message: "snapshot dependencies form a cycle",
				Cycle:   cycle,
			}
		}

		onStack[n.ID()] = len(stack)
		stack = append(stack, n.ID())
		for _, e := range n.SnapshotPredecessors() {
			if err := visit(b.g.nodes[e.Upstream]); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		delete(onStack, n.ID())
		permanent[n.ID()] = true
		return nil
	}

	for _, bt := range b.model.BuildTypes {
		if err := visit(b.g.nodes[bt.ID]); err != nil {
			return err
		}
	}
	return nil
}

// order accepts artifact-only edges that keep the waiting relation acyclic
// and sorts the nodes topologically over blocking edges.
func (b *builder) order() {
	for _, bt := range b.model.BuildTypes {
		for _, e := range b.g.nodes[bt.ID].Predecessors {
			if e.Blocking {
				continue
			}
			// Adding down->up closes a cycle iff up already waits on down.
			e.Blocking = !b.waitsOn(e.Upstream, e.Downstream)
		}
	}

	visited := make(map[string]bool)
	var visit func(n *Node)
	visit = func(n *Node) {
		if visited[n.ID()] {
			return
		}
		visited[n.ID()] = true
		for _, e := range n.Predecessors {
			if e.Blocking {
				visit(b.g.nodes[e.Upstream])
			}
		}
		b.g.order = append(b.g.order, n)
	}
	for _, bt := range b.model.BuildTypes {
		visit(b.g.nodes[bt.ID])
	}
}

// waitsOn reports whether from transitively waits on to through the edges
// marked blocking so far.
func (b *builder) waitsOn(from, to string) bool {
	seen := map[string]bool{}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for _, e := range b.g.nodes[cur].Predecessors {
			if e.Blocking {
				queue = append(queue, e.Upstream)
			}
		}
	}
	return false
}

// inheritParams computes effective params and default branches. It relies
// on g.order listing upstreams first.
func (b *builder) inheritParams() {
	for _, n := range b.g.order {
		bt := n.BuildType

		var chain []map[string]string
		seen := map[string]bool{}
		for p := b.projects[bt.ProjectID]; p != nil && !seen[p.ID]; p = b.projects[p.ParentID] {
			seen[p.ID] = true
			chain = append(chain, p.Params)
		}
		slices.Reverse(chain)
		n.Params = params.Merge(append(chain, bt.Params)...)

		if r, ok := b.g.vcsRoots[bt.VcsRootID]; ok {
			n.DefaultBranch = r.DefaultBranch
			continue
		}
		n.DefaultBranch = FallbackBranch
		for _, e := range n.Predecessors {
			if up := b.g.nodes[e.Upstream]; up.DefaultBranch != "" && e.Blocking {
				n.DefaultBranch = up.DefaultBranch
				break
			}
		}
	}
}
