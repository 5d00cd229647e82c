// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev

package config

import (
	"slices"
	"time"
)

// Model is the unified, format-agnostic representation of an entire pipeline
// configuration.
type Model struct {
	Projects   []*Project
	VcsRoots   []*VcsRoot
	BuildTypes []*BuildType
	Agents     []*Agent
}

// Project groups build types and carries inheritable parameters.
type Project struct {
	ID          string
	Name        string
	Description string
	// ParentID is empty for a root project.
	ParentID string
	Params   map[string]string
}

// VcsRoot is a source repository reference.
type VcsRoot struct {
	ID            string
	URL           string
	DefaultBranch string
}

// BuildTypeKind distinguishes regular build types from composite ones.
type BuildTypeKind string

const (
	KindRegular   BuildTypeKind = "regular"
	KindComposite BuildTypeKind = "composite"
)

// BuildType is a unit of work executed on an agent.
type BuildType struct {
	ID        string
	Name      string
	ProjectID string
	Kind      BuildTypeKind
	VcsRootID string

	Steps        []*Step
	Triggers     []*Trigger
	Dependencies []*Dependency
	Requirements []*Requirement
	// PublishRules select which produced files become artifacts. An empty
	// list publishes everything the run produced.
	PublishRules []string

	// BuildNumberPattern is resolved against run parameters at dispatch.
	// Empty means "%build.counter%".
	BuildNumberPattern string
	Params             map[string]string
	// ExecutionTimeout of zero means no limit.
	ExecutionTimeout time.Duration
	// DisabledSettings lists ids of requirements or triggers that are
	// declared but must not take effect.
	DisabledSettings []string
}

// IsComposite reports whether the build type only aggregates its dependencies.
func (b *BuildType) IsComposite() bool {
	return b.Kind == KindComposite
}

// IsDisabled reports whether the setting with the given id is disabled.
func (b *BuildType) IsDisabled(id string) bool {
	return id != "" && slices.Contains(b.DisabledSettings, id)
}

// EnabledRequirements returns the requirements that are not disabled.
func (b *BuildType) EnabledRequirements() []*Requirement {
	out := make([]*Requirement, 0, len(b.Requirements))
	for _, r := range b.Requirements {
		if !b.IsDisabled(r.ID) {
			out = append(out, r)
		}
	}
	return out
}

// Step is a single script executed in order within a run.
type Step struct {
	Name   string
	Script string
	Params map[string]string
}

// TriggerType identifies what kind of event a trigger reacts to.
type TriggerType string

const (
	TriggerVcs         TriggerType = "vcs"
	TriggerFinishBuild TriggerType = "finish_build"
	TriggerSchedule    TriggerType = "schedule"
)

// Trigger enqueues runs of its owning build type in response to events.
type Trigger struct {
	ID      string
	Type    TriggerType
	Enabled bool
	// BranchFilter holds "+:pattern" / "-:pattern" lines.
	BranchFilter []string
	// PathFilter restricts vcs triggers to commits touching matching paths.
	PathFilter []string
	// WatchedBuildType is the build type a finish_build trigger watches.
	WatchedBuildType string
	// SuccessfulOnly makes a finish_build trigger ignore failed or
	// canceled runs.
	SuccessfulOnly bool
	// Cron is a five-field cron expression for schedule triggers.
	Cron string
}

// DependencyKind is the kind of a dependency edge.
type DependencyKind string

const (
	DependencySnapshot DependencyKind = "snapshot"
	DependencyArtifact DependencyKind = "artifact"
)

// FailureAction decides what happens to a dependent when its upstream run
// did not succeed.
type FailureAction string

const (
	// ActionUnset is only meaningful for OnDependencyCancel, where it means
	// "same as OnDependencyFailure".
	ActionUnset       FailureAction = ""
	ActionFailToStart FailureAction = "FAIL_TO_START"
	ActionIgnore      FailureAction = "IGNORE"
)

// ReuseBuilds controls whether an existing upstream run may satisfy an edge.
type ReuseBuilds string

const (
	ReuseAny ReuseBuilds = "ANY"
	ReuseNo  ReuseBuilds = "NO"
)

// Dependency is an edge from the owning (downstream) build type to Upstream.
type Dependency struct {
	// Upstream is the id of the build type this edge points to.
	Upstream string
	Kind     DependencyKind
	// Snapshot marks an artifact edge that also orders execution like a
	// snapshot edge. Always true for snapshot edges.
	Snapshot bool

	OnDependencyFailure FailureAction
	OnDependencyCancel  FailureAction
	ReuseBuilds         ReuseBuilds

	ArtifactRules    []string
	CleanDestination bool
	// Strict turns an artifact rule that matches nothing into a run failure.
	Strict bool
}

// IsSnapshot reports whether the edge participates in snapshot ordering.
func (d *Dependency) IsSnapshot() bool {
	return d.Kind == DependencySnapshot || d.Snapshot
}

// ActionFor returns the effective action for the given upstream outcome.
// Canceled upstream runs use OnDependencyCancel when set.
func (d *Dependency) ActionFor(canceled bool) FailureAction {
	if canceled && d.OnDependencyCancel != ActionUnset {
		return d.OnDependencyCancel
	}
	if d.OnDependencyFailure == ActionUnset {
		return ActionFailToStart
	}
	return d.OnDependencyFailure
}

// Reuse returns the effective reuse policy, defaulting to ANY.
func (d *Dependency) Reuse() ReuseBuilds {
	if d.ReuseBuilds == "" {
		return ReuseAny
	}
	return d.ReuseBuilds
}

// RequirementOp is the comparison applied to an agent capability.
type RequirementOp string

const (
	OpExists         RequirementOp = "exists"
	OpDoesNotExist   RequirementOp = "doesNotExist"
	OpEquals         RequirementOp = "equals"
	OpDoesNotEqual   RequirementOp = "doesNotEqual"
	OpContains       RequirementOp = "contains"
	OpDoesNotContain RequirementOp = "doesNotContain"
	OpMoreThan       RequirementOp = "moreThan"
	OpLessThan       RequirementOp = "lessThan"
)

// ValidRequirementOps lists every operator the engine understands.
var ValidRequirementOps = []RequirementOp{
	OpExists, OpDoesNotExist, OpEquals, OpDoesNotEqual,
	OpContains, OpDoesNotContain, OpMoreThan, OpLessThan,
}

// Requirement is a predicate over agent capabilities.
type Requirement struct {
	ID    string
	Name  string
	Op    RequirementOp
	Value string
}

// Agent is a statically declared worker. Agents may also register at
// runtime through agent state events.
type Agent struct {
	ID           string
	Name         string
	Capabilities map[string]string
	Enabled      bool
}
