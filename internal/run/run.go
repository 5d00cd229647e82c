// Package run defines a single execution of a build type on a branch and
// the states it moves through.
package run

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	Queued                Status = "Queued"
	WaitingOnDependencies Status = "WaitingOnDependencies"
	Dispatched            Status = "Dispatched"
	Running               Status = "Running"
	Success               Status = "Success"
	Failed                Status = "Failed"
	Canceled              Status = "Canceled"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == Success || s == Failed || s == Canceled
}

// ReasonKind classifies why a run did not succeed.
type ReasonKind string

const (
	UpstreamDependencyFailed ReasonKind = "UpstreamDependencyFailed"
	Timeout                  ReasonKind = "Timeout"
	ExecutorCrash            ReasonKind = "ExecutorCrash"
	ExitCode                 ReasonKind = "ExitCode"
	ArtifactError            ReasonKind = "ArtifactError"
	CanceledByUser           ReasonKind = "Canceled"
)

// Reason explains a Failed or Canceled status.
type Reason struct {
	Kind    ReasonKind `json:"kind"`
	Message string     `json:"message,omitempty"`
	// UpstreamBuildType and UpstreamRunID name the direct upstream for
	// UpstreamDependencyFailed.
	UpstreamBuildType string `json:"upstream_build_type,omitempty"`
	UpstreamRunID     int64  `json:"upstream_run_id,omitempty"`
	// OriginRunID is the run whose own failure started a cascade.
	OriginRunID int64 `json:"origin_run_id,omitempty"`
	ExitCode    int   `json:"exit_code,omitempty"`
}

func (r *Reason) String() string {
	switch r.Kind {
	case UpstreamDependencyFailed:
		return fmt.Sprintf("%s: %s (run %d)", r.Kind, r.UpstreamBuildType, r.UpstreamRunID)
	case ExitCode:
		return fmt.Sprintf("%s: %d", r.Kind, r.ExitCode)
	}
	if r.Message != "" {
		return fmt.Sprintf("%s: %s", r.Kind, r.Message)
	}
	return string(r.Kind)
}

// Upstream is the run chosen to satisfy one dependency edge.
type Upstream struct {
	BuildTypeID string `json:"build_type_id"`
	// RunID is zero when a non-blocking edge found no successful run.
	RunID int64 `json:"run_id"`
	// Reused is set when the run existed before this run was enqueued.
	Reused   bool `json:"reused"`
	Blocking bool `json:"blocking"`
}

// Transition is one entry of a run's status log.
type Transition struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// Decision records how an upstream outcome was applied to this run.
type Decision struct {
	UpstreamBuildType string    `json:"upstream_build_type"`
	UpstreamRunID     int64     `json:"upstream_run_id"`
	Outcome           Status    `json:"outcome"`
	Verdict           string    `json:"verdict"`
	At                time.Time `json:"at"`
}

// Request asks for a run of a build type on a branch.
type Request struct {
	BuildTypeID string
	Branch      string
	// Cause is a human readable description of what triggered the run.
	Cause  string
	Params map[string]string
}

// Run is a single execution of a build type on a branch.
type Run struct {
	ID          int64             `json:"id"`
	BuildTypeID string            `json:"build_type_id"`
	Branch      string            `json:"branch"`
	Status      Status            `json:"status"`
	Cause       string            `json:"cause,omitempty"`
	BuildNumber string            `json:"build_number,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Upstreams   []Upstream        `json:"upstreams,omitempty"`
	AgentID     string            `json:"agent_id,omitempty"`
	Reason      *Reason           `json:"reason,omitempty"`
	Artifacts   []string          `json:"artifacts,omitempty"`
	// GraphVersion is the dependency graph the run was planned against.
	GraphVersion uint64       `json:"graph_version"`
	Transitions  []Transition `json:"transitions"`
	Decisions    []Decision   `json:"decisions,omitempty"`

	QueuedAt   time.Time `json:"queued_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// New returns a Queued run.
func New(id int64, req Request, at time.Time) *Run {
	return &Run{
		ID:          id,
		BuildTypeID: req.BuildTypeID,
		Branch:      req.Branch,
		Status:      Queued,
		Cause:       req.Cause,
		Params:      maps.Clone(req.Params),
		QueuedAt:    at,
		Transitions: []Transition{{To: Queued, At: at, Note: req.Cause}},
	}
}

// SetStatus moves the run to a new status and appends to its log. It is a
// no-op for terminal runs and for transitions to the current status.
func (r *Run) SetStatus(to Status, at time.Time, note string) bool {
	if r.Status.IsTerminal() || r.Status == to {
		return false
	}
	r.Transitions = append(r.Transitions, Transition{From: r.Status, To: to, At: at, Note: note})
	r.Status = to
	switch {
	case to == Running:
		r.StartedAt = at
	case to.IsTerminal():
		r.FinishedAt = at
	}
	return true
}

// Finish moves the run to a terminal status with an optional reason.
func (r *Run) Finish(to Status, reason *Reason, at time.Time) bool {
	note := ""
	if reason != nil {
		note = reason.String()
	}
	if !r.SetStatus(to, at, note) {
		return false
	}
	r.Reason = reason
	return true
}

// Reached reports whether the run has ever been in status s.
func (r *Run) Reached(s Status) bool {
	return slices.ContainsFunc(r.Transitions, func(t Transition) bool { return t.To == s })
}

// Decided reports whether a decision was already recorded for an upstream.
func (r *Run) Decided(upstreamRunID int64) bool {
	return slices.ContainsFunc(r.Decisions, func(d Decision) bool { return d.UpstreamRunID == upstreamRunID })
}

// Clone returns a deep copy safe to hand to readers.
func (r *Run) Clone() *Run {
	c := *r
	c.Params = maps.Clone(r.Params)
	c.Upstreams = slices.Clone(r.Upstreams)
	c.Artifacts = slices.Clone(r.Artifacts)
	c.Transitions = slices.Clone(r.Transitions)
	c.Decisions = slices.Clone(r.Decisions)
	if r.Reason != nil {
		reason := *r.Reason
		c.Reason = &reason
	}
	return &c
}
