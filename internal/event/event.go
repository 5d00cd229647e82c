// Package event defines the inputs the engine reacts to.
package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/specialistvlad/buildgridgo/internal/run"
)

// Kind names an event type.
type Kind string

const (
	KindVcsCommit         Kind = "vcs_commit"
	KindBuildFinished     Kind = "build_finished"
	KindScheduleTick      Kind = "schedule_tick"
	KindAgentStateChanged Kind = "agent_state_changed"
)

// Event is implemented by every event type.
type Event interface {
	Kind() Kind
	// DeliveryID identifies one delivery of an event for logs and traces.
	DeliveryID() string
}

// Meta carries fields shared by all events.
type Meta struct {
	ID string `json:"delivery_id,omitempty"`
}

// DeliveryID implements Event.
func (m Meta) DeliveryID() string { return m.ID }

// NewMeta returns Meta with a fresh delivery id.
func NewMeta() Meta {
	return Meta{ID: uuid.NewString()}
}

// Ensure fills in a delivery id when the producer did not send one.
func Ensure(m *Meta) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
}

// VcsCommit reports new commits on a branch.
type VcsCommit struct {
	Meta
	// VcsRootID limits the commit to build types attached to that root.
	// Empty matches every build type with a vcs trigger.
	VcsRootID    string   `json:"vcs_root_id,omitempty"`
	Branch       string   `json:"branch"`
	ChangedPaths []string `json:"changed_paths,omitempty"`
}

func (VcsCommit) Kind() Kind { return KindVcsCommit }

// BuildFinished is emitted for every terminal run.
type BuildFinished struct {
	Meta
	BuildTypeID string     `json:"build_type_id"`
	Branch      string     `json:"branch"`
	RunID       int64      `json:"run_id"`
	Outcome     run.Status `json:"outcome"`
}

func (BuildFinished) Kind() Kind { return KindBuildFinished }

// ScheduleTick fires once per minute.
type ScheduleTick struct {
	Meta
	Time time.Time `json:"time"`
}

func (ScheduleTick) Kind() Kind { return KindScheduleTick }

// AgentStateChanged registers, updates or removes an agent.
type AgentStateChanged struct {
	Meta
	AgentID      string            `json:"agent_id"`
	Name         string            `json:"name,omitempty"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
	Enabled      bool              `json:"enabled"`
	Removed      bool              `json:"removed,omitempty"`
}

func (AgentStateChanged) Kind() Kind { return KindAgentStateChanged }
