package hcl

import (
	"github.com/hashicorp/hcl/v2"
)

// fileRoot is used to decode all possible top-level blocks from any file.
// Anything else at the top level is a decode error.
type fileRoot struct {
	Projects   []*projectBlock   `hcl:"project,block"`
	VcsRoots   []*vcsRootBlock   `hcl:"vcs_root,block"`
	BuildTypes []*buildTypeBlock `hcl:"build_type,block"`
	Agents     []*agentBlock     `hcl:"agent,block"`
}

type projectBlock struct {
	ID          string         `hcl:"id,label"`
	Name        string         `hcl:"name,optional"`
	Description string         `hcl:"description,optional"`
	Parent      string         `hcl:"parent,optional"`
	Params      hcl.Expression `hcl:"params,optional"`
}

type vcsRootBlock struct {
	ID            string `hcl:"id,label"`
	URL           string `hcl:"url,optional"`
	DefaultBranch string `hcl:"default_branch,optional"`
}

type buildTypeBlock struct {
	ID                 string         `hcl:"id,label"`
	Name               string         `hcl:"name,optional"`
	Project            string         `hcl:"project,optional"`
	Kind               string         `hcl:"kind,optional"`
	VcsRoot            string         `hcl:"vcs_root,optional"`
	BuildNumberPattern string         `hcl:"build_number_pattern,optional"`
	ExecutionTimeout   string         `hcl:"execution_timeout,optional"`
	Publish            []string       `hcl:"publish,optional"`
	DisabledSettings   []string       `hcl:"disabled_settings,optional"`
	Params             hcl.Expression `hcl:"params,optional"`

	Steps        []*stepBlock        `hcl:"step,block"`
	Triggers     []*triggerBlock     `hcl:"trigger,block"`
	Dependencies []*dependencyBlock  `hcl:"dependency,block"`
	Requirements []*requirementBlock `hcl:"requirement,block"`
}

type stepBlock struct {
	Name   string         `hcl:"name,label"`
	Script string         `hcl:"script"`
	Params hcl.Expression `hcl:"params,optional"`
}

type triggerBlock struct {
	Type           string   `hcl:"type,label"`
	ID             string   `hcl:"id,optional"`
	Enabled        *bool    `hcl:"enabled,optional"`
	BranchFilter   []string `hcl:"branch_filter,optional"`
	PathFilter     []string `hcl:"path_filter,optional"`
	BuildType      string   `hcl:"build_type,optional"`
	SuccessfulOnly bool     `hcl:"successful_only,optional"`
	Cron           string   `hcl:"cron,optional"`
}

// dependencyBlock without an artifacts block is a snapshot edge. With one,
// it is an artifact edge that also orders execution when snapshot = true.
type dependencyBlock struct {
	Upstream  string          `hcl:"upstream,label"`
	Snapshot  *bool           `hcl:"snapshot,optional"`
	OnFailure string          `hcl:"on_failure,optional"`
	OnCancel  string          `hcl:"on_cancel,optional"`
	Reuse     string          `hcl:"reuse,optional"`
	Artifacts *artifactsBlock `hcl:"artifacts,block"`
}

type artifactsBlock struct {
	Rules            []string `hcl:"rules"`
	CleanDestination bool     `hcl:"clean_destination,optional"`
	Strict           bool     `hcl:"strict,optional"`
}

type requirementBlock struct {
	Op    string `hcl:"op,label"`
	ID    string `hcl:"id,optional"`
	Name  string `hcl:"name"`
	Value string `hcl:"value,optional"`
}

type agentBlock struct {
	ID           string         `hcl:"id,label"`
	Name         string         `hcl:"name,optional"`
	Enabled      *bool          `hcl:"enabled,optional"`
	Capabilities hcl.Expression `hcl:"capabilities,optional"`
}
