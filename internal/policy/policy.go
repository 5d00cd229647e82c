// Package policy decides what a dependent run does once an upstream run
// has finished.
package policy

import (
	"github.com/specialistvlad/buildgridgo/internal/config"
	"github.com/specialistvlad/buildgridgo/internal/run"
)

// Verdict is the outcome of applying an edge's policy to an upstream result.
type Verdict string

const (
	// Proceed means the upstream succeeded.
	Proceed Verdict = "Proceed"
	// Ignore means the upstream did not succeed but the edge tolerates it.
	Ignore Verdict = "Ignore"
	// FailToStart means the dependent must fail without being dispatched.
	FailToStart Verdict = "FailToStart"
)

// Decide applies a dependency edge's failure policy to an upstream outcome.
// Outcomes that are not terminal are treated like failures.
func Decide(dep *config.Dependency, outcome run.Status) Verdict {
	if outcome == run.Success {
		return Proceed
	}
	switch dep.ActionFor(outcome == run.Canceled) {
	case config.ActionIgnore:
		return Ignore
	default:
		return FailToStart
	}
}
