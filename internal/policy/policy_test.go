package policy

import (
	"testing"

	"github.com/specialistvlad/buildgridgo/internal/config"
	"github.com/specialistvlad/buildgridgo/internal/run"
	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	failToStart := &config.Dependency{OnDependencyFailure: config.ActionFailToStart}
	ignore := &config.Dependency{OnDependencyFailure: config.ActionIgnore}
	ignoreButNotCancel := &config.Dependency{OnDependencyFailure: config.ActionIgnore, OnDependencyCancel: config.ActionFailToStart}
	defaults := &config.Dependency{}

	testCases := []struct {
		name    string
		dep     *config.Dependency
		outcome run.Status
		want    Verdict
	}{
		{"success always proceeds", failToStart, run.Success, Proceed},
		{"failure with FAIL_TO_START", failToStart, run.Failed, FailToStart},
		{"failure with IGNORE", ignore, run.Failed, Ignore},
		{"cancel inherits IGNORE", ignore, run.Canceled, Ignore},
		{"cancel override", ignoreButNotCancel, run.Canceled, FailToStart},
		{"failure with cancel override", ignoreButNotCancel, run.Failed, Ignore},
		{"unset failure action", defaults, run.Failed, FailToStart},
		{"unset cancel action", defaults, run.Canceled, FailToStart},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Decide(tc.dep, tc.outcome))
		})
	}
}
