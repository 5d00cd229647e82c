package scheduler

import (
	"context"
	"strconv"

	"github.com/specialistvlad/buildgridgo/internal/ctxlog"
	"github.com/specialistvlad/buildgridgo/internal/depgraph"
	"github.com/specialistvlad/buildgridgo/internal/params"
	"github.com/specialistvlad/buildgridgo/internal/run"
)

const defaultBuildNumberPattern = "%build.counter%"

// resolveParamsLocked assigns the next build counter and resolves the run's
// parameters, build number and step scripts. Later layers win: inherited
// params, request params, built-ins, then "dep.<buildType>.<name>" values
// from the upstream runs.
func (s *Scheduler) resolveParamsLocked(ctx context.Context, node *depgraph.Node, r *run.Run) (map[string]string, string, []string) {
	s.counters[r.BuildTypeID]++
	builtins := map[string]string{
		"build.counter": strconv.FormatInt(s.counters[r.BuildTypeID], 10),
		"build.branch":  r.Branch,
		"build.id":      strconv.FormatInt(r.ID, 10),
		"build.type.id": r.BuildTypeID,
	}

	deps := map[string]string{}
	for _, up := range r.Upstreams {
		upRun, ok := s.runs[up.RunID]
		if up.RunID == 0 || !ok {
			continue
		}
		prefix := params.DepPrefix + up.BuildTypeID + "."
		for k, v := range upRun.Params {
			deps[prefix+k] = v
		}
		deps[prefix+"build.number"] = upRun.BuildNumber
		deps[prefix+"build.id"] = strconv.FormatInt(upRun.ID, 10)
	}

	resolved, missing := params.ResolveAll(params.Merge(node.Params, r.Params, builtins, deps), nil)

	pattern := node.BuildType.BuildNumberPattern
	if pattern == "" {
		pattern = defaultBuildNumberPattern
	}
	number, miss := params.Resolve(pattern, params.FromMap(resolved))
	missing = append(missing, miss...)
	resolved["build.number"] = number

	scripts := make([]string, len(node.BuildType.Steps))
	for i, st := range node.BuildType.Steps {
		stepParams := resolved
		if len(st.Params) > 0 {
			stepParams = params.Merge(resolved, st.Params)
		}
		scripts[i], miss = params.Resolve(st.Script, params.FromMap(stepParams))
		missing = append(missing, miss...)
	}

	if len(missing) > 0 {
		ctxlog.FromContext(ctx).Warn("Unresolved parameter references left as is.",
			"run_id", r.ID, "build_type", r.BuildTypeID, "params", missing)
	}
	return resolved, number, scripts
}
