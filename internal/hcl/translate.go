package hcl

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/specialistvlad/buildgridgo/internal/config"
	"github.com/specialistvlad/buildgridgo/internal/ctxlog"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

func translateProject(ctx context.Context, evalCtx *hcl.EvalContext, p *projectBlock) (*config.Project, error) {
	params, err := stringMap(ctx, evalCtx, p.Params, "params")
	if err != nil {
		return nil, fmt.Errorf("project %q: %w", p.ID, err)
	}
	return &config.Project{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		ParentID:    p.Parent,
		Params:      params,
	}, nil
}

func translateVcsRoot(r *vcsRootBlock) *config.VcsRoot {
	return &config.VcsRoot{ID: r.ID, URL: r.URL, DefaultBranch: r.DefaultBranch}
}

func translateBuildType(ctx context.Context, evalCtx *hcl.EvalContext, b *buildTypeBlock) (*config.BuildType, error) {
	logger := ctxlog.FromContext(ctx).With("build_type", b.ID)
	logger.Debug("Translating HCL build type to internal config model.")

	bt := &config.BuildType{
		ID:                 b.ID,
		Name:               b.Name,
		ProjectID:          b.Project,
		Kind:               config.KindRegular,
		VcsRootID:          b.VcsRoot,
		PublishRules:       b.Publish,
		BuildNumberPattern: b.BuildNumberPattern,
		DisabledSettings:   b.DisabledSettings,
	}
	if b.Kind != "" {
		bt.Kind = config.BuildTypeKind(b.Kind)
	}
	if b.ExecutionTimeout != "" {
		d, err := time.ParseDuration(b.ExecutionTimeout)
		if err != nil {
			return nil, fmt.Errorf("build type %q: execution_timeout: %w", b.ID, err)
		}
		bt.ExecutionTimeout = d
	}

	var err error
	if bt.Params, err = stringMap(ctx, evalCtx, b.Params, "params"); err != nil {
		return nil, fmt.Errorf("build type %q: %w", b.ID, err)
	}

	for _, s := range b.Steps {
		stepParams, err := stringMap(ctx, evalCtx, s.Params, "params")
		if err != nil {
			return nil, fmt.Errorf("build type %q, step %q: %w", b.ID, s.Name, err)
		}
		bt.Steps = append(bt.Steps, &config.Step{Name: s.Name, Script: s.Script, Params: stepParams})
	}

	for _, t := range b.Triggers {
		enabled := t.Enabled == nil || *t.Enabled
		bt.Triggers = append(bt.Triggers, &config.Trigger{
			ID:               t.ID,
			Type:             config.TriggerType(t.Type),
			Enabled:          enabled,
			BranchFilter:     t.BranchFilter,
			PathFilter:       t.PathFilter,
			WatchedBuildType: t.BuildType,
			SuccessfulOnly:   t.SuccessfulOnly,
			Cron:             t.Cron,
		})
	}

	for _, d := range b.Dependencies {
		bt.Dependencies = append(bt.Dependencies, translateDependency(d))
	}

	for _, r := range b.Requirements {
		bt.Requirements = append(bt.Requirements, &config.Requirement{
			ID:    r.ID,
			Name:  r.Name,
			Op:    config.RequirementOp(r.Op),
			Value: r.Value,
		})
	}

	logger.Debug("Build type translated.",
		"steps", len(bt.Steps), "triggers", len(bt.Triggers),
		"dependencies", len(bt.Dependencies), "requirements", len(bt.Requirements))
	return bt, nil
}

func translateDependency(d *dependencyBlock) *config.Dependency {
	dep := &config.Dependency{
		Upstream:            d.Upstream,
		Kind:                config.DependencySnapshot,
		Snapshot:            true,
		OnDependencyFailure: config.FailureAction(d.OnFailure),
		OnDependencyCancel:  config.FailureAction(d.OnCancel),
		ReuseBuilds:         config.ReuseBuilds(d.Reuse),
	}
	if d.Artifacts != nil {
		dep.Kind = config.DependencyArtifact
		dep.Snapshot = d.Snapshot != nil && *d.Snapshot
		dep.ArtifactRules = d.Artifacts.Rules
		dep.CleanDestination = d.Artifacts.CleanDestination
		dep.Strict = d.Artifacts.Strict
	}
	return dep
}

func translateAgent(ctx context.Context, evalCtx *hcl.EvalContext, a *agentBlock) (*config.Agent, error) {
	caps, err := stringMap(ctx, evalCtx, a.Capabilities, "capabilities")
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", a.ID, err)
	}
	name := a.Name
	if name == "" {
		name = a.ID
	}
	return &config.Agent{
		ID:           a.ID,
		Name:         name,
		Capabilities: caps,
		Enabled:      a.Enabled == nil || *a.Enabled,
	}, nil
}

// stringMap evaluates a map or object expression and converts every value to
// a string, so `cores = 8` and `cores = "8"` mean the same thing.
func stringMap(ctx context.Context, evalCtx *hcl.EvalContext, expr hcl.Expression, attrName string) (map[string]string, error) {
	if !isExprDefined(ctx, expr, attrName) {
		return nil, nil
	}
	val, diags := expr.Value(evalCtx)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%s: %w", attrName, diags)
	}
	if val.IsNull() {
		return nil, nil
	}
	if ty := val.Type(); !ty.IsObjectType() && !ty.IsMapType() {
		return nil, fmt.Errorf("%s: must be a map, got %s", attrName, ty.FriendlyName())
	}

	out := make(map[string]string, val.LengthInt())
	for it := val.ElementIterator(); it.Next(); {
		k, v := it.Element()
		key := k.AsString()
		if v.IsNull() {
			out[key] = ""
			continue
		}
		sv, err := convert.Convert(v, cty.String)
		if err != nil {
			return nil, fmt.Errorf("%s: value of %q: %w", attrName, key, err)
		}
		out[key] = sv.AsString()
	}
	return out, nil
}

// isExprDefined reports whether an optional attribute was present in the
// source. gohcl fills omitted optional expressions with zero-width
// placeholders rather than nil.
func isExprDefined(ctx context.Context, expr hcl.Expression, attrName string) bool {
	if expr == nil {
		return false
	}
	r := expr.Range()
	defined := r.End.Byte > r.Start.Byte
	ctxlog.FromContext(ctx).Debug("Checking if HCL attribute was explicitly defined.",
		"attribute", attrName, "hcl_range", r.String(), "is_defined", defined)
	return defined
}
