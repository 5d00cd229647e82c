package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/specialistvlad/buildgridgo/internal/config"
	"github.com/specialistvlad/buildgridgo/internal/ctxlog"
	"github.com/specialistvlad/buildgridgo/internal/depgraph"
)

// Validate loads and validates the pipeline configuration without starting
// anything.
func Validate(ctx context.Context, loader config.Loader, paths ...string) (*depgraph.Graph, error) {
	logger := ctxlog.FromContext(ctx)
	model, err := loader.Load(ctx, paths...)
	if err != nil {
		return nil, err
	}
	g, err := depgraph.Build(model)
	if err != nil {
		return nil, err
	}
	logger.Debug("Configuration is valid.", "build_types", len(g.Nodes()))
	return g, nil
}

// WritePlan prints the build types a run of buildTypeID would wait for, in
// the order they would execute, with the dependency settings of each edge.
func WritePlan(w io.Writer, g *depgraph.Graph, buildTypeID string) error {
	chain := g.Chain(buildTypeID)
	if chain == nil {
		return fmt.Errorf("unknown build type %q", buildTypeID)
	}

	inChain := make(map[string]bool, len(chain))
	for _, n := range chain {
		inChain[n.ID()] = true
	}

	for i, n := range chain {
		bt := n.BuildType
		kind := string(bt.Kind)
		if kind == "" {
			kind = string(config.KindRegular)
		}
		fmt.Fprintf(w, "%d. %s (%s)", i+1, n.ID(), kind)
		if bt.Name != "" && bt.Name != bt.ID {
			fmt.Fprintf(w, " %q", bt.Name)
		}
		fmt.Fprintln(w)

		for _, e := range n.Predecessors {
			if !inChain[e.Upstream] {
				continue
			}
			fmt.Fprintf(w, "   <- %s [%s]\n", e.Upstream, describeEdge(e.Dep))
		}
	}
	return nil
}

func describeEdge(d *config.Dependency) string {
	parts := []string{string(d.Kind)}
	if d.Kind == config.DependencyArtifact {
		parts = append(parts, "rules="+strings.Join(d.ArtifactRules, ";"))
	}
	parts = append(parts,
		"on_failure="+string(d.ActionFor(false)),
		"on_cancel="+string(d.ActionFor(true)),
		"reuse="+string(d.Reuse()),
	)
	return strings.Join(parts, ", ")
}
