package hcl

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/specialistvlad/buildgridgo/internal/config"
	"github.com/specialistvlad/buildgridgo/internal/depgraph"
	"github.com/specialistvlad/buildgridgo/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

const pipelineHCL = `
project "Root" {
  name = "Root project"
  params = {
    "env.TARGET" = "staging"
    retries      = 3
  }
}

vcs_root "Main" {
  url            = env.REPO_URL
  default_branch = "main"
}

build_type "Build" {
  project              = "Root"
  vcs_root             = "Main"
  build_number_pattern = "1.0.%build.counter%"
  execution_timeout    = "30m"
  publish              = ["dist/** => dist", "*.dmp => crash_dumps"]
  disabled_settings    = ["RQ_2"]

  step "compile" {
    script = "make all"
  }
  step "test" {
    script = "make test"
    params = { verbose = true }
  }

  trigger "vcs" {
    branch_filter = ["+:<default>", "+:release/*"]
    path_filter   = ["+:src/**", "-:src/docs/**"]
  }
  trigger "schedule" {
    id      = "nightly"
    enabled = false
    cron    = "0 3 * * *"
  }

  requirement "equals" {
    id    = "RQ_1"
    name  = "os"
    value = "linux"
  }
  requirement "moreThan" {
    id    = "RQ_2"
    name  = "cores"
    value = "16"
  }
}
`

const deployHCL = `
build_type "Deploy" {
  project  = "Root"
  vcs_root = "Main"

  step "deploy" {
    script = "./deploy.sh %dep.Build.build.number%"
  }

  dependency "Build" {
    on_failure = "FAIL_TO_START"
    on_cancel  = "IGNORE"
    reuse      = "NO"
  }

  dependency "Docs" {
    on_failure = "IGNORE"
    artifacts {
      rules             = ["docs*.zip!** => docs"]
      clean_destination = true
    }
  }

  trigger "finish_build" {
    build_type      = "Build"
    successful_only = true
  }
}

build_type "Docs" {
  project  = "Root"
  vcs_root = "Main"
  step "docs" {
    script = "make docs"
  }
}

build_type "Release" {
  project = "Root"
  kind    = "composite"
  dependency "Deploy" {}
}

agent "linux-1" {
  capabilities = {
    os    = "linux"
    cores = 8
  }
}

agent "old-box" {
  name    = "Old box"
  enabled = false
}
`

func TestLoader_LoadsFullPipeline(t *testing.T) {
	// --- Arrange ---
	ctx, _ := testutil.NewTestContext(t)
	t.Setenv("REPO_URL", "https://example.com/repo.git")
	dir := t.TempDir()
	writeFile(t, dir, "a_pipeline.hcl", pipelineHCL)
	writeFile(t, dir, "nested/deploy.hcl", deployHCL)
	writeFile(t, dir, "README.md", "not configuration")

	// --- Act ---
	model, err := NewLoader().Load(ctx, dir)

	// --- Assert ---
	require.NoError(t, err)
	require.Len(t, model.Projects, 1)
	assert.Equal(t, map[string]string{"env.TARGET": "staging", "retries": "3"}, model.Projects[0].Params)

	require.Len(t, model.VcsRoots, 1)
	assert.Equal(t, "https://example.com/repo.git", model.VcsRoots[0].URL)

	require.Len(t, model.BuildTypes, 4)
	build := model.BuildTypes[0]
	assert.Equal(t, "Build", build.ID)
	assert.Equal(t, config.KindRegular, build.Kind)
	assert.Equal(t, 30*time.Minute, build.ExecutionTimeout)
	assert.Equal(t, []string{"dist/** => dist", "*.dmp => crash_dumps"}, build.PublishRules)
	require.Len(t, build.Steps, 2)
	assert.Equal(t, map[string]string{"verbose": "true"}, build.Steps[1].Params)
	require.Len(t, build.Triggers, 2)
	assert.True(t, build.Triggers[0].Enabled)
	assert.Equal(t, config.TriggerVcs, build.Triggers[0].Type)
	assert.Equal(t, []string{"+:src/**", "-:src/docs/**"}, build.Triggers[0].PathFilter)
	assert.False(t, build.Triggers[1].Enabled)
	assert.Equal(t, "0 3 * * *", build.Triggers[1].Cron)
	require.Len(t, build.EnabledRequirements(), 1)
	assert.Equal(t, config.OpEquals, build.EnabledRequirements()[0].Op)

	deploy := model.BuildTypes[1]
	require.Len(t, deploy.Dependencies, 2)
	snap := deploy.Dependencies[0]
	assert.Equal(t, config.DependencySnapshot, snap.Kind)
	assert.Equal(t, config.ActionFailToStart, snap.OnDependencyFailure)
	assert.Equal(t, config.ActionIgnore, snap.OnDependencyCancel)
	assert.Equal(t, config.ReuseNo, snap.ReuseBuilds)
	art := deploy.Dependencies[1]
	assert.Equal(t, config.DependencyArtifact, art.Kind)
	assert.False(t, art.Snapshot)
	assert.True(t, art.CleanDestination)
	assert.Equal(t, []string{"docs*.zip!** => docs"}, art.ArtifactRules)
	assert.Equal(t, "Build", deploy.Triggers[0].WatchedBuildType)
	assert.True(t, deploy.Triggers[0].SuccessfulOnly)

	release := model.BuildTypes[3]
	assert.True(t, release.IsComposite())
	assert.True(t, release.Dependencies[0].IsSnapshot())

	require.Len(t, model.Agents, 2)
	assert.Equal(t, "linux-1", model.Agents[0].Name)
	assert.Equal(t, map[string]string{"os": "linux", "cores": "8"}, model.Agents[0].Capabilities)
	assert.True(t, model.Agents[0].Enabled)
	assert.False(t, model.Agents[1].Enabled)

	g, err := depgraph.Build(model)
	require.NoError(t, err)
	node, ok := g.Node("Deploy")
	require.True(t, ok)
	assert.Equal(t, "staging", node.Params["env.TARGET"])
}

func TestLoader_MissingPathIsSkipped(t *testing.T) {
	ctx, _ := testutil.NewTestContext(t)

	model, err := NewLoader().Load(ctx, filepath.Join(t.TempDir(), "nope"))

	require.NoError(t, err)
	assert.Empty(t, model.BuildTypes)
}

func TestLoader_SingleFileAndDuplicates(t *testing.T) {
	ctx, _ := testutil.NewTestContext(t)
	dir := t.TempDir()
	file := writeFile(t, dir, "one.hcl", `build_type "A" {}`)

	model, err := NewLoader().Load(ctx, file, dir, file)

	require.NoError(t, err)
	assert.Len(t, model.BuildTypes, 1, "a file reached twice is loaded once")
}

func TestLoader_Errors(t *testing.T) {
	testCases := []struct {
		name    string
		content string
		errText string
	}{
		{name: "syntax", content: `build_type "A" {`, errText: "failed to parse HCL file"},
		{name: "unknown attribute", content: `build_type "A" { colour = "red" }`, errText: "failed to decode HCL file"},
		{name: "bad timeout", content: `build_type "A" { execution_timeout = "soon" }`, errText: "execution_timeout"},
		{name: "params not a map", content: `project "P" { params = ["a"] }`, errText: "must be a map"},
		{name: "missing script", content: `build_type "A" { step "s" {} }`, errText: "failed to decode HCL file"},
		{name: "misspelled block", content: `build_types "A" {}`, errText: "Unsupported block type"},
		{name: "top-level attribute", content: `name = "x"`, errText: "Unsupported argument"},
		{name: "unknown variable", content: `vcs_root "R" { url = nope.x }`, errText: "failed to decode HCL file"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, _ := testutil.NewTestContext(t)
			dir := t.TempDir()
			writeFile(t, dir, "bad.hcl", tc.content)

			_, err := NewLoader().Load(ctx, dir)

			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errText)
		})
	}
}
