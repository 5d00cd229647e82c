package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/specialistvlad/buildgridgo/internal/app"
	"github.com/specialistvlad/buildgridgo/internal/ctxlog"
	"github.com/specialistvlad/buildgridgo/internal/depgraph"
	"github.com/specialistvlad/buildgridgo/internal/hcl"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Exit codes.
const (
	ExitFailure       = 1
	ExitUsage         = 2
	ExitInvalidConfig = 3
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func usageError(err error) error {
	return &ExitError{Code: ExitUsage, Message: err.Error()}
}

// classify maps an error to an ExitError. Invalid pipeline configuration
// gets its own exit code so CI jobs linting configs can tell it apart.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	var cfgErr *depgraph.ConfigurationError
	if errors.As(err, &cfgErr) {
		return &ExitError{Code: ExitInvalidConfig, Message: err.Error()}
	}
	return &ExitError{Code: ExitFailure, Message: err.Error()}
}

// Execute runs the command line in args. Command output goes to outW and
// logs go to errW. A nil error means exit code zero.
func Execute(ctx context.Context, args []string, outW, errW io.Writer) error {
	root := NewRootCmd(outW, errW)
	root.SetArgs(args)
	return classify(root.ExecuteContext(ctx))
}

// NewRootCmd builds the command tree. Each call gets its own viper
// instance so commands never share state.
func NewRootCmd(outW, errW io.Writer) *cobra.Command {
	v := app.NewViper()

	root := &cobra.Command{
		Use:   "buildgrid <command> [flags]",
		Short: "BuildGrid - a build pipeline orchestrator.",
		Long: `BuildGrid runs build pipelines declared in HCL: build types, their
snapshot and artifact dependencies, triggers and agents.

Settings are read from flags, BUILDGRID_* environment variables and an
optional buildgrid.yaml in the working directory, in that order of
precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(outW)
	root.SetErr(errW)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	flags := root.PersistentFlags()
	flags.StringSliceP("config", "c", []string{"pipelines"}, "HCL file or directory with pipeline configuration. Repeatable.")
	flags.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	flags.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	bind(v, flags, "config", "config")
	bind(v, flags, "log_format", "log-format")
	bind(v, flags, "log_level", "log-level")

	root.AddCommand(newRunCmd(v, errW))
	root.AddCommand(newValidateCmd(v, outW, errW))
	root.AddCommand(newPlanCmd(v, outW, errW))
	return root
}

// bind ties a viper key to a flag. Only a flag the user actually set
// overrides the environment and the settings file.
func bind(v *viper.Viper, flags *pflag.FlagSet, key, flag string) {
	if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
		panic(fmt.Sprintf("binding flag %q: %v", flag, err))
	}
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError(err)
		}
		return nil
	}
}

func loadSettings(v *viper.Viper) (*app.Settings, error) {
	s, err := app.LoadSettings(v)
	if err != nil {
		return nil, usageError(err)
	}
	return s, nil
}

func newRunCmd(v *viper.Viper, errW io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine and serve until interrupted.",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings(v)
			if err != nil {
				return err
			}
			a, err := app.NewApp(cmd.Context(), errW, settings, app.Deps{Loader: hcl.NewLoader()})
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.String("listen", ":8080", "Address for the HTTP API. Empty disables it.")
	flags.String("state-dir", ".buildgrid", "Directory for workspaces and published artifacts.")
	flags.String("history", "memory", "Run history backend: 'memory' or 'sqlite:<path>'.")
	flags.Duration("retention", 0, "How long finished runs stay eligible for reuse. Defaults to 24h.")
	flags.Duration("starvation-warning", 0, "Warn when a run waits this long for an agent. Defaults to 5m.")
	flags.Bool("keep-workspaces", false, "Leave run workspaces on disk after runs finish.")
	flags.String("shell", "sh", "Interpreter for step scripts.")
	flags.String("eventbus-url", "", "socket.io URL to receive events from. Empty disables the feed.")
	flags.String("eventbus-namespace", "/", "socket.io namespace of the event feed.")
	flags.Bool("eventbus-insecure", false, "Skip TLS certificate verification for the event feed.")
	flags.Bool("tracing", false, "Export OpenTelemetry spans to the log output.")
	flags.SortFlags = false

	bind(v, flags, "listen_addr", "listen")
	bind(v, flags, "state_dir", "state-dir")
	bind(v, flags, "history", "history")
	bind(v, flags, "retention", "retention")
	bind(v, flags, "starvation_warning", "starvation-warning")
	bind(v, flags, "keep_workspaces", "keep-workspaces")
	bind(v, flags, "shell", "shell")
	bind(v, flags, "eventbus_url", "eventbus-url")
	bind(v, flags, "eventbus_namespace", "eventbus-namespace")
	bind(v, flags, "eventbus_insecure", "eventbus-insecure")
	bind(v, flags, "tracing", "tracing")
	return cmd
}

func newValidateCmd(v *viper.Viper, outW, errW io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the pipeline configuration, then exit.",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, settings, err := commandContext(cmd.Context(), v, errW)
			if err != nil {
				return err
			}
			g, err := app.Validate(ctx, hcl.NewLoader(), settings.ConfigPaths...)
			if err != nil {
				return err
			}
			fmt.Fprintf(outW, "Configuration is valid: %d build types, %d agents.\n", len(g.Nodes()), len(g.Agents()))
			return nil
		},
	}
}

func newPlanCmd(v *viper.Viper, outW, errW io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:     "plan <build type>",
		Short:   "Print the build chain a run of the build type would execute.",
		Example: "$ buildgrid plan Deploy -c pipelines/",
		Args:    exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, settings, err := commandContext(cmd.Context(), v, errW)
			if err != nil {
				return err
			}
			g, err := app.Validate(ctx, hcl.NewLoader(), settings.ConfigPaths...)
			if err != nil {
				return err
			}
			if err := app.WritePlan(outW, g, args[0]); err != nil {
				return usageError(err)
			}
			return nil
		},
	}
}

// commandContext loads settings and returns a context carrying the
// configured logger.
func commandContext(ctx context.Context, v *viper.Viper, errW io.Writer) (context.Context, *app.Settings, error) {
	settings, err := loadSettings(v)
	if err != nil {
		return nil, nil, err
	}
	logger := app.NewLogger(settings.LogLevel, settings.LogFormat, errW)
	return ctxlog.WithLogger(ctx, logger), settings, nil
}
