package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/specialistvlad/buildgridgo/internal/artifact"
	"github.com/specialistvlad/buildgridgo/internal/config"
	"github.com/specialistvlad/buildgridgo/internal/ctxlog"
	"github.com/specialistvlad/buildgridgo/internal/engine"
	"github.com/specialistvlad/buildgridgo/internal/executor"
	"github.com/specialistvlad/buildgridgo/internal/runstore"
	"github.com/specialistvlad/buildgridgo/internal/telemetry"
	"github.com/spf13/afero"
)

// Deps lets callers replace the pieces that touch the outside world.
// Zero fields get the production implementation.
type Deps struct {
	Loader   config.Loader
	Executor executor.Executor
	Fs       afero.Fs
}

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	settings *Settings
	engine   *engine.Engine
	history  runstore.Store
	shutdown telemetry.Shutdown
}

// NewApp builds every component and loads the pipeline configuration. An
// invalid configuration is returned as an error.
func NewApp(ctx context.Context, outW io.Writer, settings *Settings, deps Deps) (*App, error) {
	logger := NewLogger(settings.LogLevel, settings.LogFormat, outW)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("Logger configured successfully.")

	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}
	if deps.Executor == nil {
		shell := executor.NewShell()
		shell.Interpreter = settings.Shell
		shell.Output = outW
		deps.Executor = shell
	}
	if deps.Loader == nil {
		return nil, errors.New("a configuration loader is required")
	}

	tracer, shutdown, err := telemetry.Setup(ctx, telemetry.Options{Enabled: settings.Tracing, Writer: outW})
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	history, err := openHistory(ctx, settings)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	if err := deps.Fs.MkdirAll(settings.StateDir, 0o755); err != nil {
		_ = history.Close()
		_ = shutdown(ctx)
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	eng, err := engine.New(ctx, engine.Options{
		Loader:            deps.Loader,
		Paths:             settings.ConfigPaths,
		Executor:          deps.Executor,
		Artifacts:         artifact.NewStore(deps.Fs, settings.StateDir),
		History:           history,
		Retention:         settings.Retention,
		StarvationWarning: settings.StarvationWarning,
		KeepWorkspaces:    settings.KeepWorkspaces,
		Tracer:            tracer,
	})
	if err != nil {
		_ = history.Close()
		_ = shutdown(ctx)
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Debug("Engine constructed.", "build_types", len(eng.Graph().Nodes()))

	return &App{
		outW:     outW,
		logger:   logger,
		settings: settings,
		engine:   eng,
		history:  history,
		shutdown: shutdown,
	}, nil
}

// Engine returns the application's engine. This is primarily for testing.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// Close stops the engine and releases its storage.
func (a *App) Close(ctx context.Context) error {
	return errors.Join(a.engine.Close(), a.history.Close(), a.shutdown(ctx))
}

func openHistory(ctx context.Context, settings *Settings) (runstore.Store, error) {
	kind, path, err := settings.historyKind()
	if err != nil {
		return nil, err
	}
	logger := ctxlog.FromContext(ctx)
	switch kind {
	case "sqlite":
		logger.Info("Using SQLite run history.", "path", path)
		store, err := runstore.OpenSQLite(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to open run history: %w", err)
		}
		return store, nil
	default:
		logger.Warn("Run history is kept in memory and is lost on restart.")
		return runstore.NewMemory(), nil
	}
}
